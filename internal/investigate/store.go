package investigate

import (
	"context"
	"errors"

	"github.com/linnemanlabs/remedy/internal/incident"
)

// ErrFinalized is returned by Append and Put when the incident already has a
// terminal disposition. Finalized incidents are immutable.
var ErrFinalized = errors.New("investigate: incident already finalized")

// Store is the persistence interface for investigation sessions. The
// append-only history is the source of truth for crash recovery; the
// snapshot fields written by Put exist so Get and ListActive do not replay.
//
// Implementations must make Append atomic with respect to Finalize: a
// finalize in progress blocks further appends, and an append against a
// finalized incident fails with ErrFinalized.
type Store interface {
	// Get loads one incident with its full history.
	Get(ctx context.Context, id string) (*incident.Incident, bool, error)

	// GetActiveByFingerprint finds a non-terminal incident for the signal
	// fingerprint, for dedup on submit.
	GetActiveByFingerprint(ctx context.Context, fingerprint string) (*incident.Incident, bool, error)

	// Put upserts the incident snapshot (state, counters, outcome fields).
	// It does not write history and fails with ErrFinalized on a finalized
	// record.
	Put(ctx context.Context, inc *incident.Incident) error

	// Append adds one history entry.
	Append(ctx context.Context, id string, entry incident.HistoryEntry) error

	// Finalize writes the terminal disposition together with the final
	// snapshot, exactly once.
	Finalize(ctx context.Context, inc *incident.Incident) error

	// ListActive returns all non-terminal incidents, for startup recovery.
	ListActive(ctx context.Context) ([]*incident.Incident, error)
}

// Reporter receives the outbound report on terminal disposition. The
// concrete sink (Slack, logging pipeline) is wired by main.
type Reporter interface {
	Report(ctx context.Context, r *incident.Report) error
}
