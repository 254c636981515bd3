// Package incident defines the domain model for one tracked failure
// occurrence: the inbound signal, the investigation state machine's states,
// the append-only stage history, and the terminal disposition.
package incident

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"
)

// State is one node of the investigation state machine.
type State string

const (
	StateDetected           State = "detected"
	StateCollectingEvidence State = "collecting_evidence"
	StateReasoning          State = "reasoning"
	StateDeciding           State = "deciding"
	StateActing             State = "acting"
	StateVerifying          State = "verifying"
	StateResolved           State = "resolved"
	StateEscalated          State = "escalated"
	StateAbandoned          State = "abandoned"
)

// Terminal reports whether s is a terminal state.
func (s State) Terminal() bool {
	switch s {
	case StateResolved, StateEscalated, StateAbandoned:
		return true
	}
	return false
}

// Disposition is the final outcome of an investigation.
type Disposition string

const (
	DispositionResolved  Disposition = "resolved"
	DispositionEscalated Disposition = "escalated"
	DispositionAbandoned Disposition = "abandoned"
)

// DispositionFor maps a terminal state to its disposition.
func DispositionFor(s State) Disposition {
	switch s {
	case StateResolved:
		return DispositionResolved
	case StateAbandoned:
		return DispositionAbandoned
	default:
		return DispositionEscalated
	}
}

// Signal is the inbound failure event. IncidentID is optional; the service
// mints a ULID when it is absent.
type Signal struct {
	IncidentID          string    `json:"incident_id,omitempty"`
	SourceDescription   string    `json:"source_description"`
	FirstObservedAt     time.Time `json:"first_observed_at"`
	RelatedResourceRefs []string  `json:"related_resource_refs"`
}

// Fingerprint returns a stable identity for the signal, used to prevent a
// second active investigation of the same failure. Resource refs are
// order-insensitive.
func (s *Signal) Fingerprint() string {
	refs := append([]string(nil), s.RelatedResourceRefs...)
	sort.Strings(refs)
	h := sha256.New()
	h.Write([]byte(s.SourceDescription))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(refs, "\x00")))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// EntryKind distinguishes history entries. An "intent" entry is written
// before an irreversible side effect and its matching "outcome" after, so
// replay after a crash can tell whether the side effect happened.
type EntryKind string

const (
	EntryTransition EntryKind = "transition"
	EntryIntent     EntryKind = "intent"
	EntryOutcome    EntryKind = "outcome"
)

// HistoryEntry is one append-only record of investigation progress.
type HistoryEntry struct {
	Seq    int       `json:"seq"`
	Stage  State     `json:"stage"`
	Kind   EntryKind `json:"kind"`
	At     time.Time `json:"at"`
	Input  string    `json:"input,omitempty"`
	Output string    `json:"output,omitempty"`
}

// Incident is one failure occurrence and its remediation lifecycle. History
// is append-only; once Disposition is set the record is immutable except for
// the final outcome fields written together with it.
type Incident struct {
	ID          string      `json:"id"`
	Fingerprint string      `json:"fingerprint"`
	Signal      Signal      `json:"signal"`
	State       State       `json:"state"`
	Disposition Disposition `json:"disposition,omitempty"`
	Reason      string      `json:"reason,omitempty"`

	// Round counts completed remediation rounds (Acting→Verifying loops).
	// EvidencePasses counts extra evidence passes taken after an
	// insufficient-evidence decision. Both guard loop-back edges.
	Round          int `json:"round"`
	EvidencePasses int `json:"evidence_passes"`

	ActionsTaken     []string `json:"actions_taken,omitempty"`
	ProviderCost     float64  `json:"provider_cost"`
	VerifiedBundleID string   `json:"verified_bundle_id,omitempty"`

	History []HistoryEntry `json:"history,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// NextSeq returns the sequence number the next history entry should carry.
func (inc *Incident) NextSeq() int {
	if n := len(inc.History); n > 0 {
		return inc.History[n-1].Seq + 1
	}
	return 1
}

// LastEntry returns the most recent history entry, or nil when empty.
func (inc *Incident) LastEntry() *HistoryEntry {
	if len(inc.History) == 0 {
		return nil
	}
	return &inc.History[len(inc.History)-1]
}

// Report is the outbound record emitted to the reporting sink on terminal
// disposition.
type Report struct {
	IncidentID            string      `json:"incident_id"`
	Disposition           Disposition `json:"disposition"`
	Reason                string      `json:"reason,omitempty"`
	SummaryOfActionsTaken []string    `json:"summary_of_actions_taken,omitempty"`
	TotalProviderCost     float64     `json:"total_provider_cost"`
	Rounds                int         `json:"rounds"`
	Duration              float64     `json:"duration_seconds"`
	CompletedAt           time.Time   `json:"completed_at"`
}
