// Package pgstore provides a PostgreSQL implementation of investigate.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/remedy/internal/incident"
	"github.com/linnemanlabs/remedy/internal/investigate"
	"github.com/linnemanlabs/remedy/internal/postgres"
)

var tracer = otel.Tracer("github.com/linnemanlabs/remedy/internal/investigate/pgstore")

//go:embed schema.sql
var schema string

// Store persists incidents and their history in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to PostgreSQL, applies the schema, and returns a ready Store.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

const incidentColumns = `id, fingerprint, signal, state, disposition, reason, round,
	evidence_passes, actions_taken, provider_cost, verified_bundle_id, created_at, completed_at`

// Get retrieves an incident and its full history by ID.
func (s *Store) Get(ctx context.Context, id string) (*incident.Incident, bool, error) {
	ctx, span := tracer.Start(ctx, "pgstore.Get", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE id = $1`
	inc, err := s.scanIncidentRow(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}
	if inc == nil {
		return nil, false, nil
	}

	if err := s.loadHistory(ctx, inc); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}

	return inc, true, nil
}

// GetActiveByFingerprint retrieves the most recent non-terminal incident for
// a fingerprint.
func (s *Store) GetActiveByFingerprint(ctx context.Context, fingerprint string) (*incident.Incident, bool, error) {
	ctx, span := tracer.Start(ctx, "pgstore.GetActiveByFingerprint", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	query := `SELECT ` + incidentColumns + ` FROM incidents
		WHERE fingerprint = $1 AND disposition IS NULL
		ORDER BY created_at DESC LIMIT 1`
	inc, err := s.scanIncidentRow(s.pool.QueryRow(ctx, query, fingerprint))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}
	if inc == nil {
		return nil, false, nil
	}
	return inc, true, nil
}

// Put inserts or updates the incident snapshot. History rows are owned by
// Append and are not touched. Finalized incidents reject further snapshots.
func (s *Store) Put(ctx context.Context, inc *incident.Incident) error {
	ctx, span := tracer.Start(ctx, "pgstore.Put", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPSERT"),
	))
	defer span.End()

	signalJSON, err := json.Marshal(inc.Signal)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}
	actionsJSON, err := json.Marshal(inc.ActionsTaken)
	if err != nil {
		return fmt.Errorf("marshal actions: %w", err)
	}

	query := `INSERT INTO incidents (
		id, fingerprint, signal, state, disposition, reason, round,
		evidence_passes, actions_taken, provider_cost, verified_bundle_id, created_at, completed_at
	) VALUES ($1,$2,$3,$4,NULL,$5,$6,$7,$8,$9,$10,$11,NULL)
	ON CONFLICT (id) DO UPDATE SET
		state              = EXCLUDED.state,
		reason             = EXCLUDED.reason,
		round              = EXCLUDED.round,
		evidence_passes    = EXCLUDED.evidence_passes,
		actions_taken      = EXCLUDED.actions_taken,
		provider_cost      = EXCLUDED.provider_cost,
		verified_bundle_id = EXCLUDED.verified_bundle_id
	WHERE incidents.disposition IS NULL`

	tag, err := s.pool.Exec(ctx, query,
		inc.ID, inc.Fingerprint, signalJSON, string(inc.State), inc.Reason, inc.Round,
		inc.EvidencePasses, actionsJSON, inc.ProviderCost, inc.VerifiedBundleID, inc.CreatedAt,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("upsert incident: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return investigate.ErrFinalized
	}
	return nil
}

// Append inserts one history row. The incident row is locked so a concurrent
// Finalize cannot slip in between the check and the insert.
func (s *Store) Append(ctx context.Context, id string, entry incident.HistoryEntry) error {
	ctx, span := tracer.Start(ctx, "pgstore.Append", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "INSERT"),
	))
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	var disposition *string
	err = tx.QueryRow(ctx, `SELECT disposition FROM incidents WHERE id = $1 FOR UPDATE`, id).Scan(&disposition)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("incident %s: %w", id, investigate.ErrFinalized)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("lock incident: %w", err)
	}
	if disposition != nil {
		return investigate.ErrFinalized
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO incident_history (incident_id, seq, stage, kind, at, input, output)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, entry.Seq, string(entry.Stage), string(entry.Kind), entry.At, entry.Input, entry.Output,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("insert history seq %d: %w", entry.Seq, err)
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Finalize writes the terminal disposition exactly once. A second call, or a
// call for an unknown incident, returns ErrFinalized.
func (s *Store) Finalize(ctx context.Context, inc *incident.Incident) error {
	ctx, span := tracer.Start(ctx, "pgstore.Finalize", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPDATE"),
	))
	defer span.End()

	var completedAt *time.Time
	if !inc.CompletedAt.IsZero() {
		completedAt = &inc.CompletedAt
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE incidents SET
			state        = $2,
			disposition  = $3,
			reason       = $4,
			round        = $5,
			provider_cost = $6,
			verified_bundle_id = $7,
			completed_at = $8
		 WHERE id = $1 AND disposition IS NULL`,
		inc.ID, string(inc.State), string(inc.Disposition), inc.Reason,
		inc.Round, inc.ProviderCost, inc.VerifiedBundleID, completedAt,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("finalize incident: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return investigate.ErrFinalized
	}
	return nil
}

// ListActive returns all non-terminal incidents with their history, oldest
// first, for startup recovery.
func (s *Store) ListActive(ctx context.Context) ([]*incident.Incident, error) {
	ctx, span := tracer.Start(ctx, "pgstore.ListActive", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	query := `SELECT ` + incidentColumns + ` FROM incidents
		WHERE disposition IS NULL ORDER BY created_at`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("query active incidents: %w", err)
	}
	defer rows.Close()

	var out []*incident.Incident
	for rows.Next() {
		inc, err := s.scanIncidentRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate incidents: %w", err)
	}

	for _, inc := range out {
		if err := s.loadHistory(ctx, inc); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	}
	return out, nil
}

// loadHistory reads the history rows onto an incident, ordered by seq.
func (s *Store) loadHistory(ctx context.Context, inc *incident.Incident) error {
	rows, err := s.pool.Query(ctx,
		`SELECT seq, stage, kind, at, input, output
		 FROM incident_history WHERE incident_id = $1 ORDER BY seq`,
		inc.ID,
	)
	if err != nil {
		return fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var history []incident.HistoryEntry
	for rows.Next() {
		var (
			entry incident.HistoryEntry
			stage string
			kind  string
		)
		if err := rows.Scan(&entry.Seq, &stage, &kind, &entry.At, &entry.Input, &entry.Output); err != nil {
			return fmt.Errorf("scan history: %w", err)
		}
		entry.Stage = incident.State(stage)
		entry.Kind = incident.EntryKind(kind)
		history = append(history, entry)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate history: %w", err)
	}

	inc.History = history
	return nil
}

// scanIncidentRow scans a single row into an Incident (without history).
// Returns (nil, nil) when no row is found.
func (s *Store) scanIncidentRow(row pgx.Row) (*incident.Incident, error) {
	var (
		inc         incident.Incident
		signalJSON  []byte
		state       string
		disposition *string
		actionsJSON []byte
		completedAt *time.Time
	)

	err := row.Scan(
		&inc.ID, &inc.Fingerprint, &signalJSON, &state, &disposition, &inc.Reason, &inc.Round,
		&inc.EvidencePasses, &actionsJSON, &inc.ProviderCost, &inc.VerifiedBundleID,
		&inc.CreatedAt, &completedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan: %w", err)
	}

	inc.State = incident.State(state)
	if disposition != nil {
		inc.Disposition = incident.Disposition(*disposition)
	}
	if completedAt != nil {
		inc.CompletedAt = *completedAt
	}
	if err := json.Unmarshal(signalJSON, &inc.Signal); err != nil {
		return nil, fmt.Errorf("unmarshal signal: %w", err)
	}
	if err := json.Unmarshal(actionsJSON, &inc.ActionsTaken); err != nil {
		return nil, fmt.Errorf("unmarshal actions: %w", err)
	}

	return &inc, nil
}
