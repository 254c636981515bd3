package investigate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/remedy/internal/incident"
)

// ErrCancelled is the cancellation cause delivered by Cancel.
var ErrCancelled = errors.New("cancelled via API")

// SubmitResult is the outcome of submitting a failure signal.
type SubmitResult struct {
	ID      string
	Skipped bool
	Reason  string
}

// Service is the business boundary for investigations: dedup, lifecycle,
// async dispatch, external cancellation, and startup recovery.
type Service struct {
	store    Store
	engine   *Engine
	logger   log.Logger
	metrics  *Metrics
	reporter Reporter

	mu      sync.Mutex
	cancels map[string]context.CancelCauseFunc
}

// NewService creates a service. metrics and reporter may be nil.
func NewService(store Store, engine *Engine, logger log.Logger, metrics *Metrics, reporter Reporter) *Service {
	if logger == nil {
		logger = log.Nop()
	}
	return &Service{
		store:    store,
		engine:   engine,
		logger:   logger,
		metrics:  metrics,
		reporter: reporter,
		cancels:  make(map[string]context.CancelCauseFunc),
	}
}

// Submit accepts a failure signal and starts an investigation, unless one is
// already active for the same signal fingerprint.
func (s *Service) Submit(ctx context.Context, sig *incident.Signal) (*SubmitResult, error) {
	fp := sig.Fingerprint()

	if existing, ok, err := s.store.GetActiveByFingerprint(ctx, fp); err != nil {
		return nil, err
	} else if ok {
		s.countSubmit("duplicate")
		return &SubmitResult{ID: existing.ID, Skipped: true, Reason: "investigation already active"}, nil
	}

	id := sig.IncidentID
	if id == "" {
		id = ulid.Make().String()
	} else if _, ok, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	} else if ok {
		s.countSubmit("duplicate")
		return &SubmitResult{ID: id, Skipped: true, Reason: "incident id already known"}, nil
	}

	inc := &incident.Incident{
		ID:          id,
		Fingerprint: fp,
		Signal:      *sig,
		State:       incident.StateDetected,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.Put(ctx, inc); err != nil {
		return nil, fmt.Errorf("persist incident: %w", err)
	}
	s.countSubmit("accepted")

	// Detach from the request context: the investigation outlives the HTTP
	// request that delivered the signal.
	go s.runInvestigation(context.WithoutCancel(ctx), id)

	return &SubmitResult{ID: id}, nil
}

// Get retrieves an incident by ID.
func (s *Service) Get(ctx context.Context, id string) (*incident.Incident, bool, error) {
	return s.store.Get(ctx, id)
}

// Cancel delivers the external cancellation signal for an in-flight
// investigation. It reports whether an active investigation was found.
func (s *Service) Cancel(id string) bool {
	s.mu.Lock()
	cancel, ok := s.cancels[id]
	s.mu.Unlock()
	if ok {
		cancel(ErrCancelled)
	}
	return ok
}

// Recover resumes all non-terminal investigations found in the store. Called
// once at startup, before the API starts accepting new signals.
func (s *Service) Recover(ctx context.Context) (int, error) {
	active, err := s.store.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active incidents: %w", err)
	}
	for _, inc := range active {
		s.logger.Info(ctx, "recovering investigation", "incident_id", inc.ID, "state", inc.State)
		go s.runInvestigation(context.WithoutCancel(ctx), inc.ID)
	}
	return len(active), nil
}

func (s *Service) runInvestigation(ctx context.Context, id string) {
	L := s.logger.With("incident_id", id)

	inc, ok, err := s.store.Get(ctx, id)
	if err != nil || !ok {
		L.Error(ctx, err, "failed to load incident for investigation")
		return
	}

	rctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	s.mu.Lock()
	s.cancels[id] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.cancels, id)
		s.mu.Unlock()
	}()

	if err := s.engine.Run(rctx, inc); err != nil {
		// Store-level failure: the incident stays at its last committed
		// stage and is picked up by the next recovery pass.
		L.Error(ctx, err, "investigation aborted")
		return
	}

	s.report(ctx, inc, L)
}

func (s *Service) report(ctx context.Context, inc *incident.Incident, L log.Logger) {
	if s.reporter == nil {
		return
	}
	r := &incident.Report{
		IncidentID:            inc.ID,
		Disposition:           inc.Disposition,
		Reason:                inc.Reason,
		SummaryOfActionsTaken: inc.ActionsTaken,
		TotalProviderCost:     inc.ProviderCost,
		Rounds:                inc.Round,
		Duration:              inc.CompletedAt.Sub(inc.CreatedAt).Seconds(),
		CompletedAt:           inc.CompletedAt,
	}
	if err := s.reporter.Report(ctx, r); err != nil {
		L.Error(ctx, err, "failed to emit terminal report")
	}
}

func (s *Service) countSubmit(result string) {
	if s.metrics != nil {
		s.metrics.SubmitsTotal.WithLabelValues(result).Inc()
	}
}
