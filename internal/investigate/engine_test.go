package investigate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/linnemanlabs/remedy/internal/cluster"
	"github.com/linnemanlabs/remedy/internal/ensemble"
	"github.com/linnemanlabs/remedy/internal/evidence"
	"github.com/linnemanlabs/remedy/internal/incident"
	"github.com/linnemanlabs/remedy/internal/llm"
)

// fakeStore is a minimal in-memory Store for engine tests.
type fakeStore struct {
	mu        sync.Mutex
	incidents map[string]*incident.Incident
	finalized map[string]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		incidents: make(map[string]*incident.Incident),
		finalized: make(map[string]int),
	}
}

func (s *fakeStore) Get(_ context.Context, id string) (*incident.Incident, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inc, ok := s.incidents[id]
	if !ok {
		return nil, false, nil
	}
	cp := *inc
	cp.History = append([]incident.HistoryEntry(nil), inc.History...)
	return &cp, true, nil
}

func (s *fakeStore) GetActiveByFingerprint(_ context.Context, fp string) (*incident.Incident, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inc := range s.incidents {
		if inc.Fingerprint == fp && !inc.State.Terminal() {
			cp := *inc
			return &cp, true, nil
		}
	}
	return nil, false, nil
}

func (s *fakeStore) Put(_ context.Context, inc *incident.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *inc
	if existing, ok := s.incidents[inc.ID]; ok {
		cp.History = existing.History
	} else {
		cp.History = append([]incident.HistoryEntry(nil), inc.History...)
	}
	s.incidents[inc.ID] = &cp
	return nil
}

func (s *fakeStore) Append(_ context.Context, id string, entry incident.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inc, ok := s.incidents[id]
	if !ok {
		return fmt.Errorf("unknown incident %q", id)
	}
	if inc.Disposition != "" {
		return ErrFinalized
	}
	inc.History = append(inc.History, entry)
	return nil
}

func (s *fakeStore) Finalize(_ context.Context, inc *incident.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalized[inc.ID]++
	if s.finalized[inc.ID] > 1 {
		return ErrFinalized
	}
	existing := s.incidents[inc.ID]
	cp := *inc
	if existing != nil {
		cp.History = existing.History
	}
	s.incidents[inc.ID] = &cp
	return nil
}

func (s *fakeStore) ListActive(_ context.Context) ([]*incident.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*incident.Incident
	for _, inc := range s.incidents {
		if !inc.State.Terminal() {
			cp := *inc
			cp.History = append([]incident.HistoryEntry(nil), inc.History...)
			out = append(out, &cp)
		}
	}
	return out, nil
}

// stubReasoner returns its scripted decisions in order, repeating the last.
type stubReasoner struct {
	mu        sync.Mutex
	decisions []*ensemble.Decision
	errs      []error
	calls     int
	requests  []*llm.ReasonRequest
}

func (r *stubReasoner) Reason(_ context.Context, req *llm.ReasonRequest) (*ensemble.Decision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.calls
	r.calls++
	r.requests = append(r.requests, req)
	if i < len(r.errs) && r.errs[i] != nil {
		return nil, r.errs[i]
	}
	if len(r.decisions) == 0 {
		return nil, ensemble.ErrNoHypotheses
	}
	if i >= len(r.decisions) {
		i = len(r.decisions) - 1
	}
	return r.decisions[i], nil
}

// stubCollector returns its scripted bundles in order, repeating the last.
type stubCollector struct {
	mu      sync.Mutex
	bundles []*evidence.Bundle
	errs    []error
	calls   int
}

func (c *stubCollector) Collect(ctx context.Context, inc *incident.Incident) (*evidence.Bundle, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.calls
	c.calls++
	if i < len(c.errs) && c.errs[i] != nil {
		return nil, c.errs[i]
	}
	if i >= len(c.bundles) {
		i = len(c.bundles) - 1
	}
	b := *c.bundles[i]
	b.IncidentID = inc.ID
	return &b, nil
}

// stubInspector records ApplyAction calls and replays prior results by key.
type stubInspector struct {
	mu      sync.Mutex
	applied map[string]*cluster.ActionResult
	errs    []error
	calls   []string
}

func newStubInspector() *stubInspector {
	return &stubInspector{applied: make(map[string]*cluster.ActionResult)}
}

func (f *stubInspector) ListResources(context.Context, cluster.Filter) ([]cluster.ResourceStatus, error) {
	return nil, nil
}

func (f *stubInspector) FetchLogs(context.Context, string, time.Time) ([]cluster.LogLine, error) {
	return nil, nil
}

func (f *stubInspector) ApplyAction(_ context.Context, key string, action cluster.Action) (*cluster.ActionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, key)
	if n := len(f.calls) - 1; n < len(f.errs) && f.errs[n] != nil {
		return nil, f.errs[n]
	}
	if prior, ok := f.applied[key]; ok {
		cp := *prior
		cp.Replayed = true
		return &cp, nil
	}
	res := &cluster.ActionResult{Key: key, Success: true, StateChange: "applied " + action.String(), AppliedAt: time.Now().UTC()}
	f.applied[key] = res
	return res, nil
}

func (f *stubInspector) applyCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func failingBundle(id string) *evidence.Bundle {
	return &evidence.Bundle{
		ID:          id,
		CollectedAt: time.Now().UTC(),
		Resources: map[string]cluster.ResourceStatus{
			"default/checkout-7f9": {Ref: "default/checkout-7f9", Phase: "CrashLoopBackOff", Restarts: 12},
		},
	}
}

func healthyBundle(id string) *evidence.Bundle {
	return &evidence.Bundle{
		ID:          id,
		CollectedAt: time.Now().UTC(),
		Resources: map[string]cluster.ResourceStatus{
			"default/checkout-7f9": {Ref: "default/checkout-7f9", Phase: "Running"},
		},
	}
}

func restartDecision(conf float64) *ensemble.Decision {
	return &ensemble.Decision{
		Action:     &cluster.Action{Class: "restart", Target: "default/checkout-7f9"},
		Confidence: conf,
		Rule:       ensemble.RuleMajority,
		Supporting: []string{"claude", "openai"},
		Cost:       0.021,
	}
}

func testSignal() incident.Signal {
	return incident.Signal{
		SourceDescription:   "deploy pipeline failed: checkout rollout stuck",
		FirstObservedAt:     time.Now().UTC().Add(-time.Minute),
		RelatedResourceRefs: []string{"default/checkout-7f9"},
	}
}

func newTestIncident(id string) *incident.Incident {
	sig := testSignal()
	return &incident.Incident{
		ID:          id,
		Fingerprint: sig.Fingerprint(),
		Signal:      sig,
		State:       incident.StateDetected,
		CreatedAt:   time.Now().UTC(),
	}
}

func fastParams() Params {
	return Params{ActionBackoff: time.Millisecond}
}

func TestRunResolvedFlow(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	inspector := newStubInspector()
	reasoner := &stubReasoner{decisions: []*ensemble.Decision{restartDecision(0.775)}}
	collector := &stubCollector{bundles: []*evidence.Bundle{failingBundle("b-1"), healthyBundle("b-2")}}

	var completed *CompleteEvent
	hooks := EngineHooks{OnComplete: func(e *CompleteEvent) { completed = e }}
	eng := NewEngine(reasoner, collector, inspector, store, fastParams(), nil, hooks)

	inc := newTestIncident("inc-1")
	ctx := context.Background()
	if err := store.Put(ctx, inc); err != nil {
		t.Fatal(err)
	}
	if err := eng.Run(ctx, inc); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if inc.State != incident.StateResolved {
		t.Fatalf("State = %q, want resolved (reason: %s)", inc.State, inc.Reason)
	}
	if inc.Disposition != incident.DispositionResolved {
		t.Errorf("Disposition = %q, want resolved", inc.Disposition)
	}
	if inc.VerifiedBundleID != "b-2" {
		t.Errorf("VerifiedBundleID = %q, want b-2", inc.VerifiedBundleID)
	}
	if got := inspector.applyCalls(); len(got) != 1 || got[0] != "inc-1/0" {
		t.Errorf("ApplyAction calls = %v, want [inc-1/0]", got)
	}
	if len(inc.ActionsTaken) != 1 || !strings.HasPrefix(inc.ActionsTaken[0], "restart") {
		t.Errorf("ActionsTaken = %v, want one restart action", inc.ActionsTaken)
	}
	if inc.ProviderCost != 0.021 {
		t.Errorf("ProviderCost = %v, want 0.021", inc.ProviderCost)
	}
	if completed == nil || completed.Disposition != incident.DispositionResolved {
		t.Errorf("OnComplete event = %+v, want resolved", completed)
	}

	stored, _, err := store.Get(ctx, "inc-1")
	if err != nil {
		t.Fatal(err)
	}
	assertHistoryWellFormed(t, stored)
}

// assertHistoryWellFormed checks monotonically increasing Seq and exactly one
// terminal transition entry.
func assertHistoryWellFormed(t *testing.T, inc *incident.Incident) {
	t.Helper()
	terminals := 0
	for i, h := range inc.History {
		if h.Seq != i+1 {
			t.Errorf("History[%d].Seq = %d, want %d", i, h.Seq, i+1)
		}
		if h.Kind == incident.EntryTransition && h.Stage.Terminal() {
			terminals++
		}
	}
	if terminals != 1 {
		t.Errorf("terminal transition entries = %d, want 1", terminals)
	}
}

func TestRunForbiddenEscalatesWithoutRetry(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	inspector := newStubInspector()
	inspector.errs = []error{
		&cluster.Error{Kind: cluster.KindForbidden, Op: "apply_action", Err: errors.New("rbac: restart denied")},
	}
	reasoner := &stubReasoner{decisions: []*ensemble.Decision{restartDecision(0.9)}}
	collector := &stubCollector{bundles: []*evidence.Bundle{failingBundle("b-1")}}

	eng := NewEngine(reasoner, collector, inspector, store, fastParams(), nil, EngineHooks{})

	inc := newTestIncident("inc-forbidden")
	ctx := context.Background()
	if err := store.Put(ctx, inc); err != nil {
		t.Fatal(err)
	}
	if err := eng.Run(ctx, inc); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if inc.State != incident.StateEscalated {
		t.Fatalf("State = %q, want escalated", inc.State)
	}
	if !strings.Contains(inc.Reason, "permission denied") {
		t.Errorf("Reason = %q, want permission denial", inc.Reason)
	}
	if got := inspector.applyCalls(); len(got) != 1 {
		t.Errorf("ApplyAction calls = %d, want exactly 1 (no retry on forbidden)", len(got))
	}
}

func TestRunTransientActionErrorRetried(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	inspector := newStubInspector()
	inspector.errs = []error{
		&cluster.Error{Kind: cluster.KindUnreachable, Op: "apply_action", Err: errors.New("dial timeout")},
		&cluster.Error{Kind: cluster.KindUnreachable, Op: "apply_action", Err: errors.New("dial timeout")},
	}
	reasoner := &stubReasoner{decisions: []*ensemble.Decision{restartDecision(0.8)}}
	collector := &stubCollector{bundles: []*evidence.Bundle{failingBundle("b-1"), healthyBundle("b-2")}}

	eng := NewEngine(reasoner, collector, inspector, store, fastParams(), nil, EngineHooks{})

	inc := newTestIncident("inc-transient")
	ctx := context.Background()
	if err := store.Put(ctx, inc); err != nil {
		t.Fatal(err)
	}
	if err := eng.Run(ctx, inc); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if inc.State != incident.StateResolved {
		t.Fatalf("State = %q, want resolved (reason: %s)", inc.State, inc.Reason)
	}
	if got := inspector.applyCalls(); len(got) != 3 {
		t.Errorf("ApplyAction calls = %d, want 3 (two transient failures then success)", len(got))
	}
}

func TestRunActionTargetVanished(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	inspector := newStubInspector()
	inspector.errs = []error{
		&cluster.Error{Kind: cluster.KindNotFound, Op: "apply_action", Err: errors.New("pod gone")},
	}
	reasoner := &stubReasoner{decisions: []*ensemble.Decision{restartDecision(0.8)}}
	collector := &stubCollector{bundles: []*evidence.Bundle{failingBundle("b-1"), healthyBundle("b-2")}}

	eng := NewEngine(reasoner, collector, inspector, store, fastParams(), nil, EngineHooks{})

	inc := newTestIncident("inc-vanished")
	ctx := context.Background()
	if err := store.Put(ctx, inc); err != nil {
		t.Fatal(err)
	}
	if err := eng.Run(ctx, inc); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if inc.State != incident.StateResolved {
		t.Fatalf("State = %q, want resolved via verification (reason: %s)", inc.State, inc.Reason)
	}
	if got := inspector.applyCalls(); len(got) != 1 {
		t.Errorf("ApplyAction calls = %d, want 1 (not-found is not retried)", len(got))
	}
	if len(inc.ActionsTaken) != 0 {
		t.Errorf("ActionsTaken = %v, want none for a vanished target", inc.ActionsTaken)
	}
}

func TestRunInsufficientEvidenceExtraPassThenEscalate(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	insufficient := &ensemble.Decision{
		InsufficientEvidence: true,
		Rule:                 ensemble.RuleInsufficient,
		Reason:               "no confident hypothesis",
		Cost:                 0.01,
	}
	reasoner := &stubReasoner{decisions: []*ensemble.Decision{insufficient, insufficient}}
	collector := &stubCollector{bundles: []*evidence.Bundle{failingBundle("b-1")}}

	eng := NewEngine(reasoner, collector, newStubInspector(), store, fastParams(), nil, EngineHooks{})

	inc := newTestIncident("inc-insufficient")
	ctx := context.Background()
	if err := store.Put(ctx, inc); err != nil {
		t.Fatal(err)
	}
	if err := eng.Run(ctx, inc); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if inc.State != incident.StateEscalated {
		t.Fatalf("State = %q, want escalated", inc.State)
	}
	if collector.calls != 2 {
		t.Errorf("Collect calls = %d, want 2 (initial + one extra pass)", collector.calls)
	}
	if inc.EvidencePasses != 1 {
		t.Errorf("EvidencePasses = %d, want 1", inc.EvidencePasses)
	}
	// Both reasoning rounds spent provider budget.
	if inc.ProviderCost != 0.02 {
		t.Errorf("ProviderCost = %v, want 0.02", inc.ProviderCost)
	}
}

func TestRunRoundBudgetExhausted(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	inspector := newStubInspector()
	reasoner := &stubReasoner{decisions: []*ensemble.Decision{restartDecision(0.8)}}
	// Verification never clears: every bundle still shows the failure.
	collector := &stubCollector{bundles: []*evidence.Bundle{failingBundle("b-1")}}

	eng := NewEngine(reasoner, collector, inspector, store, fastParams(), nil, EngineHooks{})

	inc := newTestIncident("inc-budget")
	ctx := context.Background()
	if err := store.Put(ctx, inc); err != nil {
		t.Fatal(err)
	}
	if err := eng.Run(ctx, inc); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if inc.State != incident.StateEscalated {
		t.Fatalf("State = %q, want escalated", inc.State)
	}
	if inc.Round != 3 {
		t.Errorf("Round = %d, want 3", inc.Round)
	}
	if got := inspector.applyCalls(); len(got) != 3 {
		t.Errorf("ApplyAction calls = %d, want 3 (one per round)", len(got))
	}
	// Each round uses a distinct idempotency key.
	keys := map[string]bool{}
	for _, k := range inspector.applyCalls() {
		keys[k] = true
	}
	if len(keys) != 3 {
		t.Errorf("distinct action keys = %d, want 3: %v", len(keys), inspector.applyCalls())
	}
	if !strings.Contains(inc.Reason, "persists") {
		t.Errorf("Reason = %q, want round-budget explanation", inc.Reason)
	}
}

func TestRunPriorRoundsForwardedToReasoner(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	reasoner := &stubReasoner{decisions: []*ensemble.Decision{restartDecision(0.8)}}
	collector := &stubCollector{bundles: []*evidence.Bundle{
		failingBundle("b-1"), failingBundle("b-2"), // round 0 collect + verify
		failingBundle("b-3"), healthyBundle("b-4"), // round 1 collect + verify
	}}

	eng := NewEngine(reasoner, collector, newStubInspector(), store, fastParams(), nil, EngineHooks{})

	inc := newTestIncident("inc-prior")
	ctx := context.Background()
	if err := store.Put(ctx, inc); err != nil {
		t.Fatal(err)
	}
	if err := eng.Run(ctx, inc); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if inc.State != incident.StateResolved {
		t.Fatalf("State = %q, want resolved (reason: %s)", inc.State, inc.Reason)
	}
	if reasoner.calls != 2 {
		t.Fatalf("Reason calls = %d, want 2", reasoner.calls)
	}
	second := reasoner.requests[1]
	if len(second.PriorRounds) != 1 || !strings.HasPrefix(second.PriorRounds[0], "restart") {
		t.Errorf("second round PriorRounds = %v, want the first round's action", second.PriorRounds)
	}
}

func TestRunReasonerRetriedThenEscalates(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	reasoner := &stubReasoner{errs: []error{ensemble.ErrNoHypotheses, ensemble.ErrNoHypotheses}}
	collector := &stubCollector{bundles: []*evidence.Bundle{failingBundle("b-1")}}

	eng := NewEngine(reasoner, collector, newStubInspector(), store, fastParams(), nil, EngineHooks{})

	inc := newTestIncident("inc-noreason")
	ctx := context.Background()
	if err := store.Put(ctx, inc); err != nil {
		t.Fatal(err)
	}
	if err := eng.Run(ctx, inc); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if inc.State != incident.StateEscalated {
		t.Fatalf("State = %q, want escalated", inc.State)
	}
	if reasoner.calls != 2 {
		t.Errorf("Reason calls = %d, want 2 attempts", reasoner.calls)
	}
	if !strings.Contains(inc.Reason, "no usable hypothesis") {
		t.Errorf("Reason = %q, want no-usable-hypothesis", inc.Reason)
	}
}

func TestRunEvidenceUnavailableEscalates(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	collector := &stubCollector{errs: []error{errors.New("all evidence queries failed")}, bundles: []*evidence.Bundle{failingBundle("b-1")}}

	var evidenceOutcomes []string
	hooks := EngineHooks{OnEvidence: func(outcome string) { evidenceOutcomes = append(evidenceOutcomes, outcome) }}
	eng := NewEngine(&stubReasoner{}, collector, newStubInspector(), store, fastParams(), nil, hooks)

	inc := newTestIncident("inc-noevidence")
	ctx := context.Background()
	if err := store.Put(ctx, inc); err != nil {
		t.Fatal(err)
	}
	if err := eng.Run(ctx, inc); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if inc.State != incident.StateEscalated {
		t.Fatalf("State = %q, want escalated", inc.State)
	}
	if len(evidenceOutcomes) != 1 || evidenceOutcomes[0] != "failed" {
		t.Errorf("evidence outcomes = %v, want [failed]", evidenceOutcomes)
	}
}

func TestRunCancellationAbandons(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	collector := &stubCollector{bundles: []*evidence.Bundle{failingBundle("b-1")}}
	eng := NewEngine(&stubReasoner{}, collector, newStubInspector(), store, fastParams(), nil, EngineHooks{})

	inc := newTestIncident("inc-cancelled")
	if err := store.Put(context.Background(), inc); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(ErrCancelled)

	if err := eng.Run(ctx, inc); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if inc.State != incident.StateAbandoned {
		t.Fatalf("State = %q, want abandoned", inc.State)
	}
	if inc.Disposition != incident.DispositionAbandoned {
		t.Errorf("Disposition = %q, want abandoned", inc.Disposition)
	}
	if !strings.Contains(inc.Reason, "cancelled") {
		t.Errorf("Reason = %q, want cancellation cause", inc.Reason)
	}

	stored, _, err := store.Get(context.Background(), "inc-cancelled")
	if err != nil {
		t.Fatal(err)
	}
	if stored.Disposition != incident.DispositionAbandoned {
		t.Errorf("stored Disposition = %q, want abandoned", stored.Disposition)
	}
}

func TestResumeDanglingIntentReplaysSameKey(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	inspector := newStubInspector()
	// The action was applied before the crash; the replay must observe the
	// prior result instead of applying it again.
	inspector.applied["inc-resume/0"] = &cluster.ActionResult{
		Key: "inc-resume/0", Success: true, AppliedAt: time.Now().UTC(),
	}

	collector := &stubCollector{bundles: []*evidence.Bundle{healthyBundle("b-after")}}
	eng := NewEngine(&stubReasoner{}, collector, inspector, store, fastParams(), nil, EngineHooks{})

	inc := newTestIncident("inc-resume")
	inc.State = incident.StateActing
	decJSON, _ := json.Marshal(restartDecision(0.8))
	inc.History = []incident.HistoryEntry{
		{Seq: 1, Stage: incident.StateCollectingEvidence, Kind: incident.EntryTransition, At: time.Now().UTC()},
		{Seq: 2, Stage: incident.StateActing, Kind: incident.EntryIntent, At: time.Now().UTC(), Input: string(decJSON)},
	}
	ctx := context.Background()
	if err := store.Put(ctx, inc); err != nil {
		t.Fatal(err)
	}

	if err := eng.Run(ctx, inc); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if inc.State != incident.StateResolved {
		t.Fatalf("State = %q, want resolved (reason: %s)", inc.State, inc.Reason)
	}
	if got := inspector.applyCalls(); len(got) != 1 || got[0] != "inc-resume/0" {
		t.Errorf("ApplyAction calls = %v, want replay under [inc-resume/0]", got)
	}
}

func TestResumeAfterOutcomeSkipsToVerifying(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	inspector := newStubInspector()
	collector := &stubCollector{bundles: []*evidence.Bundle{healthyBundle("b-after")}}
	eng := NewEngine(&stubReasoner{}, collector, inspector, store, fastParams(), nil, EngineHooks{})

	inc := newTestIncident("inc-resume-outcome")
	inc.State = incident.StateActing
	decJSON, _ := json.Marshal(restartDecision(0.8))
	inc.History = []incident.HistoryEntry{
		{Seq: 1, Stage: incident.StateActing, Kind: incident.EntryIntent, At: time.Now().UTC(), Input: string(decJSON)},
		{Seq: 2, Stage: incident.StateActing, Kind: incident.EntryOutcome, At: time.Now().UTC(), Output: `{"key":"inc-resume-outcome/0","success":true}`},
	}
	ctx := context.Background()
	if err := store.Put(ctx, inc); err != nil {
		t.Fatal(err)
	}

	if err := eng.Run(ctx, inc); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if inc.State != incident.StateResolved {
		t.Fatalf("State = %q, want resolved (reason: %s)", inc.State, inc.Reason)
	}
	if got := inspector.applyCalls(); len(got) != 0 {
		t.Errorf("ApplyAction calls = %v, want none (action already applied)", got)
	}
}

func TestResumeFromReasoningRestartsCollection(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	reasoner := &stubReasoner{decisions: []*ensemble.Decision{restartDecision(0.8)}}
	collector := &stubCollector{bundles: []*evidence.Bundle{failingBundle("b-1"), healthyBundle("b-2")}}
	eng := NewEngine(reasoner, collector, newStubInspector(), store, fastParams(), nil, EngineHooks{})

	inc := newTestIncident("inc-resume-reasoning")
	inc.State = incident.StateReasoning
	ctx := context.Background()
	if err := store.Put(ctx, inc); err != nil {
		t.Fatal(err)
	}

	if err := eng.Run(ctx, inc); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if inc.State != incident.StateResolved {
		t.Fatalf("State = %q, want resolved (reason: %s)", inc.State, inc.Reason)
	}
	if collector.calls != 2 {
		t.Errorf("Collect calls = %d, want 2 (fresh evidence then verification)", collector.calls)
	}
}

func TestRun_CreatesSpans(t *testing.T) {
	// Not parallel: swaps the global OTel tracer provider.

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	store := newFakeStore()
	inspector := newStubInspector()
	reasoner := &stubReasoner{decisions: []*ensemble.Decision{restartDecision(0.775)}}
	collector := &stubCollector{bundles: []*evidence.Bundle{failingBundle("b-1"), healthyBundle("b-2")}}
	eng := NewEngine(reasoner, collector, inspector, store, fastParams(), nil, EngineHooks{})

	inc := newTestIncident("inc-spans")
	ctx := context.Background()
	if err := store.Put(ctx, inc); err != nil {
		t.Fatal(err)
	}
	if err := eng.Run(ctx, inc); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if inc.State != incident.StateResolved {
		t.Fatalf("State = %q, want resolved (reason: %s)", inc.State, inc.Reason)
	}

	spans := exporter.GetSpans()

	counts := make(map[string]int)
	for _, s := range spans {
		counts[s.Name]++
	}

	// Detected, CollectingEvidence, Reasoning, Deciding, Acting, Verifying.
	if counts["investigate.stage"] != 6 {
		t.Errorf("investigate.stage spans = %d, want 6", counts["investigate.stage"])
	}
	if counts["cluster.apply_action"] != 1 {
		t.Errorf("cluster.apply_action spans = %d, want 1", counts["cluster.apply_action"])
	}

	stages := make(map[string]bool)
	for _, s := range spans {
		attrs := make(map[string]any)
		for _, a := range s.Attributes {
			attrs[string(a.Key)] = a.Value.AsInterface()
		}
		switch s.Name {
		case "investigate.stage":
			if v, ok := attrs["remedy.incident.id"]; !ok || v != "inc-spans" {
				t.Errorf("stage span remedy.incident.id = %v, want inc-spans", v)
			}
			if v, ok := attrs["remedy.incident.fingerprint"]; !ok || v != inc.Fingerprint {
				t.Errorf("stage span remedy.incident.fingerprint = %v, want %q", v, inc.Fingerprint)
			}
			if v, ok := attrs["remedy.stage"].(string); ok {
				stages[v] = true
			}
			if _, ok := attrs["remedy.next_state"]; !ok {
				t.Error("stage span missing remedy.next_state")
			}
		case "cluster.apply_action":
			if v, ok := attrs["remedy.action.class"]; !ok || v != "restart" {
				t.Errorf("action span remedy.action.class = %v, want restart", v)
			}
			if v, ok := attrs["remedy.action.key"]; !ok || v != "inc-spans/0" {
				t.Errorf("action span remedy.action.key = %v, want inc-spans/0", v)
			}
			if v, ok := attrs["remedy.action.replayed"]; !ok || v != false {
				t.Errorf("action span remedy.action.replayed = %v, want false", v)
			}
		}
	}

	for _, want := range []string{"detected", "collecting_evidence", "reasoning", "deciding", "acting", "verifying"} {
		if !stages[want] {
			t.Errorf("missing investigate.stage span for stage %q", want)
		}
	}
}
