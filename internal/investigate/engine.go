package investigate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/linnemanlabs/go-core/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/remedy/internal/cluster"
	"github.com/linnemanlabs/remedy/internal/ensemble"
	"github.com/linnemanlabs/remedy/internal/evidence"
	"github.com/linnemanlabs/remedy/internal/incident"
	"github.com/linnemanlabs/remedy/internal/llm"
)

var tracer = otel.Tracer("github.com/linnemanlabs/remedy/internal/investigate")

// Reasoner is the slice of the provider ensemble the engine depends on.
type Reasoner interface {
	Reason(ctx context.Context, req *llm.ReasonRequest) (*ensemble.Decision, error)
}

// Collector is the slice of the evidence collector the engine depends on.
type Collector interface {
	Collect(ctx context.Context, inc *incident.Incident) (*evidence.Bundle, error)
}

// Params bound the engine's retry and loop-back edges. Zero values get
// defaults.
type Params struct {
	// MaxReasoningAttempts bounds ensemble rounds retried when every
	// provider failed (default 2).
	MaxReasoningAttempts int
	// MaxExtraEvidencePasses bounds loop-backs taken after an
	// insufficient-evidence decision (default 1).
	MaxExtraEvidencePasses int
	// MaxRemediationRounds bounds Acting→Verifying loops (default 3).
	MaxRemediationRounds int
	// ActionTries bounds transient retries when applying an action
	// (default 3).
	ActionTries uint
	// ActionBackoff is the first retry delay for action application
	// (default 1s).
	ActionBackoff time.Duration
}

func (p Params) withDefaults() Params {
	if p.MaxReasoningAttempts == 0 {
		p.MaxReasoningAttempts = 2
	}
	if p.MaxExtraEvidencePasses == 0 {
		p.MaxExtraEvidencePasses = 1
	}
	if p.MaxRemediationRounds == 0 {
		p.MaxRemediationRounds = 3
	}
	if p.ActionTries == 0 {
		p.ActionTries = 3
	}
	if p.ActionBackoff == 0 {
		p.ActionBackoff = time.Second
	}
	return p
}

// CompleteEvent summarizes one finished investigation for metrics hooks.
type CompleteEvent struct {
	Disposition incident.Disposition
	Duration    float64
	Rounds      int
	Cost        float64
}

// EngineHooks are optional callbacks for instrumentation. Nil hooks are
// skipped.
type EngineHooks struct {
	OnStage    func(stage string, seconds float64)
	OnEvidence func(outcome string)
	OnComplete func(e *CompleteEvent)
}

// Engine drives one incident through the investigation state machine:
// collect evidence, reason over it, decide, act, verify, and loop back with
// fresh evidence while the remediation round budget lasts. Every transition
// is appended to the incident's history before the next external side
// effect, so a crashed investigation can resume from the store.
type Engine struct {
	reasoner  Reasoner
	collector Collector
	inspector cluster.Inspector
	store     Store
	params    Params
	logger    log.Logger
	hooks     EngineHooks
}

// NewEngine creates an engine with the given dependencies.
func NewEngine(reasoner Reasoner, collector Collector, inspector cluster.Inspector, store Store, params Params, logger log.Logger, hooks EngineHooks) *Engine {
	if logger == nil {
		logger = log.Nop()
	}
	return &Engine{
		reasoner:  reasoner,
		collector: collector,
		inspector: inspector,
		store:     store,
		params:    params.withDefaults(),
		logger:    logger,
		hooks:     hooks,
	}
}

// runState carries the in-memory round state that is rebuilt on resume.
type runState struct {
	bundle      *evidence.Bundle
	decision    *ensemble.Decision
	priorRounds []string
	// pendingKey is set on resume when a dangling Acting intent was found;
	// the action is re-applied under the same key.
	pendingKey string
}

// Run executes the state machine for inc until a terminal state. The
// incident must already be persisted. Run returns an error only for store
// failures the engine cannot record (state-store corruption); every domain
// outcome, including escalation and abandonment, finalizes the incident
// instead.
func (e *Engine) Run(ctx context.Context, inc *incident.Incident) error {
	start := time.Now()
	L := e.logger.With("incident_id", inc.ID, "fingerprint", inc.Fingerprint)

	rs := e.resume(ctx, inc, L)

	for {
		if ctx.Err() != nil {
			return e.finalize(context.WithoutCancel(ctx), inc, incident.StateAbandoned, cancelReason(ctx), start)
		}

		stageStart := time.Now()
		stage := inc.State
		sctx, span := tracer.Start(ctx, "investigate.stage", trace.WithAttributes(
			attribute.String("remedy.incident.id", inc.ID),
			attribute.String("remedy.incident.fingerprint", inc.Fingerprint),
			attribute.String("remedy.stage", string(stage)),
			attribute.Int("remedy.round", inc.Round),
		))
		next, err := e.step(sctx, inc, rs, L)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "stage failed")
		} else {
			span.SetAttributes(attribute.String("remedy.next_state", string(next)))
		}
		span.End()
		if e.hooks.OnStage != nil {
			e.hooks.OnStage(string(stage), time.Since(stageStart).Seconds())
		}
		if err != nil {
			return err
		}
		if next.Terminal() {
			reason := inc.Reason
			if next == incident.StateAbandoned {
				reason = cancelReason(ctx)
			}
			return e.finalize(context.WithoutCancel(ctx), inc, next, reason, start)
		}
	}
}

// step executes the current stage once and returns the next state. It
// transitions inc (history append + snapshot put) for non-terminal moves;
// terminal states are returned for Run to finalize.
func (e *Engine) step(ctx context.Context, inc *incident.Incident, rs *runState, L log.Logger) (incident.State, error) {
	switch inc.State {
	case incident.StateDetected:
		return e.transitionTo(ctx, inc, incident.StateCollectingEvidence,
			fmt.Sprintf("signal: %s", inc.Signal.SourceDescription), "")

	case incident.StateCollectingEvidence:
		return e.stepCollect(ctx, inc, rs, L)

	case incident.StateReasoning:
		return e.stepReason(ctx, inc, rs, L)

	case incident.StateDeciding:
		return e.stepDecide(ctx, inc, rs)

	case incident.StateActing:
		return e.stepAct(ctx, inc, rs, L)

	case incident.StateVerifying:
		return e.stepVerify(ctx, inc, rs, L)

	default:
		// Unknown or already-terminal state in storage is a programming
		// error; surface it rather than guessing.
		inc.Reason = fmt.Sprintf("invalid state %q", inc.State)
		return incident.StateEscalated, nil
	}
}

func (e *Engine) stepCollect(ctx context.Context, inc *incident.Incident, rs *runState, L log.Logger) (incident.State, error) {
	b, err := e.collector.Collect(ctx, inc)
	if err != nil {
		if ctx.Err() != nil {
			return incident.StateAbandoned, nil
		}
		if e.hooks.OnEvidence != nil {
			e.hooks.OnEvidence("failed")
		}
		inc.Reason = fmt.Sprintf("evidence unavailable: %v", err)
		return incident.StateEscalated, nil
	}
	if e.hooks.OnEvidence != nil {
		if b.Partial {
			e.hooks.OnEvidence("partial")
		} else {
			e.hooks.OnEvidence("complete")
		}
	}
	rs.bundle = b
	return e.transitionTo(ctx, inc, incident.StateReasoning, "", b.Summary())
}

func (e *Engine) stepReason(ctx context.Context, inc *incident.Incident, rs *runState, L log.Logger) (incident.State, error) {
	req := &llm.ReasonRequest{
		IncidentID:        inc.ID,
		SourceDescription: inc.Signal.SourceDescription,
		Evidence:          rs.bundle.JSON(),
		Partial:           rs.bundle.Partial,
		PriorRounds:       rs.priorRounds,
	}

	var (
		dec  *ensemble.Decision
		rerr error
	)
	for attempt := 1; attempt <= e.params.MaxReasoningAttempts; attempt++ {
		dec, rerr = e.reasoner.Reason(ctx, req)
		if rerr == nil {
			break
		}
		if ctx.Err() != nil {
			return incident.StateAbandoned, nil
		}
		L.Warn(ctx, "reasoning round failed", "attempt", attempt, "error", rerr)
	}
	if rerr != nil {
		inc.Reason = fmt.Sprintf("no usable hypothesis: %v", rerr)
		return incident.StateEscalated, nil
	}

	rs.decision = dec
	inc.ProviderCost += dec.Cost
	return e.transitionTo(ctx, inc, incident.StateDeciding, rs.bundle.Summary(), dec.Summary())
}

func (e *Engine) stepDecide(ctx context.Context, inc *incident.Incident, rs *runState) (incident.State, error) {
	dec := rs.decision
	if dec.InsufficientEvidence {
		if inc.EvidencePasses < e.params.MaxExtraEvidencePasses {
			inc.EvidencePasses++
			return e.transitionTo(ctx, inc, incident.StateCollectingEvidence,
				dec.Summary(), fmt.Sprintf("extra evidence pass %d", inc.EvidencePasses))
		}
		inc.Reason = "insufficient evidence after extra evidence pass"
		return incident.StateEscalated, nil
	}
	return e.transitionTo(ctx, inc, incident.StateActing, dec.Summary(), "")
}

func (e *Engine) stepAct(ctx context.Context, inc *incident.Incident, rs *runState, L log.Logger) (incident.State, error) {
	key := rs.pendingKey
	if key == "" {
		key = actionKey(inc)

		// Intent entry first: after a crash between intent and outcome the
		// action is re-applied under the same key and the inspector replays
		// the prior result instead of compounding the effect.
		decJSON, _ := json.Marshal(rs.decision)
		if err := e.append(ctx, inc, incident.HistoryEntry{
			Stage: incident.StateActing,
			Kind:  incident.EntryIntent,
			Input: string(decJSON),
		}); err != nil {
			return "", err
		}
	}
	rs.pendingKey = ""

	res, err := e.applyAction(ctx, key, *rs.decision.Action)
	switch {
	case ctx.Err() != nil:
		return incident.StateAbandoned, nil

	case cluster.IsForbidden(err):
		// Permission denial is never retried.
		inc.Reason = fmt.Sprintf("permission denied applying %s: %v", rs.decision.Action, err)
		return incident.StateEscalated, nil

	case cluster.IsNotFound(err):
		// Target vanished: treat as self-resolution and let verification
		// confirm.
		L.Info(ctx, "action target vanished", "action", rs.decision.Action.String())
		if aerr := e.append(ctx, inc, incident.HistoryEntry{
			Stage:  incident.StateActing,
			Kind:   incident.EntryOutcome,
			Output: "target vanished before action applied",
		}); aerr != nil {
			return "", aerr
		}
		return e.transitionTo(ctx, inc, incident.StateVerifying, "", "target vanished")

	case err != nil:
		inc.Reason = fmt.Sprintf("action failed: %v", err)
		return incident.StateEscalated, nil
	}

	outJSON, _ := json.Marshal(res)
	if aerr := e.append(ctx, inc, incident.HistoryEntry{
		Stage:  incident.StateActing,
		Kind:   incident.EntryOutcome,
		Output: string(outJSON),
	}); aerr != nil {
		return "", aerr
	}
	inc.ActionsTaken = append(inc.ActionsTaken, rs.decision.Action.String())

	return e.transitionTo(ctx, inc, incident.StateVerifying,
		rs.decision.Action.String(), fmt.Sprintf("applied key=%s success=%v", key, res.Success))
}

func (e *Engine) stepVerify(ctx context.Context, inc *incident.Incident, rs *runState, L log.Logger) (incident.State, error) {
	b, err := e.collector.Collect(ctx, inc)
	if err != nil {
		if ctx.Err() != nil {
			return incident.StateAbandoned, nil
		}
		inc.Reason = fmt.Sprintf("verification evidence unavailable: %v", err)
		return incident.StateEscalated, nil
	}

	if !b.SignalPresent(&inc.Signal) {
		inc.VerifiedBundleID = b.ID
		inc.Reason = ""
		return incident.StateResolved, nil
	}

	if rs.decision != nil && rs.decision.Action != nil {
		rs.priorRounds = append(rs.priorRounds, rs.decision.Action.String())
	}
	inc.Round++
	if inc.Round >= e.params.MaxRemediationRounds {
		inc.Reason = fmt.Sprintf("failure persists after %d remediation rounds", inc.Round)
		return incident.StateEscalated, nil
	}

	L.Info(ctx, "failure persists, starting new round", "round", inc.Round, "bundle_id", b.ID)
	return e.transitionTo(ctx, inc, incident.StateCollectingEvidence,
		b.Summary(), fmt.Sprintf("failure persists, round %d", inc.Round))
}

// applyAction retries transient inspector failures with bounded backoff.
// Forbidden and NotFound stop immediately and propagate their kind.
func (e *Engine) applyAction(ctx context.Context, key string, action cluster.Action) (*cluster.ActionResult, error) {
	ctx, span := tracer.Start(ctx, "cluster.apply_action", trace.WithAttributes(
		attribute.String("remedy.action.class", action.Class),
		attribute.String("remedy.action.target", action.Target),
		attribute.String("remedy.action.key", key),
	))
	defer span.End()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.params.ActionBackoff

	res, err := backoff.Retry(ctx, func() (*cluster.ActionResult, error) {
		res, err := e.inspector.ApplyAction(ctx, key, action)
		if err != nil && !cluster.IsUnreachable(err) {
			return nil, backoff.Permanent(err)
		}
		return res, err
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(e.params.ActionTries))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "action failed")
		return nil, err
	}
	span.SetAttributes(attribute.Bool("remedy.action.replayed", res.Replayed))
	return res, nil
}

// transitionTo appends the transition entry, then persists the snapshot.
func (e *Engine) transitionTo(ctx context.Context, inc *incident.Incident, to incident.State, input, output string) (incident.State, error) {
	if err := e.append(ctx, inc, incident.HistoryEntry{
		Stage:  to,
		Kind:   incident.EntryTransition,
		Input:  input,
		Output: output,
	}); err != nil {
		return "", err
	}

	inc.State = to
	if err := e.store.Put(ctx, inc); err != nil {
		return "", fmt.Errorf("persist snapshot: %w", err)
	}
	return to, nil
}

func (e *Engine) append(ctx context.Context, inc *incident.Incident, entry incident.HistoryEntry) error {
	entry.Seq = inc.NextSeq()
	entry.At = time.Now().UTC()
	if err := e.store.Append(ctx, inc.ID, entry); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	inc.History = append(inc.History, entry)
	return nil
}

func (e *Engine) finalize(ctx context.Context, inc *incident.Incident, terminal incident.State, reason string, start time.Time) error {
	inc.State = terminal
	inc.Disposition = incident.DispositionFor(terminal)
	inc.Reason = reason
	inc.CompletedAt = time.Now().UTC()

	entry := incident.HistoryEntry{
		Seq:    inc.NextSeq(),
		Stage:  terminal,
		Kind:   incident.EntryTransition,
		At:     inc.CompletedAt,
		Output: reason,
	}
	if err := e.store.Append(ctx, inc.ID, entry); err != nil {
		return fmt.Errorf("append terminal entry: %w", err)
	}
	inc.History = append(inc.History, entry)

	if err := e.store.Finalize(ctx, inc); err != nil {
		return fmt.Errorf("finalize: %w", err)
	}

	if e.hooks.OnComplete != nil {
		e.hooks.OnComplete(&CompleteEvent{
			Disposition: inc.Disposition,
			Duration:    time.Since(start).Seconds(),
			Rounds:      inc.Round,
			Cost:        inc.ProviderCost,
		})
	}

	e.logger.Info(ctx, "investigation complete",
		"incident_id", inc.ID,
		"disposition", inc.Disposition,
		"reason", reason,
		"rounds", inc.Round,
		"actions", len(inc.ActionsTaken),
		"provider_cost", inc.ProviderCost,
	)
	return nil
}

// resume normalizes a loaded incident so Run can continue from the last
// committed stage. Stages whose in-memory inputs were lost with the process
// (the current bundle, the current decision) restart from evidence
// collection; re-observing is always safe and budgets are preserved in the
// snapshot. A dangling Acting intent is re-applied under its original key.
func (e *Engine) resume(ctx context.Context, inc *incident.Incident, L log.Logger) *runState {
	rs := &runState{priorRounds: priorRoundsFromHistory(inc)}

	switch inc.State {
	case incident.StateReasoning, incident.StateDeciding:
		L.Info(ctx, "resuming with fresh evidence", "from_state", inc.State)
		inc.State = incident.StateCollectingEvidence

	case incident.StateActing:
		last := inc.LastEntry()
		if last != nil && last.Kind == incident.EntryIntent && last.Stage == incident.StateActing {
			var dec ensemble.Decision
			if err := json.Unmarshal([]byte(last.Input), &dec); err == nil && dec.Action != nil {
				rs.decision = &dec
				rs.pendingKey = actionKey(inc)
				L.Info(ctx, "resuming dangling action intent", "key", rs.pendingKey)
				return rs
			}
		}
		if last != nil && last.Kind == incident.EntryOutcome {
			// Crashed after the action applied but before the transition.
			rs.decision = decisionFromHistory(inc)
			inc.State = incident.StateVerifying
			return rs
		}
		// Crashed before the intent was written: nothing was applied.
		inc.State = incident.StateCollectingEvidence
	}
	return rs
}

func actionKey(inc *incident.Incident) string {
	return fmt.Sprintf("%s/%d", inc.ID, inc.Round)
}

// priorRoundsFromHistory rebuilds the prior-round summaries shown to
// providers from persisted Acting transitions.
func priorRoundsFromHistory(inc *incident.Incident) []string {
	var rounds []string
	for _, h := range inc.History {
		if h.Stage == incident.StateVerifying && h.Kind == incident.EntryTransition && h.Input != "" {
			rounds = append(rounds, h.Input)
		}
	}
	return rounds
}

// decisionFromHistory recovers the most recent persisted Decision.
func decisionFromHistory(inc *incident.Incident) *ensemble.Decision {
	for i := len(inc.History) - 1; i >= 0; i-- {
		h := inc.History[i]
		if h.Stage == incident.StateActing && h.Kind == incident.EntryIntent {
			var dec ensemble.Decision
			if err := json.Unmarshal([]byte(h.Input), &dec); err == nil {
				return &dec
			}
		}
	}
	return nil
}

func cancelReason(ctx context.Context) string {
	if cause := context.Cause(ctx); cause != nil && cause != context.Canceled {
		return fmt.Sprintf("cancelled: %v", cause)
	}
	return "cancelled by operator"
}
