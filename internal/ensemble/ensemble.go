// Package ensemble reduces multiple reasoning backends to a single Decision
// per round: concurrent fan-out with per-provider timeouts, circuit breaking
// for repeatedly failing providers, and quorum/confidence aggregation over
// whatever subset responded.
package ensemble

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/remedy/internal/cluster"
	"github.com/linnemanlabs/remedy/internal/llm"
)

// ErrNoHypotheses is returned when every enabled provider errored or timed
// out. The caller retries the round up to its reasoning-attempt budget.
var ErrNoHypotheses = errors.New("ensemble: no provider returned a hypothesis")

// AggregationRule records which rule produced a Decision.
type AggregationRule string

const (
	RuleMajority          AggregationRule = "majority_action"
	RuleHighestConfidence AggregationRule = "highest_confidence"
	RuleInsufficient      AggregationRule = "insufficient_evidence"
)

// Decision is the ensemble's single resolved action for one round, with
// provenance back to the hypothesis set it was derived from.
type Decision struct {
	Action               *cluster.Action   `json:"action,omitempty"`
	InsufficientEvidence bool              `json:"insufficient_evidence,omitempty"`
	Confidence           float64           `json:"confidence"`
	Rule                 AggregationRule   `json:"rule"`
	Hypotheses           []*llm.Hypothesis `json:"hypotheses"`
	Supporting           []string          `json:"supporting,omitempty"`
	Reason               string            `json:"reason,omitempty"`
	// Cost is the provider spend attributable to this round.
	Cost float64 `json:"cost"`
}

// Summary renders the decision for history entries.
func (d *Decision) Summary() string {
	if d.InsufficientEvidence {
		return fmt.Sprintf("insufficient evidence (%s): %s", d.Rule, d.Reason)
	}
	return fmt.Sprintf("%s conf=%.3f rule=%s supporters=%v", d.Action, d.Confidence, d.Rule, d.Supporting)
}

// Member is one provider with its priority and pricing metadata. Lower
// Priority values are preferred when a tie must be broken.
type Member struct {
	Provider          llm.Provider
	Priority          int
	CostPerCall       float64
	CostPerMTokensIn  float64
	CostPerMTokensOut float64
}

func (m Member) cost(u llm.Usage) float64 {
	return m.CostPerCall +
		float64(u.InputTokens)/1e6*m.CostPerMTokensIn +
		float64(u.OutputTokens)/1e6*m.CostPerMTokensOut
}

// Config tunes aggregation. Thresholds are deployment configuration, not
// fixed law.
type Config struct {
	// ProviderTimeout bounds each provider call within a round.
	ProviderTimeout time.Duration
	// QuorumSize is the minimum number of providers proposing the same
	// action for the majority rule.
	QuorumSize int
	// MinConfidence gates the highest-confidence fallback.
	MinConfidence float64
	// PartialEvidencePenalty multiplies hypothesis confidence when the
	// evidence bundle was partial.
	PartialEvidencePenalty float64
}

// CallObserver receives per-provider call telemetry (wired to Prometheus by
// the caller).
type CallObserver func(provider string, ok bool, duration float64, cost float64)

// Ensemble holds the ranked provider set.
type Ensemble struct {
	members  []Member
	health   *Health
	cfg      Config
	logger   log.Logger
	observer CallObserver
}

// New creates an ensemble. Members are consulted concurrently; their
// priority order only breaks aggregation ties.
func New(members []Member, health *Health, cfg Config, logger log.Logger, observer CallObserver) *Ensemble {
	if logger == nil {
		logger = log.Nop()
	}
	ms := append([]Member(nil), members...)
	sort.SliceStable(ms, func(i, j int) bool { return ms[i].Priority < ms[j].Priority })
	return &Ensemble{
		members:  ms,
		health:   health,
		cfg:      cfg,
		logger:   logger,
		observer: observer,
	}
}

// Health exposes the registry for operator surfaces.
func (e *Ensemble) Health() *Health { return e.health }

type outcome struct {
	member     Member
	hypothesis *llm.Hypothesis
	err        error
	cost       float64
}

// Reason submits the evidence to all enabled providers concurrently and
// aggregates the hypotheses that return within the timeout window into one
// Decision. It returns ErrNoHypotheses when every enabled provider failed;
// it returns an insufficient-evidence Decision (not an error) when no
// provider is enabled or no hypothesis clears the thresholds.
func (e *Ensemble) Reason(ctx context.Context, req *llm.ReasonRequest) (*Decision, error) {
	var enabled []Member
	for _, m := range e.members {
		if e.health.Allow(m.Provider.Name()) {
			enabled = append(enabled, m)
		}
	}

	if len(enabled) == 0 {
		e.logger.Warn(ctx, "no enabled providers", "incident_id", req.IncidentID)
		return &Decision{
			InsufficientEvidence: true,
			Rule:                 RuleInsufficient,
			Reason:               "all providers disabled",
		}, nil
	}

	results := make(chan outcome, len(enabled))
	for _, m := range enabled {
		go func(m Member) {
			results <- e.callOne(ctx, m, req)
		}(m)
	}

	var (
		outcomes  []outcome
		roundCost float64
	)
	for range enabled {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case o := <-results:
			roundCost += o.cost
			outcomes = append(outcomes, o)
		}
	}

	// Order outcomes by member priority so aggregation ties break
	// deterministically regardless of which provider answered first.
	sort.SliceStable(outcomes, func(i, j int) bool {
		return outcomes[i].member.Priority < outcomes[j].member.Priority
	})

	var hypotheses []*llm.Hypothesis
	for _, o := range outcomes {
		if o.err != nil {
			continue
		}
		h := o.hypothesis
		if req.Partial && !h.InsufficientEvidence {
			// Shallow copy so the penalty never mutates provider output.
			cp := *h
			cp.Confidence *= e.cfg.PartialEvidencePenalty
			h = &cp
		}
		hypotheses = append(hypotheses, h)
	}

	if len(hypotheses) == 0 {
		return nil, fmt.Errorf("%w (%d providers consulted)", ErrNoHypotheses, len(enabled))
	}

	dec := e.aggregate(hypotheses)
	dec.Cost = roundCost

	e.logger.Info(ctx, "ensemble decision",
		"incident_id", req.IncidentID,
		"rule", dec.Rule,
		"confidence", dec.Confidence,
		"hypotheses", len(hypotheses),
		"providers_consulted", len(enabled),
		"round_cost", roundCost,
	)
	return dec, nil
}

func (e *Ensemble) callOne(ctx context.Context, m Member, req *llm.ReasonRequest) outcome {
	name := m.Provider.Name()

	cctx, cancel := context.WithTimeout(ctx, e.cfg.ProviderTimeout)
	defer cancel()

	start := time.Now()
	h, err := m.Provider.ReasonOnce(cctx, req)
	dur := time.Since(start).Seconds()

	var usage llm.Usage
	if h != nil {
		usage = h.Usage
	}
	cost := m.cost(usage)
	e.health.AddCost(name, cost)

	if err != nil {
		e.health.RecordFailure(name)
		e.logger.Warn(ctx, "provider call failed", "provider", name, "error", err, "state", e.health.State(name))
	} else {
		e.health.RecordSuccess(name)
	}
	if e.observer != nil {
		e.observer(name, err == nil, dur, cost)
	}

	return outcome{member: m, hypothesis: h, err: err, cost: cost}
}

// aggregate applies the configured rules: majority action class first,
// highest confidence above threshold second, insufficient evidence last.
func (e *Ensemble) aggregate(hypotheses []*llm.Hypothesis) *Decision {
	type group struct {
		hyps  []*llm.Hypothesis
		first int // index of earliest (highest-priority) hypothesis
	}
	groups := make(map[string]*group)
	for i, h := range hypotheses {
		if h.InsufficientEvidence {
			continue
		}
		key := h.Action.Class + "\x00" + h.Action.Target
		g, ok := groups[key]
		if !ok {
			g = &group{first: i}
			groups[key] = g
		}
		g.hyps = append(g.hyps, h)
	}

	var best *group
	for _, g := range groups {
		if best == nil || len(g.hyps) > len(best.hyps) ||
			(len(g.hyps) == len(best.hyps) && g.first < best.first) {
			best = g
		}
	}

	if best != nil && len(best.hyps) >= e.cfg.QuorumSize {
		var sum float64
		var supporting []string
		for _, h := range best.hyps {
			sum += h.Confidence
			supporting = append(supporting, h.Provider)
		}
		return &Decision{
			Action:     best.hyps[0].Action,
			Confidence: sum / float64(len(best.hyps)),
			Rule:       RuleMajority,
			Hypotheses: hypotheses,
			Supporting: supporting,
		}
	}

	var top *llm.Hypothesis
	for _, h := range hypotheses {
		if h.InsufficientEvidence {
			continue
		}
		if top == nil || h.Confidence > top.Confidence {
			top = h
		}
	}
	if top != nil && top.Confidence >= e.cfg.MinConfidence {
		return &Decision{
			Action:     top.Action,
			Confidence: top.Confidence,
			Rule:       RuleHighestConfidence,
			Hypotheses: hypotheses,
			Supporting: []string{top.Provider},
		}
	}

	reason := "no hypothesis cleared the confidence threshold"
	if top == nil {
		reason = "no provider proposed an action"
	}
	return &Decision{
		InsufficientEvidence: true,
		Rule:                 RuleInsufficient,
		Hypotheses:           hypotheses,
		Reason:               reason,
	}
}
