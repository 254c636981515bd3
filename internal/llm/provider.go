// Package llm defines the normalized contract between the orchestrator and
// reasoning backends. The core depends only on Provider; request/response
// translation for each backend lives in its own subpackage.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/linnemanlabs/remedy/internal/cluster"
)

// Usage is the token usage a backend reports for one call. Backends that do
// not report usage leave it zero.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Hypothesis is one provider's proposed root cause and remediation for a
// single reasoning round.
type Hypothesis struct {
	Provider   string          `json:"provider"`
	RootCause  string          `json:"root_cause"`
	Confidence float64         `json:"confidence"`
	Action     *cluster.Action `json:"action,omitempty"`
	// InsufficientEvidence is set when the provider declines to propose an
	// action. Action is nil in that case.
	InsufficientEvidence bool  `json:"insufficient_evidence,omitempty"`
	Usage                Usage `json:"usage"`
}

// ReasonRequest carries one reasoning round's input: the serialized evidence
// bundle plus summaries of prior remediation rounds so a later round can
// reason about what was already tried.
type ReasonRequest struct {
	IncidentID        string          `json:"incident_id"`
	SourceDescription string          `json:"source_description"`
	Evidence          json.RawMessage `json:"evidence"`
	Partial           bool            `json:"partial"`
	PriorRounds       []string        `json:"prior_rounds,omitempty"`
}

// Provider is the interface every reasoning backend implements.
type Provider interface {
	Name() string
	ReasonOnce(ctx context.Context, req *ReasonRequest) (*Hypothesis, error)
}

// SystemPrompt is shared by all backends so hypotheses stay comparable
// across providers.
func SystemPrompt() string {
	return `You are a remediation agent for CI/CD pipeline and cluster workload failures.
You receive diagnostic evidence (resource statuses, log excerpts) for one incident
and must form a root-cause hypothesis and propose exactly one remediation action,
or state that the evidence is insufficient.

Respond with a single JSON object and nothing else:
{
  "root_cause": "one-sentence root cause",
  "confidence": 0.0-1.0,
  "action": {"class": "<rollback|restart|scale|config_revert|none>", "target": "<resource ref>", "detail": "<optional specifics>"}
}
If you cannot form a usable hypothesis, respond with:
{"insufficient_evidence": true, "root_cause": "what is missing"}

Action classes must be generic verbs, not free text; the same failure should
map to the same class every time. Be conservative with confidence.`
}

// BuildPrompt renders the user message for one reasoning round.
func BuildPrompt(req *ReasonRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Incident %s: %s\n\n", req.IncidentID, req.SourceDescription)
	if req.Partial {
		b.WriteString("NOTE: evidence collection partially failed; this bundle is incomplete.\n\n")
	}
	if len(req.PriorRounds) > 0 {
		b.WriteString("Previous remediation rounds (failure persisted after each):\n")
		for i, r := range req.PriorRounds {
			fmt.Fprintf(&b, "  %d. %s\n", i+1, r)
		}
		b.WriteString("\n")
	}
	b.WriteString("Evidence bundle:\n")
	b.Write(req.Evidence)
	b.WriteString("\n\nAnalyze the evidence and respond with the JSON object described in the system prompt.")
	return b.String()
}

// hypothesisWire is the JSON shape providers are instructed to emit.
type hypothesisWire struct {
	RootCause            string          `json:"root_cause"`
	Confidence           float64         `json:"confidence"`
	Action               *cluster.Action `json:"action"`
	InsufficientEvidence bool            `json:"insufficient_evidence"`
}

// ParseHypothesis extracts the hypothesis JSON from a model response. Models
// occasionally wrap the object in prose or a code fence; everything outside
// the outermost braces is ignored.
func ParseHypothesis(provider, text string) (*Hypothesis, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("%s: no JSON object in response", provider)
	}

	var wire hypothesisWire
	if err := json.Unmarshal([]byte(text[start:end+1]), &wire); err != nil {
		return nil, fmt.Errorf("%s: unmarshal hypothesis: %w", provider, err)
	}

	h := &Hypothesis{
		Provider:   provider,
		RootCause:  wire.RootCause,
		Confidence: wire.Confidence,
	}

	if wire.InsufficientEvidence || wire.Action == nil || wire.Action.Class == "" || wire.Action.Class == "none" {
		h.InsufficientEvidence = true
		h.Action = nil
		return h, nil
	}

	if wire.Confidence < 0 || wire.Confidence > 1 {
		return nil, fmt.Errorf("%s: confidence %v out of range", provider, wire.Confidence)
	}
	h.Action = wire.Action
	return h, nil
}
