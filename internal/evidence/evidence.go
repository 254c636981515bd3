// Package evidence builds immutable diagnostic snapshots for an incident by
// aggregating Cluster Inspector queries. A bundle is never mutated after
// creation; a fresh collection always produces a new bundle.
package evidence

import (
	"encoding/json"
	"time"

	"github.com/linnemanlabs/remedy/internal/cluster"
	"github.com/linnemanlabs/remedy/internal/incident"
)

// Bundle is one diagnostic snapshot. Partial is set when some queries failed
// while others succeeded; downstream confidence aggregation discounts
// hypotheses built on partial evidence.
type Bundle struct {
	ID          string                            `json:"id"`
	IncidentID  string                            `json:"incident_id"`
	CollectedAt time.Time                         `json:"collected_at"`
	Resources   map[string]cluster.ResourceStatus `json:"resources"`
	Logs        []cluster.LogLine                 `json:"logs,omitempty"`
	Partial     bool                              `json:"partial,omitempty"`
	// Failures records which queries failed when Partial is set.
	Failures []string `json:"failures,omitempty"`
}

// JSON serializes the bundle for reasoning input.
func (b *Bundle) JSON() json.RawMessage {
	out, err := json.Marshal(b)
	if err != nil {
		// Bundle contains only marshalable types; reaching this is a
		// programming error.
		panic(err)
	}
	return out
}

// failingPhases are resource phases that count as the failure signal still
// being present.
var failingPhases = map[string]bool{
	"CrashLoopBackOff": true,
	"ImagePullBackOff": true,
	"OOMKilled":        true,
	"Error":            true,
	"Failed":           true,
}

// SignalPresent reports whether the original failure signal is still
// observable in this bundle. A related resource that is absent counts as
// resolved (the failure vanished with its target).
func (b *Bundle) SignalPresent(sig *incident.Signal) bool {
	for _, ref := range sig.RelatedResourceRefs {
		rs, ok := b.Resources[ref]
		if !ok {
			continue
		}
		if failingPhases[rs.Phase] {
			return true
		}
	}
	return false
}

// Summary renders a one-line description for history entries.
func (b *Bundle) Summary() string {
	s := "bundle " + b.ID
	if b.Partial {
		s += " (partial)"
	}
	return s
}
