package evidence

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/remedy/internal/cluster"
	"github.com/linnemanlabs/remedy/internal/incident"
)

// Options tune collection behavior. Zero values get defaults.
type Options struct {
	// MaxTries bounds attempts per inspector query (default 3).
	MaxTries uint
	// InitialBackoff is the first retry delay (default 500ms).
	InitialBackoff time.Duration
	// LogWindow bounds how far back logs are fetched (default 15m).
	LogWindow time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxTries == 0 {
		o.MaxTries = 3
	}
	if o.InitialBackoff == 0 {
		o.InitialBackoff = 500 * time.Millisecond
	}
	if o.LogWindow == 0 {
		o.LogWindow = 15 * time.Minute
	}
	return o
}

// Collector gathers evidence bundles through the Cluster Inspector.
type Collector struct {
	inspector cluster.Inspector
	logger    log.Logger
	opts      Options
}

// NewCollector creates a collector.
func NewCollector(inspector cluster.Inspector, logger log.Logger, opts Options) *Collector {
	if logger == nil {
		logger = log.Nop()
	}
	return &Collector{
		inspector: inspector,
		logger:    logger,
		opts:      opts.withDefaults(),
	}
}

// Collect builds a fresh bundle for the incident's related resources.
// Transient inspector failures are retried with bounded exponential backoff.
// Partial success yields a bundle marked partial; Collect returns an error
// only when every query failed.
func (c *Collector) Collect(ctx context.Context, inc *incident.Incident) (*Bundle, error) {
	refs := inc.Signal.RelatedResourceRefs

	b := &Bundle{
		ID:          ulid.Make().String(),
		IncidentID:  inc.ID,
		CollectedAt: time.Now().UTC(),
		Resources:   make(map[string]cluster.ResourceStatus, len(refs)),
	}

	var succeeded, failed int

	resources, err := retry(ctx, c.opts, func() ([]cluster.ResourceStatus, error) {
		return c.inspector.ListResources(ctx, cluster.Filter{Refs: refs})
	})
	if err != nil {
		failed++
		b.Failures = append(b.Failures, fmt.Sprintf("list resources: %v", err))
		c.logger.Warn(ctx, "resource listing failed", "incident_id", inc.ID, "error", err)
	} else {
		succeeded++
		for _, rs := range resources {
			b.Resources[rs.Ref] = rs
		}
	}

	since := time.Now().Add(-c.opts.LogWindow)
	for _, ref := range refs {
		lines, err := retry(ctx, c.opts, func() ([]cluster.LogLine, error) {
			return c.inspector.FetchLogs(ctx, ref, since)
		})
		switch {
		case cluster.IsNotFound(err):
			// Vanished resource: the absence itself is evidence.
			succeeded++
		case err != nil:
			failed++
			b.Failures = append(b.Failures, fmt.Sprintf("logs %s: %v", ref, err))
			c.logger.Warn(ctx, "log fetch failed", "incident_id", inc.ID, "ref", ref, "error", err)
		default:
			succeeded++
			b.Logs = append(b.Logs, lines...)
		}
	}

	if failed > 0 && succeeded == 0 {
		return nil, fmt.Errorf("evidence collection failed for incident %s: %s", inc.ID, b.Failures[0])
	}
	b.Partial = failed > 0

	c.logger.Info(ctx, "evidence collected",
		"incident_id", inc.ID,
		"bundle_id", b.ID,
		"resources", len(b.Resources),
		"log_lines", len(b.Logs),
		"partial", b.Partial,
	)
	return b, nil
}

// retry runs fn with bounded exponential backoff. Only transient
// (Unreachable) inspector errors are retried; Forbidden and NotFound stop
// immediately.
func retry[T any](ctx context.Context, opts Options, fn func() (T, error)) (T, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = opts.InitialBackoff

	return backoff.Retry(ctx, func() (T, error) {
		v, err := fn()
		if err != nil && !cluster.IsUnreachable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(opts.MaxTries))
}
