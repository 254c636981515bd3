// Package slack delivers terminal investigation reports to Slack via
// incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/linnemanlabs/remedy/internal/incident"
)

const (
	maxActionLen = 3000
	httpTimeout  = 10 * time.Second
)

// Notifier sends investigation reports to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
}

// New creates a new Slack notifier. If webhookURL is empty, Report is a
// no-op.
func New(webhookURL string) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
	}
}

// Report posts a terminal investigation report to the configured webhook.
// If no webhook URL is configured, it returns nil immediately.
func (n *Notifier) Report(ctx context.Context, r *incident.Report) error {
	if n.webhookURL == "" {
		return nil
	}

	msg := buildMessage(r)

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func buildMessage(r *incident.Report) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(r),
			{"type": "divider"},
			fieldsBlock(r),
			{"type": "divider"},
			actionsBlock(r),
			{"type": "divider"},
			contextBlock(r),
		},
	}
}

func headerBlock(r *incident.Report) map[string]any {
	var title string
	switch r.Disposition {
	case incident.DispositionResolved:
		title = "Incident Resolved"
	case incident.DispositionEscalated:
		title = "Incident Escalated"
	default:
		title = "Investigation Abandoned"
	}
	text := fmt.Sprintf("%s %s: %s", dispositionEmoji(r.Disposition), title, r.IncidentID)

	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": text,
		},
	}
}

func fieldsBlock(r *incident.Report) map[string]any {
	fields := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Disposition:* %s", r.Disposition),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Rounds:* %d", r.Rounds),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Duration:* %.1fs", r.Duration),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Provider cost:* $%.4f", r.TotalProviderCost),
		},
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func actionsBlock(r *incident.Report) map[string]any {
	text := formatActions(r)
	if r.Reason != "" {
		text += "\n\n*Reason*\n" + r.Reason
	}

	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": truncate(text, maxActionLen),
		},
	}
}

func formatActions(r *incident.Report) string {
	if len(r.SummaryOfActionsTaken) == 0 {
		return "*Actions taken*\n_No actions were applied._"
	}
	var b strings.Builder
	b.WriteString("*Actions taken*")
	for i, a := range r.SummaryOfActionsTaken {
		fmt.Fprintf(&b, "\n%d. %s", i+1, a)
	}
	return b.String()
}

func contextBlock(r *incident.Report) map[string]any {
	elements := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("remedy • incident %s • %s", r.IncidentID, r.CompletedAt.UTC().Format("2006-01-02 15:04 UTC")),
		},
	}

	return map[string]any{
		"type":     "context",
		"elements": elements,
	}
}

func dispositionEmoji(d incident.Disposition) string {
	switch d {
	case incident.DispositionResolved:
		return "\U0001f7e2" // green circle
	case incident.DispositionEscalated:
		return "\U0001f534" // red circle
	default:
		return "\U0001f7e1" // yellow circle
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
