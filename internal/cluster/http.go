package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const (
	httpTimeout = 30 * time.Second

	// maxLogLines caps log payloads so evidence bundles stay inside the
	// reasoning context window.
	maxLogLines = 200
)

// HTTPInspector binds the Inspector capability to a cluster inspection API
// exposed over HTTP (typically a thin in-cluster shim).
type HTTPInspector struct {
	endpoint   string
	token      string
	httpClient *http.Client
}

// NewHTTPInspector creates an inspector against the given base endpoint.
// token is optional bearer auth for the inspection API.
func NewHTTPInspector(endpoint, token string) *HTTPInspector {
	return &HTTPInspector{
		endpoint: endpoint,
		token:    token,
		httpClient: &http.Client{
			Timeout: httpTimeout,
		},
	}
}

// ListResources fetches observed status for resources matching the filter.
func (c *HTTPInspector) ListResources(ctx context.Context, filter Filter) ([]ResourceStatus, error) {
	u, err := c.buildURL("/api/v1/resources", func(q url.Values) {
		for _, ref := range filter.Refs {
			q.Add("ref", ref)
		}
	})
	if err != nil {
		return nil, err
	}

	var out struct {
		Resources []ResourceStatus `json:"resources"`
	}
	if err := c.do(ctx, http.MethodGet, "ListResources", u, nil, &out); err != nil {
		return nil, err
	}
	return out.Resources, nil
}

// FetchLogs fetches recent log lines for one resource.
func (c *HTTPInspector) FetchLogs(ctx context.Context, ref string, since time.Time) ([]LogLine, error) {
	u, err := c.buildURL("/api/v1/logs", func(q url.Values) {
		q.Set("ref", ref)
		if !since.IsZero() {
			q.Set("since", since.UTC().Format(time.RFC3339))
		}
		q.Set("limit", fmt.Sprintf("%d", maxLogLines))
	})
	if err != nil {
		return nil, err
	}

	var out struct {
		Lines []LogLine `json:"lines"`
	}
	if err := c.do(ctx, http.MethodGet, "FetchLogs", u, nil, &out); err != nil {
		return nil, err
	}
	if len(out.Lines) > maxLogLines {
		out.Lines = out.Lines[:maxLogLines]
	}
	return out.Lines, nil
}

// ApplyAction applies a remediation action keyed for idempotence. The
// inspection API stores results per key and replays them on repeats.
func (c *HTTPInspector) ApplyAction(ctx context.Context, key string, action Action) (*ActionResult, error) {
	u, err := c.buildURL("/api/v1/actions", nil)
	if err != nil {
		return nil, err
	}

	body := map[string]any{
		"key":    key,
		"class":  action.Class,
		"target": action.Target,
		"detail": action.Detail,
	}

	var out ActionResult
	if err := c.do(ctx, http.MethodPost, "ApplyAction", u, body, &out); err != nil {
		return nil, err
	}
	if out.Key == "" {
		out.Key = key
	}
	return &out, nil
}

func (c *HTTPInspector) buildURL(path string, setQuery func(url.Values)) (string, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint: %w", err)
	}
	u.Path = path
	if setQuery != nil {
		q := u.Query()
		setQuery(q)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (c *HTTPInspector) do(ctx context.Context, method, op, u string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Error{Kind: KindUnreachable, Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &Error{Kind: KindUnreachable, Op: op, Err: err}
	}

	if kerr := classifyStatus(op, resp.StatusCode, respBody); kerr != nil {
		return kerr
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%s: unmarshal response: %w", op, err)
	}
	return nil
}

func classifyStatus(op string, status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusForbidden || status == http.StatusUnauthorized:
		return &Error{Kind: KindForbidden, Op: op, Err: fmt.Errorf("status %d: %s", status, string(body))}
	case status == http.StatusNotFound:
		return &Error{Kind: KindNotFound, Op: op, Err: fmt.Errorf("status %d: %s", status, string(body))}
	default:
		// 5xx, rate limits, and anything unexpected count as transient.
		return &Error{Kind: KindUnreachable, Op: op, Err: fmt.Errorf("status %d: %s", status, string(body))}
	}
}
