// Package openai implements the llm.Provider contract against any
// OpenAI-compatible chat completions endpoint (OpenAI itself, or a
// self-hosted gateway).
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/linnemanlabs/remedy/internal/llm"
)

const httpTimeout = 120 * time.Second

// Client is an OpenAI-compatible reasoning backend.
type Client struct {
	endpoint   string
	apiKey     string
	model      string
	httpClient *http.Client
}

// New creates a client. endpoint is the API base, e.g.
// "https://api.openai.com"; the client posts to {endpoint}/v1/chat/completions.
func New(endpoint, apiKey, model string) *Client {
	return &Client{
		endpoint: endpoint,
		apiKey:   apiKey,
		model:    model,
		httpClient: &http.Client{
			Timeout: httpTimeout,
		},
	}
}

// Name implements llm.Provider.
func (c *Client) Name() string { return "openai" }

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// ReasonOnce submits one reasoning round and normalizes the response into a
// Hypothesis.
func (c *Client) ReasonOnce(ctx context.Context, req *llm.ReasonRequest) (*llm.Hypothesis, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: llm.SystemPrompt()},
			{Role: "user", Content: llm.BuildPrompt(req)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.endpoint+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("openai: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("openai: api error %d: %s", resp.StatusCode, string(respBody))
	}

	var out chatResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("openai: unmarshal response: %w", err)
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("openai: empty choices")
	}

	h, err := llm.ParseHypothesis(c.Name(), out.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}
	h.Usage = llm.Usage{
		InputTokens:  out.Usage.PromptTokens,
		OutputTokens: out.Usage.CompletionTokens,
	}
	return h, nil
}
