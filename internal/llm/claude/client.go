// Package claude implements the llm.Provider contract against the Anthropic
// Messages API.
package claude

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/linnemanlabs/remedy/internal/llm"
)

const responseTokens = 2048

// Client is the Anthropic reasoning backend.
type Client struct {
	model  string
	client anthropic.Client
}

// New creates a Claude provider client with the given API key and model.
// Extra request options (base URL, HTTP client) are passed through to the
// SDK; tests use them to point at a stub server.
func New(apiKey, model string, opts ...option.RequestOption) *Client {
	return &Client{
		model:  model,
		client: anthropic.NewClient(append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)...),
	}
}

// Name implements llm.Provider.
func (c *Client) Name() string { return "claude" }

// ReasonOnce submits one reasoning round and normalizes the response into a
// Hypothesis.
func (c *Client) ReasonOnce(ctx context.Context, req *llm.ReasonRequest) (*llm.Hypothesis, error) {
	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: responseTokens,
		System: []anthropic.TextBlockParam{
			{Text: llm.SystemPrompt()},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(llm.BuildPrompt(req))),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("claude: messages.new: %w", err)
	}

	text := collectText(msg)
	if text == "" {
		return nil, fmt.Errorf("claude: empty response")
	}

	h, err := llm.ParseHypothesis(c.Name(), text)
	if err != nil {
		return nil, err
	}
	h.Usage = llm.Usage{
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}
	return h, nil
}

func collectText(msg *anthropic.Message) string {
	var b strings.Builder
	for _, block := range msg.Content {
		if t, ok := block.AsAny().(anthropic.TextBlock); ok {
			b.WriteString(t.Text)
		}
	}
	return b.String()
}
