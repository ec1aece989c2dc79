// Package anthropic provides an LLM provider backed by the Anthropic API.
package anthropic

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	anthro "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/briarhollow/npcrelay/pkg/provider/llm"
	"github.com/briarhollow/npcrelay/pkg/types"
)

// Provider implements llm.Provider using the Anthropic Messages API.
type Provider struct {
	client anthro.Client
	model  string
}

// config holds optional configuration for the provider.
type config struct {
	baseURL string
	timeout time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default Anthropic API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New constructs a new Anthropic LLM Provider.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("anthropic: model must not be empty")
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	client := anthro.NewClient(reqOpts...)
	return &Provider{client: client, model: model}, nil
}

// StreamCompletion implements llm.Provider.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, fmt.Errorf("anthropic: build params: %w", err)
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic: start stream: %w", err)
	}

	ch := make(chan llm.Chunk, 32)
	go func() {
		defer close(ch)
		defer stream.Close()

		for stream.Next() {
			event := stream.Current()

			switch variant := event.AsAny().(type) {
			case anthro.ContentBlockDeltaEvent:
				delta := variant.Delta
				if delta.Text == "" {
					continue
				}
				select {
				case ch <- llm.Chunk{Text: delta.Text}:
				case <-ctx.Done():
					return
				}
			case anthro.MessageDeltaEvent:
				reason := string(variant.Delta.StopReason)
				if reason == "" {
					continue
				}
				select {
				case ch <- llm.Chunk{FinishReason: reason}:
				case <-ctx.Done():
					return
				}
			}
		}

		if err := stream.Err(); err != nil {
			select {
			case ch <- llm.Chunk{FinishReason: "error", Text: err.Error()}:
			case <-ctx.Done():
			}
		}
	}()

	return ch, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, fmt.Errorf("anthropic: build params: %w", err)
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic: message create: %w", err)
	}

	var content string
	for _, block := range resp.Content {
		if text, ok := block.AsAny().(anthro.TextBlock); ok {
			content += text.Text
		}
	}

	return &llm.CompletionResponse{
		Content: content,
		Usage: llm.Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		},
	}, nil
}

// CountTokens implements llm.Provider.
// Anthropic's own tokenizer is not exposed through a local call, so this
// uses the same rough chars-per-token approximation as the OpenAI adapter.
func (p *Provider) CountTokens(messages []types.Message) (int, error) {
	total := 0
	for _, m := range messages {
		total += (len(m.Content) + 3) / 4
		total += 4
	}
	return total, nil
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() types.ModelCapabilities {
	return modelCapabilities(p.model)
}

// modelCapabilities returns ModelCapabilities for known Anthropic model names.
func modelCapabilities(model string) types.ModelCapabilities {
	caps := types.ModelCapabilities{
		SupportsToolCalling: true,
		SupportsStreaming:   true,
		ContextWindow:       200_000,
		MaxOutputTokens:     4_096,
	}

	lower := strings.ToLower(model)
	switch {
	case containsAny(lower, "claude-3-5-sonnet", "claude-3-7-sonnet", "claude-sonnet-4"):
		caps.MaxOutputTokens = 8_192
	case containsAny(lower, "claude-3-5-haiku", "claude-haiku"):
		caps.MaxOutputTokens = 8_192
	case containsAny(lower, "claude-3-opus", "claude-opus"):
		caps.MaxOutputTokens = 4_096
	}
	return caps
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// buildParams converts a CompletionRequest into Anthropic SDK params.
//
// Anthropic has no per-turn "system" role within Messages: every system-role
// entry in req.Messages (persona prompt, memory injections, the address-hint
// turn) is folded into the top-level System block list, in order, after
// req.SystemPrompt. Only user/assistant turns become Messages entries.
func (p *Provider) buildParams(req llm.CompletionRequest) (anthro.MessageNewParams, error) {
	var system []anthro.TextBlockParam
	var messages []anthro.MessageParam

	for _, m := range req.Messages {
		if m.Role == "system" {
			system = append(system, anthro.TextBlockParam{Text: m.Content})
			continue
		}
		msg, err := convertMessage(m)
		if err != nil {
			return anthro.MessageNewParams{}, err
		}
		messages = append(messages, msg)
	}

	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 4_096
	}

	params := anthro.MessageNewParams{
		Model:     anthro.Model(p.model),
		Messages:  messages,
		MaxTokens: maxTokens,
	}

	if req.SystemPrompt != "" {
		system = append([]anthro.TextBlockParam{{Text: req.SystemPrompt}}, system...)
	}
	if len(system) > 0 {
		params.System = system
	}
	if req.Temperature != 0 {
		params.Temperature = anthro.Float(req.Temperature)
	}

	return params, nil
}

// convertMessage converts a user/assistant types.Message to an Anthropic SDK message param.
func convertMessage(m types.Message) (anthro.MessageParam, error) {
	switch m.Role {
	case "user":
		return anthro.NewUserMessage(anthro.NewTextBlock(m.Content)), nil
	case "assistant":
		return anthro.NewAssistantMessage(anthro.NewTextBlock(m.Content)), nil
	default:
		return anthro.MessageParam{}, fmt.Errorf("anthropic: unknown message role %q", m.Role)
	}
}
