// Package provider implements llmloop.LargeLanguageProvider for concrete
// LLM vendors. Each driver translates llmloop's vendor-neutral
// request/response shape into one backend's wire format as a single
// round-trip call; the loop drives its own iteration, so a provider only
// needs one turn.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/beatrix-ha/beatrix/internal/llmloop"
	"github.com/beatrix-ha/beatrix/internal/model"
)

const defaultAnthropicModel = "claude-sonnet-4-20250514"
const defaultMaxTokens = 4096

// AnthropicConfig configures an AnthropicProvider.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	MaxRetries   int
	RetryDelay   time.Duration
	DefaultModel string
	Logger       *slog.Logger
}

// AnthropicProvider implements llmloop.LargeLanguageProvider against
// Anthropic's Messages API.
type AnthropicProvider struct {
	client       anthropic.Client
	maxRetries   int
	retryDelay   time.Duration
	defaultModel string
	logger       *slog.Logger
}

// NewAnthropicProvider builds a provider from cfg. Defaults: 3 retries,
// 1s base backoff, sonnet-4 model.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("provider: anthropic: API key is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultAnthropicModel
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}

	return &AnthropicProvider{
		client:       anthropic.NewClient(opts...),
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
		defaultModel: cfg.DefaultModel,
		logger:       cfg.Logger,
	}, nil
}

// Name identifies the provider for logging.
func (p *AnthropicProvider) Name() string { return "anthropic" }

// ListModels returns the Claude models this driver targets.
func (p *AnthropicProvider) ListModels(ctx context.Context) ([]llmloop.ModelInfo, error) {
	return []llmloop.ModelInfo{
		{ID: "claude-sonnet-4-20250514", Name: "Claude Sonnet 4", ContextSize: 200000, SupportsVision: true},
		{ID: "claude-opus-4-20250514", Name: "Claude Opus 4", ContextSize: 200000, SupportsVision: true},
		{ID: "claude-3-5-sonnet-20241022", Name: "Claude 3.5 Sonnet", ContextSize: 200000, SupportsVision: true},
		{ID: "claude-3-haiku-20240307", Name: "Claude 3 Haiku", ContextSize: 200000, SupportsVision: true},
	}, nil
}

// Complete runs one round-trip completion with exponential-backoff retries
// on transient failures.
func (p *AnthropicProvider) Complete(ctx context.Context, req llmloop.CompletionRequest) (llmloop.CompletionResult, error) {
	messages, err := convertMessagesToAnthropic(req.Messages)
	if err != nil {
		return llmloop.CompletionResult{}, fmt.Errorf("provider: anthropic: convert messages: %w", err)
	}
	tools, err := convertToolsToAnthropic(req.Tools)
	if err != nil {
		return llmloop.CompletionResult{}, fmt.Errorf("provider: anthropic: convert tools: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model(req.Model)),
		Messages:  messages,
		MaxTokens: defaultMaxTokens,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(tools) > 0 {
		params.Tools = tools
	}

	var resp *anthropic.Message
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		resp, err = p.client.Messages.New(ctx, params)
		if err == nil {
			break
		}
		if !isRetryableError(err) {
			return llmloop.CompletionResult{}, fmt.Errorf("provider: anthropic: %w", err)
		}
		if attempt == p.maxRetries {
			break
		}
		backoff := p.retryDelay * time.Duration(math.Pow(2, float64(attempt)))
		p.logger.Warn("provider: anthropic: retrying after transient error", "attempt", attempt, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			return llmloop.CompletionResult{}, ctx.Err()
		case <-time.After(backoff):
		}
	}
	if err != nil {
		return llmloop.CompletionResult{}, fmt.Errorf("provider: anthropic: max retries exceeded: %w", err)
	}

	return llmloop.CompletionResult{Message: messageFromAnthropic(resp)}, nil
}

func (p *AnthropicProvider) model(requested string) string {
	if requested == "" {
		return p.defaultModel
	}
	return requested
}

func convertMessagesToAnthropic(messages []model.MessageParam) ([]anthropic.MessageParam, error) {
	result := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		var blocks []anthropic.ContentBlockParamUnion
		if msg.Text != "" {
			blocks = append(blocks, anthropic.NewTextBlock(msg.Text))
		}
		for _, b := range msg.Blocks {
			switch b.Type {
			case model.BlockText:
				blocks = append(blocks, anthropic.NewTextBlock(b.Text))
			case model.BlockToolUse:
				var input map[string]any
				if len(b.Input) > 0 {
					if err := json.Unmarshal(b.Input, &input); err != nil {
						return nil, fmt.Errorf("tool_use block %q: invalid input: %w", b.ID, err)
					}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(b.ID, input, b.Name))
			case model.BlockToolResult:
				blocks = append(blocks, anthropic.NewToolResultBlock(b.ToolUseID, b.Content, b.IsError))
			}
		}
		if len(blocks) == 0 {
			continue
		}
		if msg.Role == model.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(blocks...))
		} else {
			result = append(result, anthropic.NewUserMessage(blocks...))
		}
	}
	return result, nil
}

func convertToolsToAnthropic(tools []llmloop.ToolSpec) ([]anthropic.ToolUnionParam, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if len(tool.Schema) > 0 {
			if err := json.Unmarshal(tool.Schema, &schema); err != nil {
				return nil, fmt.Errorf("tool %q: invalid schema: %w", tool.Name, err)
			}
		}

		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("tool %q: schema did not produce a tool definition", tool.Name)
		}
		toolParam.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, toolParam)
	}
	return result, nil
}

func messageFromAnthropic(resp *anthropic.Message) model.MessageParam {
	msg := model.MessageParam{Role: model.RoleAssistant}
	for _, block := range resp.Content {
		switch v := block.AsAny().(type) {
		case anthropic.TextBlock:
			msg.Blocks = append(msg.Blocks, model.ContentBlock{Type: model.BlockText, Text: v.Text})
		case anthropic.ToolUseBlock:
			input, _ := json.Marshal(v.Input)
			msg.Blocks = append(msg.Blocks, model.ContentBlock{
				Type:  model.BlockToolUse,
				ID:    v.ID,
				Name:  v.Name,
				Input: input,
			})
		}
	}
	return msg
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429, 500, 502, 503, 504:
			return true
		default:
			return false
		}
	}
	msg := err.Error()
	for _, needle := range []string{"rate_limit", "too many requests", "timeout", "deadline exceeded", "connection reset", "connection refused", "no such host"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}
