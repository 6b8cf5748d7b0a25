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

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/beatrix-ha/beatrix/internal/llmloop"
	"github.com/beatrix-ha/beatrix/internal/model"
)

const defaultOpenAIModel = "gpt-4o"

// OpenAIConfig configures an OpenAIProvider. Setting BaseURL targets any
// OpenAI-compatible endpoint, including a local Ollama server, so this one
// driver backs both hosted OpenAI and Ollama provider entries,
// distinguished only by config.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	MaxRetries   int
	RetryDelay   time.Duration
	DefaultModel string
	Logger       *slog.Logger
}

// OpenAIProvider implements llmloop.LargeLanguageProvider against the
// OpenAI chat-completions API (and any wire-compatible server).
type OpenAIProvider struct {
	client       *openai.Client
	maxRetries   int
	retryDelay   time.Duration
	defaultModel string
	logger       *slog.Logger
}

// NewOpenAIProvider builds a provider from cfg.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" && strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("provider: openai: API key is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultOpenAIModel
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		clientCfg.BaseURL = base
	}

	return &OpenAIProvider{
		client:       openai.NewClientWithConfig(clientCfg),
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
		defaultModel: cfg.DefaultModel,
		logger:       cfg.Logger,
	}, nil
}

// Name identifies the provider for logging.
func (p *OpenAIProvider) Name() string { return "openai" }

// ListModels returns the model this driver defaults to plus common
// OpenAI chat models; an Ollama-backed instance typically overrides Model
// per-request so this list is advisory only.
func (p *OpenAIProvider) ListModels(ctx context.Context) ([]llmloop.ModelInfo, error) {
	return []llmloop.ModelInfo{
		{ID: p.defaultModel, Name: p.defaultModel, ContextSize: 128000, SupportsVision: true},
		{ID: "gpt-4o-mini", Name: "GPT-4o mini", ContextSize: 128000, SupportsVision: true},
	}, nil
}

// Complete runs one round-trip completion with exponential-backoff retries
// on transient failures.
func (p *OpenAIProvider) Complete(ctx context.Context, req llmloop.CompletionRequest) (llmloop.CompletionResult, error) {
	messages := convertMessagesToOpenAI(req.System, req.Messages)
	tools, err := convertToolsToOpenAI(req.Tools)
	if err != nil {
		return llmloop.CompletionResult{}, fmt.Errorf("provider: openai: convert tools: %w", err)
	}

	request := openai.ChatCompletionRequest{
		Model:    p.model(req.Model),
		Messages: messages,
		Tools:    tools,
	}

	var resp openai.ChatCompletionResponse
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		resp, err = p.client.CreateChatCompletion(ctx, request)
		if err == nil {
			break
		}
		if !isRetryableOpenAIError(err) {
			return llmloop.CompletionResult{}, fmt.Errorf("provider: openai: %w", err)
		}
		if attempt == p.maxRetries {
			break
		}
		backoff := p.retryDelay * time.Duration(math.Pow(2, float64(attempt)))
		p.logger.Warn("provider: openai: retrying after transient error", "attempt", attempt, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			return llmloop.CompletionResult{}, ctx.Err()
		case <-time.After(backoff):
		}
	}
	if err != nil {
		return llmloop.CompletionResult{}, fmt.Errorf("provider: openai: max retries exceeded: %w", err)
	}
	if len(resp.Choices) == 0 {
		return llmloop.CompletionResult{}, errors.New("provider: openai: empty response")
	}

	// Some OpenAI-compatible endpoints (notably certain Ollama model
	// templates) omit the tool call "id" field entirely; synthesize stable
	// ids scoped to this round rather than inventing time-based ones.
	synth := llmloop.NewIDSynthesizer(uuid.NewString())
	return llmloop.CompletionResult{Message: messageFromOpenAI(resp.Choices[0].Message, synth)}, nil
}

func (p *OpenAIProvider) model(requested string) string {
	if requested == "" {
		return p.defaultModel
	}
	return requested
}

func convertMessagesToOpenAI(system string, messages []model.MessageParam) []openai.ChatCompletionMessage {
	var result []openai.ChatCompletionMessage
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, msg := range messages {
		role := openai.ChatMessageRoleUser
		if msg.Role == model.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		if msg.Text != "" && len(msg.Blocks) == 0 {
			result = append(result, openai.ChatCompletionMessage{Role: role, Content: msg.Text})
			continue
		}

		var textParts []string
		var toolCalls []openai.ToolCall
		for _, b := range msg.Blocks {
			switch b.Type {
			case model.BlockText:
				textParts = append(textParts, b.Text)
			case model.BlockToolUse:
				toolCalls = append(toolCalls, openai.ToolCall{
					ID:   b.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      b.Name,
						Arguments: string(b.Input),
					},
				})
			case model.BlockToolResult:
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    b.Content,
					ToolCallID: b.ToolUseID,
				})
			}
		}
		if len(textParts) > 0 || len(toolCalls) > 0 {
			result = append(result, openai.ChatCompletionMessage{
				Role:      role,
				Content:   strings.Join(textParts, ""),
				ToolCalls: toolCalls,
			})
		}
	}
	return result
}

func convertToolsToOpenAI(tools []llmloop.ToolSpec) ([]openai.Tool, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	result := make([]openai.Tool, 0, len(tools))
	for _, tool := range tools {
		var params any
		if len(tool.Schema) > 0 {
			if err := json.Unmarshal(tool.Schema, &params); err != nil {
				return nil, fmt.Errorf("tool %q: invalid schema: %w", tool.Name, err)
			}
		}
		result = append(result, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  params,
			},
		})
	}
	return result, nil
}

func messageFromOpenAI(msg openai.ChatCompletionMessage, synth *llmloop.IDSynthesizer) model.MessageParam {
	result := model.MessageParam{Role: model.RoleAssistant}
	if msg.Content != "" {
		result.Blocks = append(result.Blocks, model.ContentBlock{Type: model.BlockText, Text: msg.Content})
	}
	for _, call := range msg.ToolCalls {
		id := call.ID
		if id == "" {
			id = synth.Next()
		}
		result.Blocks = append(result.Blocks, model.ContentBlock{
			Type:  model.BlockToolUse,
			ID:    id,
			Name:  call.Function.Name,
			Input: json.RawMessage(call.Function.Arguments),
		})
	}
	return result
}

func isRetryableOpenAIError(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case 429, 500, 502, 503, 504:
			return true
		default:
			return false
		}
	}
	msg := err.Error()
	for _, needle := range []string{"rate limit", "timeout", "deadline exceeded", "connection reset", "connection refused", "no such host", "EOF"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}
