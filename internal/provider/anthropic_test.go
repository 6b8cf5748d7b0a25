package provider

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/beatrix-ha/beatrix/internal/llmloop"
	"github.com/beatrix-ha/beatrix/internal/model"
)

func TestNewAnthropicProvider(t *testing.T) {
	tests := []struct {
		name        string
		cfg         AnthropicConfig
		expectError bool
	}{
		{name: "valid config", cfg: AnthropicConfig{APIKey: "sk-ant-test"}},
		{name: "missing API key", cfg: AnthropicConfig{}, expectError: true},
		{name: "defaults applied", cfg: AnthropicConfig{APIKey: "sk-ant-test"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewAnthropicProvider(tt.cfg)
			if tt.expectError {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if p.maxRetries <= 0 {
				t.Error("maxRetries should have a default")
			}
			if p.retryDelay <= 0 {
				t.Error("retryDelay should have a default")
			}
			if p.defaultModel == "" {
				t.Error("defaultModel should have a default")
			}
			if p.Name() != "anthropic" {
				t.Errorf("expected name 'anthropic', got %q", p.Name())
			}
		})
	}
}

func TestAnthropicNegativeRetriesDefaulted(t *testing.T) {
	p, err := NewAnthropicProvider(AnthropicConfig{APIKey: "sk-ant-test", MaxRetries: -1, RetryDelay: -time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.maxRetries <= 0 || p.retryDelay <= 0 {
		t.Errorf("expected positive defaults, got maxRetries=%d retryDelay=%v", p.maxRetries, p.retryDelay)
	}
}

func TestConvertMessagesToAnthropic(t *testing.T) {
	tests := []struct {
		name     string
		messages []model.MessageParam
		wantErr  bool
		wantLen  int
	}{
		{
			name:     "simple user message",
			messages: []model.MessageParam{model.TextBlock(model.RoleUser, "hello")},
			wantLen:  1,
		},
		{
			name: "assistant message with tool use",
			messages: []model.MessageParam{
				{
					Role: model.RoleAssistant,
					Blocks: []model.ContentBlock{
						{Type: model.BlockText, Text: "checking the weather"},
						{Type: model.BlockToolUse, ID: "call_1", Name: "get_weather", Input: json.RawMessage(`{"city":"London"}`)},
					},
				},
			},
			wantLen: 1,
		},
		{
			name: "user message with tool result",
			messages: []model.MessageParam{
				{
					Role: model.RoleUser,
					Blocks: []model.ContentBlock{
						{Type: model.BlockToolResult, ToolUseID: "call_1", Content: "Sunny, 72F"},
					},
				},
			},
			wantLen: 1,
		},
		{
			name: "invalid tool_use input",
			messages: []model.MessageParam{
				{
					Role: model.RoleAssistant,
					Blocks: []model.ContentBlock{
						{Type: model.BlockToolUse, ID: "call_1", Name: "x", Input: json.RawMessage(`not json`)},
					},
				},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := convertMessagesToAnthropic(tt.messages)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(result) != tt.wantLen {
				t.Errorf("expected %d converted messages, got %d", tt.wantLen, len(result))
			}
		})
	}
}

func TestConvertToolsToAnthropic(t *testing.T) {
	tools := []llmloop.ToolSpec{
		{Name: "get_weather", Description: "Get current weather", Schema: json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}}}`)},
		{Name: "search", Description: "Search the web", Schema: json.RawMessage(`{"type":"object"}`)},
	}
	result, err := convertToolsToAnthropic(tools)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result) != len(tools) {
		t.Fatalf("expected %d tools, got %d", len(tools), len(result))
	}

	_, err = convertToolsToAnthropic([]llmloop.ToolSpec{{Name: "bad", Schema: json.RawMessage(`not json`)}})
	if err == nil {
		t.Fatal("expected error for invalid schema")
	}
}

func TestMessageFromAnthropic(t *testing.T) {
	// Build the response through JSON, as the SDK does: a union's AsAny reads
	// the raw JSON captured at unmarshal time.
	var resp anthropic.Message
	if err := json.Unmarshal([]byte(`{"role":"assistant","content":[
		{"type":"text","text":"Here's the weather."},
		{"type":"tool_use","id":"toolu_1","name":"get_weather","input":{"city":"London"}}
	]}`), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	msg := messageFromAnthropic(&resp)
	if msg.Role != model.RoleAssistant {
		t.Fatalf("expected assistant role, got %q", msg.Role)
	}
	if !msg.HasToolUse() {
		t.Fatal("expected tool_use block in converted message")
	}
	toolBlocks := msg.ToolUseBlocks()
	if len(toolBlocks) != 1 || toolBlocks[0].ID != "toolu_1" {
		t.Fatalf("unexpected tool_use blocks: %+v", toolBlocks)
	}
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		retry bool
	}{
		{name: "nil", err: nil, retry: false},
		{name: "rate limit text", err: errors.New("rate_limit exceeded"), retry: true},
		{name: "timeout", err: errors.New("request timeout"), retry: true},
		{name: "deadline exceeded", err: errors.New("context deadline exceeded"), retry: true},
		{name: "connection reset", err: errors.New("connection reset by peer"), retry: true},
		{name: "invalid api key", err: errors.New("invalid API key"), retry: false},
		{name: "validation error", err: errors.New("validation failed"), retry: false},
		{name: "429 api error", err: &anthropic.Error{StatusCode: 429}, retry: true},
		{name: "401 api error", err: &anthropic.Error{StatusCode: 401}, retry: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryableError(tt.err); got != tt.retry {
				t.Errorf("isRetryableError(%v) = %v, want %v", tt.err, got, tt.retry)
			}
		})
	}
}
