package provider

import (
	"encoding/json"
	"errors"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/beatrix-ha/beatrix/internal/llmloop"
	"github.com/beatrix-ha/beatrix/internal/model"
)

func TestNewOpenAIProvider(t *testing.T) {
	tests := []struct {
		name        string
		cfg         OpenAIConfig
		expectError bool
	}{
		{name: "valid config", cfg: OpenAIConfig{APIKey: "sk-test"}},
		{name: "missing key and base url", cfg: OpenAIConfig{}, expectError: true},
		{name: "base url without key (ollama)", cfg: OpenAIConfig{BaseURL: "http://localhost:11434/v1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewOpenAIProvider(tt.cfg)
			if tt.expectError {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if p.Name() != "openai" {
				t.Errorf("expected name 'openai', got %q", p.Name())
			}
			if p.defaultModel == "" {
				t.Error("defaultModel should have a default")
			}
		})
	}
}

func TestConvertMessagesToOpenAI(t *testing.T) {
	messages := []model.MessageParam{
		model.TextBlock(model.RoleUser, "hello"),
		{
			Role: model.RoleAssistant,
			Blocks: []model.ContentBlock{
				{Type: model.BlockText, Text: "checking"},
				{Type: model.BlockToolUse, ID: "call_1", Name: "get_weather", Input: json.RawMessage(`{"city":"London"}`)},
			},
		},
		{
			Role: model.RoleUser,
			Blocks: []model.ContentBlock{
				{Type: model.BlockToolResult, ToolUseID: "call_1", Content: "Sunny"},
			},
		},
	}

	result := convertMessagesToOpenAI("You are helpful.", messages)
	if len(result) != 4 {
		t.Fatalf("expected 4 converted messages (system + 3), got %d", len(result))
	}
	if result[0].Role != openai.ChatMessageRoleSystem {
		t.Errorf("expected first message to be system, got %q", result[0].Role)
	}
	if result[2].Role != openai.ChatMessageRoleAssistant || len(result[2].ToolCalls) != 1 {
		t.Errorf("expected assistant message with 1 tool call, got %+v", result[2])
	}
	if result[3].Role != openai.ChatMessageRoleTool || result[3].ToolCallID != "call_1" {
		t.Errorf("expected tool-result message tied to call_1, got %+v", result[3])
	}
}

func TestConvertToolsToOpenAI(t *testing.T) {
	tools := []llmloop.ToolSpec{
		{Name: "get_weather", Description: "Get weather", Schema: json.RawMessage(`{"type":"object"}`)},
	}
	result, err := convertToolsToOpenAI(tools)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result) != 1 || result[0].Function.Name != "get_weather" {
		t.Fatalf("unexpected tools: %+v", result)
	}

	_, err = convertToolsToOpenAI([]llmloop.ToolSpec{{Name: "bad", Schema: json.RawMessage(`not json`)}})
	if err == nil {
		t.Fatal("expected error for invalid schema")
	}
}

func TestMessageFromOpenAI(t *testing.T) {
	msg := openai.ChatCompletionMessage{
		Content: "Here's the weather.",
		ToolCalls: []openai.ToolCall{
			{ID: "call_abc", Type: openai.ToolTypeFunction, Function: openai.FunctionCall{Name: "get_weather", Arguments: `{"city":"London"}`}},
			{Function: openai.FunctionCall{Name: "get_time", Arguments: `{}`}},
		},
	}
	synth := llmloop.NewIDSynthesizer("test-scope")
	result := messageFromOpenAI(msg, synth)
	if !result.HasToolUse() {
		t.Fatal("expected tool_use blocks")
	}
	blocks := result.ToolUseBlocks()
	if len(blocks) != 2 {
		t.Fatalf("expected 2 tool_use blocks, got %d", len(blocks))
	}
	if blocks[0].ID != "call_abc" {
		t.Errorf("expected first call id preserved, got %q", blocks[0].ID)
	}
	if blocks[1].ID == "" {
		t.Error("expected fabricated id for tool call missing one")
	}
	if want := "tu_test-scope_1"; blocks[1].ID != want {
		t.Errorf("expected synthesized id %q from IDSynthesizer, got %q", want, blocks[1].ID)
	}
}

func TestIsRetryableOpenAIError(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		retry bool
	}{
		{name: "nil", err: nil, retry: false},
		{name: "rate limit", err: errors.New("rate limit exceeded"), retry: true},
		{name: "timeout", err: errors.New("request timeout"), retry: true},
		{name: "invalid key", err: errors.New("invalid api key"), retry: false},
		{name: "429 api error", err: &openai.APIError{HTTPStatusCode: 429}, retry: true},
		{name: "401 api error", err: &openai.APIError{HTTPStatusCode: 401}, retry: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryableOpenAIError(tt.err); got != tt.retry {
				t.Errorf("isRetryableOpenAIError(%v) = %v, want %v", tt.err, got, tt.retry)
			}
		})
	}
}
