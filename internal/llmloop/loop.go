package llmloop

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/beatrix-ha/beatrix/internal/llmtool"
	"github.com/beatrix-ha/beatrix/internal/model"
)

// MaxIterations is the default fixpoint cutoff.
const MaxIterations = 10

// Config configures one Loop's fixpoint behavior.
type Config struct {
	MaxIterations int
	Model         string
	Logger        *slog.Logger
}

func (c Config) sanitize() Config {
	out := c
	if out.MaxIterations <= 0 {
		out.MaxIterations = MaxIterations
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// Input describes one conversation to run to fixpoint.
type Input struct {
	SystemPromptPrefix string
	UserPrompt         string
	Tools              *llmtool.Registry
	PreviousMessages   []model.MessageParam
}

// Loop runs one LLM conversation to fixpoint: no more tool calls, or
// MaxIterations reached, or two consecutive provider timeouts.
type Loop struct {
	provider LargeLanguageProvider
	config   Config
}

// New creates a Loop bound to provider, with defaults filled in from config.
func New(provider LargeLanguageProvider, config Config) *Loop {
	return &Loop{provider: provider, config: config.sanitize()}
}

// Run drives the conversation and returns a channel of every MessageParam
// emitted, in order: the initial user message, then each assistant message
// and tool-result message until termination. The channel is closed when the
// loop completes; callers may abandon it early (the loop checks ctx between
// rounds and releases provider/tool resources promptly).
func (l *Loop) Run(ctx context.Context, in Input) (<-chan model.MessageParam, error) {
	if l.provider == nil {
		return nil, ErrNoProvider
	}
	out := make(chan model.MessageParam, 4)
	go l.drive(ctx, in, out)
	return out, nil
}

func (l *Loop) drive(ctx context.Context, in Input, out chan<- model.MessageParam) {
	defer close(out)

	messages := append([]model.MessageParam(nil), in.PreviousMessages...)
	userMsg := model.TextBlock(model.RoleUser, in.UserPrompt)
	messages = append(messages, userMsg)
	if !emit(ctx, out, userMsg) {
		return
	}

	var toolSpecs []ToolSpec
	if in.Tools != nil {
		for _, spec := range in.Tools.ListTools() {
			toolSpecs = append(toolSpecs, ToolSpec{Name: spec.Name, Description: spec.Description, Schema: spec.Schema})
		}
	}

	consecutiveTimeouts := 0
	for iteration := 0; iteration < l.config.MaxIterations; iteration++ {
		select {
		case <-ctx.Done():
			return
		default:
		}

		req := CompletionRequest{
			Model:    l.config.Model,
			System:   in.SystemPromptPrefix,
			Messages: messages,
			Tools:    toolSpecs,
		}

		roundCtx, cancel := context.WithTimeout(ctx, ProviderTimeout)
		result, err := l.provider.Complete(roundCtx, req)
		cancel()

		if err != nil {
			consecutiveTimeouts++
			l.config.Logger.Warn("llmloop: provider round failed", "error", err, "iteration", iteration)
			synthetic := model.TextBlock(model.RoleAssistant, "model timed out: "+err.Error())
			messages = append(messages, synthetic)
			if !emit(ctx, out, synthetic) {
				return
			}
			if consecutiveTimeouts >= 2 {
				return
			}
			continue
		}
		consecutiveTimeouts = 0

		assistantMsg := result.Message
		messages = append(messages, assistantMsg)
		if !emit(ctx, out, assistantMsg) {
			return
		}

		toolUses := assistantMsg.ToolUseBlocks()
		if len(toolUses) == 0 {
			return
		}

		resultMsg := model.MessageParam{Role: model.RoleUser}
		for _, use := range toolUses {
			select {
			case <-ctx.Done():
				return
			default:
			}
			var callResult llmtool.Result
			if in.Tools != nil {
				callResult = in.Tools.Call(ctx, use.Name, json.RawMessage(use.Input))
			} else {
				callResult = llmtool.ErrorResult(llmtool.KindToolNotFound, "no tool registry configured", map[string]any{"tool": use.Name})
			}
			resultMsg.Blocks = append(resultMsg.Blocks, model.ContentBlock{
				Type:      model.BlockToolResult,
				ToolUseID: use.ID,
				Content:   callResult.Output,
				IsError:   callResult.IsError,
			})
		}
		messages = append(messages, resultMsg)
		if !emit(ctx, out, resultMsg) {
			return
		}
	}
	l.config.Logger.Warn(fmt.Sprintf("llmloop: max iterations (%d) reached", l.config.MaxIterations))
}

func emit(ctx context.Context, out chan<- model.MessageParam, msg model.MessageParam) bool {
	select {
	case out <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}
