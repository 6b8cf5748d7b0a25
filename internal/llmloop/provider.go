// Package llmloop implements the LLM tool-calling fixpoint loop: it
// drives an abstract LargeLanguageProvider through repeated rounds, routing
// every tool_use block to an llmtool.Registry and feeding tool_result blocks
// back, until the model stops calling tools or a budget is exhausted.
package llmloop

import (
	"context"
	"errors"
	"time"

	"github.com/beatrix-ha/beatrix/internal/model"
)

// ErrNoProvider is returned when a loop is constructed without a provider.
var ErrNoProvider = errors.New("llmloop: no provider configured")

// ModelInfo describes one model a provider can serve.
type ModelInfo struct {
	ID             string
	Name           string
	ContextSize    int
	SupportsVision bool
}

// CompletionRequest is one round-trip request to a provider: the full
// message history plus the tool set currently in scope.
type CompletionRequest struct {
	Model    string
	System   string
	Messages []model.MessageParam
	Tools    []ToolSpec
}

// ToolSpec is the subset of llmtool.Spec a provider needs to build a
// function-calling request; kept separate so llmloop does not import
// llmtool (providers only need name/description/schema).
type ToolSpec struct {
	Name        string
	Description string
	Schema      []byte
}

// CompletionResult is one assistant turn: plain text and/or tool_use blocks.
// A driver MUST fabricate stable tool_use ids (scoped to one request) if
// its wire format does not surface them; the loop's pairing invariant
// depends on those ids being stable across the single round.
type CompletionResult struct {
	Message model.MessageParam
}

// LargeLanguageProvider is the one operation the core consumes from an LLM
// vendor driver: run a single completion round with a tool set in scope.
// Concrete drivers (internal/provider) translate vendor-native
// (non-streaming) responses into this shape.
type LargeLanguageProvider interface {
	// Complete runs one round-trip completion. It must respect ctx
	// cancellation/deadline.
	Complete(ctx context.Context, req CompletionRequest) (CompletionResult, error)

	// ListModels returns the models this provider can serve.
	ListModels(ctx context.Context) ([]ModelInfo, error)

	// Name identifies the provider for logging/diagnostics.
	Name() string
}

// ProviderFactory constructs a provider for a (driver, model) pair. The
// runtime holds one as a plain value so a per-automation model override can
// build a fresh provider with the requested combination instead of mutating
// a shared instance. An empty driver selects the configured default; an
// empty model keeps the driver's default model.
type ProviderFactory func(driver, model string) (LargeLanguageProvider, error)

// ProviderTimeout bounds each model call.
const ProviderTimeout = 5 * time.Minute
