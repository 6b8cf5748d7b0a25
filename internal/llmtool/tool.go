// Package llmtool binds named tools to handler functions and mediates
// call/response between the LLM tool-loop and tool implementations.
package llmtool

import (
	"context"
	"encoding/json"
)

// Tool is one callable function exposed to an LLM tool-loop conversation.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Execute(ctx context.Context, input json.RawMessage) (Result, error)
}

// Result is a tool's output, returned to the loop as a tool_result block.
type Result struct {
	Output  string
	IsError bool
}

// ErrorResultKind tags structured error results so callers (and tests) can
// distinguish validation/runtime/transport failures without string matching
// prose.
type ErrorResultKind string

const (
	KindToolNotFound ErrorResultKind = "tool-not-found"
	KindToolTimeout  ErrorResultKind = "tool-timeout"
	KindToolError    ErrorResultKind = "tool-error"
	KindValidation   ErrorResultKind = "validation-error"
)

// ErrorResult builds a structured {kind, error, ...extra} JSON error
// Result. Create tools return this on validation failure so the model can
// self-correct on its next turn instead of crashing the loop.
func ErrorResult(kind ErrorResultKind, detail string, extra map[string]any) Result {
	payload := map[string]any{"kind": string(kind), "error": detail}
	for k, v := range extra {
		payload[k] = v
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return Result{Output: detail, IsError: true}
	}
	return Result{Output: string(encoded), IsError: true}
}

// JSONResult marshals v as an indented JSON string result.
func JSONResult(v any) Result {
	encoded, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return Result{Output: err.Error(), IsError: true}
	}
	return Result{Output: string(encoded)}
}

// Spec is the wire description of a tool surfaced by Registry.ListTools.
type Spec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
}
