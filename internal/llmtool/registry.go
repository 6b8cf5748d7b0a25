package llmtool

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// DefaultTimeout bounds a single tool call before the transport returns a
// tool-timeout result.
const DefaultTimeout = 60 * time.Second

// Registry groups related tools under one per-call timeout.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	timeout time.Duration
}

// NewRegistry creates an empty registry with the default tool-call timeout.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool), timeout: DefaultTimeout}
}

// WithTimeout overrides the per-call timeout (default DefaultTimeout).
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// Register adds or replaces a tool by name.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// ListTools returns the wire description of every registered tool, for the
// LLM's tool-use prompt.
func (r *Registry) ListTools() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Spec, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, Spec{Name: t.Name(), Description: t.Description(), Schema: t.Schema()})
	}
	return out
}

// Call dispatches name(input) synchronously from the caller's point of view,
// bounding the handler by the registry's timeout. Unknown tools and timeouts
// are returned as structured Results rather than errors: the loop must be
// able to feed them back to the model as a tool_result and continue.
func (r *Registry) Call(ctx context.Context, name string, input json.RawMessage) Result {
	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return ErrorResult(KindToolNotFound, "tool not found: "+name, map[string]any{"tool": name})
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := tool.Execute(callCtx, input)
		done <- outcome{res: res, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return ErrorResult(KindToolError, o.err.Error(), map[string]any{"tool": name})
		}
		return o.res
	case <-callCtx.Done():
		return ErrorResult(KindToolTimeout, "tool call timed out", map[string]any{
			"tool":      name,
			"timeoutMs": r.timeout.Milliseconds(),
		})
	}
}
