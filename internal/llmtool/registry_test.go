package llmtool

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

type fakeTool struct {
	name  string
	delay time.Duration
	res   Result
	err   error
}

func (f *fakeTool) Name() string                 { return f.name }
func (f *fakeTool) Description() string          { return "fake" }
func (f *fakeTool) Schema() json.RawMessage      { return json.RawMessage(`{}`) }
func (f *fakeTool) Execute(ctx context.Context, input json.RawMessage) (Result, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	return f.res, f.err
}

func TestRegistryCallUnknownTool(t *testing.T) {
	r := NewRegistry()
	res := r.Call(context.Background(), "nope", nil)
	if !res.IsError {
		t.Fatalf("expected error result")
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(res.Output), &payload); err != nil {
		t.Fatalf("expected JSON error payload: %v", err)
	}
	if payload["kind"] != string(KindToolNotFound) {
		t.Fatalf("expected tool-not-found kind, got %v", payload["kind"])
	}
}

func TestRegistryCallTimeout(t *testing.T) {
	r := NewRegistry().WithTimeout(20 * time.Millisecond)
	r.Register(&fakeTool{name: "slow", delay: time.Second})
	res := r.Call(context.Background(), "slow", nil)
	if !res.IsError {
		t.Fatalf("expected timeout error result")
	}
	var payload map[string]any
	json.Unmarshal([]byte(res.Output), &payload)
	if payload["kind"] != string(KindToolTimeout) {
		t.Fatalf("expected tool-timeout kind, got %v", payload["kind"])
	}
}

func TestRegistryCallSuccess(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeTool{name: "ok", res: Result{Output: "done"}})
	res := r.Call(context.Background(), "ok", nil)
	if res.IsError || res.Output != "done" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestListTools(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeTool{name: "a"})
	r.Register(&fakeTool{name: "b"})
	specs := r.ListTools()
	if len(specs) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(specs))
	}
}
