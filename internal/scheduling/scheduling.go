// Package scheduling implements the tools exposed to the scheduling LLM
// loop when it determines triggers for one automation: listing and
// cancelling scheduled triggers, and creating cron, state-regex,
// state-range, relative-time, and absolute-time triggers.
package scheduling

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/beatrix-ha/beatrix/internal/llmtool"
	"github.com/beatrix-ha/beatrix/internal/model"
	"github.com/beatrix-ha/beatrix/internal/store"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// KnownEntities returns the hub's current entity ids, used only for the
// soft unknown-entity warning in create-state-regex-trigger.
type KnownEntities func(ctx context.Context) []string

// Suite builds the scheduling tool registry scoped to one automation hash.
type Suite struct {
	Store          store.Store
	AutomationHash string
	KnownEntities  KnownEntities
	Now            func() time.Time
}

// Registry builds an llmtool.Registry containing every scheduling tool,
// scoped to s.AutomationHash.
func (s *Suite) Registry() *llmtool.Registry {
	if s.Now == nil {
		s.Now = time.Now
	}
	reg := llmtool.NewRegistry()
	reg.Register(&listTriggersTool{s: s})
	reg.Register(&cancelAllTriggersTool{s: s})
	reg.Register(&createCronTool{s: s})
	reg.Register(&createStateRegexTool{s: s})
	reg.Register(&createStateRangeTool{s: s})
	reg.Register(&createRelativeTimeTool{s: s})
	reg.Register(&createAbsoluteTimeTool{s: s})
	return reg
}

// --- list-scheduled-triggers ---

type listTriggersTool struct{ s *Suite }

func (t *listTriggersTool) Name() string        { return "list-scheduled-triggers" }
func (t *listTriggersTool) Description() string { return "List every currently alive trigger scheduled for this automation." }
func (t *listTriggersTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{}}`)
}

func (t *listTriggersTool) Execute(ctx context.Context, _ json.RawMessage) (llmtool.Result, error) {
	signals, err := t.s.Store.AliveSignalsForHash(ctx, t.s.AutomationHash)
	if err != nil {
		return llmtool.Result{}, fmt.Errorf("list-scheduled-triggers: %w", err)
	}
	if len(signals) == 0 {
		return llmtool.Result{Output: "No triggers are currently scheduled for this automation."}, nil
	}
	var sb strings.Builder
	for _, sig := range signals {
		fmt.Fprintf(&sb, "- [%s] %s: %s\n", sig.ID, sig.Kind, string(sig.Data))
	}
	return llmtool.Result{Output: sb.String()}, nil
}

// --- cancel-all-scheduled-triggers ---

type cancelAllTriggersTool struct{ s *Suite }

func (t *cancelAllTriggersTool) Name() string { return "cancel-all-scheduled-triggers" }
func (t *cancelAllTriggersTool) Description() string {
	return "Mark every alive trigger for this automation dead, removing all scheduling."
}
func (t *cancelAllTriggersTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{}}`)
}

func (t *cancelAllTriggersTool) Execute(ctx context.Context, _ json.RawMessage) (llmtool.Result, error) {
	if err := t.s.Store.KillAllForHash(ctx, t.s.AutomationHash); err != nil {
		return llmtool.Result{}, fmt.Errorf("cancel-all-scheduled-triggers: %w", err)
	}
	return llmtool.Result{Output: "All triggers for this automation have been cancelled."}, nil
}

// --- create-cron-trigger ---

type createCronTool struct{ s *Suite }

func (t *createCronTool) Name() string        { return "create-cron-trigger" }
func (t *createCronTool) Description() string { return "Schedule a recurring trigger using a standard 5-field cron expression, evaluated in the hub's configured timezone." }
func (t *createCronTool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "expr": {"type": "string", "description": "5-field cron expression, e.g. \"0 7 * * *\""}
  },
  "required": ["expr"]
}`)
}

func (t *createCronTool) Execute(ctx context.Context, input json.RawMessage) (llmtool.Result, error) {
	var args struct {
		Expr string `json:"expr"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return llmtool.ErrorResult(llmtool.KindValidation, "invalid input: "+err.Error(), nil), nil
	}
	expr := strings.TrimSpace(args.Expr)
	if _, err := cronParser.Parse(expr); err != nil {
		return llmtool.ErrorResult(llmtool.KindValidation, "invalid cron expression: "+err.Error(), map[string]any{"expr": expr}), nil
	}
	id, err := t.s.Store.InsertSignal(ctx, t.s.AutomationHash, model.KindCron, model.CronData{Expr: expr})
	if err != nil {
		return llmtool.Result{}, fmt.Errorf("create-cron-trigger: %w", err)
	}
	return llmtool.JSONResult(map[string]string{"id": id, "expr": expr}), nil
}

// --- create-state-regex-trigger ---

type createStateRegexTool struct{ s *Suite }

func (t *createStateRegexTool) Name() string { return "create-state-regex-trigger" }
func (t *createStateRegexTool) Description() string {
	return "Fire when any of the listed entities' new state matches a regex (unanchored/partial match)."
}
func (t *createStateRegexTool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "entityIds": {"type": "array", "items": {"type": "string"}},
    "regex": {"type": "string"}
  },
  "required": ["entityIds", "regex"]
}`)
}

func (t *createStateRegexTool) Execute(ctx context.Context, input json.RawMessage) (llmtool.Result, error) {
	var args model.StateData
	if err := json.Unmarshal(input, &args); err != nil {
		return llmtool.ErrorResult(llmtool.KindValidation, "invalid input: "+err.Error(), nil), nil
	}
	if len(args.EntityIDs) == 0 {
		return llmtool.ErrorResult(llmtool.KindValidation, "entityIds must not be empty", nil), nil
	}
	if _, err := regexp.Compile(args.Regex); err != nil {
		return llmtool.ErrorResult(llmtool.KindValidation, "invalid regex: "+err.Error(), map[string]any{"regex": args.Regex}), nil
	}

	var warning string
	if t.s.KnownEntities != nil {
		known := make(map[string]struct{})
		for _, e := range t.s.KnownEntities(ctx) {
			known[e] = struct{}{}
		}
		var unknown []string
		for _, e := range args.EntityIDs {
			if _, ok := known[e]; !ok {
				unknown = append(unknown, e)
			}
		}
		if len(unknown) > 0 {
			warning = "unknown entity ids (trigger still created): " + strings.Join(unknown, ", ")
		}
	}

	id, err := t.s.Store.InsertSignal(ctx, t.s.AutomationHash, model.KindState, args)
	if err != nil {
		return llmtool.Result{}, fmt.Errorf("create-state-regex-trigger: %w", err)
	}
	out := map[string]any{"id": id}
	if warning != "" {
		out["warning"] = warning
	}
	return llmtool.JSONResult(out), nil
}

// --- create-state-range-trigger ---

type createStateRangeTool struct{ s *Suite }

func (t *createStateRangeTool) Name() string { return "create-state-range-trigger" }
func (t *createStateRangeTool) Description() string {
	return "Fire once numeric state stays continuously within [min,max] for at least forSeconds."
}
func (t *createStateRangeTool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "entityId": {"type": "string"},
    "min": {"type": "number"},
    "max": {"type": "number"},
    "forSeconds": {"type": "integer"}
  },
  "required": ["entityId", "forSeconds"]
}`)
}

func (t *createStateRangeTool) Execute(ctx context.Context, input json.RawMessage) (llmtool.Result, error) {
	var args model.StateRangeData
	if err := json.Unmarshal(input, &args); err != nil {
		return llmtool.ErrorResult(llmtool.KindValidation, "invalid input: "+err.Error(), nil), nil
	}
	if strings.TrimSpace(args.EntityID) == "" {
		return llmtool.ErrorResult(llmtool.KindValidation, "entityId is required", nil), nil
	}
	if args.Min == nil && args.Max == nil {
		return llmtool.ErrorResult(llmtool.KindValidation, "at least one of min/max is required", nil), nil
	}
	if args.Min != nil && args.Max != nil && *args.Min > *args.Max {
		return llmtool.ErrorResult(llmtool.KindValidation, "min must be <= max", nil), nil
	}
	if args.ForSeconds <= 0 {
		return llmtool.ErrorResult(llmtool.KindValidation, "forSeconds must be positive", nil), nil
	}
	id, err := t.s.Store.InsertSignal(ctx, t.s.AutomationHash, model.KindStateRange, args)
	if err != nil {
		return llmtool.Result{}, fmt.Errorf("create-state-range-trigger: %w", err)
	}
	return llmtool.JSONResult(map[string]string{"id": id}), nil
}

// --- create-relative-time-trigger ---

type createRelativeTimeTool struct{ s *Suite }

func (t *createRelativeTimeTool) Name() string { return "create-relative-time-trigger" }
func (t *createRelativeTimeTool) Description() string {
	return "Fire offsetSeconds from now, repeating forever at that interval if repeatForever is true."
}
func (t *createRelativeTimeTool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "offsetSeconds": {"type": "integer"},
    "repeatForever": {"type": "boolean"}
  },
  "required": ["offsetSeconds"]
}`)
}

func (t *createRelativeTimeTool) Execute(ctx context.Context, input json.RawMessage) (llmtool.Result, error) {
	var args struct {
		OffsetSeconds int  `json:"offsetSeconds"`
		RepeatForever bool `json:"repeatForever"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return llmtool.ErrorResult(llmtool.KindValidation, "invalid input: "+err.Error(), nil), nil
	}
	if args.OffsetSeconds <= 0 {
		return llmtool.ErrorResult(llmtool.KindValidation, "offsetSeconds must be positive", nil), nil
	}
	data := model.OffsetData{
		OffsetSeconds: args.OffsetSeconds,
		RepeatForever: args.RepeatForever,
		Anchor:        t.s.Now().UTC(),
	}
	id, err := t.s.Store.InsertSignal(ctx, t.s.AutomationHash, model.KindOffset, data)
	if err != nil {
		return llmtool.Result{}, fmt.Errorf("create-relative-time-trigger: %w", err)
	}
	return llmtool.JSONResult(map[string]string{"id": id}), nil
}

// --- create-absolute-time-trigger ---

type createAbsoluteTimeTool struct{ s *Suite }

func (t *createAbsoluteTimeTool) Name() string { return "create-absolute-time-trigger" }
func (t *createAbsoluteTimeTool) Description() string {
	return "Fire once at an absolute ISO-8601 instant. Rejected if the instant is in the past."
}
func (t *createAbsoluteTimeTool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "iso8601": {"type": "string", "description": "Absolute instant, e.g. 2026-01-01T09:00:00Z"}
  },
  "required": ["iso8601"]
}`)
}

func (t *createAbsoluteTimeTool) Execute(ctx context.Context, input json.RawMessage) (llmtool.Result, error) {
	var args model.TimeData
	if err := json.Unmarshal(input, &args); err != nil {
		return llmtool.ErrorResult(llmtool.KindValidation, "invalid input: "+err.Error(), nil), nil
	}
	when, err := time.Parse(time.RFC3339, args.ISO8601)
	if err != nil {
		return llmtool.ErrorResult(llmtool.KindValidation, "iso8601 does not parse: "+err.Error(), map[string]any{"iso8601": args.ISO8601}), nil
	}
	if when.Before(t.s.Now()) {
		return llmtool.ErrorResult(llmtool.KindValidation, "iso8601 instant is in the past", map[string]any{"iso8601": args.ISO8601}), nil
	}
	id, err := t.s.Store.InsertSignal(ctx, t.s.AutomationHash, model.KindTime, args)
	if err != nil {
		return llmtool.Result{}, fmt.Errorf("create-absolute-time-trigger: %w", err)
	}
	return llmtool.JSONResult(map[string]string{"id": id}), nil
}
