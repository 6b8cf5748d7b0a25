// Package execution implements the tools exposed to the executing LLM loop
// when a trigger fires: entity and service lookups, the call-service write
// path with its test-mode guard, the shared memory scratchpad, and optional
// vision tools.
package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/beatrix-ha/beatrix/internal/hub"
	"github.com/beatrix-ha/beatrix/internal/llmtool"
	"github.com/beatrix-ha/beatrix/internal/model"
	"github.com/beatrix-ha/beatrix/internal/store"
)

// VisionProvider is the optional secondary vision LLM the capture/
// analyze-image tools call through. Registered tools are omitted entirely
// when no VisionProvider is configured.
type VisionProvider interface {
	Capture(ctx context.Context) (imageID string, err error)
	Analyze(ctx context.Context, imageID, question string) (string, error)
}

// Suite builds the execution tool registry for one execution job.
type Suite struct {
	Hub             hub.Hub
	Store           store.Store
	AutomationLogID string
	TestMode        bool
	Memory          *Memory
	Vision          VisionProvider

	servicesOnce sync.Once
	services     hub.ServiceCatalog
	servicesErr  error
}

// Registry builds an llmtool.Registry containing every execution tool.
func (s *Suite) Registry() *llmtool.Registry {
	reg := llmtool.NewRegistry()
	reg.Register(&getEntitiesByPrefixTool{s: s})
	reg.Register(&getAllEntitiesTool{s: s})
	reg.Register(&getServicesForDomainTool{s: s})
	reg.Register(&listServiceDomainsTool{s: s})
	reg.Register(&callServiceTool{s: s})
	reg.Register(&readMemoryTool{s: s})
	reg.Register(&writeMemoryTool{s: s})
	if s.Vision != nil {
		reg.Register(&captureImageTool{s: s})
		reg.Register(&analyzeImageTool{s: s})
	}
	return reg
}

func (s *Suite) servicesCatalog(ctx context.Context) (hub.ServiceCatalog, error) {
	s.servicesOnce.Do(func() {
		s.services, s.servicesErr = s.Hub.FetchServices(ctx)
	})
	return s.services, s.servicesErr
}

// --- get-entities-by-prefix ---

type getEntitiesByPrefixTool struct{ s *Suite }

func (t *getEntitiesByPrefixTool) Name() string { return "get-entities-by-prefix" }
func (t *getEntitiesByPrefixTool) Description() string {
	return "List entities whose entity_id starts with the given prefix (e.g. \"light.\" or \"light.kitchen\")."
}
func (t *getEntitiesByPrefixTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"prefix":{"type":"string"}},"required":["prefix"]}`)
}

func (t *getEntitiesByPrefixTool) Execute(ctx context.Context, input json.RawMessage) (llmtool.Result, error) {
	var args struct {
		Prefix string `json:"prefix"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return llmtool.ErrorResult(llmtool.KindValidation, "invalid input: "+err.Error(), nil), nil
	}
	states, err := t.s.Hub.FetchStates(ctx)
	if err != nil {
		return llmtool.Result{}, fmt.Errorf("get-entities-by-prefix: %w", err)
	}
	prefix := strings.ToLower(strings.TrimSpace(args.Prefix))
	var out []hub.State
	for _, state := range states {
		if strings.HasPrefix(strings.ToLower(state.EntityID), prefix) {
			out = append(out, state)
		}
	}
	return llmtool.JSONResult(out), nil
}

// --- get-all-entities ---

type getAllEntitiesTool struct{ s *Suite }

func (t *getAllEntitiesTool) Name() string        { return "get-all-entities" }
func (t *getAllEntitiesTool) Description() string { return "List every entity and its current state." }
func (t *getAllEntitiesTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{}}`)
}

func (t *getAllEntitiesTool) Execute(ctx context.Context, _ json.RawMessage) (llmtool.Result, error) {
	states, err := t.s.Hub.FetchStates(ctx)
	if err != nil {
		return llmtool.Result{}, fmt.Errorf("get-all-entities: %w", err)
	}
	return llmtool.JSONResult(states), nil
}

// --- get-services-for-domain ---

type getServicesForDomainTool struct{ s *Suite }

func (t *getServicesForDomainTool) Name() string { return "get-services-for-domain" }
func (t *getServicesForDomainTool) Description() string {
	return "List the services available for a given domain (e.g. \"light\", \"climate\")."
}
func (t *getServicesForDomainTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"domain":{"type":"string"}},"required":["domain"]}`)
}

func (t *getServicesForDomainTool) Execute(ctx context.Context, input json.RawMessage) (llmtool.Result, error) {
	var args struct {
		Domain string `json:"domain"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return llmtool.ErrorResult(llmtool.KindValidation, "invalid input: "+err.Error(), nil), nil
	}
	catalog, err := t.s.servicesCatalog(ctx)
	if err != nil {
		return llmtool.Result{}, fmt.Errorf("get-services-for-domain: %w", err)
	}
	services, ok := catalog[args.Domain]
	if !ok {
		return llmtool.ErrorResult(llmtool.KindValidation, "unknown domain: "+args.Domain, map[string]any{"domain": args.Domain}), nil
	}
	return llmtool.JSONResult(services), nil
}

// --- list-service-domains ---

type listServiceDomainsTool struct{ s *Suite }

func (t *listServiceDomainsTool) Name() string        { return "list-service-domains" }
func (t *listServiceDomainsTool) Description() string { return "List every service domain the hub exposes." }
func (t *listServiceDomainsTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{}}`)
}

func (t *listServiceDomainsTool) Execute(ctx context.Context, _ json.RawMessage) (llmtool.Result, error) {
	catalog, err := t.s.servicesCatalog(ctx)
	if err != nil {
		return llmtool.Result{}, fmt.Errorf("list-service-domains: %w", err)
	}
	domains := make([]string, 0, len(catalog))
	for d := range catalog {
		domains = append(domains, d)
	}
	return llmtool.JSONResult(domains), nil
}

// --- call-service ---

type callServiceTool struct{ s *Suite }

func (t *callServiceTool) Name() string { return "call-service" }
func (t *callServiceTool) Description() string {
	return "Call a hub service against one or more entities. The only write tool in this suite."
}
func (t *callServiceTool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "domain": {"type": "string"},
    "service": {"type": "string"},
    "target": {
      "type": "object",
      "properties": {"entity_id": {"type": "array", "items": {"type": "string"}}},
      "required": ["entity_id"]
    },
    "data": {"type": "object", "additionalProperties": true}
  },
  "required": ["domain", "service", "target"]
}`)
}

func (t *callServiceTool) Execute(ctx context.Context, input json.RawMessage) (llmtool.Result, error) {
	var args struct {
		Domain  string         `json:"domain"`
		Service string         `json:"service"`
		Target  struct {
			EntityID []string `json:"entity_id"`
		} `json:"target"`
		Data map[string]any `json:"data"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return llmtool.ErrorResult(llmtool.KindValidation, "invalid input: "+err.Error(), nil), nil
	}
	if args.Domain == "" || args.Service == "" {
		return llmtool.ErrorResult(llmtool.KindValidation, "domain and service are required", nil), nil
	}

	// Test-mode safety: every target entity's domain prefix must equal the
	// call's domain; the hub is never contacted.
	if t.s.TestMode {
		for _, entityID := range args.Target.EntityID {
			domainPrefix, _, found := strings.Cut(entityID, ".")
			if !found || domainPrefix != args.Domain {
				return llmtool.ErrorResult(llmtool.KindValidation,
					fmt.Sprintf("test mode: entity_id %q domain does not match service domain %q", entityID, args.Domain),
					map[string]any{"entity_id": entityID, "domain": args.Domain}), nil
			}
		}
	}

	if err := t.record(ctx, args.Service, args.Target.EntityID, args.Data); err != nil {
		return llmtool.Result{}, fmt.Errorf("call-service: record: %w", err)
	}

	if t.s.TestMode {
		return llmtool.JSONResult(map[string]any{"testMode": true, "ok": true}), nil
	}

	resp, err := t.s.Hub.CallService(ctx, hub.CallServiceRequest{
		Domain:      args.Domain,
		Service:     args.Service,
		Target:      hub.Target{EntityID: args.Target.EntityID},
		ServiceData: args.Data,
	})
	if err != nil {
		return llmtool.ErrorResult(llmtool.KindToolError, err.Error(), nil), nil
	}
	return llmtool.JSONResult(resp), nil
}

func (t *callServiceTool) record(ctx context.Context, service string, entityIDs []string, data map[string]any) error {
	if t.s.Store == nil || t.s.AutomationLogID == "" {
		return nil
	}
	return t.s.Store.RecordServiceCall(ctx, t.s.AutomationLogID, &model.CallServiceLogEntry{
		CreatedAt: time.Now().UTC(),
		Service:   service,
		Target:    map[string]any{"entity_id": entityIDs},
		Data:      data,
	})
}

// --- read-memory / write-memory ---

type readMemoryTool struct{ s *Suite }

func (t *readMemoryTool) Name() string        { return "read-memory" }
func (t *readMemoryTool) Description() string { return "Read the shared scratchpad memory." }
func (t *readMemoryTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{}}`)
}

func (t *readMemoryTool) Execute(ctx context.Context, _ json.RawMessage) (llmtool.Result, error) {
	if t.s.Memory == nil {
		return llmtool.Result{Output: ""}, nil
	}
	text, err := t.s.Memory.Read()
	if err != nil {
		return llmtool.Result{}, fmt.Errorf("read-memory: %w", err)
	}
	return llmtool.Result{Output: text}, nil
}

type writeMemoryTool struct{ s *Suite }

func (t *writeMemoryTool) Name() string        { return "write-memory" }
func (t *writeMemoryTool) Description() string { return "Overwrite the shared scratchpad memory with new text." }
func (t *writeMemoryTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`)
}

func (t *writeMemoryTool) Execute(ctx context.Context, input json.RawMessage) (llmtool.Result, error) {
	var args struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return llmtool.ErrorResult(llmtool.KindValidation, "invalid input: "+err.Error(), nil), nil
	}
	if t.s.Memory == nil {
		return llmtool.ErrorResult(llmtool.KindToolError, "memory scratchpad not configured", nil), nil
	}
	if err := t.s.Memory.Write(args.Text); err != nil {
		return llmtool.Result{}, fmt.Errorf("write-memory: %w", err)
	}
	return llmtool.Result{Output: "memory updated"}, nil
}

// --- capture-image / analyze-image (optional) ---

type captureImageTool struct{ s *Suite }

func (t *captureImageTool) Name() string        { return "capture-image" }
func (t *captureImageTool) Description() string { return "Capture an image from a configured camera for later analysis." }
func (t *captureImageTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{}}`)
}

func (t *captureImageTool) Execute(ctx context.Context, _ json.RawMessage) (llmtool.Result, error) {
	id, err := t.s.Vision.Capture(ctx)
	if err != nil {
		return llmtool.ErrorResult(llmtool.KindToolError, err.Error(), nil), nil
	}
	return llmtool.JSONResult(map[string]string{"imageId": id}), nil
}

type analyzeImageTool struct{ s *Suite }

func (t *analyzeImageTool) Name() string        { return "analyze-image" }
func (t *analyzeImageTool) Description() string { return "Ask a vision model a question about a previously captured image." }
func (t *analyzeImageTool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {"imageId": {"type": "string"}, "question": {"type": "string"}},
  "required": ["imageId", "question"]
}`)
}

func (t *analyzeImageTool) Execute(ctx context.Context, input json.RawMessage) (llmtool.Result, error) {
	var args struct {
		ImageID  string `json:"imageId"`
		Question string `json:"question"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return llmtool.ErrorResult(llmtool.KindValidation, "invalid input: "+err.Error(), nil), nil
	}
	answer, err := t.s.Vision.Analyze(ctx, args.ImageID, args.Question)
	if err != nil {
		return llmtool.ErrorResult(llmtool.KindToolError, err.Error(), nil), nil
	}
	return llmtool.Result{Output: answer}, nil
}
