package runtime

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/beatrix-ha/beatrix/internal/hub"
	"github.com/beatrix-ha/beatrix/internal/llmloop"
	"github.com/beatrix-ha/beatrix/internal/model"
	"github.com/beatrix-ha/beatrix/internal/notebook"
	"github.com/beatrix-ha/beatrix/internal/store"
)

// scriptedProvider replays canned CompletionResults in order, one per
// Complete call; the last result is repeated once the script runs out. It
// stands in for a real LargeLanguageProvider driver in tests. Complete runs
// on job goroutines while the test polls callCount, hence the mutex.
type scriptedProvider struct {
	mu      sync.Mutex
	results []llmloop.CompletionResult
	calls   int
}

func (p *scriptedProvider) Complete(ctx context.Context, req llmloop.CompletionRequest) (llmloop.CompletionResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.calls
	if idx >= len(p.results) {
		idx = len(p.results) - 1
	}
	p.calls++
	return p.results[idx], nil
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *scriptedProvider) ListModels(ctx context.Context) ([]llmloop.ModelInfo, error) {
	return []llmloop.ModelInfo{{ID: "test-model", Name: "test"}}, nil
}

func (p *scriptedProvider) Name() string { return "scripted" }

func toolUseResult(id, name string, input any) llmloop.CompletionResult {
	raw, _ := json.Marshal(input)
	return llmloop.CompletionResult{
		Message: model.MessageParam{
			Role: model.RoleAssistant,
			Blocks: []model.ContentBlock{{
				Type:  model.BlockToolUse,
				ID:    id,
				Name:  name,
				Input: raw,
			}},
		},
	}
}

func textResult(text string) llmloop.CompletionResult {
	return llmloop.CompletionResult{Message: model.TextBlock(model.RoleAssistant, text)}
}

func writeNotebook(t *testing.T, root string, automation, cue string) *notebook.Loader {
	t.Helper()
	if err := os.MkdirAll(filepath.Join(root, "automations"), 0o755); err != nil {
		t.Fatalf("mkdir automations: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(root, "cues"), 0o755); err != nil {
		t.Fatalf("mkdir cues: %v", err)
	}
	if automation != "" {
		if err := os.WriteFile(filepath.Join(root, "automations", "coffee.md"), []byte(automation), 0o644); err != nil {
			t.Fatalf("write automation: %v", err)
		}
	}
	if cue != "" {
		if err := os.WriteFile(filepath.Join(root, "cues", "goodnight.md"), []byte(cue), 0o644); err != nil {
			t.Fatalf("write cue: %v", err)
		}
	}
	return notebook.New(root, nil)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestBootSchedulesUnscheduledAutomation(t *testing.T) {
	root := t.TempDir()
	nb := writeNotebook(t, root, "Every morning at 7am turn on the coffee maker.", "")
	st := store.NewMemoryStore()
	h := hub.NewMockHub(nil, hub.ServiceCatalog{"switch": {"turn_on": {}}})

	provider := &scriptedProvider{results: []llmloop.CompletionResult{
		toolUseResult("call_1", "create-cron-trigger", map[string]string{"expr": "0 7 * * *"}),
		textResult("Scheduled."),
	}}

	rt := New(st, h, nb, provider)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := rt.Boot(ctx); err != nil {
		t.Fatalf("Boot: %v", err)
	}

	var hash string
	rt.mu.Lock()
	for hsh := range rt.automations {
		hash = hsh
	}
	rt.mu.Unlock()

	waitFor(t, time.Second, func() bool {
		sigs, _ := st.AliveSignalsForHash(ctx, hash)
		return len(sigs) == 1
	})

	sigs, err := st.AliveSignalsForHash(ctx, hash)
	if err != nil {
		t.Fatalf("AliveSignalsForHash: %v", err)
	}
	if len(sigs) != 1 || sigs[0].Kind != model.KindCron {
		t.Fatalf("expected one alive cron signal, got %+v", sigs)
	}
}

func TestReconcileIsIdempotentWhenSignalAlreadyAlive(t *testing.T) {
	root := t.TempDir()
	nb := writeNotebook(t, root, "Turn off the lights at midnight.", "")
	st := store.NewMemoryStore()
	h := hub.NewMockHub(nil, nil)
	provider := &scriptedProvider{results: []llmloop.CompletionResult{textResult("should not run")}}

	rt := New(st, h, nb, provider)
	automations, err := nb.Scan()
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	hash := automations[0].Hash
	if _, err := st.InsertSignal(context.Background(), hash, model.KindCron, model.CronData{Expr: "0 0 * * *"}); err != nil {
		t.Fatalf("InsertSignal: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := rt.Boot(ctx); err != nil {
		t.Fatalf("Boot: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if n := provider.callCount(); n != 0 {
		t.Fatalf("expected no scheduling conversation, provider was called %d times", n)
	}
}

func TestFireCueRunsExecutionWithoutHubInTestMode(t *testing.T) {
	root := t.TempDir()
	nb := writeNotebook(t, root, "", "Say goodnight and turn off all lights.")
	st := store.NewMemoryStore()
	h := hub.NewMockHub(
		[]hub.State{{EntityID: "light.living_room", State: "on"}},
		hub.ServiceCatalog{"light": {"turn_off": {}}},
	)
	provider := &scriptedProvider{results: []llmloop.CompletionResult{
		toolUseResult("call_1", "call-service", map[string]any{
			"domain": "light", "service": "turn_off",
			"target": map[string]any{"entity_id": []string{"light.living_room"}},
		}),
		textResult("Done."),
	}}

	rt := New(st, h, nb, provider, WithTestMode(true))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := rt.Boot(ctx); err != nil {
		t.Fatalf("Boot: %v", err)
	}

	var cueHash string
	rt.mu.Lock()
	for hsh := range rt.cues {
		cueHash = hsh
	}
	rt.mu.Unlock()
	if cueHash == "" {
		t.Fatal("expected one cue loaded")
	}

	if err := rt.FireCue(ctx, cueHash); err != nil {
		t.Fatalf("FireCue: %v", err)
	}

	waitFor(t, time.Second, func() bool { return provider.callCount() >= 2 })

	// Test mode never contacts the hub.
	if calls := h.Calls(); len(calls) != 0 {
		t.Fatalf("test mode must not call the hub, got %+v", calls)
	}
}

func TestNotebookRemovalKillsSignals(t *testing.T) {
	root := t.TempDir()
	nb := writeNotebook(t, root, "Turn on the porch light at dusk.", "")
	st := store.NewMemoryStore()
	h := hub.NewMockHub(nil, nil)
	provider := &scriptedProvider{results: []llmloop.CompletionResult{textResult("noop")}}

	automations, err := nb.Scan()
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	hash := automations[0].Hash
	if _, err := st.InsertSignal(context.Background(), hash, model.KindCron, model.CronData{Expr: "0 20 * * *"}); err != nil {
		t.Fatalf("InsertSignal: %v", err)
	}

	rt := New(st, h, nb, provider)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := rt.Boot(ctx); err != nil {
		t.Fatalf("Boot: %v", err)
	}

	if err := os.Remove(filepath.Join(root, "automations", "coffee.md")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := rt.rescan(ctx); err != nil {
		t.Fatalf("rescan: %v", err)
	}

	sigs, err := st.AliveSignalsForHash(ctx, hash)
	if err != nil {
		t.Fatalf("AliveSignalsForHash: %v", err)
	}
	if len(sigs) != 0 {
		t.Fatalf("expected signals killed after automation removal, got %+v", sigs)
	}
}

func TestParseModelDirective(t *testing.T) {
	cases := []struct {
		name     string
		contents string
		driver   string
		model    string
		ok       bool
	}{
		{"driver and model", "@model anthropic/claude-3-haiku-20240307\nTurn on the lights.", "anthropic", "claude-3-haiku-20240307", true},
		{"model only", "@model gpt-4o-mini\nTurn on the lights.", "", "gpt-4o-mini", true},
		{"colon in model tag survives", "@model ollama/llama3:8b\nDo it.", "ollama", "llama3:8b", true},
		{"leading blank lines skipped", "\n\n@model anthropic/claude-sonnet-4-20250514\nBody.", "anthropic", "claude-sonnet-4-20250514", true},
		{"no directive", "Every morning at 7am turn on the coffee maker.", "", "", false},
		{"directive not on first line", "Turn on lights.\n@model anthropic/x", "", "", false},
		{"bare directive", "@model\nBody.", "", "", false},
		{"prefix of another word", "@modeling clay reminder", "", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			driver, modelName, ok := parseModelDirective(tc.contents)
			if ok != tc.ok || driver != tc.driver || modelName != tc.model {
				t.Fatalf("parseModelDirective(%q) = (%q, %q, %v), want (%q, %q, %v)",
					tc.contents, driver, modelName, ok, tc.driver, tc.model, tc.ok)
			}
		})
	}
}

func TestModelDirectiveRoutesJobThroughFactory(t *testing.T) {
	root := t.TempDir()
	nb := writeNotebook(t, root, "@model override/fast\nEvery morning at 7am turn on the coffee maker.", "")
	st := store.NewMemoryStore()
	h := hub.NewMockHub(nil, nil)

	defaultProvider := &scriptedProvider{results: []llmloop.CompletionResult{textResult("should not run")}}
	overrideProvider := &scriptedProvider{results: []llmloop.CompletionResult{
		toolUseResult("call_1", "create-cron-trigger", map[string]string{"expr": "0 7 * * *"}),
		textResult("Scheduled."),
	}}

	var factoryMu sync.Mutex
	var gotDriver, gotModel string
	factory := func(driver, model string) (llmloop.LargeLanguageProvider, error) {
		factoryMu.Lock()
		defer factoryMu.Unlock()
		gotDriver, gotModel = driver, model
		return overrideProvider, nil
	}

	rt := New(st, h, nb, defaultProvider, WithProviderFactory(factory))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := rt.Boot(ctx); err != nil {
		t.Fatalf("Boot: %v", err)
	}

	waitFor(t, time.Second, func() bool { return overrideProvider.callCount() >= 2 })

	if n := defaultProvider.callCount(); n != 0 {
		t.Fatalf("default provider used despite model directive (%d calls)", n)
	}
	factoryMu.Lock()
	defer factoryMu.Unlock()
	if gotDriver != "override" || gotModel != "fast" {
		t.Fatalf("factory called with (%q, %q), want (\"override\", \"fast\")", gotDriver, gotModel)
	}
}
