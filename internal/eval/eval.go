// Package eval replays a catalog of canned scenarios through the LLM
// tool-loop against a mocked hub and scores the resulting transcripts with
// pluggable graders.
package eval

import (
	"context"
	"fmt"
	"strings"

	"github.com/beatrix-ha/beatrix/internal/llmloop"
	"github.com/beatrix-ha/beatrix/internal/llmtool"
	"github.com/beatrix-ha/beatrix/internal/model"
)

// Scenario is one (prompt, tool suite, graders) case in the catalog.
type Scenario struct {
	Name    string
	Prompt  string
	Tools   func() *llmtool.Registry
	Graders []Grader
}

// GradeResult is one grader's verdict on a scenario's transcript.
type GradeResult struct {
	Grader string
	Score  float64
	Max    float64
	Detail string
}

// ScenarioResult is the outcome of running one Scenario to fixpoint and
// grading its transcript.
type ScenarioResult struct {
	Prompt             string
	ToolsDescription   string
	Messages           []model.MessageParam
	GradeResults       []GradeResult
	FinalScore         float64
	FinalScorePossible float64
}

// Grader scores a completed transcript against some criterion.
type Grader interface {
	Name() string
	Grade(ctx context.Context, prompt string, messages []model.MessageParam) (GradeResult, error)
}

// Harness drives scenarios through an isolated tool-loop. The hub/store
// used by a scenario's tool suite are whatever the caller's Tools factory
// closes over, typically a hub.MockHub and a store.MemoryStore.
type Harness struct {
	Provider llmloop.LargeLanguageProvider
	Config   llmloop.Config
}

// New creates a Harness bound to provider.
func New(provider llmloop.LargeLanguageProvider, config llmloop.Config) *Harness {
	return &Harness{Provider: provider, Config: config}
}

// Run drives every scenario in order, returning one ScenarioResult each.
func (h *Harness) Run(ctx context.Context, scenarios []Scenario) ([]ScenarioResult, error) {
	results := make([]ScenarioResult, 0, len(scenarios))
	for _, sc := range scenarios {
		result, err := h.runOne(ctx, sc)
		if err != nil {
			return nil, fmt.Errorf("eval: scenario %q: %w", sc.Name, err)
		}
		results = append(results, result)
	}
	return results, nil
}

func (h *Harness) runOne(ctx context.Context, sc Scenario) (ScenarioResult, error) {
	loop := llmloop.New(h.Provider, h.Config)
	tools := sc.Tools()
	ch, err := loop.Run(ctx, llmloop.Input{UserPrompt: sc.Prompt, Tools: tools})
	if err != nil {
		return ScenarioResult{}, err
	}
	messages := drain(ch)

	result := ScenarioResult{
		Prompt:           sc.Prompt,
		ToolsDescription: describeTools(tools),
		Messages:         messages,
	}
	for _, g := range sc.Graders {
		gr, err := g.Grade(ctx, sc.Prompt, messages)
		if err != nil {
			gr = GradeResult{Grader: g.Name(), Score: 0, Max: 1, Detail: err.Error()}
		}
		result.GradeResults = append(result.GradeResults, gr)
		result.FinalScore += gr.Score
		result.FinalScorePossible += gr.Max
	}
	return result, nil
}

func describeTools(tools *llmtool.Registry) string {
	if tools == nil {
		return ""
	}
	var sb strings.Builder
	for _, spec := range tools.ListTools() {
		fmt.Fprintf(&sb, "%s: %s\n", spec.Name, spec.Description)
	}
	return sb.String()
}

func drain(ch <-chan model.MessageParam) []model.MessageParam {
	var out []model.MessageParam
	for msg := range ch {
		out = append(out, msg)
	}
	return out
}
