package eval

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/beatrix-ha/beatrix/internal/llmloop"
	"github.com/beatrix-ha/beatrix/internal/model"
)

// ContentContainsGrader scores how many of Needles appear anywhere in the
// transcript's text (score = needles found / needles total).
type ContentContainsGrader struct {
	Needles []string
}

func (g *ContentContainsGrader) Name() string { return "content-contains" }

func (g *ContentContainsGrader) Grade(_ context.Context, _ string, messages []model.MessageParam) (GradeResult, error) {
	if len(g.Needles) == 0 {
		return GradeResult{Grader: g.Name(), Score: 0, Max: 0}, nil
	}
	haystack := strings.ToLower(flatten(messages))
	var found []string
	var missing []string
	for _, needle := range g.Needles {
		if strings.Contains(haystack, strings.ToLower(needle)) {
			found = append(found, needle)
		} else {
			missing = append(missing, needle)
		}
	}
	detail := fmt.Sprintf("found %d/%d", len(found), len(g.Needles))
	if len(missing) > 0 {
		detail += "; missing: " + strings.Join(missing, ", ")
	}
	return GradeResult{
		Grader: g.Name(),
		Score:  float64(len(found)),
		Max:    float64(len(g.Needles)),
		Detail: detail,
	}, nil
}

// CallServiceArgsGrader scores whether at least one call-service tool_use
// block's raw input JSON contains every Needle, case-insensitively. Unlike
// ContentContainsGrader this looks at tool_use Input rather than message
// text, since call-service's test-mode result payload doesn't echo the
// request back.
type CallServiceArgsGrader struct {
	Needles []string
}

func (g *CallServiceArgsGrader) Name() string { return "call-service-args" }

func (g *CallServiceArgsGrader) Grade(_ context.Context, _ string, messages []model.MessageParam) (GradeResult, error) {
	if len(g.Needles) == 0 {
		return GradeResult{Grader: g.Name(), Score: 0, Max: 0}, nil
	}
	var calls []string
	for _, msg := range messages {
		for _, block := range msg.ToolUseBlocks() {
			if block.Name == "call-service" {
				calls = append(calls, strings.ToLower(string(block.Input)))
			}
		}
	}
	if len(calls) == 0 {
		return GradeResult{Grader: g.Name(), Score: 0, Max: float64(len(g.Needles)), Detail: "no call-service invocations found"}, nil
	}

	var found, missing []string
	for _, needle := range g.Needles {
		lower := strings.ToLower(needle)
		matched := false
		for _, call := range calls {
			if strings.Contains(call, lower) {
				matched = true
				break
			}
		}
		if matched {
			found = append(found, needle)
		} else {
			missing = append(missing, needle)
		}
	}
	detail := fmt.Sprintf("found %d/%d across %d call-service invocation(s)", len(found), len(g.Needles), len(calls))
	if len(missing) > 0 {
		detail += "; missing: " + strings.Join(missing, ", ")
	}
	return GradeResult{
		Grader: g.Name(),
		Score:  float64(len(found)),
		Max:    float64(len(g.Needles)),
		Detail: detail,
	}, nil
}

func flatten(messages []model.MessageParam) string {
	var sb strings.Builder
	for _, msg := range messages {
		sb.WriteString(msg.Text)
		sb.WriteString(" ")
		for _, block := range msg.Blocks {
			sb.WriteString(block.Text)
			sb.WriteString(" ")
			sb.WriteString(block.Content)
			sb.WriteString(" ")
		}
	}
	return sb.String()
}

// judgeVerdict is the {grade:1-5, reasoning, suggestions} rubric response
// the judge model is asked to produce.
type judgeVerdict struct {
	Grade       float64 `json:"grade"`
	Reasoning   string  `json:"reasoning"`
	Suggestions string  `json:"suggestions"`
}

var jsonObjectPattern = regexp.MustCompile(`(?s)\{.*\}`)

// LLMJudgeGrader calls a fixed judge model with a rubric and parses its
// {grade, reasoning, suggestions} verdict, regex-extracting the payload
// from a free-form response instead of requiring a clean completion.
type LLMJudgeGrader struct {
	Provider llmloop.LargeLanguageProvider
	Model    string
	Rubric   string
}

func (g *LLMJudgeGrader) Name() string { return "llm-judge" }

func (g *LLMJudgeGrader) Grade(ctx context.Context, prompt string, messages []model.MessageParam) (GradeResult, error) {
	if g.Provider == nil {
		return GradeResult{}, fmt.Errorf("llm judge: no provider configured")
	}
	req := llmloop.CompletionRequest{
		Model: g.Model,
		System: "You are a strict evaluator. Judge the assistant transcript against the rubric below, " +
			"then respond with ONLY a JSON object of the form " +
			`{"grade": <1-5>, "reasoning": "...", "suggestions": "..."}.` + "\n\nRubric:\n" + g.Rubric,
		Messages: []model.MessageParam{
			model.TextBlock(model.RoleUser, fmt.Sprintf("Scenario prompt:\n%s\n\nTranscript:\n%s", prompt, flatten(messages))),
		},
	}
	result, err := g.Provider.Complete(ctx, req)
	if err != nil {
		return GradeResult{}, fmt.Errorf("llm judge: complete: %w", err)
	}

	verdict, err := parseVerdict(result.Message.Text)
	if err != nil {
		return GradeResult{Grader: g.Name(), Score: 0, Max: 5, Detail: err.Error()}, nil
	}
	return GradeResult{
		Grader: g.Name(),
		Score:  verdict.Grade,
		Max:    5,
		Detail: verdict.Reasoning + " | suggestions: " + verdict.Suggestions,
	}, nil
}

func parseVerdict(text string) (judgeVerdict, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return judgeVerdict{}, fmt.Errorf("empty judge response")
	}
	raw := jsonObjectPattern.FindString(trimmed)
	if raw == "" {
		return judgeVerdict{}, fmt.Errorf("no JSON object in judge response: %q", trimmed)
	}
	var v judgeVerdict
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return judgeVerdict{}, fmt.Errorf("invalid judge verdict %q: %w", raw, err)
	}
	if v.Grade < 1 || v.Grade > 5 {
		return judgeVerdict{}, fmt.Errorf("grade out of range [1,5]: %v", v.Grade)
	}
	return v, nil
}
