package runtime

import (
	"strings"

	"github.com/beatrix-ha/beatrix/internal/llmloop"
	"github.com/beatrix-ha/beatrix/internal/model"
)

// modelDirectivePrefix marks a per-automation model override: an automation
// whose first non-blank line reads "@model driver/model-name" (or just
// "@model model-name") runs its conversations on that provider instead of
// the runtime's default one.
const modelDirectivePrefix = "@model"

// parseModelDirective extracts the leading model directive from an
// automation's contents, if any. The driver is everything before the first
// "/", so model names that themselves contain slashes or colons (Ollama
// tags, dated model ids) pass through intact.
func parseModelDirective(contents string) (driver, modelName string, ok bool) {
	for _, line := range strings.Split(contents, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		rest, found := strings.CutPrefix(trimmed, modelDirectivePrefix)
		if !found || (rest != "" && rest[0] != ' ' && rest[0] != '\t') {
			return "", "", false
		}
		spec := strings.TrimSpace(rest)
		if spec == "" {
			return "", "", false
		}
		if before, after, hasSlash := strings.Cut(spec, "/"); hasSlash {
			return strings.TrimSpace(before), strings.TrimSpace(after), true
		}
		return "", spec, true
	}
	return "", "", false
}

// providerFor resolves the provider and loop config one automation's jobs
// should run with: the runtime default, unless the automation carries a
// model directive and a factory is configured to honor it. A factory error
// falls back to the default provider rather than failing the job.
func (r *Runtime) providerFor(automation model.Automation) (llmloop.LargeLanguageProvider, llmloop.Config) {
	cfg := r.loopConfig
	driver, modelName, ok := parseModelDirective(automation.Contents)
	if !ok {
		return r.provider, cfg
	}
	cfg.Model = modelName
	if r.factory == nil {
		return r.provider, cfg
	}
	p, err := r.factory(driver, modelName)
	if err != nil {
		r.logger.Warn("runtime: model directive ignored, using default provider",
			"file", automation.FileName, "driver", driver, "model", modelName, "error", err)
		return r.provider, r.loopConfig
	}
	return p, cfg
}
