package runtime

import (
	"context"
	"fmt"

	"github.com/beatrix-ha/beatrix/internal/model"
)

// loadNotebook populates the runtime's automation/cue maps without diffing
// against a previous scan. Used once at boot, before anything could be
// "removed" or "new" relative to an empty runtime.
func (r *Runtime) loadNotebook() error {
	automations, err := r.notebook.Scan()
	if err != nil {
		return fmt.Errorf("scan automations: %w", err)
	}
	cues, err := r.notebook.ScanCues()
	if err != nil {
		return fmt.Errorf("scan cues: %w", err)
	}
	r.mu.Lock()
	r.automations = toMap(automations)
	r.cues = toMap(cues)
	r.mu.Unlock()
	return nil
}

// rescan reloads automations/ and cues/ from the notebook and reconciles
// the runtime's view against what changed: removed hashes have their
// signals killed, new hashes get a scheduling job enqueued.
func (r *Runtime) rescan(ctx context.Context) error {
	automations, err := r.notebook.Scan()
	if err != nil {
		return fmt.Errorf("scan automations: %w", err)
	}
	cues, err := r.notebook.ScanCues()
	if err != nil {
		return fmt.Errorf("scan cues: %w", err)
	}

	newAutomations := toMap(automations)
	newCues := toMap(cues)

	r.mu.Lock()
	oldAutomations := r.automations
	r.automations = newAutomations
	r.cues = newCues
	r.mu.Unlock()

	for hash := range oldAutomations {
		if _, stillPresent := newAutomations[hash]; stillPresent {
			continue
		}
		if err := r.store.KillAllForHash(ctx, hash); err != nil {
			r.logger.Error("runtime: rescan: kill signals for removed automation failed", "hash", hash, "error", err)
		}
		if r.trigger != nil {
			r.trigger.RemoveHash(hash)
		}
	}

	for hash := range newAutomations {
		if _, existedBefore := oldAutomations[hash]; existedBefore {
			continue
		}
		r.enqueue(job{kind: jobScheduling, hash: hash})
	}

	return nil
}

func toMap(automations []model.Automation) map[string]model.Automation {
	out := make(map[string]model.Automation, len(automations))
	for _, a := range automations {
		out[a.Hash] = a
	}
	return out
}
