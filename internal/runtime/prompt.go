package runtime

import (
	"fmt"
	"strings"

	"github.com/beatrix-ha/beatrix/internal/model"
)

// schedulerPrompt builds the system prompt prefix for a determine-signal
// job: the automation's full contents plus the shared scratchpad.
func schedulerPrompt(automation model.Automation, memory string) string {
	var sb strings.Builder
	sb.WriteString("You are deciding when this home automation should run. ")
	sb.WriteString("Read the automation below and call exactly the scheduling tools needed to create its trigger(s). ")
	sb.WriteString("Do not execute any action; only schedule.\n\n")
	fmt.Fprintf(&sb, "Automation file: %s\n---\n%s\n---\n\n", automation.FileName, automation.Contents)
	if strings.TrimSpace(memory) != "" {
		sb.WriteString("Shared memory:\n")
		sb.WriteString(memory)
		sb.WriteString("\n")
	}
	return sb.String()
}

// executePrompt builds the system prompt prefix for an execute-signal job:
// the automation plus which signal fired.
func executePrompt(automation model.Automation, memory string, sig *model.Signal) string {
	var sb strings.Builder
	sb.WriteString("A trigger for this home automation just fired. Carry out the automation's intent using the tools available.\n\n")
	fmt.Fprintf(&sb, "Automation file: %s\n---\n%s\n---\n\n", automation.FileName, automation.Contents)
	if sig != nil {
		fmt.Fprintf(&sb, "Fired trigger: kind=%s data=%s\n\n", sig.Kind, string(sig.Data))
	}
	if strings.TrimSpace(memory) != "" {
		sb.WriteString("Shared memory:\n")
		sb.WriteString(memory)
		sb.WriteString("\n")
	}
	return sb.String()
}

// cuePrompt builds the system prompt prefix for a cue fired explicitly via
// FireCue: identical shape to execution but without a backing Signal.
func cuePrompt(automation model.Automation, memory string) string {
	return executePrompt(automation, memory, nil)
}
