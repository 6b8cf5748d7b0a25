// Package model holds the data types shared across the automation runtime:
// automations, signals, log entries, and the message shape the LLM loop
// passes between providers and tools.
package model

import (
	"encoding/json"
	"time"
)

// Automation is an immutable snapshot of one notebook file. A new revision
// of the same file is a new Automation with a new Hash; the filename is
// only used to detect renames/removals during reconciliation.
type Automation struct {
	Hash     string
	FileName string
	Contents string
}

// Kind enumerates the trigger flavors a Signal can carry.
type Kind string

const (
	KindCron       Kind = "cron"
	KindState      Kind = "state"
	KindOffset     Kind = "offset"
	KindTime       Kind = "time"
	KindStateRange Kind = "state-range"
)

// CronData is the payload for a KindCron signal.
type CronData struct {
	Expr string `json:"expr"`
}

// StateData is the payload for a KindState signal.
type StateData struct {
	EntityIDs []string `json:"entityIds"`
	Regex     string   `json:"regex"`
}

// OffsetData is the payload for a KindOffset signal.
type OffsetData struct {
	OffsetSeconds int       `json:"offsetSeconds"`
	RepeatForever bool      `json:"repeatForever"`
	Anchor        time.Time `json:"anchor"`
}

// TimeData is the payload for a KindTime signal.
type TimeData struct {
	ISO8601 string `json:"iso8601"`
}

// StateRangeData is the payload for a KindStateRange signal.
type StateRangeData struct {
	EntityID   string   `json:"entityId"`
	Min        *float64 `json:"min,omitempty"`
	Max        *float64 `json:"max,omitempty"`
	ForSeconds int      `json:"forSeconds"`
}

// Signal is a durably stored trigger derived from an automation.
type Signal struct {
	ID             string
	AutomationHash string
	Kind           Kind
	Data           json.RawMessage
	IsDead         bool
	CreatedAt      time.Time
}

// LogType enumerates the AutomationLogEntry flavors.
type LogType string

const (
	LogManual          LogType = "manual"
	LogDetermineSignal LogType = "determine-signal"
	LogExecuteSignal   LogType = "execute-signal"
)

// AutomationLogEntry is an append-only record of one LLM conversation.
type AutomationLogEntry struct {
	ID             string
	CreatedAt      time.Time
	AutomationHash string
	Type           LogType
	Messages       []MessageParam
	SignaledBy     *Signal
}

// CallServiceLogEntry records one call-service tool invocation.
type CallServiceLogEntry struct {
	CreatedAt       time.Time
	AutomationLogID string
	Service         string
	Target          map[string]any
	Data            map[string]any
}

// Role enumerates MessageParam authorship.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockType enumerates ContentBlock flavors.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// ContentBlock is one element of a MessageParam's structured content.
// Only the fields relevant to its Type are populated.
type ContentBlock struct {
	Type BlockType `json:"type"`

	// text blocks
	Text string `json:"text,omitempty"`

	// tool_use blocks
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result blocks
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// MessageParam is the canonical message shape exchanged between the tool
// loop, providers, and the signal store's transcript persistence. Content is
// either a plain string (Text) or a slice of ContentBlock (Blocks); exactly
// one is populated.
type MessageParam struct {
	Role   Role           `json:"role"`
	Text   string         `json:"text,omitempty"`
	Blocks []ContentBlock `json:"blocks,omitempty"`
}

// ToolUseBlocks returns every tool_use block in the message, in order.
func (m MessageParam) ToolUseBlocks() []ContentBlock {
	var out []ContentBlock
	for _, b := range m.Blocks {
		if b.Type == BlockToolUse {
			out = append(out, b)
		}
	}
	return out
}

// HasToolUse reports whether the message contains any tool_use block.
func (m MessageParam) HasToolUse() bool {
	for _, b := range m.Blocks {
		if b.Type == BlockToolUse {
			return true
		}
	}
	return false
}

// TextBlock returns a MessageParam with a single text block/content.
func TextBlock(role Role, text string) MessageParam {
	return MessageParam{Role: role, Text: text}
}
