// Package turnmanager accumulates per-turn streamed content — text,
// thinking, and tool calls — into the consolidated events that get
// persisted, and exposes a mid-turn projection for clients joining late.
package turnmanager

import "encoding/json"

// State is the turn state machine's current phase.
type State int

const (
	StateIdle State = iota
	StateTurnStarted
	StateCollecting
	StateTurnEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateTurnStarted:
		return "turn_started"
	case StateCollecting:
		return "collecting"
	case StateTurnEnded:
		return "turn_ended"
	default:
		return "unknown"
	}
}

// BlockKind identifies the kind of content block accumulated during a turn.
type BlockKind string

const (
	BlockText    BlockKind = "text"
	BlockThinking BlockKind = "thinking"
	BlockToolUse BlockKind = "tool_use"
)

// ContentBlock is one block of an assistant message under construction.
// Exactly one of the typed fields is meaningful, selected by Kind.
type ContentBlock struct {
	Kind BlockKind `json:"kind"`

	// Text/Thinking accumulate delta text as it streams in.
	Text              string `json:"text,omitempty"`
	Thinking          string `json:"thinking,omitempty"`
	ThinkingSignature string `json:"thinking_signature,omitempty"`

	// ToolUse fields are populated once the block's kind is BlockToolUse.
	ToolCallID   string          `json:"tool_call_id,omitempty"`
	ToolName     string          `json:"tool_name,omitempty"`
	ToolArgs     json.RawMessage `json:"tool_args,omitempty"`
	ToolDone     bool            `json:"tool_done,omitempty"`
}

// ToolResult is the outcome of executing one tool call.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// TokenUsage is normalized usage reported by a provider for one turn.
type TokenUsage struct {
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	CacheReadTokens     int `json:"cache_read_tokens,omitempty"`
	CacheCreationTokens int `json:"cache_creation_tokens,omitempty"`
}

// AssistantMessage is the consolidated, persistable projection of a turn's
// assistant output.
type AssistantMessage struct {
	TurnNumber int            `json:"turn_number"`
	Blocks     []ContentBlock `json:"blocks"`
	Usage      TokenUsage     `json:"usage"`
}

// EndTurnResult is returned by EndTurn: the consolidated assistant message
// plus the tool calls that must be persisted alongside it.
type EndTurnResult struct {
	Message   AssistantMessage `json:"message"`
	ToolCalls []ContentBlock   `json:"tool_calls"`
}
