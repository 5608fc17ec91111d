// Package provider adapts the teacher's per-vendor agent.LLMProvider wire
// clients (internal/agent/providers) to the tagged StreamEvent vocabulary
// the turn loop consumes, adding retry/backoff, tool-call id normalization,
// and OAuth-aware authentication on top of them.
package provider

import (
	"context"
	"time"
)

// EventKind is the closed tag of a StreamEvent.
type EventKind string

const (
	EventStart         EventKind = "start"
	EventTextStart     EventKind = "text_start"
	EventTextDelta     EventKind = "text_delta"
	EventTextEnd       EventKind = "text_end"
	EventThinkingStart EventKind = "thinking_start"
	EventThinkingDelta EventKind = "thinking_delta"
	EventThinkingEnd   EventKind = "thinking_end"
	EventToolCallStart EventKind = "toolcall_start"
	EventToolCallDelta EventKind = "toolcall_delta"
	EventToolCallEnd   EventKind = "toolcall_end"
	EventRetry         EventKind = "retry"
	EventError         EventKind = "error"
	EventDone          EventKind = "done"
)

// ToolCall is a normalized, complete tool invocation request.
type ToolCall struct {
	ID    string
	Name  string
	Input []byte // raw JSON arguments
}

// Usage is normalized token accounting for one turn, reported with the done
// event so it is available before any requested tools finish executing.
type Usage struct {
	InputTokens         int
	OutputTokens        int
	CacheReadTokens     int
	CacheCreationTokens int
	ContextWindowTokens int
}

// Message carries the final assistant message delivered with a done event.
type Message struct {
	Text       string
	Thinking   string
	ToolCalls  []ToolCall
	StopReason string
	Usage      Usage
}

// StreamEvent is one event in a provider's response stream. Only the
// field(s) relevant to Kind are populated.
type StreamEvent struct {
	Kind EventKind

	Text      string // text_delta, text_end, thinking_delta, thinking_end
	Signature string // thinking_end

	ToolCallID   string // toolcall_start/delta/end
	ToolCallName string // toolcall_start
	ArgsChunk    string // toolcall_delta
	ToolCall     *ToolCall // toolcall_end

	RetryAttempt    int           // retry
	RetryMaxRetries int           // retry
	RetryDelay      time.Duration // retry
	Err             error         // retry, error

	Message    *Message // done
	StopReason string    // done
}

// Role mirrors the wire-level chat roles the teacher's CompletionMessage uses.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message content a request sends to the provider.
type RequestMessage struct {
	Role       Role
	Content    string
	ToolCallID string // set on tool-result messages
}

// ToolDefinition describes one tool the model may call.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema []byte // raw JSON schema
}

// StreamOptions carries one turn's request to a provider.
type StreamOptions struct {
	Model                string
	System               string
	Messages             []RequestMessage
	Tools                []ToolDefinition
	MaxTokens            int
	EnableThinking       bool
	ThinkingBudgetTokens int
	Credential           Credential
}

// Provider is the single-method abstraction every vendor adapter implements.
type Provider interface {
	Name() string
	Stream(ctx context.Context, opts StreamOptions) (<-chan StreamEvent, error)
}
