// Package eventstore implements the append-only, parent-linked event log
// that is the single source of truth for session state.
package eventstore

import (
	"encoding/json"
	"errors"
	"time"
)

// Type is a namespaced event type string, e.g. "message.user", "tool.call".
type Type string

// Persisted event vocabulary (spec section 6).
const (
	TypeSessionCreated       Type = "session.created"
	TypeSessionEnded         Type = "session.ended"
	TypeMessageUser          Type = "message.user"
	TypeMessageAssistant     Type = "message.assistant"
	TypeToolCall             Type = "tool.call"
	TypeToolResult           Type = "tool.result"
	TypeStreamTurnStart      Type = "stream.turn_start"
	TypeStreamTurnEnd        Type = "stream.turn_end"
	TypeConfigReasoningLevel Type = "config.reasoning_level"
	TypeSkillAdded           Type = "skill.added"
	TypeSkillRemoved         Type = "skill.removed"
	TypeContextCleared       Type = "context.cleared"
	TypeCompactBoundary      Type = "compact.boundary"
	TypeCompactSummary       Type = "compact.summary"
	TypeWorktreeAcquired     Type = "worktree.acquired"
	TypeWorktreeReleased     Type = "worktree.released"
	TypeWorktreeCommit       Type = "worktree.commit"
	TypeWorktreeMerged       Type = "worktree.merged"
	TypeErrorAgent           Type = "error.agent"
	TypeNotificationInterrupted Type = "notification.interrupted"
	TypeMemoryLedger         Type = "memory.ledger"
)

// Errors returned by EventStore operations.
var (
	ErrNotFound       = errors.New("eventstore: not found")
	ErrParentNotFound = errors.New("eventstore: parent not found")
	ErrParentMismatch = errors.New("eventstore: parent belongs to a different session")
	ErrRootExists     = errors.New("eventstore: session already has a root event")
)

// Event is the universal unit of durable state. It is never mutated or
// deleted after append; a logical delete is expressed as a new event.
type Event struct {
	ID          string          `json:"id"`
	ParentID    string          `json:"parent_id,omitempty"`
	SessionID   string          `json:"session_id"`
	WorkspaceID string          `json:"workspace_id"`
	Type        Type            `json:"type"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
	Payload     json.RawMessage `json:"payload"`

	// BlobRef, when non-empty, is the content hash of an oversized payload
	// field offloaded to the blob store. The field it replaces is named by
	// BlobField (e.g. "content", "diff").
	BlobRef   string `json:"blob_ref,omitempty"`
	BlobField string `json:"blob_field,omitempty"`
}

// IsRoot reports whether this event has no parent (the session's first event).
func (e *Event) IsRoot() bool {
	return e.ParentID == ""
}
