// Package hookengine runs typed lifecycle hooks around turn-loop steps:
// blocking hooks gate the step they're registered for and run in priority
// order; background hooks run concurrently and fail open.
package hookengine

import (
	"context"
	"time"
)

// Type is the closed set of lifecycle points hooks can attach to.
type Type string

const (
	SessionStart    Type = "SessionStart"
	SessionEnd      Type = "SessionEnd"
	PreToolUse      Type = "PreToolUse"
	PostToolUse     Type = "PostToolUse"
	UserPromptSubmit Type = "UserPromptSubmit"
	PreCompact      Type = "PreCompact"
	Stop            Type = "Stop"
	Notification    Type = "Notification"
)

// gatingTypes are hook types that gate a downstream step; their mode is
// forced to blocking regardless of what the registration requested.
var gatingTypes = map[Type]bool{
	PreToolUse:       true,
	UserPromptSubmit: true,
	PreCompact:       true,
}

// Mode selects whether a hook runs in the blocking, sequential phase or
// the concurrent background phase.
type Mode string

const (
	Blocking   Mode = "blocking"
	Background Mode = "background"
)

// Action is what a hook asks the engine to do with its result.
type Action string

const (
	ActionContinue Action = "continue"
	ActionModify   Action = "modify"
	ActionBlock    Action = "block"
)

// Context is what a hook handler receives. SessionID and Payload carry
// whatever the triggering step needs the hook to see or amend.
type Context struct {
	Type      Type
	SessionID string
	Payload   map[string]any
}

// Result is what a hook handler returns.
type Result struct {
	Action        Action
	Modifications map[string]any
	Message       string
	Reason        string // set when Action == ActionBlock
	Err           error
}

// Handler runs one hook's logic.
type Handler func(ctx context.Context, hc Context) Result

// Registration describes one registered hook.
type Registration struct {
	Name      string // unique
	Type      Type
	Priority  int // higher runs first; default 0
	Mode      Mode
	Timeout   time.Duration
	Filter    func(hc Context) bool
	Handler   Handler
}
