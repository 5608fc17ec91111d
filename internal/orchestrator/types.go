// Package orchestrator owns every ActiveSession a process is currently
// running, routes external requests (create, resume, run-a-turn, end) to
// the right one, and fans out ephemeral events to subscribers. It is the
// outermost component in the design: everything else (EventStore,
// EventPersister, TurnManager, HookEngine, SubAgentTracker,
// WorktreeCoordinator, Provider dispatch, AgentRunner, TrackerReconstructor)
// is a collaborator it wires together, never a thing it reimplements.
//
// Grounded on internal/gateway/managers.Manager's Start/Stop lifecycle
// registry shape and internal/service/service.go's singleton wiring,
// generalized away from the teacher's channel-specific concerns (those are
// out of scope here) onto session lifecycle instead.
package orchestrator

import (
	"errors"
	"time"

	"github.com/agentrt/engine/internal/eventstore"
	"github.com/agentrt/engine/internal/hookengine"
	"github.com/agentrt/engine/internal/observability"
	"github.com/agentrt/engine/internal/runner"
	"github.com/agentrt/engine/internal/subagenttracker"
	"github.com/agentrt/engine/internal/worktree"
)

// Errors returned by Orchestrator operations.
var (
	ErrAlreadyActive = errors.New("orchestrator: session already active")
	ErrNotActive     = errors.New("orchestrator: session is not active")
	ErrUnknownSession = errors.New("orchestrator: unknown session id")
	ErrSessionStartBlocked = errors.New("orchestrator: SessionStart hook blocked session creation")
)

// Config bundles the Orchestrator's collaborators. Store is required;
// everything else defaults to a no-op/fresh instance when left zero.
type Config struct {
	Store     eventstore.EventStore
	Runner    runner.Config // Sink is overwritten with the orchestrator's broadcaster
	Hooks     *hookengine.Engine
	Worktrees *worktree.Coordinator
	SubAgents *subagenttracker.Tracker

	DefaultWorkspaceID string
	PersisterDrain      time.Duration // Close() timeout for a session's EventPersister; default 5s

	// Release is applied to every session's WorkingDirectory on EndSession;
	// normally sourced from config.Config.Worktrees.
	Release worktree.ReleaseOptions

	Logger *observability.Logger
}

// CreateOptions describes a new session to start.
type CreateOptions struct {
	WorkspaceID      string
	WorkingDirectory string
	Model            string

	// ForceIsolation, ParentSessionID, ParentCommit are forwarded verbatim to
	// worktree.AcquireOptions — set ParentSessionID to fork a subagent's
	// working directory from its parent's current HEAD.
	ForceIsolation  bool
	ParentSessionID string
	ParentCommit    string
}

type sessionCreatedPayload struct {
	WorkspaceID      string `json:"workspace_id"`
	WorkingDirectory string `json:"working_directory"`
	Model            string `json:"model"`
	ParentSessionID  string `json:"parent_session_id,omitempty"`
}
