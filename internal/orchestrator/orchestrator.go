package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentrt/engine/internal/eventpersister"
	"github.com/agentrt/engine/internal/eventstore"
	"github.com/agentrt/engine/internal/hookengine"
	"github.com/agentrt/engine/internal/reconstructor"
	"github.com/agentrt/engine/internal/runner"
	"github.com/agentrt/engine/internal/sessioncontext"
	"github.com/agentrt/engine/internal/subagenttracker"
	"github.com/agentrt/engine/internal/turnmanager"
	"github.com/agentrt/engine/internal/worktree"
)

const defaultPersisterDrain = 5 * time.Second

// Orchestrator owns the only strong reference to every ActiveSession in the
// process: it creates them, resumes them from their event chain, routes
// turns to them, ends them, and lets external callers subscribe to their
// ephemeral event stream.
type Orchestrator struct {
	cfg    Config
	runner *runner.Runner
	subs   *broadcaster

	subagents *subagenttracker.Tracker

	mu     sync.RWMutex
	active map[string]*sessioncontext.ActiveSession
}

// New wires a fresh Orchestrator. cfg.Store must be non-nil.
func New(cfg Config) *Orchestrator {
	if cfg.PersisterDrain <= 0 {
		cfg.PersisterDrain = defaultPersisterDrain
	}
	if cfg.SubAgents == nil {
		cfg.SubAgents = subagenttracker.New()
	}

	o := &Orchestrator{
		cfg:       cfg,
		subs:      newBroadcaster(),
		subagents: cfg.SubAgents,
		active:    make(map[string]*sessioncontext.ActiveSession),
	}

	runnerCfg := cfg.Runner
	runnerCfg.Sink = o.subs
	o.runner = runner.New(runnerCfg)

	return o
}

// Get returns the currently active session for id, if any.
func (o *Orchestrator) Get(id string) (*sessioncontext.ActiveSession, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	a, ok := o.active[id]
	return a, ok
}

// ActiveCount reports how many sessions are currently active.
func (o *Orchestrator) ActiveCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.active)
}

// CreateSession starts a brand-new session: runs SessionStart hooks, appends
// the session's root session.created event, acquires a working directory
// through the WorktreeCoordinator, and registers the resulting ActiveSession
// so no other caller can create or resume the same id concurrently.
func (o *Orchestrator) CreateSession(ctx context.Context, opts CreateOptions) (*sessioncontext.ActiveSession, error) {
	sessionID := uuid.NewString()
	if opts.WorkspaceID == "" {
		opts.WorkspaceID = o.cfg.DefaultWorkspaceID
	}

	if o.cfg.Hooks != nil {
		res := o.cfg.Hooks.ExecuteWithEvents(ctx, hookengine.SessionStart, hookengine.Context{
			Type:      hookengine.SessionStart,
			SessionID: sessionID,
			Payload: map[string]any{
				"workspace_id":      opts.WorkspaceID,
				"working_directory": opts.WorkingDirectory,
				"parent_session_id": opts.ParentSessionID,
			},
		})
		if res.Action == hookengine.ActionBlock {
			return nil, fmt.Errorf("%w: %s", ErrSessionStartBlocked, res.Reason)
		}
	}

	root, err := o.cfg.Store.Append(ctx, sessionID, "", eventstore.TypeSessionCreated, sessionCreatedPayload{
		WorkspaceID:      opts.WorkspaceID,
		WorkingDirectory: opts.WorkingDirectory,
		Model:            opts.Model,
		ParentSessionID:  opts.ParentSessionID,
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: append session.created: %w", err)
	}

	now := time.Now()
	session := &sessioncontext.Session{
		ID:               sessionID,
		WorkspaceID:      opts.WorkspaceID,
		WorkingDirectory: opts.WorkingDirectory,
		LatestModel:      opts.Model,
		CreatedAt:        now,
		LastActivityAt:   now,
	}
	session.AdvanceHead(root.ID, now)

	persister := eventpersister.New(o.cfg.Store, sessionID, root.ID, nil)
	active := sessioncontext.New(session, persister, turnmanager.New(turnmanager.NewIDMapper("call")))
	active.SubAgent = o.subagents
	active.Agent = o.runner

	if o.cfg.Worktrees != nil && opts.WorkingDirectory != "" {
		wd, err := o.cfg.Worktrees.Acquire(ctx, persister, sessionID, opts.WorkingDirectory, worktree.AcquireOptions{
			ForceIsolation:  opts.ForceIsolation,
			ParentSessionID: opts.ParentSessionID,
			ParentCommit:    opts.ParentCommit,
		})
		if err != nil {
			persister.Close(o.cfg.PersisterDrain)
			return nil, fmt.Errorf("orchestrator: acquire working directory: %w", err)
		}
		active.WorkingDir = wd
	}

	if opts.ParentSessionID != "" {
		o.subagents.Register(sessionID)
	}

	if err := o.register(active); err != nil {
		persister.Close(o.cfg.PersisterDrain)
		return nil, err
	}
	return active, nil
}

func (o *Orchestrator) register(active *sessioncontext.ActiveSession) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.active[active.Session.ID]; exists {
		return ErrAlreadyActive
	}
	o.active[active.Session.ID] = active
	return nil
}

// Resume rebuilds an ActiveSession for a previously-ended or
// process-restarted session by replaying its event chain through
// reconstructor.Reconstruct. If the session is already active, the existing
// instance is returned — the spec requires that at most one ActiveSession
// per session id ever exists.
func (o *Orchestrator) Resume(ctx context.Context, sessionID string) (*sessioncontext.ActiveSession, error) {
	if a, ok := o.Get(sessionID); ok {
		return a, nil
	}

	events, err := o.cfg.Store.GetEventsBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: load session %s: %w", sessionID, err)
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}

	root, head := events[0], events[len(events)-1]
	var created sessionCreatedPayload
	_ = eventstore.DecodePayload(root, &created)

	rec, err := reconstructor.Reconstruct(ctx, o.cfg.Store, head.ID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: reconstruct session %s: %w", sessionID, err)
	}

	session := &sessioncontext.Session{
		ID:               sessionID,
		WorkspaceID:      created.WorkspaceID,
		WorkingDirectory: created.WorkingDirectory,
		LatestModel:      created.Model,
		CreatedAt:        root.Timestamp,
		LastActivityAt:   head.Timestamp,
	}
	session.AdvanceHead(head.ID, head.Timestamp)

	persister := eventpersister.New(o.cfg.Store, sessionID, head.ID, nil)
	active := sessioncontext.New(session, persister, turnmanager.New(turnmanager.NewIDMapper("call")))
	active.Skills = rec.Skills
	active.Rules = rec.Rules
	active.Todos = rec.Todos
	active.SubAgent = o.subagents
	active.Agent = o.runner

	if o.cfg.Worktrees != nil && created.WorkingDirectory != "" {
		wd, err := o.cfg.Worktrees.Acquire(ctx, persister, sessionID, created.WorkingDirectory, worktree.AcquireOptions{
			ParentSessionID: created.ParentSessionID,
		})
		if err != nil {
			persister.Close(o.cfg.PersisterDrain)
			return nil, fmt.Errorf("orchestrator: re-acquire working directory: %w", err)
		}
		active.WorkingDir = wd
	}

	if err := o.register(active); err != nil {
		persister.Close(o.cfg.PersisterDrain)
		return nil, err
	}
	return active, nil
}

// Run routes one turn of a conversation to the already-active session's
// Runner. Callers that don't hold an ActiveSession reference in hand look
// it up by id first.
func (o *Orchestrator) Run(ctx context.Context, sessionID string, opts runner.RunOptions) error {
	active, ok := o.Get(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotActive, sessionID)
	}
	return o.runner.Run(ctx, active, opts)
}

// EndSession runs SessionEnd hooks, releases the session's working
// directory, appends session.ended, flushes and closes its EventPersister,
// and drops it from the active set. Background SessionEnd hooks are not
// awaited here — callers that need drain-to-completion semantics before
// process exit call DrainHooks separately (spec non-goal: no guarantee that
// background hooks finish before process exit).
func (o *Orchestrator) EndSession(ctx context.Context, sessionID string) error {
	active, ok := o.Get(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotActive, sessionID)
	}

	if o.cfg.Hooks != nil {
		o.cfg.Hooks.ExecuteWithEvents(ctx, hookengine.SessionEnd, hookengine.Context{
			Type:      hookengine.SessionEnd,
			SessionID: sessionID,
		})
	}

	if o.cfg.Worktrees != nil && active.WorkingDir != nil {
		if err := o.cfg.Worktrees.ReleaseWithEvents(ctx, active.Persister, sessionID, o.cfg.Release); err != nil {
			if o.cfg.Logger != nil {
				o.cfg.Logger.Warn(ctx, "orchestrator: release working directory failed", "session_id", sessionID, "error", err.Error())
			}
		}
	}

	now := time.Now()
	evt, err := active.Persister.AppendAsync(ctx, eventstore.TypeSessionEnded, map[string]any{"ended_at": now})
	if err == nil {
		active.Session.AdvanceHead(evt.ID, now)
	}
	active.Session.EndedAt = now

	if flushErr := active.Persister.Flush(ctx); flushErr != nil && err == nil {
		err = flushErr
	}
	active.Persister.Close(o.cfg.PersisterDrain)

	o.mu.Lock()
	delete(o.active, sessionID)
	o.mu.Unlock()
	o.subs.drop(sessionID)

	return err
}

// Subscribe lets an external caller (CLI, TUI, RPC transport) receive a
// session's ephemeral events as they're produced. Subscribing to a session
// with no current activity is not an error — the channel simply receives
// nothing until the session runs again or is dropped via EndSession.
func (o *Orchestrator) Subscribe(sessionID string) (<-chan runner.EphemeralEvent, func()) {
	return o.subs.Subscribe(sessionID)
}

// CreateSubAgent forks a child session whose working directory descends
// from the parent's current state (spec §4.6's fork scenario) and registers
// it with the shared SubAgentTracker so the parent can wait on it via
// WaitForAllSubAgents/WaitForAnySubAgents without scanning either session's
// event chain.
func (o *Orchestrator) CreateSubAgent(ctx context.Context, parentSessionID string, opts CreateOptions) (*sessioncontext.ActiveSession, error) {
	parent, ok := o.Get(parentSessionID)
	if !ok {
		return nil, fmt.Errorf("%w: parent session %s", ErrNotActive, parentSessionID)
	}
	opts.ParentSessionID = parentSessionID
	if opts.WorkspaceID == "" {
		opts.WorkspaceID = parent.Session.WorkspaceID
	}
	if opts.WorkingDirectory == "" {
		opts.WorkingDirectory = parent.Session.WorkingDirectory
	}
	return o.CreateSession(ctx, opts)
}

// WaitForAllSubAgents blocks until every child session id has a terminal
// result, in the order given.
func (o *Orchestrator) WaitForAllSubAgents(ctx context.Context, ids []string, timeout time.Duration) ([]subagenttracker.Result, error) {
	return o.subagents.WaitForAll(ctx, ids, timeout)
}

// WaitForAnySubAgents blocks until the first of the given child session ids
// reaches a terminal result.
func (o *Orchestrator) WaitForAnySubAgents(ctx context.Context, ids []string, timeout time.Duration) (subagenttracker.Result, error) {
	return o.subagents.WaitForAny(ctx, ids, timeout)
}

// ReportSubAgentResult is how a subagent's own run reports its outcome back
// to the parent's tracker once its EndSession has happened. The parent
// observes this transition rather than scanning the child's event chain.
func (o *Orchestrator) ReportSubAgentResult(sessionID string, value any, err error) {
	if err != nil {
		o.subagents.MarkFailed(sessionID, err)
		return
	}
	o.subagents.MarkCompleted(sessionID, value)
}
