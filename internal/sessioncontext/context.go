package sessioncontext

import (
	"context"
	"sync"

	"github.com/agentrt/engine/internal/eventpersister"
	"github.com/agentrt/engine/internal/turnmanager"
)

// WorkingDirectoryLease is the minimal surface ActiveSession needs from a
// leased working directory; internal/worktree.WorkingDirectory implements
// it without this package importing worktree (which in turn doesn't need
// to know about sessions).
type WorkingDirectoryLease interface {
	Path() string
	Isolated() bool
	Release(ctx context.Context) error
}

// SubAgentWaiter is the surface ActiveSession needs from a subagent
// tracker; internal/subagenttracker.Tracker implements it.
type SubAgentWaiter interface {
	Register(sessionID string)
	MarkCompleted(sessionID string, result any)
	MarkFailed(sessionID string, err error)
}

// Agent is an opaque handle to whatever runs the session's turns; the
// runner package supplies the concrete type. ActiveSession only needs to
// hold and release it.
type Agent interface {
	Close() error
}

// ActiveSession is a session plus everything that only exists while it is
// running: its serialized EventPersister, its TurnManager, the trackers
// reconstructed from (or built up alongside) its event chain, the
// underlying Agent, and its WorkingDirectory lease.
//
// The Orchestrator never lets two ActiveSession instances for the same
// session id coexist.
type ActiveSession struct {
	mu sync.RWMutex

	Session *Session

	Persister   *eventpersister.Persister
	TurnTracker *turnmanager.Tracker

	Skills   *SkillTracker
	Rules    *RulesTracker
	SubAgent SubAgentWaiter
	Todos    *TodoTracker

	Agent      Agent
	WorkingDir WorkingDirectoryLease

	processing     bool
	reasoningLevel string
	messageEventID string // head event id of the turn's user message
}

// New assembles an ActiveSession around an already-reconstructed Session
// record and persister/tracker pair.
func New(session *Session, persister *eventpersister.Persister, turns *turnmanager.Tracker) *ActiveSession {
	return &ActiveSession{
		Session:     session,
		Persister:   persister,
		TurnTracker: turns,
		Skills:      NewSkillTracker(),
		Rules:       NewRulesTracker(),
		Todos:       NewTodoTracker(),
	}
}

// SetProcessing marks whether a turn is currently in flight. The
// Orchestrator consults this before routing a second concurrent request to
// the same session.
func (a *ActiveSession) SetProcessing(v bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.processing = v
}

func (a *ActiveSession) IsProcessing() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.processing
}

func (a *ActiveSession) SetReasoningLevel(level string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reasoningLevel = level
}

func (a *ActiveSession) ReasoningLevel() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.reasoningLevel
}

func (a *ActiveSession) SetMessageEventID(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messageEventID = id
}

func (a *ActiveSession) MessageEventID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.messageEventID
}

// Close releases the agent and the working directory lease, in that order,
// tolerating either being nil.
func (a *ActiveSession) Close(ctx context.Context) error {
	var err error
	if a.Agent != nil {
		if cerr := a.Agent.Close(); cerr != nil {
			err = cerr
		}
	}
	if a.WorkingDir != nil {
		if rerr := a.WorkingDir.Release(ctx); rerr != nil && err == nil {
			err = rerr
		}
	}
	return err
}
