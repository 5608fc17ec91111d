// Package subagenttracker maintains the pending/terminal state of subagent
// runs a parent session spawned, and lets the parent wait on one or all of
// them without scanning either session's event chain.
package subagenttracker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// Status is the lifecycle state of one tracked subagent run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// ErrTimeout is returned by WaitForAll/WaitForAny when the deadline elapses
// before the awaited runs reach a terminal state.
var ErrTimeout = errors.New("subagenttracker: timeout waiting for subagent completion")

// ErrCancelled is returned when the caller's context is cancelled before the
// awaited runs reach a terminal state (the parent run was aborted).
var ErrCancelled = errors.New("subagenttracker: wait cancelled")

// ErrUnknownSession is returned when an id passed to WaitForAll/WaitForAny,
// MarkCompleted or MarkFailed was never registered.
var ErrUnknownSession = errors.New("subagenttracker: unknown session id")

// Result is the outcome recorded for a subagent run once it reaches a
// terminal state.
type Result struct {
	SessionID string
	Status    Status
	Value     any
	Err       error
}

type entry struct {
	mu     sync.Mutex
	result Result
	done   chan struct{} // closed exactly once, when the run reaches a terminal state
}

func newEntry(sessionID string) *entry {
	return &entry{
		result: Result{SessionID: sessionID, Status: StatusPending},
		done:   make(chan struct{}),
	}
}

func (e *entry) finish(status Status, value any, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	select {
	case <-e.done:
		return // already terminal; first writer wins
	default:
	}
	e.result.Status = status
	e.result.Value = value
	e.result.Err = err
	close(e.done)
}

func (e *entry) snapshot() Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.result
}

// Tracker is the table of sessionId -> subagent run state. It is safe for
// concurrent use by the parent's turn loop and by however many subagents
// report their own completion.
type Tracker struct {
	entries *xsync.MapOf[string, *entry]
}

// New creates an empty tracker.
func New() *Tracker {
	return &Tracker{entries: xsync.NewMapOf[string, *entry]()}
}

// Register creates a pending entry for sessionID. Re-registering an id that
// already has an entry resets it back to pending, discarding any prior
// terminal result (a parent may reuse a run id across retries).
func (t *Tracker) Register(sessionID string) {
	t.entries.Store(sessionID, newEntry(sessionID))
}

// MarkCompleted transitions sessionID to completed and wakes any waiters.
// An id that was never registered is a no-op — satisfies
// sessioncontext.SubAgentWaiter, where completion is reported from a
// best-effort forwarding path and shouldn't itself be able to fail.
func (t *Tracker) MarkCompleted(sessionID string, value any) {
	if e, ok := t.entries.Load(sessionID); ok {
		e.finish(StatusCompleted, value, nil)
	}
}

// MarkFailed transitions sessionID to failed and wakes any waiters.
func (t *Tracker) MarkFailed(sessionID string, err error) {
	if e, ok := t.entries.Load(sessionID); ok {
		e.finish(StatusFailed, nil, err)
	}
}

// Get returns the current snapshot for sessionID.
func (t *Tracker) Get(sessionID string) (Result, bool) {
	e, ok := t.entries.Load(sessionID)
	if !ok {
		return Result{}, false
	}
	return e.snapshot(), true
}

// WaitForAll blocks until every id in ids has reached a terminal state,
// returning results in the same order as ids. It rejects with ErrTimeout if
// timeout elapses first, or ErrCancelled if ctx is cancelled first. An id
// with no registered entry resolves ErrUnknownSession immediately.
func (t *Tracker) WaitForAll(ctx context.Context, ids []string, timeout time.Duration) ([]Result, error) {
	entries := make([]*entry, len(ids))
	for i, id := range ids {
		e, ok := t.entries.Load(id)
		if !ok {
			return nil, ErrUnknownSession
		}
		entries[i] = e
	}

	timeoutCtx, cancel := timeoutOnly(timeout)
	defer cancel()

	for _, e := range entries {
		select {
		case <-e.done:
		case <-ctx.Done():
			return nil, ErrCancelled
		case <-timeoutCtx.Done():
			return nil, ErrTimeout
		}
	}

	results := make([]Result, len(entries))
	for i, e := range entries {
		results[i] = e.snapshot()
	}
	return results, nil
}

// WaitForAny blocks until the first of ids reaches a terminal state,
// returning that result. It rejects with ErrTimeout or ErrCancelled on the
// same terms as WaitForAll.
func (t *Tracker) WaitForAny(ctx context.Context, ids []string, timeout time.Duration) (Result, error) {
	entries := make([]*entry, 0, len(ids))
	for _, id := range ids {
		e, ok := t.entries.Load(id)
		if !ok {
			return Result{}, ErrUnknownSession
		}
		entries = append(entries, e)
	}

	timeoutCtx, cancel := timeoutOnly(timeout)
	defer cancel()

	won := make(chan *entry, len(entries))
	stop := make(chan struct{})
	defer close(stop)
	for _, e := range entries {
		e := e
		go func() {
			select {
			case <-e.done:
				select {
				case won <- e:
				case <-stop:
				}
			case <-stop:
			}
		}()
	}

	select {
	case e := <-won:
		return e.snapshot(), nil
	case <-ctx.Done():
		return Result{}, ErrCancelled
	case <-timeoutCtx.Done():
		return Result{}, ErrTimeout
	}
}

// timeoutOnly returns a context whose Done channel fires solely from the
// timeout (never from the caller's ctx), so a caller-cancellation and a
// timeout elapsing can be told apart even when both derive from the same
// deadline instant.
func timeoutOnly(timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), timeout)
}
