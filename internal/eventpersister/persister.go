// Package eventpersister serializes event appends for a single session into
// a linearized parent chain. Out-of-band producers (skill tracking, model
// switches, interrupt notifications) would otherwise race with the turn
// loop's own appends and chain new events from a stale head, creating
// orphan branches that eventstore.GetAncestors would never visit.
package eventpersister

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentrt/engine/internal/eventstore"
)

// ErrClosed is returned by calls made after Close.
var ErrClosed = errors.New("eventpersister: closed")

// chainFunc performs one unit of chained work given the current parent id
// and returns every event it appended, in chain order. A single-event
// append returns a one-element slice.
type chainFunc func(parentID string) ([]*eventstore.Event, error)

type task struct {
	run   chainFunc
	done  chan struct{}
	batch []*eventstore.Event
	err   error
}

func (t *task) single() *eventstore.Event {
	if len(t.batch) == 0 {
		return nil
	}
	return t.batch[len(t.batch)-1]
}

// Persister is the single writer for one session's event chain. Exactly one
// Persister should exist per active session.
type Persister struct {
	store     eventstore.EventStore
	sessionID string
	log       *slog.Logger

	mu          sync.Mutex
	pendingHead string
	sticky      error
	closed      bool

	queue  chan *task
	wg     sync.WaitGroup
	drainC chan struct{}
}

// New creates a Persister seeded with the session's current head event id
// (empty if the session has no events yet).
func New(store eventstore.EventStore, sessionID, currentHead string, logger *slog.Logger) *Persister {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Persister{
		store:       store,
		sessionID:   sessionID,
		log:         logger.With("component", "eventpersister", "session_id", sessionID),
		pendingHead: currentHead,
		queue:       make(chan *task, 256),
	}
	p.wg.Add(1)
	go p.run()
	return p
}

func (p *Persister) run() {
	defer p.wg.Done()
	for t := range p.queue {
		p.mu.Lock()
		sticky := p.sticky
		head := p.pendingHead
		p.mu.Unlock()

		if sticky != nil {
			t.err = sticky
			close(t.done)
			continue
		}

		events, err := t.run(head)
		if err != nil {
			p.mu.Lock()
			p.sticky = err
			p.mu.Unlock()
			p.log.Error("append failed, persister sticky-errored", "error", err)
			t.err = err
			close(t.done)
			continue
		}

		if len(events) > 0 {
			p.mu.Lock()
			p.pendingHead = events[len(events)-1].ID
			p.mu.Unlock()
		}

		t.batch = events
		close(t.done)
	}
	if p.drainC != nil {
		close(p.drainC)
	}
}

func (p *Persister) submit(run chainFunc) *task {
	t := &task{run: run, done: make(chan struct{})}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		t.err = ErrClosed
		close(t.done)
		return t
	}
	sticky := p.sticky
	p.mu.Unlock()

	if sticky != nil {
		t.err = sticky
		close(t.done)
		return t
	}

	p.queue <- t
	return t
}

func appendOne(store eventstore.EventStore, ctx context.Context, sessionID string, typ eventstore.Type, payload any) chainFunc {
	return func(parentID string) ([]*eventstore.Event, error) {
		evt, err := store.Append(ctx, sessionID, parentID, typ, payload)
		if err != nil {
			return nil, err
		}
		return []*eventstore.Event{evt}, nil
	}
}

// AppendAsync enqueues an append and blocks until it is persisted, returning
// the created event or the sticky error.
func (p *Persister) AppendAsync(ctx context.Context, typ eventstore.Type, payload any) (*eventstore.Event, error) {
	t := p.submit(appendOne(p.store, ctx, p.sessionID, typ, payload))
	select {
	case <-t.done:
		return t.single(), t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Append is fire-and-forget: it preserves order with respect to other
// appends on this session but does not block the caller. onCreated, if
// non-nil, fires (on a persister-owned goroutine) once the event commits.
func (p *Persister) Append(ctx context.Context, typ eventstore.Type, payload any, onCreated func(*eventstore.Event, error)) {
	t := p.submit(appendOne(p.store, ctx, p.sessionID, typ, payload))
	if onCreated == nil {
		return
	}
	go func() {
		<-t.done
		onCreated(t.single(), t.err)
	}()
}

// EventPayload pairs an event type with its payload for AppendMultiple.
type EventPayload struct {
	Type    eventstore.Type
	Payload any
}

// AppendMultiple persists a batch of events contiguously in the parent
// chain: no intervening append from another caller can interleave between
// them.
func (p *Persister) AppendMultiple(ctx context.Context, items []EventPayload) ([]*eventstore.Event, error) {
	t := p.submit(func(parentID string) ([]*eventstore.Event, error) {
		head := parentID
		out := make([]*eventstore.Event, 0, len(items))
		for _, item := range items {
			evt, err := p.store.Append(ctx, p.sessionID, head, item.Type, item.Payload)
			if err != nil {
				return nil, fmt.Errorf("eventpersister: batch item %d: %w", len(out), err)
			}
			out = append(out, evt)
			head = evt.ID
		}
		return out, nil
	})
	select {
	case <-t.done:
		return t.batch, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RunInChain runs op with the current parent id and keeps the operation
// inside the serialized chain: multi-event operations (e.g. logical
// deletes) that must not be interrupted by a concurrent append use this.
func (p *Persister) RunInChain(ctx context.Context, op func(parentID string) (*eventstore.Event, error)) (*eventstore.Event, error) {
	t := p.submit(func(parentID string) ([]*eventstore.Event, error) {
		evt, err := op(parentID)
		if err != nil {
			return nil, err
		}
		return []*eventstore.Event{evt}, nil
	})
	select {
	case <-t.done:
		return t.single(), t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Flush resolves when all queued tasks submitted before this call have
// completed.
func (p *Persister) Flush(ctx context.Context) error {
	t := p.submit(func(parentID string) ([]*eventstore.Event, error) {
		return nil, nil
	})
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HasError reports whether the persister has a sticky error.
func (p *Persister) HasError() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sticky != nil
}

// GetError returns the current sticky error, if any.
func (p *Persister) GetError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sticky
}

// Head returns the current pending head event id.
func (p *Persister) Head() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pendingHead
}

// Close stops accepting new work and waits (up to timeout) for the queue to
// drain.
func (p *Persister) Close(timeout time.Duration) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.drainC = make(chan struct{})
	p.mu.Unlock()

	close(p.queue)

	select {
	case <-p.drainC:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("eventpersister: close timed out after %s", timeout)
	}
}
