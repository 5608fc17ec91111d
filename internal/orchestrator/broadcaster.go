package orchestrator

import (
	"context"
	"sync"

	"github.com/agentrt/engine/internal/runner"
)

// subscriberBufferSize bounds how many ephemeral events a slow subscriber
// can fall behind by before new events are dropped for it. Ephemeral
// delivery is explicitly best-effort (spec non-goals: "no exactly-once
// delivery of ephemeral streaming events"), so dropping rather than
// blocking the turn loop is the correct trade-off here.
const subscriberBufferSize = 256

// broadcaster fans one session's ephemeral events out to every subscriber
// currently listening on it. It implements runner.EventSink so a Runner can
// be handed straight to an Orchestrator without knowing subscribers exist.
//
// Grounded on internal/agent/event_sink.go's MultiSink/ChanSink shape,
// re-keyed per-session instead of per-run and onto runner.EphemeralEvent.
type broadcaster struct {
	mu   sync.RWMutex
	subs map[string]map[chan runner.EphemeralEvent]struct{} // sessionID -> subscriber set
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[string]map[chan runner.EphemeralEvent]struct{})}
}

// Emit implements runner.EventSink.
func (b *broadcaster) Emit(_ context.Context, e runner.EphemeralEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs[e.SessionID] {
		select {
		case ch <- e:
		default:
			// Subscriber fell behind; drop rather than block the turn loop.
		}
	}
}

// Subscribe registers a new listener for sessionID's ephemeral events. The
// returned cancel func must be called to stop receiving and release the
// channel; it is safe to call more than once.
func (b *broadcaster) Subscribe(sessionID string) (<-chan runner.EphemeralEvent, func()) {
	ch := make(chan runner.EphemeralEvent, subscriberBufferSize)

	b.mu.Lock()
	set, ok := b.subs[sessionID]
	if !ok {
		set = make(map[chan runner.EphemeralEvent]struct{})
		b.subs[sessionID] = set
	}
	set[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[sessionID], ch)
			if len(b.subs[sessionID]) == 0 {
				delete(b.subs, sessionID)
			}
			close(ch)
		})
	}
	return ch, cancel
}

// drop removes every subscriber channel for a session (called once the
// session ends — no further events will ever be emitted for it).
func (b *broadcaster) drop(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[sessionID] {
		close(ch)
	}
	delete(b.subs, sessionID)
}
