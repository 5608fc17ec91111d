package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/agentrt/engine/internal/eventstore"
	"github.com/agentrt/engine/internal/provider"
	"github.com/agentrt/engine/internal/runner"
)

type fakeProvider struct {
	name    string
	batches [][]provider.StreamEvent
	calls   int
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Stream(ctx context.Context, opts provider.StreamOptions) (<-chan provider.StreamEvent, error) {
	if f.calls >= len(f.batches) {
		return nil, errors.New("fakeProvider: no more scripted batches")
	}
	batch := f.batches[f.calls]
	f.calls++
	out := make(chan provider.StreamEvent, len(batch))
	for _, ev := range batch {
		out <- ev
	}
	close(out)
	return out, nil
}

func newOrchestrator(p provider.Provider) (*Orchestrator, eventstore.EventStore) {
	store := eventstore.NewMemoryStore()
	dispatch := provider.NewDispatcher()
	dispatch.Register("", p)
	o := New(Config{
		Store: store,
		Runner: runner.Config{
			Dispatch:  dispatch,
			MaxTokens: 1024,
			MaxTurns:  5,
		},
	})
	return o, store
}

func textDoneBatch(text string) []provider.StreamEvent {
	return []provider.StreamEvent{
		{Kind: provider.EventTextDelta, Text: text},
		{Kind: provider.EventDone, Message: &provider.Message{Text: text}, StopReason: "end_turn"},
	}
}

func TestCreateSessionAppendsRootEvent(t *testing.T) {
	o, store := newOrchestrator(&fakeProvider{name: "fake"})

	active, err := o.CreateSession(context.Background(), CreateOptions{WorkspaceID: "ws-1"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if active.Session.RootEventID == "" {
		t.Fatalf("expected a root event id")
	}

	events, err := store.GetEventsBySession(context.Background(), active.Session.ID)
	if err != nil {
		t.Fatalf("GetEventsBySession: %v", err)
	}
	if len(events) != 1 || events[0].Type != eventstore.TypeSessionCreated {
		t.Fatalf("expected exactly one session.created event, got %+v", events)
	}

	if _, ok := o.Get(active.Session.ID); !ok {
		t.Fatalf("expected session to be active after creation")
	}

	if _, err := o.CreateSession(context.Background(), CreateOptions{}); err != nil {
		t.Fatalf("creating a second, unrelated session should succeed: %v", err)
	}
	if o.ActiveCount() != 2 {
		t.Fatalf("expected 2 active sessions, got %d", o.ActiveCount())
	}
}

func TestRunRoutesToActiveSessionAndEndSessionClosesIt(t *testing.T) {
	o, store := newOrchestrator(&fakeProvider{batches: [][]provider.StreamEvent{textDoneBatch("hello")}})

	active, err := o.CreateSession(context.Background(), CreateOptions{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if err := o.Run(context.Background(), active.Session.ID, runner.RunOptions{Text: "hi"}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var sawAssistant bool
	events, _ := store.GetEventsBySession(context.Background(), active.Session.ID)
	for _, e := range events {
		if e.Type == eventstore.TypeMessageAssistant {
			sawAssistant = true
		}
	}
	if !sawAssistant {
		t.Fatalf("expected a persisted message.assistant event after Run")
	}

	if err := o.EndSession(context.Background(), active.Session.ID); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if _, ok := o.Get(active.Session.ID); ok {
		t.Fatalf("expected session to be dropped from the active set after EndSession")
	}

	events, _ = store.GetEventsBySession(context.Background(), active.Session.ID)
	var sawEnded bool
	for _, e := range events {
		if e.Type == eventstore.TypeSessionEnded {
			sawEnded = true
		}
	}
	if !sawEnded {
		t.Fatalf("expected a session.ended event after EndSession")
	}

	if err := o.Run(context.Background(), active.Session.ID, runner.RunOptions{Text: "hi again"}); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive running a turn on an ended session, got %v", err)
	}
}

func TestResumeRebuildsTrackersFromEventChain(t *testing.T) {
	o, _ := newOrchestrator(&fakeProvider{batches: [][]provider.StreamEvent{textDoneBatch("hello")}})

	active, err := o.CreateSession(context.Background(), CreateOptions{WorkspaceID: "ws-1"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	sessionID := active.Session.ID

	if _, err := active.Persister.AppendAsync(context.Background(), eventstore.TypeSkillAdded, map[string]any{"name": "search"}); err != nil {
		t.Fatalf("append skill.added: %v", err)
	}
	if err := active.Persister.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if err := o.EndSession(context.Background(), sessionID); err != nil {
		t.Fatalf("EndSession: %v", err)
	}

	resumed, err := o.Resume(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if !resumed.Skills.IsActive("search") {
		t.Fatalf("expected 'search' skill to survive resume via reconstruction")
	}

	again, err := o.Resume(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("second Resume: %v", err)
	}
	if again != resumed {
		t.Fatalf("expected Resume on an already-active session to return the same instance")
	}
}

func TestSubscribeReceivesEphemeralEvents(t *testing.T) {
	o, _ := newOrchestrator(&fakeProvider{batches: [][]provider.StreamEvent{textDoneBatch("hello")}})

	active, err := o.CreateSession(context.Background(), CreateOptions{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	ch, cancel := o.Subscribe(active.Session.ID)
	defer cancel()

	if err := o.Run(context.Background(), active.Session.ID, runner.RunOptions{Text: "hi"}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var sawReady bool
	for {
		select {
		case e := <-ch:
			if e.Kind == "agent.ready" {
				sawReady = true
			}
		default:
			goto done
		}
	}
done:
	if !sawReady {
		t.Fatalf("expected at least one agent.ready ephemeral event on the subscriber channel")
	}
}
