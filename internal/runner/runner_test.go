package runner

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/agentrt/engine/internal/eventpersister"
	"github.com/agentrt/engine/internal/eventstore"
	"github.com/agentrt/engine/internal/hookengine"
	"github.com/agentrt/engine/internal/provider"
	"github.com/agentrt/engine/internal/sessioncontext"
	"github.com/agentrt/engine/internal/turnmanager"
)

// fakeProvider streams a fixed sequence of StreamEvent batches, one batch
// per call to Stream, so a test can script a multi-turn tool-call
// exchange without a real vendor backend.
type fakeProvider struct {
	name    string
	batches [][]provider.StreamEvent
	calls   int
	// afterCall, if set, runs once the given batch (0-indexed) has been
	// handed back — used to cancel the run's context between turns so a
	// test can exercise the interrupt path deterministically instead of
	// racing the pre-flight Flush.
	afterCall map[int]func()
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Stream(ctx context.Context, opts provider.StreamOptions) (<-chan provider.StreamEvent, error) {
	if f.calls >= len(f.batches) {
		return nil, errors.New("fakeProvider: no more scripted batches")
	}
	idx := f.calls
	batch := f.batches[idx]
	f.calls++
	out := make(chan provider.StreamEvent, len(batch))
	for _, ev := range batch {
		out <- ev
	}
	close(out)
	if fn, ok := f.afterCall[idx]; ok {
		fn()
	}
	return out, nil
}

func newActiveSession(t *testing.T, sessionID string) (*sessioncontext.ActiveSession, eventstore.EventStore) {
	t.Helper()
	store := eventstore.NewMemoryStore()
	persister := eventpersister.New(store, sessionID, "", nil)
	tracker := turnmanager.New(turnmanager.NewIDMapper("call"))
	session := &sessioncontext.Session{ID: sessionID}
	return sessioncontext.New(session, persister, tracker), store
}

func textDoneBatch(text string) []provider.StreamEvent {
	return []provider.StreamEvent{
		{Kind: provider.EventTextDelta, Text: text},
		{Kind: provider.EventDone, Message: &provider.Message{Text: text}, StopReason: "end_turn"},
	}
}

func toolCallBatch(id, name string, args json.RawMessage) []provider.StreamEvent {
	return []provider.StreamEvent{
		{Kind: provider.EventTextDelta, Text: "let me check"},
		{
			Kind:       provider.EventToolCallEnd,
			ToolCallID: id,
			ToolCall:   &provider.ToolCall{ID: id, Name: name, Input: args},
		},
	}
}

// echoTool returns its arguments back as the tool result content.
type echoTool struct{}

func (echoTool) Name() string                 { return "echo" }
func (echoTool) Description() string          { return "echoes its input" }
func (echoTool) Schema() json.RawMessage      { return json.RawMessage(`{"type":"object"}`) }
func (echoTool) Execute(_ context.Context, args json.RawMessage) (string, bool, error) {
	return string(args), false, nil
}

func newRunner(p provider.Provider, hooks *hookengine.Engine) *Runner {
	return New(Config{
		Dispatch:  newDispatchFromProvider(p),
		Hooks:     hooks,
		Tools:     NewToolRegistry(echoTool{}),
		MaxTokens: 1024,
		MaxTurns:  5,
	})
}

func newDispatchFromProvider(p provider.Provider) *provider.Dispatcher {
	d := provider.NewDispatcher()
	d.Register("", p)
	return d
}

func TestRunCompletesWithoutToolCalls(t *testing.T) {
	p := &fakeProvider{name: "fake", batches: [][]provider.StreamEvent{textDoneBatch("hello there")}}
	r := newRunner(p, nil)
	active, store := newActiveSession(t, "sess-1")

	err := r.Run(context.Background(), active, RunOptions{Text: "hi"})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if active.IsProcessing() {
		t.Fatalf("session left marked processing after completion")
	}

	events, err := store.GetEventsBySession(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("GetEventsBySession: %v", err)
	}
	var sawUser, sawAssistant bool
	for _, e := range events {
		switch e.Type {
		case eventstore.TypeMessageUser:
			sawUser = true
		case eventstore.TypeMessageAssistant:
			sawAssistant = true
		}
	}
	if !sawUser || !sawAssistant {
		t.Fatalf("expected message.user and message.assistant events, got %d events", len(events))
	}
}

func TestRunExecutesToolCallThenCompletes(t *testing.T) {
	p := &fakeProvider{name: "fake", batches: [][]provider.StreamEvent{
		toolCallBatch("native-1", "echo", json.RawMessage(`{"x":1}`)),
		textDoneBatch("done"),
	}}
	r := newRunner(p, nil)
	active, store := newActiveSession(t, "sess-2")

	if err := r.Run(context.Background(), active, RunOptions{Text: "run the tool"}); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	events, _ := store.GetEventsBySession(context.Background(), "sess-2")
	var sawCall, sawResult bool
	for _, e := range events {
		if e.Type == eventstore.TypeToolCall {
			sawCall = true
		}
		if e.Type == eventstore.TypeToolResult {
			sawResult = true
		}
	}
	if !sawCall || !sawResult {
		t.Fatalf("expected tool.call and tool.result events among %d events", len(events))
	}
}

func TestRunBlocksToolCallViaPreToolUseHook(t *testing.T) {
	p := &fakeProvider{name: "fake", batches: [][]provider.StreamEvent{
		toolCallBatch("native-1", "echo", json.RawMessage(`{}`)),
		textDoneBatch("acknowledged"),
	}}
	hooks := hookengine.New(hookengine.DefaultTimeout, nil, nil)
	if err := hooks.Register(hookengine.Registration{
		Name: "block-echo",
		Type: hookengine.PreToolUse,
		Handler: func(_ context.Context, hc hookengine.Context) hookengine.Result {
			if hc.Payload["tool_name"] == "echo" {
				return hookengine.Result{Action: hookengine.ActionBlock, Reason: "echo is disabled"}
			}
			return hookengine.Result{Action: hookengine.ActionContinue}
		},
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	r := newRunner(p, hooks)
	active, store := newActiveSession(t, "sess-3")

	if err := r.Run(context.Background(), active, RunOptions{Text: "run the tool"}); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	events, _ := store.GetEventsBySession(context.Background(), "sess-3")
	var found bool
	for _, e := range events {
		if e.Type == eventstore.TypeToolResult {
			var payload map[string]any
			if err := json.Unmarshal(e.Payload, &payload); err != nil {
				continue
			}
			if content, _ := payload["content"].(string); content == "echo is disabled" {
				found = true
			}
		}
	}
	if !found {
		t.Fatalf("expected a blocked tool.result carrying the hook's reason")
	}
}

func TestRunModifiesToolArgsViaPreToolUseHook(t *testing.T) {
	p := &fakeProvider{name: "fake", batches: [][]provider.StreamEvent{
		toolCallBatch("native-1", "echo", json.RawMessage(`{"x":1}`)),
		textDoneBatch("done"),
	}}
	hooks := hookengine.New(hookengine.DefaultTimeout, nil, nil)
	if err := hooks.Register(hookengine.Registration{
		Name: "rewrite-args",
		Type: hookengine.PreToolUse,
		Handler: func(_ context.Context, hc hookengine.Context) hookengine.Result {
			return hookengine.Result{
				Action:        hookengine.ActionModify,
				Modifications: map[string]any{"arguments": `{"x":2}`},
			}
		},
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	r := newRunner(p, hooks)
	active, store := newActiveSession(t, "sess-4")

	if err := r.Run(context.Background(), active, RunOptions{Text: "run the tool"}); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	events, _ := store.GetEventsBySession(context.Background(), "sess-4")
	var sawRewritten bool
	for _, e := range events {
		if e.Type == eventstore.TypeToolCall {
			var payload map[string]any
			if err := json.Unmarshal(e.Payload, &payload); err != nil {
				continue
			}
			if args, _ := payload["args"].(string); args == `{"x":2}` {
				sawRewritten = true
			}
		}
	}
	if !sawRewritten {
		t.Fatalf("expected the hook-modified arguments to reach the persisted tool.call event")
	}
}

func TestRunInterruptsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &fakeProvider{
		name:    "fake",
		batches: [][]provider.StreamEvent{toolCallBatch("native-1", "echo", json.RawMessage(`{}`)), textDoneBatch("irrelevant")},
		afterCall: map[int]func(){
			0: cancel, // cancel once the first turn's tool call has been served
		},
	}
	r := newRunner(p, nil)
	active, store := newActiveSession(t, "sess-5")

	if err := r.Run(ctx, active, RunOptions{Text: "hi"}); err != nil {
		t.Fatalf("Run returned error on interrupt path: %v", err)
	}

	events, _ := store.GetEventsBySession(context.Background(), "sess-5")
	var sawInterrupted bool
	for _, e := range events {
		if e.Type == eventstore.TypeMessageAssistant {
			var payload map[string]any
			if err := json.Unmarshal(e.Payload, &payload); err == nil {
				if reason, _ := payload["stop_reason"].(string); reason == "interrupted" {
					sawInterrupted = true
				}
			}
		}
	}
	if !sawInterrupted {
		t.Fatalf("expected an interrupted message.assistant event")
	}
}

func TestRunFailsOnProviderError(t *testing.T) {
	p := &fakeProvider{name: "fake", batches: [][]provider.StreamEvent{
		{{Kind: provider.EventError, Err: errors.New("provider exploded")}},
	}}
	r := newRunner(p, nil)
	active, store := newActiveSession(t, "sess-6")

	err := r.Run(context.Background(), active, RunOptions{Text: "hi"})
	if err == nil {
		t.Fatalf("expected Run to return the provider error")
	}

	events, _ := store.GetEventsBySession(context.Background(), "sess-6")
	var sawError bool
	for _, e := range events {
		if e.Type == eventstore.TypeErrorAgent {
			sawError = true
		}
	}
	if !sawError {
		t.Fatalf("expected an error.agent event on the failure path")
	}
}

func TestRunStopsAtMaxTurns(t *testing.T) {
	batch := toolCallBatch("native-loop", "echo", json.RawMessage(`{}`))
	p := &fakeProvider{name: "fake", batches: [][]provider.StreamEvent{batch, batch, batch}}
	r := New(Config{
		Dispatch:  newDispatchFromProvider(p),
		Tools:     NewToolRegistry(echoTool{}),
		MaxTokens: 1024,
		MaxTurns:  2,
	})
	active, _ := newActiveSession(t, "sess-7")

	err := r.Run(context.Background(), active, RunOptions{Text: "loop forever"})
	if !errors.Is(err, ErrMaxTurns) {
		t.Fatalf("expected ErrMaxTurns, got %v", err)
	}
}

func TestRunRejectsConcurrentTurn(t *testing.T) {
	p := &fakeProvider{name: "fake", batches: [][]provider.StreamEvent{textDoneBatch("ok")}}
	r := newRunner(p, nil)
	active, _ := newActiveSession(t, "sess-8")
	active.SetProcessing(true)

	err := r.Run(context.Background(), active, RunOptions{Text: "hi"})
	if err == nil {
		t.Fatalf("expected an error when a turn is already in flight")
	}
}
