package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/agentrt/engine/internal/eventpersister"
	"github.com/agentrt/engine/internal/eventstore"
	"github.com/agentrt/engine/internal/hookengine"
	"github.com/agentrt/engine/internal/provider"
	"github.com/agentrt/engine/internal/sessioncontext"
	"github.com/agentrt/engine/internal/turnmanager"
)

// toolExecution is one tool call's outcome within a turn, kept locally so
// the batch of persisted events (tool.call/tool.result) and the next
// provider request's tool-role messages can both be built from it.
type toolExecution struct {
	toolCallID string
	name       string
	args       []byte
	content    string
	isError    bool
}

// Run drives one external request through the full turn loop: pre-flight,
// recording the user message, a reasoning-level delta if requested,
// building run context, then repeatedly streaming the provider and
// executing any tool calls it requests, until the model stops requesting
// tools, the run is cancelled, or MaxTurns is reached.
func (r *Runner) Run(ctx context.Context, active *sessioncontext.ActiveSession, opts RunOptions) error {
	if active == nil {
		return fmt.Errorf("runner: active session is nil")
	}
	if r.cfg.Dispatch == nil {
		return ErrNoProvider
	}

	// Phase 1: pre-flight.
	if err := active.Persister.Flush(ctx); err != nil {
		return r.fail(ctx, active, err)
	}
	if active.IsProcessing() {
		return fmt.Errorf("runner: session %s already has a turn in flight", active.Session.ID)
	}
	active.SetProcessing(true)
	defer active.SetProcessing(false)

	// Phase 2: record the user message.
	userContent := attachmentsToContent(opts.Text, opts.Attachments)
	userEvt, err := active.Persister.AppendAsync(ctx, eventstore.TypeMessageUser, map[string]any{
		"role":    "user",
		"content": userContent,
		"skills":  active.Skills.Active(),
	})
	if err != nil {
		return r.fail(ctx, active, err)
	}
	active.Session.AdvanceHead(userEvt.ID, time.Now())
	active.SetMessageEventID(userEvt.ID)

	// Phase 3: reasoning-level delta.
	if opts.ReasoningLevel != "" && opts.ReasoningLevel != active.ReasoningLevel() {
		prev := active.ReasoningLevel()
		evt, err := active.Persister.AppendAsync(ctx, eventstore.TypeConfigReasoningLevel, map[string]any{
			"previousLevel": prev,
			"newLevel":      opts.ReasoningLevel,
		})
		if err != nil {
			return r.fail(ctx, active, err)
		}
		active.Session.AdvanceHead(evt.ID, time.Now())
		active.SetReasoningLevel(opts.ReasoningLevel)
	}

	// Phase 4: build run context.
	system := buildSystemPrompt(opts.System, active, nil, nil, active.Todos.Items())
	messages := []provider.RequestMessage{{Role: provider.RoleUser, Content: userContent}}

	r.emit(active.Session.ID, "agent.ready", nil)

	// Phase 5/6: drive the agent, executing tool calls between turns.
	idMapper := turnmanager.NewIDMapper("call")
	if active.TurnTracker == nil {
		active.TurnTracker = turnmanager.New(idMapper)
	}

	for turnNumber := 1; r.cfg.MaxTurns == 0 || turnNumber <= r.cfg.MaxTurns; turnNumber++ {
		select {
		case <-ctx.Done():
			return r.interrupt(ctx, active, turnNumber)
		default:
		}

		if err := active.TurnTracker.StartTurn(turnNumber); err != nil {
			return r.fail(ctx, active, err)
		}
		startEvt, err := active.Persister.AppendAsync(ctx, eventstore.TypeStreamTurnStart, map[string]any{"turn_number": turnNumber})
		if err != nil {
			return r.fail(ctx, active, err)
		}
		active.Session.AdvanceHead(startEvt.ID, time.Now())

		toolCalls, streamErr := r.streamTurn(ctx, active, opts, system, messages)
		if streamErr != nil {
			if ctx.Err() != nil {
				return r.interrupt(ctx, active, turnNumber)
			}
			return r.fail(ctx, active, streamErr)
		}

		if len(toolCalls) == 0 {
			result, err := active.TurnTracker.EndTurn()
			if err != nil {
				return r.fail(ctx, active, err)
			}
			evts, err := active.Persister.AppendMultiple(ctx, []eventpersister.EventPayload{
				{Type: eventstore.TypeMessageAssistant, Payload: result.Message},
				{Type: eventstore.TypeStreamTurnEnd, Payload: turnEndPayload(turnNumber, result.Message.Usage)},
			})
			if err != nil {
				return r.fail(ctx, active, err)
			}
			active.Session.AdvanceHead(evts[len(evts)-1].ID, time.Now())
			return r.complete(ctx, active)
		}

		execs, err := r.executeTools(ctx, active, toolCalls)
		if err != nil {
			if ctx.Err() != nil {
				return r.interrupt(ctx, active, turnNumber)
			}
			return r.fail(ctx, active, err)
		}

		result, err := active.TurnTracker.EndTurn()
		if err != nil {
			return r.fail(ctx, active, err)
		}

		batch := make([]eventpersister.EventPayload, 0, 2+2*len(execs))
		batch = append(batch, eventpersister.EventPayload{Type: eventstore.TypeMessageAssistant, Payload: result.Message})
		batch = append(batch, eventpersister.EventPayload{Type: eventstore.TypeStreamTurnEnd, Payload: turnEndPayload(turnNumber, result.Message.Usage)})
		for _, e := range execs {
			batch = append(batch, eventpersister.EventPayload{Type: eventstore.TypeToolCall, Payload: map[string]any{
				"toolCallId": e.toolCallID, "name": e.name, "args": string(e.args),
			}})
			batch = append(batch, eventpersister.EventPayload{Type: eventstore.TypeToolResult, Payload: map[string]any{
				"toolCallId": e.toolCallID, "content": e.content, "isError": e.isError,
			}})
		}
		evts, err := active.Persister.AppendMultiple(ctx, batch)
		if err != nil {
			return r.fail(ctx, active, err)
		}
		if len(evts) > 0 {
			active.Session.AdvanceHead(evts[len(evts)-1].ID, time.Now())
		}

		messages = append(messages, toolResultMessages(execs)...)
	}

	return r.fail(ctx, active, ErrMaxTurns)
}

// streamTurn runs one provider round-trip, feeding every event into the
// turn tracker and the ephemeral subscriber channel, and returns the tool
// calls the model requested before the stream closed.
func (r *Runner) streamTurn(ctx context.Context, active *sessioncontext.ActiveSession, opts RunOptions, system string, messages []provider.RequestMessage) ([]provider.ToolCall, error) {
	streamOpts := provider.StreamOptions{
		Model:          opts.Model,
		System:         system,
		Messages:       messages,
		MaxTokens:      r.cfg.MaxTokens,
		EnableThinking: opts.EnableThinking,
	}
	if r.cfg.Tools != nil {
		streamOpts.Tools = r.cfg.Tools.Definitions()
	}

	events, err := r.cfg.Dispatch.Stream(ctx, streamOpts)
	if err != nil {
		return nil, err
	}

	var toolCalls []provider.ToolCall
	for ev := range events {
		switch ev.Kind {
		case provider.EventTextDelta:
			active.TurnTracker.AddTextDelta(ev.Text)
			r.emit(active.Session.ID, "text_delta", map[string]any{"text": ev.Text})
		case provider.EventThinkingDelta:
			active.TurnTracker.AddThinkingDelta(ev.Text)
			r.emit(active.Session.ID, "thinking_delta", map[string]any{"text": ev.Text})
		case provider.EventThinkingEnd:
			if ev.Signature != "" {
				active.TurnTracker.SetThinkingSignature(ev.Signature)
			}
			r.emit(active.Session.ID, "thinking_end", nil)
		case provider.EventToolCallEnd:
			if ev.ToolCall != nil {
				toolCalls = append(toolCalls, *ev.ToolCall)
				active.TurnTracker.RegisterToolIntents([]turnmanager.ContentBlock{{
					Kind:       turnmanager.BlockToolUse,
					ToolCallID: ev.ToolCall.ID,
					ToolName:   ev.ToolCall.Name,
					ToolArgs:   ev.ToolCall.Input,
				}})
			}
			r.emit(active.Session.ID, "toolcall_end", map[string]any{"tool_call_id": ev.ToolCallID})
		case provider.EventError:
			return nil, ev.Err
		case provider.EventDone:
			// response_complete: usage lands before any requested tools have
			// run, so it must be recorded now rather than deferred to EndTurn.
			if ev.Message != nil {
				active.TurnTracker.SetResponseTokenUsage(turnmanager.TokenUsage{
					InputTokens:         ev.Message.Usage.InputTokens,
					OutputTokens:        ev.Message.Usage.OutputTokens,
					CacheReadTokens:     ev.Message.Usage.CacheReadTokens,
					CacheCreationTokens: ev.Message.Usage.CacheCreationTokens,
				})
			}
			if r.cfg.Metrics != nil {
				r.cfg.Metrics.RecordRunAttempt("success")
			}
		}
	}
	return toolCalls, nil
}

// complete implements the Completion termination path.
func (r *Runner) complete(ctx context.Context, active *sessioncontext.ActiveSession) error {
	if err := active.Persister.Flush(ctx); err != nil {
		r.emit(active.Session.ID, "error.persistence", map[string]any{"error": err.Error()})
	}
	r.emit(active.Session.ID, "turn_complete", nil)
	r.emit(active.Session.ID, "agent.complete", map[string]any{"success": true})
	r.emit(active.Session.ID, "agent.ready", nil)
	return nil
}

// interrupt implements the Interrupt termination path: persist whatever
// the turn accumulated so far, marked interrupted, and surface no error —
// cancellation is not itself a failure.
func (r *Runner) interrupt(ctx context.Context, active *sessioncontext.ActiveSession, turnNumber int) error {
	bgCtx := context.Background()
	blocks, results := active.TurnTracker.BuildInterruptedContent()

	evt, err := active.Persister.AppendAsync(bgCtx, eventstore.TypeMessageAssistant, map[string]any{
		"turn_number": turnNumber,
		"blocks":      blocks,
		"stop_reason": "interrupted",
	})
	if err == nil {
		active.Session.AdvanceHead(evt.ID, time.Now())
	}
	for _, res := range results {
		active.Persister.Append(bgCtx, eventstore.TypeToolResult, map[string]any{
			"toolCallId":  res.ToolCallID,
			"content":     res.Content,
			"isError":     res.IsError,
			"interrupted": true,
		}, nil)
	}
	active.Persister.Flush(bgCtx)

	r.emit(active.Session.ID, "notification.interrupted", nil)
	r.emit(active.Session.ID, "agent.complete", map[string]any{"success": false})
	r.emit(active.Session.ID, "agent.ready", nil)
	return nil
}

// fail implements the Error termination path.
func (r *Runner) fail(ctx context.Context, active *sessioncontext.ActiveSession, cause error) error {
	bgCtx := context.Background()
	if flushErr := active.Persister.Flush(bgCtx); flushErr != nil {
		r.emit(active.Session.ID, "error.persistence", map[string]any{"error": flushErr.Error()})
	}
	_, appendErr := active.Persister.AppendAsync(bgCtx, eventstore.TypeErrorAgent, map[string]any{
		"message":     cause.Error(),
		"recoverable": false,
	})
	if appendErr != nil {
		r.emit(active.Session.ID, "error.persistence", map[string]any{"error": appendErr.Error()})
	}
	r.emit(active.Session.ID, "agent.complete", map[string]any{"success": false, "error": cause.Error()})
	r.emit(active.Session.ID, "agent.ready", nil)
	return cause
}

// turnEndPayload builds the stream.turn_end event body. contextWindowTokens
// approximates the conversation's footprint as input+output for this turn;
// internal/reconstructor reads it back via tokenRecord.computed.contextWindowTokens
// per spec section 4.9's restoration rule.
func turnEndPayload(turnNumber int, usage turnmanager.TokenUsage) map[string]any {
	return map[string]any{
		"turn_number": turnNumber,
		"tokenRecord": map[string]any{
			"computed": map[string]any{
				"contextWindowTokens": usage.InputTokens + usage.OutputTokens,
			},
		},
	}
}

func (r *Runner) emit(sessionID, kind string, payload map[string]any) {
	if r.cfg.Logger != nil {
		r.cfg.Logger.Debug(context.Background(), "runner event", "session_id", sessionID, "kind", kind)
	}
	if r.cfg.Sink != nil {
		r.cfg.Sink.Emit(context.Background(), EphemeralEvent{
			SessionID: sessionID,
			Kind:      kind,
			Payload:   payload,
			Time:      time.Now(),
		})
	}
}

// hookContext builds a hookengine.Context for a tool-use gating point.
func hookContext(typ hookengine.Type, sessionID, toolName, toolCallID string, args []byte) hookengine.Context {
	return hookengine.Context{
		Type:      typ,
		SessionID: sessionID,
		Payload: map[string]any{
			"tool_name":    toolName,
			"tool_call_id": toolCallID,
			"arguments":    string(args),
		},
	}
}
