package provider

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/agentrt/engine/internal/agent"
	"github.com/agentrt/engine/pkg/models"
)

// Adapter wraps one of the teacher's per-vendor agent.LLMProvider wire
// clients and presents it as a Provider, translating its
// <-chan *agent.CompletionChunk into the tagged StreamEvent vocabulary and
// layering retry/backoff around each attempt.
type Adapter struct {
	Backend agent.LLMProvider
	Retry   RetryPolicy
	IDs     *IDMapper
}

// NewAdapter wraps backend with DefaultRetryPolicy and a fresh IDMapper.
func NewAdapter(backend agent.LLMProvider) *Adapter {
	return &Adapter{Backend: backend, Retry: DefaultRetryPolicy(), IDs: NewIDMapper()}
}

func (a *Adapter) Name() string { return a.Backend.Name() }

func (a *Adapter) Stream(ctx context.Context, opts StreamOptions) (<-chan StreamEvent, error) {
	out := make(chan StreamEvent)
	go func() {
		defer close(out)
		out <- StreamEvent{Kind: EventStart}
		streamWithRetry(ctx, a.Retry, out, func(ctx context.Context) (<-chan StreamEvent, error) {
			return a.attempt(ctx, opts)
		})
	}()
	return out, nil
}

// attempt performs exactly one backend call and translates its chunk stream
// into StreamEvents on a fresh channel, synthesizing the text_start/
// text_end and thinking_start/thinking_end boundary events the teacher's
// flat CompletionChunk stream doesn't carry explicitly.
func (a *Adapter) attempt(ctx context.Context, opts StreamOptions) (<-chan StreamEvent, error) {
	req := toCompletionRequest(opts)
	chunks, err := a.Backend.Complete(ctx, req)
	if err != nil {
		return nil, err
	}

	events := make(chan StreamEvent)
	go func() {
		defer close(events)
		inText, inThinking := false, false
		var toolCalls []ToolCall

		for chunk := range chunks {
			if chunk.Error != nil {
				if inText {
					events <- StreamEvent{Kind: EventTextEnd}
				}
				if inThinking {
					events <- StreamEvent{Kind: EventThinkingEnd}
				}
				events <- StreamEvent{Kind: EventError, Err: chunk.Error}
				return
			}

			if chunk.ThinkingStart || (chunk.Thinking != "" && !inThinking) {
				inThinking = true
				events <- StreamEvent{Kind: EventThinkingStart}
			}
			if chunk.Thinking != "" {
				events <- StreamEvent{Kind: EventThinkingDelta, Text: chunk.Thinking}
			}
			if chunk.ThinkingEnd {
				inThinking = false
				events <- StreamEvent{Kind: EventThinkingEnd}
			}

			if chunk.Text != "" {
				if !inText {
					inText = true
					events <- StreamEvent{Kind: EventTextStart}
				}
				events <- StreamEvent{Kind: EventTextDelta, Text: chunk.Text}
			}

			if chunk.ToolCall != nil {
				tc := a.toolCallFrom(chunk.ToolCall)
				toolCalls = append(toolCalls, tc)
				events <- StreamEvent{Kind: EventToolCallStart, ToolCallID: tc.ID, ToolCallName: tc.Name}
				events <- StreamEvent{Kind: EventToolCallDelta, ToolCallID: tc.ID, ArgsChunk: string(tc.Input)}
				events <- StreamEvent{Kind: EventToolCallEnd, ToolCallID: tc.ID, ToolCall: &tc}
			}

			if chunk.Done {
				if inText {
					inText = false
					events <- StreamEvent{Kind: EventTextEnd}
				}
				if inThinking {
					inThinking = false
					events <- StreamEvent{Kind: EventThinkingEnd}
				}
				events <- StreamEvent{
					Kind: EventDone,
					Message: &Message{
						Text:      chunk.Text,
						ToolCalls: toolCalls,
					},
				}
				return
			}
		}
	}()
	return events, nil
}

func (a *Adapter) toolCallFrom(tc *models.ToolCall) ToolCall {
	id := tc.ID
	if a.IDs != nil {
		id = a.IDs.Normalize(tc.ID)
	}
	return ToolCall{ID: id, Name: tc.Name, Input: []byte(tc.Input)}
}

func toCompletionRequest(opts StreamOptions) *agent.CompletionRequest {
	req := &agent.CompletionRequest{
		Model:                opts.Model,
		System:               opts.System,
		MaxTokens:            opts.MaxTokens,
		EnableThinking:       opts.EnableThinking,
		ThinkingBudgetTokens: opts.ThinkingBudgetTokens,
	}
	for _, m := range opts.Messages {
		cm := agent.CompletionMessage{Role: string(m.Role), Content: m.Content}
		if m.Role == RoleTool {
			cm.ToolResults = []models.ToolResult{{ToolCallID: m.ToolCallID, Content: m.Content}}
		}
		req.Messages = append(req.Messages, cm)
	}
	for _, t := range opts.Tools {
		req.Tools = append(req.Tools, toolAdapter{def: t})
	}
	return req
}

// toolAdapter satisfies agent.Tool for a static ToolDefinition; Execute is
// never called through this path since tool dispatch happens above the
// provider layer, in the turn loop.
type toolAdapter struct {
	def ToolDefinition
}

func (t toolAdapter) Name() string            { return t.def.Name }
func (t toolAdapter) Description() string     { return t.def.Description }
func (t toolAdapter) Schema() json.RawMessage { return json.RawMessage(t.def.InputSchema) }
func (t toolAdapter) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	return nil, errNotExecutable
}

var errNotExecutable = errors.New("provider: tool definitions passed to a provider are not executable here")
