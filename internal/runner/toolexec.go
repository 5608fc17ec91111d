package runner

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agentrt/engine/internal/hookengine"
	"github.com/agentrt/engine/internal/provider"
	"github.com/agentrt/engine/internal/sessioncontext"
)

// executeTools runs each requested tool call in turn (spec §5: "tool
// execution for a single turn runs one tool at a time unless a tool-use
// batch explicitly registers multiple intents"), gating each with
// PreToolUse/PostToolUse hooks.
func (r *Runner) executeTools(ctx context.Context, active *sessioncontext.ActiveSession, calls []provider.ToolCall) ([]toolExecution, error) {
	execs := make([]toolExecution, 0, len(calls))
	for _, call := range calls {
		if err := ctx.Err(); err != nil {
			return execs, err
		}

		args := call.Input
		if r.cfg.Hooks != nil {
			hc := hookContext(hookengine.PreToolUse, active.Session.ID, call.Name, call.ID, args)
			res := r.cfg.Hooks.Execute(ctx, hookengine.PreToolUse, hc)
			if res.Action == hookengine.ActionBlock {
				execs = append(execs, toolExecution{
					toolCallID: call.ID, name: call.Name, args: args,
					content: blockReason(res), isError: true,
				})
				if err := active.TurnTracker.StartToolCall(call.ID); err == nil {
					active.TurnTracker.EndToolCall(call.ID, blockReason(res), true)
				}
				continue
			}
			if res.Action == hookengine.ActionModify {
				if rewritten, ok := res.Modifications["arguments"]; ok {
					if s, ok := rewritten.(string); ok {
						args = []byte(s)
					}
				}
			}
		}

		r.emit(active.Session.ID, "tool_execution_start", map[string]any{"tool_call_id": call.ID, "name": call.Name})

		if err := active.TurnTracker.StartToolCall(call.ID); err != nil {
			return execs, err
		}

		content, isError := r.runTool(ctx, call.Name, args)

		if r.cfg.Hooks != nil {
			hc := hookContext(hookengine.PostToolUse, active.Session.ID, call.Name, call.ID, args)
			hc.Payload["result"] = content
			hc.Payload["is_error"] = isError
			r.cfg.Hooks.Execute(ctx, hookengine.PostToolUse, hc)
		}

		if err := active.TurnTracker.EndToolCall(call.ID, content, isError); err != nil {
			return execs, err
		}

		r.emit(active.Session.ID, "tool_execution_end", map[string]any{"tool_call_id": call.ID, "is_error": isError})

		execs = append(execs, toolExecution{
			toolCallID: call.ID, name: call.Name, args: args, content: content, isError: isError,
		})
	}
	return execs, nil
}

func (r *Runner) runTool(ctx context.Context, name string, args json.RawMessage) (content string, isError bool) {
	if r.cfg.Tools == nil {
		return fmt.Sprintf("no tool registry configured for %q", name), true
	}
	tool, ok := r.cfg.Tools.Get(name)
	if !ok {
		return fmt.Sprintf("unknown tool %q", name), true
	}
	out, isErr, err := tool.Execute(ctx, args)
	if err != nil {
		return err.Error(), true
	}
	return out, isErr
}

func blockReason(res hookengine.Result) string {
	if res.Reason != "" {
		return res.Reason
	}
	if res.Message != "" {
		return res.Message
	}
	return "blocked by hook"
}
