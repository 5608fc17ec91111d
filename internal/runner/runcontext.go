package runner

import (
	"fmt"
	"strings"

	"github.com/agentrt/engine/internal/provider"
	"github.com/agentrt/engine/internal/sessioncontext"
)

// SubAgentResult is a completed subagent's outcome, surfaced into a run's
// context by whatever assembled RunOptions (the Orchestrator, which holds
// the concrete subagenttracker.Tracker — ActiveSession only sees it through
// the narrower SubAgentWaiter interface).
type SubAgentResult struct {
	SessionID string
	Summary   string
	Failed    bool
}

// buildSystemPrompt assembles the effective system prompt from the request,
// the session's active skills, and its continuity rules, in that order.
// Removed skills get a deterministic marker so a model that saw the skill
// earlier in the conversation learns it no longer applies, instead of
// silently losing context for it.
func buildSystemPrompt(base string, active *sessioncontext.ActiveSession, removedSkills []string, subagents []SubAgentResult, todos []sessioncontext.Todo) string {
	var b strings.Builder
	b.WriteString(base)

	if skills := active.Skills.Active(); len(skills) > 0 {
		b.WriteString("\n\nActive skills: ")
		b.WriteString(strings.Join(skills, ", "))
	}
	for _, name := range removedSkills {
		fmt.Fprintf(&b, "\n\n[skill removed: %s is no longer active]", name)
	}
	if rules := active.Rules.Rules(); len(rules) > 0 {
		b.WriteString("\n\nProject rules:\n")
		for _, r := range rules {
			b.WriteString("- ")
			b.WriteString(r)
			b.WriteString("\n")
		}
	}
	if len(subagents) > 0 {
		b.WriteString("\n\nSubagent results:\n")
		for _, s := range subagents {
			status := "completed"
			if s.Failed {
				status = "failed"
			}
			fmt.Fprintf(&b, "- [%s] %s: %s\n", s.SessionID, status, s.Summary)
		}
	}
	if len(todos) > 0 {
		b.WriteString("\n\nCurrent todos:\n")
		for _, t := range todos {
			fmt.Fprintf(&b, "- [%s] %s\n", t.Status, t.Text)
		}
	}
	return b.String()
}

// attachmentsToContent renders attachments as a trailing content note; the
// provider wire format for multi-modal content is vendor-specific and
// handled inside each agent.LLMProvider adapter, not here — Run only needs
// a flat text representation for the turn's persisted message.user event.
func attachmentsToContent(text string, atts []Attachment) string {
	if len(atts) == 0 {
		return text
	}
	var b strings.Builder
	b.WriteString(text)
	for _, a := range atts {
		fmt.Fprintf(&b, "\n[attachment: %s %s]", a.Kind, a.MimeType)
	}
	return b.String()
}

// toolResultMessages converts a turn's executed tool results into the
// "tool" role messages fed back into the next provider call.
func toolResultMessages(results []toolExecution) []provider.RequestMessage {
	msgs := make([]provider.RequestMessage, 0, len(results))
	for _, r := range results {
		msgs = append(msgs, provider.RequestMessage{
			Role:       provider.RoleTool,
			Content:    r.content,
			ToolCallID: r.toolCallID,
		})
	}
	return msgs
}
