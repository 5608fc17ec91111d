// Package reconstructor implements TrackerReconstructor: rebuilding a
// session's in-memory trackers from its event chain on resume, instead of
// carrying that state across a process restart.
//
// Grounded on internal/sessions/migrate.go and internal/sessions/hierarchy.go's
// replay-from-history style, and on the teacher's convention of exposing a
// static FromEvents-shaped constructor per tracker (here,
// sessioncontext.NewSkillTrackerFromEvents and friends) rather than mutating
// a tracker instance in place while walking the chain.
package reconstructor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agentrt/engine/internal/eventstore"
	"github.com/agentrt/engine/internal/sessioncontext"
)

// Result bundles everything rebuilt from a session's ancestor chain: the
// trackers ActiveSession needs, plus the restored context-token count used
// to seed compaction decisions for the next turn.
type Result struct {
	Skills        *sessioncontext.SkillTracker
	Rules         *sessioncontext.RulesTracker
	Todos         *sessioncontext.TodoTracker
	ContextTokens int

	// Ancestors is the full ordered chain that produced this Result, kept so
	// callers that need more (e.g. seeding a subagent tracker with
	// still-pending child sessions) don't have to re-fetch it.
	Ancestors []*eventstore.Event
}

// Reconstruct fetches the ancestor chain for headEventID and feeds it into
// each tracker's static constructor. An empty headEventID (a session with
// no events yet) returns empty trackers and a zero token count without
// touching the store.
func Reconstruct(ctx context.Context, store eventstore.EventStore, headEventID string) (*Result, error) {
	if headEventID == "" {
		return &Result{
			Skills: sessioncontext.NewSkillTracker(),
			Rules:  sessioncontext.NewRulesTracker(),
			Todos:  sessioncontext.NewTodoTracker(),
		}, nil
	}

	events, err := store.GetAncestors(ctx, headEventID)
	if err != nil {
		return nil, fmt.Errorf("reconstructor: get ancestors of %s: %w", headEventID, err)
	}

	return &Result{
		Skills:        sessioncontext.NewSkillTrackerFromEvents(events),
		Rules:         sessioncontext.NewRulesTrackerFromEvents(events),
		Todos:         sessioncontext.NewTodoTrackerFromEvents(events),
		ContextTokens: restoreContextTokens(events),
		Ancestors:     events,
	}, nil
}

type turnEndPayload struct {
	TokenRecord struct {
		Computed struct {
			ContextWindowTokens int `json:"contextWindowTokens"`
		} `json:"computed"`
	} `json:"tokenRecord"`
}

type compactBoundaryPayload struct {
	// EstimatedContextTokens is a pointer so its absence (vs. an explicit
	// zero) can be distinguished — the legacy CompactedTokens fallback only
	// applies when this field was never set, per spec section 9's
	// documented compatibility note.
	EstimatedContextTokens *int `json:"estimatedContextTokens"`
	CompactedTokens        int  `json:"compactedTokens"`
}

// restoreContextTokens scans the full chain for the most recent of
// stream.turn_end (tokenRecord.computed.contextWindowTokens) or
// compact.boundary (estimatedContextTokens, falling back to the legacy
// compactedTokens field when absent). Events are already in ascending
// sequence order, so the later of the two types simply overwrites the
// running value as the scan proceeds — whichever wrote last, wins. This is
// a deliberately preserved compatibility fallback (spec section 9), not a
// design choice to revisit.
func restoreContextTokens(events []*eventstore.Event) int {
	var tokens int
	for _, e := range events {
		switch e.Type {
		case eventstore.TypeStreamTurnEnd:
			var p turnEndPayload
			if err := json.Unmarshal(e.Payload, &p); err == nil {
				tokens = p.TokenRecord.Computed.ContextWindowTokens
			}
		case eventstore.TypeCompactBoundary:
			var p compactBoundaryPayload
			if err := json.Unmarshal(e.Payload, &p); err == nil {
				if p.EstimatedContextTokens != nil {
					tokens = *p.EstimatedContextTokens
				} else {
					tokens = p.CompactedTokens
				}
			}
		}
	}
	return tokens
}
