package reconstructor

import (
	"context"
	"testing"

	"github.com/agentrt/engine/internal/eventstore"
)

func TestReconstructEmptyHead(t *testing.T) {
	store := eventstore.NewMemoryStore()
	res, err := Reconstruct(context.Background(), store, "")
	if err != nil {
		t.Fatalf("Reconstruct: %v", err)
	}
	if len(res.Skills.Active()) != 0 || len(res.Rules.Rules()) != 0 || len(res.Todos.Items()) != 0 {
		t.Fatalf("expected empty trackers for a session with no events, got %+v", res)
	}
	if res.ContextTokens != 0 {
		t.Fatalf("expected zero restored context tokens, got %d", res.ContextTokens)
	}
}

func TestReconstructRebuildsSkillsRulesTodos(t *testing.T) {
	store := eventstore.NewMemoryStore()
	ctx := context.Background()
	sessionID := "sess-1"

	root, err := store.Append(ctx, sessionID, "", eventstore.TypeSessionCreated, map[string]any{})
	if err != nil {
		t.Fatalf("append root: %v", err)
	}
	head := root.ID

	appendEvt := func(typ eventstore.Type, payload any) {
		e, err := store.Append(ctx, sessionID, head, typ, payload)
		if err != nil {
			t.Fatalf("append %s: %v", typ, err)
		}
		head = e.ID
	}

	appendEvt(eventstore.TypeSkillAdded, map[string]any{"name": "search"})
	appendEvt(eventstore.TypeSkillAdded, map[string]any{"name": "edit"})
	appendEvt(eventstore.TypeSkillRemoved, map[string]any{"name": "search"})
	appendEvt(eventstore.TypeMemoryLedger, map[string]any{"rules": []string{"always run tests"}})
	appendEvt(eventstore.TypeToolCall, map[string]any{
		"name": "TodoWrite",
		"args": `{"todos":[{"id":"1","text":"write tests","status":"pending"}]}`,
	})
	appendEvt(eventstore.TypeStreamTurnEnd, map[string]any{
		"turn_number": 1,
		"tokenRecord": map[string]any{"computed": map[string]any{"contextWindowTokens": 1200}},
	})

	res, err := Reconstruct(ctx, store, head)
	if err != nil {
		t.Fatalf("Reconstruct: %v", err)
	}

	if res.Skills.IsActive("search") {
		t.Fatalf("expected 'search' to be inactive after removal")
	}
	if !res.Skills.IsActive("edit") {
		t.Fatalf("expected 'edit' to remain active")
	}
	if rules := res.Rules.Rules(); len(rules) != 1 || rules[0] != "always run tests" {
		t.Fatalf("unexpected rules: %v", rules)
	}
	if items := res.Todos.Items(); len(items) != 1 || items[0].Text != "write tests" {
		t.Fatalf("unexpected todos: %v", items)
	}
	if res.ContextTokens != 1200 {
		t.Fatalf("expected restored context tokens 1200, got %d", res.ContextTokens)
	}
}

func TestRestoreContextTokensCompactBoundaryWinsWhenLater(t *testing.T) {
	store := eventstore.NewMemoryStore()
	ctx := context.Background()
	sessionID := "sess-2"

	root, _ := store.Append(ctx, sessionID, "", eventstore.TypeSessionCreated, map[string]any{})
	head := root.ID

	e1, _ := store.Append(ctx, sessionID, head, eventstore.TypeStreamTurnEnd, map[string]any{
		"tokenRecord": map[string]any{"computed": map[string]any{"contextWindowTokens": 500}},
	})
	head = e1.ID

	e2, _ := store.Append(ctx, sessionID, head, eventstore.TypeCompactBoundary, map[string]any{
		"compactedTokens": 50,
	})
	head = e2.ID

	res, err := Reconstruct(ctx, store, head)
	if err != nil {
		t.Fatalf("Reconstruct: %v", err)
	}
	if res.ContextTokens != 50 {
		t.Fatalf("expected legacy compactedTokens fallback (50) since estimatedContextTokens is absent, got %d", res.ContextTokens)
	}
}

func TestRestoreContextTokensPrefersEstimatedOverLegacy(t *testing.T) {
	store := eventstore.NewMemoryStore()
	ctx := context.Background()
	sessionID := "sess-3"

	root, _ := store.Append(ctx, sessionID, "", eventstore.TypeSessionCreated, map[string]any{})
	head := root.ID

	e1, _ := store.Append(ctx, sessionID, head, eventstore.TypeCompactBoundary, map[string]any{
		"estimatedContextTokens": 77,
		"compactedTokens":        50,
	})
	head = e1.ID

	res, err := Reconstruct(ctx, store, head)
	if err != nil {
		t.Fatalf("Reconstruct: %v", err)
	}
	if res.ContextTokens != 77 {
		t.Fatalf("expected estimatedContextTokens (77) to win over legacy compactedTokens, got %d", res.ContextTokens)
	}
}
