package sessioncontext

import (
	"encoding/json"
	"sync"

	"github.com/agentrt/engine/internal/eventstore"
)

// SkillTracker records which skills are currently active for a session.
// Activation/deactivation is driven by skill.added/skill.removed events;
// the tracker itself is a plain set guarded for concurrent reads from the
// turn loop and writes from out-of-band skill management.
type SkillTracker struct {
	mu     sync.RWMutex
	active map[string]struct{}
}

// NewSkillTracker creates an empty tracker.
func NewSkillTracker() *SkillTracker {
	return &SkillTracker{active: make(map[string]struct{})}
}

func (t *SkillTracker) Add(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active[name] = struct{}{}
}

func (t *SkillTracker) Remove(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.active, name)
}

func (t *SkillTracker) Active() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.active))
	for name := range t.active {
		out = append(out, name)
	}
	return out
}

func (t *SkillTracker) IsActive(name string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.active[name]
	return ok
}

type skillEventPayload struct {
	Name string `json:"name"`
}

// NewSkillTrackerFromEvents replays skill.added/skill.removed events in
// sequence order to rebuild the active set on resume. Used by
// internal/reconstructor; events must already be the ancestor chain for a
// session's current head, not an arbitrary set.
func NewSkillTrackerFromEvents(events []*eventstore.Event) *SkillTracker {
	t := NewSkillTracker()
	for _, e := range events {
		var p skillEventPayload
		switch e.Type {
		case eventstore.TypeSkillAdded:
			if err := json.Unmarshal(e.Payload, &p); err == nil && p.Name != "" {
				t.Add(p.Name)
			}
		case eventstore.TypeSkillRemoved:
			if err := json.Unmarshal(e.Payload, &p); err == nil && p.Name != "" {
				t.Remove(p.Name)
			}
		}
	}
	return t
}

// RulesTracker holds the project-continuity rule set currently in effect,
// as assembled from memory.ledger events and explicit rule edits.
type RulesTracker struct {
	mu    sync.RWMutex
	rules []string
}

// NewRulesTracker creates an empty tracker.
func NewRulesTracker() *RulesTracker {
	return &RulesTracker{}
}

func (t *RulesTracker) Set(rules []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rules = append([]string(nil), rules...)
}

func (t *RulesTracker) Rules() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]string(nil), t.rules...)
}

type memoryLedgerPayload struct {
	Rules []string `json:"rules"`
}

// NewRulesTrackerFromEvents replays memory.ledger events, keeping only the
// most recent one's rule set (the ledger is emitted wholesale, not as a
// delta, matching TodoTracker.Replace's replace-not-append semantics).
func NewRulesTrackerFromEvents(events []*eventstore.Event) *RulesTracker {
	t := NewRulesTracker()
	for _, e := range events {
		if e.Type != eventstore.TypeMemoryLedger {
			continue
		}
		var p memoryLedgerPayload
		if err := json.Unmarshal(e.Payload, &p); err == nil {
			t.Set(p.Rules)
		}
	}
	return t
}

// TodoStatus is the lifecycle state of one todo item.
type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoCompleted  TodoStatus = "completed"
)

// Todo is one tracked unit of work the agent committed to.
type Todo struct {
	ID     string     `json:"id"`
	Text   string     `json:"text"`
	Status TodoStatus `json:"status"`
}

// TodoTracker maintains the session's current todo list, replacing it
// wholesale on each update (the agent emits the full list, not deltas).
type TodoTracker struct {
	mu    sync.RWMutex
	items []Todo
}

// NewTodoTracker creates an empty tracker.
func NewTodoTracker() *TodoTracker {
	return &TodoTracker{}
}

func (t *TodoTracker) Replace(items []Todo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.items = append([]Todo(nil), items...)
}

func (t *TodoTracker) Items() []Todo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Todo(nil), t.items...)
}

func (t *TodoTracker) Pending() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, item := range t.items {
		if item.Status != TodoCompleted {
			n++
		}
	}
	return n
}

// todoWriteToolName is the conventional tool name whose arguments carry the
// session's full todo list. There is no dedicated persisted event type for
// todos (spec section 6's vocabulary has none); the list instead travels as
// a tool.call argument, the same way every other tool invocation does.
const todoWriteToolName = "TodoWrite"

type toolCallPayload struct {
	Name string `json:"name"`
	Args string `json:"args"`
}

type todoWriteArgs struct {
	Todos []Todo `json:"todos"`
}

// NewTodoTrackerFromEvents replays tool.call events for the todo-list tool,
// keeping only the most recent call's list (each call supplies the full
// list, not a delta).
func NewTodoTrackerFromEvents(events []*eventstore.Event) *TodoTracker {
	t := NewTodoTracker()
	for _, e := range events {
		if e.Type != eventstore.TypeToolCall {
			continue
		}
		var call toolCallPayload
		if err := json.Unmarshal(e.Payload, &call); err != nil || call.Name != todoWriteToolName {
			continue
		}
		var args todoWriteArgs
		if err := json.Unmarshal([]byte(call.Args), &args); err == nil {
			t.Replace(args.Todos)
		}
	}
	return t
}
