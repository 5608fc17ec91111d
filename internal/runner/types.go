// Package runner implements AgentRunner: the turn loop that ties the event
// store, turn manager, hook engine, subagent tracker, and provider
// abstraction together into the single entry point that drives one turn of
// a conversation, grounded on internal/agent/loop.go's phase structure
// (init, stream, execute tools, continue, complete) re-expressed against
// the session's durable EventPersister and ephemeral TurnManager instead
// of the teacher's direct session-store calls.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/agentrt/engine/internal/hookengine"
	"github.com/agentrt/engine/internal/observability"
	"github.com/agentrt/engine/internal/provider"
	"github.com/agentrt/engine/internal/sessioncontext"
)

// Tool is one executable capability the model may invoke mid-turn.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Execute(ctx context.Context, args json.RawMessage) (content string, isError bool, err error)
}

// ToolRegistry resolves a tool call's name to an executable Tool and lists
// every tool's definition for the provider request.
type ToolRegistry struct {
	tools map[string]Tool
}

// NewToolRegistry builds a registry from the given tools.
func NewToolRegistry(tools ...Tool) *ToolRegistry {
	r := &ToolRegistry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		r.tools[t.Name()] = t
	}
	return r
}

func (r *ToolRegistry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

func (r *ToolRegistry) Definitions() []provider.ToolDefinition {
	defs := make([]provider.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, provider.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.Schema(),
		})
	}
	return defs
}

// Attachment is one piece of non-text content attached to a user message.
type Attachment struct {
	Kind     string // "image" | "document"
	MimeType string
	Data     []byte
	URL      string
}

// RunOptions is the external request driving one call to Run.
type RunOptions struct {
	Text           string
	Attachments    []Attachment
	ReasoningLevel string // empty means "unchanged"
	Model          string
	System         string
	EnableThinking bool
}

// EphemeralEvent is one streaming/lifecycle event the turn loop produces
// for subscribers. It is never appended to the event log itself — only the
// consolidated durable events named in spec section 6 are.
type EphemeralEvent struct {
	SessionID string
	Kind      string
	Payload   map[string]any
	Time      time.Time
}

// EventSink receives ephemeral events as the turn loop produces them. The
// Orchestrator supplies the concrete fan-out implementation; Runner itself
// holds no subscriber state. Grounded on internal/agent/event_sink.go's
// EventSink shape, re-keyed onto this package's own event type.
type EventSink interface {
	Emit(ctx context.Context, e EphemeralEvent)
}

// Config bundles Run's collaborators. All fields are required except
// Logger/Metrics/Tracer/Sink, which default to no-ops when nil.
type Config struct {
	Dispatch   *provider.Dispatcher
	Hooks      *hookengine.Engine
	Tools      *ToolRegistry
	MaxTokens  int
	MaxTurns   int // 0 = unlimited; guards against runaway tool-call loops
	Sink       EventSink
	Logger     *observability.Logger
	Metrics    *observability.Metrics
	Tracer     *observability.Tracer
}

// Runner drives AgentRunner.run against one ActiveSession at a time; it
// holds no per-session state itself, so one Runner may be shared across
// every ActiveSession's Agent field.
type Runner struct {
	cfg Config
}

// New creates a Runner. MaxTurns defaults to 25 when unset.
func New(cfg Config) *Runner {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = 25
	}
	return &Runner{cfg: cfg}
}

// Close satisfies sessioncontext.Agent. Runner holds no per-session
// resources of its own (those live on ActiveSession), so Close is a no-op.
func (r *Runner) Close() error { return nil }

// Errors surfaced by Run's Error termination path (see spec §7's error
// kind vocabulary: ProviderPermanent, Internal, etc. map onto these).
var (
	ErrNoProvider = errors.New("runner: no provider route for requested model")
	ErrMaxTurns   = errors.New("runner: reached maximum turns for this run")
)

// defaultHookTimeout is used when a Config's hook engine itself has no
// default configured; mirrors hookengine.DefaultTimeout.
const defaultHookTimeout = 5 * time.Second
