package provider

import (
	"context"
	"fmt"
	"strings"
)

// Dispatcher routes a StreamOptions request to the adapter whose backend
// can serve its model, selecting by model-id prefix the way the teacher's
// registry of per-vendor providers is keyed by model families rather than
// by an explicit provider field on the request.
type Dispatcher struct {
	routes  []route
	byName  map[string]Provider
}

type route struct {
	prefix   string
	provider Provider
}

// NewDispatcher builds an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{byName: make(map[string]Provider)}
}

// Register binds every model whose id starts with prefix to p. Prefixes are
// matched longest-first, so a more specific prefix (e.g.
// "anthropic.claude-3") wins over a shorter one ("anthropic.") registered
// earlier or later.
func (d *Dispatcher) Register(prefix string, p Provider) {
	d.routes = append(d.routes, route{prefix: prefix, provider: p})
	d.byName[p.Name()] = p
}

// RegisterDefaults wires the conventional model-id families seen across the
// teacher's provider set: Anthropic direct, Bedrock-hosted Anthropic
// models, OpenAI, Azure OpenAI deployments, Google Gemini, and anything
// else falls through to whatever was registered last with prefix "".
func (d *Dispatcher) RegisterDefaults(anthropic, bedrock, openai, azure, google, ollama, openrouter Provider) {
	if anthropic != nil {
		d.Register("claude-", anthropic)
	}
	if bedrock != nil {
		d.Register("anthropic.", bedrock)
		d.Register("amazon.", bedrock)
		d.Register("meta.", bedrock)
		d.Register("mistral.", bedrock)
		d.Register("cohere.", bedrock)
	}
	if openai != nil {
		d.Register("gpt-", openai)
		d.Register("o1-", openai)
		d.Register("o3-", openai)
	}
	if azure != nil {
		d.Register("azure/", azure)
	}
	if google != nil {
		d.Register("gemini-", google)
	}
	if ollama != nil {
		d.Register("ollama/", ollama)
	}
	if openrouter != nil {
		d.Register("openrouter/", openrouter)
	}
}

// ErrNoRoute is returned when no registered prefix matches a model id.
type ErrNoRoute struct{ Model string }

func (e ErrNoRoute) Error() string {
	return fmt.Sprintf("provider: no route registered for model %q", e.Model)
}

// Resolve returns the provider bound to model's longest matching prefix.
func (d *Dispatcher) Resolve(model string) (Provider, error) {
	var best route
	bestLen := -1
	for _, r := range d.routes {
		if strings.HasPrefix(model, r.prefix) && len(r.prefix) > bestLen {
			best = r
			bestLen = len(r.prefix)
		}
	}
	if bestLen < 0 {
		return nil, ErrNoRoute{Model: model}
	}
	return best.provider, nil
}

// ByName returns a previously registered provider by its Name(), regardless
// of model routing — used when a caller pins a specific vendor (e.g. a
// worktree session configured to always use Bedrock for compliance).
func (d *Dispatcher) ByName(name string) (Provider, bool) {
	p, ok := d.byName[name]
	return p, ok
}

// Stream resolves opts.Model to a provider and streams through it.
func (d *Dispatcher) Stream(ctx context.Context, opts StreamOptions) (<-chan StreamEvent, error) {
	p, err := d.Resolve(opts.Model)
	if err != nil {
		return nil, err
	}
	return p.Stream(ctx, opts)
}
