package hookengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
)

// ErrDuplicateName is returned by Register when a hook name is already in use.
var ErrDuplicateName = errors.New("hookengine: hook name already registered")

// DefaultTimeout is used for hooks that don't specify one.
const DefaultTimeout = 5 * time.Second

// EmitFunc publishes a lifecycle event the engine produces around hook
// execution (hook_triggered, hook_completed, hook.background_started,
// hook.background_completed). It is never required; a nil EmitFunc is a
// no-op.
type EmitFunc func(name string, payload map[string]any)

// Engine holds hook registrations and drives blocking/background
// execution for each lifecycle Type.
type Engine struct {
	mu             sync.RWMutex
	regs           map[Type][]*entry
	defaultTimeout time.Duration
	emit           EmitFunc
	log            *slog.Logger

	bgMu      sync.Mutex
	bgPending int
	bgDone    chan struct{} // closed and replaced whenever bgPending returns to 0
}

type entry struct {
	reg   Registration
	order int
}

// New creates an Engine. defaultTimeout is used for registrations that
// don't specify their own; it falls back to DefaultTimeout if zero.
func New(defaultTimeout time.Duration, emit EmitFunc, logger *slog.Logger) *Engine {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		regs:           make(map[Type][]*entry),
		defaultTimeout: defaultTimeout,
		emit:           emit,
		log:            logger.With("component", "hookengine"),
		bgDone:         make(chan struct{}),
	}
	close(e.bgDone) // starts "drained"
	return e
}

// Register adds a hook. Registrations for gating types (PreToolUse,
// UserPromptSubmit, PreCompact) are forced to blocking mode.
func (e *Engine) Register(reg Registration) error {
	if reg.Name == "" {
		return errors.New("hookengine: hook name is required")
	}
	if reg.Mode == "" {
		reg.Mode = Blocking
	}
	if gatingTypes[reg.Type] {
		reg.Mode = Blocking
	}
	if reg.Timeout <= 0 {
		reg.Timeout = e.defaultTimeout
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, list := range e.regs {
		for _, existing := range list {
			if existing.reg.Name == reg.Name {
				return ErrDuplicateName
			}
		}
	}
	order := 0
	for _, list := range e.regs {
		order += len(list)
	}
	e.regs[reg.Type] = append(e.regs[reg.Type], &entry{reg: reg, order: order})
	return nil
}

func (e *Engine) selectHooks(typ Type) (blocking, background []*entry) {
	e.mu.RLock()
	list := append([]*entry(nil), e.regs[typ]...)
	e.mu.RUnlock()

	sort.SliceStable(list, func(i, j int) bool {
		if list[i].reg.Priority != list[j].reg.Priority {
			return list[i].reg.Priority > list[j].reg.Priority
		}
		return list[i].order < list[j].order
	})

	for _, en := range list {
		if en.reg.Mode == Background {
			background = append(background, en)
		} else {
			blocking = append(blocking, en)
		}
	}
	return blocking, background
}

// Execute runs the blocking hooks of typ sequentially, then starts the
// background hooks concurrently. It returns as soon as the blocking set
// finishes (or one of them blocks the step); background hooks continue
// running after Execute returns.
func (e *Engine) Execute(ctx context.Context, typ Type, hc Context) Result {
	return e.execute(ctx, typ, hc, false)
}

// ExecuteWithEvents is like Execute but additionally emits
// hook_triggered/hook_completed for each blocking hook.
func (e *Engine) ExecuteWithEvents(ctx context.Context, typ Type, hc Context) Result {
	return e.execute(ctx, typ, hc, true)
}

func (e *Engine) execute(ctx context.Context, typ Type, hc Context, emitBlockingEvents bool) Result {
	hc.Type = typ
	blocking, background := e.selectHooks(typ)

	merged := Result{Action: ActionContinue, Modifications: map[string]any{}}
	for _, en := range blocking {
		if en.reg.Filter != nil && !en.reg.Filter(hc) {
			continue
		}

		if emitBlockingEvents {
			e.emitEvent("hook_triggered", map[string]any{"name": en.reg.Name, "type": string(typ)})
		}

		res := e.runHandler(ctx, en.reg, hc)

		if res.Err != nil && gatingTypes[typ] {
			res.Action = ActionBlock
			res.Reason = fmt.Sprintf("hook %q errored: %s", en.reg.Name, res.Err)
		}

		if emitBlockingEvents {
			e.emitEvent("hook_completed", map[string]any{"name": en.reg.Name, "type": string(typ), "action": string(res.Action)})
		}

		for k, v := range res.Modifications {
			merged.Modifications[k] = v
		}
		if res.Message != "" {
			merged.Message = res.Message
		}
		if res.Action == ActionBlock {
			merged.Action = ActionBlock
			merged.Reason = res.Reason
			e.startBackground(ctx, background, hc)
			return merged
		}
		if res.Action == ActionModify {
			merged.Action = ActionModify
		}
	}

	e.startBackground(ctx, background, hc)
	return merged
}

func (e *Engine) runHandler(ctx context.Context, reg Registration, hc Context) (res Result) {
	timeout := reg.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	hookCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		res Result
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{res: Result{Action: ActionContinue, Err: fmt.Errorf("hookengine: hook %q panicked: %v", reg.Name, p)}}
			}
		}()
		done <- outcome{res: reg.Handler(hookCtx, hc)}
	}()

	select {
	case o := <-done:
		return o.res
	case <-hookCtx.Done():
		return Result{Action: ActionContinue, Err: fmt.Errorf("hookengine: hook %q timed out after %s", reg.Name, timeout)}
	}
}

func (e *Engine) startBackground(parent context.Context, background []*entry, hc Context) {
	if len(background) == 0 {
		return
	}

	execID := fmt.Sprintf("bg-%d", time.Now().UnixNano())
	names := make([]string, 0, len(background))
	for _, en := range background {
		names = append(names, en.reg.Name)
	}
	e.emitEvent("hook.background_started", map[string]any{"id": execID, "hooks": names})

	e.bgMu.Lock()
	if e.bgPending == 0 {
		e.bgDone = make(chan struct{})
	}
	e.bgPending += len(background)
	e.bgMu.Unlock()

	ctx := detach(parent)

	for _, en := range background {
		en := en
		go func() {
			defer e.finishBackground()

			if en.reg.Filter != nil && !en.reg.Filter(hc) {
				return
			}
			start := time.Now()
			res := e.runHandler(ctx, en.reg, hc)
			resultStr := "ok"
			if res.Err != nil {
				resultStr = "error"
			}
			e.emitEvent("hook.background_completed", map[string]any{
				"id":       execID,
				"hook":     en.reg.Name,
				"result":   resultStr,
				"duration": time.Since(start).String(),
			})
			if res.Err != nil {
				merr := multierror.Append(nil, res.Err)
				e.log.Warn("background hook failed (fail-open)", "hook", en.reg.Name, "error", merr.Errors[0])
			}
		}()
	}
}

func (e *Engine) finishBackground() {
	e.bgMu.Lock()
	e.bgPending--
	if e.bgPending <= 0 {
		e.bgPending = 0
		close(e.bgDone)
	}
	e.bgMu.Unlock()
}

func (e *Engine) emitEvent(name string, payload map[string]any) {
	if e.emit != nil {
		e.emit(name, payload)
	}
}

// GetPendingBackgroundCount returns the number of background hooks still running.
func (e *Engine) GetPendingBackgroundCount() int {
	e.bgMu.Lock()
	defer e.bgMu.Unlock()
	return e.bgPending
}

// WaitForBackgroundHooks blocks until no background hooks are pending or
// timeout elapses, whichever comes first. A zero timeout waits forever.
func (e *Engine) WaitForBackgroundHooks(timeout time.Duration) bool {
	e.bgMu.Lock()
	done := e.bgDone
	e.bgMu.Unlock()

	if timeout <= 0 {
		<-done
		return true
	}
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// detach returns a context that ignores the parent's cancellation but
// still carries its values, so background hooks keep running after the
// triggering request's context is cancelled (fail-open, not abandoned
// mid-flight).
func detach(parent context.Context) context.Context {
	return detachedContext{parent}
}

type detachedContext struct{ parent context.Context }

func (d detachedContext) Deadline() (time.Time, bool)  { return time.Time{}, false }
func (d detachedContext) Done() <-chan struct{}        { return nil }
func (d detachedContext) Err() error                    { return nil }
func (d detachedContext) Value(key any) any             { return d.parent.Value(key) }
