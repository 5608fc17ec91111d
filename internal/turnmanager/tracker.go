package turnmanager

import (
	"errors"
	"fmt"
	"sync"
)

// Errors returned by Tracker methods when called out of turn.
var (
	ErrTurnAlreadyStarted = errors.New("turnmanager: a turn is already in progress")
	ErrNoTurnInProgress   = errors.New("turnmanager: no turn in progress")
	ErrUnknownToolCall    = errors.New("turnmanager: unknown tool call id")
)

// Tracker accumulates exactly one turn's streamed content at a time. It is
// not safe to share across sessions; one Tracker belongs to one
// SessionContext.
type Tracker struct {
	mu sync.Mutex

	state      State
	turnNumber int
	blocks     []ContentBlock
	toolIndex  map[string]int // normalized tool-call id -> index into blocks
	results    map[string]ToolResult
	usage      TokenUsage

	idMapper *IDMapper

	openText     bool // currently-open text block accepts further deltas
	openThinking bool
}

// New creates a Tracker. idMapper may be shared across turns within a
// session so normalized tool-call ids stay stable across turn boundaries.
func New(idMapper *IDMapper) *Tracker {
	if idMapper == nil {
		idMapper = NewIDMapper("call")
	}
	return &Tracker{
		state:    StateIdle,
		idMapper: idMapper,
	}
}

// StartTurn resets accumulation state for turn number n.
func (t *Tracker) StartTurn(n int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateTurnStarted || t.state == StateCollecting {
		return ErrTurnAlreadyStarted
	}
	t.state = StateTurnStarted
	t.turnNumber = n
	t.blocks = nil
	t.toolIndex = make(map[string]int)
	t.results = make(map[string]ToolResult)
	t.usage = TokenUsage{}
	t.openText = false
	t.openThinking = false
	return nil
}

func (t *Tracker) requireActive() error {
	if t.state != StateTurnStarted && t.state != StateCollecting {
		return ErrNoTurnInProgress
	}
	return nil
}

// AddTextDelta appends streamed text to the currently-open text block,
// opening a new one if the previous block was not text (e.g. thinking just
// ended, or a tool call intervened).
func (t *Tracker) AddTextDelta(delta string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireActive(); err != nil {
		return err
	}
	t.state = StateCollecting

	if !t.openText {
		t.blocks = append(t.blocks, ContentBlock{Kind: BlockText})
		t.openText = true
		t.openThinking = false
	}
	t.blocks[len(t.blocks)-1].Text += delta
	return nil
}

// AddThinkingDelta appends streamed reasoning text to the currently-open
// thinking block, opening a new one if needed.
func (t *Tracker) AddThinkingDelta(delta string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireActive(); err != nil {
		return err
	}
	t.state = StateCollecting

	if !t.openThinking {
		t.blocks = append(t.blocks, ContentBlock{Kind: BlockThinking})
		t.openThinking = true
		t.openText = false
	}
	t.blocks[len(t.blocks)-1].Thinking += delta
	return nil
}

// SetThinkingSignature attaches a provider signature to the most recently
// opened thinking block. Thinking blocks without a signature are
// display-only and are dropped before persistence and before re-sending to
// the provider.
func (t *Tracker) SetThinkingSignature(sig string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireActive(); err != nil {
		return err
	}
	for i := len(t.blocks) - 1; i >= 0; i-- {
		if t.blocks[i].Kind == BlockThinking {
			t.blocks[i].ThinkingSignature = sig
			return nil
		}
	}
	return fmt.Errorf("turnmanager: no thinking block to attach signature to")
}

// RegisterToolIntents declares tool calls before any of them start
// executing — the LLM may emit several tool_use blocks in one response
// before the loop begins running any of them.
func (t *Tracker) RegisterToolIntents(intents []ContentBlock) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireActive(); err != nil {
		return err
	}
	t.state = StateCollecting
	t.openText = false
	t.openThinking = false

	for _, intent := range intents {
		normID := t.idMapper.Normalize(intent.ToolCallID)
		block := ContentBlock{
			Kind:       BlockToolUse,
			ToolCallID: normID,
			ToolName:   intent.ToolName,
			ToolArgs:   intent.ToolArgs,
		}
		t.blocks = append(t.blocks, block)
		t.toolIndex[normID] = len(t.blocks) - 1
	}
	return nil
}

// StartToolCall marks a previously registered tool intent as executing.
// toolCallID may be the native provider id or an already-normalized one;
// both resolve to the same block.
func (t *Tracker) StartToolCall(toolCallID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireActive(); err != nil {
		return err
	}
	_, err := t.resolveToolIndex(toolCallID)
	return err
}

// EndToolCall records a tool's result against its call.
func (t *Tracker) EndToolCall(toolCallID string, result string, isError bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireActive(); err != nil {
		return err
	}
	idx, err := t.resolveToolIndex(toolCallID)
	if err != nil {
		return err
	}
	norm := t.blocks[idx].ToolCallID
	t.blocks[idx].ToolDone = true
	t.results[norm] = ToolResult{ToolCallID: norm, Content: result, IsError: isError}
	return nil
}

func (t *Tracker) resolveToolIndex(toolCallID string) (int, error) {
	if idx, ok := t.toolIndex[toolCallID]; ok {
		return idx, nil
	}
	norm := t.idMapper.Normalize(toolCallID)
	if idx, ok := t.toolIndex[norm]; ok {
		return idx, nil
	}
	return 0, ErrUnknownToolCall
}

// SetResponseTokenUsage records usage reported on response_complete, ahead
// of tool execution finishing.
func (t *Tracker) SetResponseTokenUsage(usage TokenUsage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.usage = usage
}

// GetAccumulatedContent returns a snapshot of the turn's content so far,
// suitable for a client joining mid-turn: accumulated text plus
// in-progress tool calls.
func (t *Tracker) GetAccumulatedContent() []ContentBlock {
	t.mu.Lock()
	defer t.mu.Unlock()
	return cloneBlocks(t.blocks)
}

// BuildInterruptedContent returns the content blocks that must be persisted
// if the turn is aborted: assistant blocks seen so far plus tool results
// already received, scoped to the current turn only (cross-turn blocks
// would duplicate on resume).
func (t *Tracker) BuildInterruptedContent() ([]ContentBlock, []ToolResult) {
	t.mu.Lock()
	defer t.mu.Unlock()

	blocks := cloneBlocks(t.blocks)
	results := make([]ToolResult, 0, len(t.results))
	for _, block := range blocks {
		if block.Kind != BlockToolUse {
			continue
		}
		if r, ok := t.results[block.ToolCallID]; ok {
			results = append(results, r)
		}
	}
	return blocks, results
}

// EndTurn finalizes the turn, assembling the consolidated assistant message.
// Signatureless thinking blocks — display-only — are dropped here; they
// never reach persistence or get re-sent to the provider.
func (t *Tracker) EndTurn() (EndTurnResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireActive(); err != nil {
		return EndTurnResult{}, err
	}

	persisted := make([]ContentBlock, 0, len(t.blocks))
	var toolCalls []ContentBlock
	for _, block := range t.blocks {
		if block.Kind == BlockThinking && block.ThinkingSignature == "" {
			continue
		}
		persisted = append(persisted, block)
		if block.Kind == BlockToolUse {
			toolCalls = append(toolCalls, block)
		}
	}

	result := EndTurnResult{
		Message: AssistantMessage{
			TurnNumber: t.turnNumber,
			Blocks:     persisted,
			Usage:      t.usage,
		},
		ToolCalls: toolCalls,
	}

	t.state = StateTurnEnded
	return result, nil
}

// State reports the tracker's current lifecycle phase.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func cloneBlocks(in []ContentBlock) []ContentBlock {
	out := make([]ContentBlock, len(in))
	copy(out, in)
	return out
}
