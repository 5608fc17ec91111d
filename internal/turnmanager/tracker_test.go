package turnmanager

import "testing"

func TestTrackerTextAndThinkingAccumulation(t *testing.T) {
	tr := New(nil)
	if err := tr.StartTurn(1); err != nil {
		t.Fatalf("StartTurn: %v", err)
	}

	if err := tr.AddThinkingDelta("let me "); err != nil {
		t.Fatalf("AddThinkingDelta: %v", err)
	}
	if err := tr.AddThinkingDelta("think"); err != nil {
		t.Fatalf("AddThinkingDelta: %v", err)
	}
	if err := tr.SetThinkingSignature("sig-123"); err != nil {
		t.Fatalf("SetThinkingSignature: %v", err)
	}

	if err := tr.AddTextDelta("Hello, "); err != nil {
		t.Fatalf("AddTextDelta: %v", err)
	}
	if err := tr.AddTextDelta("world"); err != nil {
		t.Fatalf("AddTextDelta: %v", err)
	}

	content := tr.GetAccumulatedContent()
	if len(content) != 2 {
		t.Fatalf("expected 2 blocks, got %d: %+v", len(content), content)
	}
	if content[0].Kind != BlockThinking || content[0].Thinking != "let me think" {
		t.Fatalf("unexpected thinking block: %+v", content[0])
	}
	if content[1].Kind != BlockText || content[1].Text != "Hello, world" {
		t.Fatalf("unexpected text block: %+v", content[1])
	}

	result, err := tr.EndTurn()
	if err != nil {
		t.Fatalf("EndTurn: %v", err)
	}
	if len(result.Message.Blocks) != 2 {
		t.Fatalf("expected signed thinking block to survive EndTurn, got %d blocks", len(result.Message.Blocks))
	}
}

func TestTrackerDropsSignaturelessThinking(t *testing.T) {
	tr := New(nil)
	if err := tr.StartTurn(1); err != nil {
		t.Fatalf("StartTurn: %v", err)
	}
	if err := tr.AddThinkingDelta("unsigned reasoning"); err != nil {
		t.Fatalf("AddThinkingDelta: %v", err)
	}
	if err := tr.AddTextDelta("final answer"); err != nil {
		t.Fatalf("AddTextDelta: %v", err)
	}

	result, err := tr.EndTurn()
	if err != nil {
		t.Fatalf("EndTurn: %v", err)
	}
	if len(result.Message.Blocks) != 1 {
		t.Fatalf("expected signatureless thinking to be dropped, got %+v", result.Message.Blocks)
	}
	if result.Message.Blocks[0].Kind != BlockText {
		t.Fatalf("expected remaining block to be text, got %+v", result.Message.Blocks[0])
	}
}

func TestTrackerToolCallLifecycle(t *testing.T) {
	tr := New(nil)
	if err := tr.StartTurn(1); err != nil {
		t.Fatalf("StartTurn: %v", err)
	}

	if err := tr.RegisterToolIntents([]ContentBlock{
		{ToolCallID: "toolu_native_1", ToolName: "search"},
		{ToolCallID: "toolu_native_2", ToolName: "calc"},
	}); err != nil {
		t.Fatalf("RegisterToolIntents: %v", err)
	}

	if err := tr.StartToolCall("toolu_native_1"); err != nil {
		t.Fatalf("StartToolCall: %v", err)
	}
	if err := tr.EndToolCall("toolu_native_1", "found it", false); err != nil {
		t.Fatalf("EndToolCall: %v", err)
	}
	if err := tr.EndToolCall("toolu_native_2", "boom", true); err != nil {
		t.Fatalf("EndToolCall: %v", err)
	}

	result, err := tr.EndTurn()
	if err != nil {
		t.Fatalf("EndTurn: %v", err)
	}
	if len(result.ToolCalls) != 2 {
		t.Fatalf("expected 2 tool calls, got %d", len(result.ToolCalls))
	}
	for _, tc := range result.ToolCalls {
		if tc.ToolCallID == "toolu_native_1" || tc.ToolCallID == "toolu_native_2" {
			t.Fatalf("expected normalized tool-call id, got native id %s", tc.ToolCallID)
		}
		if !tc.ToolDone {
			t.Fatalf("expected tool call to be marked done: %+v", tc)
		}
	}
}

func TestTrackerUnknownToolCall(t *testing.T) {
	tr := New(nil)
	if err := tr.StartTurn(1); err != nil {
		t.Fatalf("StartTurn: %v", err)
	}
	if err := tr.StartToolCall("never-registered"); err != ErrUnknownToolCall {
		t.Fatalf("expected ErrUnknownToolCall, got %v", err)
	}
}

func TestTrackerBuildInterruptedContentScopesToCurrentTurn(t *testing.T) {
	tr := New(nil)
	if err := tr.StartTurn(1); err != nil {
		t.Fatalf("StartTurn: %v", err)
	}
	if err := tr.AddTextDelta("partial"); err != nil {
		t.Fatalf("AddTextDelta: %v", err)
	}
	if err := tr.RegisterToolIntents([]ContentBlock{{ToolCallID: "native-1", ToolName: "search"}}); err != nil {
		t.Fatalf("RegisterToolIntents: %v", err)
	}
	if err := tr.EndToolCall("native-1", "partial result", false); err != nil {
		t.Fatalf("EndToolCall: %v", err)
	}

	blocks, results := tr.BuildInterruptedContent()
	if len(blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(blocks))
	}
	if len(results) != 1 || results[0].Content != "partial result" {
		t.Fatalf("unexpected results: %+v", results)
	}

	if _, err := tr.EndTurn(); err != nil {
		t.Fatalf("EndTurn: %v", err)
	}
	if err := tr.StartTurn(2); err != nil {
		t.Fatalf("StartTurn(2): %v", err)
	}
	blocks, results = tr.BuildInterruptedContent()
	if len(blocks) != 0 || len(results) != 0 {
		t.Fatalf("expected empty interrupted content for fresh turn, got blocks=%+v results=%+v", blocks, results)
	}
}

func TestTrackerStartTurnRejectsReentry(t *testing.T) {
	tr := New(nil)
	if err := tr.StartTurn(1); err != nil {
		t.Fatalf("StartTurn: %v", err)
	}
	if err := tr.StartTurn(2); err != ErrTurnAlreadyStarted {
		t.Fatalf("expected ErrTurnAlreadyStarted, got %v", err)
	}
}

func TestTrackerRequiresActiveTurn(t *testing.T) {
	tr := New(nil)
	if err := tr.AddTextDelta("x"); err != ErrNoTurnInProgress {
		t.Fatalf("expected ErrNoTurnInProgress, got %v", err)
	}
}

func TestIDMapperStableAcrossNormalizeCalls(t *testing.T) {
	m := NewIDMapper("call")
	id1 := m.Normalize("native-a")
	id2 := m.Normalize("native-a")
	if id1 != id2 {
		t.Fatalf("expected stable normalization, got %s and %s", id1, id2)
	}
	id3 := m.Normalize("native-b")
	if id3 == id1 {
		t.Fatalf("expected distinct ids for distinct natives")
	}
	native, ok := m.Native(id1)
	if !ok || native != "native-a" {
		t.Fatalf("expected reverse lookup to recover native id, got %q ok=%v", native, ok)
	}
}
