package assemble

import (
	"bytes"
	"errors"
	"testing"

	"chat-engine/internal/message"
	"chat-engine/internal/stream"
)

func TestTextCoalescing(t *testing.T) {
	a := New()
	for _, s := range []string{"a", "b", "c"} {
		mustApply(t, a, stream.TextDelta{Text: s})
	}
	blocks := a.Blocks()
	if len(blocks) != 1 {
		t.Fatalf("expected 1 block, got %d", len(blocks))
	}
	tb, ok := blocks[0].(*message.TextBlock)
	if !ok || tb.Text != "abc" {
		t.Fatalf("expected coalesced text block %q, got %#v", "abc", blocks[0])
	}
}

func TestTextSplitByToolCall(t *testing.T) {
	a := New()
	mustApply(t, a, stream.TextDelta{Text: "before"})
	mustApply(t, a, stream.ToolUse{InvocationID: "t1", ToolName: "search"})
	mustApply(t, a, stream.TextDelta{Text: "after"})
	blocks := a.Blocks()
	if len(blocks) != 3 {
		t.Fatalf("expected 3 blocks, got %d", len(blocks))
	}
	if _, ok := blocks[1].(*message.ToolCallBlock); !ok {
		t.Fatalf("expected tool call in the middle, got %#v", blocks[1])
	}
}

func TestDuplicateToolResultDelivery(t *testing.T) {
	a := New()
	mustApply(t, a, stream.ToolUse{InvocationID: "t1", ToolName: "search", ToolInput: map[string]any{"q": "x"}})
	mustApply(t, a, stream.ToolResult{InvocationID: "t1", Content: "first"})
	mustApply(t, a, stream.ToolResult{InvocationID: "t1", Content: "second"})
	blocks := a.Blocks()
	if len(blocks) != 1 {
		t.Fatalf("duplicate delivery must not create a second block, got %d", len(blocks))
	}
	tc := blocks[0].(*message.ToolCallBlock)
	if tc.Result == nil || tc.Result.Content != "second" {
		t.Fatalf("expected last delivered result to win, got %#v", tc.Result)
	}
}

func TestFallbackCorrelationWithoutIDs(t *testing.T) {
	a := New()
	mustApply(t, a, stream.ToolUse{ToolName: "x", ToolInput: map[string]any{}})
	mustApply(t, a, stream.ToolResult{Content: "ok"})
	blocks := a.Blocks()
	if len(blocks) != 1 {
		t.Fatalf("expected result to attach to the id-less tool call, got %d blocks", len(blocks))
	}
	tc := blocks[0].(*message.ToolCallBlock)
	if tc.Result == nil || tc.Result.Content != "ok" {
		t.Fatalf("expected result attached, got %#v", tc.Result)
	}
}

func TestOrphanToolResultNeverDropped(t *testing.T) {
	a := New()
	mustApply(t, a, stream.TextDelta{Text: "hi"})
	mustApply(t, a, stream.ToolResult{Content: "lost and found", IsError: true})
	blocks := a.Blocks()
	if len(blocks) != 2 {
		t.Fatalf("expected synthetic block for orphan result, got %d blocks", len(blocks))
	}
	tc, ok := blocks[1].(*message.ToolCallBlock)
	if !ok || tc.Result == nil || tc.Result.Content != "lost and found" || !tc.Result.IsError {
		t.Fatalf("expected orphan result carried on synthetic block, got %#v", blocks[1])
	}
	if tc.ToolName != "" {
		t.Fatalf("synthetic block should have empty tool name, got %q", tc.ToolName)
	}
}

func TestMergeKeepsKnownFields(t *testing.T) {
	a := New()
	mustApply(t, a, stream.ToolUse{InvocationID: "t1", ToolName: "bash"})
	mustApply(t, a, stream.ToolUse{InvocationID: "t1", ToolInput: map[string]any{"cmd": "ls"}})
	blocks := a.Blocks()
	if len(blocks) != 1 {
		t.Fatalf("expected merge into one block, got %d", len(blocks))
	}
	tc := blocks[0].(*message.ToolCallBlock)
	if tc.ToolName != "bash" {
		t.Fatalf("existing tool name must survive empty update, got %q", tc.ToolName)
	}
	if tc.ToolInput["cmd"] != "ls" {
		t.Fatalf("expected input filled in, got %#v", tc.ToolInput)
	}
}

func TestPermissionCorrelatesByID(t *testing.T) {
	a := New()
	mustApply(t, a, stream.ToolUse{InvocationID: "t1", ToolName: "bash", ToolInput: map[string]any{"cmd": "rm"}})
	mustApply(t, a, stream.PermissionRequest{RequestID: "t1", ToolName: "bash"})
	blocks := a.Blocks()
	if len(blocks) != 1 {
		t.Fatalf("expected permission attached to existing block, got %d", len(blocks))
	}
	tc := blocks[0].(*message.ToolCallBlock)
	if tc.PermissionStatus != message.PermissionRequested {
		t.Fatalf("expected requested status, got %q", tc.PermissionStatus)
	}

	mustApply(t, a, stream.PermissionResponse{RequestID: "t1", Approved: false})
	tc = a.Blocks()[0].(*message.ToolCallBlock)
	if tc.PermissionStatus != message.PermissionDenied {
		t.Fatalf("expected denied status, got %q", tc.PermissionStatus)
	}
}

func TestPermissionStructuralFallback(t *testing.T) {
	a := New()
	mustApply(t, a, stream.ToolUse{ToolName: "bash", ToolInput: map[string]any{"cmd": "rm"}})
	mustApply(t, a, stream.PermissionRequest{ToolName: "bash", ToolInput: map[string]any{"cmd": "rm"}})
	blocks := a.Blocks()
	if len(blocks) != 1 {
		t.Fatalf("expected structural match when no id is present, got %d blocks", len(blocks))
	}
	mustApply(t, a, stream.PermissionResponse{Approved: true})
	tc := a.Blocks()[0].(*message.ToolCallBlock)
	if tc.PermissionStatus != message.PermissionAllowed {
		t.Fatalf("expected allowed status, got %q", tc.PermissionStatus)
	}
}

func TestPermissionRequestCreatesBlockWhenAbsent(t *testing.T) {
	a := New()
	mustApply(t, a, stream.PermissionRequest{RequestID: "p1", ToolName: "webfetch", Description: "fetch a page"})
	blocks := a.Blocks()
	if len(blocks) != 1 {
		t.Fatalf("expected created block, got %d", len(blocks))
	}
	tc := blocks[0].(*message.ToolCallBlock)
	if tc.ToolName != "webfetch" || tc.PermissionStatus != message.PermissionRequested {
		t.Fatalf("unexpected block %#v", tc)
	}
}

func TestEndToEndBlockSequence(t *testing.T) {
	a := New()
	events := []stream.Event{
		stream.TextDelta{Text: "Hi"},
		stream.ToolUse{InvocationID: "1", ToolName: "search", ToolInput: map[string]any{"q": "x"}},
		stream.ToolResult{InvocationID: "1", Content: "3 results"},
		stream.TextDelta{Text: " done"},
	}
	for _, ev := range events {
		mustApply(t, a, ev)
	}
	blocks := a.Blocks()
	if len(blocks) != 3 {
		t.Fatalf("expected 3 blocks, got %d", len(blocks))
	}
	if tb := blocks[0].(*message.TextBlock); tb.Text != "Hi" {
		t.Fatalf("block 0 = %q", tb.Text)
	}
	tc := blocks[1].(*message.ToolCallBlock)
	if tc.ToolName != "search" || tc.Result == nil || tc.Result.Content != "3 results" {
		t.Fatalf("unexpected tool block %#v", tc)
	}
	if tb := blocks[2].(*message.TextBlock); tb.Text != " done" {
		t.Fatalf("block 2 = %q", tb.Text)
	}
}

func TestReplayIsDeterministic(t *testing.T) {
	events := []stream.Event{
		stream.TextDelta{Text: "a"},
		stream.ToolUse{ToolName: "x", ToolInput: map[string]any{"n": 1.0}},
		stream.ToolResult{Content: "r"},
		stream.TextDelta{Text: "b"},
		stream.ToolResult{InvocationID: "ghost", Content: "orphan"},
	}
	first := replay(t, events)
	second := replay(t, events)
	if !bytes.Equal(first, second) {
		t.Fatalf("replay produced different output:\n%s\n%s", first, second)
	}
}

func TestLifecycleEventsDoNotTouchBlocks(t *testing.T) {
	a := New()
	mustApply(t, a, stream.TextDelta{Text: "x"})
	for _, ev := range []stream.Event{stream.Status{ConversationRef: "ref"}, stream.Result{}, stream.Done{}, stream.Error{Message: "boom"}} {
		mustApply(t, a, ev)
	}
	if a.Len() != 1 {
		t.Fatalf("lifecycle events must not alter the block list, got %d blocks", a.Len())
	}
}

func TestMalformedEvent(t *testing.T) {
	a := New()
	if err := a.Apply(nil); !errors.Is(err, ErrMalformedEvent) {
		t.Fatalf("expected ErrMalformedEvent, got %v", err)
	}
}

func replay(t *testing.T, events []stream.Event) []byte {
	t.Helper()
	a := New()
	for _, ev := range events {
		mustApply(t, a, ev)
	}
	raw, err := message.EncodeBlocks(a.Blocks())
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func mustApply(t *testing.T, a *Assembler, ev stream.Event) {
	t.Helper()
	if err := a.Apply(ev); err != nil {
		t.Fatalf("apply %T: %v", ev, err)
	}
}
