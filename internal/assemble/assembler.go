// Package assemble folds a turn's event stream into an ordered block
// sequence. Blocks are only ever appended or updated in place; no event
// removes or reorders existing blocks, so replaying the same stream yields
// the same sequence.
package assemble

import (
	"errors"
	"fmt"
	"reflect"

	"chat-engine/internal/message"
	"chat-engine/internal/stream"
)

var ErrMalformedEvent = errors.New("assemble: malformed event")

type Assembler struct {
	blocks        []message.Block
	byInvocation  map[string]int
	permIdx       int
	permRequestID string
}

func New() *Assembler {
	return &Assembler{
		byInvocation: make(map[string]int),
		permIdx:      -1,
	}
}

// Apply mutates the block sequence for one event. Correlation priority for
// tool events: explicit invocation id first, structural match (same tool
// name and input) only when the event carries no id. Events that match
// nothing append a new block; losing information is worse than a duplicate
// placeholder.
func (a *Assembler) Apply(ev stream.Event) error {
	switch v := ev.(type) {
	case stream.TextDelta:
		a.applyText(v.Text)
	case stream.ToolUse:
		a.applyToolUse(v)
	case stream.ToolResult:
		a.applyToolResult(v)
	case stream.PermissionRequest:
		a.applyPermissionRequest(v)
	case stream.PermissionResponse:
		a.applyPermissionResponse(v)
	case stream.Status, stream.Result, stream.Done, stream.Error:
		// Lifecycle and metadata events do not touch the block list.
	case nil:
		return ErrMalformedEvent
	default:
		return fmt.Errorf("%w: %T", ErrMalformedEvent, ev)
	}
	return nil
}

func (a *Assembler) applyText(delta string) {
	if n := len(a.blocks); n > 0 {
		if tb, ok := a.blocks[n-1].(*message.TextBlock); ok {
			tb.Text += delta
			return
		}
	}
	a.blocks = append(a.blocks, &message.TextBlock{Text: delta})
}

func (a *Assembler) applyToolUse(ev stream.ToolUse) {
	if idx, ok := a.resolve(ev.InvocationID, ev.ToolName, ev.ToolInput); ok {
		a.merge(idx, ev.ToolName, ev.ToolInput)
		return
	}
	a.appendToolCall(&message.ToolCallBlock{
		InvocationID: ev.InvocationID,
		ToolName:     ev.ToolName,
		ToolInput:    ev.ToolInput,
	})
}

func (a *Assembler) applyToolResult(ev stream.ToolResult) {
	result := &message.ToolResult{Content: ev.Content, IsError: ev.IsError}
	if ev.InvocationID != "" {
		if idx, ok := a.byInvocation[ev.InvocationID]; ok {
			a.blocks[idx].(*message.ToolCallBlock).Result = result
			return
		}
		a.appendToolCall(&message.ToolCallBlock{InvocationID: ev.InvocationID, Result: result})
		return
	}
	// No id: attach to the most recent tool call still waiting on a result.
	for i := len(a.blocks) - 1; i >= 0; i-- {
		if tc, ok := a.blocks[i].(*message.ToolCallBlock); ok && tc.Result == nil {
			tc.Result = result
			return
		}
	}
	// Orphan result. Keep it on a synthetic block rather than dropping it.
	a.appendToolCall(&message.ToolCallBlock{Result: result})
}

func (a *Assembler) applyPermissionRequest(ev stream.PermissionRequest) {
	idx, ok := a.resolve(ev.RequestID, ev.ToolName, ev.ToolInput)
	if !ok {
		idx = a.appendToolCall(&message.ToolCallBlock{
			InvocationID: ev.RequestID,
			ToolName:     ev.ToolName,
			ToolInput:    ev.ToolInput,
		})
	} else {
		a.merge(idx, ev.ToolName, ev.ToolInput)
	}
	a.blocks[idx].(*message.ToolCallBlock).PermissionStatus = message.PermissionRequested
	a.permIdx = idx
	a.permRequestID = ev.RequestID
}

func (a *Assembler) applyPermissionResponse(ev stream.PermissionResponse) {
	idx := -1
	if i, ok := a.byInvocation[ev.RequestID]; ok {
		idx = i
	} else if a.permIdx >= 0 && (ev.RequestID == "" || ev.RequestID == a.permRequestID) {
		idx = a.permIdx
	}
	if idx < 0 {
		return
	}
	status := message.PermissionDenied
	if ev.Approved {
		status = message.PermissionAllowed
	}
	a.blocks[idx].(*message.ToolCallBlock).PermissionStatus = status
	a.permIdx = -1
	a.permRequestID = ""
}

// resolve finds the block a tool event refers to: the invocation id map when
// the event carries an id that some block was created with, otherwise the
// most recent block with structurally equal tool name and input. The
// structural fallback can mis-correlate two concurrent calls with identical
// name and input; upstream SDKs do not disambiguate that case either.
func (a *Assembler) resolve(invocationID, toolName string, toolInput map[string]any) (int, bool) {
	if invocationID != "" {
		idx, ok := a.byInvocation[invocationID]
		return idx, ok
	}
	for i := len(a.blocks) - 1; i >= 0; i-- {
		tc, ok := a.blocks[i].(*message.ToolCallBlock)
		if !ok {
			continue
		}
		if tc.ToolName == toolName && reflect.DeepEqual(tc.ToolInput, toolInput) {
			return i, true
		}
	}
	return -1, false
}

// merge updates a matched block without erasing what is already known:
// empty incoming fields never overwrite populated ones.
func (a *Assembler) merge(idx int, toolName string, toolInput map[string]any) {
	tc := a.blocks[idx].(*message.ToolCallBlock)
	if tc.ToolName == "" && toolName != "" {
		tc.ToolName = toolName
	}
	if len(tc.ToolInput) == 0 && len(toolInput) > 0 {
		tc.ToolInput = toolInput
	}
}

func (a *Assembler) appendToolCall(tc *message.ToolCallBlock) int {
	a.blocks = append(a.blocks, tc)
	idx := len(a.blocks) - 1
	if tc.InvocationID != "" {
		if _, exists := a.byInvocation[tc.InvocationID]; !exists {
			a.byInvocation[tc.InvocationID] = idx
		}
	}
	return idx
}

// Blocks returns a snapshot safe to hand to readers while assembly
// continues.
func (a *Assembler) Blocks() []message.Block {
	return message.CloneBlocks(a.blocks)
}

// Take hands off the assembled sequence at finalize. The assembler must not
// be applied to afterwards.
func (a *Assembler) Take() []message.Block {
	out := a.blocks
	a.blocks = nil
	return out
}

func (a *Assembler) Len() int {
	return len(a.blocks)
}
