package message

import (
	"time"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type PermissionStatus string

const (
	PermissionNone      PermissionStatus = ""
	PermissionRequested PermissionStatus = "requested"
	PermissionAllowed   PermissionStatus = "allowed"
	PermissionDenied    PermissionStatus = "denied"
)

// Block is the unit of message assembly. The set of variants is closed:
// a block is either streamed text or a tool invocation.
type Block interface {
	isBlock()
}

type TextBlock struct {
	Text string
}

func (*TextBlock) isBlock() {}

type ToolResult struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

type ToolCallBlock struct {
	InvocationID     string
	ToolName         string
	ToolInput        map[string]any
	PermissionStatus PermissionStatus
	Result           *ToolResult
}

func (*ToolCallBlock) isBlock() {}

// Message is mutable while InFlight is true, immutable after finalize.
// Error carries the transport failure that ended the turn, if any.
type Message struct {
	ID             string
	ConversationID string
	Role           Role
	Blocks         []Block
	InFlight       bool
	Error          string
	CreatedAt      time.Time
}

type Conversation struct {
	ID                  string
	Messages            []*Message
	ActiveTurnMessageID string
	SDKConversationRef  string
}

// Text concatenates the message's text blocks. Tool blocks are skipped.
func (m *Message) Text() string {
	var out string
	for _, b := range m.Blocks {
		if tb, ok := b.(*TextBlock); ok {
			out += tb.Text
		}
	}
	return out
}

// CloneBlocks deep-copies a block sequence so callers can hold a snapshot
// while the live message keeps mutating.
func CloneBlocks(blocks []Block) []Block {
	if blocks == nil {
		return nil
	}
	out := make([]Block, 0, len(blocks))
	for _, b := range blocks {
		switch v := b.(type) {
		case *TextBlock:
			cp := *v
			out = append(out, &cp)
		case *ToolCallBlock:
			cp := *v
			cp.ToolInput = cloneInput(v.ToolInput)
			if v.Result != nil {
				r := *v.Result
				cp.Result = &r
			}
			out = append(out, &cp)
		}
	}
	return out
}

func cloneInput(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
