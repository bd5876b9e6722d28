package stream

import "context"

// Event is one tagged event of a turn's delivery stream. The variant set is
// closed; the assembly engine switches over it exhaustively.
type Event interface {
	isEvent()
}

type TextDelta struct {
	Text string
}

func (TextDelta) isEvent() {}

type ToolUse struct {
	InvocationID string
	ToolName     string
	ToolInput    map[string]any
}

func (ToolUse) isEvent() {}

type ToolResult struct {
	InvocationID string
	Content      string
	IsError      bool
}

func (ToolResult) isEvent() {}

type PermissionRequest struct {
	RequestID   string
	ToolName    string
	ToolInput   map[string]any
	Description string
}

func (PermissionRequest) isEvent() {}

type PermissionResponse struct {
	RequestID string
	Approved  bool
}

func (PermissionResponse) isEvent() {}

type Status struct {
	ConversationRef string
}

func (Status) isEvent() {}

// Result is informational. Some transports emit it before trailing text;
// only Done, Error, or an abort ends the turn.
type Result struct{}

func (Result) isEvent() {}

type Done struct{}

func (Done) isEvent() {}

type Error struct {
	Message string
}

func (Error) isEvent() {}

// Transport delivers an ordered, at-least-once, per-conversation event
// stream for a running turn. The channel returned by StartTurn is closed by
// the transport when the turn produces no further events.
type Transport interface {
	StartTurn(ctx context.Context, conversationID, text string) (<-chan Event, error)
	AbortTurn(ctx context.Context, conversationID string) error
	SendPermissionDecision(ctx context.Context, requestID string, approved bool) error
}
