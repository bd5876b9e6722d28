package stream

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrUnknownEvent = errors.New("stream: unknown event type")

type envelope struct {
	Type            string         `json:"type"`
	Text            string         `json:"text,omitempty"`
	InvocationID    string         `json:"invocation_id,omitempty"`
	ToolName        string         `json:"tool_name,omitempty"`
	ToolInput       map[string]any `json:"tool_input,omitempty"`
	Content         string         `json:"content,omitempty"`
	IsError         bool           `json:"is_error,omitempty"`
	RequestID       string         `json:"request_id,omitempty"`
	Approved        bool           `json:"approved,omitempty"`
	Description     string         `json:"description,omitempty"`
	ConversationRef string         `json:"conversation_ref,omitempty"`
	Message         string         `json:"message,omitempty"`
}

func Encode(ev Event) ([]byte, error) {
	var env envelope
	switch v := ev.(type) {
	case TextDelta:
		env = envelope{Type: "text", Text: v.Text}
	case ToolUse:
		env = envelope{Type: "tool_use", InvocationID: v.InvocationID, ToolName: v.ToolName, ToolInput: v.ToolInput}
	case ToolResult:
		env = envelope{Type: "tool_result", InvocationID: v.InvocationID, Content: v.Content, IsError: v.IsError}
	case PermissionRequest:
		env = envelope{Type: "permission_request", RequestID: v.RequestID, ToolName: v.ToolName, ToolInput: v.ToolInput, Description: v.Description}
	case PermissionResponse:
		env = envelope{Type: "permission_response", RequestID: v.RequestID, Approved: v.Approved}
	case Status:
		env = envelope{Type: "status", ConversationRef: v.ConversationRef}
	case Result:
		env = envelope{Type: "result"}
	case Done:
		env = envelope{Type: "done"}
	case Error:
		env = envelope{Type: "error", Message: v.Message}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownEvent, ev)
	}
	return json.Marshal(env)
}

func Decode(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	switch env.Type {
	case "text":
		return TextDelta{Text: env.Text}, nil
	case "tool_use":
		return ToolUse{InvocationID: env.InvocationID, ToolName: env.ToolName, ToolInput: env.ToolInput}, nil
	case "tool_result":
		return ToolResult{InvocationID: env.InvocationID, Content: env.Content, IsError: env.IsError}, nil
	case "permission_request":
		return PermissionRequest{RequestID: env.RequestID, ToolName: env.ToolName, ToolInput: env.ToolInput, Description: env.Description}, nil
	case "permission_response":
		return PermissionResponse{RequestID: env.RequestID, Approved: env.Approved}, nil
	case "status":
		return Status{ConversationRef: env.ConversationRef}, nil
	case "result":
		return Result{}, nil
	case "done":
		return Done{}, nil
	case "error":
		return Error{Message: env.Message}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}
}
