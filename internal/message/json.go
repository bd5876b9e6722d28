package message

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	blockTypeText     = "text"
	blockTypeToolCall = "tool_call"
)

type blockJSON struct {
	Type             string         `json:"type"`
	Text             string         `json:"text,omitempty"`
	InvocationID     string         `json:"invocation_id,omitempty"`
	ToolName         string         `json:"tool_name,omitempty"`
	ToolInput        map[string]any `json:"tool_input,omitempty"`
	PermissionStatus string         `json:"permission_status,omitempty"`
	Result           *ToolResult    `json:"result,omitempty"`
}

type messageJSON struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	Role           Role            `json:"role"`
	Content        json.RawMessage `json:"content"`
	InFlight       bool            `json:"in_flight,omitempty"`
	Error          string          `json:"error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// EncodeBlocks renders a block sequence as its ordered wire-list form, the
// same shape a message's content field uses.
func EncodeBlocks(blocks []Block) (json.RawMessage, error) {
	out := make([]blockJSON, 0, len(blocks))
	for _, b := range blocks {
		switch v := b.(type) {
		case *TextBlock:
			out = append(out, blockJSON{Type: blockTypeText, Text: v.Text})
		case *ToolCallBlock:
			out = append(out, blockJSON{
				Type:             blockTypeToolCall,
				InvocationID:     v.InvocationID,
				ToolName:         v.ToolName,
				ToolInput:        v.ToolInput,
				PermissionStatus: string(v.PermissionStatus),
				Result:           v.Result,
			})
		default:
			return nil, fmt.Errorf("encode blocks: unknown block type %T", b)
		}
	}
	return json.Marshal(out)
}

func (m Message) MarshalJSON() ([]byte, error) {
	content, err := EncodeBlocks(m.Blocks)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return json.Marshal(messageJSON{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Role:           m.Role,
		Content:        content,
		InFlight:       m.InFlight,
		Error:          m.Error,
		CreatedAt:      m.CreatedAt,
	})
}

// UnmarshalJSON accepts both the block-list encoding and the legacy
// plain-string content written by earlier releases. A legacy string decodes
// as a single text block.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw messageJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	m.ID = raw.ID
	m.ConversationID = raw.ConversationID
	m.Role = raw.Role
	m.InFlight = raw.InFlight
	m.Error = raw.Error
	m.CreatedAt = raw.CreatedAt
	m.Blocks = nil
	if len(raw.Content) == 0 {
		return nil
	}

	var legacy string
	if err := json.Unmarshal(raw.Content, &legacy); err == nil {
		if legacy != "" {
			m.Blocks = []Block{&TextBlock{Text: legacy}}
		}
		return nil
	}

	var blocks []blockJSON
	if err := json.Unmarshal(raw.Content, &blocks); err != nil {
		return fmt.Errorf("decode message content: %w", err)
	}
	m.Blocks = make([]Block, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case blockTypeText:
			m.Blocks = append(m.Blocks, &TextBlock{Text: b.Text})
		case blockTypeToolCall:
			m.Blocks = append(m.Blocks, &ToolCallBlock{
				InvocationID:     b.InvocationID,
				ToolName:         b.ToolName,
				ToolInput:        b.ToolInput,
				PermissionStatus: PermissionStatus(b.PermissionStatus),
				Result:           b.Result,
			})
		default:
			return fmt.Errorf("decode message content: unknown block type %q", b.Type)
		}
	}
	return nil
}
