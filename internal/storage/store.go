package storage

import (
	"context"

	"chat-engine/internal/message"
)

type Store interface {
	SaveMessage(ctx context.Context, m message.Message) error
	LoadMessages(ctx context.Context, conversationID string) ([]message.Message, error)
	ListConversationIDs(ctx context.Context, limit int) ([]string, error)
}
