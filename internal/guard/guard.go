// Package guard auto-aborts a turn left in flight when the user navigates
// to another conversation. Partial assistant output is discarded on switch;
// letting it finish in the background would race on the single pending
// permission slot.
package guard

import (
	"context"
	"sync"

	"chat-engine/internal/logger"
)

type TurnAborter interface {
	IsInFlight(conversationID string) bool
	Abort(ctx context.Context, conversationID string) error
}

type Guard struct {
	mu     sync.Mutex
	turns  TurnAborter
	log    *logger.Logger
	active string
}

func New(turns TurnAborter, log *logger.Logger) *Guard {
	if log == nil {
		log = logger.NewNop()
	}
	return &Guard{turns: turns, log: log}
}

// OnActiveConversationChange aborts the previous conversation's in-flight
// turn before the switch completes. The next conversation is untouched.
func (g *Guard) OnActiveConversationChange(ctx context.Context, previousID, nextID string) {
	if previousID == "" || previousID == nextID {
		return
	}
	if !g.turns.IsInFlight(previousID) {
		return
	}
	g.log.Infow("aborting in-flight turn on conversation switch", "previous", previousID, "next", nextID)
	if err := g.turns.Abort(ctx, previousID); err != nil {
		g.log.Warnw("abort on switch failed", "conversation", previousID, "err", err)
	}
}

// SetActive records the new selection and runs the switch hook against the
// previously active conversation.
func (g *Guard) SetActive(ctx context.Context, nextID string) {
	g.mu.Lock()
	previous := g.active
	g.active = nextID
	g.mu.Unlock()
	g.OnActiveConversationChange(ctx, previous, nextID)
}

func (g *Guard) Active() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}
