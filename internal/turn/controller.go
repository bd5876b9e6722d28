package turn

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"chat-engine/internal/assemble"
	"chat-engine/internal/logger"
	"chat-engine/internal/message"
	"chat-engine/internal/storage"
	"chat-engine/internal/stream"
)

var (
	ErrAlreadyInFlight  = errors.New("turn: turn already in flight")
	ErrNoActiveTurn     = errors.New("turn: no active turn")
	ErrNoPendingRequest = errors.New("turn: no matching pending permission request")
)

// PendingPermission is the single outstanding tool-authorization decision.
// The UI surfaces one decision at a time, so at most one exists across all
// conversations.
type PendingPermission struct {
	RequestID      string
	ConversationID string
	ToolName       string
	ToolInput      map[string]any
	Description    string
}

type conversationState struct {
	conv   *message.Conversation
	active *message.Message
	asm    *assemble.Assembler
	turnID string
	timer  *time.Timer
	loaded bool
}

// Controller enforces at most one in-flight turn per conversation and owns
// the process-wide pending-permission slot. Every state transition happens
// under the mutex; events for one conversation are applied strictly in
// delivery order.
type Controller struct {
	mu        sync.Mutex
	transport stream.Transport
	store     storage.Store
	log       *logger.Logger

	convs       map[string]*conversationState
	pending     *PendingPermission
	turnTimeout time.Duration
	seq         uint64
}

func NewController(transport stream.Transport, store storage.Store, log *logger.Logger) *Controller {
	if log == nil {
		log = logger.NewNop()
	}
	return &Controller{
		transport: transport,
		store:     store,
		log:       log,
		convs:     make(map[string]*conversationState),
	}
}

// SetTurnTimeout bounds how long a turn may stay in flight before it is
// aborted. Zero disables the bound.
func (c *Controller) SetTurnTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turnTimeout = d
}

func (c *Controller) CreateConversation(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	id := buildID("conv", fmt.Sprintf("%d-%d", time.Now().UnixNano(), c.seq))
	c.convs[id] = &conversationState{
		conv:   &message.Conversation{ID: id},
		loaded: true,
	}
	return id, nil
}

func (c *Controller) ListConversationIDs(ctx context.Context, limit int) ([]string, error) {
	return c.store.ListConversationIDs(ctx, limit)
}

// StartTurn appends the user message, opens an empty in-flight assistant
// message, and starts pumping transport events into it. Fails with
// ErrAlreadyInFlight when a turn is active; callers must abort first.
func (c *Controller) StartTurn(ctx context.Context, conversationID, text string) (string, error) {
	c.mu.Lock()
	cs := c.ensureLocked(ctx, conversationID)
	if cs.active != nil {
		c.mu.Unlock()
		return "", ErrAlreadyInFlight
	}
	now := time.Now().UTC()
	c.seq++
	userMsg := &message.Message{
		ID:             buildID("msg", fmt.Sprintf("%s-user-%d-%d", conversationID, now.UnixNano(), c.seq)),
		ConversationID: conversationID,
		Role:           message.RoleUser,
		Blocks:         []message.Block{&message.TextBlock{Text: text}},
		CreatedAt:      now,
	}
	c.seq++
	assistantMsg := &message.Message{
		ID:             buildID("msg", fmt.Sprintf("%s-assistant-%d-%d", conversationID, now.UnixNano(), c.seq)),
		ConversationID: conversationID,
		Role:           message.RoleAssistant,
		InFlight:       true,
		CreatedAt:      now,
	}
	turnID := buildID("turn", assistantMsg.ID)
	cs.conv.Messages = append(cs.conv.Messages, userMsg, assistantMsg)
	cs.conv.ActiveTurnMessageID = assistantMsg.ID
	cs.active = assistantMsg
	cs.asm = assemble.New()
	cs.turnID = turnID
	timeout := c.turnTimeout
	c.mu.Unlock()

	events, err := c.transport.StartTurn(ctx, conversationID, text)
	if err != nil {
		c.mu.Lock()
		if cs.turnID == turnID {
			cs.conv.Messages = cs.conv.Messages[:len(cs.conv.Messages)-2]
			cs.conv.ActiveTurnMessageID = ""
			cs.active = nil
			cs.asm = nil
			cs.turnID = ""
		}
		c.mu.Unlock()
		return "", fmt.Errorf("start turn: %w", err)
	}

	if err := c.store.SaveMessage(ctx, *userMsg); err != nil {
		c.log.Warnw("persist user message failed", "conversation", conversationID, "err", err)
	}
	if timeout > 0 {
		c.mu.Lock()
		cs.timer = time.AfterFunc(timeout, func() {
			c.abortExpired(conversationID, turnID)
		})
		c.mu.Unlock()
	}

	go c.pump(conversationID, turnID, events)
	return assistantMsg.ID, nil
}

func (c *Controller) pump(conversationID, turnID string, events <-chan stream.Event) {
	for ev := range events {
		finalized, _ := c.ingest(conversationID, turnID, ev)
		if finalized {
			// Drain so the transport can close the channel; redelivered
			// events past the boundary are dropped.
			for range events {
			}
			return
		}
	}
	// Stream closed without a done event. Freeze what was assembled rather
	// than leaving the message in flight forever.
	c.mu.Lock()
	defer c.mu.Unlock()
	cs := c.convs[conversationID]
	if cs != nil && cs.active != nil && cs.turnID == turnID {
		c.log.Warnw("event stream closed without done", "conversation", conversationID)
		c.finalizeLocked(cs, "")
	}
}

// IngestEvent applies one transport event to the conversation's in-flight
// message. Events for a conversation with no active turn are dropped and
// reported as ErrNoActiveTurn; that is expected near abort boundaries under
// at-least-once delivery.
func (c *Controller) IngestEvent(conversationID string, ev stream.Event) error {
	_, err := c.ingest(conversationID, "", ev)
	return err
}

func (c *Controller) ingest(conversationID, turnID string, ev stream.Event) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cs := c.convs[conversationID]
	if cs == nil || cs.active == nil || (turnID != "" && cs.turnID != turnID) {
		c.log.Debugw("dropping event with no active turn", "conversation", conversationID, "event", fmt.Sprintf("%T", ev))
		return true, ErrNoActiveTurn
	}

	switch v := ev.(type) {
	case stream.Status:
		cs.conv.SDKConversationRef = v.ConversationRef
		return false, nil
	case stream.Result:
		// Informational. Trailing text may still arrive before done.
		return false, nil
	case stream.Done:
		c.finalizeLocked(cs, "")
		return true, nil
	case stream.Error:
		c.finalizeLocked(cs, v.Message)
		return true, nil
	case stream.PermissionRequest:
		if c.pending != nil {
			c.log.Warnw("permission slot occupied, request not surfaced",
				"conversation", conversationID, "request", v.RequestID, "held_by", c.pending.RequestID)
		} else {
			c.pending = &PendingPermission{
				RequestID:      v.RequestID,
				ConversationID: conversationID,
				ToolName:       v.ToolName,
				ToolInput:      v.ToolInput,
				Description:    v.Description,
			}
		}
	case stream.PermissionResponse:
		if c.pending != nil && (v.RequestID == "" || v.RequestID == c.pending.RequestID) {
			c.pending = nil
		}
	}

	if err := cs.asm.Apply(ev); err != nil {
		c.log.Warnw("dropping malformed event", "conversation", conversationID, "err", err)
	}
	return false, nil
}

// Abort tells the transport to stop producing events (advisory) and freezes
// the local message immediately with whatever blocks exist.
func (c *Controller) Abort(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	cs := c.convs[conversationID]
	if cs == nil || cs.active == nil {
		c.mu.Unlock()
		return ErrNoActiveTurn
	}
	turnID := cs.turnID
	c.mu.Unlock()

	if err := c.transport.AbortTurn(ctx, conversationID); err != nil {
		c.log.Warnw("transport abort failed", "conversation", conversationID, "err", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cs.active == nil || cs.turnID != turnID {
		return nil
	}
	c.finalizeLocked(cs, "")
	return nil
}

func (c *Controller) abortExpired(conversationID, turnID string) {
	c.mu.Lock()
	cs := c.convs[conversationID]
	expired := cs != nil && cs.active != nil && cs.turnID == turnID
	c.mu.Unlock()
	if !expired {
		return
	}
	c.log.Warnw("turn timeout exceeded, aborting", "conversation", conversationID)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.transport.AbortTurn(ctx, conversationID); err != nil {
		c.log.Warnw("transport abort failed", "conversation", conversationID, "err", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if cs.active != nil && cs.turnID == turnID {
		c.finalizeLocked(cs, "turn timeout exceeded")
	}
}

// RespondToPermission forwards the decision to the transport, then applies
// it locally once the transport acknowledges. A stale or unknown request id
// fails with ErrNoPendingRequest and changes nothing.
func (c *Controller) RespondToPermission(ctx context.Context, requestID string, approved bool) error {
	c.mu.Lock()
	if c.pending == nil || c.pending.RequestID != requestID {
		c.mu.Unlock()
		return ErrNoPendingRequest
	}
	conversationID := c.pending.ConversationID
	c.mu.Unlock()

	if err := c.transport.SendPermissionDecision(ctx, requestID, approved); err != nil {
		return fmt.Errorf("send permission decision: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != nil && c.pending.RequestID == requestID {
		c.pending = nil
	}
	cs := c.convs[conversationID]
	if cs != nil && cs.active != nil {
		if err := cs.asm.Apply(stream.PermissionResponse{RequestID: requestID, Approved: approved}); err != nil {
			c.log.Warnw("apply permission response failed", "conversation", conversationID, "err", err)
		}
	}
	return nil
}

func (c *Controller) IsInFlight(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cs := c.convs[conversationID]
	return cs != nil && cs.active != nil
}

func (c *Controller) PendingPermission() *PendingPermission {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return nil
	}
	p := *c.pending
	return &p
}

// Blocks returns the live block sequence while a turn streams, or the last
// assistant message's blocks otherwise. The returned slice is a snapshot.
func (c *Controller) Blocks(conversationID string) []message.Block {
	c.mu.Lock()
	defer c.mu.Unlock()
	cs := c.convs[conversationID]
	if cs == nil {
		return nil
	}
	if cs.active != nil {
		return cs.asm.Blocks()
	}
	for i := len(cs.conv.Messages) - 1; i >= 0; i-- {
		if cs.conv.Messages[i].Role == message.RoleAssistant {
			return message.CloneBlocks(cs.conv.Messages[i].Blocks)
		}
	}
	return nil
}

// Messages returns the conversation's messages, oldest first. Conversations
// not held in memory are read from the store.
func (c *Controller) Messages(ctx context.Context, conversationID string) ([]message.Message, error) {
	c.mu.Lock()
	cs := c.convs[conversationID]
	if cs == nil {
		c.mu.Unlock()
		msgs, err := c.store.LoadMessages(ctx, conversationID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return msgs, err
	}
	defer c.mu.Unlock()
	out := make([]message.Message, 0, len(cs.conv.Messages))
	for _, m := range cs.conv.Messages {
		cp := *m
		if cs.active == m {
			cp.Blocks = cs.asm.Blocks()
		} else {
			cp.Blocks = message.CloneBlocks(m.Blocks)
		}
		out = append(out, cp)
	}
	return out, nil
}

func (c *Controller) finalizeLocked(cs *conversationState, errMsg string) {
	cs.active.Blocks = cs.asm.Take()
	cs.active.InFlight = false
	cs.active.Error = errMsg
	cs.conv.ActiveTurnMessageID = ""
	if c.pending != nil && c.pending.ConversationID == cs.conv.ID {
		c.pending = nil
	}
	if cs.timer != nil {
		cs.timer.Stop()
		cs.timer = nil
	}
	final := *cs.active
	cs.active = nil
	cs.asm = nil
	cs.turnID = ""
	if err := c.store.SaveMessage(context.Background(), final); err != nil {
		c.log.Warnw("persist finalized message failed", "conversation", cs.conv.ID, "message", final.ID, "err", err)
	}
}

func (c *Controller) ensureLocked(ctx context.Context, conversationID string) *conversationState {
	cs := c.convs[conversationID]
	if cs == nil {
		cs = &conversationState{conv: &message.Conversation{ID: conversationID}}
		c.convs[conversationID] = cs
	}
	if !cs.loaded {
		cs.loaded = true
		msgs, err := c.store.LoadMessages(ctx, conversationID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			c.log.Warnw("load conversation history failed", "conversation", conversationID, "err", err)
		}
		for i := range msgs {
			m := msgs[i]
			cs.conv.Messages = append(cs.conv.Messages, &m)
		}
	}
	return cs
}

func buildID(prefix, seed string) string {
	sum := sha1.Sum([]byte(seed))
	return prefix + "_" + hex.EncodeToString(sum[:8])
}
