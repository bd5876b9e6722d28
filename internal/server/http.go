package server

import (
	"errors"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"chat-engine/internal/guard"
	"chat-engine/internal/logger"
	"chat-engine/internal/message"
	"chat-engine/internal/turn"
)

var startTime = time.Now()

type Server struct {
	turns *turn.Controller
	guard *guard.Guard
	log   *logger.Logger
}

func New(turns *turn.Controller, switchGuard *guard.Guard, log *logger.Logger) *Server {
	if log == nil {
		log = logger.NewNop()
	}
	return &Server{turns: turns, guard: switchGuard, log: log}
}

func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.handleHealth)
	r.POST("/conversations", s.handleCreateConversation)
	r.GET("/conversations", s.handleListConversations)
	r.GET("/conversations/:id/messages", s.handleMessages)
	r.GET("/conversations/:id/blocks", s.handleBlocks)
	r.POST("/conversations/:id/turns", s.handleStartTurn)
	r.DELETE("/conversations/:id/turn", s.handleAbort)
	r.POST("/active", s.handleSetActive)
	r.GET("/permissions/pending", s.handlePendingPermission)
	r.POST("/permissions/:id", s.handleRespondPermission)
	return r
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "healthy",
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"uptime":     time.Since(startTime).Round(time.Second).String(),
		"go_version": runtime.Version(),
		"goroutines": runtime.NumGoroutine(),
	})
}

func (s *Server) handleCreateConversation(c *gin.Context) {
	id, err := s.turns.CreateConversation(c.Request.Context())
	if err != nil {
		writeErr(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id})
}

func (s *Server) handleListConversations(c *gin.Context) {
	limit := 50
	if v, ok := c.GetQuery("limit"); ok {
		if n, err := parsePositiveInt(v); err == nil {
			limit = n
		}
	}
	ids, err := s.turns.ListConversationIDs(c.Request.Context(), limit)
	if err != nil {
		writeErr(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": ids})
}

func (s *Server) handleMessages(c *gin.Context) {
	msgs, err := s.turns.Messages(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeErr(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (s *Server) handleBlocks(c *gin.Context) {
	id := c.Param("id")
	raw, err := message.EncodeBlocks(s.turns.Blocks(id))
	if err != nil {
		writeErr(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"in_flight": s.turns.IsInFlight(id),
		"blocks":    raw,
	})
}

func (s *Server) handleStartTurn(c *gin.Context) {
	var req struct {
		Text string `json:"text" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErr(c, http.StatusBadRequest, err)
		return
	}
	msgID, err := s.turns.StartTurn(c.Request.Context(), c.Param("id"), req.Text)
	if errors.Is(err, turn.ErrAlreadyInFlight) {
		writeErr(c, http.StatusConflict, err)
		return
	}
	if err != nil {
		writeErr(c, http.StatusBadGateway, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message_id": msgID})
}

func (s *Server) handleAbort(c *gin.Context) {
	err := s.turns.Abort(c.Request.Context(), c.Param("id"))
	if errors.Is(err, turn.ErrNoActiveTurn) {
		writeErr(c, http.StatusConflict, err)
		return
	}
	if err != nil {
		writeErr(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"aborted": true})
}

func (s *Server) handleSetActive(c *gin.Context) {
	var req struct {
		ConversationID string `json:"conversation_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErr(c, http.StatusBadRequest, err)
		return
	}
	s.guard.SetActive(c.Request.Context(), req.ConversationID)
	c.JSON(http.StatusOK, gin.H{"active": req.ConversationID})
}

func (s *Server) handlePendingPermission(c *gin.Context) {
	p := s.turns.PendingPermission()
	if p == nil {
		c.JSON(http.StatusOK, gin.H{"pending": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"pending": gin.H{
		"request_id":      p.RequestID,
		"conversation_id": p.ConversationID,
		"tool_name":       p.ToolName,
		"tool_input":      p.ToolInput,
		"description":     p.Description,
	}})
}

func (s *Server) handleRespondPermission(c *gin.Context) {
	var req struct {
		Approve bool `json:"approve"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErr(c, http.StatusBadRequest, err)
		return
	}
	err := s.turns.RespondToPermission(c.Request.Context(), c.Param("id"), req.Approve)
	if errors.Is(err, turn.ErrNoPendingRequest) {
		writeErr(c, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeErr(c, http.StatusBadGateway, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"approved": req.Approve})
}

func writeErr(c *gin.Context, status int, err error) {
	c.JSON(status, gin.H{"error": err.Error()})
}

func parsePositiveInt(v string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be positive")
	}
	return n, nil
}
