package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/falcon-eye/falcon-eye/internal/apperrors"
	"github.com/falcon-eye/falcon-eye/internal/chat"
	"github.com/falcon-eye/falcon-eye/internal/db"
)

// ChatHandler adapts the Chat Router and the session/history repositories
// to the `/api/chat/{agent_id}/` surface.
type ChatHandler struct {
	router   *chat.Router
	database *db.Database
}

// NewChatHandler builds a ChatHandler.
func NewChatHandler(router *chat.Router, database *db.Database) *ChatHandler {
	return &ChatHandler{router: router, database: database}
}

// RegisterRoutes attaches every /api/chat/ route to router.
func (h *ChatHandler) RegisterRoutes(router *gin.RouterGroup) {
	group := router.Group("/chat/:agent_id")
	{
		group.POST("/send", h.send)
		group.GET("/history", h.history)
		group.GET("/sessions", h.listSessions)
		group.POST("/sessions/new", h.newSession)
		group.POST("/messages/save", h.saveMessage)
	}
}

type chatSendRequest struct {
	SessionID  string `json:"session_id"`
	Message    string `json:"message" binding:"required"`
	Source     string `json:"source"`
	SourceUser string `json:"source_user"`
}

// send posts body through the target agent's pod and returns the
// session id together with the persisted assistant turn.
func (h *ChatHandler) send(c *gin.Context) {
	var req chatSendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.ValidationDetail("invalid request body", err.Error()))
		return
	}

	source := req.Source
	if source == "" {
		source = "dashboard"
	}

	turn, err := h.router.SendMessage(c.Request.Context(), c.Param("agent_id"), req.SessionID, req.Message, source, req.SourceUser)
	if err != nil {
		if turn != nil {
			// SendMessage persisted an error turn before returning a
			// pod-communication failure; surface both the turn and the
			// error so the dashboard can show the failed message in place.
			respondOK(c, gin.H{"turn": turn, "error": err.Error()})
			return
		}
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"turn": turn})
}

func (h *ChatHandler) history(c *gin.Context) {
	sessionID := c.Query("session_id")
	if sessionID == "" {
		respondError(c, apperrors.Validation("session_id query parameter is required"))
		return
	}

	limit := 50
	messages, err := h.database.AgentChat.ListForSession(c.Request.Context(), c.Param("agent_id"), sessionID, limit)
	if err != nil {
		respondError(c, apperrors.DatabaseError(err))
		return
	}
	respondOK(c, gin.H{"messages": messages})
}

func (h *ChatHandler) listSessions(c *gin.Context) {
	sessions, err := h.database.ChatSessions.ListForAgent(c.Request.Context(), c.Param("agent_id"))
	if err != nil {
		respondError(c, apperrors.DatabaseError(err))
		return
	}
	respondOK(c, gin.H{"sessions": sessions})
}

func (h *ChatHandler) newSession(c *gin.Context) {
	session := &db.ChatSession{AgentID: c.Param("agent_id")}
	if err := h.database.ChatSessions.Create(c.Request.Context(), session); err != nil {
		respondError(c, apperrors.DatabaseError(err))
		return
	}
	respondCreated(c, session)
}

type saveMessageRequest struct {
	SessionID string `json:"session_id" binding:"required"`
	Role      string `json:"role" binding:"required,oneof=user assistant system"`
	Content   string `json:"content" binding:"required"`
	Source    string `json:"source"`
}

// saveMessage is the callback route a pod uses to persist a turn that
// never went through send (cron results, inter-agent delegation,
// channel-adapter messages).
func (h *ChatHandler) saveMessage(c *gin.Context) {
	var req saveMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.ValidationDetail("invalid request body", err.Error()))
		return
	}

	if err := h.router.SaveMessage(c.Request.Context(), c.Param("agent_id"), req.SessionID, req.Role, req.Content, req.Source); err != nil {
		respondError(c, err)
		return
	}
	respondNoContent(c)
}
