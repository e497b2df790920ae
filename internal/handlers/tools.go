package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/falcon-eye/falcon-eye/internal/apperrors"
	"github.com/falcon-eye/falcon-eye/internal/chat"
	"github.com/falcon-eye/falcon-eye/internal/tools"
)

// ToolHandler adapts the tool registry and the Chat Router's tool
// dispatch to the `/api/tools/` surface. The per-agent tool list and
// chat-config routes live on AgentHandler instead, since they key off an
// agent's configured tool subset rather than the full catalog.
type ToolHandler struct {
	registry *tools.Registry
	router   *chat.Router
}

// NewToolHandler builds a ToolHandler.
func NewToolHandler(registry *tools.Registry, router *chat.Router) *ToolHandler {
	return &ToolHandler{registry: registry, router: router}
}

// RegisterRoutes attaches every /api/tools/ route to router.
func (h *ToolHandler) RegisterRoutes(router *gin.RouterGroup) {
	t := router.Group("/tools")
	{
		t.GET("/", h.list)
		t.POST("/execute", h.execute)
	}
}

func (h *ToolHandler) list(c *gin.Context) {
	respondOK(c, gin.H{"tools": tools.Schemas(h.registry.All())})
}

type toolExecuteRequest struct {
	Tool      string                 `json:"tool" binding:"required"`
	Args      map[string]interface{} `json:"args"`
	AgentID   string                 `json:"agent_id"`
	SessionID string                 `json:"session_id"`
}

// execute runs a named tool outside of a chat turn, for the dashboard's
// manual tool-test surface and agent pods invoking a tool call from the
// LLM's response.
func (h *ToolHandler) execute(c *gin.Context) {
	var req toolExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.ValidationDetail("invalid request body", err.Error()))
		return
	}

	result, err := h.router.ExecuteTool(c.Request.Context(), req.Tool, req.Args, tools.AgentContext{
		AgentID:   req.AgentID,
		SessionID: req.SessionID,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, result)
}
