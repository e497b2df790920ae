package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/falcon-eye/falcon-eye/internal/apperrors"
	"github.com/falcon-eye/falcon-eye/internal/db"
	"github.com/falcon-eye/falcon-eye/internal/lifecycle"
	"github.com/falcon-eye/falcon-eye/internal/tools"
)

// AgentHandler adapts the Agent lifecycle controller and the tool
// registry to the `/api/agents/` surface.
type AgentHandler struct {
	agents   *lifecycle.AgentController
	database *db.Database
	registry *tools.Registry
}

// NewAgentHandler builds an AgentHandler.
func NewAgentHandler(agents *lifecycle.AgentController, database *db.Database, registry *tools.Registry) *AgentHandler {
	return &AgentHandler{agents: agents, database: database, registry: registry}
}

// RegisterRoutes attaches every /api/agents/ route to router.
func (h *AgentHandler) RegisterRoutes(router *gin.RouterGroup) {
	agents := router.Group("/agents")
	{
		agents.GET("/", h.list)
		agents.POST("/", h.create)
		agents.GET("/:id", h.get)
		agents.PATCH("/:id", h.update)
		agents.DELETE("/:id", h.delete)
		agents.POST("/:id/start", h.start)
		agents.POST("/:id/stop", h.stop)
		agents.POST("/:id/restart", h.restart)
		agents.GET("/:id/tools", h.getTools)
		agents.PUT("/:id/tools", h.putTools)
		agents.GET("/:id/chat-config", h.chatConfig)
	}
}

type agentCreateRequest struct {
	Name          string            `json:"name" binding:"required"`
	Provider      string            `json:"provider" binding:"required"`
	Model         string            `json:"model" binding:"required"`
	APIKeyRef     string            `json:"api_key_ref"`
	SystemPrompt  string            `json:"system_prompt"`
	Temperature   float64           `json:"temperature"`
	MaxTokens     int               `json:"max_tokens"`
	ChannelType   string            `json:"channel_type"`
	ChannelConfig db.ChannelConfig  `json:"channel_config"`
	Tools         db.ToolList       `json:"tools"`
	CPULimit      string            `json:"cpu_limit"`
	MemoryLimit   string            `json:"memory_limit"`
	Ephemeral     bool              `json:"ephemeral"`
}

func (h *AgentHandler) list(c *gin.Context) {
	agents, err := h.agents.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"agents": agents})
}

func (h *AgentHandler) get(c *gin.Context) {
	a, err := h.agents.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, a)
}

func (h *AgentHandler) create(c *gin.Context) {
	var req agentCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.ValidationDetail("invalid request body", err.Error()))
		return
	}

	a, err := h.agents.Create(c.Request.Context(), lifecycle.AgentCreateParams{
		Name:          req.Name,
		Provider:      req.Provider,
		Model:         req.Model,
		APIKeyRef:     req.APIKeyRef,
		SystemPrompt:  req.SystemPrompt,
		Temperature:   req.Temperature,
		MaxTokens:     req.MaxTokens,
		ChannelType:   req.ChannelType,
		ChannelConfig: req.ChannelConfig,
		Tools:         req.Tools,
		CPULimit:      req.CPULimit,
		MemoryLimit:   req.MemoryLimit,
		Ephemeral:     req.Ephemeral,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	respondCreated(c, a)
}

type agentUpdateRequest struct {
	SystemPrompt *string      `json:"system_prompt"`
	Temperature  *float64     `json:"temperature"`
	MaxTokens    *int         `json:"max_tokens"`
	Tools        *db.ToolList `json:"tools"`
}

// update patches the mutable subset of an Agent row directly through the
// repository: the lifecycle controller's surface is about workload
// transitions (start/stop/restart/delete), not arbitrary field edits,
// mirroring the split the teacher's AgentHandler draws between
// lifecycle-affecting and purely-persisted fields.
func (h *AgentHandler) update(c *gin.Context) {
	var req agentUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.ValidationDetail("invalid request body", err.Error()))
		return
	}

	a, err := h.agents.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if req.SystemPrompt != nil {
		a.SystemPrompt = *req.SystemPrompt
	}
	if req.Temperature != nil {
		a.Temperature = *req.Temperature
	}
	if req.MaxTokens != nil {
		a.MaxTokens = *req.MaxTokens
	}
	if req.Tools != nil {
		a.Tools = *req.Tools
	}
	if err := h.database.Agents.Update(c.Request.Context(), a); err != nil {
		respondError(c, apperrors.DatabaseError(err))
		return
	}
	respondOK(c, a)
}

func (h *AgentHandler) delete(c *gin.Context) {
	if err := h.agents.Delete(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	respondNoContent(c)
}

func (h *AgentHandler) start(c *gin.Context) {
	a, err := h.agents.Start(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, a)
}

func (h *AgentHandler) stop(c *gin.Context) {
	a, err := h.agents.Stop(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, a)
}

func (h *AgentHandler) restart(c *gin.Context) {
	a, err := h.agents.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if _, err := h.agents.Stop(c.Request.Context(), a.ID); err != nil {
		respondError(c, err)
		return
	}
	a, err = h.agents.Start(c.Request.Context(), a.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, a)
}

func (h *AgentHandler) getTools(c *gin.Context) {
	a, err := h.agents.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"tools": []string(a.Tools)})
}

type putToolsRequest struct {
	Tools []string `json:"tools"`
}

func (h *AgentHandler) putTools(c *gin.Context) {
	var req putToolsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.ValidationDetail("invalid request body", err.Error()))
		return
	}
	for _, id := range req.Tools {
		if _, ok := h.registry.Get(id); !ok {
			respondError(c, apperrors.NotFound("tool", id))
			return
		}
	}

	a, err := h.agents.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	a.Tools = db.ToolList(req.Tools)
	if err := h.database.Agents.Update(c.Request.Context(), a); err != nil {
		respondError(c, apperrors.DatabaseError(err))
		return
	}
	respondOK(c, gin.H{"tools": []string(a.Tools)})
}

// chatConfig returns what an agent pod needs to build its LLM request:
// the resolved tool schemas for its configured tool list plus its model
// settings, so the pod doesn't need direct database access.
func (h *AgentHandler) chatConfig(c *gin.Context) {
	a, err := h.agents.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	agentTools := h.registry.ForAgent(a.Tools, a.Ephemeral)
	respondOK(c, gin.H{
		"provider":      a.Provider,
		"model":         a.Model,
		"system_prompt": a.SystemPrompt,
		"temperature":   a.Temperature,
		"max_tokens":    a.MaxTokens,
		"tools":         tools.Schemas(agentTools),
	})
}
