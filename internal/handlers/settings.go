package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/falcon-eye/falcon-eye/internal/apperrors"
	"github.com/falcon-eye/falcon-eye/internal/db"
	"github.com/falcon-eye/falcon-eye/internal/lifecycle"
	"github.com/falcon-eye/falcon-eye/internal/logger"
	"github.com/falcon-eye/falcon-eye/internal/settings"
)

// SettingsHandler adapts the Settings facade, plus the two bulk-camera
// operations the dashboard's settings page exposes, to `/api/settings/`.
type SettingsHandler struct {
	settings *settings.Facade
	cameras  *lifecycle.CameraController
}

// NewSettingsHandler builds a SettingsHandler.
func NewSettingsHandler(settingsFacade *settings.Facade, cameras *lifecycle.CameraController) *SettingsHandler {
	return &SettingsHandler{settings: settingsFacade, cameras: cameras}
}

// RegisterRoutes attaches every /api/settings/ route to router.
func (h *SettingsHandler) RegisterRoutes(router *gin.RouterGroup) {
	s := router.Group("/settings")
	{
		s.GET("/", h.get)
		s.PATCH("/", h.patch)
		s.POST("/restart-all", h.restartAll)
		s.DELETE("/cameras/all", h.deleteAllCameras)
	}
}

func (h *SettingsHandler) get(c *gin.Context) {
	data, err := h.settings.Get(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, data)
}

func (h *SettingsHandler) patch(c *gin.Context) {
	var patch map[string]string
	if err := c.ShouldBindJSON(&patch); err != nil {
		respondError(c, apperrors.ValidationDetail("invalid request body", err.Error()))
		return
	}

	data, err := h.settings.Patch(c.Request.Context(), patch)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, data)
}

// restartAll restarts every running camera, best-effort: one camera's
// cluster failure does not stop the rest, mirroring the Sweeper's
// per-row tolerance for partial failure.
func (h *SettingsHandler) restartAll(c *gin.Context) {
	ctx := c.Request.Context()
	cams, err := h.cameras.List(ctx, db.CameraFilter{Status: "running"})
	if err != nil {
		respondError(c, err)
		return
	}

	restarted := 0
	for _, cam := range cams {
		if _, err := h.cameras.Restart(ctx, cam.ID); err != nil {
			logger.HTTP().Warn().Err(err).Str("camera_id", cam.ID).Msg("restart-all failed for camera")
			continue
		}
		restarted++
	}
	respondOK(c, gin.H{"restarted": restarted, "total": len(cams)})
}

// deleteAllCameras tears down every camera, best-effort.
func (h *SettingsHandler) deleteAllCameras(c *gin.Context) {
	ctx := c.Request.Context()
	cams, err := h.cameras.List(ctx, db.CameraFilter{})
	if err != nil {
		respondError(c, err)
		return
	}

	deleted := 0
	for _, cam := range cams {
		if err := h.cameras.Delete(ctx, cam.ID); err != nil {
			logger.HTTP().Warn().Err(err).Str("camera_id", cam.ID).Msg("delete-all-cameras failed for camera")
			continue
		}
		deleted++
	}
	respondOK(c, gin.H{"deleted": deleted, "total": len(cams)})
}
