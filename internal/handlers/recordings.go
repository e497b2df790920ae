package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/falcon-eye/falcon-eye/internal/apperrors"
	"github.com/falcon-eye/falcon-eye/internal/db"
	"github.com/falcon-eye/falcon-eye/internal/logger"
	"github.com/falcon-eye/falcon-eye/internal/noderegistry"
	"github.com/falcon-eye/falcon-eye/internal/proxy"
)

// RecordingHandler adapts the Recording repository and the download
// proxy to the `/api/recordings/` surface. Create and Update are
// recorder-pod-only per spec.md §6 (the pod is the sole writer of its
// own Recording row's lifecycle), so they take the raw repository
// rather than going through a policy layer.
type RecordingHandler struct {
	database       *db.Database
	proxy          *proxy.Proxy
	nodes          *noderegistry.Registry
	fileServerPort int
	httpClient     *http.Client
}

// NewRecordingHandler builds a RecordingHandler.
func NewRecordingHandler(database *db.Database, downloadProxy *proxy.Proxy, nodes *noderegistry.Registry, fileServerPort int) *RecordingHandler {
	return &RecordingHandler{
		database:       database,
		proxy:          downloadProxy,
		nodes:          nodes,
		fileServerPort: fileServerPort,
		httpClient:     &http.Client{},
	}
}

// RegisterRoutes attaches every /api/recordings/ route to router.
func (h *RecordingHandler) RegisterRoutes(router *gin.RouterGroup) {
	recordings := router.Group("/recordings")
	{
		recordings.GET("/", h.list)
		recordings.POST("/", h.create)
		recordings.PATCH("/:id", h.update)
		recordings.DELETE("/:id", h.delete)
		recordings.GET("/:id/download", h.download)
	}
}

func (h *RecordingHandler) list(c *gin.Context) {
	filter := db.RecordingFilter{
		CameraID: c.Query("camera_id"),
		Status:   c.Query("status"),
	}
	if limit, err := strconv.Atoi(c.Query("limit")); err == nil {
		filter.Limit = limit
	}
	if offset, err := strconv.Atoi(c.Query("offset")); err == nil {
		filter.Offset = offset
	}

	recs, err := h.database.Recordings.List(c.Request.Context(), filter)
	if err != nil {
		respondError(c, apperrors.DatabaseError(err))
		return
	}
	respondOK(c, gin.H{"recordings": recs})
}

type recordingCreateRequest struct {
	CameraID  string `json:"camera_id" binding:"required"`
	FilePath  string `json:"file_path" binding:"required"`
	FileName  string `json:"file_name" binding:"required"`
	NodeName  string `json:"node_name"`
	StartTime string `json:"start_time"`
}

// create is called by the recorder pod when it opens a new file.
func (h *RecordingHandler) create(c *gin.Context) {
	var req recordingCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.ValidationDetail("invalid request body", err.Error()))
		return
	}

	cam, err := h.database.Cameras.Get(c.Request.Context(), req.CameraID)
	if err != nil {
		respondError(c, err)
		return
	}

	start := time.Now()
	if req.StartTime != "" {
		if start, err = time.Parse(time.RFC3339, req.StartTime); err != nil {
			respondError(c, apperrors.ValidationDetail("invalid start_time", err.Error()))
			return
		}
	}

	rec := &db.Recording{
		ID:         fmt.Sprintf("%s_%s", req.CameraID, start.Format("20060102150405")),
		CameraID:   req.CameraID,
		CameraName: cam.Name,
		FilePath:   req.FilePath,
		FileName:   req.FileName,
		StartTime:  start,
		NodeName:   req.NodeName,
		Status:     "recording",
	}
	if err := h.database.Recordings.Create(c.Request.Context(), rec); err != nil {
		respondError(c, apperrors.DatabaseError(err))
		return
	}
	respondCreated(c, rec)
}

type recordingUpdateRequest struct {
	Status          *string  `json:"status"`
	DurationSeconds *float64 `json:"duration_seconds"`
	FileSizeBytes   *int64   `json:"file_size_bytes"`
	ErrorMessage    *string  `json:"error_message"`
}

// update is called by the recorder pod to transition status (recording
// -> completed/error) once the file closes.
func (h *RecordingHandler) update(c *gin.Context) {
	var req recordingUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.ValidationDetail("invalid request body", err.Error()))
		return
	}

	rec, err := h.database.Recordings.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if rec == nil {
		respondError(c, apperrors.NotFound("recording", c.Param("id")))
		return
	}
	if req.Status != nil {
		rec.Status = *req.Status
	}
	if req.DurationSeconds != nil {
		rec.DurationSeconds = req.DurationSeconds
	}
	if req.FileSizeBytes != nil {
		rec.FileSizeBytes = req.FileSizeBytes
	}
	if req.ErrorMessage != nil {
		rec.ErrorMessage = *req.ErrorMessage
	}
	if err := h.database.Recordings.Update(c.Request.Context(), rec); err != nil {
		respondError(c, apperrors.DatabaseError(err))
		return
	}
	respondOK(c, rec)
}

func (h *RecordingHandler) delete(c *gin.Context) {
	id := c.Param("id")
	rec, err := h.database.Recordings.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	if rec == nil {
		respondError(c, apperrors.NotFound("recording", id))
		return
	}

	if c.Query("delete_file") == "true" && rec.NodeName != "" && rec.FilePath != "" {
		// Best-effort: a missing file on disk should never block removing
		// the row the user asked to delete, matching the Sweeper's own
		// tolerance for a file-server 404 during retention cleanup.
		if err := h.deleteFile(c.Request.Context(), rec.NodeName, rec.FilePath); err != nil {
			logger.HTTP().Warn().Err(err).Str("recording_id", id).Msg("delete_file=true failed, row will still be removed")
		}
	}

	if err := h.database.Recordings.Delete(c.Request.Context(), id); err != nil {
		respondError(c, apperrors.DatabaseError(err))
		return
	}
	respondNoContent(c)
}

func (h *RecordingHandler) download(c *gin.Context) {
	upstream, err := h.proxy.DownloadRecording(c.Request.Context(), c.Param("id"), c.GetHeader("Range"))
	if err != nil {
		respondError(c, err)
		return
	}
	defer upstream.Body.Close()

	c.Status(httpStatusOrOK(upstream.StatusCode))
	c.Header("Content-Type", upstream.ContentType)
	copyUpstream(c, upstream)
}

func httpStatusOrOK(status int) int {
	if status == 0 {
		return http.StatusOK
	}
	return status
}

func (h *RecordingHandler) deleteFile(ctx context.Context, nodeName, filePath string) error {
	info, err := h.nodes.Resolve(ctx, nodeName)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://%s:%d/files/%s", info.InternalIP, h.fileServerPort, filePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("file-server returned %d deleting %s", resp.StatusCode, filePath)
	}
	return nil
}
