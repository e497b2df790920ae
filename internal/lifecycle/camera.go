// Package lifecycle implements the Camera and Agent state machines:
// pending → creating → running → {stopped, error, deleting}. Every
// transition captures cluster failures into the row's status/metadata
// instead of retrying on its own — the next List or an explicit caller
// retry is what drives recovery forward.
package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/falcon-eye/falcon-eye/internal/apperrors"
	"github.com/falcon-eye/falcon-eye/internal/cluster"
	"github.com/falcon-eye/falcon-eye/internal/db"
	"github.com/falcon-eye/falcon-eye/internal/events"
	"github.com/falcon-eye/falcon-eye/internal/logger"
	"github.com/falcon-eye/falcon-eye/internal/manifest"
	"github.com/falcon-eye/falcon-eye/internal/reconciler"
	"github.com/falcon-eye/falcon-eye/internal/recording"
)

const (
	deletionGracePeriod    = 15 * time.Second
	usbDeletionGracePeriod = 30 * time.Second
)

// CameraController drives Camera rows through their state machine.
type CameraController struct {
	db          *db.Database
	cluster     *cluster.Client
	recorder    *recording.Supervisor
	reconciler  *reconciler.Reconciler
	manifestCfg manifest.Config
	events      *events.Publisher
}

// NewCameraController builds a CameraController. events may be nil in
// tests; a nil publisher is never dereferenced directly, callers go
// through the controller's own publish helper.
func NewCameraController(database *db.Database, clusterClient *cluster.Client, recorder *recording.Supervisor, rec *reconciler.Reconciler, manifestCfg manifest.Config, eventPublisher *events.Publisher) *CameraController {
	return &CameraController{db: database, cluster: clusterClient, recorder: recorder, reconciler: rec, manifestCfg: manifestCfg, events: eventPublisher}
}

func (c *CameraController) publishStatus(cam *db.Camera) {
	if c.events == nil {
		return
	}
	c.events.PublishCameraStatus(events.CameraStatusEvent{CameraID: cam.ID, Name: cam.Name, Status: cam.Status})
}

// CreateParams is the user-supplied shape for creating a Camera.
type CreateParams struct {
	Name       string
	Protocol   string
	Location   string
	SourceURL  string
	DevicePath string
	NodeName   string
	Resolution string
	Framerate  int
	Metadata   db.Metadata
}

// Create validates, inserts, and (for USB cameras) immediately deploys
// the capture workload. Network cameras are created stopped and wait
// for an explicit Start.
func (c *CameraController) Create(ctx context.Context, p CreateParams) (*db.Camera, error) {
	if err := validateCreate(p); err != nil {
		return nil, err
	}

	cam := &db.Camera{
		Name: p.Name, Protocol: p.Protocol, Location: p.Location, SourceURL: p.SourceURL,
		DevicePath: p.DevicePath, NodeName: p.NodeName,
		Resolution: orDefault(p.Resolution, "640x480"),
		Framerate:  orDefaultInt(p.Framerate, 15),
		Metadata:   p.Metadata,
	}

	if cam.Protocol == "usb" {
		exists, err := c.db.Cameras.ExistsUSBDevice(ctx, cam.NodeName, cam.DevicePath, "")
		if err != nil {
			return nil, err
		}
		if exists {
			return nil, apperrors.Conflict(fmt.Sprintf("device %s on node %s is already registered", cam.DevicePath, cam.NodeName))
		}
		cam.Status = "creating"
		if err := c.db.Cameras.Create(ctx, cam); err != nil {
			return nil, err
		}
		c.deployCameraWorkloads(ctx, cam)
		return cam, nil
	}

	exists, err := c.db.Cameras.ExistsSourceHost(ctx, hostPort(cam.SourceURL), "")
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, apperrors.Conflict(fmt.Sprintf("source %s is already registered", cam.SourceURL))
	}
	cam.Status = "stopped"
	if err := c.db.Cameras.Create(ctx, cam); err != nil {
		return nil, err
	}
	return cam, nil
}

func validateCreate(p CreateParams) error {
	if len(p.Name) == 0 || len(p.Name) > 255 {
		return apperrors.Validation("name must be 1-255 characters")
	}
	switch p.Protocol {
	case "usb":
		if p.DevicePath == "" || p.NodeName == "" {
			return apperrors.BadRequest("usb cameras require device_path and node_name")
		}
	case "rtsp", "onvif", "http":
		if p.SourceURL == "" {
			return apperrors.BadRequest("network cameras require source_url")
		}
	default:
		return apperrors.Validation(fmt.Sprintf("unknown protocol %q", p.Protocol))
	}
	if p.Framerate != 0 && (p.Framerate < 1 || p.Framerate > 60) {
		return apperrors.Validation("framerate must be between 1 and 60")
	}
	return nil
}

func hostPort(sourceURL string) string {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(sourceURL, "rtsp://"), "http://")
	if idx := strings.Index(trimmed, "/"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	return trimmed
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func orDefaultInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

// deployCameraWorkloads renders and applies the capture Deployment,
// Service, and recorder, setting the row to running on success or error
// with metadata.error on failure. It never returns an error to the
// caller — Create already returned 201 by the time this runs for the
// Start path, and synchronously for the USB create path the caller only
// needs the final row state, read back via Get.
func (c *CameraController) deployCameraWorkloads(ctx context.Context, cam *db.Camera) {
	log := logger.Lifecycle()

	spec, err := manifest.RenderCamera(cam, c.manifestCfg)
	if err != nil {
		c.markError(ctx, cam, err)
		return
	}

	dep, err := c.cluster.ApplyDeployment(ctx, spec.Deployment)
	if err != nil {
		c.markError(ctx, cam, err)
		return
	}
	svc, err := c.cluster.ApplyService(ctx, spec.Service)
	if err != nil {
		c.markError(ctx, cam, err)
		return
	}

	if _, err := c.recorder.EnsureRecorder(ctx, cam); err != nil {
		log.Warn().Err(err).Str("camera_id", cam.ID).Msg("recorder deploy failed during camera create, continuing")
	}

	cam.DeploymentName = dep.Name
	cam.ServiceName = svc.Name
	for _, p := range svc.Spec.Ports {
		if p.Name == "stream" {
			cam.StreamPort = int(p.Port)
		}
		if p.Name == "control" {
			cam.ControlPort = int(p.Port)
		}
	}
	cam.Status = "running"
	if err := c.db.Cameras.Update(ctx, cam); err != nil {
		log.Error().Err(err).Str("camera_id", cam.ID).Msg("failed to persist running status")
		return
	}
	c.publishStatus(cam)
}

func (c *CameraController) markError(ctx context.Context, cam *db.Camera, err error) {
	if cam.Metadata == nil {
		cam.Metadata = db.Metadata{}
	}
	cam.Metadata["error"] = err.Error()
	if updateErr := c.db.Cameras.UpdateStatus(ctx, cam.ID, "error", cam.Metadata); updateErr != nil {
		logger.Lifecycle().Error().Err(updateErr).Str("camera_id", cam.ID).Msg("failed to persist error status")
		return
	}
	cam.Status = "error"
	c.publishStatus(cam)
}

// Start transitions a stopped Camera to running, identical to the
// USB-create path but without the duplicate-device check.
func (c *CameraController) Start(ctx context.Context, id string) (*db.Camera, error) {
	cam, err := c.db.Cameras.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cam.Status == "deleting" {
		return nil, apperrors.BadRequest("camera is being deleted")
	}
	if err := c.db.Cameras.UpdateStatus(ctx, cam.ID, "creating", cam.Metadata); err != nil {
		return nil, err
	}
	cam.Status = "creating"
	c.deployCameraWorkloads(ctx, cam)
	return c.db.Cameras.Get(ctx, id)
}

// Stop deletes the camera's workloads by label and marks it stopped.
func (c *CameraController) Stop(ctx context.Context, id string) (*db.Camera, error) {
	cam, err := c.db.Cameras.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := c.stopWorkloads(ctx, cam.ID); err != nil {
		return nil, err
	}
	if err := c.db.Cameras.UpdateStatus(ctx, cam.ID, "stopped", cam.Metadata); err != nil {
		return nil, err
	}
	cam.Status = "stopped"
	c.publishStatus(cam)
	return c.db.Cameras.Get(ctx, id)
}

func (c *CameraController) stopWorkloads(ctx context.Context, cameraID string) error {
	if err := c.cluster.DeleteByLabels(ctx, fmt.Sprintf("falcon-eye/camera-id=%s", cameraID)); err != nil {
		return err
	}
	return c.cluster.DeleteByLabels(ctx, fmt.Sprintf("falcon-eye/recorder-for=%s", cameraID))
}

// Restart stops then starts the camera.
func (c *CameraController) Restart(ctx context.Context, id string) (*db.Camera, error) {
	if _, err := c.Stop(ctx, id); err != nil {
		return nil, err
	}
	return c.Start(ctx, id)
}

// Delete marks the camera deleting, returns immediately, and performs
// teardown asynchronously: stop workloads, wait for pod termination,
// mark any still-recording Recording stopped with camera_deleted=true,
// then remove the row.
func (c *CameraController) Delete(ctx context.Context, id string) error {
	cam, err := c.db.Cameras.Get(ctx, id)
	if err != nil {
		return err
	}
	if cam.Status == "deleting" {
		return apperrors.BadRequest("camera is already being deleted")
	}

	if err := c.db.Cameras.UpdateStatus(ctx, cam.ID, "deleting", cam.Metadata); err != nil {
		return err
	}

	go c.finishDelete(context.Background(), cam)
	return nil
}

func (c *CameraController) finishDelete(ctx context.Context, cam *db.Camera) {
	log := logger.Lifecycle()

	if err := c.stopWorkloads(ctx, cam.ID); err != nil {
		log.Error().Err(err).Str("camera_id", cam.ID).Msg("failed to delete workloads during camera delete")
	}

	grace := deletionGracePeriod
	if cam.Protocol == "usb" {
		grace += usbDeletionGracePeriod
	}
	c.waitForPodTermination(ctx, cam.ID, grace)

	if err := c.db.Recordings.MarkStoppedForDeletedCamera(ctx, cam.ID); err != nil {
		log.Error().Err(err).Str("camera_id", cam.ID).Msg("failed to mark recordings stopped on camera delete")
	}

	if err := c.db.Cameras.Delete(ctx, cam.ID); err != nil {
		log.Error().Err(err).Str("camera_id", cam.ID).Msg("failed to remove camera row")
		return
	}
	if c.events != nil {
		c.events.PublishCameraDeleted(events.CameraDeletedEvent{CameraID: cam.ID, Name: cam.Name})
	}
}

func (c *CameraController) waitForPodTermination(ctx context.Context, cameraID string, grace time.Duration) {
	deadline := time.Now().Add(grace)
	selector := fmt.Sprintf("falcon-eye/camera-id=%s", cameraID)
	for time.Now().Before(deadline) {
		pods, err := c.cluster.GetPodStatusForSelector(ctx, selector)
		if err != nil || len(pods) == 0 {
			return
		}
		time.Sleep(500 * time.Millisecond)
	}
}

// UpdateSourceURL applies the spec's "Update(source_url) on running
// performs a Restart" rule.
func (c *CameraController) UpdateSourceURL(ctx context.Context, id, sourceURL string) (*db.Camera, error) {
	cam, err := c.db.Cameras.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	cam.SourceURL = sourceURL
	if err := c.db.Cameras.Update(ctx, cam); err != nil {
		return nil, err
	}
	if cam.Status == "running" {
		return c.Restart(ctx, id)
	}
	return cam, nil
}

// Get reads a Camera and reconciles its status against live pod state
// before returning it, per the Status Reconciler's read-path contract.
func (c *CameraController) Get(ctx context.Context, id string) (*db.Camera, error) {
	cam, err := c.db.Cameras.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	c.syncStatus(ctx, cam)
	if err := c.recorder.RepairOrphaned(ctx, cam.ID); err != nil {
		logger.Lifecycle().Warn().Err(err).Str("camera_id", cam.ID).Msg("orphan repair failed")
	}
	return cam, nil
}

// List reads every Camera matching f and reconciles each before return.
func (c *CameraController) List(ctx context.Context, f db.CameraFilter) ([]*db.Camera, error) {
	cams, err := c.db.Cameras.List(ctx, f)
	if err != nil {
		return nil, err
	}
	for _, cam := range cams {
		c.syncStatus(ctx, cam)
	}
	return cams, nil
}

func (c *CameraController) syncStatus(ctx context.Context, cam *db.Camera) {
	result := c.reconciler.ReconcileCamera(ctx, cam)
	if !result.Changed {
		return
	}
	if cam.Metadata == nil {
		cam.Metadata = db.Metadata{}
	}
	if result.ErrorMessage != "" {
		cam.Metadata["error"] = result.ErrorMessage
	}
	cam.Status = result.Status
	if err := c.db.Cameras.UpdateStatus(ctx, cam.ID, cam.Status, cam.Metadata); err != nil {
		logger.Lifecycle().Warn().Err(err).Str("camera_id", cam.ID).Msg("failed to persist reconciled status")
	}
}

// EvictStuckCreate is the callback the reconciler invokes when a row has
// exceeded creating_timeout_minutes with no backing pod.
func (c *CameraController) EvictStuckCreate(ctx context.Context, id string) {
	if _, err := c.Stop(ctx, id); err != nil {
		logger.Lifecycle().Warn().Err(err).Str("camera_id", id).Msg("failed to stop workloads during stuck-create eviction")
	}
	cam, err := c.db.Cameras.Get(ctx, id)
	if err != nil {
		return
	}
	if cam.Metadata == nil {
		cam.Metadata = db.Metadata{}
	}
	cam.Metadata["error"] = "stuck creating"
	_ = c.db.Cameras.UpdateStatus(ctx, id, "error", cam.Metadata)
}
