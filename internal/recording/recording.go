// Package recording guarantees at-most-one active Recording per Camera
// and owns the recorder sidecar's lifecycle: deploying it on demand,
// waiting for it to become ready, and relaying start/stop control calls.
package recording

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"golang.org/x/sync/singleflight"

	"github.com/falcon-eye/falcon-eye/internal/apperrors"
	"github.com/falcon-eye/falcon-eye/internal/cluster"
	"github.com/falcon-eye/falcon-eye/internal/db"
	"github.com/falcon-eye/falcon-eye/internal/logger"
	"github.com/falcon-eye/falcon-eye/internal/manifest"
)

const readinessPollInterval = 500 * time.Millisecond

// Supervisor implements EnsureRecorder/Start/Stop/RepairOrphaned.
type Supervisor struct {
	db             *db.Database
	cluster        *cluster.Client
	manifestCfg    manifest.Config
	httpClient     *http.Client
	readinessBound time.Duration
	ensureGroup    singleflight.Group
}

// New builds a Supervisor.
func New(database *db.Database, clusterClient *cluster.Client, manifestCfg manifest.Config) *Supervisor {
	return &Supervisor{
		db:             database,
		cluster:        clusterClient,
		manifestCfg:    manifestCfg,
		httpClient:     &http.Client{Timeout: 10 * time.Second},
		readinessBound: 20 * time.Second,
	}
}

// EnsureRecorder applies the recorder Deployment+Service for cam if
// absent, waits for the pod to become ready, and returns its internal
// URL. Concurrent calls for the same camera collapse into one deploy.
func (s *Supervisor) EnsureRecorder(ctx context.Context, cam *db.Camera) (string, error) {
	url, err, _ := s.ensureGroup.Do(cam.ID, func() (interface{}, error) {
		return s.ensureRecorderOnce(ctx, cam)
	})
	if err != nil {
		return "", err
	}
	return url.(string), nil
}

func (s *Supervisor) ensureRecorderOnce(ctx context.Context, cam *db.Camera) (string, error) {
	dep := manifest.RenderRecorder(cam, s.manifestCfg)
	if _, err := s.cluster.ApplyDeployment(ctx, dep); err != nil {
		return "", err
	}

	svcName := fmt.Sprintf("svc-%s", dep.Name)
	svc := recorderService(svcName, dep.Name, s.manifestCfg.Namespace, cam.ID)
	if _, err := s.cluster.ApplyService(ctx, svc); err != nil {
		return "", err
	}

	selector := fmt.Sprintf("falcon-eye/recorder-for=%s", cam.ID)
	deadline := time.Now().Add(s.readinessBound)
	for time.Now().Before(deadline) {
		pods, err := s.cluster.GetPodStatusForSelector(ctx, selector)
		if err == nil {
			for _, pod := range pods {
				if podReady(pod.Status) {
					url := fmt.Sprintf("http://%s.%s.svc.cluster.local:8080", svcName, s.manifestCfg.Namespace)
					return url, nil
				}
			}
		}
		select {
		case <-ctx.Done():
			return "", apperrors.Wrap(ctx.Err())
		case <-time.After(readinessPollInterval):
		}
	}
	return "", apperrors.ServiceUnavailable("recorder still deploying")
}

func recorderService(svcName, depName, namespace, cameraID string) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      svcName,
			Namespace: namespace,
			Labels:    map[string]string{"app.kubernetes.io/managed-by": "falcon-eye", "falcon-eye/recorder-for": cameraID},
		},
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeClusterIP,
			Selector: map[string]string{"app": depName},
			Ports:    []corev1.ServicePort{{Name: "control", Port: 8080, TargetPort: intstr.FromInt(8080)}},
		},
	}
}

func podReady(status corev1.PodStatus) bool {
	for _, cond := range status.Conditions {
		if cond.Type == corev1.PodReady {
			return cond.Status == corev1.ConditionTrue
		}
	}
	return false
}

// StartRecording validates the camera is running with an allocated
// stream port, rejects if a Recording is already active, ensures the
// recorder is deployed, and asks it to begin capturing.
func (s *Supervisor) StartRecording(ctx context.Context, cameraID string) error {
	cam, err := s.db.Cameras.Get(ctx, cameraID)
	if err != nil {
		return err
	}
	if cam.Status != "running" || cam.StreamPort == 0 {
		return apperrors.BadRequest("camera must be running with an allocated stream port to start recording")
	}

	active, err := s.db.Recordings.ActiveForCamera(ctx, cameraID)
	if err != nil {
		return err
	}
	if active != nil {
		return apperrors.Conflict(fmt.Sprintf("camera %s already has an active recording", cameraID))
	}

	recorderURL, err := s.EnsureRecorder(ctx, cam)
	if err != nil {
		return err
	}

	body, _ := json.Marshal(map[string]string{"camera_id": cam.ID, "camera_name": cam.Name})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, recorderURL+"/start", bytes.NewReader(body))
	if err != nil {
		return apperrors.InternalServer(err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return apperrors.UpstreamTimeout(fmt.Sprintf("recorder start call failed: %v", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return apperrors.ClusterError(fmt.Errorf("recorder returned status %d", resp.StatusCode))
	}
	return nil
}

// StopRecording asks the recorder to stop capturing. The recorder PATCHes
// the Recording row to stopped out-of-band once it has flushed the file.
func (s *Supervisor) StopRecording(ctx context.Context, cameraID string) error {
	cam, err := s.db.Cameras.Get(ctx, cameraID)
	if err != nil {
		return err
	}

	svcName := fmt.Sprintf("svc-rec-%s", manifest.Slugify(cam.Name))
	if _, err := s.cluster.GetService(ctx, svcName); err != nil {
		return apperrors.BadRequest("no recorder is deployed for this camera")
	}

	url := fmt.Sprintf("http://%s.%s.svc.cluster.local:8080/stop", svcName, s.manifestCfg.Namespace)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return apperrors.InternalServer(err.Error())
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return apperrors.UpstreamTimeout(fmt.Sprintf("recorder stop call failed: %v", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return apperrors.ClusterError(fmt.Errorf("recorder returned status %d", resp.StatusCode))
	}
	return nil
}

// RepairOrphaned marks a camera's active Recording stopped if its
// recorder pod no longer exists, called from the status read path.
func (s *Supervisor) RepairOrphaned(ctx context.Context, cameraID string) error {
	active, err := s.db.Recordings.ActiveForCamera(ctx, cameraID)
	if err != nil || active == nil {
		return err
	}

	selector := fmt.Sprintf("falcon-eye/recorder-for=%s", cameraID)
	pods, err := s.cluster.GetPodStatusForSelector(ctx, selector)
	if err != nil {
		logger.Recording().Warn().Err(err).Str("camera_id", cameraID).Msg("failed to check recorder pod during orphan repair")
		return nil
	}
	if len(pods) > 0 {
		return nil
	}

	active.Status = "stopped"
	active.ErrorMessage = "recorder pod gone"
	now := time.Now()
	active.EndTime = &now
	return s.db.Recordings.Update(ctx, active)
}

// RecordStarted persists a new Recording row, called when the recorder
// pod posts its start callback.
func (s *Supervisor) RecordStarted(ctx context.Context, rec *db.Recording) error {
	return s.db.Recordings.Create(ctx, rec)
}

// RecordStopped patches a Recording to stopped when the recorder posts
// its stop callback with the final file size and duration.
func (s *Supervisor) RecordStopped(ctx context.Context, recordingID string, endTime time.Time, fileSizeBytes int64) error {
	rec, err := s.db.Recordings.Get(ctx, recordingID)
	if err != nil {
		return err
	}
	rec.Status = "stopped"
	rec.EndTime = &endTime
	rec.FileSizeBytes = &fileSizeBytes
	duration := endTime.Sub(rec.StartTime).Seconds()
	rec.DurationSeconds = &duration
	return s.db.Recordings.Update(ctx, rec)
}
