// Package reconciler syncs Camera and Agent rows to the live pod status
// on every read, so GET responses never lag a pod crash or a slow
// scheduler by more than one request. It runs only inline on the read
// path: the Sweeper's tick does not call it and no timer drives it, so a
// row that is not read keeps its stored status, and a stuck `creating`
// row is detected only when it is read.
package reconciler

import (
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"

	"github.com/falcon-eye/falcon-eye/internal/cluster"
	"github.com/falcon-eye/falcon-eye/internal/db"
	"github.com/falcon-eye/falcon-eye/internal/logger"
)

// Reconciler maps pod status onto Camera/Agent rows.
type Reconciler struct {
	cluster                *cluster.Client
	db                     *db.Database
	creatingTimeout        time.Duration
	onStuckCreate          func(ctx context.Context, entityKind, entityID string)
}

// New builds a Reconciler. onStuckCreate is invoked when a row has been
// `creating` longer than creatingTimeout; it is expected to perform the
// Stop+error eviction (owned by the Lifecycle Controller, not here, to
// avoid an import cycle between the two packages).
func New(clusterClient *cluster.Client, database *db.Database, creatingTimeout time.Duration, onStuckCreate func(ctx context.Context, entityKind, entityID string)) *Reconciler {
	return &Reconciler{cluster: clusterClient, db: database, creatingTimeout: creatingTimeout, onStuckCreate: onStuckCreate}
}

// Result is the outcome of reconciling one entity.
type Result struct {
	Status       string
	ErrorMessage string
	Changed      bool
}

// ReconcileCamera reads the pod status for cam and maps it onto a
// status, invoking onStuckCreate if cam has exceeded the creating
// timeout with no pod.
func (r *Reconciler) ReconcileCamera(ctx context.Context, cam *db.Camera) Result {
	if cam.DeploymentName == "" && cam.Status != "creating" {
		return Result{Status: cam.Status}
	}

	selector := fmt.Sprintf("falcon-eye/camera-id=%s", cam.ID)
	pods, err := r.cluster.GetPodStatusForSelector(ctx, selector)
	if err != nil {
		logger.Reconciler().Warn().Err(err).Str("camera_id", cam.ID).Msg("failed to read pod status")
		return Result{Status: cam.Status}
	}

	return r.mapPodStatus(ctx, "camera", cam.ID, cam.Status, cam.CreatedAt, pods)
}

// ReconcileAgent mirrors ReconcileCamera for Agent rows.
func (r *Reconciler) ReconcileAgent(ctx context.Context, a *db.Agent) Result {
	if a.DeploymentName == "" && a.Status != "creating" {
		return Result{Status: a.Status}
	}

	selector := fmt.Sprintf("falcon-eye/agent-id=%s", a.ID)
	pods, err := r.cluster.GetPodStatusForSelector(ctx, selector)
	if err != nil {
		logger.Reconciler().Warn().Err(err).Str("agent_id", a.ID).Msg("failed to read pod status")
		return Result{Status: a.Status}
	}

	return r.mapPodStatus(ctx, "agent", a.ID, a.Status, a.CreatedAt, pods)
}

func (r *Reconciler) mapPodStatus(ctx context.Context, kind, id, currentStatus string, createdAt time.Time, pods []corev1.Pod) Result {
	if len(pods) == 0 {
		if currentStatus == "creating" && time.Since(createdAt) >= r.creatingTimeout {
			if r.onStuckCreate != nil {
				r.onStuckCreate(ctx, kind, id)
			}
			return Result{Status: "error", ErrorMessage: "stuck creating", Changed: true}
		}
		return Result{Status: currentStatus}
	}

	pod := pods[0]
	if len(pod.Status.ContainerStatuses) == 0 {
		return Result{Status: currentStatus}
	}
	cs := pod.Status.ContainerStatuses[0]

	switch {
	case cs.State.Running != nil:
		if currentStatus != "running" {
			return Result{Status: "running", Changed: true}
		}
		return Result{Status: "running"}
	case cs.State.Waiting != nil && isCrashReason(cs.State.Waiting.Reason):
		return Result{Status: "error", ErrorMessage: cs.State.Waiting.Reason, Changed: currentStatus != "error"}
	case cs.State.Terminated != nil:
		return Result{Status: "error", ErrorMessage: cs.State.Terminated.Reason, Changed: currentStatus != "error"}
	default:
		return Result{Status: currentStatus}
	}
}

func isCrashReason(reason string) bool {
	switch reason {
	case "CrashLoopBackOff", "ImagePullBackOff", "ErrImagePull", "CreateContainerConfigError", "InvalidImageName":
		return true
	default:
		return false
	}
}
