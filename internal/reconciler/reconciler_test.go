package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/falcon-eye/falcon-eye/internal/cluster"
	"github.com/falcon-eye/falcon-eye/internal/db"
)

func podWithStatus(id string, state corev1.ContainerState) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "pod-" + id, Namespace: "falcon-eye", Labels: map[string]string{"falcon-eye/camera-id": id}},
		Status:     corev1.PodStatus{ContainerStatuses: []corev1.ContainerStatus{{State: state}}},
	}
}

func TestReconcileCamera_RunningPod(t *testing.T) {
	cs := fake.NewSimpleClientset(podWithStatus("c1", corev1.ContainerState{Running: &corev1.ContainerStateRunning{}}))
	c := cluster.NewFromClientset(cs, "falcon-eye")
	r := New(c, nil, 3*time.Minute, nil)

	cam := &db.Camera{ID: "c1", DeploymentName: "cam-office", Status: "creating"}
	result := r.ReconcileCamera(context.Background(), cam)
	assert.Equal(t, "running", result.Status)
	assert.True(t, result.Changed)
}

func TestReconcileCamera_CrashLoop(t *testing.T) {
	cs := fake.NewSimpleClientset(podWithStatus("c1", corev1.ContainerState{Waiting: &corev1.ContainerStateWaiting{Reason: "CrashLoopBackOff"}}))
	c := cluster.NewFromClientset(cs, "falcon-eye")
	r := New(c, nil, 3*time.Minute, nil)

	cam := &db.Camera{ID: "c1", DeploymentName: "cam-office", Status: "running"}
	result := r.ReconcileCamera(context.Background(), cam)
	assert.Equal(t, "error", result.Status)
	assert.Equal(t, "CrashLoopBackOff", result.ErrorMessage)
}

func TestReconcileCamera_StuckCreatingTriggersEviction(t *testing.T) {
	cs := fake.NewSimpleClientset()
	c := cluster.NewFromClientset(cs, "falcon-eye")

	var evicted bool
	r := New(c, nil, 1*time.Millisecond, func(ctx context.Context, kind, id string) {
		evicted = true
		assert.Equal(t, "camera", kind)
		assert.Equal(t, "c1", id)
	})

	cam := &db.Camera{ID: "c1", DeploymentName: "cam-office", Status: "creating", CreatedAt: time.Now().Add(-time.Hour)}
	result := r.ReconcileCamera(context.Background(), cam)
	require.True(t, evicted)
	assert.Equal(t, "error", result.Status)
	assert.Equal(t, "stuck creating", result.ErrorMessage)
}

func TestReconcileCamera_NoPodYetWithinTimeout(t *testing.T) {
	cs := fake.NewSimpleClientset()
	c := cluster.NewFromClientset(cs, "falcon-eye")
	r := New(c, nil, time.Hour, nil)

	cam := &db.Camera{ID: "c1", DeploymentName: "cam-office", Status: "creating", CreatedAt: time.Now()}
	result := r.ReconcileCamera(context.Background(), cam)
	assert.Equal(t, "creating", result.Status)
	assert.False(t, result.Changed)
}
