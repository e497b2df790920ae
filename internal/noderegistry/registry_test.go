package noderegistry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/falcon-eye/falcon-eye/internal/apperrors"
	"github.com/falcon-eye/falcon-eye/internal/cache"
	"github.com/falcon-eye/falcon-eye/internal/cluster"
)

func newTestRegistry(t *testing.T, nodes ...*corev1.Node) *Registry {
	t.Helper()
	cs := fake.NewSimpleClientset()
	for _, n := range nodes {
		_, err := cs.CoreV1().Nodes().Create(context.Background(), n, metav1.CreateOptions{})
		require.NoError(t, err)
	}
	c := cluster.NewFromClientset(cs, "falcon-eye")
	noCache, err := cache.New(cache.Config{Enabled: false})
	require.NoError(t, err)
	return New(c, noCache)
}

func TestResolve_KnownNode(t *testing.T) {
	node := &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{Name: "k3s-1", Labels: map[string]string{"kubernetes.io/arch": "arm64"}},
		Status: corev1.NodeStatus{
			Addresses:  []corev1.NodeAddress{{Type: corev1.NodeInternalIP, Address: "10.0.0.5"}},
			Conditions: []corev1.NodeCondition{{Type: corev1.NodeReady, Status: corev1.ConditionTrue}},
		},
	}
	r := newTestRegistry(t, node)

	info, err := r.Resolve(context.Background(), "k3s-1")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", info.InternalIP)
	assert.True(t, info.Ready)
}

func TestResolve_UnknownNodeReturnsNotFound(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Resolve(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestList_ReturnsAllNodes(t *testing.T) {
	n1 := &corev1.Node{ObjectMeta: metav1.ObjectMeta{Name: "k3s-1"}}
	n2 := &corev1.Node{ObjectMeta: metav1.ObjectMeta{Name: "k3s-2"}}
	r := newTestRegistry(t, n1, n2)

	nodes, err := r.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, nodes, 2)
}
