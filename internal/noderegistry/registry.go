// Package noderegistry resolves node names to internal IPs and exposes
// node readiness, labels, and taints to the rest of the control plane.
// Reads are served first from an in-memory map guarded by an RWMutex,
// then from the Redis cache (5-minute TTL). A background goroutine
// refreshes both every 5 minutes; Resolve (on a miss in both tiers) and
// List (on an empty map) also run the refresh synchronously on the
// calling goroutine, so the background goroutine is not the only writer.
package noderegistry

import (
	"context"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"

	"github.com/falcon-eye/falcon-eye/internal/apperrors"
	"github.com/falcon-eye/falcon-eye/internal/cache"
	"github.com/falcon-eye/falcon-eye/internal/cluster"
	"github.com/falcon-eye/falcon-eye/internal/logger"
)

const cacheTTL = 5 * time.Minute

// Taint mirrors a Kubernetes node taint.
type Taint struct {
	Key    string `json:"key"`
	Value  string `json:"value"`
	Effect string `json:"effect"`
}

// Info is the cached view of one node.
type Info struct {
	Name         string            `json:"name"`
	InternalIP   string            `json:"internal_ip"`
	Ready        bool              `json:"ready"`
	Labels       map[string]string `json:"labels"`
	Taints       []Taint           `json:"taints"`
	Architecture string            `json:"architecture"`
	OS           string            `json:"os"`
}

// Registry resolves node names to Info from an in-memory map, with Redis
// as a second tier; the map is rebuilt by the background refresher and by
// Resolve/List on a miss.
type Registry struct {
	cluster *cluster.Client
	cache   *cache.Cache

	mu      sync.RWMutex
	local   map[string]Info
	stopped chan struct{}
	once    sync.Once
}

// New builds a Registry. Call Start to begin the background refresher.
func New(clusterClient *cluster.Client, c *cache.Cache) *Registry {
	return &Registry{
		cluster: clusterClient,
		cache:   c,
		local:   make(map[string]Info),
		stopped: make(chan struct{}),
	}
}

// Start launches the single background refresher goroutine. Calling it
// more than once is a no-op.
func (r *Registry) Start(ctx context.Context) {
	r.once.Do(func() {
		go r.refreshLoop(ctx)
	})
}

// Stop halts the background refresher.
func (r *Registry) Stop() {
	close(r.stopped)
}

func (r *Registry) refreshLoop(ctx context.Context) {
	log := logger.NodeRegistry()
	if err := r.refresh(ctx); err != nil {
		log.Warn().Err(err).Msg("initial node registry refresh failed")
	}

	ticker := time.NewTicker(cacheTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopped:
			return
		case <-ticker.C:
			if err := r.refresh(ctx); err != nil {
				log.Warn().Err(err).Msg("node registry refresh failed")
			}
		}
	}
}

func (r *Registry) refresh(ctx context.Context) error {
	nodes, err := r.cluster.ReadNodes(ctx)
	if err != nil {
		return err
	}

	fresh := make(map[string]Info, len(nodes))
	for _, n := range nodes {
		info := convertNode(&n)
		fresh[info.Name] = info
		if r.cache != nil && r.cache.IsEnabled() {
			_ = r.cache.Set(ctx, cache.NodeInfoKey(info.Name), info, cacheTTL)
		}
	}

	r.mu.Lock()
	r.local = fresh
	r.mu.Unlock()

	if r.cache != nil && r.cache.IsEnabled() {
		_ = r.cache.Set(ctx, cache.AllNodesKey(), fresh, cacheTTL)
	}
	return nil
}

func convertNode(n *corev1.Node) Info {
	info := Info{
		Name:   n.Name,
		Labels: n.Labels,
	}
	for _, addr := range n.Status.Addresses {
		if addr.Type == corev1.NodeInternalIP {
			info.InternalIP = addr.Address
		}
	}
	for _, cond := range n.Status.Conditions {
		if cond.Type == corev1.NodeReady {
			info.Ready = cond.Status == corev1.ConditionTrue
		}
	}
	for _, t := range n.Spec.Taints {
		info.Taints = append(info.Taints, Taint{Key: t.Key, Value: t.Value, Effect: string(t.Effect)})
	}
	info.Architecture = n.Status.NodeInfo.Architecture
	info.OS = n.Status.NodeInfo.OperatingSystem
	return info
}

// Resolve returns the cached Info for name, or a NotFound error if the
// node is unknown. It never silently falls back to a default.
func (r *Registry) Resolve(ctx context.Context, name string) (*Info, error) {
	r.mu.RLock()
	info, ok := r.local[name]
	r.mu.RUnlock()
	if ok {
		return &info, nil
	}

	if r.cache != nil && r.cache.IsEnabled() {
		var cached Info
		if err := r.cache.Get(ctx, cache.NodeInfoKey(name), &cached); err == nil {
			return &cached, nil
		}
	}

	if err := r.refresh(ctx); err != nil {
		return nil, apperrors.ClusterError(err)
	}

	r.mu.RLock()
	info, ok = r.local[name]
	r.mu.RUnlock()
	if !ok {
		return nil, apperrors.NotFound("node", name)
	}
	return &info, nil
}

// List returns every known node, refreshing first if the cache is empty.
func (r *Registry) List(ctx context.Context) ([]Info, error) {
	r.mu.RLock()
	n := len(r.local)
	r.mu.RUnlock()
	if n == 0 {
		if err := r.refresh(ctx); err != nil {
			return nil, apperrors.ClusterError(err)
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.local))
	for _, info := range r.local {
		out = append(out, info)
	}
	return out, nil
}
