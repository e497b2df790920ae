// Package settings implements the hot-reloadable configuration layer
// the HTTP surface's GET/PATCH /api/settings/ exposes: mutable values
// live in the falcon-eye-config ConfigMap, read through a Redis-backed
// cache invalidated on every write. Grounded on the teacher's
// internal/cache/keys.go key-namespacing convention, reusing the same
// Cache the Node Registry (C2) uses with a distinct prefix
// (cache.SettingsKey()).
package settings

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/falcon-eye/falcon-eye/internal/cache"
	"github.com/falcon-eye/falcon-eye/internal/cluster"
	"github.com/falcon-eye/falcon-eye/internal/logger"
)

// ConfigMapName is the durable store for every mutable setting.
const ConfigMapName = "falcon-eye-config"

const cacheTTL = 5 * time.Minute

// Well-known keys, per the durable cluster state contract.
const (
	KeyDefaultResolution   = "DEFAULT_RESOLUTION"
	KeyDefaultFramerate    = "DEFAULT_FRAMERATE"
	KeyDefaultCameraNode   = "DEFAULT_CAMERA_NODE"
	KeyDefaultRecorderNode = "DEFAULT_RECORDER_NODE"
	KeyCleanupInterval     = "CLEANUP_INTERVAL"
	KeyCreatingTimeoutMins = "CREATING_TIMEOUT_MINUTES"
	KeyChatbotTools        = "CHATBOT_TOOLS"
	KeyRecordingRetention  = "RECORDING_RETENTION_DAYS"
)

const defaultRetentionDays = 30

// Facade reads and writes the settings ConfigMap, caching the full
// key/value snapshot.
type Facade struct {
	cluster *cluster.Client
	cache   *cache.Cache
}

// New builds a Facade. A disabled cache (cache.Cache{}.IsEnabled() ==
// false) makes every Get a direct ConfigMap read.
func New(clusterClient *cluster.Client, c *cache.Cache) *Facade {
	return &Facade{cluster: clusterClient, cache: c}
}

// Get returns the full current settings snapshot, preferring the cache.
func (f *Facade) Get(ctx context.Context) (map[string]string, error) {
	var data map[string]string
	if f.cache.IsEnabled() {
		if err := f.cache.Get(ctx, cache.SettingsKey(), &data); err == nil {
			return data, nil
		}
	}

	data, err := f.cluster.ReadConfigMap(ctx, ConfigMapName)
	if err != nil {
		return nil, err
	}

	if f.cache.IsEnabled() {
		if err := f.cache.Set(ctx, cache.SettingsKey(), data, cacheTTL); err != nil {
			logger.Settings().Warn().Err(err).Msg("failed to cache settings snapshot")
		}
	}
	return data, nil
}

// Patch merges patch into the ConfigMap, invalidates the cache, and
// returns the resulting full snapshot.
func (f *Facade) Patch(ctx context.Context, patch map[string]string) (map[string]string, error) {
	if err := f.cluster.PatchConfigMap(ctx, ConfigMapName, patch); err != nil {
		return nil, err
	}

	if f.cache.IsEnabled() {
		if err := f.cache.DeletePattern(ctx, cache.SettingsPattern()); err != nil {
			logger.Settings().Warn().Err(err).Msg("failed to invalidate settings cache after patch")
		}
	}

	return f.Get(ctx)
}

// RetentionDays returns the current RECORDING_RETENTION_DAYS value,
// falling back to the documented default on any read or parse failure.
// The Sweeper calls this instead of reading the ConfigMap directly.
func (f *Facade) RetentionDays(ctx context.Context) int {
	data, err := f.Get(ctx)
	if err != nil {
		logger.Settings().Warn().Err(err).Msg("failed to read settings, using default retention")
		return defaultRetentionDays
	}
	raw, ok := data[KeyRecordingRetention]
	if !ok {
		return defaultRetentionDays
	}
	days, err := strconv.Atoi(raw)
	if err != nil {
		logger.Settings().Warn().Str("value", raw).Msg("invalid RECORDING_RETENTION_DAYS, using default")
		return defaultRetentionDays
	}
	return days
}

// ChatbotTools returns the comma-separated CHATBOT_TOOLS value split
// into individual tool IDs, trimmed of whitespace.
func (f *Facade) ChatbotTools(ctx context.Context) ([]string, error) {
	data, err := f.Get(ctx)
	if err != nil {
		return nil, err
	}
	raw, ok := data[KeyChatbotTools]
	if !ok || raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out, nil
}
