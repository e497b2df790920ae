// Package sweeper implements the periodic reclaim pass: it repairs
// recording rows left behind by a vanished recorder pod, deletes
// cluster workloads whose owning entity row no longer exists, and
// retires recording files past their retention window. It is grounded
// on the teacher's internal/db/application_self_heal.go periodic
// orphan-repair loop (query-broken-rows, per-row best-effort repair,
// per-row outcome log, summary count) and driven by
// github.com/robfig/cron/v3 the same way the teacher drives its plugin
// scheduler (internal/plugins/scheduler.go), using the "@every"
// duration descriptor instead of a fixed cron expression so the tick
// period tracks the configured interval exactly.
package sweeper

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/falcon-eye/falcon-eye/internal/cluster"
	"github.com/falcon-eye/falcon-eye/internal/db"
	"github.com/falcon-eye/falcon-eye/internal/logger"
	"github.com/falcon-eye/falcon-eye/internal/noderegistry"
	"github.com/falcon-eye/falcon-eye/internal/recording"
	"github.com/falcon-eye/falcon-eye/internal/settings"
)

const (
	cameraIDLabel    = "falcon-eye/camera-id"
	recorderForLabel = "falcon-eye/recorder-for"
	cronJobIDLabel   = "cron-id"
)

// LockPruner is the narrow slice of the Chat Router the sweeper needs
// to age out idle per-session locks, kept as an interface so this
// package doesn't have to import internal/chat (which imports
// internal/tools, which this package does not need).
type LockPruner interface {
	PruneIdle(maxAge time.Duration) int
}

// Sweeper runs the reclaim pass on a timer.
type Sweeper struct {
	db       *db.Database
	cluster  *cluster.Client
	recorder *recording.Supervisor
	nodes    *noderegistry.Registry
	locks    LockPruner
	settings *settings.Facade

	interval       time.Duration
	fileServerPort int
	httpClient     *http.Client

	cronSched *cron.Cron
}

// New builds a Sweeper. interval is both the tick period and the idle
// threshold used to prune per-session locks.
func New(database *db.Database, clusterClient *cluster.Client, recorder *recording.Supervisor, nodes *noderegistry.Registry, locks LockPruner, settingsFacade *settings.Facade, interval time.Duration, fileServerPort int) *Sweeper {
	return &Sweeper{
		db:             database,
		cluster:        clusterClient,
		recorder:       recorder,
		nodes:          nodes,
		locks:          locks,
		settings:       settingsFacade,
		interval:       interval,
		fileServerPort: fileServerPort,
		httpClient:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Start registers the tick and begins the background scheduler.
func (s *Sweeper) Start(ctx context.Context) error {
	s.cronSched = cron.New()
	_, err := s.cronSched.AddFunc(fmt.Sprintf("@every %s", s.interval), func() {
		s.tick(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule sweeper tick: %w", err)
	}
	s.cronSched.Start()
	logger.Sweeper().Info().Dur("interval", s.interval).Msg("sweeper started")
	return nil
}

// Stop halts the scheduler, waiting for any in-flight tick to finish.
func (s *Sweeper) Stop() {
	if s.cronSched != nil {
		<-s.cronSched.Stop().Done()
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			logger.Sweeper().Error().Interface("panic", r).Msg("sweeper tick panicked, will retry next interval")
		}
	}()

	s.repairOrphanedRecordings(ctx)
	s.reclaimOrphanedWorkloads(ctx)
	s.reclaimOrphanedCronJobs(ctx)
	s.sweepRetention(ctx)
	if s.locks != nil {
		if n := s.locks.PruneIdle(s.interval); n > 0 {
			logger.Sweeper().Debug().Int("count", n).Msg("pruned idle chat session locks")
		}
	}
}

// RunOnce executes a single tick synchronously, for callers (and tests)
// that don't want to wait on the cron schedule.
func (s *Sweeper) RunOnce(ctx context.Context) {
	s.tick(ctx)
}

// repairOrphanedRecordings is step 1: for every Recording still marked
// "recording", check its recorder pod is actually alive; if not, mark
// it stopped. Grounded on application_self_heal.go's per-row
// best-effort repair with a summary count at the end.
func (s *Sweeper) repairOrphanedRecordings(ctx context.Context) {
	cameraIDs, err := s.db.Recordings.ActiveRecordingCameraIDs(ctx)
	if err != nil {
		logger.Sweeper().Error().Err(err).Msg("failed to load active recordings for orphan check")
		return
	}

	repaired := 0
	for _, cameraID := range cameraIDs {
		if err := s.recorder.RepairOrphaned(ctx, cameraID); err != nil {
			logger.Sweeper().Warn().Err(err).Str("camera_id", cameraID).Msg("orphan recording repair failed for camera")
			continue
		}
		repaired++
	}
	if len(cameraIDs) > 0 {
		logger.Sweeper().Info().Int("checked", len(cameraIDs)).Int("ok", repaired).Msg("orphan recording repair pass complete")
	}
}

// reclaimOrphanedWorkloads is steps 2-3: delete camera and recorder
// Deployments/Services whose label value no longer names a live
// camera row.
func (s *Sweeper) reclaimOrphanedWorkloads(ctx context.Context) {
	valid, err := s.db.Cameras.ValidIDs(ctx)
	if err != nil {
		logger.Sweeper().Error().Err(err).Msg("failed to load valid camera IDs")
		return
	}

	s.reclaimByLabel(ctx, cameraIDLabel, valid)
	s.reclaimByLabel(ctx, recorderForLabel, valid)
}

func (s *Sweeper) reclaimByLabel(ctx context.Context, label string, valid map[string]bool) {
	deps, svcs, err := s.cluster.ListWorkloadsByLabel(ctx, label)
	if err != nil {
		logger.Sweeper().Error().Err(err).Str("label", label).Msg("failed to list workloads for orphan sweep")
		return
	}

	deleted := 0
	for _, d := range deps {
		id := d.Labels[label]
		if id == "" || valid[id] {
			continue
		}
		if err := s.cluster.DeleteByName(ctx, "deployment", d.Name); err != nil {
			logger.Sweeper().Warn().Err(err).Str("deployment", d.Name).Msg("failed to delete orphaned deployment")
			continue
		}
		deleted++
	}
	for _, svc := range svcs {
		id := svc.Labels[label]
		if id == "" || valid[id] {
			continue
		}
		if err := s.cluster.DeleteByName(ctx, "service", svc.Name); err != nil {
			logger.Sweeper().Warn().Err(err).Str("service", svc.Name).Msg("failed to delete orphaned service")
			continue
		}
		deleted++
	}
	if deleted > 0 {
		logger.Sweeper().Info().Str("label", label).Int("deleted", deleted).Msg("reclaimed orphaned workloads")
	}
}

// reclaimOrphanedCronJobs mirrors reclaimOrphanedWorkloads for
// cluster CronJobs whose cron-id label no longer names a live row
// (Open Questions decision: Sweeper also reclaims CronJob workloads).
func (s *Sweeper) reclaimOrphanedCronJobs(ctx context.Context) {
	valid, err := s.db.CronJobs.ValidIDs(ctx)
	if err != nil {
		logger.Sweeper().Error().Err(err).Msg("failed to load valid cron job IDs")
		return
	}

	cronJobs, err := s.cluster.ListCronJobsByLabel(ctx, cronJobIDLabel)
	if err != nil {
		logger.Sweeper().Error().Err(err).Msg("failed to list cluster cron jobs for orphan sweep")
		return
	}

	deleted := 0
	for _, cj := range cronJobs {
		id := cj.Labels[cronJobIDLabel]
		if id == "" || valid[id] {
			continue
		}
		if err := s.cluster.DeleteByName(ctx, "cronjob", cj.Name); err != nil {
			logger.Sweeper().Warn().Err(err).Str("cronjob", cj.Name).Msg("failed to delete orphaned cluster cron job")
			continue
		}
		deleted++
	}
	if deleted > 0 {
		logger.Sweeper().Info().Int("deleted", deleted).Msg("reclaimed orphaned cron job workloads")
	}
}

// sweepRetention deletes Recording rows (and their files) older than
// RECORDING_RETENTION_DAYS, a mutable ConfigMap setting defaulting to
// 30 days; 0 disables the sweep. Never touches a row still
// status=recording (RecordingDB.OlderThan excludes it at the query).
func (s *Sweeper) sweepRetention(ctx context.Context) {
	days := s.settings.RetentionDays(ctx)
	if days <= 0 {
		return
	}

	cutoff := time.Now().AddDate(0, 0, -days)
	recs, err := s.db.Recordings.OlderThan(ctx, cutoff)
	if err != nil {
		logger.Sweeper().Error().Err(err).Msg("failed to load recordings for retention sweep")
		return
	}

	deleted := 0
	for _, rec := range recs {
		if rec.NodeName == "" || rec.FilePath == "" {
			continue
		}
		if err := s.deleteFile(ctx, rec.NodeName, rec.FilePath); err != nil {
			logger.Sweeper().Warn().Err(err).Str("recording_id", rec.ID).Msg("retention file delete failed, leaving row in place")
			continue
		}
		if err := s.db.Recordings.Delete(ctx, rec.ID); err != nil {
			logger.Sweeper().Warn().Err(err).Str("recording_id", rec.ID).Msg("retention row delete failed after file removed")
			continue
		}
		deleted++
	}
	if deleted > 0 {
		logger.Sweeper().Info().Int("deleted", deleted).Int("retention_days", days).Msg("retention sweep complete")
	}
}

func (s *Sweeper) deleteFile(ctx context.Context, nodeName, filePath string) error {
	info, err := s.nodes.Resolve(ctx, nodeName)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://%s:%d/files/%s", info.InternalIP, s.fileServerPort, filePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("file-server returned %d deleting %s", resp.StatusCode, filePath)
	}
	return nil
}
