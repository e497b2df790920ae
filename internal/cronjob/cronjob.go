// Package cronjob implements the CronJob entity's lifecycle: the
// persistence row plus the cluster-level CronJob manifest that actually
// ticks it. It is the single place both the HTTP surface's CronJob CRUD
// endpoints and the chat tool registry's create_cron_job handler go
// through, so the two never diverge on what "create a scheduled prompt"
// means.
package cronjob

import (
	"context"
	"fmt"

	"github.com/falcon-eye/falcon-eye/internal/apperrors"
	"github.com/falcon-eye/falcon-eye/internal/cluster"
	"github.com/falcon-eye/falcon-eye/internal/db"
	"github.com/falcon-eye/falcon-eye/internal/logger"
	"github.com/falcon-eye/falcon-eye/internal/manifest"
)

const defaultTimeoutSeconds = 300

// Controller wires the cron_jobs table to the cluster-level CronJob that
// actually fires it.
type Controller struct {
	db          *db.Database
	cluster     *cluster.Client
	manifestCfg manifest.Config
}

// New builds a Controller.
func New(database *db.Database, clusterClient *cluster.Client, manifestCfg manifest.Config) *Controller {
	return &Controller{db: database, cluster: clusterClient, manifestCfg: manifestCfg}
}

// CreateParams is the caller-supplied shape for a new scheduled prompt.
type CreateParams struct {
	AgentID        string
	CronExpr       string
	Timezone       string
	Prompt         string
	TimeoutSeconds int
}

// Create validates params, persists the row, and applies the matching
// cluster CronJob manifest.
func (c *Controller) Create(ctx context.Context, p CreateParams) (*db.CronJob, error) {
	if p.AgentID == "" || p.CronExpr == "" || p.Prompt == "" {
		return nil, apperrors.Validation("agent_id, cron_expr, and prompt are required")
	}
	agent, err := c.db.Agents.Get(ctx, p.AgentID)
	if err != nil {
		return nil, err
	}

	timeout := p.TimeoutSeconds
	if timeout <= 0 {
		timeout = defaultTimeoutSeconds
	}

	cj := &db.CronJob{
		AgentID:        p.AgentID,
		CronExpr:       p.CronExpr,
		Timezone:       p.Timezone,
		Prompt:         p.Prompt,
		TimeoutSeconds: timeout,
		Enabled:        true,
	}
	if err := c.db.CronJobs.Create(ctx, cj); err != nil {
		return nil, err
	}

	if err := c.apply(ctx, cj, agent); err != nil {
		logger.CronJob().Warn().Err(err).Str("cron_job_id", cj.ID).Msg("cron job persisted but manifest apply failed")
		return nil, err
	}
	return cj, nil
}

// UpdateParams is the mutable subset of a CronJob a caller may change.
type UpdateParams struct {
	CronExpr       string
	Timezone       string
	Prompt         string
	TimeoutSeconds int
}

// Update patches cj's schedule/prompt/timeout and re-applies its manifest.
func (c *Controller) Update(ctx context.Context, id string, p UpdateParams) (*db.CronJob, error) {
	cj, err := c.db.CronJobs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.CronExpr != "" {
		cj.CronExpr = p.CronExpr
	}
	if p.Prompt != "" {
		cj.Prompt = p.Prompt
	}
	cj.Timezone = p.Timezone
	if p.TimeoutSeconds > 0 {
		cj.TimeoutSeconds = p.TimeoutSeconds
	}

	if err := c.db.CronJobs.Update(ctx, cj); err != nil {
		return nil, err
	}

	agent, err := c.db.Agents.Get(ctx, cj.AgentID)
	if err != nil {
		return nil, err
	}
	if err := c.apply(ctx, cj, agent); err != nil {
		logger.CronJob().Warn().Err(err).Str("cron_job_id", cj.ID).Msg("cron job updated but manifest apply failed")
		return nil, err
	}
	return cj, nil
}

// SetEnabled toggles cj between firing on schedule and sitting suspended;
// the row survives either way, only the cluster CronJob's Suspend flag
// changes.
func (c *Controller) SetEnabled(ctx context.Context, id string, enabled bool) (*db.CronJob, error) {
	cj, err := c.db.CronJobs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	cj.Enabled = enabled
	if err := c.db.CronJobs.Update(ctx, cj); err != nil {
		return nil, err
	}

	agent, err := c.db.Agents.Get(ctx, cj.AgentID)
	if err != nil {
		return nil, err
	}
	if err := c.apply(ctx, cj, agent); err != nil {
		logger.CronJob().Warn().Err(err).Str("cron_job_id", cj.ID).Msg("cron job toggled but manifest apply failed")
		return nil, err
	}
	return cj, nil
}

// Get retrieves one CronJob row.
func (c *Controller) Get(ctx context.Context, id string) (*db.CronJob, error) {
	return c.db.CronJobs.Get(ctx, id)
}

// List returns every CronJob row.
func (c *Controller) List(ctx context.Context) ([]*db.CronJob, error) {
	return c.db.CronJobs.List(ctx)
}

// Delete removes both the row and its cluster-level CronJob, tolerating
// the workload already being gone.
func (c *Controller) Delete(ctx context.Context, id string) error {
	selector := fmt.Sprintf("cron-id=%s", id)
	existing, err := c.cluster.ListCronJobsByLabel(ctx, selector)
	if err != nil {
		return err
	}
	for _, cj := range existing {
		if err := c.cluster.DeleteByName(ctx, "cronjob", cj.Name); err != nil {
			return err
		}
	}
	return c.db.CronJobs.Delete(ctx, id)
}

func (c *Controller) apply(ctx context.Context, cj *db.CronJob, agent *db.Agent) error {
	spec := manifest.RenderScheduledCronJob(cj, agent, c.manifestCfg)
	suspend := !cj.Enabled
	spec.Spec.Suspend = &suspend
	_, err := c.cluster.EnsureCronJob(ctx, spec)
	return err
}
