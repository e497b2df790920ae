package lifecycle

import (
	"context"
	"fmt"

	"github.com/falcon-eye/falcon-eye/internal/apperrors"
	"github.com/falcon-eye/falcon-eye/internal/cluster"
	"github.com/falcon-eye/falcon-eye/internal/db"
	"github.com/falcon-eye/falcon-eye/internal/events"
	"github.com/falcon-eye/falcon-eye/internal/logger"
	"github.com/falcon-eye/falcon-eye/internal/manifest"
	"github.com/falcon-eye/falcon-eye/internal/reconciler"
)

// AgentController drives Agent rows through their state machine. Agents
// share the same pending/creating/running/error/stopped/deleting shape
// as Camera, minus the USB duplicate-device check.
type AgentController struct {
	db          *db.Database
	cluster     *cluster.Client
	reconciler  *reconciler.Reconciler
	manifestCfg manifest.Config
	events      *events.Publisher
}

// NewAgentController builds an AgentController. events may be nil in tests.
func NewAgentController(database *db.Database, clusterClient *cluster.Client, rec *reconciler.Reconciler, manifestCfg manifest.Config, eventPublisher *events.Publisher) *AgentController {
	return &AgentController{db: database, cluster: clusterClient, reconciler: rec, manifestCfg: manifestCfg, events: eventPublisher}
}

func (c *AgentController) publishStatus(a *db.Agent) {
	if c.events == nil {
		return
	}
	c.events.PublishAgentStatus(events.AgentStatusEvent{AgentID: a.ID, Name: a.Name, Status: a.Status})
}

// AgentCreateParams is the user-supplied shape for creating an Agent.
type AgentCreateParams struct {
	Name          string
	Provider      string
	Model         string
	APIKeyRef     string
	SystemPrompt  string
	Temperature   float64
	MaxTokens     int
	ChannelType   string
	ChannelConfig db.ChannelConfig
	Tools         db.ToolList
	CPULimit      string
	MemoryLimit   string
	Ephemeral     bool
}

// Create validates and inserts an Agent row, then deploys its workload.
func (c *AgentController) Create(ctx context.Context, p AgentCreateParams) (*db.Agent, error) {
	if err := validateAgentCreate(p); err != nil {
		return nil, err
	}

	a := &db.Agent{
		Name: p.Name, Slug: manifest.Slugify(p.Name), Provider: p.Provider, Model: p.Model,
		APIKeyRef: p.APIKeyRef, SystemPrompt: p.SystemPrompt, Temperature: p.Temperature,
		MaxTokens: p.MaxTokens, ChannelType: p.ChannelType, ChannelConfig: p.ChannelConfig,
		Tools: p.Tools, CPULimit: orDefault(p.CPULimit, "100m"), MemoryLimit: orDefault(p.MemoryLimit, "256Mi"),
		Ephemeral: p.Ephemeral, Status: "creating",
	}

	if err := c.db.Agents.Create(ctx, a); err != nil {
		return nil, err
	}
	c.deployAgentWorkload(ctx, a)
	return a, nil
}

func validateAgentCreate(p AgentCreateParams) error {
	if len(p.Name) == 0 {
		return apperrors.Validation("name is required")
	}
	if p.Temperature < 0 || p.Temperature > 2 {
		return apperrors.Validation("temperature must be between 0 and 2")
	}
	switch p.ChannelType {
	case "", "telegram", "webhook":
	default:
		return apperrors.Validation(fmt.Sprintf("unknown channel_type %q", p.ChannelType))
	}
	return nil
}

func (c *AgentController) deployAgentWorkload(ctx context.Context, a *db.Agent) {
	log := logger.Lifecycle()
	spec := manifest.RenderAgent(a, c.manifestCfg)

	dep, err := c.cluster.ApplyDeployment(ctx, spec.Deployment)
	if err != nil {
		c.markError(ctx, a, err)
		return
	}
	svc, err := c.cluster.ApplyService(ctx, spec.Service)
	if err != nil {
		c.markError(ctx, a, err)
		return
	}

	a.DeploymentName = dep.Name
	a.ServiceName = svc.Name
	a.Status = "running"
	if err := c.db.Agents.Update(ctx, a); err != nil {
		log.Error().Err(err).Str("agent_id", a.ID).Msg("failed to persist running status")
		return
	}
	c.publishStatus(a)
}

func (c *AgentController) markError(ctx context.Context, a *db.Agent, err error) {
	a.Status = "error"
	if updateErr := c.db.Agents.UpdateStatus(ctx, a.ID, "error"); updateErr != nil {
		logger.Lifecycle().Error().Err(updateErr).Str("agent_id", a.ID).Msg("failed to persist error status")
		logger.Lifecycle().Warn().Err(err).Str("agent_id", a.ID).Msg("agent deploy failed")
		return
	}
	logger.Lifecycle().Warn().Err(err).Str("agent_id", a.ID).Msg("agent deploy failed")
	c.publishStatus(a)
}

// Stop deletes the agent's workload by label and marks it stopped.
func (c *AgentController) Stop(ctx context.Context, id string) (*db.Agent, error) {
	a, err := c.db.Agents.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := c.cluster.DeleteByLabels(ctx, fmt.Sprintf("falcon-eye/agent-id=%s", a.ID)); err != nil {
		return nil, err
	}
	if err := c.db.Agents.UpdateStatus(ctx, a.ID, "stopped"); err != nil {
		return nil, err
	}
	return c.db.Agents.Get(ctx, id)
}

// Start redeploys a stopped agent's workload.
func (c *AgentController) Start(ctx context.Context, id string) (*db.Agent, error) {
	a, err := c.db.Agents.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := c.db.Agents.UpdateStatus(ctx, a.ID, "creating"); err != nil {
		return nil, err
	}
	a.Status = "creating"
	c.deployAgentWorkload(ctx, a)
	return c.db.Agents.Get(ctx, id)
}

// Delete removes an Agent: the main agent can never be deleted.
func (c *AgentController) Delete(ctx context.Context, id string) error {
	a, err := c.db.Agents.Get(ctx, id)
	if err != nil {
		return err
	}
	if a.IsMain {
		return apperrors.BadRequest("the main agent cannot be deleted")
	}
	if err := c.cluster.DeleteByLabels(ctx, fmt.Sprintf("falcon-eye/agent-id=%s", a.ID)); err != nil {
		return err
	}
	return c.db.Agents.Delete(ctx, id)
}

// DeleteEphemeral tears down an ephemeral agent created by spawn_agent,
// invoked after its callback turn has landed in the originating session.
func (c *AgentController) DeleteEphemeral(ctx context.Context, id string) {
	a, err := c.db.Agents.Get(ctx, id)
	if err != nil {
		return
	}
	if !a.Ephemeral {
		return
	}
	if err := c.cluster.DeleteByLabels(ctx, fmt.Sprintf("falcon-eye/agent-id=%s", a.ID)); err != nil {
		logger.Lifecycle().Warn().Err(err).Str("agent_id", id).Msg("failed to delete ephemeral agent workload")
	}
	if err := c.db.Agents.Delete(ctx, id); err != nil {
		logger.Lifecycle().Warn().Err(err).Str("agent_id", id).Msg("failed to delete ephemeral agent row")
	}
}

// Get reads an Agent and reconciles its status against live pod state.
func (c *AgentController) Get(ctx context.Context, id string) (*db.Agent, error) {
	a, err := c.db.Agents.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	c.syncStatus(ctx, a)
	return a, nil
}

// List reads every Agent and reconciles each before return.
func (c *AgentController) List(ctx context.Context) ([]*db.Agent, error) {
	agents, err := c.db.Agents.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, a := range agents {
		c.syncStatus(ctx, a)
	}
	return agents, nil
}

func (c *AgentController) syncStatus(ctx context.Context, a *db.Agent) {
	result := c.reconciler.ReconcileAgent(ctx, a)
	if !result.Changed {
		return
	}
	a.Status = result.Status
	if err := c.db.Agents.UpdateStatus(ctx, a.ID, a.Status); err != nil {
		logger.Lifecycle().Warn().Err(err).Str("agent_id", a.ID).Msg("failed to persist reconciled status")
	}
}

// EvictStuckCreate is the callback the reconciler invokes for a stuck
// agent creation.
func (c *AgentController) EvictStuckCreate(ctx context.Context, id string) {
	if _, err := c.Stop(ctx, id); err != nil {
		logger.Lifecycle().Warn().Err(err).Str("agent_id", id).Msg("failed to stop workload during stuck-create eviction")
	}
	_ = c.db.Agents.UpdateStatus(ctx, id, "error")
}
