package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/falcon-eye/falcon-eye/internal/apperrors"
)

// Agent mirrors the agents table: an LLM-backed pod with a channel
// adapter and a configured tool subset.
type Agent struct {
	ID             string
	Name           string
	Slug           string
	Provider       string
	Model          string
	APIKeyRef      string
	SystemPrompt   string
	Temperature    float64
	MaxTokens      int
	ChannelType    string // "", telegram, webhook
	ChannelConfig  ChannelConfig
	Tools          ToolList
	Status         string
	DeploymentName string
	ServiceName    string
	NodeName       string
	CPULimit       string
	MemoryLimit    string
	IsMain         bool
	Ephemeral      bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// AgentDB is the repository for the agents table.
type AgentDB struct {
	db *sql.DB
}

const agentColumns = `
	id, name, slug, provider, model, COALESCE(api_key_ref, ''), COALESCE(system_prompt, ''),
	temperature, max_tokens, COALESCE(channel_type, ''), channel_config, tools, status,
	COALESCE(deployment_name, ''), COALESCE(service_name, ''), COALESCE(node_name, ''),
	cpu_limit, memory_limit, is_main, ephemeral, created_at, updated_at
`

func scanAgent(row interface{ Scan(...interface{}) error }) (*Agent, error) {
	a := &Agent{ChannelConfig: ChannelConfig{}, Tools: ToolList{}}
	err := row.Scan(
		&a.ID, &a.Name, &a.Slug, &a.Provider, &a.Model, &a.APIKeyRef, &a.SystemPrompt,
		&a.Temperature, &a.MaxTokens, &a.ChannelType, &a.ChannelConfig, &a.Tools, &a.Status,
		&a.DeploymentName, &a.ServiceName, &a.NodeName,
		&a.CPULimit, &a.MemoryLimit, &a.IsMain, &a.Ephemeral, &a.CreatedAt, &a.UpdatedAt,
	)
	return a, err
}

// Create inserts a new Agent row, generating an ID if absent.
func (r *AgentDB) Create(ctx context.Context, a *Agent) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	now := time.Now()
	a.CreatedAt, a.UpdatedAt = now, now
	if a.ChannelConfig == nil {
		a.ChannelConfig = ChannelConfig{}
	}
	if a.Tools == nil {
		a.Tools = ToolList{}
	}

	query := `
		INSERT INTO agents (
			id, name, slug, provider, model, api_key_ref, system_prompt, temperature,
			max_tokens, channel_type, channel_config, tools, status, deployment_name,
			service_name, node_name, cpu_limit, memory_limit, is_main, ephemeral,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
	`
	_, err := r.db.ExecContext(ctx, query,
		a.ID, a.Name, a.Slug, a.Provider, a.Model, nullString(a.APIKeyRef), nullString(a.SystemPrompt), a.Temperature,
		a.MaxTokens, nullString(a.ChannelType), a.ChannelConfig, a.Tools, a.Status, nullString(a.DeploymentName),
		nullString(a.ServiceName), nullString(a.NodeName), a.CPULimit, a.MemoryLimit, a.IsMain, a.Ephemeral,
		a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return apperrors.Conflict(fmt.Sprintf("agent slug %s already exists: %v", a.Slug, err))
	}
	return nil
}

// Get retrieves an Agent by ID.
func (r *AgentDB) Get(ctx context.Context, id string) (*Agent, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+agentColumns+" FROM agents WHERE id = $1", id)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("agent", id)
	}
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	return a, nil
}

// GetBySlug retrieves an Agent by its unique slug, used to resolve
// svc-agent-{slug} addressing back to an entity.
func (r *AgentDB) GetBySlug(ctx context.Context, slug string) (*Agent, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+agentColumns+" FROM agents WHERE slug = $1", slug)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("agent", slug)
	}
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	return a, nil
}

// Main returns the one designated main agent, which always exists.
func (r *AgentDB) Main(ctx context.Context) (*Agent, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+agentColumns+" FROM agents WHERE is_main = true LIMIT 1")
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("agent", "main")
	}
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	return a, nil
}

// List returns every agent, newest first.
func (r *AgentDB) List(ctx context.Context) ([]*Agent, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT "+agentColumns+" FROM agents ORDER BY created_at DESC")
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	defer rows.Close()

	var out []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, apperrors.DatabaseError(err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Update persists every mutable field of a.
func (r *AgentDB) Update(ctx context.Context, a *Agent) error {
	a.UpdatedAt = time.Now()
	res, err := r.db.ExecContext(ctx, `
		UPDATE agents SET
			name=$1, provider=$2, model=$3, api_key_ref=$4, system_prompt=$5, temperature=$6,
			max_tokens=$7, channel_type=$8, channel_config=$9, tools=$10, status=$11,
			deployment_name=$12, service_name=$13, node_name=$14, cpu_limit=$15, memory_limit=$16,
			updated_at=$17
		WHERE id=$18`,
		a.Name, a.Provider, a.Model, nullString(a.APIKeyRef), nullString(a.SystemPrompt), a.Temperature,
		a.MaxTokens, nullString(a.ChannelType), a.ChannelConfig, a.Tools, a.Status,
		nullString(a.DeploymentName), nullString(a.ServiceName), nullString(a.NodeName), a.CPULimit, a.MemoryLimit,
		a.UpdatedAt, a.ID,
	)
	if err != nil {
		return apperrors.DatabaseError(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperrors.NotFound("agent", a.ID)
	}
	return nil
}

// UpdateStatus is a narrow status-only update for lifecycle transitions.
func (r *AgentDB) UpdateStatus(ctx context.Context, id, status string) error {
	res, err := r.db.ExecContext(ctx, "UPDATE agents SET status=$1, updated_at=$2 WHERE id=$3", status, time.Now(), id)
	if err != nil {
		return apperrors.DatabaseError(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperrors.NotFound("agent", id)
	}
	return nil
}

// Delete removes the Agent row. The caller must reject deleting the main
// agent before calling this (invariant: one designated main always
// exists).
func (r *AgentDB) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM agents WHERE id = $1", id)
	if err != nil {
		return apperrors.DatabaseError(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperrors.NotFound("agent", id)
	}
	return nil
}
