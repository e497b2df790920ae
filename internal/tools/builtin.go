package tools

import (
	"context"
	"fmt"

	"github.com/falcon-eye/falcon-eye/internal/apperrors"
	"github.com/falcon-eye/falcon-eye/internal/cluster"
	"github.com/falcon-eye/falcon-eye/internal/cronjob"
	"github.com/falcon-eye/falcon-eye/internal/db"
	"github.com/falcon-eye/falcon-eye/internal/lifecycle"
	"github.com/falcon-eye/falcon-eye/internal/manifest"
	"github.com/falcon-eye/falcon-eye/internal/recording"
)

// MessageSaver is the narrow slice of the Chat Router a tool handler
// needs to post a result back as a turn, without tools importing chat
// (which itself imports tools to build the per-agent list).
type MessageSaver interface {
	SaveMessage(ctx context.Context, agentID, sessionID, role, content, source string) error
}

// Dependencies wires the concrete domain objects the built-in tools call
// into. Built once in main() and passed to Build.
type Dependencies struct {
	DB          *db.Database
	Cluster     *cluster.Client
	ManifestCfg manifest.Config
	Cameras     *lifecycle.CameraController
	Agents      *lifecycle.AgentController
	Recorder    *recording.Supervisor
	CronJobs    *cronjob.Controller
	Messages    MessageSaver
}

// Build constructs the full static registry grounded on deps. Call once
// at boot and treat the result as read-only.
func Build(deps Dependencies) *Registry {
	r := NewRegistry()

	r.Register(Tool{
		ID: "list_cameras", Name: "list_cameras",
		Description: "List every registered camera and its current status.",
		Parameters:  map[string]interface{}{"type": "object", "properties": map[string]interface{}{}},
		Category:    CategoryCamera,
		Handler: func(ctx context.Context, args map[string]interface{}, _ AgentContext) (Result, error) {
			cams, err := deps.DB.Cameras.List(ctx, db.CameraFilter{})
			if err != nil {
				return Result{}, err
			}
			out := ""
			for _, c := range cams {
				out += fmt.Sprintf("%s: %s (%s, %s)\n", c.ID, c.Name, c.Protocol, c.Status)
			}
			if out == "" {
				out = "no cameras registered"
			}
			return Result{ResultText: out}, nil
		},
	})

	r.Register(Tool{
		ID: "camera_status", Name: "camera_status",
		Description: "Get the status of one camera by ID.",
		Parameters: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"camera_id": map[string]interface{}{"type": "string"}},
			"required":   []string{"camera_id"},
		},
		Category: CategoryCamera,
		Handler: func(ctx context.Context, args map[string]interface{}, _ AgentContext) (Result, error) {
			id, _ := args["camera_id"].(string)
			if id == "" {
				return Result{}, apperrors.Validation("camera_id is required")
			}
			cam, err := deps.DB.Cameras.Get(ctx, id)
			if err != nil {
				return Result{}, err
			}
			return Result{ResultText: fmt.Sprintf("%s is %s", cam.Name, cam.Status)}, nil
		},
	})

	r.Register(Tool{
		ID: "start_recording", Name: "start_recording",
		Description: "Start recording a running camera.",
		Parameters: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"camera_id": map[string]interface{}{"type": "string"}},
			"required":   []string{"camera_id"},
		},
		Category: CategoryRecording,
		Handler: func(ctx context.Context, args map[string]interface{}, _ AgentContext) (Result, error) {
			id, _ := args["camera_id"].(string)
			if id == "" {
				return Result{}, apperrors.Validation("camera_id is required")
			}
			if err := deps.Recorder.StartRecording(ctx, id); err != nil {
				return Result{}, err
			}
			return Result{ResultText: "recording started"}, nil
		},
	})

	r.Register(Tool{
		ID: "stop_recording", Name: "stop_recording",
		Description: "Stop the active recording on a camera.",
		Parameters: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"camera_id": map[string]interface{}{"type": "string"}},
			"required":   []string{"camera_id"},
		},
		Category: CategoryRecording,
		Handler: func(ctx context.Context, args map[string]interface{}, _ AgentContext) (Result, error) {
			id, _ := args["camera_id"].(string)
			if id == "" {
				return Result{}, apperrors.Validation("camera_id is required")
			}
			if err := deps.Recorder.StopRecording(ctx, id); err != nil {
				return Result{}, err
			}
			return Result{ResultText: "recording stopped"}, nil
		},
	})

	r.Register(Tool{
		ID: "spawn_agent", Name: "spawn_agent",
		Description: "Spawn a short-lived agent to perform one task, then post the result back to this conversation.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"task": map[string]interface{}{"type": "string"},
			},
			"required": []string{"task"},
		},
		Category: CategoryMeta,
		Handler: func(ctx context.Context, args map[string]interface{}, agentCtx AgentContext) (Result, error) {
			task, _ := args["task"].(string)
			if task == "" {
				return Result{}, apperrors.Validation("task is required")
			}
			caller, err := deps.DB.Agents.Get(ctx, agentCtx.AgentID)
			if err != nil {
				return Result{}, err
			}
			child, err := deps.Agents.Create(ctx, lifecycle.AgentCreateParams{
				Name:         fmt.Sprintf("%s-task-%s", caller.Name, shortID(agentCtx.SessionID)),
				Provider:     caller.Provider,
				Model:        caller.Model,
				APIKeyRef:    caller.APIKeyRef,
				SystemPrompt: task,
				Temperature:  caller.Temperature,
				MaxTokens:    caller.MaxTokens,
				Tools:        ephemeralTools(caller.Tools),
				Ephemeral:    true,
			})
			if err != nil {
				return Result{}, err
			}
			job := manifest.RenderTaskJob(child.ID, agentCtx.SessionID, task, 300, deps.ManifestCfg)
			if _, err := deps.Cluster.CreateJob(ctx, job); err != nil {
				return Result{}, err
			}
			return Result{ResultText: fmt.Sprintf("spawned agent %s to work on: %s", child.Name, task)}, nil
		},
	})

	r.Register(Tool{
		ID: "delegate_task", Name: "delegate_task",
		Description: "Delegate a task to an existing agent; the result is posted back to this conversation.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"agent_id": map[string]interface{}{"type": "string"},
				"task":     map[string]interface{}{"type": "string"},
			},
			"required": []string{"agent_id", "task"},
		},
		Category: CategoryMeta,
		Handler: func(ctx context.Context, args map[string]interface{}, agentCtx AgentContext) (Result, error) {
			targetID, _ := args["agent_id"].(string)
			task, _ := args["task"].(string)
			if targetID == "" || task == "" {
				return Result{}, apperrors.Validation("agent_id and task are required")
			}
			target, err := deps.DB.Agents.Get(ctx, targetID)
			if err != nil {
				return Result{}, err
			}
			job := manifest.RenderTaskJob(target.ID, agentCtx.SessionID, task, 300, deps.ManifestCfg)
			if _, err := deps.Cluster.CreateJob(ctx, job); err != nil {
				return Result{}, err
			}
			return Result{ResultText: fmt.Sprintf("delegated to %s: %s", target.Name, task)}, nil
		},
	})

	r.Register(Tool{
		ID: "create_cron_job", Name: "create_cron_job",
		Description: "Schedule a recurring prompt against an agent.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"agent_id":        map[string]interface{}{"type": "string"},
				"cron_expr":       map[string]interface{}{"type": "string"},
				"timezone":        map[string]interface{}{"type": "string"},
				"prompt":          map[string]interface{}{"type": "string"},
				"timeout_seconds": map[string]interface{}{"type": "integer"},
			},
			"required": []string{"agent_id", "cron_expr", "prompt"},
		},
		Category: CategoryMeta,
		Handler: func(ctx context.Context, args map[string]interface{}, agentCtx AgentContext) (Result, error) {
			agentID, _ := args["agent_id"].(string)
			cronExpr, _ := args["cron_expr"].(string)
			prompt, _ := args["prompt"].(string)
			timezone, _ := args["timezone"].(string)
			timeoutSeconds := 0
			if v, ok := args["timeout_seconds"].(float64); ok && v > 0 {
				timeoutSeconds = int(v)
			}
			cj, err := deps.CronJobs.Create(ctx, cronjob.CreateParams{
				AgentID: agentID, CronExpr: cronExpr, Timezone: timezone,
				Prompt: prompt, TimeoutSeconds: timeoutSeconds,
			})
			if err != nil {
				return Result{}, err
			}
			agent, err := deps.DB.Agents.Get(ctx, agentID)
			if err != nil {
				return Result{}, err
			}
			return Result{ResultText: fmt.Sprintf("scheduled %q for %s", cj.CronExpr, agent.Name)}, nil
		},
	})

	return r
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// ephemeralTools carries the caller's tool list forward to a spawned or
// delegated agent minus the meta-tools (spawn_agent, delegate_task,
// create_cron_job), bounding inter-agent recursion to one level.
func ephemeralTools(ids db.ToolList) db.ToolList {
	out := make(db.ToolList, 0, len(ids))
	for _, id := range ids {
		if MetaToolIDs[id] {
			continue
		}
		out = append(out, id)
	}
	return out
}
