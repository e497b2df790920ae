// Package chat implements the Chat Router: the single place that turns a
// user or callback message into a persisted conversation turn, optionally
// round-tripping through an agent pod's LLM endpoint. Ordering is
// serialized per (agent_id, session_id) via a lock table, generalized from
// the teacher's activeConnections map[string]*websocket.Conn + sync.RWMutex
// pattern (internal/handlers/vnc_proxy.go) into a lock-per-key map instead
// of a connection-per-key map.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/falcon-eye/falcon-eye/internal/apperrors"
	"github.com/falcon-eye/falcon-eye/internal/db"
	"github.com/falcon-eye/falcon-eye/internal/logger"
	"github.com/falcon-eye/falcon-eye/internal/tools"
)

const historyLimit = 50

// Router implements SendMessage, SaveMessage, and ExecuteTool.
type Router struct {
	db        *db.Database
	tools     *tools.Registry
	namespace string

	httpClient *http.Client
	turnDeadline time.Duration

	locks sync.Map // (agentID, sessionID) -> *lockEntry
}

// New builds a Router. turnDeadline bounds the LLM POST issued per turn;
// exceeding it records an error turn instead of blocking the lock forever.
func New(database *db.Database, registry *tools.Registry, namespace string, turnDeadline time.Duration) *Router {
	return &Router{
		db:           database,
		tools:        registry,
		namespace:    namespace,
		httpClient:   &http.Client{},
		turnDeadline: turnDeadline,
	}
}

func lockKey(agentID, sessionID string) string {
	return agentID + "/" + sessionID
}

// lockEntry pairs a session's mutex with the time it was last handed out,
// so the Sweeper can prune entries for sessions that have gone idle.
type lockEntry struct {
	mu       *sync.Mutex
	lastUsed atomic.Int64 // unix nanos
}

func (r *Router) lockFor(agentID, sessionID string) *sync.Mutex {
	actual, _ := r.locks.LoadOrStore(lockKey(agentID, sessionID), &lockEntry{mu: &sync.Mutex{}})
	entry := actual.(*lockEntry)
	entry.lastUsed.Store(time.Now().UnixNano())
	return entry.mu
}

// PruneIdle removes lock entries untouched for longer than maxAge,
// skipping any currently held. Returns the number removed. Called from
// the Sweeper's tick per the per-session lock table's "MAY be pruned on
// idle" allowance.
func (r *Router) PruneIdle(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge).UnixNano()
	pruned := 0
	r.locks.Range(func(key, value interface{}) bool {
		entry := value.(*lockEntry)
		if entry.lastUsed.Load() > cutoff {
			return true
		}
		if entry.mu.TryLock() {
			r.locks.Delete(key)
			entry.mu.Unlock()
			pruned++
		}
		return true
	})
	return pruned
}

// llmMessage is one turn in the wire payload sent to the agent pod.
type llmMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type llmConfig struct {
	Provider    string  `json:"provider"`
	Model       string  `json:"model"`
	APIKeyRef   string  `json:"api_key_ref"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

type chatSendRequest struct {
	Messages  []llmMessage   `json:"messages"`
	Tools     []tools.Schema `json:"tools"`
	LLMConfig llmConfig      `json:"llm_config"`
}

type chatSendResponse struct {
	Content          string `json:"content"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
}

// Turn is what SendMessage returns to the HTTP caller: the session the
// exchange landed in and the persisted assistant turn. The user turn is
// persisted but not included.
type Turn struct {
	SessionID string               `json:"session_id"`
	Assistant *db.AgentChatMessage `json:"assistant"`
}

// SendMessage persists body as a user turn, round-trips it through the
// target agent's pod, and persists the reply. If sessionID is empty a new
// session is created. The lock for (agent_id, session_id) is held across
// the persist-POST-persist critical section per the serialization
// invariant; the POST itself honors r.turnDeadline so a wedged pod cannot
// block the lock indefinitely.
func (r *Router) SendMessage(ctx context.Context, agentID, sessionID, body, source, sourceUser string) (*Turn, error) {
	agent, err := r.db.Agents.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}

	if sessionID == "" {
		session := &db.ChatSession{AgentID: agentID}
		if err := r.db.ChatSessions.Create(ctx, session); err != nil {
			return nil, err
		}
		sessionID = session.ID
	}

	mu := r.lockFor(agentID, sessionID)
	mu.Lock()
	defer mu.Unlock()

	userTurn := &db.AgentChatMessage{
		AgentID: agentID, SessionID: sessionID, Role: "user",
		Content: body, Source: source, SourceUser: sourceUser,
	}
	if err := r.db.AgentChat.Create(ctx, userTurn); err != nil {
		return nil, err
	}

	history, err := r.db.AgentChat.ListForSession(ctx, agentID, sessionID, historyLimit)
	if err != nil {
		return nil, err
	}

	toolSet := r.tools.ForAgent(agent.Tools, agent.Ephemeral)
	payload := chatSendRequest{
		Messages: toLLMMessages(history),
		Tools:    tools.Schemas(toolSet),
		LLMConfig: llmConfig{
			Provider: agent.Provider, Model: agent.Model, APIKeyRef: agent.APIKeyRef,
			Temperature: agent.Temperature, MaxTokens: agent.MaxTokens,
		},
	}

	reply, sendErr := r.postToPod(ctx, agent, payload)

	assistant := &db.AgentChatMessage{
		AgentID: agentID, SessionID: sessionID, Role: "assistant", Source: "agent",
	}
	if sendErr != nil {
		logger.Chat().Error().Err(sendErr).Str("agent_id", agentID).Str("session_id", sessionID).Msg("chat turn failed")
		assistant.Content = fmt.Sprintf("error: %v", sendErr)
		assistant.Source = "system"
		if err := r.db.AgentChat.Create(ctx, assistant); err != nil {
			return nil, err
		}
		if err := r.db.ChatSessions.Touch(ctx, sessionID); err != nil {
			logger.Chat().Warn().Err(err).Msg("failed to touch session")
		}
		return &Turn{SessionID: sessionID, Assistant: assistant}, sendErr
	}

	assistant.Content = reply.Content
	promptTokens, completionTokens := reply.PromptTokens, reply.CompletionTokens
	assistant.PromptTokens = &promptTokens
	assistant.CompletionTokens = &completionTokens
	if err := r.db.AgentChat.Create(ctx, assistant); err != nil {
		return nil, err
	}
	if err := r.db.ChatSessions.Touch(ctx, sessionID); err != nil {
		logger.Chat().Warn().Err(err).Msg("failed to touch session")
	}

	return &Turn{SessionID: sessionID, Assistant: assistant}, nil
}

func (r *Router) postToPod(ctx context.Context, agent *db.Agent, payload chatSendRequest) (*chatSendResponse, error) {
	turnCtx, cancel := context.WithTimeout(ctx, r.turnDeadline)
	defer cancel()

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, apperrors.InternalServer(err.Error())
	}

	url := fmt.Sprintf("http://svc-agent-%s.%s.svc.cluster.local:8080/chat/send", agent.Slug, r.namespace)
	req, err := http.NewRequestWithContext(turnCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.InternalServer(err.Error())
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		if turnCtx.Err() == context.DeadlineExceeded {
			return nil, apperrors.UpstreamTimeout(fmt.Sprintf("agent %s did not respond within %s", agent.Slug, r.turnDeadline))
		}
		return nil, apperrors.ServiceUnavailable(fmt.Sprintf("agent %s", agent.Slug))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.InternalServer(err.Error())
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.Transient(apperrors.CodeServiceUnavailable, fmt.Sprintf("agent %s returned %d: %s", agent.Slug, resp.StatusCode, string(respBody)))
	}

	var out chatSendResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, apperrors.InternalServer(fmt.Sprintf("malformed agent response: %v", err))
	}
	return &out, nil
}

func toLLMMessages(history []*db.AgentChatMessage) []llmMessage {
	out := make([]llmMessage, 0, len(history))
	for _, m := range history {
		out = append(out, llmMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

// SaveMessage is a direct insert used by pods posting callback turns
// (cron results, inter-agent delegation, channel-adapter messages) that
// never went through SendMessage's lock. It satisfies tools.MessageSaver.
func (r *Router) SaveMessage(ctx context.Context, agentID, sessionID, role, content, source string) error {
	m := &db.AgentChatMessage{
		AgentID: agentID, SessionID: sessionID, Role: role, Content: content, Source: source,
	}
	if err := r.db.AgentChat.Create(ctx, m); err != nil {
		return err
	}
	if err := r.db.ChatSessions.Touch(ctx, sessionID); err != nil {
		logger.Chat().Warn().Err(err).Str("session_id", sessionID).Msg("failed to touch session on callback save")
	}
	return nil
}

// ExecuteTool resolves toolName in the static registry and runs it. Called
// from the HTTP surface the agent pod's tool-calling loop invokes back
// into the control plane for each tool call the LLM requests.
func (r *Router) ExecuteTool(ctx context.Context, toolName string, args map[string]interface{}, agentCtx tools.AgentContext) (tools.Result, error) {
	tool, ok := r.tools.Get(toolName)
	if !ok {
		return tools.Result{}, apperrors.NotFound("tool", toolName)
	}
	return tool.Handler(ctx, args, agentCtx)
}
