package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/falcon-eye/falcon-eye/internal/apperrors"
	"github.com/falcon-eye/falcon-eye/internal/db"
	"github.com/falcon-eye/falcon-eye/internal/tools"
)

// redirectTransport rewrites every outbound request's scheme/host to an
// httptest server's address, so Router's internal svc-agent-{slug} DNS
// name construction can be exercised against a local fake pod.
type redirectTransport struct {
	target *url.URL
}

func (t *redirectTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = t.target.Scheme
	req.URL.Host = t.target.Host
	return http.DefaultTransport.RoundTrip(req)
}

func agentRowFor(id, slug string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "name", "slug", "provider", "model", "api_key_ref", "system_prompt",
		"temperature", "max_tokens", "channel_type", "channel_config", "tools", "status",
		"deployment_name", "service_name", "node_name", "cpu_limit", "memory_limit",
		"is_main", "ephemeral", "created_at", "updated_at",
	}).AddRow(id, "Dispatcher", slug, "anthropic", "claude-3", "", "",
		0.7, 4096, "", []byte(`{}`), []byte(`["echo"]`), "running",
		"agent-dispatcher", "svc-agent-dispatcher", "", "100m", "256Mi",
		true, false, time.Now(), time.Now())
}

func emptyHistoryRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "agent_id", "session_id", "role", "content", "source", "source_user",
		"prompt_tokens", "completion_tokens", "created_at",
	})
}

func newTestRouter(t *testing.T, server *httptest.Server, deadline time.Duration) (*Router, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	database := db.NewFromSQL(sqlDB)

	registry := tools.NewRegistry()
	registry.Register(tools.Tool{
		ID: "echo", Name: "echo", Category: tools.CategoryCamera,
		Handler: func(_ context.Context, args map[string]interface{}, _ tools.AgentContext) (tools.Result, error) {
			return tools.Result{ResultText: fmt.Sprintf("%v", args["text"])}, nil
		},
	})

	router := New(database, registry, "falcon-eye", deadline)
	if server != nil {
		target, err := url.Parse(server.URL)
		require.NoError(t, err)
		router.httpClient = &http.Client{Transport: &redirectTransport{target: target}}
	}
	return router, mock
}

func TestSendMessage_CreatesSessionAndPersistsTurns(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatSendRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "hello", req.Messages[0].Content)
		require.Len(t, req.Tools, 1)
		assert.Equal(t, "echo", req.Tools[0].Name)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(chatSendResponse{Content: "hi there", PromptTokens: 10, CompletionTokens: 5})
	}))
	defer server.Close()

	router, mock := newTestRouter(t, server, 5*time.Second)

	mock.ExpectQuery("SELECT (.+) FROM agents WHERE id = \\$1").WithArgs("a1").WillReturnRows(agentRowFor("a1", "dispatcher"))
	mock.ExpectExec("INSERT INTO chat_sessions").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO agent_chat_messages").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("SELECT (.+) FROM agent_chat_messages").WillReturnRows(
		emptyHistoryRows().AddRow("m1", "a1", "s-new", "user", "hello", "dashboard", "", nil, nil, time.Now()))
	mock.ExpectExec("INSERT INTO agent_chat_messages").WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectExec("UPDATE chat_sessions").WillReturnResult(sqlmock.NewResult(1, 1))

	turn, err := router.SendMessage(context.Background(), "a1", "", "hello", "dashboard", "")
	require.NoError(t, err)
	assert.NotEmpty(t, turn.SessionID)
	assert.Equal(t, "hi there", turn.Assistant.Content)
	require.NotNil(t, turn.Assistant.PromptTokens)
	assert.Equal(t, 10, *turn.Assistant.PromptTokens)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSendMessage_TimeoutRecordsErrorTurn(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	router, mock := newTestRouter(t, server, 10*time.Millisecond)

	mock.ExpectQuery("SELECT (.+) FROM agents WHERE id = \\$1").WithArgs("a1").WillReturnRows(agentRowFor("a1", "dispatcher"))
	mock.ExpectExec("INSERT INTO agent_chat_messages").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("SELECT (.+) FROM agent_chat_messages").WillReturnRows(emptyHistoryRows())
	mock.ExpectExec("INSERT INTO agent_chat_messages").WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectExec("UPDATE chat_sessions").WillReturnResult(sqlmock.NewResult(1, 1))

	turn, err := router.SendMessage(context.Background(), "a1", "s1", "hello", "dashboard", "")
	require.Error(t, err)
	ae, ok := err.(*apperrors.AppError)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeUpstreamTimeout, ae.Code)
	assert.Contains(t, turn.Assistant.Content, "error:")
	assert.Equal(t, "system", turn.Assistant.Source)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveMessage_DirectInsertTouchesSession(t *testing.T) {
	router, mock := newTestRouter(t, nil, time.Second)

	mock.ExpectExec("INSERT INTO agent_chat_messages").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE chat_sessions").WillReturnResult(sqlmock.NewResult(1, 1))

	err := router.SaveMessage(context.Background(), "a1", "s1", "system", "cron run complete", "cron")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteTool_UnknownToolReturnsNotFound(t *testing.T) {
	router, _ := newTestRouter(t, nil, time.Second)
	_, err := router.ExecuteTool(context.Background(), "nonexistent", nil, tools.AgentContext{})
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestExecuteTool_RunsRegisteredHandler(t *testing.T) {
	router, _ := newTestRouter(t, nil, time.Second)
	res, err := router.ExecuteTool(context.Background(), "echo", map[string]interface{}{"text": "ping"}, tools.AgentContext{})
	require.NoError(t, err)
	assert.Equal(t, "ping", res.ResultText)
}

// TestLockFor_SerializesConcurrentHolders exercises the mechanism I4 and
// scenario 6 rely on: N goroutines racing for the same (agent_id,
// session_id) lock never overlap their critical sections.
func TestLockFor_SerializesConcurrentHolders(t *testing.T) {
	router, _ := newTestRouter(t, nil, time.Second)

	const n = 5
	var wg sync.WaitGroup
	var mu sync.Mutex
	var active int
	var maxActive int

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lock := router.lockFor("a1", "s1")
			lock.Lock()
			defer lock.Unlock()

			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxActive, "at most one goroutine should hold the (agent_id, session_id) lock at a time")
}

func TestPruneIdle_RemovesStaleButNotRecentOrHeldLocks(t *testing.T) {
	router, _ := newTestRouter(t, nil, time.Second)

	stale := router.lockFor("a1", "stale-session")
	fresh := router.lockFor("a1", "fresh-session")
	held := router.lockFor("a1", "held-session")

	// Backdate stale and held past the prune window; fresh stays recent.
	if entry, ok := router.locks.Load(lockKey("a1", "stale-session")); ok {
		entry.(*lockEntry).lastUsed.Store(time.Now().Add(-time.Hour).UnixNano())
	}
	if entry, ok := router.locks.Load(lockKey("a1", "held-session")); ok {
		entry.(*lockEntry).lastUsed.Store(time.Now().Add(-time.Hour).UnixNano())
	}
	held.Lock()
	defer held.Unlock()

	pruned := router.PruneIdle(time.Minute)
	assert.Equal(t, 1, pruned)

	_, staleStillPresent := router.locks.Load(lockKey("a1", "stale-session"))
	assert.False(t, staleStillPresent)
	_, freshStillPresent := router.locks.Load(lockKey("a1", "fresh-session"))
	assert.True(t, freshStillPresent)
	_, heldStillPresent := router.locks.Load(lockKey("a1", "held-session"))
	assert.True(t, heldStillPresent, "a currently held lock must not be pruned")

	_ = fresh
}

func TestLockFor_DifferentSessionsDoNotContend(t *testing.T) {
	router, _ := newTestRouter(t, nil, time.Second)
	a := router.lockFor("a1", "s1")
	b := router.lockFor("a1", "s2")
	assert.NotSame(t, a, b)

	c := router.lockFor("a1", "s1")
	assert.Same(t, a, c)
}
