package tools

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/falcon-eye/falcon-eye/internal/cluster"
	"github.com/falcon-eye/falcon-eye/internal/cronjob"
	"github.com/falcon-eye/falcon-eye/internal/db"
	"github.com/falcon-eye/falcon-eye/internal/lifecycle"
	"github.com/falcon-eye/falcon-eye/internal/manifest"
	"github.com/falcon-eye/falcon-eye/internal/reconciler"
	"github.com/falcon-eye/falcon-eye/internal/recording"
)

func testDeps(t *testing.T, database *db.Database) Dependencies {
	t.Helper()
	cs := fake.NewSimpleClientset()
	cc := cluster.NewFromClientset(cs, "falcon-eye")
	mcfg := manifest.Config{Namespace: "falcon-eye", AgentImage: "falcon-eye/agent:latest", CronRunnerImage: "falcon-eye/cron-runner:latest"}
	rec := reconciler.New(cc, database, 5*time.Minute, nil)
	sup := recording.New(database, cc, mcfg)
	agentCtrl := lifecycle.NewAgentController(database, cc, rec, mcfg, nil)
	cameraCtrl := lifecycle.NewCameraController(database, cc, sup, rec, mcfg, nil)
	cronCtrl := cronjob.New(database, cc, mcfg)
	return Dependencies{
		DB: database, Cluster: cc, ManifestCfg: mcfg,
		Cameras: cameraCtrl, Agents: agentCtrl, Recorder: sup, CronJobs: cronCtrl,
	}
}

func TestListCameras_ReturnsOneLinePerCamera(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()
	database := db.NewFromSQL(sqlDB)

	rows := sqlmock.NewRows([]string{
		"id", "name", "protocol", "location", "source_url", "device_path", "node_name",
		"deployment_name", "service_name", "stream_port", "control_port", "status",
		"resolution", "framerate", "metadata", "created_at", "updated_at",
	}).AddRow("c1", "Office", "rtsp", "", "rtsp://10.0.0.9/s", "", "",
		"cam-office", "svc-office", 8081, 0, "running", "640x480", 15, []byte(`{}`), time.Now(), time.Now())
	mock.ExpectQuery("SELECT (.+) FROM cameras").WillReturnRows(rows)

	r := Build(testDeps(t, database))
	tool, ok := r.Get("list_cameras")
	require.True(t, ok)
	res, err := tool.Handler(context.Background(), nil, AgentContext{})
	require.NoError(t, err)
	assert.Contains(t, res.ResultText, "Office")
}

func TestForAgent_StripsMetaToolsForEphemeralAgents(t *testing.T) {
	r := NewRegistry()
	r.Register(Tool{ID: "list_cameras", Name: "list_cameras", Category: CategoryCamera})
	r.Register(Tool{ID: "spawn_agent", Name: "spawn_agent", Category: CategoryMeta})
	r.Register(Tool{ID: "create_cron_job", Name: "create_cron_job", Category: CategoryMeta})

	full := r.ForAgent([]string{"list_cameras", "spawn_agent", "create_cron_job"}, false)
	assert.Len(t, full, 3)

	stripped := r.ForAgent([]string{"list_cameras", "spawn_agent", "create_cron_job"}, true)
	require.Len(t, stripped, 1)
	assert.Equal(t, "list_cameras", stripped[0].ID)
}

func TestForAgent_SkipsUnknownIDs(t *testing.T) {
	r := NewRegistry()
	r.Register(Tool{ID: "list_cameras", Name: "list_cameras"})
	got := r.ForAgent([]string{"list_cameras", "nonexistent_tool"}, false)
	assert.Len(t, got, 1)
}

func agentRowFor(id, name, slug string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "name", "slug", "provider", "model", "api_key_ref", "system_prompt",
		"temperature", "max_tokens", "channel_type", "channel_config", "tools", "status",
		"deployment_name", "service_name", "node_name", "cpu_limit", "memory_limit",
		"is_main", "ephemeral", "created_at", "updated_at",
	}).AddRow(id, name, slug, "anthropic", "claude-3", "", "",
		0.7, 4096, "", []byte(`{}`), []byte(`[]`), "running",
		"agent-"+slug, "svc-agent-"+slug, "", "100m", "256Mi",
		false, false, time.Now(), time.Now())
}

func TestCreateCronJob_AppliesScheduledManifest(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()
	database := db.NewFromSQL(sqlDB)

	mock.ExpectQuery("SELECT (.+) FROM agents WHERE id = \\$1").WithArgs("a1").WillReturnRows(agentRowFor("a1", "Helper", "helper"))
	mock.ExpectExec("INSERT INTO cron_jobs").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("SELECT (.+) FROM agents WHERE id = \\$1").WithArgs("a1").WillReturnRows(agentRowFor("a1", "Helper", "helper"))

	r := Build(testDeps(t, database))
	tool, ok := r.Get("create_cron_job")
	require.True(t, ok)
	res, err := tool.Handler(context.Background(), map[string]interface{}{
		"agent_id": "a1", "cron_expr": "0 9 * * *", "prompt": "good morning",
	}, AgentContext{AgentID: "a1", SessionID: "s1"})
	require.NoError(t, err)
	assert.Contains(t, res.ResultText, "Helper")
	require.NoError(t, mock.ExpectationsWereMet())
}
