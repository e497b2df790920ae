package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/falcon-eye/falcon-eye/internal/apperrors"
	"github.com/falcon-eye/falcon-eye/internal/cluster"
	"github.com/falcon-eye/falcon-eye/internal/db"
	"github.com/falcon-eye/falcon-eye/internal/manifest"
	"github.com/falcon-eye/falcon-eye/internal/reconciler"
)

func newTestAgentController(t *testing.T, database *db.Database) (*AgentController, *cluster.Client) {
	t.Helper()
	cs := fake.NewSimpleClientset()
	cc := cluster.NewFromClientset(cs, "falcon-eye")
	mcfg := manifest.Config{Namespace: "falcon-eye", AgentImage: "falcon-eye/agent:latest"}
	rec := reconciler.New(cc, database, 5*time.Minute, nil)
	return NewAgentController(database, cc, rec, mcfg, nil), cc
}

func agentRow(id, name, status string, isMain bool) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "name", "slug", "provider", "model", "api_key_ref", "system_prompt",
		"temperature", "max_tokens", "channel_type", "channel_config", "tools", "status",
		"deployment_name", "service_name", "node_name", "cpu_limit", "memory_limit",
		"is_main", "ephemeral", "created_at", "updated_at",
	}).AddRow(id, name, "office-bot", "anthropic", "claude-3", "", "",
		0.7, 4096, "", []byte(`{}`), []byte(`[]`), status,
		"agent-"+name, "svc-agent-"+name, "", "100m", "256Mi",
		isMain, false, time.Now(), time.Now())
}

func TestValidateAgentCreate_RejectsEmptyName(t *testing.T) {
	err := validateAgentCreate(AgentCreateParams{Name: ""})
	require.Error(t, err)
	assert.Equal(t, apperrors.KindValidation, apperrors.Wrap(err).Kind)
}

func TestValidateAgentCreate_RejectsTemperatureOutOfRange(t *testing.T) {
	err := validateAgentCreate(AgentCreateParams{Name: "Helper", Temperature: 3})
	require.Error(t, err)
}

func TestValidateAgentCreate_RejectsUnknownChannel(t *testing.T) {
	err := validateAgentCreate(AgentCreateParams{Name: "Helper", ChannelType: "carrier-pigeon"})
	require.Error(t, err)
}

func TestCreate_Agent_DeploysAndRunsWhenDeployApplySucceeds(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()
	database := db.NewFromSQL(sqlDB)

	mock.ExpectExec("INSERT INTO agents").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE agents SET").WillReturnResult(sqlmock.NewResult(0, 1))

	ctrl, _ := newTestAgentController(t, database)
	a, err := ctrl.Create(context.Background(), AgentCreateParams{
		Name: "Helper", Provider: "anthropic", Model: "claude-3",
	})
	require.NoError(t, err)
	assert.Equal(t, "running", a.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDelete_RejectsMainAgent(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()
	database := db.NewFromSQL(sqlDB)

	mock.ExpectQuery("SELECT (.+) FROM agents WHERE id = \\$1").WithArgs("a1").
		WillReturnRows(agentRow("a1", "Main", "running", true))

	ctrl, _ := newTestAgentController(t, database)
	err = ctrl.Delete(context.Background(), "a1")
	require.Error(t, err)
	assert.Equal(t, apperrors.KindValidation, apperrors.Wrap(err).Kind)
}

func TestDeleteEphemeral_SkipsNonEphemeralAgent(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()
	database := db.NewFromSQL(sqlDB)

	mock.ExpectQuery("SELECT (.+) FROM agents WHERE id = \\$1").WithArgs("a1").
		WillReturnRows(agentRow("a1", "Main", "running", true))

	ctrl, _ := newTestAgentController(t, database)
	ctrl.DeleteEphemeral(context.Background(), "a1")
	require.NoError(t, mock.ExpectationsWereMet())
}
