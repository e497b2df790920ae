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
	"github.com/falcon-eye/falcon-eye/internal/recording"
)

func newTestCameraController(t *testing.T, database *db.Database) (*CameraController, *cluster.Client) {
	t.Helper()
	cs := fake.NewSimpleClientset()
	cc := cluster.NewFromClientset(cs, "falcon-eye")
	mcfg := manifest.Config{Namespace: "falcon-eye", CaptureImage: "falcon-eye/capture:latest", RecorderImage: "falcon-eye/recorder:latest"}
	sup := recording.New(database, cc, mcfg)
	rec := reconciler.New(cc, database, 5*time.Minute, nil)
	return NewCameraController(database, cc, sup, rec, mcfg, nil), cc
}

func TestValidateCreate_USBRequiresDeviceAndNode(t *testing.T) {
	err := validateCreate(CreateParams{Name: "Office", Protocol: "usb"})
	require.Error(t, err)
	assert.Equal(t, apperrors.KindValidation, apperrors.Wrap(err).Kind)
}

func TestValidateCreate_NetworkRequiresSourceURL(t *testing.T) {
	err := validateCreate(CreateParams{Name: "Office", Protocol: "rtsp"})
	require.Error(t, err)
	assert.Equal(t, apperrors.KindValidation, apperrors.Wrap(err).Kind)
}

func TestValidateCreate_UnknownProtocolRejected(t *testing.T) {
	err := validateCreate(CreateParams{Name: "Office", Protocol: "carrier-pigeon", SourceURL: "x"})
	require.Error(t, err)
	assert.Equal(t, apperrors.KindValidation, apperrors.Wrap(err).Kind)
}

func TestValidateCreate_FramerateOutOfRange(t *testing.T) {
	err := validateCreate(CreateParams{Name: "Office", Protocol: "rtsp", SourceURL: "rtsp://1.2.3.4/s", Framerate: 120})
	require.Error(t, err)
}

func TestValidateCreate_EmptyNameRejected(t *testing.T) {
	err := validateCreate(CreateParams{Name: "", Protocol: "rtsp", SourceURL: "rtsp://1.2.3.4/s"})
	require.Error(t, err)
}

func TestHostPort_StripsSchemeAndPath(t *testing.T) {
	assert.Equal(t, "10.0.0.5:554", hostPort("rtsp://10.0.0.5:554/stream1"))
	assert.Equal(t, "10.0.0.6:80", hostPort("http://10.0.0.6:80/video"))
	assert.Equal(t, "10.0.0.7:554", hostPort("rtsp://10.0.0.7:554"))
}

func TestCreate_NetworkCamera_StartsStopped(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()
	database := db.NewFromSQL(sqlDB)

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM cameras WHERE source_url").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec("INSERT INTO cameras").WillReturnResult(sqlmock.NewResult(1, 1))

	ctrl, _ := newTestCameraController(t, database)
	cam, err := ctrl.Create(context.Background(), CreateParams{
		Name: "Driveway", Protocol: "rtsp", SourceURL: "rtsp://10.0.0.9:554/stream1",
	})
	require.NoError(t, err)
	assert.Equal(t, "stopped", cam.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreate_USBCamera_ConflictsOnDuplicateDevice(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()
	database := db.NewFromSQL(sqlDB)

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM cameras WHERE node_name").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	ctrl, _ := newTestCameraController(t, database)
	_, err = ctrl.Create(context.Background(), CreateParams{
		Name: "Garage", Protocol: "usb", DevicePath: "/dev/video0", NodeName: "k3s-1",
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))
}

func TestStop_DeletesWorkloadsAndMarksStopped(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()
	database := db.NewFromSQL(sqlDB)

	getRows := sqlmock.NewRows([]string{
		"id", "name", "protocol", "location", "source_url", "device_path", "node_name",
		"deployment_name", "service_name", "stream_port", "control_port", "status",
		"resolution", "framerate", "metadata", "created_at", "updated_at",
	}).AddRow("c1", "Office", "rtsp", "", "rtsp://10.0.0.9/s", "", "",
		"cam-office", "svc-office", 8081, 0, "running", "640x480", 15, []byte(`{}`), time.Now(), time.Now())

	mock.ExpectQuery("SELECT (.+) FROM cameras WHERE id = \\$1").WithArgs("c1").WillReturnRows(getRows)
	mock.ExpectExec("UPDATE cameras SET status=\\$1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT (.+) FROM cameras WHERE id = \\$1").WithArgs("c1").WillReturnRows(getRows)

	ctrl, _ := newTestCameraController(t, database)
	_, err = ctrl.Stop(context.Background(), "c1")
	require.NoError(t, err)
}

func TestEvictStuckCreate_StopsAndMarksError(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()
	database := db.NewFromSQL(sqlDB)

	getRows := func() *sqlmock.Rows {
		return sqlmock.NewRows([]string{
			"id", "name", "protocol", "location", "source_url", "device_path", "node_name",
			"deployment_name", "service_name", "stream_port", "control_port", "status",
			"resolution", "framerate", "metadata", "created_at", "updated_at",
		}).AddRow("c1", "Office", "usb", "", "", "/dev/video0", "k3s-1",
			"cam-office", "svc-office", 0, 0, "creating", "640x480", 15, []byte(`{}`), time.Now(), time.Now())
	}

	mock.ExpectQuery("SELECT (.+) FROM cameras WHERE id = \\$1").WithArgs("c1").WillReturnRows(getRows())
	mock.ExpectExec("UPDATE cameras SET status=\\$1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT (.+) FROM cameras WHERE id = \\$1").WithArgs("c1").WillReturnRows(getRows())
	mock.ExpectQuery("SELECT (.+) FROM cameras WHERE id = \\$1").WithArgs("c1").WillReturnRows(getRows())
	mock.ExpectExec("UPDATE cameras SET status=\\$1").WillReturnResult(sqlmock.NewResult(0, 1))

	ctrl, _ := newTestCameraController(t, database)
	ctrl.EvictStuckCreate(context.Background(), "c1")
}
