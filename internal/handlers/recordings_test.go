package handlers

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/falcon-eye/falcon-eye/internal/db"
)

func setupRecordingTest(t *testing.T) (*RecordingHandler, sqlmock.Sqlmock, func()) {
	gin.SetMode(gin.TestMode)

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	database := db.NewFromSQL(mockDB)
	handler := &RecordingHandler{database: database}

	return handler, mock, func() { mockDB.Close() }
}

var recordingColumnNames = []string{
	"id", "camera_id", "camera_name", "file_path", "file_name", "start_time",
	"end_time", "duration_seconds", "file_size_bytes", "status", "error_message",
	"node_name", "camera_deleted", "created_at", "updated_at",
}

func TestRecordingList_Success(t *testing.T) {
	handler, mock, cleanup := setupRecordingTest(t)
	defer cleanup()

	now := time.Now()
	rows := sqlmock.NewRows(recordingColumnNames).
		AddRow("cam-1_1234", "cam-1", "Front Door", "/data/cam-1", "1234.mp4", now,
			nil, nil, nil, "completed", "", "node-1", false, now, now)

	mock.ExpectQuery(`SELECT .* FROM recordings WHERE 1=1 ORDER BY start_time DESC LIMIT \$1 OFFSET \$2`).
		WithArgs(100, 0).
		WillReturnRows(rows)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/api/recordings/", nil)

	handler.list(c)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	recs := resp["recordings"].([]interface{})
	assert.Len(t, recs, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordingList_FilterByCameraAndStatus(t *testing.T) {
	handler, mock, cleanup := setupRecordingTest(t)
	defer cleanup()

	mock.ExpectQuery(`SELECT .* FROM recordings WHERE 1=1 AND camera_id = \$1 AND status = \$2 ORDER BY start_time DESC LIMIT \$3 OFFSET \$4`).
		WithArgs("cam-1", "recording", 100, 0).
		WillReturnRows(sqlmock.NewRows(recordingColumnNames))

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/api/recordings/?camera_id=cam-1&status=recording", nil)

	handler.list(c)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordingCreate_Success(t *testing.T) {
	handler, mock, cleanup := setupRecordingTest(t)
	defer cleanup()

	now := time.Now()
	mock.ExpectQuery(`SELECT .* FROM cameras WHERE id = \$1`).
		WithArgs("cam-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "protocol", "location", "source_url", "device_path", "node_name",
			"deployment_name", "service_name", "stream_port", "control_port", "status",
			"resolution", "framerate", "metadata", "created_at", "updated_at",
		}).AddRow("cam-1", "Front Door", "rtsp", "", "rtsp://x", "", "node-1",
			"", "", 0, 0, "running", "", 0, nil, now, now))

	mock.ExpectExec(`INSERT INTO recordings`).
		WithArgs(sqlmock.AnyArg(), "cam-1", "Front Door", "/data/cam-1/1234.mp4", "1234.mp4",
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "recording",
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	body, _ := json.Marshal(map[string]string{
		"camera_id": "cam-1",
		"file_path": "/data/cam-1/1234.mp4",
		"file_name": "1234.mp4",
	})

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/api/recordings/", bytes.NewReader(body))
	c.Request.Header.Set("Content-Type", "application/json")

	handler.create(c)

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordingCreate_InvalidBody(t *testing.T) {
	handler, mock, cleanup := setupRecordingTest(t)
	defer cleanup()

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/api/recordings/", bytes.NewReader([]byte(`{}`)))
	c.Request.Header.Set("Content-Type", "application/json")

	handler.create(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordingUpdate_Success(t *testing.T) {
	handler, mock, cleanup := setupRecordingTest(t)
	defer cleanup()

	now := time.Now()
	mock.ExpectQuery(`SELECT .* FROM recordings WHERE id = \$1`).
		WithArgs("cam-1_1234").
		WillReturnRows(sqlmock.NewRows(recordingColumnNames).
			AddRow("cam-1_1234", "cam-1", "Front Door", "/data/cam-1", "1234.mp4", now,
				nil, nil, nil, "recording", "", "node-1", false, now, now))

	mock.ExpectExec(`UPDATE recordings SET`).
		WithArgs("completed", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), false, sqlmock.AnyArg(), "cam-1_1234").
		WillReturnResult(sqlmock.NewResult(0, 1))

	body, _ := json.Marshal(map[string]interface{}{"status": "completed"})

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Params = gin.Params{{Key: "id", Value: "cam-1_1234"}}
	c.Request = httptest.NewRequest(http.MethodPatch, "/api/recordings/cam-1_1234", bytes.NewReader(body))
	c.Request.Header.Set("Content-Type", "application/json")

	handler.update(c)

	assert.Equal(t, http.StatusOK, w.Code)
	var rec db.Recording
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.Equal(t, "completed", rec.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordingDelete_NotFound(t *testing.T) {
	handler, mock, cleanup := setupRecordingTest(t)
	defer cleanup()

	mock.ExpectQuery(`SELECT .* FROM recordings WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Params = gin.Params{{Key: "id", Value: "missing"}}
	c.Request = httptest.NewRequest(http.MethodDelete, "/api/recordings/missing", nil)

	handler.delete(c)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordingDelete_Success(t *testing.T) {
	handler, mock, cleanup := setupRecordingTest(t)
	defer cleanup()

	now := time.Now()
	mock.ExpectQuery(`SELECT .* FROM recordings WHERE id = \$1`).
		WithArgs("cam-1_1234").
		WillReturnRows(sqlmock.NewRows(recordingColumnNames).
			AddRow("cam-1_1234", "cam-1", "Front Door", "/data/cam-1", "1234.mp4", now,
				nil, nil, nil, "completed", "", "", false, now, now))

	mock.ExpectExec(`DELETE FROM recordings WHERE id = \$1`).
		WithArgs("cam-1_1234").
		WillReturnResult(sqlmock.NewResult(0, 1))

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Params = gin.Params{{Key: "id", Value: "cam-1_1234"}}
	c.Request = httptest.NewRequest(http.MethodDelete, "/api/recordings/cam-1_1234", nil)

	handler.delete(c)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}
