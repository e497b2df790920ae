package db

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordingDB_Create(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	repo := &RecordingDB{db: sqlDB}
	rec := &Recording{
		ID:         "cam1_20260101120000",
		CameraID:   "cam1",
		CameraName: "Office",
		FilePath:   "/data/falcon-eye/recordings/cam1/Office_20260101120000.mp4",
		FileName:   "Office_20260101120000.mp4",
		StartTime:  time.Now(),
		Status:     "recording",
	}

	mock.ExpectExec("INSERT INTO recordings").
		WithArgs(rec.ID, rec.CameraID, rec.CameraName, rec.FilePath, rec.FileName, rec.StartTime, rec.EndTime,
			rec.DurationSeconds, rec.FileSizeBytes, rec.Status, sqlmock.AnyArg(), sqlmock.AnyArg(),
			rec.CameraDeleted, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = repo.Create(context.Background(), rec)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordingDB_Create_DuplicateActive(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	repo := &RecordingDB{db: sqlDB}
	rec := &Recording{ID: "cam1_x", CameraID: "cam1", CameraName: "Office", FilePath: "p", FileName: "f", StartTime: time.Now(), Status: "recording"}

	mock.ExpectExec("INSERT INTO recordings").
		WillReturnError(assertUniqueViolation())

	err = repo.Create(context.Background(), rec)
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func assertUniqueViolation() error {
	return &mockPQError{}
}

type mockPQError struct{}

func (e *mockPQError) Error() string { return "pq: duplicate key value violates unique constraint \"idx_recordings_one_active\"" }

func TestRecordingDB_MarkStoppedForDeletedCamera(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	repo := &RecordingDB{db: sqlDB}
	mock.ExpectExec("UPDATE recordings SET status='stopped'").
		WithArgs(sqlmock.AnyArg(), "cam1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = repo.MarkStoppedForDeletedCamera(context.Background(), "cam1")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
