package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/falcon-eye/falcon-eye/internal/apperrors"
)

// Recording mirrors the recordings table. Its ID is the deterministic
// string {camera_id}_{timestamp}, not a UUID.
type Recording struct {
	ID              string
	CameraID        string // empty once the owning camera is deleted
	CameraName      string
	FilePath        string
	FileName        string
	StartTime       time.Time
	EndTime         *time.Time
	DurationSeconds *float64
	FileSizeBytes   *int64
	Status          string
	ErrorMessage    string
	NodeName        string
	CameraDeleted   bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// RecordingDB is the repository for the recordings table.
type RecordingDB struct {
	db *sql.DB
}

const recordingColumns = `
	id, COALESCE(camera_id, ''), camera_name, file_path, file_name, start_time,
	end_time, duration_seconds, file_size_bytes, status, COALESCE(error_message, ''),
	COALESCE(node_name, ''), camera_deleted, created_at, updated_at
`

func scanRecording(row interface{ Scan(...interface{}) error }) (*Recording, error) {
	rec := &Recording{}
	err := row.Scan(
		&rec.ID, &rec.CameraID, &rec.CameraName, &rec.FilePath, &rec.FileName, &rec.StartTime,
		&rec.EndTime, &rec.DurationSeconds, &rec.FileSizeBytes, &rec.Status, &rec.ErrorMessage,
		&rec.NodeName, &rec.CameraDeleted, &rec.CreatedAt, &rec.UpdatedAt,
	)
	return rec, err
}

// Create inserts a Recording row, called by the recorder pod's write-back.
func (r *RecordingDB) Create(ctx context.Context, rec *Recording) error {
	now := time.Now()
	rec.CreatedAt, rec.UpdatedAt = now, now
	query := `
		INSERT INTO recordings (
			id, camera_id, camera_name, file_path, file_name, start_time, end_time,
			duration_seconds, file_size_bytes, status, error_message, node_name,
			camera_deleted, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`
	_, err := r.db.ExecContext(ctx, query,
		rec.ID, nullString(rec.CameraID), rec.CameraName, rec.FilePath, rec.FileName, rec.StartTime, rec.EndTime,
		rec.DurationSeconds, rec.FileSizeBytes, rec.Status, nullString(rec.ErrorMessage), nullString(rec.NodeName),
		rec.CameraDeleted, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		// I3: at-most-one active recording per camera enforced by the
		// partial unique index on (camera_id) WHERE status='recording'.
		return apperrors.Conflict(fmt.Sprintf("camera %s already has an active recording: %v", rec.CameraID, err))
	}
	return nil
}

// Get retrieves a Recording by ID.
func (r *RecordingDB) Get(ctx context.Context, id string) (*Recording, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+recordingColumns+" FROM recordings WHERE id = $1", id)
	rec, err := scanRecording(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("recording", id)
	}
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	return rec, nil
}

// ActiveForCamera returns the in-progress Recording for cameraID, if any.
func (r *RecordingDB) ActiveForCamera(ctx context.Context, cameraID string) (*Recording, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+recordingColumns+" FROM recordings WHERE camera_id = $1 AND status = 'recording'", cameraID)
	rec, err := scanRecording(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	return rec, nil
}

// RecordingFilter narrows List by camera, status, and pagination.
type RecordingFilter struct {
	CameraID string
	Status   string
	Limit    int
	Offset   int
}

// List returns recordings matching f, newest first.
func (r *RecordingDB) List(ctx context.Context, f RecordingFilter) ([]*Recording, error) {
	query := "SELECT " + recordingColumns + " FROM recordings WHERE 1=1"
	var args []interface{}
	n := 1
	if f.CameraID != "" {
		query += fmt.Sprintf(" AND camera_id = $%d", n)
		args = append(args, f.CameraID)
		n++
	}
	if f.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", n)
		args = append(args, f.Status)
		n++
	}
	query += " ORDER BY start_time DESC"
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", n, n+1)
	args = append(args, limit, f.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	defer rows.Close()

	var out []*Recording
	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			return nil, apperrors.DatabaseError(err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Update persists every mutable field, used by the recorder pod's PATCH
// callback (status, end_time, duration_seconds, file_size_bytes, ...).
func (r *RecordingDB) Update(ctx context.Context, rec *Recording) error {
	rec.UpdatedAt = time.Now()
	res, err := r.db.ExecContext(ctx, `
		UPDATE recordings SET
			status=$1, end_time=$2, duration_seconds=$3, file_size_bytes=$4,
			error_message=$5, camera_deleted=$6, updated_at=$7
		WHERE id=$8`,
		rec.Status, rec.EndTime, rec.DurationSeconds, rec.FileSizeBytes,
		nullString(rec.ErrorMessage), rec.CameraDeleted, rec.UpdatedAt, rec.ID,
	)
	if err != nil {
		return apperrors.DatabaseError(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperrors.NotFound("recording", rec.ID)
	}
	return nil
}

// MarkStoppedForDeletedCamera transitions every recording-status row for
// cameraID to stopped+camera_deleted=true, called from the Camera delete
// path before the Camera row itself is removed (I5).
func (r *RecordingDB) MarkStoppedForDeletedCamera(ctx context.Context, cameraID string) error {
	now := time.Now()
	_, err := r.db.ExecContext(ctx, `
		UPDATE recordings SET status='stopped', end_time=$1, camera_deleted=true, updated_at=$1
		WHERE camera_id = $2 AND status = 'recording'`,
		now, cameraID,
	)
	if err != nil {
		return apperrors.DatabaseError(err)
	}
	return nil
}

// ActiveRecordingCameraIDs lists camera IDs with a status=recording row,
// the Sweeper's starting point for orphan-recorder repair.
func (r *RecordingDB) ActiveRecordingCameraIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT camera_id FROM recordings WHERE status = 'recording' AND camera_id IS NOT NULL")
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apperrors.DatabaseError(err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Delete removes a Recording row outright (explicit user request only).
func (r *RecordingDB) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM recordings WHERE id = $1", id)
	if err != nil {
		return apperrors.DatabaseError(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperrors.NotFound("recording", id)
	}
	return nil
}

// OlderThan returns every recording not in status=recording (completed,
// stopped, failed or error) that started before cutoff,
// for the retention sweep (SPEC_FULL.md §6 [ADD] Recording retention).
func (r *RecordingDB) OlderThan(ctx context.Context, cutoff time.Time) ([]*Recording, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+recordingColumns+" FROM recordings WHERE start_time < $1 AND status != 'recording'", cutoff)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	defer rows.Close()

	var out []*Recording
	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			return nil, apperrors.DatabaseError(err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
