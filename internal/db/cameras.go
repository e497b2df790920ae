package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/falcon-eye/falcon-eye/internal/apperrors"
)

// Camera mirrors the cameras table, the declarative record a user creates
// to have the control plane manage a capture pod.
type Camera struct {
	ID             string
	Name           string
	Protocol       string // usb, rtsp, onvif, http
	Location       string
	SourceURL      string
	DevicePath     string
	NodeName       string
	DeploymentName string
	ServiceName    string
	StreamPort     int
	ControlPort    int
	Status         string
	Resolution     string
	Framerate      int
	Metadata       Metadata
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CameraDB is the repository for the cameras table.
type CameraDB struct {
	db *sql.DB
}

const cameraColumns = `
	id, name, protocol, COALESCE(location, ''), COALESCE(source_url, ''),
	COALESCE(device_path, ''), COALESCE(node_name, ''), COALESCE(deployment_name, ''),
	COALESCE(service_name, ''), COALESCE(stream_port, 0), COALESCE(control_port, 0),
	status, resolution, framerate, metadata, created_at, updated_at
`

func scanCamera(row interface{ Scan(...interface{}) error }) (*Camera, error) {
	c := &Camera{Metadata: Metadata{}}
	err := row.Scan(
		&c.ID, &c.Name, &c.Protocol, &c.Location, &c.SourceURL,
		&c.DevicePath, &c.NodeName, &c.DeploymentName,
		&c.ServiceName, &c.StreamPort, &c.ControlPort,
		&c.Status, &c.Resolution, &c.Framerate, &c.Metadata, &c.CreatedAt, &c.UpdatedAt,
	)
	return c, err
}

// Create inserts a new Camera row, generating an ID if absent.
func (r *CameraDB) Create(ctx context.Context, c *Camera) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	now := time.Now()
	c.CreatedAt, c.UpdatedAt = now, now
	if c.Metadata == nil {
		c.Metadata = Metadata{}
	}

	query := `
		INSERT INTO cameras (
			id, name, protocol, location, source_url, device_path, node_name,
			deployment_name, service_name, stream_port, control_port, status,
			resolution, framerate, metadata, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
	`
	_, err := r.db.ExecContext(ctx, query,
		c.ID, c.Name, c.Protocol, nullString(c.Location), nullString(c.SourceURL),
		nullString(c.DevicePath), nullString(c.NodeName), nullString(c.DeploymentName),
		nullString(c.ServiceName), nullInt(c.StreamPort), nullInt(c.ControlPort), c.Status,
		c.Resolution, c.Framerate, c.Metadata, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create camera %s: %w", c.ID, err)
	}
	return nil
}

// Get retrieves a Camera by ID.
func (r *CameraDB) Get(ctx context.Context, id string) (*Camera, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+cameraColumns+" FROM cameras WHERE id = $1", id)
	c, err := scanCamera(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("camera", id)
	}
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	return c, nil
}

// CameraFilter narrows List by protocol, status, and node.
type CameraFilter struct {
	Protocol string
	Status   string
	Node     string
}

// List returns cameras matching filter, newest first.
func (r *CameraDB) List(ctx context.Context, f CameraFilter) ([]*Camera, error) {
	query := "SELECT " + cameraColumns + " FROM cameras WHERE 1=1"
	var args []interface{}
	n := 1
	if f.Protocol != "" {
		query += fmt.Sprintf(" AND protocol = $%d", n)
		args = append(args, f.Protocol)
		n++
	}
	if f.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", n)
		args = append(args, f.Status)
		n++
	}
	if f.Node != "" {
		query += fmt.Sprintf(" AND node_name = $%d", n)
		args = append(args, f.Node)
		n++
	}
	query += " ORDER BY created_at DESC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	defer rows.Close()

	var out []*Camera
	for rows.Next() {
		c, err := scanCamera(rows)
		if err != nil {
			return nil, apperrors.DatabaseError(err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ExistsUSBDevice reports whether (node, devicePath) is already registered
// to a camera other than excludeID, enforcing invariant (c) in §3.
func (r *CameraDB) ExistsUSBDevice(ctx context.Context, node, devicePath, excludeID string) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cameras WHERE node_name = $1 AND device_path = $2 AND protocol = 'usb' AND id != $3`,
		node, devicePath, excludeID,
	).Scan(&count)
	if err != nil {
		return false, apperrors.DatabaseError(err)
	}
	return count > 0, nil
}

// ExistsSourceHost reports whether a network camera already points at
// host:port, enforcing invariant (c) for non-usb protocols. Comparison is
// a substring match: any source_url containing hostPort counts.
func (r *CameraDB) ExistsSourceHost(ctx context.Context, hostPort, excludeID string) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cameras WHERE source_url LIKE '%' || $1 || '%' AND protocol != 'usb' AND id != $2`,
		hostPort, excludeID,
	).Scan(&count)
	if err != nil {
		return false, apperrors.DatabaseError(err)
	}
	return count > 0, nil
}

// Update persists every mutable field of c and refreshes updated_at.
func (r *CameraDB) Update(ctx context.Context, c *Camera) error {
	c.UpdatedAt = time.Now()
	query := `
		UPDATE cameras SET
			name=$1, protocol=$2, location=$3, source_url=$4, device_path=$5,
			node_name=$6, deployment_name=$7, service_name=$8, stream_port=$9,
			control_port=$10, status=$11, resolution=$12, framerate=$13,
			metadata=$14, updated_at=$15
		WHERE id=$16
	`
	res, err := r.db.ExecContext(ctx, query,
		c.Name, c.Protocol, nullString(c.Location), nullString(c.SourceURL), nullString(c.DevicePath),
		nullString(c.NodeName), nullString(c.DeploymentName), nullString(c.ServiceName), nullInt(c.StreamPort),
		nullInt(c.ControlPort), c.Status, c.Resolution, c.Framerate,
		c.Metadata, c.UpdatedAt, c.ID,
	)
	if err != nil {
		return apperrors.DatabaseError(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperrors.NotFound("camera", c.ID)
	}
	return nil
}

// UpdateStatus is a narrow status-only update used by lifecycle
// transitions, avoiding read-modify-write races on unrelated fields.
func (r *CameraDB) UpdateStatus(ctx context.Context, id, status string, meta Metadata) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE cameras SET status=$1, metadata=$2, updated_at=$3 WHERE id=$4`,
		status, meta, time.Now(), id,
	)
	if err != nil {
		return apperrors.DatabaseError(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperrors.NotFound("camera", id)
	}
	return nil
}

// Delete removes the Camera row. Recording rows are preserved: the FK's
// ON DELETE SET NULL clears camera_id, and the caller is responsible for
// setting camera_deleted=true on any still-recording rows first (I5).
func (r *CameraDB) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM cameras WHERE id = $1", id)
	if err != nil {
		return apperrors.DatabaseError(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperrors.NotFound("camera", id)
	}
	return nil
}

// ValidIDs returns the full set of live camera IDs, used by the Sweeper
// to decide which labeled workloads are orphaned.
func (r *CameraDB) ValidIDs(ctx context.Context) (map[string]bool, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT id FROM cameras")
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	defer rows.Close()

	ids := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apperrors.DatabaseError(err)
		}
		ids[id] = true
	}
	return ids, rows.Err()
}
