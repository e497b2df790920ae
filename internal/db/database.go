// Package db provides PostgreSQL-backed persistence for the control plane's
// entities: Camera, Recording, Agent, ChatSession, ChatMessage,
// AgentChatMessage, and CronJob. Each entity has its own XxxDB repository
// type wrapping the shared *sql.DB; all write paths commit on success via
// database/sql's implicit autocommit or an explicit transaction, and every
// query takes a context.Context deadline from its caller.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/falcon-eye/falcon-eye/internal/config"
)

// Database wraps the connection pool and exposes per-entity repositories.
type Database struct {
	db *sql.DB

	Cameras      *CameraDB
	Recordings   *RecordingDB
	Agents       *AgentDB
	ChatSessions *ChatSessionDB
	ChatMessages *ChatMessageDB
	AgentChat    *AgentChatMessageDB
	CronJobs     *CronJobDB
}

// New opens a connection pool from cfg, pings it, and wires every
// repository. It does not run migrations; call Migrate separately.
func New(cfg *config.Config) (*Database, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database configuration: %w", err)
	}

	connStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBSSLMode)

	sqlDB, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)
	sqlDB.SetConnMaxIdleTime(1 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return NewFromSQL(sqlDB), nil
}

// NewFromSQL wires repositories over an existing *sql.DB. Used in
// production with a pooled connection and in tests with sqlmock.
func NewFromSQL(sqlDB *sql.DB) *Database {
	return &Database{
		db:           sqlDB,
		Cameras:      &CameraDB{db: sqlDB},
		Recordings:   &RecordingDB{db: sqlDB},
		Agents:       &AgentDB{db: sqlDB},
		ChatSessions: &ChatSessionDB{db: sqlDB},
		ChatMessages: &ChatMessageDB{db: sqlDB},
		AgentChat:    &AgentChatMessageDB{db: sqlDB},
		CronJobs:     &CronJobDB{db: sqlDB},
	}
}

// DB returns the underlying connection pool, for callers (the sweeper,
// health checks) that need raw access.
func (d *Database) DB() *sql.DB { return d.db }

// Close releases the connection pool.
func (d *Database) Close() error { return d.db.Close() }

// Ping verifies the connection is alive, used by the readiness probe.
func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Migrate creates every table and index if absent, then applies additive
// column migrations. Run once at boot; a Fatal error here exits the
// process, per the error handling design's boot-time Fatal kind.
func (d *Database) Migrate() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS cameras (
			id VARCHAR(64) PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			protocol VARCHAR(16) NOT NULL,
			location VARCHAR(255),
			source_url VARCHAR(1024),
			device_path VARCHAR(255),
			node_name VARCHAR(255),
			deployment_name VARCHAR(255),
			service_name VARCHAR(255),
			stream_port INT,
			control_port INT,
			status VARCHAR(32) NOT NULL DEFAULT 'pending',
			resolution VARCHAR(32) NOT NULL DEFAULT '640x480',
			framerate INT NOT NULL DEFAULT 15,
			metadata JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_cameras_usb_device ON cameras (node_name, device_path) WHERE protocol = 'usb' AND device_path IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_cameras_status ON cameras (status)`,
		`CREATE INDEX IF NOT EXISTS idx_cameras_protocol ON cameras (protocol)`,

		`CREATE TABLE IF NOT EXISTS recordings (
			id VARCHAR(128) PRIMARY KEY,
			camera_id VARCHAR(64) REFERENCES cameras(id) ON DELETE SET NULL,
			camera_name VARCHAR(255) NOT NULL,
			file_path VARCHAR(1024) NOT NULL,
			file_name VARCHAR(255) NOT NULL,
			start_time TIMESTAMPTZ NOT NULL,
			end_time TIMESTAMPTZ,
			duration_seconds DOUBLE PRECISION,
			file_size_bytes BIGINT,
			status VARCHAR(32) NOT NULL DEFAULT 'recording',
			error_message TEXT,
			node_name VARCHAR(255),
			camera_deleted BOOLEAN NOT NULL DEFAULT false,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_recordings_one_active ON recordings (camera_id) WHERE status = 'recording'`,
		`CREATE INDEX IF NOT EXISTS idx_recordings_camera_id ON recordings (camera_id)`,
		`CREATE INDEX IF NOT EXISTS idx_recordings_status ON recordings (status)`,

		`CREATE TABLE IF NOT EXISTS agents (
			id VARCHAR(64) PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			slug VARCHAR(255) UNIQUE NOT NULL,
			provider VARCHAR(64) NOT NULL,
			model VARCHAR(255) NOT NULL,
			api_key_ref VARCHAR(255),
			system_prompt TEXT,
			temperature DOUBLE PRECISION NOT NULL DEFAULT 1.0,
			max_tokens INT NOT NULL DEFAULT 4096,
			channel_type VARCHAR(32),
			channel_config JSONB NOT NULL DEFAULT '{}',
			tools JSONB NOT NULL DEFAULT '[]',
			status VARCHAR(32) NOT NULL DEFAULT 'pending',
			deployment_name VARCHAR(255),
			service_name VARCHAR(255),
			node_name VARCHAR(255),
			cpu_limit VARCHAR(32) NOT NULL DEFAULT '500m',
			memory_limit VARCHAR(32) NOT NULL DEFAULT '512Mi',
			is_main BOOLEAN NOT NULL DEFAULT false,
			ephemeral BOOLEAN NOT NULL DEFAULT false,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_status ON agents (status)`,

		`CREATE TABLE IF NOT EXISTS chat_sessions (
			id VARCHAR(64) PRIMARY KEY,
			agent_id VARCHAR(64) NOT NULL,
			name VARCHAR(255),
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_sessions_agent_id ON chat_sessions (agent_id)`,

		`CREATE TABLE IF NOT EXISTS chat_messages (
			id VARCHAR(64) PRIMARY KEY,
			session_id VARCHAR(64) NOT NULL REFERENCES chat_sessions(id) ON DELETE CASCADE,
			role VARCHAR(16) NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_messages_session_id ON chat_messages (session_id, created_at)`,

		`CREATE TABLE IF NOT EXISTS agent_chat_messages (
			id VARCHAR(64) PRIMARY KEY,
			agent_id VARCHAR(64) NOT NULL,
			session_id VARCHAR(255) NOT NULL,
			role VARCHAR(16) NOT NULL,
			content TEXT NOT NULL,
			source VARCHAR(32) NOT NULL DEFAULT 'api',
			source_user VARCHAR(255),
			prompt_tokens INT,
			completion_tokens INT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agent_chat_messages_session ON agent_chat_messages (agent_id, session_id, created_at)`,

		`CREATE TABLE IF NOT EXISTS cron_jobs (
			id VARCHAR(64) PRIMARY KEY,
			agent_id VARCHAR(64) NOT NULL,
			cron_expr VARCHAR(128) NOT NULL,
			timezone VARCHAR(64) NOT NULL DEFAULT 'UTC',
			prompt TEXT NOT NULL,
			timeout_seconds INT NOT NULL DEFAULT 300,
			enabled BOOLEAN NOT NULL DEFAULT true,
			last_status VARCHAR(32),
			last_run_at TIMESTAMPTZ,
			last_summary TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cron_jobs_agent_id ON cron_jobs (agent_id)`,

		// Additive migrations: columns introduced after the initial schema.
		`ALTER TABLE cameras ADD COLUMN IF NOT EXISTS metadata JSONB NOT NULL DEFAULT '{}'`,
		`ALTER TABLE recordings ADD COLUMN IF NOT EXISTS camera_deleted BOOLEAN NOT NULL DEFAULT false`,
		`ALTER TABLE agents ADD COLUMN IF NOT EXISTS ephemeral BOOLEAN NOT NULL DEFAULT false`,
	}

	for _, stmt := range statements {
		if _, err := d.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration failed: %w\nstatement: %s", err, stmt)
		}
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt(i int) sql.NullInt64 {
	if i == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(i), Valid: true}
}
