package events

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/falcon-eye/falcon-eye/internal/logger"
)

// Config configures the NATS connection. An empty URL disables publishing
// entirely: Falcon-Eye never blocks a reconciliation on event delivery.
type Config struct {
	URL      string
	User     string
	Password string
}

// Publisher fires lifecycle notifications onto NATS subjects for anything
// downstream that wants to watch without polling the API (dashboards,
// billing exporters, the plugin ecosystem). Every publish is best-effort.
type Publisher struct {
	conn    *nats.Conn
	enabled bool
}

// NewPublisher connects to NATS if cfg.URL is set. Connection failure
// degrades to a disabled publisher rather than failing boot.
func NewPublisher(cfg Config) (*Publisher, error) {
	log := logger.Events()
	if cfg.URL == "" {
		log.Info().Msg("NATS_URL not configured, event publishing disabled")
		return &Publisher{enabled: false}, nil
	}

	opts := []nats.Option{
		nats.Name("falcon-eye-api"),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(10),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS publisher disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS publisher reconnected")
		}),
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		log.Warn().Err(err).Str("url", cfg.URL).Msg("failed to connect to NATS, event publishing disabled")
		return &Publisher{enabled: false}, nil
	}

	log.Info().Str("url", conn.ConnectedUrl()).Msg("connected to NATS")
	return &Publisher{conn: conn, enabled: true}, nil
}

// Close drains and closes the connection. Safe to call on a disabled Publisher.
func (p *Publisher) Close() {
	if p.conn != nil {
		p.conn.Drain()
		p.conn.Close()
	}
}

// IsEnabled reports whether the publisher has a live NATS connection.
func (p *Publisher) IsEnabled() bool {
	return p.enabled
}

func (p *Publisher) publish(subject string, payload interface{}) {
	if !p.enabled {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Events().Warn().Err(err).Str("subject", subject).Msg("failed to marshal event payload")
		return
	}
	if err := p.conn.Publish(subject, data); err != nil {
		logger.Events().Warn().Err(err).Str("subject", subject).Msg("failed to publish event")
	}
}

// CameraStatusEvent reports a Camera's status transition.
type CameraStatusEvent struct {
	CameraID string `json:"camera_id"`
	Name     string `json:"name"`
	Status   string `json:"status"`
}

// PublishCameraStatus fires a camera status transition event.
func (p *Publisher) PublishCameraStatus(e CameraStatusEvent) {
	p.publish(SubjectCameraStatus, e)
}

// CameraDeletedEvent reports a Camera row's final removal.
type CameraDeletedEvent struct {
	CameraID string `json:"camera_id"`
	Name     string `json:"name"`
}

// PublishCameraDeleted fires once a Camera row has been removed.
func (p *Publisher) PublishCameraDeleted(e CameraDeletedEvent) {
	p.publish(SubjectCameraDeleted, e)
}

// AgentStatusEvent reports an Agent's status transition.
type AgentStatusEvent struct {
	AgentID string `json:"agent_id"`
	Name    string `json:"name"`
	Status  string `json:"status"`
}

// PublishAgentStatus fires an agent status transition event.
func (p *Publisher) PublishAgentStatus(e AgentStatusEvent) {
	p.publish(SubjectAgentStatus, e)
}

// RecordingEvent reports a Recording starting or stopping.
type RecordingEvent struct {
	RecordingID string `json:"recording_id"`
	CameraID    string `json:"camera_id"`
}

// PublishRecordingStart fires when a Recording begins.
func (p *Publisher) PublishRecordingStart(e RecordingEvent) {
	p.publish(SubjectRecordingStart, e)
}

// PublishRecordingStop fires when a Recording ends.
func (p *Publisher) PublishRecordingStop(e RecordingEvent) {
	p.publish(SubjectRecordingStop, e)
}

// CronJobRunEvent reports a scheduled CronJob run being dispatched.
type CronJobRunEvent struct {
	CronJobID string `json:"cronjob_id"`
	AgentID   string `json:"agent_id"`
}

// PublishCronJobRun fires when the in-cluster CronJob spawns a run.
func (p *Publisher) PublishCronJobRun(e CronJobRunEvent) {
	p.publish(SubjectCronJobRun, e)
}
