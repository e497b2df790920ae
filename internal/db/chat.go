package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/falcon-eye/falcon-eye/internal/apperrors"
)

// ChatSession groups a run of ChatMessage rows under one agent.
type ChatSession struct {
	ID        string
	AgentID   string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ChatSessionDB is the repository for the chat_sessions table.
type ChatSessionDB struct {
	db *sql.DB
}

// Create inserts a new ChatSession, generating an ID if absent.
func (r *ChatSessionDB) Create(ctx context.Context, s *ChatSession) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	now := time.Now()
	s.CreatedAt, s.UpdatedAt = now, now
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO chat_sessions (id, agent_id, name, created_at, updated_at) VALUES ($1,$2,$3,$4,$5)`,
		s.ID, s.AgentID, nullString(s.Name), s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return apperrors.DatabaseError(err)
	}
	return nil
}

// Get retrieves a ChatSession by ID.
func (r *ChatSessionDB) Get(ctx context.Context, id string) (*ChatSession, error) {
	s := &ChatSession{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, agent_id, COALESCE(name, ''), created_at, updated_at FROM chat_sessions WHERE id = $1`, id,
	).Scan(&s.ID, &s.AgentID, &s.Name, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("session", id)
	}
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	return s, nil
}

// ListForAgent returns every session belonging to agentID, newest first.
func (r *ChatSessionDB) ListForAgent(ctx context.Context, agentID string) ([]*ChatSession, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, agent_id, COALESCE(name, ''), created_at, updated_at FROM chat_sessions WHERE agent_id = $1 ORDER BY updated_at DESC`,
		agentID,
	)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	defer rows.Close()

	var out []*ChatSession
	for rows.Next() {
		s := &ChatSession{}
		if err := rows.Scan(&s.ID, &s.AgentID, &s.Name, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, apperrors.DatabaseError(err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Touch refreshes updated_at, called whenever a message lands.
func (r *ChatSessionDB) Touch(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, "UPDATE chat_sessions SET updated_at=$1 WHERE id=$2", time.Now(), id)
	if err != nil {
		return apperrors.DatabaseError(err)
	}
	return nil
}

// ChatMessage is a single turn within a ChatSession.
type ChatMessage struct {
	ID        string
	SessionID string
	Role      string // user, assistant, system
	Content   string
	CreatedAt time.Time
}

// ChatMessageDB is the repository for the chat_messages table.
type ChatMessageDB struct {
	db *sql.DB
}

// Create inserts a ChatMessage row, generating an ID if absent. Insertion
// order is the total order guaranteed by I4 when callers hold the
// per-(agent,session) lock before calling this.
func (r *ChatMessageDB) Create(ctx context.Context, m *ChatMessage) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO chat_messages (id, session_id, role, content, created_at) VALUES ($1,$2,$3,$4,$5)`,
		m.ID, m.SessionID, m.Role, m.Content, m.CreatedAt,
	)
	if err != nil {
		return apperrors.DatabaseError(err)
	}
	return nil
}

// ListForSession returns messages in insertion order, oldest first.
func (r *ChatMessageDB) ListForSession(ctx context.Context, sessionID string, limit int) ([]*ChatMessage, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, created_at FROM chat_messages
		 WHERE session_id = $1 ORDER BY created_at ASC LIMIT $2`, sessionID, limit,
	)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	defer rows.Close()

	var out []*ChatMessage
	for rows.Next() {
		m := &ChatMessage{}
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, apperrors.DatabaseError(err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// AgentChatMessage is a turn in an agent's cross-channel conversation log
// (dashboard, telegram, cron, agent-to-agent delegation, system, api).
type AgentChatMessage struct {
	ID                string
	AgentID           string
	SessionID         string
	Role              string
	Content           string
	Source            string // dashboard, telegram, cron, agent, system, api
	SourceUser        string
	PromptTokens      *int
	CompletionTokens  *int
	CreatedAt         time.Time
}

// AgentChatMessageDB is the repository for the agent_chat_messages table.
type AgentChatMessageDB struct {
	db *sql.DB
}

// Create inserts an AgentChatMessage row, generating an ID if absent.
func (r *AgentChatMessageDB) Create(ctx context.Context, m *AgentChatMessage) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	if m.Source == "" {
		m.Source = "api"
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO agent_chat_messages (
			id, agent_id, session_id, role, content, source, source_user,
			prompt_tokens, completion_tokens, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		m.ID, m.AgentID, m.SessionID, m.Role, m.Content, m.Source, nullString(m.SourceUser),
		m.PromptTokens, m.CompletionTokens, m.CreatedAt,
	)
	if err != nil {
		return apperrors.DatabaseError(err)
	}
	return nil
}

// ListForSession returns the newest limit messages for (agentID,
// sessionID), oldest first in strict insertion order — the total order I4
// requires.
func (r *AgentChatMessageDB) ListForSession(ctx context.Context, agentID, sessionID string, limit int) ([]*AgentChatMessage, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, agent_id, session_id, role, content, source, COALESCE(source_user, ''),
			prompt_tokens, completion_tokens, created_at
		FROM agent_chat_messages
		WHERE agent_id = $1 AND session_id = $2
		ORDER BY created_at DESC LIMIT $3`, agentID, sessionID, limit,
	)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	defer rows.Close()

	var out []*AgentChatMessage
	for rows.Next() {
		m := &AgentChatMessage{}
		if err := rows.Scan(&m.ID, &m.AgentID, &m.SessionID, &m.Role, &m.Content, &m.Source, &m.SourceUser,
			&m.PromptTokens, &m.CompletionTokens, &m.CreatedAt); err != nil {
			return nil, apperrors.DatabaseError(err)
		}
		out = append(out, m)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}
