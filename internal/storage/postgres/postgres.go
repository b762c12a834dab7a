// Package postgres stores sessions, turns, registered APIs and user profiles in PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/tokligence/chatflow-gateway/internal/conversation"
	"github.com/tokligence/chatflow-gateway/internal/profile"
	"github.com/tokligence/chatflow-gateway/internal/registry"
)

var (
	_ conversation.Store = (*Store)(nil)
	_ registry.Store     = (*Store)(nil)
	_ profile.Store      = (*Store)(nil)
)

// Store implements the conversation, registry and profile stores backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

// New opens a PostgreSQL store using the provided DSN and connection pool settings.
func New(dsn string, maxOpen, maxIdle, lifetimeMinutes, idleTimeMinutes int) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}

	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	if lifetimeMinutes > 0 {
		db.SetConnMaxLifetime(time.Duration(lifetimeMinutes) * time.Minute)
	}
	if idleTimeMinutes > 0 {
		db.SetConnMaxIdleTime(time.Duration(idleTimeMinutes) * time.Minute)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS chat_sessions (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	conversation_ref TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chat_sessions_user_created ON chat_sessions(user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS chat_turns (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	carrier TEXT NOT NULL DEFAULT '',
	response_mode TEXT NOT NULL CHECK(response_mode IN ('blocking','streaming')),
	question TEXT NOT NULL DEFAULT '',
	raw_request TEXT NOT NULL DEFAULT '',
	raw_output TEXT NOT NULL DEFAULT '',
	rendered_answer TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL CHECK(status IN ('success','error')),
	outcome TEXT NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chat_turns_session_created ON chat_turns(session_id, created_at);

CREATE TABLE IF NOT EXISTS chat_apis (
	code TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	url TEXT NOT NULL,
	headers JSONB NOT NULL DEFAULT '{}'::jsonb,
	description TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS user_profiles (
	user_id TEXT PRIMARY KEY,
	source TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

const sessionColumns = `id, user_id, conversation_ref, title, description, created_at, updated_at`

func scanSession(row interface{ Scan(...any) error }) (*conversation.Session, error) {
	var sess conversation.Session
	if err := row.Scan(&sess.ID, &sess.UserID, &sess.ConversationRef, &sess.Title, &sess.Description, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, conversation.ErrNotFound
		}
		return nil, err
	}
	return &sess, nil
}

// LatestSession returns the most recently created session of userID.
func (s *Store) LatestSession(ctx context.Context, userID string) (*conversation.Session, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+sessionColumns+`
FROM chat_sessions
WHERE user_id = $1
ORDER BY created_at DESC
LIMIT 1`, userID)
	return scanSession(row)
}

// GetSession returns the session with the given id.
func (s *Store) GetSession(ctx context.Context, id string) (*conversation.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM chat_sessions WHERE id = $1`, id)
	return scanSession(row)
}

// CreateSession inserts a new session.
func (s *Store) CreateSession(ctx context.Context, sess *conversation.Session) error {
	if sess == nil || sess.ID == "" || sess.UserID == "" {
		return errors.New("session requires id and user id")
	}
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = sess.CreatedAt
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO chat_sessions(id, user_id, conversation_ref, title, description, created_at, updated_at)
VALUES($1, $2, $3, $4, $5, $6, $7)`,
		sess.ID, sess.UserID, sess.ConversationRef, sess.Title, sess.Description, sess.CreatedAt.UTC(), sess.UpdatedAt.UTC())
	return err
}

// CountTurns returns the number of recorded turns in a session.
func (s *Store) CountTurns(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_turns WHERE session_id = $1`, sessionID).Scan(&n)
	return n, err
}

// AdoptConversationRef sets the session's handle if it has none yet.
func (s *Store) AdoptConversationRef(ctx context.Context, sessionID, ref string) (bool, error) {
	if ref == "" {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE chat_sessions
SET conversation_ref = $1, updated_at = $2
WHERE id = $3 AND conversation_ref = ''`, ref, time.Now().UTC(), sessionID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// InsertTurn writes a finished turn.
func (s *Store) InsertTurn(ctx context.Context, t conversation.Turn) error {
	if t.ID == "" || t.SessionID == "" {
		return errors.New("turn requires id and session id")
	}
	if t.Open() {
		return errors.New("turn is not finished")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO chat_turns(id, session_id, user_id, carrier, response_mode, question, raw_request, raw_output,
	rendered_answer, status, outcome, error_message, created_at, finished_at)
VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		t.ID, t.SessionID, t.UserID, t.Carrier, string(t.ResponseMode), t.Question, t.RawRequest, t.RawOutput,
		t.RenderedAnswer, string(t.Status), string(t.Outcome), t.ErrorMessage, t.CreatedAt.UTC(), t.FinishedAt.UTC())
	return err
}

// ListTurns returns up to limit turns of a session, oldest first.
func (s *Store) ListTurns(ctx context.Context, sessionID string, limit int) ([]conversation.Turn, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, session_id, user_id, carrier, response_mode, question, raw_request, raw_output,
	rendered_answer, status, outcome, error_message, created_at, finished_at
FROM chat_turns
WHERE session_id = $1
ORDER BY created_at ASC
LIMIT $2`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []conversation.Turn
	for rows.Next() {
		var t conversation.Turn
		var mode, status, outcome string
		if err := rows.Scan(&t.ID, &t.SessionID, &t.UserID, &t.Carrier, &mode, &t.Question, &t.RawRequest, &t.RawOutput,
			&t.RenderedAnswer, &status, &outcome, &t.ErrorMessage, &t.CreatedAt, &t.FinishedAt); err != nil {
			return nil, err
		}
		t.ResponseMode = conversation.ResponseMode(mode)
		t.Status = conversation.Status(status)
		t.Outcome = conversation.Outcome(outcome)
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// GetAPI returns the API registered under code.
func (s *Store) GetAPI(ctx context.Context, code string) (registry.API, error) {
	var api registry.API
	var headers string
	err := s.db.QueryRowContext(ctx, `SELECT code, name, url, headers, description FROM chat_apis WHERE code = $1`, code).
		Scan(&api.Code, &api.Name, &api.URL, &headers, &api.Description)
	if errors.Is(err, sql.ErrNoRows) {
		return registry.API{}, registry.ErrNotFound
	}
	if err != nil {
		return registry.API{}, err
	}
	if err := json.Unmarshal([]byte(headers), &api.Headers); err != nil {
		return registry.API{}, fmt.Errorf("decode headers of %q: %w", code, err)
	}
	return api, nil
}

// UpsertAPI inserts or replaces a registered API.
func (s *Store) UpsertAPI(ctx context.Context, api registry.API) error {
	if err := api.Validate(); err != nil {
		return err
	}
	headers, err := json.Marshal(api.Headers)
	if err != nil {
		return fmt.Errorf("encode headers: %w", err)
	}
	if api.Headers == nil {
		headers = []byte("{}")
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO chat_apis(code, name, url, headers, description, updated_at)
VALUES($1, $2, $3, $4::jsonb, $5, $6)
ON CONFLICT(code) DO UPDATE SET
	name = excluded.name,
	url = excluded.url,
	headers = excluded.headers,
	description = excluded.description,
	updated_at = excluded.updated_at`,
		api.Code, api.Name, api.URL, string(headers), api.Description, time.Now().UTC())
	return err
}

// ListAPIs returns all registered APIs ordered by code.
func (s *Store) ListAPIs(ctx context.Context) ([]registry.API, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT code, name, url, headers, description FROM chat_apis ORDER BY code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var apis []registry.API
	for rows.Next() {
		var api registry.API
		var headers string
		if err := rows.Scan(&api.Code, &api.Name, &api.URL, &headers, &api.Description); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(headers), &api.Headers); err != nil {
			return nil, fmt.Errorf("decode headers of %q: %w", api.Code, err)
		}
		apis = append(apis, api)
	}
	return apis, rows.Err()
}

// EnsureProfile inserts a profile unless one exists for the user.
func (s *Store) EnsureProfile(ctx context.Context, p profile.Profile) (bool, error) {
	if p.UserID == "" {
		return false, errors.New("profile requires user id")
	}
	created := p.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO user_profiles(user_id, source, created_at) VALUES($1, $2, $3)
ON CONFLICT(user_id) DO NOTHING`, p.UserID, p.Source, created.UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
