package conversation

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ResponseMode selects how the upstream answers a turn.
type ResponseMode string

const (
	ModeBlocking  ResponseMode = "blocking"
	ModeStreaming ResponseMode = "streaming"
)

// Status is the coarse outcome of a turn. It is not an HTTP status.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Outcome is the terminal state a turn reached.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeErrored   Outcome = "errored"
	OutcomeTimedOut  Outcome = "timed_out"
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("conversation: not found")

// Session groups the turns of one user and remembers the upstream conversation handle.
type Session struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	ConversationRef string    `json:"conversation_ref,omitempty"`
	Title           string    `json:"title"`
	Description     string    `json:"description"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// NewSession returns a fresh session for userID with default title and description.
func NewSession(userID string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:          uuid.NewString(),
		UserID:      userID,
		Title:       "New session",
		Description: "No description yet",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Turn is one question/answer exchange. It is written once, at its terminal state.
type Turn struct {
	ID             string       `json:"id"`
	SessionID      string       `json:"session_id"`
	UserID         string       `json:"user_id"`
	Carrier        string       `json:"carrier"`
	ResponseMode   ResponseMode `json:"response_mode"`
	Question       string       `json:"question"`
	RawRequest     string       `json:"raw_request"`
	RawOutput      string       `json:"raw_output"`
	RenderedAnswer string       `json:"rendered_answer"`
	Status         Status       `json:"status"`
	Outcome        Outcome      `json:"outcome"`
	ErrorMessage   string       `json:"error_message,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	FinishedAt     time.Time    `json:"finished_at"`
}

// Open reports whether the turn has not reached a terminal state yet.
func (t *Turn) Open() bool { return t.FinishedAt.IsZero() }

// Finish moves an open turn to its terminal state. Calling it on a finished turn
// is a no-op and returns false.
func (t *Turn) Finish(outcome Outcome, at time.Time) bool {
	if !t.Open() {
		return false
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = at
	}
	if at.Before(t.CreatedAt) {
		at = t.CreatedAt
	}
	t.FinishedAt = at
	t.Outcome = outcome
	if outcome == OutcomeCompleted {
		t.Status = StatusSuccess
	} else {
		t.Status = StatusError
	}
	return true
}

// Store persists sessions and turns.
type Store interface {
	LatestSession(ctx context.Context, userID string) (*Session, error)
	GetSession(ctx context.Context, id string) (*Session, error)
	CreateSession(ctx context.Context, session *Session) error
	CountTurns(ctx context.Context, sessionID string) (int, error)
	// AdoptConversationRef sets the handle only when the session has none yet.
	// It reports whether this call adopted ref.
	AdoptConversationRef(ctx context.Context, sessionID, ref string) (bool, error)
	InsertTurn(ctx context.Context, turn Turn) error
	ListTurns(ctx context.Context, sessionID string, limit int) ([]Turn, error)
	Close() error
}
