// Package chatflow ties an inbound chat request to its upstream chatflow: it
// resolves the API, picks the user's session, builds the upstream payload and
// hands the finished turn to the recorder.
package chatflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tokligence/chatflow-gateway/internal/conversation"
	"github.com/tokligence/chatflow-gateway/internal/profile"
	"github.com/tokligence/chatflow-gateway/internal/recorder"
	"github.com/tokligence/chatflow-gateway/internal/registry"
	"github.com/tokligence/chatflow-gateway/internal/relay"
	"github.com/tokligence/chatflow-gateway/internal/upstream"
)

// DefaultSessionMaxTurns is how many turns a session holds before a new one is started.
const DefaultSessionMaxTurns = 50

var (
	// ErrUnknownAPI is returned when the request names an unregistered API code.
	ErrUnknownAPI = errors.New("chatflow: unknown api code")
	// ErrInvalidRequest is returned for requests missing required fields.
	ErrInvalidRequest = errors.New("chatflow: invalid request")
)

// Request is one inbound chat question.
type Request struct {
	APICode        string
	Query          string
	User           string
	ResponseMode   conversation.ResponseMode
	ConversationID string
	Inputs         map[string]any
}

// Upstream is the subset of the upstream client the service needs.
type Upstream interface {
	Post(ctx context.Context, url string, payload map[string]any, headers map[string]string) (upstream.Response, error)
	Stream(ctx context.Context, url string, payload map[string]any, headers map[string]string) (*upstream.Stream, error)
}

// Recorder receives finished turns.
type Recorder interface {
	Submit(c recorder.Completion) error
}

// Config wires the service.
type Config struct {
	APIs            registry.Store
	Conversations   conversation.Store
	Profiles        *profile.Ensurer
	Upstream        Upstream
	Relay           *relay.Relay
	Recorder        Recorder
	SessionMaxTurns int
	Logger          *log.Logger
	Debug           bool
}

// Service handles chat requests in both response modes.
type Service struct {
	cfg    Config
	logger *log.Logger
}

// New validates cfg and returns a Service.
func New(cfg Config) (*Service, error) {
	switch {
	case cfg.APIs == nil:
		return nil, errors.New("chatflow: api registry required")
	case cfg.Conversations == nil:
		return nil, errors.New("chatflow: conversation store required")
	case cfg.Upstream == nil:
		return nil, errors.New("chatflow: upstream client required")
	case cfg.Recorder == nil:
		return nil, errors.New("chatflow: recorder required")
	}
	if cfg.Relay == nil {
		cfg.Relay = relay.New(relay.Config{Logger: cfg.Logger})
	}
	if cfg.SessionMaxTurns <= 0 {
		cfg.SessionMaxTurns = DefaultSessionMaxTurns
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Service{cfg: cfg, logger: logger}, nil
}

func (s *Service) debugf(format string, args ...any) {
	if s.cfg.Debug {
		s.logger.Printf("DEBUG "+format, args...)
	}
}

// exchange is a prepared turn: everything known before the upstream is called.
type exchange struct {
	api     registry.API
	session *conversation.Session
	payload map[string]any
	turn    conversation.Turn
}

func (s *Service) prepare(ctx context.Context, req Request) (*exchange, error) {
	if strings.TrimSpace(req.APICode) == "" || strings.TrimSpace(req.User) == "" {
		return nil, fmt.Errorf("%w: api code and user are required", ErrInvalidRequest)
	}
	if req.ResponseMode != conversation.ModeBlocking && req.ResponseMode != conversation.ModeStreaming {
		return nil, fmt.Errorf("%w: response_mode %q", ErrInvalidRequest, req.ResponseMode)
	}

	api, err := s.cfg.APIs.GetAPI(ctx, req.APICode)
	if errors.Is(err, registry.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAPI, req.APICode)
	}
	if err != nil {
		return nil, fmt.Errorf("chatflow: load api %s: %w", req.APICode, err)
	}

	if err := s.cfg.Profiles.EnsureUser(ctx, req.User); err != nil {
		s.debugf("continuing without profile for %s: %v", req.User, err)
	}

	session, err := s.selectSession(ctx, req.User)
	if err != nil {
		return nil, err
	}

	conversationID := session.ConversationRef
	if conversationID == "" {
		conversationID = req.ConversationID
	}
	inputs := req.Inputs
	if inputs == nil {
		inputs = map[string]any{}
	}
	payload := map[string]any{
		"inputs":          inputs,
		"query":           req.Query,
		"response_mode":   string(req.ResponseMode),
		"conversation_id": conversationID,
		"user":            req.User,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: inputs: %v", ErrInvalidRequest, err)
	}

	return &exchange{
		api:     api,
		session: session,
		payload: payload,
		turn: conversation.Turn{
			ID:           uuid.NewString(),
			SessionID:    session.ID,
			UserID:       req.User,
			Carrier:      api.Code,
			ResponseMode: req.ResponseMode,
			Question:     req.Query,
			RawRequest:   string(raw),
			CreatedAt:    time.Now().UTC(),
		},
	}, nil
}

// selectSession reuses the user's latest session until it is full.
func (s *Service) selectSession(ctx context.Context, userID string) (*conversation.Session, error) {
	latest, err := s.cfg.Conversations.LatestSession(ctx, userID)
	switch {
	case err == nil:
		n, err := s.cfg.Conversations.CountTurns(ctx, latest.ID)
		if err != nil {
			return nil, fmt.Errorf("chatflow: count turns: %w", err)
		}
		if n < s.cfg.SessionMaxTurns {
			return latest, nil
		}
		s.debugf("session %s of %s is full (%d turns), starting a new one", latest.ID, userID, n)
	case !errors.Is(err, conversation.ErrNotFound):
		return nil, fmt.Errorf("chatflow: latest session: %w", err)
	}

	session := conversation.NewSession(userID)
	if err := s.cfg.Conversations.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("chatflow: create session: %w", err)
	}
	return session, nil
}

func (s *Service) submit(ex *exchange, c recorder.Completion) {
	c.SessionID = ex.session.ID
	c.SessionRef = ex.session.ConversationRef
	c.Turn = ex.turn
	if c.FinishedAt.IsZero() {
		c.FinishedAt = time.Now().UTC()
	}
	if err := s.cfg.Recorder.Submit(c); err != nil {
		s.logger.Printf("turn %s of session %s not queued: %v", ex.turn.ID, ex.session.ID, err)
	}
}

// outcomeOf maps an upstream failure to the turn outcome.
func outcomeOf(err error) conversation.Outcome {
	if errors.Is(err, upstream.ErrTimeout) {
		return conversation.OutcomeTimedOut
	}
	return conversation.OutcomeErrored
}
