package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/tokligence/chatflow-gateway/internal/answer"
	"github.com/tokligence/chatflow-gateway/internal/chatflow"
	"github.com/tokligence/chatflow-gateway/internal/conversation"
	"github.com/tokligence/chatflow-gateway/internal/httpserver/protocol"
	"github.com/tokligence/chatflow-gateway/internal/upstream"
)

const maxBodyBytes = 1 << 20

var validate = validator.New()

type difyEndpoint struct {
	server *Server
}

func newDifyEndpoint(server *Server) protocol.Endpoint {
	return &difyEndpoint{server: server}
}

func (e *difyEndpoint) Name() string { return "dify" }

func (e *difyEndpoint) Routes() []protocol.EndpointRoute {
	return []protocol.EndpointRoute{
		{Method: http.MethodPost, Path: "/dify/{apiCode}", Handler: http.HandlerFunc(e.server.HandleChat)},
	}
}

// chatRequest is the inbound body of POST /dify/{apiCode}.
type chatRequest struct {
	Query          string         `json:"query" validate:"required"`
	User           string         `json:"user" validate:"required,max=128"`
	ResponseMode   string         `json:"response_mode" validate:"omitempty,oneof=blocking streaming"`
	ConversationID string         `json:"conversation_id" validate:"omitempty,max=128"`
	Inputs         map[string]any `json:"inputs"`
}

func decodeChatRequest(r *http.Request) (chatRequest, error) {
	var req chatRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		return chatRequest{}, fmt.Errorf("invalid json body: %w", err)
	}
	req.Query = strings.TrimSpace(req.Query)
	req.User = strings.TrimSpace(req.User)
	req.ResponseMode = strings.ToLower(strings.TrimSpace(req.ResponseMode))
	if err := validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return chatRequest{}, fmt.Errorf("field %s failed %s validation", strings.ToLower(fe.Field()), fe.Tag())
		}
		return chatRequest{}, err
	}
	if req.ResponseMode == "" {
		req.ResponseMode = string(conversation.ModeStreaming)
	}
	return req, nil
}

// HandleChat serves one chat turn in the requested response mode.
func (s *Server) HandleChat(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	body, err := decodeChatRequest(r)
	if err != nil {
		s.metrics.RecordError("dify", "invalid_request")
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	req := chatflow.Request{
		APICode:        chi.URLParam(r, "apiCode"),
		Query:          body.Query,
		User:           body.User,
		ResponseMode:   conversation.ResponseMode(body.ResponseMode),
		ConversationID: body.ConversationID,
		Inputs:         body.Inputs,
	}
	defer func() { s.metrics.RecordRequest("dify", body.ResponseMode, time.Since(start)) }()

	if req.ResponseMode == conversation.ModeStreaming {
		s.streamChat(w, r, req)
		return
	}
	s.blockingChat(w, r, req)
}

func (s *Server) blockingChat(w http.ResponseWriter, r *http.Request, req chatflow.Request) {
	reply, err := s.chat.Ask(r.Context(), req)
	if err != nil {
		s.respondPrepareError(w, err)
		return
	}
	if reply.Err != nil {
		status := http.StatusBadGateway
		if errors.Is(reply.Err, upstream.ErrTimeout) {
			status = http.StatusGatewayTimeout
		}
		s.metrics.RecordError("dify", upstream.Classify(reply.Err))
		s.respondEnvelope(w, status, answer.NotFound().Items(), chatflow.ClientMessage(reply.Err))
		return
	}
	s.debugf("blocking turn %s of session %s answered", reply.TurnID, reply.SessionID)
	s.respondEnvelope(w, http.StatusOK, reply.Answer.Items(), "success")
}

func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, req chatflow.Request) {
	emit := newSSEEmitter(w)
	res, err := s.chat.Stream(r.Context(), req, emit)
	if err != nil {
		if !emit.started {
			s.respondPrepareError(w, err)
			return
		}
		s.logger.Printf("stream for %s failed after start: %v", req.User, err)
		return
	}
	emit.start()
	if res.Err != nil {
		s.metrics.RecordError("dify", string(res.State))
	}
	s.debugf("stream for %s ended %s with %d fragment(s)", req.User, res.State, res.Fragments)
}

func (s *Server) respondPrepareError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chatflow.ErrUnknownAPI):
		s.metrics.RecordError("dify", "unknown_api")
		s.respondError(w, http.StatusNotFound, err)
	case errors.Is(err, chatflow.ErrInvalidRequest):
		s.metrics.RecordError("dify", "invalid_request")
		s.respondError(w, http.StatusBadRequest, err)
	default:
		s.logger.Printf("chat request failed: %v", err)
		s.metrics.RecordError("dify", "internal")
		s.respondEnvelope(w, http.StatusInternalServerError, nil, "internal error")
	}
}
