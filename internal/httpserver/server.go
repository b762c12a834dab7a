package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tokligence/chatflow-gateway/internal/chatflow"
	"github.com/tokligence/chatflow-gateway/internal/health"
	"github.com/tokligence/chatflow-gateway/internal/httpserver/protocol"
	"github.com/tokligence/chatflow-gateway/internal/metrics"
	"github.com/tokligence/chatflow-gateway/internal/relay"
)

var defaultEndpointKeys = []string{"dify", "health", "metrics"}

// ChatService is the chat surface the HTTP layer drives.
type ChatService interface {
	Ask(ctx context.Context, req chatflow.Request) (chatflow.Reply, error)
	Stream(ctx context.Context, req chatflow.Request, emit relay.Emitter) (relay.Result, error)
}

// Config wires the server.
type Config struct {
	Chat    ChatService
	Health  *health.Checker
	Metrics *metrics.Collector
	Logger  *log.Logger
	// LogLevel "debug" enables debugf output.
	LogLevel string
	// Endpoints restricts the mounted endpoint keys; empty mounts all.
	Endpoints []string
	// AccessLog mounts chi's request logger.
	AccessLog bool
}

// Server exposes the chatflow gateway over HTTP.
type Server struct {
	chat         ChatService
	health       *health.Checker
	metrics      *metrics.Collector
	logger       *log.Logger
	logLevel     string
	accessLog    bool
	endpointKeys []string
}

// New builds a Server. Chat is required.
func New(cfg Config) (*Server, error) {
	if cfg.Chat == nil {
		return nil, errors.New("httpserver: chat service required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Server{
		chat:         cfg.Chat,
		health:       cfg.Health,
		metrics:      cfg.Metrics,
		logger:       logger,
		logLevel:     strings.ToLower(strings.TrimSpace(cfg.LogLevel)),
		accessLog:    cfg.AccessLog,
		endpointKeys: normalizeEndpointKeys(cfg.Endpoints, defaultEndpointKeys),
	}, nil
}

// Router returns a configured chi router for embedding in HTTP servers.
func (s *Server) Router() http.Handler {
	r := s.newBaseRouter()
	s.registerEndpointKeys(r, s.endpointKeys...)
	return r
}

func (s *Server) newBaseRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	if s.accessLog {
		r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: s.logger, NoColor: true}))
	}
	r.Use(middleware.Recoverer)
	return r
}

func (s *Server) registerEndpoints(r chi.Router, endpoints ...protocol.Endpoint) {
	for _, ep := range endpoints {
		if ep == nil {
			continue
		}
		s.debugf("registering endpoint %s", ep.Name())
		for _, route := range ep.Routes() {
			r.Method(route.Method, route.Path, route.Handler)
		}
	}
}

func (s *Server) registerEndpointKeys(r chi.Router, keys ...string) int {
	var endpoints []protocol.Endpoint
	for _, key := range keys {
		if ep := s.endpointByKey(key); ep != nil {
			endpoints = append(endpoints, ep)
		} else {
			s.debugf("endpoint %s unavailable, skipping registration", key)
		}
	}
	s.registerEndpoints(r, endpoints...)
	return len(endpoints)
}

func (s *Server) endpointByKey(key string) protocol.Endpoint {
	switch key {
	case "dify", "chat":
		return newDifyEndpoint(s)
	case "health", "status":
		return newHealthEndpoint(s)
	case "metrics":
		if s.metrics == nil {
			return nil
		}
		return newMetricsEndpoint(s)
	default:
		return nil
	}
}

func normalizeEndpointKeys(list []string, defaults []string) []string {
	if len(list) == 0 {
		list = defaults
	}
	seen := make(map[string]struct{}, len(list))
	out := make([]string, 0, len(list))
	for _, key := range list {
		key = strings.ToLower(strings.TrimSpace(key))
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out
}

func (s *Server) isDebug() bool { return s.logLevel == "debug" }
func (s *Server) debugf(format string, args ...any) {
	if s.isDebug() {
		s.logger.Printf("DEBUG "+format, args...)
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	if payload == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// envelope is the blocking response body.
type envelope struct {
	Code int    `json:"code"`
	Data any    `json:"data"`
	Msg  string `json:"msg"`
}

func (s *Server) respondEnvelope(w http.ResponseWriter, status int, data any, msg string) {
	s.respondJSON(w, status, envelope{Code: status, Data: data, Msg: msg})
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	s.respondEnvelope(w, status, nil, err.Error())
}
