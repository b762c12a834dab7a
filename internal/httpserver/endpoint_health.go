package httpserver

import (
	"net/http"
	"time"

	"github.com/tokligence/chatflow-gateway/internal/health"
	"github.com/tokligence/chatflow-gateway/internal/httpserver/protocol"
)

type healthEndpoint struct {
	server *Server
}

func newHealthEndpoint(server *Server) protocol.Endpoint {
	return &healthEndpoint{server: server}
}

func (e *healthEndpoint) Name() string { return "health" }

func (e *healthEndpoint) Routes() []protocol.EndpointRoute {
	return []protocol.EndpointRoute{
		{Method: http.MethodGet, Path: "/health", Handler: http.HandlerFunc(e.server.HandleHealth)},
	}
}

// HandleHealth reports liveness and, when a checker is wired, the state of
// the database and user cache.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		s.respondJSON(w, http.StatusOK, map[string]any{
			"status":    health.StatusHealthy,
			"timestamp": time.Now().UTC(),
		})
		return
	}
	result := s.health.Check(r.Context())
	status := http.StatusOK
	if result.Status == health.StatusUnhealthy {
		s.logger.Printf("health: %s", result.Status)
		status = http.StatusServiceUnavailable
	}
	s.respondJSON(w, status, result)
}

type metricsEndpoint struct {
	server *Server
}

func newMetricsEndpoint(server *Server) protocol.Endpoint {
	return &metricsEndpoint{server: server}
}

func (e *metricsEndpoint) Name() string { return "metrics" }

func (e *metricsEndpoint) Routes() []protocol.EndpointRoute {
	return []protocol.EndpointRoute{
		{Method: http.MethodGet, Path: "/metrics", Handler: e.server.metrics.Handler()},
	}
}
