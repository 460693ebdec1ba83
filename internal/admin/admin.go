// Package admin exposes the operator API over the dispatcher: breaker
// inspection and reset, and per destination stats.
package admin

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"

	"github.com/austindbirch/adcp_webhooks/internal/auth"
	"github.com/austindbirch/adcp_webhooks/internal/logging"
	"github.com/austindbirch/adcp_webhooks/internal/webhook"
)

// Engine is satisfied by *webhook.Dispatcher.
type Engine interface {
	BreakerState(url string) (webhook.BreakerSnapshot, bool)
	ResetBreaker(url string) bool
	Stats() []webhook.DestinationStats
}

type BreakerResponse struct {
	URL                 string     `json:"url"`
	State               string     `json:"state"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	OpenedAt            *time.Time `json:"opened_at,omitempty"`
	TrialSuccesses      int        `json:"trial_successes,omitempty"`
}

type StatsResponse struct {
	Destinations []webhook.DestinationStats `json:"destinations"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server serves the operator API. A nil Validator leaves it open.
type Server struct {
	Engine    Engine
	Validator *auth.JWTValidator
	Logger    *logging.Logger
}

// Handler registers the operator routes on a gateway mux.
func (s *Server) Handler() (http.Handler, error) {
	mux := runtime.NewServeMux()
	routes := []struct {
		method, path, scope string
		h                   http.HandlerFunc
	}{
		{http.MethodGet, "/v1/breakers", auth.ScopeRead, s.getBreaker},
		{http.MethodPost, "/v1/breakers/reset", auth.ScopeAdmin, s.resetBreaker},
		{http.MethodGet, "/v1/stats", auth.ScopeRead, s.stats},
	}
	for _, r := range routes {
		h := s.guard(r.scope, r.h)
		if err := mux.HandlePath(r.method, r.path, func(w http.ResponseWriter, req *http.Request, _ map[string]string) {
			h.ServeHTTP(w, req)
		}); err != nil {
			return nil, err
		}
	}
	return mux, nil
}

func (s *Server) guard(scope string, h http.HandlerFunc) http.Handler {
	if s.Validator == nil {
		return h
	}
	return s.Validator.Middleware(scope, h)
}

func (s *Server) logger() *logging.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return logging.Default()
}

func (s *Server) getBreaker(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "url query parameter is required"})
		return
	}
	snap, ok := s.Engine.BreakerState(url)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown destination"})
		return
	}
	writeJSON(w, http.StatusOK, breakerResponse(url, snap))
}

func (s *Server) resetBreaker(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "url query parameter is required"})
		return
	}
	if !s.Engine.ResetBreaker(url) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown destination"})
		return
	}
	op, _ := auth.OperatorFromContext(r.Context())
	s.logger().WithContext(r.Context()).WithDestination(url).WithField("operator", op).Info("breaker reset requested")

	snap, _ := s.Engine.BreakerState(url)
	writeJSON(w, http.StatusOK, breakerResponse(url, snap))
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, StatsResponse{Destinations: s.Engine.Stats()})
}

func breakerResponse(url string, snap webhook.BreakerSnapshot) BreakerResponse {
	resp := BreakerResponse{
		URL:                 url,
		State:               snap.State.String(),
		ConsecutiveFailures: snap.ConsecutiveFailures,
		TrialSuccesses:      snap.TrialSuccesses,
	}
	if !snap.OpenedAt.IsZero() && snap.State != webhook.Closed {
		t := snap.OpenedAt.UTC()
		resp.OpenedAt = &t
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
