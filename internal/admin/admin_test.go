package admin

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/austindbirch/adcp_webhooks/internal/auth"
	"github.com/austindbirch/adcp_webhooks/internal/logging"
	"github.com/austindbirch/adcp_webhooks/internal/webhook"
)

const hook = "https://buyer.example/hook"

type fakeEngine struct {
	mu     sync.Mutex
	snap   map[string]webhook.BreakerSnapshot
	resets []string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{snap: map[string]webhook.BreakerSnapshot{
		hook: {
			State:               webhook.Open,
			ConsecutiveFailures: 5,
			OpenedAt:            time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		},
	}}
}

func (f *fakeEngine) BreakerState(url string) (webhook.BreakerSnapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.snap[url]
	return s, ok
}

func (f *fakeEngine) ResetBreaker(url string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.snap[url]; !ok {
		return false
	}
	f.snap[url] = webhook.BreakerSnapshot{State: webhook.Closed}
	f.resets = append(f.resets, url)
	return true
}

func (f *fakeEngine) Stats() []webhook.DestinationStats {
	return []webhook.DestinationStats{{
		URL:                 hook,
		QueueDepth:          3,
		ScheduledRetries:    1,
		BreakerState:        "OPEN",
		ConsecutiveFailures: 5,
		WorkerRunning:       true,
	}}
}

func newServer(t *testing.T, s *Server) http.Handler {
	t.Helper()
	if s.Logger == nil {
		s.Logger = logging.New("admin-test")
		s.Logger.SetOutput(&bytes.Buffer{})
	}
	h, err := s.Handler()
	if err != nil {
		t.Fatalf("Handler() error = %v", err)
	}
	return h
}

func do(h http.Handler, method, target, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestGetBreaker(t *testing.T) {
	h := newServer(t, &Server{Engine: newFakeEngine()})

	tests := []struct {
		name       string
		target     string
		wantStatus int
		wantBody   string
	}{
		{"known destination", "/v1/breakers?url=" + hook, http.StatusOK, `"state":"OPEN"`},
		{"unknown destination", "/v1/breakers?url=https://nobody.example", http.StatusNotFound, "unknown destination"},
		{"missing url", "/v1/breakers", http.StatusBadRequest, "url query parameter is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(h, http.MethodGet, tt.target, "")
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("body = %s, want %s", w.Body.String(), tt.wantBody)
			}
		})
	}

	var resp BreakerResponse
	w := do(h, http.MethodGet, "/v1/breakers?url="+hook, "")
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.URL != hook || resp.ConsecutiveFailures != 5 || resp.OpenedAt == nil {
		t.Errorf("response = %+v", resp)
	}
}

func TestResetBreaker(t *testing.T) {
	eng := newFakeEngine()
	logs := &bytes.Buffer{}
	logger := logging.New("admin-test")
	logger.SetOutput(logs)
	h := newServer(t, &Server{Engine: eng, Logger: logger})

	w := do(h, http.MethodPost, "/v1/breakers/reset?url="+hook, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var resp BreakerResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.State != "CLOSED" || resp.ConsecutiveFailures != 0 || resp.OpenedAt != nil {
		t.Errorf("response = %+v", resp)
	}
	if len(eng.resets) != 1 {
		t.Errorf("resets = %v", eng.resets)
	}
	if !strings.Contains(logs.String(), "breaker reset requested") {
		t.Errorf("missing reset log: %s", logs.String())
	}

	if w := do(h, http.MethodPost, "/v1/breakers/reset?url=https://nobody.example", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown reset status = %d", w.Code)
	}
	if w := do(h, http.MethodPost, "/v1/breakers/reset", ""); w.Code != http.StatusBadRequest {
		t.Errorf("missing url status = %d", w.Code)
	}
}

func TestStats(t *testing.T) {
	h := newServer(t, &Server{Engine: newFakeEngine()})
	w := do(h, http.MethodGet, "/v1/stats", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp StatsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Destinations) != 1 || resp.Destinations[0].QueueDepth != 3 || !resp.Destinations[0].WorkerRunning {
		t.Errorf("stats = %+v", resp)
	}
	if !strings.Contains(w.Body.String(), `"scheduled_retries":1`) {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestUnknownRoute(t *testing.T) {
	h := newServer(t, &Server{Engine: newFakeEngine()})
	if w := do(h, http.MethodGet, "/v1/nothing", ""); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestOperatorAuth(t *testing.T) {
	privPEM, pubPEM, err := auth.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	key, err := auth.ParsePrivateKey(privPEM)
	if err != nil {
		t.Fatal(err)
	}
	validator, err := auth.NewJWTValidator(pubPEM, "adcp-webhooks", "adcp-webhooks-admin")
	if err != nil {
		t.Fatal(err)
	}
	signer := auth.NewTokenSigner(key, "k1", "adcp-webhooks", "adcp-webhooks-admin")
	reader, _ := signer.Mint("viewer", []string{auth.ScopeRead}, time.Minute)
	admin, _ := signer.Mint("oncall", []string{auth.ScopeAdmin}, time.Minute)

	eng := newFakeEngine()
	h := newServer(t, &Server{Engine: eng, Validator: validator})

	tests := []struct {
		name       string
		method     string
		target     string
		token      string
		wantStatus int
	}{
		{"stats without token", http.MethodGet, "/v1/stats", "", http.StatusUnauthorized},
		{"stats as reader", http.MethodGet, "/v1/stats", reader, http.StatusOK},
		{"breaker as reader", http.MethodGet, "/v1/breakers?url=" + hook, reader, http.StatusOK},
		{"reset as reader", http.MethodPost, "/v1/breakers/reset?url=" + hook, reader, http.StatusForbidden},
		{"reset as admin", http.MethodPost, "/v1/breakers/reset?url=" + hook, admin, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := do(h, tt.method, tt.target, tt.token); w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
	if len(eng.resets) != 1 {
		t.Errorf("resets = %v, want exactly the admin reset", eng.resets)
	}
}
