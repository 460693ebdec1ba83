package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/austindbirch/adcp_webhooks/internal/config"
	"github.com/austindbirch/adcp_webhooks/internal/logging"
	"github.com/austindbirch/adcp_webhooks/internal/webhook"
)

// receiver is a buyer-side webhook endpoint for local and e2e runs. It
// verifies signatures, acknowledges duplicate event ids without reprocessing
// and can be told to fail or stall.
type receiver struct {
	verifier   *webhook.Verifier // nil skips verification
	sigHeader  string
	tsHeader   string
	failFirstN int
	delay      time.Duration
	log        *logging.Logger

	mu         sync.Mutex
	requests   int
	accepted   int
	duplicates int
	seen       map[string]struct{}
}

type receiverStats struct {
	Requests   int `json:"requests"`
	Accepted   int `json:"accepted"`
	Duplicates int `json:"duplicates"`
}

func newReceiver(cfg config.Config, logger *logging.Logger) *receiver {
	r := &receiver{
		sigHeader:  cfg.Dispatcher.SignatureHeader,
		tsHeader:   cfg.Dispatcher.TimestampHeader,
		failFirstN: cfg.FakeReceiver.FailFirstN,
		delay:      time.Duration(cfg.FakeReceiver.ResponseDelayMS) * time.Millisecond,
		log:        logger,
		seen:       make(map[string]struct{}),
	}
	if cfg.FakeReceiver.EndpointSecret != "" {
		r.verifier = webhook.NewVerifier([]byte(cfg.FakeReceiver.EndpointSecret))
		r.verifier.ReplayWindow = time.Duration(cfg.FakeReceiver.SigningLeewaySeconds) * time.Second
	}
	return r
}

func main() {
	cfg := config.FromEnv()
	logger := logging.New("fake-receiver")
	if level, err := logging.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	r := newReceiver(cfg, logger)

	srv := &http.Server{
		Addr:         cfg.FakeReceiver.Port,
		Handler:      r.routes(),
		ReadTimeout:  cfg.FakeReceiver.ReadTimeout,
		WriteTimeout: cfg.FakeReceiver.WriteTimeout,
		IdleTimeout:  cfg.FakeReceiver.IdleTimeout,
	}
	logger.Plain().WithFields(map[string]any{
		"addr":         srv.Addr,
		"verify":       r.verifier != nil,
		"fail_first_n": r.failFirstN,
		"delay_ms":     r.delay.Milliseconds(),
	}).Info("fake-receiver listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Plain().WithError(err).Fatal("fake-receiver failed")
	}
}

func (r *receiver) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("/hook", r.handleHook)
	mux.HandleFunc("/stats", r.handleStats)
	return mux
}

func (r *receiver) handleHook(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(req.Body)
	defer req.Body.Close()
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-req.Context().Done():
			return
		}
	}

	if r.verifier != nil {
		if err := r.verifier.Verify(req.Header.Get(r.tsHeader), req.Header.Get(r.sigHeader), body); err != nil {
			r.log.Plain().WithError(err).Warn("fake-receiver failed to verify signature")
			http.Error(w, "invalid signature: "+err.Error(), http.StatusUnauthorized)
			return
		}
	}

	var payload struct {
		EventID string `json:"event_id"`
	}
	_ = json.Unmarshal(body, &payload)

	r.mu.Lock()
	r.requests++
	n := r.requests
	if n <= r.failFirstN {
		r.mu.Unlock()
		r.log.Plain().WithEvent(payload.EventID).WithFields(map[string]any{
			"request": n,
			"fail_n":  r.failFirstN,
			"body":    truncate(string(body), 160),
		}).Warn("FAILING request")
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}
	duplicate := false
	if payload.EventID != "" {
		if _, ok := r.seen[payload.EventID]; ok {
			duplicate = true
			r.duplicates++
		} else {
			r.seen[payload.EventID] = struct{}{}
		}
	}
	if !duplicate {
		r.accepted++
	}
	r.mu.Unlock()

	entry := r.log.Plain().WithEvent(payload.EventID).WithField("body", truncate(string(body), 160))
	if duplicate {
		entry.Info("duplicate event acknowledged")
	} else {
		entry.Info("fake-receiver OK")
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`ok`))
}

func (r *receiver) handleStats(w http.ResponseWriter, _ *http.Request) {
	r.mu.Lock()
	st := receiverStats{Requests: r.requests, Accepted: r.accepted, Duplicates: r.duplicates}
	r.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(st)
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
