package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Lifecycle is satisfied by *webhook.Dispatcher.
type Lifecycle interface {
	Closed() bool
}

type Status struct {
	OK         bool   `json:"ok"`
	Message    string `json:"message,omitempty"`
	Database   bool   `json:"database,omitempty"`
	Dispatcher bool   `json:"dispatcher"`
}

// Checker reports process health. A nil Pinger means no database is
// configured and the check is skipped.
type Checker struct {
	DB          Pinger
	Dispatcher  Lifecycle
	PingTimeout time.Duration
}

func (c Checker) Check(ctx context.Context) Status {
	st := Status{OK: true, Message: "ok", Dispatcher: true}

	if c.Dispatcher != nil && c.Dispatcher.Closed() {
		st.OK = false
		st.Dispatcher = false
		st.Message = "dispatcher stopped"
		return st
	}

	if c.DB != nil {
		timeout := c.PingTimeout
		if timeout <= 0 {
			timeout = time.Second
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := c.DB.Ping(ctx); err != nil {
			st.OK = false
			st.Message = "db ping failed"
			return st
		}
		st.Database = true
	}
	return st
}

// HTTPHandler returns an HTTP handler that reports the health status of the service
func HTTPHandler(c Checker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := c.Check(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}

// Sync mirrors the checker into a gRPC health server for service until ctx
// is cancelled. The last state published is NOT_SERVING.
func Sync(ctx context.Context, hs *health.Server, service string, c Checker, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	publish := func() {
		status := healthpb.HealthCheckResponse_SERVING
		if !c.Check(ctx).OK {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		hs.SetServingStatus(service, status)
		hs.SetServingStatus("", status)
	}

	publish()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			hs.SetServingStatus(service, healthpb.HealthCheckResponse_NOT_SERVING)
			hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
			return
		case <-ticker.C:
			publish()
		}
	}
}
