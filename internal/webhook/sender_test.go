package webhook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"syscall"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestSenderSend(t *testing.T) {
	var got *http.Request
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	otel.SetTextMapPropagator(propagation.TraceContext{})
	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()
	ctx, span := tp.Tracer("test").Start(context.Background(), "parent")
	defer span.End()

	s := &Sender{Client: srv.Client()}
	status, err := s.Send(ctx, srv.URL, []byte(`{"a":1}`), "2025-03-01T10:00:00Z", "deadbeef")
	if err != nil || status != http.StatusNoContent {
		t.Fatalf("Send() = %d, %v", status, err)
	}
	if got.Method != http.MethodPost {
		t.Errorf("method = %s", got.Method)
	}
	if got.Header.Get(SignatureHeader) != "deadbeef" || got.Header.Get(TimestampHeader) != "2025-03-01T10:00:00Z" {
		t.Errorf("signature headers = %v", got.Header)
	}
	if got.Header.Get("Content-Type") != "application/json" {
		t.Errorf("Content-Type = %s", got.Header.Get("Content-Type"))
	}
	if got.Header.Get("traceparent") == "" {
		t.Error("traceparent header not injected")
	}
	if string(gotBody) != `{"a":1}` {
		t.Errorf("body = %s", gotBody)
	}
}

func TestSenderCustomHeadersAndStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Custom-Sig") == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := &Sender{Client: srv.Client(), SignatureHeader: "X-Custom-Sig", TimestampHeader: "X-Custom-Ts"}
	status, err := s.Send(context.Background(), srv.URL, []byte(`{}`), "ts", "sig")
	var statusErr *HTTPStatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusServiceUnavailable || status != http.StatusServiceUnavailable {
		t.Errorf("Send() = %d, %v; want 503 HTTPStatusError", status, err)
	}
}

func TestSenderTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := (&Sender{Client: srv.Client()}).Send(ctx, srv.URL, []byte(`{}`), "ts", "sig")
	if err == nil {
		t.Fatal("Send() succeeded past its deadline")
	}
	if got := classifyReason(err); got != "timeout" {
		t.Errorf("classifyReason() = %s, want timeout", got)
	}
}

func TestClassifyReason(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "5xx", err: &HTTPStatusError{StatusCode: 502}, want: "http_5xx"},
		{name: "429", err: &HTTPStatusError{StatusCode: 429}, want: "http_429"},
		{name: "4xx", err: &HTTPStatusError{StatusCode: 404}, want: "http_4xx"},
		{name: "3xx", err: &HTTPStatusError{StatusCode: 302}, want: "other"},
		{name: "breaker", err: ErrBreakerOpen, want: "breaker_open"},
		{name: "panic", err: fmt.Errorf("%w: boom", errPanic), want: "panic"},
		{name: "deadline", err: fmt.Errorf("post: %w", context.DeadlineExceeded), want: "timeout"},
		{name: "refused", err: &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}, want: "connection_refused"},
		{name: "dns", err: &net.DNSError{Err: "no such host", Name: "nope.invalid", IsNotFound: true}, want: "dns_error"},
		{name: "refused by message", err: errors.New("dial tcp: connection refused"), want: "connection_refused"},
		{name: "other network", err: errors.New("connection reset by peer"), want: "network"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyReason(tt.err); got != tt.want {
				t.Errorf("classifyReason(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}
