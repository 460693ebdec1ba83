package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/austindbirch/adcp_webhooks/internal/tracing"
)

var (
	ErrBreakerOpen = errors.New("webhook: circuit breaker open")
	ErrClosed      = errors.New("webhook: dispatcher closed")

	errPanic = errors.New("webhook: panic during delivery")
)

// HTTPStatusError is returned for any non-2xx response.
type HTTPStatusError struct {
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}

// Sender performs the signed POST for a single attempt.
type Sender struct {
	Client          *http.Client
	SignatureHeader string
	TimestampHeader string
}

// Send posts body to url. The returned status is 0 when no response was
// received.
func (s *Sender) Send(ctx context.Context, url string, body []byte, timestamp, signature string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(s.timestampHeader(), timestamp)
	req.Header.Set(s.signatureHeader(), signature)
	tracing.InjectHeaders(ctx, req.Header)

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	// drain a bounded amount so the connection can be reused
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, &HTTPStatusError{StatusCode: resp.StatusCode}
	}
	return resp.StatusCode, nil
}

func (s *Sender) signatureHeader() string {
	if s.SignatureHeader != "" {
		return s.SignatureHeader
	}
	return SignatureHeader
}

func (s *Sender) timestampHeader() string {
	if s.TimestampHeader != "" {
		return s.TimestampHeader
	}
	return TimestampHeader
}

// classifyReason maps an attempt error to a failure reason label.
func classifyReason(err error) string {
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode >= 500:
			return "http_5xx"
		case statusErr.StatusCode == http.StatusTooManyRequests:
			return "http_429"
		case statusErr.StatusCode >= 400:
			return "http_4xx"
		default:
			return "other"
		}
	}
	if errors.Is(err, ErrBreakerOpen) {
		return "breaker_open"
	}
	if errors.Is(err, errPanic) {
		return "panic"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return "connection_refused"
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns_error"
	}

	errLower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errLower, "timeout"):
		return "timeout"
	case strings.Contains(errLower, "connection refused"):
		return "connection_refused"
	case strings.Contains(errLower, "no such host"):
		return "dns_error"
	}
	return "network"
}
