package webhook

import (
	"crypto/hmac"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultReplayWindow is the maximum accepted skew between a signed
// timestamp and the receiver's clock.
const DefaultReplayWindow = 300 * time.Second

var (
	ErrMissingHeaders         = errors.New("webhook: missing signature headers")
	ErrInvalidTimestamp       = errors.New("webhook: invalid timestamp")
	ErrTimestampOutsideWindow = errors.New("webhook: timestamp outside replay window")
	ErrSignatureMismatch      = errors.New("webhook: signature mismatch")
)

// Verifier checks requests the way a receiver is expected to: recompute the
// signature over the raw body, compare in constant time, and reject stale or
// future timestamps. Duplicate event_id handling is left to the receiver.
type Verifier struct {
	Secret       []byte
	ReplayWindow time.Duration
	Now          func() time.Time
}

func NewVerifier(secret []byte) *Verifier {
	return &Verifier{Secret: secret, ReplayWindow: DefaultReplayWindow}
}

// Verify validates a signature and timestamp against the raw body bytes.
func (v *Verifier) Verify(timestamp, signature string, body []byte) error {
	if timestamp == "" || signature == "" {
		return ErrMissingHeaders
	}
	ts, err := ParseTimestamp(timestamp)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTimestamp, err)
	}

	now := time.Now()
	if v.Now != nil {
		now = v.Now()
	}
	window := v.ReplayWindow
	if window <= 0 {
		window = DefaultReplayWindow
	}
	if skew := now.Sub(ts); skew > window || skew < -window {
		return ErrTimestampOutsideWindow
	}

	want, err := Sign(v.Secret, timestamp, body)
	if err != nil {
		return err
	}
	// hex case is not significant; compare the decoded digests
	got, err := hex.DecodeString(signature)
	if err != nil {
		return ErrSignatureMismatch
	}
	wantMAC, _ := hex.DecodeString(want)
	if !hmac.Equal(got, wantMAC) {
		return ErrSignatureMismatch
	}
	return nil
}

// VerifyRequest reads the request body and verifies it. The body is returned
// so handlers can decode it after verification.
func (v *Verifier) VerifyRequest(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	defer r.Body.Close()
	if err := v.Verify(r.Header.Get(TimestampHeader), r.Header.Get(SignatureHeader), body); err != nil {
		return body, err
	}
	return body, nil
}
