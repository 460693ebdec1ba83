package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	SignatureHeader = "X-ADCP-Signature"
	TimestampHeader = "X-ADCP-Timestamp"

	// MinSecretLength is the shortest shared secret accepted for signing.
	MinSecretLength = 32

	// TimestampFormat is ISO-8601 UTC with second precision.
	TimestampFormat = "2006-01-02T15:04:05Z"
)

var (
	ErrInvalidSecret  = errors.New("webhook: secret must be at least 32 bytes")
	ErrInvalidPayload = errors.New("webhook: invalid payload")
)

// Sign returns the hex HMAC-SHA256 of timestamp + "." + payload.
func Sign(secret []byte, timestamp string, payload []byte) (string, error) {
	if len(secret) < MinSecretLength {
		return "", ErrInvalidSecret
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'.'})
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Canonicalize serializes a payload as compact JSON with sorted object keys,
// so sender and receiver hash identical bytes.
func Canonicalize(payload map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}

// FormatTimestamp renders t in the signing timestamp format.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampFormat)
}

// ParseTimestamp parses a signing timestamp.
func ParseTimestamp(s string) (time.Time, error) {
	return time.Parse(TimestampFormat, s)
}
