// Package webhook is the outbound delivery engine: it signs payloads, keeps
// one bounded queue, circuit breaker and worker per destination URL, and
// retries failed attempts with jittered exponential backoff.
//
// Destinations are isolated from each other. A receiver that times out on
// every request only ever occupies its own worker; it cannot delay delivery
// to any other URL.
package webhook
