package webhook

import (
	"math/rand/v2"
	"time"
)

// RetryPolicy computes backoff delays and enforces the retry budget.
type RetryPolicy struct {
	MaxRetries int           // retries after the first attempt (default 3)
	BaseDelay  time.Duration // default 1s
	MaxDelay   time.Duration // cap before jitter (default 5m)
	MaxJitter  time.Duration // uniform jitter added on top (default 1s)
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 5 * time.Minute
	}
	if p.MaxJitter < 0 {
		p.MaxJitter = 0
	}
	return p
}

// NextDelay returns min(MaxDelay, BaseDelay*2^attempt) plus jitter in
// [0, MaxJitter).
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := p.BaseDelay
	for i := 0; i < attempt && delay < p.MaxDelay; i++ {
		delay *= 2
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.MaxJitter > 0 {
		delay += time.Duration(rand.Int64N(int64(p.MaxJitter)))
	}
	return delay
}

// ScheduleRetry bumps the item's attempt count and sets its next attempt
// time. It returns false once the retry budget is spent; the caller must
// then treat the item as a terminal failure.
func (p RetryPolicy) ScheduleRetry(item *Item, now time.Time) bool {
	item.AttemptCount++
	if item.AttemptCount > p.MaxRetries {
		return false
	}
	item.NextAttemptAt = now.Add(p.NextDelay(item.AttemptCount))
	return true
}
