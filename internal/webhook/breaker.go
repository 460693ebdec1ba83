package webhook

import (
	"sync"
	"time"
)

// State represents the state of a circuit breaker.
type State int

const (
	Closed   State = iota // attempts allowed
	Open                  // attempts rejected without a network call
	HalfOpen              // probing for recovery
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerConfig holds the thresholds for a destination's breaker.
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures before opening (default 5)
	SuccessThreshold int           // half-open successes before closing (default 2)
	OpenTimeout      time.Duration // time spent open before probing (default 60s)
	Now              func() time.Time
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 60 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// BreakerSnapshot is a point-in-time view of a breaker.
type BreakerSnapshot struct {
	State               State
	ConsecutiveFailures int
	OpenedAt            time.Time // zero unless Open
	TrialSuccesses      int       // zero unless HalfOpen
}

// Breaker is the circuit breaker for a single destination URL.
type Breaker struct {
	mu             sync.Mutex
	cfg            BreakerConfig
	state          State
	failures       int
	openedAt       time.Time
	trialSuccesses int
	probing        bool // a half-open probe is outstanding

	onTransition func(from, to State)
}

func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{cfg: cfg.withDefaults(), state: Closed}
}

// advance moves an expired Open breaker to HalfOpen. Callers hold mu.
func (b *Breaker) advance() {
	if b.state == Open && b.cfg.Now().Sub(b.openedAt) >= b.cfg.OpenTimeout {
		b.setState(HalfOpen)
		b.trialSuccesses = 0
		b.probing = false
	}
}

// setState records a transition. Callers hold mu.
func (b *Breaker) setState(to State) {
	from := b.state
	b.state = to
	if to != Open {
		b.openedAt = time.Time{}
	}
	if from != to && b.onTransition != nil {
		b.onTransition(from, to)
	}
}

// Allow reports whether an attempt may be made now. In HalfOpen only one
// probe is let through at a time; the next is allowed once it is reported.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.advance()
	switch b.state {
	case Open:
		return false
	case HalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return true
	}
}

// Report records the outcome of an attempt, including attempts the breaker
// itself rejected.
func (b *Breaker) Report(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.advance()
	if success {
		b.reportSuccess()
		return
	}
	b.reportFailure()
}

func (b *Breaker) reportSuccess() {
	switch b.state {
	case HalfOpen:
		b.probing = false
		b.trialSuccesses++
		if b.trialSuccesses >= b.cfg.SuccessThreshold {
			b.failures = 0
			b.trialSuccesses = 0
			b.setState(Closed)
		}
	case Closed:
		b.failures = 0
	}
}

func (b *Breaker) reportFailure() {
	b.failures++
	switch b.state {
	case Closed:
		if b.failures >= b.cfg.FailureThreshold {
			b.open()
		}
	case HalfOpen:
		b.probing = false
		b.trialSuccesses = 0
		b.open()
	case Open:
		// rejected while open: opened_at stays put so the probe still happens
	}
}

func (b *Breaker) open() {
	b.setState(Open)
	b.openedAt = b.cfg.Now()
}

// Snapshot returns the effective state, advancing an expired Open breaker.
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.advance()
	return BreakerSnapshot{
		State:               b.state,
		ConsecutiveFailures: b.failures,
		OpenedAt:            b.openedAt,
		TrialSuccesses:      b.trialSuccesses,
	}
}

// Reset forces the breaker back to Closed with a clean failure streak.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.trialSuccesses = 0
	b.probing = false
	b.setState(Closed)
}
