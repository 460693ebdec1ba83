package webhook

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/adcp_webhooks/internal/delivery"
	"github.com/austindbirch/adcp_webhooks/internal/metrics"
	"github.com/austindbirch/adcp_webhooks/internal/tracing"
)

// destination is the per-URL state: breaker, queue and worker bookkeeping.
type destination struct {
	url     string
	host    string
	breaker *Breaker

	mu       sync.Mutex
	queue    *Queue
	running  bool
	inFlight bool
	wake     chan struct{}
}

func newDestination(rawURL string, maxQueue int, cfg BreakerConfig) *destination {
	return &destination{
		url:     rawURL,
		host:    hostOf(rawURL),
		breaker: NewBreaker(cfg),
		queue:   NewQueue(maxQueue),
		wake:    make(chan struct{}, 1),
	}
}

// push queues item. start is true when the caller must launch the worker.
func (dst *destination) push(item *Item) (evicted *Item, start bool) {
	dst.mu.Lock()
	evicted, _ = dst.queue.Push(item)
	if !dst.running {
		dst.running = true
		start = true
	}
	dst.mu.Unlock()

	if evicted == nil {
		metrics.AddQueueDepth(dst.host, 1)
	}
	select {
	case dst.wake <- struct{}{}:
	default:
	}
	return evicted, start
}

func (dst *destination) next() (*Item, bool) {
	dst.mu.Lock()
	item, ok := dst.queue.Pop()
	dst.inFlight = ok
	dst.mu.Unlock()

	if ok {
		metrics.AddQueueDepth(dst.host, -1)
	}
	return item, ok
}

func (dst *destination) done() {
	dst.mu.Lock()
	dst.inFlight = false
	dst.mu.Unlock()
}

// retire marks the worker stopped if nothing arrived meanwhile.
func (dst *destination) retire(force bool) bool {
	dst.mu.Lock()
	defer dst.mu.Unlock()
	if !force && dst.queue.Len() > 0 {
		return false
	}
	dst.running = false
	return true
}

func (dst *destination) depth() int {
	dst.mu.Lock()
	defer dst.mu.Unlock()
	return dst.queue.Len()
}

// run is the worker loop for one destination. Items are attempted one at a
// time, which is what keeps delivery FIFO per destination.
func (d *Dispatcher) run(dst *destination) {
	defer d.workers.Done()
	metrics.ActiveWorkers.Inc()
	defer metrics.ActiveWorkers.Dec()

	idle := time.NewTimer(d.opts.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-d.stopping:
			dst.retire(true)
			return
		default:
		}

		if item, ok := dst.next(); ok {
			d.attempt(dst, item)
			dst.done()
			continue
		}

		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(d.opts.IdleTimeout)

		select {
		case <-dst.wake:
		case <-d.stopping:
			dst.retire(true)
			return
		case <-idle.C:
			if dst.retire(false) {
				return
			}
		}
	}
}

type outcome struct {
	status int
	err    error
	reason string
	drop   string // dead letter reason when the item must not be retried
	report bool   // feed the result to the breaker
}

// attempt makes one delivery attempt for item and routes the outcome.
func (d *Dispatcher) attempt(dst *destination, item *Item) {
	attemptNo := item.AttemptCount + 1
	ctx := tracing.FromCarrier(d.baseCtx, item.trace)
	ctx, span := tracing.Start(ctx, "webhook.deliver",
		tracing.DeliveryAttributes(dst.url, item.ID, item.EventID(), attemptNo)...)
	defer span.End()

	start := time.Now()
	out := d.try(ctx, dst, item)
	latency := time.Since(start)

	span.SetAttributes(attribute.Int("http.status_code", out.status))
	entry := d.log.WithContext(ctx).
		WithDestination(dst.url).
		WithItem(item.ID).
		WithEvent(item.EventID()).
		WithFields(map[string]any{
			"attempt":    attemptNo,
			"latency_ms": latency.Milliseconds(),
			"status":     out.status,
		})

	if out.err == nil {
		dst.breaker.Report(true)
		metrics.RecordAttempt("delivered", latency)
		span.SetAttributes(attribute.String("outcome", "delivered"))
		entry.WithField("outcome", "delivered").Info("webhook delivered")
		return
	}

	tracing.RecordError(ctx, out.err)
	if out.drop != "" {
		span.SetAttributes(attribute.String("outcome", "dropped"))
		entry.WithField("outcome", "dropped").WithError(out.err).Warn("webhook delivery attempt failed")
		d.terminal(ctx, item, out, out.drop)
		return
	}

	if out.report {
		dst.breaker.Report(false)
	}
	label := "failed"
	if out.reason == "breaker_open" {
		label = "rejected"
		metrics.RecordAttempt(label, 0)
	} else {
		metrics.RecordAttempt(label, latency)
	}
	span.SetAttributes(
		attribute.String("outcome", label),
		attribute.String("failure_reason", out.reason),
	)
	entry.WithFields(map[string]any{"outcome": label, "reason": out.reason}).
		WithError(out.err).
		Warn("webhook delivery attempt failed")

	if d.policy.ScheduleRetry(item, d.opts.Now()) {
		metrics.RecordRetry(out.reason)
		tracing.Event(ctx, "delivery.retry_scheduled",
			attribute.Int("attempt", item.AttemptCount),
			attribute.String("next_attempt_at", item.NextAttemptAt.UTC().Format(time.RFC3339Nano)),
		)
		d.scheduler.Add(item)
		return
	}
	d.terminal(ctx, item, out, delivery.ReasonRetriesExhausted)
}

// try resolves, signs and sends. Panics are converted into a failed
// outcome so one bad item cannot take down the worker.
func (d *Dispatcher) try(ctx context.Context, dst *destination, item *Item) (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("%w: %v", errPanic, r)
			out = outcome{err: err, reason: classifyReason(err), report: true}
		}
	}()

	target, err := d.registry.Resolve(ctx, item.DestinationURL)
	switch {
	case errors.Is(err, ErrDestinationNotFound):
		return outcome{err: err, reason: "registry_error", drop: delivery.ReasonDestinationMissing}
	case err != nil:
		return outcome{err: fmt.Errorf("resolve destination: %w", err), reason: "registry_error"}
	case !target.Enabled:
		return outcome{err: ErrDestinationDisabled, reason: "registry_error", drop: delivery.ReasonDestinationDisabled}
	}

	ts := FormatTimestamp(d.opts.Now())
	sig, err := Sign(target.Secret, ts, item.Body)
	if err != nil {
		return outcome{err: err, reason: "invalid_secret"}
	}

	if !dst.breaker.Allow() {
		return outcome{err: ErrBreakerOpen, reason: "breaker_open", report: true}
	}

	reqCtx, cancel := context.WithTimeout(ctx, d.opts.RequestTimeout)
	defer cancel()
	status, err := d.sender.Send(reqCtx, item.DestinationURL, item.Body, ts, sig)
	if err != nil {
		return outcome{status: status, err: err, reason: classifyReason(err), report: true}
	}
	return outcome{status: status}
}

// terminal logs the permanent loss of item exactly once and hands it to the
// dead letter sink.
func (d *Dispatcher) terminal(ctx context.Context, item *Item, out outcome, reason string) {
	metrics.RecordTerminal(reason)
	tracing.Event(ctx, "delivery.terminal", attribute.String("reason", reason))
	d.log.WithContext(ctx).
		WithDestination(item.DestinationURL).
		WithItem(item.ID).
		WithEvent(item.EventID()).
		WithFields(map[string]any{
			"reason":      reason,
			"attempts":    item.AttemptCount,
			"last_status": out.status,
			"last_reason": out.reason,
		}).
		WithError(out.err).
		Error("webhook delivery failed permanently")

	lastErr := ""
	if out.err != nil {
		lastErr = out.err.Error()
	}
	d.deadLetter(item, out.status, lastErr, reason)
}
