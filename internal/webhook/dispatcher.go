package webhook

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/adcp_webhooks/internal/delivery"
	"github.com/austindbirch/adcp_webhooks/internal/logging"
	"github.com/austindbirch/adcp_webhooks/internal/metrics"
	"github.com/austindbirch/adcp_webhooks/internal/tracing"
)

// Options configures a Dispatcher. Zero values take the defaults noted.
type Options struct {
	MaxQueueSize int // per destination (default 1000)

	MaxRetries int           // default 3; negative disables retries
	BaseDelay  time.Duration // default 1s
	MaxDelay   time.Duration // default 5m
	MaxJitter  time.Duration // default 1s; negative disables jitter

	FailureThreshold int           // default 5
	SuccessThreshold int           // default 2
	OpenTimeout      time.Duration // default 60s

	RequestTimeout time.Duration // per attempt (default 10s)
	IdleTimeout    time.Duration // worker teardown after an empty queue (default 2m)
	SweepInterval  time.Duration // retry scan period (default 500ms)

	SignatureHeader string
	TimestampHeader string

	// Registry, when set, is consulted before the destinations registered
	// through Submit.
	Registry    Registry
	DeadLetters delivery.Sink
	HTTPClient  *http.Client
	Logger      *logging.Logger
	Now         func() time.Time
}

func (o Options) withDefaults() Options {
	if o.MaxQueueSize <= 0 {
		o.MaxQueueSize = DefaultMaxQueueSize
	}
	switch {
	case o.MaxRetries == 0:
		o.MaxRetries = 3
	case o.MaxRetries < 0:
		o.MaxRetries = 0
	}
	switch {
	case o.MaxJitter == 0:
		o.MaxJitter = time.Second
	case o.MaxJitter < 0:
		o.MaxJitter = 0
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 10 * time.Second
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 2 * time.Minute
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 500 * time.Millisecond
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{}
	}
	if o.Logger == nil {
		o.Logger = logging.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

const deadLetterBuffer = 1024

// Dispatcher is the delivery engine. Each destination URL gets its own
// breaker, bounded queue and lazily started worker; a single sweep loop
// moves due retries back into their queues.
type Dispatcher struct {
	opts     Options
	policy   RetryPolicy
	breakers BreakerConfig
	sender   *Sender
	log      *logging.Logger

	secrets  *MemoryRegistry
	registry Registry

	mu    sync.RWMutex
	dests map[string]*destination

	scheduler *retryScheduler

	// lifecycle guards closed and workers.Add so no worker starts once
	// Close is waiting.
	lifecycle sync.RWMutex
	closed    bool
	workers   sync.WaitGroup
	stopping  chan struct{}
	sweepDone chan struct{}
	closeDone chan struct{} // closed once shutdown has fully finished

	baseCtx context.Context
	cancel  context.CancelFunc

	deadLetters chan delivery.DeadLetter
	dlDone      chan struct{}
}

// New builds a Dispatcher and starts its retry sweep loop.
func New(opts Options) *Dispatcher {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	d := &Dispatcher{
		opts: opts,
		policy: RetryPolicy{
			MaxRetries: opts.MaxRetries,
			BaseDelay:  opts.BaseDelay,
			MaxDelay:   opts.MaxDelay,
			MaxJitter:  opts.MaxJitter,
		}.withDefaults(),
		breakers: BreakerConfig{
			FailureThreshold: opts.FailureThreshold,
			SuccessThreshold: opts.SuccessThreshold,
			OpenTimeout:      opts.OpenTimeout,
			Now:              opts.Now,
		},
		sender: &Sender{
			Client:          opts.HTTPClient,
			SignatureHeader: opts.SignatureHeader,
			TimestampHeader: opts.TimestampHeader,
		},
		log:         opts.Logger,
		secrets:     NewMemoryRegistry(),
		dests:       make(map[string]*destination),
		scheduler:   newRetryScheduler(),
		stopping:    make(chan struct{}),
		sweepDone:   make(chan struct{}),
		closeDone:   make(chan struct{}),
		baseCtx:     ctx,
		cancel:      cancel,
		deadLetters: make(chan delivery.DeadLetter, deadLetterBuffer),
		dlDone:      make(chan struct{}),
	}
	if opts.Registry != nil {
		d.registry = Chain{opts.Registry, d.secrets}
	} else {
		d.registry = d.secrets
	}

	go d.sweep()
	go d.writeDeadLetters()
	return d
}

// Submit validates and enqueues a notification for url. It returns the
// assigned item id once the item is queued; delivery happens asynchronously
// and cannot be cancelled by the caller.
func (d *Dispatcher) Submit(ctx context.Context, url string, secret []byte, payload map[string]any) (string, error) {
	if err := ValidateURL(url); err != nil {
		return "", err
	}
	if len(secret) < MinSecretLength {
		return "", ErrInvalidSecret
	}
	if err := ValidatePayload(payload); err != nil {
		return "", err
	}
	body, err := Canonicalize(payload)
	if err != nil {
		return "", err
	}

	if d.opts.Registry != nil {
		dst, err := d.opts.Registry.Resolve(ctx, url)
		switch {
		case errors.Is(err, ErrDestinationNotFound):
		case err != nil:
			return "", fmt.Errorf("resolve destination: %w", err)
		case !dst.Enabled:
			return "", fmt.Errorf("%w: %s", ErrDestinationDisabled, url)
		}
	}
	if err := d.secrets.Put(Destination{URL: url, Secret: secret, Enabled: true}); err != nil {
		return "", err
	}

	now := d.opts.Now()
	item := &Item{
		ID:             uuid.NewString(),
		DestinationURL: url,
		Payload:        maps.Clone(payload),
		Body:           body,
		CreatedAt:      now,
		NextAttemptAt:  now,
		trace:          tracing.Carrier(ctx),
	}
	if err := d.enqueue(item); err != nil {
		return "", err
	}
	metrics.RecordSubmitted()
	return item.ID, nil
}

// enqueue pushes item onto its destination queue and makes sure a worker
// is running for it.
func (d *Dispatcher) enqueue(item *Item) error {
	d.lifecycle.RLock()
	defer d.lifecycle.RUnlock()
	if d.closed {
		return ErrClosed
	}

	dest := d.getOrCreate(item.DestinationURL)
	evicted, start := dest.push(item)
	if start {
		d.workers.Add(1)
		go d.run(dest)
	}
	if evicted != nil {
		d.evict(dest, evicted)
	}
	return nil
}

func (d *Dispatcher) evict(dest *destination, item *Item) {
	metrics.RecordEviction()
	d.log.Plain().
		WithDestination(dest.url).
		WithItem(item.ID).
		WithEvent(item.EventID()).
		WithFields(map[string]any{
			"reason":     delivery.ReasonQueueFull,
			"attempt":    item.AttemptCount,
			"queue_size": dest.queue.Cap(),
		}).
		Warn("queue full, evicted oldest item")
	d.deadLetter(item, 0, "", delivery.ReasonQueueFull)
}

// getOrCreate returns the state for url, creating it on first use. Only
// this path writes the destination map.
func (d *Dispatcher) getOrCreate(rawURL string) *destination {
	d.mu.RLock()
	dest, ok := d.dests[rawURL]
	d.mu.RUnlock()
	if ok {
		return dest
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if dest, ok := d.dests[rawURL]; ok {
		return dest
	}
	dest = newDestination(rawURL, d.opts.MaxQueueSize, d.breakers)
	dest.breaker.onTransition = func(from, to State) {
		metrics.RecordBreakerTransition(to.String())
		d.log.Plain().
			WithDestination(rawURL).
			WithFields(map[string]any{"from": from.String(), "to": to.String()}).
			Warn("circuit breaker state changed")
	}
	d.dests[rawURL] = dest
	return dest
}

func (d *Dispatcher) lookup(rawURL string) (*destination, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	dest, ok := d.dests[rawURL]
	return dest, ok
}

func (d *Dispatcher) snapshotDestinations() []*destination {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*destination, 0, len(d.dests))
	for _, dest := range d.dests {
		out = append(out, dest)
	}
	return out
}

// BreakerState reports the breaker for url. ok is false when nothing has
// been submitted to url yet.
func (d *Dispatcher) BreakerState(url string) (BreakerSnapshot, bool) {
	dest, ok := d.lookup(url)
	if !ok {
		return BreakerSnapshot{}, false
	}
	return dest.breaker.Snapshot(), true
}

// ResetBreaker forces the breaker for url back to Closed.
func (d *Dispatcher) ResetBreaker(url string) bool {
	dest, ok := d.lookup(url)
	if !ok {
		return false
	}
	dest.breaker.Reset()
	d.log.Plain().WithDestination(url).Info("circuit breaker reset by operator")
	return true
}

// QueueDepth returns the number of items waiting in url's active queue.
func (d *Dispatcher) QueueDepth(url string) int {
	dest, ok := d.lookup(url)
	if !ok {
		return 0
	}
	return dest.depth()
}

// DestinationStats is an operator view of one destination.
type DestinationStats struct {
	URL                 string `json:"url"`
	QueueDepth          int    `json:"queue_depth"`
	ScheduledRetries    int    `json:"scheduled_retries"`
	BreakerState        string `json:"breaker_state"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	WorkerRunning       bool   `json:"worker_running"`
	InFlight            bool   `json:"in_flight"`
}

// Stats returns a view of every known destination, sorted by URL.
func (d *Dispatcher) Stats() []DestinationStats {
	scheduled := d.scheduler.CountByDestination()
	dests := d.snapshotDestinations()

	out := make([]DestinationStats, 0, len(dests))
	for _, dest := range dests {
		snap := dest.breaker.Snapshot()
		dest.mu.Lock()
		st := DestinationStats{
			URL:                 dest.url,
			QueueDepth:          dest.queue.Len(),
			ScheduledRetries:    scheduled[dest.url],
			BreakerState:        snap.State.String(),
			ConsecutiveFailures: snap.ConsecutiveFailures,
			WorkerRunning:       dest.running,
			InFlight:            dest.inFlight,
		}
		dest.mu.Unlock()
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

// Closed reports whether Close has been called.
func (d *Dispatcher) Closed() bool {
	d.lifecycle.RLock()
	defer d.lifecycle.RUnlock()
	return d.closed
}

// Close stops intake and waits for in-flight attempts until ctx is done.
// Whatever is still queued or waiting for a retry afterwards is abandoned
// and logged per destination. The returned error is ctx.Err() when the
// grace period ran out. Concurrent and later calls wait for the first
// shutdown to finish, or return ctx.Err() if their own ctx ends first.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.lifecycle.Lock()
	if d.closed {
		d.lifecycle.Unlock()
		select {
		case <-d.closeDone:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	d.closed = true
	close(d.stopping)
	d.lifecycle.Unlock()
	defer close(d.closeDone)

	<-d.sweepDone

	done := make(chan struct{})
	go func() {
		d.workers.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		d.log.Plain().WithError(err).Warn("shutdown grace period expired, cancelling in-flight deliveries")
		d.cancel()
		<-done
	}
	d.cancel()

	d.abandon()
	close(d.deadLetters)
	<-d.dlDone
	return err
}

func (d *Dispatcher) abandon() {
	type counts struct{ queued, scheduled int }
	byURL := make(map[string]*counts)
	get := func(u string) *counts {
		c, ok := byURL[u]
		if !ok {
			c = &counts{}
			byURL[u] = c
		}
		return c
	}

	for _, dest := range d.snapshotDestinations() {
		dest.mu.Lock()
		items := dest.queue.Drain()
		dest.mu.Unlock()
		metrics.AddQueueDepth(dest.host, -len(items))
		for _, item := range items {
			get(dest.url).queued++
			d.deadLetter(item, 0, "", delivery.ReasonShutdown)
		}
	}
	for _, item := range d.scheduler.Drain() {
		get(item.DestinationURL).scheduled++
		d.deadLetter(item, 0, "", delivery.ReasonShutdown)
	}

	if len(byURL) == 0 {
		d.log.Plain().Info("dispatcher stopped with nothing pending")
		return
	}
	urls := slices.Sorted(maps.Keys(byURL))
	for _, u := range urls {
		c := byURL[u]
		d.log.Plain().
			WithDestination(u).
			WithFields(map[string]any{
				"reason":    delivery.ReasonShutdown,
				"queued":    c.queued,
				"scheduled": c.scheduled,
			}).
			Warn("abandoned undelivered items at shutdown")
	}
}

// sweep moves due retries back into their destination queues.
func (d *Dispatcher) sweep() {
	defer close(d.sweepDone)
	ticker := time.NewTicker(d.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopping:
			return
		case <-ticker.C:
			for _, item := range d.scheduler.Due(d.opts.Now()) {
				if err := d.enqueue(item); err != nil {
					// closing: keep it so shutdown counts it
					d.scheduler.Add(item)
				}
			}
		}
	}
}

func (d *Dispatcher) deadLetter(item *Item, httpStatus int, lastErr, reason string) {
	if d.opts.DeadLetters == nil {
		return
	}
	dl := delivery.NewDeadLetter(item.task(), item.AttemptCount, httpStatus, lastErr, reason)
	select {
	case d.deadLetters <- dl:
	default:
		d.log.Plain().
			WithItem(item.ID).
			WithDestination(item.DestinationURL).
			WithField("reason", reason).
			Error("dead letter buffer full, dropping record")
	}
}

// writeDeadLetters hands records to the sink off the delivery path so a
// slow sink never blocks Submit or a worker.
func (d *Dispatcher) writeDeadLetters() {
	defer close(d.dlDone)
	for dl := range d.deadLetters {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.opts.DeadLetters.Write(ctx, dl); err != nil {
			d.log.Plain().
				WithItem(dl.Task.ItemID).
				WithDestination(dl.Task.DestinationURL).
				WithError(err).
				Error("dead letter write failed")
		}
		cancel()
	}
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "unknown"
	}
	return u.Host
}
