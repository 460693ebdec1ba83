package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsSubmittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "adcp_webhooks_events_submitted_total",
			Help: "Total number of delivery items accepted by the engine.",
		},
	)

	DeliveryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adcp_webhooks_delivery_attempts_total",
			Help: "Total number of delivery attempts by outcome.",
		},
		[]string{"outcome"}, // delivered, failed, rejected
	)

	DeliveryLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "adcp_webhooks_delivery_latency_seconds",
			Help:    "Latency of webhook HTTP attempts.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adcp_webhooks_retries_total",
			Help: "Total number of scheduled retries by failure reason.",
		},
		[]string{"reason"}, // e.g. http_5xx, timeout, breaker_open
	)

	TerminalFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adcp_webhooks_terminal_failures_total",
			Help: "Total number of delivery items discarded without a successful delivery.",
		},
		[]string{"reason"}, // retries_exhausted, destination_disabled, destination_not_found
	)

	QueueEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "adcp_webhooks_queue_evictions_total",
			Help: "Total number of items evicted from full destination queues.",
		},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "adcp_webhooks_queue_depth",
			Help: "Current number of pending items summed over every destination on a host.",
		},
		[]string{"destination_host"},
	)

	BreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adcp_webhooks_breaker_transitions_total",
			Help: "Total number of circuit breaker transitions by target state.",
		},
		[]string{"to"},
	)

	ActiveWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "adcp_webhooks_active_workers",
			Help: "Number of running per-destination delivery workers.",
		},
	)

	IntakeBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "adcp_webhooks_intake_backlog",
			Help: "Depth of the NSQ intake channel.",
		},
	)

	DeadLettersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adcp_webhooks_dead_letters_total",
			Help: "Dead letters handed to sinks by sink and result.",
		},
		[]string{"sink", "result"},
	)
)

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		EventsSubmittedTotal,
		DeliveryAttemptsTotal,
		DeliveryLatency,
		RetriesTotal,
		TerminalFailuresTotal,
		QueueEvictionsTotal,
		QueueDepth,
		BreakerTransitionsTotal,
		ActiveWorkers,
		IntakeBacklog,
		DeadLettersTotal,
	)
}

// RecordSubmitted counts an accepted item
func RecordSubmitted() {
	EventsSubmittedTotal.Inc()
}

// RecordAttempt counts one delivery attempt. Latency is observed only when a
// network call was made.
func RecordAttempt(outcome string, latency time.Duration) {
	DeliveryAttemptsTotal.WithLabelValues(outcome).Inc()
	if latency > 0 {
		DeliveryLatency.Observe(latency.Seconds())
	}
}

func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

func RecordTerminal(reason string) {
	TerminalFailuresTotal.WithLabelValues(reason).Inc()
}

func RecordEviction() {
	QueueEvictionsTotal.Inc()
}

// AddQueueDepth moves the pending count for host by delta. Every
// destination on the host contributes its own pushes and pops, so the
// gauge is the host's total backlog.
func AddQueueDepth(host string, delta int) {
	if delta == 0 {
		return
	}
	QueueDepth.WithLabelValues(host).Add(float64(delta))
}

func RecordBreakerTransition(to string) {
	BreakerTransitionsTotal.WithLabelValues(to).Inc()
}

func UpdateIntakeBacklog(depth float64) {
	IntakeBacklog.Set(depth)
}

func RecordDeadLetter(sink, result string) {
	DeadLettersTotal.WithLabelValues(sink, result).Inc()
}
