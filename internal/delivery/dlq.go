package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/austindbirch/adcp_webhooks/internal/metrics"
)

const DLQType = "webhook.dead_letter"

// Dead letter reasons
const (
	ReasonRetriesExhausted    = "retries_exhausted"
	ReasonQueueFull           = "queue_full"
	ReasonDestinationDisabled = "destination_disabled"
	ReasonDestinationMissing  = "destination_not_found"
	ReasonShutdown            = "shutdown"
)

type DeadLetter struct {
	Type       string `json:"type"`    // "webhook.dead_letter"
	Version    string `json:"version"` // schema version
	At         string `json:"at"`      // RFC3339 time the item was discarded
	Reason     string `json:"reason"`
	Attempt    int    `json:"attempt"` // attempts made before discarding
	HTTPStatus int    `json:"http_status,omitempty"`
	LastError  string `json:"last_error,omitempty"`
	Task       Task   `json:"task"` // full item snapshot
}

func NewDeadLetter(t Task, attempt, httpStatus int, lastErr, reason string) DeadLetter {
	return DeadLetter{
		Type:       DLQType,
		Version:    "v1",
		At:         time.Now().UTC().Format(time.RFC3339Nano),
		Reason:     reason,
		Attempt:    attempt,
		HTTPStatus: httpStatus,
		LastError:  lastErr,
		Task:       t,
	}
}

// Sink receives items the engine gave up on.
type Sink interface {
	Name() string
	Write(ctx context.Context, dl DeadLetter) error
}

// Publisher is the subset of *nsq.Producer used by NSQSink.
type Publisher interface {
	Publish(topic string, body []byte) error
}

// NSQSink publishes dead letters to an NSQ topic.
type NSQSink struct {
	producer Publisher
	topic    string
}

func NewNSQSink(producer Publisher, topic string) *NSQSink {
	return &NSQSink{producer: producer, topic: topic}
}

func (s *NSQSink) Name() string { return "nsq" }

func (s *NSQSink) Write(_ context.Context, dl DeadLetter) error {
	b, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	if err := s.producer.Publish(s.topic, b); err != nil {
		return fmt.Errorf("publish %s: %w", s.topic, err)
	}
	return nil
}

// Execer is the subset of *pgxpool.Pool used by PostgresSink.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresSink stores dead letters in adcp.webhook_dead_letters.
type PostgresSink struct {
	db Execer
}

func NewPostgresSink(db Execer) *PostgresSink {
	return &PostgresSink{db: db}
}

func (s *PostgresSink) Name() string { return "postgres" }

func (s *PostgresSink) Write(ctx context.Context, dl DeadLetter) error {
	payload, err := json.Marshal(dl.Task.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO adcp.webhook_dead_letters(item_id, event_id, destination_url, payload, reason, attempt, http_status, last_error)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7, $8)`,
		dl.Task.ItemID, dl.Task.EventID, dl.Task.DestinationURL, string(payload),
		dl.Reason, dl.Attempt, dl.HTTPStatus, dl.LastError,
	)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

// MultiSink fans a dead letter out to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Name() string { return "multi" }

func (m MultiSink) Write(ctx context.Context, dl DeadLetter) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, dl); err != nil {
			metrics.RecordDeadLetter(s.Name(), "error")
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		metrics.RecordDeadLetter(s.Name(), "ok")
	}
	return errors.Join(errs...)
}
