package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nsqio/go-nsq"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/adcp_webhooks/internal/config"
	"github.com/austindbirch/adcp_webhooks/internal/delivery"
	"github.com/austindbirch/adcp_webhooks/internal/logging"
	"github.com/austindbirch/adcp_webhooks/internal/tracing"
	"github.com/austindbirch/adcp_webhooks/internal/webhook"
)

// Submitter is satisfied by *webhook.Dispatcher.
type Submitter interface {
	Submit(ctx context.Context, url string, secret []byte, payload map[string]any) (string, error)
}

// ErrMalformedEvent marks intake messages that can never be processed.
var ErrMalformedEvent = errors.New("malformed event")

// Handler turns intake events into Submit calls, one per subscribed
// destination.
type Handler struct {
	Directory    webhook.Directory
	Dispatcher   Submitter
	Logger       *logging.Logger
	RequeueDelay time.Duration
	Now          func() time.Time
}

func (h *Handler) logger() *logging.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return logging.Default()
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// Decode parses an intake message body and checks its routing key.
func Decode(body []byte) (delivery.Event, error) {
	var ev delivery.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return ev, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	var missing []string
	if ev.TenantID == "" {
		missing = append(missing, "tenant_id")
	}
	if ev.PrincipalID == "" {
		missing = append(missing, "principal_id")
	}
	if ev.EventClass == "" {
		missing = append(missing, "event_class")
	}
	if ev.Payload == nil {
		missing = append(missing, "payload")
	}
	if len(missing) > 0 {
		return ev, fmt.Errorf("%w: missing %s", ErrMalformedEvent, strings.Join(missing, ", "))
	}
	return ev, nil
}

// eventIDSpace namespaces event ids derived from intake messages.
var eventIDSpace = uuid.MustParse("6f0c8a52-3d1e-5b7a-9c44-adc9e0b1f7d3")

// complete fills event_id and timestamp when the producer left them out.
func complete(payload map[string]any, eventID func() string, ts func() time.Time) {
	if s, _ := payload["event_id"].(string); s == "" {
		payload["event_id"] = eventID()
	}
	if s, _ := payload["timestamp"].(string); s == "" {
		payload["timestamp"] = webhook.FormatTimestamp(ts())
	}
}

// completeFromMessage fills the same event_id and timestamp on every
// delivery of m, so destinations that already accepted a requeued message
// see a duplicate they can drop by event_id.
func (h *Handler) completeFromMessage(payload map[string]any, m *nsq.Message) {
	complete(payload,
		func() string {
			seed := make([]byte, 0, len(m.ID)+len(m.Body))
			seed = append(append(seed, m.ID[:]...), m.Body...)
			return uuid.NewSHA1(eventIDSpace, seed).String()
		},
		func() time.Time {
			if m.Timestamp > 0 {
				return time.Unix(0, m.Timestamp)
			}
			return h.now()
		},
	)
}

// Dispatch fans ev out to every enabled destination subscribed to its key
// and returns the number of accepted submissions. A registry error or a
// closed dispatcher is returned so the caller can requeue; per destination
// rejections are logged and skipped.
func (h *Handler) Dispatch(ctx context.Context, ev delivery.Event) (int, error) {
	key := webhook.Key{TenantID: ev.TenantID, PrincipalID: ev.PrincipalID, EventClass: ev.EventClass}
	complete(ev.Payload, uuid.NewString, h.now)
	eventID, _ := ev.Payload["event_id"].(string)

	ctx = tracing.FromCarrier(ctx, ev.TraceHeaders)
	ctx, span := tracing.Start(ctx, "intake.dispatch",
		attribute.String("tenant_id", ev.TenantID),
		attribute.String("principal_id", ev.PrincipalID),
		attribute.String("event_class", ev.EventClass),
		attribute.String("event_id", eventID),
	)
	defer span.End()

	log := h.logger().WithContext(ctx).WithTenant(ev.TenantID).WithEvent(eventID)

	tracing.Event(ctx, "registry.lookup")
	dests, err := h.Directory.Lookup(ctx, key)
	if err != nil {
		tracing.RecordError(ctx, err)
		return 0, fmt.Errorf("lookup %s: %w", key, err)
	}
	if len(dests) == 0 {
		log.WithField("key", key.String()).Debug("no destinations subscribed")
		return 0, nil
	}

	accepted := 0
	for _, dst := range dests {
		itemID, err := h.Dispatcher.Submit(ctx, dst.URL, dst.Secret, ev.Payload)
		if errors.Is(err, webhook.ErrClosed) {
			tracing.RecordError(ctx, err)
			return accepted, err
		}
		if err != nil {
			log.WithDestination(dst.URL).WithError(err).Warn("destination rejected event")
			continue
		}
		accepted++
		log.WithDestination(dst.URL).WithItem(itemID).Debug("event submitted")
	}
	span.SetAttributes(
		attribute.Int("destinations", len(dests)),
		attribute.Int("accepted", accepted),
	)
	return accepted, nil
}

// HandleMessage implements nsq.Handler. Malformed messages are finished;
// retryable failures are requeued with RequeueDelay.
func (h *Handler) HandleMessage(m *nsq.Message) error {
	m.DisableAutoResponse() // we manually requeue or finish
	defer func() {
		if !m.HasResponded() {
			m.Finish()
		}
	}()

	ev, err := Decode(m.Body)
	if err != nil {
		h.logger().Plain().
			WithField("message_id", string(m.ID[:])).
			WithError(err).
			Error("bad intake message")
		m.Finish() // terminal: don't retry bad payloads
		return nil
	}

	h.completeFromMessage(ev.Payload, m)
	if _, err := h.Dispatch(context.Background(), ev); err != nil {
		delay := h.RequeueDelay
		if delay <= 0 {
			delay = 5 * time.Second
		}
		h.logger().Plain().WithTenant(ev.TenantID).WithFields(map[string]any{
			"event_class": ev.EventClass,
			"attempts":    m.Attempts,
			"delay":       delay.String(),
		}).WithError(err).Warn("requeue intake message")
		m.Requeue(delay)
	}
	return nil
}

// NewConsumer builds the intake consumer. A single handler goroutine keeps
// Submit order equal to topic order for each destination.
func NewConsumer(cfg config.NSQ, h *Handler) (*nsq.Consumer, error) {
	conf := nsq.NewConfig()
	if cfg.MaxInFlight > 0 {
		conf.MaxInFlight = cfg.MaxInFlight
	}
	consumer, err := nsq.NewConsumer(cfg.EventsTopic, cfg.IntakeChannel, conf)
	if err != nil {
		return nil, fmt.Errorf("nsq consumer: %w", err)
	}
	consumer.SetLogger(NSQLogger{Logger: h.logger()}, nsq.LogLevelWarning)
	consumer.AddHandler(h)
	return consumer, nil
}

// NSQLogger routes go-nsq client logs through the structured logger.
type NSQLogger struct {
	Logger *logging.Logger
}

func (l NSQLogger) Output(_ int, s string) error {
	entry := l.Logger.Plain().WithField("component", "nsq")
	switch {
	case strings.HasPrefix(s, "ERR"):
		entry.Error(strings.TrimSpace(s[3:]))
	case strings.HasPrefix(s, "WRN"):
		entry.Warn(strings.TrimSpace(s[3:]))
	default:
		entry.Info(s)
	}
	return nil
}
