package webhook

import (
	"fmt"
	"maps"
	"time"

	"github.com/austindbirch/adcp_webhooks/internal/delivery"
)

// Item is one pending delivery to one destination.
type Item struct {
	ID             string
	DestinationURL string
	Payload        map[string]any
	Body           []byte // canonical JSON, serialized once at submit time
	AttemptCount   int
	CreatedAt      time.Time
	NextAttemptAt  time.Time

	trace map[string]string // submitter's trace context
}

// EventID returns the payload's event_id, or "" when it is not a string.
func (i *Item) EventID() string {
	id, _ := i.Payload["event_id"].(string)
	return id
}

func (i *Item) task() delivery.Task {
	return delivery.Task{
		ItemID:         i.ID,
		EventID:        i.EventID(),
		DestinationURL: i.DestinationURL,
		Payload:        maps.Clone(i.Payload),
		Attempt:        i.AttemptCount,
		CreatedAt:      i.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// Notification types a payload may declare.
const (
	NotificationScheduled = "scheduled"
	NotificationFinal     = "final"
	NotificationAdjusted  = "adjusted"
)

var requiredFields = []string{"event_id", "object_type", "object_id", "status", "timestamp"}

// ValidatePayload checks the fields every outbound notification carries.
func ValidatePayload(payload map[string]any) error {
	if payload == nil {
		return fmt.Errorf("%w: empty payload", ErrInvalidPayload)
	}
	for _, f := range requiredFields {
		v, ok := payload[f]
		if !ok || v == nil {
			return fmt.Errorf("%w: missing %s", ErrInvalidPayload, f)
		}
		if s, isStr := v.(string); isStr && s == "" {
			return fmt.Errorf("%w: empty %s", ErrInvalidPayload, f)
		}
	}
	if v, ok := payload["notification_type"]; ok {
		switch v {
		case NotificationScheduled, NotificationFinal, NotificationAdjusted:
		default:
			return fmt.Errorf("%w: notification_type %v", ErrInvalidPayload, v)
		}
	}
	if v, ok := payload["is_adjusted"]; ok {
		if _, isBool := v.(bool); !isBool {
			return fmt.Errorf("%w: is_adjusted must be a bool", ErrInvalidPayload)
		}
	}
	return nil
}
