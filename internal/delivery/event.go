package delivery

// Event is the intake message the business layer publishes to NSQ. The
// dispatcher resolves its destinations through the endpoint registry.
type Event struct {
	TenantID     string            `json:"tenant_id"`
	PrincipalID  string            `json:"principal_id"`
	EventClass   string            `json:"event_class"` // e.g. delivery_report, approval_required
	Payload      map[string]any    `json:"payload"`
	TraceHeaders map[string]string `json:"trace_headers,omitempty"` // OTel trace propagation headers
}

// Task is a snapshot of a delivery item carried inside dead letters.
type Task struct {
	ItemID         string         `json:"item_id"`
	EventID        string         `json:"event_id,omitempty"`
	DestinationURL string         `json:"destination_url"`
	Payload        map[string]any `json:"payload"`
	Attempt        int            `json:"attempt"`
	CreatedAt      string         `json:"created_at"` // RFC3339
}
