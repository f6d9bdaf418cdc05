// Package webhook implements durable, retried delivery of change events to
// registered external automation endpoints.
package webhook

import "time"

// Attempt statuses. An attempt is claimed by atomically moving it from
// StatusPending to StatusInflight before the HTTP call, so two dispatcher
// workers can never double-send the same row.
const (
	StatusPending  = "pending"
	StatusInflight = "inflight"
	StatusSent     = "sent"
	StatusFailed   = "failed"
)

// Endpoint is a registered webhook destination. Rows are mirrored from the
// dashboard's settings tables via the change feed and consumed read-only by
// the dispatch path.
type Endpoint struct {
	ID          string `db:"id" json:"id"`
	ResourceKey string `db:"resource_key" json:"resource_key"`
	URL         string `db:"url" json:"url"`
	IsActive    bool   `db:"is_active" json:"is_active"`
}

// Attempt is one durable delivery attempt for a (change event, endpoint)
// pair. It is the source of truth for at-least-once delivery and for
// idempotent manual resend.
type Attempt struct {
	ID            uint64 `db:"id" json:"id"`
	EndpointID    string `db:"endpoint_id" json:"endpoint_id"`
	ChangeEventID uint64 `db:"change_event_id" json:"change_event_id"`
	ResourceKey   string `db:"resource_key" json:"resource_key"`
	URL           string `db:"url" json:"url"`
	Status        string `db:"status" json:"status"`
	Attempts      int    `db:"attempts" json:"attempts"`
	Payload       []byte `db:"payload" json:"-"`

	LastStatusCode int    `db:"last_status_code" json:"last_status_code,omitempty"`
	LastResponse   string `db:"last_response" json:"last_response,omitempty"`
	LastError      string `db:"last_error" json:"last_error,omitempty"`

	LastAttemptAt int64 `db:"last_attempt_at" json:"last_attempt_at,omitempty"` // unix ms, 0 = never tried
	NextAttemptAt int64 `db:"next_attempt_at" json:"next_attempt_at"`           // unix ms
	CreatedAt     int64 `db:"created_at" json:"created_at"`
	UpdatedAt     int64 `db:"updated_at" json:"updated_at"`
}

// ResendAudit records one manual resend operation.
type ResendAudit struct {
	ID          uint64 `db:"id" json:"id"`
	ResourceKey string `db:"resource_key" json:"resource_key"`
	Actor       string `db:"actor" json:"actor"`
	Affected    int    `db:"affected" json:"affected"`
	CreatedAt   int64  `db:"created_at" json:"created_at"`
}

// Outcome captures the observable result of one HTTP delivery attempt.
type Outcome struct {
	StatusCode int
	Response   string
	Err        string
	At         time.Time
}

// Payload is the JSON body POSTed to endpoints. ChangeEventID doubles as the
// idempotency key so receivers can distinguish duplicate deliveries from new
// events.
type Payload struct {
	EventType     string                 `json:"event_type"`
	Timestamp     string                 `json:"timestamp"`
	ChangeEventID uint64                 `json:"change_event_id"`
	Data          map[string]interface{} `json:"data"`
}
