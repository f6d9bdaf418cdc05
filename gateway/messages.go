// Package gateway exposes the websocket endpoint that pushes change events
// to dashboard clients based on their resource subscriptions.
package gateway

// Client → server message types.
const (
	MessageSubscribe   = "subscribe"
	MessageUnsubscribe = "unsubscribe"
)

// Server → client message types. Change events use the table-derived type
// from change.Event.Type(), e.g. "bookings_update".
const (
	MessageConnected    = "connected"
	MessageSubscribed   = "subscribed"
	MessageUnsubscribed = "unsubscribed"
	MessageResync       = "resync"
	MessageError        = "error"
)

// ClientMessage is a subscription request from a dashboard client.
type ClientMessage struct {
	Type        string `json:"type"`
	ResourceKey string `json:"resource_key"`
}

// ServerMessage is any frame pushed to a client.
type ServerMessage struct {
	Type          string                 `json:"type"`
	ResourceKey   string                 `json:"resource_key,omitempty"`
	ChangeEventID uint64                 `json:"change_event_id,omitempty"`
	Timestamp     string                 `json:"timestamp,omitempty"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
	Message       string                 `json:"message,omitempty"`
}
