// Package protocol defines the wire messages the event server sends to
// WebSocket clients. It is importable by external dashboards without
// pulling in the server or NFC dependencies.
package protocol

import "time"

// Event types carried in Event.Type.
const (
	EventTypePayment = "payment"
	EventTypeStatus  = "status"
)

// Event is the envelope for every broadcast frame.
type Event struct {
	// ID is a server-generated UUID, unique per frame.
	ID string `json:"id"`

	// Type selects the payload shape: EventTypePayment carries a
	// PaymentEvent, EventTypeStatus a StatusEvent.
	Type string `json:"type"`

	// Payload is the typed event body.
	Payload any `json:"payload"`

	// Timestamp is when the server emitted the frame.
	Timestamp time.Time `json:"timestamp"`
}

// PaymentEvent reports one tag presentation the daemon processed.
// Outcome is "claimed", "read_failed", "no_content" or "invalid";
// LNURL and URL are only set when the tag carried decodable content.
type PaymentEvent struct {
	Outcome  string `json:"outcome"`
	TagUID   string `json:"tagUid"`
	LNURL    string `json:"lnurl,omitempty"`
	URL      string `json:"url,omitempty"`
	Withdraw bool   `json:"withdraw,omitempty"`
	Error    string `json:"error,omitempty"`
}

// StatusEvent is a daemon counters snapshot, sent to newly connected
// clients and after every processed presentation.
type StatusEvent struct {
	Processed   int `json:"processed"`
	Claimed     int `json:"claimed"`
	Skipped     int `json:"skipped"`
	Failures    int `json:"failures"`
	TrackedTags int `json:"trackedTags"`
}

// HealthResponse is the body of GET /api/v1/health.
type HealthResponse struct {
	Status    string    `json:"status"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}
