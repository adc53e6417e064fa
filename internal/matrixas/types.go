// Package matrixas implements the Matrix application-service adapter: the
// homeserver-facing HTTP router plus an outbound capability interface the
// dispatchers use to act on Matrix. It owns no business logic — everything
// inbound is handed to a HandlerSink.
package matrixas

import "encoding/json"

// Event is one event inside an appservice transaction.
type Event struct {
	EventID        string          `json:"event_id"`
	Type           string          `json:"type"`
	RoomID         string          `json:"room_id"`
	Sender         string          `json:"sender"`
	StateKey       *string         `json:"state_key,omitempty"`
	Content        json.RawMessage `json:"content"`
	OriginServerTS int64           `json:"origin_server_ts"`
}

// Transaction is the body of a PUT /_matrix/app/v1/transactions/{txnId}.
type Transaction struct {
	Events []Event `json:"events"`
}

// HandlerSink receives each event extracted from a transaction. The adapter
// has no knowledge of what happens next — that's the event processor's
// job — which is what lets the appservice adapter, the dispatchers and
// the bridge orchestrator depend on each other only through interfaces.
type HandlerSink interface {
	HandleMatrixEvent(roomID string, ev Event) error
}
