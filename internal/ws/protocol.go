package ws

import "encoding/json"

// ClientMessage is sent from a client to the server.
// If ID is non-nil, the client expects an ack with the same ID.
type ClientMessage struct {
	ID    *int64          `json:"id,omitempty"`
	Event string          `json:"event"`
	Args  json.RawMessage `json:"args,omitempty"`
}

// AckMessage answers a client request that carried an ID.
type AckMessage[T any] struct {
	ID   int64 `json:"id"`
	Data T     `json:"data"`
}

// ServerMessage is a server-initiated push (no ack expected).
type ServerMessage[T any] struct {
	Event string `json:"event"`
	Data  T      `json:"data"`
}

// OkResponse is the ack payload for successful requests that carry a result.
type OkResponse[T any] struct {
	OK     bool `json:"ok"`
	Result T    `json:"result"`
}

// ErrorResponse is the ack payload for failed requests. Kind is a stable
// machine-readable class ("unavailable", "protocol", "pull_failed", ...).
type ErrorResponse struct {
	OK   bool   `json:"ok"`
	Msg  string `json:"msg"`
	Kind string `json:"kind,omitempty"`
}
