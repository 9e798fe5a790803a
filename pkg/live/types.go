// Package live multiplexes named query subscriptions and one-shot
// mutations over a WebSocket connection.
//
// Each connection gets a fresh session and its own action map, built by
// the server's factory under that session's context. Identical
// subscriptions within a session (same action name and canonical params)
// share one derived computation; every subscriber still receives its own
// update frames keyed by subId. Mutations run inline on the connection's
// read loop, so frames on one connection are processed strictly in order
// while connections proceed in parallel.
//
// All protocol-level failures are reported as error frames; the
// connection is never closed by the server for a bad request.
package live

import "encoding/json"

// Client → server frame types.
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FrameMutation    = "mutation"
)

// Server → client frame types.
const (
	FrameUpdate         = "update"
	FrameMutationResult = "mutationResult"
	FrameError          = "error"
)

// ClientFrame is the JSON structure for client → server messages.
type ClientFrame struct {
	Type      string          `json:"type"`
	Name      string          `json:"name,omitempty"`
	SubID     string          `json:"subId,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// UpdateFrame carries one value of a live result. Data is always present,
// even when null.
type UpdateFrame struct {
	Type  string `json:"type"`
	Name  string `json:"name"`
	SubID string `json:"subId"`
	Data  any    `json:"data"`
}

// MutationResultFrame is the reply to a mutation frame, correlated by the
// client-chosen requestId.
type MutationResultFrame struct {
	Type      string `json:"type"`
	Name      string `json:"name"`
	RequestID string `json:"requestId"`
	Data      any    `json:"data"`
}

// ErrorFrame reports a failed request or a failed recompute. Name, SubID
// and RequestID are set when the failure correlates to one.
type ErrorFrame struct {
	Type      string `json:"type"`
	Name      string `json:"name,omitempty"`
	SubID     string `json:"subId,omitempty"`
	RequestID string `json:"requestId,omitempty"`
	Message   string `json:"message"`
}
