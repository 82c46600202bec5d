package models

import "encoding/json"

// Relay message types.
const (
	TypeOpen      = "open"
	TypeIDTaken   = "id-taken"
	TypeOffer     = "offer"
	TypeAnswer    = "answer"
	TypeCandidate = "candidate"
	TypeLeave     = "leave"
	TypeExpire    = "expire"
	TypeError     = "error"
)

// Connection kinds negotiated over the relay.
const (
	ConnectionData  = "data"
	ConnectionMedia = "media"
)

// SignalMessage is the envelope exchanged between an endpoint and the relay.
// Src is stamped by the relay; clients only set Dst.
type SignalMessage struct {
	Type           string          `json:"type"`
	Src            string          `json:"src,omitempty"`
	Dst            string          `json:"dst,omitempty"`
	ConnectionID   string          `json:"connection_id,omitempty"`
	ConnectionType string          `json:"connection_type,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// ErrorPayload accompanies TypeError.
type ErrorPayload struct {
	Message string `json:"message"`
}

// Routed reports whether the relay forwards this message type to Dst.
func (m SignalMessage) Routed() bool {
	switch m.Type {
	case TypeOffer, TypeAnswer, TypeCandidate, TypeLeave:
		return true
	}
	return false
}
