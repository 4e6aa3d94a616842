// Package message defines the wire types exchanged between connections: envelopes,
// service messages and the error taxonomy that survives serialization.
package message

import "encoding/json"

// Kind discriminates envelopes on the wire.
type Kind string

const (
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
	KindMulti    Kind = "multi"
	KindSend     Kind = "send"
	KindError    Kind = "error"
	KindAnomaly  Kind = "anomaly"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindRequest, KindResponse, KindMulti, KindSend, KindError, KindAnomaly:
		return true
	}
	return false
}

// Envelope is the unit of wire traffic.
//
// RequestID is assigned by the connection that initiates a request and is echoed on every
// reply. Seq orders multi envelopes of one streamed reply; the end-of-stream marker is a multi
// envelope with End set and Seq equal to the number of items produced.
type Envelope struct {
	Kind      Kind            `json:"k"`
	RequestID uint64          `json:"id,omitempty"`
	Payload   json.RawMessage `json:"p,omitempty"`
	SourceID  string          `json:"src,omitempty"`
	Signature string          `json:"sig,omitempty"`
	Seq       int             `json:"seq,omitempty"`
	End       bool            `json:"end,omitempty"`
}

// IsReply reports whether the envelope answers an earlier request.
func (e *Envelope) IsReply() bool {
	switch e.Kind {
	case KindResponse, KindMulti, KindError, KindAnomaly:
		return true
	}
	return false
}

// IsFailure reports whether the envelope carries an error payload.
func (e *Envelope) IsFailure() bool {
	return e.Kind == KindError || e.Kind == KindAnomaly
}
