// Package rpc holds the boundary type for the overlay's RPC schema. The
// tunnel subsystem never interprets envelope contents; the schema lives in
// the overlay and is consumed here only as bytes that round-trip.
package rpc

import "errors"

// ErrEmptyEnvelope is returned when envelope bytes are empty.
var ErrEmptyEnvelope = errors.New("rpc: empty envelope")

// Envelope is one opaque RPC message.
type Envelope struct {
	raw []byte
}

// FromBytes reconstructs an envelope from its serialized form.
func FromBytes(b []byte) (*Envelope, error) {
	if len(b) == 0 {
		return nil, ErrEmptyEnvelope
	}
	raw := make([]byte, len(b))
	copy(raw, b)
	return &Envelope{raw: raw}, nil
}

// Serialize returns the envelope's wire bytes. The returned slice must not
// be mutated by the caller.
func (e *Envelope) Serialize() []byte {
	return e.raw
}

// Len returns the serialized size in bytes.
func (e *Envelope) Len() int {
	return len(e.raw)
}
