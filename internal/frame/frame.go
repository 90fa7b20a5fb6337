// Package frame implements the tunnel wire format: typed, self-delimiting
// frames multiplexing RPC envelopes and data-channel payloads over a single
// byte-oriented transport.
//
// Wire layout (BigEndian, identical on both endpoints, no negotiation):
//
//	frame      := type(u8) flags(u8) [quid_len(u8) quid] plen(u32) payload
//	type       := 0x01 rpc | 0x02 datachannel
//	flags      := bit0 = binary (datachannel only; must be 0 for rpc)
//	quid_len   := datachannel only, 1..255, UTF-8 quid bytes follow
//	plen       := payload length, at most MaxPayloadSize
package frame

import "errors"

// Frame type tags.
const (
	TypeRPC         uint8 = 0x01 // opaque RPC envelope
	TypeDataChannel uint8 = 0x02 // data-channel payload tagged with a quid
)

// MaxPayloadSize bounds a single frame payload. Longer lengths on the wire
// are treated as malformed so a bad peer cannot grow the parse buffer
// without limit.
const MaxPayloadSize = 4 * 1024 * 1024

const flagBinary = 0x01

// WebSocket close codes sent on the tunnel socket's control close frame.
// They live in the private-use close-code space (4000-4999) and are an
// interface contract: both endpoints use these exact values.
const (
	// CloseUnexpected covers any internal error; the close message
	// carries a human-readable reason.
	CloseUnexpected = 4000

	// CloseGatewayClosed means the gateway referenced by the admission
	// token no longer exists.
	CloseGatewayClosed = 4001

	// CloseInvalidFrameType means the demuxer produced a frame of an
	// unknown type.
	CloseInvalidFrameType = 4002
)

var (
	// ErrInvalidFrame is returned by the muxer when a logical frame lacks a
	// required field (unknown type, or a datachannel frame without a quid).
	ErrInvalidFrame = errors.New("frame: invalid frame object")

	// ErrMalformedFrame is returned by the demuxer when the byte stream
	// cannot be parsed under the wire format.
	ErrMalformedFrame = errors.New("frame: malformed frame")

	// ErrUnknownFrameType is returned by the demuxer when a frame's type
	// tag is unknown. The bytes after the type and flags are not examined.
	ErrUnknownFrameType = errors.New("frame: unknown frame type")
)

// Frame is one logical message on the multiplexed wire.
//
// Quid and Binary are meaningful only for TypeDataChannel. The payload is
// opaque at this layer: an RPC envelope for TypeRPC, channel bytes (or the
// terminal {code,message} JSON) for TypeDataChannel.
type Frame struct {
	Type    uint8
	Quid    string
	Binary  bool
	Payload []byte
}

// RPC builds an rpc frame around envelope bytes.
func RPC(envelope []byte) *Frame {
	return &Frame{Type: TypeRPC, Payload: envelope}
}

// DataChannel builds a datachannel frame for the given quid.
func DataChannel(quid string, binary bool, payload []byte) *Frame {
	return &Frame{Type: TypeDataChannel, Quid: quid, Binary: binary, Payload: payload}
}

// validate checks the fields a frame must carry before it may be encoded.
func (f *Frame) validate() error {
	switch f.Type {
	case TypeRPC:
		return nil
	case TypeDataChannel:
		if f.Quid == "" || len(f.Quid) > 255 {
			return ErrInvalidFrame
		}
		return nil
	default:
		return ErrInvalidFrame
	}
}
