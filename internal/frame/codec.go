package frame

import (
	"encoding/binary"
	"fmt"
)

// Encode serializes a Frame into a single contiguous buffer ready for one
// binary transport message. Returns ErrInvalidFrame if the frame lacks a
// required field.
func Encode(f *Frame) ([]byte, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}
	if len(f.Payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: payload %d bytes exceeds %d", ErrInvalidFrame, len(f.Payload), MaxPayloadSize)
	}

	size := 2 + 4 + len(f.Payload)
	if f.Type == TypeDataChannel {
		size += 1 + len(f.Quid)
	}

	buf := make([]byte, 0, size)
	buf = append(buf, f.Type)

	var flags byte
	if f.Type == TypeDataChannel && f.Binary {
		flags |= flagBinary
	}
	buf = append(buf, flags)

	if f.Type == TypeDataChannel {
		buf = append(buf, byte(len(f.Quid)))
		buf = append(buf, f.Quid...)
	}

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(f.Payload)))
	buf = append(buf, f.Payload...)
	return buf, nil
}

// Demuxer is an incremental parser turning arbitrary-size byte chunks back
// into whole frames. Chunk boundaries may fall anywhere, including inside a
// header. It is not safe for concurrent use; one goroutine owns it.
//
// Any parse error is sticky: the stream is unrecoverable after the first
// bad byte and the owning session must be torn down.
type Demuxer struct {
	buf []byte
	err error
}

// NewDemuxer creates a demuxer with an empty parse buffer.
func NewDemuxer() *Demuxer {
	return &Demuxer{}
}

// Write appends a chunk to the parse buffer and returns every frame that is
// now complete, in stream order. A nil slice with a nil error means more
// bytes are needed.
func (d *Demuxer) Write(chunk []byte) ([]*Frame, error) {
	if d.err != nil {
		return nil, d.err
	}
	d.buf = append(d.buf, chunk...)

	var frames []*Frame
	for {
		f, n, err := d.parseOne()
		if err != nil {
			d.err = err
			d.buf = nil
			return frames, err
		}
		if f == nil {
			break
		}
		d.buf = d.buf[n:]
		frames = append(frames, f)
	}

	// Reclaim the backing array once everything buffered was consumed.
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return frames, nil
}

// parseOne attempts to decode a single frame from the front of the buffer.
// Returns (nil, 0, nil) when the buffer holds only a frame prefix.
func (d *Demuxer) parseOne() (*Frame, int, error) {
	buf := d.buf
	if len(buf) < 2 {
		return nil, 0, nil
	}

	typ, flags := buf[0], buf[1]
	off := 2

	var quid string
	switch typ {
	case TypeRPC:
		if flags != 0 {
			return nil, 0, fmt.Errorf("%w: rpc frame with flags 0x%02x", ErrMalformedFrame, flags)
		}
	case TypeDataChannel:
		if flags&^flagBinary != 0 {
			return nil, 0, fmt.Errorf("%w: unknown flag bits 0x%02x", ErrMalformedFrame, flags)
		}
		if len(buf) < off+1 {
			return nil, 0, nil
		}
		quidLen := int(buf[off])
		off++
		if quidLen == 0 {
			return nil, 0, fmt.Errorf("%w: empty quid", ErrMalformedFrame)
		}
		if len(buf) < off+quidLen {
			return nil, 0, nil
		}
		quid = string(buf[off : off+quidLen])
		off += quidLen
	default:
		return nil, 0, fmt.Errorf("%w: 0x%02x", ErrUnknownFrameType, typ)
	}

	if len(buf) < off+4 {
		return nil, 0, nil
	}
	plen := int(binary.BigEndian.Uint32(buf[off : off+4]))
	off += 4
	if plen > MaxPayloadSize {
		return nil, 0, fmt.Errorf("%w: payload length %d exceeds %d", ErrMalformedFrame, plen, MaxPayloadSize)
	}
	if len(buf) < off+plen {
		return nil, 0, nil
	}

	payload := make([]byte, plen)
	copy(payload, buf[off:off+plen])

	return &Frame{
		Type:    typ,
		Quid:    quid,
		Binary:  flags&flagBinary != 0,
		Payload: payload,
	}, off + plen, nil
}
