package frame

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
)

// TestEncodeDecodeRoundTrip verifies that encoding and demuxing are inverse
// operations for both frame types with various payload sizes.
func TestEncodeDecodeRoundTrip(t *testing.T) {
	testCases := []struct {
		name string
		f    *Frame
	}{
		{
			name: "rpc with small payload",
			f:    RPC([]byte("hello world")),
		},
		{
			name: "rpc with empty payload",
			f:    RPC(nil),
		},
		{
			name: "datachannel text",
			f:    DataChannel("a1b2c3", false, []byte("text payload")),
		},
		{
			name: "datachannel binary",
			f:    DataChannel("a1b2c3", true, []byte{0x00, 0xFF, 0x7F}),
		},
		{
			name: "datachannel with max-length quid",
			f:    DataChannel(string(bytes.Repeat([]byte("q"), 255)), true, []byte("x")),
		},
		{
			name: "datachannel with large payload (256KB)",
			f:    DataChannel("deadbeef", true, make([]byte, 256*1024)),
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			encoded, err := Encode(tc.f)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}

			frames, err := NewDemuxer().Write(encoded)
			if err != nil {
				t.Fatalf("Write failed: %v", err)
			}
			if len(frames) != 1 {
				t.Fatalf("expected 1 frame, got %d", len(frames))
			}

			got := frames[0]
			if got.Type != tc.f.Type {
				t.Errorf("Type mismatch: got 0x%02x, want 0x%02x", got.Type, tc.f.Type)
			}
			if got.Quid != tc.f.Quid {
				t.Errorf("Quid mismatch: got %q, want %q", got.Quid, tc.f.Quid)
			}
			if got.Binary != tc.f.Binary {
				t.Errorf("Binary mismatch: got %v, want %v", got.Binary, tc.f.Binary)
			}
			if !bytes.Equal(got.Payload, tc.f.Payload) {
				t.Errorf("Payload mismatch: got %d bytes, want %d bytes", len(got.Payload), len(tc.f.Payload))
			}
		})
	}
}

// TestEncodeInvalidFrame verifies that frames missing a required field are
// rejected before they reach the wire.
func TestEncodeInvalidFrame(t *testing.T) {
	testCases := []struct {
		name string
		f    *Frame
	}{
		{"unknown type", &Frame{Type: 0x7F}},
		{"datachannel without quid", &Frame{Type: TypeDataChannel}},
		{"datachannel with oversize quid", &Frame{Type: TypeDataChannel, Quid: string(make([]byte, 256))}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Encode(tc.f); !errors.Is(err, ErrInvalidFrame) {
				t.Fatalf("expected ErrInvalidFrame, got %v", err)
			}
		})
	}
}

// TestDemuxerChunkBoundaries feeds an encoded stream one byte at a time and
// verifies every frame still comes out whole and in order.
func TestDemuxerChunkBoundaries(t *testing.T) {
	want := []*Frame{
		RPC([]byte("first envelope")),
		DataChannel("cafebabe", true, []byte{1, 2, 3, 4}),
		RPC([]byte("second envelope")),
		DataChannel("cafebabe", false, []byte("bye")),
	}

	var stream []byte
	for _, f := range want {
		encoded, err := Encode(f)
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		stream = append(stream, encoded...)
	}

	d := NewDemuxer()
	var got []*Frame
	for _, b := range stream {
		frames, err := d.Write([]byte{b})
		if err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		got = append(got, frames...)
	}

	if len(got) != len(want) {
		t.Fatalf("expected %d frames, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i].Type != want[i].Type || got[i].Quid != want[i].Quid ||
			got[i].Binary != want[i].Binary || !bytes.Equal(got[i].Payload, want[i].Payload) {
			t.Errorf("frame %d mismatch: %+v", i, got[i])
		}
	}
}

// TestDemuxerCoalescedFrames verifies that several frames in one chunk are
// all returned from a single Write call.
func TestDemuxerCoalescedFrames(t *testing.T) {
	var stream []byte
	for i := 0; i < 5; i++ {
		encoded, err := Encode(RPC(fmt.Appendf(nil, "envelope %d", i)))
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		stream = append(stream, encoded...)
	}

	frames, err := NewDemuxer().Write(stream)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if len(frames) != 5 {
		t.Fatalf("expected 5 frames, got %d", len(frames))
	}
	for i, f := range frames {
		want := fmt.Sprintf("envelope %d", i)
		if string(f.Payload) != want {
			t.Errorf("frame %d out of order: got %q, want %q", i, f.Payload, want)
		}
	}
}

// TestDemuxerPartialPrefix verifies that a buffer holding only a frame
// prefix yields no frames and no error.
func TestDemuxerPartialPrefix(t *testing.T) {
	encoded, err := Encode(DataChannel("0123456789abcdef", false, []byte("payload")))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	d := NewDemuxer()
	for _, cut := range []int{1, 2, 3, 10, len(encoded) - 1} {
		frames, err := NewDemuxer().Write(encoded[:cut])
		if err != nil {
			t.Fatalf("Write failed at cut %d: %v", cut, err)
		}
		if len(frames) != 0 {
			t.Fatalf("expected no frames at cut %d, got %d", cut, len(frames))
		}
	}

	// The same prefix completed later must still parse.
	if _, err := d.Write(encoded[:3]); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	frames, err := d.Write(encoded[3:])
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if len(frames) != 1 || string(frames[0].Payload) != "payload" {
		t.Fatalf("completed frame mismatch: %+v", frames)
	}
}

// TestDemuxerMalformed verifies the malformed-stream rejections and that the
// first error is sticky.
func TestDemuxerMalformed(t *testing.T) {
	testCases := []struct {
		name string
		data []byte
		want error
	}{
		{
			name: "unknown frame type",
			data: []byte{0x7F, 0x00, 0, 0, 0, 0},
			want: ErrUnknownFrameType,
		},
		{
			name: "rpc with flags set",
			data: []byte{TypeRPC, 0x01, 0, 0, 0, 0},
			want: ErrMalformedFrame,
		},
		{
			name: "datachannel with unknown flag bits",
			data: []byte{TypeDataChannel, 0x02, 1, 'q', 0, 0, 0, 0},
			want: ErrMalformedFrame,
		},
		{
			name: "datachannel with empty quid",
			data: []byte{TypeDataChannel, 0x00, 0, 0, 0, 0, 0},
			want: ErrMalformedFrame,
		},
		{
			name: "oversize payload length",
			data: []byte{TypeRPC, 0x00, 0xFF, 0xFF, 0xFF, 0xFF},
			want: ErrMalformedFrame,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			d := NewDemuxer()
			_, err := d.Write(tc.data)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}

			// A failed demuxer stays failed, even for valid input.
			valid, _ := Encode(RPC([]byte("ok")))
			if _, err := d.Write(valid); !errors.Is(err, tc.want) {
				t.Fatalf("expected sticky %v, got %v", tc.want, err)
			}
		})
	}
}

// TestDemuxerFramesBeforeError verifies that complete frames decoded before
// the first bad byte are still delivered alongside the error.
func TestDemuxerFramesBeforeError(t *testing.T) {
	good, err := Encode(RPC([]byte("survivor")))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	stream := append(append([]byte{}, good...), 0x7F, 0x00)

	frames, derr := NewDemuxer().Write(stream)
	if !errors.Is(derr, ErrUnknownFrameType) {
		t.Fatalf("expected ErrUnknownFrameType, got %v", derr)
	}
	if len(frames) != 1 || string(frames[0].Payload) != "survivor" {
		t.Fatalf("expected the frame before the error, got %+v", frames)
	}
}

// TestDemuxerPayloadNotAliased verifies the decoded payload is copied out of
// the parse buffer rather than aliased to it.
func TestDemuxerPayloadNotAliased(t *testing.T) {
	encoded, err := Encode(RPC([]byte("original")))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	frames, err := NewDemuxer().Write(encoded)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	copy(encoded[len(encoded)-len("original"):], "clobber!")
	if string(frames[0].Payload) != "original" {
		t.Errorf("payload was aliased to the input buffer: %q", frames[0].Payload)
	}
}

// TestTerminalFrameRoundTrip verifies the terminal frame payload format.
func TestTerminalFrameRoundTrip(t *testing.T) {
	f := TerminalFrame("feedf00d", 1001, "going away")
	if f.Type != TypeDataChannel || f.Binary {
		t.Fatalf("terminal frame must be a text datachannel frame: %+v", f)
	}

	status, err := ParseTerminal(f.Payload)
	if err != nil {
		t.Fatalf("ParseTerminal failed: %v", err)
	}
	if status.Code != 1001 || status.Message != "going away" {
		t.Errorf("status mismatch: %+v", status)
	}
}
