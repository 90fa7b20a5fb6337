package frame

import (
	"context"

	"github.com/burrownet/burrow/internal/util"
)

const muxBufferSize = 64 // outgoing frame channel capacity

// Muxer is the single-writer half of the codec: it serializes all frame
// writes for one session onto a sink (one contiguous buffer per frame).
// All writes go through one background goroutine, so the sink never sees
// concurrent calls.
type Muxer struct {
	inbox  chan *Frame
	ctx    context.Context
	cancel context.CancelFunc
}

// NewMuxer starts the writer goroutine. sink receives one encoded buffer
// per frame; when it returns an error the muxer stops and reports it to
// failed (which may be nil). The muxer also stops when ctx is cancelled.
func NewMuxer(ctx context.Context, sink func([]byte) error, failed func(error)) *Muxer {
	mCtx, mCancel := context.WithCancel(ctx)
	m := &Muxer{
		inbox:  make(chan *Frame, muxBufferSize),
		ctx:    mCtx,
		cancel: mCancel,
	}
	go m.loop(sink, failed)
	return m
}

// loop drains the inbox until the context is cancelled or the sink fails.
func (m *Muxer) loop(sink func([]byte) error, failed func(error)) {
	for {
		select {
		case f := <-m.inbox:
			data, err := Encode(f)
			if err != nil {
				// Mux validated the frame already; only oversize
				// payloads can slip through.
				util.LogError("mux encode failed: %v", err)
				continue
			}
			if err := sink(data); err != nil {
				util.LogDebug("mux sink failed: %v", err)
				m.cancel()
				if failed != nil {
					failed(err)
				}
				return
			}
			util.Stats.AddSent(len(data))
		case <-m.ctx.Done():
			return
		}
	}
}

// Mux validates a frame and enqueues it for transmission. It returns
// ErrInvalidFrame without enqueueing when the frame lacks a required
// field. Frames enqueued after the muxer has stopped are dropped.
func (m *Muxer) Mux(f *Frame) error {
	if err := f.validate(); err != nil {
		return err
	}
	select {
	case m.inbox <- f:
	case <-m.ctx.Done():
	}
	return nil
}

// Source forwards every frame from ch into the muxer until ch is closed or
// the muxer stops. A gateway's outgoing frame channel is the usual source.
func (m *Muxer) Source(ch <-chan *Frame) {
	go func() {
		for {
			select {
			case f, ok := <-ch:
				if !ok {
					return
				}
				if err := m.Mux(f); err != nil {
					util.LogError("mux rejected sourced frame: %v", err)
				}
			case <-m.ctx.Done():
				return
			}
		}
	}()
}

// Close stops the writer goroutine. Buffered frames may be dropped.
func (m *Muxer) Close() {
	m.cancel()
}

// Done is closed when the muxer has stopped (sink failure or Close).
func (m *Muxer) Done() <-chan struct{} {
	return m.ctx.Done()
}
