package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"github.com/burrownet/burrow/internal/frame"
	"github.com/burrownet/burrow/internal/util"
)

// Tuning constants.
const (
	inboxBufferSize = 64 // per-quid inbox channel capacity
	dialAttempts    = 3
	dialTimeout     = 10 * time.Second
)

// handleChannelFrame routes one datachannel frame to its loopback session,
// opening the session on first sight of a quid.
func (c *Client) handleChannelFrame(f *frame.Frame) {
	c.mu.Lock()
	if c.channels == nil {
		c.mu.Unlock()
		return
	}
	if lb, ok := c.channels[f.Quid]; ok {
		c.mu.Unlock()
		lb.deliver(f)
		return
	}
	if len(c.channels) >= c.cfg.MaxChannels {
		c.mu.Unlock()
		c.emitError(fmt.Errorf("%w: channel table full, refusing quid %s", ErrLoopback, f.Quid))
		c.muxFrame(frame.TerminalFrame(f.Quid, websocket.CloseTryAgainLater, "too many data channels"))
		return
	}
	lb := newLoopback(c, f.Quid)
	c.channels[f.Quid] = lb
	c.mu.Unlock()

	lb.deliver(f)
	go lb.run()
}

// dropChannel unregisters a quid. A nil table means the tunnel is already
// tearing down and the entry is gone with it.
func (c *Client) dropChannel(quid string) {
	c.mu.Lock()
	if c.channels != nil {
		delete(c.channels, quid)
	}
	c.mu.Unlock()
}

// loopback holds the complete lifecycle state for one quid: the loopback
// socket bridging tunnel frames to the local process.
type loopback struct {
	// Identity
	c    *Client
	quid string

	// Lifecycle
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	// Communication. Frames that arrive while the dial is still in flight
	// wait in the inbox and flush once the socket opens.
	inbox chan *frame.Frame

	mu   sync.Mutex
	conn *websocket.Conn
}

func newLoopback(c *Client, quid string) *loopback {
	ctx, cancel := context.WithCancel(c.ctx)
	return &loopback{
		c:      c,
		quid:   quid,
		ctx:    ctx,
		cancel: cancel,
		inbox:  make(chan *frame.Frame, inboxBufferSize),
	}
}

// deliver queues one frame for the loopback socket. Blocks when the inbox is
// full so no frame is ever dropped; client teardown unblocks it.
func (lb *loopback) deliver(f *frame.Frame) {
	select {
	case lb.inbox <- f:
	case <-lb.ctx.Done():
	}
}

// run is the complete lifecycle for one quid: dial the loopback endpoint,
// then drain the inbox into the socket until either side closes.
func (lb *loopback) run() {
	conn, err := lb.dial()
	if err != nil {
		lb.c.emitError(fmt.Errorf("%w: quid %s: %v", ErrLoopback, lb.quid, err))
		lb.finish(websocket.CloseAbnormalClosure, "loopback connect failed")
		return
	}

	lb.mu.Lock()
	lb.conn = conn
	lb.mu.Unlock()

	go lb.readLoop(conn)

	for {
		select {
		case f := <-lb.inbox:
			mt := websocket.TextMessage
			if f.Binary {
				mt = websocket.BinaryMessage
			}
			if err := conn.WriteMessage(mt, f.Payload); err != nil {
				lb.finish(websocket.CloseAbnormalClosure, err.Error())
				return
			}
		case <-lb.ctx.Done():
			return
		}
	}
}

// dial connects to the configured loopback endpoint, retrying with jittered
// backoff. Context cancellation aborts both the handshake and the waits.
func (lb *loopback) dial() (*websocket.Conn, error) {
	uri := fmt.Sprintf("ws://%s:%d", lb.c.cfg.TargetHost, lb.c.cfg.TargetPort)
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	b := &backoff.Backoff{Min: 100 * time.Millisecond, Max: 2 * time.Second, Jitter: true}

	var lastErr error
	for attempt := 0; attempt < dialAttempts; attempt++ {
		conn, _, err := dialer.DialContext(lb.ctx, uri, nil)
		if err == nil {
			util.LogDebug("loopback %s connected to %s", lb.quid, uri)
			return conn, nil
		}
		lastErr = err
		select {
		case <-time.After(b.Duration()):
		case <-lb.ctx.Done():
			return nil, lb.ctx.Err()
		}
	}
	return nil, lastErr
}

// readLoop bridges loopback messages back into the tunnel: each message
// becomes a datachannel frame carrying this quid and its binary flag.
func (lb *loopback) readLoop(conn *websocket.Conn) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			code, message := closeStatus(err)
			lb.finish(code, message)
			return
		}
		lb.c.muxFrame(frame.DataChannel(lb.quid, mt == websocket.BinaryMessage, data))
	}
}

// finish ends the quid's life from the loopback side: the entry is removed
// and a terminal frame carrying the close status goes up the tunnel. Exactly
// one of finish and close wins; the loser is a no-op.
func (lb *loopback) finish(code int, message string) {
	lb.closeOnce.Do(func() {
		lb.cancel()
		lb.mu.Lock()
		conn := lb.conn
		lb.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		lb.c.dropChannel(lb.quid)
		lb.c.muxFrame(frame.TerminalFrame(lb.quid, code, message))
		util.LogDebug("loopback %s closed (%d %q)", lb.quid, code, message)
	})
}

// close tears the session down without a terminal frame: the whole tunnel is
// going away and the table was already cleared by the caller.
func (lb *loopback) close() {
	lb.closeOnce.Do(func() {
		lb.cancel()
		lb.mu.Lock()
		conn := lb.conn
		lb.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
	})
}

// closeStatus maps a read error to the {code, message} pair reported in the
// terminal frame.
func closeStatus(err error) (int, string) {
	if ce, ok := err.(*websocket.CloseError); ok {
		return ce.Code, ce.Text
	}
	if err != nil {
		return websocket.CloseAbnormalClosure, err.Error()
	}
	return websocket.CloseNormalClosure, ""
}
