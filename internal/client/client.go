// Package client implements the tunnel client: the NATed peer's end of the
// multiplexed socket. It dials the server's /tun endpoint, decodes inbound
// frames, and bridges them to the local process — RPC envelopes are POSTed
// to a loopback HTTP endpoint, data-channel payloads flow over per-quid
// loopback WebSockets.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/burrownet/burrow/internal/config"
	"github.com/burrownet/burrow/internal/frame"
	"github.com/burrownet/burrow/internal/rpc"
	"github.com/burrownet/burrow/internal/util"
)

// ReadyState is the client's lifecycle state.
type ReadyState int

const (
	StateClosed ReadyState = iota
	StateOpen
)

var (
	// ErrAlreadyOpen is returned by Open when a tunnel is active.
	ErrAlreadyOpen = errors.New("client: tunnel already open")

	// ErrUpstreamRPC marks a forwarded RPC that failed; the tunnel stays up.
	ErrUpstreamRPC = errors.New("client: upstream rpc failure")

	// ErrLoopback marks a loopback data-channel failure; the tunnel stays up.
	ErrLoopback = errors.New("client: loopback failure")
)

// Client terminates the remote end of a tunnel. One Client owns one socket,
// one codec pair, and the per-quid loopback channel table.
type Client struct {
	cfg   config.Client
	httpc *http.Client

	mu       sync.Mutex
	state    ReadyState
	conn     *websocket.Conn
	mux      *frame.Muxer
	demux    *frame.Demuxer
	channels map[string]*loopback
	ctx      context.Context
	cancel   context.CancelFunc

	onOpen  func()
	onClose func()
	onError func(error)
}

// New creates a closed client. Open establishes the tunnel.
func New(cfg config.Client) *Client {
	if cfg.MaxChannels <= 0 {
		cfg.MaxChannels = config.DefaultMaxChannels
	}
	return &Client{
		cfg:   cfg,
		httpc: &http.Client{},
	}
}

// OnOpen registers a callback fired once the tunnel transport is open.
func (c *Client) OnOpen(fn func()) { c.onOpen = fn }

// OnClose registers a callback fired when the tunnel closes.
func (c *Client) OnClose(fn func()) { c.onClose = fn }

// OnError registers a callback for errors. Failed RPC forwards and loopback
// failures leave the tunnel up; codec failures and unexpected transport
// closes are reported here and are followed by a close.
func (c *Client) OnError(fn func(error)) { c.onError = fn }

// State returns the current ready state.
func (c *Client) State() ReadyState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Open dials the tunnel URI and starts the session. The state moves to
// StateOpen only once the transport reports open (the dial completed).
func (c *Client) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateOpen {
		c.mu.Unlock()
		return ErrAlreadyOpen
	}
	c.mu.Unlock()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.TunnelURI, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("tunnel dial rejected (%s): %w", resp.Status, err)
		}
		return fmt.Errorf("tunnel dial failed: %w", err)
	}

	sCtx, sCancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.conn = conn
	c.demux = frame.NewDemuxer()
	c.channels = make(map[string]*loopback)
	c.ctx = sCtx
	c.cancel = sCancel
	c.state = StateOpen
	c.mux = frame.NewMuxer(sCtx, func(data []byte) error {
		return conn.WriteMessage(websocket.BinaryMessage, data)
	}, func(error) {
		c.teardown()
	})
	c.mu.Unlock()

	util.Stats.AddSession()
	util.LogSuccess("tunnel open: %s", c.cfg.TunnelURI)
	if c.onOpen != nil {
		c.onOpen()
	}

	go c.readLoop(conn, c.demux)
	return nil
}

// readLoop owns the tunnel socket reads and the demuxer parse state.
func (c *Client) readLoop(conn *websocket.Conn, demux *frame.Demuxer) {
	defer c.teardown()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.emitError(err)
			}
			util.LogDebug("tunnel socket closed: %v", err)
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		util.Stats.AddRecv(len(data))

		frames, derr := demux.Write(data)
		for _, f := range frames {
			c.handleFrame(f)
		}
		if derr != nil {
			util.LogWarning("tunnel codec failure: %v", derr)
			c.emitError(derr)
			return
		}
	}
}

// handleFrame routes one decoded frame.
func (c *Client) handleFrame(f *frame.Frame) {
	switch f.Type {
	case frame.TypeRPC:
		go c.forwardRPC(f.Payload)
	case frame.TypeDataChannel:
		c.handleChannelFrame(f)
	default:
		c.emitError(fmt.Errorf("%w: cannot handle tunnel frame type 0x%02x", frame.ErrUnknownFrameType, f.Type))
	}
}

// forwardRPC POSTs envelope bytes to the loopback RPC endpoint and sends
// the response back through the tunnel. Failures are reported via OnError
// and do not tear the tunnel down.
func (c *Client) forwardRPC(envelope []byte) {
	req, err := http.NewRequestWithContext(c.ctx, http.MethodPost, c.cfg.TargetRPCURI, bytes.NewReader(envelope))
	if err != nil {
		c.emitError(fmt.Errorf("%w: %v", ErrUpstreamRPC, err))
		return
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpc.Do(req)
	if err != nil {
		c.emitError(fmt.Errorf("%w: %v", ErrUpstreamRPC, err))
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, frame.MaxPayloadSize))
	if err != nil {
		c.emitError(fmt.Errorf("%w: reading response: %v", ErrUpstreamRPC, err))
		return
	}
	if resp.StatusCode != http.StatusOK {
		c.emitError(fmt.Errorf("%w: rpc endpoint returned %s", ErrUpstreamRPC, resp.Status))
		return
	}

	env, err := rpc.FromBytes(body)
	if err != nil {
		c.emitError(fmt.Errorf("%w: %v", ErrUpstreamRPC, err))
		return
	}
	c.muxFrame(frame.RPC(env.Serialize()))
}

// muxFrame sends a frame up the tunnel if the session is still alive.
func (c *Client) muxFrame(f *frame.Frame) {
	c.mu.Lock()
	mux := c.mux
	c.mu.Unlock()
	if mux == nil {
		return
	}
	if err := mux.Mux(f); err != nil {
		util.LogError("mux rejected frame: %v", err)
	}
}

// emitError reports a non-fatal error to the embedder.
func (c *Client) emitError(err error) {
	util.LogWarning("%v", err)
	if c.onError != nil {
		c.onError(err)
	}
}

// Close tears the tunnel down: loopback channels, codec, transport.
// Idempotent. Returns true when a tunnel was active, false otherwise.
func (c *Client) Close() bool {
	return c.teardown()
}

// teardown is the single shutdown path, shared by Close and transport
// failure. Returns true when it transitioned the client from open.
func (c *Client) teardown() bool {
	c.mu.Lock()
	if c.state != StateOpen {
		c.mu.Unlock()
		return false
	}
	c.state = StateClosed
	conn := c.conn
	cancel := c.cancel
	mux := c.mux
	channels := c.channels
	c.conn = nil
	c.mux = nil
	c.channels = nil
	c.mu.Unlock()

	cancel()
	mux.Close()
	for _, lb := range channels {
		lb.close()
	}
	conn.Close()

	util.Stats.RemoveSession()
	util.LogInfo("tunnel closed")
	if c.onClose != nil {
		c.onClose()
	}
	return true
}
