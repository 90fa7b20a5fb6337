// Package gateway implements the server-side ingress point for one
// tunneled client. A gateway listens on a leased port, turns overlay
// traffic into tunnel frames, and delivers frames coming back through the
// tunnel to the right overlay peer.
//
// Two kinds of ingress share the port: an HTTP POST carrying RPC envelope
// bytes becomes an rpc frame (the response is held until Respond delivers
// the answer), and a WebSocket upgrade becomes a data-channel session keyed
// by a freshly minted quid.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/burrownet/burrow/internal/allocator"
	"github.com/burrownet/burrow/internal/frame"
	"github.com/burrownet/burrow/internal/rpc"
	"github.com/burrownet/burrow/internal/util"
)

// Tuning constants.
const (
	frameBufferSize = 64               // outgoing frame channel capacity
	respondTimeout  = 30 * time.Second // how long a listener-side RPC waits for Respond
)

var (
	// ErrBindFailed is returned by Open when the listener cannot bind.
	ErrBindFailed = errors.New("gateway: bind failed")

	// ErrClosed is returned by operations on a closed gateway.
	ErrClosed = errors.New("gateway: closed")

	// ErrUnknownQuid is returned by Transfer for a quid with no live session.
	ErrUnknownQuid = errors.New("gateway: unknown quid")
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Gateway is the ingress point for one tunneled client.
//
// Lifecycle: New → Open (listener bound, token minted) → Close. The server
// creates one per admitted client and destroys it when the tunneled client
// disconnects or the gateway is closed explicitly.
type Gateway struct {
	port  int    // configured listen port; 0 = ephemeral
	token string // single-use entrance token, minted by Open

	ctx    context.Context
	cancel context.CancelFunc

	listener net.Listener
	server   *http.Server

	frames chan *frame.Frame // outgoing frames, consumed by the session muxer

	mu       sync.Mutex
	pending  []chan *rpc.Envelope       // FIFO of outstanding listener RPCs
	channels map[string]*websocket.Conn // quid → overlay peer socket

	closeOnce sync.Once
	onClose   func()
}

// New creates a gateway that will listen on port (0 for an ephemeral port).
func New(port int) *Gateway {
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		port:     port,
		ctx:      ctx,
		cancel:   cancel,
		frames:   make(chan *frame.Frame, frameBufferSize),
		channels: make(map[string]*websocket.Conn),
	}
}

// Open binds the listener and mints the entrance token. Returns the token
// on success and ErrBindFailed when the port cannot be bound.
func (g *Gateway) Open() (string, error) {
	token, err := allocator.NewEntranceToken()
	if err != nil {
		return "", err
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", g.port))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBindFailed, err)
	}
	g.listener = listener
	g.port = listener.Addr().(*net.TCPAddr).Port
	g.token = token

	mux := http.NewServeMux()
	mux.HandleFunc("/", g.handleIngress)
	g.server = &http.Server{Handler: mux}

	go func() {
		_ = g.server.Serve(listener)
	}()

	util.LogDebug("gateway listening on :%d", g.port)
	return token, nil
}

// Port returns the bound listener port.
func (g *Gateway) Port() int {
	return g.port
}

// Token returns the entrance token minted by Open.
func (g *Gateway) Token() string {
	return g.token
}

// Frames returns the outgoing frame channel for the session muxer to
// consume. Frames are dropped with a log line when the channel is full.
func (g *Gateway) Frames() <-chan *frame.Frame {
	return g.frames
}

// OnClose registers a callback invoked once when the gateway closes.
func (g *Gateway) OnClose(fn func()) {
	g.onClose = fn
}

// Done is closed when the gateway has been closed.
func (g *Gateway) Done() <-chan struct{} {
	return g.ctx.Done()
}

// emit queues an outgoing frame for the muxer.
func (g *Gateway) emit(f *frame.Frame) {
	select {
	case g.frames <- f:
	case <-g.ctx.Done():
	default:
		util.LogWarning("gateway :%d outgoing frame buffer full, dropping %q frame", g.port, f.Quid)
	}
}

// handleIngress fans one overlay request out to the RPC or data-channel path.
func (g *Gateway) handleIngress(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		g.handleChannel(w, r)
		return
	}
	if r.Method == http.MethodPost {
		g.handleRPC(w, r)
		return
	}
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
}

// handleRPC turns a POSTed envelope into an rpc frame and holds the HTTP
// response until Respond delivers the answer.
func (g *Gateway) handleRPC(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	reply := make(chan *rpc.Envelope, 1)
	g.mu.Lock()
	g.pending = append(g.pending, reply)
	g.mu.Unlock()

	g.emit(frame.RPC(body))

	select {
	case env := <-reply:
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(env.Serialize())
	case <-time.After(respondTimeout):
		g.dropPending(reply)
		http.Error(w, "tunnel response timeout", http.StatusGatewayTimeout)
	case <-g.ctx.Done():
		http.Error(w, "gateway closed", http.StatusGatewayTimeout)
	case <-r.Context().Done():
		g.dropPending(reply)
	}
}

// dropPending removes an abandoned responder from the FIFO.
func (g *Gateway) dropPending(reply chan *rpc.Envelope) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, ch := range g.pending {
		if ch == reply {
			g.pending = append(g.pending[:i], g.pending[i+1:]...)
			return
		}
	}
}

// Respond delivers an RPC response to the oldest outstanding listener
// request. Returns ErrClosed after Close, or an error when no request is
// outstanding.
func (g *Gateway) Respond(env *rpc.Envelope) error {
	select {
	case <-g.ctx.Done():
		return ErrClosed
	default:
	}

	g.mu.Lock()
	if len(g.pending) == 0 {
		g.mu.Unlock()
		return errors.New("gateway: no outstanding rpc request")
	}
	reply := g.pending[0]
	g.pending = g.pending[1:]
	g.mu.Unlock()

	reply <- env
	return nil
}

// Transfer delivers a data-channel payload to the overlay peer identified
// by quid. binary selects the WebSocket message type.
func (g *Gateway) Transfer(quid string, binary bool, payload []byte) error {
	g.mu.Lock()
	conn, ok := g.channels[quid]
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQuid, quid)
	}

	msgType := websocket.TextMessage
	if binary {
		msgType = websocket.BinaryMessage
	}
	return conn.WriteMessage(msgType, payload)
}

// Close releases the port, aborts all open RPC responses and data-channel
// sessions, and fires the OnClose callback. Idempotent.
func (g *Gateway) Close() {
	g.closeOnce.Do(func() {
		g.cancel()

		g.mu.Lock()
		channels := g.channels
		g.channels = map[string]*websocket.Conn{}
		g.pending = nil
		g.mu.Unlock()

		for quid, conn := range channels {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "gateway closed"),
				time.Now().Add(time.Second))
			conn.Close()
			util.LogDebug("gateway :%d closed channel %s", g.port, quid)
		}

		if g.server != nil {
			_ = g.server.Close()
		}
		util.LogInfo("gateway :%d closed", g.port)

		if g.onClose != nil {
			g.onClose()
		}
	})
}

// readBody reads a request body bounded by the frame payload cap.
func readBody(r *http.Request) ([]byte, error) {
	body := http.MaxBytesReader(nil, r.Body, frame.MaxPayloadSize)
	defer body.Close()
	return io.ReadAll(body)
}
