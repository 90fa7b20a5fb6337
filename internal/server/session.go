package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/burrownet/burrow/internal/frame"
	"github.com/burrownet/burrow/internal/gateway"
	"github.com/burrownet/burrow/internal/rpc"
	"github.com/burrownet/burrow/internal/util"
)

const closeWriteTimeout = time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleTunnel is the /tun upgrade handler. The entrance token travels in
// the query string; unknown or already-consumed tokens are rejected with
// 401 before the upgrade. Consumption is atomic with acceptance: the same
// token can never admit two sockets.
func (s *Server) handleTunnel(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if !s.tokens.Consume(token) {
		http.Error(w, "Invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	gw, ok := s.gateways[token]
	s.mu.Unlock()

	if !ok {
		// Valid token, but its gateway has since been closed.
		closeWith(conn, frame.CloseGatewayClosed, "gateway closed")
		conn.Close()
		return
	}

	newSession(s, token, gw, conn).run()
}

// session is the server side of one accepted tunnel socket: the gateway it
// serves, the codec pair, and the socket itself.
type session struct {
	srv   *Server
	token string
	gw    *gateway.Gateway
	conn  *websocket.Conn

	mux   *frame.Muxer
	demux *frame.Demuxer

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

func newSession(srv *Server, token string, gw *gateway.Gateway, conn *websocket.Conn) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		srv:    srv,
		token:  token,
		gw:     gw,
		conn:   conn,
		demux:  frame.NewDemuxer(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// run wires the session and owns the socket read loop. It returns when the
// session is torn down, from whichever side failed first.
func (s *session) run() {
	util.Stats.AddSession()
	util.LogInfo("tunnel session opened for gateway :%d", s.gw.Port())

	// Gateway → muxer → socket. Each encoded frame is one binary message.
	s.mux = frame.NewMuxer(s.ctx, func(data []byte) error {
		return s.conn.WriteMessage(websocket.BinaryMessage, data)
	}, func(error) {
		s.cleanup()
	})
	s.mux.Source(s.gw.Frames())

	// An explicitly closed gateway ends the session.
	go func() {
		select {
		case <-s.gw.Done():
			closeWith(s.conn, frame.CloseGatewayClosed, "gateway closed")
			s.cleanup()
		case <-s.ctx.Done():
		}
	}()

	s.readLoop()
}

// readLoop owns the socket reads and the demuxer parse state.
func (s *session) readLoop() {
	defer s.cleanup()

	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			util.LogDebug("tunnel socket closed: %v", err)
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		util.Stats.AddRecv(len(data))

		frames, derr := s.demux.Write(data)
		for _, f := range frames {
			s.route(f)
		}
		if derr != nil {
			if errors.Is(derr, frame.ErrUnknownFrameType) {
				closeWith(s.conn, frame.CloseInvalidFrameType, "unknown frame type")
			} else {
				closeWith(s.conn, frame.CloseUnexpected, derr.Error())
			}
			util.LogWarning("tunnel session codec failure: %v", derr)
			return
		}
	}
}

// route hands one decoded frame to the gateway.
func (s *session) route(f *frame.Frame) {
	switch f.Type {
	case frame.TypeRPC:
		env, err := rpc.FromBytes(f.Payload)
		if err != nil {
			util.LogWarning("dropping rpc frame: %v", err)
			return
		}
		if err := s.gw.Respond(env); err != nil {
			util.LogWarning("rpc response undeliverable: %v", err)
		}
	case frame.TypeDataChannel:
		if err := s.gw.Transfer(f.Quid, f.Binary, f.Payload); err != nil {
			util.LogDebug("transfer to %s failed: %v", f.Quid, err)
		}
	}
}

// cleanup tears the session down exactly once: gateway closed, port and
// slot released, codec stopped, socket closed.
func (s *session) cleanup() {
	s.stopOnce.Do(func() {
		s.cancel()
		if gw := s.srv.removeGateway(s.token); gw != nil {
			gw.Close()
		} else {
			s.gw.Close()
		}
		s.conn.Close()
		util.Stats.RemoveSession()
		util.LogInfo("tunnel session closed for gateway :%d", s.gw.Port())
	})
}

// closeWith sends a control close frame carrying one of the pinned codes.
func closeWith(conn *websocket.Conn, code int, message string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, message),
		time.Now().Add(closeWriteTimeout))
}
