// Package server implements the tunnel server: it admits authorized
// tunneled clients, owns a bounded set of gateways, and forwards frames
// between overlay peers and the tunneled client.
//
// The server is the single owner of the gateways map, the authorized token
// set, and the leased-port table. These are mutated only by server-level
// operations (create, handshake, cleanup); nothing outside this package
// touches them.
package server

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/burrownet/burrow/internal/allocator"
	"github.com/burrownet/burrow/internal/config"
	"github.com/burrownet/burrow/internal/gateway"
	"github.com/burrownet/burrow/internal/util"
)

// ErrTunnelsExhausted is returned by CreateGateway when the concurrent
// gateway cap has been reached.
var ErrTunnelsExhausted = errors.New("server: tunnels exhausted")

// GatewayInfo is what CreateGateway hands back to the would-be tunneled
// client, out of band: the gateway's public endpoint and the one-shot
// entrance token redeemed at socket upgrade.
type GatewayInfo struct {
	Token string
	Port  int
}

// Server accepts authorized tunneled clients at /tun and routes frames
// between their gateways and their tunnel sockets.
type Server struct {
	cfg    config.Server
	tokens *allocator.TokenSet
	ports  *allocator.PortAllocator

	mu       sync.Mutex
	gateways map[string]*gateway.Gateway // token → gateway
	locked   bool

	listener net.Listener
	httpSrv  *http.Server
	openOnce sync.Once

	onReady    func()
	onLocked   func()
	onUnlocked func()
}

// New creates a tunnel server. With cfg.AutoBind set it also binds the
// managed listener; otherwise Open must be called explicitly (or the
// embedder mounts Handler on its own transport).
func New(cfg config.Server) (*Server, error) {
	s := &Server{
		cfg:      cfg,
		tokens:   allocator.NewTokenSet(),
		ports:    allocator.NewPortAllocator(cfg.GatewayPorts.Min, cfg.GatewayPorts.Max),
		gateways: make(map[string]*gateway.Gateway),
	}
	if cfg.AutoBind {
		if err := s.Open(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// OnReady registers a callback fired once the managed listener is bound.
func (s *Server) OnReady(fn func()) { s.onReady = fn }

// OnLocked registers a callback fired when the gateway cap is reached.
func (s *Server) OnLocked(fn func()) { s.onLocked = fn }

// OnUnlocked registers a callback fired when a slot frees below the cap.
func (s *Server) OnUnlocked(fn func()) { s.onUnlocked = fn }

// Handler returns the tunnel upgrade handler serving path /tun, for
// embedders that bind the server onto an externally managed transport
// instead of the managed listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/tun", s.handleTunnel)
	return mux
}

// Open binds the managed listener on the configured port. Safe to call
// once; further calls are no-ops.
func (s *Server) Open() error {
	var err error
	s.openOnce.Do(func() {
		var listener net.Listener
		listener, err = net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.ServerPort))
		if err != nil {
			err = fmt.Errorf("failed to bind tunnel server: %w", err)
			return
		}
		s.listener = listener
		s.httpSrv = &http.Server{Handler: s.Handler()}

		go func() {
			_ = s.httpSrv.Serve(listener)
		}()

		util.LogInfo("tunnel server listening on :%d", s.Port())
		if s.onReady != nil {
			s.onReady()
		}
	})
	return err
}

// Port returns the managed listener's bound port, or the configured port
// when no listener is bound.
func (s *Server) Port() int {
	if s.listener != nil {
		return s.listener.Addr().(*net.TCPAddr).Port
	}
	return s.cfg.ServerPort
}

// CreateGateway admits one would-be tunneled client: it leases a port,
// opens a gateway on it, and authorizes the gateway's entrance token.
// Invoked through the overlay's RPC, never over a tunnel socket.
//
// Fails with ErrTunnelsExhausted at the cap, allocator.ErrNoFreePort when
// the range is saturated, and gateway.ErrBindFailed when the listener
// cannot bind.
func (s *Server) CreateGateway() (*GatewayInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.gateways) >= s.cfg.MaxTunnels {
		return nil, ErrTunnelsExhausted
	}

	port, err := s.ports.Lease()
	if err != nil {
		return nil, err
	}

	gw := gateway.New(port)
	token, err := gw.Open()
	if err != nil {
		s.ports.Release(port)
		return nil, err
	}

	s.gateways[token] = gw
	s.tokens.Add(token)
	util.LogInfo("gateway created on :%d (%d/%d tunnels)", gw.Port(), len(s.gateways), s.cfg.MaxTunnels)

	if len(s.gateways) == s.cfg.MaxTunnels && !s.locked {
		s.locked = true
		if s.onLocked != nil {
			s.onLocked()
		}
	}

	return &GatewayInfo{Token: token, Port: gw.Port()}, nil
}

// CloseGateway destroys the gateway registered under token, releasing its
// port and revoking the token if it was never redeemed. Returns false when
// no such gateway exists.
func (s *Server) CloseGateway(token string) bool {
	gw := s.removeGateway(token)
	if gw == nil {
		return false
	}
	gw.Close()
	return true
}

// removeGateway unregisters a gateway and releases its admission
// resources. Returns nil when the token is unknown.
func (s *Server) removeGateway(token string) *gateway.Gateway {
	s.mu.Lock()
	defer s.mu.Unlock()

	gw, ok := s.gateways[token]
	if !ok {
		return nil
	}
	delete(s.gateways, token)
	s.tokens.Revoke(token)
	s.ports.Release(gw.Port())

	if s.locked && len(s.gateways) < s.cfg.MaxTunnels {
		s.locked = false
		if s.onUnlocked != nil {
			s.onUnlocked()
		}
	}
	return gw
}

// GatewayCount returns the number of live gateways.
func (s *Server) GatewayCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.gateways)
}

// UsedPorts returns a snapshot of the leased gateway ports.
func (s *Server) UsedPorts() []int {
	return s.ports.Used()
}

// Close shuts the managed listener and every live gateway down.
func (s *Server) Close() {
	s.mu.Lock()
	gateways := s.gateways
	s.gateways = make(map[string]*gateway.Gateway)
	s.mu.Unlock()

	for token, gw := range gateways {
		s.tokens.Revoke(token)
		s.ports.Release(gw.Port())
		gw.Close()
	}

	if s.httpSrv != nil {
		_ = s.httpSrv.Close()
	}
}
