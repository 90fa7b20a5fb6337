// Package config holds the tunnel configuration types and ini-file loading.
package config

import (
	"errors"
	"fmt"

	"github.com/go-ini/ini"
)

// Defaults.
const (
	DefaultServerPort  = 4001
	DefaultMaxTunnels  = 3
	DefaultPortMin     = 4002
	DefaultPortMax     = 4003
	DefaultMaxChannels = 1024
)

var (
	errMissingTunnelURI = errors.New("missing config file entry: [client] tunnel_uri")
	errMissingTargetRPC = errors.New("missing config file entry: [client] target_rpc_uri")
	errInvalidPortRange = errors.New("invalid [server] gateway port range: min > max")
)

// PortRange is the inclusive range gateway listener ports are leased from.
// A Min of 0 means ephemeral ports.
type PortRange struct {
	Min int
	Max int
}

// Server configures a tunnel server.
type Server struct {
	ServerPort   int       // listen port when no external handler mount is used
	MaxTunnels   int       // hard cap on concurrent gateways
	GatewayPorts PortRange // port leasing range
	AutoBind     bool      // bind the listener on New, without an explicit Open
}

// NewServer returns a server config with the documented defaults.
func NewServer() Server {
	return Server{
		ServerPort:   DefaultServerPort,
		MaxTunnels:   DefaultMaxTunnels,
		GatewayPorts: PortRange{Min: DefaultPortMin, Max: DefaultPortMax},
		AutoBind:     true,
	}
}

// FromFile overlays values from the [server] section of an ini file.
func (c *Server) FromFile(path string) error {
	cfg, err := ini.Load(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %v", err)
	}

	sec := cfg.Section("server")
	c.ServerPort = sec.Key("port").MustInt(DefaultServerPort)
	c.MaxTunnels = sec.Key("max_tunnels").MustInt(DefaultMaxTunnels)
	c.GatewayPorts.Min = sec.Key("gateway_port_min").MustInt(DefaultPortMin)
	c.GatewayPorts.Max = sec.Key("gateway_port_max").MustInt(DefaultPortMax)
	c.AutoBind = sec.Key("auto_bind").MustBool(true)

	if c.GatewayPorts.Min > c.GatewayPorts.Max {
		return errInvalidPortRange
	}
	return nil
}

// Client configures a tunnel client.
type Client struct {
	TunnelURI    string // ws://host:port/tun?token=…
	TargetRPCURI string // HTTP endpoint accepting POSTed RPC envelope bytes
	TargetHost   string // loopback data-channel host
	TargetPort   int    // loopback data-channel port
	MaxChannels  int    // cap on live quids per tunnel
}

// NewClient returns a client config with the documented defaults.
func NewClient() Client {
	return Client{
		TargetHost:  "127.0.0.1",
		MaxChannels: DefaultMaxChannels,
	}
}

// FromFile overlays values from the [client] section of an ini file.
func (c *Client) FromFile(path string) error {
	cfg, err := ini.Load(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %v", err)
	}

	sec := cfg.Section("client")
	c.TunnelURI = sec.Key("tunnel_uri").String()
	c.TargetRPCURI = sec.Key("target_rpc_uri").String()
	c.TargetHost = sec.Key("target_host").MustString("127.0.0.1")
	c.TargetPort = sec.Key("target_port").MustInt(0)
	c.MaxChannels = sec.Key("max_channels").MustInt(DefaultMaxChannels)

	if c.TunnelURI == "" {
		return errMissingTunnelURI
	}
	if c.TargetRPCURI == "" {
		return errMissingTargetRPC
	}
	return nil
}
