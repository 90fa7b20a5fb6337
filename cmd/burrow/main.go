// Burrow — tunnel client.
//
// It dials a tunnel server's /tun endpoint with an entrance token and
// bridges the multiplexed socket to a local process: RPC envelopes are
// POSTed to a loopback HTTP endpoint, data channels become loopback
// WebSockets. The process exits when the tunnel closes or on Ctrl+C.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/pterm/pterm"

	"github.com/burrownet/burrow/internal/client"
	"github.com/burrownet/burrow/internal/config"
	"github.com/burrownet/burrow/internal/util"
)

var version = "dev"

func main() {
	// Root context — cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// CLI flags.
	configPath := flag.String("config", "", "Path to ini config file")
	tunnelFlag := flag.String("tunnel", "", "Tunnel URI (ws://host:port/tun?token=…)")
	rpcFlag := flag.String("rpc", "", "Loopback RPC endpoint (http://127.0.0.1:port/…)")
	targetFlag := flag.String("target", "", "Loopback data-channel endpoint (host:port)")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Burrow — v%s", version))
	pterm.Println()

	cfg := config.NewClient()
	if *configPath != "" {
		if err := cfg.FromFile(*configPath); err != nil {
			util.LogError("%v", err)
			os.Exit(1)
		}
	}
	if *tunnelFlag != "" {
		uri, err := normalizeTunnelURI(*tunnelFlag)
		if err != nil {
			util.LogError("%v", err)
			os.Exit(1)
		}
		cfg.TunnelURI = uri
	}
	if *rpcFlag != "" {
		cfg.TargetRPCURI = *rpcFlag
	}
	if *targetFlag != "" {
		host, port, err := splitTarget(*targetFlag)
		if err != nil {
			util.LogError("%v", err)
			os.Exit(1)
		}
		cfg.TargetHost = host
		cfg.TargetPort = port
	}
	if cfg.TunnelURI == "" {
		util.LogError("missing -tunnel (or [client] tunnel_uri in the config file)")
		os.Exit(1)
	}
	if cfg.TargetRPCURI == "" {
		util.LogError("missing -rpc (or [client] target_rpc_uri in the config file)")
		os.Exit(1)
	}

	c := client.New(cfg)

	done := make(chan struct{})
	c.OnClose(func() { close(done) })
	c.OnError(func(err error) { util.LogWarning("%v", err) })

	if err := c.Open(ctx); err != nil {
		util.LogError("failed to open tunnel: %v", err)
		os.Exit(1)
	}

	util.StartStatsReporter(ctx)
	util.LogSuccess("tunnel established — bridging to %s and %s:%d",
		cfg.TargetRPCURI, cfg.TargetHost, cfg.TargetPort)

	select {
	case <-ctx.Done():
		c.Close()
		<-done
	case <-done:
	}
	util.LogInfo("successfully closed tunnel connection")
}

// normalizeTunnelURI validates a raw tunnel URI and pins the /tun path.
func normalizeTunnelURI(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid tunnel URI: %s", raw)
	}
	scheme := "ws"
	if u.Scheme == "ws" || u.Scheme == "wss" {
		scheme = u.Scheme
	}
	uri := fmt.Sprintf("%s://%s/tun", scheme, u.Host)
	if u.RawQuery != "" {
		uri += "?" + u.RawQuery
	}
	return uri, nil
}

// splitTarget parses a host:port pair for the loopback data-channel side.
func splitTarget(raw string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(raw))
	if err != nil {
		return "", 0, fmt.Errorf("invalid -target %q: expected host:port", raw)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("invalid -target port: must be 1 ~ 65535")
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return host, port, nil
}
