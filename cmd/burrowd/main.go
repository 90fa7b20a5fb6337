// Burrowd — tunnel server daemon.
//
// It binds the /tun upgrade endpoint, leases gateway ports for admitted
// clients, and bridges overlay peers to tunneled clients. Gateways are
// created through the embedding overlay's RPC; this daemon keeps the server
// alive and reports admission events.
//
// Configuration comes from an ini file (-config) overlaid by CLI flags.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/pterm/pterm"

	"github.com/burrownet/burrow/internal/config"
	"github.com/burrownet/burrow/internal/server"
	"github.com/burrownet/burrow/internal/util"
)

var version = "dev"

func main() {
	// Root context — cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// CLI flags.
	configPath := flag.String("config", "", "Path to ini config file")
	port := flag.Int("port", 0, "Tunnel server listen port")
	maxTunnels := flag.Int("maxTunnels", 0, "Concurrent gateway cap")
	portMin := flag.Int("portMin", 0, "Lowest leasable gateway port")
	portMax := flag.Int("portMax", 0, "Highest leasable gateway port")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Burrowd — v%s", version))
	pterm.Println()

	cfg := config.NewServer()
	if *configPath != "" {
		if err := cfg.FromFile(*configPath); err != nil {
			util.LogError("%v", err)
			os.Exit(1)
		}
	}
	if *port > 0 {
		cfg.ServerPort = *port
	}
	if *maxTunnels > 0 {
		cfg.MaxTunnels = *maxTunnels
	}
	if *portMin > 0 {
		cfg.GatewayPorts.Min = *portMin
	}
	if *portMax > 0 {
		cfg.GatewayPorts.Max = *portMax
	}
	if cfg.GatewayPorts.Min > cfg.GatewayPorts.Max {
		util.LogError("invalid gateway port range: %d > %d", cfg.GatewayPorts.Min, cfg.GatewayPorts.Max)
		os.Exit(1)
	}
	cfg.AutoBind = false

	srv, err := server.New(cfg)
	if err != nil {
		util.LogError("failed to start tunnel server: %v", err)
		os.Exit(1)
	}
	srv.OnLocked(func() {
		util.LogWarning("tunnel slots exhausted (%d), refusing new gateways", cfg.MaxTunnels)
	})
	srv.OnUnlocked(func() {
		util.LogInfo("tunnel slot freed, accepting gateways again")
	})
	if err := srv.Open(); err != nil {
		util.LogError("failed to start tunnel server: %v", err)
		os.Exit(1)
	}
	defer srv.Close()

	util.StartStatsReporter(ctx)
	util.LogSuccess("tunnel server ready on :%d (gateway ports %d-%d, cap %d)",
		srv.Port(), cfg.GatewayPorts.Min, cfg.GatewayPorts.Max, cfg.MaxTunnels)

	<-ctx.Done()
	util.LogInfo("shutting down tunnel server")
}
