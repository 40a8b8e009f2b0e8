// Package main runs a theman node with its HTTP API
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	logging "github.com/ipfs/go-log/v2"
	"github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/ZentaChain/theman/pkg/api"
	"github.com/ZentaChain/theman/pkg/audio"
	"github.com/ZentaChain/theman/pkg/naming"
	"github.com/ZentaChain/theman/pkg/network"
	"github.com/ZentaChain/theman/pkg/storage"
	"github.com/ZentaChain/theman/pkg/voice"
)

var log = logging.Logger("theman/cmd")

func main() {
	// Parse command line flags
	dbPath := flag.String("db", "./theman.db", "Account database path")
	account := flag.String("account", "default", "Account name to run as (created if missing)")
	port := flag.Int("port", 9000, "P2P listen port")
	apiPort := flag.Int("api-port", 8080, "HTTP API port")
	bootstrap := flag.String("bootstrap", "", "Comma separated bootstrap multiaddrs")
	autoAccept := flag.Bool("auto-accept", false, "Accept every peer joining a voice channel")
	minPeers := flag.Int("min-peers", 3, "Routing table peers required before registering a name")
	enableMDNS := flag.Bool("mdns", true, "Discover peers on the local network")
	logLevel := flag.String("log-level", "info", "Log level for theman loggers")
	enableCORS := flag.Bool("cors", true, "Enable CORS headers")
	rateLimit := flag.Int("rate-limit", 600, "Rate limit (requests per minute)")

	flag.Parse()

	if err := logging.SetLogLevelRegex("theman/.*", *logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level %q: %v\n", *logLevel, err)
		os.Exit(1)
	}

	fmt.Println("🎙️  theman voice node")
	fmt.Println("====================")
	fmt.Println()

	bootPeers, err := parseBootstrap(*bootstrap)
	if err != nil {
		log.Fatalf("Invalid bootstrap address: %v", err)
	}

	db, err := storage.NewAccountDB(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open account database: %v", err)
	}
	defer db.Close()

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	voice.RegisterMetrics(reg)
	audio.RegisterMetrics(reg)
	naming.RegisterMetrics(reg)
	network.RegisterMetrics(reg)

	cfg := network.DefaultServiceConfig()
	cfg.Node.Port = *port
	cfg.Node.BootstrapPeers = bootPeers
	cfg.Node.EnableMDNS = *enableMDNS
	cfg.Dispatcher.Mesh.AutoAccept = *autoAccept
	cfg.Naming.MinPeers = *minPeers

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	frames := make(chan audio.Frame, 256)
	go drainFrames(ctx, frames)

	svc := network.NewService(ctx, cfg, db, audio.ChannelOutputs(frames))

	acc, err := findOrCreateAccount(svc, *account)
	if err != nil {
		log.Fatalf("Failed to load account: %v", err)
	}

	fmt.Printf("📡 Starting node for %q on port %d...\n", acc.Name, *port)
	if err := svc.SetAccount(acc.ID); err != nil {
		log.Fatalf("Failed to start node: %v", err)
	}

	if st, err := svc.Status(ctx); err == nil {
		fmt.Println()
		fmt.Println("Node Information:")
		fmt.Printf("  ID: %s\n", st.Self)
		fmt.Printf("  Addresses:\n")
		for _, addr := range st.ListenAddrs {
			fmt.Printf("    %s\n", addr)
		}
		fmt.Printf("  Auto-accept: %v\n", st.AutoAccept)
		fmt.Println()
	}

	apiServer := api.NewServer(svc, reg, &api.Config{
		Port:         *apiPort,
		EnableCORS:   *enableCORS,
		RateLimit:    *rateLimit,
		ReadTimeout:  api.DefaultConfig().ReadTimeout,
		WriteTimeout: api.DefaultConfig().WriteTimeout,
	})

	go func() {
		if err := apiServer.Start(ctx); err != nil {
			log.Errorf("API server error: %v", err)
		}
	}()

	fmt.Println("✅ Node is ready!")
	fmt.Println()
	fmt.Println("API Endpoints:")
	fmt.Printf("  GET    http://localhost:%d/api/v1/node/status\n", *apiPort)
	fmt.Printf("  POST   http://localhost:%d/api/v1/voice/channels/:channel/join\n", *apiPort)
	fmt.Printf("  POST   http://localhost:%d/api/v1/voice/channels/:channel/accept\n", *apiPort)
	fmt.Printf("  POST   http://localhost:%d/api/v1/voice/audio\n", *apiPort)
	fmt.Printf("  GET    http://localhost:%d/api/v1/voice/events\n", *apiPort)
	fmt.Printf("  POST   http://localhost:%d/api/v1/names/register\n", *apiPort)
	fmt.Printf("  POST   http://localhost:%d/api/v1/names/search\n", *apiPort)
	fmt.Printf("  POST   http://localhost:%d/api/v1/peers/search\n", *apiPort)
	fmt.Printf("  POST   http://localhost:%d/api/v1/chat/topics/:topic/messages\n", *apiPort)
	fmt.Printf("  GET    http://localhost:%d/api/v1/accounts\n", *apiPort)
	fmt.Printf("  PUT    http://localhost:%d/api/v1/accounts/:id\n", *apiPort)
	fmt.Printf("  GET    http://localhost:%d/health\n", *apiPort)
	fmt.Printf("  GET    http://localhost:%d/metrics\n", *apiPort)
	fmt.Println()

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	<-sigCh

	fmt.Println("\n🛑 Shutting down...")

	if err := svc.Save(context.Background()); err != nil {
		log.Warnf("⚠️ Could not save boot nodes: %v", err)
	}

	cancel()

	if err := svc.Close(); err != nil {
		fmt.Printf("Error closing node: %v\n", err)
	}

	fmt.Println("👋 Goodbye!")
}

func parseBootstrap(list string) ([]multiaddr.Multiaddr, error) {
	var out []multiaddr.Multiaddr
	for _, s := range strings.Split(list, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		addr, err := multiaddr.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", s, err)
		}
		out = append(out, addr)
	}
	return out, nil
}

func findOrCreateAccount(svc *network.Service, name string) (*storage.Account, error) {
	accounts, err := svc.Accounts()
	if err != nil {
		return nil, err
	}
	for _, acc := range accounts {
		if acc.Name == name {
			return acc, nil
		}
	}
	log.Infof("🔑 Creating account %q", name)
	return svc.CreateAccount(name, true)
}

// drainFrames consumes decoded audio; the headless node has no playback device
func drainFrames(ctx context.Context, frames <-chan audio.Frame) {
	var n uint64
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-frames:
			n++
			if n%500 == 0 {
				log.Debugf("🔊 %d frames decoded (last from %s, %d samples)", n, f.ID, len(f.Samples))
			}
		}
	}
}
