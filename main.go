package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/northwing-bms/bacnet-gateway/bacnetio"
	"github.com/northwing-bms/bacnet-gateway/config"
	"github.com/northwing-bms/bacnet-gateway/coordinator"
	"github.com/northwing-bms/bacnet-gateway/cov"
	"github.com/northwing-bms/bacnet-gateway/eventlog"
	"github.com/northwing-bms/bacnet-gateway/registry"
	"github.com/northwing-bms/bacnet-gateway/store/postgres"
)

var version = "dev"

// Exit codes match the gateway's documented startup failure modes: 0 normal
// exit, 1 config, 2 SSA connect, 3 BACnet bind, 4 event-log initial connect.
const (
	exitOK            = 0
	exitConfigError   = 1
	exitSSAError      = 2
	exitBACnetError   = 3
	exitEventLogError = 4
)

func main() {
	configPath := flag.String("config", env("GATEWAY_CONFIG", "/etc/bacnet-gateway/config.yaml"), "path to gateway config YAML")
	flag.Parse()

	fmt.Printf("bacnet-gateway %s\n", version)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("config: %v", err)
		os.Exit(exitConfigError)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := postgres.Open(ctx, dsn(cfg))
	if err != nil {
		log.Printf("store: %v", err)
		os.Exit(exitSSAError)
	}
	defer db.Close()

	reg := registry.New()

	device := bacnetio.IAm{
		DeviceInstance: cfg.Device.Instance,
		VendorID:       cfg.Device.VendorID,
		MaxAPDU:        1476,
		Segmentation:   "segmentedBoth",
	}

	server, err := bacnetio.NewUDPServer(cfg.Network.UDPPort, nil, nil, nil)
	if err != nil {
		log.Printf("bacnet: bind udp %d: %v", cfg.Network.UDPPort, err)
		os.Exit(exitBACnetError)
	}
	defer server.Close()

	engine := cov.New(cfg.COV.MaxSubscriptions, cfg.Device.Instance, server, coordinator.ObjectExists(reg))
	handlers := bacnetio.NewCoreHandlers(reg, engine, device)
	server.SetHandlers(handlers)

	var subscriptionConfigs []eventlog.SubscriptionConfig
	for _, s := range cfg.Subscriptions {
		sc, err := s.ToEventlogConfig()
		if err != nil {
			log.Printf("config: %v", err)
			os.Exit(exitConfigError)
		}
		subscriptionConfigs = append(subscriptionConfigs, sc)
	}

	newSub := func() eventlog.Subscriber { return eventlog.NewWSClient(cfg.EventLog.URL) }

	coord := coordinator.New(reg, engine, db, newSub, subscriptionConfigs)
	if err := coord.Start(ctx); err != nil {
		log.Printf("coordinator: initial start failed: %v", err)
		os.Exit(exitEventLogError)
	}

	stopTicker := make(chan struct{})
	go engine.RunTicker(stopTicker)

	go func() {
		log.Printf("bacnet: listening on udp :%d", cfg.Network.UDPPort)
		if err := server.Serve(ctx); err != nil && ctx.Err() == nil {
			log.Printf("bacnet: serve error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("shutting down…")
	close(stopTicker)
	cancel()

	if err := coord.Stop(); err != nil {
		log.Printf("coordinator shutdown: %v", err)
	}
}

func dsn(cfg *config.Config) string {
	if v := os.Getenv("GATEWAY_STORE_DSN"); v != "" {
		return v
	}
	return cfg.Store.DSN
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
