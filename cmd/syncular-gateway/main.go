// syncular-gateway is the federation console for a fleet of syncular
// instances.
//
// It fans console reads out to every configured instance, merges the
// results with instance tags and federated ids, and proxies writes to
// the single instance they target. The gateway holds no state of its
// own; it only needs the instance list and optional per-instance
// tokens.
//
// Usage:
//
//	./syncular-gateway                      # reads ./syncular-gateway.json
//	./syncular-gateway -config /etc/gateway.json
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/syncular/syncular/internal/config"
	"github.com/syncular/syncular/internal/gateway"
	"github.com/syncular/syncular/internal/logging"
)

func main() {
	configPath := flag.String("config", "syncular-gateway.json", "path to the configuration file")
	flag.Parse()

	cfg, err := config.LoadGateway(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "syncular-gateway: %v\n", err)
		os.Exit(1)
	}

	logging.Init(logging.Config{Level: cfg.LogLevel, JSONOutput: cfg.LogJSON})
	log := logging.WithComponent("main")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
	}()

	gw := gateway.New(cfg)
	if err := gw.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("gateway error")
	}

	log.Info().Msg("syncular-gateway stopped")
}
