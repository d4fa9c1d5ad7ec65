// syncular is an offline-first data synchronization server.
//
// It reads configuration from a JSON file, connects to PostgreSQL (or
// runs on an in-memory store in dev mode), bootstraps the sync schema,
// and serves the combined push/pull sync endpoint, the realtime
// WebSocket, and the management console API. When a NATS URL is
// configured, commit wakes fan out across instances.
//
// Usage:
//
//	./syncular                      # reads ./syncular.json
//	./syncular -config /etc/syncular.json
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/syncular/syncular/internal/auth"
	"github.com/syncular/syncular/internal/config"
	"github.com/syncular/syncular/internal/database"
	"github.com/syncular/syncular/internal/engine"
	"github.com/syncular/syncular/internal/logging"
	"github.com/syncular/syncular/internal/maintenance"
	"github.com/syncular/syncular/internal/realtime"
	"github.com/syncular/syncular/internal/recorder"
	"github.com/syncular/syncular/internal/scope"
	"github.com/syncular/syncular/internal/server"
	"github.com/syncular/syncular/internal/store"
)

func main() {
	configPath := flag.String("config", "syncular.json", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "syncular: %v\n", err)
		os.Exit(1)
	}

	logging.Init(logging.Config{Level: cfg.LogLevel, JSONOutput: cfg.LogJSON})
	log := logging.WithComponent("main")
	log.Info().Str("instance_id", cfg.InstanceID).Str("addr", cfg.ListenAddr).Msg("syncular starting")

	// Root context cancelled on SIGINT or SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
	}()

	// Storage: PostgreSQL in production, in-memory in dev mode.
	var st store.Store
	if cfg.Dev {
		st = store.NewMemory()
		log.Warn().Msg("dev mode: in-memory store, data will not survive a restart")
	} else {
		db, err := database.Open(ctx, cfg.ConnString())
		if err != nil {
			log.Fatal().Err(err).Msg("database connect failed")
		}
		defer db.Close()
		st = store.NewPostgres(db)
		log.Info().Str("host", cfg.DBConn).Str("db", cfg.DBName).Msg("database connected, schema bootstrapped")
	}

	// Scope handlers: configured tables get their own field lists,
	// everything else derives from the default fields.
	fallbackFields := cfg.DefaultScopeFields
	if len(fallbackFields) == 0 {
		fallbackFields = []string{"user_id"}
	}
	scopes := scope.NewRegistry(scope.NewFieldHandler("", fallbackFields...))
	for _, t := range cfg.Tables {
		scopes.Register(scope.NewFieldHandler(t.Table, t.Fields...))
	}

	registry := realtime.NewRegistry(cfg.Realtime.MaxConnectionsTotal, cfg.Realtime.MaxConnectionsPerClient)

	// Cross-instance commit wakes ride NATS when configured.
	var bus realtime.Broadcaster
	if cfg.NATSUrl != "" {
		nats, err := realtime.NewNATSBroadcaster(cfg.NATSUrl, "")
		if err != nil {
			log.Fatal().Err(err).Msg("nats connect failed")
		}
		defer nats.Close()
		detach, err := registry.AttachBroadcaster(nats, cfg.InstanceID, st)
		if err != nil {
			log.Fatal().Err(err).Msg("broadcast subscribe failed")
		}
		defer detach()
		bus = nats
		log.Info().Str("url", cfg.NATSUrl).Msg("cross-instance broadcast attached")
	}

	eng := engine.New(st, scopes, registry, bus, cfg.InstanceID, engine.Limits{
		MaxOperationsPerPush: cfg.Sync.MaxOperationsPerPush,
		MaxSubscriptions:     cfg.Sync.MaxSubscriptions,
		MaxLimitCommits:      cfg.Sync.MaxLimitCommits,
		DefaultLimitCommits:  cfg.Sync.DefaultLimitCommits,
		MaxSnapshotRows:      cfg.Sync.MaxSnapshotRows,
		DefaultSnapshotRows:  cfg.Sync.DefaultSnapshotRows,
		MaxSnapshotPages:     cfg.Sync.MaxSnapshotPages,
		DefaultSnapshotPages: cfg.Sync.DefaultSnapshotPages,
		ChunkTTL:             time.Duration(cfg.Sync.ChunkTTLMinutes) * time.Minute,
	})

	rec := recorder.New(st)
	defer rec.Close()

	maint := maintenance.New(st, maintenance.Config{
		Interval:               time.Duration(cfg.Maintenance.AutoPruneIntervalMs) * time.Millisecond,
		CursorActiveWindow:     time.Duration(cfg.Maintenance.CursorActiveWindowMs) * time.Millisecond,
		FallbackMaxAge:         time.Duration(cfg.Maintenance.PruneFallbackMaxAgeMs) * time.Millisecond,
		KeepNewestCommits:      cfg.Maintenance.KeepNewestCommits,
		FullHistory:            time.Duration(cfg.Maintenance.FullHistoryHours) * time.Hour,
		RequestEventsMaxAge:    time.Duration(cfg.Maintenance.RequestEventsMaxAgeMs) * time.Millisecond,
		RequestEventsMaxRows:   cfg.Maintenance.RequestEventsMaxRows,
		OperationEventsMaxAge:  time.Duration(cfg.Maintenance.OperationEventsMaxAgeMs) * time.Millisecond,
		OperationEventsMaxRows: cfg.Maintenance.OperationEventsMaxRows,
	})

	tokens := auth.NewManager(cfg.JWTSecret, cfg.JWTIssuer)
	authn := auth.NewAuthenticator(cfg.AdminKey, tokens, st)

	// Serve until the context is cancelled.
	srv := server.New(cfg, st, eng, scopes, registry, authn, tokens, rec, maint)
	if err := srv.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}

	registry.CloseAll("server shutting down")
	log.Info().Msg("syncular stopped")
}
