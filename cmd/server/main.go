// Tracearr - Media Server Session Monitoring and Policy Enforcement
// Copyright 2026 Durzo
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/durzo/tracearr

// Command server runs the Tracearr session-reconciliation service: it
// consumes playback notifications from NATS, reconciles them into durable
// session records, evaluates policy rules, and feeds the live dashboard
// and notification queue.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/durzo/tracearr/internal/api"
	"github.com/durzo/tracearr/internal/config"
	"github.com/durzo/tracearr/internal/database"
	"github.com/durzo/tracearr/internal/geo"
	"github.com/durzo/tracearr/internal/logging"
	"github.com/durzo/tracearr/internal/mediaserver"
	"github.com/durzo/tracearr/internal/monitor"
	"github.com/durzo/tracearr/internal/notify"
	"github.com/durzo/tracearr/internal/rules"
	"github.com/durzo/tracearr/internal/sessionstore"
	"github.com/durzo/tracearr/internal/supervisor"
	"github.com/durzo/tracearr/internal/websocket"
)

func main() {
	if err := run(); err != nil {
		logging.Fatal().Err(err).Msg("server exited with error")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	logging.Info().Msg("tracearr starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.New(cfg.Database)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Warn().Err(err).Msg("database close failed")
		}
	}()

	store, err := sessionstore.New(ctx, cfg.Cache)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logging.Warn().Err(err).Msg("session store close failed")
		}
	}()

	wmLogger := watermill.NewStdLogger(false, false)
	bus, err := setupNATS(ctx, cfg.NATS, wmLogger)
	if err != nil {
		return err
	}
	defer bus.Close()

	queue, err := notify.New(ctx, cfg.Notifications)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			logging.Warn().Err(err).Msg("notification queue close failed")
		}
	}()

	ruleEngine := rules.NewEngine(db, db)
	ruleEngine.SetHistoryLookback(cfg.Monitor.HistoryLookback)
	ruleEngine.Register(rules.NewConcurrentStreamsEvaluator())
	ruleEngine.Register(rules.NewDeviceVelocityEvaluator())

	fetcher := mediaserver.New(cfg.MediaServers, 10*time.Second)
	resolver := geo.New(cfg.Geo)
	hub := websocket.NewHub()

	manager := monitor.NewManager(store, db, ruleEngine, cfg.Monitor, cfg.Cache.LockTTL)
	dispatcher := monitor.NewDispatcher(store, db, manager, fetcher, hub, queue, resolver, bus.publisher, cfg.Monitor)
	defer dispatcher.Close()

	sweeper := monitor.NewSweeper(store, cfg.Monitor.SweepHorizon, cfg.Monitor.SweepInterval)

	// Recover sessions orphaned by a previous crash before consuming
	// new events.
	if err := sweeper.RunOnce(ctx); err != nil {
		logging.Warn().Err(err).Msg("startup orphan sweep failed")
	}

	router, err := monitor.NewRouter(cfg.NATS, bus.publisher, wmLogger)
	if err != nil {
		return err
	}
	router.RegisterDispatcher(dispatcher, bus.subscriber, sweeper.RunOnce)
	defer func() {
		if err := router.Close(); err != nil {
			logging.Warn().Err(err).Msg("event router close failed")
		}
	}()

	httpServer := api.NewServer(cfg.Server, store, db, hub)

	slogger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	tree := supervisor.NewTree(slogger, supervisor.DefaultTreeConfig())
	tree.AddPipelineService(router)
	tree.AddPipelineService(sweeper)
	tree.AddMessagingService(hub)
	tree.AddAPIService(httpServer)

	logging.Info().Msg("tracearr ready")
	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logging.Info().Msg("tracearr stopped")
	return nil
}
