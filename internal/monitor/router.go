// Tracearr - Media Server Session Monitoring and Policy Enforcement
// Copyright 2026 Durzo
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/durzo/tracearr

package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	"github.com/durzo/tracearr/internal/config"
)

// Router wraps the watermill router with the middleware stack the pipeline
// relies on: panic recovery, bounded retry for transient handler failures,
// and poison-queue routing for messages that keep failing.
type Router struct {
	router *message.Router
}

// NewRouter builds the router from the messaging configuration.
func NewRouter(cfg config.NATSConfig, poisonPublisher message.Publisher, logger watermill.LoggerAdapter) (*Router, error) {
	closeTimeout := cfg.CloseTimeout
	if closeTimeout <= 0 {
		closeTimeout = 30 * time.Second
	}

	wmRouter, err := message.NewRouter(message.RouterConfig{CloseTimeout: closeTimeout}, logger)
	if err != nil {
		return nil, fmt.Errorf("create router: %w", err)
	}

	wmRouter.AddMiddleware(middleware.Recoverer)

	retryInterval := cfg.RetryInterval
	if retryInterval <= 0 {
		retryInterval = time.Second
	}
	retry := middleware.Retry{
		MaxRetries:      cfg.RetryCount,
		InitialInterval: retryInterval,
		MaxInterval:     time.Minute,
		Multiplier:      2.0,
		Logger:          logger,
	}
	wmRouter.AddMiddleware(retry.Middleware)

	if poisonPublisher != nil && cfg.PoisonTopic != "" {
		poison, err := middleware.PoisonQueue(poisonPublisher, cfg.PoisonTopic)
		if err != nil {
			return nil, fmt.Errorf("create poison queue: %w", err)
		}
		wmRouter.AddMiddleware(poison)
	}

	return &Router{router: wmRouter}, nil
}

// RegisterDispatcher subscribes the dispatcher's handlers to their subjects.
// sweep runs when a reconcile.needed message arrives.
func (r *Router) RegisterDispatcher(d *Dispatcher, subscriber message.Subscriber, sweep func(ctx context.Context) error) {
	r.router.AddConsumerHandler("playback", SubjectPlaybackAll, subscriber, d.HandlePlayback)
	r.router.AddConsumerHandler("fallback-activated", SubjectFallbackActivated, subscriber, d.HandleFallbackActivated)
	r.router.AddConsumerHandler("fallback-deactivated", SubjectFallbackDeactivated, subscriber, d.HandleFallbackDeactivated)
	r.router.AddConsumerHandler("reconcile", SubjectReconcileNeeded, subscriber, d.HandleReconcileNeeded(sweep))
}

// Run starts the router and blocks until the context is cancelled.
func (r *Router) Run(ctx context.Context) error {
	return r.router.Run(ctx)
}

// Running returns a channel that closes once all handlers are consuming.
func (r *Router) Running() <-chan struct{} {
	return r.router.Running()
}

// Close stops the router, waiting for in-flight handlers up to the close
// timeout.
func (r *Router) Close() error {
	return r.router.Close()
}

// Serve satisfies suture.Service.
func (r *Router) Serve(ctx context.Context) error {
	return r.Run(ctx)
}

func (r *Router) String() string { return "event-router" }
