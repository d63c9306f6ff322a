// Tracearr - Media Server Session Monitoring and Policy Enforcement
// Copyright 2026 Durzo
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/durzo/tracearr

package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natssrv "github.com/nats-io/nats-server/v2/server"
	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/durzo/tracearr/internal/config"
	"github.com/durzo/tracearr/internal/logging"
	"github.com/durzo/tracearr/internal/monitor"
)

// natsBus bundles the bus pieces with their teardown order.
type natsBus struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	conn       *natsgo.Conn
	embedded   *natssrv.Server
}

// setupNATS starts the optional embedded server, provisions the JetStream
// stream the pipeline consumes, and builds the watermill publisher and
// subscriber against it.
func setupNATS(ctx context.Context, cfg config.NATSConfig, logger watermill.LoggerAdapter) (*natsBus, error) {
	bus := &natsBus{}

	url := cfg.URL
	if cfg.Embedded {
		ns, err := startEmbeddedServer(cfg)
		if err != nil {
			return nil, err
		}
		bus.embedded = ns
		url = ns.ClientURL()
		logging.Info().Str("url", url).Msg("embedded NATS server ready")
	}

	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	nc, err := natsgo.Connect(url, natsgo.Timeout(connectTimeout), natsgo.RetryOnFailedConnect(true))
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	bus.conn = nc

	if err := ensureStream(ctx, nc, cfg); err != nil {
		bus.Close()
		return nil, err
	}

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(2 * time.Second),
		natsgo.DisconnectErrHandler(func(nc *natsgo.Conn, err error) {
			if err != nil {
				logging.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logging.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	}

	publisher, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         url,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			Disabled:      false,
			AutoProvision: false,
			TrackMsgId:    true,
			PublishOptions: []natsgo.PubOpt{
				natsgo.RetryAttempts(3),
				natsgo.RetryWait(100 * time.Millisecond),
			},
		},
	}, logger)
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("create publisher: %w", err)
	}
	bus.publisher = publisher

	subscriber, err := wmNats.NewSubscriber(wmNats.SubscriberConfig{
		URL:              url,
		QueueGroupPrefix: cfg.QueueGroup,
		SubscribersCount: 1,
		AckWaitTimeout:   30 * time.Second,
		CloseTimeout:     cfg.CloseTimeout,
		NatsOptions:      natsOpts,
		Unmarshaler:      &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			Disabled: false,
			// The stream covers wildcard subjects, so it is provisioned
			// up front and the consumer binds to it.
			AutoProvision: false,
			AckAsync:      false,
			SubscribeOptions: []natsgo.SubOpt{
				natsgo.MaxDeliver(5),
				natsgo.MaxAckPending(256),
				natsgo.AckWait(30 * time.Second),
				natsgo.DeliverNew(),
				natsgo.BindStream(cfg.StreamName),
			},
			DurablePrefix: cfg.DurableName,
		},
	}, logger)
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("create subscriber: %w", err)
	}
	bus.subscriber = subscriber

	return bus, nil
}

func startEmbeddedServer(cfg config.NATSConfig) (*natssrv.Server, error) {
	opts := &natssrv.Options{
		ServerName: "tracearr",
		JetStream:  true,
		StoreDir:   cfg.StoreDir,
		MaxPayload: 1024 * 1024,
	}

	ns, err := natssrv.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded nats server: %w", err)
	}
	ns.ConfigureLogger()

	go ns.Start()
	if !ns.ReadyForConnections(30 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded nats server not ready within timeout")
	}
	return ns, nil
}

// ensureStream creates or updates the stream carrying every pipeline
// subject. Idempotent across restarts and cooperating instances.
func ensureStream(ctx context.Context, nc *natsgo.Conn, cfg config.NATSConfig) error {
	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("jetstream context: %w", err)
	}

	streamCfg := jetstream.StreamConfig{
		Name: cfg.StreamName,
		Subjects: []string{
			monitor.SubjectPlaybackAll,
			monitor.SubjectFallbackAll,
			monitor.SubjectReconcileNeeded,
			cfg.PoisonTopic,
		},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      24 * time.Hour,
		Duplicates:  2 * time.Minute,
		Storage:     jetstream.FileStorage,
		Discard:     jetstream.DiscardOld,
		AllowDirect: true,
	}

	if _, err := js.Stream(ctx, cfg.StreamName); err == nil {
		if _, err := js.UpdateStream(ctx, streamCfg); err != nil {
			return fmt.Errorf("update stream %s: %w", cfg.StreamName, err)
		}
		return nil
	} else if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("check stream %s: %w", cfg.StreamName, err)
	}

	if _, err := js.CreateStream(ctx, streamCfg); err != nil {
		return fmt.Errorf("create stream %s: %w", cfg.StreamName, err)
	}
	return nil
}

// Close tears the bus down in reverse construction order.
func (b *natsBus) Close() {
	if b.subscriber != nil {
		if err := b.subscriber.Close(); err != nil {
			logging.Warn().Err(err).Msg("subscriber close failed")
		}
	}
	if b.publisher != nil {
		if err := b.publisher.Close(); err != nil {
			logging.Warn().Err(err).Msg("publisher close failed")
		}
	}
	if b.conn != nil {
		b.conn.Close()
	}
	if b.embedded != nil {
		b.embedded.Shutdown()
		b.embedded.WaitForShutdown()
	}
}
