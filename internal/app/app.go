// Package app wires the engines to the backends named in config. Both the
// API server and the worker build from here.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/example/carpool/internal/config"
	"github.com/example/carpool/internal/dispatch"
	"github.com/example/carpool/internal/expiry"
	"github.com/example/carpool/internal/ingest"
	"github.com/example/carpool/internal/ledger"
	"github.com/example/carpool/internal/lifecycle"
	"github.com/example/carpool/internal/logging"
	"github.com/example/carpool/internal/matcher"
	"github.com/example/carpool/internal/storage"
	"github.com/example/carpool/internal/users"
)

// Role selects which process the wiring is for.
type Role int

const (
	// RoleAPI holds websocket sessions, so it delivers to them directly.
	RoleAPI Role = iota
	// RoleWorker has no websocket clients; its notifications reach users
	// through AMQP or the webhook, and through the persisted inbox.
	RoleWorker
)

type App struct {
	Store storage.Store
	// WSReg is nil for RoleWorker.
	WSReg      *dispatch.WSRegistry
	Dispatcher *dispatch.Dispatcher
	Lifecycle  *lifecycle.Service
	Matcher    *matcher.Service
	Expiry     *expiry.Engine
	Cleanup    *expiry.Cleanup
	// Producer is nil when no Kafka brokers are configured.
	Producer *ingest.KafkaProducer

	pinger  func(ctx context.Context) error
	closers []func() error
}

// Build connects to the configured backends, falling back to in-memory
// storage and ledger when none are given.
func Build(ctx context.Context, role Role, b config.Backends, e config.Engine, logger *slog.Logger) (*App, error) {
	logger = logging.OrDefault(logger)
	a := &App{}

	var base storage.Store
	if b.PGDSN != "" {
		pg, err := storage.NewPostgresStore(b.PGDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		a.closers = append(a.closers, pg.Close)
		a.pinger = pg.Ping
		if b.RunMigrations {
			if err := pg.Migrate(ctx); err != nil {
				a.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
			logger.Info("schema migrated")
		}
		base = pg
	} else {
		logger.Warn("PG_DSN not set, using in-memory store")
		base = storage.NewMemoryStore()
	}
	a.Store = storage.NewRetrying(base, e.RetryPolicy())

	var deliveries dispatch.Multi
	if role == RoleAPI {
		a.WSReg = dispatch.NewWSRegistry()
		deliveries = append(deliveries, a.WSReg)
	}
	if b.AMQPURL != "" {
		pub, err := dispatch.DialAMQP(b.AMQPURL, b.AMQPExchange)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect amqp: %w", err)
		}
		a.closers = append(a.closers, pub.Close)
		deliveries = append(deliveries, pub)
	}
	if b.WebhookURL != "" {
		deliveries = append(deliveries, dispatch.NewWebhookSender(b.WebhookURL, b.WebhookKey))
	}
	names := &users.Resolver{Profiles: a.Store, Cache: users.NewCache(e.NameCacheTTL), Logger: logger}
	var delivery dispatch.Delivery
	if len(deliveries) > 0 {
		delivery = deliveries
	}
	a.Dispatcher = dispatch.New(a.Store, names, delivery, e.DispatchQueueSize, logger)

	a.Lifecycle = lifecycle.New(a.Store, a.Dispatcher, logger)
	a.Matcher = &matcher.Service{
		Store:              a.Store,
		Notifier:           a.Dispatcher,
		DefaultRadiusMiles: e.DefaultRadiusMiles,
		Logger:             logger,
	}
	if e.MatchDedup {
		if b.RedisAddr != "" {
			r := ledger.NewRedisFromAddr(b.RedisAddr, b.RedisPassword, e.MatchDedupTTL)
			a.closers = append(a.closers, r.Close)
			a.Matcher.Ledger = r
		} else {
			a.Matcher.Ledger = ledger.NewMemory(e.MatchDedupTTL)
		}
	}
	a.Expiry = &expiry.Engine{
		Confirmations: a.Store,
		Offerings:     a.Store,
		Notifications: a.Store,
		Notifier:      a.Dispatcher,
		Window:        e.ExpiryWindow,
		Logger:        logger,
	}
	a.Cleanup = &expiry.Cleanup{Requests: a.Store, Preferences: a.Store, Logger: logger}

	if len(b.KafkaBrokers) > 0 {
		a.Producer = ingest.NewKafkaProducer(b.KafkaBrokers, b.KafkaTopic)
		a.closers = append(a.closers, a.Producer.Close)
	}
	return a, nil
}

// Ready pings the database when there is one.
func (a *App) Ready(ctx context.Context) error {
	if a.pinger == nil {
		return nil
	}
	return a.pinger(ctx)
}

// Close releases backends in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
