// Package app builds the payment services from configuration. Both the API
// server and paymentsctl start from here.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/skillshub-cm/mobile-backend/api/routes"
	"github.com/skillshub-cm/mobile-backend/internal/config"
	"github.com/skillshub-cm/mobile-backend/internal/events"
	"github.com/skillshub-cm/mobile-backend/internal/repositories"
	"github.com/skillshub-cm/mobile-backend/internal/repositories/memory"
	mongorepo "github.com/skillshub-cm/mobile-backend/internal/repositories/mongodb"
	"github.com/skillshub-cm/mobile-backend/internal/repositories/postgres"
	"github.com/skillshub-cm/mobile-backend/internal/services"
	"github.com/skillshub-cm/mobile-backend/pkg/idempotency"
	"github.com/skillshub-cm/mobile-backend/pkg/jwt"
	"github.com/skillshub-cm/mobile-backend/pkg/mongodb"
	"github.com/skillshub-cm/mobile-backend/pkg/paymentgateway"
	"go.uber.org/zap"
)

// Stores groups the repositories of one backend
type Stores struct {
	Transactions repositories.TransactionRepository
	Entitlements repositories.EntitlementRepository
	Users        repositories.UserRepository
	Webhooks     repositories.WebhookEventRepository
	// Ping reports whether the backend is reachable
	Ping func(ctx context.Context) error
}

// App holds every long-lived component
type App struct {
	Config *config.Config
	Logger *zap.Logger

	Stores      Stores
	Gateway     paymentgateway.Gateway
	Publisher   events.Publisher
	Tokens      *jwt.TokenService
	Idempotency *idempotency.Store

	Transitions    *services.TransitionService
	Payments       *services.PaymentServiceImpl
	Reconciliation *services.ReconciliationServiceImpl
	Sweep          *services.SweepServiceImpl

	closers []func(context.Context) error
}

// New connects the configured backends and wires the services. Close must
// be called to release them.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	stores, err := a.openStores(ctx)
	if err != nil {
		a.Close(context.Background())
		return nil, err
	}
	a.Stores = *stores

	publisher, err := a.openPublisher()
	if err != nil {
		a.Close(context.Background())
		return nil, err
	}
	a.Publisher = publisher

	a.Gateway = newGateway(cfg.Gateway, logger)
	a.Tokens = jwt.NewTokenService(cfg.JWT.Secret, cfg.JWT.Issuer, time.Duration(cfg.JWT.ExpiresIn)*time.Second)
	a.Idempotency = a.openIdempotency(ctx)

	a.Transitions = services.NewTransitionService(a.Stores.Transactions, a.Stores.Entitlements, a.Publisher, logger)
	a.Payments = services.NewPaymentService(
		a.Stores.Transactions,
		a.Stores.Entitlements,
		a.Stores.Users,
		a.Gateway,
		a.Transitions,
		services.PaymentConfig{
			Currency:               cfg.Payments.Currency,
			RequireRegisteredPayer: cfg.Payments.RequireRegisteredPayer,
			GatewayTimeout:         cfg.Gateway.Timeout,
		},
		logger,
	)
	a.Reconciliation = services.NewReconciliationService(
		a.Stores.Transactions,
		a.Stores.Webhooks,
		a.Gateway,
		a.Transitions,
		services.ReconciliationConfig{
			VerifyUnconfirmed: cfg.Payments.VerifyUnconfirmedWebhooks,
			GatewayTimeout:    cfg.Gateway.Timeout,
		},
		logger,
	)
	a.Sweep = services.NewSweepService(a.Stores.Transactions, a.Gateway, a.Transitions, services.SweepConfig{
		Interval:       cfg.Sweep.Interval,
		StaleAfter:     cfg.Sweep.StaleAfter,
		ExpireAfter:    cfg.Sweep.ExpireAfter,
		BatchSize:      cfg.Sweep.BatchSize,
		GatewayTimeout: cfg.Gateway.Timeout,
	}, logger)

	return a, nil
}

// Router builds the HTTP handler
func (a *App) Router() *gin.Engine {
	deps := routes.Dependencies{
		Payments:       a.Payments,
		Reconciliation: a.Reconciliation,
		Resolver:       a.Tokens,
		Health:         a.Stores.Ping,
		Logger:         a.Logger,
	}
	if a.Idempotency != nil {
		deps.Idempotency = a.Idempotency
	}
	return routes.SetupRouter(a.Config, deps)
}

// StartSweep runs the sweep until ctx is done. Close waits for a pass in
// flight to finish before releasing the stores it uses.
func (a *App) StartSweep(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.Sweep.Run(ctx)
	}()
	a.onClose(func(closeCtx context.Context) error {
		select {
		case <-done:
			return nil
		case <-closeCtx.Done():
			return fmt.Errorf("waiting for sweep: %w", closeCtx.Err())
		}
	})
}

// Close releases every backend in reverse order of opening
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

func (a *App) openStores(ctx context.Context) (*Stores, error) {
	cfg := a.Config

	switch cfg.Store.Driver {
	case "mongodb":
		client, err := mongodb.NewClient(ctx, cfg.MongoDB.URI, cfg.MongoDB.ConnectTimeout)
		if err != nil {
			return nil, err
		}
		a.onClose(client.Disconnect)

		db := client.Database(cfg.MongoDB.Database)
		if err := mongorepo.EnsureIndexes(ctx, db); err != nil {
			return nil, err
		}
		a.Logger.Info("Connected to MongoDB", zap.String("database", cfg.MongoDB.Database))
		return &Stores{
			Transactions: mongorepo.NewTransactionRepository(db),
			Entitlements: mongorepo.NewEntitlementRepository(db),
			Users:        mongorepo.NewUserRepository(db),
			Webhooks:     mongorepo.NewWebhookEventRepository(db),
			Ping:         client.Ping,
		}, nil

	case "postgres":
		pool, err := postgres.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return nil, err
		}
		a.onClose(func(context.Context) error {
			pool.Close()
			return nil
		})

		if cfg.Postgres.Migrate {
			if err := postgres.Migrate(ctx, pool); err != nil {
				return nil, err
			}
		}
		a.Logger.Info("Connected to PostgreSQL")
		return &Stores{
			Transactions: postgres.NewTransactionRepository(pool),
			Entitlements: postgres.NewEntitlementRepository(pool),
			Users:        postgres.NewUserRepository(pool),
			Webhooks:     postgres.NewWebhookEventRepository(pool),
			Ping:         pool.Ping,
		}, nil

	case "memory":
		a.Logger.Warn("Using the in-memory store; nothing survives a restart")
		return &Stores{
			Transactions: memory.NewTransactionRepository(),
			Entitlements: memory.NewEntitlementRepository(),
			Users:        memory.NewUserRepository(),
			Webhooks:     memory.NewWebhookEventRepository(),
		}, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
}

func (a *App) openPublisher() (events.Publisher, error) {
	cfg := a.Config.Events

	var publisher events.Publisher
	switch cfg.Driver {
	case "kafka":
		publisher = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		a.Logger.Info("Publishing state changes to Kafka", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	case "nats":
		p, err := events.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubject)
		if err != nil {
			return nil, err
		}
		publisher = p
		a.Logger.Info("Publishing state changes to NATS", zap.String("subject", cfg.NATSSubject))
	default:
		return events.Noop{}, nil
	}

	a.onClose(func(context.Context) error { return publisher.Close() })
	return publisher, nil
}

// openIdempotency returns nil when no Redis address is configured. An
// unreachable Redis is logged and the store kept: the middleware fails open.
func (a *App) openIdempotency(ctx context.Context) *idempotency.Store {
	cfg := a.Config.Redis
	if cfg.Addr == "" {
		return nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	a.onClose(func(context.Context) error { return rdb.Close() })

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		a.Logger.Warn("Redis unreachable, Idempotency-Key replay disabled until it recovers", zap.String("addr", cfg.Addr), zap.Error(err))
	}
	return idempotency.NewStore(rdb, cfg.IdempotencyTTL)
}

func newGateway(cfg config.GatewayConfig, logger *zap.Logger) paymentgateway.Gateway {
	if cfg.MockAPI {
		status := paymentgateway.MapVendorStatus(cfg.MockStatus)
		logger.Warn("Using the mock payment gateway", zap.String("charge_status", string(status)))
		return paymentgateway.NewMockGateway(status, "")
	}
	return paymentgateway.NewTranzakGateway(paymentgateway.TranzakConfig{
		BaseURL:   cfg.BaseURL,
		AppID:     cfg.AppID,
		AppKey:    cfg.AppKey,
		ReturnURL: cfg.ReturnURL,
		Timeout:   cfg.Timeout,
	})
}
