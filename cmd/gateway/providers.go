package main

import (
	"context"
	"net/http"

	"github.com/septivank/energy-metering-gateway/internal/aggregate"
	"github.com/septivank/energy-metering-gateway/internal/broker"
	"github.com/septivank/energy-metering-gateway/internal/config"
	"github.com/septivank/energy-metering-gateway/internal/db"
	"github.com/septivank/energy-metering-gateway/internal/enedis"
	"github.com/septivank/energy-metering-gateway/internal/metrics"
	"github.com/septivank/energy-metering-gateway/internal/mq"
	"github.com/septivank/energy-metering-gateway/internal/offpeak"
	"github.com/septivank/energy-metering-gateway/internal/repository"
	"github.com/septivank/energy-metering-gateway/internal/server"
	"github.com/septivank/energy-metering-gateway/internal/service"
	"github.com/septivank/energy-metering-gateway/internal/validator"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// startRecomputeConsumer consumes load curve synced events into weekly
// average recomputes. Nothing is consumed when RabbitMQ is disabled.
func startRecomputeConsumer(
	lc fx.Lifecycle,
	conn *mq.Connection,
	cfg *config.Config,
	logger *zap.Logger,
	recompute *service.RecomputeService,
) error {
	if conn == nil {
		logger.Info("RABBITMQ_URL not set, weekly average recompute consumer disabled")
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())

	consumer, err := mq.NewConsumer(mq.ConsumerConfig{
		Connection:    conn,
		Queue:         cfg.RabbitMQ.RecomputeQueue,
		DLQQueue:      cfg.RabbitMQ.DLQQueue,
		Exchange:      cfg.RabbitMQ.EventsExchange,
		RoutingKey:    cfg.RabbitMQ.SyncedRoutingKey,
		PrefetchCount: cfg.RabbitMQ.PrefetchCount,
		Logger:        logger,
		Handler:       recompute.ProcessMessage,
	})
	if err != nil {
		cancel()
		return err
	}

	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			logger.Info("starting recompute consumer",
				zap.String("queue", cfg.RabbitMQ.RecomputeQueue),
				zap.Int("prefetch", cfg.RabbitMQ.PrefetchCount))
			return consumer.Start(ctx)
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			if err := consumer.Close(); err != nil {
				logger.Error("failed to close consumer", zap.Error(err))
				return err
			}
			logger.Info("recompute consumer stopped gracefully")
			return nil
		},
	})
	return nil
}

// ProvideHTTPClient creates the client shared by partner calls. Timeouts
// are applied per attempt by the partner transport.
func ProvideHTTPClient() *http.Client {
	return &http.Client{}
}

// ProvideMetrics creates the Prometheus collectors
func ProvideMetrics() *metrics.Metrics {
	return metrics.New()
}

// ProvideDBPool creates a new database pool instance
func ProvideDBPool(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*db.Pool, error) {
	return db.NewPool(lc, logger, cfg.Database.URL, cfg.Database.AutoMigrate)
}

// ProvideRepository creates a new repository instance
func ProvideRepository(pool *db.Pool) *repository.Repository {
	return repository.NewRepository(pool)
}

// ProvideValidator creates a new validator instance
func ProvideValidator(cfg *config.Config) *validator.Validator {
	return validator.NewValidator(cfg.Validation.MaxRangeDays)
}

// ProvideMQConnection connects to RabbitMQ. It returns nil when events are
// disabled.
func ProvideMQConnection(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*mq.Connection, error) {
	if !cfg.RabbitMQ.Enabled() {
		return nil, nil
	}
	return mq.NewConnection(lc, logger, cfg.RabbitMQ.URL, cfg.ServiceName)
}

// ProvideSyncNotifier publishes synced events, or drops them when RabbitMQ
// is disabled
func ProvideSyncNotifier(lc fx.Lifecycle, conn *mq.Connection, cfg *config.Config, logger *zap.Logger) (enedis.SyncNotifier, error) {
	if conn == nil {
		return mq.NopPublisher{}, nil
	}

	publisher, err := mq.NewPublisher(conn, cfg.RabbitMQ.EventsExchange, cfg.RabbitMQ.SyncedRoutingKey, logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return publisher.Close()
		},
	})
	return publisher, nil
}

// ProvideOffpeakResolver creates the off-peak window resolver
func ProvideOffpeakResolver(repo *repository.Repository, logger *zap.Logger) *offpeak.Resolver {
	return offpeak.NewResolver(repo, logger)
}

// ProvideTokenSupplier creates the grid operator token supplier
func ProvideTokenSupplier(
	cfg *config.Config,
	repo *repository.Repository,
	httpClient *http.Client,
	m *metrics.Metrics,
	logger *zap.Logger,
) (*enedis.TokenSupplier, error) {
	return enedis.NewTokenSupplier(cfg.Enedis, repo, httpClient, nil, m, logger)
}

// ProvideFetcher creates the segmented fetcher
func ProvideFetcher(
	cfg *config.Config,
	tokens *enedis.TokenSupplier,
	repo *repository.Repository,
	resolver *offpeak.Resolver,
	notifier enedis.SyncNotifier,
	httpClient *http.Client,
	m *metrics.Metrics,
	logger *zap.Logger,
) *enedis.Fetcher {
	return enedis.NewFetcher(cfg.Enedis, tokens, repo, resolver, notifier, httpClient, nil, m, logger)
}

// ProvideBrokerClient creates the consent broker client
func ProvideBrokerClient(
	cfg *config.Config,
	repo *repository.Repository,
	resolver *offpeak.Resolver,
	notifier enedis.SyncNotifier,
	httpClient *http.Client,
	m *metrics.Metrics,
	logger *zap.Logger,
) *broker.Client {
	if cfg.Broker.BaseURL == "" {
		logger.Warn("BROKER_BASE_URL not set, broker actions will fail")
	}
	return broker.NewClient(cfg.Broker, repo, resolver, notifier, httpClient, nil, m, logger)
}

// ProvideAggregator creates the weekly average aggregator
func ProvideAggregator(repo *repository.Repository, logger *zap.Logger) *aggregate.Aggregator {
	return aggregate.NewAggregator(repo, logger)
}

// ProvideRecomputeService creates the synced event handler
func ProvideRecomputeService(aggregator *aggregate.Aggregator, m *metrics.Metrics, logger *zap.Logger) *service.RecomputeService {
	return service.NewRecomputeService(aggregator, m, logger)
}

// ProvideServer creates the HTTP entrypoints
func ProvideServer(
	cfg *config.Config,
	fetcher *enedis.Fetcher,
	tokens *enedis.TokenSupplier,
	brokerClient *broker.Client,
	aggregator *aggregate.Aggregator,
	repo *repository.Repository,
	v *validator.Validator,
	m *metrics.Metrics,
	logger *zap.Logger,
) *server.Server {
	return server.NewServer(cfg.HTTP, server.Deps{
		Fetcher:    fetcher,
		Tokens:     tokens,
		Broker:     brokerClient,
		Aggregator: aggregator,
		Store:      repo,
		Validator:  v,
		Metrics:    m,
		Logger:     logger,
	})
}
