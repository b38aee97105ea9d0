package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/septivank/energy-metering-gateway/internal/aggregate"
	"github.com/septivank/energy-metering-gateway/internal/broker"
	"github.com/septivank/energy-metering-gateway/internal/config"
	"github.com/septivank/energy-metering-gateway/internal/db"
	"github.com/septivank/energy-metering-gateway/internal/enedis"
	"github.com/septivank/energy-metering-gateway/internal/metrics"
	"github.com/septivank/energy-metering-gateway/internal/validator"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// SeriesFetcher retrieves grid operator series and customer documents
type SeriesFetcher interface {
	FetchSeries(ctx context.Context, meterID string, kind enedis.Kind, start, end string, opts enedis.Options) (*enedis.Series, error)
	FetchCustomerSnapshot(ctx context.Context, meterID string, kind db.SnapshotKind) (*db.CustomerSnapshot, error)
}

// TokenRefresher forces a credential rotation
type TokenRefresher interface {
	Refresh(ctx context.Context) (*db.Credential, error)
}

// OrderBroker drives the consent broker workflow
type OrderBroker interface {
	CreateAndAwait(ctx context.Context, p broker.Params) (*broker.Result, error)
	GetOrder(ctx context.Context, orderID string) (*broker.Order, error)
	RequestData(ctx context.Context, requestID string, query url.Values) (json.RawMessage, error)
}

// WeeklyRecomputer rebuilds the weekly grid of a meter
type WeeklyRecomputer interface {
	RecomputeWeeklyAverage(ctx context.Context, meterID, start, end string) (*aggregate.Summary, error)
}

// Store is the read side the handlers need directly
type Store interface {
	Ping(ctx context.Context) error
	WeeklyAverage(ctx context.Context, meterID string) ([]db.WeeklyAverageSlot, error)
}

// Deps groups the collaborators of the HTTP entrypoints
type Deps struct {
	Fetcher    SeriesFetcher
	Tokens     TokenRefresher
	Broker     OrderBroker
	Aggregator WeeklyRecomputer
	Store      Store
	Validator  *validator.Validator
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
}

// Server exposes the pipeline over HTTP
type Server struct {
	engine      *gin.Engine
	fetcher     SeriesFetcher
	tokens      TokenRefresher
	broker      OrderBroker
	aggregator  WeeklyRecomputer
	store       Store
	validator   *validator.Validator
	metrics     *metrics.Metrics
	logger      *zap.Logger
	allowOrigin string
}

// NewServer builds the gin engine and registers every route
func NewServer(cfg config.HTTPConfig, deps Deps) *Server {
	s := &Server{
		fetcher:     deps.Fetcher,
		tokens:      deps.Tokens,
		broker:      deps.Broker,
		aggregator:  deps.Aggregator,
		store:       deps.Store,
		validator:   deps.Validator,
		metrics:     deps.Metrics,
		logger:      deps.Logger,
		allowOrigin: cfg.AllowOrigin,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.allowOrigin == "" {
		s.allowOrigin = "*"
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.corsMiddleware())
	r.Use(requestIDMiddleware())
	r.Use(s.metricsMiddleware())
	r.Use(s.errorHandlingMiddleware())

	r.GET("/healthz", s.Healthz)
	r.GET("/readyz", s.Readyz)
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	functions := r.Group("/functions")
	functions.POST("/enedis-data", s.EnedisData)
	functions.POST("/enedis-token", s.EnedisToken)
	functions.POST("/broker", s.Broker)

	s.engine = r
	return s
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves HTTP for the lifetime of the application
func Run(lc fx.Lifecycle, cfg *config.Config, s *Server, logger *zap.Logger) {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.ServicePort),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("starting http server", zap.String("addr", srv.Addr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Fatal("http server stopped unexpectedly", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, cfg.HTTP.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("failed to shut down http server", zap.Error(err))
				return err
			}
			logger.Info("http server stopped")
			return nil
		},
	})
}
