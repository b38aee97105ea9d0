package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/septivank/energy-metering-gateway/internal/config"
	"github.com/septivank/energy-metering-gateway/internal/server"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const lifecycleTimeout = 30 * time.Second

// loadEnv loads the first .env found in the working directory or one of
// its two parents. Containers usually have none and rely on the real
// environment.
func loadEnv() {
	candidates := []string{".env"}
	if workDir, err := os.Getwd(); err == nil {
		parent := filepath.Dir(workDir)
		candidates = append(candidates,
			filepath.Join(workDir, ".env"),
			filepath.Join(parent, ".env"),
			filepath.Join(filepath.Dir(parent), ".env"),
		)
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err == nil {
			absPath, _ := filepath.Abs(path)
			fmt.Printf("Loaded environment from: %s\n", absPath)
			return
		}
	}
	fmt.Println("No .env file found, using system environment variables")
}

func main() {
	loadEnv()

	app := fx.New(
		fx.Provide(
			config.Load,
			newLogger,
			ProvideHTTPClient,
			ProvideMetrics,
			ProvideDBPool,
			ProvideRepository,
			ProvideValidator,
			ProvideMQConnection,
			ProvideSyncNotifier,
			ProvideOffpeakResolver,
			ProvideTokenSupplier,
			ProvideFetcher,
			ProvideBrokerClient,
			ProvideAggregator,
			ProvideRecomputeService,
			ProvideServer,
		),
		fx.Invoke(startRecomputeConsumer),
		fx.Invoke(server.Run),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	startupLogger, _ := newLogger(&config.Config{ServiceName: "energy-metering-gateway"})
	startupLogger.Info("starting gateway...", zap.Duration("timeout", lifecycleTimeout))

	startCtx, startCancel := context.WithTimeout(context.Background(), lifecycleTimeout)
	defer startCancel()

	if err := app.Start(startCtx); err != nil {
		if startCtx.Err() == context.DeadlineExceeded {
			startupLogger.Error("GATEWAY START TIMEOUT: a dependency (Database or RabbitMQ) did not answer in time. See the connection errors above.")
		}
		panic(err)
	}

	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), lifecycleTimeout)
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil {
		fmt.Println("error stopping app:", err)
	}
}
