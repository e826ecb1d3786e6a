package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Dev-Teammm/shopshpere-customer-sub000/internal/di"
	"github.com/Dev-Teammm/shopshpere-customer-sub000/internal/platform/config"
	"github.com/Dev-Teammm/shopshpere-customer-sub000/internal/platform/observability"
)

// maintenanceRunTimeout caps one sweep or cleanup pass.
const maintenanceRunTimeout = time.Minute

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "storefront: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	startedAt := time.Now().UTC()
	env, err := config.EnvironmentValues()
	if err != nil {
		return fmt.Errorf("read environment: %w", err)
	}

	root, err := observability.NewLogger(env["SHOP_LOG_LEVEL"])
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = root.Sync() }()
	logger := root.Named("storefront")
	ctx := observability.WithLogger(context.Background(), logger)

	boot := readBootstrap(env)
	fetcher, err := boot.secretFetcher(ctx, logger.Named("secrets"))
	if err != nil {
		return fmt.Errorf("init secret fetcher: %w", err)
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecretNames(env)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Error("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		return fmt.Errorf("load configuration: %w", err)
	}

	build := buildInfoFromEnv(env, cfg, startedAt)
	var containerOpts []di.Option
	if boot.project != "" {
		containerOpts = append(containerOpts, di.WithDependencyCheck(secretManagerCheck(fetcher)))
	}
	container, err := di.NewContainer(ctx, cfg, logger, build, containerOpts...)
	if err != nil {
		return fmt.Errorf("assemble checkout services: %w", err)
	}

	maintCtx, stopMaintenance := context.WithCancel(context.Background())
	var maintenance sync.WaitGroup
	every(maintCtx, &maintenance, cfg.Checkout.SweepInterval, func(ctx context.Context) {
		if swept := container.Sessions.SweepIdle(ctx); swept > 0 {
			logger.Named("checkout").Info("idle checkouts swept", zap.Int("count", swept))
		}
		container.Metrics.SessionsActive(container.Sessions.Active())
	})
	every(maintCtx, &maintenance, cfg.Idempotency.CleanupInterval, func(ctx context.Context) {
		removed, err := container.Idempotency.CleanupExpired(ctx, time.Now().UTC(), cfg.Idempotency.CleanupBatchSize)
		switch {
		case err != nil:
			logger.Named("idempotency").Error("expired key cleanup failed", zap.Error(err))
		case removed > 0:
			logger.Named("idempotency").Info("expired keys removed", zap.Int("count", removed))
		}
	})

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      container.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("checkout api listening",
			zap.String("addr", server.Addr),
			zap.String("version", build.Version),
			zap.String("environment", build.Environment))
		serveErr <- server.ListenAndServe()
	}()

	signals, stopSignals := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	var runErr error
	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("http server: %w", err)
		}
	case <-signals.Done():
		logger.Info("stopping: readiness now failing", zap.Duration("drain_delay", cfg.Server.DrainDelay))
		container.System.Drain()
		if cfg.Server.DrainDelay > 0 {
			time.Sleep(cfg.Server.DrainDelay)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	stopMaintenance()
	maintenance.Wait()
	container.Close(shutdownCtx)
	return runErr
}

// every runs fn on each tick of interval until ctx ends. A non-positive interval disables it.
func every(ctx context.Context, wg *sync.WaitGroup, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			runCtx, cancel := context.WithTimeout(ctx, maintenanceRunTimeout)
			fn(runCtx)
			cancel()
		}
	}()
}
