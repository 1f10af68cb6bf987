// Package main запускает HTTP-сервер магазина билетов StellaFill World.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/stellafill-shop/internal/config"
	"github.com/mmeshcher/stellafill-shop/internal/handler"
	"github.com/mmeshcher/stellafill-shop/internal/identity"
	"github.com/mmeshcher/stellafill-shop/internal/middleware"
	"github.com/mmeshcher/stellafill-shop/internal/payment"
	"github.com/mmeshcher/stellafill-shop/internal/repository"
	"github.com/mmeshcher/stellafill-shop/internal/service"
	"github.com/mmeshcher/stellafill-shop/internal/ticket"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	loc, err := ticket.LoadLocation(cfg.Timezone)
	if err != nil {
		sugar.Fatalw("timezone error", "timezone", cfg.Timezone, "error", err.Error())
	}

	if cfg.StripeSecretKey == "" || cfg.StripeWebhookSecret == "" {
		sugar.Warn("stripe keys are not configured, checkout and webhooks will fail")
	}
	if cfg.CleanupAPIKey == "" {
		sugar.Warn("CLEANUP_API_KEY is not set, maintenance routes will reject every request")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := openRepository(ctx, cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}

	payments := payment.NewClient(cfg.StripeAPIURL, cfg.StripeSecretKey, cfg.BaseURL, cfg.UpstreamTimeout, logger)

	var players service.IdentityChecker
	if cfg.MojangAPIURL != "" {
		players = identity.NewClient(cfg.MojangAPIURL, cfg.UpstreamTimeout, logger)
	}

	svc, err := service.NewService(repo, payments, players, logger, service.Options{Location: loc})
	if err != nil {
		sugar.Fatalw("service initialization error", "error", err.Error())
	}
	defer svc.Close()

	h := handler.NewHandler(svc, logger, middleware.NewAPIKeyMiddleware(cfg.CleanupAPIKey), cfg.StripeWebhookSecret)

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	// Фоновая деактивация истёкших записей белого списка
	g.Go(func() error {
		svc.StartExpirySweeps(ctx, cfg.SweepInterval)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting shop server",
			"addr", cfg.RunAddress, "timezone", loc.String(), "sweep", cfg.SweepInterval.String())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}

// openRepository выбирает хранилище по схеме строки подключения.
func openRepository(ctx context.Context, dsn string) (service.Repository, error) {
	if repository.IsSQLiteDSN(dsn) {
		repo, err := repository.NewSQLiteRepository(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return repo, nil
	}

	repo, err := repository.NewPostgresRepository(dsn)
	if err != nil {
		return nil, err
	}
	return repo, nil
}
