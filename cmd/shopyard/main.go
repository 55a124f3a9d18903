package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/riandyrn/otelchi"

	"github.com/shopyard/shopyard/internal/adapter/fsm"
	"github.com/shopyard/shopyard/internal/adapter/helm"
	otelsetup "github.com/shopyard/shopyard/internal/adapter/otel"
	"github.com/shopyard/shopyard/internal/adapter/provisioner"
	riveradapter "github.com/shopyard/shopyard/internal/adapter/river"
	"github.com/shopyard/shopyard/internal/adapter/sqlite"
	"github.com/shopyard/shopyard/internal/app"
	"github.com/shopyard/shopyard/internal/domain"

	handler "github.com/shopyard/shopyard/internal/adapter/http"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run() error {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	port := envOrDefault("PORT", "8080")
	dbPath := envOrDefault("DATABASE_PATH", "shopyard.db")

	ctx := context.Background()

	// --- Observability ---
	providers, err := otelsetup.Setup(ctx, otelsetup.ConfigFromEnv())
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			slog.Error("otel shutdown", "err", err)
		}
	}()

	// --- Adapters (out) ---
	db, err := otelsetup.OpenDB(dbPath)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}

	sqliteRepo, err := sqlite.NewFromDB(db)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer sqliteRepo.Close()

	repo := otelsetup.NewTracingRepository(sqliteRepo)

	riverClient, err := riveradapter.Setup(ctx, db)
	if err != nil {
		return fmt.Errorf("river: %w", err)
	}
	if err := riverClient.Start(ctx); err != nil {
		return fmt.Errorf("starting river: %w", err)
	}

	helmClient := helm.NewClient("")
	registry := provisioner.NewRegistry()
	registry.Register(domain.TypeWooCommerce, otelsetup.NewTracingProvisioner(
		provisioner.NewWooCommerce(helmClient, provisioner.WooCommerceConfigFromEnv())))
	registry.Register(domain.TypeMedusa, otelsetup.NewTracingProvisioner(
		provisioner.NewMedusa()))

	// --- Application ---
	svc := app.NewStoreService(repo, registry, fsm.New(),
		riveradapter.NewPublisher(riverClient), app.ConfigFromEnv())

	// Stores a previous process left mid-transition must be failed before
	// the first request can observe them.
	if err := svc.RecoverStale(ctx); err != nil {
		return fmt.Errorf("recovery sweep: %w", err)
	}

	// --- Adapters (in) ---
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(otelchi.Middleware("shopyard", otelchi.WithChiRoutes(router)))
	router.Use(handler.ClientIP)

	api := humachi.New(router, huma.DefaultConfig("shopyard", "0.1.0"))
	handler.Register(api, svc)

	// --- Server ---
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("shopyard listening", "port", port)
		slog.Info("API docs", "url", "http://localhost:"+port+"/docs")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server: %w", err)
	case <-done:
	}

	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown", "err", err)
	}
	if err := riverClient.Stop(shutdownCtx); err != nil {
		slog.Error("river shutdown", "err", err)
	}

	slog.Info("stopped")
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
