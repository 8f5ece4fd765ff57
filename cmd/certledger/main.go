package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/gateway-fm/toefl-cert-ledger/internal/certificate"
	"github.com/gateway-fm/toefl-cert-ledger/internal/config"
	"github.com/gateway-fm/toefl-cert-ledger/internal/health"
	"github.com/gateway-fm/toefl-cert-ledger/internal/metrics"
)

func main() {
	if err := run(); err != nil {
		slog.Error("certledger exited", "err", err)
		os.Exit(1)
	}
}

func run() error {
	fs := pflag.NewFlagSet("certledger", pflag.ExitOnError)
	config.Flags(fs)
	envFile := fs.String("env-file", ".env", "Optional file of CERTLEDGER_ environment variables")
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.Load(fs, *envFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	slog.SetDefault(cfg.Logger())

	// Create root context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := certificate.NewSqliteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			slog.Error("failed to close database", "err", closeErr)
		}
	}()

	// Store API keys
	keys := map[string]string{
		certificate.KillSwitchKey:  cfg.KillSwitchAPIKey,
		certificate.KillRestartKey: cfg.KillRestartAPIKey,
		certificate.IssuerKey:      cfg.IssuerAPIKey,
	}
	for dbKey, key := range keys {
		if key == "" {
			slog.Warn("no API key provided, endpoints guarded by it are disabled", "key", dbKey)
			if err := db.SetCredential(dbKey, ""); err != nil {
				return err
			}
			continue
		}
		if err := hashAndStoreKey(db, dbKey, key); err != nil {
			return fmt.Errorf("failed to hash %s: %w", dbKey, err)
		}
	}

	if err := db.SetConfigValue("contract_address", cfg.ContractAddress); err != nil {
		slog.Error("failed to set contract address", "err", err)
	}

	client, err := cfg.LedgerClient()
	if err != nil {
		return fmt.Errorf("failed to configure ledger signer: %w", err)
	}
	if cfg.KeystorePath == "" && cfg.ClefURL == "" {
		slog.Warn("no signer configured, ledger is read-only")
	}
	gateway := cfg.ContentGateway()

	service := certificate.NewService(db, client, gateway)

	updater := metrics.NewUpdater(service)
	updater.Start(ctx)
	service.OnChange(updater.Trigger)

	// Create health service with root context
	healthService := health.NewService(ctx)
	healthService.AddCheck("database", db.Ping)
	healthService.AddCheck("ledger", client.Ping)

	// Start reconciler for unsettled submissions
	scheduler, err := certificate.NewScheduler(ctx, service, cfg.ReconcileInterval)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	go scheduler.Start()

	// Create and register gRPC server
	grpcServer := grpc.NewServer()
	certificate.NewGRPCServer(service).Register(grpcServer)
	grpcLis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.GRPCAddr, err)
	}

	mux := http.NewServeMux()
	certificate.NewAPIServer(service, cfg.VerifyRPS, cfg.VerifyBurst).RegisterHandlers(mux)
	health.NewApi(healthService).RegisterHandlers(mux)
	metrics.WireUpHttpMetrics(mux)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("gRPC server listening", "address", cfg.GRPCAddr)
		return grpcServer.Serve(grpcLis)
	})
	g.Go(func() error {
		slog.Info("http server listening", "address", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		// Wait for interrupt signal
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)

		select {
		case <-sigCh:
			slog.Info("received shutdown signal")
		case <-gctx.Done():
			slog.Info("context cancelled")
		}

		slog.Info("shutting down...")
		healthService.Shutdown()
		// drain in-flight requests before cancelling the root context
		shutdown(grpcServer, httpServer)
		cancel()
		return nil
	})

	err = g.Wait()
	slog.Info("shutdown complete")
	return err
}

func shutdown(grpcServer *grpc.Server, httpServer *http.Server) {
	// Create a shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	shutdownComplete := make(chan struct{})
	go func() {
		slog.Info("shutting down gRPC server...")
		grpcServer.GracefulStop()
		slog.Info("gRPC server shut down")

		// This will wait for all active HTTP requests to complete
		slog.Info("shutting down HTTP server...")
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP server shutdown error", "err", err)
		}
		slog.Info("HTTP server shut down")

		close(shutdownComplete)
	}()

	// Wait for shutdown to complete or timeout
	select {
	case <-shutdownComplete:
		slog.Info("graceful shutdown completed")
	case <-shutdownCtx.Done():
		slog.Warn("shutdown timeout exceeded, forcing shutdown")
		grpcServer.Stop()
	}
}

func hashAndStoreKey(db certificate.Db, dbKey string, key string) error {
	hashedKey, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	return db.SetCredential(dbKey, string(hashedKey))
}
