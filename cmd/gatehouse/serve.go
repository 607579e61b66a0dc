// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/gatehouse/gatehouse/internal/auth"
	"github.com/gatehouse/gatehouse/internal/config"
	"github.com/gatehouse/gatehouse/internal/observability"
	"github.com/gatehouse/gatehouse/pkg/errutil"
)

// shutdownTimeout bounds draining outgoing mail and stopping the
// observability server.
const shutdownTimeout = 5 * time.Second

// ObservabilityServer is the subset of observability.Server used by serve.
type ObservabilityServer interface {
	Start() (<-chan error, error)
	Stop(ctx context.Context) error
	Addr() string
	Metrics() *observability.Metrics
}

// ServeDeps contains injectable dependencies for the serve command.
// All fields with nil values will use their default implementations.
type ServeDeps struct {
	// StoreOpener connects the configured store.
	// Default: openStore
	StoreOpener func(ctx context.Context, cfg config.StoreConfig) (auth.Store, error)

	// ObservabilityServerFactory creates an observability server.
	// Default: observability.NewServer
	ObservabilityServerFactory func(addr string, readiness observability.ReadinessChecker) ObservabilityServer
}

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the credential core with health, metrics and expiry cleanup",
		Long: `Open the configured store, build the credential provider, expose
metrics and health probes, and sweep expired tokens, sessions and rate limit
counters on an interval until interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServeWithDeps(cmd.Context(), cmd, nil)
		},
	}
}

// runServeWithDeps runs serve with injectable dependencies.
// If deps is nil, default implementations are used.
func runServeWithDeps(ctx context.Context, cmd *cobra.Command, deps *ServeDeps) error {
	if deps == nil {
		deps = &ServeDeps{}
	}
	if deps.StoreOpener == nil {
		deps.StoreOpener = openStore
	}
	if deps.ObservabilityServerFactory == nil {
		deps.ObservabilityServerFactory = func(addr string, readiness observability.ReadinessChecker) ObservabilityServer {
			return observability.NewServer(addr, readiness)
		}
	}
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := setupLogging(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	logger.Info("starting gatehouse",
		"store", cfg.Store.Driver,
		"hasher", cfg.Auth.Hasher.Algorithm,
		"mail", cfg.Mail.Driver,
	)

	store, err := deps.StoreOpener(ctx, cfg.Store)
	if err != nil {
		return oops.With("store", cfg.Store.Driver).Wrap(err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			errutil.LogError(logger, "error closing store", closeErr)
		}
	}()
	logger.Info("store ready", "store", cfg.Store.Driver)

	provider, err := newProvider(cfg, store, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var obsServer ObservabilityServer
	if cfg.Metrics.Addr != "" {
		obsServer = deps.ObservabilityServerFactory(cfg.Metrics.Addr, store.Ping)
		obsErrChan, err := obsServer.Start()
		if err != nil {
			return oops.Code("SERVE_FAILED").Wrapf(err, "failed to start observability server")
		}
		go monitorServerErrors(ctx, cancel, obsErrChan, "observability")
		obsServer.Metrics().BuildInfo.WithLabelValues(version, cfg.Store.Driver).Set(1)
		logger.Info("observability server started", "addr", obsServer.Addr())
	}

	var wg sync.WaitGroup
	if cfg.Cleanup.Interval > 0 {
		record := func(string) {}
		if obsServer != nil {
			record = func(status string) { obsServer.Metrics().CleanupRuns.WithLabelValues(status).Inc() }
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			runCleanupLoop(ctx, provider, cfg.Cleanup.Interval, logger, record)
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	cmd.Println("Gatehouse started")
	logger.Info("gatehouse ready", "cleanup_interval", cfg.Cleanup.Interval.String())

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
		logger.Info("context cancelled, shutting down")
	}

	cancel()
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := provider.Close(shutdownCtx); err != nil {
		errutil.LogError(logger, "error draining outgoing mail", err)
	}

	if obsServer != nil {
		if err := obsServer.Stop(shutdownCtx); err != nil {
			errutil.LogError(logger, "error stopping observability server", err)
		}
	}

	logger.Info("shutdown complete")
	return nil
}

// runCleanupLoop sweeps expired records every interval until ctx ends.
func runCleanupLoop(ctx context.Context, provider *auth.CredentialProvider, interval time.Duration, logger *slog.Logger, record func(status string)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := provider.Cleanup(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				record("error")
				errutil.LogErrorContext(ctx, logger, "cleanup sweep failed", err)
				continue
			}
			record("ok")
			logger.DebugContext(ctx, "cleanup sweep complete",
				"tokens", report.Tokens,
				"sessions", report.Sessions,
				"rate_limit_counters", report.RateLimitCounters,
			)
		}
	}
}

// monitorServerErrors cancels ctx when a server reports a failure.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, serverName string) {
	select {
	case err, ok := <-errCh:
		if !ok {
			return
		}
		if err != nil {
			slog.Error("server error, triggering shutdown",
				"server", serverName,
				"error", err,
			)
			cancel()
		}
	case <-ctx.Done():
	}
}
