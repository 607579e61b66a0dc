// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gatehouse/gatehouse/pkg/errutil"
)

// NewCleanupCmd creates the cleanup subcommand.
func NewCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete expired tokens, sessions and stale rate limit counters once",
		RunE:  runCleanup,
	}
}

func runCleanup(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := setupLogging(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			errutil.LogError(logger, "error closing store", closeErr)
		}
	}()

	provider, err := newProvider(cfg, store, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if closeErr := provider.Close(closeCtx); closeErr != nil {
			errutil.LogError(logger, "error draining outgoing mail", closeErr)
		}
	}()

	report, err := provider.Cleanup(ctx)
	fmt.Fprintf(cmd.OutOrStdout(), "removed %d tokens, %d sessions, %d rate limit counters\n",
		report.Tokens, report.Sessions, report.RateLimitCounters)
	//nolint:wrapcheck // joined store errors are already coded
	return err
}
