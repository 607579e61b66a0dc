// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package main

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/samber/oops"

	"github.com/gatehouse/gatehouse/internal/auth"
	"github.com/gatehouse/gatehouse/internal/auth/memory"
	"github.com/gatehouse/gatehouse/internal/auth/postgres"
	"github.com/gatehouse/gatehouse/internal/auth/sqlite"
	"github.com/gatehouse/gatehouse/internal/config"
	"github.com/gatehouse/gatehouse/internal/logging"
	"github.com/gatehouse/gatehouse/internal/mail"
	"github.com/gatehouse/gatehouse/internal/xdg"
)

// openStore connects the configured backend. Pending postgres migrations
// run first. SQLite applies its schema itself and defaults to a file under
// the XDG data directory.
func openStore(ctx context.Context, cfg config.StoreConfig) (auth.Store, error) {
	switch cfg.Driver {
	case config.StorePostgres:
		if err := migrateUp(cfg.DSN); err != nil {
			return nil, err
		}
		//nolint:wrapcheck // store errors carry their own codes
		return postgres.New(ctx, cfg.DSN)
	case config.StoreSQLite:
		path := cfg.DSN
		if path == "" {
			path = xdg.SQLitePath()
			if err := xdg.EnsureDir(filepath.Dir(path)); err != nil {
				return nil, err
			}
		}
		//nolint:wrapcheck // store errors carry their own codes
		return sqlite.Open(ctx, path)
	case config.StoreMemory, "":
		return memory.New(), nil
	default:
		return nil, oops.Code("CONFIG_INVALID").With("key", "store.driver").Errorf("unknown store driver %q", cfg.Driver)
	}
}

// migrateUp applies pending postgres migrations.
func migrateUp(dsn string) error {
	migrator, err := postgres.NewMigrator(dsn)
	if err != nil {
		return err
	}
	if err := migrator.Up(); err != nil {
		_ = migrator.Close()
		return err
	}
	return migrator.Close()
}

// newProvider wires a CredentialProvider with the configured hasher and mail sender.
func newProvider(cfg config.Config, store auth.Store, logger *slog.Logger) (*auth.CredentialProvider, error) {
	hasher, err := auth.NewPasswordHasher(cfg.Auth.Hasher.Algorithm, cfg.Auth.Hasher.BcryptCost)
	if err != nil {
		return nil, err
	}
	sender, err := mail.NewSender(cfg.Mail, logger)
	if err != nil {
		return nil, err
	}
	//nolint:wrapcheck // provider errors carry their own codes
	return auth.NewCredentialProvider(cfg.Auth.ProviderConfig, auth.ProviderDeps{
		Store:    store,
		Hasher:   hasher,
		Notifier: mail.NewNotifier(sender, cfg.Mail),
		Logger:   logger,
	})
}

// setupLogging installs the process logger.
func setupLogging(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	return logging.SetDefault(logging.Options{
		Service: "gatehouse",
		Version: version,
		Format:  cfg.Format,
		Level:   level,
		Writer:  w,
	}), nil
}
