// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

// Package sqlite implements auth.Store on an embedded SQLite database
// (modernc.org/sqlite, no cgo). It suits single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"path/filepath"
	"strings"
	"time"

	"github.com/samber/oops"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/gatehouse/gatehouse/internal/auth"
)

//go:embed schema.sql
var schemaSQL string

// Store persists auth state in SQLite.
type Store struct {
	db *sql.DB
}

var _ auth.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and applies the
// schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, oops.Code("STORE_CONNECT_FAILED").With("driver", "sqlite").Errorf("database path is required")
	}
	dsn := "file:" + filepath.Clean(path) +
		"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, oops.Code("STORE_CONNECT_FAILED").With("driver", "sqlite").Wrap(err)
	}
	// One connection serializes writers; SQLite allows only one at a time anyway.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, oops.Code("STORE_CONNECT_FAILED").With("driver", "sqlite").Wrap(err)
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, oops.Code("STORE_MIGRATE_FAILED").With("driver", "sqlite").Wrap(err)
	}
	return &Store{db: db}, nil
}

// Ping checks the database handle.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return oops.Code("STORE_PING_FAILED").With("driver", "sqlite").Wrap(err)
	}
	return nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Users returns the user repository.
func (s *Store) Users() auth.UserRepository { return userRepo{s.db} }

// LinkedAccounts returns the linked account repository.
func (s *Store) LinkedAccounts() auth.LinkedAccountRepository { return linkRepo{s.db} }

// Sessions returns the session repository.
func (s *Store) Sessions() auth.SessionRepository { return sessionRepo{s.db} }

// Tokens returns the verification token repository.
func (s *Store) Tokens() auth.VerificationTokenRepository { return tokenRepo{s.db} }

// RateLimits returns the rate limit repository.
func (s *Store) RateLimits() auth.RateLimitRepository { return counterRepo{s.db} }

func toMicros(t time.Time) int64 {
	return t.UTC().UnixMicro()
}

func fromMicros(v int64) time.Time {
	return time.UnixMicro(v).UTC()
}

func toNullMicros(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMicros(*t), Valid: true}
}

func fromNullMicros(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMicros(v.Int64)
	return &t
}

func constraintCode(err error) int {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()
	}
	return 0
}

func isUniqueViolation(err error) bool {
	switch constraintCode(err) {
	case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
		return true
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	return constraintCode(err) == sqlite3lib.SQLITE_CONSTRAINT_FOREIGNKEY
}
