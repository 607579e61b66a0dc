// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

// Package postgres implements auth.Store on PostgreSQL through pgx.
package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"

	"github.com/gatehouse/gatehouse/internal/auth"
)

// DB is the subset of *pgxpool.Pool the store uses. pgxmock.PgxPoolIface
// satisfies it in tests.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// Store implements auth.Store using PostgreSQL.
type Store struct {
	db DB
}

var _ auth.Store = (*Store)(nil)

// New connects to dsn and returns a Store. Apply migrations with a
// Migrator before first use on an empty database.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, oops.Code("STORE_CONNECT_FAILED").With("driver", "postgres").Wrap(err)
	}
	return &Store{db: pool}, nil
}

// NewWithDB wraps an existing pool.
func NewWithDB(db DB) *Store {
	return &Store{db: db}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return oops.Code("STORE_PING_FAILED").With("driver", "postgres").Wrap(err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.db.Close()
	return nil
}

// Users returns the user repository.
func (s *Store) Users() auth.UserRepository { return &UserRepository{db: s.db} }

// LinkedAccounts returns the linked account repository.
func (s *Store) LinkedAccounts() auth.LinkedAccountRepository {
	return &LinkedAccountRepository{db: s.db}
}

// Sessions returns the session repository.
func (s *Store) Sessions() auth.SessionRepository { return &SessionRepository{db: s.db} }

// Tokens returns the verification token repository.
func (s *Store) Tokens() auth.VerificationTokenRepository {
	return &VerificationTokenRepository{db: s.db}
}

// RateLimits returns the rate limit repository.
func (s *Store) RateLimits() auth.RateLimitRepository { return &RateLimitRepository{db: s.db} }

func pgErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func isUniqueViolation(err error) bool {
	return pgErrorCode(err) == pgerrcode.UniqueViolation
}

func isForeignKeyViolation(err error) bool {
	return pgErrorCode(err) == pgerrcode.ForeignKeyViolation
}
