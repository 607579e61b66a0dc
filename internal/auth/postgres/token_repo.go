// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/gatehouse/gatehouse/internal/auth"
)

// VerificationTokenRepository implements auth.VerificationTokenRepository
// using PostgreSQL.
type VerificationTokenRepository struct {
	db DB
}

// NewVerificationTokenRepository creates a new VerificationTokenRepository.
func NewVerificationTokenRepository(db DB) *VerificationTokenRepository {
	return &VerificationTokenRepository{db: db}
}

// Create stores a new token.
func (r *VerificationTokenRepository) Create(ctx context.Context, token *auth.VerificationToken) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO verification_tokens (id, token_hash, identifier, purpose, expires_at, consumed_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		token.ID.String(),
		token.TokenHash,
		token.Identifier,
		string(token.Purpose),
		token.ExpiresAt,
		token.ConsumedAt,
		token.CreatedAt,
	)
	if isUniqueViolation(err) {
		return oops.Code("TOKEN_DUPLICATE").
			With("purpose", string(token.Purpose)).
			Wrap(auth.ErrDuplicate)
	}
	if err != nil {
		return oops.Code("TOKEN_CREATE_FAILED").
			With("operation", "insert verification token").
			With("purpose", string(token.Purpose)).
			Wrap(err)
	}
	return nil
}

// Consume marks a matching token consumed in one conditional UPDATE, so two
// concurrent redemptions of the same token cannot both succeed.
func (r *VerificationTokenRepository) Consume(ctx context.Context, params auth.ConsumeParams) (*auth.VerificationToken, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE verification_tokens
		SET consumed_at = $4::timestamptz
		WHERE token_hash = $1
		  AND purpose = $2
		  AND ($3::text = '' OR identifier = $3)
		  AND consumed_at IS NULL
		  AND expires_at > $4
		RETURNING id, token_hash, identifier, purpose, expires_at, consumed_at, created_at
	`, params.TokenHash, string(params.Purpose), params.Identifier, params.Now)

	var (
		idStr, purpose string
		token          auth.VerificationToken
	)
	err := row.Scan(&idStr, &token.TokenHash, &token.Identifier, &purpose,
		&token.ExpiresAt, &token.ConsumedAt, &token.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("TOKEN_NOT_FOUND").
			With("purpose", string(params.Purpose)).
			Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("TOKEN_CONSUME_FAILED").
			With("operation", "consume verification token").
			With("purpose", string(params.Purpose)).
			Wrap(err)
	}

	if token.ID, err = ulid.Parse(idStr); err != nil {
		return nil, oops.Code("TOKEN_INVALID_ID").With("id", idStr).Wrap(err)
	}
	token.Purpose = auth.Purpose(purpose)
	return &token, nil
}

// DeleteByIdentifier removes every token for identifier and purpose.
func (r *VerificationTokenRepository) DeleteByIdentifier(ctx context.Context, identifier string, purpose auth.Purpose) error {
	_, err := r.db.Exec(ctx, `
		DELETE FROM verification_tokens WHERE identifier = $1 AND purpose = $2
	`, identifier, string(purpose))
	if err != nil {
		return oops.Code("TOKEN_DELETE_BY_IDENTIFIER_FAILED").
			With("operation", "delete tokens by identifier").
			With("purpose", string(purpose)).
			Wrap(err)
	}
	return nil
}

// DeleteExpired removes tokens that expired before now.
func (r *VerificationTokenRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.Exec(ctx, `DELETE FROM verification_tokens WHERE expires_at < $1`, now)
	if err != nil {
		return 0, oops.Code("TOKEN_DELETE_EXPIRED_FAILED").
			With("operation", "delete expired verification tokens").
			Wrap(err)
	}
	return result.RowsAffected(), nil
}

var _ auth.VerificationTokenRepository = (*VerificationTokenRepository)(nil)
