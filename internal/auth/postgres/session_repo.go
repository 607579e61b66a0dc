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

// SessionRepository implements auth.SessionRepository using PostgreSQL.
type SessionRepository struct {
	db DB
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(db DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Create stores a new session.
func (r *SessionRepository) Create(ctx context.Context, session *auth.Session) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO sessions (id, user_id, token_hash, origin_address, created_at, last_validated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		session.ID.String(),
		session.UserID.String(),
		session.TokenHash,
		session.OriginAddress,
		session.CreatedAt,
		session.LastValidatedAt,
		session.ExpiresAt,
	)
	if isUniqueViolation(err) {
		return oops.Code("SESSION_DUPLICATE").
			With("user_id", session.UserID.String()).
			Wrap(auth.ErrDuplicate)
	}
	if err != nil {
		return oops.Code("SESSION_CREATE_FAILED").
			With("operation", "insert session").
			With("user_id", session.UserID.String()).
			Wrap(err)
	}
	return nil
}

// GetByTokenHash retrieves a session by its token hash.
func (r *SessionRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*auth.Session, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, user_id, token_hash, origin_address, created_at, last_validated_at, expires_at
		FROM sessions
		WHERE token_hash = $1
	`, tokenHash)

	var (
		idStr, userIDStr string
		session          auth.Session
	)
	err := row.Scan(&idStr, &userIDStr, &session.TokenHash, &session.OriginAddress,
		&session.CreatedAt, &session.LastValidatedAt, &session.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("SESSION_NOT_FOUND").Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("SESSION_GET_BY_TOKEN_FAILED").
			With("operation", "get session by token hash").
			Wrap(err)
	}

	if session.ID, err = ulid.Parse(idStr); err != nil {
		return nil, oops.Code("SESSION_INVALID_ID").With("id", idStr).Wrap(err)
	}
	if session.UserID, err = ulid.Parse(userIDStr); err != nil {
		return nil, oops.Code("SESSION_INVALID_USER_ID").With("user_id", userIDStr).Wrap(err)
	}
	return &session, nil
}

// Touch moves LastValidatedAt and ExpiresAt forward.
func (r *SessionRepository) Touch(ctx context.Context, id ulid.ULID, lastValidatedAt, expiresAt time.Time) error {
	result, err := r.db.Exec(ctx, `
		UPDATE sessions SET last_validated_at = $2, expires_at = $3
		WHERE id = $1
	`, id.String(), lastValidatedAt, expiresAt)
	if err != nil {
		return oops.Code("SESSION_TOUCH_FAILED").
			With("operation", "touch session").
			With("id", id.String()).
			Wrap(err)
	}
	if result.RowsAffected() == 0 {
		return oops.Code("SESSION_NOT_FOUND").
			With("id", id.String()).
			Wrap(auth.ErrNotFound)
	}
	return nil
}

// Delete removes a session by ID.
func (r *SessionRepository) Delete(ctx context.Context, id ulid.ULID) error {
	result, err := r.db.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id.String())
	if err != nil {
		return oops.Code("SESSION_DELETE_FAILED").
			With("operation", "delete session").
			With("id", id.String()).
			Wrap(err)
	}
	if result.RowsAffected() == 0 {
		return oops.Code("SESSION_NOT_FOUND").
			With("id", id.String()).
			Wrap(auth.ErrNotFound)
	}
	return nil
}

// DeleteByUser removes all sessions for a user.
func (r *SessionRepository) DeleteByUser(ctx context.Context, userID ulid.ULID) (int64, error) {
	result, err := r.db.Exec(ctx, `DELETE FROM sessions WHERE user_id = $1`, userID.String())
	if err != nil {
		return 0, oops.Code("SESSION_DELETE_BY_USER_FAILED").
			With("operation", "delete sessions by user").
			With("user_id", userID.String()).
			Wrap(err)
	}
	return result.RowsAffected(), nil
}

// DeleteExpired removes sessions that expired before now.
func (r *SessionRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.Exec(ctx, `DELETE FROM sessions WHERE expires_at < $1`, now)
	if err != nil {
		return 0, oops.Code("SESSION_DELETE_EXPIRED_FAILED").
			With("operation", "delete expired sessions").
			Wrap(err)
	}
	return result.RowsAffected(), nil
}

var _ auth.SessionRepository = (*SessionRepository)(nil)
