// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/gatehouse/gatehouse/internal/auth"
)

type userRepo struct{ db *sql.DB }

const userColumns = `id, email, name, password_hash, email_verified_at, created_at, updated_at`

func (r userRepo) Create(ctx context.Context, user *auth.User) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		user.ID.String(),
		auth.NormalizeEmail(user.Email),
		user.Name,
		user.PasswordHash,
		toNullMicros(user.EmailVerifiedAt),
		toMicros(user.CreatedAt),
		toMicros(user.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return oops.Code("USER_DUPLICATE").With("user_id", user.ID.String()).Wrap(auth.ErrDuplicate)
	}
	if err != nil {
		return oops.Code("USER_CREATE_FAILED").With("user_id", user.ID.String()).Wrap(err)
	}
	return nil
}

func (r userRepo) GetByID(ctx context.Context, id ulid.ULID) (*auth.User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id.String())
	return scanUser(row, "id", id.String())
}

func (r userRepo) GetByEmail(ctx context.Context, email string) (*auth.User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`, auth.NormalizeEmail(email))
	return scanUser(row, "lookup", "email")
}

func scanUser(row *sql.Row, key, value string) (*auth.User, error) {
	var (
		idStr                string
		user                 auth.User
		verifiedAt           sql.NullInt64
		createdAt, updatedAt int64
	)
	err := row.Scan(&idStr, &user.Email, &user.Name, &user.PasswordHash, &verifiedAt, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, oops.Code("USER_NOT_FOUND").With(key, value).Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("USER_GET_FAILED").With(key, value).Wrap(err)
	}
	if user.ID, err = ulid.Parse(idStr); err != nil {
		return nil, oops.Code("USER_INVALID_ID").With("id", idStr).Wrap(err)
	}
	user.EmailVerifiedAt = fromNullMicros(verifiedAt)
	user.CreatedAt = fromMicros(createdAt)
	user.UpdatedAt = fromMicros(updatedAt)
	return &user, nil
}

func (r userRepo) UpdatePassword(ctx context.Context, id ulid.ULID, passwordHash string, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE users SET password_hash = ?, updated_at = ? WHERE id = ?`,
		passwordHash, toMicros(at), id.String())
	return affectedOne(res, err, "USER", id)
}

func (r userRepo) MarkEmailVerified(ctx context.Context, id ulid.ULID, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE users SET email_verified_at = COALESCE(email_verified_at, ?1), updated_at = ?1 WHERE id = ?2`,
		toMicros(at), id.String())
	return affectedOne(res, err, "USER", id)
}

// affectedOne maps a single-row write to ErrNotFound when no row matched.
func affectedOne(res sql.Result, err error, entity string, id ulid.ULID) error {
	if err != nil {
		return oops.Code(entity+"_UPDATE_FAILED").With("id", id.String()).Wrap(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return oops.Code(entity+"_UPDATE_FAILED").With("id", id.String()).Wrap(err)
	}
	if n == 0 {
		return oops.Code(entity+"_NOT_FOUND").With("id", id.String()).Wrap(auth.ErrNotFound)
	}
	return nil
}

func rowsAffected(res sql.Result, err error, code string) (int64, error) {
	if err != nil {
		return 0, oops.Code(code).Wrap(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, oops.Code(code).Wrap(err)
	}
	return n, nil
}

type linkRepo struct{ db *sql.DB }

func (r linkRepo) Create(ctx context.Context, account *auth.LinkedAccount) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO linked_accounts (id, user_id, provider, provider_account_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		account.ID.String(),
		account.UserID.String(),
		account.Provider,
		account.ProviderAccountID,
		toMicros(account.CreatedAt),
	)
	switch {
	case err == nil:
		return nil
	case isUniqueViolation(err):
		return oops.Code("LINKED_ACCOUNT_DUPLICATE").With("provider", account.Provider).Wrap(auth.ErrDuplicate)
	case isForeignKeyViolation(err):
		return oops.Code("LINKED_ACCOUNT_NO_USER").With("user_id", account.UserID.String()).Wrap(err)
	default:
		return oops.Code("LINKED_ACCOUNT_CREATE_FAILED").With("provider", account.Provider).Wrap(err)
	}
}

func (r linkRepo) GetByProviderAccount(ctx context.Context, provider, providerAccountID string) (*auth.LinkedAccount, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, provider, provider_account_id, created_at
		   FROM linked_accounts
		  WHERE provider = ? AND provider_account_id = ?`,
		provider, providerAccountID)
	account, err := scanLink(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, oops.Code("LINKED_ACCOUNT_NOT_FOUND").With("provider", provider).Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("LINKED_ACCOUNT_GET_FAILED").With("provider", provider).Wrap(err)
	}
	return account, nil
}

func (r linkRepo) ListByUser(ctx context.Context, userID ulid.ULID) ([]*auth.LinkedAccount, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, provider, provider_account_id, created_at
		   FROM linked_accounts
		  WHERE user_id = ?
		  ORDER BY created_at`,
		userID.String())
	if err != nil {
		return nil, oops.Code("LINKED_ACCOUNT_LIST_FAILED").With("user_id", userID.String()).Wrap(err)
	}
	defer rows.Close()

	var accounts []*auth.LinkedAccount
	for rows.Next() {
		account, err := scanLink(rows)
		if err != nil {
			return nil, oops.Code("LINKED_ACCOUNT_SCAN_FAILED").Wrap(err)
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.Code("LINKED_ACCOUNT_ROWS_ERROR").Wrap(err)
	}
	return accounts, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLink(row scanner) (*auth.LinkedAccount, error) {
	var (
		idStr, userIDStr string
		createdAt        int64
		account          auth.LinkedAccount
	)
	if err := row.Scan(&idStr, &userIDStr, &account.Provider, &account.ProviderAccountID, &createdAt); err != nil {
		return nil, err
	}
	var err error
	if account.ID, err = ulid.Parse(idStr); err != nil {
		return nil, oops.Code("LINKED_ACCOUNT_INVALID_ID").With("id", idStr).Wrap(err)
	}
	if account.UserID, err = ulid.Parse(userIDStr); err != nil {
		return nil, oops.Code("LINKED_ACCOUNT_INVALID_USER_ID").With("user_id", userIDStr).Wrap(err)
	}
	account.CreatedAt = fromMicros(createdAt)
	return &account, nil
}

type sessionRepo struct{ db *sql.DB }

func (r sessionRepo) Create(ctx context.Context, session *auth.Session) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, token_hash, origin_address, created_at, last_validated_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		session.ID.String(),
		session.UserID.String(),
		session.TokenHash,
		session.OriginAddress,
		toMicros(session.CreatedAt),
		toMicros(session.LastValidatedAt),
		toMicros(session.ExpiresAt),
	)
	if isUniqueViolation(err) {
		return oops.Code("SESSION_DUPLICATE").With("user_id", session.UserID.String()).Wrap(auth.ErrDuplicate)
	}
	if err != nil {
		return oops.Code("SESSION_CREATE_FAILED").With("user_id", session.UserID.String()).Wrap(err)
	}
	return nil
}

func (r sessionRepo) GetByTokenHash(ctx context.Context, tokenHash string) (*auth.Session, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, token_hash, origin_address, created_at, last_validated_at, expires_at
		   FROM sessions
		  WHERE token_hash = ?`,
		tokenHash)

	var (
		idStr, userIDStr                   string
		createdAt, validatedAt, expiresAt int64
		session                            auth.Session
	)
	err := row.Scan(&idStr, &userIDStr, &session.TokenHash, &session.OriginAddress, &createdAt, &validatedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, oops.Code("SESSION_NOT_FOUND").Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("SESSION_GET_BY_TOKEN_FAILED").Wrap(err)
	}
	if session.ID, err = ulid.Parse(idStr); err != nil {
		return nil, oops.Code("SESSION_INVALID_ID").With("id", idStr).Wrap(err)
	}
	if session.UserID, err = ulid.Parse(userIDStr); err != nil {
		return nil, oops.Code("SESSION_INVALID_USER_ID").With("user_id", userIDStr).Wrap(err)
	}
	session.CreatedAt = fromMicros(createdAt)
	session.LastValidatedAt = fromMicros(validatedAt)
	session.ExpiresAt = fromMicros(expiresAt)
	return &session, nil
}

func (r sessionRepo) Touch(ctx context.Context, id ulid.ULID, lastValidatedAt, expiresAt time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET last_validated_at = ?, expires_at = ? WHERE id = ?`,
		toMicros(lastValidatedAt), toMicros(expiresAt), id.String())
	return affectedOne(res, err, "SESSION", id)
}

func (r sessionRepo) Delete(ctx context.Context, id ulid.ULID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id.String())
	return affectedOne(res, err, "SESSION", id)
}

func (r sessionRepo) DeleteByUser(ctx context.Context, userID ulid.ULID) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = ?`, userID.String())
	return rowsAffected(res, err, "SESSION_DELETE_BY_USER_FAILED")
}

func (r sessionRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < ?`, toMicros(now))
	return rowsAffected(res, err, "SESSION_DELETE_EXPIRED_FAILED")
}

type tokenRepo struct{ db *sql.DB }

func (r tokenRepo) Create(ctx context.Context, token *auth.VerificationToken) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO verification_tokens (id, token_hash, identifier, purpose, expires_at, consumed_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		token.ID.String(),
		token.TokenHash,
		token.Identifier,
		string(token.Purpose),
		toMicros(token.ExpiresAt),
		toNullMicros(token.ConsumedAt),
		toMicros(token.CreatedAt),
	)
	if isUniqueViolation(err) {
		return oops.Code("TOKEN_DUPLICATE").With("purpose", string(token.Purpose)).Wrap(auth.ErrDuplicate)
	}
	if err != nil {
		return oops.Code("TOKEN_CREATE_FAILED").With("purpose", string(token.Purpose)).Wrap(err)
	}
	return nil
}

func (r tokenRepo) Consume(ctx context.Context, params auth.ConsumeParams) (*auth.VerificationToken, error) {
	row := r.db.QueryRowContext(ctx,
		`UPDATE verification_tokens
		    SET consumed_at = ?4
		  WHERE token_hash = ?1
		    AND purpose = ?2
		    AND (?3 = '' OR identifier = ?3)
		    AND consumed_at IS NULL
		    AND expires_at > ?4
		 RETURNING id, token_hash, identifier, purpose, expires_at, consumed_at, created_at`,
		params.TokenHash, string(params.Purpose), params.Identifier, toMicros(params.Now))

	var (
		idStr, purpose       string
		expiresAt, createdAt int64
		consumedAt           sql.NullInt64
		token                auth.VerificationToken
	)
	err := row.Scan(&idStr, &token.TokenHash, &token.Identifier, &purpose, &expiresAt, &consumedAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, oops.Code("TOKEN_NOT_FOUND").With("purpose", string(params.Purpose)).Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("TOKEN_CONSUME_FAILED").With("purpose", string(params.Purpose)).Wrap(err)
	}
	if token.ID, err = ulid.Parse(idStr); err != nil {
		return nil, oops.Code("TOKEN_INVALID_ID").With("id", idStr).Wrap(err)
	}
	token.Purpose = auth.Purpose(purpose)
	token.ExpiresAt = fromMicros(expiresAt)
	token.ConsumedAt = fromNullMicros(consumedAt)
	token.CreatedAt = fromMicros(createdAt)
	return &token, nil
}

func (r tokenRepo) DeleteByIdentifier(ctx context.Context, identifier string, purpose auth.Purpose) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM verification_tokens WHERE identifier = ? AND purpose = ?`,
		identifier, string(purpose))
	if err != nil {
		return oops.Code("TOKEN_DELETE_BY_IDENTIFIER_FAILED").With("purpose", string(purpose)).Wrap(err)
	}
	return nil
}

func (r tokenRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM verification_tokens WHERE expires_at < ?`, toMicros(now))
	return rowsAffected(res, err, "TOKEN_DELETE_EXPIRED_FAILED")
}

type counterRepo struct{ db *sql.DB }

// hitSQL mirrors auth.RateLimitHit.Apply in one upsert.
//
//	?1 identifier  ?2 now  ?3 threshold  ?4 lockout end or NULL
//	?5 window length  ?6 extend lockout
const hitSQL = `
INSERT INTO rate_limit_counters AS c (identifier, window_start, attempt_count, blocked_until)
VALUES (?1, ?2, 1, CASE WHEN 1 > ?3 THEN COALESCE(?4, ?2 + ?5) END)
ON CONFLICT (identifier) DO UPDATE SET
	window_start = CASE WHEN ` + restartCond + ` THEN excluded.window_start ELSE c.window_start END,
	attempt_count = CASE WHEN ` + restartCond + ` THEN excluded.attempt_count ELSE c.attempt_count + 1 END,
	blocked_until = CASE
		WHEN ` + restartCond + ` THEN excluded.blocked_until
		WHEN c.blocked_until IS NOT NULL THEN
			CASE WHEN ?6 AND COALESCE(?4, c.window_start + ?5) > c.blocked_until
				THEN COALESCE(?4, c.window_start + ?5)
				ELSE c.blocked_until
			END
		WHEN c.attempt_count + 1 > ?3 THEN COALESCE(?4, c.window_start + ?5)
	END
RETURNING identifier, window_start, attempt_count, blocked_until`

const restartCond = `(CASE WHEN c.blocked_until IS NOT NULL
	THEN ?2 >= c.blocked_until
	ELSE ?2 >= c.window_start + ?5
END)`

func (r counterRepo) Hit(ctx context.Context, hit auth.RateLimitHit) (*auth.RateLimitCounter, error) {
	var lockoutEnd sql.NullInt64
	if hit.Lockout > 0 {
		lockoutEnd = sql.NullInt64{Int64: toMicros(hit.Now.Add(hit.Lockout)), Valid: true}
	}

	row := r.db.QueryRowContext(ctx, hitSQL,
		hit.Identifier,
		toMicros(hit.Now),
		hit.Threshold,
		lockoutEnd,
		hit.Window.Microseconds(),
		hit.ExtendLockout,
	)

	var (
		counter      auth.RateLimitCounter
		windowStart  int64
		blockedUntil sql.NullInt64
	)
	if err := row.Scan(&counter.Identifier, &windowStart, &counter.AttemptCount, &blockedUntil); err != nil {
		return nil, oops.Code("RATE_LIMIT_HIT_FAILED").Wrap(err)
	}
	counter.WindowStart = fromMicros(windowStart)
	counter.BlockedUntil = fromNullMicros(blockedUntil)
	return &counter, nil
}

func (r counterRepo) Reset(ctx context.Context, identifier string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM rate_limit_counters WHERE identifier = ?`, identifier); err != nil {
		return oops.Code("RATE_LIMIT_RESET_FAILED").Wrap(err)
	}
	return nil
}

func (r counterRepo) DeleteStale(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM rate_limit_counters
		  WHERE window_start < ?1
		    AND (blocked_until IS NULL OR blocked_until < ?1)`,
		toMicros(before))
	return rowsAffected(res, err, "RATE_LIMIT_DELETE_STALE_FAILED")
}
