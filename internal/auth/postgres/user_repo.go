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

const userColumns = `id, email, name, password_hash, email_verified_at, created_at, updated_at`

// UserRepository implements auth.UserRepository using PostgreSQL.
type UserRepository struct {
	db DB
}

// NewUserRepository creates a new UserRepository.
func NewUserRepository(db DB) *UserRepository {
	return &UserRepository{db: db}
}

// Create stores a new user. The email is stored normalized.
func (r *UserRepository) Create(ctx context.Context, user *auth.User) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		user.ID.String(),
		auth.NormalizeEmail(user.Email),
		user.Name,
		user.PasswordHash,
		user.EmailVerifiedAt,
		user.CreatedAt,
		user.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return oops.Code("USER_DUPLICATE").
			With("user_id", user.ID.String()).
			Wrap(auth.ErrDuplicate)
	}
	if err != nil {
		return oops.Code("USER_CREATE_FAILED").
			With("operation", "insert user").
			With("user_id", user.ID.String()).
			Wrap(err)
	}
	return nil
}

// GetByID retrieves a user by ID.
func (r *UserRepository) GetByID(ctx context.Context, id ulid.ULID) (*auth.User, error) {
	row := r.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id.String())

	user, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("USER_NOT_FOUND").
			With("id", id.String()).
			Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("USER_GET_BY_ID_FAILED").
			With("operation", "get user by id").
			With("id", id.String()).
			Wrap(err)
	}
	return user, nil
}

// GetByEmail retrieves a user by normalized email.
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*auth.User, error) {
	row := r.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, auth.NormalizeEmail(email))

	user, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("USER_NOT_FOUND").Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("USER_GET_BY_EMAIL_FAILED").
			With("operation", "get user by email").
			Wrap(err)
	}
	return user, nil
}

// UpdatePassword replaces the password hash for a user.
func (r *UserRepository) UpdatePassword(ctx context.Context, id ulid.ULID, passwordHash string, at time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE users SET password_hash = $2, updated_at = $3 WHERE id = $1
	`, id.String(), passwordHash, at)
	if err != nil {
		return oops.Code("USER_UPDATE_PASSWORD_FAILED").
			With("operation", "update password").
			With("id", id.String()).
			Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return oops.Code("USER_NOT_FOUND").With("id", id.String()).Wrap(auth.ErrNotFound)
	}
	return nil
}

// MarkEmailVerified sets email_verified_at unless it is already set.
func (r *UserRepository) MarkEmailVerified(ctx context.Context, id ulid.ULID, at time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE users
		SET email_verified_at = COALESCE(email_verified_at, $2), updated_at = $2
		WHERE id = $1
	`, id.String(), at)
	if err != nil {
		return oops.Code("USER_MARK_VERIFIED_FAILED").
			With("operation", "mark email verified").
			With("id", id.String()).
			Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return oops.Code("USER_NOT_FOUND").With("id", id.String()).Wrap(auth.ErrNotFound)
	}
	return nil
}

func scanUser(row pgx.Row) (*auth.User, error) {
	var (
		idStr string
		user  auth.User
	)
	err := row.Scan(
		&idStr,
		&user.Email,
		&user.Name,
		&user.PasswordHash,
		&user.EmailVerifiedAt,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		return nil, err //nolint:wrapcheck // callers decide between not-found and failure
	}
	if user.ID, err = ulid.Parse(idStr); err != nil {
		return nil, oops.Code("USER_INVALID_ID").With("id", idStr).Wrap(err)
	}
	return &user, nil
}

// LinkedAccountRepository implements auth.LinkedAccountRepository using PostgreSQL.
type LinkedAccountRepository struct {
	db DB
}

// NewLinkedAccountRepository creates a new LinkedAccountRepository.
func NewLinkedAccountRepository(db DB) *LinkedAccountRepository {
	return &LinkedAccountRepository{db: db}
}

// Create stores a new link.
func (r *LinkedAccountRepository) Create(ctx context.Context, account *auth.LinkedAccount) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO linked_accounts (id, user_id, provider, provider_account_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`,
		account.ID.String(),
		account.UserID.String(),
		account.Provider,
		account.ProviderAccountID,
		account.CreatedAt,
	)
	switch {
	case err == nil:
		return nil
	case isUniqueViolation(err):
		return oops.Code("LINKED_ACCOUNT_DUPLICATE").
			With("provider", account.Provider).
			Wrap(auth.ErrDuplicate)
	case isForeignKeyViolation(err):
		return oops.Code("LINKED_ACCOUNT_NO_USER").
			With("user_id", account.UserID.String()).
			Wrap(err)
	default:
		return oops.Code("LINKED_ACCOUNT_CREATE_FAILED").
			With("operation", "insert linked account").
			With("provider", account.Provider).
			Wrap(err)
	}
}

// GetByProviderAccount retrieves the link for a provider identity.
func (r *LinkedAccountRepository) GetByProviderAccount(ctx context.Context, provider, providerAccountID string) (*auth.LinkedAccount, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, user_id, provider, provider_account_id, created_at
		FROM linked_accounts
		WHERE provider = $1 AND provider_account_id = $2
	`, provider, providerAccountID)

	account, err := scanLinkedAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("LINKED_ACCOUNT_NOT_FOUND").
			With("provider", provider).
			Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("LINKED_ACCOUNT_GET_FAILED").
			With("operation", "get linked account").
			With("provider", provider).
			Wrap(err)
	}
	return account, nil
}

// ListByUser returns every link belonging to a user, oldest first.
func (r *LinkedAccountRepository) ListByUser(ctx context.Context, userID ulid.ULID) ([]*auth.LinkedAccount, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, user_id, provider, provider_account_id, created_at
		FROM linked_accounts
		WHERE user_id = $1
		ORDER BY created_at
	`, userID.String())
	if err != nil {
		return nil, oops.Code("LINKED_ACCOUNT_LIST_FAILED").
			With("operation", "list linked accounts").
			With("user_id", userID.String()).
			Wrap(err)
	}
	defer rows.Close()

	var accounts []*auth.LinkedAccount
	for rows.Next() {
		account, err := scanLinkedAccount(rows)
		if err != nil {
			return nil, oops.Code("LINKED_ACCOUNT_SCAN_FAILED").
				With("operation", "scan linked account row").
				Wrap(err)
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.Code("LINKED_ACCOUNT_ROWS_ERROR").
			With("operation", "iterate linked account rows").
			Wrap(err)
	}
	return accounts, nil
}

func scanLinkedAccount(row pgx.Row) (*auth.LinkedAccount, error) {
	var (
		idStr, userIDStr string
		account          auth.LinkedAccount
	)
	if err := row.Scan(&idStr, &userIDStr, &account.Provider, &account.ProviderAccountID, &account.CreatedAt); err != nil {
		return nil, err //nolint:wrapcheck // callers decide between not-found and failure
	}
	var err error
	if account.ID, err = ulid.Parse(idStr); err != nil {
		return nil, oops.Code("LINKED_ACCOUNT_INVALID_ID").With("id", idStr).Wrap(err)
	}
	if account.UserID, err = ulid.Parse(userIDStr); err != nil {
		return nil, oops.Code("LINKED_ACCOUNT_INVALID_USER_ID").With("user_id", userIDStr).Wrap(err)
	}
	return &account, nil
}
