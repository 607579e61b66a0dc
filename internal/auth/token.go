// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
)

// Purpose scopes a verification token to one use case.
type Purpose string

// Token purposes.
const (
	PurposeEmailVerification Purpose = "email_verification"
	PurposePasswordReset     Purpose = "password_reset"
)

// Valid reports whether p is a known purpose.
func (p Purpose) Valid() bool {
	return p == PurposeEmailVerification || p == PurposePasswordReset
}

// Token configuration.
const (
	VerificationTokenBytes = 32 // 256 bits, hex-encoded to 64 chars

	DefaultEmailVerificationTTL = 24 * time.Hour
	DefaultPasswordResetTTL     = time.Hour

	// tokenCreateAttempts bounds regeneration after hash collisions.
	tokenCreateAttempts = 3
)

// VerificationToken is a stored one-time token. Only the SHA-256 of the
// plaintext is persisted.
type VerificationToken struct {
	ID         ulid.ULID
	TokenHash  string
	Identifier string
	Purpose    Purpose
	ExpiresAt  time.Time
	ConsumedAt *time.Time
	CreatedAt  time.Time
}

// IsExpiredAt returns true if the token is expired at t.
func (v *VerificationToken) IsExpiredAt(t time.Time) bool {
	return !t.Before(v.ExpiresAt)
}

// IsConsumed reports whether the token was already redeemed.
func (v *VerificationToken) IsConsumed() bool {
	return v.ConsumedAt != nil
}

// NewVerificationToken creates a validated VerificationToken.
func NewVerificationToken(identifier string, purpose Purpose, tokenHash string, expiresAt, now time.Time) (*VerificationToken, error) {
	if identifier == "" {
		return nil, oops.Code("TOKEN_INVALID_IDENTIFIER").Errorf("identifier cannot be empty")
	}
	if !purpose.Valid() {
		return nil, oops.Code("TOKEN_INVALID_PURPOSE").With("purpose", string(purpose)).Errorf("unknown token purpose")
	}
	if tokenHash == "" {
		return nil, oops.Code("TOKEN_INVALID_HASH").Errorf("token hash cannot be empty")
	}
	if !expiresAt.After(now) {
		return nil, oops.Code("TOKEN_INVALID_EXPIRY").Errorf("expiry must be in the future")
	}
	return &VerificationToken{
		ID:         ulid.Make(),
		TokenHash:  tokenHash,
		Identifier: identifier,
		Purpose:    purpose,
		ExpiresAt:  expiresAt,
		CreatedAt:  now,
	}, nil
}

// ConsumeParams selects the token a Consume call redeems.
type ConsumeParams struct {
	Purpose   Purpose
	TokenHash string

	// Identifier restricts the match when non-empty.
	Identifier string

	Now time.Time
}

// VerificationTokenRepository manages verification token persistence.
type VerificationTokenRepository interface {
	// Create stores a new token. Returns ErrDuplicate on a token hash collision.
	Create(ctx context.Context, token *VerificationToken) error

	// Consume atomically marks a matching token consumed and returns it.
	// The match requires purpose, hash, identifier (when set), no prior
	// consumption, and expiry after Now, evaluated in a single conditional
	// write. Returns ErrNotFound when nothing matched.
	Consume(ctx context.Context, params ConsumeParams) (*VerificationToken, error)

	// DeleteByIdentifier removes every token for identifier and purpose.
	DeleteByIdentifier(ctx context.Context, identifier string, purpose Purpose) error

	// DeleteExpired removes tokens with expires_at before now and returns
	// the count of deleted records.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// IssuedToken is returned once, at creation; the plaintext is not stored.
type IssuedToken struct {
	Token     string
	ExpiresAt time.Time
}

// TokenService issues and redeems purpose-scoped single-use tokens.
type TokenService struct {
	repo  VerificationTokenRepository
	clock func() time.Time
}

// NewTokenService creates a TokenService.
func NewTokenService(repo VerificationTokenRepository, clock func() time.Time) (*TokenService, error) {
	if repo == nil {
		return nil, oops.Code("TOKEN_SERVICE_INVALID").Errorf("token repository is required")
	}
	if clock == nil {
		clock = time.Now
	}
	return &TokenService{repo: repo, clock: clock}, nil
}

// CreateToken mints a token for identifier and purpose valid for ttl.
// A hash collision triggers regeneration rather than failing the caller.
func (s *TokenService) CreateToken(ctx context.Context, identifier string, purpose Purpose, ttl time.Duration) (IssuedToken, error) {
	if ttl <= 0 {
		return IssuedToken{}, oops.Code("TOKEN_INVALID_TTL").With("ttl", ttl.String()).Errorf("token ttl must be positive")
	}

	var issued IssuedToken
	backoff := retry.WithMaxRetries(tokenCreateAttempts-1, retry.NewConstant(time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		token, hash, err := GenerateVerificationToken()
		if err != nil {
			return err
		}

		now := s.clock()
		record, err := NewVerificationToken(identifier, purpose, hash, now.Add(ttl), now)
		if err != nil {
			return err
		}

		if err := s.repo.Create(ctx, record); err != nil {
			if errors.Is(err, ErrDuplicate) {
				return retry.RetryableError(err)
			}
			return err
		}

		issued = IssuedToken{Token: token, ExpiresAt: record.ExpiresAt}
		return nil
	})
	if err != nil {
		return IssuedToken{}, oops.Code("TOKEN_CREATE_FAILED").
			With("purpose", string(purpose)).
			Wrap(err)
	}

	tokensIssued.WithLabelValues(string(purpose)).Inc()
	return issued, nil
}

// VerifyToken redeems token for identifier and purpose. It succeeds at most
// once per token. Unknown, expired, consumed, wrong-identifier and
// wrong-purpose tokens all produce the same AUTH_INVALID_TOKEN error;
// only repository failures differ.
func (s *TokenService) VerifyToken(ctx context.Context, purpose Purpose, token, identifier string) (*VerificationToken, error) {
	if identifier == "" {
		return nil, errInvalidToken()
	}
	return s.consume(ctx, purpose, token, identifier)
}

// Redeem consumes token for purpose when the caller holds only the token.
// The returned record carries the identifier it was issued for.
func (s *TokenService) Redeem(ctx context.Context, purpose Purpose, token string) (*VerificationToken, error) {
	return s.consume(ctx, purpose, token, "")
}

func (s *TokenService) consume(ctx context.Context, purpose Purpose, token, identifier string) (*VerificationToken, error) {
	if token == "" || !purpose.Valid() {
		return nil, errInvalidToken()
	}

	record, err := s.repo.Consume(ctx, ConsumeParams{
		Purpose:    purpose,
		TokenHash:  HashToken(token),
		Identifier: identifier,
		Now:        s.clock(),
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, errInvalidToken()
		}
		return nil, oops.Code("TOKEN_CONSUME_FAILED").
			With("purpose", string(purpose)).
			Wrap(err)
	}
	return record, nil
}

// RevokeTokens deletes every outstanding token for identifier and purpose.
func (s *TokenService) RevokeTokens(ctx context.Context, identifier string, purpose Purpose) error {
	if err := s.repo.DeleteByIdentifier(ctx, identifier, purpose); err != nil {
		return oops.Code("TOKEN_REVOKE_FAILED").
			With("purpose", string(purpose)).
			Wrap(err)
	}
	return nil
}

// CleanupExpiredTokens deletes expired tokens. Unexpired tokens, consumed or
// not, are left alone; running it concurrently with redemption is safe.
func (s *TokenService) CleanupExpiredTokens(ctx context.Context) (int64, error) {
	n, err := s.repo.DeleteExpired(ctx, s.clock())
	if err != nil {
		return 0, oops.Code("TOKEN_CLEANUP_FAILED").Wrap(err)
	}
	cleanupDeleted.WithLabelValues("verification_tokens").Add(float64(n))
	return n, nil
}

// GenerateVerificationToken creates a secure random token and its hash.
// Returns (plaintext_token, sha256_hash, error).
// The plaintext token is sent to the user; the hash is stored in the database.
func GenerateVerificationToken() (token, hash string, err error) {
	return generateToken(VerificationTokenBytes, "TOKEN_GENERATE_FAILED")
}

// HashToken computes the hex SHA-256 of a token. Session and verification
// tokens are stored in this form only.
func HashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

func generateToken(size int, code string) (token, hash string, err error) {
	tokenBytes := make([]byte, size)
	if _, err = rand.Read(tokenBytes); err != nil {
		return "", "", oops.Code(code).
			With("operation", "crypto/rand.Read").
			With("requested_bytes", size).
			Wrap(err)
	}

	token = hex.EncodeToString(tokenBytes)
	return token, HashToken(token), nil
}
