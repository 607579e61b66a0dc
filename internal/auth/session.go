// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/gatehouse/gatehouse/pkg/errutil"
)

// Session token configuration.
const (
	SessionTokenBytes = 32 // 32 bytes = 64 hex chars

	DefaultSessionTTL       = 30 * 24 * time.Hour
	DefaultSessionUpdateAge = 24 * time.Hour
)

// Reasons recorded when sessions are invalidated.
const (
	ReasonPasswordChange = "password_change"
	ReasonPasswordReset  = "password_reset"
	ReasonSignOut        = "sign_out"
)

// Session is a signed-in browser or client. The plaintext token is only ever
// held by the client; TokenHash is what gets stored.
type Session struct {
	ID              ulid.ULID
	UserID          ulid.ULID
	TokenHash       string
	OriginAddress   string // empty when the session is not origin-bound
	CreatedAt       time.Time
	LastValidatedAt time.Time
	ExpiresAt       time.Time
}

// NewSession creates a validated Session instance.
// OriginAddress is optional and may be empty.
func NewSession(userID ulid.ULID, tokenHash, originAddress string, expiresAt, now time.Time) (*Session, error) {
	if userID.Compare(ulid.ULID{}) == 0 {
		return nil, oops.Code("SESSION_INVALID_USER").Errorf("user ID cannot be zero")
	}
	if tokenHash == "" {
		return nil, oops.Code("SESSION_INVALID_HASH").Errorf("token hash cannot be empty")
	}
	if !expiresAt.After(now) {
		return nil, oops.Code("SESSION_INVALID_EXPIRY").Errorf("expiry must be in the future")
	}

	return &Session{
		ID:              ulid.Make(),
		UserID:          userID,
		TokenHash:       tokenHash,
		OriginAddress:   originAddress,
		CreatedAt:       now,
		LastValidatedAt: now,
		ExpiresAt:       expiresAt,
	}, nil
}

// IsExpiredAt returns true if the session would be expired at the given time.
func (s *Session) IsExpiredAt(t time.Time) bool {
	return !t.Before(s.ExpiresAt)
}

// IsOriginBound reports whether the session was created with origin binding.
func (s *Session) IsOriginBound() bool {
	return s.OriginAddress != ""
}

// SessionRepository manages session persistence.
type SessionRepository interface {
	// Create stores a new session.
	Create(ctx context.Context, session *Session) error

	// GetByTokenHash retrieves a session by its token hash.
	GetByTokenHash(ctx context.Context, tokenHash string) (*Session, error)

	// Touch moves LastValidatedAt and ExpiresAt forward.
	Touch(ctx context.Context, id ulid.ULID, lastValidatedAt, expiresAt time.Time) error

	// Delete removes a session by ID.
	Delete(ctx context.Context, id ulid.ULID) error

	// DeleteByUser removes all sessions for a user in one statement and
	// returns how many were removed.
	DeleteByUser(ctx context.Context, userID ulid.ULID) (int64, error)

	// DeleteExpired removes sessions expired before now and returns the
	// count of deleted records.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// SessionConfig configures session issuance.
type SessionConfig struct {
	// TTL is the lifetime of a new session.
	TTL time.Duration `koanf:"ttl" env:"TTL"`

	// UpdateAge is how stale LastValidatedAt may get before a validation
	// slides the expiry forward. Zero disables sliding expiry.
	UpdateAge time.Duration `koanf:"update_age" env:"UPDATE_AGE"`

	// BindOrigin records the creating address so later validations from a
	// different address fail.
	BindOrigin bool `koanf:"bind_origin" env:"BIND_ORIGIN"`
}

// DefaultSessionConfig returns 30-day sessions refreshed daily, origin-bound.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		TTL:        DefaultSessionTTL,
		UpdateAge:  DefaultSessionUpdateAge,
		BindOrigin: true,
	}
}

// IssuedSession pairs a stored session with the plaintext token handed to
// the client.
type IssuedSession struct {
	Token   string
	Session *Session
}

// SessionManager issues, validates and invalidates sessions.
type SessionManager struct {
	repo   SessionRepository
	cfg    SessionConfig
	clock  func() time.Time
	logger *slog.Logger
}

// NewSessionManager creates a SessionManager.
func NewSessionManager(repo SessionRepository, cfg SessionConfig, clock func() time.Time, logger *slog.Logger) (*SessionManager, error) {
	if repo == nil {
		return nil, oops.Code("SESSION_MANAGER_INVALID").Errorf("session repository is required")
	}
	if cfg.TTL <= 0 {
		return nil, oops.Code("SESSION_MANAGER_INVALID").With("ttl", cfg.TTL.String()).Errorf("session ttl must be positive")
	}
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{repo: repo, cfg: cfg, clock: clock, logger: logger}, nil
}

// CreateSession issues a session for userID. origin is recorded only when
// origin binding is enabled.
func (m *SessionManager) CreateSession(ctx context.Context, userID ulid.ULID, origin string) (IssuedSession, error) {
	token, tokenHash, err := GenerateSessionToken()
	if err != nil {
		return IssuedSession{}, err
	}

	if !m.cfg.BindOrigin {
		origin = ""
	}

	now := m.clock()
	session, err := NewSession(userID, tokenHash, origin, now.Add(m.cfg.TTL), now)
	if err != nil {
		return IssuedSession{}, oops.Code("SESSION_CREATE_FAILED").
			With("operation", "new session").
			Wrap(err)
	}

	if err := m.repo.Create(ctx, session); err != nil {
		return IssuedSession{}, oops.Code("SESSION_CREATE_FAILED").
			With("operation", "persist session").
			With("user_id", userID.String()).
			Wrap(err)
	}

	return IssuedSession{Token: token, Session: session}, nil
}

// ValidateSession returns the session for token if it exists, has not
// expired, and, when both the session and the caller carry an origin
// address, the addresses match. Sessions created without an origin are
// never origin-checked.
func (m *SessionManager) ValidateSession(ctx context.Context, token, origin string) (*Session, error) {
	if token == "" {
		return nil, oops.Code(CodeSessionInvalid).Errorf("session token cannot be empty")
	}

	session, err := m.repo.GetByTokenHash(ctx, HashSessionToken(token))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, oops.Code(CodeSessionInvalid).Errorf("invalid session token")
		}
		return nil, oops.Code("SESSION_VALIDATE_FAILED").
			With("operation", "get session by token hash").
			Wrap(err)
	}

	now := m.clock()
	if session.IsExpiredAt(now) {
		return nil, oops.Code(CodeSessionInvalid).Errorf("session has expired")
	}

	if session.IsOriginBound() && origin != "" && origin != session.OriginAddress {
		m.logger.WarnContext(ctx, "session origin mismatch",
			"session_id", session.ID.String(),
			"user_id", session.UserID.String(),
			"origin", origin,
		)
		return nil, oops.Code(CodeSessionInvalid).Errorf("session origin mismatch")
	}

	if m.cfg.UpdateAge > 0 && now.Sub(session.LastValidatedAt) >= m.cfg.UpdateAge {
		expiresAt := now.Add(m.cfg.TTL)
		if err := m.repo.Touch(ctx, session.ID, now, expiresAt); err != nil {
			errutil.LogErrorContext(ctx, m.logger, "failed to refresh session expiry", err)
		} else {
			session.LastValidatedAt = now
			session.ExpiresAt = expiresAt
		}
	}

	return session, nil
}

// InvalidateUserSessions deletes every session belonging to userID,
// regardless of origin. reason is recorded in the audit log only.
func (m *SessionManager) InvalidateUserSessions(ctx context.Context, userID ulid.ULID, reason string) (int64, error) {
	n, err := m.repo.DeleteByUser(ctx, userID)
	if err != nil {
		return 0, oops.Code("SESSION_INVALIDATE_FAILED").
			With("user_id", userID.String()).
			With("reason", reason).
			Wrap(err)
	}

	m.logger.InfoContext(ctx, "user sessions invalidated",
		"user_id", userID.String(),
		"reason", reason,
		"count", n,
	)
	return n, nil
}

// RevokeSession deletes the session identified by token. Unknown tokens are
// not an error.
func (m *SessionManager) RevokeSession(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	session, err := m.repo.GetByTokenHash(ctx, HashSessionToken(token))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return oops.Code("SESSION_REVOKE_FAILED").
			With("operation", "get session by token hash").
			Wrap(err)
	}
	if err := m.repo.Delete(ctx, session.ID); err != nil && !errors.Is(err, ErrNotFound) {
		return oops.Code("SESSION_REVOKE_FAILED").
			With("operation", "delete session").
			With("session_id", session.ID.String()).
			Wrap(err)
	}
	m.logger.InfoContext(ctx, "session revoked",
		"session_id", session.ID.String(),
		"user_id", session.UserID.String(),
		"reason", ReasonSignOut,
	)
	return nil
}

// CleanupExpiredSessions deletes expired sessions.
func (m *SessionManager) CleanupExpiredSessions(ctx context.Context) (int64, error) {
	n, err := m.repo.DeleteExpired(ctx, m.clock())
	if err != nil {
		return 0, oops.Code("SESSION_CLEANUP_FAILED").Wrap(err)
	}
	cleanupDeleted.WithLabelValues("sessions").Add(float64(n))
	return n, nil
}

// GenerateSessionToken creates a secure random token and its hash.
// Returns (plaintext_token, sha256_hash, error).
// The plaintext token is sent to the client; the hash is stored in the database.
func GenerateSessionToken() (token, hash string, err error) {
	return generateToken(SessionTokenBytes, "SESSION_TOKEN_GENERATE_FAILED")
}

// HashSessionToken computes the SHA256 hash of a session token.
func HashSessionToken(token string) string {
	return HashToken(token)
}
