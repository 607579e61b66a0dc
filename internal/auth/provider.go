// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/gatehouse/gatehouse/pkg/errutil"
)

var tracer = otel.Tracer("gatehouse/auth")

// Provider is the credential capability exposed to transports.
type Provider interface {
	Authenticate(ctx context.Context, creds Credentials) (SignIn, error)
	CreateUser(ctx context.Context, in NewUserInput) (PublicUser, error)
	ChangePassword(ctx context.Context, userID ulid.ULID, current, next string) error
	RequestPasswordReset(ctx context.Context, email, origin string) error
	ResetPasswordWithToken(ctx context.Context, token, next string) error
	SendEmailVerification(ctx context.Context, email string) error
	VerifyEmailWithToken(ctx context.Context, token string) (PublicUser, error)
	LinkOrCreateOAuthUser(ctx context.Context, identity OAuthIdentity) (OAuthResult, error)
	ValidateSession(ctx context.Context, token, origin string) (ValidatedSession, error)
	InvalidateUserSessions(ctx context.Context, userID ulid.ULID, reason string) (int64, error)
	SignOut(ctx context.Context, token string) error
}

// Store aggregates the repositories a backend provides.
type Store interface {
	Users() UserRepository
	LinkedAccounts() LinkedAccountRepository
	Sessions() SessionRepository
	Tokens() VerificationTokenRepository
	RateLimits() RateLimitRepository

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
	Close() error
}

// Link is a token embedded in a URL the user follows from an email.
type Link struct {
	Token     string
	URL       string
	ExpiresAt time.Time
}

// Notifier delivers account emails.
type Notifier interface {
	SendVerificationEmail(ctx context.Context, email string, link Link) error
	SendPasswordResetEmail(ctx context.Context, email string, link Link) error
}

// Credentials are the inputs to a password sign-in. Origin is the client
// address used for rate limiting and session binding.
type Credentials struct {
	Email    string
	Password string
	Origin   string
}

// SignIn is a successful authentication.
type SignIn struct {
	User         PublicUser
	SessionToken string
	ExpiresAt    time.Time
}

// NewUserInput are the fields of a password sign-up.
type NewUserInput struct {
	Email    string
	Name     string
	Password string
}

// OAuthIdentity is the profile an external identity provider asserted.
type OAuthIdentity struct {
	Provider          string
	ProviderAccountID string
	Email             string
	EmailVerified     bool
	Name              string
}

// OAuthResult reports how an identity was resolved.
type OAuthResult struct {
	User    PublicUser
	Created bool // a new user was created
	Linked  bool // a new link was added to an existing or new user
}

// ValidatedSession is a live session and its owner.
type ValidatedSession struct {
	Session *Session
	User    PublicUser
}

// ProviderConfig configures a CredentialProvider.
type ProviderConfig struct {
	Policy    PolicyConfig    `koanf:"policy" envPrefix:"POLICY_"`
	Session   SessionConfig   `koanf:"session" envPrefix:"SESSION_"`
	RateLimit RateLimitConfig `koanf:"rate_limit" envPrefix:"RATE_LIMIT_"`

	EmailVerificationTTL time.Duration `koanf:"email_verification_ttl" env:"EMAIL_VERIFICATION_TTL"`
	PasswordResetTTL     time.Duration `koanf:"password_reset_ttl" env:"PASSWORD_RESET_TTL"`

	// BaseURL, VerifyEmailPath and ResetPasswordPath form emailed links.
	BaseURL           string `koanf:"base_url" env:"BASE_URL"`
	VerifyEmailPath   string `koanf:"verify_email_path" env:"VERIFY_EMAIL_PATH"`
	ResetPasswordPath string `koanf:"reset_password_path" env:"RESET_PASSWORD_PATH"`

	// ImplicitOAuthLinking links a provider identity to an existing user
	// with the same email when the provider asserts the email is verified.
	ImplicitOAuthLinking bool `koanf:"implicit_oauth_linking" env:"IMPLICIT_OAUTH_LINKING"`

	// SendVerificationOnSignup mails a verification link after CreateUser.
	SendVerificationOnSignup bool `koanf:"send_verification_on_signup" env:"SEND_VERIFICATION_ON_SIGNUP"`

	// HashWorkers bounds concurrent hash operations; 0 uses GOMAXPROCS.
	HashWorkers int `koanf:"hash_workers" env:"HASH_WORKERS"`

	// MailWorkers bounds concurrent background mail jobs and MailTimeout
	// bounds each one, token issue and delivery retries included.
	MailWorkers int           `koanf:"mail_workers" env:"MAIL_WORKERS"`
	MailTimeout time.Duration `koanf:"mail_timeout" env:"MAIL_TIMEOUT"`
}

// DefaultProviderConfig returns the production defaults.
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		Policy:                   DefaultPolicyConfig(),
		Session:                  DefaultSessionConfig(),
		RateLimit:                DefaultRateLimitConfig(),
		EmailVerificationTTL:     DefaultEmailVerificationTTL,
		PasswordResetTTL:         DefaultPasswordResetTTL,
		BaseURL:                  "http://localhost:3000",
		VerifyEmailPath:          "/verify-email",
		ResetPasswordPath:        "/reset-password",
		ImplicitOAuthLinking:     true,
		SendVerificationOnSignup: true,
		MailWorkers:              DefaultMailWorkers,
		MailTimeout:              DefaultMailTimeout,
	}
}

// Validate checks the configuration.
func (c ProviderConfig) Validate() error {
	if err := c.Policy.Validate(); err != nil {
		return err
	}
	if err := c.RateLimit.Validate(); err != nil {
		return err
	}
	if c.Session.TTL <= 0 {
		return oops.Code("CONFIG_INVALID").With("session_ttl", c.Session.TTL.String()).Errorf("session ttl must be positive")
	}
	if c.EmailVerificationTTL <= 0 || c.PasswordResetTTL <= 0 {
		return oops.Code("CONFIG_INVALID").Errorf("token ttls must be positive")
	}
	if c.MailWorkers < 0 || c.MailTimeout < 0 {
		return oops.Code("CONFIG_INVALID").Errorf("mail workers and timeout cannot be negative")
	}
	if u, err := url.Parse(c.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return oops.Code("CONFIG_INVALID").With("base_url", c.BaseURL).Errorf("base url must be an absolute URL")
	}
	return nil
}

// ProviderDeps are the collaborators of a CredentialProvider. Hasher and
// Notifier are required; Logger and Clock default to slog.Default and
// time.Now.
type ProviderDeps struct {
	Store    Store
	Hasher   PasswordHasher
	Notifier Notifier
	Logger   *slog.Logger
	Clock    func() time.Time
}

// CredentialProvider implements Provider on top of a Store.
type CredentialProvider struct {
	cfg       ProviderConfig
	store     Store
	hashers   *HashWorkers
	policy    *PasswordPolicy
	tokens    *TokenService
	sessions  *SessionManager
	limiter   *RateLimiter
	notifier  Notifier
	mail      *mailDispatcher
	logger    *slog.Logger
	clock     func() time.Time
	dummyHash string
}

var _ Provider = (*CredentialProvider)(nil)

// NewCredentialProvider wires a provider from cfg and deps.
func NewCredentialProvider(cfg ProviderConfig, deps ProviderDeps) (*CredentialProvider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Store == nil {
		return nil, oops.Code("PROVIDER_INVALID").Errorf("store is required")
	}
	if deps.Hasher == nil {
		return nil, oops.Code("PROVIDER_INVALID").Errorf("password hasher is required")
	}
	if deps.Notifier == nil {
		return nil, oops.Code("PROVIDER_INVALID").Errorf("notifier is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	dummy, err := newDummyHash(deps.Hasher)
	if err != nil {
		return nil, err
	}
	tokens, err := NewTokenService(deps.Store.Tokens(), clock)
	if err != nil {
		return nil, err
	}
	sessions, err := NewSessionManager(deps.Store.Sessions(), cfg.Session, clock, logger)
	if err != nil {
		return nil, err
	}
	limiter, err := NewRateLimiter(deps.Store.RateLimits(), cfg.RateLimit, clock)
	if err != nil {
		return nil, err
	}

	return &CredentialProvider{
		cfg:       cfg,
		store:     deps.Store,
		hashers:   NewHashWorkers(deps.Hasher, cfg.HashWorkers),
		policy:    NewPasswordPolicy(cfg.Policy),
		tokens:    tokens,
		sessions:  sessions,
		limiter:   limiter,
		notifier:  deps.Notifier,
		mail:      newMailDispatcher(cfg.MailWorkers, cfg.MailTimeout, logger),
		logger:    logger,
		clock:     clock,
		dummyHash: dummy,
	}, nil
}

// Close stops accepting background mail and waits, until ctx ends, for
// mail already handed off. Flows called after Close drop their mail.
func (p *CredentialProvider) Close(ctx context.Context) error {
	return p.mail.close(ctx)
}

// Policy returns the password policy in force.
func (p *CredentialProvider) Policy() *PasswordPolicy {
	return p.policy
}

// Cleanup removes expired tokens, sessions and stale rate-limit counters.
// Each sweep runs even if an earlier one failed; the first error is returned.
func (p *CredentialProvider) Cleanup(ctx context.Context) (CleanupReport, error) {
	var report CleanupReport
	var errs []error

	n, err := p.tokens.CleanupExpiredTokens(ctx)
	report.Tokens = n
	errs = append(errs, err)

	n, err = p.sessions.CleanupExpiredSessions(ctx)
	report.Sessions = n
	errs = append(errs, err)

	n, err = p.limiter.CleanupStale(ctx)
	report.RateLimitCounters = n
	errs = append(errs, err)

	return report, errors.Join(errs...)
}

// CleanupReport counts records removed by Cleanup.
type CleanupReport struct {
	Tokens            int64
	Sessions          int64
	RateLimitCounters int64
}

// storeFailure logs the underlying error and returns the generic store error.
func (p *CredentialProvider) storeFailure(ctx context.Context, operation string, err error) error {
	errutil.LogErrorContext(ctx, p.logger, "auth store operation failed", oops.With("operation", operation).Wrap(err))
	return errStoreUnavailable(operation)
}

// bestEffort logs a failed secondary effect.
func (p *CredentialProvider) bestEffort(ctx context.Context, msg string, err error) {
	if err != nil {
		errutil.LogErrorContext(ctx, p.logger, msg, err)
	}
}

// lookupByEmail returns (nil, nil) when no user has email.
func (p *CredentialProvider) lookupByEmail(ctx context.Context, email string) (*User, error) {
	user, err := p.store.Users().GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return user, nil
}

// checkPassword runs exactly one hash comparison: against the user's hash
// when there is one, otherwise against the dummy hash.
func (p *CredentialProvider) checkPassword(ctx context.Context, user *User, password string) (bool, error) {
	target := p.dummyHash
	hasHash := user != nil && user.HasPassword()
	if hasHash {
		target = user.PasswordHash
	}

	ok, err := p.hashers.Verify(ctx, password, target)
	if err != nil {
		if ErrorCode(err) == "AUTH_HASH_WAIT_CANCELLED" {
			return false, err
		}
		if hasHash {
			p.bestEffort(ctx, "stored password hash is unreadable", oops.With("user_id", user.ID.String()).Wrap(err))
		}
		return false, nil
	}
	return ok && hasHash, nil
}

// burnHash runs a dummy comparison so rejected requests cost the same as
// checked ones.
func (p *CredentialProvider) burnHash(ctx context.Context, password string) {
	_, _ = p.checkPassword(ctx, nil, password) //nolint:errcheck // timing only
}

func (p *CredentialProvider) link(path, token string, expiresAt time.Time) Link {
	u := strings.TrimRight(p.cfg.BaseURL, "/") + path + "?token=" + url.QueryEscape(token)
	return Link{Token: token, URL: u, ExpiresAt: expiresAt}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, ErrorCode(err))
	}
	span.End()
}
