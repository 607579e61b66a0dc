// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package auth

import (
	"context"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
)

// Authenticate signs a user in with email and password and issues a session.
//
// Every call counts against the rate limiter before the user is looked up.
// Unknown emails, OAuth-only accounts and wrong passwords all fail with
// AUTH_INVALID_CREDENTIALS after exactly one hash comparison.
func (p *CredentialProvider) Authenticate(ctx context.Context, creds Credentials) (res SignIn, err error) {
	defer observeFlow("authenticate", time.Now())
	ctx, span := tracer.Start(ctx, "auth.authenticate")
	defer func() { endSpan(span, err) }()

	email := NormalizeEmail(creds.Email)
	key := p.limiter.ScopedKey(ScopeLogin, email, creds.Origin)

	decision, err := p.limiter.CheckAndIncrement(ctx, key)
	if err != nil {
		authAttempts.WithLabelValues(outcomeError).Inc()
		return SignIn{}, p.storeFailure(ctx, "rate limit check", err)
	}
	if !decision.Allowed {
		p.burnHash(ctx, creds.Password)
		span.SetAttributes(attribute.Bool("auth.rate_limited", true))
		authAttempts.WithLabelValues(outcomeRateLimited).Inc()
		p.logger.WarnContext(ctx, "sign-in rate limited",
			"email", email,
			"origin", creds.Origin,
			"attempts", decision.Attempts,
		)
		return SignIn{}, errRateLimited(decision.RetryAfterSeconds())
	}

	user, err := p.lookupByEmail(ctx, email)
	if err != nil {
		authAttempts.WithLabelValues(outcomeError).Inc()
		return SignIn{}, p.storeFailure(ctx, "get user by email", err)
	}

	ok, err := p.checkPassword(ctx, user, creds.Password)
	if err != nil {
		authAttempts.WithLabelValues(outcomeError).Inc()
		return SignIn{}, err
	}
	if !ok {
		authAttempts.WithLabelValues(outcomeInvalid).Inc()
		return SignIn{}, errInvalidCredentials()
	}

	p.upgradeHash(ctx, user, creds.Password)
	if p.cfg.RateLimit.ResetOnSuccess {
		p.bestEffort(ctx, "failed to reset sign-in counter", p.limiter.Reset(ctx, key))
	}

	issued, err := p.sessions.CreateSession(ctx, user.ID, creds.Origin)
	if err != nil {
		authAttempts.WithLabelValues(outcomeError).Inc()
		return SignIn{}, p.storeFailure(ctx, "create session", err)
	}

	span.SetAttributes(attribute.String("auth.user_id", user.ID.String()))
	authAttempts.WithLabelValues(outcomeSuccess).Inc()
	p.logger.InfoContext(ctx, "user signed in",
		"user_id", user.ID.String(),
		"session_id", issued.Session.ID.String(),
	)
	return SignIn{
		User:         user.Public(),
		SessionToken: issued.Token,
		ExpiresAt:    issued.Session.ExpiresAt,
	}, nil
}

// upgradeHash rehashes a verified password whose stored hash is weaker than
// the configured hasher produces. Failure keeps the old hash.
func (p *CredentialProvider) upgradeHash(ctx context.Context, user *User, password string) {
	if !p.hashers.NeedsUpgrade(user.PasswordHash) {
		return
	}
	hash, err := p.hashers.Hash(ctx, password)
	if err != nil {
		p.bestEffort(ctx, "failed to rehash password", err)
		return
	}
	if err := p.store.Users().UpdatePassword(ctx, user.ID, hash, p.clock()); err != nil {
		p.bestEffort(ctx, "failed to store upgraded password hash", err)
		return
	}
	user.PasswordHash = hash
	p.logger.InfoContext(ctx, "password hash upgraded", "user_id", user.ID.String())
}

// CreateUser registers a password account. No session is issued; the user
// signs in explicitly afterwards.
func (p *CredentialProvider) CreateUser(ctx context.Context, in NewUserInput) (_ PublicUser, err error) {
	defer observeFlow("create_user", time.Now())
	ctx, span := tracer.Start(ctx, "auth.create_user")
	defer func() { endSpan(span, err) }()

	email := NormalizeEmail(in.Email)
	if err := ValidateEmail(email); err != nil {
		return PublicUser{}, err
	}

	result := p.policy.Validate(in.Password, &UserInfo{Email: email, Name: in.Name})
	if !result.Valid {
		return PublicUser{}, errWeakPassword(result.Errors)
	}

	existing, err := p.lookupByEmail(ctx, email)
	if err != nil {
		return PublicUser{}, p.storeFailure(ctx, "get user by email", err)
	}
	if existing != nil {
		return PublicUser{}, errDuplicateEmail()
	}

	hash, err := p.hashers.Hash(ctx, in.Password)
	if err != nil {
		return PublicUser{}, err
	}

	user, err := NewUser(email, in.Name, hash, nil, p.clock())
	if err != nil {
		return PublicUser{}, err
	}
	if err := p.store.Users().Create(ctx, user); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return PublicUser{}, errDuplicateEmail()
		}
		return PublicUser{}, p.storeFailure(ctx, "create user", err)
	}

	span.SetAttributes(attribute.String("auth.user_id", user.ID.String()))
	p.logger.InfoContext(ctx, "user created", "user_id", user.ID.String())

	if p.cfg.SendVerificationOnSignup {
		p.dispatchVerification(ctx, user, "failed to send signup verification email")
	}
	return user.Public(), nil
}

// ChangePassword replaces the password of a signed-in user after checking the
// current one, then invalidates every session the user has.
func (p *CredentialProvider) ChangePassword(ctx context.Context, userID ulid.ULID, current, next string) (err error) {
	defer observeFlow("change_password", time.Now())
	ctx, span := tracer.Start(ctx, "auth.change_password")
	defer func() { endSpan(span, err) }()

	key := ScopePasswordChange + ":" + userID.String()
	decision, err := p.limiter.CheckAndIncrement(ctx, key)
	if err != nil {
		return p.storeFailure(ctx, "rate limit check", err)
	}
	if !decision.Allowed {
		p.burnHash(ctx, current)
		return errRateLimited(decision.RetryAfterSeconds())
	}

	user, err := p.store.Users().GetByID(ctx, userID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return p.storeFailure(ctx, "get user by id", err)
	}
	if err != nil {
		user = nil
	}

	ok, err := p.checkPassword(ctx, user, current)
	if err != nil {
		return err
	}
	if !ok {
		return errInvalidCredentials()
	}

	result := p.policy.Validate(next, &UserInfo{Email: user.Email, Name: user.Name})
	if !result.Valid {
		return errWeakPassword(result.Errors)
	}

	if err := p.setPassword(ctx, user, next); err != nil {
		return err
	}
	p.invalidateAfterCredentialChange(ctx, user.ID, ReasonPasswordChange)
	if p.cfg.RateLimit.ResetOnSuccess {
		p.bestEffort(ctx, "failed to reset password change counter", p.limiter.Reset(ctx, key))
	}
	return nil
}

// setPassword hashes and stores password for user.
func (p *CredentialProvider) setPassword(ctx context.Context, user *User, password string) error {
	hash, err := p.hashers.Hash(ctx, password)
	if err != nil {
		return err
	}
	now := p.clock()
	if err := p.store.Users().UpdatePassword(ctx, user.ID, hash, now); err != nil {
		if errors.Is(err, ErrNotFound) {
			return errInvalidCredentials()
		}
		return p.storeFailure(ctx, "update password", err)
	}
	user.PasswordHash = hash
	user.UpdatedAt = now
	return nil
}

// invalidateAfterCredentialChange removes every session of userID. The
// credential change has already committed, so failure is logged and counted
// but never returned.
func (p *CredentialProvider) invalidateAfterCredentialChange(ctx context.Context, userID ulid.ULID, reason string) {
	if _, err := p.sessions.InvalidateUserSessions(ctx, userID, reason); err != nil {
		sessionInvalidationFailures.WithLabelValues(reason).Inc()
		p.bestEffort(ctx, "failed to invalidate sessions after credential change", err)
	}
}
