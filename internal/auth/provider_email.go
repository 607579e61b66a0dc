// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package auth

import (
	"context"
	"time"

	"github.com/samber/oops"
)

// RequestPasswordReset mails a reset link when email belongs to a user.
//
// The caller always gets nil: unknown emails, rate-limited requests, store
// failures and mail failures are logged and answered exactly like a request
// that sent an email. Token issue and delivery run in the background, so
// the known and unknown branches do the same work before returning.
func (p *CredentialProvider) RequestPasswordReset(ctx context.Context, email, origin string) error {
	defer observeFlow("request_password_reset", time.Now())
	ctx, span := tracer.Start(ctx, "auth.request_password_reset")
	defer span.End()

	email = NormalizeEmail(email)
	if !p.allowSilently(ctx, p.limiter.ScopedKey(ScopePasswordReset, email, origin)) {
		return nil
	}

	user, err := p.lookupByEmail(ctx, email)
	if err != nil {
		p.bestEffort(ctx, "password reset lookup failed", oops.With("operation", "get user by email").Wrap(err))
		return nil
	}
	if user == nil {
		p.logger.DebugContext(ctx, "password reset requested for unknown email")
		return nil
	}

	userID := user.ID.String()
	p.mail.submit(ctx, mailKindReset, "failed to send password reset email", func(ctx context.Context) error {
		issued, err := p.tokens.CreateToken(ctx, user.Email, PurposePasswordReset, p.cfg.PasswordResetTTL)
		if err != nil {
			return err
		}
		link := p.link(p.cfg.ResetPasswordPath, issued.Token, issued.ExpiresAt)
		if err := p.notifier.SendPasswordResetEmail(ctx, user.Email, link); err != nil {
			return oops.Code("AUTH_NOTIFY_FAILED").With("user_id", userID).Wrap(err)
		}
		p.logger.InfoContext(ctx, "password reset email sent", "user_id", userID)
		return nil
	})
	return nil
}

// ResetPasswordWithToken redeems a reset token and sets a new password.
// The token is consumed before the policy check, so a rejected password
// requires a fresh reset request.
func (p *CredentialProvider) ResetPasswordWithToken(ctx context.Context, token, next string) (err error) {
	defer observeFlow("reset_password", time.Now())
	ctx, span := tracer.Start(ctx, "auth.reset_password")
	defer func() { endSpan(span, err) }()

	user, err := p.redeemForUser(ctx, PurposePasswordReset, token)
	if err != nil {
		return err
	}

	result := p.policy.Validate(next, &UserInfo{Email: user.Email, Name: user.Name})
	if !result.Valid {
		return errWeakPassword(result.Errors)
	}

	if err := p.setPassword(ctx, user, next); err != nil {
		return err
	}
	p.invalidateAfterCredentialChange(ctx, user.ID, ReasonPasswordReset)
	p.bestEffort(ctx, "failed to revoke remaining reset tokens",
		p.tokens.RevokeTokens(ctx, user.Email, PurposePasswordReset))

	p.logger.InfoContext(ctx, "password reset completed", "user_id", user.ID.String())
	return nil
}

// SendEmailVerification mails a verification link. Unknown emails succeed
// silently; verified ones fail with AUTH_ALREADY_VERIFIED.
func (p *CredentialProvider) SendEmailVerification(ctx context.Context, email string) (err error) {
	defer observeFlow("send_email_verification", time.Now())
	ctx, span := tracer.Start(ctx, "auth.send_email_verification")
	defer func() { endSpan(span, err) }()

	email = NormalizeEmail(email)
	if !p.allowSilently(ctx, p.limiter.ScopedKey(ScopeVerification, email, "")) {
		return nil
	}

	user, err := p.lookupByEmail(ctx, email)
	if err != nil {
		return p.storeFailure(ctx, "get user by email", err)
	}
	if user == nil {
		return nil
	}
	if user.IsEmailVerified() {
		return errAlreadyVerified()
	}

	p.dispatchVerification(ctx, user, "failed to send verification email")
	return nil
}

// VerifyEmailWithToken redeems a verification token and marks the address
// verified. Redeeming a token for an already verified user succeeds.
func (p *CredentialProvider) VerifyEmailWithToken(ctx context.Context, token string) (_ PublicUser, err error) {
	defer observeFlow("verify_email", time.Now())
	ctx, span := tracer.Start(ctx, "auth.verify_email")
	defer func() { endSpan(span, err) }()

	user, err := p.redeemForUser(ctx, PurposeEmailVerification, token)
	if err != nil {
		return PublicUser{}, err
	}

	if !user.IsEmailVerified() {
		now := p.clock()
		if err := p.store.Users().MarkEmailVerified(ctx, user.ID, now); err != nil {
			return PublicUser{}, p.storeFailure(ctx, "mark email verified", err)
		}
		user.EmailVerifiedAt = &now
	}
	p.bestEffort(ctx, "failed to revoke remaining verification tokens",
		p.tokens.RevokeTokens(ctx, user.Email, PurposeEmailVerification))

	p.logger.InfoContext(ctx, "email verified", "user_id", user.ID.String())
	return user.Public(), nil
}

// Background mail kinds.
const (
	mailKindReset        = "password_reset"
	mailKindVerification = "verification"
)

// dispatchVerification hands a verification mail for user to the
// background dispatcher. failMsg is logged if it fails.
func (p *CredentialProvider) dispatchVerification(ctx context.Context, user *User, failMsg string) {
	p.mail.submit(ctx, mailKindVerification, failMsg, func(ctx context.Context) error {
		return p.sendVerification(ctx, user)
	})
}

// sendVerification issues a verification token for user and mails it.
func (p *CredentialProvider) sendVerification(ctx context.Context, user *User) error {
	issued, err := p.tokens.CreateToken(ctx, user.Email, PurposeEmailVerification, p.cfg.EmailVerificationTTL)
	if err != nil {
		return err
	}
	link := p.link(p.cfg.VerifyEmailPath, issued.Token, issued.ExpiresAt)
	if err := p.notifier.SendVerificationEmail(ctx, user.Email, link); err != nil {
		return oops.Code("AUTH_NOTIFY_FAILED").With("user_id", user.ID.String()).Wrap(err)
	}
	return nil
}

// redeemForUser consumes token and loads the user it was issued to. A token
// whose user no longer exists is reported as invalid.
func (p *CredentialProvider) redeemForUser(ctx context.Context, purpose Purpose, token string) (*User, error) {
	record, err := p.tokens.Redeem(ctx, purpose, token)
	if err != nil {
		if ErrorCode(err) == CodeInvalidToken {
			return nil, err
		}
		return nil, p.storeFailure(ctx, "redeem token", err)
	}

	user, err := p.lookupByEmail(ctx, record.Identifier)
	if err != nil {
		return nil, p.storeFailure(ctx, "get user by email", err)
	}
	if user == nil {
		return nil, errInvalidToken()
	}
	return user, nil
}

// allowSilently applies the rate limit to flows that never reveal a
// rejection. A limiter failure lets the request through.
func (p *CredentialProvider) allowSilently(ctx context.Context, key string) bool {
	decision, err := p.limiter.CheckAndIncrement(ctx, key)
	if err != nil {
		p.bestEffort(ctx, "rate limit check failed", err)
		return true
	}
	if !decision.Allowed {
		p.logger.InfoContext(ctx, "rate-limited request dropped", "key", key)
		return false
	}
	return true
}
