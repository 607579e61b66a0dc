// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package auth_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/gatehouse/gatehouse/internal/auth"
	"github.com/gatehouse/gatehouse/internal/auth/memory"
	"github.com/gatehouse/gatehouse/pkg/errutil"
)

const (
	strongPassword = "Str0ng!Pass1"
	otherPassword  = "Tr0ub4dor&3xtra!"
)

func TestCredentialProvider_SignUpThenSignIn(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	user := h.signUp(t, "a@example.com", "", strongPassword)
	assert.Equal(t, "a@example.com", user.Email)
	assert.False(t, user.EmailVerified)
	assert.True(t, user.HasPassword)

	signIn, err := h.provider.Authenticate(ctx, auth.Credentials{Email: "a@example.com", Password: strongPassword, Origin: "203.0.113.7"})
	require.NoError(t, err)
	assert.Equal(t, user.ID, signIn.User.ID)
	assert.Len(t, signIn.SessionToken, 64)
	assert.Equal(t, h.clock.Now().Add(auth.DefaultSessionTTL), signIn.ExpiresAt)

	validated, err := h.provider.ValidateSession(ctx, signIn.SessionToken, "203.0.113.7")
	require.NoError(t, err)
	assert.Equal(t, user.ID, validated.User.ID)

	_, err = h.provider.Authenticate(ctx, auth.Credentials{Email: "a@example.com", Password: "Str0ng!Pass2", Origin: "203.0.113.7"})
	errutil.AssertErrorCode(t, err, auth.CodeInvalidCredentials)
}

func TestCredentialProvider_CreateUserDoesNotIssueSession(t *testing.T) {
	h := newHarness(t)
	user := h.signUp(t, "a@example.com", "", strongPassword)

	n, err := h.store.Sessions().DeleteByUser(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCredentialProvider_AuthenticateFailuresAreIndistinguishable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.signUp(t, "a@example.com", "", strongPassword)
	_, err := h.provider.LinkOrCreateOAuthUser(ctx, auth.OAuthIdentity{
		Provider: "github", ProviderAccountID: "42", Email: "oauth@example.com", EmailVerified: true,
	})
	require.NoError(t, err)

	tests := []struct {
		name  string
		creds auth.Credentials
	}{
		{"wrong password", auth.Credentials{Email: "a@example.com", Password: otherPassword, Origin: "198.51.100.1"}},
		{"unknown email", auth.Credentials{Email: "nobody@example.com", Password: otherPassword, Origin: "198.51.100.2"}},
		{"oauth-only account", auth.Credentials{Email: "oauth@example.com", Password: otherPassword, Origin: "198.51.100.3"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h.hasher.verifies.Store(0)

			_, err := h.provider.Authenticate(ctx, tt.creds)

			errutil.AssertErrorCode(t, err, auth.CodeInvalidCredentials)
			assert.Equal(t, "Invalid credentials", auth.ResultOf(err).Message)
			assert.Equal(t, int64(1), h.hasher.verifies.Load(), "exactly one hash comparison")
		})
	}
}

func TestCredentialProvider_AuthenticateRateLimit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.signUp(t, "a@example.com", "", strongPassword)
	wrong := auth.Credentials{Email: "a@example.com", Password: otherPassword, Origin: "192.0.2.10"}

	for range auth.DefaultRateLimitThreshold {
		_, err := h.provider.Authenticate(ctx, wrong)
		errutil.AssertErrorCode(t, err, auth.CodeInvalidCredentials)
	}

	h.hasher.verifies.Store(0)
	_, err := h.provider.Authenticate(ctx, auth.Credentials{Email: "a@example.com", Password: strongPassword, Origin: "192.0.2.10"})
	errutil.AssertErrorCode(t, err, auth.CodeRateLimited)
	assert.Equal(t, 900, auth.RetryAfter(err))
	assert.Equal(t, int64(1), h.hasher.verifies.Load(), "blocked attempts still cost one comparison")

	res := auth.ResultOf(err)
	assert.False(t, res.Success)
	assert.Equal(t, 900, res.RetryAfterSeconds)

	t.Run("other origin is counted separately", func(t *testing.T) {
		_, err := h.provider.Authenticate(ctx, auth.Credentials{Email: "a@example.com", Password: strongPassword, Origin: "192.0.2.99"})
		require.NoError(t, err)
	})

	t.Run("recovers after the lockout", func(t *testing.T) {
		h.clock.Advance(auth.DefaultLockoutDuration)
		_, err := h.provider.Authenticate(ctx, auth.Credentials{Email: "a@example.com", Password: strongPassword, Origin: "192.0.2.10"})
		require.NoError(t, err)
	})
}

func TestCredentialProvider_SuccessResetsCounter(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.signUp(t, "a@example.com", "", strongPassword)
	wrong := auth.Credentials{Email: "a@example.com", Password: otherPassword, Origin: "192.0.2.10"}

	for range auth.DefaultRateLimitThreshold - 1 {
		_, err := h.provider.Authenticate(ctx, wrong)
		errutil.AssertErrorCode(t, err, auth.CodeInvalidCredentials)
	}
	_, err := h.provider.Authenticate(ctx, auth.Credentials{Email: "a@example.com", Password: strongPassword, Origin: "192.0.2.10"})
	require.NoError(t, err)

	for range auth.DefaultRateLimitThreshold {
		_, err := h.provider.Authenticate(ctx, wrong)
		errutil.AssertErrorCode(t, err, auth.CodeInvalidCredentials)
	}
}

func TestCredentialProvider_AuthenticateUpgradesHash(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	user := h.signUp(t, "a@example.com", "", strongPassword)

	h.clock.Advance(time.Hour)
	h.hasher.upgrade = func(string) bool { return true }

	_, err := h.provider.Authenticate(ctx, auth.Credentials{Email: "a@example.com", Password: strongPassword})
	require.NoError(t, err)

	stored, err := h.store.Users().GetByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, h.clock.Now(), stored.UpdatedAt)
}

func TestCredentialProvider_CreateUserValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.signUp(t, "taken@example.com", "", strongPassword)

	tests := []struct {
		name string
		in   auth.NewUserInput
		code string
	}{
		{"invalid email", auth.NewUserInput{Email: "not-an-email", Password: strongPassword}, auth.CodeInvalidEmail},
		{"weak password", auth.NewUserInput{Email: "new@example.com", Password: "short"}, auth.CodeWeakPassword},
		{"common password", auth.NewUserInput{Email: "new@example.com", Password: "Password123!"}, auth.CodeWeakPassword},
		{"password contains name", auth.NewUserInput{Email: "new@example.com", Name: "Margaret Hamilton", Password: "Hamilton#2024x"}, auth.CodeWeakPassword},
		{"duplicate email differing in case", auth.NewUserInput{Email: "Taken@Example.COM", Password: strongPassword}, auth.CodeDuplicateEmail},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.provider.CreateUser(ctx, tt.in)
			errutil.AssertErrorCode(t, err, tt.code)
		})
	}

	t.Run("weak password carries violations", func(t *testing.T) {
		_, err := h.provider.CreateUser(ctx, auth.NewUserInput{Email: "new@example.com", Password: "short"})
		res := auth.ResultOf(err)
		assert.Equal(t, auth.CodeWeakPassword, res.Code)
		assert.Contains(t, res.Violations, "Password must be at least 8 characters long")
	})
}

func TestCredentialProvider_CreateUserSendsVerification(t *testing.T) {
	h := newHarness(t)
	h.signUp(t, "a@example.com", "", strongPassword)

	mail := h.notifier.last(t, "verification", "a@example.com")
	u, err := url.Parse(mail.Link.URL)
	require.NoError(t, err)
	assert.Equal(t, "/verify-email", u.Path)
	assert.Equal(t, mail.Link.Token, u.Query().Get("token"))

	t.Run("disabled by config", func(t *testing.T) {
		h := newHarness(t, func(c *auth.ProviderConfig) { c.SendVerificationOnSignup = false })
		h.signUp(t, "a@example.com", "", strongPassword)
		assert.Empty(t, h.notifier.all())
	})

	t.Run("mail failure does not fail sign-up", func(t *testing.T) {
		h := newHarness(t)
		h.notifier.err = errors.New("smtp down")
		h.signUp(t, "a@example.com", "", strongPassword)
		assert.Contains(t, h.logged(t), "failed to send signup verification email")
	})
}

func TestCredentialProvider_ChangePasswordInvalidatesAllSessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	user := h.signUp(t, "a@example.com", "", strongPassword)

	var tokens []string
	for _, origin := range []string{"192.0.2.1", "192.0.2.2", ""} {
		signIn, err := h.provider.Authenticate(ctx, auth.Credentials{Email: "a@example.com", Password: strongPassword, Origin: origin})
		require.NoError(t, err)
		tokens = append(tokens, signIn.SessionToken)
	}

	require.NoError(t, h.provider.ChangePassword(ctx, user.ID, strongPassword, otherPassword))

	for _, token := range tokens {
		_, err := h.provider.ValidateSession(ctx, token, "")
		errutil.AssertErrorCode(t, err, auth.CodeSessionInvalid)
	}

	_, err := h.provider.Authenticate(ctx, auth.Credentials{Email: "a@example.com", Password: otherPassword})
	require.NoError(t, err)
}

func TestCredentialProvider_ChangePasswordFailures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	user := h.signUp(t, "a@example.com", "", strongPassword)

	t.Run("wrong current password", func(t *testing.T) {
		h.hasher.verifies.Store(0)
		err := h.provider.ChangePassword(ctx, user.ID, "Wr0ng!Current", otherPassword)
		errutil.AssertErrorCode(t, err, auth.CodeInvalidCredentials)
		assert.Equal(t, int64(1), h.hasher.verifies.Load())
	})

	t.Run("weak new password", func(t *testing.T) {
		err := h.provider.ChangePassword(ctx, user.ID, strongPassword, "weak")
		errutil.AssertErrorCode(t, err, auth.CodeWeakPassword)
	})

	t.Run("unknown user", func(t *testing.T) {
		h.hasher.verifies.Store(0)
		err := h.provider.ChangePassword(ctx, ulid.Make(), strongPassword, otherPassword)
		errutil.AssertErrorCode(t, err, auth.CodeInvalidCredentials)
		assert.Equal(t, int64(1), h.hasher.verifies.Load())
	})
}

func TestCredentialProvider_RequestPasswordResetIsUniform(t *testing.T) {
	h := newHarness(t, func(c *auth.ProviderConfig) { c.SendVerificationOnSignup = false })
	ctx := context.Background()
	h.signUp(t, "a@example.com", "", strongPassword)

	errKnown := h.provider.RequestPasswordReset(ctx, "a@example.com", "192.0.2.1")
	errUnknown := h.provider.RequestPasswordReset(ctx, "ghost@example.com", "192.0.2.1")

	assert.NoError(t, errKnown)
	assert.NoError(t, errUnknown)
	assert.Equal(t, auth.ResultOf(errKnown), auth.ResultOf(errUnknown))

	mails := h.notifier.all()
	require.Len(t, mails, 1)
	assert.Equal(t, "a@example.com", mails[0].Email)
	assert.Equal(t, "reset", mails[0].Kind)

	t.Run("mail failure is still success", func(t *testing.T) {
		failed := testutil.ToFloat64(auth.MailDispatched("password_reset", "failed"))
		h.notifier.err = errors.New("smtp down")
		defer func() { h.notifier.err = nil }()
		assert.NoError(t, h.provider.RequestPasswordReset(ctx, "a@example.com", "192.0.2.2"))
		assert.Contains(t, h.logged(t), "failed to send password reset email")
		assert.Equal(t, failed+1, testutil.ToFloat64(auth.MailDispatched("password_reset", "failed")))
	})

	t.Run("rate-limited requests are dropped silently", func(t *testing.T) {
		before := len(h.notifier.all())
		for range auth.DefaultRateLimitThreshold + 3 {
			assert.NoError(t, h.provider.RequestPasswordReset(ctx, "a@example.com", "192.0.2.3"))
		}
		assert.Len(t, h.notifier.all(), before+auth.DefaultRateLimitThreshold)
	})
}

func TestCredentialProvider_MailFlowsDoNotWaitForDelivery(t *testing.T) {
	const delay = 300 * time.Millisecond
	tests := []struct {
		name string
		send func(h *harness, email string) error
		kind string
	}{
		{
			name: "password reset",
			send: func(h *harness, email string) error {
				return h.provider.RequestPasswordReset(context.Background(), email, "192.0.2.1")
			},
			kind: "reset",
		},
		{
			name: "email verification",
			send: func(h *harness, email string) error {
				return h.provider.SendEmailVerification(context.Background(), email)
			},
			kind: "verification",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, func(c *auth.ProviderConfig) { c.SendVerificationOnSignup = false })
			h.signUp(t, "a@example.com", "", strongPassword)
			h.notifier.delay = delay

			start := time.Now()
			require.NoError(t, tt.send(h, "a@example.com"))
			known := time.Since(start)

			start = time.Now()
			require.NoError(t, tt.send(h, "ghost@example.com"))
			unknown := time.Since(start)

			assert.Less(t, known, delay/3, "known address returned after %s", known)
			assert.Less(t, unknown, delay/3, "unknown address returned after %s", unknown)

			mails := h.notifier.all()
			require.Len(t, mails, 1)
			assert.Equal(t, tt.kind, mails[0].Kind)
			assert.Equal(t, "a@example.com", mails[0].Email)
		})
	}
}

func TestCredentialProvider_CloseDrainsMail(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness(t, func(c *auth.ProviderConfig) { c.SendVerificationOnSignup = false })
	ctx := context.Background()
	h.signUp(t, "a@example.com", "", strongPassword)
	h.notifier.delay = 50 * time.Millisecond

	require.NoError(t, h.provider.RequestPasswordReset(ctx, "a@example.com", ""))

	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, h.provider.Close(closeCtx))
	assert.Len(t, h.notifier.all(), 1, "in-flight mail is delivered before Close returns")

	t.Run("mail after close is dropped", func(t *testing.T) {
		dropped := testutil.ToFloat64(auth.MailDispatched("password_reset", "dropped"))
		assert.NoError(t, h.provider.RequestPasswordReset(ctx, "a@example.com", ""))
		assert.Len(t, h.notifier.all(), 1)
		assert.Equal(t, dropped+1, testutil.ToFloat64(auth.MailDispatched("password_reset", "dropped")))
	})
}

func TestCredentialProvider_CloseTimesOut(t *testing.T) {
	h := newHarness(t, func(c *auth.ProviderConfig) { c.SendVerificationOnSignup = false })
	ctx := context.Background()
	h.signUp(t, "a@example.com", "", strongPassword)
	h.notifier.delay = 200 * time.Millisecond

	require.NoError(t, h.provider.RequestPasswordReset(ctx, "a@example.com", ""))

	closeCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	errutil.AssertErrorCode(t, h.provider.Close(closeCtx), "AUTH_MAIL_DRAIN_TIMEOUT")

	waitForMail(t, h.provider)
	assert.Len(t, h.notifier.all(), 1)
}

func TestCredentialProvider_SaturatedMailIsDropped(t *testing.T) {
	h := newHarness(t, func(c *auth.ProviderConfig) {
		c.SendVerificationOnSignup = false
		c.MailWorkers = 1
	})
	ctx := context.Background()
	h.signUp(t, "a@example.com", "", strongPassword)
	h.signUp(t, "b@example.com", "", strongPassword)
	h.notifier.delay = 200 * time.Millisecond

	dropped := testutil.ToFloat64(auth.MailDispatched("password_reset", "dropped"))
	require.NoError(t, h.provider.RequestPasswordReset(ctx, "a@example.com", ""))
	require.NoError(t, h.provider.RequestPasswordReset(ctx, "b@example.com", ""))

	mails := h.notifier.all()
	require.Len(t, mails, 1)
	assert.Equal(t, "a@example.com", mails[0].Email)
	assert.Equal(t, dropped+1, testutil.ToFloat64(auth.MailDispatched("password_reset", "dropped")))
	assert.Contains(t, h.logged(t), "mail dropped")
}

func TestCredentialProvider_ResetPasswordWithToken(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.signUp(t, "a@example.com", "", strongPassword)

	signIn, err := h.provider.Authenticate(ctx, auth.Credentials{Email: "a@example.com", Password: strongPassword})
	require.NoError(t, err)

	require.NoError(t, h.provider.RequestPasswordReset(ctx, "a@example.com", ""))
	token := h.notifier.last(t, "reset", "a@example.com").Link.Token

	require.NoError(t, h.provider.ResetPasswordWithToken(ctx, token, otherPassword))

	_, err = h.provider.ValidateSession(ctx, signIn.SessionToken, "")
	errutil.AssertErrorCode(t, err, auth.CodeSessionInvalid)

	_, err = h.provider.Authenticate(ctx, auth.Credentials{Email: "a@example.com", Password: otherPassword})
	require.NoError(t, err)

	t.Run("token is single use", func(t *testing.T) {
		err := h.provider.ResetPasswordWithToken(ctx, token, "An0ther!Secret")
		errutil.AssertErrorCode(t, err, auth.CodeInvalidToken)
	})

	t.Run("token expires", func(t *testing.T) {
		require.NoError(t, h.provider.RequestPasswordReset(ctx, "a@example.com", ""))
		expired := h.notifier.last(t, "reset", "a@example.com").Link.Token
		h.clock.Advance(auth.DefaultPasswordResetTTL)

		err := h.provider.ResetPasswordWithToken(ctx, expired, "An0ther!Secret")
		errutil.AssertErrorCode(t, err, auth.CodeInvalidToken)
	})

	t.Run("verification token cannot reset", func(t *testing.T) {
		verifyToken := h.notifier.last(t, "verification", "a@example.com").Link.Token
		err := h.provider.ResetPasswordWithToken(ctx, verifyToken, "An0ther!Secret")
		errutil.AssertErrorCode(t, err, auth.CodeInvalidToken)
	})

	t.Run("weak password consumes the token", func(t *testing.T) {
		require.NoError(t, h.provider.RequestPasswordReset(ctx, "a@example.com", ""))
		fresh := h.notifier.last(t, "reset", "a@example.com").Link.Token

		err := h.provider.ResetPasswordWithToken(ctx, fresh, "weak")
		errutil.AssertErrorCode(t, err, auth.CodeWeakPassword)

		err = h.provider.ResetPasswordWithToken(ctx, fresh, "An0ther!Secret")
		errutil.AssertErrorCode(t, err, auth.CodeInvalidToken)
	})
}

func TestCredentialProvider_EmailVerification(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.signUp(t, "a@example.com", "", strongPassword)
	token := h.notifier.last(t, "verification", "a@example.com").Link.Token

	verified, err := h.provider.VerifyEmailWithToken(ctx, token)
	require.NoError(t, err)
	assert.True(t, verified.EmailVerified)
	require.NotNil(t, verified.VerifiedAt)
	assert.Equal(t, h.clock.Now(), *verified.VerifiedAt)

	t.Run("token is single use", func(t *testing.T) {
		_, err := h.provider.VerifyEmailWithToken(ctx, token)
		errutil.AssertErrorCode(t, err, auth.CodeInvalidToken)
	})

	t.Run("already verified", func(t *testing.T) {
		err := h.provider.SendEmailVerification(ctx, "a@example.com")
		errutil.AssertErrorCode(t, err, auth.CodeAlreadyVerified)
		assert.Equal(t, "Email is already verified", auth.ResultOf(err).Message)
	})

	t.Run("unknown email is silent", func(t *testing.T) {
		before := len(h.notifier.all())
		assert.NoError(t, h.provider.SendEmailVerification(ctx, "ghost@example.com"))
		assert.Len(t, h.notifier.all(), before)
	})
}

func TestCredentialProvider_SendEmailVerification(t *testing.T) {
	h := newHarness(t, func(c *auth.ProviderConfig) { c.SendVerificationOnSignup = false })
	ctx := context.Background()
	h.signUp(t, "a@example.com", "", strongPassword)

	require.NoError(t, h.provider.SendEmailVerification(ctx, "A@example.com"))
	token := h.notifier.last(t, "verification", "a@example.com").Link.Token

	h.clock.Advance(auth.DefaultEmailVerificationTTL)
	_, err := h.provider.VerifyEmailWithToken(ctx, token)
	errutil.AssertErrorCode(t, err, auth.CodeInvalidToken)
}

func TestCredentialProvider_LinkOrCreateOAuthUser(t *testing.T) {
	ctx := context.Background()
	identity := auth.OAuthIdentity{
		Provider:          "github",
		ProviderAccountID: "1001",
		Email:             "dev@example.com",
		EmailVerified:     true,
		Name:              "Dev",
	}

	t.Run("creates a verified user then reuses the link", func(t *testing.T) {
		h := newHarness(t)

		first, err := h.provider.LinkOrCreateOAuthUser(ctx, identity)
		require.NoError(t, err)
		assert.True(t, first.Created)
		assert.True(t, first.Linked)
		assert.True(t, first.User.EmailVerified)
		assert.False(t, first.User.HasPassword)

		second, err := h.provider.LinkOrCreateOAuthUser(ctx, identity)
		require.NoError(t, err)
		assert.False(t, second.Created)
		assert.False(t, second.Linked)
		assert.Equal(t, first.User.ID, second.User.ID)
	})

	t.Run("unverified claim creates an unverified user", func(t *testing.T) {
		h := newHarness(t)
		unverified := identity
		unverified.EmailVerified = false

		res, err := h.provider.LinkOrCreateOAuthUser(ctx, unverified)
		require.NoError(t, err)
		assert.False(t, res.User.EmailVerified)
	})

	t.Run("links to an existing password user", func(t *testing.T) {
		h := newHarness(t)
		existing := h.signUp(t, "dev@example.com", "", strongPassword)

		res, err := h.provider.LinkOrCreateOAuthUser(ctx, identity)
		require.NoError(t, err)
		assert.False(t, res.Created)
		assert.True(t, res.Linked)
		assert.Equal(t, existing.ID, res.User.ID)
		assert.True(t, res.User.EmailVerified)

		links, err := h.store.LinkedAccounts().ListByUser(ctx, existing.ID)
		require.NoError(t, err)
		assert.Len(t, links, 1)
	})

	t.Run("refuses to link without a verified claim", func(t *testing.T) {
		h := newHarness(t)
		h.signUp(t, "dev@example.com", "", strongPassword)
		unverified := identity
		unverified.EmailVerified = false

		_, err := h.provider.LinkOrCreateOAuthUser(ctx, unverified)
		errutil.AssertErrorCode(t, err, auth.CodeAccountExists)
	})

	t.Run("refuses to link when implicit linking is off", func(t *testing.T) {
		h := newHarness(t, func(c *auth.ProviderConfig) { c.ImplicitOAuthLinking = false })
		h.signUp(t, "dev@example.com", "", strongPassword)

		_, err := h.provider.LinkOrCreateOAuthUser(ctx, identity)
		errutil.AssertErrorCode(t, err, auth.CodeAccountExists)
	})

	t.Run("rejects incomplete identities", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.provider.LinkOrCreateOAuthUser(ctx, auth.OAuthIdentity{Provider: "github", Email: "dev@example.com"})
		errutil.AssertErrorCode(t, err, auth.CodeInvalidIdentity)
	})
}

func TestCredentialProvider_LinkOrCreateOAuthUserConcurrent(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness(t)
	ctx := context.Background()
	identity := auth.OAuthIdentity{Provider: "google", ProviderAccountID: "g-7", Email: "race@example.com", EmailVerified: true}

	const callers = 8
	results := make([]auth.OAuthResult, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = h.provider.LinkOrCreateOAuthUser(ctx, identity)
		}()
	}
	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].User.ID, results[i].User.ID)
	}

	links, err := h.store.LinkedAccounts().ListByUser(ctx, results[0].User.ID)
	require.NoError(t, err)
	assert.Len(t, links, 1)
}

func TestCredentialProvider_SessionOriginBinding(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.signUp(t, "a@example.com", "", strongPassword)

	signIn, err := h.provider.Authenticate(ctx, auth.Credentials{Email: "a@example.com", Password: strongPassword, Origin: "192.0.2.1"})
	require.NoError(t, err)

	_, err = h.provider.ValidateSession(ctx, signIn.SessionToken, "192.0.2.200")
	errutil.AssertErrorCode(t, err, auth.CodeSessionInvalid)

	_, err = h.provider.ValidateSession(ctx, signIn.SessionToken, "")
	require.NoError(t, err, "callers without an address are not origin-checked")

	require.NoError(t, h.provider.SignOut(ctx, signIn.SessionToken))
	_, err = h.provider.ValidateSession(ctx, signIn.SessionToken, "192.0.2.1")
	errutil.AssertErrorCode(t, err, auth.CodeSessionInvalid)
}

func TestCredentialProvider_InvalidateUserSessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	user := h.signUp(t, "a@example.com", "", strongPassword)
	for range 3 {
		_, err := h.provider.Authenticate(ctx, auth.Credentials{Email: "a@example.com", Password: strongPassword})
		require.NoError(t, err)
	}

	n, err := h.provider.InvalidateUserSessions(ctx, user.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestCredentialProvider_Cleanup(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.signUp(t, "a@example.com", "", strongPassword)
	_, err := h.provider.Authenticate(ctx, auth.Credentials{Email: "a@example.com", Password: otherPassword, Origin: "192.0.2.1"})
	errutil.AssertErrorCode(t, err, auth.CodeInvalidCredentials)
	_, err = h.provider.Authenticate(ctx, auth.Credentials{Email: "a@example.com", Password: strongPassword})
	require.NoError(t, err)

	h.clock.Advance(auth.DefaultSessionTTL + time.Second)

	report, err := h.provider.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.Tokens, "signup verification token")
	assert.Equal(t, int64(1), report.Sessions)
	assert.Equal(t, int64(1), report.RateLimitCounters)
}

func TestNewCredentialProvider_RequiresDependencies(t *testing.T) {
	h := newHarness(t)
	cfg := auth.DefaultProviderConfig()

	_, err := auth.NewCredentialProvider(cfg, auth.ProviderDeps{Hasher: h.hasher, Notifier: h.notifier})
	errutil.AssertErrorCode(t, err, "PROVIDER_INVALID")

	_, err = auth.NewCredentialProvider(cfg, auth.ProviderDeps{Store: h.store, Notifier: h.notifier})
	errutil.AssertErrorCode(t, err, "PROVIDER_INVALID")

	cfg.BaseURL = "not a url"
	_, err = auth.NewCredentialProvider(cfg, auth.ProviderDeps{Store: h.store, Hasher: h.hasher, Notifier: h.notifier})
	errutil.AssertErrorCode(t, err, "CONFIG_INVALID")

	cfg = auth.DefaultProviderConfig()
	cfg.MailWorkers = -1
	errutil.AssertErrorCode(t, cfg.Validate(), "CONFIG_INVALID")
}

// failingInvalidationStore fails DeleteByUser on its session repository.
type failingInvalidationStore struct {
	*memory.Store
}

func (s failingInvalidationStore) Sessions() auth.SessionRepository {
	return failingDeleteByUser{s.Store.Sessions()}
}

type failingDeleteByUser struct {
	auth.SessionRepository
}

func (failingDeleteByUser) DeleteByUser(context.Context, ulid.ULID) (int64, error) {
	return 0, errors.New("replica read-only")
}

func TestCredentialProvider_InvalidationFailureDoesNotFailPasswordChange(t *testing.T) {
	ctx := context.Background()
	store := failingInvalidationStore{memory.New()}
	logs := &bytes.Buffer{}
	provider, err := auth.NewCredentialProvider(auth.DefaultProviderConfig(), auth.ProviderDeps{
		Store:    store,
		Hasher:   &plainHasher{},
		Notifier: &recordingNotifier{},
		Logger:   slog.New(slog.NewJSONHandler(logs, nil)),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = provider.Close(context.Background()) })

	user, err := provider.CreateUser(ctx, auth.NewUserInput{Email: "a@example.com", Password: strongPassword})
	require.NoError(t, err)

	before := testutil.ToFloat64(auth.SessionInvalidationFailures(auth.ReasonPasswordChange))
	require.NoError(t, provider.ChangePassword(ctx, user.ID, strongPassword, otherPassword))

	assert.Equal(t, before+1, testutil.ToFloat64(auth.SessionInvalidationFailures(auth.ReasonPasswordChange)))
	assert.Contains(t, logs.String(), "failed to invalidate sessions after credential change")
	assert.Contains(t, logs.String(), `"level":"ERROR"`)

	_, err = provider.Authenticate(ctx, auth.Credentials{Email: "a@example.com", Password: otherPassword})
	require.NoError(t, err, "the new password is committed")
}

func TestResultOf_StoreFailureIsGeneric(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	provider, err := auth.NewCredentialProvider(auth.DefaultProviderConfig(), auth.ProviderDeps{
		Store:    store,
		Hasher:   &plainHasher{},
		Notifier: &recordingNotifier{},
		Logger:   slog.New(slog.DiscardHandler),
	})
	require.NoError(t, err)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()

	_, err = provider.Authenticate(cancelled, auth.Credentials{Email: "a@example.com", Password: strongPassword})
	errutil.AssertErrorCode(t, err, auth.CodeStoreUnavailable)

	res := auth.ResultOf(err)
	assert.False(t, res.Success)
	assert.Equal(t, auth.CodeStoreUnavailable, res.Code)
	assert.NotContains(t, res.Message, "context canceled")
}
