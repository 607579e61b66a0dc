// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel/attribute"
)

// oauthResolveAttempts bounds re-reads after losing an insert race.
const oauthResolveAttempts = 3

// errOAuthRace marks a unique-constraint loss that a re-read resolves.
var errOAuthRace = errors.New("concurrent oauth resolution")

// LinkOrCreateOAuthUser resolves an identity asserted by an external
// provider to a local user: an existing link wins, then an existing user
// with the same email (when implicit linking is allowed), then a new user.
//
// Concurrent calls for the same identity converge on one user and one link.
func (p *CredentialProvider) LinkOrCreateOAuthUser(ctx context.Context, identity OAuthIdentity) (res OAuthResult, err error) {
	defer observeFlow("oauth_link", time.Now())
	ctx, span := tracer.Start(ctx, "auth.oauth_link")
	defer func() { endSpan(span, err) }()

	identity.Provider = strings.TrimSpace(identity.Provider)
	identity.ProviderAccountID = strings.TrimSpace(identity.ProviderAccountID)
	identity.Email = NormalizeEmail(identity.Email)
	if identity.Provider == "" || identity.ProviderAccountID == "" {
		return OAuthResult{}, oops.Code(CodeInvalidIdentity).Errorf("provider and provider account id are required")
	}
	if err := ValidateEmail(identity.Email); err != nil {
		return OAuthResult{}, err
	}
	span.SetAttributes(attribute.String("auth.provider", identity.Provider))

	backoff := retry.WithMaxRetries(oauthResolveAttempts-1, retry.NewConstant(10*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		var resolveErr error
		res, resolveErr = p.resolveOAuth(ctx, identity)
		if errors.Is(resolveErr, errOAuthRace) {
			return retry.RetryableError(resolveErr)
		}
		return resolveErr
	})
	if err != nil {
		if errors.Is(err, errOAuthRace) {
			return OAuthResult{}, p.storeFailure(ctx, "resolve oauth identity", err)
		}
		return OAuthResult{}, err
	}

	span.SetAttributes(
		attribute.Bool("auth.user_created", res.Created),
		attribute.Bool("auth.account_linked", res.Linked),
	)
	return res, nil
}

func (p *CredentialProvider) resolveOAuth(ctx context.Context, identity OAuthIdentity) (OAuthResult, error) {
	linked, err := p.store.LinkedAccounts().GetByProviderAccount(ctx, identity.Provider, identity.ProviderAccountID)
	switch {
	case err == nil:
		user, err := p.store.Users().GetByID(ctx, linked.UserID)
		if err != nil {
			return OAuthResult{}, p.storeFailure(ctx, "get linked user", err)
		}
		return OAuthResult{User: user.Public()}, nil
	case !errors.Is(err, ErrNotFound):
		return OAuthResult{}, p.storeFailure(ctx, "get linked account", err)
	}

	user, err := p.lookupByEmail(ctx, identity.Email)
	if err != nil {
		return OAuthResult{}, p.storeFailure(ctx, "get user by email", err)
	}

	created := false
	if user != nil {
		if !p.cfg.ImplicitOAuthLinking || !identity.EmailVerified {
			p.logger.InfoContext(ctx, "oauth identity matches existing account, linking refused",
				"provider", identity.Provider,
				"user_id", user.ID.String(),
				"email_verified", identity.EmailVerified,
			)
			return OAuthResult{}, errAccountExists(identity.Provider)
		}
	} else {
		if user, err = p.createOAuthUser(ctx, identity); err != nil {
			return OAuthResult{}, err
		}
		created = true
	}

	if err := p.linkAccount(ctx, user, identity); err != nil {
		return OAuthResult{}, err
	}

	if !created && identity.EmailVerified && !user.IsEmailVerified() {
		now := p.clock()
		if err := p.store.Users().MarkEmailVerified(ctx, user.ID, now); err != nil {
			p.bestEffort(ctx, "failed to mark linked email verified", err)
		} else {
			user.EmailVerifiedAt = &now
		}
	}

	p.logger.InfoContext(ctx, "oauth identity linked",
		"provider", identity.Provider,
		"user_id", user.ID.String(),
		"created", created,
	)
	return OAuthResult{User: user.Public(), Created: created, Linked: true}, nil
}

func (p *CredentialProvider) createOAuthUser(ctx context.Context, identity OAuthIdentity) (*User, error) {
	now := p.clock()
	var verifiedAt *time.Time
	if identity.EmailVerified {
		verifiedAt = &now
	}
	user, err := NewUser(identity.Email, identity.Name, "", verifiedAt, now)
	if err != nil {
		return nil, err
	}
	if err := p.store.Users().Create(ctx, user); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return nil, errOAuthRace
		}
		return nil, p.storeFailure(ctx, "create oauth user", err)
	}
	return user, nil
}

func (p *CredentialProvider) linkAccount(ctx context.Context, user *User, identity OAuthIdentity) error {
	account, err := NewLinkedAccount(user.ID, identity.Provider, identity.ProviderAccountID, p.clock())
	if err != nil {
		return err
	}
	if err := p.store.LinkedAccounts().Create(ctx, account); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return errOAuthRace
		}
		return p.storeFailure(ctx, "create linked account", err)
	}
	return nil
}
