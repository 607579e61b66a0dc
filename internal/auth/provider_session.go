// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package auth

import (
	"context"
	"errors"

	"github.com/oklog/ulid/v2"
)

// ValidateSession checks a session token and returns the session with its
// owner.
func (p *CredentialProvider) ValidateSession(ctx context.Context, token, origin string) (_ ValidatedSession, err error) {
	ctx, span := tracer.Start(ctx, "auth.validate_session")
	defer func() { endSpan(span, err) }()

	session, err := p.sessions.ValidateSession(ctx, token, origin)
	if err != nil {
		if ErrorCode(err) == CodeSessionInvalid {
			return ValidatedSession{}, err
		}
		return ValidatedSession{}, p.storeFailure(ctx, "validate session", err)
	}

	user, err := p.store.Users().GetByID(ctx, session.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ValidatedSession{}, errSessionInvalid("session user no longer exists")
		}
		return ValidatedSession{}, p.storeFailure(ctx, "get session user", err)
	}
	return ValidatedSession{Session: session, User: user.Public()}, nil
}

// InvalidateUserSessions removes every session of userID.
func (p *CredentialProvider) InvalidateUserSessions(ctx context.Context, userID ulid.ULID, reason string) (int64, error) {
	n, err := p.sessions.InvalidateUserSessions(ctx, userID, reason)
	if err != nil {
		return 0, p.storeFailure(ctx, "invalidate user sessions", err)
	}
	return n, nil
}

// SignOut revokes the session behind token.
func (p *CredentialProvider) SignOut(ctx context.Context, token string) error {
	if err := p.sessions.RevokeSession(ctx, token); err != nil {
		return p.storeFailure(ctx, "revoke session", err)
	}
	return nil
}
