// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package auth_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/gatehouse/gatehouse/internal/auth"
	"github.com/gatehouse/gatehouse/internal/auth/memory"
	"github.com/gatehouse/gatehouse/pkg/errutil"
)

func newTokenService(t *testing.T, clock *fakeClock) *auth.TokenService {
	t.Helper()
	svc, err := auth.NewTokenService(memory.New().Tokens(), clock.Now)
	require.NoError(t, err)
	return svc
}

func TestTokenService_CreateAndVerify(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	svc := newTokenService(t, clock)

	issued, err := svc.CreateToken(ctx, "a@example.com", auth.PurposeEmailVerification, time.Hour)
	require.NoError(t, err)
	assert.Len(t, issued.Token, 64)
	assert.Equal(t, clock.Now().Add(time.Hour), issued.ExpiresAt)

	record, err := svc.VerifyToken(ctx, auth.PurposeEmailVerification, issued.Token, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", record.Identifier)
	require.NotNil(t, record.ConsumedAt)
	assert.Equal(t, auth.HashToken(issued.Token), record.TokenHash)

	_, err = svc.VerifyToken(ctx, auth.PurposeEmailVerification, issued.Token, "a@example.com")
	errutil.AssertErrorCode(t, err, auth.CodeInvalidToken)
}

func TestTokenService_VerifyFailuresCollapse(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	svc := newTokenService(t, clock)

	issued, err := svc.CreateToken(ctx, "a@example.com", auth.PurposePasswordReset, time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name       string
		purpose    auth.Purpose
		token      string
		identifier string
	}{
		{"unknown token", auth.PurposePasswordReset, "deadbeef", "a@example.com"},
		{"wrong purpose", auth.PurposeEmailVerification, issued.Token, "a@example.com"},
		{"wrong identifier", auth.PurposePasswordReset, issued.Token, "b@example.com"},
		{"empty identifier", auth.PurposePasswordReset, issued.Token, ""},
		{"empty token", auth.PurposePasswordReset, "", "a@example.com"},
		{"unknown purpose", auth.Purpose("login"), issued.Token, "a@example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.VerifyToken(ctx, tt.purpose, tt.token, tt.identifier)
			errutil.AssertErrorCode(t, err, auth.CodeInvalidToken)
			assert.Equal(t, "Invalid or expired token", auth.ResultOf(err).Message)
		})
	}

	t.Run("failed attempts do not consume", func(t *testing.T) {
		_, err := svc.VerifyToken(ctx, auth.PurposePasswordReset, issued.Token, "a@example.com")
		require.NoError(t, err)
	})
}

func TestTokenService_Expiry(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	svc := newTokenService(t, clock)

	issued, err := svc.CreateToken(ctx, "a@example.com", auth.PurposePasswordReset, time.Hour)
	require.NoError(t, err)

	clock.Advance(time.Hour)
	_, err = svc.Redeem(ctx, auth.PurposePasswordReset, issued.Token)
	errutil.AssertErrorCode(t, err, auth.CodeInvalidToken)
}

func TestTokenService_ConcurrentRedeemSucceedsOnce(t *testing.T) {
	ctx := context.Background()
	svc := newTokenService(t, newFakeClock())

	issued, err := svc.CreateToken(ctx, "a@example.com", auth.PurposePasswordReset, time.Hour)
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Redeem(ctx, auth.PurposePasswordReset, issued.Token); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestTokenService_RevokeAndCleanup(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	svc := newTokenService(t, clock)

	first, err := svc.CreateToken(ctx, "a@example.com", auth.PurposePasswordReset, time.Hour)
	require.NoError(t, err)
	verify, err := svc.CreateToken(ctx, "a@example.com", auth.PurposeEmailVerification, 2*time.Hour)
	require.NoError(t, err)

	require.NoError(t, svc.RevokeTokens(ctx, "a@example.com", auth.PurposePasswordReset))
	_, err = svc.Redeem(ctx, auth.PurposePasswordReset, first.Token)
	errutil.AssertErrorCode(t, err, auth.CodeInvalidToken)

	clock.Advance(90 * time.Minute)
	n, err := svc.CleanupExpiredTokens(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "unexpired tokens survive cleanup")

	_, err = svc.Redeem(ctx, auth.PurposeEmailVerification, verify.Token)
	require.NoError(t, err)

	clock.Advance(time.Hour)
	n, err = svc.CleanupExpiredTokens(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "consumed tokens are removed once expired")

	n, err = svc.CleanupExpiredTokens(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

// mockTokenRepo lets tests script repository responses.
type mockTokenRepo struct {
	mock.Mock
}

func (m *mockTokenRepo) Create(ctx context.Context, token *auth.VerificationToken) error {
	return m.Called(ctx, token).Error(0)
}

func (m *mockTokenRepo) Consume(ctx context.Context, params auth.ConsumeParams) (*auth.VerificationToken, error) {
	args := m.Called(ctx, params)
	token, _ := args.Get(0).(*auth.VerificationToken)
	return token, args.Error(1)
}

func (m *mockTokenRepo) DeleteByIdentifier(ctx context.Context, identifier string, purpose auth.Purpose) error {
	return m.Called(ctx, identifier, purpose).Error(0)
}

func (m *mockTokenRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	args := m.Called(ctx, now)
	return args.Get(0).(int64), args.Error(1)
}

func TestTokenService_RegeneratesOnCollision(t *testing.T) {
	repo := &mockTokenRepo{}
	repo.On("Create", mock.Anything, mock.Anything).Return(auth.ErrDuplicate).Once()
	repo.On("Create", mock.Anything, mock.Anything).Return(nil).Once()

	svc, err := auth.NewTokenService(repo, nil)
	require.NoError(t, err)

	issued, err := svc.CreateToken(context.Background(), "a@example.com", auth.PurposePasswordReset, time.Hour)
	require.NoError(t, err)
	assert.NotEmpty(t, issued.Token)

	repo.AssertNumberOfCalls(t, "Create", 2)
	first := repo.Calls[0].Arguments.Get(1).(*auth.VerificationToken)
	second := repo.Calls[1].Arguments.Get(1).(*auth.VerificationToken)
	assert.NotEqual(t, first.TokenHash, second.TokenHash, "a new value is generated")
}

func TestTokenService_GivesUpAfterRepeatedCollisions(t *testing.T) {
	repo := &mockTokenRepo{}
	repo.On("Create", mock.Anything, mock.Anything).Return(auth.ErrDuplicate)

	svc, err := auth.NewTokenService(repo, nil)
	require.NoError(t, err)

	_, err = svc.CreateToken(context.Background(), "a@example.com", auth.PurposePasswordReset, time.Hour)
	require.Error(t, err)
	assert.ErrorIs(t, err, auth.ErrDuplicate)
	repo.AssertNumberOfCalls(t, "Create", 3)
}

func TestTokenService_StoreFailureIsNotInvalidToken(t *testing.T) {
	repo := &mockTokenRepo{}
	repo.On("Consume", mock.Anything, mock.Anything).Return(nil, errors.New("connection reset"))

	svc, err := auth.NewTokenService(repo, nil)
	require.NoError(t, err)

	_, err = svc.Redeem(context.Background(), auth.PurposePasswordReset, "abc")
	errutil.AssertErrorCode(t, err, "TOKEN_CONSUME_FAILED")
}
