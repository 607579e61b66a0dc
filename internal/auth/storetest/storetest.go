// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

// Package storetest runs one behavioural suite against every auth.Store
// backend so they stay interchangeable.
package storetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatehouse/gatehouse/internal/auth"
)

// Factory returns an empty store. Run closes it when the subtest ends.
type Factory func(t *testing.T) auth.Store

// base is whole seconds so every backend round-trips it exactly.
var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Run exercises every repository of the store built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()
	cases := []struct {
		name string
		fn   func(t *testing.T, s auth.Store)
	}{
		{"Users", testUsers},
		{"LinkedAccounts", testLinkedAccounts},
		{"Sessions", testSessions},
		{"TokensSingleUse", testTokensSingleUse},
		{"TokensConcurrentConsume", testTokensConcurrentConsume},
		{"TokensCleanup", testTokensCleanup},
		{"RateLimitMatchesApply", testRateLimitMatchesApply},
		{"RateLimitConcurrentHits", testRateLimitConcurrentHits},
		{"RateLimitDeleteStale", testRateLimitDeleteStale},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tc.fn(t, s)
		})
	}
}

func newUser(t *testing.T, s auth.Store, email string) *auth.User {
	t.Helper()
	user, err := auth.NewUser(email, "Test User", "hash-"+email, nil, base)
	require.NoError(t, err)
	require.NoError(t, s.Users().Create(context.Background(), user))
	return user
}

func testUsers(t *testing.T, s auth.Store) {
	ctx := context.Background()
	users := s.Users()
	user := newUser(t, s, "dana@example.com")

	got, err := users.GetByEmail(ctx, "  DANA@Example.com ")
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)
	assert.Equal(t, "dana@example.com", got.Email)
	assert.Nil(t, got.EmailVerifiedAt)

	dup, err := auth.NewUser("Dana@example.com", "", "", nil, base)
	require.NoError(t, err)
	assert.ErrorIs(t, users.Create(ctx, dup), auth.ErrDuplicate)

	_, err = users.GetByID(ctx, ulid.Make())
	assert.ErrorIs(t, err, auth.ErrNotFound)

	require.NoError(t, users.UpdatePassword(ctx, user.ID, "rehashed", base.Add(time.Minute)))
	got, err = users.GetByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "rehashed", got.PasswordHash)
	assert.True(t, got.UpdatedAt.Equal(base.Add(time.Minute)))

	assert.ErrorIs(t, users.UpdatePassword(ctx, ulid.Make(), "x", base), auth.ErrNotFound)

	first := base.Add(2 * time.Minute)
	require.NoError(t, users.MarkEmailVerified(ctx, user.ID, first))
	require.NoError(t, users.MarkEmailVerified(ctx, user.ID, first.Add(time.Hour)))
	got, err = users.GetByID(ctx, user.ID)
	require.NoError(t, err)
	require.NotNil(t, got.EmailVerifiedAt)
	assert.True(t, got.EmailVerifiedAt.Equal(first), "verification time is set once")
}

func testLinkedAccounts(t *testing.T, s auth.Store) {
	ctx := context.Background()
	links := s.LinkedAccounts()
	user := newUser(t, s, "erin@example.com")

	account, err := auth.NewLinkedAccount(user.ID, "github", "4242", base)
	require.NoError(t, err)
	require.NoError(t, links.Create(ctx, account))

	again, err := auth.NewLinkedAccount(user.ID, "github", "4242", base)
	require.NoError(t, err)
	assert.ErrorIs(t, links.Create(ctx, again), auth.ErrDuplicate)

	other, err := auth.NewLinkedAccount(user.ID, "google", "4242", base.Add(time.Second))
	require.NoError(t, err)
	require.NoError(t, links.Create(ctx, other))

	got, err := links.GetByProviderAccount(ctx, "github", "4242")
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.UserID)

	_, err = links.GetByProviderAccount(ctx, "github", "missing")
	assert.ErrorIs(t, err, auth.ErrNotFound)

	all, err := links.ListByUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	orphan, err := auth.NewLinkedAccount(ulid.Make(), "github", "9999", base)
	require.NoError(t, err)
	err = links.Create(ctx, orphan)
	require.Error(t, err)
	assert.NotErrorIs(t, err, auth.ErrDuplicate)
}

func testSessions(t *testing.T, s auth.Store) {
	ctx := context.Background()
	sessions := s.Sessions()
	user := newUser(t, s, "frank@example.com")

	mk := func(hash string, expires time.Time) *auth.Session {
		t.Helper()
		session, err := auth.NewSession(user.ID, hash, "198.51.100.7", expires, base)
		require.NoError(t, err)
		require.NoError(t, sessions.Create(ctx, session))
		return session
	}

	live := mk("hash-live", base.Add(time.Hour))
	stale := mk("hash-stale", base.Add(time.Minute))
	mk("hash-third", base.Add(time.Hour))

	dup, err := auth.NewSession(user.ID, "hash-live", "", base.Add(time.Hour), base)
	require.NoError(t, err)
	assert.ErrorIs(t, sessions.Create(ctx, dup), auth.ErrDuplicate)

	got, err := sessions.GetByTokenHash(ctx, "hash-live")
	require.NoError(t, err)
	assert.Equal(t, live.ID, got.ID)
	assert.Equal(t, "198.51.100.7", got.OriginAddress)

	touched := base.Add(10 * time.Minute)
	require.NoError(t, sessions.Touch(ctx, live.ID, touched, touched.Add(time.Hour)))
	got, err = sessions.GetByTokenHash(ctx, "hash-live")
	require.NoError(t, err)
	assert.True(t, got.LastValidatedAt.Equal(touched))
	assert.True(t, got.ExpiresAt.Equal(touched.Add(time.Hour)))

	n, err := sessions.DeleteExpired(ctx, base.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, err = sessions.GetByTokenHash(ctx, stale.TokenHash)
	assert.ErrorIs(t, err, auth.ErrNotFound)

	require.NoError(t, sessions.Delete(ctx, live.ID))
	assert.ErrorIs(t, sessions.Delete(ctx, live.ID), auth.ErrNotFound)

	n, err = sessions.DeleteByUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = sessions.DeleteByUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func newToken(t *testing.T, s auth.Store, identifier string, purpose auth.Purpose, hash string, expires time.Time) *auth.VerificationToken {
	t.Helper()
	token, err := auth.NewVerificationToken(identifier, purpose, hash, expires, base)
	require.NoError(t, err)
	require.NoError(t, s.Tokens().Create(context.Background(), token))
	return token
}

func testTokensSingleUse(t *testing.T, s auth.Store) {
	ctx := context.Background()
	tokens := s.Tokens()
	newToken(t, s, "gail@example.com", auth.PurposePasswordReset, "hash-a", base.Add(time.Hour))
	newToken(t, s, "gail@example.com", auth.PurposePasswordReset, "hash-old", base.Add(time.Minute))

	dup, err := auth.NewVerificationToken("other@example.com", auth.PurposeEmailVerification, "hash-a", base.Add(time.Hour), base)
	require.NoError(t, err)
	assert.ErrorIs(t, tokens.Create(ctx, dup), auth.ErrDuplicate)

	now := base.Add(5 * time.Minute)
	miss := func(p auth.ConsumeParams) {
		t.Helper()
		_, err := tokens.Consume(ctx, p)
		assert.ErrorIs(t, err, auth.ErrNotFound)
	}

	miss(auth.ConsumeParams{Purpose: auth.PurposeEmailVerification, TokenHash: "hash-a", Now: now})
	miss(auth.ConsumeParams{Purpose: auth.PurposePasswordReset, TokenHash: "hash-a", Identifier: "mallory@example.com", Now: now})
	miss(auth.ConsumeParams{Purpose: auth.PurposePasswordReset, TokenHash: "hash-old", Now: now})
	miss(auth.ConsumeParams{Purpose: auth.PurposePasswordReset, TokenHash: "hash-a", Now: base.Add(time.Hour)})

	got, err := tokens.Consume(ctx, auth.ConsumeParams{Purpose: auth.PurposePasswordReset, TokenHash: "hash-a", Now: now})
	require.NoError(t, err)
	assert.Equal(t, "gail@example.com", got.Identifier)
	require.NotNil(t, got.ConsumedAt)
	assert.True(t, got.ConsumedAt.Equal(now))

	miss(auth.ConsumeParams{Purpose: auth.PurposePasswordReset, TokenHash: "hash-a", Now: now})

	require.NoError(t, tokens.DeleteByIdentifier(ctx, "gail@example.com", auth.PurposePasswordReset))
	n, err := tokens.DeleteExpired(ctx, base.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n, "revoked tokens are already gone")
}

func testTokensConcurrentConsume(t *testing.T, s auth.Store) {
	ctx := context.Background()
	newToken(t, s, "hank@example.com", auth.PurposeEmailVerification, "hash-race", base.Add(time.Hour))

	const racers = 8
	var (
		wg      sync.WaitGroup
		winners atomic.Int32
	)
	for range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Tokens().Consume(ctx, auth.ConsumeParams{
				Purpose:   auth.PurposeEmailVerification,
				TokenHash: "hash-race",
				Now:       base.Add(time.Minute),
			})
			if err == nil {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners.Load())
}

func testTokensCleanup(t *testing.T, s auth.Store) {
	ctx := context.Background()
	newToken(t, s, "ivy@example.com", auth.PurposeEmailVerification, "hash-1", base.Add(time.Minute))
	newToken(t, s, "ivy@example.com", auth.PurposeEmailVerification, "hash-2", base.Add(2*time.Minute))
	newToken(t, s, "ivy@example.com", auth.PurposeEmailVerification, "hash-3", base.Add(time.Hour))

	n, err := s.Tokens().DeleteExpired(ctx, base.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = s.Tokens().Consume(ctx, auth.ConsumeParams{
		Purpose:   auth.PurposeEmailVerification,
		TokenHash: "hash-3",
		Now:       base.Add(5 * time.Minute),
	})
	assert.NoError(t, err)
}

// testRateLimitMatchesApply replays hit sequences against the store and
// against RateLimitHit.Apply and requires identical counters.
func testRateLimitMatchesApply(t *testing.T, s auth.Store) {
	ctx := context.Background()
	sequences := []struct {
		name      string
		lockout   time.Duration
		extend    bool
		threshold int
		offsets   []time.Duration
	}{
		{"under threshold", 15 * time.Minute, false, 5, []time.Duration{0, time.Second, 2 * time.Second}},
		{"blocks after threshold", 15 * time.Minute, false, 3,
			[]time.Duration{0, time.Second, 2 * time.Second, 3 * time.Second, 4 * time.Second}},
		{"window rollover", 15 * time.Minute, false, 3,
			[]time.Duration{0, time.Second, 16 * time.Minute, 17 * time.Minute}},
		{"block expires", time.Minute, false, 1,
			[]time.Duration{0, time.Second, 30 * time.Second, 2 * time.Minute, 3 * time.Minute}},
		{"extend lockout", time.Minute, true, 1,
			[]time.Duration{0, time.Second, 30 * time.Second, 50 * time.Second}},
		{"block to window end", 0, false, 2,
			[]time.Duration{0, time.Second, 2 * time.Second, 10 * time.Minute, 15 * time.Minute}},
		{"zero threshold", time.Minute, false, 0, []time.Duration{0, time.Second}},
	}

	for _, seq := range sequences {
		t.Run(seq.name, func(t *testing.T) {
			id := "conformance:" + seq.name
			var want *auth.RateLimitCounter
			for i, off := range seq.offsets {
				hit := auth.RateLimitHit{
					Identifier:    id,
					Now:           base.Add(off),
					Window:        15 * time.Minute,
					Threshold:     seq.threshold,
					Lockout:       seq.lockout,
					ExtendLockout: seq.extend,
				}
				want = hit.Apply(want)

				got, err := s.RateLimits().Hit(ctx, hit)
				require.NoError(t, err, "hit %d", i)
				assert.Equal(t, want.AttemptCount, got.AttemptCount, "hit %d attempts", i)
				assert.True(t, want.WindowStart.Equal(got.WindowStart), "hit %d window start: want %v got %v", i, want.WindowStart, got.WindowStart)
				if want.BlockedUntil == nil {
					assert.Nil(t, got.BlockedUntil, "hit %d should not block", i)
				} else if assert.NotNil(t, got.BlockedUntil, "hit %d should block", i) {
					assert.True(t, want.BlockedUntil.Equal(*got.BlockedUntil), "hit %d blocked until: want %v got %v", i, *want.BlockedUntil, *got.BlockedUntil)
				}
			}

			require.NoError(t, s.RateLimits().Reset(ctx, id))
			got, err := s.RateLimits().Hit(ctx, auth.RateLimitHit{
				Identifier: id, Now: base.Add(time.Hour), Window: 15 * time.Minute, Threshold: 5, Lockout: time.Minute,
			})
			require.NoError(t, err)
			assert.Equal(t, 1, got.AttemptCount, "reset starts a fresh window")
		})
	}
}

func testRateLimitConcurrentHits(t *testing.T, s auth.Store) {
	ctx := context.Background()
	const hits = 20
	var wg sync.WaitGroup
	for range hits {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.RateLimits().Hit(ctx, auth.RateLimitHit{
				Identifier: "concurrent", Now: base, Window: time.Hour, Threshold: 100, Lockout: time.Minute,
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.RateLimits().Hit(ctx, auth.RateLimitHit{
		Identifier: "concurrent", Now: base, Window: time.Hour, Threshold: 100, Lockout: time.Minute,
	})
	require.NoError(t, err)
	assert.Equal(t, hits+1, got.AttemptCount, "no increment is lost")
}

func testRateLimitDeleteStale(t *testing.T, s auth.Store) {
	ctx := context.Background()
	hit := func(id string, at time.Time, threshold int) {
		t.Helper()
		_, err := s.RateLimits().Hit(ctx, auth.RateLimitHit{
			Identifier: id, Now: at, Window: 15 * time.Minute, Threshold: threshold, Lockout: 2 * time.Hour,
		})
		require.NoError(t, err)
	}

	hit("old", base, 5)
	hit("blocked", base, 0)
	hit("fresh", base.Add(time.Hour), 5)

	n, err := s.RateLimits().DeleteStale(ctx, base.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "only the unblocked old window is stale")
}
