// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

// Package memory is an in-process auth.Store for tests and single-node
// development. All state is lost when the process exits.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/gatehouse/gatehouse/internal/auth"
)

type providerKey struct {
	provider  string
	accountID string
}

// Store holds every table behind one mutex, so each repository call is
// atomic with respect to every other.
type Store struct {
	mu sync.Mutex

	users   map[ulid.ULID]auth.User
	byEmail map[string]ulid.ULID

	links map[providerKey]auth.LinkedAccount

	sessions       map[ulid.ULID]auth.Session
	sessionsByHash map[string]ulid.ULID

	tokens map[string]auth.VerificationToken // keyed by token hash

	counters map[string]auth.RateLimitCounter

	closed bool
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		users:          make(map[ulid.ULID]auth.User),
		byEmail:        make(map[string]ulid.ULID),
		links:          make(map[providerKey]auth.LinkedAccount),
		sessions:       make(map[ulid.ULID]auth.Session),
		sessionsByHash: make(map[string]ulid.ULID),
		tokens:         make(map[string]auth.VerificationToken),
		counters:       make(map[string]auth.RateLimitCounter),
	}
}

var _ auth.Store = (*Store)(nil)

// Users returns the user repository.
func (s *Store) Users() auth.UserRepository { return userRepo{s} }

// LinkedAccounts returns the linked account repository.
func (s *Store) LinkedAccounts() auth.LinkedAccountRepository { return linkRepo{s} }

// Sessions returns the session repository.
func (s *Store) Sessions() auth.SessionRepository { return sessionRepo{s} }

// Tokens returns the verification token repository.
func (s *Store) Tokens() auth.VerificationTokenRepository { return tokenRepo{s} }

// RateLimits returns the rate limit repository.
func (s *Store) RateLimits() auth.RateLimitRepository { return counterRepo{s} }

// Ping fails once the store is closed.
func (s *Store) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return oops.Code("STORE_CLOSED").Errorf("memory store is closed")
	}
	return nil
}

// Close marks the store closed. Data stays readable.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *Store) lock(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	return s.mu.Unlock, nil
}

type userRepo struct{ s *Store }

func (r userRepo) Create(ctx context.Context, user *auth.User) error {
	unlock, err := r.s.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	email := auth.NormalizeEmail(user.Email)
	if _, taken := r.s.byEmail[email]; taken {
		return auth.ErrDuplicate
	}
	if _, taken := r.s.users[user.ID]; taken {
		return auth.ErrDuplicate
	}
	stored := *user
	stored.Email = email
	r.s.users[user.ID] = stored
	r.s.byEmail[email] = user.ID
	return nil
}

func (r userRepo) GetByID(ctx context.Context, id ulid.ULID) (*auth.User, error) {
	unlock, err := r.s.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	user, ok := r.s.users[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return &user, nil
}

func (r userRepo) GetByEmail(ctx context.Context, email string) (*auth.User, error) {
	unlock, err := r.s.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	id, ok := r.s.byEmail[auth.NormalizeEmail(email)]
	if !ok {
		return nil, auth.ErrNotFound
	}
	user := r.s.users[id]
	return &user, nil
}

func (r userRepo) UpdatePassword(ctx context.Context, id ulid.ULID, hash string, at time.Time) error {
	unlock, err := r.s.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	user, ok := r.s.users[id]
	if !ok {
		return auth.ErrNotFound
	}
	user.PasswordHash = hash
	user.UpdatedAt = at
	r.s.users[id] = user
	return nil
}

func (r userRepo) MarkEmailVerified(ctx context.Context, id ulid.ULID, at time.Time) error {
	unlock, err := r.s.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	user, ok := r.s.users[id]
	if !ok {
		return auth.ErrNotFound
	}
	if user.EmailVerifiedAt == nil {
		verified := at
		user.EmailVerifiedAt = &verified
	}
	user.UpdatedAt = at
	r.s.users[id] = user
	return nil
}

type linkRepo struct{ s *Store }

func (r linkRepo) Create(ctx context.Context, account *auth.LinkedAccount) error {
	unlock, err := r.s.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	key := providerKey{account.Provider, account.ProviderAccountID}
	if _, taken := r.s.links[key]; taken {
		return auth.ErrDuplicate
	}
	if _, ok := r.s.users[account.UserID]; !ok {
		return oops.Code("LINKED_ACCOUNT_NO_USER").With("user_id", account.UserID.String()).Errorf("user does not exist")
	}
	r.s.links[key] = *account
	return nil
}

func (r linkRepo) GetByProviderAccount(ctx context.Context, provider, accountID string) (*auth.LinkedAccount, error) {
	unlock, err := r.s.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	account, ok := r.s.links[providerKey{provider, accountID}]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return &account, nil
}

func (r linkRepo) ListByUser(ctx context.Context, userID ulid.ULID) ([]*auth.LinkedAccount, error) {
	unlock, err := r.s.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var accounts []*auth.LinkedAccount
	for _, account := range r.s.links {
		if account.UserID == userID {
			accounts = append(accounts, &account)
		}
	}
	return accounts, nil
}

type sessionRepo struct{ s *Store }

func (r sessionRepo) Create(ctx context.Context, session *auth.Session) error {
	unlock, err := r.s.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	if _, taken := r.s.sessionsByHash[session.TokenHash]; taken {
		return auth.ErrDuplicate
	}
	r.s.sessions[session.ID] = *session
	r.s.sessionsByHash[session.TokenHash] = session.ID
	return nil
}

func (r sessionRepo) GetByTokenHash(ctx context.Context, tokenHash string) (*auth.Session, error) {
	unlock, err := r.s.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	id, ok := r.s.sessionsByHash[tokenHash]
	if !ok {
		return nil, auth.ErrNotFound
	}
	session := r.s.sessions[id]
	return &session, nil
}

func (r sessionRepo) Touch(ctx context.Context, id ulid.ULID, lastValidatedAt, expiresAt time.Time) error {
	unlock, err := r.s.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	session, ok := r.s.sessions[id]
	if !ok {
		return auth.ErrNotFound
	}
	session.LastValidatedAt = lastValidatedAt
	session.ExpiresAt = expiresAt
	r.s.sessions[id] = session
	return nil
}

func (r sessionRepo) Delete(ctx context.Context, id ulid.ULID) error {
	unlock, err := r.s.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	session, ok := r.s.sessions[id]
	if !ok {
		return auth.ErrNotFound
	}
	r.s.deleteSession(session)
	return nil
}

func (r sessionRepo) DeleteByUser(ctx context.Context, userID ulid.ULID) (int64, error) {
	unlock, err := r.s.lock(ctx)
	if err != nil {
		return 0, err
	}
	defer unlock()

	var n int64
	for _, session := range r.s.sessions {
		if session.UserID == userID {
			r.s.deleteSession(session)
			n++
		}
	}
	return n, nil
}

func (r sessionRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	unlock, err := r.s.lock(ctx)
	if err != nil {
		return 0, err
	}
	defer unlock()

	var n int64
	for _, session := range r.s.sessions {
		if session.ExpiresAt.Before(now) {
			r.s.deleteSession(session)
			n++
		}
	}
	return n, nil
}

func (s *Store) deleteSession(session auth.Session) {
	delete(s.sessions, session.ID)
	delete(s.sessionsByHash, session.TokenHash)
}

type tokenRepo struct{ s *Store }

func (r tokenRepo) Create(ctx context.Context, token *auth.VerificationToken) error {
	unlock, err := r.s.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	if _, taken := r.s.tokens[token.TokenHash]; taken {
		return auth.ErrDuplicate
	}
	r.s.tokens[token.TokenHash] = *token
	return nil
}

func (r tokenRepo) Consume(ctx context.Context, params auth.ConsumeParams) (*auth.VerificationToken, error) {
	unlock, err := r.s.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	token, ok := r.s.tokens[params.TokenHash]
	switch {
	case !ok,
		token.Purpose != params.Purpose,
		params.Identifier != "" && token.Identifier != params.Identifier,
		token.IsConsumed(),
		token.IsExpiredAt(params.Now):
		return nil, auth.ErrNotFound
	}

	consumedAt := params.Now
	token.ConsumedAt = &consumedAt
	r.s.tokens[params.TokenHash] = token
	return &token, nil
}

func (r tokenRepo) DeleteByIdentifier(ctx context.Context, identifier string, purpose auth.Purpose) error {
	unlock, err := r.s.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	for hash, token := range r.s.tokens {
		if token.Identifier == identifier && token.Purpose == purpose {
			delete(r.s.tokens, hash)
		}
	}
	return nil
}

func (r tokenRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	unlock, err := r.s.lock(ctx)
	if err != nil {
		return 0, err
	}
	defer unlock()

	var n int64
	for hash, token := range r.s.tokens {
		if token.ExpiresAt.Before(now) {
			delete(r.s.tokens, hash)
			n++
		}
	}
	return n, nil
}

type counterRepo struct{ s *Store }

func (r counterRepo) Hit(ctx context.Context, hit auth.RateLimitHit) (*auth.RateLimitCounter, error) {
	unlock, err := r.s.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var existing *auth.RateLimitCounter
	if counter, ok := r.s.counters[hit.Identifier]; ok {
		existing = &counter
	}
	next := hit.Apply(existing)
	r.s.counters[hit.Identifier] = *next
	return next, nil
}

func (r counterRepo) Reset(ctx context.Context, identifier string) error {
	unlock, err := r.s.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	delete(r.s.counters, identifier)
	return nil
}

func (r counterRepo) DeleteStale(ctx context.Context, before time.Time) (int64, error) {
	unlock, err := r.s.lock(ctx)
	if err != nil {
		return 0, err
	}
	defer unlock()

	var n int64
	for id, counter := range r.s.counters {
		if counter.WindowStart.Before(before) && (counter.BlockedUntil == nil || counter.BlockedUntil.Before(before)) {
			delete(r.s.counters, id)
			n++
		}
	}
	return n, nil
}
