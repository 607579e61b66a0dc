// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package auth_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gatehouse/gatehouse/internal/auth"
	"github.com/gatehouse/gatehouse/internal/auth/memory"
)

// plainHasher is a fast PasswordHasher for flow tests. It counts Verify
// calls so tests can assert every attempt does exactly one comparison.
type plainHasher struct {
	verifies atomic.Int64
	upgrade  func(hash string) bool
}

func (h *plainHasher) Hash(password string) (string, error) {
	if password == "" {
		return "", auth.ErrEmptyPassword
	}
	return "plain$" + password, nil
}

func (h *plainHasher) Verify(password, hash string) (bool, error) {
	h.verifies.Add(1)
	stored, ok := strings.CutPrefix(hash, "plain$")
	if !ok {
		return false, errors.New("not a plain hash")
	}
	return stored == password, nil
}

func (h *plainHasher) NeedsUpgrade(hash string) bool {
	if h.upgrade != nil {
		return h.upgrade(hash)
	}
	return false
}

type sentMail struct {
	Kind  string
	Email string
	Link  auth.Link
}

// recordingNotifier captures outgoing mail. Mail is sent in the
// background, so reads first run settle, when set, to let it land.
type recordingNotifier struct {
	mu     sync.Mutex
	sent   []sentMail
	err    error
	delay  time.Duration
	settle func()
}

func (n *recordingNotifier) SendVerificationEmail(_ context.Context, email string, link auth.Link) error {
	return n.record("verification", email, link)
}

func (n *recordingNotifier) SendPasswordResetEmail(_ context.Context, email string, link auth.Link) error {
	return n.record("reset", email, link)
}

func (n *recordingNotifier) record(kind, email string, link auth.Link) error {
	if n.delay > 0 {
		time.Sleep(n.delay)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, sentMail{Kind: kind, Email: email, Link: link})
	return nil
}

func (n *recordingNotifier) all() []sentMail {
	if n.settle != nil {
		n.settle()
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sentMail(nil), n.sent...)
}

// last returns the most recent mail of kind sent to email.
func (n *recordingNotifier) last(t *testing.T, kind, email string) sentMail {
	t.Helper()
	mails := n.all()
	for i := len(mails) - 1; i >= 0; i-- {
		if mails[i].Kind == kind && mails[i].Email == email {
			return mails[i]
		}
	}
	require.Failf(t, "no mail", "no %s mail sent to %s", kind, email)
	return sentMail{}
}

// fakeClock is a settable clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	provider *auth.CredentialProvider
	store    *memory.Store
	hasher   *plainHasher
	notifier *recordingNotifier
	clock    *fakeClock
	logs     *bytes.Buffer
}

func newHarness(t *testing.T, mutate ...func(*auth.ProviderConfig)) *harness {
	t.Helper()
	cfg := auth.DefaultProviderConfig()
	cfg.HashWorkers = 4
	for _, m := range mutate {
		m(&cfg)
	}

	h := &harness{
		store:    memory.New(),
		hasher:   &plainHasher{},
		notifier: &recordingNotifier{},
		clock:    newFakeClock(),
		logs:     &bytes.Buffer{},
	}
	provider, err := auth.NewCredentialProvider(cfg, auth.ProviderDeps{
		Store:    h.store,
		Hasher:   h.hasher,
		Notifier: h.notifier,
		Logger:   slog.New(slog.NewJSONHandler(&syncWriter{w: h.logs}, &slog.HandlerOptions{Level: slog.LevelDebug})),
		Clock:    h.clock.Now,
	})
	require.NoError(t, err)
	h.provider = provider
	h.notifier.settle = func() { waitForMail(t, provider) }
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, provider.Close(ctx))
	})
	// the dummy hash is computed at construction; count only flow comparisons
	h.hasher.verifies.Store(0)
	return h
}

// waitForMail blocks until provider has no mail in flight.
func waitForMail(t *testing.T, provider *auth.CredentialProvider) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, provider.WaitForMail(ctx))
}

// logged returns the provider log after background mail has settled.
func (h *harness) logged(t *testing.T) string {
	t.Helper()
	waitForMail(t, h.provider)
	return h.logs.String()
}

// signUp creates a user through the provider.
func (h *harness) signUp(t *testing.T, email, name, password string) auth.PublicUser {
	t.Helper()
	user, err := h.provider.CreateUser(context.Background(), auth.NewUserInput{Email: email, Name: name, Password: password})
	require.NoError(t, err)
	return user
}

type syncWriter struct {
	mu sync.Mutex
	w  *bytes.Buffer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
