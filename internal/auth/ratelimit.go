// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package auth

import (
	"context"
	"math"
	"time"

	"github.com/samber/oops"
)

// Rate limiting configuration.
const (
	// DefaultRateLimitThreshold is the number of attempts allowed per window.
	DefaultRateLimitThreshold = 5

	// DefaultRateLimitWindow is the counting window.
	DefaultRateLimitWindow = 15 * time.Minute

	// DefaultLockoutDuration is the time an identifier is blocked once the
	// threshold is exceeded.
	DefaultLockoutDuration = 15 * time.Minute
)

// Identifier composition strategies.
const (
	KeyByEmail   = "email"
	KeyByIP      = "ip"
	KeyByEmailIP = "email_ip"
)

// Rate limit scopes keep unrelated flows in separate buckets.
const (
	ScopeLogin          = "login"
	ScopePasswordChange = "password_change"
	ScopePasswordReset  = "password_reset"
	ScopeVerification   = "verification"
)

// RateLimitConfig configures the RateLimiter.
type RateLimitConfig struct {
	// Threshold is the number of attempts allowed inside one window.
	Threshold int `koanf:"threshold" env:"THRESHOLD"`

	// Window is the length of the counting window.
	Window time.Duration `koanf:"window" env:"WINDOW"`

	// Lockout is how long an identifier stays blocked after exceeding the
	// threshold. Zero blocks until the window ends.
	Lockout time.Duration `koanf:"lockout" env:"LOCKOUT"`

	// ExtendLockout restarts the lockout on every attempt made while blocked.
	ExtendLockout bool `koanf:"extend_lockout" env:"EXTEND_LOCKOUT"`

	// KeyStrategy selects which request signals form the identifier:
	// KeyByEmail, KeyByIP or KeyByEmailIP.
	KeyStrategy string `koanf:"key_strategy" env:"KEY_STRATEGY"`

	// ResetOnSuccess clears the counter after a successful authentication.
	ResetOnSuccess bool `koanf:"reset_on_success" env:"RESET_ON_SUCCESS"`
}

// DefaultRateLimitConfig allows 5 attempts per 15 minutes per email and address.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Threshold:      DefaultRateLimitThreshold,
		Window:         DefaultRateLimitWindow,
		Lockout:        DefaultLockoutDuration,
		KeyStrategy:    KeyByEmailIP,
		ResetOnSuccess: true,
	}
}

// Validate checks the configuration.
func (c RateLimitConfig) Validate() error {
	if c.Threshold < 1 {
		return oops.Code("CONFIG_INVALID").With("threshold", c.Threshold).Errorf("rate limit threshold must be at least 1")
	}
	if c.Window <= 0 {
		return oops.Code("CONFIG_INVALID").With("window", c.Window.String()).Errorf("rate limit window must be positive")
	}
	if c.Lockout < 0 {
		return oops.Code("CONFIG_INVALID").With("lockout", c.Lockout.String()).Errorf("rate limit lockout cannot be negative")
	}
	switch c.KeyStrategy {
	case KeyByEmail, KeyByIP, KeyByEmailIP:
	default:
		return oops.Code("CONFIG_INVALID").
			With("key_strategy", c.KeyStrategy).
			Errorf("rate limit key strategy must be one of %q, %q, %q", KeyByEmail, KeyByIP, KeyByEmailIP)
	}
	return nil
}

// RateLimitCounter is the stored state for one identifier.
type RateLimitCounter struct {
	Identifier   string
	WindowStart  time.Time
	AttemptCount int
	BlockedUntil *time.Time
}

// IsBlockedAt reports whether the counter blocks attempts at t.
func (c *RateLimitCounter) IsBlockedAt(t time.Time) bool {
	return c.BlockedUntil != nil && t.Before(*c.BlockedUntil)
}

// RateLimitHit describes one attempt to record. Stores apply it atomically.
type RateLimitHit struct {
	Identifier    string
	Now           time.Time
	Window        time.Duration
	Threshold     int
	Lockout       time.Duration
	ExtendLockout bool
}

// Apply returns the counter state after this hit given the stored state
// (nil if none). SQL-backed stores express the same transition in a single
// upsert; the in-memory store calls Apply under its lock.
//
// The window restarts once it has elapsed without a block, or once a block
// has expired. Otherwise the attempt is counted, and the first attempt past
// the threshold sets BlockedUntil.
func (h RateLimitHit) Apply(existing *RateLimitCounter) *RateLimitCounter {
	if existing == nil || h.restarts(existing) {
		next := &RateLimitCounter{Identifier: h.Identifier, WindowStart: h.Now, AttemptCount: 1}
		if next.AttemptCount > h.Threshold {
			until := h.blockUntil(next.WindowStart)
			next.BlockedUntil = &until
		}
		return next
	}

	next := *existing
	next.AttemptCount++
	switch {
	case existing.BlockedUntil != nil:
		if h.ExtendLockout {
			until := h.blockUntil(existing.WindowStart)
			if until.After(*existing.BlockedUntil) {
				next.BlockedUntil = &until
			}
		}
	case next.AttemptCount > h.Threshold:
		until := h.blockUntil(existing.WindowStart)
		next.BlockedUntil = &until
	}
	return &next
}

func (h RateLimitHit) restarts(c *RateLimitCounter) bool {
	if c.BlockedUntil != nil {
		return !h.Now.Before(*c.BlockedUntil)
	}
	return !h.Now.Before(c.WindowStart.Add(h.Window))
}

func (h RateLimitHit) blockUntil(windowStart time.Time) time.Time {
	if h.Lockout > 0 {
		return h.Now.Add(h.Lockout)
	}
	return windowStart.Add(h.Window)
}

// RateLimitRepository manages rate-limit counters.
type RateLimitRepository interface {
	// Hit records one attempt atomically and returns the resulting counter.
	Hit(ctx context.Context, hit RateLimitHit) (*RateLimitCounter, error)

	// Reset removes the counter for identifier.
	Reset(ctx context.Context, identifier string) error

	// DeleteStale removes counters whose window started, and whose block
	// (if any) ended, before the given time.
	DeleteStale(ctx context.Context, before time.Time) (int64, error)
}

// RateLimitDecision is the outcome of CheckAndIncrement.
type RateLimitDecision struct {
	Allowed    bool
	Attempts   int
	RetryAfter time.Duration
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds.
func (d RateLimitDecision) RetryAfterSeconds() int {
	if d.RetryAfter <= 0 {
		return 0
	}
	return int(math.Ceil(d.RetryAfter.Seconds()))
}

// RateLimiter counts attempts per identifier in fixed windows.
type RateLimiter struct {
	repo  RateLimitRepository
	cfg   RateLimitConfig
	clock func() time.Time
}

// NewRateLimiter creates a RateLimiter.
func NewRateLimiter(repo RateLimitRepository, cfg RateLimitConfig, clock func() time.Time) (*RateLimiter, error) {
	if repo == nil {
		return nil, oops.Code("RATE_LIMITER_INVALID").Errorf("rate limit repository is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = time.Now
	}
	return &RateLimiter{repo: repo, cfg: cfg, clock: clock}, nil
}

// Config returns the limiter configuration.
func (l *RateLimiter) Config() RateLimitConfig {
	return l.cfg
}

// CheckAndIncrement records an attempt for identifier and reports whether it
// may proceed.
func (l *RateLimiter) CheckAndIncrement(ctx context.Context, identifier string) (RateLimitDecision, error) {
	now := l.clock()
	counter, err := l.repo.Hit(ctx, RateLimitHit{
		Identifier:    identifier,
		Now:           now,
		Window:        l.cfg.Window,
		Threshold:     l.cfg.Threshold,
		Lockout:       l.cfg.Lockout,
		ExtendLockout: l.cfg.ExtendLockout,
	})
	if err != nil {
		return RateLimitDecision{}, oops.Code("RATE_LIMIT_CHECK_FAILED").
			With("identifier", identifier).
			Wrap(err)
	}

	decision := RateLimitDecision{Allowed: true, Attempts: counter.AttemptCount}
	if counter.IsBlockedAt(now) {
		decision.Allowed = false
		decision.RetryAfter = counter.BlockedUntil.Sub(now)
		rateLimitDenials.Inc()
	}
	return decision, nil
}

// Reset clears the counter for identifier.
func (l *RateLimiter) Reset(ctx context.Context, identifier string) error {
	if err := l.repo.Reset(ctx, identifier); err != nil {
		return oops.Code("RATE_LIMIT_RESET_FAILED").With("identifier", identifier).Wrap(err)
	}
	return nil
}

// CleanupStale removes counters that can no longer affect a decision.
func (l *RateLimiter) CleanupStale(ctx context.Context) (int64, error) {
	horizon := max(l.cfg.Window, l.cfg.Lockout)
	n, err := l.repo.DeleteStale(ctx, l.clock().Add(-horizon))
	if err != nil {
		return 0, oops.Code("RATE_LIMIT_CLEANUP_FAILED").Wrap(err)
	}
	cleanupDeleted.WithLabelValues("rate_limit_counters").Add(float64(n))
	return n, nil
}

// Key composes the identifier from the request signals selected by the key
// strategy. When a selected signal is missing the other one is used, so
// requests without an address never share one global bucket.
func (l *RateLimiter) Key(email, ip string) string {
	email = NormalizeEmail(email)
	switch l.cfg.KeyStrategy {
	case KeyByEmail:
		if email == "" {
			return "ip:" + ip
		}
		return "email:" + email
	case KeyByIP:
		if ip == "" {
			return "email:" + email
		}
		return "ip:" + ip
	default:
		return email + "|" + ip
	}
}

// ScopedKey prefixes Key with scope so separate flows count separately.
func (l *RateLimiter) ScopedKey(scope, email, ip string) string {
	return scope + ":" + l.Key(email, ip)
}
