// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package auth

import (
	"context"
	"runtime"

	"github.com/samber/oops"
	"golang.org/x/sync/semaphore"
)

// HashWorkers bounds how many password hash operations run at once.
// Hashing is CPU-bound; without a bound a burst of logins can starve every
// other request handled by the process.
type HashWorkers struct {
	hasher PasswordHasher
	slots  *semaphore.Weighted
	size   int
}

// NewHashWorkers wraps hasher with a gate of size slots. A size of zero or
// less uses GOMAXPROCS.
func NewHashWorkers(hasher PasswordHasher, size int) *HashWorkers {
	if size <= 0 {
		size = runtime.GOMAXPROCS(0)
	}
	return &HashWorkers{
		hasher: hasher,
		slots:  semaphore.NewWeighted(int64(size)),
		size:   size,
	}
}

// Size returns the number of concurrent hash operations allowed.
func (w *HashWorkers) Size() int {
	return w.size
}

// Hash hashes password once a slot is free. Waiting honours ctx; a hash that
// has started always runs to completion.
func (w *HashWorkers) Hash(ctx context.Context, password string) (string, error) {
	if err := w.acquire(ctx); err != nil {
		return "", err
	}
	defer w.slots.Release(1)
	return w.hasher.Hash(password)
}

// Verify compares password against hash once a slot is free.
func (w *HashWorkers) Verify(ctx context.Context, password, hash string) (bool, error) {
	if err := w.acquire(ctx); err != nil {
		return false, err
	}
	defer w.slots.Release(1)
	return w.hasher.Verify(password, hash)
}

// NeedsUpgrade delegates to the wrapped hasher; it does no hashing.
func (w *HashWorkers) NeedsUpgrade(hash string) bool {
	return w.hasher.NeedsUpgrade(hash)
}

func (w *HashWorkers) acquire(ctx context.Context) error {
	if err := w.slots.Acquire(ctx, 1); err != nil {
		return oops.Code("AUTH_HASH_WAIT_CANCELLED").
			With("workers", w.size).
			Wrap(err)
	}
	return nil
}
