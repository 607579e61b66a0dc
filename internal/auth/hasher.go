// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/alexedwards/argon2id"
	"github.com/samber/oops"
	"golang.org/x/crypto/bcrypt"
)

// MinBcryptCost is the lowest bcrypt cost accepted for new hashes.
const MinBcryptCost = 12

// Hash algorithm names accepted by NewPasswordHasher.
const (
	AlgorithmBcrypt   = "bcrypt"
	AlgorithmArgon2id = "argon2id"
)

// ErrEmptyPassword is returned when attempting to hash an empty password.
var ErrEmptyPassword = oops.Code("AUTH_EMPTY_PASSWORD").Errorf("password cannot be empty")

// PasswordHasher provides password hashing and verification.
type PasswordHasher interface {
	// Hash produces a salted hash of the password.
	Hash(password string) (string, error)

	// Verify checks if the password matches the hash.
	// Returns (true, nil) on match, (false, nil) on mismatch, or error on invalid hash.
	Verify(password, hash string) (bool, error)

	// NeedsUpgrade returns true if the hash was produced with a different
	// algorithm or weaker parameters than this hasher uses.
	NeedsUpgrade(hash string) bool
}

// NewPasswordHasher returns the hasher for the named algorithm.
func NewPasswordHasher(algorithm string, bcryptCost int) (PasswordHasher, error) {
	switch algorithm {
	case "", AlgorithmBcrypt:
		return NewBcryptHasher(bcryptCost)
	case AlgorithmArgon2id:
		return NewArgon2idHasher(), nil
	default:
		return nil, oops.Code("AUTH_UNKNOWN_HASHER").
			With("algorithm", algorithm).
			Errorf("unknown password hash algorithm %q", algorithm)
	}
}

// BcryptHasher implements PasswordHasher using bcrypt.
type BcryptHasher struct {
	cost int
}

// NewBcryptHasher creates a BcryptHasher. A zero cost selects MinBcryptCost.
func NewBcryptHasher(cost int) (*BcryptHasher, error) {
	if cost == 0 {
		cost = MinBcryptCost
	}
	if cost < MinBcryptCost || cost > bcrypt.MaxCost {
		return nil, oops.Code("AUTH_INVALID_HASH_COST").
			With("cost", cost).
			Errorf("bcrypt cost must be between %d and %d", MinBcryptCost, bcrypt.MaxCost)
	}
	return &BcryptHasher{cost: cost}, nil
}

// Cost returns the bcrypt cost used for new hashes.
func (h *BcryptHasher) Cost() int {
	return h.cost
}

// Hash produces a bcrypt hash of the password.
func (h *BcryptHasher) Hash(password string) (string, error) {
	if password == "" {
		return "", ErrEmptyPassword
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", oops.Code("AUTH_HASH_FAILED").With("algorithm", AlgorithmBcrypt).Wrap(err)
	}
	return string(hashed), nil
}

// Verify checks the password against a bcrypt or argon2id hash.
func (h *BcryptHasher) Verify(password, hash string) (bool, error) {
	return verifyAny(password, hash)
}

// NeedsUpgrade returns true for non-bcrypt hashes and for bcrypt hashes
// with a lower cost than configured.
func (h *BcryptHasher) NeedsUpgrade(hash string) bool {
	if !isBcryptHash(hash) {
		return true
	}
	cost, err := bcrypt.Cost([]byte(hash))
	if err != nil {
		return true
	}
	return cost < h.cost
}

// Argon2idHasher implements PasswordHasher using argon2id.
type Argon2idHasher struct {
	params *argon2id.Params
}

// NewArgon2idHasher creates an Argon2idHasher with OWASP-recommended parameters
// (64 MiB memory, one iteration, parallelism 4).
func NewArgon2idHasher() *Argon2idHasher {
	return &Argon2idHasher{params: &argon2id.Params{
		Memory:      64 * 1024,
		Iterations:  1,
		Parallelism: 4,
		SaltLength:  16,
		KeyLength:   32,
	}}
}

// Hash produces an argon2id hash of the password in PHC string format.
func (h *Argon2idHasher) Hash(password string) (string, error) {
	if password == "" {
		return "", ErrEmptyPassword
	}
	encoded, err := argon2id.CreateHash(password, h.params)
	if err != nil {
		return "", oops.Code("AUTH_HASH_FAILED").With("algorithm", AlgorithmArgon2id).Wrap(err)
	}
	return encoded, nil
}

// Verify checks the password against an argon2id or bcrypt hash.
func (h *Argon2idHasher) Verify(password, hash string) (bool, error) {
	return verifyAny(password, hash)
}

// NeedsUpgrade returns true for non-argon2id hashes and for argon2id hashes
// with weaker memory or iteration parameters.
func (h *Argon2idHasher) NeedsUpgrade(hash string) bool {
	if !strings.HasPrefix(hash, "$argon2id$") {
		return true
	}
	params, _, _, err := argon2id.DecodeHash(hash)
	if err != nil {
		return true
	}
	return params.Memory < h.params.Memory || params.Iterations < h.params.Iterations
}

// verifyAny dispatches on the hash prefix so either hasher can check
// credentials written by the other during an algorithm migration.
func verifyAny(password, hash string) (bool, error) {
	switch {
	case isBcryptHash(hash):
		err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
		if err == nil {
			return true, nil
		}
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return false, nil
		}
		return false, oops.Code("AUTH_INVALID_HASH").With("algorithm", AlgorithmBcrypt).Wrap(err)
	case strings.HasPrefix(hash, "$argon2id$"):
		ok, err := argon2id.ComparePasswordAndHash(password, hash)
		if err != nil {
			return false, oops.Code("AUTH_INVALID_HASH").With("algorithm", AlgorithmArgon2id).Wrap(err)
		}
		return ok, nil
	default:
		return false, oops.Code("AUTH_INVALID_HASH").Errorf("unsupported hash format")
	}
}

func isBcryptHash(hash string) bool {
	return strings.HasPrefix(hash, "$2a$") || strings.HasPrefix(hash, "$2b$") || strings.HasPrefix(hash, "$2y$")
}

// newDummyHash hashes a random throwaway secret with h. Comparing against it
// costs the same as comparing against a real hash produced by h, and it can
// never match a password supplied by a caller.
func newDummyHash(h PasswordHasher) (string, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return "", oops.Code("AUTH_DUMMY_HASH_FAILED").Wrap(err)
	}
	return h.Hash(hex.EncodeToString(secret))
}
