// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package auth_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/gatehouse/gatehouse/internal/auth"
	"github.com/gatehouse/gatehouse/pkg/errutil"
)

func TestBcryptHasher(t *testing.T) {
	hasher, err := auth.NewBcryptHasher(0)
	require.NoError(t, err)
	assert.Equal(t, auth.MinBcryptCost, hasher.Cost())

	hash, err := hasher.Hash("Str0ng!Pass1")
	require.NoError(t, err)

	t.Run("produces cost 12 bcrypt hash", func(t *testing.T) {
		assert.True(t, strings.HasPrefix(hash, "$2a$12$"))
		cost, err := bcrypt.Cost([]byte(hash))
		require.NoError(t, err)
		assert.Equal(t, 12, cost)
	})

	t.Run("correct password verifies", func(t *testing.T) {
		ok, err := hasher.Verify("Str0ng!Pass1", hash)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("incorrect password fails", func(t *testing.T) {
		ok, err := hasher.Verify("Str0ng!Pass2", hash)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("own hash does not need upgrade", func(t *testing.T) {
		assert.False(t, hasher.NeedsUpgrade(hash))
	})

	t.Run("rejects empty password", func(t *testing.T) {
		_, err := hasher.Hash("")
		errutil.AssertErrorCode(t, err, "AUTH_EMPTY_PASSWORD")
	})
}

func TestNewBcryptHasher_RejectsWeakCost(t *testing.T) {
	for _, cost := range []int{4, 10, 11, bcrypt.MaxCost + 1} {
		_, err := auth.NewBcryptHasher(cost)
		errutil.AssertErrorCode(t, err, "AUTH_INVALID_HASH_COST")
	}
}

func TestBcryptHasher_NeedsUpgrade(t *testing.T) {
	hasher, err := auth.NewBcryptHasher(12)
	require.NoError(t, err)

	weak, err := bcrypt.GenerateFromPassword([]byte("Str0ng!Pass1"), bcrypt.MinCost)
	require.NoError(t, err)

	assert.True(t, hasher.NeedsUpgrade(string(weak)), "lower cost bcrypt hash")
	assert.True(t, hasher.NeedsUpgrade("$argon2id$v=19$m=65536,t=1,p=4$c2FsdHNhbHQ$aGFzaA"), "argon2id hash")
	assert.True(t, hasher.NeedsUpgrade("garbage"))
}

func TestArgon2idHasher(t *testing.T) {
	hasher := auth.NewArgon2idHasher()

	t.Run("produces PHC string", func(t *testing.T) {
		hash, err := hasher.Hash("Str0ng!Pass1")
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(hash, "$argon2id$v=19$m=65536,t=1,p=4$"))
	})

	t.Run("same password produces different hashes (salt)", func(t *testing.T) {
		hash1, err := hasher.Hash("samepassword")
		require.NoError(t, err)
		hash2, err := hasher.Hash("samepassword")
		require.NoError(t, err)
		assert.NotEqual(t, hash1, hash2)
	})

	t.Run("verifies and rejects", func(t *testing.T) {
		hash, err := hasher.Hash("correctpassword")
		require.NoError(t, err)

		ok, err := hasher.Verify("correctpassword", hash)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = hasher.Verify("wrongpassword", hash)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("malformed hash errors", func(t *testing.T) {
		_, err := hasher.Verify("password", "$argon2id$invalid")
		errutil.AssertErrorCode(t, err, "AUTH_INVALID_HASH")
	})

	t.Run("bcrypt hash needs upgrade", func(t *testing.T) {
		assert.True(t, hasher.NeedsUpgrade("$2a$12$N9qo8uLOickgx2ZMRZoMyeIvNq.Uf3hE9tQALNP1Qn9sNp5x5x5x5"))
	})
}

func TestVerify_CrossAlgorithm(t *testing.T) {
	bcryptHasher, err := auth.NewBcryptHasher(12)
	require.NoError(t, err)
	argonHasher := auth.NewArgon2idHasher()

	argonHash, err := argonHasher.Hash("Tr0ub4dor&3xtra!")
	require.NoError(t, err)

	ok, err := bcryptHasher.Verify("Tr0ub4dor&3xtra!", argonHash)
	require.NoError(t, err)
	assert.True(t, ok, "bcrypt hasher must still verify argon2id hashes during migration")
}

func TestVerify_UnknownFormat(t *testing.T) {
	hasher := auth.NewArgon2idHasher()
	_, err := hasher.Verify("password", "plaintext")
	errutil.AssertErrorCode(t, err, "AUTH_INVALID_HASH")
}

func TestNewPasswordHasher(t *testing.T) {
	h, err := auth.NewPasswordHasher("", 0)
	require.NoError(t, err)
	assert.IsType(t, &auth.BcryptHasher{}, h)

	h, err = auth.NewPasswordHasher(auth.AlgorithmArgon2id, 0)
	require.NoError(t, err)
	assert.IsType(t, &auth.Argon2idHasher{}, h)

	_, err = auth.NewPasswordHasher("md5", 0)
	errutil.AssertErrorCode(t, err, "AUTH_UNKNOWN_HASHER")
}
