// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package auth

import (
	"errors"

	"github.com/samber/oops"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned by repositories when a uniqueness constraint
// (email, token hash, provider account) rejects an insert.
var ErrDuplicate = errors.New("duplicate")

// Error codes surfaced to callers. Every expected failure of a provider flow
// carries exactly one of these.
const (
	CodeInvalidCredentials = "AUTH_INVALID_CREDENTIALS"
	CodeRateLimited        = "AUTH_RATE_LIMITED"
	CodeWeakPassword       = "AUTH_WEAK_PASSWORD"
	CodeDuplicateEmail     = "AUTH_DUPLICATE_EMAIL"
	CodeInvalidEmail       = "AUTH_INVALID_EMAIL"
	CodeInvalidToken       = "AUTH_INVALID_TOKEN"
	CodeAlreadyVerified    = "AUTH_ALREADY_VERIFIED"
	CodeUserNotFound       = "AUTH_USER_NOT_FOUND"
	CodeAccountExists      = "AUTH_ACCOUNT_EXISTS"
	CodeInvalidIdentity    = "AUTH_INVALID_IDENTITY"
	CodeSessionInvalid     = "AUTH_SESSION_INVALID"
	CodeStoreUnavailable   = "AUTH_STORE_UNAVAILABLE"
)

// Context keys attached to coded errors.
const (
	ContextRetryAfter = "retry_after_seconds"
	ContextViolations = "violations"
)

func errInvalidCredentials() error {
	return oops.Code(CodeInvalidCredentials).Errorf("invalid credentials")
}

func errInvalidToken() error {
	return oops.Code(CodeInvalidToken).Errorf("invalid or expired token")
}

func errRateLimited(retryAfterSeconds int) error {
	return oops.Code(CodeRateLimited).
		With(ContextRetryAfter, retryAfterSeconds).
		Errorf("too many attempts")
}

func errWeakPassword(violations []string) error {
	return oops.Code(CodeWeakPassword).
		With(ContextViolations, violations).
		Errorf("password does not meet policy")
}

func errDuplicateEmail() error {
	return oops.Code(CodeDuplicateEmail).Errorf("email is already registered")
}

func errAlreadyVerified() error {
	return oops.Code(CodeAlreadyVerified).Errorf("email is already verified")
}

func errAccountExists(provider string) error {
	return oops.Code(CodeAccountExists).
		With("provider", provider).
		Errorf("an account with this email already exists")
}

func errSessionInvalid(reason string) error {
	return oops.Code(CodeSessionInvalid).Errorf("%s", reason)
}

func errStoreUnavailable(operation string) error {
	return oops.Code(CodeStoreUnavailable).
		With("operation", operation).
		Errorf("authentication store unavailable")
}

// ErrorCode returns the oops code carried by err, or "" when there is none.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}
	code, _ := oopsErr.Code().(string)
	return code
}

// RetryAfter returns the retry hint in seconds carried by a rate-limit error.
func RetryAfter(err error) int {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return 0
	}
	seconds, _ := oopsErr.Context()[ContextRetryAfter].(int)
	return seconds
}

// Violations returns the password policy errors carried by a weak-password error.
func Violations(err error) []string {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return nil
	}
	violations, _ := oopsErr.Context()[ContextViolations].([]string)
	return violations
}
