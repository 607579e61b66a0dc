// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package auth

// Result is the transport-neutral outcome of a provider operation. Handlers
// render it instead of the raw error so internal detail never reaches a client.
type Result struct {
	Success           bool     `json:"success"`
	Code              string   `json:"code,omitempty"`
	Message           string   `json:"error,omitempty"`
	RetryAfterSeconds int      `json:"retry_after_seconds,omitempty"`
	Violations        []string `json:"violations,omitempty"`
}

// publicMessages maps caller-visible codes to their fixed messages.
var publicMessages = map[string]string{
	CodeInvalidCredentials: "Invalid credentials",
	CodeRateLimited:        "Too many attempts, please try again later",
	CodeWeakPassword:       "Password does not meet the password policy",
	CodeDuplicateEmail:     "An account with this email already exists",
	CodeInvalidEmail:       "Email address is not valid",
	CodeInvalidToken:       "Invalid or expired token",
	CodeAlreadyVerified:    "Email is already verified",
	CodeAccountExists:      "An account with this email already exists; sign in to link this provider",
	CodeSessionInvalid:     "Session is invalid or has expired",
	CodeInvalidIdentity:    "Identity provider response is incomplete",
}

const genericFailureMessage = "Something went wrong, please try again"

// ResultOf converts an operation error into a Result. A nil error is a
// success. Any error without a caller-visible code, including
// AUTH_USER_NOT_FOUND and AUTH_STORE_UNAVAILABLE, is reported as a generic
// failure.
func ResultOf(err error) Result {
	if err == nil {
		return Result{Success: true}
	}

	code := ErrorCode(err)
	msg, public := publicMessages[code]
	if !public {
		return Result{Code: CodeStoreUnavailable, Message: genericFailureMessage}
	}

	res := Result{Code: code, Message: msg}
	switch code {
	case CodeRateLimited:
		res.RetryAfterSeconds = RetryAfter(err)
	case CodeWeakPassword:
		res.Violations = Violations(err)
	}
	return res
}
