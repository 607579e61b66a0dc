// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

// Package auth is the credential and session lifecycle core.
//
// # Domain Types
//
// Domain types (User, LinkedAccount, Session, VerificationToken) should be
// created using their constructors:
//   - NewUser - normalises and validates the email address
//   - NewLinkedAccount - validates the user and provider account
//   - NewSession - validates the user, token hash and expiry
//   - NewVerificationToken - validates identifier, purpose and expiry
//
// Repository implementations receive pre-validated types from these
// constructors. Backends live in the memory, postgres and sqlite
// subpackages and satisfy Store.
//
// # Services
//
// Leaf services are usable on their own:
//   - PasswordPolicy - validation and scoring, no I/O
//   - TokenService - purpose-scoped single-use tokens
//   - RateLimiter - attempt windows per identifier
//   - SessionManager - issue, validate and invalidate sessions
//
// CredentialProvider composes them into the Provider flows. Every expected
// failure is an oops error carrying one of the Code* constants; ResultOf
// turns any error into the shape a transport returns to clients.
package auth
