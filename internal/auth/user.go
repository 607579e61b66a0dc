// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package auth

import (
	"context"
	"net/mail"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// MaxEmailLength is the longest address accepted (RFC 5321 path limit).
const MaxEmailLength = 254

// User is an account record. PasswordHash is empty for accounts that only
// sign in through an identity provider.
type User struct {
	ID              ulid.ULID
	Email           string
	Name            string
	PasswordHash    string `json:"-"`
	EmailVerifiedAt *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// PublicUser is the view of a User returned across the provider boundary.
type PublicUser struct {
	ID            ulid.ULID  `json:"id"`
	Email         string     `json:"email"`
	Name          string     `json:"name,omitempty"`
	EmailVerified bool       `json:"email_verified"`
	VerifiedAt    *time.Time `json:"email_verified_at,omitempty"`
	HasPassword   bool       `json:"has_password"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Public strips credential material from the user.
func (u *User) Public() PublicUser {
	return PublicUser{
		ID:            u.ID,
		Email:         u.Email,
		Name:          u.Name,
		EmailVerified: u.EmailVerifiedAt != nil,
		VerifiedAt:    u.EmailVerifiedAt,
		HasPassword:   u.PasswordHash != "",
		CreatedAt:     u.CreatedAt,
	}
}

// IsEmailVerified reports whether the email address has been confirmed.
func (u *User) IsEmailVerified() bool {
	return u.EmailVerifiedAt != nil
}

// HasPassword reports whether the account can sign in with a password.
func (u *User) HasPassword() bool {
	return u.PasswordHash != ""
}

// NewUser creates a validated User. passwordHash may be empty for
// identity-provider accounts; verifiedAt may be nil.
func NewUser(email, name, passwordHash string, verifiedAt *time.Time, now time.Time) (*User, error) {
	normalized := NormalizeEmail(email)
	if err := ValidateEmail(normalized); err != nil {
		return nil, err
	}
	return &User{
		ID:              ulid.Make(),
		Email:           normalized,
		Name:            strings.TrimSpace(name),
		PasswordHash:    passwordHash,
		EmailVerifiedAt: verifiedAt,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// NormalizeEmail trims and lower-cases an address so uniqueness is
// case-insensitive everywhere it is compared.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidateEmail checks the shape of an email address.
func ValidateEmail(email string) error {
	if email == "" {
		return oops.Code(CodeInvalidEmail).Errorf("email cannot be empty")
	}
	if len(email) > MaxEmailLength {
		return oops.Code(CodeInvalidEmail).
			With("max", MaxEmailLength).
			Errorf("email must be at most %d characters", MaxEmailLength)
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return oops.Code(CodeInvalidEmail).Errorf("email is not a valid address")
	}
	// bare hosts such as "localhost" parse but cannot receive mail
	at := strings.LastIndexByte(email, '@')
	if domain := email[at+1:]; !strings.Contains(strings.Trim(domain, "."), ".") {
		return oops.Code(CodeInvalidEmail).Errorf("email domain must be fully qualified")
	}
	return nil
}

// LinkedAccount binds an identity-provider account to a local user.
type LinkedAccount struct {
	ID                ulid.ULID
	UserID            ulid.ULID
	Provider          string
	ProviderAccountID string
	CreatedAt         time.Time
}

// NewLinkedAccount creates a validated LinkedAccount.
func NewLinkedAccount(userID ulid.ULID, provider, providerAccountID string, now time.Time) (*LinkedAccount, error) {
	if userID.Compare(ulid.ULID{}) == 0 {
		return nil, oops.Code("LINKED_ACCOUNT_INVALID_USER").Errorf("user ID cannot be zero")
	}
	if strings.TrimSpace(provider) == "" {
		return nil, oops.Code("LINKED_ACCOUNT_INVALID_PROVIDER").Errorf("provider cannot be empty")
	}
	if strings.TrimSpace(providerAccountID) == "" {
		return nil, oops.Code("LINKED_ACCOUNT_INVALID_ACCOUNT").Errorf("provider account ID cannot be empty")
	}
	return &LinkedAccount{
		ID:                ulid.Make(),
		UserID:            userID,
		Provider:          provider,
		ProviderAccountID: providerAccountID,
		CreatedAt:         now,
	}, nil
}

// UserRepository manages user persistence.
type UserRepository interface {
	// Create stores a new user. Returns ErrDuplicate if the email is taken.
	Create(ctx context.Context, user *User) error

	// GetByID retrieves a user by ID.
	GetByID(ctx context.Context, id ulid.ULID) (*User, error)

	// GetByEmail retrieves a user by email (case-insensitive).
	// Returns ErrNotFound if no user has the given email.
	GetByEmail(ctx context.Context, email string) (*User, error)

	// UpdatePassword replaces the password hash for a user.
	UpdatePassword(ctx context.Context, id ulid.ULID, passwordHash string, at time.Time) error

	// MarkEmailVerified sets the verification timestamp if it is not already set.
	MarkEmailVerified(ctx context.Context, id ulid.ULID, at time.Time) error
}

// LinkedAccountRepository manages identity-provider links.
type LinkedAccountRepository interface {
	// Create stores a new link. Returns ErrDuplicate if the
	// (provider, provider account) pair is already linked.
	Create(ctx context.Context, account *LinkedAccount) error

	// GetByProviderAccount retrieves the link for a provider identity.
	GetByProviderAccount(ctx context.Context, provider, providerAccountID string) (*LinkedAccount, error)

	// ListByUser returns every link belonging to a user.
	ListByUser(ctx context.Context, userID ulid.ULID) ([]*LinkedAccount, error)
}
