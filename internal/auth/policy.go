// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package auth

import (
	_ "embed"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/samber/oops"
)

// Password policy defaults.
const (
	DefaultMinPasswordLength = 8

	// DefaultMaxPasswordBytes matches the bcrypt input limit; longer inputs
	// would be rejected by the hasher.
	DefaultMaxPasswordBytes = 72

	// minUserInfoTokenLength is the shortest email local part or name token
	// that is checked against the password.
	minUserInfoTokenLength = 3
)

// Score adjustments.
const (
	scoreMinLength      = 10
	scorePerExtraChar   = 2
	scoreExtraCharCap   = 20
	scorePerClass       = 10
	scoreLength12       = 10
	scoreLength16       = 10
	penaltyRepeat       = 10
	penaltySequence     = 10
	penaltyCommon       = 30
	penaltyUserInfo     = 20
	maxScore            = 100
	sequenceRunLength   = 3
	repeatRunLength     = 3
	scoreLength12Cutoff = 12
	scoreLength16Cutoff = 16
)

//go:embed common_passwords.txt
var commonPasswordsFile string

var commonPasswords = parseCommonPasswords(commonPasswordsFile)

// sequentialPatterns are scanned for 3-character runs.
var sequentialPatterns = []string{
	"abcdefghijklmnopqrstuvwxyz",
	"0123456789",
	"qwertyuiop",
}

// PolicyConfig configures password validation.
type PolicyConfig struct {
	MinLength        int  `koanf:"min_length" env:"MIN_LENGTH"`
	MaxBytes         int  `koanf:"max_bytes" env:"MAX_BYTES"`
	RequireUppercase bool `koanf:"require_uppercase" env:"REQUIRE_UPPERCASE"`
	RequireLowercase bool `koanf:"require_lowercase" env:"REQUIRE_LOWERCASE"`
	RequireDigit     bool `koanf:"require_digit" env:"REQUIRE_DIGIT"`
	RequireSpecial   bool `koanf:"require_special" env:"REQUIRE_SPECIAL"`
}

// DefaultPolicyConfig requires 8 characters and every character class.
func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		MinLength:        DefaultMinPasswordLength,
		MaxBytes:         DefaultMaxPasswordBytes,
		RequireUppercase: true,
		RequireLowercase: true,
		RequireDigit:     true,
		RequireSpecial:   true,
	}
}

// Validate checks that the policy itself is usable.
func (c PolicyConfig) Validate() error {
	if c.MinLength < 1 {
		return oops.Code("CONFIG_INVALID").With("min_length", c.MinLength).Errorf("password min length must be at least 1")
	}
	if c.MaxBytes < c.MinLength {
		return oops.Code("CONFIG_INVALID").
			With("min_length", c.MinLength).
			With("max_bytes", c.MaxBytes).
			Errorf("password max bytes must not be below min length")
	}
	return nil
}

// UserInfo is the account data a password must not contain.
type UserInfo struct {
	Email string
	Name  string
}

// PolicyResult is the outcome of validating a password.
// Score is advisory; only Errors decide Valid.
type PolicyResult struct {
	Valid  bool
	Errors []string
	Score  int
}

// PasswordPolicy validates and scores passwords. It performs no I/O and is
// safe for concurrent use.
type PasswordPolicy struct {
	cfg PolicyConfig
}

// NewPasswordPolicy creates a PasswordPolicy.
func NewPasswordPolicy(cfg PolicyConfig) *PasswordPolicy {
	return &PasswordPolicy{cfg: cfg}
}

// Config returns the policy configuration.
func (p *PasswordPolicy) Config() PolicyConfig {
	return p.cfg
}

type passwordTraits struct {
	length     int
	hasUpper   bool
	hasLower   bool
	hasDigit   bool
	hasSpecial bool
	repeats    int
	sequences  int
	common     bool
	userInfo   []string
}

func (p *PasswordPolicy) inspect(password string, info *UserInfo) passwordTraits {
	t := passwordTraits{length: utf8.RuneCountInString(password)}
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			t.hasUpper = true
		case unicode.IsLower(r):
			t.hasLower = true
		case unicode.IsDigit(r):
			t.hasDigit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			t.hasSpecial = true
		}
	}

	lower := strings.ToLower(password)
	t.repeats = countRepeats(lower)
	t.sequences = countSequences(lower)
	t.common = isCommonPassword(lower)
	if info != nil {
		t.userInfo = userInfoMatches(lower, info)
	}
	return t
}

// Validate checks password against every rule and reports all violations.
// info may be nil when no account data is available.
func (p *PasswordPolicy) Validate(password string, info *UserInfo) PolicyResult {
	t := p.inspect(password, info)
	var errs []string

	if t.length < p.cfg.MinLength {
		errs = append(errs, fmt.Sprintf("Password must be at least %d characters long", p.cfg.MinLength))
	}
	if p.cfg.MaxBytes > 0 && len(password) > p.cfg.MaxBytes {
		errs = append(errs, fmt.Sprintf("Password must be at most %d bytes long", p.cfg.MaxBytes))
	}
	if p.cfg.RequireUppercase && !t.hasUpper {
		errs = append(errs, "Password must contain at least one uppercase letter")
	}
	if p.cfg.RequireLowercase && !t.hasLower {
		errs = append(errs, "Password must contain at least one lowercase letter")
	}
	if p.cfg.RequireDigit && !t.hasDigit {
		errs = append(errs, "Password must contain at least one number")
	}
	if p.cfg.RequireSpecial && !t.hasSpecial {
		errs = append(errs, "Password must contain at least one special character")
	}
	if t.common {
		errs = append(errs, "Password is too common")
	}
	for _, what := range t.userInfo {
		errs = append(errs, "Password must not contain your "+what)
	}

	return PolicyResult{
		Valid:  len(errs) == 0,
		Errors: errs,
		Score:  p.score(t),
	}
}

func (p *PasswordPolicy) score(t passwordTraits) int {
	score := 0
	if t.length >= p.cfg.MinLength {
		score += scoreMinLength
		score += min((t.length-p.cfg.MinLength)*scorePerExtraChar, scoreExtraCharCap)
	}
	for _, present := range []bool{t.hasUpper, t.hasLower, t.hasDigit, t.hasSpecial} {
		if present {
			score += scorePerClass
		}
	}
	if t.length >= scoreLength12Cutoff {
		score += scoreLength12
	}
	if t.length >= scoreLength16Cutoff {
		score += scoreLength16
	}
	score -= t.repeats * penaltyRepeat
	score -= t.sequences * penaltySequence
	if t.common {
		score -= penaltyCommon
	}
	if len(t.userInfo) > 0 {
		score -= penaltyUserInfo
	}
	return max(0, min(score, maxScore))
}

// Suggestions returns remediation hints for display. They never gate
// acceptance.
func (p *PasswordPolicy) Suggestions(password string) []string {
	t := p.inspect(password, nil)
	var hints []string

	if t.length < scoreLength12Cutoff {
		hints = append(hints, "Use at least 12 characters; longer passphrases are stronger")
	}
	if !t.hasUpper || !t.hasLower {
		hints = append(hints, "Mix uppercase and lowercase letters")
	}
	if !t.hasDigit {
		hints = append(hints, "Add a number")
	}
	if !t.hasSpecial {
		hints = append(hints, "Add a symbol such as ! # or %")
	}
	if t.repeats > 0 {
		hints = append(hints, "Avoid repeating the same character three times in a row")
	}
	if t.sequences > 0 {
		hints = append(hints, "Avoid sequences like abc, 123 or qwe")
	}
	if t.common {
		hints = append(hints, "Avoid common passwords and well-known words")
	}
	return hints
}

func countRepeats(s string) int {
	runes := []rune(s)
	count := 0
	for i := 0; i+repeatRunLength <= len(runes); i++ {
		if runes[i] == runes[i+1] && runes[i+1] == runes[i+2] {
			count++
		}
	}
	return count
}

func countSequences(s string) int {
	runes := []rune(s)
	count := 0
	for i := 0; i+sequenceRunLength <= len(runes); i++ {
		run := string(runes[i : i+sequenceRunLength])
		for _, pattern := range sequentialPatterns {
			if strings.Contains(pattern, run) {
				count++
				break
			}
		}
	}
	return count
}

// isCommonPassword matches in both directions: the password contains a
// listed word, or is itself a fragment of one.
func isCommonPassword(lower string) bool {
	if lower == "" {
		return false
	}
	for _, common := range commonPasswords {
		if strings.Contains(lower, common) || strings.Contains(common, lower) {
			return true
		}
	}
	return false
}

func userInfoMatches(lower string, info *UserInfo) []string {
	var matches []string

	local, _, _ := strings.Cut(NormalizeEmail(info.Email), "@")
	if len(local) >= minUserInfoTokenLength && strings.Contains(lower, local) {
		matches = append(matches, "email address")
	}

	for _, token := range strings.Fields(strings.ToLower(info.Name)) {
		if utf8.RuneCountInString(token) >= minUserInfoTokenLength && strings.Contains(lower, token) {
			matches = append(matches, "name")
			break
		}
	}
	return matches
}

func parseCommonPasswords(file string) []string {
	var words []string
	for _, line := range strings.Split(file, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		words = append(words, strings.ToLower(line))
	}
	return words
}
