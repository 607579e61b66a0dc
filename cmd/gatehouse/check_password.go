// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/gatehouse/gatehouse/internal/auth"
)

type checkPasswordConfig struct {
	password string
	email    string
	name     string
}

// NewCheckPasswordCmd creates the check-password subcommand.
func NewCheckPasswordCmd() *cobra.Command {
	cfg := &checkPasswordConfig{}

	cmd := &cobra.Command{
		Use:   "check-password",
		Short: "Check a password against the configured policy",
		Long: `Validate and score a password with the configured password policy.
The password is read from the first line of stdin unless --password is given.
Exits non-zero when the policy rejects it.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCheckPassword(cmd, cfg)
		},
	}

	cmd.Flags().StringVar(&cfg.password, "password", "", "password to check (default: read from stdin)")
	cmd.Flags().StringVar(&cfg.email, "email", "", "account email the password must not contain")
	cmd.Flags().StringVar(&cfg.name, "name", "", "account name the password must not contain")

	return cmd
}

func runCheckPassword(cmd *cobra.Command, in *checkPasswordConfig) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	password := in.password
	if password == "" {
		scanner := bufio.NewScanner(cmd.InOrStdin())
		if scanner.Scan() {
			password = strings.TrimRight(scanner.Text(), "\r")
		}
		if err := scanner.Err(); err != nil {
			return oops.Code("INPUT_FAILED").Wrap(err)
		}
	}

	var info *auth.UserInfo
	if in.email != "" || in.name != "" {
		info = &auth.UserInfo{Email: in.email, Name: in.name}
	}

	policy := auth.NewPasswordPolicy(cfg.Auth.Policy)
	result := policy.Validate(password, info)
	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "valid: %t\n", result.Valid)
	fmt.Fprintf(out, "score: %d/100\n", result.Score)
	if len(result.Errors) > 0 {
		fmt.Fprintln(out, "violations:")
		for _, e := range result.Errors {
			fmt.Fprintf(out, "  - %s\n", e)
		}
	}
	if hints := policy.Suggestions(password); len(hints) > 0 {
		fmt.Fprintln(out, "suggestions:")
		for _, h := range hints {
			fmt.Fprintf(out, "  - %s\n", h)
		}
	}

	if !result.Valid {
		return oops.Code("AUTH_WEAK_PASSWORD").
			With("violations", len(result.Errors)).
			Errorf("password does not meet the policy")
	}
	return nil
}
