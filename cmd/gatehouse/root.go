// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/gatehouse/gatehouse/internal/config"
	"github.com/gatehouse/gatehouse/internal/xdg"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the gatehouse CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gatehouse",
		Short: "Gatehouse - credential and session lifecycle service",
		Long: `Gatehouse manages password and OAuth sign-in, sessions, email
verification and password reset on top of Postgres, SQLite or memory.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path (default: $GATEHOUSE_CONFIG, then $XDG_CONFIG_HOME/gatehouse/config.yaml)")
	config.RegisterFlags(cmd.PersistentFlags())

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewCleanupCmd())
	cmd.AddCommand(NewCheckPasswordCmd())

	return cmd
}

// loadConfig resolves configuration for cmd from the config file, the
// environment and the flags the user set.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path := configFile
	if path == "" {
		path = os.Getenv("GATEHOUSE_CONFIG")
	}
	if path == "" {
		path = xdg.ConfigFile()
	}
	//nolint:wrapcheck // config errors carry their own codes
	return config.Loader{Path: path, Flags: cmd.Flags()}.Load()
}
