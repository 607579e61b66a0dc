// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

// Package config loads gatehouse configuration from defaults, a YAML
// file, GATEHOUSE_ environment variables and command-line flags, in that
// order of increasing precedence.
package config

import (
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/gatehouse/gatehouse/internal/auth"
	"github.com/gatehouse/gatehouse/internal/logging"
	"github.com/gatehouse/gatehouse/internal/mail"
)

// EnvPrefix prefixes every environment variable, e.g. GATEHOUSE_STORE_DSN.
const EnvPrefix = "GATEHOUSE_"

// Store drivers.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// Config is the full process configuration.
type Config struct {
	Log     LogConfig     `koanf:"log" envPrefix:"LOG_"`
	Store   StoreConfig   `koanf:"store" envPrefix:"STORE_"`
	Metrics MetricsConfig `koanf:"metrics" envPrefix:"METRICS_"`
	Cleanup CleanupConfig `koanf:"cleanup" envPrefix:"CLEANUP_"`
	Auth    AuthConfig    `koanf:"auth" envPrefix:"AUTH_"`
	Mail    mail.Config   `koanf:"mail" envPrefix:"MAIL_"`
}

// LogConfig selects the log format and level.
type LogConfig struct {
	Format string `koanf:"format" env:"FORMAT"`
	Level  string `koanf:"level" env:"LEVEL"`
}

// StoreConfig selects the storage backend. DSN is a postgres connection
// URL or a sqlite file path; an empty sqlite DSN means the XDG data dir.
type StoreConfig struct {
	Driver string `koanf:"driver" env:"DRIVER"`
	DSN    string `koanf:"dsn" env:"DSN"`
}

// MetricsConfig configures the observability listener. Empty Addr disables it.
type MetricsConfig struct {
	Addr string `koanf:"addr" env:"ADDR"`
}

// CleanupConfig configures the periodic expiry sweep. Zero Interval disables it.
type CleanupConfig struct {
	Interval time.Duration `koanf:"interval" env:"INTERVAL"`
}

// AuthConfig is the provider configuration plus the hasher selection.
type AuthConfig struct {
	auth.ProviderConfig `koanf:",squash"`

	Hasher HasherConfig `koanf:"hasher" envPrefix:"HASHER_"`
}

// HasherConfig selects the password hash algorithm for new hashes.
type HasherConfig struct {
	Algorithm  string `koanf:"algorithm" env:"ALGORITHM"`
	BcryptCost int    `koanf:"bcrypt_cost" env:"BCRYPT_COST"`
}

// Default returns the built-in configuration: an in-memory store, JSON
// logs and mail written to the log.
func Default() Config {
	return Config{
		Log:     LogConfig{Format: "json", Level: "info"},
		Store:   StoreConfig{Driver: StoreMemory},
		Metrics: MetricsConfig{Addr: "127.0.0.1:9100"},
		Cleanup: CleanupConfig{Interval: 15 * time.Minute},
		Auth: AuthConfig{
			ProviderConfig: auth.DefaultProviderConfig(),
			Hasher:         HasherConfig{Algorithm: auth.AlgorithmArgon2id, BcryptCost: auth.MinBcryptCost},
		},
		Mail: mail.DefaultConfig(),
	}
}

// Validate checks every section.
func (c Config) Validate() error {
	switch c.Log.Format {
	case "json", "text":
	default:
		return invalid("log.format", "log format must be 'json' or 'text', got %q", c.Log.Format)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}

	switch c.Store.Driver {
	case StoreMemory:
	case StoreSQLite:
	case StorePostgres:
		if strings.TrimSpace(c.Store.DSN) == "" {
			return invalid("store.dsn", "store dsn is required for the %s driver", c.Store.Driver)
		}
	default:
		return invalid("store.driver", "store driver must be one of %q, %q, %q, got %q",
			StoreMemory, StorePostgres, StoreSQLite, c.Store.Driver)
	}

	if c.Cleanup.Interval < 0 {
		return invalid("cleanup.interval", "cleanup interval cannot be negative")
	}

	if err := c.Auth.ProviderConfig.Validate(); err != nil {
		return err
	}
	switch c.Auth.Hasher.Algorithm {
	case auth.AlgorithmArgon2id:
	case auth.AlgorithmBcrypt:
		if c.Auth.Hasher.BcryptCost != 0 && c.Auth.Hasher.BcryptCost < auth.MinBcryptCost {
			return invalid("auth.hasher.bcrypt_cost", "bcrypt cost must be at least %d", auth.MinBcryptCost)
		}
	default:
		return invalid("auth.hasher.algorithm", "hasher must be %q or %q, got %q",
			auth.AlgorithmArgon2id, auth.AlgorithmBcrypt, c.Auth.Hasher.Algorithm)
	}

	return c.Mail.Validate()
}

func invalid(key, format string, args ...any) error {
	return oops.Code("CONFIG_INVALID").With("key", key).Errorf(format, args...)
}

// Loader assembles a Config from its sources.
type Loader struct {
	// Path is an optional YAML file.
	Path string
	// Flags are applied last; only flags the user changed override.
	Flags *pflag.FlagSet
	// Environ replaces the process environment when non-nil.
	Environ map[string]string
}

// Load builds the configuration and validates it.
func (l Loader) Load() (Config, error) {
	cfg := Default()

	if l.Path != "" {
		k := koanf.New(".")
		if err := k.Load(file.Provider(l.Path), yaml.Parser()); err != nil {
			return Config{}, oops.Code("CONFIG_LOAD_FAILED").With("path", l.Path).Wrap(err)
		}
		if err := unmarshal(k, &cfg); err != nil {
			return Config{}, oops.Code("CONFIG_LOAD_FAILED").With("path", l.Path).Wrap(err)
		}
	}

	opts := env.Options{Prefix: EnvPrefix}
	if l.Environ != nil {
		opts.Environment = l.Environ
	}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, oops.Code("CONFIG_LOAD_FAILED").With("source", "env").Wrap(err)
	}

	if l.Flags != nil {
		k := koanf.New(".")
		provider := posflag.ProviderWithFlag(l.Flags, ".", nil, func(f *pflag.Flag) (string, any) {
			key, ok := flagKeys[f.Name]
			if !ok || !f.Changed {
				return "", nil
			}
			return key, posflag.FlagVal(l.Flags, f)
		})
		if err := k.Load(provider, nil); err != nil {
			return Config{}, oops.Code("CONFIG_LOAD_FAILED").With("source", "flags").Wrap(err)
		}
		if err := unmarshal(k, &cfg); err != nil {
			return Config{}, oops.Code("CONFIG_LOAD_FAILED").With("source", "flags").Wrap(err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func unmarshal(k *koanf.Koanf, cfg *Config) error {
	//nolint:wrapcheck // callers attach the source
	return k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"})
}

// flagKeys maps command-line flag names to configuration keys.
var flagKeys = map[string]string{
	"log-format":       "log.format",
	"log-level":        "log.level",
	"store-driver":     "store.driver",
	"store-dsn":        "store.dsn",
	"metrics-addr":     "metrics.addr",
	"cleanup-interval": "cleanup.interval",
	"base-url":         "auth.base_url",
	"hasher":           "auth.hasher.algorithm",
	"mail-driver":      "mail.driver",
}

// RegisterFlags adds the flags Loader understands to fs. Their defaults are
// display only; unchanged flags never override other sources.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("log-format", d.Log.Format, "log format (json or text)")
	fs.String("log-level", d.Log.Level, "log level (debug, info, warn, error)")
	fs.String("store-driver", d.Store.Driver, "storage backend (memory, postgres, sqlite)")
	fs.String("store-dsn", "", "postgres connection string or sqlite file path")
	fs.String("metrics-addr", d.Metrics.Addr, "metrics/health HTTP address (empty = disabled)")
	fs.Duration("cleanup-interval", d.Cleanup.Interval, "expired record sweep interval (0 = disabled)")
	fs.String("base-url", d.Auth.BaseURL, "base URL for emailed links")
	fs.String("hasher", d.Auth.Hasher.Algorithm, "password hash algorithm (argon2id or bcrypt)")
	fs.String("mail-driver", d.Mail.Driver, "mail driver (log or smtp)")
}
