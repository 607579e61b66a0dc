// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

// Package mail delivers the verification and password reset emails the
// credential provider asks for.
package mail

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/samber/oops"
)

// Drivers.
const (
	DriverLog  = "log"
	DriverSMTP = "smtp"
)

// Address is a mailbox with an optional display name.
type Address struct {
	Name    string
	Address string
}

// Message is one outgoing email.
type Message struct {
	From    Address
	To      []Address
	Subject string
	Text    string
	HTML    string
}

// Sender delivers a message.
type Sender interface {
	Send(ctx context.Context, msg *Message) error
}

// Config selects and configures the sender.
type Config struct {
	Driver        string        `koanf:"driver" env:"DRIVER"`
	Host          string        `koanf:"host" env:"HOST"`
	Port          int           `koanf:"port" env:"PORT"`
	Username      string        `koanf:"username" env:"USERNAME"`
	Password      string        `koanf:"password" env:"PASSWORD"`
	SkipTLSVerify bool          `koanf:"skip_tls_verify" env:"SKIP_TLS_VERIFY"`
	Timeout       time.Duration `koanf:"timeout" env:"TIMEOUT"`

	FromAddress string `koanf:"from_address" env:"FROM_ADDRESS"`
	FromName    string `koanf:"from_name" env:"FROM_NAME"`
	ProductName string `koanf:"product_name" env:"PRODUCT_NAME"`

	// Retries is how many times a failed send is retried.
	Retries      uint64        `koanf:"retries" env:"RETRIES"`
	RetryBackoff time.Duration `koanf:"retry_backoff" env:"RETRY_BACKOFF"`
}

// DefaultConfig logs mail instead of sending it.
func DefaultConfig() Config {
	return Config{
		Driver:       DriverLog,
		Port:         587,
		Timeout:      10 * time.Second,
		FromAddress:  "no-reply@localhost",
		FromName:     "Gatehouse",
		ProductName:  "Gatehouse",
		Retries:      3,
		RetryBackoff: 500 * time.Millisecond,
	}
}

// Validate checks the configuration for the selected driver.
func (c Config) Validate() error {
	switch c.Driver {
	case DriverLog:
	case DriverSMTP:
		if strings.TrimSpace(c.Host) == "" {
			return oops.Code("CONFIG_INVALID").With("key", "mail.host").Errorf("smtp host is required")
		}
		if c.Port <= 0 || c.Port > 65535 {
			return oops.Code("CONFIG_INVALID").With("key", "mail.port").With("port", c.Port).Errorf("smtp port out of range")
		}
	default:
		return oops.Code("CONFIG_INVALID").With("key", "mail.driver").With("driver", c.Driver).
			Errorf("unknown mail driver %q", c.Driver)
	}
	if !strings.Contains(c.FromAddress, "@") {
		return oops.Code("CONFIG_INVALID").With("key", "mail.from_address").Errorf("from address must be an email address")
	}
	if c.RetryBackoff < 0 {
		return oops.Code("CONFIG_INVALID").With("key", "mail.retry_backoff").Errorf("retry backoff cannot be negative")
	}
	return nil
}

// NewSender builds the configured sender wrapped with retries.
func NewSender(cfg Config, logger *slog.Logger) (Sender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var sender Sender
	switch cfg.Driver {
	case DriverSMTP:
		sender = NewSMTPSender(cfg)
	default:
		sender = NewLogSender(logger)
	}
	if cfg.Retries == 0 {
		return sender, nil
	}
	return NewRetrySender(sender, cfg.Retries, cfg.RetryBackoff, logger), nil
}
