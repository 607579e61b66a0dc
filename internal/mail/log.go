// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package mail

import (
	"context"
	"log/slog"
)

// LogSender writes messages to the log instead of delivering them. It is
// meant for development, where the emailed link is read from the log.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender creates a LogSender. A nil logger uses slog.Default.
func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger}
}

// Send logs the message at info level.
func (s *LogSender) Send(ctx context.Context, msg *Message) error {
	to := make([]string, len(msg.To))
	for i, a := range msg.To {
		to[i] = a.Address
	}
	s.logger.InfoContext(ctx, "mail not sent, log driver active",
		"to", to,
		"subject", msg.Subject,
		"body", msg.Text,
	)
	return nil
}
