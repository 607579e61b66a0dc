// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package mail

import (
	"context"
	"errors"
	"log/slog"
	"net/textproto"
	"time"

	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/gatehouse/gatehouse/pkg/errutil"
)

// RetrySender retries transient delivery failures with exponential backoff.
// Permanent rejections (SMTP 5xx, malformed messages) fail immediately.
type RetrySender struct {
	next    Sender
	retries uint64
	base    time.Duration
	logger  *slog.Logger
}

// NewRetrySender wraps next. A zero base delay defaults to 100ms.
func NewRetrySender(next Sender, retries uint64, base time.Duration, logger *slog.Logger) *RetrySender {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetrySender{next: next, retries: retries, base: base, logger: logger}
}

// Send delivers msg, retrying transient failures.
func (s *RetrySender) Send(ctx context.Context, msg *Message) error {
	backoff := retry.WithMaxRetries(s.retries, retry.WithJitterPercent(20, retry.NewExponential(s.base)))

	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := s.next.Send(ctx, msg)
		if err == nil || permanent(err) {
			return err
		}
		errutil.LogErrorContext(ctx, s.logger, "mail delivery failed, retrying", err)
		return retry.RetryableError(err)
	})
	if err != nil {
		return oops.Code("MAIL_SEND_FAILED").With("attempts", attempt).Wrap(err)
	}
	return nil
}

func permanent(err error) bool {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return tpErr.Code >= 500
	}
	if oopsErr, ok := oops.AsOops(err); ok {
		switch oopsErr.Code() {
		case "MAIL_NO_RECIPIENTS", "MAIL_EMPTY_BODY", "MAIL_ENCODE_FAILED":
			return true
		}
	}
	return false
}
