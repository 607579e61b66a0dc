// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package auth

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

// RateLimitDenialsCounter exposes the denial counter to external tests.
func RateLimitDenialsCounter() prometheus.Counter { return rateLimitDenials }

// SessionInvalidationFailures exposes the failure counter to external tests.
func SessionInvalidationFailures(reason string) prometheus.Counter {
	return sessionInvalidationFailures.WithLabelValues(reason)
}

// MailDispatched exposes the background mail counter to external tests.
func MailDispatched(kind, result string) prometheus.Counter {
	return mailDispatched.WithLabelValues(kind, result)
}

// WaitForMail blocks until background mail jobs have finished.
func (p *CredentialProvider) WaitForMail(ctx context.Context) error {
	return p.mail.wait(ctx)
}
