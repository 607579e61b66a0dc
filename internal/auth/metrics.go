// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package auth

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the credential core.
var (
	// authAttempts counts Authenticate outcomes.
	authAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gatehouse_auth_attempts_total",
		Help: "Total number of password authentication attempts by outcome",
	}, []string{"outcome"})

	// flowDuration tracks provider flow latency, hashing included.
	flowDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gatehouse_flow_duration_seconds",
		Help:    "Histogram of credential flow latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"flow"})

	rateLimitDenials = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gatehouse_rate_limit_denials_total",
		Help: "Total number of attempts rejected by the rate limiter",
	})

	// sessionInvalidationFailures counts best-effort invalidations that
	// failed after a password change or reset committed.
	sessionInvalidationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gatehouse_session_invalidation_failures_total",
		Help: "Total number of failed session invalidations by reason",
	}, []string{"reason"})

	tokensIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gatehouse_tokens_issued_total",
		Help: "Total number of verification tokens issued by purpose",
	}, []string{"purpose"})

	// mailDispatched counts background mail jobs by kind and result.
	mailDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gatehouse_mail_dispatched_total",
		Help: "Total number of background mail jobs by kind and result",
	}, []string{"kind", "result"})

	cleanupDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gatehouse_cleanup_deleted_total",
		Help: "Total number of expired records removed by cleanup, by table",
	}, []string{"table"})
)

// Authenticate outcomes.
const (
	outcomeSuccess     = "success"
	outcomeInvalid     = "invalid_credentials"
	outcomeRateLimited = "rate_limited"
	outcomeError       = "error"
)

func observeFlow(flow string, started time.Time) {
	flowDuration.WithLabelValues(flow).Observe(time.Since(started).Seconds())
}
