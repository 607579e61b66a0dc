// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package auth

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/oops"
	"golang.org/x/sync/semaphore"

	"github.com/gatehouse/gatehouse/pkg/errutil"
)

// Mail dispatch defaults.
const (
	DefaultMailWorkers = 8
	DefaultMailTimeout = time.Minute
)

// Dispatch results.
const (
	dispatchSent    = "sent"
	dispatchFailed  = "failed"
	dispatchDropped = "dropped"
)

// mailJob issues whatever the mail needs and delivers it.
type mailJob func(ctx context.Context) error

// mailDispatcher runs mail jobs in the background so request flows return
// before delivery. At most workers jobs run at once; a job submitted while
// every worker is busy, or after close, is dropped and logged.
type mailDispatcher struct {
	slots   *semaphore.Weighted
	timeout time.Duration
	logger  *slog.Logger

	mu       sync.Mutex
	closed   bool
	inflight int
	idle     chan struct{} // closed whenever inflight is zero
}

func newMailDispatcher(workers int, timeout time.Duration, logger *slog.Logger) *mailDispatcher {
	if workers <= 0 {
		workers = DefaultMailWorkers
	}
	if timeout <= 0 {
		timeout = DefaultMailTimeout
	}
	idle := make(chan struct{})
	close(idle)
	return &mailDispatcher{
		slots:   semaphore.NewWeighted(int64(workers)),
		timeout: timeout,
		logger:  logger,
		idle:    idle,
	}
}

// submit starts job without waiting for it. The job context keeps the
// values of ctx (trace ids) but not its cancellation, and carries its own
// timeout. msg is logged if the job fails.
func (d *mailDispatcher) submit(ctx context.Context, kind, msg string, job mailJob) bool {
	d.mu.Lock()
	if d.closed || !d.slots.TryAcquire(1) {
		closed := d.closed
		d.mu.Unlock()
		mailDispatched.WithLabelValues(kind, dispatchDropped).Inc()
		d.logger.WarnContext(ctx, "mail dropped", "kind", kind, "closed", closed)
		return false
	}
	if d.inflight == 0 {
		d.idle = make(chan struct{})
	}
	d.inflight++
	d.mu.Unlock()

	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	go func() {
		defer d.done()
		defer cancel()
		if err := job(jobCtx); err != nil {
			mailDispatched.WithLabelValues(kind, dispatchFailed).Inc()
			errutil.LogErrorContext(jobCtx, d.logger, msg, err)
			return
		}
		mailDispatched.WithLabelValues(kind, dispatchSent).Inc()
	}()
	return true
}

func (d *mailDispatcher) done() {
	d.slots.Release(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inflight--
	if d.inflight == 0 {
		close(d.idle)
	}
}

// wait blocks until no job is running or ctx ends.
func (d *mailDispatcher) wait(ctx context.Context) error {
	d.mu.Lock()
	idle := d.idle
	d.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return oops.Code("AUTH_MAIL_DRAIN_TIMEOUT").Wrap(ctx.Err())
	}
}

// close refuses new jobs and waits for running ones.
func (d *mailDispatcher) close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return d.wait(ctx)
}
