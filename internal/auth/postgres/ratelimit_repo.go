// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package postgres

import (
	"context"
	"time"

	"github.com/samber/oops"

	"github.com/gatehouse/gatehouse/internal/auth"
)

// hitSQL is auth.RateLimitHit.Apply as one upsert. The inserted row is the
// fresh-window state, so a restart copies it from excluded.
//
//	$1 identifier  $2 now  $3 threshold  $4 lockout end (NULL: block to window end)
//	$5 window seconds  $6 extend lockout
const hitSQL = `
	INSERT INTO rate_limit_counters AS c (identifier, window_start, attempt_count, blocked_until)
	VALUES (
		$1, $2::timestamptz, 1,
		CASE WHEN 1 > $3::int THEN COALESCE($4::timestamptz, $2::timestamptz + make_interval(secs => $5::float8)) END
	)
	ON CONFLICT (identifier) DO UPDATE SET
		window_start = CASE WHEN ` + restartCond + ` THEN excluded.window_start ELSE c.window_start END,
		attempt_count = CASE WHEN ` + restartCond + ` THEN excluded.attempt_count ELSE c.attempt_count + 1 END,
		blocked_until = CASE
			WHEN ` + restartCond + ` THEN excluded.blocked_until
			WHEN c.blocked_until IS NOT NULL THEN
				CASE WHEN $6::boolean AND ` + blockFromWindow + ` > c.blocked_until
					THEN ` + blockFromWindow + `
					ELSE c.blocked_until
				END
			WHEN c.attempt_count + 1 > $3::int THEN ` + blockFromWindow + `
		END
	RETURNING identifier, window_start, attempt_count, blocked_until
`

const (
	restartCond = `(CASE WHEN c.blocked_until IS NOT NULL
		THEN $2::timestamptz >= c.blocked_until
		ELSE $2::timestamptz >= c.window_start + make_interval(secs => $5::float8)
	END)`

	blockFromWindow = `COALESCE($4::timestamptz, c.window_start + make_interval(secs => $5::float8))`
)

// RateLimitRepository implements auth.RateLimitRepository using PostgreSQL.
type RateLimitRepository struct {
	db DB
}

// NewRateLimitRepository creates a new RateLimitRepository.
func NewRateLimitRepository(db DB) *RateLimitRepository {
	return &RateLimitRepository{db: db}
}

// Hit records one attempt and returns the resulting counter.
func (r *RateLimitRepository) Hit(ctx context.Context, hit auth.RateLimitHit) (*auth.RateLimitCounter, error) {
	var lockoutEnd *time.Time
	if hit.Lockout > 0 {
		end := hit.Now.Add(hit.Lockout)
		lockoutEnd = &end
	}

	row := r.db.QueryRow(ctx, hitSQL,
		hit.Identifier,
		hit.Now,
		hit.Threshold,
		lockoutEnd,
		hit.Window.Seconds(),
		hit.ExtendLockout,
	)

	var counter auth.RateLimitCounter
	if err := row.Scan(&counter.Identifier, &counter.WindowStart, &counter.AttemptCount, &counter.BlockedUntil); err != nil {
		return nil, oops.Code("RATE_LIMIT_HIT_FAILED").
			With("operation", "upsert rate limit counter").
			Wrap(err)
	}
	return &counter, nil
}

// Reset removes the counter for identifier.
func (r *RateLimitRepository) Reset(ctx context.Context, identifier string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM rate_limit_counters WHERE identifier = $1`, identifier); err != nil {
		return oops.Code("RATE_LIMIT_RESET_FAILED").
			With("operation", "delete rate limit counter").
			Wrap(err)
	}
	return nil
}

// DeleteStale removes counters whose window started, and whose block (if
// any) ended, before the given time.
func (r *RateLimitRepository) DeleteStale(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.Exec(ctx, `
		DELETE FROM rate_limit_counters
		WHERE window_start < $1
		  AND (blocked_until IS NULL OR blocked_until < $1)
	`, before)
	if err != nil {
		return 0, oops.Code("RATE_LIMIT_DELETE_STALE_FAILED").
			With("operation", "delete stale rate limit counters").
			Wrap(err)
	}
	return result.RowsAffected(), nil
}

var _ auth.RateLimitRepository = (*RateLimitRepository)(nil)
