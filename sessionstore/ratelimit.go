package sessionstore

import (
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// RateLimiter enforces a per-identity daily request quota. Days roll
// over at UTC midnight; counts persist across restarts in the
// rate_records table.
type RateLimiter struct {
	db    *sql.DB
	limit int
	mu    sync.Mutex
	now   func() time.Time
}

// NewRateLimiter creates a limiter over db. A limit of zero or less
// disables the quota.
func NewRateLimiter(db *sql.DB, limit int) *RateLimiter {
	return &RateLimiter{
		db:    db,
		limit: limit,
		now:   time.Now,
	}
}

// CheckAndIncrement charges one request against identity's quota for
// the current UTC day. The check and the charge are a single atomic
// step: concurrent callers can never jointly exceed the limit. Returns
// ErrRateLimited without charging when the quota is exhausted.
func (r *RateLimiter) CheckAndIncrement(identity string) error {
	if r.limit <= 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	day := r.now().UTC().Format("2006-01-02")

	var count int
	err := r.db.QueryRow(
		`SELECT count FROM rate_records WHERE identity = ? AND day = ?`,
		identity, day,
	).Scan(&count)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("query rate record: %w", err)
	}

	if count >= r.limit {
		return ErrRateLimited
	}

	_, err = r.db.Exec(
		`INSERT INTO rate_records (identity, day, count) VALUES (?, ?, 1)
		 ON CONFLICT(identity, day) DO UPDATE SET count = count + 1`,
		identity, day,
	)
	if err != nil {
		return fmt.Errorf("update rate record: %w", err)
	}
	return nil
}

// Remaining returns the identity's unused quota for the current UTC day.
func (r *RateLimiter) Remaining(identity string) (int, error) {
	if r.limit <= 0 {
		return 0, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	day := r.now().UTC().Format("2006-01-02")

	var count int
	err := r.db.QueryRow(
		`SELECT count FROM rate_records WHERE identity = ? AND day = ?`,
		identity, day,
	).Scan(&count)
	if err != nil && err != sql.ErrNoRows {
		return 0, fmt.Errorf("query rate record: %w", err)
	}

	remaining := r.limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}
