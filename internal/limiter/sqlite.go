package limiter

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// SQLite is a limiter backed by the auth_limiter table of the store file.
// Failures older than the window no longer count.
type SQLite struct {
	db       querier
	window   time.Duration
	maxFails int
	blockFor time.Duration
	now      func() time.Time
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NewSQLite constructs a limiter over db. Non-positive settings fall back to
// the defaults.
func NewSQLite(db *sql.DB, window time.Duration, maxFails int, blockFor time.Duration) *SQLite {
	return newSQLite(db, window, maxFails, blockFor, time.Now)
}

func newSQLite(q querier, window time.Duration, maxFails int, blockFor time.Duration, now func() time.Time) *SQLite {
	if window <= 0 {
		window = DefaultWindow
	}
	if maxFails <= 0 {
		maxFails = DefaultMaxFails
	}
	if blockFor <= 0 {
		blockFor = DefaultBlockFor
	}
	return &SQLite{db: q, window: window, maxFails: maxFails, blockFor: blockFor, now: now}
}

// Allow reports whether login is currently allowed and a retry-after duration.
func (l *SQLite) Allow(ctx context.Context, username string) (bool, time.Duration, error) {
	const q = `SELECT blocked_until FROM auth_limiter WHERE username = ?`
	var blockedUntil int64
	err := l.db.QueryRowContext(ctx, q, username).Scan(&blockedUntil)
	switch {
	case err == nil:
		until := time.Unix(0, blockedUntil)
		if now := l.now(); until.After(now) {
			return false, until.Sub(now), nil
		}
		return true, 0, nil
	case errors.Is(err, sql.ErrNoRows):
		return true, 0, nil
	default:
		return false, 0, err
	}
}

// Success resets counters for username.
func (l *SQLite) Success(ctx context.Context, username string) error {
	const q = `
INSERT INTO auth_limiter (username, fail_count, blocked_until, updated_at)
VALUES (?, 0, 0, ?)
ON CONFLICT (username)
DO UPDATE SET fail_count = 0, blocked_until = 0, updated_at = excluded.updated_at`
	_, err := l.db.ExecContext(ctx, q, username, l.now().UnixNano())
	return err
}

// Failure records a failed attempt; may set a block until a future time.
func (l *SQLite) Failure(ctx context.Context, username string) (bool, time.Duration, error) {
	now := l.now()

	const q = `
INSERT INTO auth_limiter (username, fail_count, blocked_until, updated_at)
VALUES (?, 1, 0, ?)
ON CONFLICT (username) DO UPDATE
SET
  fail_count = CASE WHEN excluded.updated_at - auth_limiter.updated_at > ? THEN 1 ELSE auth_limiter.fail_count + 1 END,
  updated_at = excluded.updated_at
RETURNING fail_count`
	var fails int
	if err := l.db.QueryRowContext(ctx, q, username, now.UnixNano(), l.window.Nanoseconds()).Scan(&fails); err != nil {
		return false, 0, err
	}
	if fails >= l.maxFails {
		blockUntil := now.Add(l.blockFor)
		const upd = `UPDATE auth_limiter SET blocked_until = ? WHERE username = ?`
		if _, err := l.db.ExecContext(ctx, upd, blockUntil.UnixNano(), username); err != nil {
			return false, 0, err
		}
		return true, l.blockFor, nil
	}
	return false, 0, nil
}
