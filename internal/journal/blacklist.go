package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// BlacklistCategory classifies why a path is temporarily kept out of sync.
type BlacklistCategory int

const (
	// BlacklistNormal covers item errors that expire with exponential backoff.
	BlacklistNormal BlacklistCategory = iota + 1
	// BlacklistSoftLocal covers transient local IO problems, wiped on the next
	// unlock event or run.
	BlacklistSoftLocal
	// BlacklistFileLocked covers server-side locks (HTTP 423).
	BlacklistFileLocked
)

// BlacklistEntry is one error-blacklist row.
type BlacklistEntry struct {
	Path        string
	Category    BlacklistCategory
	RetryCount  int
	IgnoreUntil time.Time
	ErrorString string
}

// backoffSchedule is the ignore window per retry count for normal errors.
var backoffSchedule = []time.Duration{
	1 * time.Minute,
	2 * time.Minute,
	5 * time.Minute,
	10 * time.Minute,
	30 * time.Minute,
}

const backoffCap = 2 * time.Hour

func backoffFor(retryCount int) time.Duration {
	if retryCount < len(backoffSchedule) {
		return backoffSchedule[retryCount]
	}
	return backoffCap
}

// GetBlacklistEntry returns the entry for a path, or nil.
func (db *DB) GetBlacklistEntry(ctx context.Context, path string) (*BlacklistEntry, error) {
	var e BlacklistEntry
	var cat int
	var until int64
	err := db.conn.QueryRowContext(ctx,
		`SELECT path, category, retry_count, ignore_until, error_string
		 FROM error_blacklist WHERE path = ?`, path).
		Scan(&e.Path, &cat, &e.RetryCount, &until, &e.ErrorString)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read blacklist entry %q: %w", path, err)
	}
	e.Category = BlacklistCategory(cat)
	e.IgnoreUntil = time.Unix(until, 0).UTC()
	return &e, nil
}

// RecordFailure bumps (or creates) the blacklist entry for a path after a
// failed job and returns the updated entry. Normal failures extend their
// ignore window along the backoff schedule; lock and soft failures carry no
// window, they are cleared by events instead.
func (db *DB) RecordFailure(ctx context.Context, path string, category BlacklistCategory, errorString string) (*BlacklistEntry, error) {
	prev, err := db.GetBlacklistEntry(ctx, path)
	if err != nil {
		return nil, err
	}

	e := &BlacklistEntry{Path: path, Category: category, ErrorString: errorString}
	if prev != nil && prev.Category == category {
		e.RetryCount = prev.RetryCount + 1
	}
	if category == BlacklistNormal {
		e.IgnoreUntil = time.Now().UTC().Add(backoffFor(e.RetryCount))
	}

	_, err = db.conn.ExecContext(ctx,
		`INSERT INTO error_blacklist(path, category, retry_count, ignore_until, error_string)
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET
			category = excluded.category, retry_count = excluded.retry_count,
			ignore_until = excluded.ignore_until, error_string = excluded.error_string`,
		e.Path, int(e.Category), e.RetryCount, e.IgnoreUntil.Unix(), e.ErrorString)
	if err != nil {
		return nil, fmt.Errorf("failed to record failure for %q: %w", path, err)
	}
	return e, nil
}

// ClearBlacklistEntry removes the entry for a path (after a success).
func (db *DB) ClearBlacklistEntry(ctx context.Context, path string) error {
	_, err := db.conn.ExecContext(ctx,
		`DELETE FROM error_blacklist WHERE path = ?`, path)
	if err != nil {
		return fmt.Errorf("failed to clear blacklist entry %q: %w", path, err)
	}
	return nil
}

// ClearBlacklistCategory wipes every entry of one category. Soft-local
// entries are wiped when a file-unlock event arrives.
func (db *DB) ClearBlacklistCategory(ctx context.Context, category BlacklistCategory) error {
	_, err := db.conn.ExecContext(ctx,
		`DELETE FROM error_blacklist WHERE category = ?`, int(category))
	if err != nil {
		return fmt.Errorf("failed to clear blacklist category: %w", err)
	}
	return nil
}

// IsBlacklisted reports whether a path should be skipped right now, together
// with the entry that says so.
func (db *DB) IsBlacklisted(ctx context.Context, path string, now time.Time) (bool, *BlacklistEntry, error) {
	e, err := db.GetBlacklistEntry(ctx, path)
	if err != nil || e == nil {
		return false, nil, err
	}
	switch e.Category {
	case BlacklistNormal:
		return now.Before(e.IgnoreUntil), e, nil
	default:
		// Lock and soft entries stay active until explicitly cleared.
		return true, e, nil
	}
}
