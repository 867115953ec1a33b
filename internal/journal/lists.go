package journal

import (
	"context"
	"fmt"
	"strings"
)

// SelectiveSyncList identifies one of the three selective-sync path lists.
type SelectiveSyncList int

const (
	// SelectiveSyncBlacklist holds subtrees the user excluded from sync.
	SelectiveSyncBlacklist SelectiveSyncList = iota + 1
	// SelectiveSyncWhitelist holds subtrees the user explicitly included.
	SelectiveSyncWhitelist
	// SelectiveSyncUndecided holds new big folders awaiting a user decision.
	SelectiveSyncUndecided
)

// GetSelectiveSyncList returns the stored paths of one list, sorted.
func (db *DB) GetSelectiveSyncList(ctx context.Context, list SelectiveSyncList) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT path FROM selective_sync WHERE list = ? ORDER BY path`, int(list))
	if err != nil {
		return nil, fmt.Errorf("failed to read selective sync list: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// SetSelectiveSyncList replaces the contents of one list.
func (db *DB) SetSelectiveSyncList(ctx context.Context, list SelectiveSyncList, paths []string) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM selective_sync WHERE list = ?`, int(list)); err != nil {
		return fmt.Errorf("failed to clear selective sync list: %w", err)
	}
	for _, p := range paths {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO selective_sync(path, list) VALUES(?, ?)`,
			strings.TrimSuffix(p, "/"), int(list)); err != nil {
			return fmt.Errorf("failed to store selective sync path %q: %w", p, err)
		}
	}
	return tx.Commit()
}

// AddToSelectiveSyncList appends a single path to a list.
func (db *DB) AddToSelectiveSyncList(ctx context.Context, list SelectiveSyncList, path string) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT OR REPLACE INTO selective_sync(path, list) VALUES(?, ?)`,
		strings.TrimSuffix(path, "/"), int(list))
	if err != nil {
		return fmt.Errorf("failed to add selective sync path %q: %w", path, err)
	}
	return nil
}

// IsPathOnSelectiveSyncList reports whether path or one of its ancestors is
// on the given list.
func (db *DB) IsPathOnSelectiveSyncList(ctx context.Context, list SelectiveSyncList, path string) (bool, error) {
	paths, err := db.GetSelectiveSyncList(ctx, list)
	if err != nil {
		return false, err
	}
	for _, listed := range paths {
		if path == listed || strings.HasPrefix(path, listed+"/") {
			return true, nil
		}
	}
	return false, nil
}
