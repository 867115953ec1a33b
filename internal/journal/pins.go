package journal

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/vonshlovens/davsync/internal/vfs"
)

// The pin_states table is the live hydration policy; records.pin_state only
// mirrors the policy that was in force at the last successful sync of a path.
// The journal therefore satisfies vfs.PinStore.

// PinState returns the stored pin for a path, walking up to the nearest
// ancestor with an explicit pin when the path itself is inherited.
func (db *DB) PinState(ctx context.Context, relPath string) (vfs.PinState, error) {
	for p := relPath; ; {
		var state int
		err := db.conn.QueryRowContext(ctx,
			`SELECT state FROM pin_states WHERE path = ?`, p).Scan(&state)
		switch {
		case err == sql.ErrNoRows:
			// fall through to parent
		case err != nil:
			return vfs.PinInherited, fmt.Errorf("failed to read pin state %q: %w", p, err)
		case vfs.PinState(state) != vfs.PinInherited:
			return vfs.PinState(state), nil
		}

		if p == "" {
			return vfs.PinAlwaysLocal, nil // root default
		}
		p = parentPath(p)
	}
}

// SetPinState stores an explicit pin for a path.
func (db *DB) SetPinState(ctx context.Context, relPath string, state vfs.PinState) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO pin_states(path, state) VALUES(?, ?)
		 ON CONFLICT(path) DO UPDATE SET state = excluded.state`,
		relPath, int(state))
	if err != nil {
		return fmt.Errorf("failed to write pin state %q: %w", relPath, err)
	}
	return nil
}

// IteratePinStates visits explicit pins at or under prefix in path order.
func (db *DB) IteratePinStates(ctx context.Context, prefix string, fn func(string, vfs.PinState) error) error {
	var rows *sql.Rows
	var err error
	if prefix == "" {
		rows, err = db.conn.QueryContext(ctx,
			`SELECT path, state FROM pin_states ORDER BY path`)
	} else {
		rows, err = db.conn.QueryContext(ctx,
			`SELECT path, state FROM pin_states
			 WHERE path = ? OR path LIKE ? ESCAPE '\' ORDER BY path`,
			prefix, likePrefix(prefix))
	}
	if err != nil {
		return fmt.Errorf("failed to iterate pin states: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p string
		var state int
		if err := rows.Scan(&p, &state); err != nil {
			return err
		}
		if err := fn(p, vfs.PinState(state)); err != nil {
			return err
		}
	}
	return rows.Err()
}

func parentPath(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[:i]
		}
	}
	return ""
}
