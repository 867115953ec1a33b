package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/vonshlovens/davsync/internal/item"
	"github.com/vonshlovens/davsync/internal/vfs"
)

// Record is the journal's view of one path: the identity both sides agreed on
// the last time the path was propagated successfully.
type Record struct {
	Path        string
	Inode       uint64
	Mtime       time.Time
	Size        int64
	Kind        item.Kind
	Etag        string
	FileID      string
	RemotePerms item.RemotePermissions
	Checksum    item.Checksum
	PinState    vfs.PinState

	// ContentChecksum is the checksum of the local content as uploaded,
	// kept separately because the server may report a different algorithm.
	ContentChecksum item.Checksum

	HasDirtyPlaceholderMetadata bool
}

const recordColumns = `path, inode, mtime, size, kind, etag, file_id, remote_perms,
	checksum, pin_state, dirty_vfs_meta, content_checksum`

func scanRecord(row interface{ Scan(...any) error }) (*Record, error) {
	var r Record
	var mtime int64
	var kind, pin int
	var perms, checksum, contentChecksum string
	var dirty int
	err := row.Scan(&r.Path, &r.Inode, &mtime, &r.Size, &kind, &r.Etag, &r.FileID,
		&perms, &checksum, &pin, &dirty, &contentChecksum)
	if err != nil {
		return nil, err
	}
	r.Mtime = time.Unix(mtime, 0).UTC()
	r.Kind = item.Kind(kind)
	r.RemotePerms = item.ParsePermissions(perms)
	r.Checksum = item.ParseChecksum(checksum)
	r.ContentChecksum = item.ParseChecksum(contentChecksum)
	r.PinState = vfs.PinState(pin)
	r.HasDirtyPlaceholderMetadata = dirty != 0
	return &r, nil
}

// GetRecord returns the record for a path, or nil if the path is unknown.
func (db *DB) GetRecord(ctx context.Context, path string) (*Record, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE path = ?`, path)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read record %q: %w", path, err)
	}
	return r, nil
}

// GetRecordByFileID returns the record holding the given server file id, or
// nil. This is the secondary index move detection relies on.
func (db *DB) GetRecordByFileID(ctx context.Context, fileID string) (*Record, error) {
	if fileID == "" {
		return nil, nil
	}
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE file_id = ?`, fileID)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read record by file id %q: %w", fileID, err)
	}
	return r, nil
}

// SetRecord inserts or replaces the record for r.Path.
func (db *DB) SetRecord(ctx context.Context, r *Record) error {
	dirty := 0
	if r.HasDirtyPlaceholderMetadata {
		dirty = 1
	}
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO records(`+recordColumns+`)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET
			inode = excluded.inode, mtime = excluded.mtime, size = excluded.size,
			kind = excluded.kind, etag = excluded.etag, file_id = excluded.file_id,
			remote_perms = excluded.remote_perms, checksum = excluded.checksum,
			pin_state = excluded.pin_state, dirty_vfs_meta = excluded.dirty_vfs_meta,
			content_checksum = excluded.content_checksum`,
		r.Path, r.Inode, r.Mtime.Unix(), r.Size, int(r.Kind), r.Etag, r.FileID,
		r.RemotePerms.String(), r.Checksum.Header(), int(r.PinState), dirty,
		r.ContentChecksum.Header())
	if err != nil {
		return fmt.Errorf("failed to write record %q: %w", r.Path, err)
	}
	return nil
}

// DeleteRecord removes the record for a path and, for directories, every
// record underneath it.
func (db *DB) DeleteRecord(ctx context.Context, path string, recursive bool) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE path = ?`, path); err != nil {
		return fmt.Errorf("failed to delete record %q: %w", path, err)
	}
	if recursive {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM records WHERE path LIKE ? ESCAPE '\'`, likePrefix(path)); err != nil {
			return fmt.Errorf("failed to delete subtree %q: %w", path, err)
		}
	}
	return tx.Commit()
}

// RenameRecord moves a record (and its subtree) to a new path, keeping the
// file id and remote identity.
func (db *DB) RenameRecord(ctx context.Context, oldPath, newPath string) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE records SET path = ? WHERE path = ?`, newPath, oldPath); err != nil {
		return fmt.Errorf("failed to rename record %q: %w", oldPath, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE records SET path = ? || substr(path, ?) WHERE path LIKE ? ESCAPE '\'`,
		newPath, len(oldPath)+1, likePrefix(oldPath)); err != nil {
		return fmt.Errorf("failed to rename subtree %q: %w", oldPath, err)
	}
	return tx.Commit()
}

// IterateRecords calls fn for every record whose path is prefix itself or
// lies underneath it, in ascending path order. An empty prefix visits the
// whole journal.
func (db *DB) IterateRecords(ctx context.Context, prefix string, fn func(*Record) error) error {
	var rows *sql.Rows
	var err error
	if prefix == "" {
		rows, err = db.conn.QueryContext(ctx,
			`SELECT `+recordColumns+` FROM records ORDER BY path`)
	} else {
		rows, err = db.conn.QueryContext(ctx,
			`SELECT `+recordColumns+` FROM records
			 WHERE path = ? OR path LIKE ? ESCAPE '\' ORDER BY path`,
			prefix, likePrefix(prefix))
	}
	if err != nil {
		return fmt.Errorf("failed to iterate records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return fmt.Errorf("failed to scan record: %w", err)
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return rows.Err()
}

// RecordCount returns the number of journaled paths.
func (db *DB) RecordCount(ctx context.Context) (int, error) {
	var n int
	err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return n, nil
}

// IsEmpty reports whether the journal has never recorded a successful sync.
func (db *DB) IsEmpty(ctx context.Context) (bool, error) {
	n, err := db.RecordCount(ctx)
	return n == 0, err
}

// likePrefix builds a LIKE pattern matching strict descendants of path,
// escaping SQL wildcards in the path itself.
func likePrefix(path string) string {
	escaped := make([]byte, 0, len(path)+8)
	for i := 0; i < len(path); i++ {
		switch path[i] {
		case '%', '_', '\\':
			escaped = append(escaped, '\\')
		}
		escaped = append(escaped, path[i])
	}
	return string(escaped) + "/%"
}
