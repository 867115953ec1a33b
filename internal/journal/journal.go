// Package journal is the per-root durable record of the last reconciled state.
// It backs discovery's new-vs-changed-vs-unchanged decisions and makes
// interrupted syncs resumable. The store is a single SQLite file inside the
// sync root; all writes for a root happen on the root's owner task.
package journal

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// SchemaMajor is the journal schema generation written by this build. Opening
// a journal written by a newer major version is refused; older journals are
// migrated in place.
const SchemaMajor = 2

const schemaMajorKey = "schema_major"

// ErrTooNew is returned when the on-disk journal was written by a newer
// incompatible client.
var ErrTooNew = fmt.Errorf("journal schema is newer than this client supports")

// DB is an open per-root journal.
type DB struct {
	conn *sql.DB
	path string
}

// FilePath returns the journal location for a sync root:
// <root>/.sync_<hash>.db with the hash derived from the canonical root path.
func FilePath(rootPath string) string {
	abs, err := filepath.Abs(rootPath)
	if err != nil {
		abs = rootPath
	}
	sum := sha256.Sum256([]byte(filepath.ToSlash(abs)))
	return filepath.Join(rootPath, ".sync_"+hex.EncodeToString(sum[:])[:12]+".db")
}

// Open opens (creating if needed) the journal for a sync root and brings its
// schema up to date. On corruption the journal file is discarded and recreated
// empty, which forces the next run into full rediscovery.
func Open(ctx context.Context, rootPath string) (*DB, error) {
	path := FilePath(rootPath)

	db, err := open(ctx, path)
	if err == nil || err == ErrTooNew {
		return db, err
	}

	slog.Warn("journal unreadable, discarding and starting over", "path", path, "error", err)
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		os.Remove(p)
	}
	return open(ctx, path)
}

func open(ctx context.Context, path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping journal: %w", err)
	}

	// Single writer, concurrent readers.
	conn.SetMaxOpenConns(4)
	if _, err := conn.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	db := &DB{conn: conn, path: path}

	major, err := db.storedSchemaMajor(ctx)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if major > SchemaMajor {
		conn.Close()
		return db, ErrTooNew
	}

	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}

	if _, err := conn.ExecContext(ctx,
		`INSERT INTO key_value(key, value) VALUES(?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		schemaMajorKey, strconv.Itoa(SchemaMajor)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to record schema version: %w", err)
	}

	return db, nil
}

// storedSchemaMajor reads the schema generation of an existing journal; a
// fresh or pre-versioning journal reports 0.
func (db *DB) storedSchemaMajor(ctx context.Context) (int, error) {
	var exists int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='key_value'`).Scan(&exists)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect journal: %w", err)
	}
	if exists == 0 {
		return 0, nil
	}

	var value string
	err = db.conn.QueryRowContext(ctx,
		`SELECT value FROM key_value WHERE key = ?`, schemaMajorKey).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	major, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("corrupt schema version %q: %w", value, err)
	}
	return major, nil
}

// migrate runs all pending migrations in a single goose pass.
func (db *DB) migrate() error {
	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set dialect: %w", err)
	}
	goose.SetLogger(goose.NopLogger())

	if err := goose.Up(db.conn, "migrations"); err != nil {
		return fmt.Errorf("failed to run journal migrations: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	return db.conn.Close()
}

// Path returns the on-disk location of the journal file.
func (db *DB) Path() string { return db.path }

// Wipe removes the contents of every sync-state table, equivalent to a first
// sync; key_value (schema version included) and pin_states are kept. Used when
// the server's data fingerprint changes and stored etags can no longer be
// trusted.
func (db *DB) Wipe(ctx context.Context) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{
		"records", "selective_sync", "error_blacklist",
		"download_info", "upload_info", "conflicts",
	} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to wipe %s: %w", table, err)
		}
	}
	return tx.Commit()
}

// GetKeyValue reads a free-form metadata entry ("" when absent).
func (db *DB) GetKeyValue(ctx context.Context, key string) (string, error) {
	var value string
	err := db.conn.QueryRowContext(ctx,
		`SELECT value FROM key_value WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read key %q: %w", key, err)
	}
	return value, nil
}

// SetKeyValue writes a free-form metadata entry.
func (db *DB) SetKeyValue(ctx context.Context, key, value string) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO key_value(key, value) VALUES(?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write key %q: %w", key, err)
	}
	return nil
}

// Keys for well-known key_value entries.
const (
	KeyRootEtag        = "root_etag"
	KeyDataFingerprint = "data_fingerprint"
)
