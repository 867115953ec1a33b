package journal

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DownloadInfo remembers a partially downloaded temp file so the next run can
// resume instead of starting over.
type DownloadInfo struct {
	Path    string
	TmpFile string
	Etag    string
}

// GetDownloadInfo returns resumption data for a path, or nil.
func (db *DB) GetDownloadInfo(ctx context.Context, path string) (*DownloadInfo, error) {
	var d DownloadInfo
	err := db.conn.QueryRowContext(ctx,
		`SELECT path, tmp_file, etag FROM download_info WHERE path = ?`, path).
		Scan(&d.Path, &d.TmpFile, &d.Etag)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read download info %q: %w", path, err)
	}
	return &d, nil
}

// SetDownloadInfo stores resumption data for an in-flight download.
func (db *DB) SetDownloadInfo(ctx context.Context, d *DownloadInfo) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO download_info(path, tmp_file, etag) VALUES(?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET tmp_file = excluded.tmp_file, etag = excluded.etag`,
		d.Path, d.TmpFile, d.Etag)
	if err != nil {
		return fmt.Errorf("failed to write download info %q: %w", d.Path, err)
	}
	return nil
}

// DeleteDownloadInfo drops resumption data once a download completed or the
// temp file was abandoned.
func (db *DB) DeleteDownloadInfo(ctx context.Context, path string) error {
	_, err := db.conn.ExecContext(ctx, `DELETE FROM download_info WHERE path = ?`, path)
	if err != nil {
		return fmt.Errorf("failed to delete download info %q: %w", path, err)
	}
	return nil
}

// UploadInfo remembers the progress of a chunked upload: which chunks the
// server acknowledged, and the file identity the chunks belong to. If the
// file changes on disk the info is stale and must be discarded.
type UploadInfo struct {
	Path       string
	TransferID string
	ChunkMap   map[int]bool // chunk number -> acknowledged
	ChunkSize  int64        // fixed for the lifetime of one transfer
	Mtime      time.Time
	Size       int64
}

// Valid reports whether the stored progress still matches the file identity.
func (u *UploadInfo) Valid(size int64, mtime time.Time) bool {
	return u.Size == size && u.Mtime.Unix() == mtime.Unix()
}

func encodeChunkMap(m map[int]bool) string {
	var acked []string
	for n, ok := range m {
		if ok {
			acked = append(acked, strconv.Itoa(n))
		}
	}
	return strings.Join(acked, ",")
}

func decodeChunkMap(s string) map[int]bool {
	m := make(map[int]bool)
	if s == "" {
		return m
	}
	for _, part := range strings.Split(s, ",") {
		if n, err := strconv.Atoi(part); err == nil {
			m[n] = true
		}
	}
	return m
}

// GetUploadInfo returns chunked-upload progress for a path, or nil.
func (db *DB) GetUploadInfo(ctx context.Context, path string) (*UploadInfo, error) {
	var u UploadInfo
	var chunkMap string
	var mtime int64
	err := db.conn.QueryRowContext(ctx,
		`SELECT path, transfer_id, chunk_map, chunk_size, mtime, size FROM upload_info WHERE path = ?`, path).
		Scan(&u.Path, &u.TransferID, &chunkMap, &u.ChunkSize, &mtime, &u.Size)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read upload info %q: %w", path, err)
	}
	u.ChunkMap = decodeChunkMap(chunkMap)
	u.Mtime = time.Unix(mtime, 0).UTC()
	return &u, nil
}

// SetUploadInfo stores chunked-upload progress. Written after every
// acknowledged chunk so a crash loses at most one chunk of work.
func (db *DB) SetUploadInfo(ctx context.Context, u *UploadInfo) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO upload_info(path, transfer_id, chunk_map, chunk_size, mtime, size)
		 VALUES(?, ?, ?, ?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET
			transfer_id = excluded.transfer_id, chunk_map = excluded.chunk_map,
			chunk_size = excluded.chunk_size, mtime = excluded.mtime, size = excluded.size`,
		u.Path, u.TransferID, encodeChunkMap(u.ChunkMap), u.ChunkSize, u.Mtime.Unix(), u.Size)
	if err != nil {
		return fmt.Errorf("failed to write upload info %q: %w", u.Path, err)
	}
	return nil
}

// DeleteUploadInfo drops chunked-upload progress after the final assembly.
func (db *DB) DeleteUploadInfo(ctx context.Context, path string) error {
	_, err := db.conn.ExecContext(ctx, `DELETE FROM upload_info WHERE path = ?`, path)
	if err != nil {
		return fmt.Errorf("failed to delete upload info %q: %w", path, err)
	}
	return nil
}

// SetConflictRecord links a conflict copy to the path it diverged from.
func (db *DB) SetConflictRecord(ctx context.Context, conflictPath, basePath string) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO conflicts(conflict_path, base_path) VALUES(?, ?)
		 ON CONFLICT(conflict_path) DO UPDATE SET base_path = excluded.base_path`,
		conflictPath, basePath)
	if err != nil {
		return fmt.Errorf("failed to record conflict %q: %w", conflictPath, err)
	}
	return nil
}

// GetConflictBase returns the base path a conflict copy belongs to ("" when
// the path is not a known conflict copy).
func (db *DB) GetConflictBase(ctx context.Context, conflictPath string) (string, error) {
	var base string
	err := db.conn.QueryRowContext(ctx,
		`SELECT base_path FROM conflicts WHERE conflict_path = ?`, conflictPath).Scan(&base)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read conflict record %q: %w", conflictPath, err)
	}
	return base, nil
}

// DeleteConflictRecord forgets a conflict copy (it was deleted or resolved).
func (db *DB) DeleteConflictRecord(ctx context.Context, conflictPath string) error {
	_, err := db.conn.ExecContext(ctx,
		`DELETE FROM conflicts WHERE conflict_path = ?`, conflictPath)
	if err != nil {
		return fmt.Errorf("failed to delete conflict record %q: %w", conflictPath, err)
	}
	return nil
}
