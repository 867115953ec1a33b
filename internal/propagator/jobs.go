package propagator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vonshlovens/davsync/internal/bandwidth"
	"github.com/vonshlovens/davsync/internal/item"
	"github.com/vonshlovens/davsync/internal/journal"
	"github.com/vonshlovens/davsync/internal/remote"
	"github.com/vonshlovens/davsync/internal/scanner"
	"github.com/vonshlovens/davsync/internal/vfs"
)

func (p *Propagator) absPath(rel string) string {
	return filepath.Join(p.rootPath, filepath.FromSlash(rel))
}

// tmpFileName builds the partial-download name next to the target:
// <dir>/.<name>.~<rand>.
func tmpFileName(rel string) string {
	dir, name := filepath.Split(filepath.FromSlash(rel))
	return filepath.ToSlash(filepath.Join(dir, "."+name+".~"+uuid.NewString()[:8]))
}

// ConflictFileName derives the preserved-copy name for a diverging local
// file: "<base> (conflicted copy <date> <hhmmss>)<ext>".
func ConflictFileName(rel string, t time.Time) string {
	ext := filepath.Ext(rel)
	base := strings.TrimSuffix(rel, ext)
	return fmt.Sprintf("%s (conflicted copy %s)%s", base, t.Format("2006-01-02 150405"), ext)
}

// isSoftLocalError classifies local IO failures that another process likely
// caused and an unlock or the next run will clear.
func isSoftLocalError(err error) bool {
	return errors.Is(err, os.ErrPermission) ||
		strings.Contains(err.Error(), "resource busy") ||
		strings.Contains(err.Error(), "file is locked") ||
		strings.Contains(err.Error(), "being used by another process")
}

// recordFromItem assembles the journal record written after a successful job.
func recordFromItem(it *item.SyncFileItem, inode uint64, contentChecksum item.Checksum, pin vfs.PinState) *journal.Record {
	return &journal.Record{
		Path:            it.DestinationPath(),
		Inode:           inode,
		Mtime:           it.Mtime,
		Size:            it.Size,
		Kind:            it.Kind,
		Etag:            it.Etag,
		FileID:          it.FileID,
		RemotePerms:     it.RemotePerms,
		Checksum:        it.Checksum,
		ContentChecksum: contentChecksum,
		PinState:        pin,
	}
}

// statIdentity reads the local identity of a path after a mutation.
func statIdentity(abs string) (inode uint64, size int64, mtime time.Time, err error) {
	info, err := os.Stat(abs)
	if err != nil {
		return 0, 0, time.Time{}, err
	}
	return scanner.InodeOf(info), info.Size(), info.ModTime(), nil
}

// ---- uploads ----

func (p *Propagator) uploadFile(ctx context.Context, it *item.SyncFileItem) error {
	abs := p.absPath(it.Path)
	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("failed to open upload source: %w", err)
	}
	it.Size = info.Size()
	it.Mtime = info.ModTime()

	if it.Size >= p.opts.ChunkThreshold && p.opts.ChunkDialect != remote.DialectNone {
		return p.uploadChunked(ctx, it, info)
	}
	return p.uploadSimple(ctx, it, info)
}

func (p *Propagator) uploadSimple(ctx context.Context, it *item.SyncFileItem, info os.FileInfo) error {
	abs := p.absPath(it.Path)

	var checksum item.Checksum
	if p.opts.ChecksumType != "" {
		var err error
		if checksum, err = item.ChecksumFile(p.opts.ChecksumType, abs); err != nil {
			return fmt.Errorf("failed to checksum upload: %w", err)
		}
	}

	var res *remote.PutResult
	err := p.withRetry(ctx, it.Path, func() error {
		f, err := os.Open(abs)
		if err != nil {
			return err
		}
		defer f.Close()

		release, err := p.acquireSlot(ctx)
		if err != nil {
			return err
		}
		defer release()

		var body io.Reader = f
		if p.bw != nil {
			body = p.bw.Reader(ctx, bandwidth.Upload, f)
		}
		res, err = p.driver.Upload(ctx, it.Path, body, info.Size(), info.ModTime(),
			it.PreviousEtag, it.PreviousEtag == "")
		return err
	})
	if err != nil {
		return err
	}

	p.addBytes(info.Size())
	return p.commitUpload(ctx, it, res, checksum)
}

// commitUpload records the server-assigned identity after any upload path.
func (p *Propagator) commitUpload(ctx context.Context, it *item.SyncFileItem, res *remote.PutResult, checksum item.Checksum) error {
	it.Etag = res.Etag
	if res.FileID != "" {
		it.FileID = res.FileID
	}
	if it.Etag == "" || it.FileID == "" {
		// Not every server echoes identity headers on PUT.
		if entry, err := p.driver.Stat(ctx, it.Path); err == nil {
			if it.Etag == "" {
				it.Etag = entry.Etag
			}
			if it.FileID == "" {
				it.FileID = entry.FileID
			}
			it.RemotePerms = entry.Perms
		}
	}

	inode, _, _, _ := statIdentity(p.absPath(it.Path))
	return p.journal.SetRecord(ctx, recordFromItem(it, inode, checksum, vfs.PinInherited))
}

// ---- downloads ----

func (p *Propagator) downloadFile(ctx context.Context, it *item.SyncFileItem) error {
	abs := p.absPath(it.Path)
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}

	tmpRel, offset, err := p.resumableTmp(ctx, it)
	if err != nil {
		return err
	}
	tmpAbs := p.absPath(tmpRel)

	err = p.withRetry(ctx, it.Path, func() error {
		return p.downloadToTmp(ctx, it, tmpAbs, &offset)
	})
	if err != nil {
		// Keep the partial file for the next run.
		p.journal.SetDownloadInfo(ctx, &journal.DownloadInfo{
			Path: it.Path, TmpFile: tmpRel, Etag: it.Etag,
		})
		return err
	}

	if it.Size > 0 {
		if info, serr := os.Stat(tmpAbs); serr != nil || info.Size() != it.Size {
			os.Remove(tmpAbs)
			p.journal.DeleteDownloadInfo(ctx, it.Path)
			return fmt.Errorf("download of %q is truncated", it.Path)
		}
	}
	if !it.Checksum.IsZero() {
		got, cerr := item.ChecksumFile(it.Checksum.Algorithm, tmpAbs)
		if cerr == nil && !got.Equal(it.Checksum) {
			os.Remove(tmpAbs)
			p.journal.DeleteDownloadInfo(ctx, it.Path)
			return fmt.Errorf("checksum mismatch on %q", it.Path)
		}
	}

	if !it.Mtime.IsZero() {
		os.Chtimes(tmpAbs, it.Mtime, it.Mtime)
	}
	if err := os.Rename(tmpAbs, abs); err != nil {
		return fmt.Errorf("failed to move download into place: %w", err)
	}

	// Replace the placeholder the download hydrates.
	if p.vfs != nil && p.vfs.Mode() != "off" {
		stub := p.absPath(p.vfs.UnderlyingFileName(it.Path, false))
		if stub != abs {
			os.Remove(stub)
		}
	}

	p.journal.DeleteDownloadInfo(ctx, it.Path)
	if it.Instruction == item.InstructionHydrate {
		it.Kind = item.KindFile
	}

	inode, size, mtime, serr := statIdentity(abs)
	if serr != nil {
		return serr
	}
	it.Size = size
	it.Mtime = mtime
	pin := vfs.PinInherited
	if p.vfs != nil {
		if ps, perr := p.vfs.PinState(ctx, it.Path); perr == nil {
			pin = ps
		}
	}
	return p.journal.SetRecord(ctx, recordFromItem(it, inode, item.Checksum{}, pin))
}

// resumableTmp decides whether a previous partial download can continue.
func (p *Propagator) resumableTmp(ctx context.Context, it *item.SyncFileItem) (string, int64, error) {
	if info, err := p.journal.GetDownloadInfo(ctx, it.Path); err == nil && info != nil {
		if info.Etag == it.Etag {
			if fi, serr := os.Stat(p.absPath(info.TmpFile)); serr == nil {
				return info.TmpFile, fi.Size(), nil
			}
		}
		// Stale: different version or the temp file is gone.
		os.Remove(p.absPath(info.TmpFile))
		p.journal.DeleteDownloadInfo(ctx, it.Path)
	}

	tmpRel := tmpFileName(it.Path)
	if err := p.journal.SetDownloadInfo(ctx, &journal.DownloadInfo{
		Path: it.Path, TmpFile: tmpRel, Etag: it.Etag,
	}); err != nil {
		return "", 0, err
	}
	return tmpRel, 0, nil
}

func (p *Propagator) downloadToTmp(ctx context.Context, it *item.SyncFileItem, tmpAbs string, offset *int64) error {
	release, err := p.acquireSlot(ctx)
	if err != nil {
		return err
	}
	defer release()

	body, servedEtag, err := p.driver.Download(ctx, it.Path, *offset)
	if err != nil {
		return err
	}
	defer body.Close()

	if servedEtag != "" && it.Etag != "" && servedEtag != it.Etag {
		// The file changed since discovery; restart cleanly with the served
		// version rather than mixing chunks of two versions.
		*offset = 0
		it.Etag = servedEtag
	}

	flags := os.O_CREATE | os.O_WRONLY
	if *offset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(tmpAbs, flags, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	var src io.Reader = body
	if p.bw != nil {
		src = p.bw.Reader(ctx, bandwidth.Download, body)
	}
	n, err := io.Copy(f, src)
	p.addBytes(n)
	*offset += n
	if err != nil {
		return err
	}
	return f.Sync()
}

// materializePlaceholder stands in for a download when virtual files are on.
func (p *Propagator) materializePlaceholder(ctx context.Context, it *item.SyncFileItem) error {
	if p.vfs == nil {
		return errors.New("virtual file item without a VFS strategy")
	}
	meta := vfs.PlaceholderMetadata{
		Size: it.Size, Mtime: it.Mtime, Etag: it.Etag, FileID: it.FileID,
	}
	if err := p.vfs.MaterializePlaceholder(ctx, it.Path, meta); err != nil {
		return err
	}
	pin, _ := p.vfs.PinState(ctx, it.Path)
	return p.journal.SetRecord(ctx, recordFromItem(it, 0, item.Checksum{}, pin))
}

// ---- directories ----

func (p *Propagator) mkdirLocal(ctx context.Context, it *item.SyncFileItem) error {
	if err := os.MkdirAll(p.absPath(it.Path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	inode, _, _, _ := statIdentity(p.absPath(it.Path))
	return p.journal.SetRecord(ctx, recordFromItem(it, inode, item.Checksum{}, vfs.PinInherited))
}

func (p *Propagator) mkdirRemote(ctx context.Context, it *item.SyncFileItem) error {
	var res *remote.PutResult
	err := p.withRetry(ctx, it.Path, func() error {
		release, err := p.acquireSlot(ctx)
		if err != nil {
			return err
		}
		defer release()
		res, err = p.driver.Mkcol(ctx, it.Path)
		if errors.Is(err, remote.ErrConflict) {
			// The collection already exists (a previous run created it).
			res = &remote.PutResult{}
			return nil
		}
		return err
	})
	if err != nil {
		return err
	}
	return p.commitUpload(ctx, it, res, item.Checksum{})
}

// ---- removals ----

func (p *Propagator) removeLocal(ctx context.Context, it *item.SyncFileItem) error {
	abs := p.absPath(it.Path)

	if it.Kind == item.KindVirtualFile && p.vfs != nil {
		abs = p.absPath(p.vfs.UnderlyingFileName(it.Path, false))
	}

	var err error
	if it.Kind == item.KindDirectory {
		// Descendants were removed by earlier plan items; anything left is
		// either untracked junk or a race, so any failure other than
		// not-exist falls back to a recursive delete.
		err = os.Remove(abs)
		if err != nil && !os.IsNotExist(err) {
			err = os.RemoveAll(abs)
		}
	} else {
		err = os.Remove(abs)
	}
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %q: %w", it.Path, err)
	}
	return p.journal.DeleteRecord(ctx, it.Path, it.Kind == item.KindDirectory)
}

func (p *Propagator) removeRemote(ctx context.Context, it *item.SyncFileItem) error {
	err := p.withRetry(ctx, it.Path, func() error {
		release, err := p.acquireSlot(ctx)
		if err != nil {
			return err
		}
		defer release()
		err = p.driver.Delete(ctx, it.Path)
		if errors.Is(err, remote.ErrNotFound) {
			return nil // already gone is the desired state
		}
		return err
	})
	if err != nil {
		return err
	}
	return p.journal.DeleteRecord(ctx, it.Path, it.Kind == item.KindDirectory)
}

func (p *Propagator) purgeRecord(ctx context.Context, it *item.SyncFileItem) error {
	return p.journal.DeleteRecord(ctx, it.Path, it.Kind == item.KindDirectory)
}

// ---- renames ----

func (p *Propagator) renameLocal(ctx context.Context, it *item.SyncFileItem) error {
	from := p.absPath(it.Path)
	to := p.absPath(it.RenameTarget)
	if err := os.MkdirAll(filepath.Dir(to), 0755); err != nil {
		return err
	}
	if err := os.Rename(from, to); err != nil {
		return fmt.Errorf("failed to rename locally: %w", err)
	}
	if err := p.journal.RenameRecord(ctx, it.Path, it.RenameTarget); err != nil {
		return err
	}

	inode, size, mtime, _ := statIdentity(to)
	rec := recordFromItem(it, inode, item.Checksum{}, vfs.PinInherited)
	rec.Size = size
	rec.Mtime = mtime
	return p.journal.SetRecord(ctx, rec)
}

func (p *Propagator) renameRemote(ctx context.Context, it *item.SyncFileItem) error {
	err := p.withRetry(ctx, it.Path, func() error {
		release, err := p.acquireSlot(ctx)
		if err != nil {
			return err
		}
		defer release()
		return p.driver.Move(ctx, it.Path, it.RenameTarget)
	})
	if err != nil {
		return err
	}
	if err := p.journal.RenameRecord(ctx, it.Path, it.RenameTarget); err != nil {
		return err
	}

	// MOVE changes the etag; pick up the new identity.
	if entry, serr := p.driver.Stat(ctx, it.RenameTarget); serr == nil {
		it.Etag = entry.Etag
		if entry.FileID != "" {
			it.FileID = entry.FileID
		}
		it.RemotePerms = entry.Perms
	}
	inode, _, _, _ := statIdentity(p.absPath(it.RenameTarget))
	rec := recordFromItem(it, inode, item.Checksum{}, vfs.PinInherited)
	return p.journal.SetRecord(ctx, rec)
}

// ---- conflicts ----

// resolveConflict keeps both versions: the server content returns to the
// original path, the diverging local copy survives under a conflict name and
// is pushed upstream. With no remote version left (remote deleted a file that
// changed locally) the local content is simply restored to the server.
func (p *Propagator) resolveConflict(ctx context.Context, it *item.SyncFileItem) error {
	abs := p.absPath(it.Path)

	if it.Etag == "" {
		// Restoration: remote side lost the file, local is authoritative.
		restore := &item.SyncFileItem{
			Path: it.Path, Kind: item.KindFile,
			Instruction: item.InstructionNew, Direction: item.DirectionUp,
		}
		if err := p.uploadFile(ctx, restore); err != nil {
			return err
		}
		it.Etag = restore.Etag
		it.FileID = restore.FileID
		it.Status = item.StatusRestoration
		return nil
	}

	localExists := false
	if _, err := os.Stat(abs); err == nil {
		localExists = true
	}

	var conflictRel string
	if localExists {
		conflictRel = ConflictFileName(it.Path, time.Now())
		if err := os.Rename(abs, p.absPath(conflictRel)); err != nil {
			return fmt.Errorf("failed to set conflict copy aside: %w", err)
		}
		if err := p.journal.SetConflictRecord(ctx, conflictRel, it.Path); err != nil {
			return err
		}
	}

	// Server version wins the original path.
	if err := p.downloadFile(ctx, it); err != nil {
		return err
	}

	if conflictRel != "" {
		up := &item.SyncFileItem{
			Path: conflictRel, Kind: item.KindFile,
			Instruction: item.InstructionNew, Direction: item.DirectionUp,
		}
		if err := p.uploadFile(ctx, up); err != nil {
			return err
		}
	}

	it.Status = item.StatusConflict
	return nil
}

// ---- metadata ----

func (p *Propagator) updateMetadata(ctx context.Context, it *item.SyncFileItem) error {
	// Metadata-only changes rewrite the journal record; they never move
	// content and never hydrate a placeholder.
	rec, err := p.journal.GetRecord(ctx, it.Path)
	if err != nil {
		return err
	}
	inode := uint64(0)
	pin := vfs.PinInherited
	contentChecksum := item.Checksum{}
	if rec != nil {
		inode = rec.Inode
		pin = rec.PinState
		contentChecksum = rec.ContentChecksum
	}
	if inode == 0 {
		inode, _, _, _ = statIdentity(p.absPath(it.Path))
	}
	return p.journal.SetRecord(ctx, recordFromItem(it, inode, contentChecksum, pin))
}

func (p *Propagator) dehydrate(ctx context.Context, it *item.SyncFileItem) error {
	if p.vfs == nil {
		return errors.New("vfs metadata item without a VFS strategy")
	}
	meta := vfs.PlaceholderMetadata{
		Size: it.Size, Mtime: it.Mtime, Etag: it.Etag, FileID: it.FileID,
	}
	if err := p.vfs.Dehydrate(ctx, it.Path, meta); err != nil {
		return err
	}
	it.Kind = item.KindVirtualFile
	pin, _ := p.vfs.PinState(ctx, it.Path)
	return p.journal.SetRecord(ctx, recordFromItem(it, 0, item.Checksum{}, pin))
}

// ---- type changes ----

// typeChange replaces an object with one of the other kind: the stale side is
// removed first, then the replacement propagates like a new item.
func (p *Propagator) typeChange(ctx context.Context, it *item.SyncFileItem) error {
	if it.Direction == item.DirectionUp {
		rm := &item.SyncFileItem{Path: it.Path, Kind: it.Kind, Instruction: item.InstructionRemove, Direction: item.DirectionUp}
		if err := p.removeRemote(ctx, rm); err != nil {
			return err
		}
		if it.Kind == item.KindDirectory {
			return p.mkdirRemote(ctx, it)
		}
		return p.uploadFile(ctx, it)
	}

	abs := p.absPath(it.Path)
	if err := os.RemoveAll(abs); err != nil {
		return fmt.Errorf("failed to clear old type: %w", err)
	}
	if err := p.journal.DeleteRecord(ctx, it.Path, true); err != nil {
		return err
	}
	if it.Kind == item.KindDirectory {
		return p.mkdirLocal(ctx, it)
	}
	return p.downloadFile(ctx, it)
}
