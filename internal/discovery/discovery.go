// Package discovery joins the local snapshot, the remote listing and the
// journal into the sync plan: one SyncFileItem per path seen in any of the
// three sources. It decides, it never executes; the propagator owns all side
// effects.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/vonshlovens/davsync/internal/events"
	"github.com/vonshlovens/davsync/internal/exclude"
	"github.com/vonshlovens/davsync/internal/item"
	"github.com/vonshlovens/davsync/internal/journal"
	"github.com/vonshlovens/davsync/internal/remote"
	"github.com/vonshlovens/davsync/internal/scanner"
	"github.com/vonshlovens/davsync/internal/vfs"
)

// RemoteSource lists remote collections. *remote.Client implements it; tests
// substitute fakes.
type RemoteSource interface {
	ListDirectory(ctx context.Context, relPath string) (self *remote.Entry, children []*remote.Entry, err error)
}

// Options tunes one discovery run.
type Options struct {
	Mode         scanner.Mode
	TouchedPaths []string

	// BigFolderThreshold demotes new remote directories larger than this
	// (recursive bytes) to the undecided list. Zero disables the guard.
	BigFolderThreshold int64

	// ChecksumType is the server's preferred checksum algorithm. Classification
	// does not consult it: the content tie-break hashes with the algorithm of
	// the remote entry's own checksum, whatever this field holds.
	ChecksumType string

	// VirtualFiles makes new remote files arrive as placeholders instead of
	// content downloads.
	VirtualFiles bool
}

// Discovery produces plans for one sync root.
type Discovery struct {
	rootPath string
	local    *scanner.Scanner
	remote   RemoteSource
	journal  *journal.DB
	excludes *exclude.Matcher
	vfs      vfs.VFS
	bus      *events.Bus
	logger   *slog.Logger
}

// New wires a reconciler.
func New(rootPath string, local *scanner.Scanner, rs RemoteSource, db *journal.DB,
	excludes *exclude.Matcher, v vfs.VFS, bus *events.Bus, logger *slog.Logger) *Discovery {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discovery{
		rootPath: rootPath,
		local:    local,
		remote:   rs,
		journal:  db,
		excludes: excludes,
		vfs:      v,
		bus:      bus,
		logger:   logger,
	}
}

// Plan is an ordered stream of items plus bookkeeping the engine needs.
type Plan struct {
	Items []*item.SyncFileItem

	// AnotherSyncNeeded is set when the plan itself knows it is incomplete
	// (for example after demoting a big folder pending user confirmation).
	AnotherSyncNeeded bool
}

// TotalBytes sums the payload the propagator will move.
func (p *Plan) TotalBytes() int64 {
	var total int64
	for _, it := range p.Items {
		switch it.Instruction {
		case item.InstructionNew, item.InstructionConflict, item.InstructionHydrate:
			if it.Kind == item.KindFile {
				total += it.Size
			}
		}
	}
	return total
}

// Run performs one reconciliation.
func (d *Discovery) Run(ctx context.Context, opts Options) (*Plan, error) {
	start := time.Now()

	localRes, err := d.local.Scan(ctx, opts.Mode, opts.TouchedPaths)
	if err != nil {
		return nil, fmt.Errorf("local discovery failed: %w", err)
	}

	journalRecs := make(map[string]*journal.Record)
	if err := d.journal.IterateRecords(ctx, "", func(r *journal.Record) error {
		journalRecs[r.Path] = r
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to load journal: %w", err)
	}

	// In touched-path mode the walk skipped most of the tree: the journal
	// stands in for local state outside the visited prefixes.
	if opts.Mode == scanner.DatabaseAndFilesystem {
		for p, rec := range journalRecs {
			if underAny(p, localRes.Visited) {
				continue
			}
			if _, ok := localRes.Entries[p]; ok {
				continue
			}
			localRes.Entries[p] = localEntryFromRecord(rec)
		}
	}

	blacklist, err := d.journal.GetSelectiveSyncList(ctx, journal.SelectiveSyncBlacklist)
	if err != nil {
		return nil, err
	}
	undecided, err := d.journal.GetSelectiveSyncList(ctx, journal.SelectiveSyncUndecided)
	if err != nil {
		return nil, err
	}
	skipLists := append(append([]string{}, blacklist...), undecided...)

	remoteEntries, skipLists, anotherSync, err := d.listRemote(ctx, opts, journalRecs, localRes, skipLists)
	if err != nil {
		return nil, err
	}

	plan := &Plan{AnotherSyncNeeded: anotherSync}

	// Union of all paths seen anywhere.
	paths := make(map[string]struct{}, len(localRes.Entries)+len(remoteEntries)+len(journalRecs))
	for p := range localRes.Entries {
		paths[p] = struct{}{}
	}
	for p := range remoteEntries {
		paths[p] = struct{}{}
	}
	for p := range journalRecs {
		paths[p] = struct{}{}
	}
	delete(paths, "")

	collisions := make(map[string]struct{}, len(localRes.Collisions))
	for _, p := range localRes.Collisions {
		collisions[p] = struct{}{}
	}

	for p := range paths {
		it := d.classify(ctx, opts, p,
			localRes.Entries[p], remoteEntries[p], journalRecs[p],
			skipLists, collisions)
		if it != nil {
			plan.Items = append(plan.Items, it)
		}
	}

	d.detectMoves(ctx, plan, localRes.Entries, remoteEntries, journalRecs)
	orderPlan(plan)

	d.logger.Info("discovery finished",
		"items", len(plan.Items),
		"duration_ms", time.Since(start).Milliseconds())
	return plan, nil
}

// listRemote walks the remote tree depth-first with etag-driven subtree
// pruning: a directory whose etag equals the journal's is served from the
// journal instead of being listed again.
func (d *Discovery) listRemote(ctx context.Context, opts Options,
	journalRecs map[string]*journal.Record, localRes *scanner.Result,
	skipLists []string) (map[string]*remote.Entry, []string, bool, error) {

	entries := make(map[string]*remote.Entry)
	anotherSync := false

	var walk func(dir string) error
	walk = func(dir string) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		self, children, err := d.remote.ListDirectory(ctx, dir)
		if err != nil {
			return fmt.Errorf("remote discovery of %q failed: %w", dir, err)
		}
		if dir != "" {
			entries[dir] = self
		}

		for _, child := range children {
			if d.excludes.Classify(child.Path).Excluded() {
				continue
			}
			entries[child.Path] = child
			if child.Kind != item.KindDirectory {
				continue
			}

			// Selective sync: never descend into skipped subtrees.
			if underAny(child.Path, skipLists) {
				continue
			}

			// Big-folder guard: brand-new remote directory over threshold.
			if opts.BigFolderThreshold > 0 && journalRecs[child.Path] == nil &&
				child.Size > opts.BigFolderThreshold {
				if err := d.journal.AddToSelectiveSyncList(ctx, journal.SelectiveSyncUndecided, child.Path); err != nil {
					return err
				}
				skipLists = append(skipLists, child.Path)
				if d.bus != nil {
					d.bus.NewBigFolder(child.Path)
				}
				anotherSync = true
				continue
			}

			// Etag pruning: unchanged directory whose subtree was not
			// touched locally needs no further listing; the journal already
			// mirrors it.
			if rec := journalRecs[child.Path]; rec != nil && rec.Etag == child.Etag &&
				!d.subtreeTouched(child.Path, opts, localRes) {
				for p, r := range journalRecs {
					if strings.HasPrefix(p, child.Path+"/") {
						entries[p] = remoteEntryFromRecord(r)
					}
				}
				continue
			}

			if err := walk(child.Path); err != nil {
				return err
			}
		}
		return nil
	}

	if err := walk(""); err != nil {
		return nil, nil, false, err
	}
	return entries, skipLists, anotherSync, nil
}

// subtreeTouched reports whether the watcher flagged anything under dir in
// touched-path mode. In full mode every subtree counts as touched.
func (d *Discovery) subtreeTouched(dir string, opts Options, localRes *scanner.Result) bool {
	if opts.Mode == scanner.FilesystemOnly {
		return true
	}
	for _, t := range localRes.Visited {
		if t == "" || t == dir ||
			strings.HasPrefix(t, dir+"/") || strings.HasPrefix(dir, t+"/") {
			return true
		}
	}
	return false
}

// classify applies the decision matrix for one path.
func (d *Discovery) classify(ctx context.Context, opts Options, p string,
	local *scanner.Entry, rem *remote.Entry, rec *journal.Record,
	skipLists []string, collisions map[string]struct{}) *item.SyncFileItem {

	it := &item.SyncFileItem{Path: p}
	if rem != nil {
		it.Kind = rem.Kind
		it.Size = rem.Size
		it.Mtime = rem.Mtime
		it.Etag = rem.Etag
		it.FileID = rem.FileID
		it.Checksum = rem.Checksum
		it.RemotePerms = rem.Perms
	} else if local != nil {
		it.Kind = local.Kind
		it.Size = local.Size
		it.Mtime = time.Unix(local.Mtime, 0).UTC()
	} else if rec != nil {
		it.Kind = rec.Kind
	}
	if rec != nil {
		it.PreviousEtag = rec.Etag
		it.PreviousSize = rec.Size
		it.PreviousMtime = rec.Mtime
		if it.FileID == "" {
			it.FileID = rec.FileID
		}
	}

	// Exclusions and selective sync demote everything else.
	if cat := d.excludes.Classify(p); cat.Excluded() {
		it.Instruction = item.InstructionIgnore
		it.Status = item.StatusFileIgnored
		it.ErrorString = cat.String()
		return it
	}
	if _, collided := collisions[p]; collided {
		it.Instruction = item.InstructionIgnore
		it.Status = item.StatusFileIgnored
		it.ErrorString = "case clash with another entry"
		return it
	}
	if underAny(p, skipLists) {
		// First application of a blacklist entry removes the local copy.
		if local != nil && rec != nil {
			it.Instruction = item.InstructionRemove
			it.Direction = item.DirectionDown
			return it
		}
		it.Instruction = item.InstructionIgnore
		it.Status = item.StatusFileIgnored
		return it
	}

	// Symlinks are reported but never propagated.
	if local != nil && local.Kind == item.KindSoftLink {
		it.Instruction = item.InstructionIgnore
		it.Status = item.StatusFileIgnored
		it.ErrorString = "symbolic links are not synced"
		return it
	}

	switch {
	case local == nil && rem == nil && rec == nil:
		return nil

	case local == nil && rem == nil && rec != nil:
		// Gone on both sides: purge the journal entry.
		it.Instruction = item.InstructionRemove
		it.Direction = item.DirectionNone
		return it

	case local != nil && rem == nil && rec == nil:
		it.Instruction = item.InstructionNew
		it.Direction = item.DirectionUp
		if local.Kind == item.KindVirtualFile {
			// A stray placeholder with no remote counterpart is junk.
			it.Instruction = item.InstructionRemove
			it.Direction = item.DirectionDown
		}
		return it

	case local == nil && rem != nil && rec == nil:
		it.Instruction = item.InstructionNew
		it.Direction = item.DirectionDown
		d.applyVirtualOnDownload(ctx, opts, it)
		return it

	case local != nil && rem != nil && rec == nil:
		// Fresh on both sides at the same path.
		if d.identicalByContent(local, rem) {
			it.Instruction = item.InstructionUpdateMetadata
			it.Direction = item.DirectionDown
			return it
		}
		it.Instruction = item.InstructionConflict
		it.Direction = item.DirectionDown
		return it

	case local != nil && rem == nil && rec != nil:
		if localChanged(local, rec) {
			// Remote removed a file we changed: conflict, local wins and is
			// restored upstream.
			it.Instruction = item.InstructionConflict
			it.Direction = item.DirectionUp
			it.Size = local.Size
			it.Mtime = time.Unix(local.Mtime, 0).UTC()
			it.Etag = ""
			return it
		}
		it.Instruction = item.InstructionRemove
		it.Direction = item.DirectionDown
		return it

	case local == nil && rem != nil && rec != nil:
		if rem.Etag != rec.Etag {
			// Local removed a file the server changed meanwhile: the server
			// version is new again.
			it.Instruction = item.InstructionConflict
			it.Direction = item.DirectionDown
			return it
		}
		it.Instruction = item.InstructionRemove
		it.Direction = item.DirectionUp
		return it
	}

	// All three sides present. A file/directory flip is a type change; a
	// placeholder standing in for a remote file is not.
	if rem.Kind != local.Kind && !(local.Kind == item.KindVirtualFile && rem.Kind == item.KindFile) {
		it.Instruction = item.InstructionTypeChange
		it.Direction = item.DirectionDown
		return it
	}

	lc := localChanged(local, rec)
	rc := rem.Etag != rec.Etag

	switch {
	case !lc && !rc:
		if rem.Perms != rec.RemotePerms {
			it.Instruction = item.InstructionUpdateMetadata
			it.Direction = item.DirectionDown
			return it
		}
		return d.pinInstruction(ctx, opts, it, local)

	case lc && !rc:
		if local.Kind == item.KindDirectory {
			it.Instruction = item.InstructionUpdateMetadata
			it.Direction = item.DirectionUp
			return it
		}
		it.Instruction = item.InstructionNew
		it.Direction = item.DirectionUp
		it.Size = local.Size
		it.Mtime = time.Unix(local.Mtime, 0).UTC()
		return it

	case !lc && rc:
		if rem.Kind == item.KindDirectory {
			it.Instruction = item.InstructionUpdateMetadata
			it.Direction = item.DirectionDown
			return it
		}
		it.Instruction = item.InstructionNew
		it.Direction = item.DirectionDown
		d.applyVirtualOnDownload(ctx, opts, it)
		return it

	default: // both changed
		if rem.Kind == item.KindDirectory && local.Kind == item.KindDirectory {
			it.Instruction = item.InstructionUpdateMetadata
			it.Direction = item.DirectionDown
			return it
		}
		if d.identicalByContent(local, rem) {
			it.Instruction = item.InstructionUpdateMetadata
			it.Direction = item.DirectionDown
			return it
		}
		it.Instruction = item.InstructionConflict
		it.Direction = item.DirectionDown
		return it
	}
}

// pinInstruction turns pin-state divergence into hydration or dehydration
// work for an otherwise unchanged item. Metadata-only changes never hydrate a
// placeholder; only an explicit always-local pin does.
func (d *Discovery) pinInstruction(ctx context.Context, opts Options, it *item.SyncFileItem, local *scanner.Entry) *item.SyncFileItem {
	if !opts.VirtualFiles || local.Kind == item.KindDirectory {
		it.Instruction = item.InstructionNone
		return it
	}

	switch local.PinState {
	case vfs.PinAlwaysLocal:
		if local.IsPlaceholder {
			it.Instruction = item.InstructionHydrate
			it.Direction = item.DirectionDown
			it.Kind = item.KindFile
			return it
		}
	case vfs.PinOnlineOnly:
		if !local.IsPlaceholder && local.Kind == item.KindFile {
			it.Instruction = item.InstructionUpdateVfsMetadata
			it.Direction = item.DirectionDown
			return it
		}
	}
	it.Instruction = item.InstructionNone
	return it
}

// applyVirtualOnDownload downgrades a content download to a placeholder when
// virtual files are on and the pin does not demand content.
func (d *Discovery) applyVirtualOnDownload(ctx context.Context, opts Options, it *item.SyncFileItem) {
	if !opts.VirtualFiles || it.Kind != item.KindFile {
		return
	}
	pin := vfs.PinOnlineOnly
	if d.vfs != nil {
		if p, err := d.vfs.PinState(ctx, it.Path); err == nil {
			pin = p
		}
	}
	if pin != vfs.PinAlwaysLocal {
		it.Kind = item.KindVirtualFile
	}
}

// identicalByContent breaks a both-sides-new tie: two directories, or two
// files of equal size whose freshly computed local hash matches the remote
// checksum, mean no conflict. Files without a remote checksum never match.
func (d *Discovery) identicalByContent(local *scanner.Entry, rem *remote.Entry) bool {
	if local.Kind == item.KindDirectory && rem.Kind == item.KindDirectory {
		return true
	}
	if local.Kind != item.KindFile || rem.Kind != item.KindFile {
		return false
	}
	if local.Size != rem.Size {
		return false
	}
	if rem.Checksum.IsZero() {
		return false
	}
	cs, err := item.ChecksumFile(rem.Checksum.Algorithm, d.absPath(local.Path))
	if err != nil {
		return false
	}
	return cs.Equal(rem.Checksum)
}

func (d *Discovery) absPath(rel string) string {
	return filepath.Join(d.rootPath, filepath.FromSlash(rel))
}

// localChanged reports whether the on-disk entry differs from the journaled
// identity: mtime or size for hydrated files. Placeholders cannot change
// content locally.
func localChanged(local *scanner.Entry, rec *journal.Record) bool {
	if local.Kind == item.KindVirtualFile {
		return false
	}
	if local.Kind == item.KindDirectory {
		return false
	}
	return local.Mtime != rec.Mtime.Unix() || local.Size != rec.Size
}

func localEntryFromRecord(rec *journal.Record) *scanner.Entry {
	return &scanner.Entry{
		Path:          rec.Path,
		Kind:          rec.Kind,
		Size:          rec.Size,
		Mtime:         rec.Mtime.Unix(),
		Inode:         rec.Inode,
		IsPlaceholder: rec.Kind == item.KindVirtualFile,
		PinState:      rec.PinState,
	}
}

func remoteEntryFromRecord(rec *journal.Record) *remote.Entry {
	return &remote.Entry{
		Path:     rec.Path,
		Kind:     rec.Kind,
		Size:     rec.Size,
		Mtime:    rec.Mtime,
		Etag:     rec.Etag,
		FileID:   rec.FileID,
		Perms:    rec.RemotePerms,
		Checksum: rec.Checksum,
	}
}

func underAny(p string, prefixes []string) bool {
	for _, pre := range prefixes {
		if pre == "" {
			continue
		}
		if p == pre || strings.HasPrefix(p, pre+"/") {
			return true
		}
	}
	return false
}
