// Package scanner produces the local snapshot discovery reconciles against.
// It walks either the whole tree or just the subpaths a filesystem watcher
// reported as touched; in the latter mode everything unvisited is served from
// the journal by discovery.
package scanner

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/vonshlovens/davsync/internal/exclude"
	"github.com/vonshlovens/davsync/internal/item"
	"github.com/vonshlovens/davsync/internal/vfs"
)

// Mode selects how much of the tree one run visits.
type Mode int

const (
	// FilesystemOnly walks the entire tree under the root.
	FilesystemOnly Mode = iota
	// DatabaseAndFilesystem walks only the touched subpaths; the journal
	// stands in for the rest.
	DatabaseAndFilesystem
)

// Entry is one local filesystem object.
type Entry struct {
	Path          string // logical path: slash separated, NFC, placeholder suffix stripped
	Kind          item.Kind
	Size          int64
	Mtime         int64 // unix seconds
	Inode         uint64
	IsPlaceholder bool
	PinState      vfs.PinState
}

// Result is the snapshot of one scan.
type Result struct {
	// Entries keyed by logical path.
	Entries map[string]*Entry
	// Collisions lists paths that clash on a case-insensitive filesystem;
	// only the byte-order winner made it into Entries.
	Collisions []string
	// Visited holds, in DatabaseAndFilesystem mode, the subtree prefixes that
	// were actually walked. Discovery treats everything outside them as
	// unchanged.
	Visited []string
}

// Scanner walks a sync root.
type Scanner struct {
	rootPath string
	excludes *exclude.Matcher
	vfs      vfs.VFS
	logger   *slog.Logger
}

// New builds a scanner for a root.
func New(rootPath string, excludes *exclude.Matcher, v vfs.VFS, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{rootPath: rootPath, excludes: excludes, vfs: v, logger: logger}
}

// Scan walks the tree. In DatabaseAndFilesystem mode only the touched
// subpaths and their descendants are visited; their ancestors are not.
func (s *Scanner) Scan(ctx context.Context, mode Mode, touched []string) (*Result, error) {
	res := &Result{Entries: make(map[string]*Entry)}

	roots := []string{""}
	if mode == DatabaseAndFilesystem {
		roots = collapsePrefixes(touched)
		res.Visited = roots
	}

	lowerSeen := make(map[string]string) // lower-case path -> winning path

	for _, sub := range roots {
		start := filepath.Join(s.rootPath, filepath.FromSlash(sub))
		err := filepath.WalkDir(start, func(path string, d fs.DirEntry, err error) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err != nil {
				if os.IsPermission(err) {
					rel, _ := filepath.Rel(s.rootPath, path)
					s.excludes.MarkTraversalDenied(filepath.ToSlash(rel))
					s.logger.Warn("cannot traverse, skipping", "path", path)
					return fs.SkipDir
				}
				if os.IsNotExist(err) {
					return nil // touched path vanished between event and scan
				}
				return err
			}

			rel, rerr := filepath.Rel(s.rootPath, path)
			if rerr != nil {
				return rerr
			}
			rel = norm.NFC.String(filepath.ToSlash(rel))
			if rel == "." {
				return nil
			}

			if cat := s.excludes.Classify(rel); cat.Excluded() {
				if d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}

			entry, eerr := s.entryFor(rel, d)
			if eerr != nil {
				s.logger.Warn("failed to stat, skipping", "path", rel, "error", eerr)
				return nil
			}

			// Case-insensitive filesystems surface both spellings; keep the
			// byte-order winner and report the clash once.
			lower := strings.ToLower(entry.Path)
			if winner, clash := lowerSeen[lower]; clash && winner != entry.Path {
				if entry.Path < winner {
					res.Collisions = append(res.Collisions, winner)
					delete(res.Entries, winner)
					lowerSeen[lower] = entry.Path
					res.Entries[entry.Path] = entry
				} else {
					res.Collisions = append(res.Collisions, entry.Path)
				}
				if d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			lowerSeen[lower] = entry.Path
			res.Entries[entry.Path] = entry

			if entry.Kind == item.KindSoftLink && d.IsDir() {
				return fs.SkipDir // reported, never followed
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk %q: %w", sub, err)
		}
	}

	sort.Strings(res.Collisions)
	return res, nil
}

func (s *Scanner) entryFor(rel string, d fs.DirEntry) (*Entry, error) {
	info, err := d.Info()
	if err != nil {
		return nil, err
	}

	e := &Entry{Path: rel, Mtime: info.ModTime().Unix(), Inode: InodeOf(info)}

	switch {
	case info.Mode()&os.ModeSymlink != 0:
		e.Kind = item.KindSoftLink
	case info.IsDir():
		e.Kind = item.KindDirectory
	case s.vfs != nil && s.vfs.IsPlaceholder(rel):
		e.Kind = item.KindVirtualFile
		e.IsPlaceholder = true
		e.Path = s.vfs.LogicalFileName(rel)
	default:
		e.Kind = item.KindFile
		e.Size = info.Size()
	}

	if s.vfs != nil {
		if pin, perr := s.vfs.PinState(context.Background(), e.Path); perr == nil {
			e.PinState = pin
		}
	}
	return e, nil
}

// collapsePrefixes sorts and deduplicates touched paths, dropping any that
// are covered by a shorter prefix already in the set.
func collapsePrefixes(paths []string) []string {
	cleaned := make([]string, 0, len(paths))
	for _, p := range paths {
		cleaned = append(cleaned, strings.Trim(norm.NFC.String(filepath.ToSlash(p)), "/"))
	}
	sort.Strings(cleaned)

	var out []string
	for _, p := range cleaned {
		if len(out) > 0 {
			last := out[len(out)-1]
			if p == last || (last != "" && strings.HasPrefix(p, last+"/")) || last == "" {
				continue
			}
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		out = []string{""}
	}
	return out
}
