// Package exclude decides which paths never take part in a sync run. It merges
// a built-in system list with per-root user patterns and classifies each path
// instead of answering a bare yes/no, because transient excludes (editor temp
// files) may be retried later while invalid names never are.
package exclude

import (
	"bufio"
	"os"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
)

// Category classifies why a path is kept out of the sync.
type Category int

const (
	NotExcluded Category = iota
	ExcludedTransient
	ExcludedHidden
	ExcludedInvalidName
	ExcludedTraversalDenied
	ExcludedConflictFile
)

func (c Category) String() string {
	switch c {
	case NotExcluded:
		return "not_excluded"
	case ExcludedTransient:
		return "transient"
	case ExcludedHidden:
		return "hidden"
	case ExcludedInvalidName:
		return "invalid_name"
	case ExcludedTraversalDenied:
		return "traversal_denied"
	case ExcludedConflictFile:
		return "conflict_file"
	default:
		return "unknown"
	}
}

// Excluded reports whether the category removes the path from the run.
func (c Category) Excluded() bool { return c != NotExcluded }

// systemPatterns are always active. Matches of the patterns also listed in
// transientPatterns may reappear in a later run (lock and temp files that
// editors clean up).
var systemPatterns = []string{
	"**/.sync_*.db",
	"**/.sync_*.db-wal",
	"**/.sync_*.db-shm",
	"**/.davsync-sync.log*",
	"**/.davsync-sync-exclude.lst",
	"**/*.~*",
	"**/.*.sw?",
	"**/*.swp",
	"**/~$*",
	"**/.~lock.*",
	"**/Thumbs.db",
	"**/Desktop.ini",
	"**/.DS_Store",
	"**/.Trashes",
	"**/*.part",
	"**/*.crdownload",
}

// transientPatterns are a subset of the system list whose matches are worth
// retrying on the next run.
var transientPatterns = []string{
	"**/*.~*",
	"**/.*.sw?",
	"**/*.swp",
	"**/~$*",
	"**/.~lock.*",
	"**/*.part",
	"**/*.crdownload",
}

// reservedNames are names Windows refuses regardless of extension; syncing
// them would make the tree unusable on one platform.
var reservedNames = map[string]struct{}{
	"CON": {}, "PRN": {}, "AUX": {}, "NUL": {},
	"COM1": {}, "COM2": {}, "COM3": {}, "COM4": {},
	"COM5": {}, "COM6": {}, "COM7": {}, "COM8": {}, "COM9": {},
	"LPT1": {}, "LPT2": {}, "LPT3": {}, "LPT4": {},
	"LPT5": {}, "LPT6": {}, "LPT7": {}, "LPT8": {}, "LPT9": {},
}

// Matcher classifies relative paths against the merged pattern lists.
// Classification results, traversal-denied marks included, are cached for
// the lifetime of the matcher and are never reset; the CLI builds one
// matcher per sync root, so the cache carries over from one run to the next.
type Matcher struct {
	userPatterns     []string
	excludeHidden    bool
	excludeConflicts bool

	mu    sync.RWMutex
	cache map[string]Category
}

// Option configures a Matcher.
type Option func(*Matcher)

// WithHiddenFilesExcluded makes dot-files excluded per root policy.
func WithHiddenFilesExcluded(excluded bool) Option {
	return func(m *Matcher) { m.excludeHidden = excluded }
}

// WithConflictFilesExcluded keeps conflict copies local-only instead of
// uploading them. Default is to sync them so both sides keep both versions.
func WithConflictFilesExcluded(excluded bool) Option {
	return func(m *Matcher) { m.excludeConflicts = excluded }
}

// WithUserPatterns appends user patterns to the system list.
func WithUserPatterns(patterns []string) Option {
	return func(m *Matcher) { m.userPatterns = append(m.userPatterns, patterns...) }
}

// NewMatcher builds a matcher over the system patterns plus options.
func NewMatcher(opts ...Option) *Matcher {
	m := &Matcher{cache: make(map[string]Category)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// LoadUserPatterns reads a pattern file (one glob per line, '#' comments) and
// returns the patterns. A missing file is not an error.
func LoadUserPatterns(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var patterns []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, line)
	}
	return patterns, sc.Err()
}

// Classify returns the exclude category for a slash-separated relative path.
func (m *Matcher) Classify(relPath string) Category {
	m.mu.RLock()
	if c, ok := m.cache[relPath]; ok {
		m.mu.RUnlock()
		return c
	}
	for i := strings.LastIndexByte(relPath, '/'); i > 0; i = strings.LastIndexByte(relPath[:i], '/') {
		if m.cache[relPath[:i]] == ExcludedTraversalDenied {
			m.mu.RUnlock()
			return ExcludedTraversalDenied
		}
	}
	m.mu.RUnlock()

	c := m.classify(relPath)

	m.mu.Lock()
	m.cache[relPath] = c
	m.mu.Unlock()
	return c
}

func (m *Matcher) classify(relPath string) Category {
	if relPath == "" || relPath == "." {
		return NotExcluded
	}

	parts := strings.Split(relPath, "/")
	for _, name := range parts {
		if !validName(name) {
			return ExcludedInvalidName
		}
		if m.excludeHidden && strings.HasPrefix(name, ".") {
			return ExcludedHidden
		}
		if m.excludeConflicts && IsConflictFileName(name) {
			return ExcludedConflictFile
		}
	}

	// A path under an excluded directory inherits the exclusion, so every
	// prefix is matched as well.
	for i := 1; i <= len(parts); i++ {
		partial := strings.Join(parts[:i], "/")
		if matchAny(transientPatterns, partial) {
			return ExcludedTransient
		}
		if matchAny(systemPatterns, partial) || matchAny(m.userPatterns, partial) {
			return ExcludedHidden
		}
	}

	return NotExcluded
}

// MarkTraversalDenied records a path the scanner could not enter. Classify
// will report it (and everything under it) as traversal_denied for as long
// as the matcher lives.
func (m *Matcher) MarkTraversalDenied(relPath string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache[relPath] = ExcludedTraversalDenied
	prefix := relPath + "/"
	for p := range m.cache {
		if strings.HasPrefix(p, prefix) {
			m.cache[p] = ExcludedTraversalDenied
		}
	}
}

func matchAny(patterns []string, relPath string) bool {
	for _, pattern := range patterns {
		matched, err := doublestar.Match(pattern, relPath)
		if err != nil {
			continue
		}
		if matched {
			return true
		}
	}
	return false
}

// validName rejects names no server or foreign filesystem will accept.
func validName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if strings.HasSuffix(name, " ") || strings.HasSuffix(name, ".") {
		return false
	}
	base := name
	if idx := strings.IndexByte(name, '.'); idx >= 0 {
		base = name[:idx]
	}
	if _, reserved := reservedNames[strings.ToUpper(base)]; reserved {
		return false
	}
	for i := 0; i < len(name); i++ {
		switch name[i] {
		case '\\', ':', '*', '?', '"', '<', '>', '|':
			return false
		}
		if name[i] < 0x20 {
			return false
		}
	}
	return true
}

// IsConflictFileName reports whether a file name carries the conflict marker
// produced when a diverging local copy is preserved.
func IsConflictFileName(name string) bool {
	return strings.Contains(name, " (conflicted copy ")
}
