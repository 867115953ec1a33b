package vfs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// PlaceholderSuffix marks suffix-strategy placeholder files on disk.
const PlaceholderSuffix = ".davsync"

// Suffix implements virtual files as zero-byte "<name>.davsync" stubs.
// Hydration strips the suffix and lets the engine download real content; pin
// states persist in the journal through the PinStore.
type Suffix struct {
	rootPath string
	pins     PinStore
	status   StatusCallback
}

// NewSuffix returns the suffix-placeholder strategy for a root.
func NewSuffix(rootPath string, pins PinStore, status StatusCallback) *Suffix {
	return &Suffix{rootPath: rootPath, pins: pins, status: status}
}

func (s *Suffix) Mode() string { return "suffix" }

func (s *Suffix) abs(relPath string) string {
	return filepath.Join(s.rootPath, filepath.FromSlash(relPath))
}

func (s *Suffix) MaterializePlaceholder(ctx context.Context, relPath string, meta PlaceholderMetadata) error {
	diskPath := s.abs(relPath) + PlaceholderSuffix
	if err := os.MkdirAll(filepath.Dir(diskPath), 0755); err != nil {
		return fmt.Errorf("failed to create placeholder directory: %w", err)
	}
	f, err := os.OpenFile(diskPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create placeholder: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	// Stamp the remote mtime so the placeholder sorts naturally in file
	// managers.
	if !meta.Mtime.IsZero() {
		os.Chtimes(diskPath, meta.Mtime, meta.Mtime)
	}
	return nil
}

func (s *Suffix) Hydrate(ctx context.Context, relPath string) (bool, error) {
	if _, err := os.Stat(s.abs(relPath) + PlaceholderSuffix); err != nil {
		return false, nil // already hydrated
	}
	if err := s.pins.SetPinState(ctx, relPath, PinAlwaysLocal); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Suffix) Dehydrate(ctx context.Context, relPath string, meta PlaceholderMetadata) error {
	hydrated := s.abs(relPath)
	if _, err := os.Stat(hydrated); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := s.MaterializePlaceholder(ctx, relPath, meta); err != nil {
		return err
	}
	if err := os.Remove(hydrated); err != nil {
		return fmt.Errorf("failed to remove hydrated file: %w", err)
	}
	s.OnFileStatusChanged(relPath, FileStatusOK)
	return nil
}

func (s *Suffix) PinState(ctx context.Context, relPath string) (PinState, error) {
	return s.pins.PinState(ctx, relPath)
}

func (s *Suffix) SetPinState(ctx context.Context, relPath string, state PinState) error {
	return s.pins.SetPinState(ctx, relPath, state)
}

func (s *Suffix) Availability(ctx context.Context, relPath string) (Availability, error) {
	var sawHydrated, sawPlaceholder bool
	var sawAlwaysLocal, sawOnlineOnly bool

	err := s.pins.IteratePinStates(ctx, relPath, func(p string, state PinState) error {
		switch state {
		case PinAlwaysLocal:
			sawAlwaysLocal = true
		case PinOnlineOnly:
			sawOnlineOnly = true
		}
		return nil
	})
	if err != nil {
		return AvailabilityMixed, err
	}

	root := s.abs(relPath)
	info, err := os.Stat(root)
	if err != nil {
		// A bare placeholder file is all we have.
		if _, perr := os.Stat(root + PlaceholderSuffix); perr == nil {
			sawPlaceholder = true
		} else {
			return AvailabilityMixed, fmt.Errorf("no such path %q: %w", relPath, err)
		}
	} else if info.IsDir() {
		werr := filepath.Walk(root, func(path string, fi os.FileInfo, err error) error {
			if err != nil || fi.IsDir() {
				return nil
			}
			if strings.HasSuffix(path, PlaceholderSuffix) {
				sawPlaceholder = true
			} else {
				sawHydrated = true
			}
			return nil
		})
		if werr != nil {
			return AvailabilityMixed, werr
		}
	} else {
		sawHydrated = true
	}

	switch {
	case sawHydrated && sawPlaceholder:
		return AvailabilityMixed, nil
	case sawAlwaysLocal && !sawPlaceholder:
		return AvailabilityAlwaysLocal, nil
	case sawOnlineOnly && !sawHydrated:
		return AvailabilityOnlineOnly, nil
	case sawPlaceholder:
		return AvailabilityAllDehydrated, nil
	default:
		return AvailabilityAllHydrated, nil
	}
}

func (s *Suffix) IsPlaceholder(relPath string) bool {
	if !strings.HasSuffix(relPath, PlaceholderSuffix) {
		return false
	}
	info, err := os.Lstat(filepath.Join(s.rootPath, filepath.FromSlash(relPath)))
	return err == nil && info.Mode().IsRegular()
}

func (s *Suffix) UnderlyingFileName(relPath string, hydrated bool) string {
	if hydrated {
		return relPath
	}
	return relPath + PlaceholderSuffix
}

func (s *Suffix) LogicalFileName(diskName string) string {
	return strings.TrimSuffix(diskName, PlaceholderSuffix)
}

func (s *Suffix) OnFileStatusChanged(relPath string, status FileStatus) {
	if s.status != nil {
		s.status(relPath, status)
	}
}
