// Package vfs abstracts virtual-file handling. A VFS strategy decides how
// remote-only entries appear on disk: not at all (off), as zero-byte
// placeholder files with a reserved suffix, or through an OS placeholder API
// (not implemented here; the interface leaves room for it).
package vfs

import (
	"context"
	"time"
)

// PinState is the per-path hydration policy.
type PinState int

const (
	PinInherited PinState = iota
	PinAlwaysLocal
	PinOnlineOnly
	PinUnspecified
)

func (p PinState) String() string {
	switch p {
	case PinAlwaysLocal:
		return "always_local"
	case PinOnlineOnly:
		return "online_only"
	case PinUnspecified:
		return "unspecified"
	default:
		return "inherited"
	}
}

// Availability summarizes the hydration state of a path (for directories,
// aggregated over the subtree).
type Availability int

const (
	AvailabilityAllHydrated Availability = iota
	AvailabilityAllDehydrated
	AvailabilityAlwaysLocal
	AvailabilityOnlineOnly
	AvailabilityMixed
)

func (a Availability) String() string {
	switch a {
	case AvailabilityAllHydrated:
		return "all_hydrated"
	case AvailabilityAllDehydrated:
		return "all_dehydrated"
	case AvailabilityAlwaysLocal:
		return "always_local"
	case AvailabilityOnlineOnly:
		return "online_only"
	case AvailabilityMixed:
		return "mixed"
	default:
		return "unknown"
	}
}

// FileStatus is pushed to status listeners (overlay icons and the like).
type FileStatus int

const (
	FileStatusNone FileStatus = iota
	FileStatusSyncing
	FileStatusWarning
	FileStatusError
	FileStatusOK
	FileStatusExcluded
)

// PlaceholderMetadata is what a placeholder must remember about the remote
// object it stands for.
type PlaceholderMetadata struct {
	Size   int64
	Mtime  time.Time
	Etag   string
	FileID string
}

// PinStore persists pin states. The journal implements this; tests use maps.
type PinStore interface {
	PinState(ctx context.Context, relPath string) (PinState, error)
	SetPinState(ctx context.Context, relPath string, state PinState) error
	// IteratePinStates visits every stored (path, state) pair under prefix.
	IteratePinStates(ctx context.Context, prefix string, fn func(relPath string, state PinState) error) error
}

// StatusCallback receives file status transitions.
type StatusCallback func(relPath string, status FileStatus)

// VFS is one virtual-file strategy bound to a sync root.
type VFS interface {
	// Mode names the strategy ("off", "suffix").
	Mode() string

	// MaterializePlaceholder creates the on-disk representation of a remote
	// object without downloading its content.
	MaterializePlaceholder(ctx context.Context, relPath string, meta PlaceholderMetadata) error

	// Hydrate requests real content for a placeholder. The engine performs
	// the download on the next run; Hydrate only flips policy and reports
	// whether a follow-up sync is needed.
	Hydrate(ctx context.Context, relPath string) (syncNeeded bool, err error)

	// Dehydrate replaces a hydrated file with a placeholder again.
	Dehydrate(ctx context.Context, relPath string, meta PlaceholderMetadata) error

	PinState(ctx context.Context, relPath string) (PinState, error)
	SetPinState(ctx context.Context, relPath string, state PinState) error

	// Availability aggregates hydration state over relPath.
	Availability(ctx context.Context, relPath string) (Availability, error)

	// IsPlaceholder reports whether the on-disk entry at relPath is a
	// placeholder of this strategy.
	IsPlaceholder(relPath string) bool

	// UnderlyingFileName maps a logical path to the on-disk name the
	// strategy uses for it (identity except for suffix placeholders).
	UnderlyingFileName(relPath string, hydrated bool) string

	// LogicalFileName is the inverse of UnderlyingFileName.
	LogicalFileName(diskName string) string

	// OnFileStatusChanged forwards a status transition to listeners.
	OnFileStatusChanged(relPath string, status FileStatus)
}
