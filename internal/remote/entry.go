package remote

import (
	"time"

	"github.com/vonshlovens/davsync/internal/item"
)

// Entry is one remote object as reported by a PROPFIND listing.
type Entry struct {
	Path          string // relative to the sync root, forward slashes
	Kind          item.Kind
	Size          int64
	Mtime         time.Time
	Etag          string
	FileID        string
	Perms         item.RemotePermissions
	Checksum      item.Checksum
	IsSharedMount bool
}
