//go:build !unix

package scanner

import "io/fs"

// Windows has no inode; local moves are not detected and propagate as a
// remove plus a new upload. Remote moves are still linked by file id.
func InodeOf(info fs.FileInfo) uint64 { return 0 }
