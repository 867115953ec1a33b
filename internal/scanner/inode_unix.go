//go:build unix

package scanner

import (
	"io/fs"
	"syscall"
)

func InodeOf(info fs.FileInfo) uint64 {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return st.Ino
	}
	return 0
}
