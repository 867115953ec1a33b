package item

import "strings"

// RemotePermissions is the server-granted capability set for a remote entry,
// decoded from the permission letter string delivered in PROPFIND responses.
type RemotePermissions uint16

const (
	PermCanWrite RemotePermissions = 1 << iota
	PermCanDelete
	PermCanRename
	PermCanMove
	PermCanAddFile
	PermCanAddSubDirectories
	PermCanReshare
	PermIsShared
	PermIsMounted
	PermIsMountedSub // parent collection is a mount point
)

var permLetters = []struct {
	letter byte
	perm   RemotePermissions
}{
	{'W', PermCanWrite},
	{'D', PermCanDelete},
	{'N', PermCanRename},
	{'V', PermCanMove},
	{'C', PermCanAddFile},
	{'K', PermCanAddSubDirectories},
	{'R', PermCanReshare},
	{'S', PermIsShared},
	{'M', PermIsMounted},
	{'m', PermIsMountedSub},
}

// ParsePermissions decodes a permission letter string such as "RDNVCKW".
// Unknown letters are ignored so newer servers stay compatible.
func ParsePermissions(s string) RemotePermissions {
	var p RemotePermissions
	for i := 0; i < len(s); i++ {
		for _, pl := range permLetters {
			if s[i] == pl.letter {
				p |= pl.perm
			}
		}
	}
	return p
}

// Has reports whether every permission in mask is granted.
func (p RemotePermissions) Has(mask RemotePermissions) bool {
	return p&mask == mask
}

// IsNull reports whether no permission string was delivered at all. Servers
// that do not support the permissions property grant everything.
func (p RemotePermissions) IsNull() bool {
	return p == 0
}

func (p RemotePermissions) String() string {
	var b strings.Builder
	for _, pl := range permLetters {
		if p&pl.perm != 0 {
			b.WriteByte(pl.letter)
		}
	}
	return b.String()
}
