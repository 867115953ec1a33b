package discovery

import (
	"context"

	"github.com/vonshlovens/davsync/internal/item"
	"github.com/vonshlovens/davsync/internal/journal"
	"github.com/vonshlovens/davsync/internal/remote"
	"github.com/vonshlovens/davsync/internal/scanner"
)

// detectMoves collapses matching remove/new pairs into a single rename
// instruction so no content is retransmitted. Remote moves are linked by
// file id, local moves by inode plus unchanged size and mtime. A rename the
// server's permissions forbid stays a remove plus a new.
func (d *Discovery) detectMoves(ctx context.Context, plan *Plan,
	local map[string]*scanner.Entry, rem map[string]*remote.Entry,
	journalRecs map[string]*journal.Record) {

	byPath := make(map[string]*item.SyncFileItem, len(plan.Items))
	for _, it := range plan.Items {
		byPath[it.Path] = it
	}

	// fileID -> journal record, for remote-move linking.
	recByFileID := make(map[string]*journal.Record, len(journalRecs))
	// inode -> journal record, for local-move linking.
	recByInode := make(map[uint64]*journal.Record, len(journalRecs))
	for _, rec := range journalRecs {
		if rec.FileID != "" {
			recByFileID[rec.FileID] = rec
		}
		if rec.Inode != 0 {
			recByInode[rec.Inode] = rec
		}
	}

	var filtered []*item.SyncFileItem
	dropped := make(map[*item.SyncFileItem]bool)

	for _, newItem := range plan.Items {
		if newItem.Instruction != item.InstructionNew {
			continue
		}

		switch newItem.Direction {
		case item.DirectionDown:
			// Server-side move: the new remote path carries a file id the
			// journal knows under a path that disappeared remotely.
			re := rem[newItem.Path]
			if re == nil || re.FileID == "" {
				continue
			}
			old := recByFileID[re.FileID]
			if old == nil || old.Path == newItem.Path {
				continue
			}
			oldItem := byPath[old.Path]
			if oldItem == nil || oldItem.Instruction != item.InstructionRemove ||
				oldItem.Direction != item.DirectionDown {
				continue
			}
			// The journal's old path must still match what is on disk.
			if l := local[old.Path]; l == nil || localChanged(l, old) {
				continue
			}

			oldItem.Instruction = item.InstructionRename
			oldItem.Direction = item.DirectionDown
			oldItem.RenameTarget = newItem.Path
			oldItem.Etag = re.Etag
			oldItem.FileID = re.FileID
			oldItem.Size = re.Size
			oldItem.Mtime = re.Mtime
			oldItem.RemotePerms = re.Perms
			dropped[newItem] = true

		case item.DirectionUp:
			// Local move: the new local path has the inode the journal knows
			// under a path that disappeared locally.
			l := local[newItem.Path]
			if l == nil || l.Inode == 0 || l.Kind != item.KindFile {
				continue
			}
			old := recByInode[l.Inode]
			if old == nil || old.Path == newItem.Path {
				continue
			}
			if old.Size != l.Size || old.Mtime.Unix() != l.Mtime {
				continue
			}
			oldItem := byPath[old.Path]
			if oldItem == nil || oldItem.Instruction != item.InstructionRemove ||
				oldItem.Direction != item.DirectionUp {
				continue
			}
			if !d.renameAllowed(old, newItem.Path, rem, journalRecs) {
				continue
			}

			oldItem.Instruction = item.InstructionRename
			oldItem.Direction = item.DirectionUp
			oldItem.RenameTarget = newItem.Path
			oldItem.Etag = old.Etag
			oldItem.FileID = old.FileID
			oldItem.Size = old.Size
			oldItem.Mtime = old.Mtime
			dropped[newItem] = true
		}
	}

	if len(dropped) == 0 {
		return
	}
	for _, it := range plan.Items {
		if !dropped[it] {
			filtered = append(filtered, it)
		}
	}
	plan.Items = filtered
}

// renameAllowed checks the server permissions a MOVE needs: rename and move
// on the source, add-file (or add-subdirs) on the destination parent. A null
// permission set means the server does not restrict.
func (d *Discovery) renameAllowed(old *journal.Record, target string,
	rem map[string]*remote.Entry, journalRecs map[string]*journal.Record) bool {

	if !old.RemotePerms.IsNull() &&
		!old.RemotePerms.Has(item.PermCanRename|item.PermCanMove) {
		return false
	}

	parent := parentOf(target)
	var parentPerms item.RemotePermissions
	if parent == "" {
		return true // root always accepts
	}
	if re := rem[parent]; re != nil {
		parentPerms = re.Perms
	} else if rec := journalRecs[parent]; rec != nil {
		parentPerms = rec.RemotePerms
	} else {
		return true // parent is being created in this run
	}
	if parentPerms.IsNull() {
		return true
	}
	return parentPerms.Has(item.PermCanAddFile) || parentPerms.Has(item.PermCanAddSubDirectories)
}

func parentOf(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[:i]
		}
	}
	return ""
}
