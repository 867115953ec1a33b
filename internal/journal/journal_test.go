package journal

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/vonshlovens/davsync/internal/item"
	"github.com/vonshlovens/davsync/internal/vfs"
)

func openTestJournal(t *testing.T) (*DB, string) {
	t.Helper()
	root := t.TempDir()
	db, err := Open(context.Background(), root)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, root
}

func TestFilePath(t *testing.T) {
	p := FilePath("/some/root")
	base := filepath.Base(p)
	if !strings.HasPrefix(base, ".sync_") || !strings.HasSuffix(base, ".db") {
		t.Errorf("unexpected journal file name %q", base)
	}
	if len(base) != len(".sync_")+12+len(".db") {
		t.Errorf("hash length wrong in %q", base)
	}
	if FilePath("/some/root") != p {
		t.Error("journal path must be stable")
	}
	if filepath.Base(FilePath("/other/root")) == base {
		t.Error("different roots must hash differently")
	}
}

func TestOpenRefusesNewerSchema(t *testing.T) {
	ctx := context.Background()
	db, root := openTestJournal(t)

	if err := db.SetKeyValue(ctx, schemaMajorKey, strconv.Itoa(SchemaMajor+1)); err != nil {
		t.Fatal(err)
	}
	db.Close()

	_, err := Open(ctx, root)
	if err != ErrTooNew {
		t.Fatalf("expected ErrTooNew, got %v", err)
	}
}

func TestOpenRecoversFromCorruption(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	path := FilePath(root)
	if err := os.WriteFile(path, []byte("this is not a database"), 0644); err != nil {
		t.Fatal(err)
	}

	db, err := Open(ctx, root)
	if err != nil {
		t.Fatalf("Open after corruption: %v", err)
	}
	defer db.Close()

	empty, err := db.IsEmpty(ctx)
	if err != nil || !empty {
		t.Errorf("recovered journal should be empty: empty=%v err=%v", empty, err)
	}
}

func testRecord(path string) *Record {
	return &Record{
		Path:   path,
		Inode:  42,
		Mtime:  time.Unix(1700000000, 0).UTC(),
		Size:   1234,
		Kind:   item.KindFile,
		Etag:   "e1",
		FileID: "fid-" + path,

		RemotePerms:     item.ParsePermissions("WDNV"),
		Checksum:        item.ParseChecksum("SHA256:abcd"),
		ContentChecksum: item.ParseChecksum("SHA256:ef01"),
	}
}

func TestRecordRoundTrip(t *testing.T) {
	ctx := context.Background()
	db, _ := openTestJournal(t)

	want := testRecord("docs/a.txt")
	if err := db.SetRecord(ctx, want); err != nil {
		t.Fatalf("SetRecord: %v", err)
	}

	got, err := db.GetRecord(ctx, "docs/a.txt")
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if got == nil {
		t.Fatal("record not found")
	}
	if got.Etag != "e1" || got.Size != 1234 || got.Inode != 42 ||
		!got.Mtime.Equal(want.Mtime) || got.Kind != item.KindFile {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if !got.RemotePerms.Has(item.PermCanMove) {
		t.Error("permissions lost in round trip")
	}
	if got.Checksum.Header() != "SHA256:abcd" || got.ContentChecksum.Header() != "SHA256:ef01" {
		t.Errorf("checksums lost: %+v", got)
	}

	missing, err := db.GetRecord(ctx, "absent")
	if err != nil || missing != nil {
		t.Errorf("absent record: got %+v, err %v", missing, err)
	}
}

func TestRecordByFileID(t *testing.T) {
	ctx := context.Background()
	db, _ := openTestJournal(t)

	if err := db.SetRecord(ctx, testRecord("old.bin")); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetRecordByFileID(ctx, "fid-old.bin")
	if err != nil {
		t.Fatalf("GetRecordByFileID: %v", err)
	}
	if got == nil || got.Path != "old.bin" {
		t.Errorf("unexpected record %+v", got)
	}

	if got, _ := db.GetRecordByFileID(ctx, ""); got != nil {
		t.Error("empty file id must not match")
	}
}

func TestRenameRecordMovesSubtree(t *testing.T) {
	ctx := context.Background()
	db, _ := openTestJournal(t)

	for _, p := range []string{"dir", "dir/a.txt", "dir/sub/b.txt", "dirx"} {
		if err := db.SetRecord(ctx, testRecord(p)); err != nil {
			t.Fatal(err)
		}
	}

	if err := db.RenameRecord(ctx, "dir", "moved"); err != nil {
		t.Fatalf("RenameRecord: %v", err)
	}

	var paths []string
	err := db.IterateRecords(ctx, "", func(r *Record) error {
		paths = append(paths, r.Path)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"dirx", "moved", "moved/a.txt", "moved/sub/b.txt"}
	if len(paths) != len(want) {
		t.Fatalf("got paths %v, want %v", paths, want)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Errorf("paths[%d] = %q, want %q", i, paths[i], want[i])
		}
	}
}

func TestDeleteRecordRecursive(t *testing.T) {
	ctx := context.Background()
	db, _ := openTestJournal(t)

	for _, p := range []string{"d", "d/x", "d2"} {
		if err := db.SetRecord(ctx, testRecord(p)); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.DeleteRecord(ctx, "d", true); err != nil {
		t.Fatal(err)
	}
	n, _ := db.RecordCount(ctx)
	if n != 1 {
		t.Errorf("expected 1 record to survive, got %d", n)
	}
}

func TestBlacklistBackoff(t *testing.T) {
	ctx := context.Background()
	db, _ := openTestJournal(t)

	e, err := db.RecordFailure(ctx, "f.txt", BlacklistNormal, "http 500")
	if err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	if e.RetryCount != 0 {
		t.Errorf("first failure retry count = %d", e.RetryCount)
	}
	window := time.Until(e.IgnoreUntil)
	if window < 30*time.Second || window > 90*time.Second {
		t.Errorf("first backoff window = %v, want ~1m", window)
	}

	// escalate a few times
	for i := 0; i < 6; i++ {
		e, err = db.RecordFailure(ctx, "f.txt", BlacklistNormal, "http 500")
		if err != nil {
			t.Fatal(err)
		}
	}
	window = time.Until(e.IgnoreUntil)
	if window < 110*time.Minute || window > 125*time.Minute {
		t.Errorf("capped backoff window = %v, want ~2h", window)
	}

	blocked, entry, err := db.IsBlacklisted(ctx, "f.txt", time.Now())
	if err != nil || !blocked || entry == nil {
		t.Errorf("expected path to be blacklisted: %v %v %v", blocked, entry, err)
	}
	blocked, _, err = db.IsBlacklisted(ctx, "f.txt", time.Now().Add(3*time.Hour))
	if err != nil || blocked {
		t.Errorf("expired entry should not block: %v %v", blocked, err)
	}

	if err := db.ClearBlacklistEntry(ctx, "f.txt"); err != nil {
		t.Fatal(err)
	}
	if got, _ := db.GetBlacklistEntry(ctx, "f.txt"); got != nil {
		t.Error("entry should be gone after clear")
	}
}

func TestBlacklistSoftLocalCategory(t *testing.T) {
	ctx := context.Background()
	db, _ := openTestJournal(t)

	if _, err := db.RecordFailure(ctx, "locked.doc", BlacklistSoftLocal, "in use"); err != nil {
		t.Fatal(err)
	}
	blocked, _, _ := db.IsBlacklisted(ctx, "locked.doc", time.Now().Add(24*time.Hour))
	if !blocked {
		t.Error("soft entries must not expire by time")
	}
	if err := db.ClearBlacklistCategory(ctx, BlacklistSoftLocal); err != nil {
		t.Fatal(err)
	}
	blocked, _, _ = db.IsBlacklisted(ctx, "locked.doc", time.Now())
	if blocked {
		t.Error("soft entries must clear on unlock")
	}
}

func TestUploadInfoRoundTrip(t *testing.T) {
	ctx := context.Background()
	db, _ := openTestJournal(t)

	mtime := time.Unix(1700000000, 0).UTC()
	u := &UploadInfo{
		Path:       "big.bin",
		TransferID: "tid-1",
		ChunkMap:   map[int]bool{0: true, 1: true, 3: true},
		Mtime:      mtime,
		Size:       200 << 20,
	}
	if err := db.SetUploadInfo(ctx, u); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetUploadInfo(ctx, "big.bin")
	if err != nil || got == nil {
		t.Fatalf("GetUploadInfo: %+v %v", got, err)
	}
	if got.TransferID != "tid-1" || !got.ChunkMap[3] || got.ChunkMap[2] {
		t.Errorf("chunk map mismatch: %+v", got.ChunkMap)
	}
	if !got.Valid(200<<20, mtime) {
		t.Error("info should validate against same identity")
	}
	if got.Valid(100, mtime) {
		t.Error("info must not validate against different size")
	}

	if err := db.DeleteUploadInfo(ctx, "big.bin"); err != nil {
		t.Fatal(err)
	}
	if got, _ := db.GetUploadInfo(ctx, "big.bin"); got != nil {
		t.Error("upload info should be gone")
	}
}

func TestDownloadInfoRoundTrip(t *testing.T) {
	ctx := context.Background()
	db, _ := openTestJournal(t)

	d := &DownloadInfo{Path: "movie.mkv", TmpFile: ".movie.mkv.~ab12", Etag: "e9"}
	if err := db.SetDownloadInfo(ctx, d); err != nil {
		t.Fatal(err)
	}
	got, err := db.GetDownloadInfo(ctx, "movie.mkv")
	if err != nil || got == nil || got.TmpFile != ".movie.mkv.~ab12" || got.Etag != "e9" {
		t.Fatalf("GetDownloadInfo: %+v %v", got, err)
	}
	if err := db.DeleteDownloadInfo(ctx, "movie.mkv"); err != nil {
		t.Fatal(err)
	}
}

func TestSelectiveSyncLists(t *testing.T) {
	ctx := context.Background()
	db, _ := openTestJournal(t)

	if err := db.SetSelectiveSyncList(ctx, SelectiveSyncBlacklist, []string{"big/", "archive"}); err != nil {
		t.Fatal(err)
	}
	paths, err := db.GetSelectiveSyncList(ctx, SelectiveSyncBlacklist)
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 2 || paths[0] != "archive" || paths[1] != "big" {
		t.Errorf("unexpected list %v", paths)
	}

	on, err := db.IsPathOnSelectiveSyncList(ctx, SelectiveSyncBlacklist, "big/huge.bin")
	if err != nil || !on {
		t.Errorf("big/huge.bin should be blacklisted: %v %v", on, err)
	}
	on, _ = db.IsPathOnSelectiveSyncList(ctx, SelectiveSyncBlacklist, "bigger/x")
	if on {
		t.Error("prefix match must respect path boundaries")
	}

	if err := db.AddToSelectiveSyncList(ctx, SelectiveSyncUndecided, "new-folder"); err != nil {
		t.Fatal(err)
	}
	und, _ := db.GetSelectiveSyncList(ctx, SelectiveSyncUndecided)
	if len(und) != 1 || und[0] != "new-folder" {
		t.Errorf("undecided list %v", und)
	}
}

func TestPinStates(t *testing.T) {
	ctx := context.Background()
	db, _ := openTestJournal(t)

	// default root policy
	state, err := db.PinState(ctx, "any/path.txt")
	if err != nil || state != vfs.PinAlwaysLocal {
		t.Errorf("default pin = %v, err %v", state, err)
	}

	if err := db.SetPinState(ctx, "media", vfs.PinOnlineOnly); err != nil {
		t.Fatal(err)
	}
	state, _ = db.PinState(ctx, "media/movie.mkv")
	if state != vfs.PinOnlineOnly {
		t.Errorf("inherited pin = %v, want online_only", state)
	}

	if err := db.SetPinState(ctx, "media/keep.mkv", vfs.PinAlwaysLocal); err != nil {
		t.Fatal(err)
	}
	state, _ = db.PinState(ctx, "media/keep.mkv")
	if state != vfs.PinAlwaysLocal {
		t.Errorf("explicit pin = %v, want always_local", state)
	}

	var seen []string
	err = db.IteratePinStates(ctx, "media", func(p string, _ vfs.PinState) error {
		seen = append(seen, p)
		return nil
	})
	if err != nil || len(seen) != 2 {
		t.Errorf("IteratePinStates saw %v, err %v", seen, err)
	}
}

func TestConflictRecords(t *testing.T) {
	ctx := context.Background()
	db, _ := openTestJournal(t)

	conflict := "f (conflicted copy 2024-03-01 101530).txt"
	if err := db.SetConflictRecord(ctx, conflict, "f.txt"); err != nil {
		t.Fatal(err)
	}
	base, err := db.GetConflictBase(ctx, conflict)
	if err != nil || base != "f.txt" {
		t.Errorf("GetConflictBase = %q, %v", base, err)
	}
	if err := db.DeleteConflictRecord(ctx, conflict); err != nil {
		t.Fatal(err)
	}
	base, _ = db.GetConflictBase(ctx, conflict)
	if base != "" {
		t.Error("conflict record should be gone")
	}
}

func TestKeyValueAndWipe(t *testing.T) {
	ctx := context.Background()
	db, _ := openTestJournal(t)

	if err := db.SetKeyValue(ctx, KeyRootEtag, "root-e1"); err != nil {
		t.Fatal(err)
	}
	v, err := db.GetKeyValue(ctx, KeyRootEtag)
	if err != nil || v != "root-e1" {
		t.Errorf("GetKeyValue = %q, %v", v, err)
	}

	if err := db.SetRecord(ctx, testRecord("a")); err != nil {
		t.Fatal(err)
	}
	if err := db.Wipe(ctx); err != nil {
		t.Fatalf("Wipe: %v", err)
	}
	empty, _ := db.IsEmpty(ctx)
	if !empty {
		t.Error("journal should be empty after wipe")
	}
	// schema version survives a wipe
	major, err := db.storedSchemaMajor(ctx)
	if err != nil || major != SchemaMajor {
		t.Errorf("schema major after wipe = %d, %v", major, err)
	}
}
