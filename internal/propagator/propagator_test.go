package propagator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vonshlovens/davsync/internal/bandwidth"
	"github.com/vonshlovens/davsync/internal/discovery"
	"github.com/vonshlovens/davsync/internal/events"
	"github.com/vonshlovens/davsync/internal/item"
	"github.com/vonshlovens/davsync/internal/journal"
	"github.com/vonshlovens/davsync/internal/queue"
	"github.com/vonshlovens/davsync/internal/remote"
	"github.com/vonshlovens/davsync/internal/vfs"
)

func init() {
	// Keep transient-failure tests fast.
	retryBackoff = []time.Duration{time.Millisecond, time.Millisecond,
		time.Millisecond, time.Millisecond, time.Millisecond}
}

type fakeFile struct {
	data   []byte
	etag   string
	fileID string
	dir    bool
	mtime  time.Time
}

// fakeDriver is an in-memory WebDAV server.
type fakeDriver struct {
	mu      sync.Mutex
	files   map[string]*fakeFile
	etagSeq int
	idSeq   int

	uploads []string // paths that received content PUTs
	moves   []string // "from->to"
	deletes []string

	// failures[path] holds errors returned (and consumed) before success.
	failures map[string][]error

	sessions map[string]*fakeSession
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		files:    make(map[string]*fakeFile),
		failures: make(map[string][]error),
		sessions: make(map[string]*fakeSession),
	}
}

func (d *fakeDriver) nextEtag() string {
	d.etagSeq++
	return "etag-" + strconv.Itoa(d.etagSeq)
}

func (d *fakeDriver) nextID() string {
	d.idSeq++
	return "fid-" + strconv.Itoa(d.idSeq)
}

func (d *fakeDriver) put(path string, f *fakeFile) {
	if f.etag == "" {
		f.etag = d.nextEtag()
	}
	if f.fileID == "" {
		f.fileID = d.nextID()
	}
	d.files[path] = f
}

func (d *fakeDriver) failNext(path string, errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures[path] = append(d.failures[path], errs...)
}

func (d *fakeDriver) takeFailure(path string) error {
	if errs := d.failures[path]; len(errs) > 0 {
		d.failures[path] = errs[1:]
		return errs[0]
	}
	return nil
}

func (d *fakeDriver) Stat(_ context.Context, path string) (*remote.Entry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.files[path]
	if !ok {
		return nil, remote.ErrNotFound
	}
	kind := item.KindFile
	if f.dir {
		kind = item.KindDirectory
	}
	return &remote.Entry{
		Path: path, Kind: kind, Size: int64(len(f.data)),
		Mtime: f.mtime, Etag: f.etag, FileID: f.fileID,
	}, nil
}

func (d *fakeDriver) Download(_ context.Context, path string, offset int64) (io.ReadCloser, string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.takeFailure(path); err != nil {
		return nil, "", err
	}
	f, ok := d.files[path]
	if !ok {
		return nil, "", remote.ErrNotFound
	}
	if offset > int64(len(f.data)) {
		offset = int64(len(f.data))
	}
	return io.NopCloser(bytes.NewReader(f.data[offset:])), f.etag, nil
}

func (d *fakeDriver) Upload(_ context.Context, path string, content io.Reader, size int64, mtime time.Time, ifMatch string, ifNoneMatch bool) (*remote.PutResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.takeFailure(path); err != nil {
		return nil, err
	}
	existing := d.files[path]
	if ifMatch != "" && (existing == nil || existing.etag != ifMatch) {
		return nil, fmt.Errorf("PUT %s: %w", path, remote.ErrPreconditionFailed)
	}
	if ifNoneMatch && existing != nil {
		return nil, fmt.Errorf("PUT %s: %w", path, remote.ErrPreconditionFailed)
	}
	data, err := io.ReadAll(content)
	if err != nil {
		return nil, err
	}
	f := &fakeFile{data: data, mtime: mtime}
	d.put(path, f)
	d.uploads = append(d.uploads, path)
	return &remote.PutResult{Etag: f.etag, FileID: f.fileID, MtimeAccepted: true}, nil
}

func (d *fakeDriver) Mkcol(_ context.Context, path string) (*remote.PutResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.takeFailure(path); err != nil {
		return nil, err
	}
	if existing, ok := d.files[path]; ok && existing.dir {
		return nil, fmt.Errorf("MKCOL %s: %w", path, remote.ErrConflict)
	}
	f := &fakeFile{dir: true}
	d.put(path, f)
	return &remote.PutResult{Etag: f.etag, FileID: f.fileID}, nil
}

func (d *fakeDriver) Delete(_ context.Context, path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.takeFailure(path); err != nil {
		return err
	}
	if _, ok := d.files[path]; !ok {
		return remote.ErrNotFound
	}
	delete(d.files, path)
	for p := range d.files {
		if strings.HasPrefix(p, path+"/") {
			delete(d.files, p)
		}
	}
	d.deletes = append(d.deletes, path)
	return nil
}

func (d *fakeDriver) Move(_ context.Context, from, to string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.takeFailure(from); err != nil {
		return err
	}
	f, ok := d.files[from]
	if !ok {
		return remote.ErrNotFound
	}
	delete(d.files, from)
	f.etag = d.nextEtag()
	d.files[to] = f
	d.moves = append(d.moves, from+"->"+to)
	return nil
}

type fakeSession struct {
	driver     *fakeDriver
	path       string
	transferID string
	chunks     map[int][]byte
	preAcked   map[int]bool
	uploaded   int
	finalized  bool
}

func (d *fakeDriver) NewChunkSession(_ context.Context, _ remote.ChunkDialect, path, transferID string, _ int64) (remote.ChunkSession, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.sessions[transferID]; ok {
		return s, nil
	}
	s := &fakeSession{
		driver: d, path: path, transferID: transferID,
		chunks: make(map[int][]byte), preAcked: make(map[int]bool),
	}
	d.sessions[transferID] = s
	return s, nil
}

func (s *fakeSession) Dialect() remote.ChunkDialect { return remote.DialectResumableToken }
func (s *fakeSession) TransferID() string           { return s.transferID }

func (s *fakeSession) AckedChunks(context.Context) (map[int]bool, error) {
	acked := make(map[int]bool)
	for n := range s.preAcked {
		acked[n] = true
	}
	for n := range s.chunks {
		acked[n] = true
	}
	return acked, nil
}

func (s *fakeSession) UploadChunk(_ context.Context, number int, _ int64, content io.Reader, _ int64) error {
	data, err := io.ReadAll(content)
	if err != nil {
		return err
	}
	s.chunks[number] = data
	s.uploaded++
	return nil
}

func (s *fakeSession) Finalize(_ context.Context, ifMatch string, mtime time.Time) (*remote.PutResult, error) {
	s.driver.mu.Lock()
	defer s.driver.mu.Unlock()
	existing := s.driver.files[s.path]
	if ifMatch != "" && (existing == nil || existing.etag != ifMatch) {
		return nil, remote.ErrPreconditionFailed
	}
	var assembled []byte
	for n := 0; ; n++ {
		data, ok := s.chunks[n]
		if !ok {
			if s.preAcked[n] {
				// Stand-in bytes for chunks a previous run stored.
				data = bytes.Repeat([]byte("P"), 4)
			} else {
				break
			}
		}
		assembled = append(assembled, data...)
	}
	f := &fakeFile{data: assembled, mtime: mtime}
	s.driver.put(s.path, f)
	s.finalized = true
	return &remote.PutResult{Etag: f.etag, FileID: f.fileID, MtimeAccepted: true}, nil
}

func (s *fakeSession) Abort(context.Context) error {
	s.chunks = make(map[int][]byte)
	return nil
}

// ---- fixture ----

type propFixture struct {
	root   string
	db     *journal.DB
	driver *fakeDriver
	prop   *Propagator
	bus    *events.Bus
}

func newPropFixture(t *testing.T, opts Options) *propFixture {
	t.Helper()
	root := t.TempDir()
	db, err := journal.Open(context.Background(), root)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	driver := newFakeDriver()
	bus := events.NewBus(root)
	prop := New(root, driver, db, bandwidth.NewManager(), queue.NewScheduler(8),
		vfs.NewOff(nil), bus, nil, opts)
	return &propFixture{root: root, db: db, driver: driver, prop: prop, bus: bus}
}

func (f *propFixture) writeLocal(t *testing.T, rel, content string) {
	t.Helper()
	abs := filepath.Join(f.root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(abs, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func (f *propFixture) readLocal(t *testing.T, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(f.root, filepath.FromSlash(rel)))
	if err != nil {
		t.Fatalf("readLocal(%s): %v", rel, err)
	}
	return string(data)
}

func (f *propFixture) run(t *testing.T, items ...*item.SyncFileItem) *Result {
	t.Helper()
	res, err := f.prop.Run(context.Background(), &discovery.Plan{Items: items})
	if err != nil {
		t.Fatalf("propagator.Run: %v", err)
	}
	return res
}

var tMod = time.Unix(1700000000, 0).UTC()

func TestDownloadPlan(t *testing.T) {
	f := newPropFixture(t, Options{})
	f.driver.put("d", &fakeFile{dir: true})
	f.driver.put("d/b.txt", &fakeFile{data: []byte("twenty bytes of data"), mtime: tMod})
	f.driver.put("a.txt", &fakeFile{data: []byte("ten bytes!"), mtime: tMod})

	dirEntry, _ := f.driver.Stat(context.Background(), "d")
	fileB, _ := f.driver.Stat(context.Background(), "d/b.txt")
	fileA, _ := f.driver.Stat(context.Background(), "a.txt")

	res := f.run(t,
		&item.SyncFileItem{Path: "d", Kind: item.KindDirectory, Instruction: item.InstructionNew,
			Direction: item.DirectionDown, Etag: dirEntry.Etag, FileID: dirEntry.FileID},
		&item.SyncFileItem{Path: "d/b.txt", Kind: item.KindFile, Instruction: item.InstructionNew,
			Direction: item.DirectionDown, Size: 20, Mtime: tMod, Etag: fileB.Etag, FileID: fileB.FileID},
		&item.SyncFileItem{Path: "a.txt", Kind: item.KindFile, Instruction: item.InstructionNew,
			Direction: item.DirectionDown, Size: 10, Mtime: tMod, Etag: fileA.Etag, FileID: fileA.FileID},
	)

	if res.ItemsFailed != 0 || res.ItemsSynced != 3 {
		t.Fatalf("result = %+v", res)
	}
	if f.readLocal(t, "a.txt") != "ten bytes!" {
		t.Error("a.txt content wrong")
	}
	if f.readLocal(t, "d/b.txt") != "twenty bytes of data" {
		t.Error("d/b.txt content wrong")
	}

	n, _ := f.db.RecordCount(context.Background())
	if n != 3 {
		t.Errorf("journal records = %d, want 3", n)
	}
	rec, _ := f.db.GetRecord(context.Background(), "a.txt")
	if rec == nil || rec.Etag != fileA.Etag || rec.FileID != fileA.FileID {
		t.Errorf("a.txt record = %+v", rec)
	}
}

func TestUploadRecordsEtag(t *testing.T) {
	f := newPropFixture(t, Options{})
	f.writeLocal(t, "x", "12345")

	res := f.run(t, &item.SyncFileItem{
		Path: "x", Kind: item.KindFile,
		Instruction: item.InstructionNew, Direction: item.DirectionUp,
	})

	if res.ItemsSynced != 1 || res.ItemsFailed != 0 {
		t.Fatalf("result = %+v", res)
	}
	if len(f.driver.uploads) != 1 || f.driver.uploads[0] != "x" {
		t.Errorf("uploads = %v", f.driver.uploads)
	}
	rec, _ := f.db.GetRecord(context.Background(), "x")
	if rec == nil || rec.Etag == "" || rec.Etag != f.driver.files["x"].etag {
		t.Errorf("record etag not recorded: %+v", rec)
	}
	if rec.Inode == 0 {
		t.Error("record should capture the local inode")
	}
}

func TestConflictKeepsBothVersions(t *testing.T) {
	f := newPropFixture(t, Options{})
	f.writeLocal(t, "f", "local version")
	f.driver.put("f", &fakeFile{data: []byte("server version"), mtime: tMod})
	entry, _ := f.driver.Stat(context.Background(), "f")

	res := f.run(t, &item.SyncFileItem{
		Path: "f", Kind: item.KindFile,
		Instruction: item.InstructionConflict, Direction: item.DirectionDown,
		Size: int64(len("server version")), Mtime: tMod, Etag: entry.Etag, FileID: entry.FileID,
	})

	if res.ItemsFailed != 0 {
		t.Fatalf("result = %+v first=%v", res, res.FirstErrorByStatus)
	}

	// Server content took the original path.
	if f.readLocal(t, "f") != "server version" {
		t.Error("server version should occupy the original path")
	}

	// The local copy survived under a conflict name, locally and remotely.
	matches, _ := filepath.Glob(filepath.Join(f.root, "f (conflicted copy *"))
	if len(matches) != 1 {
		t.Fatalf("conflict copies on disk: %v", matches)
	}
	conflictName := filepath.Base(matches[0])
	if got := f.readLocal(t, conflictName); got != "local version" {
		t.Errorf("conflict copy content = %q", got)
	}
	if _, ok := f.driver.files[conflictName]; !ok {
		t.Errorf("conflict copy not uploaded; server has %v", keysOf(f.driver.files))
	}

	base, _ := f.db.GetConflictBase(context.Background(), conflictName)
	if base != "f" {
		t.Errorf("conflict link = %q, want f", base)
	}
}

func TestRenameRemoteMovesNoBytes(t *testing.T) {
	f := newPropFixture(t, Options{})
	f.writeLocal(t, "new.bin", "gigabyte stand-in")
	f.driver.put("old.bin", &fakeFile{data: []byte("gigabyte stand-in"), mtime: tMod})

	res := f.run(t, &item.SyncFileItem{
		Path: "old.bin", RenameTarget: "new.bin", Kind: item.KindFile,
		Instruction: item.InstructionRename, Direction: item.DirectionUp,
	})

	if res.ItemsFailed != 0 {
		t.Fatalf("result = %+v", res)
	}
	if len(f.driver.moves) != 1 || f.driver.moves[0] != "old.bin->new.bin" {
		t.Errorf("moves = %v", f.driver.moves)
	}
	if len(f.driver.uploads) != 0 {
		t.Errorf("rename must not re-upload content: %v", f.driver.uploads)
	}
	rec, _ := f.db.GetRecord(context.Background(), "new.bin")
	if rec == nil || rec.Etag != f.driver.files["new.bin"].etag {
		t.Errorf("journal should follow the rename with the fresh etag: %+v", rec)
	}
}

func TestChunkedUploadResumesAckedChunks(t *testing.T) {
	f := newPropFixture(t, Options{
		ChunkThreshold: 8,
		ChunkDialect:   remote.DialectResumableToken,
		MinChunkSize:   4,
		MaxChunkSize:   4,
	})
	f.writeLocal(t, "big.bin", "aaaabbbbccccdddd") // 4 chunks of 4

	info, err := os.Stat(filepath.Join(f.root, "big.bin"))
	if err != nil {
		t.Fatal(err)
	}

	// A previous run stored chunks 0..2 and journaled that fact.
	prev := &journal.UploadInfo{
		Path: "big.bin", TransferID: "resume-1",
		ChunkMap:  map[int]bool{0: true, 1: true, 2: true},
		ChunkSize: 4, Mtime: info.ModTime(), Size: info.Size(),
	}
	if err := f.db.SetUploadInfo(context.Background(), prev); err != nil {
		t.Fatal(err)
	}
	session, _ := f.driver.NewChunkSession(context.Background(), remote.DialectResumableToken, "big.bin", "resume-1", info.Size())
	fs := session.(*fakeSession)
	fs.preAcked = map[int]bool{0: true, 1: true, 2: true}

	res := f.run(t, &item.SyncFileItem{
		Path: "big.bin", Kind: item.KindFile,
		Instruction: item.InstructionNew, Direction: item.DirectionUp,
	})

	if res.ItemsFailed != 0 {
		t.Fatalf("result = %+v firsts=%v", res, res.FirstErrorByStatus)
	}
	if fs.uploaded != 1 {
		t.Errorf("uploaded %d chunks, want only the missing one", fs.uploaded)
	}
	if !fs.finalized {
		t.Error("session was not finalized")
	}
	if up, _ := f.db.GetUploadInfo(context.Background(), "big.bin"); up != nil {
		t.Error("upload info should be cleared after assembly")
	}
}

func TestPreconditionFailureBecomesConflict(t *testing.T) {
	f := newPropFixture(t, Options{})
	f.writeLocal(t, "f", "local")
	f.driver.put("f", &fakeFile{data: []byte("server moved on"), etag: "etag-server"})

	res := f.run(t, &item.SyncFileItem{
		Path: "f", Kind: item.KindFile,
		Instruction: item.InstructionNew, Direction: item.DirectionUp,
		PreviousEtag: "etag-stale",
	})

	if !res.AnotherSyncNeeded {
		t.Error("412 must request a follow-up sync")
	}
	if res.ItemsFailed != 0 {
		t.Errorf("a 412 is a conflict, not an error: %+v", res)
	}
	rec, _ := f.db.GetRecord(context.Background(), "f")
	if rec != nil {
		t.Error("failed upload must not create a journal record")
	}
}

func TestLockedFileParksOnSoftBlacklist(t *testing.T) {
	f := newPropFixture(t, Options{})
	f.writeLocal(t, "locked.docx", "content")
	f.driver.failNext("locked.docx", remote.ErrLocked)

	res := f.run(t, &item.SyncFileItem{
		Path: "locked.docx", Kind: item.KindFile,
		Instruction: item.InstructionNew, Direction: item.DirectionUp,
	})

	if res.ItemsFailed != 1 {
		t.Fatalf("result = %+v", res)
	}
	entry, _ := f.db.GetBlacklistEntry(context.Background(), "locked.docx")
	if entry == nil || entry.Category != journal.BlacklistFileLocked {
		t.Errorf("blacklist entry = %+v", entry)
	}
}

func TestInsufficientStorageAborts(t *testing.T) {
	f := newPropFixture(t, Options{ParallelJobs: 1})
	f.writeLocal(t, "a", "1")
	f.writeLocal(t, "b", "2")
	f.driver.failNext("a", remote.ErrInsufficientStorage)

	res := f.run(t,
		&item.SyncFileItem{Path: "a", Kind: item.KindFile, Instruction: item.InstructionNew, Direction: item.DirectionUp},
		&item.SyncFileItem{Path: "b", Kind: item.KindFile, Instruction: item.InstructionNew, Direction: item.DirectionUp},
	)

	if res.Fatal == nil {
		t.Fatal("507 must end the run fatally")
	}
}

func TestTransientErrorsRetryAtMostFiveTimes(t *testing.T) {
	f := newPropFixture(t, Options{})
	f.writeLocal(t, "flaky", "data")
	transient := fmt.Errorf("http status 503")
	f.driver.failNext("flaky", transient, transient, transient, transient, transient, transient)

	res := f.run(t, &item.SyncFileItem{
		Path: "flaky", Kind: item.KindFile,
		Instruction: item.InstructionNew, Direction: item.DirectionUp,
	})

	if res.ItemsFailed != 1 {
		t.Fatalf("result = %+v", res)
	}
	// 6 failures were queued; only 5 attempts may have consumed them.
	f.driver.mu.Lock()
	remaining := len(f.driver.failures["flaky"])
	f.driver.mu.Unlock()
	if got := 6 - remaining; got != 5 {
		t.Errorf("attempts = %d, want 5", got)
	}
}

func TestTransientErrorEventuallySucceeds(t *testing.T) {
	f := newPropFixture(t, Options{})
	f.writeLocal(t, "flaky", "data")
	transient := fmt.Errorf("http status 502")
	f.driver.failNext("flaky", transient, transient)

	res := f.run(t, &item.SyncFileItem{
		Path: "flaky", Kind: item.KindFile,
		Instruction: item.InstructionNew, Direction: item.DirectionUp,
	})
	if res.ItemsSynced != 1 || res.ItemsFailed != 0 {
		t.Fatalf("result = %+v", res)
	}
}

func TestPermissionPrecheckRejectsForbiddenDelete(t *testing.T) {
	f := newPropFixture(t, Options{})
	f.driver.put("readonly.txt", &fakeFile{data: []byte("x")})

	res := f.run(t, &item.SyncFileItem{
		Path: "readonly.txt", Kind: item.KindFile,
		Instruction: item.InstructionRemove, Direction: item.DirectionUp,
		RemotePerms: item.ParsePermissions("W"), // no D
	})

	if res.ItemsFailed != 1 {
		t.Fatalf("result = %+v", res)
	}
	if len(f.driver.deletes) != 0 {
		t.Error("forbidden delete must not reach the server")
	}
	if _, ok := f.driver.files["readonly.txt"]; !ok {
		t.Error("file should survive")
	}
}

func TestRemovalOrderDeepestFirst(t *testing.T) {
	f := newPropFixture(t, Options{ParallelJobs: 4})
	f.driver.put("dir", &fakeFile{dir: true})
	f.driver.put("dir/sub", &fakeFile{dir: true})
	f.driver.put("dir/sub/file", &fakeFile{data: []byte("x")})

	res := f.run(t,
		&item.SyncFileItem{Path: "dir/sub/file", Kind: item.KindFile, Instruction: item.InstructionRemove, Direction: item.DirectionUp},
		&item.SyncFileItem{Path: "dir/sub", Kind: item.KindDirectory, Instruction: item.InstructionRemove, Direction: item.DirectionUp},
		&item.SyncFileItem{Path: "dir", Kind: item.KindDirectory, Instruction: item.InstructionRemove, Direction: item.DirectionUp},
	)

	if res.ItemsFailed != 0 {
		t.Fatalf("result = %+v firsts=%v", res, res.FirstErrorByStatus)
	}
	want := []string{"dir/sub/file", "dir/sub", "dir"}
	if strings.Join(f.driver.deletes, "|") != strings.Join(want, "|") {
		t.Errorf("delete order = %v, want %v", f.driver.deletes, want)
	}
}

func TestDownloadResumesFromPartialFile(t *testing.T) {
	f := newPropFixture(t, Options{})
	f.driver.put("movie", &fakeFile{data: []byte("0123456789"), mtime: tMod})
	entry, _ := f.driver.Stat(context.Background(), "movie")

	// A previous run left half the file behind.
	f.writeLocal(t, ".movie.~res1", "01234")
	if err := f.db.SetDownloadInfo(context.Background(), &journal.DownloadInfo{
		Path: "movie", TmpFile: ".movie.~res1", Etag: entry.Etag,
	}); err != nil {
		t.Fatal(err)
	}

	res := f.run(t, &item.SyncFileItem{
		Path: "movie", Kind: item.KindFile,
		Instruction: item.InstructionNew, Direction: item.DirectionDown,
		Size: 10, Mtime: tMod, Etag: entry.Etag, FileID: entry.FileID,
	})

	if res.ItemsFailed != 0 {
		t.Fatalf("result = %+v firsts=%v", res, res.FirstErrorByStatus)
	}
	if got := f.readLocal(t, "movie"); got != "0123456789" {
		t.Errorf("resumed download content = %q", got)
	}
	if info, _ := f.db.GetDownloadInfo(context.Background(), "movie"); info != nil {
		t.Error("download info should be cleared on completion")
	}
}

func TestAbortTerminatesRun(t *testing.T) {
	f := newPropFixture(t, Options{ParallelJobs: 1})
	f.driver.put("slow", &fakeFile{data: bytes.Repeat([]byte("s"), 1<<20), mtime: tMod})
	entry, _ := f.driver.Stat(context.Background(), "slow")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *Result, 1)
	go func() {
		res, _ := f.prop.Run(ctx, &discovery.Plan{Items: []*item.SyncFileItem{{
			Path: "slow", Kind: item.KindFile,
			Instruction: item.InstructionNew, Direction: item.DirectionDown,
			Size: 1 << 20, Etag: entry.Etag,
		}}})
		done <- res
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("abort did not terminate the run within 2s")
	}
}

func keysOf(m map[string]*fakeFile) []string {
	var out []string
	for k := range m {
		out = append(out, k)
	}
	return out
}
