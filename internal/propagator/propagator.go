// Package propagator executes a sync plan: one job per item, bounded
// parallelism, subtree barriers, journal commits on success. Item failures
// stay item-local; only fatal conditions (credentials, disk full, journal)
// end the run.
package propagator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vonshlovens/davsync/internal/bandwidth"
	"github.com/vonshlovens/davsync/internal/discovery"
	"github.com/vonshlovens/davsync/internal/events"
	"github.com/vonshlovens/davsync/internal/item"
	"github.com/vonshlovens/davsync/internal/journal"
	"github.com/vonshlovens/davsync/internal/queue"
	"github.com/vonshlovens/davsync/internal/remote"
	"github.com/vonshlovens/davsync/internal/vfs"
)

// RemoteDriver is the server surface the propagator drives. *remote.Client
// implements it; tests run against an in-memory fake.
type RemoteDriver interface {
	Stat(ctx context.Context, relPath string) (*remote.Entry, error)
	Download(ctx context.Context, relPath string, offset int64) (io.ReadCloser, string, error)
	Upload(ctx context.Context, relPath string, content io.Reader, size int64, mtime time.Time, ifMatchEtag string, ifNoneMatch bool) (*remote.PutResult, error)
	Mkcol(ctx context.Context, relPath string) (*remote.PutResult, error)
	Delete(ctx context.Context, relPath string) error
	Move(ctx context.Context, fromRel, toRel string) error
	NewChunkSession(ctx context.Context, dialect remote.ChunkDialect, relPath, transferID string, totalSize int64) (remote.ChunkSession, error)
}

// Options tunes one propagation run.
type Options struct {
	// ParallelJobs is the in-flight budget for this root; the default is 6,
	// raised to 20 when the transport negotiated HTTP/2.
	ParallelJobs int

	// ChunkThreshold is the single-PUT ceiling; files of this size or larger
	// upload chunked.
	ChunkThreshold int64

	ChunkDialect        remote.ChunkDialect
	MinChunkSize        int64
	MaxChunkSize        int64
	TargetChunkDuration time.Duration

	// ChecksumType, when set, computes and verifies content checksums.
	ChecksumType string
}

const (
	DefaultParallelJobs      = 6
	DefaultParallelJobsHTTP2 = 20
	DefaultChunkThreshold    = 10 << 20
)

func (o *Options) withDefaults() Options {
	out := *o
	if out.ParallelJobs <= 0 {
		out.ParallelJobs = DefaultParallelJobs
	}
	if out.ChunkThreshold <= 0 {
		out.ChunkThreshold = DefaultChunkThreshold
	}
	if out.MinChunkSize <= 0 {
		out.MinChunkSize = 1 << 20
	}
	if out.MaxChunkSize <= 0 {
		out.MaxChunkSize = 100 << 20
	}
	if out.TargetChunkDuration <= 0 {
		out.TargetChunkDuration = time.Minute
	}
	return out
}

// retryBackoff is the in-run schedule for transient errors. Package variable
// so tests can shrink it.
var retryBackoff = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
}

// Result summarizes one propagation run.
type Result struct {
	ItemsSynced int
	ItemsFailed int

	// FirstErrorByStatus keeps the first message per failure class; later
	// duplicates are only counted.
	FirstErrorByStatus map[item.Status]string
	ErrorCounts        map[item.Status]int

	AnotherSyncNeeded bool
	Fatal             error
}

// Propagator executes plans for one root.
type Propagator struct {
	rootPath string
	driver   RemoteDriver
	journal  *journal.DB
	bw       *bandwidth.Manager
	sched    *queue.Scheduler
	vfs      vfs.VFS
	bus      *events.Bus
	logger   *slog.Logger
	opts     Options

	mu        sync.Mutex
	result    *Result
	completed int
	total     int
	doneBytes int64
	planBytes int64
	fatal     error
	cancelRun context.CancelFunc
}

// New wires a propagator.
func New(rootPath string, driver RemoteDriver, db *journal.DB, bw *bandwidth.Manager,
	sched *queue.Scheduler, v vfs.VFS, bus *events.Bus, logger *slog.Logger, opts Options) *Propagator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Propagator{
		rootPath: rootPath,
		driver:   driver,
		journal:  db,
		bw:       bw,
		sched:    sched,
		vfs:      v,
		bus:      bus,
		logger:   logger,
		opts:     opts.withDefaults(),
	}
}

// Run executes the plan. The returned error is nil even when individual items
// failed; inspect Result. A non-nil Result.Fatal means the run aborted.
func (p *Propagator) Run(ctx context.Context, plan *discovery.Plan) (*Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.mu.Lock()
	p.result = &Result{
		FirstErrorByStatus: make(map[item.Status]string),
		ErrorCounts:        make(map[item.Status]int),
		AnotherSyncNeeded:  plan.AnotherSyncNeeded,
	}
	p.completed = 0
	p.total = len(plan.Items)
	p.doneBytes = 0
	p.planBytes = plan.TotalBytes()
	p.fatal = nil
	p.cancelRun = cancel
	p.mu.Unlock()

	var removals, renames, rest []*item.SyncFileItem
	for _, it := range plan.Items {
		switch it.Instruction {
		case item.InstructionRemove, item.InstructionTypeChange:
			removals = append(removals, it)
		case item.InstructionRename:
			renames = append(renames, it)
		default:
			rest = append(rest, it)
		}
	}

	// Removals run depth-tier by depth-tier: every descendant's DELETE
	// completes before its directory's starts.
	for _, tier := range depthTiers(removals) {
		if err := p.runConcurrent(ctx, tier); err != nil {
			break
		}
	}

	// A rename blocks until everything touching the source subtree drained,
	// so renames run one at a time between the phases.
	if p.fatalErr() == nil {
		for _, it := range renames {
			if ctx.Err() != nil {
				break
			}
			p.dispatch(ctx, it)
		}
	}

	// Creations and updates: directory jobs act as barriers and run inline
	// in plan order; file jobs fan out behind their parent's barrier.
	if p.fatalErr() == nil {
		p.runCreations(ctx, rest)
	}

	p.mu.Lock()
	res := p.result
	res.Fatal = p.fatal
	p.mu.Unlock()
	return res, nil
}

// Abort cancels the in-flight run. Jobs observe the cancellation at their
// next suspension point.
func (p *Propagator) Abort() {
	p.mu.Lock()
	cancel := p.cancelRun
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (p *Propagator) fatalErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fatal
}

// depthTiers groups removal items by path depth, deepest first. Ordering
// within a tier does not matter; no tier member contains another.
func depthTiers(items []*item.SyncFileItem) [][]*item.SyncFileItem {
	byDepth := make(map[int][]*item.SyncFileItem)
	maxDepth := -1
	for _, it := range items {
		d := strings.Count(it.Path, "/")
		byDepth[d] = append(byDepth[d], it)
		if d > maxDepth {
			maxDepth = d
		}
	}
	var tiers [][]*item.SyncFileItem
	for d := maxDepth; d >= 0; d-- {
		if tier := byDepth[d]; len(tier) > 0 {
			tiers = append(tiers, tier)
		}
	}
	return tiers
}

func (p *Propagator) runConcurrent(ctx context.Context, items []*item.SyncFileItem) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.ParallelJobs)
	for _, it := range items {
		it := it
		g.Go(func() error {
			p.dispatch(gctx, it)
			return p.fatalErr()
		})
	}
	return g.Wait()
}

// runCreations walks the ordered tail of the plan. Directory instructions
// execute inline (serial within their subtree barrier); everything else runs
// on the pool. Because directories precede their content in plan order, a
// file's parent collection exists before the file job starts.
func (p *Propagator) runCreations(ctx context.Context, items []*item.SyncFileItem) {
	// A plain group: the barrier's mid-loop Wait would cancel a
	// WithContext group's context and starve every later file job.
	var g errgroup.Group
	g.SetLimit(p.opts.ParallelJobs)

	for _, it := range items {
		if ctx.Err() != nil || p.fatalErr() != nil {
			break
		}
		if it.Kind == item.KindDirectory {
			// Barrier: wait for in-flight file jobs before and after a
			// directory mutation, so mkdir order is strict.
			g.Wait()
			p.dispatch(ctx, it)
			continue
		}
		it := it
		g.Go(func() error {
			p.dispatch(ctx, it)
			return p.fatalErr()
		})
	}
	g.Wait()
}

// dispatch runs one item to a terminal state and publishes the outcome.
func (p *Propagator) dispatch(ctx context.Context, it *item.SyncFileItem) {
	if ctx.Err() != nil {
		return
	}

	blocked, entry, err := p.journal.IsBlacklisted(ctx, it.Path, time.Now())
	if err == nil && blocked && it.Instruction != item.InstructionIgnore {
		it.Status = item.StatusBlacklisted
		it.ErrorString = entry.ErrorString
		p.finishItem(ctx, it)
		return
	}

	if err := p.precheckPermissions(it); err != nil {
		it.Instruction = item.InstructionError
		it.Status = item.StatusNormalError
		it.ErrorString = err.Error()
		p.finishItem(ctx, it)
		return
	}

	jobErr := p.runJob(ctx, it)

	if jobErr != nil && ctx.Err() != nil && it.Status == item.StatusNone {
		// Aborted mid-flight: not an item failure, just unfinished work.
		return
	}
	if jobErr != nil {
		p.classifyFailure(ctx, it, jobErr)
	} else if it.Status == item.StatusNone {
		it.Status = item.StatusSuccess
	}
	p.finishItem(ctx, it)
}

// runJob picks the handler for the item's instruction.
func (p *Propagator) runJob(ctx context.Context, it *item.SyncFileItem) error {
	switch it.Instruction {
	case item.InstructionNone, item.InstructionIgnore:
		return nil

	case item.InstructionNew, item.InstructionHydrate:
		switch {
		case it.Kind == item.KindDirectory && it.Direction == item.DirectionUp:
			return p.mkdirRemote(ctx, it)
		case it.Kind == item.KindDirectory:
			return p.mkdirLocal(ctx, it)
		case it.Direction == item.DirectionUp:
			return p.uploadFile(ctx, it)
		case it.Kind == item.KindVirtualFile:
			return p.materializePlaceholder(ctx, it)
		default:
			return p.downloadFile(ctx, it)
		}

	case item.InstructionRemove:
		switch it.Direction {
		case item.DirectionUp:
			return p.removeRemote(ctx, it)
		case item.DirectionDown:
			return p.removeLocal(ctx, it)
		default:
			return p.purgeRecord(ctx, it)
		}

	case item.InstructionRename:
		if it.Direction == item.DirectionUp {
			return p.renameRemote(ctx, it)
		}
		return p.renameLocal(ctx, it)

	case item.InstructionConflict:
		return p.resolveConflict(ctx, it)

	case item.InstructionUpdateMetadata:
		return p.updateMetadata(ctx, it)

	case item.InstructionUpdateVfsMetadata:
		return p.dehydrate(ctx, it)

	case item.InstructionTypeChange:
		return p.typeChange(ctx, it)

	case item.InstructionError:
		return errors.New(it.ErrorString)

	default:
		return fmt.Errorf("no handler for instruction %v", it.Instruction)
	}
}

// precheckPermissions rejects jobs the server already told us it will refuse.
func (p *Propagator) precheckPermissions(it *item.SyncFileItem) error {
	perms := it.RemotePerms
	if perms.IsNull() {
		return nil
	}
	switch {
	case it.Instruction == item.InstructionRemove && it.Direction == item.DirectionUp:
		if !perms.Has(item.PermCanDelete) {
			return fmt.Errorf("server denies deleting %q", it.Path)
		}
	case it.Instruction == item.InstructionRename && it.Direction == item.DirectionUp:
		if !perms.Has(item.PermCanRename | item.PermCanMove) {
			return fmt.Errorf("server denies moving %q", it.Path)
		}
	case it.Instruction == item.InstructionNew && it.Direction == item.DirectionUp &&
		it.PreviousEtag != "":
		if !perms.Has(item.PermCanWrite) {
			return fmt.Errorf("server denies writing %q", it.Path)
		}
	}
	return nil
}

// classifyFailure maps a job error onto the item status taxonomy and the
// blacklist. A failed job never touches the item's journal record.
func (p *Propagator) classifyFailure(ctx context.Context, it *item.SyncFileItem, err error) {
	it.ErrorString = err.Error()
	it.HTTPErrorCode = remote.HTTPStatusCode(err)

	switch {
	case errors.Is(err, remote.ErrInsufficientStorage):
		it.Status = item.StatusFatalError
		p.setFatal(err)

	case errors.Is(err, remote.ErrUnauthorized):
		it.Status = item.StatusFatalError
		p.setFatal(err)

	case errors.Is(err, remote.ErrLocked):
		it.Status = item.StatusFileLocked
		it.LockExpireTime = time.Now().Add(30 * time.Minute)
		p.journal.RecordFailure(ctx, it.Path, journal.BlacklistFileLocked, it.ErrorString)

	case errors.Is(err, remote.ErrPreconditionFailed):
		// Lost update: somebody changed the file since discovery. Reclassify
		// as conflict and ask for a follow-up sync.
		it.Status = item.StatusConflict
		p.mu.Lock()
		p.result.AnotherSyncNeeded = true
		p.mu.Unlock()

	case isSoftLocalError(err):
		it.Status = item.StatusSoftError
		p.journal.RecordFailure(ctx, it.Path, journal.BlacklistSoftLocal, it.ErrorString)

	default:
		it.Status = item.StatusNormalError
		p.journal.RecordFailure(ctx, it.Path, journal.BlacklistNormal, it.ErrorString)
	}
}

func (p *Propagator) setFatal(err error) {
	p.mu.Lock()
	if p.fatal == nil {
		p.fatal = err
	}
	cancel := p.cancelRun
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// finishItem publishes the outcome and updates run counters. Terminal states
// reach the journal exactly once: success paths committed inside their job,
// failures only via the blacklist.
func (p *Propagator) finishItem(ctx context.Context, it *item.SyncFileItem) {
	if it.Status == item.StatusSuccess {
		// Success clears any stale blacklist entry.
		p.journal.ClearBlacklistEntry(ctx, it.Path)
	}

	p.mu.Lock()
	p.completed++
	switch {
	case it.Status.IsError():
		p.result.ItemsFailed++
		if _, seen := p.result.FirstErrorByStatus[it.Status]; !seen {
			p.result.FirstErrorByStatus[it.Status] = it.ErrorString
		}
		p.result.ErrorCounts[it.Status]++
	case it.Status == item.StatusSuccess && it.Instruction != item.InstructionNone &&
		it.Instruction != item.InstructionIgnore:
		p.result.ItemsSynced++
	}
	completed, total := p.completed, p.total
	done, planned := p.doneBytes, p.planBytes
	p.mu.Unlock()

	if p.bus != nil {
		p.bus.ItemCompleted(it)
		p.bus.Progress(events.TransmissionProgress{
			CompletedItems: completed,
			TotalItems:     total,
			CompletedBytes: done,
			TotalBytes:     planned,
			CurrentPath:    it.Path,
		})
		if st, ok := overlayStatus(it); ok {
			p.bus.FileStatusChanged(it.Path, st)
		}
	}
}

func overlayStatus(it *item.SyncFileItem) (vfs.FileStatus, bool) {
	switch {
	case it.Status == item.StatusSuccess:
		return vfs.FileStatusOK, true
	case it.Status == item.StatusFileIgnored:
		return vfs.FileStatusExcluded, true
	case it.Status.IsError():
		return vfs.FileStatusError, true
	case it.Status == item.StatusConflict:
		return vfs.FileStatusWarning, true
	default:
		return vfs.FileStatusNone, false
	}
}

func (p *Propagator) addBytes(n int64) {
	p.mu.Lock()
	p.doneBytes += n
	p.mu.Unlock()
}

// withRetry runs fn, retrying transient failures along the backoff schedule.
// At most len(retryBackoff) attempts happen within one run.
func (p *Propagator) withRetry(ctx context.Context, path string, fn func() error) error {
	var err error
	for attempt := 0; attempt < len(retryBackoff); attempt++ {
		if attempt > 0 {
			p.logger.Debug("retrying", "path", path, "attempt", attempt+1)
			select {
			case <-time.After(retryBackoff[attempt-1]):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		err = fn()
		if err == nil || !remote.IsTransient(err) {
			return err
		}
	}
	return err
}

// acquireSlot gates a network job on the global scheduler.
func (p *Propagator) acquireSlot(ctx context.Context) (release func(), err error) {
	if p.sched == nil {
		return func() {}, nil
	}
	if err := p.sched.Acquire(ctx, queue.PriorityNormal); err != nil {
		return nil, err
	}
	return p.sched.Release, nil
}
