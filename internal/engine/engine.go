// Package engine drives one complete sync run for a root: reconcile, then
// propagate, then report. The folder loop owns scheduling; the engine owns a
// single run from start to finish.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vonshlovens/davsync/internal/bandwidth"
	"github.com/vonshlovens/davsync/internal/discovery"
	"github.com/vonshlovens/davsync/internal/events"
	"github.com/vonshlovens/davsync/internal/exclude"
	"github.com/vonshlovens/davsync/internal/item"
	"github.com/vonshlovens/davsync/internal/journal"
	"github.com/vonshlovens/davsync/internal/propagator"
	"github.com/vonshlovens/davsync/internal/queue"
	"github.com/vonshlovens/davsync/internal/remote"
	"github.com/vonshlovens/davsync/internal/scanner"
	"github.com/vonshlovens/davsync/internal/vfs"
)

// Remote is everything a sync run needs from the server side.
type Remote interface {
	discovery.RemoteSource
	propagator.RemoteDriver
	RootEtag(ctx context.Context) (string, error)
}

// Status is the overall outcome of a run.
type Status int

const (
	StatusSuccess Status = iota
	StatusProblem        // some items failed, the run finished
	StatusError          // the run aborted
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusProblem:
		return "problem"
	default:
		return "error"
	}
}

// Result is the outcome of one run.
type Result struct {
	Status      Status
	ItemsSynced int
	ItemsFailed int
	// FirstErrorByStatus preserves the first message per failure class
	// verbatim; ErrorCounts counts the duplicates.
	FirstErrorByStatus map[item.Status]string
	ErrorCounts        map[item.Status]int
	AnotherSyncNeeded  bool
	Fatal              error
	Duration           time.Duration
}

// Config assembles an engine for one root.
type Config struct {
	RootPath string
	Journal  *journal.DB
	Remote   Remote
	Excludes *exclude.Matcher
	VFS      vfs.VFS
	Bus      *events.Bus
	Bw       *bandwidth.Manager
	Queue    *queue.Scheduler
	Logger   *slog.Logger

	Capabilities *remote.Capabilities

	BigFolderThreshold int64
	ChunkThreshold     int64
	ParallelJobs       int
	HTTP2              bool
	VirtualFiles       bool
}

// Engine runs syncs for one root.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	running   bool
	abortFunc context.CancelFunc
	prop      *propagator.Propagator
}

// New builds an engine.
func New(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{cfg: cfg, logger: cfg.Logger}
}

// Run performs one sync. Mode and touched paths come from the folder loop's
// trigger bookkeeping.
func (e *Engine) Run(ctx context.Context, mode scanner.Mode, touched []string) *Result {
	start := time.Now()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.mu.Lock()
	e.running = true
	e.abortFunc = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running = false
		e.abortFunc = nil
		e.prop = nil
		e.mu.Unlock()
	}()

	if e.cfg.Bus != nil {
		e.cfg.Bus.SyncStarted()
	}

	res := e.run(ctx, mode, touched)
	res.Duration = time.Since(start)

	if e.cfg.Bus != nil {
		var firstErr string
		for _, msg := range res.FirstErrorByStatus {
			firstErr = msg
			break
		}
		e.cfg.Bus.SyncFinished(events.SyncResultSummary{
			Success:           res.Status == StatusSuccess,
			ItemsSynced:       res.ItemsSynced,
			ItemsFailed:       res.ItemsFailed,
			FirstError:        firstErr,
			AnotherSyncNeeded: res.AnotherSyncNeeded,
		})
	}
	return res
}

func (e *Engine) run(ctx context.Context, mode scanner.Mode, touched []string) *Result {
	caps := e.cfg.Capabilities
	if caps == nil {
		caps = &remote.Capabilities{}
	}

	// A restored server backup invalidates every stored etag: wipe and
	// rediscover rather than trusting stale identity.
	if caps.DataFingerprint != "" {
		stored, err := e.cfg.Journal.GetKeyValue(ctx, journal.KeyDataFingerprint)
		if err == nil && stored != "" && stored != caps.DataFingerprint {
			e.logger.Warn("server data fingerprint changed, forcing full rediscovery")
			if err := e.cfg.Journal.Wipe(ctx); err != nil {
				return fatalResult(fmt.Errorf("failed to reset journal: %w", err))
			}
			mode = scanner.FilesystemOnly
		}
		e.cfg.Journal.SetKeyValue(ctx, journal.KeyDataFingerprint, caps.DataFingerprint)
	}

	// Soft-local failures (files held open by other processes) are cleared
	// by an unlock event or, at the latest, by the next run.
	e.cfg.Journal.ClearBlacklistCategory(ctx, journal.BlacklistSoftLocal)

	sc := scanner.New(e.cfg.RootPath, e.cfg.Excludes, e.cfg.VFS, e.logger)
	disc := discovery.New(e.cfg.RootPath, sc, e.cfg.Remote, e.cfg.Journal,
		e.cfg.Excludes, e.cfg.VFS, e.cfg.Bus, e.logger)

	plan, err := disc.Run(ctx, discovery.Options{
		Mode:               mode,
		TouchedPaths:       touched,
		BigFolderThreshold: e.cfg.BigFolderThreshold,
		ChecksumType:       caps.PreferredChecksumType(),
		VirtualFiles:       e.cfg.VirtualFiles,
	})
	if err != nil {
		return fatalResult(fmt.Errorf("discovery failed: %w", err))
	}

	if degraded := e.guardAgainstRemoteWipe(ctx, plan); degraded != nil {
		return degraded
	}

	parallel := e.cfg.ParallelJobs
	if parallel <= 0 {
		parallel = propagator.DefaultParallelJobs
		if e.cfg.HTTP2 {
			parallel = propagator.DefaultParallelJobsHTTP2
		}
	}

	prop := propagator.New(e.cfg.RootPath, e.cfg.Remote, e.cfg.Journal, e.cfg.Bw,
		e.cfg.Queue, e.cfg.VFS, e.cfg.Bus, e.logger, propagator.Options{
			ParallelJobs:        parallel,
			ChunkThreshold:      e.cfg.ChunkThreshold,
			ChunkDialect:        caps.PreferredChunkDialect(),
			MinChunkSize:        caps.ChunkingNG.MinChunkSize,
			MaxChunkSize:        caps.ChunkingNG.MaxChunkSize,
			TargetChunkDuration: caps.ChunkingNG.TargetChunkUploadDuration,
			ChecksumType:        caps.PreferredChecksumType(),
		})

	e.mu.Lock()
	e.prop = prop
	e.mu.Unlock()

	propRes, err := prop.Run(ctx, plan)
	if err != nil {
		return fatalResult(err)
	}

	res := &Result{
		ItemsSynced:        propRes.ItemsSynced,
		ItemsFailed:        propRes.ItemsFailed,
		FirstErrorByStatus: propRes.FirstErrorByStatus,
		ErrorCounts:        propRes.ErrorCounts,
		AnotherSyncNeeded:  propRes.AnotherSyncNeeded,
		Fatal:              propRes.Fatal,
	}
	switch {
	case propRes.Fatal != nil || ctx.Err() != nil:
		res.Status = StatusError
	case propRes.ItemsFailed > 0:
		res.Status = StatusProblem
	default:
		res.Status = StatusSuccess
		// Remember the server state this run converged on; the next etag
		// poll compares against it.
		if etag, rerr := e.cfg.Remote.RootEtag(ctx); rerr == nil {
			e.cfg.Journal.SetKeyValue(ctx, journal.KeyRootEtag, etag)
		}
	}
	return res
}

// guardAgainstRemoteWipe refuses to mirror a suspicious total deletion: a
// previously synced tree that is suddenly empty on the server usually means a
// misconfigured account or a wiped backend, not a user intent.
func (e *Engine) guardAgainstRemoteWipe(ctx context.Context, plan *discovery.Plan) *Result {
	recCount, err := e.cfg.Journal.RecordCount(ctx)
	if err != nil || recCount == 0 {
		return nil
	}

	removesDown := 0
	for _, it := range plan.Items {
		if it.Instruction == item.InstructionRemove && it.Direction == item.DirectionDown {
			removesDown++
		}
	}
	if removesDown == 0 || removesDown < recCount {
		return nil
	}

	e.logger.Error("refusing to delete the entire local tree; remote looks wiped",
		"journaled", recCount, "deletes", removesDown)
	res := fatalResult(fmt.Errorf("remote root is empty but %d paths were previously synced", recCount))
	return res
}

// Abort cancels the in-flight run. Jobs observe it at their next suspension
// point; the engine guarantees no half-written journal records either way.
func (e *Engine) Abort() {
	e.mu.Lock()
	cancel := e.abortFunc
	prop := e.prop
	e.mu.Unlock()
	if prop != nil {
		prop.Abort()
	}
	if cancel != nil {
		cancel()
	}
}

// Running reports whether a run is in flight.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func fatalResult(err error) *Result {
	return &Result{
		Status:             StatusError,
		Fatal:              err,
		FirstErrorByStatus: map[item.Status]string{item.StatusFatalError: err.Error()},
		ErrorCounts:        map[item.Status]int{item.StatusFatalError: 1},
	}
}
