// Package folder runs the per-root sync loop: etag polling, watcher-driven
// scheduling, pause/resume, and the follow-up logic after runs that report
// more work. The engine does one run; the folder decides when runs happen.
package folder

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/vonshlovens/davsync/internal/engine"
	"github.com/vonshlovens/davsync/internal/journal"
	"github.com/vonshlovens/davsync/internal/remote"
	"github.com/vonshlovens/davsync/internal/scanner"
	"github.com/vonshlovens/davsync/internal/watcher"
)

// State is the folder lifecycle state visible to the UI.
type State int

const (
	NotYetStarted State = iota
	SyncPrepare
	SyncRunning
	SyncAbortRequested
	Success
	Problem
	Error
	SetupError
	Paused
)

func (s State) String() string {
	switch s {
	case NotYetStarted:
		return "not_yet_started"
	case SyncPrepare:
		return "sync_prepare"
	case SyncRunning:
		return "sync_running"
	case SyncAbortRequested:
		return "sync_abort_requested"
	case Success:
		return "success"
	case Problem:
		return "problem"
	case Error:
		return "error"
	case SetupError:
		return "setup_error"
	case Paused:
		return "paused"
	}
	return "unknown"
}

// SyncRunner is the engine surface the folder drives. *engine.Engine
// implements it.
type SyncRunner interface {
	Run(ctx context.Context, mode scanner.Mode, touched []string) *engine.Result
	Abort()
}

// Options tunes one folder loop.
type Options struct {
	// PollInterval is the root-etag poll cadence; a server-advertised
	// interval overrides the default of 30s.
	PollInterval time.Duration

	// FullLocalDiscoveryInterval bounds how long touched-path discovery may
	// substitute for a full tree walk. Default one hour.
	FullLocalDiscoveryInterval time.Duration

	// MaxFollowUps caps consecutive another-sync-needed reruns.
	MaxFollowUps int
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.PollInterval <= 0 {
		out.PollInterval = 30 * time.Second
	}
	if out.FullLocalDiscoveryInterval <= 0 {
		out.FullLocalDiscoveryInterval = time.Hour
	}
	if out.MaxFollowUps <= 0 {
		out.MaxFollowUps = 3
	}
	return out
}

// RootEtagFunc polls the server's root collection etag.
type RootEtagFunc func(ctx context.Context) (string, error)

// Folder owns the sync loop for one root.
type Folder struct {
	rootPath string
	runner   SyncRunner
	journal  *journal.DB
	watch    *watcher.Watcher
	rootEtag RootEtagFunc
	gate     *runGate
	logger   *slog.Logger
	opts     Options

	mu                sync.Mutex
	state             State
	touched           map[string]struct{}
	lastFullDiscovery time.Time
	followUps         int
	paused            bool

	wakeCh chan struct{}
	stopCh chan struct{}

	// StateChanged, when set, observes every state transition.
	StateChanged func(State)
}

// New builds a folder loop. The watcher may be nil (full discovery every
// run).
func New(rootPath string, runner SyncRunner, db *journal.DB, w *watcher.Watcher,
	rootEtag RootEtagFunc, gate *runGate, logger *slog.Logger, opts Options) *Folder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Folder{
		rootPath: rootPath,
		runner:   runner,
		journal:  db,
		watch:    w,
		rootEtag: rootEtag,
		gate:     gate,
		logger:   logger,
		opts:     opts.withDefaults(),
		state:    NotYetStarted,
		touched:  make(map[string]struct{}),
		wakeCh:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (f *Folder) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Folder) setState(s State) {
	f.mu.Lock()
	changed := f.state != s
	f.state = s
	cb := f.StateChanged
	f.mu.Unlock()
	if changed && cb != nil {
		cb(s)
	}
}

// ScheduleSync queues a run as soon as the loop is idle.
func (f *Folder) ScheduleSync() {
	select {
	case f.wakeCh <- struct{}{}:
	default:
	}
}

// Touch records a watcher-reported path and schedules a run.
func (f *Folder) Touch(path string) {
	f.mu.Lock()
	f.touched[path] = struct{}{}
	f.mu.Unlock()
	f.ScheduleSync()
}

// Pause stops scheduling; an in-flight run is aborted.
func (f *Folder) Pause() {
	f.mu.Lock()
	f.paused = true
	running := f.state == SyncRunning || f.state == SyncPrepare
	f.mu.Unlock()
	if running {
		f.setState(SyncAbortRequested)
		f.runner.Abort()
	} else {
		f.setState(Paused)
	}
}

// Resume re-enables scheduling and queues a run.
func (f *Folder) Resume() {
	f.mu.Lock()
	f.paused = false
	f.mu.Unlock()
	f.setState(NotYetStarted)
	f.ScheduleSync()
}

// Loop runs until ctx is done. It is the single place syncs start from.
func (f *Folder) Loop(ctx context.Context) {
	poll := time.NewTicker(f.opts.PollInterval)
	defer poll.Stop()

	var watchEvents <-chan watcher.TouchedPath
	if f.watch != nil {
		watchEvents = f.watch.Events()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-f.stopCh:
			return

		case ev, ok := <-watchEvents:
			if !ok {
				watchEvents = nil
				continue
			}
			f.mu.Lock()
			f.touched[ev.Path] = struct{}{}
			f.mu.Unlock()
			f.ScheduleSync()

		case <-poll.C:
			if f.remoteChanged(ctx) {
				f.ScheduleSync()
			}

		case <-f.wakeCh:
			f.syncWithFollowUps(ctx)
		}
	}
}

// remoteChanged compares the server's root etag with the last converged one.
func (f *Folder) remoteChanged(ctx context.Context) bool {
	if f.rootEtag == nil {
		return false
	}
	current, err := f.rootEtag(ctx)
	if err != nil {
		f.logger.Warn("root etag poll failed", "error", err)
		return false
	}
	stored, err := f.journal.GetKeyValue(ctx, journal.KeyRootEtag)
	if err != nil {
		return false
	}
	return stored != current
}

func (f *Folder) syncWithFollowUps(ctx context.Context) {
	f.mu.Lock()
	if f.paused {
		f.mu.Unlock()
		return
	}
	f.followUps = 0
	f.mu.Unlock()

	for {
		res := f.syncOnce(ctx)
		if res == nil || !res.AnotherSyncNeeded {
			return
		}
		f.mu.Lock()
		f.followUps++
		stop := f.followUps > f.opts.MaxFollowUps || f.paused
		f.mu.Unlock()
		if stop {
			f.logger.Info("follow-up budget exhausted", "follow_ups", f.followUps)
			return
		}
	}
}

// syncOnce executes exactly one engine run behind the cross-root gate.
func (f *Folder) syncOnce(ctx context.Context) *engine.Result {
	f.setState(SyncPrepare)

	if f.gate != nil {
		if err := f.gate.acquire(ctx); err != nil {
			return nil
		}
		defer f.gate.release()
	}

	mode, touched := f.discoveryMode()
	f.setState(SyncRunning)

	res := f.runner.Run(ctx, mode, touched)

	f.mu.Lock()
	if mode == scanner.FilesystemOnly && res.Status != engine.StatusError {
		f.lastFullDiscovery = time.Now()
	}
	if res.Status == engine.StatusSuccess {
		// Consumed: anything touched during the run stays queued.
		for _, p := range touched {
			delete(f.touched, p)
		}
	}
	paused := f.paused
	f.mu.Unlock()

	switch {
	case paused:
		f.setState(Paused)
	case res.Status == engine.StatusSuccess:
		f.setState(Success)
	case res.Status == engine.StatusProblem:
		f.setState(Problem)
	case errors.Is(res.Fatal, remote.ErrUnauthorized):
		// Invalid credentials: stop hammering the server until the user
		// fixes the account.
		f.mu.Lock()
		f.paused = true
		f.mu.Unlock()
		f.setState(SetupError)
	default:
		f.setState(Error)
	}
	return res
}

// discoveryMode picks touched-path discovery only while the watcher is
// reliable and a full walk happened recently enough.
func (f *Folder) discoveryMode() (scanner.Mode, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	watcherOK := f.watch != nil && f.watch.Reliable()
	fresh := !f.lastFullDiscovery.IsZero() &&
		time.Since(f.lastFullDiscovery) < f.opts.FullLocalDiscoveryInterval

	if !watcherOK || !fresh {
		return scanner.FilesystemOnly, nil
	}

	touched := make([]string, 0, len(f.touched))
	for p := range f.touched {
		touched = append(touched, p)
	}
	return scanner.DatabaseAndFilesystem, touched
}

// Stop ends the loop.
func (f *Folder) Stop() {
	close(f.stopCh)
}
