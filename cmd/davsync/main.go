package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/vonshlovens/davsync/internal/bandwidth"
	"github.com/vonshlovens/davsync/internal/config"
	"github.com/vonshlovens/davsync/internal/engine"
	"github.com/vonshlovens/davsync/internal/events"
	"github.com/vonshlovens/davsync/internal/exclude"
	"github.com/vonshlovens/davsync/internal/folder"
	"github.com/vonshlovens/davsync/internal/journal"
	"github.com/vonshlovens/davsync/internal/queue"
	"github.com/vonshlovens/davsync/internal/remote"
	"github.com/vonshlovens/davsync/internal/scanner"
	"github.com/vonshlovens/davsync/internal/vfs"
	"github.com/vonshlovens/davsync/internal/watcher"
)

var (
	cfgFile string
	verbose bool
	version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "davsync",
		Short:   "Bidirectional WebDAV folder synchronization",
		Long:    `A sync client that keeps local directory trees in sync with remote WebDAV collections: three-way reconciliation, resumable transfers, virtual files.`,
		Version: version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: level,
			})))
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(
		daemonCmd(),
		syncCmd(),
		statusCmd(),
		initCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// root bundles everything one sync pair needs at runtime.
type root struct {
	db    *journal.DB
	eng   *engine.Engine
	fld   *folder.Folder
	watch *watcher.Watcher
	bus   *events.Bus
}

func (r *root) close() {
	if r.watch != nil {
		r.watch.Stop()
	}
	if r.db != nil {
		r.db.Close()
	}
}

// buildRoot wires journal, remote client, engine and folder loop for one
// configured sync pair.
func buildRoot(ctx context.Context, cfg *config.Config, fc config.FolderConfig,
	mgr *folder.Manager, sched *queue.Scheduler, withWatcher bool) (*root, error) {

	logger := config.NewRootLogger(fc.LocalPath, verbose)

	db, err := journal.Open(ctx, fc.LocalPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal for %q: %w", fc.LocalPath, err)
	}

	client, err := remote.NewClient(remote.Options{
		BaseURL:     fc.ServerURL,
		DavRoot:     fc.RemotePath,
		Credentials: &remote.BasicAuth{Username: fc.Username, Password: fc.Password},
		UserAgent:   "davsync/" + version,
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	bus := events.NewBus(fc.LocalPath)

	userPatterns, err := exclude.LoadUserPatterns(config.UserExcludeFile(fc.LocalPath))
	if err != nil {
		logger.Warn("failed to read user exclude list", "error", err)
	}
	matcher := exclude.NewMatcher(
		exclude.WithUserPatterns(userPatterns),
		exclude.WithHiddenFilesExcluded(fc.ExcludeHidden),
		exclude.WithConflictFilesExcluded(fc.KeepConflictsLocal),
	)

	statusCB := func(path string, status vfs.FileStatus) {
		bus.FileStatusChanged(path, status)
	}
	var strategy vfs.VFS
	if fc.VirtualFiles == "suffix" {
		strategy = vfs.NewSuffix(fc.LocalPath, db, statusCB)
	} else {
		strategy = vfs.NewOff(statusCB)
	}

	caps, err := client.FetchCapabilities(ctx)
	if err != nil {
		logger.Warn("capabilities query failed, using defaults", "error", err)
		caps = &remote.Capabilities{}
	}

	bw := bandwidth.NewManager()
	configureBandwidth(bw, bandwidth.Upload, cfg.Upload)
	configureBandwidth(bw, bandwidth.Download, cfg.Download)

	eng := engine.New(engine.Config{
		RootPath:           fc.LocalPath,
		Journal:            db,
		Remote:             client,
		Excludes:           matcher,
		VFS:                strategy,
		Bus:                bus,
		Bw:                 bw,
		Queue:              sched,
		Logger:             logger,
		Capabilities:       caps,
		BigFolderThreshold: cfg.Sync.BigFolderLimitMB << 20,
		ChunkThreshold:     cfg.Sync.ChunkThresholdMB << 20,
		ParallelJobs:       cfg.Sync.ParallelJobs,
		HTTP2:              client.HTTP2(),
		VirtualFiles:       fc.VirtualFiles != "off",
	})

	var w *watcher.Watcher
	if withWatcher {
		w, err = watcher.New(fc.LocalPath,
			time.Duration(cfg.Sync.DebounceMilliseconds)*time.Millisecond, matcher, logger)
		if err != nil {
			logger.Warn("filesystem watcher unavailable, falling back to full scans", "error", err)
		} else if err := w.Start(ctx); err != nil {
			logger.Warn("failed to start watcher", "error", err)
			w.Stop()
			w = nil
		}
	}

	pollInterval := time.Duration(cfg.Sync.PollIntervalSeconds) * time.Second
	if caps.RemotePollInterval > 0 {
		pollInterval = caps.RemotePollInterval
	}

	fld := folder.New(fc.LocalPath, eng, db, w, client.RootEtag, mgr.Gate(), logger, folder.Options{
		PollInterval:               pollInterval,
		FullLocalDiscoveryInterval: time.Duration(cfg.Sync.FullDiscoveryMinutes) * time.Minute,
	})

	return &root{db: db, eng: eng, fld: fld, watch: w, bus: bus}, nil
}

func configureBandwidth(bw *bandwidth.Manager, dir bandwidth.Direction, c config.BandwidthConfig) {
	switch c.Mode {
	case "absolute":
		bw.Configure(dir, bandwidth.Settings{Mode: bandwidth.ModeAbsolute, Bytes: c.KBps * 1024})
	case "relative":
		bw.Configure(dir, bandwidth.Settings{Mode: bandwidth.ModeRelative, Percent: c.Percent})
	}
}

func daemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the sync loops for all configured folders",
		Long:  `Starts the long-running process: filesystem watchers, remote etag polling, and continuous sync for every configured folder pair.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			mgr := folder.NewManager()
			sched := queue.NewScheduler(cfg.Sync.GlobalConnections)

			var roots []*root
			for _, fc := range cfg.Folders {
				r, err := buildRoot(ctx, cfg, fc, mgr, sched, true)
				if err != nil {
					return err
				}
				roots = append(roots, r)
				defer r.close()

				r.bus.Subscribe(func(ev events.Event) {
					switch {
					case ev.ItemCompleted != nil && ev.ItemCompleted.HasError():
						slog.Warn("item failed",
							"root", ev.Root,
							"path", ev.ItemCompleted.Path,
							"error", ev.ItemCompleted.ErrorString)
					case ev.NewBigFolder != nil:
						slog.Info("new big folder awaiting confirmation",
							"root", ev.Root, "path", *ev.NewBigFolder)
					case ev.SyncFinished != nil:
						slog.Info("sync finished",
							"root", ev.Root,
							"synced", ev.SyncFinished.ItemsSynced,
							"failed", ev.SyncFinished.ItemsFailed)
					}
				})
				if err := mgr.Add(r.fld); err != nil {
					return err
				}
			}

			mgr.StartAll(ctx)
			defer mgr.StopAll()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			slog.Info("daemon started", "folders", len(roots))
			fmt.Println("Syncing. Press Ctrl+C to stop.")

			<-sigCh
			slog.Info("shutting down...")
			return nil
		},
	}
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one full sync for every folder and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			mgr := folder.NewManager()
			sched := queue.NewScheduler(cfg.Sync.GlobalConnections)

			exitCode := 0
			for _, fc := range cfg.Folders {
				r, err := buildRoot(ctx, cfg, fc, mgr, sched, false)
				if err != nil {
					return err
				}

				var bar *progressbar.ProgressBar
				r.bus.Subscribe(func(ev events.Event) {
					if ev.TransmissionProgress == nil {
						return
					}
					p := ev.TransmissionProgress
					if bar == nil && p.TotalBytes > 0 {
						bar = progressbar.NewOptions64(p.TotalBytes,
							progressbar.OptionSetDescription(filepath.Base(fc.LocalPath)),
							progressbar.OptionShowBytes(true),
							progressbar.OptionSetWidth(40),
							progressbar.OptionClearOnFinish(),
						)
					}
					if bar != nil {
						bar.Set64(p.CompletedBytes)
					}
				})

				res := r.eng.Run(ctx, scanner.FilesystemOnly, nil)
				if bar != nil {
					bar.Finish()
				}

				fmt.Printf("%s: %s (%d synced, %d failed, %.1fs)\n",
					fc.LocalPath, res.Status, res.ItemsSynced, res.ItemsFailed,
					res.Duration.Seconds())
				if res.Status != engine.StatusSuccess {
					exitCode = 1
					for status, msg := range res.FirstErrorByStatus {
						fmt.Printf("  first %s: %s\n", status, msg)
					}
				}
				r.close()
			}

			if exitCode != 0 {
				os.Exit(exitCode)
			}
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show journal statistics for every folder",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			for _, fc := range cfg.Folders {
				db, err := journal.Open(ctx, fc.LocalPath)
				if err != nil {
					fmt.Printf("%s: journal unavailable: %v\n", fc.LocalPath, err)
					continue
				}
				count, _ := db.RecordCount(ctx)
				rootEtag, _ := db.GetKeyValue(ctx, journal.KeyRootEtag)
				blacklist, _ := db.GetSelectiveSyncList(ctx, journal.SelectiveSyncBlacklist)
				undecided, _ := db.GetSelectiveSyncList(ctx, journal.SelectiveSyncUndecided)

				fmt.Printf("%s\n", fc.LocalPath)
				fmt.Printf("  remote:    %s%s\n", fc.ServerURL, fc.RemotePath)
				fmt.Printf("  journaled: %d paths\n", count)
				if rootEtag != "" {
					fmt.Printf("  root etag: %s\n", rootEtag)
				}
				if len(blacklist) > 0 {
					fmt.Printf("  selective-sync excluded: %v\n", blacklist)
				}
				if len(undecided) > 0 {
					fmt.Printf("  awaiting confirmation: %v\n", undecided)
				}
				db.Close()
			}
			return nil
		},
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a starter configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := config.ConfigDir()
			if err := os.MkdirAll(dir, 0755); err != nil {
				return err
			}
			path := filepath.Join(dir, "config.yaml")
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("config already exists at %s", path)
			}

			starter := map[string]any{
				"folders": []map[string]any{{
					"local_path":    "~/Sync",
					"server_url":    "https://cloud.example.com",
					"remote_path":   "/remote.php/dav/files/USERNAME/Documents",
					"username":      "USERNAME",
					"password":      "${DAVSYNC_PASSWORD}",
					"virtual_files": "off",
				}},
				"sync": map[string]any{
					"poll_interval_s":    30,
					"chunk_threshold_mb": 10,
				},
			}
			data, err := yaml.Marshal(starter)
			if err != nil {
				return err
			}
			if err := os.WriteFile(path, data, 0600); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
}
