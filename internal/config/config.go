// Package config loads the daemon configuration: sync roots, account
// endpoints, limits. Configuration comes from a YAML file plus DAVSYNC_*
// environment variables, validated before anything touches the network.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

// FolderConfig describes one sync pair (local root, remote collection).
type FolderConfig struct {
	LocalPath  string `mapstructure:"local_path" validate:"required,dir"`
	ServerURL  string `mapstructure:"server_url" validate:"required,url"`
	RemotePath string `mapstructure:"remote_path" validate:"required"`
	Username   string `mapstructure:"username" validate:"required"`
	Password   string `mapstructure:"password" validate:"required"`

	// VirtualFiles selects the placeholder strategy: "off" or "suffix".
	VirtualFiles string `mapstructure:"virtual_files" validate:"omitempty,oneof=off suffix"`

	ExcludeHidden      bool `mapstructure:"exclude_hidden"`
	KeepConflictsLocal bool `mapstructure:"keep_conflicts_local"`
}

// BandwidthConfig is one direction's limit.
type BandwidthConfig struct {
	// Mode: "unlimited", "absolute" (use kbps) or "relative" (use percent).
	Mode    string `mapstructure:"mode" validate:"omitempty,oneof=unlimited absolute relative"`
	KBps    int64  `mapstructure:"kbps" validate:"min=0"`
	Percent int    `mapstructure:"percent" validate:"min=0,max=100"`
}

// SyncConfig tunes engine behavior shared by all folders.
type SyncConfig struct {
	ParallelJobs         int   `mapstructure:"parallel_jobs" validate:"min=0,max=64"`
	GlobalConnections    int   `mapstructure:"global_connections" validate:"min=1,max=256"`
	ChunkThresholdMB     int64 `mapstructure:"chunk_threshold_mb" validate:"min=1"`
	BigFolderLimitMB     int64 `mapstructure:"big_folder_limit_mb" validate:"min=0"`
	PollIntervalSeconds  int   `mapstructure:"poll_interval_s" validate:"min=5"`
	FullDiscoveryMinutes int   `mapstructure:"full_discovery_interval_m" validate:"min=1"`
	DebounceMilliseconds int   `mapstructure:"debounce_ms" validate:"min=100"`
}

// Config is the whole application configuration.
type Config struct {
	Folders  []FolderConfig  `mapstructure:"folders" validate:"required,min=1,dive"`
	Sync     SyncConfig      `mapstructure:"sync"`
	Upload   BandwidthConfig `mapstructure:"upload"`
	Download BandwidthConfig `mapstructure:"download"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Sync: SyncConfig{
			GlobalConnections:    32,
			ChunkThresholdMB:     10,
			BigFolderLimitMB:     500,
			PollIntervalSeconds:  30,
			FullDiscoveryMinutes: 60,
			DebounceMilliseconds: 2000,
		},
		Upload:   BandwidthConfig{Mode: "unlimited"},
		Download: BandwidthConfig{Mode: "unlimited"},
	}
}

// Load reads configuration from file and environment.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	defaults := DefaultConfig()
	v.SetDefault("sync.global_connections", defaults.Sync.GlobalConnections)
	v.SetDefault("sync.chunk_threshold_mb", defaults.Sync.ChunkThresholdMB)
	v.SetDefault("sync.big_folder_limit_mb", defaults.Sync.BigFolderLimitMB)
	v.SetDefault("sync.poll_interval_s", defaults.Sync.PollIntervalSeconds)
	v.SetDefault("sync.full_discovery_interval_m", defaults.Sync.FullDiscoveryMinutes)
	v.SetDefault("sync.debounce_ms", defaults.Sync.DebounceMilliseconds)
	v.SetDefault("upload.mode", defaults.Upload.Mode)
	v.SetDefault("download.mode", defaults.Download.Mode)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(ConfigDir())
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("DAVSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	for i := range cfg.Folders {
		cfg.Folders[i].LocalPath = expandPath(cfg.Folders[i].LocalPath)
		cfg.Folders[i].Password = os.ExpandEnv(cfg.Folders[i].Password)
		if cfg.Folders[i].VirtualFiles == "" {
			cfg.Folders[i].VirtualFiles = "off"
		}
	}

	validate := validator.New()
	validate.RegisterValidation("dir", func(fl validator.FieldLevel) bool {
		path := fl.Field().String()
		if path == "" {
			return false
		}
		info, err := os.Stat(path)
		return err == nil && info.IsDir()
	})

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// ConfigDir returns the per-OS configuration directory.
func ConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "davsync")
		}
		return filepath.Join(os.Getenv("USERPROFILE"), ".config", "davsync")
	default:
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			return filepath.Join(xdgConfig, "davsync")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", "davsync")
	}
}

// expandPath expands ~ and environment variables in a path.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, path[1:])
	}
	return os.ExpandEnv(path)
}

// NewRootLogger builds the per-root logger: stderr plus a rotating
// .davsync-sync.log inside the root, so a support bundle is one file copy.
func NewRootLogger(rootPath string, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	rotating := &lumberjack.Logger{
		Filename:   filepath.Join(rootPath, ".davsync-sync.log"),
		MaxSize:    10, // megabytes
		MaxBackups: 2,
		MaxAge:     30, // days
		Compress:   true,
	}
	w := io.MultiWriter(os.Stderr, rotating)
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// UserExcludeFile is the per-root user pattern list location.
func UserExcludeFile(rootPath string) string {
	return filepath.Join(rootPath, ".davsync-sync-exclude.lst")
}
