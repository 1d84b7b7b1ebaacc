// Package config loads host configuration from ~/.termbridge/config.toml with
// TERMBRIDGE_* environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"

	"github.com/tchow-twistedxcom/termbridge/internal/ipc"
)

// FileName is the TOML config file inside the termbridge home directory.
const FileName = "config.toml"

// EnvPrefix prefixes every environment override, e.g. TERMBRIDGE_IPC_MODERN_SOCKET.
const EnvPrefix = "TERMBRIDGE"

// Config is the full host configuration.
type Config struct {
	// Debug starts the host with debug logging enabled
	Debug bool `toml:"debug" split_words:"true"`

	IPC     IPCConfig     `toml:"ipc" split_words:"true"`
	Window  WindowConfig  `toml:"window" split_words:"true"`
	Linker  LinkerConfig  `toml:"linker" split_words:"true"`
	Logs    LogConfig     `toml:"logs" split_words:"true"`
	History HistoryConfig `toml:"history" split_words:"true"`
	Install InstallConfig `toml:"install" split_words:"true"`
	Updates UpdateConfig  `toml:"updates" split_words:"true"`
	Metrics MetricsConfig `toml:"metrics" split_words:"true"`
}

// IPCConfig holds socket rendezvous settings.
type IPCConfig struct {
	// ModernSocket is the bidirectional framed socket path
	ModernSocket string `toml:"modern_socket" split_words:"true"`

	// LegacySocket is the unidirectional line socket path
	LegacySocket string `toml:"legacy_socket" split_words:"true"`

	// DisableLegacy skips listening on the legacy socket
	DisableLegacy bool `toml:"disable_legacy" split_words:"true"`

	// MaxFrameSize rejects frames declaring a larger payload
	MaxFrameSize int `toml:"max_frame_size" split_words:"true"`

	// MaxConnections caps concurrent connections per socket (0 = unlimited)
	MaxConnections int `toml:"max_connections" split_words:"true"`
}

// WindowConfig holds window observer settings.
type WindowConfig struct {
	// Backend selects the accessibility backend: "tmux" or "none"
	Backend string `toml:"backend" split_words:"true"`

	// AllowList is the set of terminal bundle ids whose windows can host sessions
	AllowList []string `toml:"allow_list" split_words:"true"`

	// BlockList adds bundle ids that are never tracked
	BlockList []string `toml:"block_list" split_words:"true"`

	// SettleDelay postpones the focused-window query after an activation
	SettleDelay time.Duration `toml:"settle_delay" split_words:"true"`

	// PollInterval is how often polling backends sample the focused window
	PollInterval time.Duration `toml:"poll_interval" split_words:"true"`
}

// LinkerConfig holds session linker settings.
type LinkerConfig struct {
	// IdleTTL evicts sessions not re-linked within the window (0 = never)
	IdleTTL time.Duration `toml:"idle_ttl" split_words:"true"`
}

// LogConfig holds log file settings.
type LogConfig struct {
	// Dir is the log directory (default: ~/.termbridge/logs)
	Dir string `toml:"dir" split_words:"true"`

	// Level is "debug", "info", "warn" or "error"
	Level string `toml:"level" split_words:"true"`

	// Format is "json" or "text"
	Format string `toml:"format" split_words:"true"`

	// MaxSizeMB rotates the log file after this size
	MaxSizeMB int `toml:"max_size_mb" split_words:"true"`

	// MaxBackups is the number of rotated files kept
	MaxBackups int `toml:"max_backups" split_words:"true"`

	// MaxAgeDays removes rotated files older than this
	MaxAgeDays int `toml:"max_age_days" split_words:"true"`

	// Compress gzips rotated files
	Compress bool `toml:"compress" split_words:"true"`

	// Pprof serves net/http/pprof on localhost:6060
	Pprof bool `toml:"pprof" split_words:"true"`
}

// HistoryConfig holds command history settings.
type HistoryConfig struct {
	// Enabled records post-exec hooks into the history database
	Enabled *bool `toml:"enabled" split_words:"true"`

	// DBPath is the SQLite file (default: ~/.termbridge/history.db)
	DBPath string `toml:"db_path" split_words:"true"`
}

// InstallConfig holds the install script location used by run-install-script.
type InstallConfig struct {
	// Script is the shell script executed by the run-install-script command
	Script string `toml:"script" split_words:"true"`

	// Shell runs the script (default: /bin/sh)
	Shell string `toml:"shell" split_words:"true"`
}

// UpdateConfig holds update check settings.
type UpdateConfig struct {
	// FeedURL is the releases endpoint queried by the update command
	FeedURL string `toml:"feed_url" split_words:"true"`

	// CheckInterval is how long a cached check result is reused
	CheckInterval time.Duration `toml:"check_interval" split_words:"true"`
}

// MetricsConfig holds the optional local status server: Prometheus
// metrics, diagnostics and the window event feed.
type MetricsConfig struct {
	// Addr serves /metrics when set, e.g. "127.0.0.1:9464"
	Addr string `toml:"addr" split_words:"true"`

	// Token, when set, is required as ?token= or a bearer header
	Token string `toml:"token" split_words:"true"`
}

// HistoryEnabled defaults to true when unset.
func (h HistoryConfig) HistoryEnabled() bool {
	return h.Enabled == nil || *h.Enabled
}

// DefaultAllowList is the set of terminals known to run the shell integration.
var DefaultAllowList = []string{
	"com.googlecode.iterm2",
	"com.apple.Terminal",
	"com.zeit.hyper",
	"co.zeit.hyper",
	"io.alacritty",
	"net.kovidgoyal.kitty",
	"com.microsoft.VSCode",
	"com.microsoft.VSCodeInsiders",
	"com.github.wez.wezterm",
	"dev.warp.Warp-Stable",
	"com.panic.Nova",
	"tmux",
}

// Dir returns the termbridge home directory (~/.termbridge).
// TERMBRIDGE_HOME overrides it.
func Dir() (string, error) {
	if dir := os.Getenv("TERMBRIDGE_HOME"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".termbridge"), nil
}

// Path returns the path of config.toml.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, FileName), nil
}

// DefaultModernSocket is $TMPDIR/termbridge/<user>/termbridge.socket.
func DefaultModernSocket() string {
	return filepath.Join(os.TempDir(), "termbridge", username(), "termbridge.socket")
}

// DefaultLegacySocket is $TMPDIR/termbridge.socket.
func DefaultLegacySocket() string {
	return filepath.Join(os.TempDir(), "termbridge.socket")
}

func username() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return "default"
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.IPC.ModernSocket == "" {
		c.IPC.ModernSocket = DefaultModernSocket()
	}
	if c.IPC.LegacySocket == "" {
		c.IPC.LegacySocket = DefaultLegacySocket()
	}
	if c.IPC.MaxFrameSize <= 0 {
		c.IPC.MaxFrameSize = ipc.DefaultMaxFrameSize
	}

	if c.Window.Backend == "" {
		c.Window.Backend = "tmux"
	}
	if len(c.Window.AllowList) == 0 {
		c.Window.AllowList = append([]string(nil), DefaultAllowList...)
	}
	if c.Window.SettleDelay <= 0 {
		c.Window.SettleDelay = 250 * time.Millisecond
	}
	if c.Window.PollInterval <= 0 {
		c.Window.PollInterval = 500 * time.Millisecond
	}

	if c.Linker.IdleTTL < 0 {
		c.Linker.IdleTTL = 0
	}

	if c.Logs.Level == "" {
		c.Logs.Level = "info"
	}
	if c.Logs.Format == "" {
		c.Logs.Format = "json"
	}
	if c.Logs.MaxSizeMB <= 0 {
		c.Logs.MaxSizeMB = 10
	}
	if c.Logs.MaxBackups <= 0 {
		c.Logs.MaxBackups = 5
	}
	if c.Logs.MaxAgeDays <= 0 {
		c.Logs.MaxAgeDays = 10
	}

	if c.Install.Shell == "" {
		c.Install.Shell = "/bin/sh"
	}

	if c.Updates.FeedURL == "" {
		c.Updates.FeedURL = "https://api.github.com/repos/tchow-twistedxcom/termbridge/releases/latest"
	}
	if c.Updates.CheckInterval <= 0 {
		c.Updates.CheckInterval = 24 * time.Hour
	}

	if dir, err := Dir(); err == nil {
		if c.Logs.Dir == "" {
			c.Logs.Dir = filepath.Join(dir, "logs")
		}
		if c.History.DBPath == "" {
			c.History.DBPath = filepath.Join(dir, "history.db")
		}
		if c.Install.Script == "" {
			c.Install.Script = filepath.Join(dir, "install.sh")
		}
	}
}

// Validate reports settings that cannot be used.
func (c *Config) Validate() error {
	var errs []error
	switch c.Window.Backend {
	case "tmux", "none":
	default:
		errs = append(errs, fmt.Errorf("window.backend: unknown backend %q", c.Window.Backend))
	}
	switch c.Logs.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logs.format: unknown format %q", c.Logs.Format))
	}
	if c.IPC.ModernSocket == c.IPC.LegacySocket {
		errs = append(errs, errors.New("ipc: modern and legacy sockets share a path"))
	}
	return errors.Join(errs...)
}

var (
	cache   *Config
	cacheMu sync.RWMutex
)

// Load reads the config file at the default path, applies environment overrides and
// defaults. The result is cached; Reload forces a fresh read.
func Load() (*Config, error) {
	cacheMu.RLock()
	if cache != nil {
		defer cacheMu.RUnlock()
		return cache, nil
	}
	cacheMu.RUnlock()

	cacheMu.Lock()
	defer cacheMu.Unlock()
	if cache != nil {
		return cache, nil
	}

	path, err := Path()
	if err != nil {
		cache = Default()
		return cache, nil
	}
	cfg, err := LoadFile(path)
	if err != nil {
		// Cache defaults so a broken file is not re-parsed on every call.
		cache = Default()
		return cache, err
	}
	cache = cfg
	return cache, nil
}

// Reload drops the cache and loads again.
func Reload() (*Config, error) {
	ClearCache()
	return Load()
}

// ClearCache resets the cached config without reloading.
func ClearCache() {
	cacheMu.Lock()
	cache = nil
	cacheMu.Unlock()
}

// LoadFile decodes path (a missing file is not an error), applies TERMBRIDGE_*
// environment overrides, then fills defaults and validates.
func LoadFile(path string) (*Config, error) {
	var cfg Config
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config.toml parse error: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("stat config: %w", err)
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes cfg to path atomically: temp file, fsync, rename.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("# termbridge host configuration\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	// Best effort; the rename below is still atomic without it.
	_ = f.Sync()
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to finalize config save: %w", err)
	}
	ClearCache()
	return nil
}
