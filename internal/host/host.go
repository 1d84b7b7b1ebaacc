// Package host assembles the shell-integration host: sockets, dispatcher,
// window observer, session linker and the services answering commands.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/tchow-twistedxcom/termbridge/internal/commands"
	"github.com/tchow-twistedxcom/termbridge/internal/config"
	"github.com/tchow-twistedxcom/termbridge/internal/dispatch"
	"github.com/tchow-twistedxcom/termbridge/internal/history"
	"github.com/tchow-twistedxcom/termbridge/internal/integrations"
	"github.com/tchow-twistedxcom/termbridge/internal/linker"
	"github.com/tchow-twistedxcom/termbridge/internal/logging"
	"github.com/tchow-twistedxcom/termbridge/internal/metrics"
	"github.com/tchow-twistedxcom/termbridge/internal/platform"
	"github.com/tchow-twistedxcom/termbridge/internal/pty"
	"github.com/tchow-twistedxcom/termbridge/internal/settings"
	"github.com/tchow-twistedxcom/termbridge/internal/transport"
	"github.com/tchow-twistedxcom/termbridge/internal/update"
	"github.com/tchow-twistedxcom/termbridge/internal/web"
	"github.com/tchow-twistedxcom/termbridge/internal/window"
)

var hostLog = logging.ForComponent(logging.CompHost)

// Options configures a Host.
type Options struct {
	Version string
	Config  *config.Config

	// DataDir holds settings, reports and caches (default: config.Dir()).
	DataDir string
	// Home roots the shell integration files (default: the user's home).
	Home string
	// CLI is the command shell snippets and pty callbacks invoke.
	CLI string

	// Accessibility overrides the backend selected by Config.Window.Backend.
	Accessibility window.Accessibility

	// DisablePTY skips starting the pseudo-terminal shell.
	DisablePTY bool
	// DisableUpdateCheck skips the periodic release check.
	DisableUpdateCheck bool
}

// Host owns every long-lived component.
type Host struct {
	opts Options
	cfg  *config.Config

	Metrics      *metrics.Metrics
	Dispatcher   *dispatch.Dispatcher
	Server       *transport.Server
	Observer     *window.Observer
	Linker       *linker.Linker
	History      *history.Store
	Settings     *settings.Store
	Integrations *integrations.Registry
	PTY          *pty.Executor
	Updates      *update.Checker
	Commands     *commands.Handlers
	Feed         *web.Feed
	Web          *web.Server

	tmux *window.TmuxAccessibility

	mu        sync.Mutex
	cancel    context.CancelFunc
	restart   atomic.Bool
	closeOnce sync.Once
}

// IntegrationDisabledKey is the settings key turning an integration off.
func IntegrationDisabledKey(id string) string {
	return "integrations." + id + ".disabled"
}

// New builds the host. Nothing listens until Run.
func New(opts Options) (*Host, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.DataDir == "" {
		dir, err := config.Dir()
		if err != nil {
			return nil, err
		}
		opts.DataDir = dir
	}
	if opts.Home == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		opts.Home = home
	}
	if opts.CLI == "" {
		opts.CLI = "termbridge"
	}

	h := &Host{opts: opts, cfg: cfg}
	h.Metrics = metrics.New()
	h.Dispatcher = dispatch.New(h.Metrics)

	legacy := cfg.IPC.LegacySocket
	if cfg.IPC.DisableLegacy {
		legacy = ""
	}
	h.Server = transport.NewServer(transport.Options{
		ModernPath:     cfg.IPC.ModernSocket,
		LegacyPath:     legacy,
		MaxFrameSize:   cfg.IPC.MaxFrameSize,
		MaxConnections: cfg.IPC.MaxConnections,
		Metrics:        h.Metrics,
	}, h.Dispatcher)
	h.Server.OnClose(h.Dispatcher.ConnClosed)

	ax := opts.Accessibility
	if ax == nil {
		switch cfg.Window.Backend {
		case "tmux":
			h.tmux = window.NewTmuxAccessibility(window.ExecRunner, cfg.Window.PollInterval)
			ax = h.tmux
		default:
			ax = window.StaticAccessibility{}
		}
	}
	h.Observer = window.NewObserver(ax, window.Options{
		AllowList:   cfg.Window.AllowList,
		BlockList:   cfg.Window.BlockList,
		SettleDelay: cfg.Window.SettleDelay,
		Metrics:     h.Metrics,
	})
	h.Linker = linker.New(h.Observer, h.Metrics)

	store, err := settings.NewStore(filepath.Join(opts.DataDir, settings.FileName))
	if err != nil {
		hostLog.Warn("settings_load_failed", slog.String("error", err.Error()))
	}
	h.Settings = store
	if warning := platform.CheckFsnotifySupport(store.Path()); warning != "" {
		hostLog.Warn("settings_watch_unreliable", slog.String("detail", warning))
	}

	var meta integrations.MetaStore
	if cfg.History.HistoryEnabled() {
		hs, err := history.Open(cfg.History.DBPath)
		if err != nil {
			hostLog.Warn("history_disabled", slog.String("error", err.Error()))
		} else {
			h.History = hs
			meta = hs
		}
	}
	h.Integrations = integrations.NewRegistry(meta, integrations.Defaults(opts.Home, opts.CLI)...)
	h.Integrations.SetDisabled(func(id string) bool {
		v, _ := h.Settings.Snapshot().Bool(IntegrationDisabledKey(id))
		return v
	})

	if !opts.DisablePTY {
		snap := h.Settings.Snapshot()
		ptyPath, _ := snap.String(settings.KeyPtyPath)
		var initFiles []string
		if rc, ok := snap.String(settings.KeyPtyInitFile); ok && rc != "" {
			initFiles = append(initFiles, rc)
		}
		h.PTY = pty.New(pty.Options{
			Path:            ptyPath,
			InitFiles:       initFiles,
			CallbackCommand: opts.CLI + " hook callback",
		})
	}

	h.Updates = update.NewChecker(update.Options{
		FeedURL:        cfg.Updates.FeedURL,
		CurrentVersion: opts.Version,
		CheckInterval:  cfg.Updates.CheckInterval,
		CacheDir:       opts.DataDir,
	})

	deps := commands.Deps{
		Version:       opts.Version,
		Linker:        h.Linker,
		Windows:       h.Observer,
		Connections:   h.Server,
		Metrics:       h.Metrics,
		Integrations:  h.Integrations,
		Settings:      h.Settings,
		Updates:       h.Updates,
		InstallScript: cfg.Install.Script,
		InstallShell:  cfg.Install.Shell,
		DataDir:       opts.DataDir,
		LogLevel:      cfg.Logs.Level,
		Shutdown:      h.Shutdown,
	}
	if h.History != nil {
		deps.History = h.History
	}
	if h.PTY != nil {
		deps.PTY = h.PTY
	}
	h.Commands = commands.New(deps)

	h.Feed = web.NewFeed()
	if cfg.Metrics.Addr != "" {
		h.Web = web.NewServer(web.Config{
			ListenAddr:  cfg.Metrics.Addr,
			Token:       cfg.Metrics.Token,
			Metrics:     h.Metrics,
			Feed:        h.Feed,
			Diagnostics: h.Commands.Diagnostics,
			Sessions:    h.Linker.Sessions,
		})
	}

	h.wire()
	return h, nil
}

// wire registers command handlers and hook subscribers. The linker goes
// first so every later subscriber sees the updated links.
func (h *Host) wire() {
	h.Linker.Subscribe(h.Dispatcher, platform.ProcessWorkingDir)
	if h.History != nil {
		h.History.Subscribe(h.Dispatcher)
	}
	if h.PTY != nil {
		h.PTY.Subscribe(h.Dispatcher)
	}
	h.Integrations.Subscribe(h.Dispatcher)
	h.Feed.WatchHooks(h.Dispatcher)
	h.Feed.WatchWindows(h.Observer)
	h.Commands.Register(h.Dispatcher)

	h.Settings.OnChange(h.applySettings)
}

// applySettings reacts to a reloaded settings file.
func (h *Host) applySettings(s settings.Settings) {
	if v, ok := s.Bool(settings.KeyDebugMode); ok && v != logging.DebugEnabled() {
		logging.SetDebug(v || h.cfg.Debug, h.cfg.Logs.Level)
		hostLog.Info("debug_mode_changed", slog.Bool("enabled", v))
	}
}

// Run listens on the sockets and serves until ctx is done or Shutdown is
// called. Components are closed before it returns.
func (h *Host) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	h.mu.Lock()
	h.cancel = cancel
	h.mu.Unlock()
	defer cancel()
	defer h.Close()

	if err := h.Server.Listen(); err != nil {
		return err
	}
	if err := h.Settings.Start(ctx); err != nil {
		hostLog.Warn("settings_listener_failed", slog.String("error", err.Error()))
	}
	h.applySettings(h.Settings.Snapshot())
	if h.PTY != nil {
		if err := h.PTY.Start(); err != nil {
			hostLog.Warn("pty_start_failed", slog.String("error", err.Error()))
		}
	}
	registered := h.Observer.RegisterAll()

	hostLog.Info("host_started",
		slog.String("version", h.opts.Version),
		slog.String("platform", platform.Describe()),
		slog.String("modern_socket", h.cfg.IPC.ModernSocket),
		slog.Int("tracked_apps", registered))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.Server.Serve(gctx) })
	if h.tmux != nil {
		g.Go(func() error { return h.tmux.Run(gctx, h.Observer.Workspace()) })
	}
	if ttl := h.cfg.Linker.IdleTTL; ttl > 0 {
		g.Go(func() error {
			h.Linker.RunIdleEviction(gctx, ttl)
			return nil
		})
	}
	if !h.opts.DisableUpdateCheck {
		g.Go(func() error {
			h.Updates.Run(gctx, func(info update.Info) {
				hostLog.Info("update_available",
					slog.String("current", info.CurrentVersion),
					slog.String("latest", info.LatestVersion))
			})
			return nil
		})
	}
	if h.Web != nil {
		g.Go(func() error { return h.Web.Run(gctx) })
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	hostLog.Info("host_stopped", slog.Bool("restart", h.restart.Load()))
	return err
}

// Shutdown stops Run. restart is reported by RestartRequested so the caller
// can start the host again.
func (h *Host) Shutdown(restart bool) {
	if restart {
		h.restart.Store(true)
	}
	h.mu.Lock()
	cancel := h.cancel
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// RestartRequested reports whether the last Shutdown asked for a restart.
func (h *Host) RestartRequested() bool {
	return h.restart.Load()
}

// Close releases every component. Run calls it on exit.
func (h *Host) Close() error {
	var errs []error
	h.closeOnce.Do(func() {
		errs = append(errs, h.Server.Close())
		h.Observer.Close()
		h.Settings.Stop()
		if h.PTY != nil {
			errs = append(errs, h.PTY.Close())
		}
		if h.History != nil {
			errs = append(errs, h.History.Close())
		}
	})
	return errors.Join(errs...)
}
