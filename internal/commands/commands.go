// Package commands implements the host side of every command in the catalog.
package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/tchow-twistedxcom/termbridge/internal/dispatch"
	"github.com/tchow-twistedxcom/termbridge/internal/integrations"
	"github.com/tchow-twistedxcom/termbridge/internal/ipc"
	"github.com/tchow-twistedxcom/termbridge/internal/linker"
	"github.com/tchow-twistedxcom/termbridge/internal/logging"
	"github.com/tchow-twistedxcom/termbridge/internal/metrics"
	"github.com/tchow-twistedxcom/termbridge/internal/settings"
	"github.com/tchow-twistedxcom/termbridge/internal/update"
	"github.com/tchow-twistedxcom/termbridge/internal/window"
)

var cmdLog = logging.ForComponent(logging.CompCommand)

// shutdownGrace lets the response to quit or restart reach the client before
// the host starts closing connections.
const shutdownGrace = 100 * time.Millisecond

// KeyBuildBranch stores the branch selected by the build command.
const KeyBuildBranch = "updates.branch"

// Windows is the part of the window observer commands read.
type Windows interface {
	AllowListedWindow() (window.Window, bool)
	TrackedApps() []window.App
	Trusted() bool
	RegisterAll() int
}

// Connections counts live client connections.
type Connections interface {
	Len() int
}

// Updater checks for and caches release information.
type Updater interface {
	Check(ctx context.Context, force bool) (update.Info, error)
	ClearCache() error
}

// HistoryStore is the part of the history database logout clears.
type HistoryStore interface {
	Clear(ctx context.Context) error
}

// Terminal reports the pseudo-terminal device of the pty executor.
type Terminal interface {
	Name() string
}

// Deps are the collaborators the handlers use. Nil fields disable the
// commands that need them; those answer with an error response.
type Deps struct {
	Version string

	Linker       *linker.Linker
	Windows      Windows
	Connections  Connections
	Metrics      *metrics.Metrics
	Integrations *integrations.Registry
	Settings     *settings.Store
	Updates      Updater
	History      HistoryStore
	PTY          Terminal

	// InstallScript and InstallShell drive run-install-script.
	InstallScript string
	InstallShell  string

	// DataDir holds reports and caches (the termbridge home directory).
	DataDir string
	// LogLevel is restored when debug mode is turned off.
	LogLevel string

	// Shutdown stops the host. restart asks the supervisor to start it again.
	Shutdown func(restart bool)
}

// Handlers answers commands using Deps.
type Handlers struct {
	deps  Deps
	after func(d time.Duration, fn func())
	now   func() time.Time
}

// New returns handlers for deps.
func New(deps Deps) *Handlers {
	if deps.InstallShell == "" {
		deps.InstallShell = "/bin/sh"
	}
	return &Handlers{
		deps:  deps,
		after: func(d time.Duration, fn func()) { time.AfterFunc(d, fn) },
		now:   time.Now,
	}
}

// Register installs a handler for every command kind on d.
func (h *Handlers) Register(d *dispatch.Dispatcher) {
	d.Handle(ipc.CmdTerminalIntegration, h.terminalIntegration)
	d.Handle(ipc.CmdListTerminalIntegrations, h.listTerminalIntegrations)
	d.Handle(ipc.CmdLogout, h.logout)
	d.Handle(ipc.CmdRestart, h.restart)
	d.Handle(ipc.CmdQuit, h.quit)
	d.Handle(ipc.CmdUpdate, h.update)
	d.Handle(ipc.CmdDiagnostics, h.diagnostics)
	d.Handle(ipc.CmdReportWindow, h.reportWindow)
	d.Handle(ipc.CmdRestartSettingsListener, h.restartSettingsListener)
	d.Handle(ipc.CmdRunInstallScript, h.runInstallScript)
	d.Handle(ipc.CmdBuild, h.build)
	d.Handle(ipc.CmdOpenUIElement, h.openUIElement)
	d.Handle(ipc.CmdResetCache, h.resetCache)
	d.Handle(ipc.CmdDebugMode, h.debugMode)
	d.Handle(ipc.CmdPromptAccessibility, h.promptAccessibility)
}

var errUnavailable = errors.New("not available on this host")

func unavailable(what string) (ipc.ResponseBody, error) {
	return ipc.Errorf("%s: %v", what, errUnavailable), nil
}

func (h *Handlers) terminalIntegration(ctx context.Context, cmd *ipc.Command) (ipc.ResponseBody, error) {
	b := cmd.Body.(*ipc.TerminalIntegrationCommand)
	if h.deps.Integrations == nil {
		return unavailable("terminal integrations")
	}
	st, err := h.deps.Integrations.Apply(ctx, b.Identifier, b.Action)
	if err != nil {
		return ipc.Errorf("%v", err), nil
	}
	if st.Kind == integrations.StatusFailed || st.Kind == integrations.StatusApplicationNotInstalled {
		return ipc.Errorf("%s: %s", b.Identifier, st), nil
	}
	if b.Silent {
		return ipc.Success(""), nil
	}
	p, _ := h.deps.Integrations.Get(b.Identifier)
	return ipc.Success("%s integration %s", p.Name(), st), nil
}

func (h *Handlers) listTerminalIntegrations(ctx context.Context, cmd *ipc.Command) (ipc.ResponseBody, error) {
	if h.deps.Integrations == nil {
		return &ipc.IntegrationListResponse{}, nil
	}
	return &ipc.IntegrationListResponse{Integrations: h.deps.Integrations.List(ctx)}, nil
}

func (h *Handlers) scheduleShutdown(restart bool) {
	if h.deps.Shutdown == nil {
		return
	}
	h.after(shutdownGrace, func() { h.deps.Shutdown(restart) })
}

// logout drops per-user state (history and cached update results) and
// restarts the host.
func (h *Handlers) logout(ctx context.Context, cmd *ipc.Command) (ipc.ResponseBody, error) {
	if h.deps.History != nil {
		if err := h.deps.History.Clear(ctx); err != nil {
			return ipc.Errorf("clear history: %v", err), nil
		}
	}
	if h.deps.Updates != nil {
		if err := h.deps.Updates.ClearCache(); err != nil {
			return ipc.Errorf("clear update cache: %v", err), nil
		}
	}
	cmdLog.Info("logout")
	h.scheduleShutdown(true)
	return ipc.Success("Logged out"), nil
}

func (h *Handlers) restart(ctx context.Context, cmd *ipc.Command) (ipc.ResponseBody, error) {
	if h.deps.Shutdown == nil {
		return unavailable("restart")
	}
	cmdLog.Info("restart_requested")
	h.scheduleShutdown(true)
	return ipc.Success("Restarting termbridge"), nil
}

func (h *Handlers) quit(ctx context.Context, cmd *ipc.Command) (ipc.ResponseBody, error) {
	if h.deps.Shutdown == nil {
		return unavailable("quit")
	}
	cmdLog.Info("quit_requested")
	h.scheduleShutdown(false)
	return ipc.Success("Quitting termbridge"), nil
}

func (h *Handlers) update(ctx context.Context, cmd *ipc.Command) (ipc.ResponseBody, error) {
	b := cmd.Body.(*ipc.UpdateCommand)
	if h.deps.Updates == nil {
		return unavailable("update")
	}
	info, err := h.deps.Updates.Check(ctx, b.Force)
	if err != nil {
		return ipc.Errorf("update check failed: %v", err), nil
	}
	if !info.Available {
		return ipc.Success("termbridge is up to date (%s)", info.CurrentVersion), nil
	}
	msg := fmt.Sprintf("termbridge %s is available (current %s)", info.LatestVersion, info.CurrentVersion)
	if info.ReleaseURL != "" {
		msg += ": " + info.ReleaseURL
	}
	return &ipc.SuccessResponse{Message: msg}, nil
}

func (h *Handlers) restartSettingsListener(ctx context.Context, cmd *ipc.Command) (ipc.ResponseBody, error) {
	if h.deps.Settings == nil {
		return unavailable("settings listener")
	}
	if err := h.deps.Settings.Restart(); err != nil {
		return ipc.Errorf("restart settings listener: %v", err), nil
	}
	return ipc.Success("Settings listener restarted"), nil
}

func (h *Handlers) runInstallScript(ctx context.Context, cmd *ipc.Command) (ipc.ResponseBody, error) {
	script := h.deps.InstallScript
	if script == "" {
		return ipc.Errorf("no install script configured"), nil
	}
	if _, err := os.Stat(script); err != nil {
		return ipc.Errorf("install script: %v", err), nil
	}

	c := exec.CommandContext(ctx, h.deps.InstallShell, script)
	out, err := c.CombinedOutput()
	output := strings.TrimSpace(string(out))
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code := int32(exitErr.ExitCode())
			cmdLog.Warn("install_script_failed", slog.Int("exit_code", int(code)))
			return &ipc.ErrorResponse{ExitCode: &code, Message: output}, nil
		}
		return ipc.Errorf("run install script: %v", err), nil
	}
	cmdLog.Info("install_script_ran", slog.String("script", script))
	return &ipc.SuccessResponse{Message: output}, nil
}

// build selects the release branch used by update checks. Without a branch
// it reports the current one.
func (h *Handlers) build(ctx context.Context, cmd *ipc.Command) (ipc.ResponseBody, error) {
	b := cmd.Body.(*ipc.BuildCommand)
	if h.deps.Settings == nil {
		return unavailable("build")
	}
	if b.Branch == nil {
		current, ok := h.deps.Settings.Snapshot().String(KeyBuildBranch)
		if !ok || current == "" {
			current = "stable"
		}
		return ipc.Success("%s", current), nil
	}
	branch := strings.TrimSpace(*b.Branch)
	if branch == "" {
		return ipc.Errorf("branch must not be empty"), nil
	}
	if err := h.deps.Settings.Set(KeyBuildBranch, branch); err != nil {
		return ipc.Errorf("save branch: %v", err), nil
	}
	return ipc.Success("Switched to %s", branch), nil
}

func (h *Handlers) openUIElement(ctx context.Context, cmd *ipc.Command) (ipc.ResponseBody, error) {
	b := cmd.Body.(*ipc.OpenUIElementCommand)
	switch b.Element {
	case ipc.UISettings:
		if h.deps.Settings == nil {
			return unavailable("settings")
		}
		return ipc.Success("%s", h.deps.Settings.Path()), nil
	default:
		return ipc.Errorf("ui element %s: %v", b.Element, errUnavailable), nil
	}
}

func (h *Handlers) resetCache(ctx context.Context, cmd *ipc.Command) (ipc.ResponseBody, error) {
	if h.deps.Updates != nil {
		if err := h.deps.Updates.ClearCache(); err != nil {
			return ipc.Errorf("clear update cache: %v", err), nil
		}
	}
	if h.deps.DataDir != "" {
		if err := os.RemoveAll(filepath.Join(h.deps.DataDir, "cache")); err != nil {
			return ipc.Errorf("clear cache: %v", err), nil
		}
	}
	return ipc.Success("Cache reset"), nil
}

// debugMode applies and persists the requested state. Set wins over toggle.
func (h *Handlers) debugMode(ctx context.Context, cmd *ipc.Command) (ipc.ResponseBody, error) {
	b := cmd.Body.(*ipc.DebugModeCommand)
	enabled := logging.DebugEnabled()
	changed := false
	switch {
	case b.Set != nil:
		enabled, changed = *b.Set, true
	case b.Toggle != nil && *b.Toggle:
		enabled, changed = !enabled, true
	}

	if changed {
		logging.SetDebug(enabled, h.deps.LogLevel)
		if h.deps.Settings != nil {
			if err := h.deps.Settings.Set(settings.KeyDebugMode, enabled); err != nil {
				cmdLog.Warn("debug_mode_persist_failed", slog.String("error", err.Error()))
			}
		}
	}
	if enabled {
		return ipc.Success("Debug mode on"), nil
	}
	return ipc.Success("Debug mode off"), nil
}

func (h *Handlers) promptAccessibility(ctx context.Context, cmd *ipc.Command) (ipc.ResponseBody, error) {
	if h.deps.Windows == nil {
		return unavailable("window observation")
	}
	if !h.deps.Windows.Trusted() {
		return ipc.Errorf("window observation is not permitted: the accessibility backend is unavailable"), nil
	}
	n := h.deps.Windows.RegisterAll()
	return ipc.Success("Window observation enabled (%d applications)", n), nil
}
