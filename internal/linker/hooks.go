package linker

import (
	"context"
	"errors"
	"log/slog"

	"github.com/tchow-twistedxcom/termbridge/internal/dispatch"
	"github.com/tchow-twistedxcom/termbridge/internal/ipc"
	"github.com/tchow-twistedxcom/termbridge/internal/logging"
)

// WorkingDirFunc resolves the working directory of a process when the shell
// did not report one.
type WorkingDirFunc func(pid int32) string

// Subscribe registers the linker's hook handlers on d. The linker should be
// the first subscriber so later ones observe the updated links.
func (l *Linker) Subscribe(d *dispatch.Dispatcher, cwd WorkingDirFunc) {
	d.Subscribe(ipc.HookEditBuffer, "linker", func(ctx context.Context, h *ipc.Hook) {
		if b, ok := h.Body.(*ipc.EditBufferHook); ok {
			l.OnEditBuffer(b, cwd)
		}
	})
	d.Subscribe(ipc.HookKeyboardFocusChanged, "linker", func(ctx context.Context, h *ipc.Hook) {
		if b, ok := h.Body.(*ipc.KeyboardFocusChangedHook); ok {
			l.OnKeyboardFocusChanged(b)
		}
	})
	d.Subscribe(ipc.HookPrompt, "linker", func(ctx context.Context, h *ipc.Hook) {
		if b, ok := h.Body.(*ipc.PromptHook); ok {
			l.OnPrompt(b, cwd)
		}
	})
}

// OnEditBuffer links the hook's session to the frontmost terminal window as
// the focused session, then attaches its shell context and command line.
func (l *Linker) OnEditBuffer(h *ipc.EditBufferHook, cwd WorkingDirFunc) {
	var sessionID *string
	if h.Context != nil && h.Context.SessionID != "" {
		sessionID = &h.Context.SessionID
	}

	focused := true
	if _, err := l.LinkWithFrontmostWindow(sessionID, &focused); err != nil {
		reason := "linking"
		switch {
		case errors.Is(err, ErrNoTerminalSessionID):
			reason = "no_session_id"
		case errors.Is(err, ErrNoWindowCandidate):
			reason = "no_window"
		case errors.Is(err, ErrNoFrontmostApplication):
			reason = "no_frontmost_app"
		}
		logging.Aggregate(logging.CompLinker, "link_failed", slog.String("reason", reason))
		return
	}

	if shell := shellContext(h.Context, cwd); shell != nil {
		l.SetShellContext(*sessionID, shell)
		buf := h.Buffer()
		l.SetEditBuffer(*sessionID, buf)
		logging.Aggregate(logging.CompLinker, "edit_buffer_set", slog.String("session", *sessionID))
		if linkLog.Enabled(context.Background(), slog.LevelDebug) {
			linkLog.Debug("edit_buffer", slog.String("session", *sessionID), slog.String("buffer", buf.Representation()))
		}
	}
}

// OnKeyboardFocusChanged clears focus in the topmost terminal window when the
// focus change came from that terminal. Nobody is focused until the next edit
// buffer hook names the new holder.
func (l *Linker) OnKeyboardFocusChanged(h *ipc.KeyboardFocusChangedHook) {
	w, ok := l.windows.AllowListedWindow()
	if !ok || h.AppIdentifier != w.BundleID {
		return
	}
	l.ResetFocusForAllSessions(w.ID)
	linkLog.Debug("focus_reset",
		slog.Uint64("window_id", uint64(w.ID)),
		slog.String("bundle_id", w.BundleID))
}

// OnPrompt refreshes the shell context of an already linked session.
func (l *Linker) OnPrompt(h *ipc.PromptHook, cwd WorkingDirFunc) {
	shell := shellContext(h.Context, cwd)
	if shell == nil {
		return
	}
	l.SetShellContext(h.Context.SessionID, shell)
}

// shellContext returns the context to attach, or nil when it lacks a session
// id or pid. Remote contexts are replaced by the process actually typed into.
func shellContext(c *ipc.ShellContext, cwd WorkingDirFunc) *ipc.ShellContext {
	if c == nil || c.SessionID == "" || c.PID == 0 {
		return nil
	}
	active := *c.Active()
	if active.CurrentWorkingDirectory == "" && cwd != nil && !c.IsRemote() {
		active.CurrentWorkingDirectory = cwd(c.PID)
	}
	return &active
}
