package commands

import (
	"context"
	"strconv"

	"github.com/tchow-twistedxcom/termbridge/internal/ipc"
	"github.com/tchow-twistedxcom/termbridge/internal/logging"
	"github.com/tchow-twistedxcom/termbridge/internal/platform"
)

const diagnosticLogLines = 20

// Diagnostics assembles the host state reported by the diagnostics command.
func (h *Handlers) Diagnostics() *ipc.DiagnosticsResponse {
	resp := &ipc.DiagnosticsResponse{
		Version:       h.deps.Version,
		Platform:      platform.Describe(),
		DebugMode:     logging.DebugEnabled(),
		Accessibility: "disabled",
		InstallScript: h.deps.InstallScript,
		RecentLogs:    logging.RecentLines(diagnosticLogLines),
	}
	if h.deps.PTY != nil {
		resp.PseudoterminalPath = h.deps.PTY.Name()
	}
	if h.deps.Connections != nil {
		resp.Connections = uint32(h.deps.Connections.Len())
	}
	if h.deps.Metrics != nil {
		resp.UptimeSeconds = int64(h.deps.Metrics.Uptime().Seconds())
	}
	if h.deps.Linker != nil {
		resp.Sessions = uint32(h.deps.Linker.Len())
	}

	if h.deps.Windows == nil {
		return resp
	}
	if h.deps.Windows.Trusted() {
		resp.Accessibility = "true"
	} else {
		resp.Accessibility = "false"
	}
	resp.TrackedApps = uint32(len(h.deps.Windows.TrackedApps()))

	w, ok := h.deps.Windows.AllowListedWindow()
	if !ok {
		return resp
	}
	resp.CurrentWindowIdentifier = strconv.FormatUint(uint64(w.ID), 10)
	if h.deps.Linker == nil {
		return resp
	}
	if s, ok := h.deps.Linker.FocusedSession(w.ID); ok {
		resp.FocusedSession = s.SessionID
		resp.CurrentWindowIdentifier = s.LegacyWindowHash()
		if sh := s.Shell.Active(); sh != nil {
			resp.CurrentProcess = sh.ProcessName + " (" + strconv.Itoa(int(sh.PID)) + ") - " + sh.TTYs
		}
	}
	return resp
}

func (h *Handlers) diagnostics(ctx context.Context, cmd *ipc.Command) (ipc.ResponseBody, error) {
	return h.Diagnostics(), nil
}
