package web

import (
	"net/http"
	"strconv"
	"time"

	"github.com/tchow-twistedxcom/termbridge/internal/linker"
)

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.requireGET(w, r) {
		return
	}
	if s.cfg.Metrics == nil {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "metrics are disabled")
		return
	}
	s.cfg.Metrics.Handler().ServeHTTP(w, r)
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if !s.requireGET(w, r) {
		return
	}
	if s.cfg.Diagnostics == nil {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "diagnostics are unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Diagnostics())
}

type sessionView struct {
	SessionID   string    `json:"sessionId"`
	WindowID    uint64    `json:"windowId"`
	WindowHash  string    `json:"windowHash"`
	BundleID    string    `json:"bundleId,omitempty"`
	FocusID     string    `json:"focusId,omitempty"`
	Focused     bool      `json:"focused"`
	PID         int32     `json:"pid,omitempty"`
	ProcessName string    `json:"processName,omitempty"`
	Cwd         string    `json:"cwd,omitempty"`
	LinkedAt    time.Time `json:"linkedAt"`
}

func viewSession(ts linker.TerminalSession) sessionView {
	v := sessionView{
		SessionID:  ts.SessionID,
		WindowID:   uint64(ts.WindowID),
		WindowHash: ts.LegacyWindowHash(),
		BundleID:   ts.BundleID,
		Focused:    ts.IsFocused,
		LinkedAt:   ts.LinkedAt,
	}
	if ts.FocusID != nil {
		v.FocusID = *ts.FocusID
	}
	if sh := ts.Shell.Active(); sh != nil {
		v.PID = sh.PID
		v.ProcessName = sh.ProcessName
		v.Cwd = sh.CurrentWorkingDirectory
	}
	return v
}

// handleSessions lists linked sessions. ?window=<id> narrows to one window.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if !s.requireGET(w, r) {
		return
	}
	if s.cfg.Sessions == nil {
		writeJSON(w, http.StatusOK, map[string]any{"sessions": []sessionView{}})
		return
	}

	var filter *uint64
	if raw := r.URL.Query().Get("window"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "window must be a numeric id")
			return
		}
		filter = &id
	}

	views := []sessionView{}
	for _, ts := range s.cfg.Sessions() {
		if filter != nil && uint64(ts.WindowID) != *filter {
			continue
		}
		views = append(views, viewSession(ts))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": views})
}
