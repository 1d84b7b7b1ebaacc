// Package linker maps terminal sessions to the windows hosting them and
// tracks which session in each window owns keyboard focus.
package linker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/tchow-twistedxcom/termbridge/internal/ipc"
	"github.com/tchow-twistedxcom/termbridge/internal/logging"
	"github.com/tchow-twistedxcom/termbridge/internal/metrics"
	"github.com/tchow-twistedxcom/termbridge/internal/window"
)

var linkLog = logging.ForComponent(logging.CompLinker)

// Linking errors. Callers treat them as "try again on the next event".
var (
	ErrLinking                = errors.New("linker: cannot link session")
	ErrNoTerminalSessionID    = fmt.Errorf("%w: no terminal session id", ErrLinking)
	ErrNoWindowCandidate      = fmt.Errorf("%w: no window candidate available", ErrLinking)
	ErrNoFrontmostApplication = fmt.Errorf("%w: could not determine frontmost application", ErrLinking)
)

// WindowSource reports the topmost window of an allow-listed terminal.
type WindowSource interface {
	AllowListedWindow() (window.Window, bool)
}

// TerminalSession links a shell session to the window hosting it.
type TerminalSession struct {
	WindowID  window.WindowID
	BundleID  string
	SessionID string
	FocusID   *string
	IsFocused bool

	Shell      *ipc.ShellContext
	EditBuffer *ipc.EditBuffer

	// LinkedAt is the time of the last Link call for this session
	LinkedAt time.Time
}

// LegacyWindowHash is the "<window>/<focus>%" identifier older consumers key
// windows by.
func (s TerminalSession) LegacyWindowHash() string {
	focus := ""
	if s.FocusID != nil {
		focus = *s.FocusID
	}
	return strconv.FormatUint(uint64(s.WindowID), 10) + "/" + focus + "%"
}

// Linker owns the window -> session map. Every read and write goes through
// its mutex; the window source is always queried before the lock is taken.
type Linker struct {
	windows WindowSource
	metrics *metrics.Metrics
	now     func() time.Time

	mu       sync.Mutex
	sessions map[window.WindowID]map[string]TerminalSession
	index    map[string]window.WindowID
}

// New creates an empty linker. m may be nil.
func New(windows WindowSource, m *metrics.Metrics) *Linker {
	return &Linker{
		windows:  windows,
		metrics:  m,
		now:      time.Now,
		sessions: make(map[window.WindowID]map[string]TerminalSession),
		index:    make(map[string]window.WindowID),
	}
}

// Link records sessionID under windowID. When isFocused is nil the session
// keeps its previous focus state under that window, else false. Every other
// session in the window loses focus. A session linked under a new window
// moves out of its previous window; attached shell context and edit buffer
// are carried over.
func (l *Linker) Link(windowID window.WindowID, bundleID, sessionID string, focusID *string, isFocused *bool) TerminalSession {
	l.mu.Lock()
	defer l.mu.Unlock()

	var prev *TerminalSession
	if oldWin, ok := l.index[sessionID]; ok {
		if s, ok := l.sessions[oldWin][sessionID]; ok {
			prev = &s
		}
		if oldWin != windowID {
			l.removeLocked(oldWin, sessionID)
		}
	}

	focused := false
	switch {
	case isFocused != nil:
		focused = *isFocused
	case prev != nil && prev.WindowID == windowID:
		focused = prev.IsFocused
	}

	sess := TerminalSession{
		WindowID:  windowID,
		BundleID:  bundleID,
		SessionID: sessionID,
		FocusID:   cloneString(focusID),
		IsFocused: focused,
		LinkedAt:  l.now(),
	}
	if prev != nil {
		sess.Shell = prev.Shell
		sess.EditBuffer = prev.EditBuffer
	}

	l.resetFocusLocked(windowID)
	bucket, ok := l.sessions[windowID]
	if !ok {
		bucket = make(map[string]TerminalSession)
		l.sessions[windowID] = bucket
	}
	bucket[sessionID] = sess
	l.index[sessionID] = windowID
	l.metrics.SetSessionsLinked(len(l.index))

	if prev == nil || prev.WindowID != windowID || prev.IsFocused != focused {
		linkLog.Debug("session_linked",
			slog.String("session", sessionID),
			slog.Uint64("window_id", uint64(windowID)),
			slog.String("bundle_id", bundleID),
			slog.Bool("focused", focused))
	}
	return sess
}

// LinkWithFrontmostWindow links sessionID to the current allow-listed
// topmost window, using the window's focus token.
func (l *Linker) LinkWithFrontmostWindow(sessionID *string, isFocused *bool) (TerminalSession, error) {
	if sessionID == nil || *sessionID == "" {
		return TerminalSession{}, ErrNoTerminalSessionID
	}
	w, ok := l.windows.AllowListedWindow()
	if !ok {
		return TerminalSession{}, ErrNoWindowCandidate
	}
	if w.BundleID == "" {
		return TerminalSession{}, ErrNoFrontmostApplication
	}
	var focusID *string
	if w.LastFocusID != "" {
		focusID = &w.LastFocusID
	}
	return l.Link(w.ID, w.BundleID, *sessionID, focusID, isFocused), nil
}

// ResetFocusForAllSessions clears the focus flag of every session in
// windowID without removing any.
func (l *Linker) ResetFocusForAllSessions(windowID window.WindowID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resetFocusLocked(windowID)
}

func (l *Linker) resetFocusLocked(windowID window.WindowID) {
	for id, s := range l.sessions[windowID] {
		if s.IsFocused {
			s.IsFocused = false
			l.sessions[windowID][id] = s
		}
	}
}

// FocusedSession returns the focused session of windowID. More than one
// focused session in a window is a broken invariant and panics.
func (l *Linker) FocusedSession(windowID window.WindowID) (TerminalSession, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var found *TerminalSession
	for _, s := range l.sessions[windowID] {
		if !s.IsFocused {
			continue
		}
		if found != nil {
			panic(fmt.Sprintf("linker: window %d has focused sessions %q and %q", windowID, found.SessionID, s.SessionID))
		}
		s := s
		found = &s
	}
	if found == nil {
		return TerminalSession{}, false
	}
	return *found, true
}

// WindowFor returns the window sessionID is linked to.
func (l *Linker) WindowFor(sessionID string) (window.WindowID, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for windowID, bucket := range l.sessions {
		if _, ok := bucket[sessionID]; ok {
			return windowID, true
		}
	}
	return 0, false
}

// Session returns the record of sessionID.
func (l *Linker) Session(sessionID string) (TerminalSession, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sessionLocked(sessionID)
}

func (l *Linker) sessionLocked(sessionID string) (TerminalSession, bool) {
	windowID, ok := l.index[sessionID]
	if !ok {
		return TerminalSession{}, false
	}
	s, ok := l.sessions[windowID][sessionID]
	return s, ok
}

// Sessions returns a snapshot of every session sorted by window then id.
func (l *Linker) Sessions() []TerminalSession {
	l.mu.Lock()
	out := make([]TerminalSession, 0, len(l.index))
	for _, bucket := range l.sessions {
		for _, s := range bucket {
			out = append(out, s)
		}
	}
	l.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].WindowID != out[j].WindowID {
			return out[i].WindowID < out[j].WindowID
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out
}

// Len returns the number of linked sessions.
func (l *Linker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.index)
}

// SetShellContext attaches ctx to a linked session. Unknown sessions are
// ignored.
func (l *Linker) SetShellContext(sessionID string, ctx *ipc.ShellContext) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sessionLocked(sessionID)
	if !ok {
		return false
	}
	c := *ctx
	s.Shell = &c
	l.sessions[s.WindowID][sessionID] = s
	return true
}

// SetEditBuffer attaches the current command line to a linked session.
func (l *Linker) SetEditBuffer(sessionID string, buf ipc.EditBuffer) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sessionLocked(sessionID)
	if !ok {
		return false
	}
	s.EditBuffer = &buf
	l.sessions[s.WindowID][sessionID] = s
	return true
}

// EvictWindow drops every session of windowID and returns how many there were.
func (l *Linker) EvictWindow(windowID window.WindowID) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	bucket := l.sessions[windowID]
	for id := range bucket {
		delete(l.index, id)
	}
	delete(l.sessions, windowID)
	l.metrics.SetSessionsLinked(len(l.index))
	return len(bucket)
}

// EvictIdle drops sessions not linked within olderThan.
func (l *Linker) EvictIdle(olderThan time.Duration) int {
	cutoff := l.now().Add(-olderThan)

	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for windowID, bucket := range l.sessions {
		for id, s := range bucket {
			if s.LinkedAt.Before(cutoff) {
				l.removeLocked(windowID, id)
				n++
			}
		}
	}
	l.metrics.SetSessionsLinked(len(l.index))
	return n
}

func (l *Linker) removeLocked(windowID window.WindowID, sessionID string) {
	bucket := l.sessions[windowID]
	delete(bucket, sessionID)
	if len(bucket) == 0 {
		delete(l.sessions, windowID)
	}
	if cur, ok := l.index[sessionID]; ok && cur == windowID {
		delete(l.index, sessionID)
	}
}

// RunIdleEviction evicts idle sessions until ctx is done. A non-positive ttl
// keeps sessions forever.
func (l *Linker) RunIdleEviction(ctx context.Context, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	ticker := time.NewTicker(ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.EvictIdle(ttl); n > 0 {
				linkLog.Info("sessions_evicted", slog.Int("count", n), slog.Duration("ttl", ttl))
			}
		}
	}
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
