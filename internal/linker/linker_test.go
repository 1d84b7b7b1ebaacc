package linker

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tchow-twistedxcom/termbridge/internal/dispatch"
	"github.com/tchow-twistedxcom/termbridge/internal/ipc"
	"github.com/tchow-twistedxcom/termbridge/internal/window"
)

type fixedWindow struct {
	mu sync.Mutex
	w  *window.Window
}

func (f *fixedWindow) set(w *window.Window) {
	f.mu.Lock()
	f.w = w
	f.mu.Unlock()
}

func (f *fixedWindow) AllowListedWindow() (window.Window, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.w == nil {
		return window.Window{}, false
	}
	return *f.w, true
}

func ptr[T any](v T) *T { return &v }

func focusedCount(l *Linker, windowID window.WindowID) int {
	n := 0
	for _, s := range l.Sessions() {
		if s.WindowID == windowID && s.IsFocused {
			n++
		}
	}
	return n
}

func TestAtMostOneFocusedPerWindow(t *testing.T) {
	l := New(&fixedWindow{}, nil)
	rng := rand.New(rand.NewSource(1))
	ids := []string{"a", "b", "c", "d", "e"}

	for i := 0; i < 500; i++ {
		var focus *bool
		switch rng.Intn(3) {
		case 0:
			focus = ptr(true)
		case 1:
			focus = ptr(false)
		}
		l.Link(42, "term", ids[rng.Intn(len(ids))], nil, focus)
		require.LessOrEqual(t, focusedCount(l, 42), 1, "after call %d", i)
	}
}

func TestResetFocusForAllSessions(t *testing.T) {
	l := New(&fixedWindow{}, nil)
	l.Link(42, "term", "b", nil, ptr(false))
	l.Link(42, "term", "a", nil, ptr(true))

	a, ok := l.FocusedSession(42)
	require.True(t, ok)
	require.Equal(t, "a", a.SessionID)

	l.ResetFocusForAllSessions(42)

	a, ok = l.Session("a")
	require.True(t, ok)
	b, ok := l.Session("b")
	require.True(t, ok)
	assert.False(t, a.IsFocused)
	assert.False(t, b.IsFocused)
	_, ok = l.FocusedSession(42)
	assert.False(t, ok)
	assert.Equal(t, 2, l.Len(), "reset removes nothing")
}

func TestDefaultFocus(t *testing.T) {
	l := New(&fixedWindow{}, nil)

	s := l.Link(42, "term", "c", nil, nil)
	assert.False(t, s.IsFocused)

	s = l.Link(42, "term", "c", nil, ptr(true))
	assert.True(t, s.IsFocused)

	s = l.Link(42, "term", "c", nil, nil)
	assert.True(t, s.IsFocused, "previous focus is preserved")

	got, ok := l.FocusedSession(42)
	require.True(t, ok)
	assert.Equal(t, "c", got.SessionID)
}

func TestLinkClearsOtherFocus(t *testing.T) {
	l := New(&fixedWindow{}, nil)
	l.Link(42, "term", "a", nil, ptr(true))
	l.Link(42, "term", "b", nil, ptr(true))

	got, ok := l.FocusedSession(42)
	require.True(t, ok)
	assert.Equal(t, "b", got.SessionID)
	a, _ := l.Session("a")
	assert.False(t, a.IsFocused)
}

func TestRelinkMovesSessionBetweenWindows(t *testing.T) {
	l := New(&fixedWindow{}, nil)
	l.Link(1, "term", "a", ptr("t1"), ptr(true))
	require.True(t, l.SetShellContext("a", &ipc.ShellContext{PID: 9, SessionID: "a"}))
	require.True(t, l.SetEditBuffer("a", ipc.EditBuffer{Text: "ls", Cursor: 2}))

	s := l.Link(2, "term", "a", ptr("t7"), nil)
	assert.False(t, s.IsFocused, "focus does not follow into another window")

	win, ok := l.WindowFor("a")
	require.True(t, ok)
	assert.Equal(t, window.WindowID(2), win)
	assert.Len(t, l.Sessions(), 1)
	_, ok = l.FocusedSession(1)
	assert.False(t, ok)

	got, _ := l.Session("a")
	require.NotNil(t, got.Shell)
	assert.Equal(t, int32(9), got.Shell.PID)
	require.NotNil(t, got.EditBuffer)
	assert.Equal(t, "ls|", got.EditBuffer.Representation())
	assert.Equal(t, "t7", *got.FocusID)
	assert.Equal(t, "2/t7%", got.LegacyWindowHash())
}

func TestLinkWithFrontmostWindowErrors(t *testing.T) {
	src := &fixedWindow{}
	l := New(src, nil)

	_, err := l.LinkWithFrontmostWindow(nil, nil)
	assert.ErrorIs(t, err, ErrNoTerminalSessionID)
	assert.ErrorIs(t, err, ErrLinking)

	_, err = l.LinkWithFrontmostWindow(ptr("a"), nil)
	assert.ErrorIs(t, err, ErrNoWindowCandidate)

	src.set(&window.Window{ID: 5})
	_, err = l.LinkWithFrontmostWindow(ptr("a"), nil)
	assert.ErrorIs(t, err, ErrNoFrontmostApplication)

	src.set(&window.Window{ID: 5, BundleID: "io.alacritty", LastFocusID: "pane-3"})
	s, err := l.LinkWithFrontmostWindow(ptr("a"), ptr(true))
	require.NoError(t, err)
	assert.Equal(t, window.WindowID(5), s.WindowID)
	assert.Equal(t, "io.alacritty", s.BundleID)
	require.NotNil(t, s.FocusID)
	assert.Equal(t, "pane-3", *s.FocusID)
	assert.True(t, s.IsFocused)
}

func TestFocusedSessionPanicsOnBrokenInvariant(t *testing.T) {
	l := New(&fixedWindow{}, nil)
	l.Link(42, "term", "a", nil, ptr(true))
	l.Link(42, "term", "b", nil, nil)

	l.mu.Lock()
	b := l.sessions[42]["b"]
	b.IsFocused = true
	l.sessions[42]["b"] = b
	l.mu.Unlock()

	assert.Panics(t, func() { l.FocusedSession(42) })
}

func TestEviction(t *testing.T) {
	l := New(&fixedWindow{}, nil)
	now := time.Unix(1000, 0)
	l.now = func() time.Time { return now }

	l.Link(1, "term", "old", nil, nil)
	now = now.Add(time.Hour)
	l.Link(1, "term", "fresh", nil, nil)
	l.Link(2, "term", "other", nil, nil)

	assert.Equal(t, 1, l.EvictIdle(30*time.Minute))
	_, ok := l.Session("old")
	assert.False(t, ok)
	assert.Equal(t, 2, l.Len())

	assert.Equal(t, 1, l.EvictWindow(2))
	_, ok = l.WindowFor("other")
	assert.False(t, ok)
	assert.Equal(t, 0, l.EvictWindow(99))
	assert.Equal(t, 1, l.Len())
}

func TestRunIdleEvictionDisabled(t *testing.T) {
	l := New(&fixedWindow{}, nil)
	done := make(chan struct{})
	go func() {
		l.RunIdleEviction(context.Background(), 0)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("zero ttl should return immediately")
	}
}

func TestUnknownSessionAttachIgnored(t *testing.T) {
	l := New(&fixedWindow{}, nil)
	assert.False(t, l.SetShellContext("nope", &ipc.ShellContext{PID: 1}))
	assert.False(t, l.SetEditBuffer("nope", ipc.EditBuffer{}))
	assert.Zero(t, l.Len())
}

func TestHookDrivenTransitions(t *testing.T) {
	src := &fixedWindow{}
	l := New(src, nil)
	d := dispatch.New(nil)
	l.Subscribe(d, func(pid int32) string { return "/from/proc" })
	ctx := context.Background()

	editBuffer := func(session, text string, cursor int64) {
		d.DispatchHook(ctx, &ipc.Hook{Body: &ipc.EditBufferHook{
			Context: &ipc.ShellContext{PID: 77, SessionID: session, ProcessName: "zsh"},
			Text:    text,
			Cursor:  cursor,
		}})
	}

	// No terminal window yet.
	editBuffer("s1", "git", 3)
	assert.Zero(t, l.Len())

	w := window.Window{ID: 42, BundleID: "com.googlecode.iterm2", LastFocusID: "w0t0p0"}
	src.set(&w)
	editBuffer("s1", "git st", 3)

	got, ok := l.FocusedSession(42)
	require.True(t, ok)
	assert.Equal(t, "s1", got.SessionID)
	require.NotNil(t, got.Shell)
	assert.Equal(t, "/from/proc", got.Shell.CurrentWorkingDirectory)
	assert.Equal(t, "git| st", got.EditBuffer.Representation())

	// Focus change from another app is ignored.
	d.DispatchHook(ctx, &ipc.Hook{Body: &ipc.KeyboardFocusChangedHook{AppIdentifier: "com.apple.Safari"}})
	_, ok = l.FocusedSession(42)
	assert.True(t, ok)

	// Focus change inside the terminal opens the gap.
	d.DispatchHook(ctx, &ipc.Hook{Body: &ipc.KeyboardFocusChangedHook{AppIdentifier: "com.googlecode.iterm2"}})
	_, ok = l.FocusedSession(42)
	assert.False(t, ok)

	editBuffer("s2", "", 0)
	got, ok = l.FocusedSession(42)
	require.True(t, ok)
	assert.Equal(t, "s2", got.SessionID)

	d.DispatchHook(ctx, &ipc.Hook{Body: &ipc.PromptHook{Context: &ipc.ShellContext{
		PID: 77, SessionID: "s1", CurrentWorkingDirectory: "/repo",
	}}})
	s1, _ := l.Session("s1")
	assert.Equal(t, "/repo", s1.Shell.CurrentWorkingDirectory)
	assert.False(t, s1.IsFocused)
}

func TestShellContextUsesRemote(t *testing.T) {
	c := &ipc.ShellContext{
		PID:       10,
		SessionID: "s",
		RemoteContext: &ipc.ShellContext{
			PID:                     200,
			ProcessName:             "bash",
			CurrentWorkingDirectory: "/srv",
			Hostname:                "box",
		},
	}
	got := shellContext(c, func(int32) string { return "/local" })
	require.NotNil(t, got)
	assert.Equal(t, int32(200), got.PID)
	assert.Equal(t, "s", got.SessionID)
	assert.Equal(t, "/srv", got.CurrentWorkingDirectory)

	assert.Nil(t, shellContext(&ipc.ShellContext{SessionID: "s"}, nil), "pid required")
	assert.Nil(t, shellContext(nil, nil))
}
