package window

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeObservation struct {
	ax     *fakeAX
	pid    int
	closed bool
}

func (o *fakeObservation) Close() error {
	o.ax.mu.Lock()
	defer o.ax.mu.Unlock()
	o.closed = true
	delete(o.ax.callbacks, o)
	return nil
}

type fakeAX struct {
	mu        sync.Mutex
	trusted   bool
	apps      []App
	front     *App
	windows   map[int]Window
	callbacks map[*fakeObservation]func(Event)
	observed  []int
}

func newFakeAX() *fakeAX {
	return &fakeAX{
		trusted:   true,
		windows:   make(map[int]Window),
		callbacks: make(map[*fakeObservation]func(Event)),
	}
}

func (f *fakeAX) Trusted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.trusted
}

func (f *fakeAX) RunningApps() []App {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]App(nil), f.apps...)
}

func (f *fakeAX) FrontmostApp() (App, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.front == nil {
		return App{}, false
	}
	return *f.front, true
}

func (f *fakeAX) FocusedWindow(pid int) (Window, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.windows[pid]
	return w, ok
}

func (f *fakeAX) Observe(app App, _ []Notification, fn func(Event)) (Observation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obs := &fakeObservation{ax: f, pid: app.PID}
	f.callbacks[obs] = fn
	f.observed = append(f.observed, app.PID)
	return obs, nil
}

func (f *fakeAX) setFront(app App, w Window) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.front = &app
	f.windows[app.PID] = w
}

// emit delivers ev to every live observation of pid.
func (f *fakeAX) emit(pid int, ev Event) int {
	f.mu.Lock()
	var fns []func(Event)
	for obs, fn := range f.callbacks {
		if obs.pid == pid {
			fns = append(fns, fn)
		}
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
	return len(fns)
}

func (f *fakeAX) live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.callbacks)
}

var (
	iterm   = App{PID: 100, BundleID: "com.googlecode.iterm2", Name: "iTerm2"}
	safari  = App{PID: 200, BundleID: "com.apple.Safari", Name: "Safari"}
	alfred  = App{PID: 300, BundleID: "com.runningwithcrayons.Alfred", Name: "Alfred"}
	itermW1 = Window{ID: 1, PID: 100, BundleID: "com.googlecode.iterm2", Title: "zsh", LastFocusID: "w0t0p0"}
	itermW2 = Window{ID: 2, PID: 100, BundleID: "com.googlecode.iterm2", Title: "vim", LastFocusID: "w0t1p0"}
	safariW = Window{ID: 9, PID: 200, BundleID: "com.apple.Safari", Title: "docs"}
)

func newTestObserver(ax Accessibility) *Observer {
	return NewObserver(ax, Options{
		AllowList:   []string{"com.googlecode.iterm2", "com.jetbrains.*"},
		SettleDelay: time.Millisecond,
		SelfPID:     1,
	})
}

func TestRegisterPreconditions(t *testing.T) {
	ax := newFakeAX()
	o := newTestObserver(ax)
	defer o.Close()

	tests := []struct {
		name string
		app  App
		want error
	}{
		{"self", App{PID: 1, BundleID: "dev.termbridge"}, ErrSelf},
		{"no bundle id", App{PID: 10}, ErrNoBundleID},
		{"default block list", App{PID: 11, BundleID: "com.apple.WebKit.WebContent"}, ErrBlocked},
		{"prohibited", App{PID: 12, BundleID: "com.example.agent", Policy: PolicyProhibited}, ErrProhibited},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, o.Register(tt.app, false), tt.want)
		})
	}
	assert.Zero(t, o.Tracked())

	require.NoError(t, o.Register(App{PID: 13, BundleID: "com.example.agent", Policy: PolicyAccessory}, false))
	assert.Equal(t, 1, o.Tracked())
}

func TestRegisterRefusedWhenNotTrusted(t *testing.T) {
	ax := newFakeAX()
	ax.trusted = false
	o := newTestObserver(ax)
	defer o.Close()

	assert.ErrorIs(t, o.Register(iterm, false), ErrNotTrusted)
	assert.Zero(t, o.RegisterAll())
}

func TestConfiguredBlockList(t *testing.T) {
	o := NewObserver(newFakeAX(), Options{BlockList: []string{"com.apple.Safari"}, SelfPID: 1})
	defer o.Close()
	assert.ErrorIs(t, o.Register(safari, false), ErrBlocked)
}

func TestReregisterDropsStaleEntry(t *testing.T) {
	ax := newFakeAX()
	o := newTestObserver(ax)
	defer o.Close()

	require.NoError(t, o.Register(iterm, false))
	require.NoError(t, o.Register(iterm, false))

	assert.Equal(t, 1, o.Tracked())
	assert.Equal(t, 1, ax.live(), "stale observation must be closed")

	var got []Window
	o.Subscribe(func(w Window) { got = append(got, w) })
	delivered := ax.emit(iterm.PID, Event{Notification: NotifyFocusedWindowChanged, Window: &itermW1})
	assert.Equal(t, 1, delivered)
	assert.Len(t, got, 1)
}

func TestFocusNotificationPublishesWindow(t *testing.T) {
	ax := newFakeAX()
	o := newTestObserver(ax)
	defer o.Close()
	require.NoError(t, o.Register(iterm, false))

	_, ok := o.TopmostWindow()
	assert.False(t, ok)

	ax.emit(iterm.PID, Event{Notification: NotifyFocusedWindowChanged, Window: &itermW1})
	w, ok := o.TopmostWindow()
	require.True(t, ok)
	assert.Equal(t, itermW1, w)

	// Overwrites rather than merges.
	ax.emit(iterm.PID, Event{Notification: NotifyMainWindowChanged, Window: &itermW2})
	w, _ = o.TopmostWindow()
	assert.Equal(t, itermW2, w)
}

func TestActivationRequeriesFocusedWindow(t *testing.T) {
	ax := newFakeAX()
	o := newTestObserver(ax)
	defer o.Close()
	require.NoError(t, o.Register(safari, false))

	ax.mu.Lock()
	ax.windows[safari.PID] = safariW
	ax.mu.Unlock()

	ax.emit(safari.PID, Event{Notification: NotifyApplicationActivated})
	w, ok := o.TopmostWindow()
	require.True(t, ok)
	assert.Equal(t, safariW, w)
}

func TestMoveOnlyRequeriesFrontmost(t *testing.T) {
	ax := newFakeAX()
	o := newTestObserver(ax)
	defer o.Close()
	require.NoError(t, o.Register(iterm, false))
	require.NoError(t, o.Register(safari, false))

	ax.setFront(iterm, itermW1)
	ax.mu.Lock()
	ax.windows[safari.PID] = safariW
	ax.mu.Unlock()

	ax.emit(safari.PID, Event{Notification: NotifyWindowMoved})
	_, ok := o.TopmostWindow()
	assert.False(t, ok, "background app moves are ignored")

	ax.emit(iterm.PID, Event{Notification: NotifyWindowResized})
	w, ok := o.TopmostWindow()
	require.True(t, ok)
	assert.Equal(t, itermW1, w)
}

func TestSearchBarDestroyedRequeriesFrontmost(t *testing.T) {
	ax := newFakeAX()
	o := newTestObserver(ax)
	defer o.Close()
	require.NoError(t, o.Register(alfred, false))
	require.NoError(t, o.Register(safari, false))
	ax.setFront(iterm, itermW1)

	ax.emit(safari.PID, Event{Notification: NotifyUIElementDestroyed})
	_, ok := o.TopmostWindow()
	assert.False(t, ok)

	ax.emit(alfred.PID, Event{Notification: NotifyUIElementDestroyed})
	w, ok := o.TopmostWindow()
	require.True(t, ok)
	assert.Equal(t, itermW1, w)
}

func TestRegisterFromActivationQueriesAfterSettle(t *testing.T) {
	ax := newFakeAX()
	ax.setFront(iterm, itermW1)
	o := newTestObserver(ax)
	defer o.Close()

	require.NoError(t, o.Register(iterm, true))
	assert.Eventually(t, func() bool {
		w, ok := o.TopmostWindow()
		return ok && w == itermW1
	}, time.Second, 5*time.Millisecond)
}

func TestWorkspaceActivationAndTermination(t *testing.T) {
	ax := newFakeAX()
	ax.setFront(iterm, itermW2)
	o := newTestObserver(ax)
	defer o.Close()

	ws := o.Workspace()
	ws.Activated(iterm)
	assert.Equal(t, 1, o.Tracked())
	assert.Eventually(t, func() bool {
		w, ok := o.TopmostWindow()
		return ok && w == itermW2
	}, time.Second, 5*time.Millisecond)

	ws.Terminated(iterm.PID)
	assert.Zero(t, o.Tracked())
	assert.Zero(t, ax.live())
	assert.False(t, o.Deregister(iterm.PID), "already gone")
}

func TestRegisterAllStartsWithFrontmost(t *testing.T) {
	ax := newFakeAX()
	ax.apps = []App{safari, iterm, {PID: 1, BundleID: "dev.termbridge"}}
	ax.setFront(iterm, itermW1)
	o := newTestObserver(ax)
	defer o.Close()

	require.NoError(t, o.Register(alfred, false))
	n := o.RegisterAll()

	assert.Equal(t, 2, n, "self is skipped and earlier registrations are dropped")
	assert.Equal(t, []App{iterm, safari}, o.TrackedApps())
	ax.mu.Lock()
	observed := append([]int(nil), ax.observed...)
	ax.mu.Unlock()
	assert.Equal(t, []int{alfred.PID, iterm.PID, safari.PID}, observed)

	assert.Eventually(t, func() bool {
		_, ok := o.AllowListedWindow()
		return ok
	}, time.Second, 5*time.Millisecond)

	o.TrustChanged(false)
	assert.Zero(t, o.Tracked())
	assert.Zero(t, ax.live())
}

func TestStaleCallbacksIgnored(t *testing.T) {
	ax := newFakeAX()
	o := newTestObserver(ax)
	defer o.Close()
	require.NoError(t, o.Register(iterm, false))

	var fn func(Event)
	ax.mu.Lock()
	for _, f := range ax.callbacks {
		fn = f
	}
	ax.mu.Unlock()

	o.AppTerminated(iterm.PID)
	fn(Event{Notification: NotifyFocusedWindowChanged, Window: &itermW1})
	_, ok := o.TopmostWindow()
	assert.False(t, ok)
}

func TestAllowListedWindow(t *testing.T) {
	ax := newFakeAX()
	o := newTestObserver(ax)
	defer o.Close()
	require.NoError(t, o.Register(safari, false))
	require.NoError(t, o.Register(iterm, false))

	ax.emit(safari.PID, Event{Notification: NotifyFocusedWindowChanged, Window: &safariW})
	_, ok := o.AllowListedWindow()
	assert.False(t, ok)

	ax.emit(iterm.PID, Event{Notification: NotifyFocusedWindowChanged, Window: &itermW1})
	w, ok := o.AllowListedWindow()
	require.True(t, ok)
	assert.Equal(t, itermW1.ID, w.ID)
}

func TestMatchAllowList(t *testing.T) {
	patterns := []string{"com.googlecode.iterm2", "com.jetbrains.*", "[bad"}
	assert.True(t, MatchAllowList(patterns, "com.googlecode.iterm2"))
	assert.True(t, MatchAllowList(patterns, "com.jetbrains.goland"))
	assert.True(t, MatchAllowList(patterns, "[bad"))
	assert.False(t, MatchAllowList(patterns, "com.apple.Safari"))
	assert.False(t, MatchAllowList(patterns, ""))
}

func TestSubscribersNotifiedOnChangeOnly(t *testing.T) {
	ax := newFakeAX()
	o := newTestObserver(ax)
	defer o.Close()
	require.NoError(t, o.Register(iterm, false))

	var first, second []WindowID
	o.Subscribe(func(w Window) { first = append(first, w.ID) })
	unsub := o.Subscribe(func(w Window) { second = append(second, w.ID) })

	ax.emit(iterm.PID, Event{Notification: NotifyFocusedWindowChanged, Window: &itermW1})
	ax.emit(iterm.PID, Event{Notification: NotifyFocusedWindowChanged, Window: &itermW1})
	unsub()
	ax.emit(iterm.PID, Event{Notification: NotifyFocusedWindowChanged, Window: &itermW2})

	assert.Equal(t, []WindowID{1, 2}, first)
	assert.Equal(t, []WindowID{1}, second)
}

func TestStaticAccessibilityNeverTracks(t *testing.T) {
	o := NewObserver(StaticAccessibility{}, Options{})
	defer o.Close()
	assert.ErrorIs(t, o.Register(iterm, true), ErrNotTrusted)
	assert.Zero(t, o.RegisterAll())
}
