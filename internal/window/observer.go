package window

import (
	"errors"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/tchow-twistedxcom/termbridge/internal/logging"
	"github.com/tchow-twistedxcom/termbridge/internal/metrics"
)

var windowLog = logging.ForComponent(logging.CompWindow)

var (
	ErrNotTrusted  = errors.New("window: accessibility not trusted")
	ErrSelf        = errors.New("window: refusing to track own process")
	ErrBlocked     = errors.New("window: application is block-listed")
	ErrNoBundleID  = errors.New("window: application has no bundle identifier")
	ErrProhibited  = errors.New("window: application activation policy is prohibited")
	ErrObserverEnd = errors.New("window: observer closed")
)

// DefaultBlockList holds helper processes that own no user-facing windows.
var DefaultBlockList = []string{
	"com.apple.ViewBridgeAuxiliary",
	"com.apple.notificationcenterui",
	"com.apple.WebKit.WebContent",
	"com.apple.WebKit.Networking",
}

// searchBarApps close their panel without a focus notification, so the
// frontmost app is re-queried when one of their elements is destroyed.
var searchBarApps = map[string]bool{
	"com.apple.Spotlight":           true,
	"com.runningwithcrayons.Alfred": true,
	"com.raycast.macos":             true,
}

// Options configures an Observer.
type Options struct {
	// AllowList holds bundle id patterns (doublestar syntax) of terminals
	AllowList []string

	// BlockList extends DefaultBlockList
	BlockList []string

	// SettleDelay postpones the focused-window query after an activation
	SettleDelay time.Duration

	// SelfPID is the host's own pid (default: os.Getpid())
	SelfPID int

	Metrics *metrics.Metrics
}

type trackID uint64

type trackedApp struct {
	id  trackID
	app App
	obs Observation
}

// Observer publishes the topmost window across every tracked application.
// Tracked applications live in an arena keyed by trackID; backend callbacks
// carry the id and stale ids are ignored.
type Observer struct {
	ax      Accessibility
	opts    Options
	blocked map[string]bool

	mu        sync.Mutex
	nextID    trackID
	apps      map[trackID]*trackedApp
	byPID     map[int]trackID
	topmost   *Window
	listeners map[int]func(Window)
	nextSub   int
	timers    map[*time.Timer]struct{}
	closed    bool
}

// NewObserver creates an observer over ax. Nothing is tracked until Register
// or RegisterAll is called.
func NewObserver(ax Accessibility, opts Options) *Observer {
	if opts.SelfPID == 0 {
		opts.SelfPID = os.Getpid()
	}
	if opts.SettleDelay < 0 {
		opts.SettleDelay = 0
	}
	blocked := make(map[string]bool, len(DefaultBlockList)+len(opts.BlockList))
	for _, id := range DefaultBlockList {
		blocked[id] = true
	}
	for _, id := range opts.BlockList {
		blocked[id] = true
	}
	return &Observer{
		ax:        ax,
		opts:      opts,
		blocked:   blocked,
		apps:      make(map[trackID]*trackedApp),
		byPID:     make(map[int]trackID),
		listeners: make(map[int]func(Window)),
		timers:    make(map[*time.Timer]struct{}),
	}
}

// Register starts observing app. An app that is already tracked is
// deregistered first so notifications are never delivered twice. With
// fromActivation the focused window is queried after the settle delay, since
// no notification fires for a focus that already happened.
func (o *Observer) Register(app App, fromActivation bool) error {
	if !o.ax.Trusted() {
		return ErrNotTrusted
	}
	switch {
	case app.PID == o.opts.SelfPID:
		return ErrSelf
	case app.BundleID == "":
		return ErrNoBundleID
	case o.blocked[app.BundleID]:
		return ErrBlocked
	case app.Policy == PolicyProhibited:
		return ErrProhibited
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrObserverEnd
	}
	stale := o.removeLocked(app.PID)
	o.nextID++
	id := o.nextID
	rec := &trackedApp{id: id, app: app}
	o.apps[id] = rec
	o.byPID[app.PID] = id
	o.mu.Unlock()

	if stale != nil {
		o.closeObservation(stale)
		windowLog.Debug("app_reregistered",
			slog.Int("pid", app.PID),
			slog.String("bundle_id", app.BundleID))
	}

	obs, err := o.ax.Observe(app, Notifications, func(ev Event) { o.handle(id, ev) })
	if err != nil {
		o.mu.Lock()
		if cur, ok := o.byPID[app.PID]; ok && cur == id {
			delete(o.byPID, app.PID)
		}
		delete(o.apps, id)
		o.mu.Unlock()
		return err
	}

	o.mu.Lock()
	_, live := o.apps[id]
	if live {
		rec.obs = obs
	}
	tracked := len(o.apps)
	o.mu.Unlock()
	if !live {
		// Deregistered while Observe was running.
		_ = obs.Close()
		return nil
	}

	o.opts.Metrics.SetTrackedApps(tracked)
	windowLog.Debug("app_registered",
		slog.Int("pid", app.PID),
		slog.String("bundle_id", app.BundleID),
		slog.Bool("from_activation", fromActivation))

	if fromActivation {
		o.schedule(o.opts.SettleDelay, func() { o.queryFocused(id) })
	}
	return nil
}

// Deregister stops observing the process with pid. It reports whether the
// process was tracked.
func (o *Observer) Deregister(pid int) bool {
	o.mu.Lock()
	rec := o.removeLocked(pid)
	tracked := len(o.apps)
	o.mu.Unlock()
	if rec == nil {
		return false
	}
	o.closeObservation(rec)
	o.opts.Metrics.SetTrackedApps(tracked)
	windowLog.Debug("app_deregistered", slog.Int("pid", pid), slog.String("bundle_id", rec.app.BundleID))
	return true
}

func (o *Observer) removeLocked(pid int) *trackedApp {
	id, ok := o.byPID[pid]
	if !ok {
		return nil
	}
	rec := o.apps[id]
	delete(o.byPID, pid)
	delete(o.apps, id)
	return rec
}

func (o *Observer) closeObservation(rec *trackedApp) {
	if rec.obs == nil {
		return
	}
	if err := rec.obs.Close(); err != nil {
		windowLog.Warn("observation_close_failed",
			slog.Int("pid", rec.app.PID),
			slog.String("error", err.Error()))
	}
}

// RegisterAll re-registers every running application, starting with the
// frontmost one. It is called when inspection permission is granted. It
// returns the number of tracked applications.
func (o *Observer) RegisterAll() int {
	o.DeregisterAll()
	if !o.ax.Trusted() {
		windowLog.Info("register_all_skipped", slog.String("reason", "not trusted"))
		return 0
	}

	frontPID := -1
	if front, ok := o.ax.FrontmostApp(); ok {
		frontPID = front.PID
		if err := o.Register(front, true); err != nil {
			windowLog.Debug("register_skipped", slog.Int("pid", front.PID), slog.String("reason", err.Error()))
		}
	}
	for _, app := range o.ax.RunningApps() {
		if app.PID == frontPID {
			continue
		}
		if err := o.Register(app, false); err != nil {
			windowLog.Debug("register_skipped", slog.Int("pid", app.PID), slog.String("reason", err.Error()))
		}
	}

	n := o.Tracked()
	windowLog.Info("register_all", slog.Int("tracked", n))
	return n
}

// DeregisterAll drops every registration. It is called when inspection
// permission is revoked.
func (o *Observer) DeregisterAll() {
	o.mu.Lock()
	recs := make([]*trackedApp, 0, len(o.apps))
	for _, rec := range o.apps {
		recs = append(recs, rec)
	}
	o.apps = make(map[trackID]*trackedApp)
	o.byPID = make(map[int]trackID)
	o.mu.Unlock()

	for _, rec := range recs {
		o.closeObservation(rec)
	}
	o.opts.Metrics.SetTrackedApps(0)
}

// AppActivated handles a workspace activation.
func (o *Observer) AppActivated(app App) {
	if err := o.Register(app, true); err != nil {
		windowLog.Debug("register_skipped", slog.Int("pid", app.PID), slog.String("reason", err.Error()))
	}
}

// AppTerminated handles a workspace termination.
func (o *Observer) AppTerminated(pid int) {
	o.Deregister(pid)
}

// TrustChanged handles permission grants and revocations.
func (o *Observer) TrustChanged(trusted bool) {
	windowLog.Info("accessibility_trust_changed", slog.Bool("trusted", trusted))
	if trusted {
		o.RegisterAll()
		return
	}
	o.DeregisterAll()
}

// Workspace returns callbacks that route backend lifecycle events to o.
func (o *Observer) Workspace() Workspace {
	return Workspace{
		Activated:    o.AppActivated,
		Terminated:   o.AppTerminated,
		TrustChanged: o.TrustChanged,
	}
}

func (o *Observer) lookup(id trackID) (App, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.apps[id]
	if !ok {
		return App{}, false
	}
	return rec.app, true
}

func (o *Observer) handle(id trackID, ev Event) {
	app, ok := o.lookup(id)
	if !ok {
		windowLog.Debug("stale_notification", slog.String("notification", string(ev.Notification)))
		return
	}

	switch ev.Notification {
	case NotifyFocusedWindowChanged, NotifyMainWindowChanged:
		if ev.Window != nil {
			o.publish(*ev.Window)
			return
		}
		o.queryFocused(id)
	case NotifyApplicationShown, NotifyApplicationActivated:
		o.queryFocused(id)
	case NotifyWindowMoved, NotifyWindowResized:
		if front, ok := o.ax.FrontmostApp(); ok && front.PID == app.PID {
			o.queryFocused(id)
		}
	case NotifyUIElementDestroyed:
		if searchBarApps[app.BundleID] {
			o.queryFrontmost()
		}
	default:
		logging.Aggregate(logging.CompWindow, "notification_ignored",
			slog.String("notification", string(ev.Notification)),
			slog.String("bundle_id", app.BundleID))
	}
}

func (o *Observer) queryFocused(id trackID) {
	app, ok := o.lookup(id)
	if !ok {
		return
	}
	if w, ok := o.ax.FocusedWindow(app.PID); ok {
		o.publish(w)
	}
}

func (o *Observer) queryFrontmost() {
	front, ok := o.ax.FrontmostApp()
	if !ok {
		return
	}
	if w, ok := o.ax.FocusedWindow(front.PID); ok {
		o.publish(w)
	}
}

// publish overwrites the topmost window and notifies listeners on change.
func (o *Observer) publish(w Window) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	changed := o.topmost == nil || *o.topmost != w
	o.topmost = &w
	var fns []func(Window)
	if changed {
		fns = o.listenersLocked()
	}
	o.mu.Unlock()

	if !changed {
		return
	}
	o.opts.Metrics.RecordWindowChange()
	windowLog.Debug("window_changed",
		slog.Uint64("window_id", uint64(w.ID)),
		slog.String("bundle_id", w.BundleID),
		slog.String("title", w.Title),
		slog.String("focus_id", w.LastFocusID))
	for _, fn := range fns {
		fn(w)
	}
}

func (o *Observer) listenersLocked() []func(Window) {
	ids := make([]int, 0, len(o.listeners))
	for id := range o.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Window), len(ids))
	for i, id := range ids {
		fns[i] = o.listeners[id]
	}
	return fns
}

// Subscribe calls fn with every new topmost window, in subscription order.
// fn runs on the goroutine that observed the change and must not block.
// The returned function removes the subscription.
func (o *Observer) Subscribe(fn func(Window)) (unsubscribe func()) {
	o.mu.Lock()
	o.nextSub++
	id := o.nextSub
	o.listeners[id] = fn
	o.mu.Unlock()
	return func() {
		o.mu.Lock()
		delete(o.listeners, id)
		o.mu.Unlock()
	}
}

// TopmostWindow returns the most recently published window.
func (o *Observer) TopmostWindow() (Window, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.topmost == nil {
		return Window{}, false
	}
	return *o.topmost, true
}

// AllowListedWindow returns the topmost window when it belongs to an
// allow-listed terminal.
func (o *Observer) AllowListedWindow() (Window, bool) {
	w, ok := o.TopmostWindow()
	if !ok || !o.IsAllowListed(w.BundleID) {
		return Window{}, false
	}
	return w, true
}

// IsAllowListed reports whether bundleID matches an allow-list pattern.
func (o *Observer) IsAllowListed(bundleID string) bool {
	return MatchAllowList(o.opts.AllowList, bundleID)
}

// MatchAllowList reports whether bundleID equals or matches one of patterns.
// Invalid patterns never match.
func MatchAllowList(patterns []string, bundleID string) bool {
	if bundleID == "" {
		return false
	}
	for _, p := range patterns {
		if p == bundleID {
			return true
		}
		if ok, err := doublestar.Match(p, bundleID); err == nil && ok {
			return true
		}
	}
	return false
}

// Tracked returns the number of tracked applications.
func (o *Observer) Tracked() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.apps)
}

// TrackedApps returns the tracked applications sorted by pid.
func (o *Observer) TrackedApps() []App {
	o.mu.Lock()
	out := make([]App, 0, len(o.apps))
	for _, rec := range o.apps {
		out = append(out, rec.app)
	}
	o.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

// Trusted reports the backend's inspection permission.
func (o *Observer) Trusted() bool {
	return o.ax.Trusted()
}

func (o *Observer) schedule(d time.Duration, fn func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		o.mu.Lock()
		delete(o.timers, t)
		closed := o.closed
		o.mu.Unlock()
		if !closed {
			fn()
		}
	})
	o.timers[t] = struct{}{}
}

// Close stops pending queries and drops every registration.
func (o *Observer) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	for t := range o.timers {
		t.Stop()
	}
	o.timers = nil
	o.mu.Unlock()

	o.DeregisterAll()
}
