package window

import (
	"bytes"
	"context"
	"log/slog"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/tchow-twistedxcom/termbridge/internal/logging"
)

// TmuxBundleID is the bundle id reported for every tmux client.
const TmuxBundleID = "tmux"

// Runner executes a tmux subcommand and returns its stdout.
type Runner func(ctx context.Context, args ...string) ([]byte, error)

// ExecRunner runs the tmux binary on PATH.
func ExecRunner(ctx context.Context, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, "tmux", args...).Output()
	if err != nil {
		return nil, errors.Wrapf(err, "tmux %s", strings.Join(args, " "))
	}
	return out, nil
}

// One line per attached client. Fields are tab separated.
const clientFormat = "#{client_pid}\t#{client_tty}\t#{session_name}\t#{window_id}\t#{window_name}\t#{pane_id}\t#{client_activity}\t#{window_width}\t#{window_height}"

type tmuxClient struct {
	app      App
	tty      string
	window   Window
	activity int64
}

func parseClients(out []byte) ([]tmuxClient, error) {
	var clients []tmuxClient
	for _, line := range strings.Split(string(bytes.TrimSpace(out)), "\n") {
		if line == "" {
			continue
		}
		f := strings.Split(line, "\t")
		if len(f) != 9 {
			return nil, errors.Errorf("malformed client line: %q", line)
		}
		pid, err := strconv.Atoi(f[0])
		if err != nil {
			return nil, errors.Wrapf(err, "client pid %q", f[0])
		}
		winID, err := strconv.ParseUint(strings.TrimPrefix(f[3], "@"), 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "window id %q", f[3])
		}
		activity, _ := strconv.ParseInt(f[6], 10, 64)
		width, _ := strconv.ParseFloat(f[7], 64)
		height, _ := strconv.ParseFloat(f[8], 64)

		clients = append(clients, tmuxClient{
			app: App{PID: pid, BundleID: TmuxBundleID, Name: f[2], Policy: PolicyRegular},
			tty: f[1],
			window: Window{
				ID:          WindowID(winID),
				PID:         pid,
				Frame:       Rect{Width: width, Height: height},
				BundleID:    TmuxBundleID,
				Title:       f[4],
				LastFocusID: f[5],
			},
			activity: activity,
		})
	}
	return clients, nil
}

// TmuxAccessibility treats every attached tmux client as an application and
// its current tmux window as that application's focused window, with the
// active pane id as the focus token. The most recently active client is
// frontmost. State is sampled by polling.
type TmuxAccessibility struct {
	run      Runner
	interval time.Duration
	sf       singleflight.Group

	mu        sync.Mutex
	clients   map[int]tmuxClient
	front     int
	trusted   bool
	observers map[int]map[*tmuxObservation]struct{}
}

// NewTmuxAccessibility creates a backend that samples tmux every interval.
// A nil run uses ExecRunner.
func NewTmuxAccessibility(run Runner, interval time.Duration) *TmuxAccessibility {
	if run == nil {
		run = ExecRunner
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &TmuxAccessibility{
		run:       run,
		interval:  interval,
		clients:   make(map[int]tmuxClient),
		observers: make(map[int]map[*tmuxObservation]struct{}),
	}
}

// Trusted reports whether the last sample reached a tmux server.
func (t *TmuxAccessibility) Trusted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.trusted
}

func (t *TmuxAccessibility) RunningApps() []App {
	t.mu.Lock()
	out := make([]App, 0, len(t.clients))
	for _, c := range t.clients {
		out = append(out, c.app)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

func (t *TmuxAccessibility) FrontmostApp() (App, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.clients[t.front]
	if !ok {
		return App{}, false
	}
	return c.app, true
}

func (t *TmuxAccessibility) FocusedWindow(pid int) (Window, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.clients[pid]
	if !ok {
		return Window{}, false
	}
	return c.window, true
}

type tmuxObservation struct {
	t   *TmuxAccessibility
	pid int
	fn  func(Event)
	// notifications the observer asked for
	want map[Notification]bool
}

func (o *tmuxObservation) Close() error {
	o.t.mu.Lock()
	defer o.t.mu.Unlock()
	if set, ok := o.t.observers[o.pid]; ok {
		delete(set, o)
		if len(set) == 0 {
			delete(o.t.observers, o.pid)
		}
	}
	return nil
}

func (t *TmuxAccessibility) Observe(app App, notifications []Notification, fn func(Event)) (Observation, error) {
	want := make(map[Notification]bool, len(notifications))
	for _, n := range notifications {
		want[n] = true
	}
	obs := &tmuxObservation{t: t, pid: app.PID, fn: fn, want: want}

	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.observers[app.PID]
	if !ok {
		set = make(map[*tmuxObservation]struct{})
		t.observers[app.PID] = set
	}
	set[obs] = struct{}{}
	return obs, nil
}

// sample lists clients; concurrent callers share one tmux invocation.
func (t *TmuxAccessibility) sample(ctx context.Context) ([]tmuxClient, error) {
	v, err, _ := t.sf.Do("list-clients", func() (any, error) {
		out, err := t.run(ctx, "list-clients", "-F", clientFormat)
		if err != nil {
			return nil, err
		}
		return parseClients(out)
	})
	if err != nil {
		return nil, err
	}
	return v.([]tmuxClient), nil
}

type pendingEvent struct {
	pid int
	ev  Event
}

// Poll samples tmux once and delivers the resulting changes to ws and to
// observers. Callbacks run after the backend lock is released.
func (t *TmuxAccessibility) Poll(ctx context.Context, ws Workspace) error {
	clients, err := t.sample(ctx)

	t.mu.Lock()
	if err != nil {
		wasTrusted := t.trusted
		var gone []int
		for pid := range t.clients {
			gone = append(gone, pid)
		}
		t.trusted = false
		t.clients = make(map[int]tmuxClient)
		t.front = 0
		t.mu.Unlock()

		if wasTrusted {
			windowLog.Warn("tmux_unreachable", slog.String("error", err.Error()))
			for _, pid := range gone {
				if ws.Terminated != nil {
					ws.Terminated(pid)
				}
			}
			if ws.TrustChanged != nil {
				ws.TrustChanged(false)
			}
		}
		return err
	}

	granted := !t.trusted
	t.trusted = true
	prev := t.clients
	prevFront := t.front

	next := make(map[int]tmuxClient, len(clients))
	front, best := 0, int64(-1)
	for _, c := range clients {
		next[c.app.PID] = c
		if c.activity > best || (c.activity == best && c.app.PID < front) {
			front, best = c.app.PID, c.activity
		}
	}
	t.clients = next
	t.front = front

	var events []pendingEvent
	var gone []int
	for pid, old := range prev {
		cur, ok := next[pid]
		if !ok {
			gone = append(gone, pid)
			continue
		}
		if ev, changed := windowChange(old.window, cur.window); changed {
			events = append(events, pendingEvent{pid: pid, ev: ev})
		}
	}
	if prevFront != 0 && prevFront != front {
		if _, ok := next[prevFront]; ok {
			events = append(events, pendingEvent{pid: prevFront, ev: Event{Notification: NotifyApplicationDeactivated}})
		}
	}
	deliveries := t.deliveriesLocked(events)
	frontApp, frontOK := next[front]
	t.mu.Unlock()

	sort.Ints(gone)
	for _, pid := range gone {
		if ws.Terminated != nil {
			ws.Terminated(pid)
		}
	}
	if granted {
		windowLog.Info("tmux_reachable", slog.Int("clients", len(next)))
		if ws.TrustChanged != nil {
			ws.TrustChanged(true)
		}
	} else if frontOK && front != prevFront && ws.Activated != nil {
		ws.Activated(frontApp.app)
	}
	for _, d := range deliveries {
		d()
	}
	return nil
}

// windowChange maps a client's window transition to the notification a
// window server would emit for it.
func windowChange(old, cur Window) (Event, bool) {
	switch {
	case old == cur:
		return Event{}, false
	case old.ID != cur.ID || old.LastFocusID != cur.LastFocusID:
		w := cur
		return Event{Notification: NotifyFocusedWindowChanged, Window: &w}, true
	case old.Frame != cur.Frame:
		return Event{Notification: NotifyWindowResized}, true
	default:
		return Event{Notification: NotifyTitleChanged}, true
	}
}

func (t *TmuxAccessibility) deliveriesLocked(events []pendingEvent) []func() {
	var out []func()
	for _, pe := range events {
		for obs := range t.observers[pe.pid] {
			if !obs.want[pe.ev.Notification] {
				continue
			}
			fn, ev := obs.fn, pe.ev
			out = append(out, func() { fn(ev) })
		}
	}
	return out
}

// Run polls until ctx is done. Sampling errors are logged and retried on
// the next tick.
func (t *TmuxAccessibility) Run(ctx context.Context, ws Workspace) error {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		if err := t.Poll(ctx, ws); err != nil && ctx.Err() == nil {
			logging.Aggregate(logging.CompWindow, "tmux_poll_failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
