package web

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tchow-twistedxcom/termbridge/internal/dispatch"
	"github.com/tchow-twistedxcom/termbridge/internal/ipc"
	"github.com/tchow-twistedxcom/termbridge/internal/window"
)

// Event types published on the feed.
const (
	EventWindow = "window"
	EventHook   = "hook"
)

const subscriberBuffer = 64

// Event is one entry of the live feed.
type Event struct {
	Type      string       `json:"type"`
	Window    *WindowEvent `json:"window,omitempty"`
	Hook      string       `json:"hook,omitempty"`
	SessionID string       `json:"sessionId,omitempty"`
	Time      time.Time    `json:"time"`
}

// WindowEvent describes the newly focused window.
type WindowEvent struct {
	ID       uint64 `json:"id"`
	PID      int    `json:"pid,omitempty"`
	BundleID string `json:"bundleId,omitempty"`
	Title    string `json:"title,omitempty"`
}

// WindowSource notifies on focused window changes. The window observer
// satisfies it.
type WindowSource interface {
	Subscribe(fn func(window.Window)) (unsubscribe func())
}

// Feed fans events out to stream subscribers. Slow subscribers lose events
// rather than stalling publishers.
type Feed struct {
	mu      sync.Mutex
	subs    map[chan Event]struct{}
	dropped atomic.Uint64
	now     func() time.Time
}

// NewFeed returns an empty feed.
func NewFeed() *Feed {
	return &Feed{subs: make(map[chan Event]struct{}), now: time.Now}
}

// Publish delivers ev to every subscriber without blocking.
func (f *Feed) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = f.now().UTC()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs {
		select {
		case ch <- ev:
		default:
			f.dropped.Add(1)
		}
	}
}

// Subscribe returns a channel of future events and a func that closes it.
func (f *Feed) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	f.mu.Lock()
	f.subs[ch] = struct{}{}
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, ch)
			close(ch)
			f.mu.Unlock()
		})
	}
}

// Subscribers is the number of open streams.
func (f *Feed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Dropped counts events lost to full subscriber buffers.
func (f *Feed) Dropped() uint64 {
	return f.dropped.Load()
}

// WatchWindows publishes every focused window change from src.
func (f *Feed) WatchWindows(src WindowSource) (unsubscribe func()) {
	return src.Subscribe(func(w window.Window) {
		f.Publish(Event{Type: EventWindow, Window: &WindowEvent{
			ID:       uint64(w.ID),
			PID:      w.PID,
			BundleID: w.BundleID,
			Title:    w.Title,
		}})
	})
}

// WatchHooks publishes the kind and session of every hook d receives.
func (f *Feed) WatchHooks(d *dispatch.Dispatcher) {
	d.SubscribeAll("web-feed", func(ctx context.Context, h *ipc.Hook) {
		ev := Event{Type: EventHook, Hook: string(h.Kind())}
		if sc := h.Context(); sc != nil {
			ev.SessionID = sc.SessionID
		}
		f.Publish(ev)
	})
}
