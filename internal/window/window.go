// Package window tracks which application window is topmost, using an
// accessibility backend to observe focus changes across running applications.
package window

import (
	"fmt"
)

// WindowID is the opaque window-system handle of a window.
type WindowID uint64

// Rect is a window frame in screen coordinates.
type Rect struct {
	X      float64
	Y      float64
	Width  float64
	Height float64
}

// Window is an immutable snapshot of one window. A focus or resize change
// produces a new value.
type Window struct {
	ID       WindowID
	PID      int
	Frame    Rect
	BundleID string
	Title    string

	// LastFocusID is the window's last-known tab or pane token, if the
	// backend can report one.
	LastFocusID string
}

func (w Window) String() string {
	return fmt.Sprintf("%s/%d", w.BundleID, w.ID)
}

// ActivationPolicy mirrors how an application presents itself.
type ActivationPolicy int

const (
	PolicyRegular ActivationPolicy = iota
	PolicyAccessory
	PolicyProhibited
)

func (p ActivationPolicy) String() string {
	switch p {
	case PolicyRegular:
		return "regular"
	case PolicyAccessory:
		return "accessory"
	case PolicyProhibited:
		return "prohibited"
	default:
		return "unknown"
	}
}

// App is a running application process.
type App struct {
	PID      int
	BundleID string
	Name     string
	Policy   ActivationPolicy
}

// Notification names an accessibility notification.
type Notification string

const (
	NotifyWindowCreated          Notification = "AXWindowCreated"
	NotifyFocusedWindowChanged   Notification = "AXFocusedWindowChanged"
	NotifyMainWindowChanged      Notification = "AXMainWindowChanged"
	NotifyWindowMiniaturized     Notification = "AXWindowMiniaturized"
	NotifyWindowDeminiaturized   Notification = "AXWindowDeminiaturized"
	NotifyApplicationShown       Notification = "AXApplicationShown"
	NotifyApplicationHidden      Notification = "AXApplicationHidden"
	NotifyApplicationActivated   Notification = "AXApplicationActivated"
	NotifyApplicationDeactivated Notification = "AXApplicationDeactivated"
	NotifyWindowMoved            Notification = "AXWindowMoved"
	NotifyWindowResized          Notification = "AXWindowResized"
	NotifyUIElementDestroyed     Notification = "AXUIElementDestroyed"
	NotifyTitleChanged           Notification = "AXTitleChanged"
)

// Notifications is the set every tracked application is observed for.
var Notifications = []Notification{
	NotifyWindowCreated,
	NotifyFocusedWindowChanged,
	NotifyMainWindowChanged,
	NotifyWindowMiniaturized,
	NotifyWindowDeminiaturized,
	NotifyApplicationShown,
	NotifyApplicationHidden,
	NotifyApplicationActivated,
	NotifyApplicationDeactivated,
	NotifyWindowMoved,
	NotifyWindowResized,
	NotifyUIElementDestroyed,
	NotifyTitleChanged,
}

// Event is one notification delivered by the backend. Window is set when
// the notification's element resolves to a window.
type Event struct {
	Notification Notification
	Window       *Window
}

// Observation is a live notification registration.
type Observation interface {
	Close() error
}

// Accessibility is the OS window inspection facility.
type Accessibility interface {
	// Trusted reports whether the process may inspect other applications.
	Trusted() bool

	RunningApps() []App
	FrontmostApp() (App, bool)
	FocusedWindow(pid int) (Window, bool)

	// Observe delivers notifications for app to fn until the observation is
	// closed. fn may run on any goroutine.
	Observe(app App, notifications []Notification, fn func(Event)) (Observation, error)
}

// Workspace receives application lifecycle events from a backend.
type Workspace struct {
	Activated  func(App)
	Terminated func(pid int)

	// TrustChanged fires when inspection permission is granted or revoked.
	TrustChanged func(trusted bool)
}

// StaticAccessibility is the backend used when nothing can be inspected.
// It is never trusted, so no application is ever registered.
type StaticAccessibility struct{}

func (StaticAccessibility) Trusted() bool                    { return false }
func (StaticAccessibility) RunningApps() []App               { return nil }
func (StaticAccessibility) FrontmostApp() (App, bool)        { return App{}, false }
func (StaticAccessibility) FocusedWindow(int) (Window, bool) { return Window{}, false }
func (StaticAccessibility) Observe(App, []Notification, func(Event)) (Observation, error) {
	return nopObservation{}, nil
}

type nopObservation struct{}

func (nopObservation) Close() error { return nil }
