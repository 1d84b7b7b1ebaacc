// Package integrations installs, verifies and removes the snippets that make
// shells and terminal multiplexers report to the host.
package integrations

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sahilm/fuzzy"

	"github.com/tchow-twistedxcom/termbridge/internal/dispatch"
	"github.com/tchow-twistedxcom/termbridge/internal/ipc"
	"github.com/tchow-twistedxcom/termbridge/internal/logging"
)

var intLog = logging.ForComponent(logging.CompCommand)

// ErrUnknown is returned for identifiers no provider answers to.
var ErrUnknown = errors.New("integrations: unknown integration")

// StatusKind is the coarse state of an integration.
type StatusKind int

const (
	StatusUnattempted StatusKind = iota
	StatusInstalled
	StatusNotInstalled
	StatusApplicationNotInstalled
	StatusPending
	StatusFailed
)

// Status is the result of an install, verify or uninstall.
type Status struct {
	Kind StatusKind
	// Detail explains a failure or what a pending install waits for.
	Detail string
}

func (s Status) String() string {
	switch s.Kind {
	case StatusInstalled:
		return "installed"
	case StatusNotInstalled:
		return "not installed"
	case StatusApplicationNotInstalled:
		return "application not installed"
	case StatusPending:
		return "pending " + s.Detail
	case StatusFailed:
		return "failed: " + s.Detail
	default:
		return "unattempted"
	}
}

func failed(format string, args ...any) Status {
	return Status{Kind: StatusFailed, Detail: fmt.Sprintf(format, args...)}
}

// Provider manages one integration.
type Provider interface {
	ID() string
	Name() string
	// Available reports whether the application being integrated is present.
	Available() bool
	Install(ctx context.Context) Status
	Verify(ctx context.Context) Status
	Uninstall(ctx context.Context) Status
}

// MetaStore persists small key-value records. The history store satisfies it.
type MetaStore interface {
	GetMeta(key string) (string, error)
	SetMeta(key, value string) error
}

// Registry holds every known provider, keyed by identifier.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	ids       []string
	store     MetaStore
	disabled  func(id string) bool
	now       func() time.Time
}

// NewRegistry returns a registry of providers. store may be nil.
func NewRegistry(store MetaStore, providers ...Provider) *Registry {
	r := &Registry{
		providers: make(map[string]Provider, len(providers)),
		store:     store,
		now:       time.Now,
	}
	for _, p := range providers {
		r.providers[p.ID()] = p
		r.ids = append(r.ids, p.ID())
	}
	sort.Strings(r.ids)
	return r
}

// SetDisabled installs a predicate for integrations turned off in settings.
func (r *Registry) SetDisabled(fn func(id string) bool) {
	r.mu.Lock()
	r.disabled = fn
	r.mu.Unlock()
}

// IDs returns every identifier, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.ids...)
}

// idSource implements fuzzy.Source for identifiers.
type idSource []string

func (s idSource) String(i int) string { return s[i] }
func (s idSource) Len() int            { return len(s) }

// Suggest returns identifiers resembling query, best match first.
func (r *Registry) Suggest(query string) []string {
	ids := r.IDs()
	if query == "" {
		return ids
	}
	matches := fuzzy.FindFrom(strings.ToLower(query), idSource(ids))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, ids[m.Index])
	}
	return out
}

// Get returns the provider for id. Unknown ids yield an error wrapping
// ErrUnknown that names the closest identifier.
func (r *Registry) Get(id string) (Provider, error) {
	r.mu.RLock()
	p, ok := r.providers[id]
	r.mu.RUnlock()
	if ok {
		return p, nil
	}
	if s := r.Suggest(id); len(s) > 0 {
		return nil, fmt.Errorf("%w %q, did you mean %q?", ErrUnknown, id, s[0])
	}
	return nil, fmt.Errorf("%w %q", ErrUnknown, id)
}

// Apply runs action on the integration named id and records the outcome.
func (r *Registry) Apply(ctx context.Context, id string, action ipc.IntegrationAction) (Status, error) {
	p, err := r.Get(id)
	if err != nil {
		return Status{}, err
	}
	var st Status
	switch {
	case !p.Available():
		st = Status{Kind: StatusApplicationNotInstalled}
	case action == ipc.ActionInstall:
		st = p.Install(ctx)
	case action == ipc.ActionVerifyInstall:
		st = p.Verify(ctx)
	case action == ipc.ActionUninstall:
		st = p.Uninstall(ctx)
	default:
		return Status{}, fmt.Errorf("integrations: unsupported action %s", action)
	}
	r.record(id, "status", st.String())
	intLog.Info("integration_action",
		slog.String("id", id),
		slog.String("action", action.String()),
		slog.String("status", st.String()))
	return st, nil
}

// List verifies every integration and reports it in wire form.
func (r *Registry) List(ctx context.Context) []ipc.TerminalIntegration {
	r.mu.RLock()
	disabled := r.disabled
	r.mu.RUnlock()

	ids := r.IDs()
	out := make([]ipc.TerminalIntegration, 0, len(ids))
	for _, id := range ids {
		p, _ := r.Get(id)
		var status string
		switch {
		case disabled != nil && disabled(id):
			status = "disabled"
		case !p.Available():
			status = Status{Kind: StatusApplicationNotInstalled}.String()
		default:
			status = p.Verify(ctx).String()
		}
		out = append(out, ipc.TerminalIntegration{BundleIdentifier: id, Name: p.Name(), Status: status})
	}
	return out
}

// MarkReady records that a shell reported the integration as loaded.
func (r *Registry) MarkReady(id string) bool {
	r.mu.RLock()
	_, ok := r.providers[id]
	r.mu.RUnlock()
	if !ok {
		logging.Aggregate(logging.CompCommand, "integration_ready_unknown", slog.String("id", id))
		return false
	}
	r.record(id, "ready", r.now().UTC().Format(time.RFC3339))
	return true
}

// LastReady returns when id last reported ready.
func (r *Registry) LastReady(id string) (time.Time, bool) {
	if r.store == nil {
		return time.Time{}, false
	}
	v, err := r.store.GetMeta(metaKey(id, "ready"))
	if err != nil || v == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, v)
	return t, err == nil
}

func (r *Registry) record(id, field, value string) {
	if r.store == nil {
		return
	}
	if err := r.store.SetMeta(metaKey(id, field), value); err != nil {
		intLog.Warn("integration_record_failed", slog.String("id", id), slog.String("error", err.Error()))
	}
}

func metaKey(id, field string) string { return "integration." + id + "." + field }

// Subscribe records integration-ready hooks dispatched by d.
func (r *Registry) Subscribe(d *dispatch.Dispatcher) {
	d.Subscribe(ipc.HookIntegrationReady, "integrations", func(ctx context.Context, h *ipc.Hook) {
		if b, ok := h.Body.(*ipc.IntegrationReadyHook); ok {
			r.MarkReady(b.Identifier)
		}
	})
}
