// Package dispatch routes decoded envelopes: commands to their handler and
// hooks to every subscriber.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/tchow-twistedxcom/termbridge/internal/ipc"
	"github.com/tchow-twistedxcom/termbridge/internal/logging"
	"github.com/tchow-twistedxcom/termbridge/internal/metrics"
	"github.com/tchow-twistedxcom/termbridge/internal/transport"
)

var dispatchLog = logging.ForComponent(logging.CompDispatch)

// ErrNoHandler is logged when a command kind has no registered handler.
var ErrNoHandler = errors.New("dispatch: no handler for command")

// Responder writes a response back to the peer that sent a command.
type Responder interface {
	WriteResponse(resp ipc.CommandResponse, enc ipc.Encoding) error
}

// CommandFunc handles one command kind. A nil body with a nil error means no
// response. A non-nil error with a nil body is answered with an error response.
type CommandFunc func(ctx context.Context, cmd *ipc.Command) (ipc.ResponseBody, error)

// HookFunc receives hooks. Subscribers must not block for long: they run on
// the connection goroutine that read the hook.
type HookFunc func(ctx context.Context, hook *ipc.Hook)

type subscriber struct {
	kind ipc.HookKind // empty for every kind
	name string
	fn   HookFunc
}

// Dispatcher holds the command table and hook subscribers.
type Dispatcher struct {
	metrics *metrics.Metrics

	mu          sync.RWMutex
	commands    map[ipc.CommandKind]CommandFunc
	subscribers []subscriber

	// session id -> id of the connection that last sent a hook for it
	routesMu sync.Mutex
	routes   map[string]string
}

// New creates an empty dispatcher. m may be nil.
func New(m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		metrics:  m,
		commands: make(map[ipc.CommandKind]CommandFunc),
		routes:   make(map[string]string),
	}
}

// Handle registers fn for kind, replacing any previous handler.
func (d *Dispatcher) Handle(kind ipc.CommandKind, fn CommandFunc) {
	d.mu.Lock()
	d.commands[kind] = fn
	d.mu.Unlock()
}

// Handled returns the command kinds that have a handler, sorted.
func (d *Dispatcher) Handled() []ipc.CommandKind {
	d.mu.RLock()
	out := make([]ipc.CommandKind, 0, len(d.commands))
	for k := range d.commands {
		out = append(out, k)
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Subscribe registers fn for one hook kind. Subscribers run in registration
// order; name is used in logs.
func (d *Dispatcher) Subscribe(kind ipc.HookKind, name string, fn HookFunc) {
	d.mu.Lock()
	d.subscribers = append(d.subscribers, subscriber{kind: kind, name: name, fn: fn})
	d.mu.Unlock()
}

// SubscribeAll registers fn for every hook kind.
func (d *Dispatcher) SubscribeAll(name string, fn HookFunc) {
	d.Subscribe("", name, fn)
}

// Dispatch routes one envelope. Command responses are written to r with the
// request's encoding; r may be nil for sources that cannot reply.
func (d *Dispatcher) Dispatch(ctx context.Context, env ipc.Envelope, r Responder, enc ipc.Encoding) {
	switch {
	case env.Command != nil:
		d.dispatchCommand(ctx, env.Command, r, enc)
	case env.Hook != nil:
		d.DispatchHook(ctx, env.Hook)
	default:
		dispatchLog.Debug("envelope_dropped", slog.String("reason", "empty"))
	}
}

func (d *Dispatcher) dispatchCommand(ctx context.Context, cmd *ipc.Command, r Responder, enc ipc.Encoding) {
	kind := cmd.Kind()
	if kind == "" {
		dispatchLog.Debug("command_dropped", slog.String("reason", "unknown kind"))
		return
	}

	d.mu.RLock()
	fn, ok := d.commands[kind]
	d.mu.RUnlock()
	if !ok {
		dispatchLog.Info("command_unhandled",
			slog.String("kind", string(kind)),
			slog.String("error", ErrNoHandler.Error()))
		d.metrics.RecordCommand(string(kind), "unhandled", 0)
		return
	}

	start := time.Now()
	body, err := d.runCommand(ctx, fn, cmd)
	status := "success"
	if err != nil {
		status = "error"
		dispatchLog.Warn("command_failed",
			slog.String("kind", string(kind)),
			slog.String("error", err.Error()))
		if body == nil {
			body = ipc.Errorf("%s", err.Error())
		}
	} else if _, isErr := body.(*ipc.ErrorResponse); isErr {
		status = "error"
	}
	d.metrics.RecordCommand(string(kind), status, time.Since(start))

	if cmd.NoResponse || body == nil {
		return
	}
	if r == nil {
		dispatchLog.Debug("response_dropped", slog.String("kind", string(kind)), slog.String("reason", "no responder"))
		return
	}
	resp := ipc.CommandResponse{ID: cmd.ID, Body: body}
	if err := r.WriteResponse(resp, enc); err != nil {
		dispatchLog.Warn("response_write_failed",
			slog.String("kind", string(kind)),
			slog.String("error", err.Error()))
	}
}

func (d *Dispatcher) runCommand(ctx context.Context, fn CommandFunc, cmd *ipc.Command) (body ipc.ResponseBody, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			dispatchLog.Error("command_panic",
				slog.String("kind", string(cmd.Kind())),
				slog.String("panic", fmt.Sprint(rec)),
				slog.String("stack", string(debug.Stack())))
			body, err = nil, fmt.Errorf("internal error handling %s", cmd.Kind())
		}
	}()
	return fn(ctx, cmd)
}

// DispatchHook fans a hook out to its subscribers. Hooks never get a response.
func (d *Dispatcher) DispatchHook(ctx context.Context, hook *ipc.Hook) {
	kind := hook.Kind()
	if kind == "" {
		dispatchLog.Debug("hook_dropped", slog.String("reason", "unknown kind"))
		return
	}
	d.metrics.RecordHook(string(kind))
	if kind == ipc.HookEditBuffer {
		logging.Aggregate(logging.CompHook, "edit_buffer")
	} else {
		dispatchLog.Debug("hook_received", slog.String("kind", string(kind)))
	}

	d.mu.RLock()
	subs := make([]subscriber, 0, len(d.subscribers))
	for _, s := range d.subscribers {
		if s.kind == "" || s.kind == kind {
			subs = append(subs, s)
		}
	}
	d.mu.RUnlock()

	for _, s := range subs {
		d.runSubscriber(ctx, s, hook)
	}
}

func (d *Dispatcher) runSubscriber(ctx context.Context, s subscriber, hook *ipc.Hook) {
	defer func() {
		if rec := recover(); rec != nil {
			dispatchLog.Error("hook_subscriber_panic",
				slog.String("subscriber", s.name),
				slog.String("kind", string(hook.Kind())),
				slog.String("panic", fmt.Sprint(rec)),
				slog.String("stack", string(debug.Stack())))
		}
	}()
	s.fn(ctx, hook)
}

// DispatchLegacy converts a legacy line into its modern hook and dispatches it.
// Legacy names without a modern counterpart are dropped.
func (d *Dispatcher) DispatchLegacy(ctx context.Context, msg ipc.LegacyMessage) bool {
	hook, ok := msg.Hook()
	if !ok {
		dispatchLog.Debug("legacy_dropped",
			slog.String("hook", msg.Name),
			slog.String("packet", msg.Type.String()))
		return false
	}
	d.DispatchHook(ctx, &hook)
	return true
}

// HandleEnvelope implements transport.Handler.
func (d *Dispatcher) HandleEnvelope(ctx context.Context, c *transport.Conn, env ipc.Envelope, enc ipc.Encoding) {
	if env.Hook != nil {
		d.track(env.Hook, c.ID())
	}
	d.Dispatch(ctx, env, c, enc)
}

// HandleLegacy implements transport.Handler.
func (d *Dispatcher) HandleLegacy(ctx context.Context, c *transport.Conn, msg ipc.LegacyMessage) {
	if msg.SessionID != "" {
		d.routesMu.Lock()
		d.routes[msg.SessionID] = c.ID()
		d.routesMu.Unlock()
	}
	d.DispatchLegacy(ctx, msg)
}

func (d *Dispatcher) track(hook *ipc.Hook, connID string) {
	ctx := hook.Context()
	if ctx == nil || ctx.SessionID == "" {
		return
	}
	d.routesMu.Lock()
	d.routes[ctx.SessionID] = connID
	d.routesMu.Unlock()
}

// ConnClosed drops every route through c. Register it with
// transport.Server.OnClose.
func (d *Dispatcher) ConnClosed(c *transport.Conn) {
	d.routesMu.Lock()
	for sid, id := range d.routes {
		if id == c.ID() {
			delete(d.routes, sid)
		}
	}
	d.routesMu.Unlock()
}

// SessionConn returns the id of the connection that last carried a hook for
// sessionID.
func (d *Dispatcher) SessionConn(sessionID string) (string, bool) {
	d.routesMu.Lock()
	defer d.routesMu.Unlock()
	id, ok := d.routes[sessionID]
	return id, ok
}

// Routes returns the number of sessions with a live connection.
func (d *Dispatcher) Routes() int {
	d.routesMu.Lock()
	defer d.routesMu.Unlock()
	return len(d.routes)
}
