package web

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
)

type wsClientMessage struct {
	Type string `json:"type"`
	// Types limits delivery to these event types. Empty means all.
	Types []string `json:"types,omitempty"`
}

type wsServerMessage struct {
	Type    string    `json:"type"` // status, event, error
	Event   *Event    `json:"event,omitempty"`
	Status  string    `json:"status,omitempty"`
	Code    string    `json:"code,omitempty"`
	Message string    `json:"message,omitempty"`
	Time    time.Time `json:"time,omitempty"`
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     allowWSOrigin,
}

func allowWSOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil || originURL.Host == "" {
		return false
	}
	return strings.EqualFold(originURL.Host, r.Host)
}

type wsConnWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsConnWriter) WriteJSON(v any) error {
	data, err := sonic.ConfigStd.Marshal(v)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

// eventFilter is shared between the read loop, which updates it, and the
// write loop, which consults it.
type eventFilter struct {
	mu    sync.RWMutex
	types map[string]bool
}

func (f *eventFilter) set(types []string) {
	m := make(map[string]bool, len(types))
	for _, t := range types {
		m[t] = true
	}
	f.mu.Lock()
	f.types = m
	f.mu.Unlock()
}

func (f *eventFilter) allows(t string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.types) == 0 || f.types[t]
}

// handleEventsWS streams the feed over a websocket. Clients may send
// {"type":"ping"} or {"type":"subscribe","types":["window"]}.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if !s.requireGET(w, r) {
		return
	}
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	writer := &wsConnWriter{conn: conn}
	events, unsubscribe := s.cfg.Feed.Subscribe()
	defer unsubscribe()

	filter := &eventFilter{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.readWSClient(conn, writer, filter)
	}()

	_ = writer.WriteJSON(wsServerMessage{Type: "status", Status: "connected", Time: time.Now().UTC()})

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(time.Second))
			return
		case <-done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !filter.allows(ev.Type) {
				continue
			}
			if err := writer.WriteJSON(wsServerMessage{Type: "event", Event: &ev}); err != nil {
				return
			}
		}
	}
}

func (s *Server) readWSClient(conn *websocket.Conn, writer *wsConnWriter, filter *eventFilter) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				webLog.Warn("websocket_closed_unexpectedly", slog.String("error", err.Error()))
			}
			return
		}

		var msg wsClientMessage
		if err := sonic.ConfigStd.Unmarshal(payload, &msg); err != nil {
			_ = writer.WriteJSON(wsServerMessage{
				Type:    "error",
				Code:    "INVALID_MESSAGE",
				Message: "invalid json payload",
				Time:    time.Now().UTC(),
			})
			continue
		}

		switch msg.Type {
		case "ping":
			_ = writer.WriteJSON(wsServerMessage{Type: "status", Status: "pong", Time: time.Now().UTC()})
		case "subscribe":
			filter.set(msg.Types)
			_ = writer.WriteJSON(wsServerMessage{Type: "status", Status: "subscribed", Time: time.Now().UTC()})
		default:
			_ = writer.WriteJSON(wsServerMessage{
				Type:    "error",
				Code:    "UNSUPPORTED_MESSAGE",
				Message: "supported message types: ping,subscribe",
				Time:    time.Now().UTC(),
			})
		}
	}
}
