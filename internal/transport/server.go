// Package transport accepts shell integration connections on local unix
// sockets and feeds their traffic to a Handler.
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/tchow-twistedxcom/termbridge/internal/ipc"
	"github.com/tchow-twistedxcom/termbridge/internal/logging"
	"github.com/tchow-twistedxcom/termbridge/internal/metrics"
)

var (
	transportLog = logging.ForComponent(logging.CompIPC)
	connLog      = logging.ForComponent(logging.CompConn)
)

var (
	ErrServerClosed = errors.New("transport: server closed")
	ErrNotListening = errors.New("transport: no listeners")
	ErrNotSocket    = errors.New("transport: path exists and is not a unix socket")
)

const (
	readChunk             = 32 * 1024
	defaultMaxConnections = 256
)

// Handler receives everything read from client connections. Calls for one
// connection are made from that connection's goroutine, in arrival order.
type Handler interface {
	HandleEnvelope(ctx context.Context, conn *Conn, env ipc.Envelope, enc ipc.Encoding)
	HandleLegacy(ctx context.Context, conn *Conn, msg ipc.LegacyMessage)
}

// Options configures a Server.
type Options struct {
	// ModernPath is the bidirectional framed socket. Required.
	ModernPath string
	// LegacyPath is the read-only base64 line socket. Empty disables it.
	LegacyPath string

	MaxFrameSize   int
	MaxConnections int
	Metrics        *metrics.Metrics
}

type listener struct {
	flavor Flavor
	path   string
	ln     net.Listener
}

// Server owns the listeners and the connection registry.
type Server struct {
	opts    Options
	handler Handler

	mu        sync.Mutex
	listeners []*listener
	done      chan struct{}
	closeOnce sync.Once

	connsMu sync.RWMutex
	conns   map[string]*Conn

	observersMu sync.RWMutex
	observers   []func(*Conn)

	wg sync.WaitGroup
}

// NewServer creates a server that delivers traffic to h.
func NewServer(opts Options, h Handler) *Server {
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = ipc.DefaultMaxFrameSize
	}
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = defaultMaxConnections
	}
	return &Server{
		opts:    opts,
		handler: h,
		done:    make(chan struct{}),
		conns:   make(map[string]*Conn),
	}
}

// Listen binds every configured socket path. Previous socket files are
// replaced.
func (s *Server) Listen() error {
	paths := []struct {
		flavor Flavor
		path   string
	}{{Modern, s.opts.ModernPath}, {Legacy, s.opts.LegacyPath}}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range paths {
		if p.path == "" {
			continue
		}
		ln, err := listenUnix(p.path)
		if err != nil {
			for _, l := range s.listeners {
				l.ln.Close()
				os.Remove(l.path)
			}
			s.listeners = nil
			return fmt.Errorf("listen %s socket: %w", p.flavor, err)
		}
		s.listeners = append(s.listeners, &listener{flavor: p.flavor, path: p.path, ln: ln})
		transportLog.Info("socket_listening",
			slog.String("flavor", p.flavor.String()),
			slog.String("path", p.path))
	}
	if len(s.listeners) == 0 {
		return ErrNotListening
	}
	return nil
}

// listenUnix removes a stale socket at path, creates the parent directory
// and binds with owner-only permissions.
func listenUnix(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create socket dir: %w", err)
	}
	if st, err := os.Lstat(path); err == nil {
		if st.Mode()&os.ModeSocket == 0 {
			return nil, fmt.Errorf("%w: %s", ErrNotSocket, path)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat socket path: %w", err)
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, 0o600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return ln, nil
}

// Paths returns the bound socket paths keyed by flavor.
func (s *Server) Paths() map[Flavor]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[Flavor]string, len(s.listeners))
	for _, l := range s.listeners {
		out[l.flavor] = l.path
	}
	return out
}

// Serve runs one accept loop per listener until ctx is cancelled or Close is
// called, then waits for every connection goroutine to finish.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	lns := append([]*listener(nil), s.listeners...)
	s.mu.Unlock()
	if len(lns) == 0 {
		return ErrNotListening
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, l := range lns {
		l := l
		g.Go(func() error { return s.acceptLoop(gctx, l) })
	}
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-s.done:
		}
		s.Close()
		return nil
	})

	err := g.Wait()
	s.wg.Wait()
	if errors.Is(err, ErrServerClosed) {
		return nil
	}
	return err
}

// acceptLoop accepts until the listener is closed. Accept errors are logged
// and retried at a limited rate.
func (s *Server) acceptLoop(ctx context.Context, l *listener) error {
	limiter := rate.NewLimiter(rate.Every(100*time.Millisecond), 3)
	for {
		nc, err := l.ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				return ErrServerClosed
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return ErrServerClosed
			}
			transportLog.Warn("accept_failed",
				slog.String("flavor", l.flavor.String()),
				slog.String("error", err.Error()))
			if werr := limiter.Wait(ctx); werr != nil {
				return nil
			}
			continue
		}

		if s.Len() >= s.opts.MaxConnections {
			transportLog.Warn("max_connections_reached",
				slog.String("flavor", l.flavor.String()),
				slog.Int("max", s.opts.MaxConnections))
			nc.Close()
			continue
		}

		c := newConn(s, l.flavor, nc)
		s.connsMu.Lock()
		s.conns[c.id] = c
		s.connsMu.Unlock()
		s.opts.Metrics.ConnOpened(l.flavor.String())
		logging.Aggregate(logging.CompConn, "conn_open", slog.String("flavor", l.flavor.String()))

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer c.Close()
			if c.flavor == Modern {
				s.readModern(ctx, c)
			} else {
				s.readLegacy(ctx, c)
			}
		}()
	}
}

// readModern feeds socket bytes into a FrameReader and hands every complete
// envelope to the handler. Bad frames are dropped; the connection stays up.
func (s *Server) readModern(ctx context.Context, c *Conn) {
	fr := ipc.NewFrameReader(s.opts.MaxFrameSize)
	buf := make([]byte, readChunk)
	for {
		n, err := c.nc.Read(buf)
		if n > 0 {
			fr.Feed(buf[:n])
			s.drainFrames(ctx, c, fr)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !c.Closed() {
				connLog.Debug("conn_read_error", slog.String("conn", c.id), slog.String("error", err.Error()))
			}
			return
		}
	}
}

func (s *Server) drainFrames(ctx context.Context, c *Conn, fr *ipc.FrameReader) {
	for {
		env, enc, err := fr.Next()
		if err != nil {
			if errors.Is(err, ipc.ErrIncomplete) {
				return
			}
			reason := frameErrorReason(err)
			s.opts.Metrics.RecordFrameError(Modern.String(), reason)
			logging.Aggregate(logging.CompConn, "frame_dropped", slog.String("reason", reason))
			connLog.Debug("frame_dropped",
				slog.String("conn", c.id),
				slog.String("error", err.Error()))
			if fr.Buffered() == 0 {
				return
			}
			continue
		}
		c.encoding.Store(int32(enc))
		s.opts.Metrics.RecordFrame(Modern.String(), enc.String())
		s.handler.HandleEnvelope(ctx, c, env, enc)
	}
}

func frameErrorReason(err error) string {
	switch {
	case errors.Is(err, ipc.ErrBadPrefix):
		return "bad_prefix"
	case errors.Is(err, ipc.ErrUnknownEncoding):
		return "unknown_encoding"
	case errors.Is(err, ipc.ErrFrameTooLarge):
		return "too_large"
	case errors.Is(err, ipc.ErrDecode):
		return "decode"
	default:
		return "protocol"
	}
}

// readLegacy reads newline-terminated base64 lines. Lines that do not decode
// are ignored.
func (s *Server) readLegacy(ctx context.Context, c *Conn) {
	scanner := bufio.NewScanner(c.nc)
	scanner.Buffer(make([]byte, 4*1024), s.opts.MaxFrameSize)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		msg, ok := ipc.DecodeLegacy(line)
		if !ok {
			s.opts.Metrics.RecordFrameError(Legacy.String(), "decode")
			connLog.Debug("legacy_line_ignored", slog.String("conn", c.id), slog.Int("len", len(line)))
			continue
		}
		s.opts.Metrics.RecordFrame(Legacy.String(), "base64")
		s.handler.HandleLegacy(ctx, c, msg)
	}
	if err := scanner.Err(); err != nil && !c.Closed() {
		connLog.Debug("legacy_read_error", slog.String("conn", c.id), slog.String("error", err.Error()))
	}
}

// OnClose registers fn to run after a connection is removed from the
// registry. Observers run on the goroutine that closed the connection.
func (s *Server) OnClose(fn func(*Conn)) {
	s.observersMu.Lock()
	s.observers = append(s.observers, fn)
	s.observersMu.Unlock()
}

func (s *Server) removeConn(c *Conn) {
	s.connsMu.Lock()
	_, ok := s.conns[c.id]
	delete(s.conns, c.id)
	s.connsMu.Unlock()
	if !ok {
		return
	}
	s.opts.Metrics.ConnClosed(c.flavor.String())
	logging.Aggregate(logging.CompConn, "conn_close", slog.String("flavor", c.flavor.String()))

	s.observersMu.RLock()
	observers := append(([]func(*Conn))(nil), s.observers...)
	s.observersMu.RUnlock()
	for _, fn := range observers {
		fn(c)
	}
}

// Conn looks up a live connection by id.
func (s *Server) Conn(id string) (*Conn, bool) {
	s.connsMu.RLock()
	defer s.connsMu.RUnlock()
	c, ok := s.conns[id]
	return c, ok
}

// Conns returns the live connections ordered by accept time.
func (s *Server) Conns() []*Conn {
	s.connsMu.RLock()
	out := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	s.connsMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].openedAt.Before(out[j].openedAt) })
	return out
}

// Len returns the number of live connections.
func (s *Server) Len() int {
	s.connsMu.RLock()
	defer s.connsMu.RUnlock()
	return len(s.conns)
}

// Close stops accepting, closes every connection and removes the socket
// files. Safe to call more than once.
func (s *Server) Close() error {
	var errs []error
	s.closeOnce.Do(func() {
		close(s.done)

		s.mu.Lock()
		lns := s.listeners
		s.mu.Unlock()
		for _, l := range lns {
			if err := l.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
			if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}

		for _, c := range s.Conns() {
			c.Close()
		}
		transportLog.Info("transport_closed", slog.Int("listeners", len(lns)))
	})
	return errors.Join(errs...)
}
