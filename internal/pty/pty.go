// Package pty runs shell commands inside a long-lived pseudo-terminal and
// collects their output through callback hooks.
//
// Each command is written to the shell as a background job that redirects its
// output into a temporary file and then invokes the callback command with the
// handler id, the file path and the exit status. The callback command sends a
// callback hook back to the host, which resolves the waiting Execute call.
package pty

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"

	"github.com/tchow-twistedxcom/termbridge/internal/dispatch"
	"github.com/tchow-twistedxcom/termbridge/internal/ipc"
	"github.com/tchow-twistedxcom/termbridge/internal/logging"
)

var ptyLog = logging.ForComponent(logging.CompPTY)

var (
	// ErrNotRunning is returned when the shell has not been started or has exited.
	ErrNotRunning = errors.New("pty: shell is not running")
	// ErrClosed is returned to pending callers when the executor is closed.
	ErrClosed = errors.New("pty: executor closed")
)

// Control bytes written by Interrupt and Close.
const (
	ctrlC = 0x03
	ctrlD = 0x04
)

// Options configures an Executor.
type Options struct {
	// Shell is the program started in the terminal. Defaults to $SHELL, then /bin/sh.
	Shell string
	// Env is appended to the host environment.
	Env []string
	// Path replaces PATH inside the shell when set (the pty.path setting).
	Path string
	// InitFiles are sourced after start when they exist.
	InitFiles []string
	// CallbackCommand is invoked as `<cmd> <handlerId> <file> <exitCode>`.
	CallbackCommand string
	// TempDir holds output files. Defaults to os.TempDir().
	TempDir string
}

// Result is the outcome of one executed command.
type Result struct {
	HandlerID string
	Output    string
	ExitCode  int
}

// Executor owns one shell process attached to a pseudo-terminal.
type Executor struct {
	opts Options

	mu      sync.Mutex
	cmd     *exec.Cmd
	ptmx    *os.File
	pending map[string]pendingCommand
	exited  chan struct{}
}

type pendingCommand struct {
	out string
	ch  chan Result
}

// New returns an executor. Call Start before Execute.
func New(opts Options) *Executor {
	if opts.Shell == "" {
		opts.Shell = os.Getenv("SHELL")
	}
	if opts.Shell == "" {
		opts.Shell = "/bin/sh"
	}
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	if opts.CallbackCommand == "" {
		opts.CallbackCommand = "termbridge hook callback"
	}
	return &Executor{opts: opts, pending: make(map[string]pendingCommand)}
}

// Start launches the shell. Calling Start on a running executor is a no-op.
func (e *Executor) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ptmx != nil {
		return nil
	}

	cmd := exec.Command(e.opts.Shell)
	cmd.Env = append(os.Environ(),
		"TERM=xterm-256color",
		"TERMBRIDGE_PTY=1",
		"HISTCONTROL=ignoreboth",
		"INPUTRC=/dev/null",
	)
	cmd.Env = append(cmd.Env, e.opts.Env...)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: 60, Cols: 50})
	if err != nil {
		return fmt.Errorf("pty: start %s: %w", e.opts.Shell, err)
	}
	e.cmd = cmd
	e.ptmx = ptmx
	e.exited = make(chan struct{})

	go e.drain(ptmx)
	go e.wait(cmd, e.exited)

	e.sendLocked(" unset HISTFILE")
	if e.opts.Path != "" {
		e.sendLocked("export PATH=" + shellQuote(e.opts.Path))
	}
	for _, f := range e.opts.InitFiles {
		if p := expandHome(f); fileExists(p) {
			e.sendLocked("source " + shellQuote(p))
		}
	}
	ptyLog.Info("pty_started",
		slog.String("shell", e.opts.Shell),
		slog.String("tty", ptmx.Name()),
		slog.Int("pid", cmd.Process.Pid))
	return nil
}

func (e *Executor) drain(ptmx *os.File) {
	sc := bufio.NewScanner(ptmx)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		if ptyLog.Enabled(context.Background(), slog.LevelDebug) {
			ptyLog.Debug("pty_output", slog.String("line", sc.Text()))
		}
	}
}

func (e *Executor) wait(cmd *exec.Cmd, exited chan struct{}) {
	err := cmd.Wait()
	code := -1
	if cmd.ProcessState != nil {
		code = cmd.ProcessState.ExitCode()
	}
	attrs := []any{slog.Int("exit_code", code)}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	ptyLog.Info("pty_exited", attrs...)

	e.mu.Lock()
	if e.exited == exited {
		e.ptmx.Close()
		e.ptmx = nil
		e.cmd = nil
	}
	e.mu.Unlock()
	close(exited)
}

// Name returns the pseudo-terminal device path, or "" when not running.
func (e *Executor) Name() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ptmx == nil {
		return ""
	}
	return e.ptmx.Name()
}

// Running reports whether the shell is alive.
func (e *Executor) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ptmx != nil
}

func (e *Executor) sendLocked(line string) error {
	if e.ptmx == nil {
		return ErrNotRunning
	}
	if _, err := e.ptmx.Write([]byte(line + "\r")); err != nil {
		return fmt.Errorf("pty: write: %w", err)
	}
	return nil
}

// Write sends one line of input to the shell.
func (e *Executor) Write(line string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sendLocked(line)
}

// Interrupt sends ^C to the shell.
func (e *Executor) Interrupt() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ptmx == nil {
		return ErrNotRunning
	}
	_, err := e.ptmx.Write([]byte{ctrlC})
	return err
}

// Execute runs command in the background of the shell and waits for its
// callback. The output file is removed once read.
func (e *Executor) Execute(ctx context.Context, command string) (Result, error) {
	id := uuid.NewString()
	out := filepath.Join(e.opts.TempDir, "termbridge-"+id)
	ch := make(chan Result, 1)

	e.mu.Lock()
	e.pending[id] = pendingCommand{out: out, ch: ch}
	line := fmt.Sprintf("{ ( %s ) > %s 2>&1; %s %s %s $?; } &",
		command, shellQuote(out), e.opts.CallbackCommand, id, shellQuote(out))
	err := e.sendLocked(line)
	if err != nil {
		delete(e.pending, id)
	}
	e.mu.Unlock()
	if err != nil {
		return Result{}, err
	}
	ptyLog.Debug("pty_execute", slog.String("handler_id", id), slog.String("command", command))

	select {
	case r, ok := <-ch:
		if !ok {
			return Result{}, ErrClosed
		}
		return r, nil
	case <-ctx.Done():
		e.mu.Lock()
		delete(e.pending, id)
		e.mu.Unlock()
		os.Remove(out)
		return Result{}, ctx.Err()
	}
}

// HandleCallback resolves the pending command named by h. Unknown handler ids
// are ignored and reported as false. Only the output file created by Execute
// is read, whatever path the hook names.
func (e *Executor) HandleCallback(h *ipc.CallbackHook) bool {
	e.mu.Lock()
	p, ok := e.pending[h.HandlerID]
	delete(e.pending, h.HandlerID)
	e.mu.Unlock()
	if !ok {
		logging.Aggregate(logging.CompPTY, "callback_unknown_handler")
		return false
	}

	r := Result{HandlerID: h.HandlerID, ExitCode: -1}
	if code, err := strconv.Atoi(strings.TrimSpace(h.ExitCode)); err == nil {
		r.ExitCode = code
	}
	if h.Filepath != "" && filepath.Clean(h.Filepath) != p.out {
		ptyLog.Warn("pty_callback_path_mismatch",
			slog.String("handler_id", h.HandlerID),
			slog.String("filepath", h.Filepath))
	}
	data, err := os.ReadFile(p.out)
	if err != nil {
		ptyLog.Warn("pty_callback_read_failed",
			slog.String("handler_id", h.HandlerID),
			slog.String("error", err.Error()))
	}
	r.Output = string(data)
	os.Remove(p.out)
	p.ch <- r
	ptyLog.Debug("pty_callback", slog.String("handler_id", h.HandlerID), slog.Int("exit_code", r.ExitCode))
	return true
}

// Pending returns the number of commands awaiting a callback.
func (e *Executor) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Subscribe routes callback hooks from d to the executor.
func (e *Executor) Subscribe(d *dispatch.Dispatcher) {
	d.Subscribe(ipc.HookCallback, "pty", func(ctx context.Context, h *ipc.Hook) {
		if b, ok := h.Body.(*ipc.CallbackHook); ok {
			e.HandleCallback(b)
		}
	})
}

// Close ends the shell and fails every pending Execute with ErrClosed.
func (e *Executor) Close() error {
	e.mu.Lock()
	for id, p := range e.pending {
		close(p.ch)
		delete(e.pending, id)
	}
	ptmx, cmd, exited := e.ptmx, e.cmd, e.exited
	if ptmx != nil {
		_, _ = ptmx.Write([]byte{ctrlD})
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}
	e.mu.Unlock()

	if exited == nil {
		return nil
	}
	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		e.mu.Lock()
		if e.cmd != nil {
			_ = e.cmd.Process.Kill()
		}
		e.mu.Unlock()
		<-exited
	}
	return nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

func fileExists(p string) bool {
	st, err := os.Stat(p)
	return err == nil && !st.IsDir()
}
