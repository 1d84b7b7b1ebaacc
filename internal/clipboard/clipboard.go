// Package clipboard copies CLI output, such as a diagnostics dump or the
// path of a report bundle, to the user's clipboard.
package clipboard

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/aymanbagabas/go-osc52/v2"

	"github.com/tchow-twistedxcom/termbridge/internal/platform"
)

// ErrEmpty is returned when there is nothing to copy.
var ErrEmpty = errors.New("clipboard: no content to copy")

// ErrUnavailable is returned when no native tool exists and no terminal
// accepts OSC 52.
var ErrUnavailable = errors.New("clipboard: no clipboard method available (install pbcopy, xclip, xsel or wl-copy)")

// Result describes a successful copy.
type Result struct {
	Method    string // pbcopy, xclip, osc52, ...
	ByteSize  int
	LineCount int
}

// Options replaces the environment Copy inspects. Zero values use the real
// process environment.
type Options struct {
	Platform platform.Platform
	Getenv   func(string) string
	LookPath func(string) (string, error)
	// Run pipes text into name with args.
	Run func(name string, args []string, text string) error
	// TTY receives the OSC 52 sequence when no native tool is found. Nil
	// opens /dev/tty.
	TTY io.Writer
	// DisableOSC52 skips the escape sequence fallback.
	DisableOSC52 bool
}

func (o *Options) applyDefaults() {
	if o.Platform == "" {
		o.Platform = platform.Detect()
	}
	if o.Getenv == nil {
		o.Getenv = os.Getenv
	}
	if o.LookPath == nil {
		o.LookPath = exec.LookPath
	}
	if o.Run == nil {
		o.Run = runClipCmd
	}
}

// Copy puts text on the clipboard, trying the platform's native tool first
// and falling back to an OSC 52 escape sequence written to the terminal.
func Copy(text string, opts Options) (Result, error) {
	if text == "" {
		return Result{}, ErrEmpty
	}
	opts.applyDefaults()
	res := Result{ByteSize: len(text), LineCount: countLines(text)}

	method, err := copyNative(text, opts)
	if err == nil {
		res.Method = method
		return res, nil
	}
	if opts.DisableOSC52 {
		return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := copyOSC52(text, opts); err != nil {
		return Result{}, fmt.Errorf("clipboard: osc52: %w", err)
	}
	res.Method = "osc52"
	return res, nil
}

type tool struct {
	name string
	args []string
}

// nativeTools lists clipboard commands in preference order.
func nativeTools(opts Options) []tool {
	switch opts.Platform {
	case platform.PlatformMacOS:
		return []tool{{name: "pbcopy"}}
	case platform.PlatformWSL1, platform.PlatformWSL2:
		return []tool{{name: "clip.exe"}}
	case platform.PlatformLinux:
		var tools []tool
		// Wayland takes priority over X11
		if opts.Getenv("WAYLAND_DISPLAY") != "" {
			tools = append(tools, tool{name: "wl-copy"})
		}
		return append(tools,
			tool{name: "xclip", args: []string{"-selection", "clipboard"}},
			tool{name: "xsel", args: []string{"--clipboard", "--input"}})
	}
	return nil
}

func copyNative(text string, opts Options) (string, error) {
	tools := nativeTools(opts)
	if len(tools) == 0 {
		return "", fmt.Errorf("unsupported platform: %s", opts.Platform)
	}
	for _, t := range tools {
		path, err := opts.LookPath(t.name)
		if err != nil {
			continue
		}
		if err := opts.Run(path, t.args, text); err != nil {
			return "", fmt.Errorf("%s: %w", t.name, err)
		}
		return t.name, nil
	}
	return "", fmt.Errorf("no clipboard command found on %s", opts.Platform)
}

func runClipCmd(name string, args []string, text string) error {
	cmd := exec.Command(name, args...)
	cmd.Stdin = strings.NewReader(text)
	return cmd.Run()
}

// copyOSC52 writes the sequence to the controlling terminal so it bypasses
// any stdout redirection. Inside tmux it is wrapped in a passthrough.
func copyOSC52(text string, opts Options) error {
	seq := osc52.New(text)
	if platform.InTmux(opts.Getenv) {
		seq = seq.Tmux()
	} else if strings.HasPrefix(opts.Getenv("TERM"), "screen") {
		seq = seq.Screen()
	}

	w := opts.TTY
	if w == nil {
		tty, err := os.OpenFile("/dev/tty", os.O_WRONLY, 0)
		if err != nil {
			return fmt.Errorf("cannot open /dev/tty: %w", err)
		}
		defer tty.Close()
		w = tty
	}
	_, err := seq.WriteTo(w)
	return err
}

// countLines counts lines; a trailing newline does not add one.
func countLines(text string) int {
	if text == "" {
		return 0
	}
	n := strings.Count(text, "\n")
	if !strings.HasSuffix(text, "\n") {
		n++
	}
	return n
}
