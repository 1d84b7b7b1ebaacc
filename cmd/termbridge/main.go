// Command termbridge is the shell-side client of termbridged. Shell
// integrations call `termbridge hook ...` from their prompt and preexec
// functions; users call the remaining commands directly.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/urfave/cli/v2"
	"golang.org/x/term"

	"github.com/tchow-twistedxcom/termbridge/internal/config"
	"github.com/tchow-twistedxcom/termbridge/internal/ipc"
)

// Version is set at build time via -ldflags.
var Version = "0.1.0"

// integrationVersion is the shell integration protocol version the bundled
// init scripts speak.
const integrationVersion = 8

func main() {
	initColorProfile()

	app := newApp(os.Stdout, os.Stderr)
	if err := app.Run(normalizeArgs(os.Args)); err != nil {
		os.Exit(reportError(os.Stderr, err))
	}
}

// newApp builds the command tree writing to stdout and stderr.
func newApp(stdout, stderr io.Writer) *cli.App {
	app := &cli.App{
		Name:                 "termbridge",
		Usage:                "talk to the termbridge host from a shell",
		Version:              Version,
		Writer:               stdout,
		ErrWriter:            stderr,
		EnableBashCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "socket",
				Usage:   "modern socket `PATH` (default from config)",
				EnvVars: []string{"TERMBRIDGE_SOCKET"},
			},
			&cli.StringFlag{
				Name:    "legacy-socket",
				Usage:   "legacy socket `PATH` used by --legacy hooks",
				EnvVars: []string{"TERMBRIDGE_LEGACY_SOCKET"},
			},
			&cli.StringFlag{
				Name:  "encoding",
				Usage: "frame payload encoding: binary or json",
				Value: "binary",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "how long to wait for the host to answer",
				Value: 5 * time.Second,
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "print responses as JSON",
			},
			&cli.BoolFlag{
				Name:  "yaml",
				Usage: "print responses as YAML",
			},
		},
		Commands: []*cli.Command{
			hookCommand(),
			diagnosticCommand(),
			integrationsCommand(),
			updateCommand(),
			restartCommand(),
			quitCommand(),
			logoutCommand(),
			debugCommand(),
			settingsCommand(),
			reportCommand(),
			installScriptCommand(),
			buildCommand(),
			resetCacheCommand(),
			promptAccessibilityCommand(),
			restartSettingsListenerCommand(),
			initCommand(),
			historyCommand(),
		},
		// Exit codes are decided by main so tests never call os.Exit.
		ExitErrHandler: func(*cli.Context, error) {},
	}
	return app
}

// reportError prints err and returns the process exit code for it.
func reportError(w io.Writer, err error) int {
	var coder cli.ExitCoder
	if errors.As(err, &coder) {
		if msg := strings.TrimSpace(coder.Error()); msg != "" {
			fmt.Fprintln(w, errorStyle.Render("Error: ")+msg)
		}
		return coder.ExitCode()
	}
	fmt.Fprintln(w, errorStyle.Render("Error: ")+err.Error())
	return 1
}

// normalizeArgs keeps the binary name and drops a lone "--" some shells
// insert when forwarding arguments from functions.
func normalizeArgs(args []string) []string {
	if len(args) > 1 && args[1] == "--" {
		return append([]string{args[0]}, args[2:]...)
	}
	return args
}

// clientOptions are the global flags every host-facing command reads.
type clientOptions struct {
	socket       string
	legacySocket string
	encoding     ipc.Encoding
	timeout      time.Duration
}

func optionsFrom(c *cli.Context) (clientOptions, error) {
	enc, err := ipc.ParseEncoding(c.String("encoding"))
	if err != nil {
		return clientOptions{}, cli.Exit(err.Error(), 2)
	}
	opts := clientOptions{
		socket:       c.String("socket"),
		legacySocket: c.String("legacy-socket"),
		encoding:     enc,
		timeout:      c.Duration("timeout"),
	}
	if opts.socket == "" || opts.legacySocket == "" {
		cfg, err := config.Load()
		if err != nil {
			cfg = config.Default()
		}
		if opts.socket == "" {
			opts.socket = cfg.IPC.ModernSocket
		}
		if opts.legacySocket == "" {
			opts.legacySocket = cfg.IPC.LegacySocket
		}
	}
	return opts, nil
}

func (o clientOptions) context(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	if o.timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, o.timeout)
}

// initColorProfile picks the lipgloss color profile from TERMBRIDGE_COLOR,
// falling back to plain text when stdout is not a terminal.
func initColorProfile() {
	// TERMBRIDGE_COLOR: truecolor, 256, 16, none
	switch strings.ToLower(os.Getenv("TERMBRIDGE_COLOR")) {
	case "truecolor", "true", "24bit":
		lipgloss.SetColorProfile(termenv.TrueColor)
		return
	case "256", "ansi256":
		lipgloss.SetColorProfile(termenv.ANSI256)
		return
	case "16", "ansi", "basic":
		lipgloss.SetColorProfile(termenv.ANSI)
		return
	case "none", "off", "ascii":
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}

	if !term.IsTerminal(int(os.Stdout.Fd())) || os.Getenv("NO_COLOR") != "" {
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}
	colorTerm := os.Getenv("COLORTERM")
	if colorTerm == "truecolor" || colorTerm == "24bit" {
		lipgloss.SetColorProfile(termenv.TrueColor)
		return
	}
	lipgloss.SetColorProfile(termenv.ANSI256)
}
