package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/tchow-twistedxcom/termbridge/internal/ipc"
	"github.com/tchow-twistedxcom/termbridge/internal/platform"
	"github.com/tchow-twistedxcom/termbridge/internal/transport"
)

// initEnvVars are forwarded with the init hook so the host can tell which
// terminal and multiplexer the shell runs in.
var initEnvVars = []string{
	"TERM", "TERM_PROGRAM", "TERM_PROGRAM_VERSION", "COLORTERM",
	"TMUX", "TMUX_PANE", "SSH_CONNECTION", "SSH_TTY", "SHELL",
}

// hookBuilder turns the arguments of a hook subcommand into a hook body.
type hookBuilder func(c *cli.Context, sc *ipc.ShellContext) (ipc.HookBody, error)

func hookCommand() *cli.Command {
	sub := []*cli.Command{
		hookSubcommand("prompt", "the shell is about to draw a prompt", "", nil, buildPrompt),
		hookSubcommand("pre-exec", "a command line is about to run", "[COMMAND]", nil, buildPreExec),
		hookSubcommand("post-exec", "a command line finished", "COMMAND", []cli.Flag{
			&cli.IntFlag{Name: "exit-code", Usage: "exit status of the command"},
		}, buildPostExec),
		hookSubcommand("edit-buffer", "the command line being edited changed", "TEXT", []cli.Flag{
			&cli.Int64Flag{Name: "cursor", Usage: "cursor offset in runes"},
			&cli.Int64Flag{Name: "histno", Usage: "shell history number"},
		}, buildEditBuffer),
		hookSubcommand("init", "a shell session started", "", []cli.Flag{
			&cli.BoolFlag{Name: "called-direct", Usage: "the integration was sourced by hand"},
			&cli.StringFlag{Name: "bundle", Usage: "bundle id of the hosting terminal"},
		}, buildInit),
		hookSubcommand("callback", "a pty command finished writing its output", "HANDLER FILE [EXIT_CODE]", nil, buildCallback),
		hookSubcommand("tmux-pane-changed", "the focused tmux pane changed", "%PANE", nil, buildTmuxPane),
		hookSubcommand("focus-changed", "a terminal tab gained keyboard focus", "SESSION", []cli.Flag{
			&cli.StringFlag{Name: "app", Usage: "bundle id of the terminal"},
		}, buildFocusChanged),
		hookSubcommand("ssh", "an ssh control connection opened", "CONTROL_PATH", nil, buildSSH),
		hookSubcommand("integration-ready", "an integration finished loading", "IDENTIFIER", nil, buildIntegrationReady),
		hookSubcommand("hide", "hide any host ui", "", nil, buildHide),
		hookSubcommand("event", "a named event happened", "NAME", nil, buildEvent),
	}
	return &cli.Command{
		Name:        "hook",
		Usage:       "send a shell hook to the host",
		Subcommands: sub,
	}
}

// shellContextFlags describe the shell sending a hook. Defaults come from the
// environment the shell integration exports.
func shellContextFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "session", Usage: "terminal session `ID`", EnvVars: []string{"TERMBRIDGE_SESSION_ID"}},
		&cli.IntFlag{Name: "pid", Usage: "shell process id (default: parent process)"},
		&cli.StringFlag{Name: "tty", Usage: "controlling tty"},
		&cli.StringFlag{Name: "cwd", Usage: "working directory (default: $PWD)"},
		&cli.StringFlag{Name: "shell", Usage: "shell process name"},
		&cli.StringFlag{Name: "hostname", Usage: "host the shell runs on"},
		&cli.StringFlag{Name: "terminal", Usage: "terminal emulator (default: detected)"},
		&cli.IntFlag{Name: "integration-version", Usage: "integration protocol version", Value: integrationVersion},
		&cli.BoolFlag{Name: "legacy", Usage: "send a base64 line to the legacy socket instead"},
	}
}

func hookSubcommand(name, usage, argsUsage string, extra []cli.Flag, build hookBuilder) *cli.Command {
	return &cli.Command{
		Name:      name,
		Usage:     usage,
		ArgsUsage: argsUsage,
		Flags:     append(shellContextFlags(), extra...),
		Action: func(c *cli.Context) error {
			body, err := build(c, shellContextFrom(c))
			if err != nil {
				return cli.Exit(err.Error(), 2)
			}
			return sendHook(c, body)
		},
	}
}

func shellContextFrom(c *cli.Context) *ipc.ShellContext {
	pid := c.Int("pid")
	if pid == 0 {
		pid = os.Getppid()
	}
	cwd := c.String("cwd")
	if cwd == "" {
		cwd = os.Getenv("PWD")
	}
	hostname := c.String("hostname")
	if hostname == "" {
		hostname, _ = os.Hostname()
	}
	terminal := c.String("terminal")
	if terminal == "" {
		terminal = platform.DetectTerminal(nil)
	}
	return &ipc.ShellContext{
		PID:                     int32(pid),
		TTYs:                    c.String("tty"),
		ProcessName:             c.String("shell"),
		CurrentWorkingDirectory: cwd,
		SessionID:               c.String("session"),
		IntegrationVersion:      int32(c.Int("integration-version")),
		Terminal:                terminal,
		Hostname:                hostname,
	}
}

// sendHook delivers a hook without waiting. An unreachable host is not an
// error: shells call hooks on every prompt whether or not it is running.
func sendHook(c *cli.Context, body ipc.HookBody) error {
	opts, err := optionsFrom(c)
	if err != nil {
		return err
	}
	ctx, cancel := opts.context(c.Context)
	defer cancel()

	if c.Bool("legacy") {
		tokens, ok := legacyTokens(body)
		if !ok {
			return cli.Exit(fmt.Sprintf("%s has no legacy form", body.HookKind()), 2)
		}
		if err := transport.SendLegacy(ctx, opts.legacySocket, ipc.EncodeLegacy(tokens...)); err != nil {
			return hookSendError(err)
		}
		return nil
	}

	client, err := transport.Dial(ctx, opts.socket)
	if err != nil {
		return hookSendError(err)
	}
	defer client.Close()
	if err := client.Send(ipc.NewHook(body), opts.encoding); err != nil {
		return hookSendError(err)
	}
	return nil
}

func hookSendError(err error) error {
	if os.Getenv("TERMBRIDGE_HOOK_ERRORS") == "" {
		return nil
	}
	return cli.Exit(err.Error(), 1)
}

func buildPrompt(_ *cli.Context, sc *ipc.ShellContext) (ipc.HookBody, error) {
	return &ipc.PromptHook{Context: sc}, nil
}

func buildPreExec(c *cli.Context, sc *ipc.ShellContext) (ipc.HookBody, error) {
	h := &ipc.PreExecHook{Context: sc}
	if c.NArg() > 0 {
		cmd := strings.Join(c.Args().Slice(), " ")
		h.Command = &cmd
	}
	return h, nil
}

func buildPostExec(c *cli.Context, sc *ipc.ShellContext) (ipc.HookBody, error) {
	return &ipc.PostExecHook{
		Context:  sc,
		Command:  strings.Join(c.Args().Slice(), " "),
		ExitCode: int32(c.Int("exit-code")),
	}, nil
}

func buildEditBuffer(c *cli.Context, sc *ipc.ShellContext) (ipc.HookBody, error) {
	return &ipc.EditBufferHook{
		Context: sc,
		Text:    c.Args().First(),
		Cursor:  c.Int64("cursor"),
		Histno:  c.Int64("histno"),
	}, nil
}

func buildInit(c *cli.Context, sc *ipc.ShellContext) (ipc.HookBody, error) {
	env := make(map[string]string)
	for _, k := range initEnvVars {
		if v, ok := os.LookupEnv(k); ok {
			env[k] = v
		}
	}
	return &ipc.InitHook{
		Context:      sc,
		CalledDirect: c.Bool("called-direct"),
		Bundle:       c.String("bundle"),
		Env:          env,
	}, nil
}

func buildCallback(c *cli.Context, _ *ipc.ShellContext) (ipc.HookBody, error) {
	if c.NArg() < 2 {
		return nil, fmt.Errorf("callback needs HANDLER and FILE")
	}
	exitCode := "-1"
	if c.NArg() > 2 {
		exitCode = c.Args().Get(2)
	}
	return &ipc.CallbackHook{
		HandlerID: c.Args().Get(0),
		Filepath:  c.Args().Get(1),
		ExitCode:  exitCode,
	}, nil
}

// parsePaneID reads a tmux pane id such as "%12". A bare "%" means the tmux
// session went away and maps to -1.
func parsePaneID(s string) (int32, error) {
	pane := strings.TrimPrefix(strings.TrimSpace(s), "%")
	if pane == "" {
		if strings.HasPrefix(s, "%") {
			return -1, nil
		}
		return 0, fmt.Errorf("missing pane id")
	}
	n, err := strconv.ParseInt(pane, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid pane id %q", s)
	}
	return int32(n), nil
}

func buildTmuxPane(c *cli.Context, _ *ipc.ShellContext) (ipc.HookBody, error) {
	pane, err := parsePaneID(c.Args().First())
	if err != nil {
		return nil, err
	}
	return &ipc.TmuxPaneChangedHook{PaneIdentifier: pane}, nil
}

func buildFocusChanged(c *cli.Context, sc *ipc.ShellContext) (ipc.HookBody, error) {
	session := c.Args().First()
	if session == "" {
		session = sc.SessionID
	}
	if session == "" {
		return nil, fmt.Errorf("focus-changed needs a SESSION")
	}
	return &ipc.KeyboardFocusChangedHook{AppIdentifier: c.String("app"), FocusedSessionID: session}, nil
}

func buildSSH(c *cli.Context, sc *ipc.ShellContext) (ipc.HookBody, error) {
	return &ipc.SSHConnectionOpenedHook{Context: sc, ControlPath: c.Args().First()}, nil
}

func buildIntegrationReady(c *cli.Context, _ *ipc.ShellContext) (ipc.HookBody, error) {
	id := c.Args().First()
	if id == "" {
		return nil, fmt.Errorf("integration-ready needs an IDENTIFIER")
	}
	return &ipc.IntegrationReadyHook{Identifier: id}, nil
}

func buildHide(*cli.Context, *ipc.ShellContext) (ipc.HookBody, error) {
	return &ipc.HideHook{}, nil
}

func buildEvent(c *cli.Context, _ *ipc.ShellContext) (ipc.HookBody, error) {
	if c.NArg() == 0 {
		return nil, fmt.Errorf("event needs a NAME")
	}
	return &ipc.EventHook{EventName: strings.Join(c.Args().Slice(), " ")}, nil
}

// legacyTokens renders a hook in the space separated layout older
// integrations write to the legacy socket. Hooks the legacy protocol never
// carried return ok=false.
func legacyTokens(body ipc.HookBody) ([]string, bool) {
	header := func(name string, sc *ipc.ShellContext) []string {
		if sc == nil {
			sc = &ipc.ShellContext{}
		}
		session := sc.SessionID
		if session == "" {
			session = "-"
		}
		return []string{"termbridge", name, session, strconv.Itoa(int(sc.IntegrationVersion))}
	}
	shellHook := func(name string, sc *ipc.ShellContext) []string {
		tty := "-"
		if sc != nil && sc.TTYs != "" {
			tty = sc.TTYs
		}
		var pid int32
		if sc != nil {
			pid = sc.PID
		}
		return append(header(name, sc), strconv.Itoa(int(pid)), tty)
	}

	switch b := body.(type) {
	case *ipc.InitHook:
		return shellHook(ipc.LegacyInit, b.Context), true
	case *ipc.PromptHook:
		return shellHook(ipc.LegacyPrompt, b.Context), true
	case *ipc.PreExecHook:
		return shellHook(ipc.LegacyExec, b.Context), true
	case *ipc.EditBufferHook:
		name := ipc.LegacyZshKeybuffer
		if b.Context != nil {
			switch b.Context.ProcessName {
			case "bash":
				name = ipc.LegacyBashKeybuffer
			case "fish":
				name = ipc.LegacyFishKeybuffer
			}
		}
		// Keypress layout after the version: tty pid histno cursor "buffer".
		tokens := shellHook(name, b.Context)
		tokens[4], tokens[5] = tokens[5], tokens[4]
		return append(tokens,
			strconv.FormatInt(b.Histno, 10),
			strconv.FormatInt(b.Cursor, 10),
			`"`+b.Text+`"`), true
	case *ipc.TmuxPaneChangedHook:
		pane := "%"
		if b.PaneIdentifier >= 0 {
			pane = "%" + strconv.Itoa(int(b.PaneIdentifier))
		}
		return append(header(ipc.LegacyTmux, nil), pane), true
	case *ipc.KeyboardFocusChangedHook:
		return append(header(ipc.LegacyTab, nil), b.FocusedSessionID), true
	case *ipc.SSHConnectionOpenedHook:
		return append(header(ipc.LegacySSH, b.Context), b.ControlPath), true
	case *ipc.HideHook:
		return header(ipc.LegacyHide, nil), true
	case *ipc.EventHook:
		return append(header(ipc.LegacyEvent, nil), b.EventName), true
	case *ipc.CallbackHook:
		tokens := []string{"termbridge", ipc.LegacyCallback, b.HandlerID, b.Filepath}
		if b.ExitCode != "" {
			tokens = append(tokens, b.ExitCode)
		}
		return tokens, true
	}
	return nil, false
}
