package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/tchow-twistedxcom/termbridge/internal/clipboard"
	"github.com/tchow-twistedxcom/termbridge/internal/config"
	"github.com/tchow-twistedxcom/termbridge/internal/ipc"
	"github.com/tchow-twistedxcom/termbridge/internal/platform"
	"github.com/tchow-twistedxcom/termbridge/internal/settings"
	"github.com/tchow-twistedxcom/termbridge/internal/update"
)

// installTimeout bounds downloading and replacing the binary.
const installTimeout = 5 * time.Minute

// simpleCommand sends a command without arguments.
func simpleCommand(name, usage string, body func() ipc.CommandBody) *cli.Command {
	return &cli.Command{
		Name:  name,
		Usage: usage,
		Action: func(c *cli.Context) error {
			return run(c, body())
		},
	}
}

func diagnosticCommand() *cli.Command {
	return &cli.Command{
		Name:    "diagnostic",
		Aliases: []string{"doctor"},
		Usage:   "show host diagnostics",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "copy", Usage: "also copy the diagnostics as JSON to the clipboard"},
		},
		Action: func(c *cli.Context) error {
			resp, err := request(c, &ipc.DiagnosticsCommand{})
			if err != nil {
				return err
			}
			if err := printResponse(c, resp); err != nil {
				return err
			}
			if !c.Bool("copy") {
				return nil
			}
			var buf bytes.Buffer
			if err := printJSON(&buf, resp); err != nil {
				return err
			}
			return copyToClipboard(c, buf.String())
		},
	}
}

// copyToClipboard reports on stderr so stdout stays machine readable.
func copyToClipboard(c *cli.Context, text string) error {
	res, err := clipboard.Copy(text, clipboard.Options{})
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	fmt.Fprintln(c.App.ErrWriter, dimStyle.Render(
		fmt.Sprintf("Copied %d bytes (%d lines) via %s", res.ByteSize, res.LineCount, res.Method)))
	return nil
}

func restartCommand() *cli.Command {
	return simpleCommand("restart", "restart the host",
		func() ipc.CommandBody { return &ipc.RestartCommand{} })
}

func quitCommand() *cli.Command {
	return simpleCommand("quit", "stop the host",
		func() ipc.CommandBody { return &ipc.QuitCommand{} })
}

func logoutCommand() *cli.Command {
	return simpleCommand("logout", "clear history and cached state, then restart",
		func() ipc.CommandBody { return &ipc.LogoutCommand{} })
}

func installScriptCommand() *cli.Command {
	return simpleCommand("install-script", "run the configured install script on the host",
		func() ipc.CommandBody { return &ipc.RunInstallScriptCommand{} })
}

func resetCacheCommand() *cli.Command {
	return simpleCommand("reset-cache", "drop cached update and data files",
		func() ipc.CommandBody { return &ipc.ResetCacheCommand{} })
}

func promptAccessibilityCommand() *cli.Command {
	return simpleCommand("prompt-accessibility", "enable window observation",
		func() ipc.CommandBody { return &ipc.PromptAccessibilityCommand{} })
}

func restartSettingsListenerCommand() *cli.Command {
	return simpleCommand("restart-settings-listener", "restart the settings file watcher",
		func() ipc.CommandBody { return &ipc.RestartSettingsListenerCommand{} })
}

func integrationsCommand() *cli.Command {
	action := func(a ipc.IntegrationAction) cli.ActionFunc {
		return func(c *cli.Context) error {
			id := c.Args().First()
			if id == "" {
				return cli.Exit("missing integration identifier", 2)
			}
			return run(c, &ipc.TerminalIntegrationCommand{
				Identifier: id,
				Action:     a,
				Silent:     c.Bool("silent"),
			})
		}
	}
	silent := func() []cli.Flag {
		return []cli.Flag{&cli.BoolFlag{Name: "silent", Usage: "suppress the status message"}}
	}
	return &cli.Command{
		Name:  "integrations",
		Usage: "manage shell and terminal integrations",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "list integrations and their status",
				Action: func(c *cli.Context) error {
					return run(c, &ipc.ListTerminalIntegrationsCommand{})
				},
			},
			{Name: "install", Usage: "install an integration", ArgsUsage: "ID", Flags: silent(), Action: action(ipc.ActionInstall)},
			{Name: "uninstall", Usage: "remove an integration", ArgsUsage: "ID", Flags: silent(), Action: action(ipc.ActionUninstall)},
			{Name: "verify", Usage: "check an integration is installed", ArgsUsage: "ID", Flags: silent(), Action: action(ipc.ActionVerifyInstall)},
		},
	}
}

func updateCommand() *cli.Command {
	return &cli.Command{
		Name:  "update",
		Usage: "check for a newer release",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "force", Usage: "ignore the cached check"},
			&cli.BoolFlag{Name: "install", Usage: "download and install the release over this binary"},
		},
		Action: func(c *cli.Context) error {
			if err := run(c, &ipc.UpdateCommand{Force: c.Bool("force")}); err != nil {
				return err
			}
			if !c.Bool("install") {
				return nil
			}
			return installUpdate(c)
		},
	}
}

// installUpdate replaces the running binary with the latest release.
func installUpdate(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		cfg = config.Default()
	}
	dir, _ := config.Dir()
	checker := update.NewChecker(update.Options{
		FeedURL:        cfg.Updates.FeedURL,
		CurrentVersion: Version,
		CacheDir:       dir,
	})

	ctx, cancel := context.WithTimeout(c.Context, installTimeout)
	defer cancel()
	info, err := checker.Check(ctx, true)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	if !info.Available {
		return nil
	}
	exe, err := os.Executable()
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	if err := checker.Install(ctx, info.DownloadURL, exe); err != nil {
		return cli.Exit(err.Error(), 1)
	}
	fmt.Fprintln(c.App.Writer, successStyle.Render("Installed termbridge "+info.LatestVersion)+
		dimStyle.Render(" (run `termbridge restart` to reload the host)"))
	return nil
}

func debugCommand() *cli.Command {
	return &cli.Command{
		Name:      "debug",
		Usage:     "show or change host debug mode",
		ArgsUsage: "[on|off|toggle]",
		Action: func(c *cli.Context) error {
			cmd := &ipc.DebugModeCommand{}
			switch arg := strings.ToLower(c.Args().First()); arg {
			case "":
			case "toggle":
				t := true
				cmd.Toggle = &t
			default:
				v, err := parseOnOff(arg)
				if err != nil {
					return cli.Exit(err.Error(), 2)
				}
				cmd.Set = &v
			}
			return run(c, cmd)
		},
	}
}

func parseOnOff(s string) (bool, error) {
	switch s {
	case "on", "enable", "enabled":
		return true, nil
	case "off", "disable", "disabled":
		return false, nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("expected on, off or toggle, got %q", s)
	}
	return v, nil
}

func reportCommand() *cli.Command {
	return &cli.Command{
		Name:      "report",
		Usage:     "write a diagnostics bundle for a bug report",
		ArgsUsage: "[MESSAGE]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "path", Usage: "write the bundle to this .zst `FILE`"},
			&cli.StringFlag{Name: "env-var", Usage: "extra environment detail to include"},
			&cli.StringFlag{Name: "terminal", Usage: "terminal name (default: detected)"},
			&cli.BoolFlag{Name: "copy", Usage: "copy the bundle path to the clipboard"},
		},
		Action: func(c *cli.Context) error {
			terminal := c.String("terminal")
			if terminal == "" {
				terminal = platform.DetectTerminal(nil)
			}
			// Without --path the host is told the shell's working directory.
			path := c.String("path")
			if path == "" {
				path, _ = os.Getwd()
			} else if abs, err := filepath.Abs(path); err == nil {
				path = abs
			}
			resp, err := request(c, &ipc.ReportWindowCommand{
				Report:   strings.Join(c.Args().Slice(), " "),
				Path:     path,
				EnvVar:   c.String("env-var"),
				Terminal: terminal,
			})
			if err != nil {
				return err
			}
			if err := printResponse(c, resp); err != nil {
				return err
			}
			if written, ok := reportPath(resp); c.Bool("copy") && ok {
				return copyToClipboard(c, written)
			}
			return nil
		},
	}
}

// reportPath extracts the bundle path from the host's success message.
func reportPath(resp ipc.ResponseBody) (string, bool) {
	s, ok := resp.(*ipc.SuccessResponse)
	if !ok {
		return "", false
	}
	const prefix = "Report written to "
	if !strings.HasPrefix(s.Message, prefix) {
		return "", false
	}
	return strings.TrimPrefix(s.Message, prefix), true
}

func buildCommand() *cli.Command {
	return &cli.Command{
		Name:      "build",
		Usage:     "show or switch the release branch",
		ArgsUsage: "[BRANCH]",
		Action: func(c *cli.Context) error {
			cmd := &ipc.BuildCommand{}
			if c.NArg() > 0 {
				branch := c.Args().First()
				cmd.Branch = &branch
			}
			return run(c, cmd)
		},
	}
}

func settingsCommand() *cli.Command {
	return &cli.Command{
		Name:  "settings",
		Usage: "read and change host settings",
		Subcommands: []*cli.Command{
			{
				Name:  "open",
				Usage: "print the settings file the host watches",
				Action: func(c *cli.Context) error {
					return run(c, &ipc.OpenUIElementCommand{Element: ipc.UISettings})
				},
			},
			{
				Name:      "get",
				Usage:     "print one setting, or all of them",
				ArgsUsage: "[KEY]",
				Action:    settingsGet,
			},
			{
				Name:      "set",
				Usage:     "change a setting; the host picks it up from the file",
				ArgsUsage: "KEY VALUE",
				Action:    settingsSet,
			},
		},
	}
}

func openSettings() (*settings.Store, error) {
	dir, err := config.Dir()
	if err != nil {
		return nil, err
	}
	return settings.NewStore(filepath.Join(dir, settings.FileName))
}

func settingsGet(c *cli.Context) error {
	store, err := openSettings()
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	if key := c.Args().First(); key != "" {
		v, ok := store.Get(key)
		if !ok {
			return cli.Exit(fmt.Sprintf("%s is not set", key), 1)
		}
		if ok, err := printStructured(c, v); ok {
			return err
		}
		fmt.Fprintln(c.App.Writer, v)
		return nil
	}
	if ok, err := printStructured(c, store.Snapshot()); ok {
		return err
	}
	var rows []kv
	for _, k := range store.Keys() {
		v, _ := store.Get(k)
		rows = append(rows, kv{k, fmt.Sprint(v)})
	}
	printTable(c.App.Writer, rows)
	return nil
}

func settingsSet(c *cli.Context) error {
	if c.NArg() != 2 {
		return cli.Exit("usage: termbridge settings set KEY VALUE", 2)
	}
	store, err := openSettings()
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	if err := store.Set(c.Args().Get(0), parseSettingValue(c.Args().Get(1))); err != nil {
		return cli.Exit(err.Error(), 1)
	}
	return nil
}

// parseSettingValue stores booleans and numbers with their JSON type. "null"
// removes the key.
func parseSettingValue(s string) any {
	switch s {
	case "true":
		return true
	case "false":
		return false
	case "null":
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}
