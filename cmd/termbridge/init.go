package main

import (
	"embed"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/urfave/cli/v2"
)

//go:embed scripts/termbridge.*
var scripts embed.FS

// shells lists the shells init can print an integration for.
func shells() []string {
	entries, _ := scripts.ReadDir("scripts")
	var out []string
	for _, e := range entries {
		out = append(out, strings.TrimPrefix(e.Name(), "termbridge."))
	}
	sort.Strings(out)
	return out
}

// renderInit returns the integration script for shell with the client
// command substituted.
func renderInit(shell, cliPath string) (string, error) {
	data, err := scripts.ReadFile("scripts/termbridge." + shell)
	if err != nil {
		return "", fmt.Errorf("unsupported shell %q (supported: %s)", shell, strings.Join(shells(), ", "))
	}
	r := strings.NewReplacer(
		"{{CLI}}", shellQuote(cliPath),
		"{{VERSION}}", strconv.Itoa(integrationVersion),
	)
	return r.Replace(string(data)), nil
}

// shellQuote single-quotes s unless it is made only of safe characters.
func shellQuote(s string) string {
	safe := s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' ||
			strings.ContainsRune("/._-+:@%", r))
	}) < 0
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func initCommand() *cli.Command {
	return &cli.Command{
		Name:      "init",
		Usage:     "print the shell integration to eval from an rc file",
		ArgsUsage: "zsh|bash|fish",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "cli", Usage: "client command the hooks run (default: this binary)"},
		},
		Action: func(c *cli.Context) error {
			shell := c.Args().First()
			if shell == "" {
				return cli.Exit("usage: termbridge init "+strings.Join(shells(), "|"), 2)
			}
			cliPath := c.String("cli")
			if cliPath == "" {
				cliPath = "termbridge"
				if exe, err := os.Executable(); err == nil {
					cliPath = exe
				}
			}
			script, err := renderInit(shell, cliPath)
			if err != nil {
				return cli.Exit(err.Error(), 2)
			}
			_, err = fmt.Fprint(c.App.Writer, script)
			return err
		},
	}
}
