package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/charmbracelet/lipgloss"
	"github.com/goccy/go-yaml"
	"github.com/mattn/go-runewidth"
	"github.com/urfave/cli/v2"

	"github.com/tchow-twistedxcom/termbridge/internal/ipc"
)

var (
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	headerStyle  = lipgloss.NewStyle().Bold(true).Underline(true)
)

func printResponse(c *cli.Context, body ipc.ResponseBody) error {
	w := c.App.Writer
	if ok, err := printStructured(c, body); ok {
		return err
	}
	switch b := body.(type) {
	case *ipc.SuccessResponse:
		if b.Message != "" {
			fmt.Fprintln(w, successStyle.Render(b.Message))
		}
	case *ipc.IntegrationListResponse:
		printIntegrations(w, b.Integrations)
	case *ipc.DiagnosticsResponse:
		printDiagnostics(w, b)
	default:
		return printJSON(w, body)
	}
	return nil
}

// printStructured prints v as JSON or YAML when --json or --yaml is set and
// reports whether it did.
func printStructured(c *cli.Context, v any) (bool, error) {
	switch {
	case c.Bool("json"):
		return true, printJSON(c.App.Writer, v)
	case c.Bool("yaml"):
		return true, printYAML(c.App.Writer, v)
	}
	return false, nil
}

// printYAML goes through JSON so field names match the wire names.
func printYAML(w io.Writer, v any) error {
	data, err := sonic.ConfigStd.Marshal(v)
	if err != nil {
		return err
	}
	out, err := yaml.JSONToYAML(data)
	if err != nil {
		return err
	}
	_, err = w.Write(out)
	return err
}

func printJSON(w io.Writer, v any) error {
	data, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// padRight pads s with spaces to width display columns.
func padRight(s string, width int) string {
	if gap := width - runewidth.StringWidth(s); gap > 0 {
		return s + strings.Repeat(" ", gap)
	}
	return s
}

func printIntegrations(w io.Writer, list []ipc.TerminalIntegration) {
	if len(list) == 0 {
		fmt.Fprintln(w, dimStyle.Render("no integrations"))
		return
	}
	idWidth, nameWidth := len("ID"), len("NAME")
	for _, it := range list {
		idWidth = max(idWidth, runewidth.StringWidth(it.BundleIdentifier))
		nameWidth = max(nameWidth, runewidth.StringWidth(it.Name))
	}
	fmt.Fprintln(w, headerStyle.Render(padRight("ID", idWidth))+"  "+
		headerStyle.Render(padRight("NAME", nameWidth))+"  "+headerStyle.Render("STATUS"))
	for _, it := range list {
		fmt.Fprintf(w, "%s  %s  %s\n",
			padRight(it.BundleIdentifier, idWidth),
			padRight(it.Name, nameWidth),
			statusStyle(it.Status).Render(it.Status))
	}
}

func statusStyle(status string) lipgloss.Style {
	switch {
	case status == "installed":
		return successStyle
	case strings.HasPrefix(status, "failed"), status == "not installed":
		return errorStyle
	default:
		return dimStyle
	}
}

type kv struct {
	key, value string
}

func printDiagnostics(w io.Writer, d *ipc.DiagnosticsResponse) {
	rows := []kv{
		{"Version", d.Version},
		{"Platform", d.Platform},
		{"Debug mode", strconv.FormatBool(d.DebugMode)},
		{"Accessibility", d.Accessibility},
		{"Install script", d.InstallScript},
		{"PTY path", d.PseudoterminalPath},
		{"Current window", d.CurrentWindowIdentifier},
		{"Current process", d.CurrentProcess},
		{"Focused session", d.FocusedSession},
		{"Connections", strconv.FormatUint(uint64(d.Connections), 10)},
		{"Sessions", strconv.FormatUint(uint64(d.Sessions), 10)},
		{"Tracked apps", strconv.FormatUint(uint64(d.TrackedApps), 10)},
		{"Uptime", formatUptime(d.UptimeSeconds)},
	}
	printTable(w, rows)
	if len(d.RecentLogs) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, headerStyle.Render("Recent logs"))
		for _, line := range d.RecentLogs {
			fmt.Fprintln(w, dimStyle.Render(strings.TrimRight(line, "\n")))
		}
	}
}

func printTable(w io.Writer, rows []kv) {
	width := 0
	for _, r := range rows {
		width = max(width, runewidth.StringWidth(r.key))
	}
	for _, r := range rows {
		value := r.value
		if value == "" {
			value = dimStyle.Render("-")
		}
		fmt.Fprintf(w, "%s  %s\n", labelStyle.Render(padRight(r.key, width)), value)
	}
}

func formatUptime(seconds int64) string {
	if seconds <= 0 {
		return "0s"
	}
	h, m, s := seconds/3600, (seconds%3600)/60, seconds%60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh%02dm%02ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm%02ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
