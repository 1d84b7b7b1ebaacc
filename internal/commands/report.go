package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"
	"github.com/klauspost/compress/zstd"

	"github.com/tchow-twistedxcom/termbridge/internal/ipc"
	"github.com/tchow-twistedxcom/termbridge/internal/logging"
)

const reportLogLines = 200

// Report is the bundle written by report-window.
type Report struct {
	CreatedAt   time.Time                `json:"created_at"`
	Report      string                   `json:"report"`
	Path        string                   `json:"path,omitempty"`
	EnvVar      string                   `json:"env_var,omitempty"`
	Terminal    string                   `json:"terminal,omitempty"`
	Diagnostics *ipc.DiagnosticsResponse `json:"diagnostics"`
	Logs        []string                 `json:"logs,omitempty"`
	Events      []logging.EventTotal     `json:"events,omitempty"`
}

// WriteReport writes r as zstd-compressed JSON to path.
func WriteReport(path string, r *Report) error {
	data, err := sonic.ConfigStd.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f)
	if err != nil {
		f.Close()
		return err
	}
	if _, err := enc.Write(data); err != nil {
		enc.Close()
		f.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadReport decodes a report written by WriteReport.
func ReadReport(path string) (*Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var r Report
	if err := sonic.ConfigStd.NewDecoder(dec).Decode(&r); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return &r, nil
}

func (h *Handlers) reportPath(b *ipc.ReportWindowCommand, now time.Time) string {
	if b.Path != "" && filepath.Ext(b.Path) == ".zst" {
		return b.Path
	}
	dir := filepath.Join(h.deps.DataDir, "reports")
	if h.deps.DataDir == "" {
		dir = filepath.Join(os.TempDir(), "termbridge-reports")
	}
	return filepath.Join(dir, "report-"+now.UTC().Format("20060102-150405")+".json.zst")
}

// reportWindow captures diagnostics plus recent log lines so a problem with a
// terminal window can be attached to a bug report. Path names the shell's
// working directory unless it ends in .zst, in which case the report is
// written there.
func (h *Handlers) reportWindow(ctx context.Context, cmd *ipc.Command) (ipc.ResponseBody, error) {
	b := cmd.Body.(*ipc.ReportWindowCommand)
	now := h.now()
	r := &Report{
		CreatedAt:   now,
		Report:      b.Report,
		Path:        b.Path,
		EnvVar:      b.EnvVar,
		Terminal:    b.Terminal,
		Diagnostics: h.Diagnostics(),
		Logs:        logging.RecentLines(reportLogLines),
		Events:      logging.EventTotals(),
	}
	path := h.reportPath(b, now)
	if err := WriteReport(path, r); err != nil {
		cmdLog.Warn("report_write_failed", slog.String("path", path), slog.String("error", err.Error()))
		return ipc.Errorf("write report: %v", err), nil
	}
	cmdLog.Info("report_written", slog.String("path", path), slog.String("terminal", b.Terminal))
	return ipc.Success("Report written to %s", path), nil
}
