package logging

import (
	"bytes"
	"log/slog"
	"strings"
)

// BridgeWriter wraps slog as an io.Writer so stdlib log.Printf output (including
// the net/http server used by pprof) flows through the structured logger. A leading
// "[CATEGORY] " prefix is lifted into the component field.
type BridgeWriter struct {
	logger    *slog.Logger
	component string
}

// NewBridgeWriter creates a writer that forwards writes to slog.
// defaultComponent is used when no [CATEGORY] prefix is found.
func NewBridgeWriter(defaultComponent string) *BridgeWriter {
	return &BridgeWriter{
		logger:    Logger(),
		component: defaultComponent,
	}
}

// Write implements io.Writer. Each write is treated as one log line.
func (bw *BridgeWriter) Write(p []byte) (int, error) {
	n := len(p)
	msg := string(bytes.TrimSpace(p))
	if msg == "" {
		return n, nil
	}

	msg = stripLogTimestamp(msg)

	component := bw.component
	if strings.HasPrefix(msg, "[") {
		if idx := strings.Index(msg, "] "); idx > 0 {
			component = strings.ToLower(msg[1:idx])
			msg = msg[idx+2:]
		}
	}

	bw.logger.Info(msg, slog.String("component", canonicalComponent(component)))
	return n, nil
}

// stripLogTimestamp removes the prefix added by log.SetFlags(log.Ltime|log.Lmicroseconds)
// or log.Ltime; slog adds its own timestamp.
func stripLogTimestamp(s string) string {
	if len(s) > 16 && s[2] == ':' && s[5] == ':' && s[8] == '.' && s[15] == ' ' {
		return s[16:]
	}
	if len(s) > 9 && s[2] == ':' && s[5] == ':' && s[8] == ' ' {
		return s[9:]
	}
	return s
}

// canonicalComponent maps historical subsystem prefixes to component names.
func canonicalComponent(cat string) string {
	switch cat {
	case "unix", "socket", "ipc":
		return CompIPC
	case "axwindowserver", "windowserver", "window":
		return CompWindow
	case "autocomplete", "linker", "session-linker":
		return CompLinker
	case "shellhooks", "hooks", "hook":
		return CompHook
	case "pty", "pseudoterminal":
		return CompPTY
	case "settings":
		return CompSettings
	default:
		return cat
	}
}
