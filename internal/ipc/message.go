// Package ipc defines the local IPC envelope exchanged between shell
// integrations and the host, and the framings that carry it.
package ipc

import (
	"fmt"
	"strings"
)

// Envelope is one complete protocol unit. Exactly one of Command or Hook is set.
type Envelope struct {
	Command *Command
	Hook    *Hook
}

// ID returns the request id carried by a command envelope.
func (e Envelope) ID() (int64, bool) {
	if e.Command == nil || e.Command.ID == nil {
		return 0, false
	}
	return *e.Command.ID, true
}

// Kind describes the envelope for logging, e.g. "command:diagnostics" or "hook:editBuffer".
func (e Envelope) Kind() string {
	switch {
	case e.Command != nil && e.Command.Body != nil:
		return "command:" + string(e.Command.Kind())
	case e.Hook != nil && e.Hook.Body != nil:
		return "hook:" + string(e.Hook.Kind())
	default:
		return "empty"
	}
}

// Validate checks that exactly one family is set and it carries a known body.
func (e Envelope) Validate() error {
	switch {
	case e.Command != nil && e.Hook != nil:
		return fmt.Errorf("%w: envelope carries both command and hook", ErrDecode)
	case e.Command != nil:
		if e.Command.Body == nil {
			return fmt.Errorf("%w: command without body", ErrDecode)
		}
	case e.Hook != nil:
		if e.Hook.Body == nil {
			return fmt.Errorf("%w: hook without body", ErrDecode)
		}
	default:
		return fmt.Errorf("%w: empty envelope", ErrDecode)
	}
	return nil
}

// NewCommand wraps a command body in an envelope with the given request id.
func NewCommand(id int64, body CommandBody) Envelope {
	return Envelope{Command: &Command{ID: &id, Body: body}}
}

// NewHook wraps a hook body in an envelope.
func NewHook(body HookBody) Envelope {
	return Envelope{Hook: &Hook{Body: body}}
}

// ShellContext is the process, tty and session metadata attached to most hooks.
type ShellContext struct {
	PID                     int32         `json:"pid,omitempty"`
	TTYs                    string        `json:"ttys,omitempty"`
	ProcessName             string        `json:"processName,omitempty"`
	CurrentWorkingDirectory string        `json:"currentWorkingDirectory,omitempty"`
	SessionID               string        `json:"sessionId,omitempty"`
	IntegrationVersion      int32         `json:"integrationVersion,omitempty"`
	Terminal                string        `json:"terminal,omitempty"`
	Hostname                string        `json:"hostname,omitempty"`
	RemoteContext           *ShellContext `json:"remoteContext,omitempty"`
}

// Active returns the context describing the process the user is actually
// typing into. Inside an SSH or nested shell this is the remote context, with
// the local session id and integration version kept so the hook still links
// to the local terminal session.
func (c *ShellContext) Active() *ShellContext {
	if c == nil {
		return nil
	}
	if c.RemoteContext == nil {
		return c
	}
	active := *c.RemoteContext
	active.SessionID = c.SessionID
	active.IntegrationVersion = c.IntegrationVersion
	active.RemoteContext = nil
	return &active
}

// IsRemote reports whether the context carries a nested remote context.
func (c *ShellContext) IsRemote() bool {
	return c != nil && c.RemoteContext != nil
}

// EditBuffer is the shell's current command line with the cursor position.
type EditBuffer struct {
	Text   string `json:"text"`
	Cursor int64  `json:"cursor"`
}

// Representation renders the buffer with a "|" inserted at the cursor. The
// cursor is a rune offset and is clamped to the buffer.
func (b EditBuffer) Representation() string {
	runes := []rune(b.Text)
	cursor := int(b.Cursor)
	if cursor < 0 {
		cursor = 0
	}
	if cursor > len(runes) {
		cursor = len(runes)
	}
	var sb strings.Builder
	sb.WriteString(string(runes[:cursor]))
	sb.WriteByte('|')
	sb.WriteString(string(runes[cursor:]))
	return sb.String()
}
