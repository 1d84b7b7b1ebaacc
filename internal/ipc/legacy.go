package ipc

import (
	"encoding/base64"
	"path"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Legacy hook names sent by older shell integrations on the legacy socket.
const (
	LegacyEvent          = "bg:event"
	LegacyCD             = "bg:cd"
	LegacyTab            = "bg:tab"
	LegacyInit           = "bg:init"
	LegacyPrompt         = "bg:prompt"
	LegacyExec           = "bg:exec"
	LegacyZshKeybuffer   = "bg:zsh-keybuffer"
	LegacyFishKeybuffer  = "bg:fish-keybuffer"
	LegacyBashKeybuffer  = "bg:bash-keybuffer"
	LegacySSH            = "bg:ssh"
	LegacyVSCode         = "bg:vscode"
	LegacyHyper          = "bg:hyper"
	LegacyTmux           = "bg:tmux"
	LegacyHide           = "bg:hide"
	LegacyClearKeybuffer = "bg:clear-keybuffer"
	LegacyCallback       = "pty:callback"
)

// keypressLayoutVersion is the first integration version that sends tty and
// pid ahead of the key buffer.
const keypressLayoutVersion = 4

// PacketType is the token layout of a legacy line.
type PacketType int

const (
	PacketStandard PacketType = iota
	PacketShellHook
	PacketKeypress
	PacketLegacyKeypress
	PacketCallback
)

func (p PacketType) String() string {
	switch p {
	case PacketShellHook:
		return "shellhook"
	case PacketKeypress:
		return "keypress"
	case PacketLegacyKeypress:
		return "legacy-keypress"
	case PacketCallback:
		return "callback"
	default:
		return "standard"
	}
}

func legacyPacketType(hook string, version int) PacketType {
	switch hook {
	case LegacyZshKeybuffer, LegacyFishKeybuffer, LegacyBashKeybuffer:
		if version >= keypressLayoutVersion {
			return PacketKeypress
		}
		return PacketLegacyKeypress
	case LegacyInit, LegacyPrompt, LegacyExec:
		return PacketShellHook
	case LegacyCallback:
		return PacketCallback
	default:
		return PacketStandard
	}
}

// LegacyMessage is one decoded legacy line.
type LegacyMessage struct {
	Name               string
	Type               PacketType
	SessionID          string
	IntegrationVersion int

	// Keypress fields. PID is -1 when not sent.
	TTY    string
	PID    int32
	Histno int64
	Cursor int64
	Buffer string

	// Callback fields. ExitCode is "-1" when not sent.
	HandlerID string
	Filepath  string
	ExitCode  string

	// Args holds the tokens after the integration version for shellhook and
	// standard packets.
	Args []string
}

// programTokens are accepted as an optional leading token naming the sender.
var programTokens = map[string]bool{"fig": true, "termbridge": true}

// DecodeLegacy decodes one base64 legacy line. Malformed input yields ok=false.
func DecodeLegacy(line string) (LegacyMessage, bool) {
	text, ok := decodeLegacyBase64(line)
	if !ok {
		return LegacyMessage{}, false
	}
	return ParseLegacyTokens(strings.Split(strings.TrimSpace(text), " "))
}

// ParseLegacyTokens decodes an already split legacy token stream.
func ParseLegacyTokens(tokens []string) (LegacyMessage, bool) {
	if len(tokens) > 0 && programTokens[tokens[0]] {
		tokens = tokens[1:]
	}
	if len(tokens) < 3 {
		return LegacyMessage{}, false
	}

	msg := LegacyMessage{Name: tokens[0], PID: -1}
	version, _ := strconv.Atoi(tokens[2])
	msg.Type = legacyPacketType(msg.Name, version)

	switch msg.Type {
	case PacketCallback:
		// pty:callback handlerId filepath [exitCode]
		msg.HandlerID = tokens[1]
		msg.Filepath = tokens[2]
		msg.ExitCode = "-1"
		if len(tokens) > 3 {
			msg.ExitCode = tokens[3]
		}
		return msg, true
	}

	msg.SessionID = tokens[1]
	msg.IntegrationVersion = version
	rest := tokens[3:]

	switch msg.Type {
	case PacketKeypress:
		if len(rest) < 4 {
			return LegacyMessage{}, false
		}
		msg.TTY = rest[0]
		if pid, err := strconv.ParseInt(rest[1], 10, 32); err == nil {
			msg.PID = int32(pid)
		}
		rest = rest[2:]
		fallthrough
	case PacketLegacyKeypress:
		if len(rest) < 2 {
			return LegacyMessage{}, false
		}
		histno, err := strconv.ParseInt(rest[0], 10, 64)
		if err != nil {
			return LegacyMessage{}, false
		}
		cursor, err := strconv.ParseInt(rest[1], 10, 64)
		if err != nil {
			return LegacyMessage{}, false
		}
		msg.Histno = histno
		msg.Cursor = cursor
		msg.Buffer = trimKeybuffer(strings.Join(rest[2:], " "))
	default:
		msg.Args = append([]string(nil), rest...)
	}
	return msg, true
}

// trimKeybuffer drops one leading quote, one trailing newline and one trailing
// quote, in that order.
func trimKeybuffer(buf string) string {
	buf = strings.TrimPrefix(buf, `"`)
	buf = strings.TrimSuffix(buf, "\n")
	return strings.TrimSuffix(buf, `"`)
}

func decodeLegacyBase64(line string) (string, bool) {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9',
			r == '+', r == '/', r == '=':
			return r
		}
		return -1
	}, line)
	if clean == "" {
		return "", false
	}
	data, err := base64.StdEncoding.DecodeString(clean)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(clean, "="))
		if err != nil {
			return "", false
		}
	}
	if !utf8.Valid(data) {
		return "", false
	}
	return string(data), true
}

// EncodeLegacy joins tokens with spaces and base64-encodes them as one line
// (without the trailing newline).
func EncodeLegacy(tokens ...string) string {
	return base64.StdEncoding.EncodeToString([]byte(strings.Join(tokens, " ")))
}

func (m LegacyMessage) context() *ShellContext {
	return &ShellContext{
		SessionID:          m.SessionID,
		IntegrationVersion: int32(m.IntegrationVersion),
	}
}

// shellHookContext reads "pid ttyPath" from a shellhook packet.
func (m LegacyMessage) shellHookContext() (*ShellContext, bool) {
	if len(m.Args) < 2 {
		return nil, false
	}
	pid, err := strconv.ParseInt(m.Args[0], 10, 32)
	if err != nil {
		return nil, false
	}
	ctx := m.context()
	ctx.PID = int32(pid)
	ctx.TTYs = path.Base(m.Args[1])
	return ctx, true
}

func (m LegacyMessage) lastArg() string {
	if len(m.Args) == 0 {
		return ""
	}
	return m.Args[len(m.Args)-1]
}

// Hook converts a legacy message into the modern hook it corresponds to.
// Legacy hooks without a modern counterpart (bg:cd, bg:clear-keybuffer) and
// packets missing required fields return ok=false.
func (m LegacyMessage) Hook() (Hook, bool) {
	switch m.Name {
	case LegacyZshKeybuffer, LegacyFishKeybuffer, LegacyBashKeybuffer:
		ctx := m.context()
		ctx.TTYs = m.TTY
		ctx.PID = m.PID
		ctx.ProcessName = strings.TrimSuffix(strings.TrimPrefix(m.Name, "bg:"), "-keybuffer")
		return Hook{Body: &EditBufferHook{Context: ctx, Text: m.Buffer, Cursor: m.Cursor, Histno: m.Histno}}, true

	case LegacyInit:
		ctx, ok := m.shellHookContext()
		if !ok {
			return Hook{}, false
		}
		return Hook{Body: &InitHook{Context: ctx}}, true

	case LegacyPrompt:
		ctx, ok := m.shellHookContext()
		if !ok {
			return Hook{}, false
		}
		return Hook{Body: &PromptHook{Context: ctx}}, true

	case LegacyExec:
		ctx, ok := m.shellHookContext()
		if !ok {
			return Hook{}, false
		}
		return Hook{Body: &PreExecHook{Context: ctx}}, true

	case LegacyTab, LegacyVSCode, LegacyHyper:
		id := m.lastArg()
		if id == "" {
			return Hook{}, false
		}
		return Hook{Body: &KeyboardFocusChangedHook{
			AppIdentifier:    legacyTabApp(m.Name, id),
			FocusedSessionID: id,
		}}, true

	case LegacyTmux:
		pane := strings.TrimPrefix(m.lastArg(), "%")
		if pane == "" {
			// A bare "%" means the tmux session closed.
			return Hook{Body: &TmuxPaneChangedHook{PaneIdentifier: -1}}, true
		}
		n, err := strconv.ParseInt(pane, 10, 32)
		if err != nil {
			return Hook{}, false
		}
		return Hook{Body: &TmuxPaneChangedHook{PaneIdentifier: int32(n)}}, true

	case LegacySSH:
		return Hook{Body: &SSHConnectionOpenedHook{Context: m.context(), ControlPath: m.lastArg()}}, true

	case LegacyHide:
		return Hook{Body: &HideHook{}}, true

	case LegacyEvent:
		if len(m.Args) == 0 {
			return Hook{}, false
		}
		return Hook{Body: &EventHook{EventName: strings.Join(m.Args, " ")}}, true

	case LegacyCallback:
		return Hook{Body: &CallbackHook{HandlerID: m.HandlerID, Filepath: m.Filepath, ExitCode: m.ExitCode}}, true
	}
	return Hook{}, false
}

// legacyTabApp infers the terminal bundle id of a tab token. Tokens of the
// form "<bundle-id>:<tab>" name it directly.
func legacyTabApp(hook, id string) string {
	if prefix, _, ok := strings.Cut(id, ":"); ok && strings.Contains(prefix, ".") {
		return prefix
	}
	switch {
	case hook == LegacyVSCode || strings.HasPrefix(id, "code:"):
		return "com.microsoft.VSCode"
	case hook == LegacyHyper || strings.HasPrefix(id, "hyper:"):
		return "co.zeit.hyper"
	default:
		return "com.googlecode.iterm2"
	}
}
