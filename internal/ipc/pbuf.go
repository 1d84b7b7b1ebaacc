package ipc

import (
	"errors"
	"fmt"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the local.proto schema spoken by shell integrations.
const (
	fieldMessageCommand protowire.Number = 2
	fieldMessageHook    protowire.Number = 3

	fieldCommandID         protowire.Number = 1
	fieldCommandNoResponse protowire.Number = 2

	fieldResponseID              protowire.Number = 1
	fieldResponseError           protowire.Number = 2
	fieldResponseSuccess         protowire.Number = 3
	fieldResponseIntegrationList protowire.Number = 100
	fieldResponseDiagnostics     protowire.Number = 101

	fieldInitEnv protowire.Number = 100

	maxContextDepth = 16
)

var commandFields = map[CommandKind]protowire.Number{
	CmdTerminalIntegration:      100,
	CmdListTerminalIntegrations: 101,
	CmdLogout:                   102,
	CmdRestart:                  103,
	CmdQuit:                     104,
	CmdUpdate:                   105,
	CmdDiagnostics:              106,
	CmdReportWindow:             107,
	CmdRestartSettingsListener:  108,
	CmdRunInstallScript:         109,
	CmdBuild:                    110,
	CmdOpenUIElement:            111,
	CmdResetCache:               112,
	CmdDebugMode:                113,
	CmdPromptAccessibility:      114,
}

var hookFields = map[HookKind]protowire.Number{
	HookEditBuffer:           100,
	HookInit:                 101,
	HookPrompt:               102,
	HookPreExec:              103,
	HookPostExec:             104,
	HookKeyboardFocusChanged: 105,
	HookTmuxPaneChanged:      106,
	HookSSHConnectionOpened:  107,
	HookCallback:             108,
	HookIntegrationReady:     109,
	HookHide:                 110,
	HookEvent:                111,
}

var (
	commandByField = make(map[protowire.Number]CommandKind, len(commandFields))
	hookByField    = make(map[protowire.Number]HookKind, len(hookFields))
)

func init() {
	for k, n := range commandFields {
		commandByField[n] = k
	}
	for k, n := range hookFields {
		hookByField[n] = k
	}
}

var errWireType = errors.New("unexpected wire type")

// ---- encoding helpers ----

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	return appendVarintField(b, num, v)
}

func appendInt32(b []byte, num protowire.Number, v int32) []byte {
	return appendUint(b, num, uint64(int64(v)))
}

func appendInt64(b []byte, num protowire.Number, v int64) []byte {
	return appendUint(b, num, uint64(v))
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return appendVarintField(b, num, 1)
}

func appendOptBool(b []byte, num protowire.Number, v *bool) []byte {
	if v == nil {
		return b
	}
	return appendVarintField(b, num, protowire.EncodeBool(*v))
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	return appendStringField(b, num, s)
}

func appendMessage(b []byte, num protowire.Number, m []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, m)
}

// ---- decoding helpers ----

type field struct {
	num protowire.Number
	typ protowire.Type
	raw []byte
}

// decodeFields walks every field of a message, skipping nothing: unknown
// fields reach fn too and are ignored there.
func decodeFields(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m := protowire.ConsumeFieldValue(num, typ, b)
		if m < 0 {
			return protowire.ParseError(m)
		}
		if err := fn(field{num: num, typ: typ, raw: b[:m]}); err != nil {
			return fmt.Errorf("field %d: %w", num, err)
		}
		b = b[m:]
	}
	return nil
}

func (f field) asVarint() (uint64, error) {
	if f.typ != protowire.VarintType {
		return 0, errWireType
	}
	v, n := protowire.ConsumeVarint(f.raw)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return v, nil
}

func (f field) asInt32() (int32, error) {
	v, err := f.asVarint()
	return int32(v), err
}

func (f field) asInt64() (int64, error) {
	v, err := f.asVarint()
	return int64(v), err
}

func (f field) asBool() (bool, error) {
	v, err := f.asVarint()
	return protowire.DecodeBool(v), err
}

func (f field) asBytes() ([]byte, error) {
	if f.typ != protowire.BytesType {
		return nil, errWireType
	}
	v, n := protowire.ConsumeBytes(f.raw)
	if n < 0 {
		return nil, protowire.ParseError(n)
	}
	return v, nil
}

func (f field) asString() (string, error) {
	v, err := f.asBytes()
	return string(v), err
}

// ---- envelope ----

func marshalEnvelope(env Envelope) ([]byte, error) {
	if env.Command != nil {
		inner, err := marshalCommand(env.Command)
		if err != nil {
			return nil, err
		}
		return appendMessage(nil, fieldMessageCommand, inner), nil
	}
	inner, err := marshalHook(env.Hook)
	if err != nil {
		return nil, err
	}
	return appendMessage(nil, fieldMessageHook, inner), nil
}

func unmarshalEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	err := decodeFields(b, func(f field) error {
		switch f.num {
		case fieldMessageCommand:
			m, err := f.asBytes()
			if err != nil {
				return err
			}
			cmd, err := unmarshalCommand(m)
			if err != nil {
				return err
			}
			env.Command, env.Hook = cmd, nil
		case fieldMessageHook:
			m, err := f.asBytes()
			if err != nil {
				return err
			}
			hook, err := unmarshalHook(m)
			if err != nil {
				return err
			}
			env.Command, env.Hook = nil, hook
		}
		return nil
	})
	return env, err
}

// ---- commands ----

func marshalCommand(c *Command) ([]byte, error) {
	var b []byte
	if c.ID != nil {
		b = appendVarintField(b, fieldCommandID, uint64(*c.ID))
	}
	b = appendBool(b, fieldCommandNoResponse, c.NoResponse)

	num, ok := commandFields[c.Kind()]
	if !ok {
		return nil, fmt.Errorf("%w: unknown command body %T", ErrDecode, c.Body)
	}
	inner, err := marshalCommandBody(c.Body)
	if err != nil {
		return nil, err
	}
	return appendMessage(b, num, inner), nil
}

func marshalCommandBody(body CommandBody) ([]byte, error) {
	var b []byte
	switch c := body.(type) {
	case *TerminalIntegrationCommand:
		b = appendString(b, 1, c.Identifier)
		b = appendInt32(b, 2, int32(c.Action))
		b = appendBool(b, 3, c.Silent)
	case *UpdateCommand:
		b = appendBool(b, 1, c.Force)
	case *ReportWindowCommand:
		b = appendString(b, 1, c.Report)
		b = appendString(b, 2, c.Path)
		b = appendString(b, 3, c.EnvVar)
		b = appendString(b, 4, c.Terminal)
	case *BuildCommand:
		if c.Branch != nil {
			b = appendStringField(b, 1, *c.Branch)
		}
	case *OpenUIElementCommand:
		b = appendInt32(b, 1, int32(c.Element))
	case *DebugModeCommand:
		b = appendOptBool(b, 1, c.Set)
		b = appendOptBool(b, 2, c.Toggle)
	case *ListTerminalIntegrationsCommand, *LogoutCommand, *RestartCommand, *QuitCommand,
		*DiagnosticsCommand, *RestartSettingsListenerCommand, *RunInstallScriptCommand,
		*ResetCacheCommand, *PromptAccessibilityCommand:
		// no fields
	default:
		return nil, fmt.Errorf("%w: unknown command body %T", ErrDecode, body)
	}
	return b, nil
}

func unmarshalCommand(b []byte) (*Command, error) {
	cmd := &Command{}
	err := decodeFields(b, func(f field) error {
		switch f.num {
		case fieldCommandID:
			id, err := f.asInt64()
			if err != nil {
				return err
			}
			cmd.ID = &id
			return nil
		case fieldCommandNoResponse:
			v, err := f.asBool()
			cmd.NoResponse = v
			return err
		}
		kind, ok := commandByField[f.num]
		if !ok {
			return nil
		}
		m, err := f.asBytes()
		if err != nil {
			return err
		}
		body, err := unmarshalCommandBody(kind, m)
		if err != nil {
			return err
		}
		cmd.Body = body
		return nil
	})
	return cmd, err
}

func unmarshalCommandBody(kind CommandKind, b []byte) (CommandBody, error) {
	switch kind {
	case CmdTerminalIntegration:
		c := &TerminalIntegrationCommand{}
		return c, decodeFields(b, func(f field) error {
			var err error
			switch f.num {
			case 1:
				c.Identifier, err = f.asString()
			case 2:
				var v int32
				v, err = f.asInt32()
				c.Action = IntegrationAction(v)
			case 3:
				c.Silent, err = f.asBool()
			}
			return err
		})
	case CmdListTerminalIntegrations:
		return &ListTerminalIntegrationsCommand{}, nil
	case CmdLogout:
		return &LogoutCommand{}, nil
	case CmdRestart:
		return &RestartCommand{}, nil
	case CmdQuit:
		return &QuitCommand{}, nil
	case CmdUpdate:
		c := &UpdateCommand{}
		return c, decodeFields(b, func(f field) error {
			var err error
			if f.num == 1 {
				c.Force, err = f.asBool()
			}
			return err
		})
	case CmdDiagnostics:
		return &DiagnosticsCommand{}, nil
	case CmdReportWindow:
		c := &ReportWindowCommand{}
		return c, decodeFields(b, func(f field) error {
			var err error
			switch f.num {
			case 1:
				c.Report, err = f.asString()
			case 2:
				c.Path, err = f.asString()
			case 3:
				c.EnvVar, err = f.asString()
			case 4:
				c.Terminal, err = f.asString()
			}
			return err
		})
	case CmdRestartSettingsListener:
		return &RestartSettingsListenerCommand{}, nil
	case CmdRunInstallScript:
		return &RunInstallScriptCommand{}, nil
	case CmdBuild:
		c := &BuildCommand{}
		return c, decodeFields(b, func(f field) error {
			if f.num != 1 {
				return nil
			}
			s, err := f.asString()
			c.Branch = &s
			return err
		})
	case CmdOpenUIElement:
		c := &OpenUIElementCommand{}
		return c, decodeFields(b, func(f field) error {
			if f.num != 1 {
				return nil
			}
			v, err := f.asInt32()
			c.Element = UIElement(v)
			return err
		})
	case CmdResetCache:
		return &ResetCacheCommand{}, nil
	case CmdDebugMode:
		c := &DebugModeCommand{}
		return c, decodeFields(b, func(f field) error {
			if f.num != 1 && f.num != 2 {
				return nil
			}
			v, err := f.asBool()
			if f.num == 1 {
				c.Set = &v
			} else {
				c.Toggle = &v
			}
			return err
		})
	case CmdPromptAccessibility:
		return &PromptAccessibilityCommand{}, nil
	}
	return nil, fmt.Errorf("unknown command kind %q", kind)
}

// ---- hooks ----

func marshalShellContext(c *ShellContext, depth int) ([]byte, error) {
	if depth > maxContextDepth {
		return nil, fmt.Errorf("%w: shell context nested too deeply", ErrDecode)
	}
	var b []byte
	b = appendInt32(b, 1, c.PID)
	b = appendString(b, 2, c.TTYs)
	b = appendString(b, 3, c.ProcessName)
	b = appendString(b, 4, c.CurrentWorkingDirectory)
	b = appendString(b, 5, c.SessionID)
	b = appendInt32(b, 6, c.IntegrationVersion)
	b = appendString(b, 7, c.Terminal)
	b = appendString(b, 8, c.Hostname)
	if c.RemoteContext != nil {
		inner, err := marshalShellContext(c.RemoteContext, depth+1)
		if err != nil {
			return nil, err
		}
		b = appendMessage(b, 9, inner)
	}
	return b, nil
}

func unmarshalShellContext(b []byte, depth int) (*ShellContext, error) {
	if depth > maxContextDepth {
		return nil, errors.New("shell context nested too deeply")
	}
	c := &ShellContext{}
	err := decodeFields(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			c.PID, err = f.asInt32()
		case 2:
			c.TTYs, err = f.asString()
		case 3:
			c.ProcessName, err = f.asString()
		case 4:
			c.CurrentWorkingDirectory, err = f.asString()
		case 5:
			c.SessionID, err = f.asString()
		case 6:
			c.IntegrationVersion, err = f.asInt32()
		case 7:
			c.Terminal, err = f.asString()
		case 8:
			c.Hostname, err = f.asString()
		case 9:
			var m []byte
			if m, err = f.asBytes(); err == nil {
				c.RemoteContext, err = unmarshalShellContext(m, depth+1)
			}
		}
		return err
	})
	return c, err
}

func appendContext(b []byte, c *ShellContext) ([]byte, error) {
	if c == nil {
		return b, nil
	}
	inner, err := marshalShellContext(c, 0)
	if err != nil {
		return nil, err
	}
	return appendMessage(b, 1, inner), nil
}

func contextField(f field) (*ShellContext, error) {
	m, err := f.asBytes()
	if err != nil {
		return nil, err
	}
	return unmarshalShellContext(m, 0)
}

func marshalHook(h *Hook) ([]byte, error) {
	num, ok := hookFields[h.Kind()]
	if !ok {
		return nil, fmt.Errorf("%w: unknown hook body %T", ErrDecode, h.Body)
	}
	inner, err := marshalHookBody(h.Body)
	if err != nil {
		return nil, err
	}
	return appendMessage(nil, num, inner), nil
}

func marshalHookBody(body HookBody) ([]byte, error) {
	var (
		b   []byte
		err error
	)
	switch h := body.(type) {
	case *EditBufferHook:
		if b, err = appendContext(b, h.Context); err != nil {
			return nil, err
		}
		b = appendString(b, 2, h.Text)
		b = appendInt64(b, 3, h.Cursor)
		b = appendInt64(b, 4, h.Histno)
	case *InitHook:
		if b, err = appendContext(b, h.Context); err != nil {
			return nil, err
		}
		b = appendBool(b, 2, h.CalledDirect)
		b = appendString(b, 3, h.Bundle)
		keys := make([]string, 0, len(h.Env))
		for k := range h.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			var entry []byte
			entry = appendString(entry, 1, k)
			entry = appendString(entry, 2, h.Env[k])
			b = appendMessage(b, fieldInitEnv, entry)
		}
	case *PromptHook:
		if b, err = appendContext(b, h.Context); err != nil {
			return nil, err
		}
	case *PreExecHook:
		if b, err = appendContext(b, h.Context); err != nil {
			return nil, err
		}
		if h.Command != nil {
			b = appendStringField(b, 2, *h.Command)
		}
	case *PostExecHook:
		if b, err = appendContext(b, h.Context); err != nil {
			return nil, err
		}
		b = appendString(b, 2, h.Command)
		b = appendInt32(b, 3, h.ExitCode)
	case *KeyboardFocusChangedHook:
		b = appendString(b, 1, h.AppIdentifier)
		b = appendString(b, 2, h.FocusedSessionID)
	case *TmuxPaneChangedHook:
		b = appendInt32(b, 1, h.PaneIdentifier)
	case *SSHConnectionOpenedHook:
		if b, err = appendContext(b, h.Context); err != nil {
			return nil, err
		}
		b = appendString(b, 2, h.ControlPath)
	case *CallbackHook:
		b = appendString(b, 1, h.HandlerID)
		b = appendString(b, 2, h.Filepath)
		b = appendString(b, 3, h.ExitCode)
	case *IntegrationReadyHook:
		b = appendString(b, 1, h.Identifier)
	case *HideHook:
		// no fields
	case *EventHook:
		b = appendString(b, 1, h.EventName)
	default:
		return nil, fmt.Errorf("%w: unknown hook body %T", ErrDecode, body)
	}
	return b, nil
}

func unmarshalHook(b []byte) (*Hook, error) {
	hook := &Hook{}
	err := decodeFields(b, func(f field) error {
		kind, ok := hookByField[f.num]
		if !ok {
			return nil
		}
		m, err := f.asBytes()
		if err != nil {
			return err
		}
		body, err := unmarshalHookBody(kind, m)
		if err != nil {
			return err
		}
		hook.Body = body
		return nil
	})
	return hook, err
}

func unmarshalHookBody(kind HookKind, b []byte) (HookBody, error) {
	switch kind {
	case HookEditBuffer:
		h := &EditBufferHook{}
		return h, decodeFields(b, func(f field) error {
			var err error
			switch f.num {
			case 1:
				h.Context, err = contextField(f)
			case 2:
				h.Text, err = f.asString()
			case 3:
				h.Cursor, err = f.asInt64()
			case 4:
				h.Histno, err = f.asInt64()
			}
			return err
		})
	case HookInit:
		h := &InitHook{}
		return h, decodeFields(b, func(f field) error {
			var err error
			switch f.num {
			case 1:
				h.Context, err = contextField(f)
			case 2:
				h.CalledDirect, err = f.asBool()
			case 3:
				h.Bundle, err = f.asString()
			case fieldInitEnv:
				var m []byte
				if m, err = f.asBytes(); err != nil {
					return err
				}
				var key, value string
				err = decodeFields(m, func(e field) error {
					var err error
					switch e.num {
					case 1:
						key, err = e.asString()
					case 2:
						value, err = e.asString()
					}
					return err
				})
				if h.Env == nil {
					h.Env = make(map[string]string)
				}
				h.Env[key] = value
			}
			return err
		})
	case HookPrompt:
		h := &PromptHook{}
		return h, decodeFields(b, func(f field) error {
			var err error
			if f.num == 1 {
				h.Context, err = contextField(f)
			}
			return err
		})
	case HookPreExec:
		h := &PreExecHook{}
		return h, decodeFields(b, func(f field) error {
			var err error
			switch f.num {
			case 1:
				h.Context, err = contextField(f)
			case 2:
				var s string
				s, err = f.asString()
				h.Command = &s
			}
			return err
		})
	case HookPostExec:
		h := &PostExecHook{}
		return h, decodeFields(b, func(f field) error {
			var err error
			switch f.num {
			case 1:
				h.Context, err = contextField(f)
			case 2:
				h.Command, err = f.asString()
			case 3:
				h.ExitCode, err = f.asInt32()
			}
			return err
		})
	case HookKeyboardFocusChanged:
		h := &KeyboardFocusChangedHook{}
		return h, decodeFields(b, func(f field) error {
			var err error
			switch f.num {
			case 1:
				h.AppIdentifier, err = f.asString()
			case 2:
				h.FocusedSessionID, err = f.asString()
			}
			return err
		})
	case HookTmuxPaneChanged:
		h := &TmuxPaneChangedHook{}
		return h, decodeFields(b, func(f field) error {
			var err error
			if f.num == 1 {
				h.PaneIdentifier, err = f.asInt32()
			}
			return err
		})
	case HookSSHConnectionOpened:
		h := &SSHConnectionOpenedHook{}
		return h, decodeFields(b, func(f field) error {
			var err error
			switch f.num {
			case 1:
				h.Context, err = contextField(f)
			case 2:
				h.ControlPath, err = f.asString()
			}
			return err
		})
	case HookCallback:
		h := &CallbackHook{}
		return h, decodeFields(b, func(f field) error {
			var err error
			switch f.num {
			case 1:
				h.HandlerID, err = f.asString()
			case 2:
				h.Filepath, err = f.asString()
			case 3:
				h.ExitCode, err = f.asString()
			}
			return err
		})
	case HookIntegrationReady:
		h := &IntegrationReadyHook{}
		return h, decodeFields(b, func(f field) error {
			var err error
			if f.num == 1 {
				h.Identifier, err = f.asString()
			}
			return err
		})
	case HookHide:
		return &HideHook{}, nil
	case HookEvent:
		h := &EventHook{}
		return h, decodeFields(b, func(f field) error {
			var err error
			if f.num == 1 {
				h.EventName, err = f.asString()
			}
			return err
		})
	}
	return nil, fmt.Errorf("unknown hook kind %q", kind)
}

// ---- responses ----

func marshalResponse(r CommandResponse) ([]byte, error) {
	var b []byte
	if r.ID != nil {
		b = appendVarintField(b, fieldResponseID, uint64(*r.ID))
	}
	var inner []byte
	var num protowire.Number
	switch body := r.Body.(type) {
	case *ErrorResponse:
		num = fieldResponseError
		if body.ExitCode != nil {
			inner = appendVarintField(inner, 1, uint64(int64(*body.ExitCode)))
		}
		inner = appendString(inner, 2, body.Message)
	case *SuccessResponse:
		num = fieldResponseSuccess
		inner = appendString(inner, 1, body.Message)
	case *IntegrationListResponse:
		num = fieldResponseIntegrationList
		for _, ti := range body.Integrations {
			var entry []byte
			entry = appendString(entry, 1, ti.BundleIdentifier)
			entry = appendString(entry, 2, ti.Name)
			entry = appendString(entry, 3, ti.Status)
			inner = appendMessage(inner, 1, entry)
		}
	case *DiagnosticsResponse:
		num = fieldResponseDiagnostics
		inner = marshalDiagnostics(body)
	default:
		return nil, fmt.Errorf("%w: unknown response body %T", ErrDecode, r.Body)
	}
	return appendMessage(b, num, inner), nil
}

func marshalDiagnostics(d *DiagnosticsResponse) []byte {
	var b []byte
	b = appendString(b, 1, d.Version)
	b = appendString(b, 2, d.Platform)
	b = appendBool(b, 3, d.DebugMode)
	b = appendString(b, 4, d.Accessibility)
	b = appendString(b, 5, d.InstallScript)
	b = appendString(b, 6, d.PseudoterminalPath)
	b = appendString(b, 7, d.CurrentProcess)
	b = appendString(b, 8, d.CurrentWindowIdentifier)
	b = appendString(b, 9, d.FocusedSession)
	b = appendUint(b, 10, uint64(d.Connections))
	b = appendUint(b, 11, uint64(d.Sessions))
	b = appendUint(b, 12, uint64(d.TrackedApps))
	b = appendInt64(b, 13, d.UptimeSeconds)
	for _, line := range d.RecentLogs {
		b = appendStringField(b, 14, line)
	}
	return b
}

func unmarshalDiagnostics(b []byte) (*DiagnosticsResponse, error) {
	d := &DiagnosticsResponse{}
	err := decodeFields(b, func(f field) error {
		var (
			err error
			v   uint64
		)
		switch f.num {
		case 1:
			d.Version, err = f.asString()
		case 2:
			d.Platform, err = f.asString()
		case 3:
			d.DebugMode, err = f.asBool()
		case 4:
			d.Accessibility, err = f.asString()
		case 5:
			d.InstallScript, err = f.asString()
		case 6:
			d.PseudoterminalPath, err = f.asString()
		case 7:
			d.CurrentProcess, err = f.asString()
		case 8:
			d.CurrentWindowIdentifier, err = f.asString()
		case 9:
			d.FocusedSession, err = f.asString()
		case 10:
			v, err = f.asVarint()
			d.Connections = uint32(v)
		case 11:
			v, err = f.asVarint()
			d.Sessions = uint32(v)
		case 12:
			v, err = f.asVarint()
			d.TrackedApps = uint32(v)
		case 13:
			d.UptimeSeconds, err = f.asInt64()
		case 14:
			var line string
			line, err = f.asString()
			d.RecentLogs = append(d.RecentLogs, line)
		}
		return err
	})
	return d, err
}

func unmarshalResponse(b []byte) (CommandResponse, error) {
	var resp CommandResponse
	err := decodeFields(b, func(f field) error {
		if f.num == fieldResponseID {
			id, err := f.asInt64()
			resp.ID = &id
			return err
		}
		switch f.num {
		case fieldResponseError, fieldResponseSuccess, fieldResponseIntegrationList, fieldResponseDiagnostics:
		default:
			return nil
		}
		m, err := f.asBytes()
		if err != nil {
			return err
		}
		switch f.num {
		case fieldResponseError:
			e := &ErrorResponse{}
			err = decodeFields(m, func(f field) error {
				var err error
				switch f.num {
				case 1:
					var code int32
					code, err = f.asInt32()
					e.ExitCode = &code
				case 2:
					e.Message, err = f.asString()
				}
				return err
			})
			resp.Body = e
		case fieldResponseSuccess:
			s := &SuccessResponse{}
			err = decodeFields(m, func(f field) error {
				var err error
				if f.num == 1 {
					s.Message, err = f.asString()
				}
				return err
			})
			resp.Body = s
		case fieldResponseIntegrationList:
			l := &IntegrationListResponse{}
			err = decodeFields(m, func(f field) error {
				if f.num != 1 {
					return nil
				}
				entry, err := f.asBytes()
				if err != nil {
					return err
				}
				var ti TerminalIntegration
				err = decodeFields(entry, func(f field) error {
					var err error
					switch f.num {
					case 1:
						ti.BundleIdentifier, err = f.asString()
					case 2:
						ti.Name, err = f.asString()
					case 3:
						ti.Status, err = f.asString()
					}
					return err
				})
				l.Integrations = append(l.Integrations, ti)
				return err
			})
			resp.Body = l
		case fieldResponseDiagnostics:
			resp.Body, err = unmarshalDiagnostics(m)
		}
		return err
	})
	return resp, err
}
