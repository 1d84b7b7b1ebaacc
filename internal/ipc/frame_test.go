package ipc

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func sampleContext() *ShellContext {
	return &ShellContext{
		PID:                     4242,
		TTYs:                    "ttys003",
		ProcessName:             "zsh",
		CurrentWorkingDirectory: "/home/dev/project",
		SessionID:               "5A1B6E0C",
		IntegrationVersion:      7,
		Terminal:                "iTerm.app",
		Hostname:                "devbox",
		RemoteContext: &ShellContext{
			PID:         77,
			ProcessName: "bash",
			Hostname:    "remote",
		},
	}
}

func sampleCommands() []CommandBody {
	return []CommandBody{
		&TerminalIntegrationCommand{Identifier: "com.googlecode.iterm2", Action: ActionVerifyInstall, Silent: true},
		&ListTerminalIntegrationsCommand{},
		&LogoutCommand{},
		&RestartCommand{},
		&QuitCommand{},
		&UpdateCommand{Force: true},
		&DiagnosticsCommand{},
		&ReportWindowCommand{Report: "no overlay", Path: "/usr/bin:/bin", EnvVar: "1", Terminal: "kitty"},
		&RestartSettingsListenerCommand{},
		&RunInstallScriptCommand{},
		&BuildCommand{Branch: ptr("main")},
		&OpenUIElementCommand{Element: UISettings},
		&ResetCacheCommand{},
		&DebugModeCommand{Set: ptr(false), Toggle: ptr(true)},
		&PromptAccessibilityCommand{},
	}
}

func sampleHooks() []HookBody {
	return []HookBody{
		&EditBufferHook{Context: sampleContext(), Text: "git sta", Cursor: 7, Histno: 1201},
		&InitHook{Context: sampleContext(), CalledDirect: true, Bundle: "com.apple.Terminal", Env: map[string]string{"TERM": "xterm", "SHELL": "/bin/zsh"}},
		&PromptHook{Context: sampleContext()},
		&PreExecHook{Context: sampleContext(), Command: ptr("make test")},
		&PostExecHook{Context: sampleContext(), Command: "false", ExitCode: -1},
		&KeyboardFocusChangedHook{AppIdentifier: "com.googlecode.iterm2", FocusedSessionID: "w0t1p0"},
		&TmuxPaneChangedHook{PaneIdentifier: 12},
		&SSHConnectionOpenedHook{Context: sampleContext(), ControlPath: "/tmp/ssh-ctl"},
		&CallbackHook{HandlerID: "h-1", Filepath: "/tmp/out", ExitCode: "0"},
		&IntegrationReadyHook{Identifier: "vscode"},
		&HideHook{},
		&EventHook{EventName: "opened settings"},
	}
}

func TestSamplesCoverEveryKind(t *testing.T) {
	seenCmd := map[CommandKind]bool{}
	for _, c := range sampleCommands() {
		seenCmd[c.CommandKind()] = true
	}
	for _, k := range CommandKinds {
		assert.True(t, seenCmd[k], "missing command sample %s", k)
	}

	seenHook := map[HookKind]bool{}
	for _, h := range sampleHooks() {
		seenHook[h.HookKind()] = true
	}
	for _, k := range HookKinds {
		assert.True(t, seenHook[k], "missing hook sample %s", k)
	}
}

func TestRoundTripEveryVariant(t *testing.T) {
	var envs []Envelope
	for i, c := range sampleCommands() {
		envs = append(envs, NewCommand(int64(i+1), c))
	}
	envs = append(envs, Envelope{Command: &Command{NoResponse: true, Body: &QuitCommand{}}})
	for _, h := range sampleHooks() {
		envs = append(envs, NewHook(h))
	}

	for _, enc := range []Encoding{EncodingBinary, EncodingJSON} {
		enc := enc
		for _, env := range envs {
			env := env
			t.Run(enc.String()+"/"+env.Kind(), func(t *testing.T) {
				frame, err := Serialize(env, enc)
				require.NoError(t, err)

				got, gotEnc, n, err := Parse(frame)
				require.NoError(t, err)
				assert.Equal(t, enc, gotEnc)
				assert.Equal(t, len(frame), n)
				assert.Equal(t, env, got)
			})
		}
	}
}

func TestResponseRoundTrip(t *testing.T) {
	responses := []CommandResponse{
		{ID: ptr(int64(7)), Body: &IntegrationListResponse{Integrations: []TerminalIntegration{
			{BundleIdentifier: "com.googlecode.iterm2", Name: "iTerm2", Status: "installed"},
			{BundleIdentifier: "net.kovidgoyal.kitty", Name: "Kitty"},
		}}},
		{ID: ptr(int64(8)), Body: Success("done")},
		{ID: ptr(int64(9)), Body: Errorf("no integration named %q", "x")},
		{Body: &DiagnosticsResponse{
			Version:       "0.4.0",
			Platform:      "linux",
			DebugMode:     true,
			Connections:   3,
			Sessions:      2,
			UptimeSeconds: 12,
			RecentLogs:    []string{"a", "b"},
		}},
	}
	for _, enc := range []Encoding{EncodingBinary, EncodingJSON} {
		enc := enc
		for _, resp := range responses {
			resp := resp
			t.Run(enc.String()+"/"+string(resp.Kind()), func(t *testing.T) {
				frame, err := SerializeResponse(resp, enc)
				require.NoError(t, err)

				got, gotEnc, n, err := ParseResponse(frame)
				require.NoError(t, err)
				assert.Equal(t, enc, gotEnc)
				assert.Equal(t, len(frame), n)
				assert.Equal(t, resp, got)

				e, payload, err := ReadFrame(bytes.NewReader(frame), 0)
				require.NoError(t, err)
				assert.Equal(t, enc, e)
				assert.Len(t, payload, len(frame)-HeaderLen)
			})
		}
	}
}

func TestParseRejectsBadPrefix(t *testing.T) {
	valid, err := Serialize(NewHook(&HideHook{}), EncodingBinary)
	require.NoError(t, err)

	inputs := [][]byte{
		[]byte("hello world"),
		[]byte("x"),
		append([]byte("\x1b@fog-"), valid[len(Prefix):]...),
		append([]byte{' '}, valid...),
		bytes.Repeat([]byte{0xff}, HeaderLen+4),
	}
	for _, in := range inputs {
		env, _, _, err := Parse(in)
		assert.ErrorIs(t, err, ErrBadPrefix)
		assert.ErrorIs(t, err, ErrProtocol)
		assert.Equal(t, Envelope{}, env)
	}

	_, _, _, err = Parse(nil)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestParseRejectsUnknownEncoding(t *testing.T) {
	frame := []byte(Prefix + "xml!")
	frame = binary.BigEndian.AppendUint64(frame, 0)
	_, _, _, err := Parse(frame)
	assert.ErrorIs(t, err, ErrUnknownEncoding)
}

func TestParseLengthBounds(t *testing.T) {
	frame, err := Serialize(NewHook(&EventHook{EventName: "x"}), EncodingJSON)
	require.NoError(t, err)

	// Every strict prefix of a valid frame is incomplete.
	for i := 0; i < len(frame); i++ {
		_, _, _, err := Parse(frame[:i])
		require.ErrorIs(t, err, ErrProtocol, "prefix length %d", i)
	}

	// Declared length beyond the buffer.
	short := append([]byte(nil), frame[:HeaderLen]...)
	binary.BigEndian.PutUint64(short[len(Prefix)+4:], 1000)
	short = append(short, '{', '}')
	_, _, _, err = Parse(short)
	assert.ErrorIs(t, err, ErrIncomplete)

	// Declared length beyond any sane size.
	huge := append([]byte(nil), frame[:HeaderLen]...)
	binary.BigEndian.PutUint64(huge[len(Prefix)+4:], 1<<63)
	_, _, _, err = Parse(huge)
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	_, _, _, err = ParseLimit(frame, 2)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestParseRejectsUndecodablePayload(t *testing.T) {
	tests := []struct {
		name    string
		enc     Encoding
		payload []byte
	}{
		{"json garbage", EncodingJSON, []byte("{not json")},
		{"json both families", EncodingJSON, []byte(`{"command":{"quit":{}},"hook":{"hide":{}}}`)},
		{"json two commands", EncodingJSON, []byte(`{"command":{"quit":{},"logout":{}}}`)},
		{"json empty", EncodingJSON, []byte(`{}`)},
		{"json invalid utf8", EncodingJSON, []byte{'{', '"', 0xff, '"', '}'}},
		{"binary truncated varint", EncodingBinary, []byte{0x12, 0x05, 0x08}},
		{"binary empty", EncodingBinary, nil},
		{"binary command without body", EncodingBinary, []byte{0x12, 0x02, 0x08, 0x01}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			frame := appendFrame(nil, tt.enc, tt.payload)
			_, _, n, err := Parse(frame)
			assert.ErrorIs(t, err, ErrDecode)
			assert.Equal(t, len(frame), n)
		})
	}
}

func TestJSONAcceptsNumericEnums(t *testing.T) {
	payload := []byte(`{"command":{"id":3,"terminalIntegration":{"identifier":"kitty","action":2}}}`)
	env, err := DecodeEnvelope(EncodingJSON, payload)
	require.NoError(t, err)

	body, ok := env.Command.Body.(*TerminalIntegrationCommand)
	require.True(t, ok)
	assert.Equal(t, ActionUninstall, body.Action)
	id, ok := env.ID()
	assert.True(t, ok)
	assert.EqualValues(t, 3, id)
}

func TestFrameReaderAccumulatesPartialReads(t *testing.T) {
	first, err := Serialize(NewCommand(1, &DiagnosticsCommand{}), EncodingBinary)
	require.NoError(t, err)
	second, err := Serialize(NewHook(&EditBufferHook{Text: "ls"}), EncodingJSON)
	require.NoError(t, err)
	stream := append(append([]byte(nil), first...), second...)

	r := NewFrameReader(0)
	var got []Envelope
	for _, b := range stream {
		r.Feed([]byte{b})
		for {
			env, _, err := r.Next()
			if err != nil {
				require.ErrorIs(t, err, ErrIncomplete)
				break
			}
			got = append(got, env)
		}
	}

	require.Len(t, got, 2)
	assert.Equal(t, CmdDiagnostics, got[0].Command.Kind())
	assert.Equal(t, HookEditBuffer, got[1].Hook.Kind())
	assert.Zero(t, r.Buffered())
}

func TestFrameReaderDropsOnBadPrefix(t *testing.T) {
	good, err := Serialize(NewHook(&HideHook{}), EncodingBinary)
	require.NoError(t, err)

	r := NewFrameReader(0)
	r.Feed([]byte("garbage"))
	r.Feed(good)

	_, _, err = r.Next()
	assert.ErrorIs(t, err, ErrBadPrefix)
	assert.Zero(t, r.Buffered(), "no resynchronization: buffered bytes are discarded")

	r.Feed(good)
	env, enc, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, EncodingBinary, enc)
	assert.Equal(t, HookHide, env.Hook.Kind())
}

func TestFrameReaderSkipsUndecodableFrame(t *testing.T) {
	bad := appendFrame(nil, EncodingJSON, []byte("{oops"))
	good, err := Serialize(NewHook(&EventHook{EventName: "e"}), EncodingJSON)
	require.NoError(t, err)

	r := NewFrameReader(0)
	r.Feed(append(bad, good...))

	_, _, err = r.Next()
	assert.ErrorIs(t, err, ErrDecode)

	env, _, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, HookEvent, env.Hook.Kind())
}

func TestFrameReaderRejectsOversizedFrame(t *testing.T) {
	frame, err := Serialize(NewHook(&EventHook{EventName: "a long event name"}), EncodingJSON)
	require.NoError(t, err)

	r := NewFrameReader(8)
	r.Feed(frame)
	_, _, err = r.Next()
	assert.ErrorIs(t, err, ErrFrameTooLarge)
	assert.Zero(t, r.Buffered())
}

func TestSerializeRejectsInvalidEnvelope(t *testing.T) {
	_, err := Serialize(Envelope{}, EncodingBinary)
	assert.ErrorIs(t, err, ErrDecode)

	_, err = Serialize(Envelope{Command: &Command{Body: &QuitCommand{}}, Hook: &Hook{Body: &HideHook{}}}, EncodingJSON)
	assert.ErrorIs(t, err, ErrDecode)
}

func TestParseEncoding(t *testing.T) {
	for in, want := range map[string]Encoding{"binary": EncodingBinary, "pbuf": EncodingBinary, "json": EncodingJSON} {
		got, err := ParseEncoding(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseEncoding("yaml")
	assert.Error(t, err)
}
