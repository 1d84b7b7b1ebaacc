package ipc

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"unicode/utf8"

	"github.com/bytedance/sonic"
)

// jsonAPI behaves like encoding/json (sorted map keys, validated strings).
var jsonAPI = sonic.ConfigStd

// JSON payloads mirror the protobuf JSON mapping of local.proto: camelCase
// field names and one key per oneof member.

type jsonMessage struct {
	Command *jsonCommand `json:"command,omitempty"`
	Hook    *jsonHook    `json:"hook,omitempty"`
}

type jsonCommand struct {
	ID         *int64 `json:"id,omitempty"`
	NoResponse bool   `json:"noResponse,omitempty"`

	TerminalIntegration      *TerminalIntegrationCommand      `json:"terminalIntegration,omitempty"`
	ListTerminalIntegrations *ListTerminalIntegrationsCommand `json:"listTerminalIntegrations,omitempty"`
	Logout                   *LogoutCommand                   `json:"logout,omitempty"`
	Restart                  *RestartCommand                  `json:"restart,omitempty"`
	Quit                     *QuitCommand                     `json:"quit,omitempty"`
	Update                   *UpdateCommand                   `json:"update,omitempty"`
	Diagnostics              *DiagnosticsCommand              `json:"diagnostics,omitempty"`
	ReportWindow             *ReportWindowCommand             `json:"reportWindow,omitempty"`
	RestartSettingsListener  *RestartSettingsListenerCommand  `json:"restartSettingsListener,omitempty"`
	RunInstallScript         *RunInstallScriptCommand         `json:"runInstallScript,omitempty"`
	Build                    *BuildCommand                    `json:"build,omitempty"`
	OpenUIElement            *OpenUIElementCommand            `json:"openUiElement,omitempty"`
	ResetCache               *ResetCacheCommand               `json:"resetCache,omitempty"`
	DebugMode                *DebugModeCommand                `json:"debugMode,omitempty"`
	PromptAccessibility      *PromptAccessibilityCommand      `json:"promptAccessibility,omitempty"`
}

type jsonHook struct {
	EditBuffer           *EditBufferHook           `json:"editBuffer,omitempty"`
	Init                 *InitHook                 `json:"init,omitempty"`
	Prompt               *PromptHook               `json:"prompt,omitempty"`
	PreExec              *PreExecHook              `json:"preExec,omitempty"`
	PostExec             *PostExecHook             `json:"postExec,omitempty"`
	KeyboardFocusChanged *KeyboardFocusChangedHook `json:"keyboardFocusChanged,omitempty"`
	TmuxPaneChanged      *TmuxPaneChangedHook      `json:"tmuxPaneChanged,omitempty"`
	SSHConnectionOpened  *SSHConnectionOpenedHook  `json:"openedSshConnection,omitempty"`
	Callback             *CallbackHook             `json:"callback,omitempty"`
	IntegrationReady     *IntegrationReadyHook     `json:"integrationReady,omitempty"`
	Hide                 *HideHook                 `json:"hide,omitempty"`
	Event                *EventHook                `json:"event,omitempty"`
}

type jsonResponse struct {
	ID              *int64                   `json:"id,omitempty"`
	Error           *ErrorResponse           `json:"error,omitempty"`
	Success         *SuccessResponse         `json:"success,omitempty"`
	IntegrationList *IntegrationListResponse `json:"integrationList,omitempty"`
	Diagnostics     *DiagnosticsResponse     `json:"diagnostics,omitempty"`
}

var errJSONOneof = errors.New("exactly one variant must be set")

func marshalEnvelopeJSON(env Envelope) ([]byte, error) {
	var msg jsonMessage
	if env.Command != nil {
		jc := &jsonCommand{ID: env.Command.ID, NoResponse: env.Command.NoResponse}
		switch c := env.Command.Body.(type) {
		case *TerminalIntegrationCommand:
			jc.TerminalIntegration = c
		case *ListTerminalIntegrationsCommand:
			jc.ListTerminalIntegrations = c
		case *LogoutCommand:
			jc.Logout = c
		case *RestartCommand:
			jc.Restart = c
		case *QuitCommand:
			jc.Quit = c
		case *UpdateCommand:
			jc.Update = c
		case *DiagnosticsCommand:
			jc.Diagnostics = c
		case *ReportWindowCommand:
			jc.ReportWindow = c
		case *RestartSettingsListenerCommand:
			jc.RestartSettingsListener = c
		case *RunInstallScriptCommand:
			jc.RunInstallScript = c
		case *BuildCommand:
			jc.Build = c
		case *OpenUIElementCommand:
			jc.OpenUIElement = c
		case *ResetCacheCommand:
			jc.ResetCache = c
		case *DebugModeCommand:
			jc.DebugMode = c
		case *PromptAccessibilityCommand:
			jc.PromptAccessibility = c
		default:
			return nil, fmt.Errorf("%w: unknown command body %T", ErrDecode, c)
		}
		msg.Command = jc
	} else {
		jh := &jsonHook{}
		switch h := env.Hook.Body.(type) {
		case *EditBufferHook:
			jh.EditBuffer = h
		case *InitHook:
			jh.Init = h
		case *PromptHook:
			jh.Prompt = h
		case *PreExecHook:
			jh.PreExec = h
		case *PostExecHook:
			jh.PostExec = h
		case *KeyboardFocusChangedHook:
			jh.KeyboardFocusChanged = h
		case *TmuxPaneChangedHook:
			jh.TmuxPaneChanged = h
		case *SSHConnectionOpenedHook:
			jh.SSHConnectionOpened = h
		case *CallbackHook:
			jh.Callback = h
		case *IntegrationReadyHook:
			jh.IntegrationReady = h
		case *HideHook:
			jh.Hide = h
		case *EventHook:
			jh.Event = h
		default:
			return nil, fmt.Errorf("%w: unknown hook body %T", ErrDecode, h)
		}
		msg.Hook = jh
	}
	return jsonAPI.Marshal(&msg)
}

func unmarshalEnvelopeJSON(payload []byte) (Envelope, error) {
	if !utf8.Valid(payload) {
		return Envelope{}, errors.New("payload is not valid UTF-8")
	}
	var msg jsonMessage
	if err := jsonAPI.Unmarshal(payload, &msg); err != nil {
		return Envelope{}, err
	}
	if (msg.Command == nil) == (msg.Hook == nil) {
		return Envelope{}, fmt.Errorf("message: %w", errJSONOneof)
	}

	if jc := msg.Command; jc != nil {
		var bodies []CommandBody
		add := func(ok bool, b CommandBody) {
			if ok {
				bodies = append(bodies, b)
			}
		}
		add(jc.TerminalIntegration != nil, jc.TerminalIntegration)
		add(jc.ListTerminalIntegrations != nil, jc.ListTerminalIntegrations)
		add(jc.Logout != nil, jc.Logout)
		add(jc.Restart != nil, jc.Restart)
		add(jc.Quit != nil, jc.Quit)
		add(jc.Update != nil, jc.Update)
		add(jc.Diagnostics != nil, jc.Diagnostics)
		add(jc.ReportWindow != nil, jc.ReportWindow)
		add(jc.RestartSettingsListener != nil, jc.RestartSettingsListener)
		add(jc.RunInstallScript != nil, jc.RunInstallScript)
		add(jc.Build != nil, jc.Build)
		add(jc.OpenUIElement != nil, jc.OpenUIElement)
		add(jc.ResetCache != nil, jc.ResetCache)
		add(jc.DebugMode != nil, jc.DebugMode)
		add(jc.PromptAccessibility != nil, jc.PromptAccessibility)
		if len(bodies) != 1 {
			return Envelope{}, fmt.Errorf("command: %w", errJSONOneof)
		}
		return Envelope{Command: &Command{ID: jc.ID, NoResponse: jc.NoResponse, Body: bodies[0]}}, nil
	}

	jh := msg.Hook
	var bodies []HookBody
	add := func(ok bool, b HookBody) {
		if ok {
			bodies = append(bodies, b)
		}
	}
	add(jh.EditBuffer != nil, jh.EditBuffer)
	add(jh.Init != nil, jh.Init)
	add(jh.Prompt != nil, jh.Prompt)
	add(jh.PreExec != nil, jh.PreExec)
	add(jh.PostExec != nil, jh.PostExec)
	add(jh.KeyboardFocusChanged != nil, jh.KeyboardFocusChanged)
	add(jh.TmuxPaneChanged != nil, jh.TmuxPaneChanged)
	add(jh.SSHConnectionOpened != nil, jh.SSHConnectionOpened)
	add(jh.Callback != nil, jh.Callback)
	add(jh.IntegrationReady != nil, jh.IntegrationReady)
	add(jh.Hide != nil, jh.Hide)
	add(jh.Event != nil, jh.Event)
	if len(bodies) != 1 {
		return Envelope{}, fmt.Errorf("hook: %w", errJSONOneof)
	}
	return Envelope{Hook: &Hook{Body: bodies[0]}}, nil
}

func marshalResponseJSON(r CommandResponse) ([]byte, error) {
	jr := jsonResponse{ID: r.ID}
	switch b := r.Body.(type) {
	case *ErrorResponse:
		jr.Error = b
	case *SuccessResponse:
		jr.Success = b
	case *IntegrationListResponse:
		jr.IntegrationList = b
	case *DiagnosticsResponse:
		jr.Diagnostics = b
	default:
		return nil, fmt.Errorf("%w: unknown response body %T", ErrDecode, b)
	}
	return jsonAPI.Marshal(&jr)
}

func unmarshalResponseJSON(payload []byte) (CommandResponse, error) {
	if !utf8.Valid(payload) {
		return CommandResponse{}, errors.New("payload is not valid UTF-8")
	}
	var jr jsonResponse
	if err := jsonAPI.Unmarshal(payload, &jr); err != nil {
		return CommandResponse{}, err
	}
	resp := CommandResponse{ID: jr.ID}
	n := 0
	if jr.Error != nil {
		resp.Body, n = jr.Error, n+1
	}
	if jr.Success != nil {
		resp.Body, n = jr.Success, n+1
	}
	if jr.IntegrationList != nil {
		resp.Body, n = jr.IntegrationList, n+1
	}
	if jr.Diagnostics != nil {
		resp.Body, n = jr.Diagnostics, n+1
	}
	if n != 1 {
		return CommandResponse{}, fmt.Errorf("response: %w", errJSONOneof)
	}
	return resp, nil
}

// Enums are written by name and accepted by name or number.

func (a IntegrationAction) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(a.String())), nil
}

func (a *IntegrationAction) UnmarshalJSON(data []byte) error {
	v, err := unmarshalEnum(data, func(s string) (int32, error) {
		act, err := ParseIntegrationAction(s)
		return int32(act), err
	})
	*a = IntegrationAction(v)
	return err
}

func (e UIElement) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(e.String())), nil
}

func (e *UIElement) UnmarshalJSON(data []byte) error {
	v, err := unmarshalEnum(data, func(s string) (int32, error) {
		el, err := ParseUIElement(s)
		return int32(el), err
	})
	*e = UIElement(v)
	return err
}

func unmarshalEnum(data []byte, byName func(string) (int32, error)) (int32, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		s, err := strconv.Unquote(string(data))
		if err != nil {
			return 0, err
		}
		return byName(s)
	}
	n, err := strconv.ParseInt(string(data), 10, 32)
	return int32(n), err
}
