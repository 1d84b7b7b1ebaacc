package ipc

// HookKind names a hook variant.
type HookKind string

const (
	HookEditBuffer           HookKind = "editBuffer"
	HookInit                 HookKind = "init"
	HookPrompt               HookKind = "prompt"
	HookPreExec              HookKind = "preExec"
	HookPostExec             HookKind = "postExec"
	HookKeyboardFocusChanged HookKind = "keyboardFocusChanged"
	HookTmuxPaneChanged      HookKind = "tmuxPaneChanged"
	HookSSHConnectionOpened  HookKind = "openedSshConnection"
	HookCallback             HookKind = "callback"
	HookIntegrationReady     HookKind = "integrationReady"
	HookHide                 HookKind = "hide"
	HookEvent                HookKind = "event"
)

// HookKinds lists every hook variant in wire order.
var HookKinds = []HookKind{
	HookEditBuffer,
	HookInit,
	HookPrompt,
	HookPreExec,
	HookPostExec,
	HookKeyboardFocusChanged,
	HookTmuxPaneChanged,
	HookSSHConnectionOpened,
	HookCallback,
	HookIntegrationReady,
	HookHide,
	HookEvent,
}

// Hook is a one-way event from a shell integration. It never gets a response.
type Hook struct {
	Body HookBody
}

// Kind returns the variant of the hook body.
func (h *Hook) Kind() HookKind {
	if h == nil || h.Body == nil {
		return ""
	}
	return h.Body.HookKind()
}

// Context returns the shell context of hooks that carry one.
func (h *Hook) Context() *ShellContext {
	if h == nil {
		return nil
	}
	switch b := h.Body.(type) {
	case *EditBufferHook:
		return b.Context
	case *InitHook:
		return b.Context
	case *PromptHook:
		return b.Context
	case *PreExecHook:
		return b.Context
	case *PostExecHook:
		return b.Context
	case *SSHConnectionOpenedHook:
		return b.Context
	}
	return nil
}

// HookBody is implemented by every hook payload type.
type HookBody interface {
	HookKind() HookKind
}

type EditBufferHook struct {
	Context *ShellContext `json:"context,omitempty"`
	Text    string        `json:"text,omitempty"`
	Cursor  int64         `json:"cursor,omitempty"`
	Histno  int64         `json:"histno,omitempty"`
}

// Buffer returns the text and cursor as an EditBuffer.
func (h *EditBufferHook) Buffer() EditBuffer {
	return EditBuffer{Text: h.Text, Cursor: h.Cursor}
}

type InitHook struct {
	Context      *ShellContext     `json:"context,omitempty"`
	CalledDirect bool              `json:"calledDirect,omitempty"`
	Bundle       string            `json:"bundle,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
}

type PromptHook struct {
	Context *ShellContext `json:"context,omitempty"`
}

type PreExecHook struct {
	Context *ShellContext `json:"context,omitempty"`
	Command *string       `json:"command,omitempty"`
}

type PostExecHook struct {
	Context  *ShellContext `json:"context,omitempty"`
	Command  string        `json:"command,omitempty"`
	ExitCode int32         `json:"exitCode,omitempty"`
}

type KeyboardFocusChangedHook struct {
	AppIdentifier    string `json:"appIdentifier,omitempty"`
	FocusedSessionID string `json:"focusedSessionId,omitempty"`
}

type TmuxPaneChangedHook struct {
	PaneIdentifier int32 `json:"paneIdentifier,omitempty"`
}

type SSHConnectionOpenedHook struct {
	Context     *ShellContext `json:"context,omitempty"`
	ControlPath string        `json:"controlPath,omitempty"`
}

// CallbackHook reports that a pseudo-terminal command finished writing its
// output to Filepath. ExitCode is kept as text, as shells report it.
type CallbackHook struct {
	HandlerID string `json:"handlerId,omitempty"`
	Filepath  string `json:"filepath,omitempty"`
	ExitCode  string `json:"exitCode,omitempty"`
}

type IntegrationReadyHook struct {
	Identifier string `json:"identifier,omitempty"`
}

type HideHook struct{}

type EventHook struct {
	EventName string `json:"eventName,omitempty"`
}

func (*EditBufferHook) HookKind() HookKind           { return HookEditBuffer }
func (*InitHook) HookKind() HookKind                 { return HookInit }
func (*PromptHook) HookKind() HookKind               { return HookPrompt }
func (*PreExecHook) HookKind() HookKind              { return HookPreExec }
func (*PostExecHook) HookKind() HookKind             { return HookPostExec }
func (*KeyboardFocusChangedHook) HookKind() HookKind { return HookKeyboardFocusChanged }
func (*TmuxPaneChangedHook) HookKind() HookKind      { return HookTmuxPaneChanged }
func (*SSHConnectionOpenedHook) HookKind() HookKind  { return HookSSHConnectionOpened }
func (*CallbackHook) HookKind() HookKind             { return HookCallback }
func (*IntegrationReadyHook) HookKind() HookKind     { return HookIntegrationReady }
func (*HideHook) HookKind() HookKind                 { return HookHide }
func (*EventHook) HookKind() HookKind                { return HookEvent }
