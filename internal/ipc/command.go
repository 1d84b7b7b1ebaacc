package ipc

import (
	"fmt"
	"strings"
)

// CommandKind names a command variant.
type CommandKind string

const (
	CmdTerminalIntegration      CommandKind = "terminalIntegration"
	CmdListTerminalIntegrations CommandKind = "listTerminalIntegrations"
	CmdLogout                   CommandKind = "logout"
	CmdRestart                  CommandKind = "restart"
	CmdQuit                     CommandKind = "quit"
	CmdUpdate                   CommandKind = "update"
	CmdDiagnostics              CommandKind = "diagnostics"
	CmdReportWindow             CommandKind = "reportWindow"
	CmdRestartSettingsListener  CommandKind = "restartSettingsListener"
	CmdRunInstallScript         CommandKind = "runInstallScript"
	CmdBuild                    CommandKind = "build"
	CmdOpenUIElement            CommandKind = "openUiElement"
	CmdResetCache               CommandKind = "resetCache"
	CmdDebugMode                CommandKind = "debugMode"
	CmdPromptAccessibility      CommandKind = "promptAccessibility"
)

// CommandKinds lists every command variant in wire order.
var CommandKinds = []CommandKind{
	CmdTerminalIntegration,
	CmdListTerminalIntegrations,
	CmdLogout,
	CmdRestart,
	CmdQuit,
	CmdUpdate,
	CmdDiagnostics,
	CmdReportWindow,
	CmdRestartSettingsListener,
	CmdRunInstallScript,
	CmdBuild,
	CmdOpenUIElement,
	CmdResetCache,
	CmdDebugMode,
	CmdPromptAccessibility,
}

// Command is a request that expects at most one correlated response.
type Command struct {
	ID         *int64
	NoResponse bool
	Body       CommandBody
}

// Kind returns the variant of the command body.
func (c *Command) Kind() CommandKind {
	if c == nil || c.Body == nil {
		return ""
	}
	return c.Body.CommandKind()
}

// CommandBody is implemented by every command payload type.
type CommandBody interface {
	CommandKind() CommandKind
}

// IntegrationAction selects what a terminal-integration command does.
type IntegrationAction int32

const (
	ActionInstall IntegrationAction = iota
	ActionVerifyInstall
	ActionUninstall
)

var integrationActionNames = map[IntegrationAction]string{
	ActionInstall:       "INSTALL",
	ActionVerifyInstall: "VERIFY_INSTALL",
	ActionUninstall:     "UNINSTALL",
}

func (a IntegrationAction) String() string {
	if name, ok := integrationActionNames[a]; ok {
		return name
	}
	return fmt.Sprintf("IntegrationAction(%d)", int32(a))
}

// ParseIntegrationAction accepts INSTALL, VERIFY_INSTALL or UNINSTALL (any case)
// and the short forms install, verify and uninstall.
func ParseIntegrationAction(s string) (IntegrationAction, error) {
	switch strings.ToUpper(s) {
	case "INSTALL":
		return ActionInstall, nil
	case "VERIFY_INSTALL", "VERIFY":
		return ActionVerifyInstall, nil
	case "UNINSTALL":
		return ActionUninstall, nil
	}
	return 0, fmt.Errorf("unknown integration action %q", s)
}

// UIElement names a host UI surface for open-ui-element.
type UIElement int32

const (
	UIMenuBar UIElement = iota
	UISettings
)

var uiElementNames = map[UIElement]string{
	UIMenuBar:  "MENU_BAR",
	UISettings: "SETTINGS",
}

func (e UIElement) String() string {
	if name, ok := uiElementNames[e]; ok {
		return name
	}
	return fmt.Sprintf("UIElement(%d)", int32(e))
}

// ParseUIElement accepts MENU_BAR or SETTINGS (any case).
func ParseUIElement(s string) (UIElement, error) {
	switch strings.ToUpper(strings.ReplaceAll(s, "-", "_")) {
	case "MENU_BAR":
		return UIMenuBar, nil
	case "SETTINGS":
		return UISettings, nil
	}
	return 0, fmt.Errorf("unknown ui element %q", s)
}

type TerminalIntegrationCommand struct {
	Identifier string            `json:"identifier,omitempty"`
	Action     IntegrationAction `json:"action,omitempty"`
	Silent     bool              `json:"silent,omitempty"`
}

type ListTerminalIntegrationsCommand struct{}

type LogoutCommand struct{}

type RestartCommand struct{}

type QuitCommand struct{}

type UpdateCommand struct {
	Force bool `json:"force,omitempty"`
}

type DiagnosticsCommand struct{}

type ReportWindowCommand struct {
	Report   string `json:"report,omitempty"`
	Path     string `json:"path,omitempty"`
	EnvVar   string `json:"figEnvVar,omitempty"`
	Terminal string `json:"terminal,omitempty"`
}

type RestartSettingsListenerCommand struct{}

type RunInstallScriptCommand struct{}

type BuildCommand struct {
	Branch *string `json:"branch,omitempty"`
}

type OpenUIElementCommand struct {
	Element UIElement `json:"element,omitempty"`
}

type ResetCacheCommand struct{}

// DebugModeCommand sets or toggles debug mode. With neither set it only
// reports the current state.
type DebugModeCommand struct {
	Set    *bool `json:"setDebugMode,omitempty"`
	Toggle *bool `json:"toggleDebugMode,omitempty"`
}

type PromptAccessibilityCommand struct{}

func (*TerminalIntegrationCommand) CommandKind() CommandKind      { return CmdTerminalIntegration }
func (*ListTerminalIntegrationsCommand) CommandKind() CommandKind { return CmdListTerminalIntegrations }
func (*LogoutCommand) CommandKind() CommandKind                   { return CmdLogout }
func (*RestartCommand) CommandKind() CommandKind                  { return CmdRestart }
func (*QuitCommand) CommandKind() CommandKind                     { return CmdQuit }
func (*UpdateCommand) CommandKind() CommandKind                   { return CmdUpdate }
func (*DiagnosticsCommand) CommandKind() CommandKind              { return CmdDiagnostics }
func (*ReportWindowCommand) CommandKind() CommandKind             { return CmdReportWindow }
func (*RestartSettingsListenerCommand) CommandKind() CommandKind  { return CmdRestartSettingsListener }
func (*RunInstallScriptCommand) CommandKind() CommandKind         { return CmdRunInstallScript }
func (*BuildCommand) CommandKind() CommandKind                    { return CmdBuild }
func (*OpenUIElementCommand) CommandKind() CommandKind            { return CmdOpenUIElement }
func (*ResetCacheCommand) CommandKind() CommandKind               { return CmdResetCache }
func (*DebugModeCommand) CommandKind() CommandKind                { return CmdDebugMode }
func (*PromptAccessibilityCommand) CommandKind() CommandKind      { return CmdPromptAccessibility }
