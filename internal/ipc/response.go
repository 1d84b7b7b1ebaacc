package ipc

import "fmt"

// ResponseKind names a response variant.
type ResponseKind string

const (
	RespError           ResponseKind = "error"
	RespSuccess         ResponseKind = "success"
	RespIntegrationList ResponseKind = "integrationList"
	RespDiagnostics     ResponseKind = "diagnostics"
)

// CommandResponse answers one command, correlated by ID.
type CommandResponse struct {
	ID   *int64
	Body ResponseBody
}

// Kind returns the variant of the response body.
func (r *CommandResponse) Kind() ResponseKind {
	if r == nil || r.Body == nil {
		return ""
	}
	return r.Body.ResponseKind()
}

// ResponseBody is implemented by every response payload type.
type ResponseBody interface {
	ResponseKind() ResponseKind
}

type ErrorResponse struct {
	ExitCode *int32 `json:"exitCode,omitempty"`
	Message  string `json:"message,omitempty"`
}

func (e *ErrorResponse) Error() string { return e.Message }

type SuccessResponse struct {
	Message string `json:"message,omitempty"`
}

type TerminalIntegration struct {
	BundleIdentifier string `json:"bundleIdentifier,omitempty"`
	Name             string `json:"name,omitempty"`
	Status           string `json:"status,omitempty"`
}

type IntegrationListResponse struct {
	Integrations []TerminalIntegration `json:"integrations,omitempty"`
}

// DiagnosticsResponse is a structured snapshot of host state.
type DiagnosticsResponse struct {
	Version                 string   `json:"version,omitempty"`
	Platform                string   `json:"platform,omitempty"`
	DebugMode               bool     `json:"debugMode,omitempty"`
	Accessibility           string   `json:"accessibility,omitempty"`
	InstallScript           string   `json:"installscript,omitempty"`
	PseudoterminalPath      string   `json:"psudoterminalPath,omitempty"`
	CurrentProcess          string   `json:"currentProcess,omitempty"`
	CurrentWindowIdentifier string   `json:"currentWindowIdentifier,omitempty"`
	FocusedSession          string   `json:"focusedSession,omitempty"`
	Connections             uint32   `json:"connections,omitempty"`
	Sessions                uint32   `json:"sessions,omitempty"`
	TrackedApps             uint32   `json:"trackedApps,omitempty"`
	UptimeSeconds           int64    `json:"uptimeSeconds,omitempty"`
	RecentLogs              []string `json:"recentLogs,omitempty"`
}

func (*ErrorResponse) ResponseKind() ResponseKind           { return RespError }
func (*SuccessResponse) ResponseKind() ResponseKind         { return RespSuccess }
func (*IntegrationListResponse) ResponseKind() ResponseKind { return RespIntegrationList }
func (*DiagnosticsResponse) ResponseKind() ResponseKind     { return RespDiagnostics }

// Success builds a success response body with an optional message.
func Success(format string, args ...any) *SuccessResponse {
	if format == "" {
		return &SuccessResponse{}
	}
	return &SuccessResponse{Message: fmt.Sprintf(format, args...)}
}

// Errorf builds an error response body with exit code 1.
func Errorf(format string, args ...any) *ErrorResponse {
	code := int32(1)
	return &ErrorResponse{ExitCode: &code, Message: fmt.Sprintf(format, args...)}
}
