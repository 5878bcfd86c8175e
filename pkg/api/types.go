// Package api defines the wire contract shared by the gantry client, the
// control-plane daemon, and the in-container agent: request and response
// bodies, the SSE event types, and the stable error codes.
package api

import "time"

// Response is the envelope embedded in every JSON response.
type Response struct {
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
	Code      ErrorCode `json:"code,omitempty"`
}

// OK returns a success envelope stamped with the current time.
func OK() Response {
	return Response{Success: true, Timestamp: time.Now().UTC()}
}

// Fail returns an error envelope carrying a stable code and a human-readable
// message.
func Fail(code ErrorCode, message string) Response {
	return Response{Timestamp: time.Now().UTC(), Error: message, Code: code}
}

// ExecEvent is one event of a streaming command execution. The stream always
// begins with a "start" event and ends with exactly one of "complete" or
// "error".
type ExecEvent struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Command   string    `json:"command,omitempty"`
	Data      string    `json:"data,omitempty"`
	ExitCode  *int      `json:"exitCode,omitempty"`
	Success   *bool     `json:"success,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// ExecEvent types.
const (
	ExecEventStart    = "start"
	ExecEventStdout   = "stdout"
	ExecEventStderr   = "stderr"
	ExecEventComplete = "complete"
	ExecEventError    = "error"
)

// LogEvent is one event of a process log stream. Historical buffer contents
// are replayed first, then live output, then a single "exit" event.
type LogEvent struct {
	Type      string    `json:"type"`
	ProcessID string    `json:"processId"`
	Timestamp time.Time `json:"timestamp"`
	Data      string    `json:"data,omitempty"`
	ExitCode  *int      `json:"exitCode,omitempty"`
}

// LogEvent types.
const (
	LogEventStdout = "stdout"
	LogEventStderr = "stderr"
	LogEventExit   = "exit"
)

// PingResponse is returned by GET /api/ping.
type PingResponse struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"requestId,omitempty"`
}

// CommandsResponse lists executables discovered on the container's PATH.
type CommandsResponse struct {
	AvailableCommands []string  `json:"availableCommands"`
	Timestamp         time.Time `json:"timestamp"`
}

// CreateSessionRequest creates an execution session.
type CreateSessionRequest struct {
	ID  string            `json:"id,omitempty"`
	Env map[string]string `json:"env,omitempty"`
	Cwd string            `json:"cwd,omitempty"`
}

// CreateSessionResponse carries the canonical id of the created session.
type CreateSessionResponse struct {
	Response
	SessionID string `json:"sessionId"`
}

// SessionInfo is a snapshot of one execution session.
type SessionInfo struct {
	ID        string            `json:"id"`
	Cwd       string            `json:"cwd"`
	Env       map[string]string `json:"env,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// ListSessionsResponse lists all live sessions.
type ListSessionsResponse struct {
	Response
	Sessions []SessionInfo `json:"sessions"`
}

// ExecRequest runs a shell command line, synchronously or streaming.
type ExecRequest struct {
	Command   string            `json:"command"`
	SessionID string            `json:"sessionId,omitempty"`
	Cwd       string            `json:"cwd,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	TimeoutMs int               `json:"timeoutMs,omitempty"`
}

// ExecResult is the synchronous execution response. Success reflects the
// command's exit code, not the transport.
type ExecResult struct {
	Response
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
	Command  string `json:"command"`
}

// StartProcessRequest starts a supervised background process.
type StartProcessRequest struct {
	Command    string            `json:"command"`
	SessionID  string            `json:"sessionId,omitempty"`
	ProcessID  string            `json:"processId,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	Cwd        string            `json:"cwd,omitempty"`
	Background bool              `json:"background,omitempty"`
}

// StartProcessResponse identifies the newly started process.
type StartProcessResponse struct {
	Response
	ProcessID string `json:"processId"`
	PID       int    `json:"pid"`
	Command   string `json:"command"`
}

// Process statuses.
const (
	ProcessStarting  = "starting"
	ProcessRunning   = "running"
	ProcessCompleted = "completed"
	ProcessFailed    = "failed"
	ProcessKilled    = "killed"
)

// ProcessInfo is a snapshot of one supervised process record.
type ProcessInfo struct {
	ID        string     `json:"id"`
	PID       int        `json:"pid"`
	Command   string     `json:"command"`
	Status    string     `json:"status"`
	ExitCode  *int       `json:"exitCode,omitempty"`
	StartTime time.Time  `json:"startTime"`
	EndTime   *time.Time `json:"endTime,omitempty"`
	SessionID string     `json:"sessionId"`
}

// Terminal reports whether the process has reached a final state.
func (p *ProcessInfo) Terminal() bool {
	switch p.Status {
	case ProcessCompleted, ProcessFailed, ProcessKilled:
		return true
	}
	return false
}

// ListProcessesResponse is the process registry snapshot.
type ListProcessesResponse struct {
	Response
	Processes []ProcessInfo `json:"processes"`
}

// ProcessResponse is a single process record with the envelope.
type ProcessResponse struct {
	Response
	ProcessInfo
}

// ProcessLogsResponse holds the historical buffer contents per stream.
type ProcessLogsResponse struct {
	Response
	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	StdoutTruncated bool   `json:"stdoutTruncated,omitempty"`
	StderrTruncated bool   `json:"stderrTruncated,omitempty"`
}

// File operation requests. Paths are validated against the session root;
// Encoding is "utf-8" (default) or "base64".
type (
	WriteFileRequest struct {
		Path      string `json:"path"`
		Content   string `json:"content"`
		Encoding  string `json:"encoding,omitempty"`
		SessionID string `json:"sessionId,omitempty"`
	}

	ReadFileRequest struct {
		Path      string `json:"path"`
		Encoding  string `json:"encoding,omitempty"`
		SessionID string `json:"sessionId,omitempty"`
	}

	DeleteFileRequest struct {
		Path      string `json:"path"`
		SessionID string `json:"sessionId,omitempty"`
	}

	MkdirRequest struct {
		Path      string `json:"path"`
		Recursive bool   `json:"recursive,omitempty"`
		SessionID string `json:"sessionId,omitempty"`
	}

	RenameFileRequest struct {
		OldPath   string `json:"oldPath"`
		NewPath   string `json:"newPath"`
		SessionID string `json:"sessionId,omitempty"`
	}

	MoveFileRequest struct {
		SourcePath      string `json:"sourcePath"`
		DestinationPath string `json:"destinationPath"`
		SessionID       string `json:"sessionId,omitempty"`
	}
)

// WriteFileResponse reports the number of bytes written.
type WriteFileResponse struct {
	Response
	Path         string `json:"path"`
	BytesWritten int    `json:"bytesWritten"`
}

// ReadFileResponse carries file contents in the requested encoding.
type ReadFileResponse struct {
	Response
	Path    string `json:"path"`
	Content string `json:"content"`
	Size    int64  `json:"size"`
}

// FileActionResponse is the envelope-only response of delete/mkdir/rename/move.
type FileActionResponse struct {
	Response
	Path string `json:"path,omitempty"`
}

// ExposePortRequest exposes a container-local TCP port.
type ExposePortRequest struct {
	Port      int    `json:"port"`
	Name      string `json:"name,omitempty"`
	Hostname  string `json:"hostname,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// UnexposePortRequest removes a port exposure and invalidates its token.
type UnexposePortRequest struct {
	Port int `json:"port"`
}

// ExposePortResponse is the full exposure record. The token appears only
// here; listings never include it.
type ExposePortResponse struct {
	Response
	Port      int       `json:"port"`
	Name      string    `json:"name,omitempty"`
	Token     string    `json:"token"`
	URL       string    `json:"url,omitempty"`
	ExposedAt time.Time `json:"exposedAt"`
}

// PortInfo is one exposed-port listing entry, without the token.
type PortInfo struct {
	Port      int       `json:"port"`
	Name      string    `json:"name,omitempty"`
	URL       string    `json:"url,omitempty"`
	ExposedAt time.Time `json:"exposedAt"`
}

// ListPortsResponse lists exposed ports.
type ListPortsResponse struct {
	Response
	Ports []PortInfo `json:"ports"`
}

// CheckReadyRequest probes local port readiness. Mode is "tcp" or "http".
type CheckReadyRequest struct {
	Port      int    `json:"port"`
	Mode      string `json:"mode,omitempty"`
	Path      string `json:"path,omitempty"`
	StatusMin int    `json:"statusMin,omitempty"`
	StatusMax int    `json:"statusMax,omitempty"`
	TimeoutMs int    `json:"timeoutMs,omitempty"`
}

// CheckReadyResponse reports the probe outcome. This endpoint does not use
// the standard envelope.
type CheckReadyResponse struct {
	Ready      bool   `json:"ready"`
	StatusCode *int   `json:"statusCode,omitempty"`
	Error      string `json:"error,omitempty"`
}

// CheckTokenRequest asks the in-container registry whether a preview token
// matches an exposed port.
type CheckTokenRequest struct {
	Port  int    `json:"port"`
	Token string `json:"token"`
}

// CheckTokenResponse is the token check verdict.
type CheckTokenResponse struct {
	Valid bool `json:"valid"`
}

// GitCheckoutRequest clones a repository into the workspace.
type GitCheckoutRequest struct {
	RepoURL   string `json:"repoUrl"`
	Branch    string `json:"branch,omitempty"`
	TargetDir string `json:"targetDir,omitempty"`
	Depth     int    `json:"depth,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// GitCheckoutResponse carries the clone output and destination.
type GitCheckoutResponse struct {
	Response
	Output    string `json:"output"`
	ExitCode  int    `json:"exitCode"`
	TargetDir string `json:"targetDir"`
}

// SettingsRequest updates per-sandbox control-plane settings. Nil fields are
// left unchanged.
type SettingsRequest struct {
	Name              *string           `json:"name,omitempty"`
	BaseURL           *string           `json:"baseUrl,omitempty"`
	SleepAfterSeconds *int              `json:"sleepAfterSeconds,omitempty"`
	KeepAlive         *bool             `json:"keepAlive,omitempty"`
	EnvVars           map[string]string `json:"envVars,omitempty"`
}

// SettingsResponse echoes the effective settings.
type SettingsResponse struct {
	Response
	Name              string            `json:"name"`
	BaseURL           string            `json:"baseUrl,omitempty"`
	SleepAfterSeconds int               `json:"sleepAfterSeconds"`
	KeepAlive         bool              `json:"keepAlive"`
	EnvVars           map[string]string `json:"envVars,omitempty"`
}

// ValidateTokenRequest checks a preview token at the control plane.
type ValidateTokenRequest struct {
	Port  int    `json:"port"`
	Token string `json:"token"`
}

// ValidateTokenResponse is the control-plane token verdict.
type ValidateTokenResponse struct {
	Response
	Valid bool `json:"valid"`
}

// SandboxInfo describes one sandbox known to the control plane.
type SandboxInfo struct {
	ID           string     `json:"id"`
	Name         string     `json:"name,omitempty"`
	Status       string     `json:"status"`
	Image        string     `json:"image,omitempty"`
	KeepAlive    bool       `json:"keepAlive"`
	CreatedAt    time.Time  `json:"createdAt"`
	LastActiveAt time.Time  `json:"lastActiveAt"`
	StoppedAt    *time.Time `json:"stoppedAt,omitempty"`
}

// ListSandboxesResponse lists sandboxes known to the control plane.
type ListSandboxesResponse struct {
	Response
	Sandboxes []SandboxInfo `json:"sandboxes"`
}
