package client

import (
	"context"
	"net/url"
	"time"

	"github.com/gantrylabs/gantry/pkg/api"
)

// Sandbox is a handle on one sandbox. The record and its container are
// created lazily by the daemon on first use, so holding a handle is free
// and a handle stays valid across container restarts. Obtain handles from
// Client.Sandbox.
type Sandbox struct {
	c         *Client
	id        string
	sessionID string
}

// ID returns the sandbox id.
func (s *Sandbox) ID() string { return s.id }

func (s *Sandbox) path(p string) string {
	return "/v1/sandboxes/" + s.id + p
}

// Ping wakes the sandbox and returns the agent's liveness response.
func (s *Sandbox) Ping(ctx context.Context) (*api.PingResponse, error) {
	var out api.PingResponse
	if err := s.c.doJSON(ctx, "GET", s.path("/ping"), nil, &out, "ping"); err != nil {
		return nil, err
	}
	return &out, nil
}

// ExecOptions adjust one command execution. The zero value runs the command
// in the sandbox's default session with no overrides.
type ExecOptions struct {
	Cwd     string
	Env     map[string]string
	Timeout time.Duration
}

// Exec runs a shell command to completion and returns its collected output.
// A command that ran and exited non-zero is not an error; check Success or
// ExitCode on the result.
func (s *Sandbox) Exec(ctx context.Context, command string, opts *ExecOptions) (*api.ExecResult, error) {
	req := api.ExecRequest{Command: command, SessionID: s.sessionID}
	if opts != nil {
		req.Cwd = opts.Cwd
		req.Env = opts.Env
		if opts.Timeout > 0 {
			req.TimeoutMs = int(opts.Timeout / time.Millisecond)
		}
	}

	if h := s.c.hooks.OnCommandStart; h != nil {
		h(command)
	}
	var out api.ExecResult
	if err := s.c.doJSON(ctx, "POST", s.path("/execute"), req, &out, "exec"); err != nil {
		s.c.hookError(err)
		return nil, withCommand(err, command)
	}
	if h := s.c.hooks.OnCommandComplete; h != nil {
		h(&out)
	}
	return &out, nil
}

// WriteFileOptions adjust a file write. Encoding is "utf-8" (default) or
// "base64" for binary content.
type WriteFileOptions struct {
	Encoding string
}

// WriteFile writes content to a workspace path, creating parent directories
// as needed.
func (s *Sandbox) WriteFile(ctx context.Context, path, content string, opts *WriteFileOptions) (*api.WriteFileResponse, error) {
	req := api.WriteFileRequest{Path: path, Content: content, SessionID: s.sessionID}
	if opts != nil {
		req.Encoding = opts.Encoding
	}
	var out api.WriteFileResponse
	if err := s.c.doJSON(ctx, "POST", s.path("/files/write"), req, &out, "writeFile"); err != nil {
		return nil, withPath(err, path)
	}
	return &out, nil
}

// ReadFileOptions adjust a file read. Encoding "base64" returns the raw
// bytes base64-encoded.
type ReadFileOptions struct {
	Encoding string
}

// ReadFile reads a workspace file.
func (s *Sandbox) ReadFile(ctx context.Context, path string, opts *ReadFileOptions) (*api.ReadFileResponse, error) {
	req := api.ReadFileRequest{Path: path, SessionID: s.sessionID}
	if opts != nil {
		req.Encoding = opts.Encoding
	}
	var out api.ReadFileResponse
	if err := s.c.doJSON(ctx, "POST", s.path("/files/read"), req, &out, "readFile"); err != nil {
		return nil, withPath(err, path)
	}
	return &out, nil
}

// DeleteFile removes a file or empty directory.
func (s *Sandbox) DeleteFile(ctx context.Context, path string) error {
	req := api.DeleteFileRequest{Path: path, SessionID: s.sessionID}
	if err := s.c.doJSON(ctx, "POST", s.path("/files/delete"), req, nil, "deleteFile"); err != nil {
		return withPath(err, path)
	}
	return nil
}

// Mkdir creates a directory, with parents when recursive is set.
func (s *Sandbox) Mkdir(ctx context.Context, path string, recursive bool) error {
	req := api.MkdirRequest{Path: path, Recursive: recursive, SessionID: s.sessionID}
	if err := s.c.doJSON(ctx, "POST", s.path("/files/mkdir"), req, nil, "mkdir"); err != nil {
		return withPath(err, path)
	}
	return nil
}

// RenameFile renames a file within its directory.
func (s *Sandbox) RenameFile(ctx context.Context, oldPath, newPath string) error {
	req := api.RenameFileRequest{OldPath: oldPath, NewPath: newPath, SessionID: s.sessionID}
	if err := s.c.doJSON(ctx, "POST", s.path("/files/rename"), req, nil, "renameFile"); err != nil {
		return withPath(err, oldPath)
	}
	return nil
}

// MoveFile moves a file to another workspace location.
func (s *Sandbox) MoveFile(ctx context.Context, sourcePath, destinationPath string) error {
	req := api.MoveFileRequest{SourcePath: sourcePath, DestinationPath: destinationPath, SessionID: s.sessionID}
	if err := s.c.doJSON(ctx, "POST", s.path("/files/move"), req, nil, "moveFile"); err != nil {
		return withPath(err, sourcePath)
	}
	return nil
}

// ExposePortOptions adjust a port exposure. Hostname overrides the hostname
// used to build the preview URL for this exposure only.
type ExposePortOptions struct {
	Name     string
	Hostname string
}

// ExposePort makes a container-local TCP port reachable through the
// daemon's preview ingress and returns the exposure record, including the
// preview URL and its access token. The token is returned only here.
func (s *Sandbox) ExposePort(ctx context.Context, port int, opts *ExposePortOptions) (*api.ExposePortResponse, error) {
	req := api.ExposePortRequest{Port: port, SessionID: s.sessionID}
	if opts != nil {
		req.Name = opts.Name
		req.Hostname = opts.Hostname
	}
	var out api.ExposePortResponse
	if err := s.c.doJSON(ctx, "POST", s.path("/ports/expose"), req, &out, "exposePort"); err != nil {
		return nil, withPort(err, port)
	}
	return &out, nil
}

// UnexposePort removes an exposure and invalidates its token.
func (s *Sandbox) UnexposePort(ctx context.Context, port int) error {
	req := api.UnexposePortRequest{Port: port}
	if err := s.c.doJSON(ctx, "POST", s.path("/ports/unexpose"), req, nil, "unexposePort"); err != nil {
		return withPort(err, port)
	}
	return nil
}

// GetExposedPorts lists the sandbox's exposed ports. Tokens are never
// included in listings.
func (s *Sandbox) GetExposedPorts(ctx context.Context) ([]api.PortInfo, error) {
	var out api.ListPortsResponse
	if err := s.c.doJSON(ctx, "GET", s.path("/ports"), nil, &out, "getExposedPorts"); err != nil {
		return nil, err
	}
	return out.Ports, nil
}

// ValidatePortToken reports whether token currently grants access to the
// exposed port.
func (s *Sandbox) ValidatePortToken(ctx context.Context, port int, token string) (bool, error) {
	req := api.ValidateTokenRequest{Port: port, Token: token}
	var out api.ValidateTokenResponse
	if err := s.c.doJSON(ctx, "POST", s.path("/ports/validate-token"), req, &out, "validatePortToken"); err != nil {
		return false, withPort(err, port)
	}
	return out.Valid, nil
}

// GitCheckoutOptions adjust a repository checkout.
type GitCheckoutOptions struct {
	Branch    string
	TargetDir string
	Depth     int
}

// GitCheckout clones a repository into the workspace.
func (s *Sandbox) GitCheckout(ctx context.Context, repoURL string, opts *GitCheckoutOptions) (*api.GitCheckoutResponse, error) {
	req := api.GitCheckoutRequest{RepoURL: repoURL, SessionID: s.sessionID}
	if opts != nil {
		req.Branch = opts.Branch
		req.TargetDir = opts.TargetDir
		req.Depth = opts.Depth
	}
	var out api.GitCheckoutResponse
	if err := s.c.doJSON(ctx, "POST", s.path("/git/checkout"), req, &out, "gitCheckout"); err != nil {
		return nil, err
	}
	return &out, nil
}

// SessionOptions describe a session to create. Zero-value fields default
// server-side: a random id and the workspace root as working directory.
type SessionOptions struct {
	ID  string
	Cwd string
	Env map[string]string
}

// CreateSession creates an execution session and returns a handle bound to
// it. Operations on the returned handle carry the session id; the original
// sandbox handle keeps using the default session.
func (s *Sandbox) CreateSession(ctx context.Context, opts *SessionOptions) (*ExecutionSession, error) {
	req := api.CreateSessionRequest{}
	if opts != nil {
		req.ID = opts.ID
		req.Cwd = opts.Cwd
		req.Env = opts.Env
	}
	var out api.CreateSessionResponse
	if err := s.c.doJSON(ctx, "POST", s.path("/sessions"), req, &out, "createSession"); err != nil {
		return nil, err
	}
	return &ExecutionSession{Sandbox{c: s.c, id: s.id, sessionID: out.SessionID}}, nil
}

// ListSessions lists the container's live sessions.
func (s *Sandbox) ListSessions(ctx context.Context) ([]api.SessionInfo, error) {
	var out api.ListSessionsResponse
	if err := s.c.doJSON(ctx, "GET", s.path("/sessions"), nil, &out, "listSessions"); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

// DeleteSession removes a session. Background processes started under it
// keep running.
func (s *Sandbox) DeleteSession(ctx context.Context, id string) error {
	return s.c.doJSON(ctx, "DELETE", s.path("/sessions/"+url.PathEscape(id)), nil, nil, "deleteSession")
}

// ExecutionSession is a Sandbox bound to one named session. All promoted
// Sandbox operations carry the session id.
type ExecutionSession struct {
	Sandbox
}

// SessionID returns the bound session id.
func (es *ExecutionSession) SessionID() string { return es.sessionID }

// SetEnvVars stores environment variables applied to sessions created from
// now on and to the container when it is next created.
func (s *Sandbox) SetEnvVars(ctx context.Context, env map[string]string) error {
	return s.applySettings(ctx, api.SettingsRequest{EnvVars: env}, "setEnvVars")
}

// SetSandboxName sets the sandbox's display name, which also seeds the
// default session id for fresh instances.
func (s *Sandbox) SetSandboxName(ctx context.Context, name string) error {
	return s.applySettings(ctx, api.SettingsRequest{Name: &name}, "setSandboxName")
}

// SetBaseURL pins the hostname used to build preview URLs, overriding the
// captured request host.
func (s *Sandbox) SetBaseURL(ctx context.Context, baseURL string) error {
	return s.applySettings(ctx, api.SettingsRequest{BaseURL: &baseURL}, "setBaseURL")
}

// SetSleepAfter sets how long the sandbox may sit idle before its container
// is stopped.
func (s *Sandbox) SetSleepAfter(ctx context.Context, d time.Duration) error {
	secs := int(d / time.Second)
	return s.applySettings(ctx, api.SettingsRequest{SleepAfterSeconds: &secs}, "setSleepAfter")
}

// SetKeepAlive exempts the sandbox from idle sleep when set.
func (s *Sandbox) SetKeepAlive(ctx context.Context, keepAlive bool) error {
	return s.applySettings(ctx, api.SettingsRequest{KeepAlive: &keepAlive}, "setKeepAlive")
}

// Settings updates are applied by the daemon without starting the
// container.
func (s *Sandbox) applySettings(ctx context.Context, req api.SettingsRequest, op string) error {
	return s.c.doJSON(ctx, "PATCH", s.path("/settings"), req, nil, op)
}
