package client

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/gantrylabs/gantry/pkg/api"
)

// Defaults for the WaitFor operations.
const (
	defaultReadyTimeout = 30 * time.Second
	defaultPollInterval = 100 * time.Millisecond
)

// StartProcessOptions adjust a background process start.
type StartProcessOptions struct {
	// ProcessID requests a caller-chosen id; the default is a generated
	// one. Reusing the id of a live process fails with
	// PROCESS_ALREADY_EXISTS.
	ProcessID string
	Cwd       string
	Env       map[string]string
}

// StartProcess starts a supervised background process and returns a handle
// on it. The process runs independently of the handle and of the client.
func (s *Sandbox) StartProcess(ctx context.Context, command string, opts *StartProcessOptions) (*Process, error) {
	req := api.StartProcessRequest{Command: command, SessionID: s.sessionID}
	if opts != nil {
		req.ProcessID = opts.ProcessID
		req.Cwd = opts.Cwd
		req.Env = opts.Env
	}
	var out api.StartProcessResponse
	if err := s.c.doJSON(ctx, "POST", s.path("/processes"), req, &out, "startProcess"); err != nil {
		return nil, withCommand(err, command)
	}
	return &Process{ID: out.ProcessID, PID: out.PID, Command: out.Command, s: s}, nil
}

// ListProcesses lists the container's process records, including finished
// ones. A session-bound handle lists only its own session's processes.
func (s *Sandbox) ListProcesses(ctx context.Context) ([]api.ProcessInfo, error) {
	p := s.path("/processes")
	if s.sessionID != "" {
		p += "?sessionId=" + url.QueryEscape(s.sessionID)
	}
	var out api.ListProcessesResponse
	if err := s.c.doJSON(ctx, "GET", p, nil, &out, "listProcesses"); err != nil {
		return nil, err
	}
	return out.Processes, nil
}

// GetProcess returns the current record of one process.
func (s *Sandbox) GetProcess(ctx context.Context, id string) (*api.ProcessInfo, error) {
	var out api.ProcessResponse
	if err := s.c.doJSON(ctx, "GET", s.path("/processes/"+url.PathEscape(id)), nil, &out, "getProcess"); err != nil {
		return nil, withProcess(err, id)
	}
	return &out.ProcessInfo, nil
}

// KillProcess terminates a process. Its record stays queryable afterwards.
func (s *Sandbox) KillProcess(ctx context.Context, id string) error {
	if err := s.c.doJSON(ctx, "DELETE", s.path("/processes/"+url.PathEscape(id)), nil, nil, "killProcess"); err != nil {
		return withProcess(err, id)
	}
	return nil
}

// GetProcessLogs returns the retained output buffers of a process.
func (s *Sandbox) GetProcessLogs(ctx context.Context, id string) (*api.ProcessLogsResponse, error) {
	var out api.ProcessLogsResponse
	if err := s.c.doJSON(ctx, "GET", s.path("/processes/"+url.PathEscape(id)+"/logs"), nil, &out, "getProcessLogs"); err != nil {
		return nil, withProcess(err, id)
	}
	return &out, nil
}

// Process is a handle on one supervised background process.
type Process struct {
	ID      string
	PID     int
	Command string

	s *Sandbox
}

// Info fetches the process's current record.
func (p *Process) Info(ctx context.Context) (*api.ProcessInfo, error) {
	return p.s.GetProcess(ctx, p.ID)
}

// Kill terminates the process.
func (p *Process) Kill(ctx context.Context) error {
	return p.s.KillProcess(ctx, p.ID)
}

// Logs returns the retained output buffers.
func (p *Process) Logs(ctx context.Context) (*api.ProcessLogsResponse, error) {
	return p.s.GetProcessLogs(ctx, p.ID)
}

// StreamLogs subscribes to the process's log stream: buffered history
// first, then live output, then a single exit event.
func (p *Process) StreamLogs(ctx context.Context) (<-chan api.LogEvent, error) {
	return p.s.StreamProcessLogs(ctx, p.ID)
}

// WaitForLog blocks until the process has written output containing substr,
// matching each stream's accumulated output so a match split across chunks
// is still found. It fails with PROCESS_EXITED_BEFORE_READY if the process
// exits first, carrying the exit code and captured output, and with
// PROCESS_READY_TIMEOUT at the deadline. A timeout of zero means 30s.
func (p *Process) WaitForLog(ctx context.Context, substr string, timeout time.Duration) error {
	return p.waitForLog(ctx, func(buf string) bool {
		return strings.Contains(buf, substr)
	}, fmt.Sprintf("log contains %q", substr), timeout)
}

// WaitForLogPattern is WaitForLog for a regular expression.
func (p *Process) WaitForLogPattern(ctx context.Context, re *regexp.Regexp, timeout time.Duration) error {
	return p.waitForLog(ctx, func(buf string) bool {
		return re.MatchString(buf)
	}, fmt.Sprintf("log matches %s", re), timeout)
}

func (p *Process) waitForLog(ctx context.Context, match func(string) bool, condition string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = defaultReadyTimeout
	}

	// The stream replays buffered history before live output, so a line
	// written before this call still matches.
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	events, err := p.StreamLogs(streamCtx)
	if err != nil {
		return err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var stdout, stderr, captured strings.Builder
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return &Error{
					Code:      api.CodeStreamInterrupted,
					Message:   "log stream ended before the condition matched",
					Op:        "waitForLog",
					ProcessID: p.ID,
					Condition: condition,
					Logs:      captured.String(),
				}
			}
			switch ev.Type {
			case api.LogEventExit:
				return &Error{
					Code:      api.CodeProcessExitedBeforeReady,
					Message:   "process exited before the condition matched",
					Op:        "waitForLog",
					ProcessID: p.ID,
					Condition: condition,
					ExitCode:  ev.ExitCode,
					Logs:      captured.String(),
				}
			case api.LogEventStdout:
				captured.WriteString(ev.Data)
				stdout.WriteString(ev.Data)
				if match(stdout.String()) {
					return nil
				}
			case api.LogEventStderr:
				captured.WriteString(ev.Data)
				stderr.WriteString(ev.Data)
				if match(stderr.String()) {
					return nil
				}
			}
		case <-timer.C:
			return &Error{
				Code:      api.CodeProcessReadyTimeout,
				Message:   fmt.Sprintf("condition not met within %s", timeout),
				Op:        "waitForLog",
				ProcessID: p.ID,
				Condition: condition,
				Logs:      captured.String(),
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// WaitForPortOptions adjust a port readiness wait. Zero values mean an HTTP
// probe of "/" accepting statuses 200-399, polled until a 30s deadline.
type WaitForPortOptions struct {
	Mode      string // "http" (default) or "tcp"
	Path      string
	StatusMin int
	StatusMax int
	Timeout   time.Duration
	Interval  time.Duration
}

// WaitForPort blocks until a container-local port answers its readiness
// probe, with the same exit and timeout failures as WaitForLog.
func (p *Process) WaitForPort(ctx context.Context, port int, opts *WaitForPortOptions) error {
	var o WaitForPortOptions
	if opts != nil {
		o = *opts
	}
	if o.Timeout <= 0 {
		o.Timeout = defaultReadyTimeout
	}
	if o.Interval <= 0 {
		o.Interval = defaultPollInterval
	}

	condition := fmt.Sprintf("port %d ready", port)
	probe := api.CheckReadyRequest{
		Port:      port,
		Mode:      o.Mode,
		Path:      o.Path,
		StatusMin: o.StatusMin,
		StatusMax: o.StatusMax,
	}
	deadline := time.Now().Add(o.Timeout)

	for {
		var res api.CheckReadyResponse
		err := p.s.c.doJSON(ctx, "POST", p.s.path("/ports/check-ready"), probe, &res, "waitForPort")
		if err == nil && res.Ready {
			return nil
		}

		if info, err := p.Info(ctx); err == nil && info.Terminal() {
			e := &Error{
				Code:      api.CodeProcessExitedBeforeReady,
				Message:   "process exited before the port became ready",
				Op:        "waitForPort",
				ProcessID: p.ID,
				Port:      port,
				Condition: condition,
				ExitCode:  info.ExitCode,
			}
			if logs, lerr := p.Logs(ctx); lerr == nil {
				e.Logs = logs.Stdout + logs.Stderr
			}
			return e
		}

		if time.Now().Add(o.Interval).After(deadline) {
			return &Error{
				Code:      api.CodeProcessReadyTimeout,
				Message:   fmt.Sprintf("port %d not ready within %s", port, o.Timeout),
				Op:        "waitForPort",
				ProcessID: p.ID,
				Port:      port,
				Condition: condition,
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(o.Interval):
		}
	}
}

// WaitForExit polls the process record until it reaches a terminal state
// and returns the final record. A timeout of zero means 30s.
func (p *Process) WaitForExit(ctx context.Context, timeout time.Duration) (*api.ProcessInfo, error) {
	if timeout <= 0 {
		timeout = defaultReadyTimeout
	}
	deadline := time.Now().Add(timeout)

	for {
		info, err := p.Info(ctx)
		if err != nil {
			return nil, err
		}
		if info.Terminal() {
			return info, nil
		}

		if time.Now().Add(defaultPollInterval).After(deadline) {
			return nil, &Error{
				Code:      api.CodeProcessReadyTimeout,
				Message:   fmt.Sprintf("process still running after %s", timeout),
				Op:        "waitForExit",
				ProcessID: p.ID,
				Condition: "process exit",
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(defaultPollInterval):
		}
	}
}
