package client

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/gantrylabs/gantry/pkg/api"
)

// ServeOptions configure Serve. Port is required. Ready and ReadyLog are
// alternative log conditions: a pattern or a literal substring the process
// output must contain before the port probe begins. When neither is set
// the port probe alone gates readiness. ReadyTimeout bounds the whole
// wait, log and port together.
type ServeOptions struct {
	Port         int
	Hostname     string
	Ready        *regexp.Regexp
	ReadyLog     string
	ReadyTimeout time.Duration
	Env          map[string]string
}

// ServeResult pairs the started process with its preview URL.
type ServeResult struct {
	Process *Process
	URL     string
}

// Serve starts a server process, waits until it is ready, and exposes its
// port, returning the process handle and the preview URL. Readiness means
// the log condition matched (when configured) and then a probe of the port
// succeeded. If the process exits first Serve fails with
// PROCESS_EXITED_BEFORE_READY carrying the exit code and captured logs; if
// the deadline passes it kills the process and fails with
// PROCESS_READY_TIMEOUT.
func (s *Sandbox) Serve(ctx context.Context, command string, opts *ServeOptions) (*ServeResult, error) {
	if opts == nil || opts.Port <= 0 {
		return nil, &Error{Code: api.CodeInvalidPort, Message: "serve requires a port", Op: "serve"}
	}
	timeout := opts.ReadyTimeout
	if timeout <= 0 {
		timeout = defaultReadyTimeout
	}

	proc, err := s.StartProcess(ctx, command, &StartProcessOptions{Env: opts.Env})
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)

	if opts.Ready != nil || opts.ReadyLog != "" {
		if opts.Ready != nil {
			err = proc.WaitForLogPattern(ctx, opts.Ready, time.Until(deadline))
		} else {
			err = proc.WaitForLog(ctx, opts.ReadyLog, time.Until(deadline))
		}
		if err != nil {
			return nil, s.reapServe(ctx, proc, err)
		}
	}

	if err := proc.WaitForPort(ctx, opts.Port, &WaitForPortOptions{Timeout: time.Until(deadline)}); err != nil {
		return nil, s.reapServe(ctx, proc, err)
	}

	exposure, err := s.ExposePort(ctx, opts.Port, &ExposePortOptions{Hostname: opts.Hostname})
	if err != nil {
		return nil, s.reapServe(ctx, proc, err)
	}
	return &ServeResult{Process: proc, URL: exposure.URL}, nil
}

// reapServe kills a process whose server never became reachable, so a
// half-started command does not linger after Serve fails. A process that
// already exited is left alone; its record stays queryable.
func (s *Sandbox) reapServe(ctx context.Context, proc *Process, cause error) error {
	if errors.Is(cause, ErrProcessExitedBeforeReady) || ctx.Err() != nil {
		return cause
	}
	killCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = proc.Kill(killCtx)
	return cause
}
