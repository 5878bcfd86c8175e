package client

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/gantrylabs/gantry/internal/sse"
	"github.com/gantrylabs/gantry/pkg/api"
)

const eventBuffer = 16

// ExecStream runs a shell command and delivers its events as they happen:
// one start event, output chunks, then exactly one complete or error
// event, after which the channel closes. Errors raised before the first
// event are returned instead. Cancelling ctx tears the stream down.
func (s *Sandbox) ExecStream(ctx context.Context, command string, opts *ExecOptions) (<-chan api.ExecEvent, error) {
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
	resp, err := s.c.openStream(ctx, "POST", s.path("/execute/stream"), req, "execStream")
	if err != nil {
		s.c.hookError(err)
		return nil, withCommand(err, command)
	}

	ch := make(chan api.ExecEvent, eventBuffer)
	go func() {
		defer close(ch)
		defer func() { _ = resp.Body.Close() }()

		var stdout, stderr strings.Builder
		dec := sse.NewDecoder(resp.Body)
		for {
			payload, err := dec.Next()
			if err != nil {
				return
			}
			var ev api.ExecEvent
			if json.Unmarshal(payload, &ev) != nil {
				continue
			}
			s.execHooks(&ev, command, &stdout, &stderr)
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// execHooks feeds one streamed event to the installed hooks. Output is
// accumulated only when a completion hook wants the assembled result.
func (s *Sandbox) execHooks(ev *api.ExecEvent, command string, stdout, stderr *strings.Builder) {
	h := s.c.hooks
	switch ev.Type {
	case api.ExecEventStdout:
		if h.OnCommandComplete != nil {
			stdout.WriteString(ev.Data)
		}
		if h.OnOutput != nil {
			h.OnOutput("stdout", ev.Data)
		}
	case api.ExecEventStderr:
		if h.OnCommandComplete != nil {
			stderr.WriteString(ev.Data)
		}
		if h.OnOutput != nil {
			h.OnOutput("stderr", ev.Data)
		}
	case api.ExecEventComplete:
		if h.OnCommandComplete == nil {
			return
		}
		result := &api.ExecResult{
			Stdout:  stdout.String(),
			Stderr:  stderr.String(),
			Command: command,
		}
		result.Timestamp = ev.Timestamp
		if ev.ExitCode != nil {
			result.ExitCode = *ev.ExitCode
		}
		if ev.Success != nil {
			result.Success = *ev.Success
		}
		h.OnCommandComplete(result)
	case api.ExecEventError:
		if h.OnError != nil {
			h.OnError(&Error{Code: api.CodeUnknown, Message: ev.Error, Op: "execStream", Command: command})
		}
	}
}

// StreamProcessLogs subscribes to a process's log stream. Buffered history
// is replayed first, then live output, then a single exit event, after
// which the channel closes. Cancelling ctx tears the stream down.
func (s *Sandbox) StreamProcessLogs(ctx context.Context, id string) (<-chan api.LogEvent, error) {
	resp, err := s.c.openStream(ctx, "GET", s.path("/processes/"+url.PathEscape(id)+"/logs/stream"), nil, "streamProcessLogs")
	if err != nil {
		return nil, withProcess(err, id)
	}

	ch := make(chan api.LogEvent, eventBuffer)
	go func() {
		defer close(ch)
		defer func() { _ = resp.Body.Close() }()

		dec := sse.NewDecoder(resp.Body)
		for {
			payload, err := dec.Next()
			if err != nil {
				return
			}
			var ev api.LogEvent
			if json.Unmarshal(payload, &ev) != nil {
				continue
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}
