package supervisor

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gantrylabs/gantry/pkg/api"
)

// newCommand builds the shell invocation used by every execution path.
// Env must be the fully merged environment.
func newCommand(command, cwd string, env []string) *exec.Cmd {
	shell := detectShell()
	cmd := exec.Command(shell, shellArgs(command)...)
	cmd.Dir = cwd
	cmd.Env = env
	setProcessGroup(cmd)
	return cmd
}

// RunSpec describes a one-shot execution.
type RunSpec struct {
	Command string
	Cwd     string
	Env     []string
	Timeout time.Duration
}

// RunResult is the outcome of a synchronous execution. A timed-out run is
// reported with TimedOut set and ExitCode -1 rather than an error; errors
// are reserved for failures to spawn at all.
type RunResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
}

// Run executes a command synchronously, capturing both streams bounded by
// the supervisor's buffer limit. The process group is killed when ctx is
// canceled or the spec timeout elapses.
func (s *Supervisor) Run(ctx context.Context, spec RunSpec) (*RunResult, error) {
	if spec.Command == "" {
		return nil, fmt.Errorf("command is empty")
	}
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	cmd := newCommand(spec.Command, spec.Cwd, spec.Env)
	stdout := newRing(s.maxBuf)
	stderr := newRing(s.maxBuf)
	cmd.Stdout = ringWriter{stdout}
	cmd.Stderr = ringWriter{stderr}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start command: %w", err)
	}
	pid := cmd.Process.Pid

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	select {
	case err := <-waitErr:
		code := 0
		if err != nil {
			code = exitCodeFromError(err)
		}
		return &RunResult{
			Stdout:   ringString(stdout),
			Stderr:   ringString(stderr),
			ExitCode: code,
		}, nil
	case <-ctx.Done():
		killGroup(pid)
		<-waitErr
		return &RunResult{
			Stdout:   ringString(stdout),
			Stderr:   ringString(stderr),
			ExitCode: -1,
			TimedOut: ctx.Err() == context.DeadlineExceeded,
		}, nil
	}
}

// RunStream executes a command and emits the event sequence of a streaming
// execution: start, then stdout/stderr chunks, then exactly one of
// complete or error. A failed emit is treated as a consumer disconnect;
// the process group is killed and RunStream returns nil.
func (s *Supervisor) RunStream(ctx context.Context, spec RunSpec, emit func(api.ExecEvent) error) error {
	if spec.Command == "" {
		return fmt.Errorf("command is empty")
	}
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sink := &eventSink{emit: emit, onFail: cancel}
	sink.send(api.ExecEvent{
		Type:      api.ExecEventStart,
		Timestamp: time.Now().UTC(),
		Command:   spec.Command,
	})

	cmd := newCommand(spec.Command, spec.Cwd, spec.Env)
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return streamFail(sink, fmt.Errorf("stdout pipe: %w", err))
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return streamFail(sink, fmt.Errorf("stderr pipe: %w", err))
	}
	if err := cmd.Start(); err != nil {
		return streamFail(sink, fmt.Errorf("start command: %w", err))
	}
	pid := cmd.Process.Pid

	procDone := make(chan struct{})
	var timedOut atomic.Bool
	go func() {
		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				timedOut.Store(true)
			}
			killGroup(pid)
		case <-procDone:
		}
	}()

	var pumps sync.WaitGroup
	pumps.Add(2)
	go streamPump(&pumps, sink, stdoutPipe, api.ExecEventStdout)
	go streamPump(&pumps, sink, stderrPipe, api.ExecEventStderr)
	pumps.Wait()

	waitErr := cmd.Wait()
	close(procDone)

	if timedOut.Load() {
		sink.send(api.ExecEvent{
			Type:      api.ExecEventError,
			Timestamp: time.Now().UTC(),
			Error:     fmt.Sprintf("command timed out after %s", spec.Timeout),
		})
		return nil
	}
	if ctx.Err() != nil {
		// Consumer is gone; nobody is listening for a terminal event.
		return nil
	}

	code := 0
	if waitErr != nil {
		code = exitCodeFromError(waitErr)
	}
	success := code == 0
	sink.send(api.ExecEvent{
		Type:      api.ExecEventComplete,
		Timestamp: time.Now().UTC(),
		ExitCode:  &code,
		Success:   &success,
	})
	return nil
}

// streamFail reports a spawn failure as a terminal error event. The stream
// itself succeeded, so no error is returned to the transport.
func streamFail(sink *eventSink, err error) error {
	sink.send(api.ExecEvent{
		Type:      api.ExecEventError,
		Timestamp: time.Now().UTC(),
		Error:     err.Error(),
	})
	return nil
}

func streamPump(wg *sync.WaitGroup, sink *eventSink, r io.Reader, eventType string) {
	defer wg.Done()
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			sink.send(api.ExecEvent{
				Type:      eventType,
				Timestamp: time.Now().UTC(),
				Data:      string(chunk[:n]),
			})
		}
		if err != nil {
			return
		}
	}
}

// eventSink serializes emits from concurrent pumps and latches the first
// emit failure so a disconnected consumer stops the stream quietly.
type eventSink struct {
	mu     sync.Mutex
	emit   func(api.ExecEvent) error
	onFail func()
	failed bool
}

func (s *eventSink) send(ev api.ExecEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed {
		return
	}
	if err := s.emit(ev); err != nil {
		s.failed = true
		if s.onFail != nil {
			s.onFail()
		}
	}
}

// ringWriter adapts a ring to io.Writer for cmd.Stdout/Stderr, where the
// exec package guarantees a single writing goroutine per stream.
type ringWriter struct {
	r *ring
}

func (w ringWriter) Write(p []byte) (int, error) {
	w.r.write(p)
	return len(p), nil
}

func ringString(r *ring) string {
	if r.truncated {
		return TruncationMarker + "\n" + string(r.bytes())
	}
	return string(r.bytes())
}
