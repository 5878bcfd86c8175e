// Package supervisor runs and tracks shell processes inside the container:
// synchronous execution, streaming execution, and supervised background
// processes with per-stream output rings and SSE log fan-out.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gantrylabs/gantry/internal/logger"
	"github.com/gantrylabs/gantry/pkg/api"
)

var (
	ErrNotFound      = errors.New("process not found")
	ErrAlreadyExists = errors.New("process already exists")
)

// TruncationMarker opens the data of any log event whose preceding output
// was dropped, either from the ring buffer or from a slow subscriber queue.
const TruncationMarker = "[output truncated]"

// subscriberBuffer is the per-subscriber event queue length. Must be at
// least 4 so a replay (two streams), an overflow marker, and an exit event
// always fit.
const subscriberBuffer = 256

// Options configures a Supervisor.
type Options struct {
	// MaxBufferBytes bounds each retained output stream per process.
	MaxBufferBytes int
	// KillGrace is how long Kill waits between SIGTERM and SIGKILL.
	KillGrace time.Duration
	Log       *logger.Logger
}

// Supervisor owns the container's process registry.
type Supervisor struct {
	mu    sync.RWMutex
	procs map[string]*process

	maxBuf    int
	killGrace time.Duration
	log       *logger.Logger
}

// New returns a Supervisor with the given options. Zero options get
// conservative defaults.
func New(opts Options) *Supervisor {
	if opts.MaxBufferBytes <= 0 {
		opts.MaxBufferBytes = 1024 * 1024
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = 5 * time.Second
	}
	if opts.Log == nil {
		opts.Log = logger.Nop()
	}
	return &Supervisor{
		procs:     make(map[string]*process),
		maxBuf:    opts.MaxBufferBytes,
		killGrace: opts.KillGrace,
		log:       opts.Log,
	}
}

// StartSpec describes a background process to start. Env must be the fully
// merged environment; the supervisor does not consult os.Environ.
type StartSpec struct {
	Command   string
	SessionID string
	ProcessID string
	Cwd       string
	Env       []string
}

// process is one supervised process record. All mutable fields are guarded
// by mu; subscriber channels are sent to and closed only while holding it.
type process struct {
	id        string
	sessionID string
	command   string

	mu        sync.Mutex
	cmd       *exec.Cmd
	pid       int
	status    string
	exitCode  *int
	startTime time.Time
	endTime   *time.Time
	killed    bool
	stdout    *ring
	stderr    *ring
	subs      map[*Subscription]struct{}
	done      chan struct{}
}

// Subscription delivers the log events of one process to one consumer,
// history first, then live output, then a single exit event, after which
// the channel is closed.
type Subscription struct {
	proc    *process
	ch      chan api.LogEvent
	closed  bool
	dropped bool
}

// Events returns the subscription's event channel.
func (s *Subscription) Events() <-chan api.LogEvent {
	return s.ch
}

// Close detaches the subscription. Safe to call more than once and
// concurrently with process exit.
func (s *Subscription) Close() {
	s.proc.mu.Lock()
	s.proc.closeSubLocked(s)
	s.proc.mu.Unlock()
}

// Start launches a background process and registers its record. The record
// outlives the process so logs stay retrievable after exit.
func (s *Supervisor) Start(spec StartSpec) (api.ProcessInfo, error) {
	if spec.Command == "" {
		return api.ProcessInfo{}, fmt.Errorf("command is empty")
	}
	id := spec.ProcessID
	if id == "" {
		id = uuid.NewString()
	}

	p := &process{
		id:        id,
		sessionID: spec.SessionID,
		command:   spec.Command,
		status:    api.ProcessStarting,
		startTime: time.Now().UTC(),
		stdout:    newRing(s.maxBuf),
		stderr:    newRing(s.maxBuf),
		subs:      make(map[*Subscription]struct{}),
		done:      make(chan struct{}),
	}

	s.mu.Lock()
	if _, exists := s.procs[id]; exists {
		s.mu.Unlock()
		return api.ProcessInfo{}, fmt.Errorf("%w: %s", ErrAlreadyExists, id)
	}
	s.procs[id] = p
	s.mu.Unlock()

	cmd := newCommand(spec.Command, spec.Cwd, spec.Env)
	stdoutPipe, err := cmd.StdoutPipe()
	if err == nil {
		var stderrPipe io.ReadCloser
		stderrPipe, err = cmd.StderrPipe()
		if err == nil {
			err = cmd.Start()
		}
		if err == nil {
			p.mu.Lock()
			p.cmd = cmd
			p.pid = cmd.Process.Pid
			p.status = api.ProcessRunning
			p.mu.Unlock()

			stdoutDone := make(chan struct{})
			stderrDone := make(chan struct{})
			go s.pump(p, stdoutPipe, api.LogEventStdout, p.stdout, stdoutDone)
			go s.pump(p, stderrPipe, api.LogEventStderr, p.stderr, stderrDone)
			go s.reap(p, stdoutDone, stderrDone)

			s.log.Info("process started", "processId", id, "pid", p.pid, "sessionId", spec.SessionID)
			return s.snapshot(p), nil
		}
	}

	s.mu.Lock()
	delete(s.procs, id)
	s.mu.Unlock()
	return api.ProcessInfo{}, fmt.Errorf("start process: %w", err)
}

// Get returns a snapshot of one process record.
func (s *Supervisor) Get(id string) (api.ProcessInfo, error) {
	p, err := s.lookup(id)
	if err != nil {
		return api.ProcessInfo{}, err
	}
	return s.snapshot(p), nil
}

// List returns snapshots of all process records, optionally filtered by
// session id.
func (s *Supervisor) List(sessionID string) []api.ProcessInfo {
	s.mu.RLock()
	procs := make([]*process, 0, len(s.procs))
	for _, p := range s.procs {
		procs = append(procs, p)
	}
	s.mu.RUnlock()

	out := make([]api.ProcessInfo, 0, len(procs))
	for _, p := range procs {
		info := s.snapshot(p)
		if sessionID != "" && info.SessionID != sessionID {
			continue
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

// Logs returns the retained output of both streams and whether either ring
// has dropped its oldest data.
func (s *Supervisor) Logs(id string) (stdout, stderr []byte, stdoutTruncated, stderrTruncated bool, err error) {
	p, lerr := s.lookup(id)
	if lerr != nil {
		return nil, nil, false, false, lerr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stdout.bytes(), p.stderr.bytes(), p.stdout.truncated, p.stderr.truncated, nil
}

// Kill terminates a process: SIGTERM to its group, then SIGKILL after the
// grace period. Killing an already-terminal process is a no-op. Kill
// returns once the exit has been observed or ctx is done.
func (s *Supervisor) Kill(ctx context.Context, id string) error {
	p, err := s.lookup(id)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if terminalStatus(p.status) {
		p.mu.Unlock()
		return nil
	}
	p.killed = true
	pid := p.pid
	p.mu.Unlock()

	terminateGroup(pid)
	select {
	case <-p.done:
		return nil
	case <-time.After(s.killGrace):
	case <-ctx.Done():
		return ctx.Err()
	}

	killGroup(pid)
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe attaches a log subscriber to a process. Buffered history is
// queued before any live event; subscribing to a terminal process yields
// the history, the exit event, and an immediately closed channel.
func (s *Supervisor) Subscribe(id string) (*Subscription, error) {
	p, err := s.lookup(id)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	sub := &Subscription{proc: p, ch: make(chan api.LogEvent, subscriberBuffer)}
	now := time.Now().UTC()

	if p.stdout.len() > 0 || p.stdout.truncated {
		sub.ch <- replayEvent(p, api.LogEventStdout, p.stdout, now)
	}
	if p.stderr.len() > 0 || p.stderr.truncated {
		sub.ch <- replayEvent(p, api.LogEventStderr, p.stderr, now)
	}

	if terminalStatus(p.status) {
		sub.ch <- exitEvent(p, now)
		sub.closed = true
		close(sub.ch)
		return sub, nil
	}

	p.subs[sub] = struct{}{}
	return sub, nil
}

// Shutdown kills every live process and waits for the exits, bounded by
// ctx. Used when the agent itself is stopping.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.procs))
	for id := range s.procs {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := s.Kill(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
				s.log.Warn("shutdown kill failed", "processId", id, "error", err)
			}
		}(id)
	}
	wg.Wait()
}

func (s *Supervisor) lookup(id string) (*process, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.procs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p, nil
}

func (s *Supervisor) snapshot(p *process) api.ProcessInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	info := api.ProcessInfo{
		ID:        p.id,
		PID:       p.pid,
		Command:   p.command,
		Status:    p.status,
		StartTime: p.startTime,
		SessionID: p.sessionID,
	}
	if p.exitCode != nil {
		code := *p.exitCode
		info.ExitCode = &code
	}
	if p.endTime != nil {
		end := *p.endTime
		info.EndTime = &end
	}
	return info
}

// pump copies one output stream into its ring and fans chunks out to
// subscribers until the pipe closes.
func (s *Supervisor) pump(p *process, r io.Reader, eventType string, buf *ring, done chan struct{}) {
	defer close(done)
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			ev := api.LogEvent{
				Type:      eventType,
				ProcessID: p.id,
				Timestamp: time.Now().UTC(),
				Data:      string(chunk[:n]),
			}
			p.mu.Lock()
			buf.write(chunk[:n])
			for sub := range p.subs {
				p.deliverLocked(sub, ev)
			}
			p.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

// reap waits for both pumps to drain, collects the exit status, and closes
// out every subscriber with the exit event.
func (s *Supervisor) reap(p *process, stdoutDone, stderrDone chan struct{}) {
	<-stdoutDone
	<-stderrDone
	waitErr := p.cmd.Wait()

	code := 0
	if waitErr != nil {
		code = exitCodeFromError(waitErr)
	}

	p.mu.Lock()
	now := time.Now().UTC()
	p.exitCode = &code
	p.endTime = &now
	switch {
	case p.killed:
		p.status = api.ProcessKilled
	case code == 0:
		p.status = api.ProcessCompleted
	default:
		p.status = api.ProcessFailed
	}
	ev := exitEvent(p, now)
	for sub := range p.subs {
		p.deliverLocked(sub, ev)
		p.closeSubLocked(sub)
	}
	close(p.done)
	status := p.status
	p.mu.Unlock()

	s.log.Info("process exited", "processId", p.id, "status", status, "exitCode", code)
}

// deliverLocked enqueues ev without blocking. When the subscriber's queue
// is full the oldest event is dropped and a truncation marker recorded
// once, so a slow consumer sees a gap rather than stalling the pumps.
// Callers hold p.mu.
func (p *process) deliverLocked(sub *Subscription, ev api.LogEvent) {
	if sub.closed {
		return
	}
	select {
	case sub.ch <- ev:
		return
	default:
	}

	select {
	case <-sub.ch:
	default:
	}
	if !sub.dropped {
		sub.dropped = true
		marker := api.LogEvent{
			Type:      ev.Type,
			ProcessID: p.id,
			Timestamp: ev.Timestamp,
			Data:      TruncationMarker + "\n",
		}
		select {
		case sub.ch <- marker:
		default:
		}
		select {
		case <-sub.ch:
		default:
		}
	}
	select {
	case sub.ch <- ev:
	default:
	}
}

// closeSubLocked detaches and closes a subscription exactly once. Callers
// hold p.mu.
func (p *process) closeSubLocked(sub *Subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	delete(p.subs, sub)
	close(sub.ch)
}

func replayEvent(p *process, eventType string, buf *ring, now time.Time) api.LogEvent {
	data := string(buf.bytes())
	if buf.truncated {
		data = TruncationMarker + "\n" + data
	}
	return api.LogEvent{
		Type:      eventType,
		ProcessID: p.id,
		Timestamp: now,
		Data:      data,
	}
}

// exitEvent builds the terminal event for p. Callers hold p.mu or own the
// record exclusively.
func exitEvent(p *process, now time.Time) api.LogEvent {
	ev := api.LogEvent{
		Type:      api.LogEventExit,
		ProcessID: p.id,
		Timestamp: now,
	}
	if p.exitCode != nil {
		code := *p.exitCode
		ev.ExitCode = &code
	}
	return ev
}

func terminalStatus(status string) bool {
	switch status {
	case api.ProcessCompleted, api.ProcessFailed, api.ProcessKilled:
		return true
	}
	return false
}
