// Package mock provides an in-memory runtime.Runtime for tests.
package mock

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gantrylabs/gantry/internal/runtime"
)

// DefaultImage is the image reported by the mock provider.
const DefaultImage = "gantry-box:mock"

// eventSubscriber is one active Watch channel.
type eventSubscriber struct {
	ch   chan runtime.StateEvent
	done chan struct{}
}

// Provider is an in-memory runtime. Its HTTPClient is backed by an
// http.Handler, so the agent router can serve container traffic in tests
// without a network. Behaviors can be overridden per method through the
// Func fields.
type Provider struct {
	mu         sync.RWMutex
	containers map[string]*runtime.Container
	image      string

	subscribersMu sync.RWMutex
	subscribers   []*eventSubscriber

	// Handler serves requests issued through HTTPClient. Required before
	// the first HTTPClient call unless HandlerFor is set.
	Handler http.Handler

	// HandlerFor, when set, selects a handler per sandbox and takes
	// precedence over Handler.
	HandlerFor func(sandboxID string) http.Handler

	// Overridable behaviors.
	CreateFunc func(ctx context.Context, sandboxID string, opts runtime.CreateOptions) (*runtime.Container, error)
	StartFunc  func(ctx context.Context, sandboxID string) error
	StopFunc   func(ctx context.Context, sandboxID string, timeout time.Duration) error
	RemoveFunc func(ctx context.Context, sandboxID string) error
	GetFunc    func(ctx context.Context, sandboxID string) (*runtime.Container, error)
	WatchFunc  func(ctx context.Context) (<-chan runtime.StateEvent, error)
}

// NewProvider creates an empty mock runtime.
func NewProvider() *Provider {
	return &Provider{
		containers: make(map[string]*runtime.Container),
		image:      DefaultImage,
	}
}

// ImageExists always reports true, nothing is pulled.
func (p *Provider) ImageExists(_ context.Context) bool {
	return true
}

// Image returns the configured image name.
func (p *Provider) Image() string {
	return p.image
}

// Create creates a mock container in the created state.
func (p *Provider) Create(ctx context.Context, sandboxID string, opts runtime.CreateOptions) (*runtime.Container, error) {
	if p.CreateFunc != nil {
		return p.CreateFunc(ctx, sandboxID, opts)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.containers[sandboxID]; exists {
		return nil, runtime.ErrAlreadyExists
	}

	env := make(map[string]string, len(opts.Env))
	for k, v := range opts.Env {
		env[k] = v
	}

	now := time.Now()
	c := &runtime.Container{
		ID:        "mock-" + sandboxID,
		SandboxID: sandboxID,
		Status:    runtime.StatusCreated,
		Image:     p.image,
		CreatedAt: now,
		Env:       env,
	}
	p.containers[sandboxID] = c

	p.emitEvent(runtime.StateEvent{
		SandboxID: sandboxID,
		Status:    runtime.StatusCreated,
		Timestamp: now,
	})

	cpy := *c
	return &cpy, nil
}

// Start starts a mock container.
func (p *Provider) Start(ctx context.Context, sandboxID string) error {
	if p.StartFunc != nil {
		return p.StartFunc(ctx, sandboxID)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	c, exists := p.containers[sandboxID]
	if !exists {
		return runtime.ErrNotFound
	}
	if c.Status == runtime.StatusRunning {
		return runtime.ErrAlreadyRunning
	}

	now := time.Now()
	c.Status = runtime.StatusRunning
	c.StartedAt = &now
	c.StoppedAt = nil
	c.Error = ""

	p.emitEvent(runtime.StateEvent{
		SandboxID: sandboxID,
		Status:    runtime.StatusRunning,
		Timestamp: now,
	})

	return nil
}

// Stop stops a mock container.
func (p *Provider) Stop(ctx context.Context, sandboxID string, timeout time.Duration) error {
	if p.StopFunc != nil {
		return p.StopFunc(ctx, sandboxID, timeout)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	c, exists := p.containers[sandboxID]
	if !exists {
		return runtime.ErrNotFound
	}
	if c.Status != runtime.StatusRunning {
		return runtime.ErrNotRunning
	}

	now := time.Now()
	c.Status = runtime.StatusStopped
	c.StoppedAt = &now

	p.emitEvent(runtime.StateEvent{
		SandboxID: sandboxID,
		Status:    runtime.StatusStopped,
		Timestamp: now,
	})

	return nil
}

// Remove removes a mock container. Removing an absent container is a no-op.
func (p *Provider) Remove(ctx context.Context, sandboxID string) error {
	if p.RemoveFunc != nil {
		return p.RemoveFunc(ctx, sandboxID)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.containers[sandboxID]; !exists {
		return nil
	}
	delete(p.containers, sandboxID)

	p.emitEvent(runtime.StateEvent{
		SandboxID: sandboxID,
		Status:    runtime.StatusRemoved,
		Timestamp: time.Now(),
	})

	return nil
}

// Get returns a copy of the mock container.
func (p *Provider) Get(ctx context.Context, sandboxID string) (*runtime.Container, error) {
	if p.GetFunc != nil {
		return p.GetFunc(ctx, sandboxID)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	c, exists := p.containers[sandboxID]
	if !exists {
		return nil, runtime.ErrNotFound
	}

	cpy := *c
	return &cpy, nil
}

// List returns copies of all mock containers.
func (p *Provider) List(_ context.Context) ([]*runtime.Container, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]*runtime.Container, 0, len(p.containers))
	for _, c := range p.containers {
		cpy := *c
		result = append(result, &cpy)
	}
	return result, nil
}

// HTTPClient returns a client whose transport invokes the configured handler
// directly, without touching the network.
func (p *Provider) HTTPClient(_ context.Context, sandboxID string) (*http.Client, error) {
	p.mu.RLock()
	c, exists := p.containers[sandboxID]
	p.mu.RUnlock()

	if !exists {
		return nil, runtime.ErrNotFound
	}
	if c.Status != runtime.StatusRunning {
		return nil, runtime.ErrNotRunning
	}

	handler := p.Handler
	if p.HandlerFor != nil {
		if h := p.HandlerFor(sandboxID); h != nil {
			handler = h
		}
	}
	if handler == nil {
		handler = http.NotFoundHandler()
	}

	return &http.Client{
		Transport: &handlerTransport{handler: handler},
	}, nil
}

// Watch replays current container state and then streams events emitted by
// the lifecycle methods.
func (p *Provider) Watch(ctx context.Context) (<-chan runtime.StateEvent, error) {
	if p.WatchFunc != nil {
		return p.WatchFunc(ctx)
	}

	eventCh := make(chan runtime.StateEvent, 100)
	done := make(chan struct{})

	sub := &eventSubscriber{
		ch:   eventCh,
		done: done,
	}

	p.subscribersMu.Lock()
	p.subscribers = append(p.subscribers, sub)
	p.subscribersMu.Unlock()

	go func() {
		defer func() {
			p.subscribersMu.Lock()
			for i, s := range p.subscribers {
				if s == sub {
					p.subscribers = append(p.subscribers[:i], p.subscribers[i+1:]...)
					break
				}
			}
			p.subscribersMu.Unlock()
			close(eventCh)
		}()

		p.mu.RLock()
		containers := make([]*runtime.Container, 0, len(p.containers))
		for _, c := range p.containers {
			cpy := *c
			containers = append(containers, &cpy)
		}
		p.mu.RUnlock()

		for _, c := range containers {
			select {
			case <-ctx.Done():
				return
			case eventCh <- runtime.StateEvent{
				SandboxID: c.SandboxID,
				Status:    c.Status,
				Timestamp: time.Now(),
				Error:     c.Error,
			}:
			}
		}

		select {
		case <-ctx.Done():
		case <-done:
		}
	}()

	return eventCh, nil
}

// emitEvent sends an event to all subscribers without blocking.
func (p *Provider) emitEvent(event runtime.StateEvent) {
	p.subscribersMu.RLock()
	defer p.subscribersMu.RUnlock()

	for _, sub := range p.subscribers {
		select {
		case sub.ch <- event:
		default:
			// Channel full, drop.
		}
	}
}

// EmitEvent delivers an event to all watchers. Test helper.
func (p *Provider) EmitEvent(event runtime.StateEvent) {
	p.emitEvent(event)
}

// SetStatus forces a container's status without emitting an event. Test
// helper for simulating out-of-band state changes.
func (p *Provider) SetStatus(sandboxID string, status runtime.Status, errMsg string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, exists := p.containers[sandboxID]; exists {
		c.Status = status
		c.Error = errMsg
	}
}

// CloseWatchers closes all active Watch channels.
func (p *Provider) CloseWatchers() {
	p.subscribersMu.Lock()
	defer p.subscribersMu.Unlock()

	for _, sub := range p.subscribers {
		close(sub.done)
	}
	p.subscribers = nil
}

// handlerTransport implements http.RoundTripper by calling an http.Handler.
type handlerTransport struct {
	handler http.Handler
}

func (t *handlerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	pr, pw := io.Pipe()

	rw := &pipeResponseWriter{
		header: make(http.Header),
		status: http.StatusOK,
		pipe:   pw,
		ready:  make(chan struct{}),
	}

	// The handler runs in its own goroutine so streaming responses can be
	// consumed while it is still writing.
	go func() {
		t.handler.ServeHTTP(rw, req)
		rw.commit()
		_ = pw.Close()
	}()

	// Wait until the status line is committed before building the response
	// so the caller never observes a status the handler has yet to write.
	select {
	case <-rw.ready:
	case <-req.Context().Done():
		_ = pr.CloseWithError(req.Context().Err())
		return nil, req.Context().Err()
	}

	return &http.Response{
		StatusCode: rw.status,
		Header:     rw.header,
		Body:       pr,
		Request:    req,
	}, nil
}

// pipeResponseWriter implements http.ResponseWriter writing to a pipe. The
// status is committed at the first WriteHeader or Write and signalled on
// ready.
type pipeResponseWriter struct {
	header http.Header
	status int
	pipe   *io.PipeWriter
	ready  chan struct{}
	once   sync.Once
}

func (w *pipeResponseWriter) Header() http.Header {
	return w.header
}

func (w *pipeResponseWriter) WriteHeader(code int) {
	w.once.Do(func() {
		w.status = code
		close(w.ready)
	})
}

func (w *pipeResponseWriter) Write(b []byte) (int, error) {
	w.WriteHeader(http.StatusOK)
	return w.pipe.Write(b)
}

// Flush implements http.Flusher. Pipe writes are unbuffered, there is
// nothing to flush.
func (w *pipeResponseWriter) Flush() {}

// commit settles the status for handlers that return without writing.
func (w *pipeResponseWriter) commit() {
	w.WriteHeader(http.StatusOK)
}
