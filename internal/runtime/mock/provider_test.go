package mock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/gantrylabs/gantry/internal/runtime"
)

func TestLifecycle(t *testing.T) {
	p := NewProvider()
	ctx := context.Background()

	c, err := p.Create(ctx, "demo", runtime.CreateOptions{Env: map[string]string{"A": "1"}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if c.Status != runtime.StatusCreated {
		t.Errorf("status after create = %s, want created", c.Status)
	}
	if c.Env["A"] != "1" {
		t.Errorf("env not carried: %v", c.Env)
	}

	if _, err := p.Create(ctx, "demo", runtime.CreateOptions{}); !errors.Is(err, runtime.ErrAlreadyExists) {
		t.Errorf("duplicate create error = %v, want ErrAlreadyExists", err)
	}

	if err := p.Start(ctx, "demo"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := p.Start(ctx, "demo"); !errors.Is(err, runtime.ErrAlreadyRunning) {
		t.Errorf("second start error = %v, want ErrAlreadyRunning", err)
	}

	got, err := p.Get(ctx, "demo")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != runtime.StatusRunning {
		t.Errorf("status after start = %s, want running", got.Status)
	}
	if got.StartedAt == nil {
		t.Error("StartedAt not set")
	}

	// Get returns a copy, mutations must not leak back.
	got.Status = runtime.StatusFailed
	if again, _ := p.Get(ctx, "demo"); again.Status != runtime.StatusRunning {
		t.Error("Get returned a shared pointer")
	}

	if err := p.Stop(ctx, "demo", time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := p.Stop(ctx, "demo", time.Second); !errors.Is(err, runtime.ErrNotRunning) {
		t.Errorf("second stop error = %v, want ErrNotRunning", err)
	}

	if err := p.Remove(ctx, "demo"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := p.Get(ctx, "demo"); !errors.Is(err, runtime.ErrNotFound) {
		t.Errorf("Get after remove = %v, want ErrNotFound", err)
	}
	if err := p.Remove(ctx, "demo"); err != nil {
		t.Errorf("Remove of absent container = %v, want nil", err)
	}
}

func TestStartUnknown(t *testing.T) {
	p := NewProvider()
	if err := p.Start(context.Background(), "ghost"); !errors.Is(err, runtime.ErrNotFound) {
		t.Errorf("Start unknown = %v, want ErrNotFound", err)
	}
}

func TestRestartClearsFailure(t *testing.T) {
	p := NewProvider()
	ctx := context.Background()

	if _, err := p.Create(ctx, "demo", runtime.CreateOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := p.Start(ctx, "demo"); err != nil {
		t.Fatal(err)
	}
	p.SetStatus("demo", runtime.StatusFailed, "container died with exit code 1")

	if err := p.Start(ctx, "demo"); err != nil {
		t.Fatalf("restart after failure: %v", err)
	}
	c, _ := p.Get(ctx, "demo")
	if c.Status != runtime.StatusRunning || c.Error != "" {
		t.Errorf("restart left status=%s error=%q", c.Status, c.Error)
	}
}

func TestList(t *testing.T) {
	p := NewProvider()
	ctx := context.Background()

	for _, id := range []string{"one", "two"} {
		if _, err := p.Create(ctx, id, runtime.CreateOptions{}); err != nil {
			t.Fatal(err)
		}
	}

	list, err := p.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("List returned %d containers, want 2", len(list))
	}
}

func TestHTTPClientErrors(t *testing.T) {
	p := NewProvider()
	ctx := context.Background()

	if _, err := p.HTTPClient(ctx, "ghost"); !errors.Is(err, runtime.ErrNotFound) {
		t.Errorf("HTTPClient unknown = %v, want ErrNotFound", err)
	}

	if _, err := p.Create(ctx, "demo", runtime.CreateOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := p.HTTPClient(ctx, "demo"); !errors.Is(err, runtime.ErrNotRunning) {
		t.Errorf("HTTPClient before start = %v, want ErrNotRunning", err)
	}
}

func TestHTTPClientRoundTrip(t *testing.T) {
	p := NewProvider()
	ctx := context.Background()

	if _, err := p.Create(ctx, "demo", runtime.CreateOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := p.Start(ctx, "demo"); err != nil {
		t.Fatal(err)
	}

	p.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Path", r.URL.Path)
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, "hello from %s", r.URL.Path)
	})

	client, err := p.HTTPClient(ctx, "demo")
	if err != nil {
		t.Fatalf("HTTPClient: %v", err)
	}

	resp, err := client.Get("http://container/api/ping")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		t.Errorf("status = %d, want 201", resp.StatusCode)
	}
	if resp.Header.Get("X-Path") != "/api/ping" {
		t.Errorf("X-Path = %q", resp.Header.Get("X-Path"))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(body) != "hello from /api/ping" {
		t.Errorf("body = %q", body)
	}
}

// The response must carry the status the handler wrote even when the body is
// still streaming.
func TestHTTPClientStreamingStatus(t *testing.T) {
	p := NewProvider()
	ctx := context.Background()

	if _, err := p.Create(ctx, "demo", runtime.CreateOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := p.Start(ctx, "demo"); err != nil {
		t.Fatal(err)
	}

	release := make(chan struct{})
	p.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusAccepted)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-release
		fmt.Fprint(w, "late body")
	})

	client, err := p.HTTPClient(ctx, "demo")
	if err != nil {
		t.Fatal(err)
	}

	resp, err := client.Get("http://container/stream")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()

	// The handler is still blocked, but status and headers are committed.
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("status = %d, want 202", resp.StatusCode)
	}
	if resp.Header.Get("Content-Type") != "text/event-stream" {
		t.Errorf("Content-Type = %q", resp.Header.Get("Content-Type"))
	}

	close(release)
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(body) != "late body" {
		t.Errorf("body = %q", body)
	}
}

func TestHTTPClientHandlerFor(t *testing.T) {
	p := NewProvider()
	ctx := context.Background()

	for _, id := range []string{"alpha", "beta"} {
		if _, err := p.Create(ctx, id, runtime.CreateOptions{}); err != nil {
			t.Fatal(err)
		}
		if err := p.Start(ctx, id); err != nil {
			t.Fatal(err)
		}
	}

	p.HandlerFor = func(sandboxID string) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, sandboxID)
		})
	}

	for _, id := range []string{"alpha", "beta"} {
		client, err := p.HTTPClient(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		resp, err := client.Get("http://container/")
		if err != nil {
			t.Fatal(err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if string(body) != id {
			t.Errorf("handler for %s answered %q", id, body)
		}
	}
}

func nextEvent(t *testing.T, ch <-chan runtime.StateEvent) runtime.StateEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("event channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return runtime.StateEvent{}
}

func TestWatchReplayAndEvents(t *testing.T) {
	p := NewProvider()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := p.Create(ctx, "one", runtime.CreateOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Create(ctx, "two", runtime.CreateOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := p.Start(ctx, "one"); err != nil {
		t.Fatal(err)
	}

	ch, err := p.Watch(ctx)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	replayed := map[string]runtime.Status{}
	for i := 0; i < 2; i++ {
		ev := nextEvent(t, ch)
		replayed[ev.SandboxID] = ev.Status
	}
	if replayed["one"] != runtime.StatusRunning {
		t.Errorf("replay for one = %s, want running", replayed["one"])
	}
	if replayed["two"] != runtime.StatusCreated {
		t.Errorf("replay for two = %s, want created", replayed["two"])
	}

	if err := p.Stop(ctx, "one", time.Second); err != nil {
		t.Fatal(err)
	}
	ev := nextEvent(t, ch)
	if ev.SandboxID != "one" || ev.Status != runtime.StatusStopped {
		t.Errorf("live event = %+v, want one/stopped", ev)
	}

	cancel()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channel not closed after cancel")
		}
	}
}

func TestEmitEventReachesWatchers(t *testing.T) {
	p := NewProvider()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := p.Watch(ctx)
	if err != nil {
		t.Fatal(err)
	}

	p.EmitEvent(runtime.StateEvent{
		SandboxID: "demo",
		Status:    runtime.StatusFailed,
		Error:     "container died with exit code 1",
		Timestamp: time.Now(),
	})

	ev := nextEvent(t, ch)
	if ev.SandboxID != "demo" || ev.Status != runtime.StatusFailed {
		t.Errorf("event = %+v", ev)
	}
}

func TestCloseWatchers(t *testing.T) {
	p := NewProvider()
	ctx := context.Background()

	ch, err := p.Watch(ctx)
	if err != nil {
		t.Fatal(err)
	}

	p.CloseWatchers()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channel not closed by CloseWatchers")
		}
	}
}
