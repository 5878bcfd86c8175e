package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gantrylabs/gantry/internal/agent"
	"github.com/gantrylabs/gantry/internal/config"
	"github.com/gantrylabs/gantry/internal/controlplane"
	"github.com/gantrylabs/gantry/internal/database"
	"github.com/gantrylabs/gantry/internal/logger"
	"github.com/gantrylabs/gantry/internal/model"
	"github.com/gantrylabs/gantry/internal/runtime"
	"github.com/gantrylabs/gantry/internal/runtime/mock"
	"github.com/gantrylabs/gantry/internal/sse"
	"github.com/gantrylabs/gantry/internal/store"
	"github.com/gantrylabs/gantry/pkg/api"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Host:                 "127.0.0.1",
		Port:                 8787,
		BaseHost:             "gantry.test",
		DatabaseDSN:          "sqlite3://" + filepath.Join(t.TempDir(), "gantry.db"),
		DatabaseDriver:       "sqlite",
		Runtime:              "mock",
		SandboxImage:         "gantry-box:test",
		ControlPlanePort:     3000,
		StartTimeout:         5 * time.Second,
		SleepAfter:           time.Minute,
		IdleInterval:         time.Minute,
		KillGrace:            time.Second,
		MaxLogBuffer:         64 * 1024,
		StreamHangTimeout:    5 * time.Second,
		StreamHealthInterval: time.Second,
		ActivityThrottle:     time.Millisecond,
	}
}

// newTestServer stands up the full daemon HTTP surface over a sqlite store
// and a mock runtime served by the real agent router.
func newTestServer(t *testing.T, cfg *config.Config) (*httptest.Server, *mock.Provider, *controlplane.Manager) {
	t.Helper()

	db, err := database.New(cfg)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	st := store.New(db.DB)

	rt := mock.NewProvider()
	rt.Handler = agent.NewServer(&config.AgentConfig{
		ControlPlanePort: cfg.ControlPlanePort,
		SandboxID:        "test",
		WorkspaceRoot:    t.TempDir(),
		KillGrace:        time.Second,
		MaxLogBuffer:     64 * 1024,
	}, logger.Nop()).Router()

	m := controlplane.NewManager(cfg, rt, st, logger.Nop())
	t.Cleanup(m.Stop)

	ts := httptest.NewServer(NewServer(cfg, m, logger.Nop()).Router())
	t.Cleanup(ts.Close)
	return ts, rt, m
}

// doJSON issues a request with an optional JSON body and decodes the
// response into out when out is non-nil. The response status is returned.
func doJSON(t *testing.T, method, url string, body, out any) int {
	t.Helper()
	return doJSONHost(t, method, url, "", body, out)
}

// doJSONHost is doJSON with an explicit Host header, standing in for the
// public hostname the daemon would see behind its ingress.
func doJSONHost(t *testing.T, method, url, host string, body, out any) int {
	t.Helper()

	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		buf = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if host != "" {
		req.Host = host
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			t.Fatalf("decode response %q: %v", data, err)
		}
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	ts, _, _ := newTestServer(t, testConfig(t))

	var out api.Response
	if status := doJSON(t, "GET", ts.URL+"/health", nil, &out); status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if !out.Success {
		t.Error("success = false")
	}
}

func TestPingCreatesSandbox(t *testing.T) {
	cfg := testConfig(t)
	ts, rt, _ := newTestServer(t, cfg)

	var pong api.PingResponse
	if status := doJSON(t, "GET", ts.URL+"/v1/sandboxes/box/ping", nil, &pong); status != http.StatusOK {
		t.Fatalf("ping status = %d, want 200", status)
	}
	if pong.Message != "pong" {
		t.Errorf("message = %q, want %q", pong.Message, "pong")
	}

	c, err := rt.Get(context.Background(), "box")
	if err != nil {
		t.Fatalf("container after ping: %v", err)
	}
	if c.Status != runtime.StatusRunning {
		t.Errorf("container status = %q, want running", c.Status)
	}

	var list api.ListSandboxesResponse
	if status := doJSON(t, "GET", ts.URL+"/v1/sandboxes", nil, &list); status != http.StatusOK {
		t.Fatalf("list status = %d, want 200", status)
	}
	if len(list.Sandboxes) != 1 {
		t.Fatalf("sandboxes = %d, want 1", len(list.Sandboxes))
	}
	sb := list.Sandboxes[0]
	if sb.ID != "box" {
		t.Errorf("id = %q, want %q", sb.ID, "box")
	}
	if sb.Status != model.SandboxStatusHealthy {
		t.Errorf("status = %q, want healthy", sb.Status)
	}
	if sb.LastActiveAt.IsZero() {
		t.Error("lastActiveAt is zero")
	}
}

func TestInvalidSandboxID(t *testing.T) {
	ts, _, _ := newTestServer(t, testConfig(t))

	for _, id := range []string{"My_Box", "UPPER", "api", "box--ok-"} {
		var out api.Response
		status := doJSON(t, "GET", ts.URL+"/v1/sandboxes/"+id+"/ping", nil, &out)
		if status != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", id, status)
		}
		if out.Code != api.CodeInvalidID {
			t.Errorf("%s: code = %q, want %q", id, out.Code, api.CodeInvalidID)
		}
	}
}

func TestExecute(t *testing.T) {
	ts, _, _ := newTestServer(t, testConfig(t))

	var out api.ExecResult
	status := doJSON(t, "POST", ts.URL+"/v1/sandboxes/box/execute",
		api.ExecRequest{Command: "echo daemon"}, &out)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if !out.Success {
		t.Errorf("success = false, error %q", out.Error)
	}
	if out.Stdout != "daemon\n" {
		t.Errorf("stdout = %q, want %q", out.Stdout, "daemon\n")
	}
	if out.ExitCode != 0 {
		t.Errorf("exit code = %d", out.ExitCode)
	}
}

func TestExecuteStream(t *testing.T) {
	ts, _, _ := newTestServer(t, testConfig(t))

	data, err := json.Marshal(api.ExecRequest{Command: "echo streamed"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(ts.URL+"/v1/sandboxes/box/execute/stream", "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("content type = %q", ct)
	}

	var events []api.ExecEvent
	dec := sse.NewDecoder(resp.Body)
	for {
		payload, err := dec.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("decode stream: %v", err)
		}
		var ev api.ExecEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			t.Fatalf("decode event %q: %v", payload, err)
		}
		events = append(events, ev)
	}

	if len(events) < 3 {
		t.Fatalf("events = %d, want at least 3", len(events))
	}
	if events[0].Type != api.ExecEventStart {
		t.Errorf("first event = %q, want start", events[0].Type)
	}
	if last := events[len(events)-1]; last.Type != api.ExecEventComplete {
		t.Errorf("last event = %q, want complete", last.Type)
	}
	var stdout strings.Builder
	for _, ev := range events {
		if ev.Type == api.ExecEventStdout {
			stdout.WriteString(ev.Data)
		}
	}
	if !strings.Contains(stdout.String(), "streamed") {
		t.Errorf("stdout = %q, want it to contain %q", stdout.String(), "streamed")
	}
}

func TestSettingsDoesNotStartContainer(t *testing.T) {
	ts, rt, _ := newTestServer(t, testConfig(t))

	name := "web"
	keep := true
	var out api.SettingsResponse
	status := doJSON(t, "PATCH", ts.URL+"/v1/sandboxes/box/settings",
		api.SettingsRequest{Name: &name, KeepAlive: &keep}, &out)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if out.Name != "web" || !out.KeepAlive {
		t.Errorf("settings echo = %+v", out)
	}

	if _, err := rt.Get(context.Background(), "box"); !errors.Is(err, runtime.ErrNotFound) {
		t.Errorf("rt.Get after settings: %v, want ErrNotFound", err)
	}

	var list api.ListSandboxesResponse
	if status := doJSON(t, "GET", ts.URL+"/v1/sandboxes", nil, &list); status != http.StatusOK {
		t.Fatalf("list status = %d", status)
	}
	if len(list.Sandboxes) != 1 {
		t.Fatalf("sandboxes = %d, want 1", len(list.Sandboxes))
	}
	sb := list.Sandboxes[0]
	if sb.Name != "web" || !sb.KeepAlive {
		t.Errorf("listed sandbox = %+v", sb)
	}
	if sb.Status != model.SandboxStatusCold {
		t.Errorf("status = %q, want cold", sb.Status)
	}
}

func TestDeleteSandbox(t *testing.T) {
	ts, rt, _ := newTestServer(t, testConfig(t))

	var out api.Response
	if status := doJSON(t, "DELETE", ts.URL+"/v1/sandboxes/ghost", nil, &out); status != http.StatusNotFound {
		t.Fatalf("delete unknown: status = %d, want 404", status)
	}
	if out.Code != api.CodeSandboxNotFound {
		t.Errorf("code = %q, want %q", out.Code, api.CodeSandboxNotFound)
	}

	if status := doJSON(t, "GET", ts.URL+"/v1/sandboxes/box/ping", nil, nil); status != http.StatusOK {
		t.Fatalf("ping status = %d", status)
	}
	if status := doJSON(t, "DELETE", ts.URL+"/v1/sandboxes/box", nil, &out); status != http.StatusOK {
		t.Fatalf("delete: status = %d, want 200", status)
	}

	if _, err := rt.Get(context.Background(), "box"); !errors.Is(err, runtime.ErrNotFound) {
		t.Errorf("container after delete: %v, want ErrNotFound", err)
	}
	var list api.ListSandboxesResponse
	doJSON(t, "GET", ts.URL+"/v1/sandboxes", nil, &list)
	if len(list.Sandboxes) != 0 {
		t.Errorf("sandboxes after delete = %d, want 0", len(list.Sandboxes))
	}
}

func TestGitCheckoutRejectsDisallowedHost(t *testing.T) {
	cfg := testConfig(t)
	ts, rt, m := newTestServer(t, cfg)

	m.SetPolicy(&config.Policy{GitAllowedHosts: []string{"github.com"}})

	var out api.Response
	status := doJSON(t, "POST", ts.URL+"/v1/sandboxes/box/git/checkout",
		api.GitCheckoutRequest{RepoURL: "https://evil.example.com/repo.git"}, &out)
	if status != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", status)
	}
	if out.Code != api.CodeInvalidGitURL {
		t.Errorf("code = %q, want %q", out.Code, api.CodeInvalidGitURL)
	}

	// Rejection happens before any container work.
	if _, err := rt.Get(context.Background(), "box"); !errors.Is(err, runtime.ErrNotFound) {
		t.Errorf("rt.Get after rejected checkout: %v, want ErrNotFound", err)
	}
}

func TestProcessLifecycle(t *testing.T) {
	ts, _, _ := newTestServer(t, testConfig(t))
	base := ts.URL + "/v1/sandboxes/box"

	var started api.StartProcessResponse
	status := doJSON(t, "POST", base+"/processes",
		api.StartProcessRequest{Command: "echo worker"}, &started)
	if status != http.StatusOK {
		t.Fatalf("start status = %d, want 200", status)
	}
	if started.ProcessID == "" {
		t.Fatal("empty process id")
	}

	deadline := time.Now().Add(5 * time.Second)
	var proc api.ProcessResponse
	for {
		if status := doJSON(t, "GET", base+"/processes/"+started.ProcessID, nil, &proc); status != http.StatusOK {
			t.Fatalf("get status = %d", status)
		}
		if proc.Terminal() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("process stuck in status %q", proc.Status)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if proc.Status != api.ProcessCompleted {
		t.Errorf("status = %q, want completed", proc.Status)
	}

	var logs api.ProcessLogsResponse
	if status := doJSON(t, "GET", base+"/processes/"+started.ProcessID+"/logs", nil, &logs); status != http.StatusOK {
		t.Fatalf("logs status = %d", status)
	}
	if !strings.Contains(logs.Stdout, "worker") {
		t.Errorf("stdout = %q, want it to contain %q", logs.Stdout, "worker")
	}

	var list api.ListProcessesResponse
	if status := doJSON(t, "GET", base+"/processes", nil, &list); status != http.StatusOK {
		t.Fatalf("list status = %d", status)
	}
	if len(list.Processes) != 1 {
		t.Errorf("processes = %d, want 1", len(list.Processes))
	}
}

func TestProcessNotFoundPassesThrough(t *testing.T) {
	ts, _, _ := newTestServer(t, testConfig(t))

	var out api.Response
	status := doJSON(t, "GET", ts.URL+"/v1/sandboxes/box/processes/nope", nil, &out)
	if status != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", status)
	}
	if out.Code != api.CodeProcessNotFound {
		t.Errorf("code = %q, want %q", out.Code, api.CodeProcessNotFound)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	ts, _, _ := newTestServer(t, testConfig(t))
	base := ts.URL + "/v1/sandboxes/box"

	var created api.CreateSessionResponse
	status := doJSON(t, "POST", base+"/sessions", api.CreateSessionRequest{ID: "builds"}, &created)
	if status != http.StatusOK {
		t.Fatalf("create status = %d, want 200", status)
	}
	if created.SessionID != "builds" {
		t.Errorf("session id = %q, want %q", created.SessionID, "builds")
	}

	var out api.Response
	if status := doJSON(t, "DELETE", base+"/sessions/builds", nil, &out); status != http.StatusOK {
		t.Fatalf("delete status = %d, want 200", status)
	}
	if !out.Success {
		t.Errorf("delete failed: %q", out.Error)
	}
}

func TestSandboxUnavailableCarriesRetryAfter(t *testing.T) {
	cfg := testConfig(t)
	cfg.StartTimeout = 200 * time.Millisecond
	ts, rt, _ := newTestServer(t, cfg)

	// A created container that never reports running exhausts the start
	// timeout, which the API surfaces as a retryable 503.
	rt.StartFunc = func(ctx context.Context, sandboxID string) error { return nil }

	req, err := http.NewRequest("GET", ts.URL+"/v1/sandboxes/box/ping", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	if ra := resp.Header.Get("Retry-After"); ra != "3" {
		t.Errorf("Retry-After = %q, want %q", ra, "3")
	}
	var out api.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Code != api.CodeSandboxUnavailable {
		t.Errorf("code = %q, want %q", out.Code, api.CodeSandboxUnavailable)
	}
}
