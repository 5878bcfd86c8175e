package agent

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gantrylabs/gantry/internal/config"
	"github.com/gantrylabs/gantry/internal/sse"
	"github.com/gantrylabs/gantry/pkg/api"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	cfg := &config.AgentConfig{
		ControlPlanePort: 3000,
		SandboxID:        "test-sandbox",
		WorkspaceRoot:    t.TempDir(),
		KillGrace:        2 * time.Second,
		MaxLogBuffer:     64 * 1024,
	}
	s := NewServer(cfg, nil)
	ts := httptest.NewServer(s.Router())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Shutdown(ctx)
	})
	return s, ts
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body, out interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request: %v", err)
		}
	}
	res, err := http.Post(ts.URL+path, "application/json", &buf)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	decodeBody(t, res, out)
	return res
}

func getJSON(t *testing.T, ts *httptest.Server, path string, out interface{}) *http.Response {
	t.Helper()
	res, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	decodeBody(t, res, out)
	return res
}

func deleteJSON(t *testing.T, ts *httptest.Server, path string, out interface{}) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodDelete, ts.URL+path, nil)
	if err != nil {
		t.Fatalf("build DELETE %s: %v", path, err)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE %s: %v", path, err)
	}
	decodeBody(t, res, out)
	return res
}

func decodeBody(t *testing.T, res *http.Response, out interface{}) {
	t.Helper()
	defer res.Body.Close()
	raw, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read response body: %v", err)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			t.Fatalf("decode response %q: %v", raw, err)
		}
	}
}

func TestPing(t *testing.T) {
	_, ts := newTestServer(t)

	var resp api.PingResponse
	res := getJSON(t, ts, "/api/ping", &resp)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}
	if resp.Message != "pong" {
		t.Errorf("message = %q, want %q", resp.Message, "pong")
	}
	if resp.Timestamp.IsZero() {
		t.Error("timestamp is zero")
	}
}

func TestAvailableCommands(t *testing.T) {
	dir := t.TempDir()
	writeExecutable(t, filepath.Join(dir, "runme"))
	if err := os.WriteFile(filepath.Join(dir, "data.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(dir, "subdir"), 0o755); err != nil {
		t.Fatal(err)
	}

	other := t.TempDir()
	writeExecutable(t, filepath.Join(other, "runme"))
	writeExecutable(t, filepath.Join(other, "also"))

	got := availableCommands(dir + string(os.PathListSeparator) + other)
	want := []string{"also", "runme"}
	if len(got) != len(want) {
		t.Fatalf("commands = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("commands = %v, want %v", got, want)
		}
	}
}

func writeExecutable(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
}

func TestListCommandsEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	var resp api.CommandsResponse
	res := getJSON(t, ts, "/api/commands", &resp)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}
	if len(resp.AvailableCommands) == 0 {
		t.Fatal("no commands discovered on PATH")
	}
	if !sort.StringsAreSorted(resp.AvailableCommands) {
		t.Error("commands are not sorted")
	}
}

func TestSessionLifecycle(t *testing.T) {
	_, ts := newTestServer(t)

	var created api.CreateSessionResponse
	res := postJSON(t, ts, "/api/sessions", api.CreateSessionRequest{ID: "build"}, &created)
	if res.StatusCode != http.StatusOK || created.SessionID != "build" {
		t.Fatalf("create: status %d, sessionId %q", res.StatusCode, created.SessionID)
	}

	// Recreating an existing id succeeds with the same id.
	var again api.CreateSessionResponse
	res = postJSON(t, ts, "/api/sessions", api.CreateSessionRequest{ID: "build"}, &again)
	if res.StatusCode != http.StatusOK || again.SessionID != "build" {
		t.Fatalf("recreate: status %d, sessionId %q", res.StatusCode, again.SessionID)
	}

	var list api.ListSessionsResponse
	getJSON(t, ts, "/api/sessions", &list)
	found := false
	for _, sess := range list.Sessions {
		if sess.ID == "build" {
			found = true
		}
	}
	if !found {
		t.Fatalf("session missing from listing: %+v", list.Sessions)
	}

	var del api.Response
	res = deleteJSON(t, ts, "/api/sessions/build", &del)
	if res.StatusCode != http.StatusOK || !del.Success {
		t.Fatalf("delete: status %d, success %v", res.StatusCode, del.Success)
	}

	res = deleteJSON(t, ts, "/api/sessions/build", &del)
	if res.StatusCode != http.StatusNotFound || del.Code != api.CodeSessionNotFound {
		t.Fatalf("second delete: status %d, code %q", res.StatusCode, del.Code)
	}
}

func TestCreateSessionRejectsEscapingCwd(t *testing.T) {
	_, ts := newTestServer(t)

	var resp api.Response
	res := postJSON(t, ts, "/api/sessions", api.CreateSessionRequest{ID: "bad", Cwd: "../outside"}, &resp)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", res.StatusCode)
	}
	if resp.Code != api.CodePathValidationFailed {
		t.Errorf("code = %q, want %q", resp.Code, api.CodePathValidationFailed)
	}
}

func TestExecute(t *testing.T) {
	_, ts := newTestServer(t)

	t.Run("success", func(t *testing.T) {
		var resp api.ExecResult
		res := postJSON(t, ts, "/api/execute", api.ExecRequest{Command: "echo hello"}, &resp)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", res.StatusCode)
		}
		if !resp.Success || resp.ExitCode != 0 {
			t.Errorf("success = %v, exitCode = %d", resp.Success, resp.ExitCode)
		}
		if resp.Stdout != "hello\n" {
			t.Errorf("stdout = %q", resp.Stdout)
		}
		if resp.Command != "echo hello" {
			t.Errorf("command = %q", resp.Command)
		}
	})

	t.Run("nonzero exit", func(t *testing.T) {
		var resp api.ExecResult
		res := postJSON(t, ts, "/api/execute", api.ExecRequest{Command: "exit 3"}, &resp)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", res.StatusCode)
		}
		if resp.Success || resp.ExitCode != 3 {
			t.Errorf("success = %v, exitCode = %d", resp.Success, resp.ExitCode)
		}
		if !strings.Contains(resp.Error, "3") {
			t.Errorf("error = %q", resp.Error)
		}
	})

	t.Run("stderr captured", func(t *testing.T) {
		var resp api.ExecResult
		postJSON(t, ts, "/api/execute", api.ExecRequest{Command: "echo oops 1>&2"}, &resp)
		if resp.Stderr != "oops\n" {
			t.Errorf("stderr = %q", resp.Stderr)
		}
	})

	t.Run("missing command", func(t *testing.T) {
		var resp api.Response
		res := postJSON(t, ts, "/api/execute", api.ExecRequest{}, &resp)
		if res.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", res.StatusCode)
		}
	})

	t.Run("unknown session", func(t *testing.T) {
		var resp api.Response
		res := postJSON(t, ts, "/api/execute", api.ExecRequest{Command: "true", SessionID: "ghost"}, &resp)
		if res.StatusCode != http.StatusNotFound || resp.Code != api.CodeSessionNotFound {
			t.Errorf("status = %d, code = %q", res.StatusCode, resp.Code)
		}
	})
}

func TestExecuteTimeout(t *testing.T) {
	_, ts := newTestServer(t)

	var resp api.ExecResult
	res := postJSON(t, ts, "/api/execute", api.ExecRequest{Command: "sleep 5", TimeoutMs: 100}, &resp)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}
	if resp.Success || resp.ExitCode != -1 {
		t.Errorf("success = %v, exitCode = %d", resp.Success, resp.ExitCode)
	}
	if !strings.Contains(resp.Error, "timed out") {
		t.Errorf("error = %q", resp.Error)
	}
}

func TestExecuteUsesSessionEnvAndCwd(t *testing.T) {
	s, ts := newTestServer(t)

	sub := filepath.Join(s.cfg.WorkspaceRoot, "sub")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	postJSON(t, ts, "/api/sessions", api.CreateSessionRequest{
		ID:  "scoped",
		Cwd: "sub",
		Env: map[string]string{"GREETING": "ahoy"},
	}, nil)

	var resp api.ExecResult
	postJSON(t, ts, "/api/execute", api.ExecRequest{
		Command:   `echo "$GREETING"; pwd`,
		SessionID: "scoped",
	}, &resp)

	lines := strings.Split(strings.TrimSpace(resp.Stdout), "\n")
	if len(lines) != 2 {
		t.Fatalf("stdout = %q", resp.Stdout)
	}
	if lines[0] != "ahoy" {
		t.Errorf("env line = %q", lines[0])
	}
	if !strings.HasSuffix(lines[1], "/sub") {
		t.Errorf("pwd line = %q, want suffix /sub", lines[1])
	}

	// A request env overrides the session's.
	var over api.ExecResult
	postJSON(t, ts, "/api/execute", api.ExecRequest{
		Command:   `echo "$GREETING"`,
		SessionID: "scoped",
		Env:       map[string]string{"GREETING": "avast"},
	}, &over)
	if strings.TrimSpace(over.Stdout) != "avast" {
		t.Errorf("stdout = %q", over.Stdout)
	}
}

func TestExecuteStream(t *testing.T) {
	_, ts := newTestServer(t)

	body, _ := json.Marshal(api.ExecRequest{Command: "echo one; echo two"})
	res, err := http.Post(ts.URL+"/api/execute/stream", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}
	if ct := res.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content-type = %q", ct)
	}

	var events []api.ExecEvent
	dec := sse.NewDecoder(res.Body)
	for {
		var ev api.ExecEvent
		if err := dec.Decode(&ev); err != nil {
			if err == io.EOF {
				break
			}
			t.Fatalf("decode event: %v", err)
		}
		events = append(events, ev)
	}

	if len(events) < 2 {
		t.Fatalf("got %d events: %+v", len(events), events)
	}
	if events[0].Type != api.ExecEventStart {
		t.Errorf("first event = %q, want start", events[0].Type)
	}
	last := events[len(events)-1]
	if last.Type != api.ExecEventComplete {
		t.Fatalf("last event = %q, want complete", last.Type)
	}
	if last.ExitCode == nil || *last.ExitCode != 0 {
		t.Errorf("exitCode = %v", last.ExitCode)
	}

	var stdout strings.Builder
	for _, ev := range events {
		if ev.Type == api.ExecEventStdout {
			stdout.WriteString(ev.Data)
		}
	}
	if stdout.String() != "one\ntwo\n" {
		t.Errorf("stdout = %q", stdout.String())
	}
}

func TestFiles(t *testing.T) {
	s, ts := newTestServer(t)

	t.Run("write and read", func(t *testing.T) {
		var wrote api.WriteFileResponse
		res := postJSON(t, ts, "/api/files/write", api.WriteFileRequest{
			Path:    "notes/hello.txt",
			Content: "hi",
		}, &wrote)
		if res.StatusCode != http.StatusOK || wrote.BytesWritten != 2 {
			t.Fatalf("status = %d, bytesWritten = %d", res.StatusCode, wrote.BytesWritten)
		}
		if !strings.HasPrefix(wrote.Path, s.cfg.WorkspaceRoot) {
			t.Errorf("path = %q, want under %q", wrote.Path, s.cfg.WorkspaceRoot)
		}

		var read api.ReadFileResponse
		postJSON(t, ts, "/api/files/read", api.ReadFileRequest{Path: "notes/hello.txt"}, &read)
		if read.Content != "hi" || read.Size != 2 {
			t.Errorf("content = %q, size = %d", read.Content, read.Size)
		}
	})

	t.Run("base64 round trip", func(t *testing.T) {
		raw := []byte{0x00, 0xff, 0x10, 0x80}
		postJSON(t, ts, "/api/files/write", api.WriteFileRequest{
			Path:     "blob.bin",
			Content:  base64.StdEncoding.EncodeToString(raw),
			Encoding: "base64",
		}, nil)

		var read api.ReadFileResponse
		postJSON(t, ts, "/api/files/read", api.ReadFileRequest{Path: "blob.bin", Encoding: "base64"}, &read)
		got, err := base64.StdEncoding.DecodeString(read.Content)
		if err != nil {
			t.Fatalf("decode content: %v", err)
		}
		if !bytes.Equal(got, raw) {
			t.Errorf("content = %x, want %x", got, raw)
		}
	})

	t.Run("invalid base64", func(t *testing.T) {
		var resp api.Response
		res := postJSON(t, ts, "/api/files/write", api.WriteFileRequest{
			Path:     "bad.bin",
			Content:  "not base64!!",
			Encoding: "base64",
		}, &resp)
		if res.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", res.StatusCode)
		}
	})

	t.Run("read missing", func(t *testing.T) {
		var resp api.Response
		res := postJSON(t, ts, "/api/files/read", api.ReadFileRequest{Path: "nope.txt"}, &resp)
		if res.StatusCode != http.StatusNotFound || resp.Code != api.CodeFileNotFound {
			t.Errorf("status = %d, code = %q", res.StatusCode, resp.Code)
		}
	})

	t.Run("traversal rejected", func(t *testing.T) {
		var resp api.Response
		res := postJSON(t, ts, "/api/files/read", api.ReadFileRequest{Path: "../../etc/passwd"}, &resp)
		if res.StatusCode != http.StatusBadRequest || resp.Code != api.CodePathValidationFailed {
			t.Errorf("status = %d, code = %q", res.StatusCode, resp.Code)
		}
	})

	t.Run("delete", func(t *testing.T) {
		postJSON(t, ts, "/api/files/write", api.WriteFileRequest{Path: "gone.txt", Content: "x"}, nil)
		var resp api.FileActionResponse
		res := postJSON(t, ts, "/api/files/delete", api.DeleteFileRequest{Path: "gone.txt"}, &resp)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", res.StatusCode)
		}

		var read api.Response
		res = postJSON(t, ts, "/api/files/read", api.ReadFileRequest{Path: "gone.txt"}, &read)
		if res.StatusCode != http.StatusNotFound {
			t.Errorf("read after delete: status = %d", res.StatusCode)
		}
	})

	t.Run("mkdir", func(t *testing.T) {
		var resp api.FileActionResponse
		res := postJSON(t, ts, "/api/files/mkdir", api.MkdirRequest{Path: "a/b/c", Recursive: true}, &resp)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", res.StatusCode)
		}

		var conflict api.Response
		res = postJSON(t, ts, "/api/files/mkdir", api.MkdirRequest{Path: "a/b/c"}, &conflict)
		if res.StatusCode != http.StatusConflict {
			t.Errorf("mkdir existing: status = %d, want 409", res.StatusCode)
		}
	})

	t.Run("rename", func(t *testing.T) {
		postJSON(t, ts, "/api/files/write", api.WriteFileRequest{Path: "old.txt", Content: "v"}, nil)
		var resp api.FileActionResponse
		res := postJSON(t, ts, "/api/files/rename", api.RenameFileRequest{OldPath: "old.txt", NewPath: "new.txt"}, &resp)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", res.StatusCode)
		}

		var read api.ReadFileResponse
		postJSON(t, ts, "/api/files/read", api.ReadFileRequest{Path: "new.txt"}, &read)
		if read.Content != "v" {
			t.Errorf("content = %q", read.Content)
		}
	})

	t.Run("move creates parent", func(t *testing.T) {
		postJSON(t, ts, "/api/files/write", api.WriteFileRequest{Path: "src.txt", Content: "m"}, nil)
		var resp api.FileActionResponse
		res := postJSON(t, ts, "/api/files/move", api.MoveFileRequest{
			SourcePath:      "src.txt",
			DestinationPath: "deep/nest/dst.txt",
		}, &resp)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", res.StatusCode)
		}

		var read api.ReadFileResponse
		postJSON(t, ts, "/api/files/read", api.ReadFileRequest{Path: "deep/nest/dst.txt"}, &read)
		if read.Content != "m" {
			t.Errorf("content = %q", read.Content)
		}
	})
}

func waitForProcessStatus(t *testing.T, ts *httptest.Server, id, want string) api.ProcessResponse {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		var resp api.ProcessResponse
		res := getJSON(t, ts, "/api/process/"+id, &resp)
		if res.StatusCode == http.StatusOK && resp.Status == want {
			return resp
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("process %s never reached status %q", id, want)
	return api.ProcessResponse{}
}

func TestProcessLifecycle(t *testing.T) {
	_, ts := newTestServer(t)

	var started api.StartProcessResponse
	res := postJSON(t, ts, "/api/processes/start", api.StartProcessRequest{
		Command:   "echo out; echo err 1>&2",
		ProcessID: "job-1",
		SessionID: "",
	}, &started)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("start: status = %d", res.StatusCode)
	}
	if started.ProcessID != "job-1" || started.PID <= 0 {
		t.Fatalf("started = %+v", started)
	}

	done := waitForProcessStatus(t, ts, "job-1", api.ProcessCompleted)
	if done.ExitCode == nil || *done.ExitCode != 0 {
		t.Errorf("exitCode = %v", done.ExitCode)
	}

	// The id stays reserved by the completed record.
	var dup api.Response
	res = postJSON(t, ts, "/api/processes/start", api.StartProcessRequest{
		Command:   "true",
		ProcessID: "job-1",
	}, &dup)
	if res.StatusCode != http.StatusConflict || dup.Code != api.CodeProcessAlreadyExists {
		t.Fatalf("duplicate start: status = %d, code = %q", res.StatusCode, dup.Code)
	}

	var logs api.ProcessLogsResponse
	getJSON(t, ts, "/api/process/job-1/logs", &logs)
	if logs.Stdout != "out\n" || logs.Stderr != "err\n" {
		t.Errorf("logs stdout = %q, stderr = %q", logs.Stdout, logs.Stderr)
	}

	var list api.ListProcessesResponse
	getJSON(t, ts, "/api/processes", &list)
	if len(list.Processes) != 1 || list.Processes[0].ID != "job-1" {
		t.Errorf("processes = %+v", list.Processes)
	}

	var filtered api.ListProcessesResponse
	getJSON(t, ts, "/api/processes?sessionId=elsewhere", &filtered)
	if len(filtered.Processes) != 0 {
		t.Errorf("filtered processes = %+v", filtered.Processes)
	}

	var missing api.Response
	res = getJSON(t, ts, "/api/process/ghost", &missing)
	if res.StatusCode != http.StatusNotFound || missing.Code != api.CodeProcessNotFound {
		t.Errorf("get missing: status = %d, code = %q", res.StatusCode, missing.Code)
	}
}

func TestKillProcess(t *testing.T) {
	_, ts := newTestServer(t)

	postJSON(t, ts, "/api/processes/start", api.StartProcessRequest{
		Command:   "sleep 30",
		ProcessID: "long",
	}, nil)
	waitForProcessStatus(t, ts, "long", api.ProcessRunning)

	var resp api.Response
	res := deleteJSON(t, ts, "/api/process/long", &resp)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("kill: status = %d", res.StatusCode)
	}
	waitForProcessStatus(t, ts, "long", api.ProcessKilled)
}

func TestProcessLogStream(t *testing.T) {
	_, ts := newTestServer(t)

	postJSON(t, ts, "/api/processes/start", api.StartProcessRequest{
		Command:   "echo streamed",
		ProcessID: "streamer",
	}, nil)
	waitForProcessStatus(t, ts, "streamer", api.ProcessCompleted)

	res, err := http.Get(ts.URL + "/api/process/streamer/logs/stream")
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}

	var events []api.LogEvent
	dec := sse.NewDecoder(res.Body)
	for {
		var ev api.LogEvent
		if err := dec.Decode(&ev); err != nil {
			if err == io.EOF {
				break
			}
			t.Fatalf("decode event: %v", err)
		}
		events = append(events, ev)
	}

	var sawOutput, sawExit bool
	for _, ev := range events {
		switch ev.Type {
		case api.LogEventStdout:
			if strings.Contains(ev.Data, "streamed") {
				sawOutput = true
			}
		case api.LogEventExit:
			sawExit = true
			if ev.ExitCode == nil || *ev.ExitCode != 0 {
				t.Errorf("exit event code = %v", ev.ExitCode)
			}
		}
		if ev.ProcessID != "streamer" {
			t.Errorf("processId = %q", ev.ProcessID)
		}
	}
	if !sawOutput || !sawExit {
		t.Errorf("events = %+v", events)
	}

	var missing api.Response
	res2 := getJSON(t, ts, "/api/process/ghost/logs/stream", &missing)
	if res2.StatusCode != http.StatusNotFound {
		t.Errorf("stream missing process: status = %d", res2.StatusCode)
	}
}

func TestPortLifecycle(t *testing.T) {
	_, ts := newTestServer(t)

	var exposed api.ExposePortResponse
	res := postJSON(t, ts, "/api/ports/expose", api.ExposePortRequest{Port: 8080, Name: "web"}, &exposed)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expose: status = %d", res.StatusCode)
	}
	if len(exposed.Token) != 32 {
		t.Fatalf("token length = %d", len(exposed.Token))
	}

	var dup api.Response
	res = postJSON(t, ts, "/api/ports/expose", api.ExposePortRequest{Port: 8080}, &dup)
	if res.StatusCode != http.StatusConflict || dup.Code != api.CodePortAlreadyExposed {
		t.Fatalf("duplicate expose: status = %d, code = %q", res.StatusCode, dup.Code)
	}

	for _, port := range []int{0, 22, 1023, 3000, 65536} {
		var bad api.Response
		res = postJSON(t, ts, "/api/ports/expose", api.ExposePortRequest{Port: port}, &bad)
		if res.StatusCode != http.StatusBadRequest || bad.Code != api.CodeInvalidPort {
			t.Errorf("expose %d: status = %d, code = %q", port, res.StatusCode, bad.Code)
		}
	}

	// Listings never leak tokens.
	rawRes, err := http.Get(ts.URL + "/api/ports")
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := io.ReadAll(rawRes.Body)
	rawRes.Body.Close()
	if strings.Contains(string(raw), exposed.Token) {
		t.Error("port listing contains the token")
	}
	var list api.ListPortsResponse
	if err := json.Unmarshal(raw, &list); err != nil {
		t.Fatalf("decode listing: %v", err)
	}
	if len(list.Ports) != 1 || list.Ports[0].Port != 8080 || list.Ports[0].Name != "web" {
		t.Fatalf("ports = %+v", list.Ports)
	}

	var check api.CheckTokenResponse
	postJSON(t, ts, "/api/ports/check-token", api.CheckTokenRequest{Port: 8080, Token: exposed.Token}, &check)
	if !check.Valid {
		t.Error("valid token rejected")
	}
	postJSON(t, ts, "/api/ports/check-token", api.CheckTokenRequest{Port: 8080, Token: "wrong"}, &check)
	if check.Valid {
		t.Error("wrong token accepted")
	}

	var unexposed api.Response
	res = postJSON(t, ts, "/api/ports/unexpose", api.UnexposePortRequest{Port: 8080}, &unexposed)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("unexpose: status = %d", res.StatusCode)
	}

	postJSON(t, ts, "/api/ports/check-token", api.CheckTokenRequest{Port: 8080, Token: exposed.Token}, &check)
	if check.Valid {
		t.Error("token survived unexpose")
	}

	res = postJSON(t, ts, "/api/ports/unexpose", api.UnexposePortRequest{Port: 8080}, &unexposed)
	if res.StatusCode != http.StatusNotFound || unexposed.Code != api.CodePortNotExposed {
		t.Fatalf("second unexpose: status = %d, code = %q", res.StatusCode, unexposed.Code)
	}
}

func TestCheckPortReady(t *testing.T) {
	_, ts := newTestServer(t)

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	var ready api.CheckReadyResponse
	res := postJSON(t, ts, "/api/ports/check-ready", api.CheckReadyRequest{
		Port: serverPort(t, backend),
		Mode: "http",
	}, &ready)
	if res.StatusCode != http.StatusOK || !ready.Ready {
		t.Errorf("status = %d, ready = %v (%s)", res.StatusCode, ready.Ready, ready.Error)
	}

	closed := freePort(t)
	postJSON(t, ts, "/api/ports/check-ready", api.CheckReadyRequest{
		Port:      closed,
		Mode:      "tcp",
		TimeoutMs: 500,
	}, &ready)
	if ready.Ready {
		t.Errorf("closed port %d reported ready", closed)
	}
	if ready.Error == "" {
		t.Error("no reason for unready port")
	}

	var bad api.Response
	res = postJSON(t, ts, "/api/ports/check-ready", api.CheckReadyRequest{Port: 0}, &bad)
	if res.StatusCode != http.StatusBadRequest {
		t.Errorf("port 0: status = %d", res.StatusCode)
	}
}

func TestGitCheckoutValidation(t *testing.T) {
	_, ts := newTestServer(t)

	t.Run("scheme rejected", func(t *testing.T) {
		var resp api.Response
		res := postJSON(t, ts, "/api/git/checkout", api.GitCheckoutRequest{
			RepoURL: "ftp://evil.example.com/repo.git",
		}, &resp)
		if res.StatusCode != http.StatusBadRequest || resp.Code != api.CodeInvalidGitURL {
			t.Errorf("status = %d, code = %q", res.StatusCode, resp.Code)
		}
	})

	t.Run("empty url", func(t *testing.T) {
		var resp api.Response
		res := postJSON(t, ts, "/api/git/checkout", api.GitCheckoutRequest{}, &resp)
		if res.StatusCode != http.StatusBadRequest || resp.Code != api.CodeInvalidGitURL {
			t.Errorf("status = %d, code = %q", res.StatusCode, resp.Code)
		}
	})

	t.Run("target escape rejected", func(t *testing.T) {
		var resp api.Response
		res := postJSON(t, ts, "/api/git/checkout", api.GitCheckoutRequest{
			RepoURL:   "https://github.com/octo/repo.git",
			TargetDir: "../../outside",
		}, &resp)
		if res.StatusCode != http.StatusBadRequest || resp.Code != api.CodePathValidationFailed {
			t.Errorf("status = %d, code = %q", res.StatusCode, resp.Code)
		}
	})
}

func TestGitCheckoutHostAllowlist(t *testing.T) {
	cfg := &config.AgentConfig{
		ControlPlanePort: 3000,
		WorkspaceRoot:    t.TempDir(),
		KillGrace:        time.Second,
		MaxLogBuffer:     64 * 1024,
		GitAllowedHosts:  []string{"gitlab.com"},
	}
	s := NewServer(cfg, nil)
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	var resp api.Response
	res := postJSON(t, ts, "/api/git/checkout", api.GitCheckoutRequest{
		RepoURL: "https://github.com/octo/repo.git",
	}, &resp)
	if res.StatusCode != http.StatusBadRequest || resp.Code != api.CodeInvalidGitURL {
		t.Errorf("status = %d, code = %q", res.StatusCode, resp.Code)
	}
}

func TestProxyValidation(t *testing.T) {
	_, ts := newTestServer(t)

	for _, tt := range []struct {
		name string
		path string
	}{
		{"control plane port", "/proxy/3000/"},
		{"privileged port", "/proxy/22/"},
		{"not a number", "/proxy/abc/"},
		{"out of range", "/proxy/70000/"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			var resp api.Response
			res := getJSON(t, ts, tt.path, &resp)
			if res.StatusCode != http.StatusBadRequest || resp.Code != api.CodeInvalidPort {
				t.Errorf("status = %d, code = %q", res.StatusCode, resp.Code)
			}
		})
	}
}

func TestProxyForwards(t *testing.T) {
	_, ts := newTestServer(t)

	var gotPath, gotQuery, gotForwardedPath string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotForwardedPath = r.Header.Get("X-Forwarded-Path")
		fmt.Fprint(w, "backend says hi")
	}))
	defer backend.Close()
	port := serverPort(t, backend)

	res, err := http.Get(fmt.Sprintf("%s/proxy/%d/hello/world?x=1", ts.URL, port))
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(res.Body)
	res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}
	if string(body) != "backend says hi" {
		t.Errorf("body = %q", body)
	}
	if gotPath != "/hello/world" {
		t.Errorf("backend path = %q", gotPath)
	}
	if gotQuery != "x=1" {
		t.Errorf("backend query = %q", gotQuery)
	}
	if want := fmt.Sprintf("/proxy/%d/hello/world", port); gotForwardedPath != want {
		t.Errorf("X-Forwarded-Path = %q, want %q", gotForwardedPath, want)
	}
}

func TestProxyUpstreamDown(t *testing.T) {
	_, ts := newTestServer(t)

	port := freePort(t)
	res, err := http.Get(fmt.Sprintf("%s/proxy/%d/", ts.URL, port))
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", res.StatusCode)
	}
}

// serverPort extracts the listening port of an httptest server.
func serverPort(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	u := strings.TrimPrefix(srv.URL, "http://")
	_, portStr, err := net.SplitHostPort(u)
	if err != nil {
		t.Fatalf("split %q: %v", srv.URL, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatal(err)
	}
	return port
}

// freePort finds a port with no listener by grabbing and releasing one.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}
