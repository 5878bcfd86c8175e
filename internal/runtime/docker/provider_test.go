package docker

import (
	"testing"
	"time"

	containerTypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/go-connections/nat"

	"github.com/gantrylabs/gantry/internal/logger"
	"github.com/gantrylabs/gantry/internal/runtime"
)

func testProvider() *Provider {
	return &Provider{
		containerIDs: make(map[string]string),
		log:          logger.Nop(),
	}
}

func TestContainerName(t *testing.T) {
	if got := containerName("my-sandbox"); got != "gantry-sandbox-my-sandbox" {
		t.Errorf("containerName = %q, want gantry-sandbox-my-sandbox", got)
	}
}

func TestExtractEnv(t *testing.T) {
	env := extractEnv([]string{"A=1", "B=x=y", "MALFORMED", "C="})

	want := map[string]string{"A": "1", "B": "x=y", "C": ""}
	if len(env) != len(want) {
		t.Fatalf("extractEnv returned %d entries, want %d: %v", len(env), len(want), env)
	}
	for k, v := range want {
		if env[k] != v {
			t.Errorf("env[%q] = %q, want %q", k, env[k], v)
		}
	}
}

func TestExtractPorts(t *testing.T) {
	if got := extractPorts(nil); got != nil {
		t.Errorf("extractPorts(nil) = %v, want nil", got)
	}

	settings := &containerTypes.NetworkSettings{
		NetworkSettingsBase: containerTypes.NetworkSettingsBase{
			Ports: nat.PortMap{
				"3000/tcp": []nat.PortBinding{
					{HostIP: "127.0.0.1", HostPort: "49152"},
				},
			},
		},
	}

	ports := extractPorts(settings)
	if len(ports) != 1 {
		t.Fatalf("extractPorts returned %d ports, want 1", len(ports))
	}
	p := ports[0]
	if p.ContainerPort != 3000 || p.HostPort != 49152 || p.HostIP != "127.0.0.1" || p.Protocol != "tcp" {
		t.Errorf("unexpected port mapping: %+v", p)
	}
}

func TestContainerFromInspectStates(t *testing.T) {
	tests := []struct {
		name       string
		state      *containerTypes.State
		wantStatus runtime.Status
		wantError  string
	}{
		{
			name:       "running",
			state:      &containerTypes.State{Running: true, StartedAt: "2026-01-02T10:00:00.000000000Z"},
			wantStatus: runtime.StatusRunning,
		},
		{
			name:       "paused counts as stopped",
			state:      &containerTypes.State{Paused: true},
			wantStatus: runtime.StatusStopped,
		},
		{
			name:       "dead",
			state:      &containerTypes.State{Dead: true, Error: "driver failure"},
			wantStatus: runtime.StatusFailed,
			wantError:  "driver failure",
		},
		{
			name:       "oom killed",
			state:      &containerTypes.State{OOMKilled: true},
			wantStatus: runtime.StatusFailed,
		},
		{
			name:       "sigkill exit is stopped",
			state:      &containerTypes.State{ExitCode: 137, FinishedAt: "2026-01-02T10:05:00.000000000Z"},
			wantStatus: runtime.StatusStopped,
		},
		{
			name:       "sigterm exit is stopped",
			state:      &containerTypes.State{ExitCode: 143, FinishedAt: "2026-01-02T10:05:00.000000000Z"},
			wantStatus: runtime.StatusStopped,
		},
		{
			name:       "nonzero exit is failed",
			state:      &containerTypes.State{ExitCode: 1},
			wantStatus: runtime.StatusFailed,
			wantError:  "exited with code 1",
		},
		{
			name:       "clean exit is stopped",
			state:      &containerTypes.State{ExitCode: 0, FinishedAt: "2026-01-02T10:05:00.000000000Z"},
			wantStatus: runtime.StatusStopped,
		},
		{
			name:       "never started is created",
			state:      &containerTypes.State{ExitCode: 0, FinishedAt: "0001-01-01T00:00:00Z"},
			wantStatus: runtime.StatusCreated,
		},
	}

	p := testProvider()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := containerTypes.InspectResponse{
				ContainerJSONBase: &containerTypes.ContainerJSONBase{
					ID:      "abc123",
					Created: "2026-01-02T09:00:00.000000000Z",
					State:   tt.state,
				},
				Config: &containerTypes.Config{Image: "gantry-box:test"},
			}

			c := p.containerFromInspect("demo", info)
			if c.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s", c.Status, tt.wantStatus)
			}
			if c.Error != tt.wantError {
				t.Errorf("error = %q, want %q", c.Error, tt.wantError)
			}
			if c.SandboxID != "demo" || c.ID != "abc123" || c.Image != "gantry-box:test" {
				t.Errorf("unexpected identity fields: %+v", c)
			}
			if c.CreatedAt.IsZero() {
				t.Error("CreatedAt not parsed")
			}
		})
	}
}

func TestContainerFromInspectTimes(t *testing.T) {
	p := testProvider()

	info := containerTypes.InspectResponse{
		ContainerJSONBase: &containerTypes.ContainerJSONBase{
			ID:      "abc123",
			Created: "2026-01-02T09:00:00.000000000Z",
			State: &containerTypes.State{
				Running:   true,
				StartedAt: "2026-01-02T10:00:00.000000000Z",
			},
		},
		Config: &containerTypes.Config{Image: "gantry-box:test"},
	}

	c := p.containerFromInspect("demo", info)
	if c.StartedAt == nil {
		t.Fatal("StartedAt not parsed")
	}
	want := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	if !c.StartedAt.Equal(want) {
		t.Errorf("StartedAt = %s, want %s", c.StartedAt, want)
	}
}

func TestTranslateDockerEvent(t *testing.T) {
	tests := []struct {
		name       string
		action     events.Action
		attributes map[string]string
		wantNil    bool
		wantStatus runtime.Status
		wantError  string
	}{
		{
			name:       "start",
			action:     "start",
			attributes: map[string]string{labelSandboxID: "demo"},
			wantStatus: runtime.StatusRunning,
		},
		{
			name:       "stop",
			action:     "stop",
			attributes: map[string]string{labelSandboxID: "demo"},
			wantStatus: runtime.StatusStopped,
		},
		{
			name:       "kill",
			action:     "kill",
			attributes: map[string]string{labelSandboxID: "demo"},
			wantStatus: runtime.StatusStopped,
		},
		{
			name:       "die with sigkill code",
			action:     "die",
			attributes: map[string]string{labelSandboxID: "demo", "exitCode": "137"},
			wantStatus: runtime.StatusStopped,
		},
		{
			name:       "die with clean exit",
			action:     "die",
			attributes: map[string]string{labelSandboxID: "demo", "exitCode": "0"},
			wantStatus: runtime.StatusStopped,
		},
		{
			name:       "die with failure code",
			action:     "die",
			attributes: map[string]string{labelSandboxID: "demo", "exitCode": "1"},
			wantStatus: runtime.StatusFailed,
			wantError:  "container died with exit code 1",
		},
		{
			name:       "destroy",
			action:     "destroy",
			attributes: map[string]string{labelSandboxID: "demo"},
			wantStatus: runtime.StatusRemoved,
		},
		{
			name:       "oom",
			action:     "oom",
			attributes: map[string]string{labelSandboxID: "demo"},
			wantStatus: runtime.StatusFailed,
			wantError:  "out of memory",
		},
		{
			name:       "unlabelled container ignored",
			action:     "start",
			attributes: map[string]string{},
			wantNil:    true,
		},
		{
			name:       "pause ignored",
			action:     "pause",
			attributes: map[string]string{labelSandboxID: "demo"},
			wantNil:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := testProvider()
			msg := events.Message{
				Action: tt.action,
				Actor:  events.Actor{ID: "abc123", Attributes: tt.attributes},
				Time:   1700000000,
			}

			ev := p.translateDockerEvent(msg)
			if tt.wantNil {
				if ev != nil {
					t.Fatalf("expected event to be ignored, got %+v", ev)
				}
				return
			}
			if ev == nil {
				t.Fatal("expected an event, got nil")
			}
			if ev.SandboxID != "demo" {
				t.Errorf("sandbox id = %q, want demo", ev.SandboxID)
			}
			if ev.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s", ev.Status, tt.wantStatus)
			}
			if ev.Error != tt.wantError {
				t.Errorf("error = %q, want %q", ev.Error, tt.wantError)
			}
		})
	}
}

func TestTranslateDestroyClearsCache(t *testing.T) {
	p := testProvider()
	p.setContainerID("demo", "abc123")

	p.translateDockerEvent(events.Message{
		Action: "destroy",
		Actor:  events.Actor{Attributes: map[string]string{labelSandboxID: "demo"}},
	})

	p.containerIDsMu.RLock()
	_, exists := p.containerIDs["demo"]
	p.containerIDsMu.RUnlock()
	if exists {
		t.Error("destroy event did not clear the container id cache")
	}
}

func TestShortID(t *testing.T) {
	if got := shortID("0123456789abcdef"); got != "0123456789ab" {
		t.Errorf("shortID = %q", got)
	}
	if got := shortID("abc"); got != "abc" {
		t.Errorf("shortID = %q", got)
	}
}
