// Package docker implements runtime.Runtime against the Docker Engine API.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	containerTypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	imageTypes "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	dockercontext "github.com/docker/go-sdk/context"

	"github.com/gantrylabs/gantry/internal/config"
	"github.com/gantrylabs/gantry/internal/logger"
	"github.com/gantrylabs/gantry/internal/runtime"
)

const (
	// labelManaged marks containers owned by gantryd.
	labelManaged = "gantry.managed"

	// labelSandboxID carries the sandbox id on containers and events.
	labelSandboxID = "gantry.sandbox.id"
)

// DetectDockerHost resolves the Docker host from the current Docker context.
// This handles Docker Desktop, Colima, Rancher Desktop, Podman, and custom
// contexts automatically. Returns empty string if detection fails.
func DetectDockerHost() string {
	host, err := dockercontext.CurrentDockerHost()
	if err != nil {
		return ""
	}
	return host
}

// Provider implements runtime.Runtime using the Docker Engine API.
type Provider struct {
	client *client.Client
	cfg    *config.Config
	log    *logger.Logger

	// containerIDs maps sandbox id -> Docker container id.
	containerIDs   map[string]string
	containerIDsMu sync.RWMutex
}

// NewProvider creates a Docker runtime provider and verifies the daemon is
// reachable.
func NewProvider(cfg *config.Config, log *logger.Logger) (*Provider, error) {
	if log == nil {
		log = logger.Nop()
	}

	clientOpts := []client.Opt{
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	}
	if cfg.DockerHost != "" {
		clientOpts = append(clientOpts, client.WithHost(cfg.DockerHost))
	} else if host := DetectDockerHost(); host != "" {
		clientOpts = append(clientOpts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	p := &Provider{
		client:       cli,
		cfg:          cfg,
		log:          log,
		containerIDs: make(map[string]string),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := p.client.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("connect to docker daemon: %w", err)
	}

	return p, nil
}

// containerName generates a consistent container name from the sandbox id.
func containerName(sandboxID string) string {
	return "gantry-sandbox-" + sandboxID
}

// ImageExists checks if the configured sandbox image is available locally.
func (p *Provider) ImageExists(ctx context.Context) bool {
	_, err := p.client.ImageInspect(ctx, p.cfg.SandboxImage)
	return err == nil
}

// Image returns the configured sandbox image name.
func (p *Provider) Image() string {
	return p.cfg.SandboxImage
}

// Create creates a new container for the sandbox. A container that already
// exists under the sandbox's name is reused by Start rather than recreated,
// so sandboxes keep their filesystem across daemon restarts.
func (p *Provider) Create(ctx context.Context, sandboxID string, opts runtime.CreateOptions) (*runtime.Container, error) {
	name := containerName(sandboxID)

	if existing, err := p.client.ContainerInspect(ctx, name); err == nil && existing.ContainerJSONBase != nil {
		p.setContainerID(sandboxID, existing.ID)
		return nil, runtime.ErrAlreadyExists
	}

	image := p.cfg.SandboxImage
	if err := p.ensureImage(ctx, image); err != nil {
		return nil, fmt.Errorf("%w: %v", runtime.ErrInvalidImage, err)
	}

	labels := map[string]string{
		labelManaged:   "true",
		labelSandboxID: sandboxID,
	}
	for k, v := range opts.Labels {
		labels[k] = v
	}

	env := []string{
		fmt.Sprintf("SANDBOX_ID=%s", sandboxID),
		fmt.Sprintf("SANDBOX_CONTROL_PLANE_PORT=%d", p.cfg.ControlPlanePort),
	}
	for k, v := range opts.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	containerConfig := &containerTypes.Config{
		Image:    image,
		Env:      env,
		Labels:   labels,
		Hostname: sandboxID,
	}

	hostConfig := &containerTypes.HostConfig{}
	if opts.Resources.MemoryMB > 0 {
		hostConfig.Memory = int64(opts.Resources.MemoryMB) * 1024 * 1024
	}
	if opts.Resources.CPUCores > 0 {
		hostConfig.NanoCPUs = int64(opts.Resources.CPUCores * 1e9)
	}

	// Publish the control service port on a random loopback host port.
	port := nat.Port(fmt.Sprintf("%d/tcp", p.cfg.ControlPlanePort))
	containerConfig.ExposedPorts = nat.PortSet{port: struct{}{}}
	hostConfig.PortBindings = nat.PortMap{
		port: []nat.PortBinding{{
			HostIP:   "127.0.0.1",
			HostPort: "", // empty = Docker assigns a random available port
		}},
	}

	resp, err := p.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", runtime.ErrStartFailed, err)
	}

	p.setContainerID(sandboxID, resp.ID)

	p.log.Info("container created", "sandboxId", sandboxID, "containerId", shortID(resp.ID), "image", image)

	return &runtime.Container{
		ID:        resp.ID,
		SandboxID: sandboxID,
		Status:    runtime.StatusCreated,
		Image:     image,
		CreatedAt: time.Now(),
	}, nil
}

// ensureImage checks if an image exists locally and pulls it if not.
func (p *Provider) ensureImage(ctx context.Context, image string) error {
	_, err := p.client.ImageInspect(ctx, image)
	if err == nil {
		return nil
	}

	p.log.Info("pulling sandbox image", "image", image)
	reader, err := p.client.ImagePull(ctx, image, imageTypes.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", image, err)
	}
	defer func() { _ = reader.Close() }()

	// Drain the reader to complete the pull (progress is discarded).
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("complete image pull for %s: %w", image, err)
	}

	return nil
}

// Start starts a previously created container.
func (p *Provider) Start(ctx context.Context, sandboxID string) error {
	containerID, err := p.getContainerID(ctx, sandboxID)
	if err != nil {
		return err
	}

	if err := p.client.ContainerStart(ctx, containerID, containerTypes.StartOptions{}); err != nil {
		return fmt.Errorf("%w: %v", runtime.ErrStartFailed, err)
	}

	return nil
}

// Stop stops a running container gracefully.
func (p *Provider) Stop(ctx context.Context, sandboxID string, timeout time.Duration) error {
	containerID, err := p.getContainerID(ctx, sandboxID)
	if err != nil {
		return err
	}

	timeoutSeconds := int(timeout.Seconds())
	stopOptions := containerTypes.StopOptions{
		Timeout: &timeoutSeconds,
	}

	if err := p.client.ContainerStop(ctx, containerID, stopOptions); err != nil {
		return fmt.Errorf("stop container: %w", err)
	}

	return nil
}

// Remove force-removes the sandbox's container. Removing a sandbox that has
// no container is not an error.
func (p *Provider) Remove(ctx context.Context, sandboxID string) error {
	containerID, err := p.getContainerID(ctx, sandboxID)
	if err != nil {
		if errors.Is(err, runtime.ErrNotFound) {
			return nil
		}
		return err
	}

	removeOptions := containerTypes.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	}
	if err := p.client.ContainerRemove(ctx, containerID, removeOptions); err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("remove container: %w", err)
	}

	p.clearContainerID(sandboxID)
	return nil
}

// Get returns the current state of the sandbox's container.
func (p *Provider) Get(ctx context.Context, sandboxID string) (*runtime.Container, error) {
	containerID, err := p.getContainerID(ctx, sandboxID)
	if err != nil {
		return nil, err
	}

	info, err := p.client.ContainerInspect(ctx, containerID)
	if err != nil {
		// If the container was deleted externally, clear the stale cache entry.
		if cerrdefs.IsNotFound(err) {
			p.clearContainerID(sandboxID)
			return nil, runtime.ErrNotFound
		}
		return nil, fmt.Errorf("inspect container: %w", err)
	}

	return p.containerFromInspect(sandboxID, info), nil
}

// List returns all containers managed by gantryd.
func (p *Provider) List(ctx context.Context) ([]*runtime.Container, error) {
	containers, err := p.client.ContainerList(ctx, containerTypes.ListOptions{
		All: true, // include stopped containers
		Filters: filters.NewArgs(
			filters.Arg("label", labelManaged+"=true"),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	result := make([]*runtime.Container, 0, len(containers))
	for _, c := range containers {
		sandboxID := c.Labels[labelSandboxID]
		if sandboxID == "" {
			continue
		}

		info, err := p.client.ContainerInspect(ctx, c.ID)
		if err != nil {
			continue // skip containers we can't inspect
		}

		p.setContainerID(sandboxID, info.ID)
		result = append(result, p.containerFromInspect(sandboxID, info))
	}

	return result, nil
}

// containerFromInspect maps a Docker inspect response to a Container.
func (p *Provider) containerFromInspect(sandboxID string, info containerTypes.InspectResponse) *runtime.Container {
	c := &runtime.Container{
		ID:        info.ID,
		SandboxID: sandboxID,
		Image:     info.Config.Image,
	}

	if created, err := time.Parse(time.RFC3339Nano, info.Created); err == nil {
		c.CreatedAt = created
	}

	switch {
	case info.State.Running:
		c.Status = runtime.StatusRunning
		if started, err := time.Parse(time.RFC3339Nano, info.State.StartedAt); err == nil {
			c.StartedAt = &started
		}
	case info.State.Paused:
		c.Status = runtime.StatusStopped
	case info.State.Dead || info.State.OOMKilled:
		c.Status = runtime.StatusFailed
		c.Error = info.State.Error
	case info.State.ExitCode != 0:
		// Exit codes 137 (SIGKILL, 128+9) and 143 (SIGTERM, 128+15) are
		// expected from docker stop and count as stopped, not failed.
		if info.State.ExitCode == 137 || info.State.ExitCode == 143 {
			c.Status = runtime.StatusStopped
			if stopped, err := time.Parse(time.RFC3339Nano, info.State.FinishedAt); err == nil {
				c.StoppedAt = &stopped
			}
		} else {
			c.Status = runtime.StatusFailed
			c.Error = fmt.Sprintf("exited with code %d", info.State.ExitCode)
		}
	default:
		if info.State.FinishedAt != "" && info.State.FinishedAt != "0001-01-01T00:00:00Z" {
			c.Status = runtime.StatusStopped
			if stopped, err := time.Parse(time.RFC3339Nano, info.State.FinishedAt); err == nil {
				c.StoppedAt = &stopped
			}
		} else {
			c.Status = runtime.StatusCreated
		}
	}

	c.Ports = extractPorts(info.NetworkSettings)
	c.Env = extractEnv(info.Config.Env)

	return c
}

// extractEnv parses Docker's env slice (KEY=VALUE format) into a map.
func extractEnv(envSlice []string) map[string]string {
	env := make(map[string]string)
	for _, e := range envSlice {
		parts := strings.SplitN(e, "=", 2)
		if len(parts) == 2 {
			env[parts[0]] = parts[1]
		}
	}
	return env
}

// extractPorts extracts assigned port mappings from container network settings.
func extractPorts(settings *containerTypes.NetworkSettings) []runtime.AssignedPort {
	if settings == nil {
		return nil
	}

	var ports []runtime.AssignedPort
	for containerPort, bindings := range settings.Ports {
		for _, binding := range bindings {
			hostPort, _ := strconv.Atoi(binding.HostPort)
			ports = append(ports, runtime.AssignedPort{
				ContainerPort: containerPort.Int(),
				HostPort:      hostPort,
				HostIP:        binding.HostIP,
				Protocol:      containerPort.Proto(),
			})
		}
	}
	return ports
}

// getContainerID retrieves the Docker container id for a sandbox.
func (p *Provider) getContainerID(ctx context.Context, sandboxID string) (string, error) {
	p.containerIDsMu.RLock()
	containerID, exists := p.containerIDs[sandboxID]
	p.containerIDsMu.RUnlock()

	if exists {
		return containerID, nil
	}

	// Try to find by name (for persistence across daemon restarts).
	name := containerName(sandboxID)
	info, err := p.client.ContainerInspect(ctx, name)
	if err != nil {
		return "", runtime.ErrNotFound
	}

	p.setContainerID(sandboxID, info.ID)
	return info.ID, nil
}

func (p *Provider) setContainerID(sandboxID, containerID string) {
	p.containerIDsMu.Lock()
	p.containerIDs[sandboxID] = containerID
	p.containerIDsMu.Unlock()
}

// clearContainerID removes a container id from the cache. Used when a
// container is deleted externally.
func (p *Provider) clearContainerID(sandboxID string) {
	p.containerIDsMu.Lock()
	delete(p.containerIDs, sandboxID)
	p.containerIDsMu.Unlock()
}

// HTTPClient returns an HTTP client that reaches the control service inside
// the container through its mapped loopback port, regardless of the URL host.
func (p *Provider) HTTPClient(ctx context.Context, sandboxID string) (*http.Client, error) {
	c, err := p.Get(ctx, sandboxID)
	if err != nil {
		return nil, err
	}

	if c.Status != runtime.StatusRunning {
		return nil, fmt.Errorf("%w: status %s", runtime.ErrNotRunning, c.Status)
	}

	var mapped *runtime.AssignedPort
	for i := range c.Ports {
		if c.Ports[i].ContainerPort == p.cfg.ControlPlanePort {
			mapped = &c.Ports[i]
			break
		}
	}
	if mapped == nil {
		return nil, fmt.Errorf("container does not publish port %d", p.cfg.ControlPlanePort)
	}

	hostIP := mapped.HostIP
	if hostIP == "" || hostIP == "0.0.0.0" {
		hostIP = "127.0.0.1"
	}

	// Dial the mapped port no matter what host the request URL names.
	addr := fmt.Sprintf("%s:%d", hostIP, mapped.HostPort)
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", addr)
		},
	}

	return &http.Client{Transport: transport}, nil
}

// Watch returns a channel that receives container state change events. It
// first replays the current state of all managed containers, then streams
// changes as they occur by watching Docker events.
func (p *Provider) Watch(ctx context.Context) (<-chan runtime.StateEvent, error) {
	eventCh := make(chan runtime.StateEvent, 100)

	go func() {
		defer close(eventCh)

		containers, err := p.List(ctx)
		if err != nil {
			p.log.Warn("watch: list containers for replay failed", "error", err)
			// Continue anyway, new events can still be watched.
		} else {
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
		}

		filterArgs := filters.NewArgs(
			filters.Arg("type", string(events.ContainerEventType)),
			filters.Arg("label", labelManaged+"=true"),
		)

		p.watchDockerEvents(ctx, eventCh, filterArgs)
	}()

	return eventCh, nil
}

// watchDockerEvents watches Docker container events and translates them to
// state events. It automatically reconnects if the connection is lost.
func (p *Provider) watchDockerEvents(ctx context.Context, eventCh chan<- runtime.StateEvent, filterArgs filters.Args) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgCh, errCh := p.client.Events(ctx, events.ListOptions{
			Filters: filterArgs,
		})

		if !p.processDockerEvents(ctx, eventCh, msgCh, errCh) {
			return
		}

		// Recoverable error, wait before reconnecting.
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
			p.log.Info("watch: reconnecting to docker events")
		}
	}
}

// processDockerEvents processes Docker events from the channels. Returns
// false if the context was cancelled, true if reconnection should be
// attempted.
func (p *Provider) processDockerEvents(ctx context.Context, eventCh chan<- runtime.StateEvent, msgCh <-chan events.Message, errCh <-chan error) bool {
	for {
		select {
		case <-ctx.Done():
			return false

		case err := <-errCh:
			if err == nil {
				// Channel closed, reconnect.
				return true
			}
			if ctx.Err() != nil {
				return false
			}
			p.log.Warn("watch: docker events error", "error", err)
			return true

		case msg := <-msgCh:
			event := p.translateDockerEvent(msg)
			if event != nil {
				select {
				case <-ctx.Done():
					return false
				case eventCh <- *event:
				}
			}
		}
	}
}

// translateDockerEvent converts a Docker event to a StateEvent. Returns nil
// if the event should be ignored.
func (p *Provider) translateDockerEvent(msg events.Message) *runtime.StateEvent {
	sandboxID := msg.Actor.Attributes[labelSandboxID]
	if sandboxID == "" {
		return nil
	}

	var status runtime.Status
	var errMsg string

	switch msg.Action {
	case "create":
		status = runtime.StatusCreated
	case "start":
		status = runtime.StatusRunning
	case "stop", "kill":
		status = runtime.StatusStopped
	case "die":
		exitCode := msg.Actor.Attributes["exitCode"]
		if exitCode == "137" || exitCode == "143" || exitCode == "0" {
			// Normal stop (SIGKILL, SIGTERM, or clean exit).
			status = runtime.StatusStopped
		} else {
			status = runtime.StatusFailed
			errMsg = fmt.Sprintf("container died with exit code %s", exitCode)
		}
	case "destroy":
		status = runtime.StatusRemoved
		p.clearContainerID(sandboxID)
	case "oom":
		status = runtime.StatusFailed
		errMsg = "out of memory"
	default:
		// Ignore other events (pause, unpause, attach, and so on).
		return nil
	}

	return &runtime.StateEvent{
		SandboxID: sandboxID,
		Status:    status,
		Timestamp: time.Unix(msg.Time, msg.TimeNano),
		Error:     errMsg,
	}
}

// Close closes the Docker client connection.
func (p *Provider) Close() error {
	return p.client.Close()
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
