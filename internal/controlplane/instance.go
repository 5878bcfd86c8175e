// Package controlplane drives sandbox containers on behalf of callers: it
// starts them on demand, forwards API requests into the in-container agent,
// supervises outbound streams, mirrors preview-port tokens, and puts idle
// containers to sleep.
package controlplane

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gantrylabs/gantry/internal/config"
	"github.com/gantrylabs/gantry/internal/logger"
	"github.com/gantrylabs/gantry/internal/model"
	"github.com/gantrylabs/gantry/internal/runtime"
	"github.com/gantrylabs/gantry/internal/security"
	"github.com/gantrylabs/gantry/internal/store"
	"github.com/gantrylabs/gantry/pkg/api"
)

const (
	// startPollInterval paces the running-and-pingable wait during startup.
	startPollInterval = 250 * time.Millisecond

	// healthCacheTTL bounds how long a positive health verdict is trusted
	// without re-probing the container.
	healthCacheTTL = 2 * time.Second

	// stopGrace is how long a container gets to exit cleanly before the
	// runtime kills it.
	stopGrace = 10 * time.Second
)

// Instance is the control plane's handle on one sandbox: it owns container
// startup, request forwarding, the default execution session, the
// port-token mirror, and the per-sandbox settings.
//
// One mutex covers all mutable state. It is held only between suspension
// points, never across container I/O. Startup is serialized separately by
// startMu so concurrent callers trigger exactly one start.
type Instance struct {
	id  string
	cfg *config.Config
	rt  runtime.Runtime
	st  *store.Store
	log *logger.Logger

	startMu sync.Mutex

	mu             sync.Mutex
	name           string
	baseURL        string
	capturedHost   string
	sleepAfter     time.Duration
	keepAlive      bool
	envVars        map[string]string
	sessionID      string // default session id, minted on first use
	sessionEnsured bool   // false forces an idempotent re-create
	portTokens     map[int]string
	lastActive     time.Time
	lastPersisted  time.Time // last activity write that reached the store
	healthy        bool
	healthyAt      time.Time
}

// newInstance loads the sandbox's stored settings. The manager publishes
// the instance only after this returns, so callers never observe defaults
// that a prior run already overrode.
func newInstance(ctx context.Context, id string, cfg *config.Config, rt runtime.Runtime, st *store.Store, log *logger.Logger) (*Instance, error) {
	rec, err := st.EnsureSandbox(ctx, id, cfg.SandboxImage)
	if err != nil {
		return nil, fmt.Errorf("load sandbox %s: %w", id, err)
	}

	inst := &Instance{
		id:         id,
		cfg:        cfg,
		rt:         rt,
		st:         st,
		log:        log.With("sandbox", id),
		sleepAfter: rec.SleepAfter(cfg.SleepAfter),
		keepAlive:  rec.KeepAlive,
		envVars:    rec.EnvMap(),
		portTokens: make(map[int]string),
		lastActive: time.Now(),
	}
	if rec.Name != nil {
		inst.name = *rec.Name
	}
	if rec.BaseURL != nil {
		inst.baseURL = *rec.BaseURL
	}
	if rec.LastActiveAt != nil {
		inst.lastActive = *rec.LastActiveAt
	}
	return inst, nil
}

// ID returns the sandbox id.
func (i *Instance) ID() string { return i.id }

// EnsureStarted brings the container to a healthy state: present, running,
// and answering pings. Concurrent callers serialize on the start gate and
// only the winner does the work. The whole sequence is bounded by the
// configured start timeout.
func (i *Instance) EnsureStarted(ctx context.Context) error {
	if i.cachedHealthy() {
		return nil
	}

	i.startMu.Lock()
	defer i.startMu.Unlock()

	// A caller that queued behind the winner finds the container up.
	if i.probeHealthy(ctx) {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, i.cfg.StartTimeout)
	defer cancel()

	i.setStatus(ctx, model.SandboxStatusStarting, nil)

	c, err := i.rt.Get(ctx, i.id)
	if err != nil && !errors.Is(err, runtime.ErrNotFound) {
		return i.startupFailed(err)
	}

	if c != nil && c.Status == runtime.StatusFailed {
		i.log.Info("removing failed container before recreate", "error", c.Error)
		if err := i.rt.Remove(ctx, i.id); err != nil && !errors.Is(err, runtime.ErrNotFound) {
			return i.startupFailed(err)
		}
		c = nil
	}

	if c == nil {
		if _, err := i.rt.Create(ctx, i.id, i.createOptions()); err != nil && !errors.Is(err, runtime.ErrAlreadyExists) {
			return i.startupFailed(err)
		}
	}

	if err := i.rt.Start(ctx, i.id); err != nil && !errors.Is(err, runtime.ErrAlreadyRunning) {
		return i.startupFailed(err)
	}

	if err := i.waitReady(ctx); err != nil {
		return i.startupFailed(err)
	}

	i.mu.Lock()
	i.healthy = true
	i.healthyAt = time.Now()
	// A start means a fresh agent; the default session must be re-ensured.
	i.sessionEnsured = false
	i.mu.Unlock()

	i.setStatus(ctx, model.SandboxStatusHealthy, nil)
	i.log.Info("container ready")
	return nil
}

// waitReady polls until the runtime reports the container running and the
// agent answers pings. The caller bounds ctx with the start timeout.
func (i *Instance) waitReady(ctx context.Context) error {
	ticker := time.NewTicker(startPollInterval)
	defer ticker.Stop()

	for {
		c, err := i.rt.Get(ctx, i.id)
		if err == nil && c.Status == runtime.StatusFailed {
			return fmt.Errorf("container did not start: %s", c.Error)
		}
		if err == nil && c.Status == runtime.StatusRunning && i.ping(ctx) == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("container did not start within %s", i.cfg.StartTimeout)
		case <-ticker.C:
		}
	}
}

// startupFailed records the failure and returns it. The store write runs on
// a fresh context because the startup context is usually expired by now.
func (i *Instance) startupFailed(err error) error {
	i.mu.Lock()
	i.healthy = false
	i.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg := err.Error()
	if uerr := i.st.UpdateSandboxStatus(ctx, i.id, model.SandboxStatusFailed, &msg); uerr != nil {
		i.log.Warn("record startup failure", "error", uerr)
	}
	i.log.Error("container startup failed", "error", err)
	return err
}

// cachedHealthy reports the last positive health verdict while it is fresh.
func (i *Instance) cachedHealthy() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.healthy && time.Since(i.healthyAt) < healthCacheTTL
}

// probeHealthy checks container state and agent liveness, refreshing the
// cached verdict.
func (i *Instance) probeHealthy(ctx context.Context) bool {
	c, err := i.rt.Get(ctx, i.id)
	ok := err == nil && c.Status == runtime.StatusRunning && i.ping(ctx) == nil

	i.mu.Lock()
	i.healthy = ok
	i.healthyAt = time.Now()
	i.mu.Unlock()
	return ok
}

// Healthy reports whether the container is running and answering pings,
// using the cached verdict when fresh.
func (i *Instance) Healthy(ctx context.Context) bool {
	if i.cachedHealthy() {
		return true
	}
	return i.probeHealthy(ctx)
}

// MarkUnhealthy drops the health verdict so the next operation goes through
// a full startup check. The lifecycle watcher calls it when the container
// dies or disappears out from under us.
func (i *Instance) MarkUnhealthy() {
	i.mu.Lock()
	i.healthy = false
	i.sessionEnsured = false
	i.mu.Unlock()
}

// setStatus writes the stored lifecycle status, logging rather than failing
// on database trouble.
func (i *Instance) setStatus(ctx context.Context, status string, lastError *string) {
	if err := i.st.UpdateSandboxStatus(ctx, i.id, status, lastError); err != nil {
		i.log.Warn("update sandbox status", "status", status, "error", err)
	}
}

// createOptions builds the container creation request from the instance's
// settings.
func (i *Instance) createOptions() runtime.CreateOptions {
	i.mu.Lock()
	defer i.mu.Unlock()
	return runtime.CreateOptions{Env: cloneEnv(i.envVars)}
}

// RenewActivity stamps the sandbox as active. In-memory state moves on
// every call; the store write is throttled so busy streams do not hammer
// the database.
func (i *Instance) RenewActivity(ctx context.Context) {
	now := time.Now()

	i.mu.Lock()
	i.lastActive = now
	persist := now.Sub(i.lastPersisted) >= i.cfg.ActivityThrottle
	if persist {
		i.lastPersisted = now
	}
	i.mu.Unlock()

	if !persist {
		return
	}
	if err := i.st.UpdateSandboxActivity(ctx, i.id, now); err != nil {
		i.log.Warn("record activity", "error", err)
	}
}

// idleState reports how long the instance has been idle and its sleep
// window. ok is false when the sandbox must not be reaped: keep-alive set
// or container not believed running.
func (i *Instance) idleState() (idleFor, limit time.Duration, ok bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.keepAlive || !i.healthy {
		return 0, 0, false
	}
	return time.Since(i.lastActive), i.sleepAfter, true
}

// Sleep stops the container and marks the record sleeping. The next
// operation restarts it on demand.
func (i *Instance) Sleep(ctx context.Context) error {
	i.mu.Lock()
	i.healthy = false
	i.sessionEnsured = false
	i.mu.Unlock()

	err := i.rt.Stop(ctx, i.id, stopGrace)
	if err != nil && !errors.Is(err, runtime.ErrNotFound) && !errors.Is(err, runtime.ErrNotRunning) {
		return fmt.Errorf("stop container: %w", err)
	}
	return i.st.UpdateSandboxStatus(ctx, i.id, model.SandboxStatusSleeping, nil)
}

// Destroy stops and removes the container. Deleting the database record is
// the manager's job.
func (i *Instance) Destroy(ctx context.Context) error {
	i.mu.Lock()
	i.healthy = false
	i.sessionID = ""
	i.sessionEnsured = false
	i.portTokens = make(map[int]string)
	i.mu.Unlock()

	err := i.rt.Stop(ctx, i.id, stopGrace)
	if err != nil && !errors.Is(err, runtime.ErrNotFound) && !errors.Is(err, runtime.ErrNotRunning) {
		i.log.Warn("stop before remove", "error", err)
	}
	if err := i.rt.Remove(ctx, i.id); err != nil && !errors.Is(err, runtime.ErrNotFound) {
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

// DefaultSessionID returns the sandbox's default execution session id,
// creating the session in the container on first use. The id is minted once
// and stays stable; after a container restart the (idempotent) create runs
// again so a session lost with the old agent comes back transparently.
func (i *Instance) DefaultSessionID(ctx context.Context) (string, error) {
	i.mu.Lock()
	id, ensured := i.sessionID, i.sessionEnsured
	name := i.name
	env := cloneEnv(i.envVars)
	i.mu.Unlock()

	if id != "" && ensured {
		return id, nil
	}
	if id == "" {
		if name == "" {
			name = i.id
		}
		id = "sandbox-" + sessionSuffix(name)
	}

	var out api.CreateSessionResponse
	status, err := i.doJSON(ctx, "POST", "/api/sessions", api.CreateSessionRequest{ID: id, Env: env}, &out)
	if err != nil {
		return "", err
	}
	if status != 200 || out.SessionID == "" {
		return "", fmt.Errorf("create default session: %s", out.Error)
	}

	i.mu.Lock()
	i.sessionID = out.SessionID
	i.sessionEnsured = true
	i.mu.Unlock()
	return out.SessionID, nil
}

// sessionSuffix derives the default session suffix from the sandbox name
// when the name is id-shaped, falling back to a random value.
func sessionSuffix(name string) string {
	if s, err := security.SanitizeSandboxID(name); err == nil {
		return s
	}
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}

// ApplySettings persists the non-nil fields of req and applies them to the
// live instance immediately. The response echoes the effective settings.
func (i *Instance) ApplySettings(ctx context.Context, req api.SettingsRequest) (api.SettingsResponse, error) {
	if req.Name != nil {
		if err := i.st.UpdateSandboxName(ctx, i.id, nilIfEmpty(req.Name)); err != nil {
			return api.SettingsResponse{}, fmt.Errorf("persist name: %w", err)
		}
	}
	if req.BaseURL != nil {
		if err := i.st.UpdateSandboxBaseURL(ctx, i.id, nilIfEmpty(req.BaseURL)); err != nil {
			return api.SettingsResponse{}, fmt.Errorf("persist base url: %w", err)
		}
	}
	if req.SleepAfterSeconds != nil {
		if err := i.st.UpdateSandboxSleepAfter(ctx, i.id, *req.SleepAfterSeconds); err != nil {
			return api.SettingsResponse{}, fmt.Errorf("persist sleep-after: %w", err)
		}
	}
	if req.KeepAlive != nil {
		if err := i.st.UpdateSandboxKeepAlive(ctx, i.id, *req.KeepAlive); err != nil {
			return api.SettingsResponse{}, fmt.Errorf("persist keep-alive: %w", err)
		}
	}
	if req.EnvVars != nil {
		if err := i.st.UpdateSandboxEnvVars(ctx, i.id, req.EnvVars); err != nil {
			return api.SettingsResponse{}, fmt.Errorf("persist env vars: %w", err)
		}
	}

	i.mu.Lock()
	if req.Name != nil {
		i.name = *req.Name
	}
	if req.BaseURL != nil {
		i.baseURL = *req.BaseURL
	}
	if req.SleepAfterSeconds != nil {
		i.sleepAfter = time.Duration(*req.SleepAfterSeconds) * time.Second
		if i.sleepAfter <= 0 {
			i.sleepAfter = i.cfg.SleepAfter
		}
	}
	if req.KeepAlive != nil {
		i.keepAlive = *req.KeepAlive
	}
	if req.EnvVars != nil {
		i.envVars = cloneEnv(req.EnvVars)
	}
	resp := api.SettingsResponse{
		Response:          api.OK(),
		Name:              i.name,
		BaseURL:           i.baseURL,
		SleepAfterSeconds: int(i.sleepAfter / time.Second),
		KeepAlive:         i.keepAlive,
		EnvVars:           cloneEnv(i.envVars),
	}
	i.mu.Unlock()
	return resp, nil
}

// CaptureHost records the hostname of the first inbound request so preview
// URLs point back at the address callers actually use. Later requests do
// not move it; an explicit base URL overrides it.
func (i *Instance) CaptureHost(host string) {
	if host == "" {
		return
	}
	i.mu.Lock()
	if i.capturedHost == "" {
		i.capturedHost = host
	}
	i.mu.Unlock()
}

/// previewHost picks the hostname preview URLs are built from: explicit per
// call, then the stored base URL, then the captured hostname, then the
// daemon's configured base host.
func (i *Instance) previewHost(explicit string) string {
	if explicit != "" {
		return explicit
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.baseURL != "" {
		return i.baseURL
	}
	if i.capturedHost != "" {
		return i.capturedHost
	}
	return i.cfg.BaseHost
}

func nilIfEmpty(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	return s
}

func cloneEnv(env map[string]string) map[string]string {
	if len(env) == 0 {
		return nil
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[k] = v
	}
	return out
}
