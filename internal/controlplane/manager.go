package controlplane

import (
	"context"
	"sync"
	"time"

	"github.com/gantrylabs/gantry/internal/config"
	"github.com/gantrylabs/gantry/internal/logger"
	"github.com/gantrylabs/gantry/internal/model"
	"github.com/gantrylabs/gantry/internal/runtime"
	"github.com/gantrylabs/gantry/internal/security"
	"github.com/gantrylabs/gantry/internal/store"
)

// watchRetryDelay paces reconnection attempts when the runtime event
// stream fails or closes.
const watchRetryDelay = 5 * time.Second

// Manager hands out sandbox instances and runs the background loops that
// track container lifecycle events and put idle sandboxes to sleep.
type Manager struct {
	cfg *config.Config
	rt  runtime.Runtime
	st  *store.Store
	log *logger.Logger

	mu        sync.RWMutex
	instances map[string]*Instance

	policyMu sync.RWMutex
	policy   *config.Policy

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a manager over the given runtime and store.
func NewManager(cfg *config.Config, rt runtime.Runtime, st *store.Store, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Nop()
	}
	return &Manager{
		cfg:       cfg,
		rt:        rt,
		st:        st,
		log:       log.With("component", "controlplane"),
		instances: make(map[string]*Instance),
		policy:    config.DefaultPolicy(),
	}
}

// SetPolicy swaps the active security policy. The policy watcher calls it
// on every successful reload; request handling reads it concurrently.
func (m *Manager) SetPolicy(p *config.Policy) {
	m.policyMu.Lock()
	m.policy = p
	m.policyMu.Unlock()
}

// Policy returns the active security policy.
func (m *Manager) Policy() *config.Policy {
	m.policyMu.RLock()
	defer m.policyMu.RUnlock()
	return m.policy
}

// Instance returns the control-plane instance for id, creating it on first
// use. Stored settings are loaded before the instance becomes visible to
// other callers.
func (m *Manager) Instance(ctx context.Context, id string) (*Instance, error) {
	id, err := security.SanitizeSandboxIDReserved(id, m.Policy().ReservedSandboxIDs)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	inst := m.instances[id]
	m.mu.RUnlock()
	if inst != nil {
		return inst, nil
	}

	// Load outside the write lock; EnsureSandbox is idempotent, so a racing
	// creator just loses the map race below.
	inst, err = newInstance(ctx, id, m.cfg, m.rt, m.st, m.log)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing := m.instances[id]; existing != nil {
		return existing, nil
	}
	m.instances[id] = inst
	return inst, nil
}

// ListSandboxes returns every sandbox known to the store.
func (m *Manager) ListSandboxes(ctx context.Context) ([]*model.Sandbox, error) {
	return m.st.ListSandboxes(ctx)
}

// GetSandbox returns one stored sandbox record.
func (m *Manager) GetSandbox(ctx context.Context, id string) (*model.Sandbox, error) {
	return m.st.GetSandbox(ctx, id)
}

// DeleteSandbox tears a sandbox down completely: container stopped and
// removed, record deleted, instance dropped.
func (m *Manager) DeleteSandbox(ctx context.Context, id string) error {
	inst, err := m.Instance(ctx, id)
	if err != nil {
		return err
	}
	if err := inst.Destroy(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.instances, id)
	m.mu.Unlock()

	return m.st.DeleteSandbox(ctx, id)
}

// Start launches the lifecycle watcher and the idle monitor.
func (m *Manager) Start(parent context.Context) {
	m.ctx, m.cancel = context.WithCancel(parent)

	m.wg.Add(1)
	go m.watchLifecycle()

	m.wg.Add(1)
	go m.idleLoop()
}

// Stop halts the background loops and waits for them to drain.
func (m *Manager) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		m.log.Warn("timeout waiting for control-plane loops")
	}
}

// watchLifecycle consumes runtime state events. A container that dies or
// disappears drops its instance's health so the next operation restarts
// it, and the stored status follows the event.
func (m *Manager) watchLifecycle() {
	defer m.wg.Done()

	for {
		events, err := m.rt.Watch(m.ctx)
		if err != nil {
			m.log.Error("watch containers", "error", err)
			select {
			case <-m.ctx.Done():
				return
			case <-time.After(watchRetryDelay):
			}
			continue
		}

		for ev := range events {
			m.handleEvent(ev)
		}

		// Event channel closed under us; resubscribe unless shutting down.
		select {
		case <-m.ctx.Done():
			return
		case <-time.After(watchRetryDelay):
		}
	}
}

// handleEvent applies one container state event to the instance map and
// the store.
func (m *Manager) handleEvent(ev runtime.StateEvent) {
	m.mu.RLock()
	inst := m.instances[ev.SandboxID]
	m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch ev.Status {
	case runtime.StatusFailed:
		if inst != nil {
			inst.MarkUnhealthy()
		}
		msg := ev.Error
		if msg == "" {
			msg = "container failed"
		}
		m.log.Warn("container failed", "sandbox", ev.SandboxID, "error", msg)
		m.setStoredStatus(ctx, ev.SandboxID, model.SandboxStatusFailed, &msg)

	case runtime.StatusStopped:
		if inst != nil {
			inst.MarkUnhealthy()
		}
		m.setStoredStatus(ctx, ev.SandboxID, model.SandboxStatusSleeping, nil)

	case runtime.StatusRemoved:
		if inst != nil {
			inst.MarkUnhealthy()
		}
		m.setStoredStatus(ctx, ev.SandboxID, model.SandboxStatusCold, nil)

	case runtime.StatusRunning:
		// Startup owns the healthy transition; nothing to record here.
	}
}

// setStoredStatus writes a status transition observed by the watcher. A
// record deleted in the meantime makes this a no-op.
func (m *Manager) setStoredStatus(ctx context.Context, id, status string, lastError *string) {
	if err := m.st.UpdateSandboxStatus(ctx, id, status, lastError); err != nil {
		m.log.Warn("update stored status", "sandbox", id, "status", status, "error", err)
	}
}

// idleLoop periodically sweeps for containers idle past their sleep-after
// window.
func (m *Manager) idleLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.IdleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.reapIdle()
		}
	}
}

// reapIdle sweeps the live instances once, stopping any that have sat idle
// past their window. Keep-alive instances are skipped.
func (m *Manager) reapIdle() {
	m.mu.RLock()
	instances := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		instances = append(instances, inst)
	}
	m.mu.RUnlock()

	for _, inst := range instances {
		idleFor, limit, ok := inst.idleState()
		if !ok || idleFor < limit {
			continue
		}

		ctx, cancel := context.WithTimeout(m.ctx, 30*time.Second)
		m.log.Info("stopping idle container", "sandbox", inst.ID(), "idle", idleFor.Round(time.Second))
		if err := inst.Sleep(ctx); err != nil {
			m.log.Warn("stop idle container", "sandbox", inst.ID(), "error", err)
		}
		cancel()
	}
}
