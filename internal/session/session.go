// Package session implements the in-container execution session registry.
// A session scopes a working directory and environment overlay for command
// execution; sessions are in-memory only and vanish with the container.
package session

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("session not found")
	ErrExists   = errors.New("session already exists")
)

// DefaultID is the implicit session used by requests that carry no session
// id, created lazily on first use.
const DefaultID = "default"

// Session is one execution session. Values returned by the registry are
// snapshots; mutating them does not affect the stored session.
type Session struct {
	ID        string
	Cwd       string
	Env       map[string]string
	CreatedAt time.Time
}

// Spec describes a session to create. Zero-value fields get defaults: a
// random id and the registry's base working directory.
type Spec struct {
	ID  string
	Cwd string
	Env map[string]string
}

// Registry tracks the sessions of one container.
type Registry struct {
	mu         sync.RWMutex
	sessions   map[string]*Session
	defaultCwd string
}

// NewRegistry returns a Registry whose sessions default to cwd.
func NewRegistry(cwd string) *Registry {
	return &Registry{
		sessions:   make(map[string]*Session),
		defaultCwd: cwd,
	}
}

// Create registers a new session. An explicit id that already exists fails
// with ErrExists; generated ids cannot collide.
func (r *Registry) Create(spec Spec) (*Session, error) {
	id := spec.ID
	if id == "" {
		id = uuid.NewString()
	}
	cwd := spec.Cwd
	if cwd == "" {
		cwd = r.defaultCwd
	}

	s := &Session{
		ID:        id,
		Cwd:       cwd,
		Env:       copyEnv(spec.Env),
		CreatedAt: time.Now().UTC(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; ok {
		return nil, ErrExists
	}
	r.sessions[id] = s
	return snapshot(s), nil
}

// Get returns a snapshot of the session with the given id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return snapshot(s), nil
}

// Resolve returns the session for id, treating an empty id as the implicit
// default session, which is created on first use.
func (r *Registry) Resolve(id string) (*Session, error) {
	if id == "" {
		id = DefaultID
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return snapshot(s), nil
	}
	if id != DefaultID {
		return nil, ErrNotFound
	}
	s := &Session{
		ID:        DefaultID,
		Cwd:       r.defaultCwd,
		CreatedAt: time.Now().UTC(),
	}
	r.sessions[DefaultID] = s
	return snapshot(s), nil
}

// Delete removes a session. Processes started under it are unaffected.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(r.sessions, id)
	return nil
}

// List returns snapshots of all sessions, ordered by creation time.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, snapshot(s))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func snapshot(s *Session) *Session {
	return &Session{
		ID:        s.ID,
		Cwd:       s.Cwd,
		Env:       copyEnv(s.Env),
		CreatedAt: s.CreatedAt,
	}
}

func copyEnv(env map[string]string) map[string]string {
	if len(env) == 0 {
		return nil
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[k] = v
	}
	return out
}
