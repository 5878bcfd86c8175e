// Package ports tracks exposed container ports and their preview tokens,
// and probes local services for readiness.
package ports

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/gantrylabs/gantry/internal/security"
)

var (
	ErrInvalidPort    = errors.New("invalid port")
	ErrAlreadyExposed = errors.New("port already exposed")
	ErrNotExposed     = errors.New("port not exposed")
)

// Exposure is an exposed-port record. Token is present only on the value
// returned from Expose; listings carry an empty Token.
type Exposure struct {
	Port      int
	Name      string
	Token     string
	ExposedAt time.Time
}

// Registry is the authoritative in-container registry of exposed ports.
// Tokens live only here and in the control plane's in-memory mirror; they
// are never persisted.
type Registry struct {
	mu               sync.RWMutex
	entries          map[int]*entry
	controlPlanePort int
}

type entry struct {
	name      string
	token     string
	exposedAt time.Time
}

// NewRegistry returns a Registry that refuses to expose controlPlanePort.
func NewRegistry(controlPlanePort int) *Registry {
	return &Registry{
		entries:          make(map[int]*entry),
		controlPlanePort: controlPlanePort,
	}
}

// Expose registers a port and mints its token.
func (r *Registry) Expose(port int, name string) (Exposure, error) {
	if !security.ValidatePort(port, r.controlPlanePort) {
		return Exposure{}, fmt.Errorf("%w: %d", ErrInvalidPort, port)
	}

	token, err := newToken()
	if err != nil {
		return Exposure{}, fmt.Errorf("generate port token: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[port]; ok {
		return Exposure{}, fmt.Errorf("%w: %d", ErrAlreadyExposed, port)
	}
	e := &entry{name: name, token: token, exposedAt: time.Now().UTC()}
	r.entries[port] = e
	return Exposure{Port: port, Name: e.name, Token: e.token, ExposedAt: e.exposedAt}, nil
}

// Unexpose removes a port, invalidating its token.
func (r *Registry) Unexpose(port int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[port]; !ok {
		return fmt.Errorf("%w: %d", ErrNotExposed, port)
	}
	delete(r.entries, port)
	return nil
}

// List returns all exposures ordered by port, without tokens.
func (r *Registry) List() []Exposure {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Exposure, 0, len(r.entries))
	for port, e := range r.entries {
		out = append(out, Exposure{Port: port, Name: e.name, ExposedAt: e.exposedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

// CheckToken reports whether token matches the port's current token. An
// unexposed port never matches.
func (r *Registry) CheckToken(port int, token string) bool {
	r.mu.RLock()
	e, ok := r.entries[port]
	r.mu.RUnlock()
	if !ok || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(e.token), []byte(token)) == 1
}

// newToken returns a 128-bit random token in hex.
func newToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
