// Package runtime abstracts the container engine behind a small interface so
// the control plane can run against Docker in production and an in-memory
// fake in tests.
package runtime

import (
	"context"
	"net/http"
	"time"
)

// Status describes the lifecycle state of a sandbox container.
type Status string

const (
	StatusCreated Status = "created"
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusFailed  Status = "failed"
	StatusRemoved Status = "removed"
)

// Container is a point-in-time view of a sandbox container.
type Container struct {
	// ID is the engine-assigned container identifier.
	ID string

	// SandboxID is the sandbox the container belongs to.
	SandboxID string

	Status Status
	Image  string

	CreatedAt time.Time
	StartedAt *time.Time
	StoppedAt *time.Time

	// Error holds failure detail when Status is StatusFailed.
	Error string

	// Ports are the host port mappings published for the container.
	Ports []AssignedPort

	// Env is the container environment as KEY -> VALUE.
	Env map[string]string
}

// AssignedPort describes a container port published to the host.
type AssignedPort struct {
	ContainerPort int
	HostPort      int
	HostIP        string
	Protocol      string
}

// CreateOptions carries per-sandbox settings applied at container creation.
type CreateOptions struct {
	// Env is extra environment injected into the container.
	Env map[string]string

	// Labels are extra container labels merged with the managed labels.
	Labels map[string]string

	// Resources are optional limits. Zero values mean unlimited.
	Resources Resources
}

// Resources are optional container resource limits.
type Resources struct {
	MemoryMB int
	CPUCores float64
}

// StateEvent reports a container lifecycle transition observed by Watch.
type StateEvent struct {
	SandboxID string
	Status    Status
	Timestamp time.Time
	Error     string
}

// Runtime creates and manages sandbox containers. Implementations must be
// safe for concurrent use.
type Runtime interface {
	// ImageExists reports whether the configured sandbox image is
	// available locally.
	ImageExists(ctx context.Context) bool

	// Image returns the configured sandbox image name.
	Image() string

	// Create creates a container for the sandbox. It returns
	// ErrAlreadyExists when a container for the sandbox already exists.
	Create(ctx context.Context, sandboxID string, opts CreateOptions) (*Container, error)

	// Start starts a previously created container.
	Start(ctx context.Context, sandboxID string) error

	// Stop stops the container, giving it timeout to exit gracefully.
	Stop(ctx context.Context, sandboxID string, timeout time.Duration) error

	// Remove force-removes the container and its data.
	Remove(ctx context.Context, sandboxID string) error

	// Get returns the current state of the sandbox's container.
	Get(ctx context.Context, sandboxID string) (*Container, error)

	// List returns all containers managed by this runtime.
	List(ctx context.Context) ([]*Container, error)

	// HTTPClient returns a client whose requests reach the control
	// service inside the container regardless of the URL host.
	HTTPClient(ctx context.Context, sandboxID string) (*http.Client, error)

	// Watch streams lifecycle events, replaying the current state of all
	// managed containers first. The channel closes when ctx is done.
	Watch(ctx context.Context) (<-chan StateEvent, error)
}
