// Package runtime provides the container engine capability surface used by
// the orchestrator. The Client interface is deliberately narrow so the
// scheduler can be exercised against a fake engine in tests.
package runtime

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is the distinguished, recoverable "resource does not exist"
// error. Removal and lookup paths treat it as the expected steady state.
var ErrNotFound = errors.New("not found")

// IsNotFound reports whether err represents a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Network is a handle to an engine network.
type Network struct {
	ID   string
	Name string
}

// Container is a handle to an engine container.
type Container struct {
	ID   string
	Name string
}

// PortBinding maps a container port to a host port.
type PortBinding struct {
	HostPort      int
	ContainerPort int
}

// RunOptions are the launch parameters for a detached container.
type RunOptions struct {
	Name     string
	Image    string
	Hostname string
	Env      []string // KEY=VALUE pairs
	Binds    []string // host:container:mode, host paths absolute
	Ports    []PortBinding
	Command  []string
	Network  string // name of the network to join at creation
	Labels   map[string]string
}

// Client is the capability set the orchestrator needs from a container
// engine. All calls may fail with an engine error; a missing resource is
// reported via ErrNotFound.
type Client interface {
	GetNetwork(ctx context.Context, name string) (Network, error)
	CreateNetwork(ctx context.Context, name string, labels map[string]string) (Network, error)
	RemoveNetwork(ctx context.Context, net Network) error

	// Connect attaches a running container to an additional network.
	Connect(ctx context.Context, net Network, ctr Container) error

	GetContainer(ctx context.Context, name string) (Container, error)
	RunContainer(ctx context.Context, opts RunOptions) (Container, error)
	RemoveContainer(ctx context.Context, ctr Container, force bool) error
	StopContainer(ctx context.Context, ctr Container) error

	// ContainerStatus reloads and returns the container's current status
	// string (e.g. "running", "exited").
	ContainerStatus(ctx context.Context, ctr Container) (string, error)

	// StreamLogs follows the container's combined stdout/stderr as a plain
	// byte stream. The reader ends when the container stops or the context
	// is cancelled.
	StreamLogs(ctx context.Context, ctr Container) (io.ReadCloser, error)

	Close() error
}

// StatusRunning is the engine status of a live container.
const StatusRunning = "running"
