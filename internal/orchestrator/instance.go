package orchestrator

import (
	"context"
	"sync"
	"time"

	"furnace/internal/runtime"

	"go.opentelemetry.io/otel/trace"
)

// InstanceState tracks where an eval instance is in its lifecycle. There is
// no path back to pending: failed or cancelled instances are never retried.
type InstanceState string

const (
	StatePending   InstanceState = "pending"
	StateStarting  InstanceState = "starting"
	StateRunning   InstanceState = "running"
	StateFinished  InstanceState = "finished"
	StateCancelled InstanceState = "cancelled"
)

// Instance is one isolated eval execution unit: a driver container, its
// service containers, and a private network, identified by an integer index.
type Instance struct {
	Index     int
	State     InstanceState
	Network   runtime.Network
	Driver    runtime.Container
	Services  []runtime.Container
	LogPath   string
	StartedAt time.Time

	// Log followers are tracked so finalization can wait for them instead
	// of leaving them to fail against removed containers.
	followers     sync.WaitGroup
	stopFollowers context.CancelFunc

	span trace.Span
}

// drainFollowers cancels the instance's log followers and waits up to
// timeout for them to stop. Returns false if they were still running when
// the timeout expired.
func (in *Instance) drainFollowers(timeout time.Duration) bool {
	if in.stopFollowers != nil {
		in.stopFollowers()
	}
	done := make(chan struct{})
	go func() {
		in.followers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (in *Instance) endSpan() {
	if in.span != nil {
		in.span.End()
		in.span = nil
	}
}
