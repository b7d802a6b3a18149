// Package containerruntime abstracts the container runtime the Sandbox
// Supervisor launches slots into: create/run, a streaming stats sequence,
// list, and idempotent remove.
package containerruntime

import "context"

// RunSpec describes a container to launch.
type RunSpec struct {
	Image   string
	Name    string
	CPUSet  string // e.g. "3" to pin to CPU 3
	Command []string
	Volumes map[string]string // host path -> container path
	Network string
}

// Handle identifies a running container.
type Handle struct {
	ID   string
	Name string
}

// Sample is one decoded point from a container's stats stream, matching the
// four fields the CPU-percent formula needs from the Docker Engine API's
// stats JSON shape.
type Sample struct {
	CPUTotalUsage    uint64
	PreCPUTotalUsage uint64
	SystemCPUUsage   uint64
	PreSystemUsage   uint64
}

// Runtime is the container-runtime surface the supervisor depends on.
type Runtime interface {
	// Run creates and starts the container spec describes, returning its handle.
	Run(ctx context.Context, spec RunSpec) (Handle, error)
	// Stats streams decoded samples for name until ctx is cancelled or the
	// container is removed, in which case it returns ErrNotFound.
	Stats(ctx context.Context, name string) (<-chan Sample, <-chan error)
	// List returns handles for every container, running or not.
	List(ctx context.Context) ([]Handle, error)
	// Remove force-removes the container; it is a no-op if already gone.
	Remove(ctx context.Context, name string) error
}

// ErrNotFound is returned (via the Stats error channel) when the named
// container no longer exists.
type ErrNotFound struct{ Name string }

func (e *ErrNotFound) Error() string { return "container not found: " + e.Name }
