// Package runtime defines the pluggable Driver abstraction and the label
// scheme shared by its two implementations (pkg/runtime/localdriver,
// pkg/runtime/clusterdriver).
package runtime

import (
	"context"
	"time"

	"github.com/cuemby/bay/pkg/types"
)

// ContainerState is the driver-reported lifecycle state of a container or
// pod, independent of the substrate's own vocabulary.
type ContainerState string

const (
	StateCreated ContainerState = "created"
	StateRunning ContainerState = "running"
	StateExited  ContainerState = "exited"
	StateUnknown ContainerState = "unknown"
)

// Status is the result of a Driver.Status call.
type Status struct {
	State    ContainerState
	Endpoint string
	ExitCode *int
}

// CreateSpec is everything a Driver needs to provision (not start) one
// container backing a Session.
type CreateSpec struct {
	SandboxID   string
	SessionID   string
	CargoID     string
	OwnerID     string
	ProfileID   string
	InstanceID  string
	Container   types.ContainerSpec
	CargoMount  CargoMount
}

// CargoMount describes where the sandbox's persistent volume is reachable
// from the driver's substrate and where it must be mounted inside the
// container.
type CargoMount struct {
	DriverRef string
	MountPath string // fixed at /workspace
}

// Driver abstracts container and volume primitives over a single
// substrate. There are two implementations: a local container engine
// (pkg/runtime/localdriver) and a Kubernetes cluster
// (pkg/runtime/clusterdriver).
type Driver interface {
	// Create provisions a container and mounts the cargo volume at
	// /workspace but does not start it; the container must not be
	// reachable until Start is called.
	Create(ctx context.Context, spec CreateSpec) (containerID string, err error)

	// Start brings the container up and returns a reachable endpoint.
	Start(ctx context.Context, containerID string, runtimePort int, startTimeout time.Duration) (endpoint string, err error)

	// Stop gracefully stops a container. Idempotent: a missing container
	// is success.
	Stop(ctx context.Context, containerID string) error

	// Destroy force-removes a container. Idempotent.
	Destroy(ctx context.Context, containerID string) error

	// Status reports the current state of a container, used for crash
	// detection.
	Status(ctx context.Context, containerID string, runtimePort int) (Status, error)

	// Logs returns the last `tail` lines of a container's log output.
	Logs(ctx context.Context, containerID string, tail int) (string, error)

	// CreateVolume provisions a backing volume and returns an opaque
	// driver-specific reference.
	CreateVolume(ctx context.Context, name string, labels map[string]string) (driverRef string, err error)

	// DeleteVolume removes a backing volume. Must fail loudly (not
	// silently succeed) if the volume is non-empty or still referenced
	// by existing containers.
	DeleteVolume(ctx context.Context, name string) error

	// VolumeExists reports whether a backing volume is present.
	VolumeExists(ctx context.Context, name string) (bool, error)

	// ListRuntimeInstances enumerates containers/pods matching a label
	// filter. Used only by GC.
	ListRuntimeInstances(ctx context.Context, labelFilter map[string]string) ([]types.RuntimeInstance, error)

	// DestroyRuntimeInstance force-destroys an instance discovered via
	// ListRuntimeInstances. Used only by GC after orphan verification.
	DestroyRuntimeInstance(ctx context.Context, id string) error
}
