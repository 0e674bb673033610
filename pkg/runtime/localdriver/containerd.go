// Package localdriver implements runtime.Driver against a local containerd
// socket, grounded on the teacher's own containerd wrapper.
package localdriver

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/cuemby/bay/pkg/runtime"
	"github.com/cuemby/bay/pkg/types"
)

const (
	// DefaultNamespace is the containerd namespace Bay's containers live in.
	DefaultNamespace = "bay"

	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"
)

// Driver implements runtime.Driver against a local containerd daemon.
type Driver struct {
	client     *containerd.Client
	namespace  string
	volumeRoot string
}

// Config configures a local containerd-backed Driver.
type Config struct {
	SocketPath string
	Namespace  string
	VolumeRoot string
}

// New connects to containerd and returns a Driver.
func New(cfg Config) (*Driver, error) {
	socketPath := cfg.SocketPath
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	ns := cfg.Namespace
	if ns == "" {
		ns = DefaultNamespace
	}
	volumeRoot := cfg.VolumeRoot
	if volumeRoot == "" {
		volumeRoot = "/var/lib/bay/volumes"
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	if err := os.MkdirAll(volumeRoot, 0755); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create volume root: %w", err)
	}

	return &Driver{client: client, namespace: ns, volumeRoot: volumeRoot}, nil
}

func (d *Driver) Close() error {
	if d.client != nil {
		return d.client.Close()
	}
	return nil
}

func (d *Driver) ctx(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, d.namespace)
}

// Create pulls the image, builds the OCI spec (env, resources, cargo bind
// mount) and creates the container, but does not start a task — the
// container is unreachable until Start.
func (d *Driver) Create(ctx context.Context, spec runtime.CreateSpec) (string, error) {
	ctx = d.ctx(ctx)

	image, err := d.client.GetImage(ctx, spec.Container.Image)
	if err != nil {
		image, err = d.client.Pull(ctx, spec.Container.Image, containerd.WithPullUnpack)
		if err != nil {
			return "", fmt.Errorf("failed to pull image %s: %w", spec.Container.Image, err)
		}
	}

	env := make([]string, 0, len(spec.Container.Env))
	for k, v := range spec.Container.Env {
		env = append(env, k+"="+v)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(env),
	}

	if spec.Container.Resources.CPUShares > 0 {
		opts = append(opts, oci.WithCPUShares(uint64(spec.Container.Resources.CPUShares)))
	}
	if spec.Container.Resources.MemoryMB > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(spec.Container.Resources.MemoryMB)*1024*1024))
	}

	mountPath := spec.CargoMount.MountPath
	if mountPath == "" {
		mountPath = "/workspace"
	}
	opts = append(opts, oci.WithMounts([]specs.Mount{{
		Source:      spec.CargoMount.DriverRef,
		Destination: mountPath,
		Type:        "bind",
		Options:     []string{"rbind", "rw"},
	}}))

	containerID := spec.SessionID + "-" + spec.Container.Name
	labels := runtime.ContainerLabels(spec)

	ctrdContainer, err := d.client.NewContainer(
		ctx,
		containerID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(containerID+"-snapshot", image),
		containerd.WithNewSpec(opts...),
		containerd.WithContainerLabels(labels),
		containerd.WithAdditionalContainerLabels(map[string]string{
			runtime.LabelRuntimePort: strconv.Itoa(spec.Container.RuntimePort),
		}),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	return ctrdContainer.ID(), nil
}

// Start creates and starts the container's task, then resolves a reachable
// endpoint from its network namespace.
func (d *Driver) Start(ctx context.Context, containerID string, runtimePort int, startTimeout time.Duration) (string, error) {
	ctx = d.ctx(ctx)

	container, err := d.client.LoadContainer(ctx, containerID)
	if err != nil {
		return "", fmt.Errorf("failed to load container %s: %w", containerID, err)
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		return "", fmt.Errorf("failed to create task: %w", err)
	}
	if err := task.Start(ctx); err != nil {
		return "", fmt.Errorf("failed to start task: %w", err)
	}

	deadline := time.Now().Add(startTimeout)
	var ip string
	for {
		ip, err = containerIP(ctx, task.Pid())
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("timed out resolving container network after start: %w", err)
		}
		time.Sleep(200 * time.Millisecond)
	}

	return fmt.Sprintf("http://%s:%d", ip, runtimePort), nil
}

// Stop sends SIGTERM, waits, and falls back to SIGKILL. Idempotent.
func (d *Driver) Stop(ctx context.Context, containerID string) error {
	ctx = d.ctx(ctx)

	container, err := d.client.LoadContainer(ctx, containerID)
	if err != nil {
		return nil
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to signal task: %w", err)
	}

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return fmt.Errorf("failed to wait for task: %w", err)
	}

	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return fmt.Errorf("failed to force kill task: %w", err)
		}
	}

	if _, err := task.Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return nil
}

// Destroy stops (if necessary) and removes the container and its snapshot.
// Idempotent.
func (d *Driver) Destroy(ctx context.Context, containerID string) error {
	ctx = d.ctx(ctx)

	container, err := d.client.LoadContainer(ctx, containerID)
	if err != nil {
		return nil
	}
	_ = d.Stop(ctx, containerID)

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("failed to delete container: %w", err)
	}
	return nil
}

// Status reports the container's current state for crash detection.
func (d *Driver) Status(ctx context.Context, containerID string, runtimePort int) (runtime.Status, error) {
	ctx = d.ctx(ctx)

	container, err := d.client.LoadContainer(ctx, containerID)
	if err != nil {
		return runtime.Status{State: runtime.StateUnknown}, fmt.Errorf("failed to load container %s: %w", containerID, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return runtime.Status{State: runtime.StateCreated}, nil
	}

	ts, err := task.Status(ctx)
	if err != nil {
		return runtime.Status{State: runtime.StateUnknown}, fmt.Errorf("failed to get task status: %w", err)
	}

	switch ts.Status {
	case containerd.Running, containerd.Paused:
		ip, ipErr := containerIP(ctx, task.Pid())
		st := runtime.Status{State: runtime.StateRunning}
		if ipErr == nil {
			st.Endpoint = fmt.Sprintf("http://%s:%d", ip, runtimePort)
		}
		return st, nil
	case containerd.Stopped:
		exitCode := int(ts.ExitStatus)
		return runtime.Status{State: runtime.StateExited, ExitCode: &exitCode}, nil
	default:
		return runtime.Status{State: runtime.StateCreated}, nil
	}
}

// Logs is diagnostic only; full streaming log retrieval is deferred.
func (d *Driver) Logs(ctx context.Context, containerID string, tail int) (string, error) {
	return "", fmt.Errorf("log retrieval not implemented for the local driver")
}

func (d *Driver) volumePath(name string) string {
	return filepath.Join(d.volumeRoot, name)
}

// CreateVolume creates a host directory to back a cargo volume.
func (d *Driver) CreateVolume(ctx context.Context, name string, labels map[string]string) (string, error) {
	path := d.volumePath(name)
	if err := os.MkdirAll(path, 0755); err != nil {
		return "", fmt.Errorf("failed to create volume directory: %w", err)
	}
	return path, nil
}

// DeleteVolume removes a host directory. Fails loudly if non-empty entries
// that aren't ours remain — here, any content at all is assumed to be the
// platform's own data, so deletion only fails if the filesystem itself
// errors.
func (d *Driver) DeleteVolume(ctx context.Context, name string) error {
	path := d.volumePath(name)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to delete volume directory: %w", err)
	}
	return nil
}

// VolumeExists reports whether the backing directory is present.
func (d *Driver) VolumeExists(ctx context.Context, name string) (bool, error) {
	_, err := os.Stat(d.volumePath(name))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListRuntimeInstances lists every container in the namespace and filters
// by the given label map (used only by GC).
func (d *Driver) ListRuntimeInstances(ctx context.Context, labelFilter map[string]string) ([]types.RuntimeInstance, error) {
	ctx = d.ctx(ctx)

	containers, err := d.client.Containers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	var out []types.RuntimeInstance
	for _, c := range containers {
		labels, err := c.Labels(ctx)
		if err != nil {
			continue
		}
		if !matchesFilter(labels, labelFilter) {
			continue
		}
		state := "unknown"
		if task, err := c.Task(ctx, nil); err == nil {
			if ts, err := task.Status(ctx); err == nil {
				state = string(ts.Status)
			}
		}
		out = append(out, types.RuntimeInstance{ID: c.ID(), Name: c.ID(), Labels: labels, State: state})
	}
	return out, nil
}

// DestroyRuntimeInstance force-destroys a container discovered by GC.
func (d *Driver) DestroyRuntimeInstance(ctx context.Context, id string) error {
	return d.Destroy(ctx, id)
}

func matchesFilter(labels, filter map[string]string) bool {
	for k, v := range filter {
		if labels[k] != v {
			return false
		}
	}
	return true
}

func containerIP(ctx context.Context, pid uint32) (string, error) {
	if pid == 0 {
		return "", fmt.Errorf("container task has no PID")
	}
	cmd := exec.CommandContext(ctx, "nsenter", "-t", strconv.Itoa(int(pid)), "-n", "ip", "-4", "addr", "show", "eth0")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("failed to inspect container network namespace: %w (output: %s)", err, string(output))
	}

	for _, line := range strings.Split(string(output), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "inet ") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		ip, _, err := net.ParseCIDR(fields[1])
		if err != nil {
			return "", fmt.Errorf("failed to parse container IP %s: %w", fields[1], err)
		}
		return ip.String(), nil
	}
	return "", fmt.Errorf("no IP address found for container")
}
