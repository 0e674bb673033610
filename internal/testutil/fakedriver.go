// Package testutil provides an in-memory fake of runtime.Driver for unit
// tests across the cargo, session, sandbox, capability and gc packages —
// grounded on the teacher's own test/framework harness philosophy of a
// lightweight stand-in rather than a real containerd/Kubernetes backend.
package testutil

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/cuemby/bay/pkg/runtime"
	"github.com/cuemby/bay/pkg/types"
)

// FakeDriver implements runtime.Driver entirely in memory, backing each
// "container" with a real httptest.Server so session readiness polling and
// capability invocation can be exercised end-to-end in tests.
type FakeDriver struct {
	mu         sync.Mutex
	containers map[string]*fakeContainer
	volumes    map[string]bool

	// FailStart, when set, makes Start return an error for container ids
	// containing the given substring. Used to test startup rollback.
	FailStart string

	// Health lets tests override the /health body served by fake
	// containers, keyed by container id.
	Health map[string]string
}

type fakeContainer struct {
	server *httptest.Server
	labels map[string]string
	state  runtime.ContainerState
}

// NewFakeDriver returns an empty FakeDriver.
func NewFakeDriver() *FakeDriver {
	return &FakeDriver{
		containers: make(map[string]*fakeContainer),
		volumes:    make(map[string]bool),
		Health:     make(map[string]string),
	}
}

func (f *FakeDriver) Create(ctx context.Context, spec runtime.CreateSpec) (string, error) {
	id := spec.SessionID + "-" + spec.Container.Name
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[id] = &fakeContainer{labels: runtime.ContainerLabels(spec), state: runtime.StateCreated}
	return id, nil
}

func (f *FakeDriver) Start(ctx context.Context, containerID string, runtimePort int, startTimeout time.Duration) (string, error) {
	if f.FailStart != "" && contains(containerID, f.FailStart) {
		return "", fmt.Errorf("simulated start failure for %s", containerID)
	}

	f.mu.Lock()
	c, ok := f.containers[containerID]
	f.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("container %s not found", containerID)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		body, ok := f.Health[containerID]
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		if !ok {
			body = `{"status":"ok"}`
		}
		w.Write([]byte(body))
	})
	mux.HandleFunc("/meta", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"runtime":{"name":"fake","version":"1","api_version":"1"},"workspace":{"mount_path":"/workspace"},"capabilities":{"python":{},"shell":{},"filesystem":{}}}`))
	})
	mux.HandleFunc("/ipython/exec", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true,"output":"3\n"}`))
	})

	server := httptest.NewServer(mux)

	f.mu.Lock()
	c.server = server
	c.state = runtime.StateRunning
	f.mu.Unlock()

	return server.URL, nil
}

func (f *FakeDriver) Stop(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	if !ok {
		return nil
	}
	if c.server != nil {
		c.server.Close()
	}
	c.state = runtime.StateExited
	return nil
}

func (f *FakeDriver) Destroy(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	if ok && c.server != nil {
		c.server.Close()
	}
	delete(f.containers, containerID)
	return nil
}

func (f *FakeDriver) Status(ctx context.Context, containerID string, runtimePort int) (runtime.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	if !ok {
		return runtime.Status{State: runtime.StateUnknown}, nil
	}
	st := runtime.Status{State: c.state}
	if c.server != nil {
		st.Endpoint = c.server.URL
	}
	return st, nil
}

func (f *FakeDriver) Logs(ctx context.Context, containerID string, tail int) (string, error) {
	return "", nil
}

func (f *FakeDriver) CreateVolume(ctx context.Context, name string, labels map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volumes[name] = true
	return "/fake/volumes/" + name, nil
}

func (f *FakeDriver) DeleteVolume(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.volumes, name)
	return nil
}

func (f *FakeDriver) VolumeExists(ctx context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.volumes[name], nil
}

// VolumeCount reports how many volumes currently exist.
func (f *FakeDriver) VolumeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.volumes)
}

func (f *FakeDriver) ListRuntimeInstances(ctx context.Context, labelFilter map[string]string) ([]types.RuntimeInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.RuntimeInstance
	for id, c := range f.containers {
		match := true
		for k, v := range labelFilter {
			if c.labels[k] != v {
				match = false
				break
			}
		}
		if match {
			out = append(out, types.RuntimeInstance{ID: id, Name: id, Labels: c.labels, State: string(c.state)})
		}
	}
	return out, nil
}

func (f *FakeDriver) DestroyRuntimeInstance(ctx context.Context, id string) error {
	return f.Destroy(ctx, id)
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
