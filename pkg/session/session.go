// Package session implements the Session Manager (§4.3): lazily starting
// the set of running containers for a Sandbox, waiting for readiness, and
// tearing them down.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/bay/pkg/bayerr"
	"github.com/cuemby/bay/pkg/health"
	"github.com/cuemby/bay/pkg/log"
	"github.com/cuemby/bay/pkg/metrics"
	"github.com/cuemby/bay/pkg/runtime"
	"github.com/cuemby/bay/pkg/storage"
	"github.com/cuemby/bay/pkg/types"
)

// StartTimeout bounds how long Start is allowed to wait for a container to
// report ready before the start is abandoned and its containers are
// destroyed (§4.1 failure semantics).
const StartTimeout = 120 * time.Second

// Manager implements the Session Manager contracts.
type Manager struct {
	store      storage.Store
	driver     runtime.Driver
	instanceID string
	logger     zerolog.Logger
}

// New constructs a Manager. instanceID is stamped onto every container the
// manager creates (§6.3 platform label scheme).
func New(store storage.Store, driver runtime.Driver, instanceID string) *Manager {
	return &Manager{store: store, driver: driver, instanceID: instanceID, logger: log.WithComponent("session")}
}

// EnsureSession returns sandbox's current session if it is ready, or starts
// a fresh one. Callers must already hold the per-sandbox lock.
func (m *Manager) EnsureSession(ctx context.Context, sandbox *types.Sandbox, profile types.Profile, cargoMount runtime.CargoMount) (*types.Session, error) {
	if sandbox.CurrentSessionID != "" {
		existing, err := m.store.GetSession(sandbox.CurrentSessionID)
		if err == nil && existing.Status == types.SessionStatusReady {
			return existing, nil
		}
		if err != nil && err != storage.ErrNotFound {
			return nil, bayerr.Internal("failed to fetch current session").Wrap(err)
		}
		if err == nil {
			// Session exists but isn't ready (failed or stopped): tear
			// down its containers before recreating, under the same lock
			// the caller already holds.
			for _, destroyErr := range m.Destroy(ctx, existing) {
				m.logger.Warn().Err(destroyErr).Str("session_id", existing.ID).Msg("error destroying non-ready session before recreation")
			}
		}
	}

	sess, err := m.start(ctx, sandbox, profile, cargoMount)
	if err != nil {
		return nil, err
	}

	sandbox.CurrentSessionID = sess.ID
	idleExpires := time.Now().Add(profile.IdleTimeout)
	sandbox.IdleExpiresAt = &idleExpires
	if err := m.store.UpdateSandbox(sandbox); err != nil {
		return nil, bayerr.Internal("failed to persist sandbox after session start").Wrap(err)
	}

	return sess, nil
}

type createdContainer struct {
	spec        types.ContainerSpec
	containerID string
}

func (m *Manager) start(ctx context.Context, sandbox *types.Sandbox, profile types.Profile, cargoMount runtime.CargoMount) (*types.Session, error) {
	sessionID := uuid.NewString()
	logger := log.WithSessionID(sessionID)
	timer := metrics.NewTimer()

	createSpec := func(c types.ContainerSpec) runtime.CreateSpec {
		return runtime.CreateSpec{
			SandboxID:  sandbox.ID,
			SessionID:  sessionID,
			CargoID:    sandbox.CargoID,
			OwnerID:    sandbox.Owner,
			ProfileID:  profile.ID,
			InstanceID: m.instanceID,
			Container:  c,
			CargoMount: cargoMount,
		}
	}

	created, err := m.createContainers(ctx, profile, createSpec)
	if err != nil {
		metrics.SessionStartFailuresTotal.Inc()
		return nil, err
	}

	endpoints, startErr := m.startContainers(ctx, created)
	if startErr != nil {
		m.destroyAll(ctx, created)
		logger.Error().Err(startErr).Msg("session start failed, containers rolled back")
		metrics.SessionStartFailuresTotal.Inc()
		return nil, bayerr.SessionNotReady("failed to start session").Wrap(startErr)
	}

	if readyErr := m.waitReady(ctx, created, endpoints); readyErr != nil {
		m.destroyAll(ctx, created)
		logger.Error().Err(readyErr).Msg("session readiness check failed, containers rolled back")
		metrics.SessionStartFailuresTotal.Inc()
		return nil, bayerr.SessionNotReady("container did not become ready in time").Wrap(readyErr)
	}

	containers := make([]types.SessionContainer, 0, len(created))
	for _, c := range created {
		containers = append(containers, types.SessionContainer{
			Name:         c.spec.Name,
			ContainerID:  c.containerID,
			Endpoint:     endpoints[c.containerID],
			RuntimeType:  c.spec.RuntimeType,
			Capabilities: c.spec.Capabilities,
			PrimaryFor:   c.spec.PrimaryFor,
		})
	}

	sess := &types.Session{
		ID:         sessionID,
		SandboxID:  sandbox.ID,
		ProfileID:  profile.ID,
		Containers: containers,
		Status:     types.SessionStatusReady,
		CreatedAt:  time.Now(),
	}
	if err := m.store.CreateSession(sess); err != nil {
		m.destroyAll(ctx, created)
		metrics.SessionStartFailuresTotal.Inc()
		return nil, bayerr.Internal("failed to persist session").Wrap(err)
	}

	timer.ObserveDuration(metrics.SessionStartDuration)
	return sess, nil
}

func (m *Manager) createContainers(ctx context.Context, profile types.Profile, specFor func(types.ContainerSpec) runtime.CreateSpec) ([]createdContainer, error) {
	if profile.Startup.Order == types.StartupOrderParallel {
		results := make([]createdContainer, len(profile.Containers))
		errs := make([]error, len(profile.Containers))
		var wg sync.WaitGroup
		for i, c := range profile.Containers {
			wg.Add(1)
			go func(i int, c types.ContainerSpec) {
				defer wg.Done()
				id, err := m.driver.Create(ctx, specFor(c))
				results[i] = createdContainer{spec: c, containerID: id}
				errs[i] = err
			}(i, c)
		}
		wg.Wait()
		var created []createdContainer
		for i, err := range errs {
			if err != nil {
				m.destroyAll(ctx, created)
				return nil, fmt.Errorf("failed to create container %q: %w", profile.Containers[i].Name, err)
			}
			created = append(created, results[i])
		}
		return created, nil
	}

	var created []createdContainer
	for _, c := range profile.Containers {
		id, err := m.driver.Create(ctx, specFor(c))
		if err != nil {
			m.destroyAll(ctx, created)
			return nil, fmt.Errorf("failed to create container %q: %w", c.Name, err)
		}
		created = append(created, createdContainer{spec: c, containerID: id})
	}
	return created, nil
}

func (m *Manager) startContainers(ctx context.Context, created []createdContainer) (map[string]string, error) {
	endpoints := make(map[string]string, len(created))
	var mu sync.Mutex
	var wg sync.WaitGroup
	errs := make([]error, len(created))

	for i, c := range created {
		wg.Add(1)
		go func(i int, c createdContainer) {
			defer wg.Done()
			endpoint, err := m.driver.Start(ctx, c.containerID, c.spec.RuntimePort, StartTimeout)
			if err != nil {
				errs[i] = fmt.Errorf("failed to start container %q: %w", c.spec.Name, err)
				return
			}
			mu.Lock()
			endpoints[c.containerID] = endpoint
			mu.Unlock()
		}(i, c)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return endpoints, nil
}

func (m *Manager) waitReady(ctx context.Context, created []createdContainer, endpoints map[string]string) error {
	deadline := time.Now().Add(StartTimeout)
	var wg sync.WaitGroup
	errs := make([]error, len(created))

	for i, c := range created {
		wg.Add(1)
		go func(i int, c createdContainer) {
			defer wg.Done()
			checker := health.NewRuntimeChecker(endpoints[c.containerID])
			for {
				result := checker.Check(ctx)
				if result.Healthy {
					return
				}
				if time.Now().After(deadline) {
					errs[i] = fmt.Errorf("container %q not ready: %s", c.spec.Name, result.Message)
					return
				}
				select {
				case <-ctx.Done():
					errs[i] = ctx.Err()
					return
				case <-time.After(500 * time.Millisecond):
				}
			}
		}(i, c)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) destroyAll(ctx context.Context, created []createdContainer) {
	for _, c := range created {
		if c.containerID == "" {
			continue
		}
		if err := m.driver.Destroy(ctx, c.containerID); err != nil {
			m.logger.Warn().Err(err).Str("container_id", c.containerID).Msg("failed to roll back container during session teardown")
		}
	}
}

// Destroy tears down every container backing a Session and removes its row.
// Per-container errors are collected but never abort the teardown.
func (m *Manager) Destroy(ctx context.Context, sess *types.Session) []error {
	var errs []error
	for _, c := range sess.Containers {
		if err := m.driver.Destroy(ctx, c.ContainerID); err != nil {
			errs = append(errs, fmt.Errorf("failed to destroy container %q: %w", c.Name, err))
		}
	}
	if err := m.store.DeleteSession(sess.ID); err != nil && err != storage.ErrNotFound {
		errs = append(errs, fmt.Errorf("failed to delete session row: %w", err))
	}
	return errs
}

// Stop is equivalent to Destroy at the compute layer (§4.3: Session rows
// are not retained after reclaim in the core model).
func (m *Manager) Stop(ctx context.Context, sess *types.Session) []error {
	return m.Destroy(ctx, sess)
}
