// Package sandbox implements the Sandbox Manager (§4.4): top-level
// lifecycle for a Sandbox — create, stop, delete, extend-ttl, keepalive,
// ensure-running — all mediated by the per-sandbox lock table.
package sandbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/bay/pkg/bayerr"
	"github.com/cuemby/bay/pkg/cargo"
	"github.com/cuemby/bay/pkg/locks"
	"github.com/cuemby/bay/pkg/log"
	"github.com/cuemby/bay/pkg/profile"
	"github.com/cuemby/bay/pkg/runtime"
	"github.com/cuemby/bay/pkg/session"
	"github.com/cuemby/bay/pkg/storage"
	"github.com/cuemby/bay/pkg/types"
)

// Manager implements the Sandbox Manager contracts.
type Manager struct {
	store     storage.Store
	cargoMgr  *cargo.Manager
	sessMgr   *session.Manager
	profiles  *profile.Registry
	locks     *locks.Table
	cargoPath string
	logger    zerolog.Logger
}

// New constructs a Manager. cargoMountPath is the fixed in-container mount
// point for a sandbox's cargo volume (§6.3; always /workspace in practice).
func New(store storage.Store, cargoMgr *cargo.Manager, sessMgr *session.Manager, profiles *profile.Registry, lockTable *locks.Table, cargoMountPath string) *Manager {
	return &Manager{
		store:     store,
		cargoMgr:  cargoMgr,
		sessMgr:   sessMgr,
		profiles:  profiles,
		locks:     lockTable,
		cargoPath: cargoMountPath,
		logger:    log.WithComponent("sandbox"),
	}
}

// Create allocates a Sandbox. No container is started.
func (m *Manager) Create(ctx context.Context, owner, profileID, cargoID string, ttl *time.Duration) (*types.Sandbox, error) {
	if _, ok := m.profiles.Get(profileID); !ok {
		return nil, bayerr.Validation("unknown profile: " + profileID)
	}

	var resolvedCargoID string
	if cargoID != "" {
		c, err := m.cargoMgr.Get(ctx, cargoID, owner)
		if err != nil {
			return nil, err
		}
		resolvedCargoID = c.ID
	} else {
		c, err := m.cargoMgr.Create(ctx, owner, true, "", 0)
		if err != nil {
			return nil, err
		}
		resolvedCargoID = c.ID
	}

	now := time.Now()
	sb := &types.Sandbox{
		ID:        uuid.NewString(),
		Owner:     owner,
		ProfileID: profileID,
		CargoID:   resolvedCargoID,
		CreatedAt: now,
	}
	if ttl != nil {
		expires := now.Add(*ttl)
		sb.ExpiresAt = &expires
	}

	if err := m.store.CreateSandbox(sb); err != nil {
		return nil, bayerr.Internal("failed to persist sandbox").Wrap(err)
	}

	if cargoID == "" {
		// Link the managed cargo back to its owning sandbox now that the
		// sandbox id exists.
		c, err := m.cargoMgr.Get(ctx, resolvedCargoID, owner)
		if err == nil {
			c.ManagedBySandboxID = sb.ID
			_ = m.store.UpdateCargo(c)
		}
	}

	return sb, nil
}

// Get returns a Sandbox scoped to its owner; not-found hides wrong-owner.
func (m *Manager) Get(ctx context.Context, id, owner string) (*types.Sandbox, error) {
	sb, err := m.store.GetSandbox(id)
	if err == storage.ErrNotFound || (err == nil && sb.Owner != owner) {
		return nil, bayerr.NotFound("sandbox not found: " + id)
	}
	if err != nil {
		return nil, bayerr.Internal("failed to fetch sandbox").Wrap(err)
	}
	return sb, nil
}

// List returns a page of an owner's Sandboxes, optionally filtered by
// computed status.
func (m *Manager) List(ctx context.Context, owner string, statusFilter *types.SandboxStatus, cursor string, limit int) ([]*types.Sandbox, string, error) {
	all, err := m.store.ListSandboxes(owner)
	if err != nil {
		return nil, "", bayerr.Internal("failed to list sandboxes").Wrap(err)
	}

	filtered := make([]*types.Sandbox, 0, len(all))
	for _, sb := range all {
		if statusFilter != nil && m.status(sb) != *statusFilter {
			continue
		}
		filtered = append(filtered, sb)
	}

	return paginate(filtered, cursor, limit)
}

func (m *Manager) status(sb *types.Sandbox) types.SandboxStatus {
	sessStatus := types.SessionStatusStopped
	if sb.CurrentSessionID != "" {
		if sess, err := m.store.GetSession(sb.CurrentSessionID); err == nil {
			sessStatus = sess.Status
		}
	}
	return sb.Status(time.Now(), sessStatus)
}

// EnsureRunning starts a session for sandbox if one is not already ready,
// under the per-sandbox lock. Rejects expired/deleted sandboxes.
func (m *Manager) EnsureRunning(ctx context.Context, sandboxID, owner string) (*types.Sandbox, *types.Session, error) {
	unlock := m.locks.Lock(sandboxID)
	defer unlock()

	sb, err := m.Get(ctx, sandboxID, owner)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	if sb.DeletedAt != nil {
		return nil, nil, bayerr.NotFound("sandbox not found: " + sandboxID)
	}
	if sb.ExpiresAt != nil && sb.ExpiresAt.Before(now) {
		return nil, nil, bayerr.SandboxExpired("sandbox has expired")
	}

	prof, ok := m.profiles.Get(sb.ProfileID)
	if !ok {
		return nil, nil, bayerr.Internal("sandbox references unknown profile: " + sb.ProfileID)
	}

	c, err := m.cargoMgr.Get(ctx, sb.CargoID, owner)
	if err != nil {
		return nil, nil, err
	}

	sess, err := m.sessMgr.EnsureSession(ctx, sb, prof, runtime.CargoMount{DriverRef: c.DriverRef, MountPath: m.cargoPath})
	if err != nil {
		return nil, nil, err
	}

	return sb, sess, nil
}

// ExtendTTL pushes out a Sandbox's expires_at under the per-sandbox lock.
func (m *Manager) ExtendTTL(ctx context.Context, sandboxID, owner string, extendBy time.Duration) (*types.Sandbox, error) {
	unlock := m.locks.Lock(sandboxID)
	defer unlock()

	sb, err := m.Get(ctx, sandboxID, owner)
	if err != nil {
		return nil, err
	}

	if sb.ExpiresAt == nil {
		return nil, bayerr.SandboxTTLInfinite("sandbox has no expiry to extend")
	}
	now := time.Now()
	if sb.ExpiresAt.Before(now) {
		return nil, bayerr.SandboxExpired("sandbox has already expired")
	}

	base := *sb.ExpiresAt
	if now.After(base) {
		base = now
	}
	newExpires := base.Add(extendBy)
	sb.ExpiresAt = &newExpires

	if err := m.store.UpdateSandbox(sb); err != nil {
		return nil, bayerr.Internal("failed to persist extended ttl").Wrap(err)
	}
	return sb, nil
}

// Keepalive resets idle_expires_at without starting a session.
func (m *Manager) Keepalive(ctx context.Context, sandboxID, owner string) (*types.Sandbox, error) {
	unlock := m.locks.Lock(sandboxID)
	defer unlock()

	sb, err := m.Get(ctx, sandboxID, owner)
	if err != nil {
		return nil, err
	}

	prof, ok := m.profiles.Get(sb.ProfileID)
	if !ok {
		return nil, bayerr.Internal("sandbox references unknown profile: " + sb.ProfileID)
	}

	idle := time.Now().Add(prof.IdleTimeout)
	sb.IdleExpiresAt = &idle
	if err := m.store.UpdateSandbox(sb); err != nil {
		return nil, bayerr.Internal("failed to persist keepalive").Wrap(err)
	}
	return sb, nil
}

// Stop releases a Sandbox's compute without deleting it. Cargo is
// preserved. Idempotent.
func (m *Manager) Stop(ctx context.Context, sandboxID, owner string) error {
	unlock := m.locks.Lock(sandboxID)
	defer unlock()

	sb, err := m.Get(ctx, sandboxID, owner)
	if err != nil {
		return err
	}

	if sb.CurrentSessionID != "" {
		sess, err := m.store.GetSession(sb.CurrentSessionID)
		if err == nil {
			for _, destroyErr := range m.sessMgr.Destroy(ctx, sess) {
				m.logger.Warn().Err(destroyErr).Str("sandbox_id", sandboxID).Msg("error while stopping sandbox session")
			}
		}
		sb.CurrentSessionID = ""
		sb.IdleExpiresAt = nil
		if err := m.store.UpdateSandbox(sb); err != nil {
			return bayerr.Internal("failed to persist stopped sandbox").Wrap(err)
		}
	}
	return nil
}

// Delete soft-deletes a Sandbox: destroys any running session,
// cascade-deletes managed cargo, and leaves external cargo alone.
func (m *Manager) Delete(ctx context.Context, sandboxID, owner string) error {
	unlock := m.locks.Lock(sandboxID)
	defer unlock()

	sb, err := m.Get(ctx, sandboxID, owner)
	if err != nil {
		return err
	}

	if sb.CurrentSessionID != "" {
		if sess, err := m.store.GetSession(sb.CurrentSessionID); err == nil {
			for _, destroyErr := range m.sessMgr.Destroy(ctx, sess) {
				m.logger.Warn().Err(destroyErr).Str("sandbox_id", sandboxID).Msg("error while deleting sandbox session")
			}
		}
	}

	c, err := m.store.GetCargo(sb.CargoID)
	if err == nil && c.Managed {
		if delErr := m.cargoMgr.DeleteCascade(ctx, c.ID); delErr != nil {
			m.logger.Warn().Err(delErr).Str("cargo_id", c.ID).Msg("failed to cascade-delete managed cargo")
		}
	}

	now := time.Now()
	sb.DeletedAt = &now
	sb.CurrentSessionID = ""
	if err := m.store.UpdateSandbox(sb); err != nil {
		return bayerr.Internal("failed to persist deleted sandbox").Wrap(err)
	}
	return nil
}

func paginate(items []*types.Sandbox, cursor string, limit int) ([]*types.Sandbox, string, error) {
	if limit <= 0 {
		limit = 50
	}
	start := 0
	if cursor != "" {
		for i, sb := range items {
			if sb.ID == cursor {
				start = i + 1
				break
			}
		}
	}
	if start >= len(items) {
		return nil, "", nil
	}
	end := start + limit
	next := ""
	if end < len(items) {
		next = items[end-1].ID
	} else {
		end = len(items)
	}
	return items[start:end], next, nil
}
