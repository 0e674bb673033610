// Package cargo implements the Cargo Manager (§4.2): creation, lookup and
// deletion of persistent storage volumes, backed by a runtime.Driver for the
// actual volume primitive and pkg/storage for the durable row.
package cargo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/bay/pkg/bayerr"
	"github.com/cuemby/bay/pkg/log"
	"github.com/cuemby/bay/pkg/runtime"
	"github.com/cuemby/bay/pkg/storage"
	"github.com/cuemby/bay/pkg/types"
)

// Manager implements the Cargo Manager contracts.
type Manager struct {
	store  storage.Store
	driver runtime.Driver
	logger zerolog.Logger
}

// New constructs a Manager.
func New(store storage.Store, driver runtime.Driver) *Manager {
	return &Manager{store: store, driver: driver, logger: log.WithComponent("cargo")}
}

// Create allocates a Cargo: it provisions the backing volume first, then
// persists the row; if the DB insert fails after the driver succeeded, the
// orphaned volume is removed before returning.
func (m *Manager) Create(ctx context.Context, owner string, managed bool, managedBySandboxID string, sizeLimitMB int) (*types.Cargo, error) {
	id := uuid.NewString()

	driverRef, err := m.driver.CreateVolume(ctx, id, runtime.VolumeLabels(owner, id))
	if err != nil {
		return nil, bayerr.Internal("failed to create cargo volume").Wrap(err)
	}

	now := time.Now()
	c := &types.Cargo{
		ID:                 id,
		Owner:              owner,
		Managed:            managed,
		ManagedBySandboxID: managedBySandboxID,
		Backend:            "volume",
		DriverRef:          driverRef,
		SizeLimitMB:        sizeLimitMB,
		CreatedAt:          now,
		LastAccessedAt:     now,
	}

	if err := m.store.CreateCargo(c); err != nil {
		if delErr := m.driver.DeleteVolume(ctx, id); delErr != nil {
			m.logger.Error().Err(delErr).Str("cargo_id", id).Msg("failed to roll back orphaned volume after store failure")
		}
		return nil, bayerr.Internal("failed to persist cargo").Wrap(err)
	}

	return c, nil
}

// Get returns a Cargo scoped to its owner. Wrong owner and not-found both
// surface as not_found so ownership is never disclosed.
func (m *Manager) Get(ctx context.Context, id, owner string) (*types.Cargo, error) {
	c, err := m.store.GetCargo(id)
	if err == storage.ErrNotFound || (err == nil && c.Owner != owner) {
		return nil, bayerr.NotFound("cargo not found: " + id)
	}
	if err != nil {
		return nil, bayerr.Internal("failed to fetch cargo").Wrap(err)
	}
	return c, nil
}

// List returns a page of an owner's Cargos, optionally filtered by managed.
func (m *Manager) List(ctx context.Context, owner string, managedFilter *bool, cursor string, limit int) ([]*types.Cargo, string, error) {
	all, err := m.store.ListCargos(owner)
	if err != nil {
		return nil, "", bayerr.Internal("failed to list cargos").Wrap(err)
	}

	filtered := make([]*types.Cargo, 0, len(all))
	for _, c := range all {
		if managedFilter != nil && c.Managed != *managedFilter {
			continue
		}
		filtered = append(filtered, c)
	}

	return paginate(filtered, cursor, limit)
}

// ActiveSandboxLookup resolves, for a given cargo id, the ids of non-deleted
// sandboxes still referencing it. Supplied by the caller (pkg/api passes
// Server.activeSandboxesForCargo) so this package need not scan sandboxes.
type ActiveSandboxLookup func(ctx context.Context, cargoID string) ([]string, error)

// Delete removes an external (unmanaged) Cargo, or a managed Cargo whose
// owning Sandbox has already been soft-deleted (the orphan case). A managed
// Cargo still bound to a live Sandbox can only be removed by the cascade
// path in pkg/sandbox — there is no client-settable override for this.
func (m *Manager) Delete(ctx context.Context, id, owner string, activeSandboxes ActiveSandboxLookup) error {
	c, err := m.Get(ctx, id, owner)
	if err != nil {
		return err
	}

	if !c.Managed {
		blocking, err := activeSandboxes(ctx, id)
		if err != nil {
			return bayerr.Internal("failed to check for active sandboxes").Wrap(err)
		}
		if len(blocking) > 0 {
			return bayerr.Conflict("cargo is referenced by active sandboxes").WithDetail("active_sandbox_ids", blocking)
		}
	} else {
		sb, err := m.store.GetSandbox(c.ManagedBySandboxID)
		if err != nil && err != storage.ErrNotFound {
			return bayerr.Internal("failed to check owning sandbox").Wrap(err)
		}
		if err == nil && sb.DeletedAt == nil {
			return bayerr.Conflict("managed cargo can only be deleted by its owning sandbox")
		}
		// Owning sandbox missing or soft-deleted: orphan case, allow.
	}

	return m.deleteRow(ctx, c)
}

// DeleteCascade force-removes a managed Cargo as part of its owning
// Sandbox's own Delete. The caller has already resolved and locked the
// Sandbox, so this bypasses the owner/soft-delete checks in Delete.
func (m *Manager) DeleteCascade(ctx context.Context, id string) error {
	c, err := m.store.GetCargo(id)
	if err == storage.ErrNotFound {
		return nil
	}
	if err != nil {
		return bayerr.Internal("failed to fetch cargo for cascade delete").Wrap(err)
	}
	return m.deleteRow(ctx, c)
}

// DeleteInternalByID is the GC-only variant: no owner check, idempotent.
func (m *Manager) DeleteInternalByID(ctx context.Context, id string) error {
	c, err := m.store.GetCargo(id)
	if err == storage.ErrNotFound {
		return nil
	}
	if err != nil {
		return bayerr.Internal("failed to fetch cargo for GC deletion").Wrap(err)
	}
	return m.deleteRow(ctx, c)
}

func (m *Manager) deleteRow(ctx context.Context, c *types.Cargo) error {
	// Drivers report an already-missing volume as success, so any error here
	// is a real failure and the row is kept.
	if err := m.driver.DeleteVolume(ctx, c.ID); err != nil {
		return bayerr.Internal("failed to delete cargo volume").Wrap(err)
	}
	if err := m.store.DeleteCargo(c.ID); err != nil && err != storage.ErrNotFound {
		return bayerr.Internal("failed to delete cargo row").Wrap(err)
	}
	return nil
}

func paginate(items []*types.Cargo, cursor string, limit int) ([]*types.Cargo, string, error) {
	if limit <= 0 {
		limit = 50
	}
	start := 0
	if cursor != "" {
		for i, c := range items {
			if c.ID == cursor {
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
