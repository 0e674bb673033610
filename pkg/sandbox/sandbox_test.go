package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/bay/internal/testutil"
	"github.com/cuemby/bay/pkg/bayerr"
	"github.com/cuemby/bay/pkg/cargo"
	"github.com/cuemby/bay/pkg/locks"
	"github.com/cuemby/bay/pkg/profile"
	"github.com/cuemby/bay/pkg/session"
	"github.com/cuemby/bay/pkg/storage"
)

func newTestManager(t *testing.T) (*Manager, *storage.BoltStore, *testutil.FakeDriver) {
	t.Helper()
	st, err := storage.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })

	drv := testutil.NewFakeDriver()
	cargoMgr := cargo.New(st, drv)
	sessMgr := session.New(st, drv, "instance-1")

	reg, err := profile.NewRegistry([]profile.RawProfile{{
		ID:          "python-default",
		IdleTimeout: 300,
		Containers: []profile.RawContainer{{
			Name: "main", Image: "python:3.11", RuntimeType: "python",
			RuntimePort: 8000, Capabilities: []string{"python"}, PrimaryFor: []string{"python"},
		}},
	}})
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	mgr := New(st, cargoMgr, sessMgr, reg, locks.NewTable(), "/workspace")
	return mgr, st, drv
}

func TestCreateAllocatesManagedCargo(t *testing.T) {
	ctx := context.Background()
	mgr, st, _ := newTestManager(t)

	sb, err := mgr.Create(ctx, "alice", "python-default", "", nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if sb.CargoID == "" {
		t.Fatal("expected a managed cargo to be allocated")
	}
	if sb.ExpiresAt != nil {
		t.Fatal("expected nil expires_at when no ttl given")
	}

	c, err := st.GetCargo(sb.CargoID)
	if err != nil {
		t.Fatalf("GetCargo() error = %v", err)
	}
	if !c.Managed || c.ManagedBySandboxID != sb.ID {
		t.Fatalf("expected cargo linked back to sandbox, got %+v", c)
	}
}

func TestCreateRejectsUnknownProfile(t *testing.T) {
	ctx := context.Background()
	mgr, _, _ := newTestManager(t)

	if _, err := mgr.Create(ctx, "alice", "nope", "", nil); err == nil {
		t.Fatal("expected validation error for unknown profile")
	}
}

func TestGetHidesWrongOwner(t *testing.T) {
	ctx := context.Background()
	mgr, _, _ := newTestManager(t)

	sb, err := mgr.Create(ctx, "alice", "python-default", "", nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if _, err := mgr.Get(ctx, sb.ID, "bob"); err == nil {
		t.Fatal("expected not_found for wrong owner")
	} else if be, ok := bayerr.As(err); !ok || be.Code != "not_found" {
		t.Fatalf("expected not_found error, got %v", err)
	}
}

func TestEnsureRunningRejectsExpiredSandbox(t *testing.T) {
	ctx := context.Background()
	mgr, _, _ := newTestManager(t)

	ttl := -time.Hour
	sb, err := mgr.Create(ctx, "alice", "python-default", "", &ttl)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if _, _, err := mgr.EnsureRunning(ctx, sb.ID, "alice"); err == nil {
		t.Fatal("expected sandbox_expired error")
	} else if be, ok := bayerr.As(err); !ok || be.Code != "sandbox_expired" {
		t.Fatalf("expected sandbox_expired error, got %v", err)
	}
}

func TestEnsureRunningStartsSession(t *testing.T) {
	ctx := context.Background()
	mgr, _, _ := newTestManager(t)

	sb, err := mgr.Create(ctx, "alice", "python-default", "", nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	gotSB, sess, err := mgr.EnsureRunning(ctx, sb.ID, "alice")
	if err != nil {
		t.Fatalf("EnsureRunning() error = %v", err)
	}
	if gotSB.CurrentSessionID != sess.ID {
		t.Fatal("expected sandbox to reference the new session")
	}
}

func TestExtendTTLRejectsInfiniteTTL(t *testing.T) {
	ctx := context.Background()
	mgr, _, _ := newTestManager(t)

	sb, err := mgr.Create(ctx, "alice", "python-default", "", nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if _, err := mgr.ExtendTTL(ctx, sb.ID, "alice", time.Hour); err == nil {
		t.Fatal("expected sandbox_ttl_infinite error")
	} else if be, ok := bayerr.As(err); !ok || be.Code != "sandbox_ttl_infinite" {
		t.Fatalf("expected sandbox_ttl_infinite error, got %v", err)
	}
}

func TestDeleteCascadesManagedCargo(t *testing.T) {
	ctx := context.Background()
	mgr, st, _ := newTestManager(t)

	sb, err := mgr.Create(ctx, "alice", "python-default", "", nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	cargoID := sb.CargoID

	if err := mgr.Delete(ctx, sb.ID, "alice"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	got, err := st.GetSandbox(sb.ID)
	if err != nil {
		t.Fatalf("GetSandbox() error = %v", err)
	}
	if got.DeletedAt == nil {
		t.Fatal("expected deleted_at to be set")
	}

	if _, err := st.GetCargo(cargoID); err != storage.ErrNotFound {
		t.Fatalf("expected managed cargo to be cascade-deleted, err=%v", err)
	}
}

func TestStopPreservesCargo(t *testing.T) {
	ctx := context.Background()
	mgr, st, _ := newTestManager(t)

	sb, err := mgr.Create(ctx, "alice", "python-default", "", nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, _, err := mgr.EnsureRunning(ctx, sb.ID, "alice"); err != nil {
		t.Fatalf("EnsureRunning() error = %v", err)
	}

	if err := mgr.Stop(ctx, sb.ID, "alice"); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	got, err := st.GetSandbox(sb.ID)
	if err != nil {
		t.Fatalf("GetSandbox() error = %v", err)
	}
	if got.CurrentSessionID != "" {
		t.Fatal("expected current_session_id cleared after stop")
	}
	if _, err := st.GetCargo(sb.CargoID); err != nil {
		t.Fatal("expected cargo preserved after stop")
	}
}
