package session

import (
	"context"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/cuemby/bay/internal/testutil"
	"github.com/cuemby/bay/pkg/metrics"
	"github.com/cuemby/bay/pkg/runtime"
	"github.com/cuemby/bay/pkg/storage"
	"github.com/cuemby/bay/pkg/types"
)

func newTestManager(t *testing.T) (*Manager, *storage.BoltStore, *testutil.FakeDriver) {
	t.Helper()
	st, err := storage.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })

	drv := testutil.NewFakeDriver()
	return New(st, drv, "instance-1"), st, drv
}

func testProfile(order types.StartupOrder) types.Profile {
	return types.Profile{
		ID:          "python-default",
		IdleTimeout: 5 * time.Minute,
		Startup:     types.Startup{Order: order},
		Containers: []types.ContainerSpec{{
			Name: "main", Image: "python:3.11", RuntimeType: "python",
			RuntimePort: 8000, Capabilities: []string{"python"}, PrimaryFor: []string{"python"},
		}},
	}
}

func TestEnsureSessionStartsAndPersists(t *testing.T) {
	ctx := context.Background()
	mgr, _, _ := newTestManager(t)

	sandbox := &types.Sandbox{ID: "sb-1", Owner: "alice", ProfileID: "python-default", CreatedAt: time.Now()}
	profile := testProfile(types.StartupOrderSequential)

	sess, err := mgr.EnsureSession(ctx, sandbox, profile, runtime.CargoMount{DriverRef: "vol-1", MountPath: "/workspace"})
	if err != nil {
		t.Fatalf("EnsureSession() error = %v", err)
	}
	if sess.Status != types.SessionStatusReady {
		t.Fatalf("expected ready session, got %q", sess.Status)
	}
	if sandbox.CurrentSessionID != sess.ID {
		t.Fatalf("expected sandbox.CurrentSessionID to be updated")
	}
	if sandbox.IdleExpiresAt == nil {
		t.Fatal("expected idle_expires_at to be set")
	}
}

func TestEnsureSessionReturnsExistingReadySession(t *testing.T) {
	ctx := context.Background()
	mgr, _, _ := newTestManager(t)

	sandbox := &types.Sandbox{ID: "sb-1", Owner: "alice", ProfileID: "python-default", CreatedAt: time.Now()}
	profile := testProfile(types.StartupOrderParallel)

	first, err := mgr.EnsureSession(ctx, sandbox, profile, runtime.CargoMount{DriverRef: "vol-1"})
	if err != nil {
		t.Fatalf("EnsureSession() error = %v", err)
	}

	second, err := mgr.EnsureSession(ctx, sandbox, profile, runtime.CargoMount{DriverRef: "vol-1"})
	if err != nil {
		t.Fatalf("EnsureSession() second call error = %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected EnsureSession to reuse ready session, got new id %s vs %s", second.ID, first.ID)
	}
}

func TestEnsureSessionRollsBackOnStartFailure(t *testing.T) {
	ctx := context.Background()
	mgr, _, drv := newTestManager(t)
	drv.FailStart = "main"

	sandbox := &types.Sandbox{ID: "sb-1", Owner: "alice", ProfileID: "python-default", CreatedAt: time.Now()}
	profile := testProfile(types.StartupOrderSequential)

	before := promtestutil.ToFloat64(metrics.SessionStartFailuresTotal)

	_, err := mgr.EnsureSession(ctx, sandbox, profile, runtime.CargoMount{DriverRef: "vol-1"})
	if err == nil {
		t.Fatal("expected EnsureSession to fail when container start fails")
	}
	if sandbox.CurrentSessionID != "" {
		t.Fatal("expected sandbox to remain without a current session after rollback")
	}

	after := promtestutil.ToFloat64(metrics.SessionStartFailuresTotal)
	if after != before+1 {
		t.Fatalf("expected session start failures counter to increment by 1, got %v -> %v", before, after)
	}
}

func TestDestroyUnknownContainerIsNoOpAndDeletesRow(t *testing.T) {
	ctx := context.Background()
	mgr, st, _ := newTestManager(t)

	sess := &types.Session{ID: "sess-1", SandboxID: "sb-1", Status: types.SessionStatusReady, Containers: []types.SessionContainer{
		{Name: "main", ContainerID: "does-not-exist"},
	}}
	if err := st.CreateSession(sess); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	errs := mgr.Destroy(ctx, sess)
	if len(errs) != 0 {
		t.Fatalf("expected FakeDriver.Destroy on unknown id to be a no-op, got errs=%v", errs)
	}

	if _, err := st.GetSession(sess.ID); err != storage.ErrNotFound {
		t.Fatalf("expected session row removed, got err=%v", err)
	}
}
