package gc

import (
	"context"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/cuemby/bay/internal/testutil"
	"github.com/cuemby/bay/pkg/cargo"
	"github.com/cuemby/bay/pkg/idempotency"
	"github.com/cuemby/bay/pkg/locks"
	"github.com/cuemby/bay/pkg/metrics"
	"github.com/cuemby/bay/pkg/profile"
	"github.com/cuemby/bay/pkg/runtime"
	"github.com/cuemby/bay/pkg/sandbox"
	"github.com/cuemby/bay/pkg/session"
	"github.com/cuemby/bay/pkg/storage"
	"github.com/cuemby/bay/pkg/types"
)

func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, *sandbox.Manager, *storage.BoltStore) {
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
		IdleTimeout: 1,
		Containers: []profile.RawContainer{{
			Name: "main", Image: "python:3.11", RuntimeType: "python",
			RuntimePort: 8000, Capabilities: []string{"python"}, PrimaryFor: []string{"python"},
		}},
	}})
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	lockTable := locks.NewTable()
	sbMgr := sandbox.New(st, cargoMgr, sessMgr, reg, lockTable, "/workspace")
	idemSvc := idempotency.New(st, time.Hour)

	sched := New(cfg, st, sbMgr, sessMgr, cargoMgr, idemSvc, drv, lockTable)
	return sched, sbMgr, st
}

func TestIdleSessionGCReclaimsExpiredSession(t *testing.T) {
	ctx := context.Background()
	sched, sbMgr, st := newTestScheduler(t, Config{Tasks: TaskConfig{IdleSession: true}})

	sb, err := sbMgr.Create(ctx, "alice", "python-default", "", nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, _, err := sbMgr.EnsureRunning(ctx, sb.ID, "alice"); err != nil {
		t.Fatalf("EnsureRunning() error = %v", err)
	}

	// Force idle_expires_at into the past.
	fresh, _ := st.GetSandbox(sb.ID)
	past := time.Now().Add(-time.Minute)
	fresh.IdleExpiresAt = &past
	if err := st.UpdateSandbox(fresh); err != nil {
		t.Fatalf("UpdateSandbox() error = %v", err)
	}

	results, err := sched.RunOnce(ctx, []string{"idle_session"})
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if results["idle_session"].Cleaned != 1 {
		t.Fatalf("expected 1 reclaimed session, got %+v", results["idle_session"])
	}

	got, _ := st.GetSandbox(sb.ID)
	if got.CurrentSessionID != "" || got.IdleExpiresAt != nil {
		t.Fatalf("expected session cleared, got %+v", got)
	}
}

func TestExpiredSandboxGCDeletesSandbox(t *testing.T) {
	ctx := context.Background()
	sched, sbMgr, st := newTestScheduler(t, Config{Tasks: TaskConfig{ExpiredSandbox: true}})

	ttl := time.Millisecond
	sb, err := sbMgr.Create(ctx, "alice", "python-default", "", &ttl)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	results, err := sched.RunOnce(ctx, []string{"expired_sandbox"})
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if results["expired_sandbox"].Cleaned != 1 {
		t.Fatalf("expected 1 deleted sandbox, got %+v", results["expired_sandbox"])
	}

	got, _ := st.GetSandbox(sb.ID)
	if got.DeletedAt == nil {
		t.Fatal("expected sandbox to be soft-deleted")
	}
}

func TestOrphanCargoGCDeletesCargoOfDeletedSandbox(t *testing.T) {
	ctx := context.Background()
	sched, sbMgr, st := newTestScheduler(t, Config{Tasks: TaskConfig{OrphanCargo: true}})

	sb, err := sbMgr.Create(ctx, "alice", "python-default", "", nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	cargoID := sb.CargoID

	// Simulate an orphan: sandbox soft-deleted directly without cascade.
	fresh, _ := st.GetSandbox(sb.ID)
	now := time.Now()
	fresh.DeletedAt = &now
	if err := st.UpdateSandbox(fresh); err != nil {
		t.Fatalf("UpdateSandbox() error = %v", err)
	}

	results, err := sched.RunOnce(ctx, []string{"orphan_cargo"})
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if results["orphan_cargo"].Cleaned != 1 {
		t.Fatalf("expected 1 orphan cargo cleaned, got %+v", results["orphan_cargo"])
	}
	if _, err := st.GetCargo(cargoID); err != storage.ErrNotFound {
		t.Fatalf("expected cargo removed, err=%v", err)
	}
}

func TestRunOnceRejectsConcurrentCycle(t *testing.T) {
	ctx := context.Background()
	sched, _, _ := newTestScheduler(t, Config{Tasks: TaskConfig{IdleSession: true}})

	sched.mu.Lock()
	sched.running = true
	sched.mu.Unlock()

	_, err := sched.RunOnce(ctx, nil)
	if err == nil {
		t.Fatal("expected locked error for concurrent cycle")
	}
}

func TestOrphanContainerGCRespectsPlatformOwnership(t *testing.T) {
	ctx := context.Background()
	sched, _, st := newTestScheduler(t, Config{InstanceID: "instance-1", Tasks: TaskConfig{OrphanContainer: true}})

	drv := sched.driver.(*testutil.FakeDriver)
	// An instance with full, matching labels but an unknown session_id: orphan.
	if err := st.CreateSandbox(&types.Sandbox{ID: "sb-x", Owner: "alice", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("CreateSandbox() error = %v", err)
	}
	_, _ = drv.Create(ctx, runtime.CreateSpec{
		SandboxID:  "sb-x",
		SessionID:  "sess-unknown",
		CargoID:    "cargo-x",
		OwnerID:    "alice",
		ProfileID:  "python-default",
		InstanceID: "instance-1",
		Container:  types.ContainerSpec{Name: "main"},
	})

	results, err := sched.RunOnce(ctx, []string{"orphan_container"})
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if results["orphan_container"].Cleaned != 1 {
		t.Fatalf("expected 1 orphan container destroyed, got %+v", results["orphan_container"])
	}
}

func TestRunOnceRefreshesResourceGauges(t *testing.T) {
	ctx := context.Background()
	sched, sbMgr, _ := newTestScheduler(t, Config{Tasks: TaskConfig{IdleSession: true}})

	sb, err := sbMgr.Create(ctx, "alice", "python-default", "", nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, _, err := sbMgr.EnsureRunning(ctx, sb.ID, "alice"); err != nil {
		t.Fatalf("EnsureRunning() error = %v", err)
	}

	if _, err := sched.RunOnce(ctx, []string{"idle_session"}); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	if got := promtestutil.ToFloat64(metrics.SandboxesTotal.WithLabelValues(string(types.SandboxStatusReady))); got < 1 {
		t.Fatalf("expected at least 1 ready sandbox in gauge, got %v", got)
	}
	if got := promtestutil.ToFloat64(metrics.CargosTotal.WithLabelValues("managed")); got < 1 {
		t.Fatalf("expected at least 1 managed cargo in gauge, got %v", got)
	}
}

func TestIdempotencyRecordGCPrunesExpired(t *testing.T) {
	ctx := context.Background()
	sched, _, st := newTestScheduler(t, Config{Tasks: TaskConfig{IdempotencyRecord: true}})

	expired := time.Now().Add(-time.Hour)
	if err := st.SaveIdempotencyRecord(&types.IdempotencyRecord{
		Key: "key-1", Owner: "alice", Method: "POST", Path: "/v1/sandboxes",
		StatusCode: 201, CreatedAt: expired, ExpiresAt: expired,
	}); err != nil {
		t.Fatalf("SaveIdempotencyRecord() error = %v", err)
	}

	results, err := sched.RunOnce(ctx, []string{"idempotency_record"})
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if results["idempotency_record"].Cleaned != 1 {
		t.Fatalf("expected 1 idempotency record pruned, got %+v", results["idempotency_record"])
	}
}
