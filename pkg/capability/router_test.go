package capability

import (
	"context"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/cuemby/bay/internal/testutil"
	"github.com/cuemby/bay/pkg/bayerr"
	"github.com/cuemby/bay/pkg/cargo"
	"github.com/cuemby/bay/pkg/locks"
	"github.com/cuemby/bay/pkg/metrics"
	"github.com/cuemby/bay/pkg/profile"
	"github.com/cuemby/bay/pkg/sandbox"
	"github.com/cuemby/bay/pkg/session"
	"github.com/cuemby/bay/pkg/storage"
	"github.com/cuemby/bay/pkg/types"
)

func newTestRouter(t *testing.T) (*Router, *sandbox.Manager, *storage.BoltStore, *testutil.FakeDriver) {
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

	sbMgr := sandbox.New(st, cargoMgr, sessMgr, reg, locks.NewTable(), "/workspace")
	router := NewRouter(sbMgr, st)
	return router, sbMgr, st, drv
}

func TestInvokeRunsPythonExec(t *testing.T) {
	ctx := context.Background()
	router, sbMgr, _, _ := newTestRouter(t)

	sb, err := sbMgr.Create(ctx, "alice", "python-default", "", nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	before := promtestutil.ToFloat64(metrics.CapabilityInvocationsTotal.WithLabelValues("python", "success"))

	result, err := router.Invoke(ctx, sb.ID, "alice", "python", func(a *Adapter) (*ExecResult, error) {
		return a.ExecPython(ctx, "1+2", 10*time.Second)
	})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if result.ExecutionID == "" {
		t.Fatal("expected an execution id")
	}
	if !result.ExecResult.Success {
		t.Fatalf("expected success, got %+v", result.ExecResult)
	}

	after := promtestutil.ToFloat64(metrics.CapabilityInvocationsTotal.WithLabelValues("python", "success"))
	if after != before+1 {
		t.Fatalf("expected capability invocation counter to increment by 1, got %v -> %v", before, after)
	}
}

func TestInvokeRejectsUnknownCapability(t *testing.T) {
	ctx := context.Background()
	router, sbMgr, _, _ := newTestRouter(t)

	sb, err := sbMgr.Create(ctx, "alice", "python-default", "", nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	_, err = router.Invoke(ctx, sb.ID, "alice", "browser", func(a *Adapter) (*ExecResult, error) {
		return a.ExecBrowser(ctx, "noop", time.Second)
	})
	if err == nil {
		t.Fatal("expected capability_not_supported error")
	}
	if be, ok := bayerr.As(err); !ok || be.Code != "capability_not_supported" {
		t.Fatalf("expected capability_not_supported, got %v", err)
	}
}

func TestInvokeRecoversFromDeadContainerOnReuse(t *testing.T) {
	ctx := context.Background()
	router, sbMgr, st, drv := newTestRouter(t)

	sb, err := sbMgr.Create(ctx, "alice", "python-default", "", nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if _, err := router.Invoke(ctx, sb.ID, "alice", "python", func(a *Adapter) (*ExecResult, error) {
		return a.ExecPython(ctx, "1+2", 10*time.Second)
	}); err != nil {
		t.Fatalf("first Invoke() error = %v", err)
	}

	sbRow, err := st.GetSandbox(sb.ID)
	if err != nil {
		t.Fatalf("GetSandbox() error = %v", err)
	}
	firstSessionID := sbRow.CurrentSessionID
	sess, err := st.GetSession(firstSessionID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	for _, c := range sess.Containers {
		if err := drv.Stop(ctx, c.ContainerID); err != nil {
			t.Fatalf("Stop() error = %v", err)
		}
	}

	result, err := router.Invoke(ctx, sb.ID, "alice", "python", func(a *Adapter) (*ExecResult, error) {
		return a.ExecPython(ctx, "1+2", 10*time.Second)
	})
	if err == nil {
		t.Fatalf("expected the reused-adapter health check to fail, got result %+v", result)
	}
	if be, ok := bayerr.As(err); !ok || be.Code != "session_not_ready" {
		t.Fatalf("expected session_not_ready, got %v", err)
	}

	failedSess, err := st.GetSession(firstSessionID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if failedSess.Status != types.SessionStatusFailed {
		t.Fatalf("expected session marked failed, got status %q", failedSess.Status)
	}

	result, err = router.Invoke(ctx, sb.ID, "alice", "python", func(a *Adapter) (*ExecResult, error) {
		return a.ExecPython(ctx, "1+2", 10*time.Second)
	})
	if err != nil {
		t.Fatalf("Invoke() after recreation error = %v", err)
	}
	if !result.ExecResult.Success {
		t.Fatalf("expected success after session recreation, got %+v", result.ExecResult)
	}

	sbRow, err = st.GetSandbox(sb.ID)
	if err != nil {
		t.Fatalf("GetSandbox() error = %v", err)
	}
	if sbRow.CurrentSessionID == firstSessionID {
		t.Fatal("expected a new session id after recovery")
	}
}

func TestSelectContainerPrefersPrimaryFor(t *testing.T) {
	sess := &types.Session{Containers: []types.SessionContainer{
		{Name: "side", ContainerID: "c1", Capabilities: []string{"shell"}},
		{Name: "main", ContainerID: "c2", Capabilities: []string{"shell"}, PrimaryFor: []string{"shell"}},
	}}

	c, ok := selectContainer(sess, "shell")
	if !ok || c.Name != "main" {
		t.Fatalf("expected primary_for container 'main', got %+v ok=%v", c, ok)
	}
}
