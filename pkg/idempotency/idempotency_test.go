package idempotency

import (
	"testing"
	"time"

	"github.com/cuemby/bay/pkg/storage"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	st, err := storage.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st, time.Hour)
}

func TestCheckReturnsMissThenHitAfterSave(t *testing.T) {
	svc := newTestService(t)
	body := []byte(`{"profile":"python-default"}`)

	res, err := svc.Check("alice", "key-1", "POST", "/v1/sandboxes", body)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if res.Outcome != Miss {
		t.Fatalf("expected Miss, got %v", res.Outcome)
	}

	if err := svc.Save("alice", "key-1", "POST", "/v1/sandboxes", body, 201, []byte(`{"id":"sb-1"}`)); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	res, err = svc.Check("alice", "key-1", "POST", "/v1/sandboxes", body)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if res.Outcome != Hit || res.Status != 201 {
		t.Fatalf("expected Hit with status 201, got %+v", res)
	}
}

func TestCheckReturnsConflictOnBodyMismatch(t *testing.T) {
	svc := newTestService(t)

	if err := svc.Save("alice", "key-1", "POST", "/v1/sandboxes", []byte(`{"a":1}`), 201, []byte(`{}`)); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	res, err := svc.Check("alice", "key-1", "POST", "/v1/sandboxes", []byte(`{"a":2}`))
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if res.Outcome != Conflict {
		t.Fatalf("expected Conflict, got %v", res.Outcome)
	}
}

func TestSweepRemovesExpiredRecords(t *testing.T) {
	svc := newTestService(t)
	svc.ttl = -time.Hour // force immediate expiry

	if err := svc.Save("alice", "key-1", "POST", "/v1/sandboxes", []byte(`{}`), 201, []byte(`{}`)); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	n, err := svc.Sweep()
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 swept record, got %d", n)
	}
}
