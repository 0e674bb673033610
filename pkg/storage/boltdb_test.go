package storage

import (
	"testing"
	"time"

	"github.com/cuemby/bay/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	dir := t.TempDir()
	st, err := NewBoltStore(dir)
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestSandboxCRUD(t *testing.T) {
	st := newTestStore(t)

	sb := &types.Sandbox{ID: "sb-1", Owner: "alice", ProfileID: "python-default", CreatedAt: time.Now()}
	if err := st.CreateSandbox(sb); err != nil {
		t.Fatalf("CreateSandbox() error = %v", err)
	}

	got, err := st.GetSandbox("sb-1")
	if err != nil {
		t.Fatalf("GetSandbox() error = %v", err)
	}
	if got.Owner != "alice" {
		t.Errorf("GetSandbox() owner = %q, want alice", got.Owner)
	}

	if _, err := st.GetSandbox("missing"); err != ErrNotFound {
		t.Errorf("GetSandbox(missing) error = %v, want ErrNotFound", err)
	}

	list, err := st.ListSandboxes("alice")
	if err != nil {
		t.Fatalf("ListSandboxes() error = %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("ListSandboxes() len = %d, want 1", len(list))
	}

	if err := st.DeleteSandbox("sb-1"); err != nil {
		t.Fatalf("DeleteSandbox() error = %v", err)
	}
	if _, err := st.GetSandbox("sb-1"); err != ErrNotFound {
		t.Errorf("GetSandbox() after delete error = %v, want ErrNotFound", err)
	}
}

func TestIdempotencyRecordExpiry(t *testing.T) {
	st := newTestStore(t)

	expired := &types.IdempotencyRecord{
		Key: "k1", Owner: "alice", Method: "POST", Path: "/v1/sandboxes",
		CreatedAt: time.Now().Add(-2 * time.Hour), ExpiresAt: time.Now().Add(-time.Hour),
	}
	live := &types.IdempotencyRecord{
		Key: "k2", Owner: "alice", Method: "POST", Path: "/v1/sandboxes",
		CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := st.SaveIdempotencyRecord(expired); err != nil {
		t.Fatalf("SaveIdempotencyRecord() error = %v", err)
	}
	if err := st.SaveIdempotencyRecord(live); err != nil {
		t.Fatalf("SaveIdempotencyRecord() error = %v", err)
	}

	n, err := st.DeleteExpiredIdempotencyRecords(time.Now().Unix())
	if err != nil {
		t.Fatalf("DeleteExpiredIdempotencyRecords() error = %v", err)
	}
	if n != 1 {
		t.Errorf("DeleteExpiredIdempotencyRecords() cleaned = %d, want 1", n)
	}

	if _, err := st.GetIdempotencyRecord("alice", "k2"); err != nil {
		t.Errorf("GetIdempotencyRecord(k2) error = %v, want nil", err)
	}
}
