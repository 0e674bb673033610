// Package locks implements the per-sandbox lock table described in the
// concurrency model: a process-local keyed mutex supporting concurrent
// acquisition for different keys and single-holder semantics per key.
package locks

import "sync"

// Table is a map of sandbox id to mutex, guarded by its own mutex for the
// map itself. Entries are never removed: cleaning up a key's entry the
// moment it is unlocked would race a concurrent Lock call for the same key,
// and the memory cost of keeping them around for the process lifetime is
// negligible.
type Table struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewTable creates an empty lock table.
func NewTable() *Table {
	return &Table{locks: make(map[string]*sync.Mutex)}
}

func (t *Table) entry(key string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.locks[key]
	if !ok {
		m = &sync.Mutex{}
		t.locks[key] = m
	}
	return m
}

// Lock acquires the mutex for key and returns a function to release it.
// Callers should always `defer unlock()` immediately.
func (t *Table) Lock(key string) (unlock func()) {
	m := t.entry(key)
	m.Lock()
	return m.Unlock
}
