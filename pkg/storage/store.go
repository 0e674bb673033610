// Package storage provides the embedded persistence layer backing the
// Sandbox, Session, Cargo, IdempotencyRecord and ExecutionRecord entities.
// Profiles are static configuration and are never stored here.
package storage

import "github.com/cuemby/bay/pkg/types"

// Store is the persistence interface every component depends on. The only
// implementation is BoltStore, but the interface keeps components testable
// against an in-memory fake.
type Store interface {
	CreateSandbox(s *types.Sandbox) error
	GetSandbox(id string) (*types.Sandbox, error)
	ListSandboxes(owner string) ([]*types.Sandbox, error)
	UpdateSandbox(s *types.Sandbox) error
	DeleteSandbox(id string) error

	CreateSession(s *types.Session) error
	GetSession(id string) (*types.Session, error)
	UpdateSession(s *types.Session) error
	DeleteSession(id string) error

	CreateCargo(c *types.Cargo) error
	GetCargo(id string) (*types.Cargo, error)
	ListCargos(owner string) ([]*types.Cargo, error)
	UpdateCargo(c *types.Cargo) error
	DeleteCargo(id string) error

	GetIdempotencyRecord(owner, key string) (*types.IdempotencyRecord, error)
	SaveIdempotencyRecord(r *types.IdempotencyRecord) error
	DeleteExpiredIdempotencyRecords(now int64) (int, error)

	CreateExecutionRecord(r *types.ExecutionRecord) error

	Close() error
}

// ErrNotFound is returned by Get* methods when the bucket's key is absent.
// Components convert this into a *bayerr.Error at their own boundary rather
// than leaking a storage-specific sentinel further up.
var ErrNotFound = notFoundErr{}

type notFoundErr struct{}

func (notFoundErr) Error() string { return "not found" }
