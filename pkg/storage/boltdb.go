package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cuemby/bay/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketSandboxes  = []byte("sandboxes")
	bucketSessions   = []byte("sessions")
	bucketCargos     = []byte("cargos")
	bucketIdempotent = []byte("idempotency_records")
	bucketExecutions = []byte("execution_records")
)

// BoltStore is the embedded-database implementation of Store, grounded on
// the teacher's bucket-per-entity / JSON-marshaled-row convention.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if needed) bay.db under dataDir and ensures
// every bucket exists.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	path := filepath.Join(dataDir, "bay.db")
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketSandboxes, bucketSessions, bucketCargos, bucketIdempotent, bucketExecutions} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// --- Sandboxes ---

func (s *BoltStore) CreateSandbox(sb *types.Sandbox) error {
	return s.put(bucketSandboxes, sb.ID, sb)
}

func (s *BoltStore) GetSandbox(id string) (*types.Sandbox, error) {
	var sb types.Sandbox
	if err := s.get(bucketSandboxes, id, &sb); err != nil {
		return nil, err
	}
	return &sb, nil
}

func (s *BoltStore) ListSandboxes(owner string) ([]*types.Sandbox, error) {
	var out []*types.Sandbox
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSandboxes).ForEach(func(_, v []byte) error {
			var sb types.Sandbox
			if err := json.Unmarshal(v, &sb); err != nil {
				return err
			}
			if owner == "" || sb.Owner == owner {
				out = append(out, &sb)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) UpdateSandbox(sb *types.Sandbox) error {
	return s.put(bucketSandboxes, sb.ID, sb)
}

func (s *BoltStore) DeleteSandbox(id string) error {
	return s.delete(bucketSandboxes, id)
}

// --- Sessions ---

func (s *BoltStore) CreateSession(se *types.Session) error {
	return s.put(bucketSessions, se.ID, se)
}

func (s *BoltStore) GetSession(id string) (*types.Session, error) {
	var se types.Session
	if err := s.get(bucketSessions, id, &se); err != nil {
		return nil, err
	}
	return &se, nil
}

func (s *BoltStore) UpdateSession(se *types.Session) error {
	return s.put(bucketSessions, se.ID, se)
}

func (s *BoltStore) DeleteSession(id string) error {
	return s.delete(bucketSessions, id)
}

// --- Cargos ---

func (s *BoltStore) CreateCargo(c *types.Cargo) error {
	return s.put(bucketCargos, c.ID, c)
}

func (s *BoltStore) GetCargo(id string) (*types.Cargo, error) {
	var c types.Cargo
	if err := s.get(bucketCargos, id, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *BoltStore) ListCargos(owner string) ([]*types.Cargo, error) {
	var out []*types.Cargo
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCargos).ForEach(func(_, v []byte) error {
			var c types.Cargo
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			if owner == "" || c.Owner == owner {
				out = append(out, &c)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) UpdateCargo(c *types.Cargo) error {
	return s.put(bucketCargos, c.ID, c)
}

func (s *BoltStore) DeleteCargo(id string) error {
	return s.delete(bucketCargos, id)
}

// --- Idempotency records ---

func idempotencyKey(owner, key string) string {
	return owner + "/" + key
}

func (s *BoltStore) GetIdempotencyRecord(owner, key string) (*types.IdempotencyRecord, error) {
	var r types.IdempotencyRecord
	if err := s.get(bucketIdempotent, idempotencyKey(owner, key), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *BoltStore) SaveIdempotencyRecord(r *types.IdempotencyRecord) error {
	return s.put(bucketIdempotent, idempotencyKey(r.Owner, r.Key), r)
}

func (s *BoltStore) DeleteExpiredIdempotencyRecords(now int64) (int, error) {
	var toDelete [][]byte
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIdempotent).ForEach(func(k, v []byte) error {
			var r types.IdempotencyRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if r.ExpiresAt.Unix() < now {
				toDelete = append(toDelete, append([]byte(nil), k...))
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	if len(toDelete) == 0 {
		return 0, nil
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIdempotent)
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	return len(toDelete), err
}

// --- Execution records ---

func (s *BoltStore) CreateExecutionRecord(r *types.ExecutionRecord) error {
	return s.put(bucketExecutions, r.ID, r)
}

// --- generic helpers ---

func (s *BoltStore) put(bucket []byte, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", bucket, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

func (s *BoltStore) get(bucket []byte, key string, v any) error {
	return s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, v)
	})
}

func (s *BoltStore) delete(bucket []byte, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}
