// Package idempotency implements the Idempotency Service (§4.7): caches
// responses to resource-creating writes keyed by (owner, Idempotency-Key)
// and replays them verbatim on retry.
package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/cuemby/bay/pkg/bayerr"
	"github.com/cuemby/bay/pkg/storage"
	"github.com/cuemby/bay/pkg/types"
)

// Outcome classifies the result of Check.
type Outcome int

const (
	Miss Outcome = iota
	Hit
	Conflict
)

// CacheResult is returned by Check.
type CacheResult struct {
	Outcome  Outcome
	Status   int
	Response []byte
}

// Service implements check/save.
type Service struct {
	store storage.Store
	ttl   time.Duration
}

// New constructs a Service with the configured record TTL.
func New(store storage.Store, ttl time.Duration) *Service {
	return &Service{store: store, ttl: ttl}
}

// HashBody canonicalizes and hashes a request body for comparison. A JSON
// body is re-encoded with sorted object keys and no insignificant whitespace
// (numbers keep their literal text); a body that is not a single JSON value
// is hashed as given.
func HashBody(body []byte) string {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err == nil && !dec.More() {
		if canon, err := json.Marshal(v); err == nil {
			body = canon
		}
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Check looks up an idempotency key and classifies the result per §4.7.
func (s *Service) Check(owner, key, method, path string, body []byte) (CacheResult, error) {
	record, err := s.store.GetIdempotencyRecord(owner, key)
	if err == storage.ErrNotFound {
		return CacheResult{Outcome: Miss}, nil
	}
	if err != nil {
		return CacheResult{}, bayerr.Internal("failed to fetch idempotency record").Wrap(err)
	}
	if record.ExpiresAt.Before(time.Now()) {
		return CacheResult{Outcome: Miss}, nil
	}

	hash := HashBody(body)
	if record.Method == method && record.Path == path && record.RequestHash == hash {
		return CacheResult{Outcome: Hit, Status: record.StatusCode, Response: record.ResponseBody}, nil
	}
	return CacheResult{Outcome: Conflict}, nil
}

// Save records a response for future replay.
func (s *Service) Save(owner, key, method, path string, body []byte, status int, response []byte) error {
	now := time.Now()
	record := &types.IdempotencyRecord{
		Key:          key,
		Owner:        owner,
		Method:       method,
		Path:         path,
		RequestHash:  HashBody(body),
		ResponseBody: response,
		StatusCode:   status,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.ttl),
	}
	if err := s.store.SaveIdempotencyRecord(record); err != nil {
		return bayerr.Internal("failed to save idempotency record").Wrap(err)
	}
	return nil
}

// Sweep deletes expired records; called by GC's startup/periodic cycle.
func (s *Service) Sweep() (int, error) {
	n, err := s.store.DeleteExpiredIdempotencyRecords(time.Now().Unix())
	if err != nil {
		return 0, bayerr.Internal("failed to sweep expired idempotency records").Wrap(err)
	}
	return n, nil
}
