// Package resourcemap tracks the per-(directory, resource type,
// upstream id) -> local id mapping the Node Classifier and Transaction
// Assembler depend on to distinguish "new" from "update" and to build
// DELETE requests once upstream stops reporting a resource.
//
// Persistence backend choice is explicitly out of scope (spec.md §1):
// Store is the seam a real deployment plugs a database into; this
// package only ships the in-memory implementation used by the engine's
// own tests and by single-process deployments.
package resourcemap

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nuts-foundation/mcsd-federation/lib/hash"
)

// Key identifies one resource map row.
type Key struct {
	DirectoryID        string
	ResourceType       string
	UpstreamResourceID string
}

// Record is one resource_map row (spec.md §3/§6).
type Record struct {
	Key
	LocalResourceID string
	// UpstreamHash is the content fingerprint (lib/hash.HashUpstream) the
	// local resource was last built from. The classifier compares the
	// current pass's upstream hash against this instead of re-fetching and
	// re-hashing the local resource on every pass.
	UpstreamHash hash.Fingerprint
	CreatedAt    time.Time
	DeletedAt    *time.Time
}

// Store is the persistence seam for resource-map rows. Implementations
// must make Upsert/Delete atomic per key; the Node Classifier relies on
// Get never observing a torn write.
type Store interface {
	Get(ctx context.Context, key Key) (Record, bool, error)
	GetBatch(ctx context.Context, keys []Key) (map[Key]Record, error)
	Upsert(ctx context.Context, record Record) error
	Delete(ctx context.Context, key Key) error
	// DeleteAllForDirectory removes every row owned by directoryID; used
	// by the registry cleanup hook when a directory is hard-deleted.
	DeleteAllForDirectory(ctx context.Context, directoryID string) error
}

// InMemoryStore is a mutex-guarded map implementation of Store, suitable
// for a single-process deployment or tests.
type InMemoryStore struct {
	mu   sync.RWMutex
	rows map[Key]Record
}

// NewInMemoryStore returns an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{rows: make(map[Key]Record)}
}

func (s *InMemoryStore) Get(_ context.Context, key Key) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.rows[key]
	return rec, ok, nil
}

func (s *InMemoryStore) GetBatch(_ context.Context, keys []Key) (map[Key]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[Key]Record, len(keys))
	for _, k := range keys {
		if rec, ok := s.rows[k]; ok {
			out[k] = rec
		}
	}
	return out, nil
}

// Upsert writes record. Retries on a simulated conflict are the caller's
// responsibility (see DESIGN.md open question #3); this in-memory
// implementation never itself conflicts since it holds an exclusive lock
// for the whole call.
func (s *InMemoryStore) Upsert(_ context.Context, record Record) error {
	if record.LocalResourceID == "" {
		return fmt.Errorf("resource map record missing local resource id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.CreatedAt.IsZero() {
		if existing, ok := s.rows[record.Key]; ok {
			record.CreatedAt = existing.CreatedAt
		} else {
			record.CreatedAt = time.Now()
		}
	}
	s.rows[record.Key] = record
	return nil
}

func (s *InMemoryStore) Delete(_ context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rows[key]
	if !ok {
		return nil
	}
	now := time.Now()
	rec.DeletedAt = &now
	s.rows[key] = rec
	return nil
}

func (s *InMemoryStore) DeleteAllForDirectory(_ context.Context, directoryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.rows {
		if k.DirectoryID == directoryID {
			delete(s.rows, k)
		}
	}
	return nil
}

// WithRetry retries fn up to attempts times with exponential backoff
// starting at base, per DESIGN.md's resolution of the "409 on resource-map
// insert" open question. It does not itself inspect the error for
// retryability; callers pass a fn that only returns an error worth
// retrying (e.g. a conflict from a concurrent pass on the same directory).
func WithRetry(ctx context.Context, attempts int, base time.Duration, fn func() error) error {
	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := fn(); err != nil {
			lastErr = err
			if i < attempts-1 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(base * (1 << i)):
				}
			}
			continue
		}
		return nil
	}
	return lastErr
}
