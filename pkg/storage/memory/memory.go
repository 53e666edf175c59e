// Package memory is an in-process Repository with the same conflict
// semantics as the postgres store. It backs tests and dry runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/censys/brt-gps-collector/pkg/storage"
)

type key struct {
	busID      string
	capturedAt int64
}

// Store keeps records keyed by (bus_id, captured_at).
type Store struct {
	mu      sync.Mutex
	records map[key]storage.PositionRecord

	// Injected failures.
	AcquireErr error
	SchemaErr  error
	FailBusIDs map[string]error

	Acquired  int
	Released  int
	Schemas   int
	Mutations int
}

func New() *Store {
	return &Store{records: make(map[key]storage.PositionRecord)}
}

func (s *Store) Acquire(ctx context.Context) (storage.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.AcquireErr != nil {
		return nil, s.AcquireErr
	}
	s.Acquired++
	return &session{store: s}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.AcquireErr
}

// Records returns a copy of the stored rows ordered by bus id then time.
func (s *Store) Records() []storage.PositionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.PositionRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BusID != out[j].BusID {
			return out[i].BusID < out[j].BusID
		}
		return out[i].CapturedAt.Before(out[j].CapturedAt)
	})
	return out
}

type session struct {
	store    *Store
	released bool
}

func (ss *session) EnsureSchema(ctx context.Context) error {
	s := ss.store
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Schemas++
	return s.SchemaErr
}

func (ss *session) Upsert(ctx context.Context, record storage.PositionRecord, policy storage.ConflictPolicy) (storage.UpsertResult, error) {
	s := ss.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if err, ok := s.FailBusIDs[record.BusID]; ok {
		return storage.Unchanged, fmt.Errorf("upsert position %s: %w", record.BusID, err)
	}

	record.CapturedAt = record.CapturedAt.UTC().Truncate(time.Microsecond)
	k := key{busID: record.BusID, capturedAt: record.CapturedAt.UnixMicro()}
	existing, ok := s.records[k]
	switch {
	case !ok:
		s.records[k] = record
		s.Mutations++
		return storage.Inserted, nil
	case policy == storage.ConflictIgnore:
		return storage.Unchanged, nil
	case existing.Latitude == record.Latitude && existing.Longitude == record.Longitude && existing.Speed == record.Speed:
		return storage.Unchanged, nil
	default:
		s.records[k] = record
		s.Mutations++
		return storage.Updated, nil
	}
}

func (ss *session) Release() {
	if ss.released {
		return
	}
	ss.released = true
	ss.store.mu.Lock()
	ss.store.Released++
	ss.store.mu.Unlock()
}
