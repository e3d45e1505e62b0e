package status

import (
	"context"
	"sync"
	"time"

	"relaycast/internal/models"
)

// MemoryStore keeps records in process. It is suitable for single-process
// deployments and tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
	seq     int64
	now     func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(time.Now)
}

// NewMemoryStoreWithClock returns an empty MemoryStore stamping records with
// now.
func NewMemoryStoreWithClock(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{records: make(map[string]Record), now: now}
}

func (m *MemoryStore) Get(_ context.Context, streamID string) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[streamID]
	return record, ok, nil
}

func (m *MemoryStore) CompareAndSwap(_ context.Context, streamID string, generation int64, next models.StreamStatus) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, exists := m.records[streamID]
	if !matches(current, exists, generation) {
		return Record{}, ErrConflict
	}
	m.seq++
	record := Record{StreamStatus: next, Generation: m.seq, UpdatedAt: m.now().UTC()}
	m.records[streamID] = record
	return record, nil
}

func (m *MemoryStore) CompareAndDelete(_ context.Context, streamID string, generation int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, exists := m.records[streamID]
	if !matches(current, exists, generation) {
		return ErrConflict
	}
	delete(m.records, streamID)
	return nil
}

func (m *MemoryStore) List(context.Context) (map[string]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Record, len(m.records))
	for id, record := range m.records {
		out[id] = record
	}
	return out, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func matches(current Record, exists bool, generation int64) bool {
	if generation == 0 {
		return !exists
	}
	return exists && current.Generation == generation
}
