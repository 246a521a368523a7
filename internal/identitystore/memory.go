package identitystore

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Memory is an in-process Store. Data does not persist across restarts;
// used when the sqlite datasource is configured as empty. Grounded on
// internal/store/memory/memory.go.
type Memory struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemory builds an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]Record)}
}

func (m *Memory) List(ctx context.Context) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b Record) int {
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out, nil
}

func (m *Memory) Get(ctx context.Context, id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r, nil
}

func (m *Memory) Create(ctx context.Context, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r.ID == "" {
		r.ID = ulid.Make().String()
	}
	now := time.Now()
	r.CreatedAt, r.UpdatedAt = now, now
	m.records[r.ID] = r
	return nil
}

// Update performs the read-modify-write under the store's single mutex,
// which gives it the atomicity SPEC_FULL §6 requires for quota/credential
// updates.
func (m *Memory) Update(ctx context.Context, id string, fn func(Record) (Record, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}

	next, err := fn(r)
	if err != nil {
		return err
	}
	next.ID = id
	next.UpdatedAt = time.Now()
	m.records[id] = next
	return nil
}

func (m *Memory) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	return nil
}

func (m *Memory) Close() error { return nil }
