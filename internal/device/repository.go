package device

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Repository defines the persistence interface for device records.
//
// Writes are conditional on the version the caller last saw, which lets the
// registry commit a whole record atomically: either the new version is
// stored or nothing is.
type Repository interface {
	// List returns every stored record.
	List(ctx context.Context) ([]Record, error)

	// Get returns one record, or ErrDeviceNotFound.
	Get(ctx context.Context, id string) (*Record, error)

	// Save stores rec if the stored version equals prevVersion. A
	// prevVersion of 0 means the record must not exist yet. Returns
	// ErrConflict when the condition fails.
	Save(ctx context.Context, rec *Record, prevVersion uint64) error

	// Delete removes the record if its stored version equals version.
	// Returns ErrDeviceNotFound or ErrConflict.
	Delete(ctx context.Context, id string, version uint64) error
}

// MemoryRepository keeps records in process memory.
// Used with storage.driver "memory" and in tests.
type MemoryRepository struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[string]*Record)}
}

// List returns copies of all records ordered by id.
func (m *MemoryRepository) List(_ context.Context) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, *rec.DeepCopy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Get returns a copy of one record.
func (m *MemoryRepository) Get(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	return rec.DeepCopy(), nil
}

// Save stores a copy of rec under the version condition.
func (m *MemoryRepository) Save(_ context.Context, rec *Record, prevVersion uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stored uint64
	if cur, ok := m.records[rec.ID]; ok {
		stored = cur.Version
	}
	if stored != prevVersion {
		return fmt.Errorf("%w: %s is at version %d, expected %d", ErrConflict, rec.ID, stored, prevVersion)
	}

	m.records[rec.ID] = rec.DeepCopy()
	return nil
}

// Delete removes a record under the version condition.
func (m *MemoryRepository) Delete(_ context.Context, id string, version uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.records[id]
	if !ok {
		return ErrDeviceNotFound
	}
	if cur.Version != version {
		return fmt.Errorf("%w: %s is at version %d, expected %d", ErrConflict, id, cur.Version, version)
	}
	delete(m.records, id)
	return nil
}
