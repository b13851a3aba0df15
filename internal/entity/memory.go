package entity

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"bulk-transfer-engine/internal/criteria"
	"bulk-transfer-engine/internal/models"
)

type memoryEntry struct {
	id   string
	key  string
	data models.Record
}

// MemoryStore keeps records in process. It backs tests and single-node runs.
type MemoryStore struct {
	registry *Registry

	mu      sync.RWMutex
	entries map[string][]*memoryEntry
	byKey   map[string]map[string]*memoryEntry
}

// NewMemoryStore builds an empty store validating against registry.
func NewMemoryStore(registry *Registry) *MemoryStore {
	return &MemoryStore{
		registry: registry,
		entries:  make(map[string][]*memoryEntry),
		byKey:    make(map[string]map[string]*memoryEntry),
	}
}

func (m *MemoryStore) Create(ctx context.Context, entityType string, rec models.Record) (models.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	schema, err := m.registry.Resolve(entityType)
	if err != nil {
		return nil, err
	}
	clean, err := schema.Validate(rec)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := ""
	if values, ok := KeyValues(clean, schema.NaturalKey); ok {
		key = JoinKey(values)
		if _, taken := m.byKey[entityType][key]; taken {
			return nil, fmt.Errorf("%w: %v", ErrDuplicateKey, values)
		}
	}
	m.insertLocked(entityType, key, clean)
	return copyRecord(clean), nil
}

func (m *MemoryStore) Upsert(ctx context.Context, entityType string, rec models.Record, naturalKey []string) (models.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	schema, err := m.registry.Resolve(entityType)
	if err != nil {
		return nil, err
	}
	if len(naturalKey) == 0 {
		naturalKey = schema.NaturalKey
	}
	values, ok, err := schema.KeyOf(rec, naturalKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &ValidationError{Field: naturalKey[0], Message: "natural key value is missing"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	pred := criteria.Equals(naturalKey, values)
	for _, e := range m.entries[entityType] {
		if !pred.Match(e.data) {
			continue
		}
		merged := copyRecord(e.data)
		for k, v := range rec {
			merged[k] = v
		}
		clean, err := schema.Validate(merged)
		if err != nil {
			return nil, err
		}
		newKey := ""
		if kv, ok := KeyValues(clean, schema.NaturalKey); ok {
			newKey = JoinKey(kv)
		}
		if newKey != e.key {
			if other, taken := m.byKey[entityType][newKey]; taken && newKey != "" && other != e {
				return nil, fmt.Errorf("%w: %q", ErrDuplicateKey, newKey)
			}
			delete(m.byKey[entityType], e.key)
			if newKey != "" {
				m.indexLocked(entityType, newKey, e)
			}
			e.key = newKey
		}
		e.data = clean
		return copyRecord(clean), nil
	}

	clean, err := schema.Validate(rec)
	if err != nil {
		return nil, err
	}
	key := ""
	if kv, ok := KeyValues(clean, schema.NaturalKey); ok {
		key = JoinKey(kv)
		if _, taken := m.byKey[entityType][key]; taken {
			return nil, fmt.Errorf("%w: %v", ErrDuplicateKey, kv)
		}
	}
	m.insertLocked(entityType, key, clean)
	return copyRecord(clean), nil
}

func (m *MemoryStore) FindOne(ctx context.Context, entityType string, pred *criteria.Predicate) (models.Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	schema, err := m.registry.Resolve(entityType)
	if err != nil {
		return nil, false, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if values, ok := pred.KeyLookup(schema.NaturalKey); ok {
		if e, found := m.byKey[entityType][JoinKey(values)]; found {
			return copyRecord(e.data), true, nil
		}
		return nil, false, nil
	}
	for _, e := range m.entries[entityType] {
		if pred.Match(e.data) {
			return copyRecord(e.data), true, nil
		}
	}
	return nil, false, nil
}

func (m *MemoryStore) FindAll(ctx context.Context, entityType string, pred *criteria.Predicate, fn func(models.Record) error) error {
	if _, err := m.registry.Resolve(entityType); err != nil {
		return err
	}

	m.mu.RLock()
	snapshot := make([]models.Record, 0, len(m.entries[entityType]))
	for _, e := range m.entries[entityType] {
		if pred.Match(e.data) {
			snapshot = append(snapshot, copyRecord(e.data))
		}
	}
	m.mu.RUnlock()

	for _, rec := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// Count returns how many records of entityType are stored.
func (m *MemoryStore) Count(entityType string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries[entityType])
}

func (m *MemoryStore) insertLocked(entityType, key string, data models.Record) {
	e := &memoryEntry{id: uuid.New().String(), key: key, data: data}
	m.entries[entityType] = append(m.entries[entityType], e)
	if key != "" {
		m.indexLocked(entityType, key, e)
	}
}

func (m *MemoryStore) indexLocked(entityType, key string, e *memoryEntry) {
	if m.byKey[entityType] == nil {
		m.byKey[entityType] = make(map[string]*memoryEntry)
	}
	m.byKey[entityType][key] = e
}

func copyRecord(r models.Record) models.Record {
	out := make(models.Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
