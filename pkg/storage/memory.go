package storage

import (
	"sync"
)

// MemoryEngine is a thread-safe in-memory candidate store.
//
// It keeps each collection as a slice in write order, which makes it the
// reference for Engine semantics in tests. Nothing survives Close.
//
// Example:
//
//	engine := storage.NewMemoryEngine()
//	defer engine.Close()
type MemoryEngine struct {
	mu        sync.RWMutex
	instances map[string][]ScoredInstance
	patterns  map[string][]ScoredPattern
	closed    bool
}

// NewMemoryEngine creates an empty in-memory store.
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{
		instances: make(map[string][]ScoredInstance),
		patterns:  make(map[string][]ScoredPattern),
	}
}

// InsertInstance appends an instance record.
func (m *MemoryEngine) InsertInstance(relation string, rec ScoredInstance) error {
	if err := validateRelation(relation); err != nil {
		return err
	}
	if err := validateInstanceRecord(rec); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStorageClosed
	}

	rec.Instance = rec.Instance.Clone()
	m.instances[relation] = append(m.instances[relation], rec)
	return nil
}

// InsertPattern appends a pattern record.
func (m *MemoryEngine) InsertPattern(relation string, rec ScoredPattern) error {
	if err := validateRelation(relation); err != nil {
		return err
	}
	if err := validatePatternRecord(rec); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStorageClosed
	}

	m.patterns[relation] = append(m.patterns[relation], rec)
	return nil
}

// LatestInstance returns the record with the greatest iteration for inst.
// Among records of the same iteration the last written wins.
func (m *MemoryEngine) LatestInstance(relation string, inst Instance) (*ScoredInstance, error) {
	if err := validateRelation(relation); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStorageClosed
	}

	var found *ScoredInstance
	for idx := range m.instances[relation] {
		rec := &m.instances[relation][idx]
		if !rec.Instance.Equal(inst) {
			continue
		}
		if found == nil || rec.Iteration >= found.Iteration {
			found = rec
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	out := *found
	out.Instance = found.Instance.Clone()
	return &out, nil
}

// LatestPattern returns the record with the greatest iteration for p.
func (m *MemoryEngine) LatestPattern(relation string, p Pattern) (*ScoredPattern, error) {
	if err := validateRelation(relation); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStorageClosed
	}

	var found *ScoredPattern
	for idx := range m.patterns[relation] {
		rec := &m.patterns[relation][idx]
		if rec.Pattern != p {
			continue
		}
		if found == nil || rec.Iteration >= found.Iteration {
			found = rec
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	out := *found
	return &out, nil
}

// Instances returns the instance history in write order.
func (m *MemoryEngine) Instances(relation string) ([]ScoredInstance, error) {
	if err := validateRelation(relation); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStorageClosed
	}

	out := make([]ScoredInstance, len(m.instances[relation]))
	for idx, rec := range m.instances[relation] {
		rec.Instance = rec.Instance.Clone()
		out[idx] = rec
	}
	return out, nil
}

// Patterns returns the pattern history in write order.
func (m *MemoryEngine) Patterns(relation string) ([]ScoredPattern, error) {
	if err := validateRelation(relation); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStorageClosed
	}

	return append([]ScoredPattern(nil), m.patterns[relation]...), nil
}

// Drop removes both collections of a relation.
func (m *MemoryEngine) Drop(relation string) error {
	if err := validateRelation(relation); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStorageClosed
	}

	delete(m.instances, relation)
	delete(m.patterns, relation)
	return nil
}

// Close marks the store closed and releases its records.
func (m *MemoryEngine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.instances = nil
	m.patterns = nil
	return nil
}

var (
	_ Engine = (*MemoryEngine)(nil)
	_ Engine = (*BadgerEngine)(nil)
)
