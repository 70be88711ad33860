package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

type memoryEntry struct {
	version int
	body    json.RawMessage
}

// MemoryStore is a concurrency-safe, in-memory Store.
type MemoryStore struct {
	mu        sync.RWMutex
	resources map[string]map[string]*memoryEntry
	now       func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		resources: make(map[string]map[string]*memoryEntry),
		now:       time.Now,
	}
}

func (s *MemoryStore) Read(_ context.Context, resourceType, id string) (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.resources[resourceType][id]
	if !ok {
		return nil, notFound(resourceType, id)
	}
	return clone(e.body), nil
}

func (s *MemoryStore) Create(_ context.Context, resourceType, id string, body json.RawMessage) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.resources[resourceType][id]; ok {
		return nil, conflict(resourceType, id)
	}
	return s.put(resourceType, id, 1, body)
}

func (s *MemoryStore) Update(_ context.Context, resourceType, id string, body json.RawMessage) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	version := 1
	if e, ok := s.resources[resourceType][id]; ok {
		version = e.version + 1
	}
	return s.put(resourceType, id, version, body)
}

// put stores a stamped copy. Caller holds the write lock.
func (s *MemoryStore) put(resourceType, id string, version int, body json.RawMessage) (json.RawMessage, error) {
	stamped, err := stamp(resourceType, id, version, s.now(), body)
	if err != nil {
		return nil, err
	}
	byID, ok := s.resources[resourceType]
	if !ok {
		byID = make(map[string]*memoryEntry)
		s.resources[resourceType] = byID
	}
	byID[id] = &memoryEntry{version: version, body: stamped}
	return clone(stamped), nil
}

// Search returns matching resources ordered by id.
func (s *MemoryStore) Search(_ context.Context, resourceType string, criteria []Criterion) ([]json.RawMessage, error) {
	if err := validate(resourceType, criteria); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.resources[resourceType]))
	for id := range s.resources[resourceType] {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []json.RawMessage
	for _, id := range ids {
		body := s.resources[resourceType][id].body
		ok, err := MatchJSON(resourceType, body, criteria)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, clone(body))
		}
	}
	return out, nil
}

// Len returns the number of stored resources of a type.
func (s *MemoryStore) Len(resourceType string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.resources[resourceType])
}

func clone(b json.RawMessage) json.RawMessage {
	return append(json.RawMessage(nil), b...)
}
