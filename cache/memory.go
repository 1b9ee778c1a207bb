package cache

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemProvider keeps stores in process memory.
// Nothing survives a restart, so it is meant for tests and ephemeral workers.
type MemProvider struct {
	mutex  *sync.RWMutex
	stores map[string]map[string]Record
}

func NewMemProvider() *MemProvider {
	return &MemProvider{
		mutex:  &sync.RWMutex{},
		stores: make(map[string]map[string]Record),
	}
}

func (m *MemProvider) Open(_ context.Context, name string) (Store, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.stores[name]; !ok {
		m.stores[name] = make(map[string]Record)
	}
	return &memStore{provider: m, name: name}, nil
}

func (m *MemProvider) Delete(_ context.Context, name string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	_, ok := m.stores[name]
	delete(m.stores, name)
	return ok, nil
}

func (m *MemProvider) Names(_ context.Context) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, 0, len(m.stores))
	for name := range m.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemProvider) Close() error {
	return nil
}

type memStore struct {
	provider *MemProvider
	name     string
}

func (s *memStore) Name() string {
	return s.name
}

func (s *memStore) Put(ctx context.Context, key string, rec Record) error {
	return s.PutAll(ctx, map[string]Record{key: rec})
}

func (s *memStore) PutAll(_ context.Context, recs map[string]Record) error {
	s.provider.mutex.Lock()
	defer s.provider.mutex.Unlock()
	db, ok := s.provider.stores[s.name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrStoreNotFound, s.name)
	}
	for key, rec := range recs {
		rec = rec.Clone()
		if rec.StoredAt.IsZero() {
			rec.StoredAt = time.Now()
		}
		if rec.Body == nil {
			rec.Body = []byte{}
		}
		db[key] = rec
	}
	return nil
}

func (s *memStore) Match(_ context.Context, key string) (Record, bool, error) {
	s.provider.mutex.RLock()
	defer s.provider.mutex.RUnlock()
	rec, ok := s.provider.stores[s.name][key]
	if !ok {
		return Record{}, false, nil
	}
	return rec.Clone(), true, nil
}

func (s *memStore) Remove(_ context.Context, key string) (bool, error) {
	s.provider.mutex.Lock()
	defer s.provider.mutex.Unlock()
	db := s.provider.stores[s.name]
	_, ok := db[key]
	delete(db, key)
	return ok, nil
}

func (s *memStore) Keys(_ context.Context) ([]string, error) {
	s.provider.mutex.RLock()
	defer s.provider.mutex.RUnlock()
	db := s.provider.stores[s.name]
	keys := make([]string, 0, len(db))
	for key := range db {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := db[keys[i]].StoredAt, db[keys[j]].StoredAt
		if a.Equal(b) {
			return keys[i] < keys[j]
		}
		return a.Before(b)
	})
	return keys, nil
}
