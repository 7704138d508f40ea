package cache

import (
	"slices"
	"sort"
	"sync"
)

type memPartition struct {
	entries map[string]CacheEntry
}

// MemCache keeps partitions in process memory.
// Contents are lost when the process exits.
type MemCache struct {
	mutex *sync.RWMutex
	order []string
	db    map[string]memPartition
}

func NewMemCache() *MemCache {
	return &MemCache{
		mutex: &sync.RWMutex{},
		db:    make(map[string]memPartition),
	}
}

func (m *MemCache) Open(partition string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.open(partition)
	return nil
}

func (m *MemCache) open(partition string) memPartition {
	p, ok := m.db[partition]
	if !ok {
		p = memPartition{entries: make(map[string]CacheEntry)}
		m.db[partition] = p
		m.order = append(m.order, partition)
	}
	return p
}

func (m *MemCache) Partitions() ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return slices.Clone(m.order), nil
}

func (m *MemCache) Get(partition, key string) (CacheEntry, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	p, ok := m.db[partition]
	if !ok {
		return CacheEntry{}, false, nil
	}
	entry, ok := p.entries[key]
	if !ok {
		return CacheEntry{}, false, nil
	}
	entry.Bytes = slices.Clone(entry.Bytes)
	return entry, true, nil
}

func (m *MemCache) Put(partition string, entry CacheEntry) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	entry.Bytes = slices.Clone(entry.Bytes)
	m.open(partition).entries[entry.Key] = entry
	return nil
}

func (m *MemCache) Delete(partition string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.db[partition]; !ok {
		return false, nil
	}
	delete(m.db, partition)
	m.order = slices.DeleteFunc(m.order, func(name string) bool {
		return name == partition
	})
	return true, nil
}

func (m *MemCache) Keys(partition string, cb func(string)) error {
	m.mutex.RLock()
	p, ok := m.db[partition]
	if !ok {
		m.mutex.RUnlock()
		return ErrPartitionNotFound
	}
	keys := make([]string, 0, len(p.entries))
	for key := range p.entries {
		keys = append(keys, key)
	}
	m.mutex.RUnlock()

	sort.Strings(keys)
	for _, key := range keys {
		cb(key)
	}
	return nil
}

func (m *MemCache) Close() error {
	return nil
}
