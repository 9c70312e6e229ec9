package cache

import (
	"context"
	"sync"
	"time"

	"github.com/HanTheDev/legal-research-gateway/internal/models"
	"github.com/HanTheDev/legal-research-gateway/internal/shard"
)

type memShard struct {
	mu    sync.RWMutex
	parts map[models.Partition]map[string]*models.CacheEntry
}

// MemoryBackend keeps entries in process, striped by partition. A partition
// lives entirely in one stripe, so a tenant's traffic only contends with
// partitions hashed to the same stripe.
type MemoryBackend struct {
	shards []*memShard
}

func NewMemoryBackend() *MemoryBackend {
	m := &MemoryBackend{shards: make([]*memShard, shard.Count)}
	for i := range m.shards {
		m.shards[i] = &memShard{parts: make(map[models.Partition]map[string]*models.CacheEntry)}
	}
	return m
}

func (m *MemoryBackend) shardFor(p models.Partition) *memShard {
	return m.shards[shard.Index(p.String(), len(m.shards))]
}

func clone(e *models.CacheEntry) *models.CacheEntry {
	c := *e
	return &c
}

func (m *MemoryBackend) Get(_ context.Context, p models.Partition, hash string) (*models.CacheEntry, error) {
	s := m.shardFor(p)
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.parts[p][hash]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(e), nil
}

func (m *MemoryBackend) Scan(_ context.Context, p models.Partition) ([]*models.CacheEntry, []string, error) {
	s := m.shardFor(p)
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]*models.CacheEntry, 0, len(s.parts[p]))
	for _, e := range s.parts[p] {
		entries = append(entries, clone(e))
	}
	sortEntries(entries)
	return entries, nil, nil
}

func (m *MemoryBackend) Put(_ context.Context, e *models.CacheEntry) error {
	s := m.shardFor(e.Partition)
	s.mu.Lock()
	defer s.mu.Unlock()

	part, ok := s.parts[e.Partition]
	if !ok {
		part = make(map[string]*models.CacheEntry)
		s.parts[e.Partition] = part
	}
	part[e.QueryHash] = clone(e)
	return nil
}

func (m *MemoryBackend) Hit(_ context.Context, p models.Partition, hash string, now, extendTo time.Time) (*models.CacheEntry, error) {
	s := m.shardFor(p)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.parts[p][hash]
	if !ok {
		return nil, ErrNotFound
	}
	e.HitCount++
	e.LastAccessed = now
	if extendTo.After(e.ExpiresAt) && e.Live(now) {
		e.ExpiresAt = extendTo
	}
	return clone(e), nil
}

func (m *MemoryBackend) SetValid(_ context.Context, p models.Partition, hash string, valid bool) error {
	s := m.shardFor(p)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.parts[p][hash]
	if !ok {
		return ErrNotFound
	}
	e.Valid = valid
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, p models.Partition, hash string) error {
	s := m.shardFor(p)
	s.mu.Lock()
	defer s.mu.Unlock()

	part := s.parts[p]
	delete(part, hash)
	if len(part) == 0 {
		delete(s.parts, p)
	}
	return nil
}

func (m *MemoryBackend) Partitions(_ context.Context, tenantID string) ([]models.Partition, error) {
	var out []models.Partition
	for _, s := range m.shards {
		s.mu.RLock()
		for p := range s.parts {
			if tenantID == "" || p.TenantID == tenantID {
				out = append(out, p)
			}
		}
		s.mu.RUnlock()
	}
	return out, nil
}

func (m *MemoryBackend) DropPartition(_ context.Context, p models.Partition) (int, error) {
	s := m.shardFor(p)
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.parts[p])
	delete(s.parts, p)
	return n, nil
}

func (m *MemoryBackend) Len() int {
	n := 0
	for _, s := range m.shards {
		s.mu.RLock()
		for _, part := range s.parts {
			n += len(part)
		}
		s.mu.RUnlock()
	}
	return n
}
