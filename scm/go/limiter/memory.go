package limiter

import (
	"context"
	"sort"
	"sync"

	"go.engram.dev/engram/go/now"
	"go.engram.dev/engram/scm/go/types"
)

// MemoryStore implements Store in memory for tests.
type MemoryStore struct {
	mtx     sync.Mutex
	buckets map[string]*types.RateLimitBucket
}

// NewMemoryStore returns an empty in-memory bucket store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: map[string]*types.RateLimitBucket{}}
}

// Mutate implements Store.
func (m *MemoryStore) Mutate(ctx context.Context, instanceKey string, fn func(b *types.RateLimitBucket) error) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	b, ok := m.buckets[instanceKey]
	if !ok {
		b = newBucket(instanceKey, now.Now(ctx))
	}
	cp := *b
	if b.Meta != nil {
		cp.Meta = make(map[string]interface{}, len(b.Meta))
		for k, v := range b.Meta {
			cp.Meta[k] = v
		}
	}
	if err := fn(&cp); err != nil {
		return err
	}
	m.buckets[instanceKey] = &cp
	return nil
}

// Get implements Store.
func (m *MemoryStore) Get(ctx context.Context, instanceKey string) (*types.RateLimitBucket, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	b, ok := m.buckets[instanceKey]
	if !ok {
		return newBucket(instanceKey, now.Now(ctx)), nil
	}
	cp := *b
	return &cp, nil
}

// List implements Store.
func (m *MemoryStore) List(ctx context.Context) ([]*types.RateLimitBucket, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	out := make([]*types.RateLimitBucket, 0, len(m.buckets))
	for _, b := range m.buckets {
		cp := *b
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool {
		return out[i].InstanceKey < out[k].InstanceKey
	})
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
