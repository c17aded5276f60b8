package breaker

import (
	"context"
	"encoding/json"
	"sync"

	"go.engram.dev/engram/go/skerr"
)

// MemoryStore implements Store in memory for tests. Values are passed through
// a JSON round trip so tests observe the same number types as the SQL store.
type MemoryStore struct {
	mtx    sync.Mutex
	values map[string]map[string]interface{}
}

// NewMemoryStore returns an empty in-memory circuit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: map[string]map[string]interface{}{}}
}

func roundTrip(value map[string]interface{}) (map[string]interface{}, error) {
	if value == nil {
		return nil, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, skerr.Wrap(err)
	}
	return out, nil
}

// Mutate implements Store.
func (m *MemoryStore) Mutate(ctx context.Context, key string, fn func(value map[string]interface{}) (map[string]interface{}, error)) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	current, err := roundTrip(m.values[key])
	if err != nil {
		return err
	}
	next, err := fn(current)
	if err != nil {
		return err
	}
	stored, err := roundTrip(next)
	if err != nil {
		return err
	}
	m.values[key] = stored
	return nil
}

// Get implements Store.
func (m *MemoryStore) Get(ctx context.Context, key string) (map[string]interface{}, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return roundTrip(m.values[key])
}

// List implements Store.
func (m *MemoryStore) List(ctx context.Context) (map[string]map[string]interface{}, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	out := make(map[string]map[string]interface{}, len(m.values))
	for k, v := range m.values {
		cp, err := roundTrip(v)
		if err != nil {
			return nil, err
		}
		out[k] = cp
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
