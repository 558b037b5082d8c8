package hostkv

import (
	"context"
	"sync"
	"time"
)

// MemStorage is an in-process Storage implementation backed by a map, used
// by the test suite in place of Redis.
type MemStorage struct {
	mu   sync.Mutex
	data map[string][]byte
}

func NewMemStorage() *MemStorage {
	return &MemStorage{data: make(map[string][]byte)}
}

func (m *MemStorage) Get(ctx context.Context, collection, id string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key(collection, id)]
	if !ok {
		return nil, nil
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}

func (m *MemStorage) Put(ctx context.Context, collection, id string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	m.data[key(collection, id)] = cp
	return nil
}

func (m *MemStorage) Delete(ctx context.Context, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key(collection, id))
	return nil
}

func (m *MemStorage) List(ctx context.Context, collection string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := collection + ":"
	var ids []string
	for k := range m.data {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			ids = append(ids, k[len(prefix):])
		}
	}
	return ids, nil
}

// TryClaim ignores ttl: the in-memory fake never expires claims, which is
// fine for a test run's lifetime.
func (m *MemStorage) TryClaim(ctx context.Context, collection, id string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(collection, id)
	if _, exists := m.data[k]; exists {
		return false, nil
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	m.data[k] = cp
	return true, nil
}

// MemVault is an in-process SecretVault, the same map-backed fake as
// MemStorage one layer up at the secret boundary.
type MemVault struct {
	mu   sync.Mutex
	data map[string][]byte
}

func NewMemVault() *MemVault {
	return &MemVault{data: make(map[string][]byte)}
}

func (v *MemVault) GetSecret(ctx context.Context, key string) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	val, ok := v.data[key]
	if !ok {
		return nil, nil
	}
	cp := make([]byte, len(val))
	copy(cp, val)
	return cp, nil
}

func (v *MemVault) PutSecret(ctx context.Context, key string, value []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	v.data[key] = cp
	return nil
}

func (v *MemVault) DeleteSecret(ctx context.Context, key string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.data, key)
	return nil
}
