package store

import (
	"context"
	"path"
	"sort"
	"sync"
	"time"
)

// MemoryKV 进程内 KV（无 Redis 时使用，带 TTL）
type MemoryKV struct {
	mu   sync.Mutex
	data map[string]memItem
	now  func() time.Time
}

type memItem struct {
	value   string
	expires time.Time // zero = no ttl
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string]memItem), now: time.Now}
}

// WithClock 替换时钟（测试用）
func (m *MemoryKV) WithClock(now func() time.Time) *MemoryKV {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
	return m
}

func (m *MemoryKV) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.data[key]
	if !ok {
		return "", ErrMiss
	}
	if m.expired(item) {
		delete(m.data, key)
		return "", ErrMiss
	}
	return item.value, nil
}

func (m *MemoryKV) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var exp time.Time
	if ttl > 0 {
		exp = m.now().Add(ttl)
	}
	m.data[key] = memItem{value: value, expires: exp}
	return nil
}

func (m *MemoryKV) Delete(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

// ScanKeys 支持 Redis 风格的 * / ? 通配
func (m *MemoryKV) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var keys []string
	for k, item := range m.data {
		if m.expired(item) {
			delete(m.data, k)
			continue
		}
		if ok, err := path.Match(pattern, k); err != nil {
			return nil, err
		} else if ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryKV) expired(item memItem) bool {
	return !item.expires.IsZero() && m.now().After(item.expires)
}
