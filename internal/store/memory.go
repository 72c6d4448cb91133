package store

import (
	"context"
	"sync"
	"time"
)

type item struct {
	value   float64
	expires time.Time
}

// Memory is the single-process Store used when Redis is disabled.
type Memory struct {
	mu    sync.Mutex
	items map[string]item
	now   func() time.Time
}

func NewMemory() *Memory {
	return &Memory{items: make(map[string]item), now: time.Now}
}

// WithClock replaces the time source; used by tests to expire keys.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
	return m
}

// load must be called with mu held.
func (m *Memory) load(key string) (float64, bool) {
	it, ok := m.items[key]
	if !ok {
		return 0, false
	}
	if !it.expires.IsZero() && !m.now().Before(it.expires) {
		delete(m.items, key)
		return 0, false
	}
	return it.value, true
}

func (m *Memory) store(key string, value float64, ttl time.Duration) {
	it := item{value: value}
	if ttl > 0 {
		it.expires = m.now().Add(ttl)
	}
	m.items[key] = it
}

func (m *Memory) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, _ := m.load(key)
	current++
	m.store(key, current, ttl)
	return int64(current), nil
}

func (m *Memory) GetFloat(_ context.Context, key string) (float64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.load(key)
	return value, ok, nil
}

func (m *Memory) SetFloat(_ context.Context, key string, value float64, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store(key, value, ttl)
	return nil
}

func (m *Memory) Update(_ context.Context, key string, ttl time.Duration, fn UpdateFunc) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.load(key)
	next := fn(current, ok)
	m.store(key, next, ttl)
	return next, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = make(map[string]item)
	return nil
}
