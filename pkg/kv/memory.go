package kv

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type memItem struct {
	value     []byte
	expiresAt time.Time
}

// Memory is an in-process Store bounded by entry count. Expired entries are
// dropped when read.
type Memory struct {
	entries *lru.Cache[string, memItem]
	now     func() time.Time
}

// NewMemory creates a Memory store holding at most maxItems entries.
func NewMemory(maxItems int) (*Memory, error) {
	entries, err := lru.New[string, memItem](maxItems)
	if err != nil {
		return nil, fmt.Errorf("create memory store: %w", err)
	}
	return &Memory{entries: entries, now: time.Now}, nil
}

// Get returns the value for key or ErrNotFound.
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	item, ok := m.entries.Get(key)
	if !ok {
		return nil, ErrNotFound
	}
	if !item.expiresAt.IsZero() && !m.now().Before(item.expiresAt) {
		m.entries.Remove(key)
		return nil, ErrNotFound
	}
	return item.value, nil
}

// Set stores value under key. A non-positive ttl never expires.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	item := memItem{value: append([]byte(nil), value...)}
	if ttl > 0 {
		item.expiresAt = m.now().Add(ttl)
	}
	m.entries.Add(key, item)
	return nil
}

// Delete removes key.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.entries.Remove(key)
	return nil
}

// Clear drops every entry.
func (m *Memory) Clear(context.Context) error {
	m.entries.Purge()
	return nil
}

// Len reports the number of entries, including any not yet found expired.
func (m *Memory) Len() int {
	return m.entries.Len()
}

// Close is a no-op.
func (m *Memory) Close() error {
	return nil
}
