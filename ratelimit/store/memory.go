package store

import (
	"context"
	"sync"
	"time"
)

type memorySegment struct {
	count      int64
	expiration time.Time
}

// Memory is an in-memory implementation of Store using a map with mutex protection.
//
// WARNING: This implementation is NOT suitable for distributed deployments.
// Each instance keeps its own counters, so clients can exceed the intended
// limit by spreading requests across instances. Use Memory for tests, local
// development and single-instance deployments; use Redis otherwise.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]map[int64]*memorySegment
	now     func() time.Time
	stopCh  chan struct{}
	once    sync.Once
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithMemoryClock overrides time.Now for expiry decisions.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMemory creates a new in-memory store with automatic cleanup of expired segments.
// A background goroutine runs every minute to drop expired segments.
//
// Important: You must call Close() when done to stop the cleanup goroutine.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		entries: make(map[string]map[int64]*memorySegment),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	go m.cleanup()
	return m
}

// Segments returns a copy of the unexpired segment counters for key.
func (m *Memory) Segments(_ context.Context, key string) (map[int64]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	segments := make(map[int64]int64, len(m.entries[key]))
	for segment, entry := range m.entries[key] {
		if now.Before(entry.expiration) {
			segments[segment] = entry.count
		}
	}
	return segments, nil
}

// Record increments the segment counter. The expiry is set only when the
// segment is created, matching HPEXPIRE NX.
func (m *Memory) Record(_ context.Context, key string, segment int64, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	segments, ok := m.entries[key]
	if !ok {
		segments = make(map[int64]*memorySegment)
		m.entries[key] = segments
	}

	entry, ok := segments[segment]
	if !ok || !now.Before(entry.expiration) {
		segments[segment] = &memorySegment{
			count:      1,
			expiration: now.Add(ttl),
		}
		return nil
	}

	entry.count++
	return nil
}

// Reset removes all segment counters for key.
func (m *Memory) Reset(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, key)
	return nil
}

// Close stops the cleanup goroutine. Safe to call more than once.
func (m *Memory) Close() error {
	m.once.Do(func() { close(m.stopCh) })
	return nil
}

func (m *Memory) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.removeExpired()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Memory) removeExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for key, segments := range m.entries {
		for segment, entry := range segments {
			if !now.Before(entry.expiration) {
				delete(segments, segment)
			}
		}
		if len(segments) == 0 {
			delete(m.entries, key)
		}
	}
}
