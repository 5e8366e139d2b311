package credstore

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

// Memory is an in-memory Store. It is the default medium for tests and for
// hosts without durable storage.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	clock   clockwork.Clock
}

type MemoryOption func(*Memory)

// WithClock sets the clock used for entry expiry (primarily for testing)
func WithClock(clock clockwork.Clock) MemoryOption {
	return func(m *Memory) {
		m.clock = clock
	}
}

func NewMemory(options ...MemoryOption) *Memory {
	m := &Memory{
		entries: make(map[string]memoryEntry),
		clock:   clockwork.NewRealClock(),
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

func (m *Memory) Set(key, value string, ttlDays int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := memoryEntry{value: value}
	if ttlDays > 0 {
		entry.expiresAt = m.clock.Now().Add(time.Duration(ttlDays) * 24 * time.Hour)
	}
	m.entries[key] = entry
	return nil
}

func (m *Memory) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.entries[key]
	if !ok {
		return "", false
	}
	if !entry.expiresAt.IsZero() && m.clock.Now().After(entry.expiresAt) {
		return "", false
	}
	return entry.value, true
}

func (m *Memory) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, key)
	return nil
}

func (m *Memory) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = make(map[string]memoryEntry)
	return nil
}
