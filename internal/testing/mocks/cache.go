package mocks

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/AndreyAkinshin/shipyard/internal/cache"
	shipyarderrors "github.com/AndreyAkinshin/shipyard/internal/errors"
)

// RestoreCall records one Cache.Restore invocation.
type RestoreCall struct {
	Key          string
	FallbackKeys []string
	Paths        []string
	Required     bool
}

// SaveCall records one Cache.Save invocation.
type SaveCall struct {
	Key   string
	Paths []string
}

// Cache is an in-memory cache.Cache with the same lookup semantics as the
// persistent store: exact key, then fallbacks as prefixes, newest first.
type Cache struct {
	// RestoreErr and SaveErr, when set, fail every call.
	RestoreErr error
	SaveErr    error

	mu       sync.Mutex
	seq      int
	entries  map[string]int // key -> save sequence
	restores []RestoreCall
	saves    []SaveCall
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]int)}
}

// WithEntries seeds keys, later keys being newer.
func (m *Cache) WithEntries(keys ...string) *Cache {
	for _, k := range keys {
		m.seq++
		m.entries[k] = m.seq
	}
	return m
}

// Restore implements cache.Cache.
func (m *Cache) Restore(_ context.Context, key string, fallbackKeys, paths []string, required bool) (cache.RestoreResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restores = append(m.restores, RestoreCall{Key: key, FallbackKeys: fallbackKeys, Paths: paths, Required: required})

	if m.RestoreErr != nil {
		return cache.RestoreResult{}, m.RestoreErr
	}
	if _, ok := m.entries[key]; ok {
		return cache.RestoreResult{Hit: true, MatchedKey: key}, nil
	}
	for _, prefix := range fallbackKeys {
		best, bestSeq := "", 0
		for k, seq := range m.entries {
			if strings.HasPrefix(k, prefix) && seq > bestSeq {
				best, bestSeq = k, seq
			}
		}
		if best != "" {
			return cache.RestoreResult{Hit: true, MatchedKey: best}, nil
		}
	}
	if required {
		return cache.RestoreResult{}, fmt.Errorf("%w: %s", shipyarderrors.ErrCacheRequiredMissing, key)
	}
	return cache.RestoreResult{}, nil
}

// Save implements cache.Cache.
func (m *Cache) Save(_ context.Context, key string, paths []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves = append(m.saves, SaveCall{Key: key, Paths: paths})
	if m.SaveErr != nil {
		return m.SaveErr
	}
	m.seq++
	m.entries[key] = m.seq
	return nil
}

// Restores returns recorded Restore calls.
func (m *Cache) Restores() []RestoreCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RestoreCall(nil), m.restores...)
}

// Saves returns recorded Save calls.
func (m *Cache) Saves() []SaveCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SaveCall(nil), m.saves...)
}

// SaveCount returns how many times key was saved.
func (m *Cache) SaveCount(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.saves {
		if s.Key == key {
			n++
		}
	}
	return n
}

// Has reports whether key is stored.
func (m *Cache) Has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[key]
	return ok
}
