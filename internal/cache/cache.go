// Package cache provides the read-through answer cache.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"
	"unicode"
)

// Cache stores finished answers by key.
type Cache interface {
	// Get returns the cached value and whether it was found.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set stores value for ttl.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

const keyPrefix = "answer"

// NormalizeQuestion folds case and whitespace and drops trailing
// punctuation so trivially different spellings share an entry.
func NormalizeQuestion(q string) string {
	q = strings.Join(strings.Fields(strings.ToLower(q)), " ")
	return strings.TrimRightFunc(q, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r)
	})
}

// Key builds the cache key for a question under a knowledge base version.
func Key(question, kbVersion string) string {
	sum := sha256.Sum256([]byte(NormalizeQuestion(question)))
	return keyPrefix + ":" + kbVersion + ":" + hex.EncodeToString(sum[:])
}

const defaultMemoryEntries = 1024

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// Memory is an in-process Cache bounded by entry count.
type Memory struct {
	mu         sync.Mutex
	entries    map[string]memoryEntry
	maxEntries int
	now        func() time.Time
}

// NewMemory creates an in-process cache holding at most maxEntries values.
func NewMemory(maxEntries int) *Memory {
	if maxEntries <= 0 {
		maxEntries = defaultMemoryEntries
	}
	return &Memory{
		entries:    make(map[string]memoryEntry),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// Get returns a live entry.
func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return "", false, nil
	}
	if !m.now().Before(e.expiresAt) {
		delete(m.entries, key)
		return "", false, nil
	}
	return e.value, true, nil
}

// Set stores value. When full, expired entries are dropped first, then the
// entry closest to expiry.
func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[key]; !ok && len(m.entries) >= m.maxEntries {
		m.evictLocked(now)
	}
	m.entries[key] = memoryEntry{value: value, expiresAt: now.Add(ttl)}
	return nil
}

func (m *Memory) evictLocked(now time.Time) {
	var oldest string
	var oldestAt time.Time
	for k, e := range m.entries {
		if !now.Before(e.expiresAt) {
			delete(m.entries, k)
			continue
		}
		if oldest == "" || e.expiresAt.Before(oldestAt) {
			oldest, oldestAt = k, e.expiresAt
		}
	}
	if len(m.entries) >= m.maxEntries && oldest != "" {
		delete(m.entries, oldest)
	}
}
