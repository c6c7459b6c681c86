package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"
)

// TerminalSessionCache remembers device codes whose session reached a dead end (expired,
// consumed or never existed). Those states are permanent, so a hit lets a poll answer
// "expired" without touching the store.
type TerminalSessionCache interface {
	Seen(ctx context.Context, deviceCode string) (bool, error)
	Remember(ctx context.Context, deviceCode string, ttl time.Duration) error
}

type NoopTerminalSessionCache struct{}

func NewNoopTerminalSessionCache() *NoopTerminalSessionCache {
	return &NoopTerminalSessionCache{}
}

func (c *NoopTerminalSessionCache) Seen(context.Context, string) (bool, error) {
	return false, nil
}

func (c *NoopTerminalSessionCache) Remember(context.Context, string, time.Duration) error {
	return nil
}

const defaultInMemoryTerminalEntries = 100_000

type InMemoryTerminalSessionCache struct {
	mu         sync.RWMutex
	entries    map[string]time.Time
	maxEntries int
}

func NewInMemoryTerminalSessionCache(maxEntries int) *InMemoryTerminalSessionCache {
	if maxEntries <= 0 {
		maxEntries = defaultInMemoryTerminalEntries
	}
	return &InMemoryTerminalSessionCache{
		entries:    make(map[string]time.Time),
		maxEntries: maxEntries,
	}
}

func (c *InMemoryTerminalSessionCache) Seen(_ context.Context, deviceCode string) (bool, error) {
	key := hashCode(deviceCode)
	now := time.Now().UTC()
	c.mu.RLock()
	expiresAt, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if now.After(expiresAt) {
		c.mu.Lock()
		if exp, still := c.entries[key]; still && now.After(exp) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return false, nil
	}
	return true, nil
}

func (c *InMemoryTerminalSessionCache) Remember(_ context.Context, deviceCode string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	now := time.Now().UTC()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.maxEntries {
		c.pruneLocked(now)
	}
	if len(c.entries) >= c.maxEntries {
		// Still full of live entries: skip rather than grow without bound.
		return nil
	}
	c.entries[hashCode(deviceCode)] = now.Add(ttl)
	return nil
}

func (c *InMemoryTerminalSessionCache) pruneLocked(now time.Time) {
	for k, exp := range c.entries {
		if now.After(exp) {
			delete(c.entries, k)
		}
	}
}

func (c *InMemoryTerminalSessionCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// hashCode keeps raw device codes, which are bearer-equivalent until consumed, out of cache keys.
func hashCode(code string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(code)))
	return hex.EncodeToString(sum[:])
}
