package hotstore

import (
	"bytes"
	"context"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryClient is a single-process Client backed by a map. Expired entries are
// removed by the next write that touches them and by every Keys scan.
type MemoryClient struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryClient creates an empty in-process client.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// WithClock replaces the clock used for expiry; intended for tests.
func (c *MemoryClient) WithClock(now func() time.Time) *MemoryClient {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
	return c
}

func (c *MemoryClient) expired(entry memoryEntry, now time.Time) bool {
	return !entry.expiresAt.IsZero() && !now.Before(entry.expiresAt)
}

// lookup must be called with at least the read lock held.
func (c *MemoryClient) lookup(key string) (memoryEntry, bool) {
	entry, ok := c.entries[key]
	if !ok || c.expired(entry, c.now()) {
		return memoryEntry{}, false
	}
	return entry, true
}

// lookupForWrite must be called with the write lock held. It evicts key when
// it has expired.
func (c *MemoryClient) lookupForWrite(key string) (memoryEntry, bool) {
	entry, ok := c.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if c.expired(entry, c.now()) {
		delete(c.entries, key)
		return memoryEntry{}, false
	}
	return entry, true
}

func (c *MemoryClient) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return c.now().Add(ttl)
}

func (c *MemoryClient) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.lookup(key)
	if !ok {
		return nil, ErrKeyNotFound
	}
	return bytes.Clone(entry.value), nil
}

func (c *MemoryClient) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = memoryEntry{value: bytes.Clone(value), expiresAt: c.expiry(ttl)}
	return nil
}

// Incr increments the integer stored at key, creating it at 1. Like Redis,
// an existing expiry is kept.
func (c *MemoryClient) Incr(_ context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.lookupForWrite(key)
	if !ok {
		c.entries[key] = memoryEntry{value: []byte("1")}
		return 1, nil
	}

	num, err := strconv.ParseInt(string(entry.value), 10, 64)
	if err != nil {
		return 0, ErrNotInteger
	}
	num++
	entry.value = []byte(strconv.FormatInt(num, 10))
	c.entries[key] = entry
	return num, nil
}

func (c *MemoryClient) Expire(_ context.Context, key string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.lookupForWrite(key)
	if !ok {
		return nil
	}
	entry.expiresAt = c.expiry(ttl)
	c.entries[key] = entry
	return nil
}

func (c *MemoryClient) Del(_ context.Context, keys ...string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var deleted int64
	for _, key := range keys {
		if _, ok := c.lookupForWrite(key); ok {
			deleted++
		}
		delete(c.entries, key)
	}
	return deleted, nil
}

func (c *MemoryClient) Keys(_ context.Context, pattern string) ([]string, error) {
	re, err := globToRegexp(pattern)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var keys []string
	for key, entry := range c.entries {
		if c.expired(entry, now) {
			delete(c.entries, key)
			continue
		}
		if re.MatchString(key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (c *MemoryClient) CompareAndSwap(_ context.Context, key string, old, value []byte, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.lookupForWrite(key)
	switch {
	case old == nil && ok:
		return false, nil
	case old != nil && (!ok || !bytes.Equal(entry.value, old)):
		return false, nil
	}

	c.entries[key] = memoryEntry{value: bytes.Clone(value), expiresAt: c.expiry(ttl)}
	return true, nil
}

func (c *MemoryClient) Ping(context.Context) error {
	return nil
}

func (c *MemoryClient) Close() error {
	c.mu.Lock()
	c.entries = make(map[string]memoryEntry)
	c.mu.Unlock()
	return nil
}

// TTL returns the remaining lifetime of key, -1 when it never expires and -2
// when it does not exist.
func (c *MemoryClient) TTL(key string) time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.lookup(key)
	if !ok {
		return -2
	}
	if entry.expiresAt.IsZero() {
		return -1
	}
	return entry.expiresAt.Sub(c.now())
}

// Len returns the number of entries held, expired or not.
func (c *MemoryClient) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// globToRegexp converts a Redis KEYS/SCAN pattern to an anchored regexp.
func globToRegexp(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteByte('^')
	for i := 0; i < len(pattern); i++ {
		switch ch := pattern[i]; ch {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		case '\\':
			if i+1 < len(pattern) {
				i++
				b.WriteString(regexp.QuoteMeta(string(pattern[i])))
			}
		default:
			b.WriteString(regexp.QuoteMeta(string(ch)))
		}
	}
	b.WriteByte('$')
	return regexp.Compile(b.String())
}
