package cache

import (
	"container/list"
	"sync"
	"time"
)

// L1 is the in-process tier: an LRU keyed by cache key, with per-entry TTL
// and a total byte budget. Inserting over budget evicts least-recently-used
// entries until the budget is satisfied. Safe for concurrent use.
type L1 struct {
	mu sync.Mutex

	entries map[string]*list.Element
	lru     *list.List // front = most recent

	totalBytes  int
	maxTotal    int
	maxPerEntry int

	now func() time.Time
}

type l1Item struct {
	key       string
	entry     *Entry
	bytes     int
	expiresAt time.Time
}

// NewL1 creates an L1 with the given byte budgets. Zero budgets fall back
// to 64 MiB total and 1 MiB per entry.
func NewL1(maxTotalBytes, maxPerEntryBytes int) *L1 {
	if maxTotalBytes <= 0 {
		maxTotalBytes = 64 << 20
	}
	if maxPerEntryBytes <= 0 {
		maxPerEntryBytes = 1 << 20
	}
	return &L1{
		entries:     make(map[string]*list.Element),
		lru:         list.New(),
		maxTotal:    maxTotalBytes,
		maxPerEntry: maxPerEntryBytes,
		now:         time.Now,
	}
}

// MaxPerEntry exposes the per-entry cap for eligibility checks.
func (c *L1) MaxPerEntry() int { return c.maxPerEntry }

// Get returns the live entry for key and refreshes its recency.
func (c *L1) Get(key string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	item := el.Value.(*l1Item)
	if c.now().After(item.expiresAt) {
		c.removeLocked(el)
		return nil, false
	}
	c.lru.MoveToFront(el)
	return item.entry, true
}

// Put stores entry under key. Entries over the per-entry cap are rejected
// silently; the caller has already decided eligibility, this is the final
// guard.
func (c *L1) Put(key string, entry *Entry, ttl time.Duration) {
	size := entry.bytes()
	if size > c.maxPerEntry {
		return
	}
	if ttl <= 0 {
		ttl = time.Hour
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.removeLocked(el)
	}

	item := &l1Item{key: key, entry: entry, bytes: size, expiresAt: c.now().Add(ttl)}
	c.entries[key] = c.lru.PushFront(item)
	c.totalBytes += size

	for c.totalBytes > c.maxTotal {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
	}
}

// Delete removes key if present.
func (c *L1) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.removeLocked(el)
	}
}

// Purge drops every entry and returns how many were removed.
func (c *L1) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.entries)
	c.entries = make(map[string]*list.Element)
	c.lru.Init()
	c.totalBytes = 0
	return n
}

// Len returns the number of live entries.
func (c *L1) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// TotalBytes returns the accounted size of all entries.
func (c *L1) TotalBytes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalBytes
}

func (c *L1) removeLocked(el *list.Element) {
	item := el.Value.(*l1Item)
	c.lru.Remove(el)
	delete(c.entries, item.key)
	c.totalBytes -= item.bytes
}
