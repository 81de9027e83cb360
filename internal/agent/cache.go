package agent

import (
	"container/list"
	"strings"
	"sync"
	"time"
)

const (
	defaultCacheTTL      = 5 * time.Minute
	defaultCacheCapacity = 256
)

// volatileMarkers are content fragments whose answers go stale too fast
// to cache.
var volatileMarkers = []string{
	"now", "today", "tonight", "tomorrow", "yesterday", "current",
	"currently", "latest", "recent", "news", "weather", "time", "date",
	"random", "stock", "price",
}

// responseCache is a TTL'd LRU over (model, content) pairs.
type responseCache struct {
	ttl      time.Duration
	capacity int
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
}

type cacheEntry struct {
	key      string
	response string
	storedAt time.Time
}

func newResponseCache(ttl time.Duration, capacity int) *responseCache {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	if capacity <= 0 {
		capacity = defaultCacheCapacity
	}
	return &responseCache{
		ttl:      ttl,
		capacity: capacity,
		now:      time.Now,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

func cacheKey(content, model string) string {
	return model + "\x00" + strings.TrimSpace(strings.ToLower(content))
}

func (c *responseCache) get(content, model string) (string, bool) {
	if !cacheable(content) {
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	elem := c.entries[cacheKey(content, model)]
	if elem == nil {
		return "", false
	}
	entry := elem.Value.(*cacheEntry)
	if c.now().Sub(entry.storedAt) > c.ttl {
		c.order.Remove(elem)
		delete(c.entries, entry.key)
		return "", false
	}
	c.order.MoveToFront(elem)
	return entry.response, true
}

func (c *responseCache) put(content, model, response string) {
	if !cacheable(content) {
		return
	}
	key := cacheKey(content, model)
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem := c.entries[key]; elem != nil {
		entry := elem.Value.(*cacheEntry)
		entry.response = response
		entry.storedAt = c.now()
		c.order.MoveToFront(elem)
		return
	}
	c.entries[key] = c.order.PushFront(&cacheEntry{key: key, response: response, storedAt: c.now()})
	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
}

// cacheable rejects content whose answer is time-sensitive.
func cacheable(content string) bool {
	lower := strings.ToLower(content)
	for _, word := range strings.FieldsFunc(lower, func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	}) {
		for _, marker := range volatileMarkers {
			if word == marker {
				return false
			}
		}
	}
	return true
}
