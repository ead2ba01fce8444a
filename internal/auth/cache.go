package auth

import (
	"container/list"
	"sync"
	"time"
)

type cacheEntry struct {
	hash    string
	expires time.Time
}

// sessionCache remembers recently confirmed sessions for a short window so
// bursts of requests with the same token do not each hit Redis. Least
// recently used entries are evicted first.
type sessionCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	now      func() time.Time
	ll       *list.List
	items    map[string]*list.Element
}

func newSessionCache(capacity int, ttl time.Duration) *sessionCache {
	if capacity < 1 {
		capacity = 1
	}
	return &sessionCache{
		capacity: capacity,
		ttl:      ttl,
		now:      time.Now,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
	}
}

func (c *sessionCache) Get(hash string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	element, ok := c.items[hash]
	if !ok {
		return false
	}
	entry := element.Value.(cacheEntry)
	if !c.now().Before(entry.expires) {
		c.ll.Remove(element)
		delete(c.items, hash)
		return false
	}
	c.ll.MoveToFront(element)
	return true
}

func (c *sessionCache) Put(hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := cacheEntry{hash: hash, expires: c.now().Add(c.ttl)}
	if element, ok := c.items[hash]; ok {
		element.Value = entry
		c.ll.MoveToFront(element)
		return
	}

	c.items[hash] = c.ll.PushFront(entry)
	if c.ll.Len() > c.capacity {
		if last := c.ll.Back(); last != nil {
			c.ll.Remove(last)
			delete(c.items, last.Value.(cacheEntry).hash)
		}
	}
}

func (c *sessionCache) Remove(hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if element, ok := c.items[hash]; ok {
		c.ll.Remove(element)
		delete(c.items, hash)
	}
}

func (c *sessionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
