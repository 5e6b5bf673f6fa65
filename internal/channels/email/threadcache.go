package email

import (
	"container/list"
	"sync"
)

// threadCacheSize bounds the reply-threading cache. Old threads fall
// out least-recently-used; a reply to an evicted thread simply starts
// a fresh one.
const threadCacheSize = 256

// threadCache maps RFC 5322 message ids to the root message id of
// their conversation thread.
type threadCache struct {
	mu    sync.Mutex
	cap   int
	order *list.List
	items map[string]*list.Element
}

type threadEntry struct {
	messageID string
	root      string
}

func newThreadCache(capacity int) *threadCache {
	if capacity <= 0 {
		capacity = threadCacheSize
	}
	return &threadCache{
		cap:   capacity,
		order: list.New(),
		items: make(map[string]*list.Element),
	}
}

// Put records the thread root for a message id, evicting the least
// recently used entry when full.
func (c *threadCache) Put(messageID, root string) {
	if messageID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[messageID]; ok {
		elem.Value.(*threadEntry).root = root
		c.order.MoveToFront(elem)
		return
	}
	elem := c.order.PushFront(&threadEntry{messageID: messageID, root: root})
	c.items[messageID] = elem
	for c.order.Len() > c.cap {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*threadEntry).messageID)
	}
}

// Get returns the thread root for a message id, refreshing its
// recency.
func (c *threadCache) Get(messageID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.items[messageID]
	if !ok {
		return "", false
	}
	c.order.MoveToFront(elem)
	return elem.Value.(*threadEntry).root, true
}

func (c *threadCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
