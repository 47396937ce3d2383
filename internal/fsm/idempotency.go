package fsm

import (
	"container/list"
	"encoding/json"
	"sync"
	"time"
)

// IdemKey scopes an idempotency key to the operation kind it guards,
// so an APPLY_EVENT key and a CREATE_INSTANCE key never collide.
type IdemKey struct {
	Scope string
	Key   string
}

type idemRecord struct {
	key       IdemKey
	resp      json.RawMessage
	storedAt  time.Time
}

// IdempotencyCache caches (scope, key) -> response for at least
// minRetention, evicting least-recently-used entries once over
// capacity -- but only once they have satisfied minRetention, so a
// cache under write pressure never forgets a key before callers have
// had a fair chance to retry against it.
type IdempotencyCache struct {
	mu           sync.Mutex
	capacity     int
	minRetention time.Duration
	items        map[IdemKey]*list.Element
	order        *list.List // front = most recently used
}

func NewIdempotencyCache(capacity int, minRetention time.Duration) *IdempotencyCache {
	if minRetention <= 0 {
		minRetention = 24 * time.Hour
	}
	return &IdempotencyCache{
		capacity:     capacity,
		minRetention: minRetention,
		items:        map[IdemKey]*list.Element{},
		order:        list.New(),
	}
}

// Get returns the cached response for (scope, key), if present. It does
// not check the entry's age; entries leave the cache only through
// eviction or Sweep.
func (c *IdempotencyCache) Get(scope, key string) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := IdemKey{Scope: scope, Key: key}
	el, ok := c.items[k]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*idemRecord).resp, true
}

// Put stores resp under (scope, key). If the cache is at capacity, the
// least-recently-used entry is evicted, provided it has already lived
// at least minRetention; otherwise the cache is allowed to grow past
// capacity rather than break the retention guarantee.
func (c *IdempotencyCache) Put(scope, key string, resp json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := IdemKey{Scope: scope, Key: key}
	if el, ok := c.items[k]; ok {
		el.Value.(*idemRecord).resp = resp
		c.order.MoveToFront(el)
		return
	}
	rec := &idemRecord{key: k, resp: resp, storedAt: nowFn()}
	el := c.order.PushFront(rec)
	c.items[k] = el

	if c.capacity > 0 && len(c.items) > c.capacity {
		c.evictLocked()
	}
}

func (c *IdempotencyCache) evictLocked() {
	now := nowFn()
	for el := c.order.Back(); el != nil; el = el.Prev() {
		rec := el.Value.(*idemRecord)
		if now.Sub(rec.storedAt) < c.minRetention {
			continue
		}
		c.order.Remove(el)
		delete(c.items, rec.key)
		return
	}
}

// Sweep removes every entry older than minRetention, regardless of
// capacity pressure. The engine never calls it; nothing runs it on a
// timer.
func (c *IdempotencyCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := nowFn()
	removed := 0
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		rec := el.Value.(*idemRecord)
		if now.Sub(rec.storedAt) >= c.minRetention {
			c.order.Remove(el)
			delete(c.items, rec.key)
			removed++
		}
		el = prev
	}
	return removed
}

// nowFn is a var so tests can stub time without sleeping real hours.
var nowFn = time.Now
