package cache

import (
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// Entity is anything with a unique string ID that can absorb a newer copy of
// itself.
type Entity[T any] interface {
	Key() string
	Merge(T)
}

// Collection is the contract shared by the unbounded and bounded caches.
// All implementations must be thread-safe for concurrent access
type Collection[T Entity[T]] interface {
	// Add inserts e, or merges it into the stored entity with the same key.
	// The stored entity is returned; it is not necessarily e.
	Add(e T) T

	Get(id string) (T, bool)

	// View runs fn on the stored entity while writers are held off and
	// reports whether it exists.
	View(id string, fn func(T)) bool

	// Remove deletes an entity and returns it.
	Remove(id string) (T, bool)

	Find(pred func(T) bool) (T, bool)
	Filter(pred func(T) bool) []T
	Len() int
	Keys() []string
}

// Cache is an unbounded keyed store.
type Cache[T Entity[T]] struct {
	mu    sync.RWMutex
	items map[string]T
}

// New creates an empty unbounded cache.
func New[T Entity[T]]() *Cache[T] {
	return &Cache[T]{items: make(map[string]T)}
}

func (c *Cache[T]) Add(e T) T {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := e.Key()
	if stored, ok := c.items[id]; ok {
		stored.Merge(e)
		return stored
	}
	c.items[id] = e
	return e
}

func (c *Cache[T]) Get(id string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.items[id]
	return e, ok
}

func (c *Cache[T]) View(id string, fn func(T)) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.items[id]
	if ok {
		fn(e)
	}
	return ok
}

func (c *Cache[T]) Remove(id string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.items[id]
	if ok {
		delete(c.items, id)
	}
	return e, ok
}

// RemoveWhere deletes every entity matching pred and returns them.
func (c *Cache[T]) RemoveWhere(pred func(T) bool) []T {
	c.mu.Lock()
	defer c.mu.Unlock()

	var removed []T
	for id, e := range c.items {
		if pred(e) {
			delete(c.items, id)
			removed = append(removed, e)
		}
	}
	return removed
}

// Update runs fn on the stored entity under the write lock. It reports whether
// the entity exists.
func (c *Cache[T]) Update(id string, fn func(T)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.items[id]
	if ok {
		fn(e)
	}
	return ok
}

func (c *Cache[T]) Find(pred func(T) bool) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, e := range c.items {
		if pred(e) {
			return e, true
		}
	}
	var zero T
	return zero, false
}

func (c *Cache[T]) Filter(pred func(T) bool) []T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []T
	for _, e := range c.items {
		if pred(e) {
			out = append(out, e)
		}
	}
	return out
}

func (c *Cache[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func (c *Cache[T]) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.items))
	for id := range c.items {
		keys = append(keys, id)
	}
	return keys
}

// Bounded keeps at most limit entities in insertion order. Inserting a new
// entity into a full cache evicts the oldest first. Merging into an existing
// entity does not change its position.
type Bounded[T Entity[T]] struct {
	mu      sync.Mutex
	limit   int
	lru     *simplelru.LRU[string, T]
	onEvict func(T)
}

// NewBounded creates a bounded cache. onEvict, if not nil, is called with each
// entity evicted to make room, while the cache lock is held.
func NewBounded[T Entity[T]](limit int, onEvict func(T)) (*Bounded[T], error) {
	l, err := simplelru.NewLRU[string, T](limit, nil)
	if err != nil {
		return nil, err
	}
	return &Bounded[T]{limit: limit, lru: l, onEvict: onEvict}, nil
}

// Limit returns the configured capacity.
func (b *Bounded[T]) Limit() int { return b.limit }

// Lookups use Peek so reads never reorder: the LRU degrades to FIFO.

func (b *Bounded[T]) Add(e T) T {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := e.Key()
	if stored, ok := b.lru.Peek(id); ok {
		stored.Merge(e)
		return stored
	}
	if b.onEvict != nil && b.lru.Len() >= b.limit {
		if _, oldest, ok := b.lru.GetOldest(); ok {
			b.onEvict(oldest)
		}
	}
	b.lru.Add(id, e)
	return e
}

func (b *Bounded[T]) Get(id string) (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lru.Peek(id)
}

func (b *Bounded[T]) View(id string, fn func(T)) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.lru.Peek(id)
	if ok {
		fn(e)
	}
	return ok
}

func (b *Bounded[T]) Remove(id string) (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.lru.Peek(id)
	if ok {
		b.lru.Remove(id)
	}
	return e, ok
}

func (b *Bounded[T]) Find(pred func(T) bool) (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range b.lru.Values() {
		if pred(e) {
			return e, true
		}
	}
	var zero T
	return zero, false
}

func (b *Bounded[T]) Filter(pred func(T) bool) []T {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []T
	for _, e := range b.lru.Values() {
		if pred(e) {
			out = append(out, e)
		}
	}
	return out
}

func (b *Bounded[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lru.Len()
}

// Keys returns keys oldest first.
func (b *Bounded[T]) Keys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lru.Keys()
}

// Items returns entities oldest first.
func (b *Bounded[T]) Items() []T {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lru.Values()
}
