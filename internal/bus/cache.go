package bus

import "sync"

// cache is a string-keyed map with atomic get-or-create.
type cache[V any] struct {
	mu    sync.Mutex
	items map[string]V
}

func newCache[V any]() *cache[V] {
	return &cache[V]{items: make(map[string]V)}
}

// getOrCreate returns the cached value for key, building it with create if absent.
// create runs under the cache lock, so concurrent callers never build twice.
func (c *cache[V]) getOrCreate(key string, create func() (V, error)) (V, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.items[key]; ok {
		return v, nil
	}
	v, err := create()
	if err != nil {
		var zero V
		return zero, err
	}
	c.items[key] = v
	return v, nil
}

func (c *cache[V]) put(key string, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = v
}

func (c *cache[V]) take(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.items[key]
	if ok {
		delete(c.items, key)
	}
	return v, ok
}

// drain empties the cache and returns what it held.
func (c *cache[V]) drain() []V {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]V, 0, len(c.items))
	for k, v := range c.items {
		out = append(out, v)
		delete(c.items, k)
	}
	return out
}

func (c *cache[V]) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
