package workspace

// Cache maps entity ids to values and remembers insertion order so listings
// stay stable across merges. It is not safe for concurrent use; the
// Workspace lock guards every cache.
type Cache[T any] struct {
	key   func(T) string
	order []string
	items map[string]T
}

func NewCache[T any](key func(T) string) *Cache[T] {
	return &Cache[T]{key: key, items: make(map[string]T)}
}

// Insert adds item unless its id is already present, in which case the
// existing value is kept. It reports whether the item was added.
func (c *Cache[T]) Insert(item T) bool {
	id := c.key(item)
	if _, ok := c.items[id]; ok {
		return false
	}
	c.items[id] = item
	c.order = append(c.order, id)
	return true
}

// Put stores item, replacing any value with the same id (last write wins).
func (c *Cache[T]) Put(item T) (prev T, existed bool) {
	id := c.key(item)
	prev, existed = c.items[id]
	if !existed {
		c.order = append(c.order, id)
	}
	c.items[id] = item
	return prev, existed
}

// Delete removes id and returns the removed value and its position. Deleting
// an absent id is a no-op.
func (c *Cache[T]) Delete(id string) (prev T, index int, ok bool) {
	prev, ok = c.items[id]
	if !ok {
		return prev, -1, false
	}
	delete(c.items, id)
	for i, existing := range c.order {
		if existing == id {
			index = i
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return prev, index, true
}

// restore puts a deleted item back at its old position.
func (c *Cache[T]) restore(item T, index int) {
	id := c.key(item)
	if _, ok := c.items[id]; ok {
		return
	}
	c.items[id] = item
	if index < 0 || index > len(c.order) {
		c.order = append(c.order, id)
		return
	}
	c.order = append(c.order, "")
	copy(c.order[index+1:], c.order[index:])
	c.order[index] = id
}

func (c *Cache[T]) Get(id string) (T, bool) {
	item, ok := c.items[id]
	return item, ok
}

func (c *Cache[T]) Len() int {
	return len(c.order)
}

// List returns the values in insertion order.
func (c *Cache[T]) List() []T {
	items := make([]T, 0, len(c.order))
	for _, id := range c.order {
		items = append(items, c.items[id])
	}
	return items
}

// Replace swaps the whole content for items.
func (c *Cache[T]) Replace(items []T) {
	c.Clear()
	for _, item := range items {
		c.Put(item)
	}
}

func (c *Cache[T]) Clear() {
	c.order = nil
	c.items = make(map[string]T)
}
