package bridge

import (
	"strings"
	"sync"

	"github.com/google/btree"

	"github.com/tuusuario/ftpdrive/internal/metrics"
)

// Item is a cached path and its entry.
type Item struct {
	Path  string
	Entry Entry
}

// Cache maps normalized paths to entries. Point lookups go through a map;
// an ordered index of the keys serves prefix enumeration. One RWMutex guards
// both, and every multi-step change happens under a single lock hold.
//
// The cache never evicts. Absence of a path means "unknown", not "missing".
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Entry
	index   *btree.BTreeG[string]
}

// NewCache returns a cache holding only the root directory.
func NewCache(root Entry) *Cache {
	c := &Cache{
		entries: make(map[string]Entry),
		index:   btree.NewG[string](32, func(a, b string) bool { return a < b }),
	}
	root.IsDir = true
	root.Attributes = AttrDirectory
	root.Length = 0
	c.putLocked(Root, root)
	metrics.SetCacheEntries(len(c.entries))
	return c
}

// Get returns the entry cached for p.
func (c *Cache) Get(p string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[p]
	return e, ok
}

// Contains reports whether p is cached.
func (c *Cache) Contains(p string) bool {
	_, ok := c.Get(p)
	return ok
}

// GetMany returns the cached entries for the given paths; unknown paths are
// absent from the result.
func (c *Cache) GetMany(paths []string) map[string]Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	found := make(map[string]Entry, len(paths))
	for _, p := range paths {
		if e, ok := c.entries[p]; ok {
			found[p] = e
		}
	}
	return found
}

// Put stores e at p, replacing any previous entry.
func (c *Cache) Put(p string, e Entry) {
	c.mu.Lock()
	c.putLocked(p, e)
	n := len(c.entries)
	c.mu.Unlock()
	metrics.SetCacheEntries(n)
}

// PutAll stores several entries under one lock hold.
func (c *Cache) PutAll(items []Item) {
	c.mu.Lock()
	for _, it := range items {
		c.putLocked(it.Path, it.Entry)
	}
	n := len(c.entries)
	c.mu.Unlock()
	metrics.SetCacheEntries(n)
}

// Update runs fn on the current entry of p while holding the lock. fn returns
// the entry to store and whether to store it.
func (c *Cache) Update(p string, fn func(cur Entry, ok bool) (Entry, bool)) {
	c.mu.Lock()
	cur, ok := c.entries[p]
	if next, store := fn(cur, ok); store {
		c.putLocked(p, next)
	}
	n := len(c.entries)
	c.mu.Unlock()
	metrics.SetCacheEntries(n)
}

// Remove drops p and reports whether it was cached. The root is never removed.
func (c *Cache) Remove(p string) bool {
	if p == Root {
		return false
	}
	c.mu.Lock()
	_, ok := c.entries[p]
	if ok {
		c.removeLocked(p)
	}
	n := len(c.entries)
	c.mu.Unlock()
	metrics.SetCacheEntries(n)
	return ok
}

// RemoveTree drops p and its whole cached subtree, returning how many
// entries went. Removing the root only clears its descendants.
func (c *Cache) RemoveTree(p string) int {
	c.mu.Lock()
	items := c.descendantsLocked(p)
	for _, it := range items {
		c.removeLocked(it.Path)
	}
	removed := len(items)
	if _, ok := c.entries[p]; ok && p != Root {
		c.removeLocked(p)
		removed++
	}
	n := len(c.entries)
	c.mu.Unlock()
	metrics.SetCacheEntries(n)
	return removed
}

// Descendants returns every cached strict descendant of dir in path order.
// "/a" does not match "/ab".
func (c *Cache) Descendants(dir string) []Item {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.descendantsLocked(dir)
}

// Move re-keys from and its cached subtree under to, replacing whatever was
// cached at to. It returns the number of entries moved.
func (c *Cache) Move(from, to string) int {
	if from == Root || to == Root || from == to {
		return 0
	}
	c.mu.Lock()
	defer func() {
		n := len(c.entries)
		c.mu.Unlock()
		metrics.SetCacheEntries(n)
	}()

	e, ok := c.entries[from]
	if !ok {
		return 0
	}
	children := c.descendantsLocked(from)

	for _, old := range c.descendantsLocked(to) {
		c.removeLocked(old.Path)
	}
	c.removeLocked(from)
	for _, it := range children {
		c.removeLocked(it.Path)
	}

	c.putLocked(to, e)
	fromPrefix := descendantPrefix(from)
	toPrefix := descendantPrefix(to)
	for _, it := range children {
		c.putLocked(toPrefix+strings.TrimPrefix(it.Path, fromPrefix), it.Entry)
	}
	return len(children) + 1
}

// Len returns the number of cached paths, root included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// FileBytes returns the sum of the lengths of all cached files.
func (c *Cache) FileBytes() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var total uint64
	for _, e := range c.entries {
		if !e.IsDir {
			total += e.Length
		}
	}
	return total
}

func (c *Cache) putLocked(p string, e Entry) {
	if _, ok := c.entries[p]; !ok {
		c.index.ReplaceOrInsert(p)
	}
	c.entries[p] = e
}

func (c *Cache) removeLocked(p string) {
	delete(c.entries, p)
	c.index.Delete(p)
}

func (c *Cache) descendantsLocked(dir string) []Item {
	prefix := descendantPrefix(dir)
	var items []Item
	c.index.AscendGreaterOrEqual(prefix, func(p string) bool {
		if !strings.HasPrefix(p, prefix) {
			return false
		}
		if p != dir {
			items = append(items, Item{Path: p, Entry: c.entries[p]})
		}
		return true
	})
	return items
}
