package filter

import (
	"sync"

	"github.com/clouddeck/tagsync-server/internal/taggable"
)

// TypeCache memoizes per-type filtered views of one entity snapshot under
// one filter expression. Views are computed lazily on first request and
// the whole cache is invalidated wholesale whenever the snapshot or the
// expression changes.
type TypeCache struct {
	mu        sync.Mutex
	entities  []*taggable.Taggable
	predicate Predicate
	all       []*taggable.Taggable
	byType    map[taggable.Type][]*taggable.Taggable
}

// NewTypeCache creates an empty cache; Reset must be called before use
func NewTypeCache() *TypeCache {
	return &TypeCache{predicate: Build("")}
}

// Reset replaces the snapshot and the filter expression and drops every
// memoized view.
func (c *TypeCache) Reset(entities []*taggable.Taggable, predicate Predicate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entities = entities
	c.predicate = predicate
	c.all = nil
	c.byType = nil
}

// All returns the filtered snapshot across all types
func (c *TypeCache) All() []*taggable.Taggable {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.all == nil {
		c.all = make([]*taggable.Taggable, 0, len(c.entities))
		for _, entity := range c.entities {
			if c.predicate(entity) {
				c.all = append(c.all, entity)
			}
		}
	}
	return c.all
}

// ByType returns the filtered snapshot restricted to one type
func (c *TypeCache) ByType(entityType taggable.Type) []*taggable.Taggable {
	c.mu.Lock()
	defer c.mu.Unlock()

	if view, ok := c.byType[entityType]; ok {
		return view
	}

	view := []*taggable.Taggable{}
	for _, entity := range c.entities {
		if entity.Type == entityType && c.predicate(entity) {
			view = append(view, entity)
		}
	}
	if c.byType == nil {
		c.byType = make(map[taggable.Type][]*taggable.Taggable)
	}
	c.byType[entityType] = view
	return view
}
