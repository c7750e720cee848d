package docstore

import (
	"context"
	"sync"
)

// MemStore keeps collections in memory.
type MemStore struct {
	mu          sync.Mutex
	collections map[string]*MemCollection
}

func NewMemStore() *MemStore {
	return &MemStore{collections: map[string]*MemCollection{}}
}

func (m *MemStore) Collection(_ context.Context, name string) (Collection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collections[name]
	if !ok {
		c = NewMemCollection()
		m.collections[name] = c
	}
	return c, nil
}

type MemCollection struct {
	mu   sync.RWMutex
	docs map[string]Document
}

func NewMemCollection() *MemCollection {
	return &MemCollection{docs: map[string]Document{}}
}

func (c *MemCollection) FindOne(_ context.Context, id string) (Document, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	doc, ok := c.docs[id]
	if !ok {
		return Document{}, ErrNotFound
	}
	doc.Data = append([]byte(nil), doc.Data...)
	return doc, nil
}

func (c *MemCollection) UpdateOne(_ context.Context, id string, data []byte, opts UpdateOptions) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	current := c.docs[id].Version
	if err := CheckVersion(opts, current); err != nil {
		return 0, err
	}
	doc := Document{ID: id, Data: append([]byte(nil), data...), Version: current + 1}
	c.docs[id] = doc
	return doc.Version, nil
}

func (c *MemCollection) DeleteOne(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.docs, id)
	return nil
}

func (c *MemCollection) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.docs)
}

var (
	_ Store      = (*MemStore)(nil)
	_ Collection = (*MemCollection)(nil)
)
