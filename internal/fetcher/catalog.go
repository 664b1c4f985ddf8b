package fetcher

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// StaticCatalog is an in-memory product catalog loaded from configuration
type StaticCatalog struct {
	mu       sync.RWMutex
	products map[int64]string
}

// NewStaticCatalog creates a catalog from an id to URL map
func NewStaticCatalog(products map[int64]string) *StaticCatalog {
	c := &StaticCatalog{products: make(map[int64]string, len(products))}
	for id, url := range products {
		c.products[id] = url
	}
	return c
}

// ProductURL implements Catalog
func (c *StaticCatalog) ProductURL(_ context.Context, productID int64) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	url, ok := c.products[productID]
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrProductNotFound, productID)
	}
	return url, nil
}

// ProductIDs returns every product id in ascending order
func (c *StaticCatalog) ProductIDs(_ context.Context) ([]int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]int64, 0, len(c.products))
	for id := range c.products {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Put adds or replaces a product
func (c *StaticCatalog) Put(productID int64, url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.products[productID] = url
}

// Remove deletes a product
func (c *StaticCatalog) Remove(productID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.products, productID)
}
