package monitor

import (
	lru "github.com/hashicorp/golang-lru"
)

// closedCache remembers recently closed bids so that neither the worker nor
// later scans close them again. A zero size disables it.
type closedCache struct {
	cache *lru.Cache
}

func newClosedCache(size int) (*closedCache, error) {
	if size <= 0 {
		return &closedCache{}, nil
	}

	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}

	return &closedCache{cache: cache}, nil
}

func (c *closedCache) Add(bid string) {
	if c.cache != nil {
		c.cache.Add(bid, struct{}{})
	}
}

func (c *closedCache) Contains(bid string) bool {
	return c.cache != nil && c.cache.Contains(bid)
}
