package server

import (
	"time"

	"github.com/coocood/freecache"
)

// Cache stores encoded responses for a short time.
type Cache interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte)
	Del(key string)
}

// FreeCache is a Cache backed by freecache.
type FreeCache struct {
	cache *freecache.Cache
	ttl   int
}

// NewCache returns a freecache-backed cache of sizeMB megabytes, or a no-op
// cache when disabled. TTLs are rounded up to whole seconds.
func NewCache(enabled bool, sizeMB int, ttl time.Duration) Cache {
	if !enabled || sizeMB <= 0 {
		return noopCache{}
	}
	secs := int((ttl + time.Second - 1) / time.Second)
	return &FreeCache{
		cache: freecache.NewCache(sizeMB * 1024 * 1024),
		ttl:   max(secs, 1),
	}
}

func (c *FreeCache) Get(key string) ([]byte, bool) {
	val, err := c.cache.Get([]byte(key))
	if err != nil {
		return nil, false
	}
	return val, true
}

func (c *FreeCache) Set(key string, value []byte) {
	_ = c.cache.Set([]byte(key), value, c.ttl)
}

// Del removes a key.
func (c *FreeCache) Del(key string) {
	c.cache.Del([]byte(key))
}

type noopCache struct{}

func (noopCache) Get(string) ([]byte, bool) { return nil, false }
func (noopCache) Set(string, []byte)        {}
func (noopCache) Del(string)                {}
