package kv

import (
	"time"
)

// CacheSet stores a value in the store's ephemeral KV cache under its own
// ttl. A zero ttl uses the cache default, a negative ttl never expires.
func (s *Store) CacheSet(key string, value interface{}, ttl time.Duration) {
	s.kvCache.Set(key, value, ttl)
}

// CacheGet reads a value from the ephemeral KV cache. Expired and unknown
// keys report false.
func (s *Store) CacheGet(key string) (interface{}, bool) {
	return s.kvCache.Get(key)
}

// CacheDelete drops a key from the ephemeral KV cache. Deleting an absent
// key is a no-op.
func (s *Store) CacheDelete(key string) {
	s.kvCache.Delete(key)
}
