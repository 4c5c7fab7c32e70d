package hub

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Deduplicator remembers the last status delivered per address
type Deduplicator struct {
	cache *lru.Cache[string, string]
}

// NewDeduplicator creates a new Deduplicator with the given cache size
func NewDeduplicator(size int) (*Deduplicator, error) {
	cache, err := lru.New[string, string](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}
	return &Deduplicator{cache: cache}, nil
}

// IsDuplicate reports whether status repeats the last status of addr,
// recording it otherwise
func (d *Deduplicator) IsDuplicate(addr, status string) bool {
	if last, ok := d.cache.Get(addr); ok && last == status {
		return true
	}
	d.cache.Add(addr, status)
	return false
}

// Last returns the last recorded status of addr
func (d *Deduplicator) Last(addr string) (string, bool) {
	return d.cache.Get(addr)
}

// Forget drops the status of addr
func (d *Deduplicator) Forget(addr string) {
	d.cache.Remove(addr)
}

// Clear clears the deduplication cache
func (d *Deduplicator) Clear() {
	d.cache.Purge()
}

// Len returns the current cache size
func (d *Deduplicator) Len() int {
	return d.cache.Len()
}
