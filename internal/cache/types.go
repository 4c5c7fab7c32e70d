package cache

// Cache stores server responses that never change once observed, such as raw transactions
type Cache interface {
	// Get returns the cached bytes and true on a hit
	Get(key string) ([]byte, bool)

	// Set stores value under key
	Set(key string, value []byte)

	// Close releases any resources held by the cache
	Close()
}
