package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestMemoryCache_TTL(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	mc, err := newMemoryCache(10, time.Minute, clock.Now)
	require.NoError(t, err)
	defer mc.Close()

	mc.Set("a", []byte("01000000"))
	v, ok := mc.Get("a")
	require.True(t, ok)
	require.Equal(t, []byte("01000000"), v)

	clock.Advance(59 * time.Second)
	_, ok = mc.Get("a")
	require.True(t, ok)

	clock.Advance(time.Second)
	_, ok = mc.Get("a")
	require.False(t, ok)
	require.Equal(t, 0, mc.Len())
}

func TestMemoryCache_Eviction(t *testing.T) {
	mc, err := NewMemoryCache(2, time.Hour)
	require.NoError(t, err)
	defer mc.Close()

	mc.Set("a", []byte("1"))
	mc.Set("b", []byte("2"))
	mc.Get("a")
	mc.Set("c", []byte("3"))

	_, ok := mc.Get("b")
	require.False(t, ok, "least recently used entry is evicted")
	_, ok = mc.Get("a")
	require.True(t, ok)
}

func TestMemoryCache_RemoveExpired(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	mc, err := newMemoryCache(10, time.Second, clock.Now)
	require.NoError(t, err)
	defer mc.Close()

	mc.Set("a", []byte("1"))
	clock.Advance(2 * time.Second)
	mc.Set("b", []byte("2"))
	mc.removeExpired()
	require.Equal(t, 1, mc.Len())
}

func TestMemoryCache_CloseTwice(t *testing.T) {
	mc, err := NewMemoryCache(1, time.Second)
	require.NoError(t, err)
	mc.Close()
	mc.Close()
}

func TestPolicy_IsCacheable(t *testing.T) {
	p := NewPolicy(nil)
	require.True(t, p.IsCacheable("blockchain.transaction.get", []any{"ab"}))
	require.True(t, p.IsCacheable("blockchain.transaction.get", []any{"ab", false}))
	require.False(t, p.IsCacheable("blockchain.transaction.get", []any{"ab", true}))
	require.False(t, p.IsCacheable("blockchain.transaction.get", []any{"ab", "yes"}))
	require.True(t, p.IsCacheable("server.genesis_hash", nil))
	require.False(t, p.IsCacheable("blockchain.estimatefee", []any{6}))
	require.False(t, p.IsCacheable("blockchain.scripthash.get_mempool", []any{"ab"}))

	disabled := NewPolicy([]string{"blockchain.transaction.get"})
	require.True(t, disabled.IsMethodDisabled("blockchain.transaction.get"))
	require.False(t, disabled.IsCacheable("blockchain.transaction.get", []any{"ab"}))

	var none *Policy
	require.False(t, none.IsMethodDisabled("server.genesis_hash"))
}

func TestGenerateCacheKey(t *testing.T) {
	k1 := GenerateCacheKey("mainnet", "blockchain.transaction.get", []any{"ABCD"})
	k2 := GenerateCacheKey("mainnet", "blockchain.transaction.get", []any{"abcd"})
	k3 := GenerateCacheKey("testnet", "blockchain.transaction.get", []any{"abcd"})
	k4 := GenerateCacheKey("mainnet", "blockchain.transaction.get", []any{"abcd", false})

	require.Equal(t, k1, k2, "hex case does not matter")
	require.NotEqual(t, k2, k3)
	require.NotEqual(t, k2, k4)
	require.Contains(t, k1, "mainnet:blockchain.transaction.get:")
	require.Equal(t, GenerateCacheKey("n", "m", nil), GenerateCacheKey("n", "m", []any{}))
}
