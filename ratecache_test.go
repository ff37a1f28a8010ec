package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRouteRateCacheLookupMissWhenDisabled(t *testing.T) {
	c := NewRouteRateCache(RouteRateCacheConfig{Enabled: false, EntryTTL: time.Minute})
	c.Record("g.dest", 0.9, 1000)

	_, _, ok := c.Lookup("g.dest")
	require.False(t, ok)
}

func TestRouteRateCacheRecordThenLookupDampensRate(t *testing.T) {
	c := NewRouteRateCache(RouteRateCacheConfig{Enabled: true, RateDampening: 0.5, EntryTTL: time.Minute})
	c.Record("g.dest", 1.0, 1000)

	rate, mppa, ok := c.Lookup("g.dest")
	require.True(t, ok)
	require.InDelta(t, 0.5, rate, 0.0001, "Lookup applies one more dampening pass on top of the stored rate")
	require.Equal(t, uint64(1000), mppa)
}

func TestRouteRateCacheRecordNarrowsMPPAButNeverWidens(t *testing.T) {
	c := NewRouteRateCache(RouteRateCacheConfig{Enabled: true, RateDampening: 0.75, EntryTTL: time.Minute})
	c.Record("g.dest", 0.9, 1000)
	c.Record("g.dest", 0.9, 5000)

	_, mppa, ok := c.Lookup("g.dest")
	require.True(t, ok)
	require.Equal(t, uint64(1000), mppa, "a looser hint never widens the cached MPPA")
}

func TestRouteRateCacheLookupMissesAfterTTL(t *testing.T) {
	c := NewRouteRateCache(RouteRateCacheConfig{Enabled: true, RateDampening: 0.75, EntryTTL: -time.Second})
	c.Record("g.dest", 0.9, 1000)

	_, _, ok := c.Lookup("g.dest")
	require.False(t, ok, "an entry older than EntryTTL must not be returned")
}

func TestRouteRateCacheCleanupExpiredRemovesStaleEntries(t *testing.T) {
	c := NewRouteRateCache(RouteRateCacheConfig{Enabled: true, RateDampening: 0.75, EntryTTL: -time.Second})
	c.Record("g.dest", 0.9, 1000)
	require.Equal(t, 1, c.Len())

	c.CleanupExpired()
	require.Equal(t, 0, c.Len())
}

func TestConnectionSeedFromCacheAppliesCachedRateAndMPPA(t *testing.T) {
	conn, err := newConnection(ConnectionOpts{
		Plugin:             &noopPlugin{},
		DestinationAccount: "g.dest",
		SharedSecret:       make([]byte, 32),
	})
	require.NoError(t, err)

	cache := NewRouteRateCache(RouteRateCacheConfig{Enabled: true, RateDampening: 1, EntryTTL: time.Minute})
	cache.Record("g.dest", 0.75, 2000)

	conn.seedFromCache(cache)

	require.True(t, conn.exchangeRate.HasSufficientPrecision(), "a cache hit seeds precision directly past the probe")
	require.InDelta(t, 0.75, conn.exchangeRate.Rate(), 0.0001)
	require.Equal(t, uint64(2000), conn.congestion.MaxPacketAmount())
}

func TestConnectionSeedFromCacheNilCacheIsNoOp(t *testing.T) {
	conn, err := newConnection(ConnectionOpts{
		Plugin:             &noopPlugin{},
		DestinationAccount: "g.dest",
		SharedSecret:       make([]byte, 32),
	})
	require.NoError(t, err)

	conn.seedFromCache(nil)
	require.False(t, conn.exchangeRate.HasSufficientPrecision())
}
