package stream

import (
	"sync"
	"time"
)

// RouteRateCacheConfig configures RouteRateCache, adapting the teacher's TCB
// (Transport Control Block) cache -- which shares RTT/window estimates
// between connections to the same peer, RFC 2140 style -- to STREAM's
// exchange rate and MPPA, which are just as expensive to rediscover per
// connection and just as safe to share across connections to the same
// destination prefix.
type RouteRateCacheConfig struct {
	// RateDampening discounts a cached rate before seeding a new
	// connection's tracker, the same precautionary role the teacher's
	// RTTDampening plays for its cached RTT.
	RateDampening float64

	// EntryTTL is how long a cache entry remains valid after its last
	// update.
	EntryTTL time.Duration

	Enabled bool
}

// DefaultRouteRateCacheConfig mirrors the teacher's DefaultTCBCacheConfig
// defaults (0.75 dampening, 5 minute TTL).
func DefaultRouteRateCacheConfig() RouteRateCacheConfig {
	return RouteRateCacheConfig{
		RateDampening: 0.75,
		EntryTTL:      5 * time.Minute,
		Enabled:       true,
	}
}

type routeRateEntry struct {
	rate            float64
	maxPacketAmount uint64
	lastUpdate      time.Time
	sampleCount     int
}

// RouteRateCache remembers the last observed exchange rate and MPPA per
// destination-account prefix so a new connection to an already-seen path
// can seed its exchangeRateTracker and congestionController instead of
// rediscovering both from scratch.
type RouteRateCache struct {
	config  RouteRateCacheConfig
	mu      sync.RWMutex
	entries map[string]*routeRateEntry
}

// NewRouteRateCache creates a cache with the given configuration.
func NewRouteRateCache(config RouteRateCacheConfig) *RouteRateCache {
	return &RouteRateCache{
		config:  config,
		entries: make(map[string]*routeRateEntry),
	}
}

// Record updates the cached rate/MPPA for destination after a connection
// observes them, dampened by (1 - RateDampening) per new sample so a single
// unusual reading can't override an established cache entry outright.
func (c *RouteRateCache) Record(destination string, rate float64, maxPacketAmount uint64) {
	if !c.config.Enabled {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[destination]
	if !ok {
		c.entries[destination] = &routeRateEntry{rate: rate, maxPacketAmount: maxPacketAmount, lastUpdate: time.Now(), sampleCount: 1}
		return
	}
	entry.rate = entry.rate*c.config.RateDampening + rate*(1-c.config.RateDampening)
	if maxPacketAmount < entry.maxPacketAmount {
		entry.maxPacketAmount = maxPacketAmount
	}
	entry.lastUpdate = time.Now()
	entry.sampleCount++
}

// Lookup returns the cached rate and MPPA for destination, if a live (not
// expired) entry exists.
func (c *RouteRateCache) Lookup(destination string) (rate float64, maxPacketAmount uint64, ok bool) {
	if !c.config.Enabled {
		return 0, 0, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, found := c.entries[destination]
	if !found {
		return 0, 0, false
	}
	if time.Since(entry.lastUpdate) > c.config.EntryTTL {
		return 0, 0, false
	}
	return entry.rate * c.config.RateDampening, entry.maxPacketAmount, true
}

// CleanupExpired removes every entry whose TTL has elapsed. Callers should
// invoke this periodically (e.g. from a background ticker) to bound memory.
func (c *RouteRateCache) CleanupExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for dest, entry := range c.entries {
		if now.Sub(entry.lastUpdate) > c.config.EntryTTL {
			delete(c.entries, dest)
		}
	}
}

// Len returns the number of live cache entries, expired or not.
func (c *RouteRateCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// seedFromCache primes a freshly-created connection's congestion ceiling
// and exchange rate estimate from a RouteRateCache hit, letting it skip
// straight past the additive-increase ramp and precision probe for a
// destination it has already talked to recently.
func (c *Connection) seedFromCache(cache *RouteRateCache) {
	if cache == nil {
		return
	}
	rate, mppa, ok := cache.Lookup(c.destinationAccount)
	if !ok {
		return
	}
	c.congestion.mu.Lock()
	if mppa < c.congestion.maxPacketAmount {
		c.congestion.maxPacketAmount = mppa
		if c.congestion.amount > mppa {
			c.congestion.amount = mppa
		}
	}
	c.congestion.mu.Unlock()

	c.exchangeRate.mu.Lock()
	c.exchangeRate.rate = rate
	c.exchangeRate.haveRate = true
	c.exchangeRate.precision = minExchangeRatePrecisionDigits
	c.exchangeRate.mu.Unlock()
}
