// Package cache holds short-lived balance lookups in front of the ledger.
//
// Entries expire after the configured TTL and are dropped as soon as the
// ledger reports a write for the license. Concurrent misses for one key
// share a single store read. A read that started before an invalidation
// never repopulates the cache with the balance it saw.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rcourtman/meterd/internal/ledger"
	"github.com/rcourtman/meterd/internal/metrics"
	"golang.org/x/sync/singleflight"
)

// DefaultSize bounds the number of cached licenses.
const DefaultSize = 10000

// FetchTimeout bounds a shared store read. The read outlives any single
// caller, so it does not inherit caller cancellation.
const FetchTimeout = 5 * time.Second

// Source is the authoritative balance lookup, normally *ledger.Ledger.
type Source interface {
	Balance(ctx context.Context, licenseKey string) (ledger.Balance, error)
}

// BalanceCache is a TTL cache of derived balances. A zero TTL disables
// caching and every Get goes to the source.
type BalanceCache struct {
	src   Source
	ttl   time.Duration
	lru   *expirable.LRU[string, ledger.Balance]
	group singleflight.Group

	mu       sync.Mutex
	inflight map[string]*fetch
}

// fetch tracks the store reads running for one key. gen moves on every
// invalidation; a read only repopulates if gen is unchanged when it ends.
type fetch struct {
	gen  uint64
	refs int
}

// New creates a cache over src.
func New(src Source, size int, ttl time.Duration) *BalanceCache {
	if size <= 0 {
		size = DefaultSize
	}
	c := &BalanceCache{src: src, ttl: ttl, inflight: make(map[string]*fetch)}
	if ttl > 0 {
		c.lru = expirable.NewLRU[string, ledger.Balance](size, nil, ttl)
	}
	return c
}

// TTL returns the configured lifetime of an entry.
func (c *BalanceCache) TTL() time.Duration {
	return c.ttl
}

// Get returns the balance for licenseKey. Errors from the source, including
// unknown licenses, are returned and not cached.
func (c *BalanceCache) Get(ctx context.Context, licenseKey string) (ledger.Balance, error) {
	if c.lru == nil {
		return c.src.Balance(ctx, licenseKey)
	}
	if b, ok := c.lru.Get(licenseKey); ok {
		metrics.CacheRequestsTotal.WithLabelValues("hit").Inc()
		return b, nil
	}

	ch := c.group.DoChan(licenseKey, func() (interface{}, error) {
		return c.load(ctx, licenseKey)
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			metrics.CacheRequestsTotal.WithLabelValues("error").Inc()
			return ledger.Balance{}, r.Err
		}
		metrics.CacheRequestsTotal.WithLabelValues("miss").Inc()
		return r.Val.(ledger.Balance), nil
	case <-ctx.Done():
		metrics.CacheRequestsTotal.WithLabelValues("error").Inc()
		return ledger.Balance{}, ctx.Err()
	}
}

// load reads licenseKey from the source on behalf of every coalesced caller.
func (c *BalanceCache) load(ctx context.Context, licenseKey string) (ledger.Balance, error) {
	c.mu.Lock()
	f, ok := c.inflight[licenseKey]
	if !ok {
		f = &fetch{}
		c.inflight[licenseKey] = f
	}
	f.refs++
	gen := f.gen
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), FetchTimeout)
	defer cancel()
	b, err := c.src.Balance(ctx, licenseKey)

	c.mu.Lock()
	if err == nil && f.gen == gen {
		c.lru.Add(licenseKey, b)
	}
	f.refs--
	if f.refs == 0 {
		delete(c.inflight, licenseKey)
	}
	c.mu.Unlock()
	return b, err
}

// Invalidate drops any cached balance for licenseKey and detaches in-flight
// reads so later callers fetch afresh.
func (c *BalanceCache) Invalidate(licenseKey string) {
	if c.lru == nil {
		return
	}
	c.mu.Lock()
	if f, ok := c.inflight[licenseKey]; ok {
		f.gen++
	}
	c.lru.Remove(licenseKey)
	c.mu.Unlock()
	c.group.Forget(licenseKey)
	metrics.CacheInvalidationsTotal.Inc()
}

// BalanceChanged implements ledger.Observer.
func (c *BalanceCache) BalanceChanged(_ context.Context, licenseKey string) {
	c.Invalidate(licenseKey)
}

// Len returns the number of live entries.
func (c *BalanceCache) Len() int {
	if c.lru == nil {
		return 0
	}
	return c.lru.Len()
}
