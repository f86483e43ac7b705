// Package blockhash caches the latest-blockhash response that every
// outgoing transaction build requests. The value changes slowly relative
// to request volume, so a short TTL collapses the dominant call volume to
// near-zero network cost while the TTL and an endpoint-health gate bound
// staleness risk.
package blockhash

import (
	"context"
	"encoding/hex"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"github.com/buyve/rpcgate/pkg/dispatch"
)

// Method is the one RPC method served from this cache.
const Method = "getLatestBlockhash"

// DefaultTTL bounds how long a cached blockhash is served.
const DefaultTTL = 30 * time.Second

// Backend dispatches requests that miss the cache.
type Backend interface {
	Dispatch(ctx context.Context, req dispatch.Request) (*dispatch.Response, error)
}

// cached is one stored response with its serving endpoint.
type cached struct {
	result   []byte
	endpoint string
}

// Cache is a short-TTL response cache for Method. Entries are only served
// while their source endpoint is healthy; a blacklisted source forces a
// fresh network call.
type Cache struct {
	backend Backend
	healthy func(endpoint string) bool
	store   *ttlcache.Cache[string, cached]
	logger  *zap.Logger

	hits   atomic.Uint64
	misses atomic.Uint64
}

// New creates a cache in front of backend. healthy reports whether an
// endpoint is currently eligible; cached entries from unhealthy endpoints
// are dropped on read.
func New(backend Backend, healthy func(endpoint string) bool, ttl time.Duration, logger *zap.Logger) *Cache {
	if ttl == 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		backend: backend,
		healthy: healthy,
		store: ttlcache.New[string, cached](
			ttlcache.WithTTL[string, cached](ttl),
			ttlcache.WithDisableTouchOnHit[string, cached](),
		),
		logger: logger,
	}
}

// key fingerprints the request shape so different commitment parameters
// do not collide.
func key(params []byte) string {
	h := blake3.New()
	h.Write([]byte(Method))
	h.Write(params)
	return hex.EncodeToString(h.Sum(nil))
}

// Serve answers req from the cache when a fresh entry from a healthy
// endpoint exists, otherwise dispatches and stores the result.
func (c *Cache) Serve(ctx context.Context, req dispatch.Request) (*dispatch.Response, error) {
	k := key(req.Params)

	if item := c.store.Get(k); item != nil {
		entry := item.Value()
		if c.healthy == nil || c.healthy(entry.endpoint) {
			c.hits.Add(1)
			return &dispatch.Response{
				JSONRPC:  dispatch.JSONRPCVersion,
				ID:       req.ID,
				Result:   entry.result,
				Endpoint: entry.endpoint,
			}, nil
		}
		// The serving endpoint went bad; its cached answer is suspect.
		c.store.Delete(k)
		c.logger.Debug("dropped cache entry from unhealthy endpoint",
			zap.String("endpoint", entry.endpoint))
	}

	c.misses.Add(1)
	resp, err := c.backend.Dispatch(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Error == nil && len(resp.Result) > 0 {
		c.store.Set(k, cached{result: resp.Result, endpoint: resp.Endpoint}, ttlcache.DefaultTTL)
	}
	return resp, nil
}

// Stats returns cumulative hit and miss counts.
func (c *Cache) Stats() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}
