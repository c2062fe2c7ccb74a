package price

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/singleflight"

	"github.com/mtlprog/resolver/internal/domain"
	"github.com/mtlprog/resolver/internal/metrics"
)

const (
	defaultTTL             = 10 * time.Second
	defaultRefreshInterval = 10 * time.Second
	defaultFetchTimeout    = 10 * time.Second
)

// Source fetches prices from the oracle.
type Source interface {
	FetchPrice(ctx context.Context, ticker string) (domain.PriceQuote, error)
	FetchPrices(ctx context.Context, tickers []string) (map[string]domain.PriceQuote, error)
}

// Options configures a Cache.
type Options struct {
	DefaultTTL      time.Duration
	TTLOverrides    map[string]time.Duration
	RefreshInterval time.Duration
	HotAssets       []string

	// FetchTimeout bounds a synchronous fetch shared by concurrent callers.
	FetchTimeout time.Duration
}

// Cache is a TTL cache of USD prices keyed by oracle ticker with an owned background refresh
// of the hot asset list. A lookup past TTL blocks on a remote fetch.
type Cache struct {
	source  Source
	store   *store
	opts    Options
	metrics *metrics.Metrics
	group   singleflight.Group
	now     func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewCache creates a Cache. m may be nil.
func NewCache(source Source, opts Options, m *metrics.Metrics) *Cache {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = defaultTTL
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = defaultRefreshInterval
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = defaultFetchTimeout
	}
	opts.HotAssets = lo.Uniq(opts.HotAssets)
	return &Cache{
		source:  source,
		store:   newStore(),
		opts:    opts,
		metrics: m,
		now:     time.Now,
	}
}

// TTL returns the freshness window for an asset.
func (c *Cache) TTL(asset string) time.Duration {
	if ttl, ok := c.opts.TTLOverrides[asset]; ok && ttl > 0 {
		return ttl
	}
	return c.opts.DefaultTTL
}

// HotAssets returns the assets refreshed in the background.
func (c *Cache) HotAssets() []string {
	return c.opts.HotAssets
}

// Get returns a fresh quote, fetching synchronously on a miss or after TTL.
// An asset the oracle has no value for fails with PriceUnavailable.
// Concurrent misses share one fetch, which outlives any single caller's cancellation.
func (c *Cache) Get(ctx context.Context, asset string) (domain.PriceQuote, error) {
	if q, ok := c.store.fresh(asset, c.now(), c.TTL(asset)); ok {
		c.metrics.CacheHits(1)
		return q, nil
	}
	c.metrics.CacheMisses(1)

	fetchCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(asset, func() (any, error) {
		ctx, cancel := context.WithTimeout(fetchCtx, c.opts.FetchTimeout)
		defer cancel()

		q, err := c.source.FetchPrice(ctx, asset)
		if err != nil {
			return domain.PriceQuote{}, err
		}
		c.store.set(asset, q, c.now())
		return q, nil
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return domain.PriceQuote{}, ctx.Err()
	case res = <-ch:
	}
	v, err := res.Val, res.Err
	if err != nil {
		if errors.Is(err, domain.ErrPriceUnavailable) {
			return domain.PriceQuote{}, err
		}
		return domain.PriceQuote{}, fmt.Errorf("fetching price of %s: %w", asset, err)
	}
	return v.(domain.PriceQuote), nil
}

// GetBatch returns fresh quotes for the requested assets with a single remote fetch for all misses.
// Assets the oracle lacks are absent from the result.
func (c *Cache) GetBatch(ctx context.Context, assets []string) (map[string]domain.PriceQuote, error) {
	assets = lo.Uniq(assets)
	now := c.now()

	result := make(map[string]domain.PriceQuote, len(assets))
	misses := lo.Filter(assets, func(asset string, _ int) bool {
		q, ok := c.store.fresh(asset, now, c.TTL(asset))
		if ok {
			result[asset] = q
		}
		return !ok
	})
	c.metrics.CacheHits(len(result))
	c.metrics.CacheMisses(len(misses))

	if len(misses) == 0 {
		return result, nil
	}

	fetched, err := c.source.FetchPrices(ctx, misses)
	if err != nil {
		return nil, fmt.Errorf("fetching %d prices: %w", len(misses), err)
	}
	c.store.setAll(fetched, c.now())

	for asset, q := range fetched {
		result[asset] = q
	}
	return result, nil
}

// GetStale returns the cached quote regardless of age together with its insertion time.
func (c *Cache) GetStale(asset string) (domain.PriceQuote, time.Time, bool) {
	entry, ok := c.store.any(asset)
	if !ok {
		return domain.PriceQuote{}, time.Time{}, false
	}
	return entry.quote, entry.insertedAt, true
}

// Refresh fetches the hot asset list in one batch. Failures leave existing entries in place.
func (c *Cache) Refresh(ctx context.Context) error {
	if len(c.opts.HotAssets) == 0 {
		return nil
	}

	fetched, err := c.source.FetchPrices(ctx, c.opts.HotAssets)
	if err != nil {
		c.metrics.RefreshFailed()
		return fmt.Errorf("refreshing %d hot assets: %w", len(c.opts.HotAssets), err)
	}
	c.store.setAll(fetched, c.now())

	if missing := lo.Without(c.opts.HotAssets, lo.Keys(fetched)...); len(missing) > 0 {
		slog.Warn("PriceCache: oracle has no price for hot assets", "assets", missing)
	}
	return nil
}

// Start launches the background refresh loop. It refreshes immediately and then on every interval.
// Calling Start more than once has no effect.
func (c *Cache) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go c.run(ctx, c.done)
}

// Stop cancels the refresh loop and waits for it to exit. It is a no-op if the loop is not running.
// The cache may be started again afterwards.
func (c *Cache) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
	c.cancel, c.done = nil, nil
}

func (c *Cache) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	slog.Info("PriceCache: refresh loop starting", "interval", c.opts.RefreshInterval, "hot_assets", len(c.opts.HotAssets))

	c.refreshAndLog(ctx)

	ticker := time.NewTicker(c.opts.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("PriceCache: refresh loop shutting down")
			return
		case <-ticker.C:
			c.refreshAndLog(ctx)
		}
	}
}

func (c *Cache) refreshAndLog(ctx context.Context) {
	if err := c.Refresh(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Error("PriceCache: refresh failed", "error", err)
	}
}
