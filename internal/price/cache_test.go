package price

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mtlprog/resolver/internal/domain"
)

type mockSource struct {
	mu         sync.Mutex
	prices     map[string]decimal.Decimal
	singleCall atomic.Int32
	batchCall  atomic.Int32
	batches    [][]string
	batchErr   error
}

func (m *mockSource) FetchPrice(_ context.Context, ticker string) (domain.PriceQuote, error) {
	m.singleCall.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prices[ticker]
	if !ok {
		return domain.PriceQuote{}, domain.NewError(domain.KindPriceUnavailable, "get_price", ticker, nil)
	}
	return domain.PriceQuote{AssetID: ticker, PriceUSD: p, Source: "test"}, nil
}

func (m *mockSource) FetchPrices(_ context.Context, tickers []string) (map[string]domain.PriceQuote, error) {
	m.batchCall.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append(m.batches, tickers)
	if m.batchErr != nil {
		return nil, m.batchErr
	}
	out := make(map[string]domain.PriceQuote)
	for _, t := range tickers {
		if p, ok := m.prices[t]; ok {
			out[t] = domain.PriceQuote{AssetID: t, PriceUSD: p, Source: "test"}
		}
	}
	return out, nil
}

func (m *mockSource) setPrice(ticker, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[ticker] = decimal.RequireFromString(value)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newTestCache(src *mockSource, opts Options) (*Cache, *fakeClock) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := NewCache(src, opts, nil)
	c.now = clock.Now
	return c, clock
}

func newSource(prices map[string]string) *mockSource {
	src := &mockSource{prices: make(map[string]decimal.Decimal)}
	for k, v := range prices {
		src.prices[k] = decimal.RequireFromString(v)
	}
	return src
}

func TestGetWithinTTLIsIdempotent(t *testing.T) {
	src := newSource(map[string]string{"BTC": "65000"})
	c, clock := newTestCache(src, Options{DefaultTTL: 10 * time.Second})
	ctx := context.Background()

	first, err := c.Get(ctx, "BTC")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	src.setPrice("BTC", "70000")
	clock.Advance(9 * time.Second)
	second, err := c.Get(ctx, "BTC")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !first.PriceUSD.Equal(second.PriceUSD) || first.ObservedAt != second.ObservedAt || first.Source != second.Source {
		t.Errorf("quotes differ within TTL: %+v vs %+v", first, second)
	}
	if got := src.singleCall.Load(); got != 1 {
		t.Errorf("remote fetches = %d, want 1", got)
	}
}

func TestGetAfterTTLFetchesOnce(t *testing.T) {
	src := newSource(map[string]string{"BTC": "65000"})
	c, clock := newTestCache(src, Options{DefaultTTL: 10 * time.Second})
	ctx := context.Background()

	if _, err := c.Get(ctx, "BTC"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	src.setPrice("BTC", "70000")
	clock.Advance(10 * time.Second)

	got, err := c.Get(ctx, "BTC")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.PriceUSD.String() != "70000" {
		t.Errorf("price = %s, want 70000", got.PriceUSD)
	}
	if n := src.singleCall.Load(); n != 2 {
		t.Errorf("remote fetches = %d, want 2", n)
	}
}

func TestGetPerAssetTTL(t *testing.T) {
	src := newSource(map[string]string{"BTC": "65000", "USDC": "1"})
	c, clock := newTestCache(src, Options{DefaultTTL: 10 * time.Second, TTLOverrides: map[string]time.Duration{"BTC": 5 * time.Second}})
	ctx := context.Background()

	c.Get(ctx, "BTC")
	c.Get(ctx, "USDC")
	clock.Advance(6 * time.Second)
	c.Get(ctx, "BTC")
	c.Get(ctx, "USDC")

	if n := src.singleCall.Load(); n != 3 {
		t.Errorf("remote fetches = %d, want 3 (BTC expired, USDC fresh)", n)
	}
}

func TestGetUnavailable(t *testing.T) {
	src := newSource(nil)
	c, _ := newTestCache(src, Options{})

	_, err := c.Get(context.Background(), "DOGE")
	if !errors.Is(err, domain.ErrPriceUnavailable) {
		t.Errorf("error = %v, want ErrPriceUnavailable", err)
	}
	if _, _, ok := c.GetStale("DOGE"); ok {
		t.Error("unavailable prices must not be cached")
	}
}

func TestGetBatchPartitionsHitsAndMisses(t *testing.T) {
	src := newSource(map[string]string{"BTC": "65000", "ETH": "3000", "SOL": "150"})
	c, _ := newTestCache(src, Options{DefaultTTL: 10 * time.Second})
	ctx := context.Background()

	if _, err := c.Get(ctx, "BTC"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := c.GetBatch(ctx, []string{"BTC", "ETH", "SOL", "ETH", "DOGE"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("len = %d, want 3", len(got))
	}
	if _, ok := got["DOGE"]; ok {
		t.Error("DOGE should be absent")
	}
	if n := src.batchCall.Load(); n != 1 {
		t.Fatalf("batch fetches = %d, want 1", n)
	}
	if misses := src.batches[0]; len(misses) != 3 {
		t.Errorf("batched misses = %v, want ETH, SOL, DOGE", misses)
	}

	if _, err := c.GetBatch(ctx, []string{"BTC", "ETH", "SOL"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := src.batchCall.Load(); n != 1 {
		t.Errorf("batch fetches = %d, want 1 when all assets are fresh", n)
	}
}

func TestGetStaleBypassesTTL(t *testing.T) {
	src := newSource(map[string]string{"BTC": "65000"})
	c, clock := newTestCache(src, Options{DefaultTTL: 10 * time.Second})

	c.Get(context.Background(), "BTC")
	inserted := clock.Now()
	clock.Advance(time.Hour)

	q, at, ok := c.GetStale("BTC")
	if !ok || q.PriceUSD.String() != "65000" {
		t.Fatalf("GetStale() = %+v, %v", q, ok)
	}
	if !at.Equal(inserted) {
		t.Errorf("insertedAt = %v, want %v", at, inserted)
	}
}

func TestRefreshFailureKeepsEntries(t *testing.T) {
	src := newSource(map[string]string{"BTC": "65000"})
	c, clock := newTestCache(src, Options{DefaultTTL: 10 * time.Second, HotAssets: []string{"BTC"}})
	ctx := context.Background()

	if err := c.Refresh(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	src.batchErr = errors.New("oracle down")
	clock.Advance(time.Minute)

	if err := c.Refresh(ctx); err == nil {
		t.Fatal("expected refresh error")
	}
	q, _, ok := c.GetStale("BTC")
	if !ok || q.PriceUSD.String() != "65000" {
		t.Errorf("entry evicted after failed refresh: %+v, %v", q, ok)
	}
}

func TestRefreshMakesHotAssetsHits(t *testing.T) {
	src := newSource(map[string]string{"BTC": "65000", "ETH": "3000"})
	c, _ := newTestCache(src, Options{DefaultTTL: 10 * time.Second, HotAssets: []string{"BTC", "ETH", "BTC"}})
	ctx := context.Background()

	if err := c.Refresh(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(src.batches[0]) != 2 {
		t.Errorf("hot list not deduplicated: %v", src.batches[0])
	}
	if _, err := c.Get(ctx, "ETH"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := src.singleCall.Load(); n != 0 {
		t.Errorf("remote single fetches = %d, want 0", n)
	}
}

func TestStartStop(t *testing.T) {
	src := newSource(map[string]string{"BTC": "65000"})
	c := NewCache(src, Options{RefreshInterval: 10 * time.Millisecond, HotAssets: []string{"BTC"}}, nil)

	c.Start(context.Background())
	c.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	c.Stop()

	after := src.batchCall.Load()
	if after < 2 {
		t.Errorf("refreshes = %d, want >= 2", after)
	}
	time.Sleep(30 * time.Millisecond)
	if got := src.batchCall.Load(); got != after {
		t.Errorf("refresh ran after Stop: %d -> %d", after, got)
	}
	c.Stop()
}

func TestStopWithoutStart(t *testing.T) {
	c := NewCache(newSource(nil), Options{}, nil)
	c.Stop()
}

func TestConcurrentReadsDuringRefresh(t *testing.T) {
	src := newSource(map[string]string{"BTC": "65000"})
	c := NewCache(src, Options{DefaultTTL: time.Hour, HotAssets: []string{"BTC"}}, nil)
	ctx := context.Background()
	c.Refresh(ctx)

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				if i%2 == 0 {
					c.Refresh(ctx)
					continue
				}
				q, err := c.Get(ctx, "BTC")
				if err != nil || q.AssetID != "BTC" {
					t.Errorf("Get() = %+v, %v", q, err)
					return
				}
			}
		}()
	}
	wg.Wait()
}

type gatedSource struct {
	*mockSource
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func (g *gatedSource) FetchPrice(ctx context.Context, ticker string) (domain.PriceQuote, error) {
	g.once.Do(func() { close(g.started) })
	select {
	case <-g.release:
	case <-ctx.Done():
		return domain.PriceQuote{}, ctx.Err()
	}
	return g.mockSource.FetchPrice(ctx, ticker)
}

func TestGetSharedFetchSurvivesCallerCancel(t *testing.T) {
	src := &gatedSource{
		mockSource: newSource(map[string]string{"BTC": "65000"}),
		started:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	c := NewCache(src, Options{DefaultTTL: time.Hour}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.Get(ctx, "BTC")
		firstErr <- err
	}()
	<-src.started

	type result struct {
		q   domain.PriceQuote
		err error
	}
	second := make(chan result, 1)
	go func() {
		q, err := c.Get(context.Background(), "BTC")
		second <- result{q, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("first caller error = %v, want context.Canceled", err)
	}
	close(src.release)

	res := <-second
	if res.err != nil {
		t.Fatalf("second caller error = %v", res.err)
	}
	if !res.q.PriceUSD.Equal(decimal.RequireFromString("65000")) {
		t.Errorf("price = %s, want 65000", res.q.PriceUSD)
	}
	if n := src.singleCall.Load(); n != 1 {
		t.Errorf("remote single fetches = %d, want 1", n)
	}
}

func TestStartAfterStop(t *testing.T) {
	src := newSource(map[string]string{"BTC": "65000"})
	c := NewCache(src, Options{RefreshInterval: time.Hour, HotAssets: []string{"BTC"}}, nil)

	c.Start(context.Background())
	c.Stop()
	first := src.batchCall.Load()

	c.Start(context.Background())
	defer c.Stop()

	deadline := time.Now().Add(time.Second)
	for src.batchCall.Load() == first && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := src.batchCall.Load(); got <= first {
		t.Errorf("refreshes after restart = %d, want > %d", got, first)
	}
}
