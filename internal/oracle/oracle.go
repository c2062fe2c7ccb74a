package oracle

import (
	"context"
	"fmt"
	"time"

	"github.com/mtlprog/resolver/internal/domain"
)

// Querier performs read-only canister calls.
type Querier interface {
	Query(ctx context.Context, canister, method string, arg, dest any) error
}

// Price is the oracle's wire representation of a price. Value is 8-decimal fixed point,
// Timestamp is nanoseconds since the Unix epoch.
type Price struct {
	Value      uint64  `json:"value"`
	Confidence *uint64 `json:"confidence,omitempty"`
	Timestamp  uint64  `json:"timestamp"`
	Source     string  `json:"source"`
}

// Client reads prices from the oracle canister. It does no caching.
type Client struct {
	rpc      Querier
	canister string
}

// NewClient creates an oracle client.
func NewClient(rpc Querier, canister string) *Client {
	return &Client{rpc: rpc, canister: canister}
}

// FetchPrice returns the oracle price for a ticker, or a PriceUnavailable error when the oracle has none.
func (c *Client) FetchPrice(ctx context.Context, ticker string) (domain.PriceQuote, error) {
	var p *Price
	if err := c.rpc.Query(ctx, c.canister, "get_price", map[string]string{"ticker": ticker}, &p); err != nil {
		return domain.PriceQuote{}, fmt.Errorf("fetching price of %s: %w", ticker, err)
	}
	if p == nil || p.Value == 0 {
		return domain.PriceQuote{}, domain.NewError(domain.KindPriceUnavailable, "get_price", ticker, nil)
	}
	return toQuote(ticker, *p), nil
}

// FetchPrices returns prices for the tickers the oracle knows. Unknown tickers are absent from the map.
func (c *Client) FetchPrices(ctx context.Context, tickers []string) (map[string]domain.PriceQuote, error) {
	result := make(map[string]domain.PriceQuote, len(tickers))
	if len(tickers) == 0 {
		return result, nil
	}

	var prices []*Price
	if err := c.rpc.Query(ctx, c.canister, "get_prices", map[string][]string{"tickers": tickers}, &prices); err != nil {
		return nil, fmt.Errorf("fetching %d prices: %w", len(tickers), err)
	}
	if len(prices) != len(tickers) {
		return nil, fmt.Errorf("oracle returned %d prices for %d tickers", len(prices), len(tickers))
	}

	for i, p := range prices {
		if p == nil || p.Value == 0 {
			continue
		}
		result[tickers[i]] = toQuote(tickers[i], *p)
	}
	return result, nil
}

func toQuote(ticker string, p Price) domain.PriceQuote {
	observed := time.Now().UTC()
	if p.Timestamp > 0 {
		observed = time.Unix(0, int64(p.Timestamp)).UTC()
	}
	source := p.Source
	if source == "" {
		source = "oracle"
	}
	return domain.PriceQuote{
		AssetID:    ticker,
		PriceUSD:   domain.FromFixed(p.Value, domain.OracleDecimals),
		Confidence: p.Confidence,
		ObservedAt: observed,
		Source:     source,
	}
}
