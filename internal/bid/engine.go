package bid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mtlprog/resolver/internal/bundle"
	"github.com/mtlprog/resolver/internal/domain"
	"github.com/mtlprog/resolver/internal/metrics"
	"github.com/mtlprog/resolver/internal/pricing"
)

// ErrInvalidRequest is returned for bid requests that cannot be priced.
var ErrInvalidRequest = errors.New("invalid bid request")

// fallbackConfidence pins bids priced from a locally computed NAV to the confidence floor.
var fallbackConfidence = decimal.RequireFromString("0.5")

// BundleInfo provides bundle composition and NAV.
type BundleInfo interface {
	Constituents(ctx context.Context, bundleID uint64, mode bundle.Mode) ([]domain.BundleConstituent, error)
	NAV(ctx context.Context, bundleID uint64) (domain.NavQuote, error)
}

// PriceReader provides cached USD prices.
type PriceReader interface {
	Get(ctx context.Context, asset string) (domain.PriceQuote, error)
}

// Config holds the resolver's pricing parameters.
type Config struct {
	ResolverID         string
	FeeBps             uint32
	Network            string
	BaseGasFee         uint64
	LiquidityUSD       decimal.Decimal
	VolatilityPct      decimal.Decimal
	SettlementTicker   string
	SettlementDecimals int32
}

// Engine computes bids.
type Engine struct {
	bundles BundleInfo
	prices  PriceReader
	cfg     Config
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewEngine creates a bid engine. m may be nil.
func NewEngine(bundles BundleInfo, prices PriceReader, cfg Config, m *metrics.Metrics) *Engine {
	return &Engine{
		bundles: bundles,
		prices:  prices,
		cfg:     cfg,
		metrics: m,
		now:     time.Now,
	}
}

// Compute prices a request. The bid is valid for 15 seconds.
func (e *Engine) Compute(ctx context.Context, req domain.BidRequest) (domain.Bid, error) {
	b, navSource, err := e.compute(ctx, req)
	e.metrics.ObserveBid(string(req.Operation), string(navSource), err)
	if err != nil {
		return domain.Bid{}, err
	}
	return b, nil
}

func (e *Engine) compute(ctx context.Context, req domain.BidRequest) (domain.Bid, domain.NavSource, error) {
	if req.Amount == 0 {
		return domain.Bid{}, "", fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	if _, err := domain.ParseOperation(string(req.Operation)); err != nil {
		return domain.Bid{}, "", fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	constituents, err := e.bundles.Constituents(ctx, req.BundleID, bundle.ModeDisplay)
	if err != nil {
		return domain.Bid{}, "", fmt.Errorf("bundle %d constituents: %w", req.BundleID, err)
	}
	if len(constituents) == 0 {
		return domain.Bid{}, "", fmt.Errorf("%w: bundle %d has no constituents", ErrInvalidRequest, req.BundleID)
	}

	nav, err := e.bundles.NAV(ctx, req.BundleID)
	if err != nil {
		return domain.Bid{}, "", fmt.Errorf("bundle %d NAV: %w", req.BundleID, err)
	}

	usd := nav.PricePerToken.Mul(domain.FromFixed(req.Amount, domain.NavTokenDecimals))

	settlement, err := e.prices.Get(ctx, e.cfg.SettlementTicker)
	if err != nil {
		return domain.Bid{}, nav.Source, fmt.Errorf("settlement currency price: %w", err)
	}
	baseUnits, err := pricing.QuoteUSDToTokenAmount(usd, settlement.PriceUSD, e.cfg.SettlementDecimals)
	if err != nil {
		return domain.Bid{}, nav.Source, fmt.Errorf("converting %s USD: %w", usd.StringFixed(2), err)
	}

	// Slippage is reported alongside the bid; only the fee moves the price.
	slippage := pricing.EstimateSlippageBps(usd, e.cfg.LiquidityUSD)
	price := pricing.ApplySpread(req.Operation, domain.FromFixed(baseUnits, 0), decimal.NewFromInt(int64(e.cfg.FeeBps)))

	gasUnits := pricing.GasFee(e.cfg.Network, e.cfg.BaseGasFee)
	gas := domain.FromFixed(gasUnits, 0)
	if req.Operation.IsBuy() {
		price = price.Add(gas)
	} else {
		price = decimal.Max(decimal.Zero, price.Sub(gas))
	}

	confidence := pricing.EstimateConfidence(usd, e.cfg.LiquidityUSD, e.cfg.VolatilityPct)
	if nav.IsFallback() {
		confidence = fallbackConfidence
		slog.Warn("bid: priced from fallback NAV", "bundle_id", req.BundleID, "operation", req.Operation, "nav", nav.PricePerToken.StringFixed(8))
	}

	result := domain.Bid{
		ResolverID:  e.cfg.ResolverID,
		PriceTotal:  domain.ToFixed(price.Round(0), 0),
		ValidUntil:  e.now().UTC().Add(domain.BidValidity),
		Confidence:  confidence,
		FeeBps:      e.cfg.FeeBps,
		SlippageBps: uint32(slippage.Ceil().IntPart()),
		GasFee:      gasUnits,
		NavSource:   nav.Source,
	}

	slog.Info("bid: computed",
		"bundle_id", req.BundleID,
		"operation", req.Operation,
		"amount", req.Amount,
		"usd", usd.StringFixed(2),
		"price_total", result.PriceTotal,
		"slippage_bps", slippage.StringFixed(2),
		"nav_source", nav.Source,
	)
	return result, nav.Source, nil
}
