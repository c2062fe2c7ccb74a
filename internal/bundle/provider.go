package bundle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/mtlprog/resolver/internal/coordinator"
	"github.com/mtlprog/resolver/internal/domain"
	"github.com/mtlprog/resolver/internal/metrics"
)

// Mode selects how strictly constituent ledger locations are resolved.
type Mode int

const (
	// ModeDisplay tolerates unresolved constituents; they are returned with a nil location.
	ModeDisplay Mode = iota
	// ModeSettlement fails on any constituent whose ledger location cannot be resolved.
	ModeSettlement
)

// Coordinator provides bundle, asset and NAV lookups.
type Coordinator interface {
	GetBundle(ctx context.Context, bundleID uint64) (domain.Bundle, error)
	GetAsset(ctx context.Context, assetID string) (domain.Asset, error)
	CalculateBundleNAV(ctx context.Context, bundleID uint64) (domain.NavQuote, error)
}

// PriceReader provides cached USD prices.
type PriceReader interface {
	GetBatch(ctx context.Context, assets []string) (map[string]domain.PriceQuote, error)
}

// Provider resolves bundle composition and NAV.
type Provider struct {
	coord         Coordinator
	prices        PriceReader
	allowFallback bool
	metrics       *metrics.Metrics
	now           func() time.Time
}

// NewProvider creates a Provider. allowFallback enables locally computed NAV when the coordinator
// cannot answer. m may be nil.
func NewProvider(coord Coordinator, prices PriceReader, allowFallback bool, m *metrics.Metrics) *Provider {
	return &Provider{
		coord:         coord,
		prices:        prices,
		allowFallback: allowFallback,
		metrics:       m,
		now:           time.Now,
	}
}

// Constituents returns the bundle's constituents with ledger location and oracle ticker resolved
// through a per-asset lookup.
func (p *Provider) Constituents(ctx context.Context, bundleID uint64, mode Mode) ([]domain.BundleConstituent, error) {
	b, err := p.coord.GetBundle(ctx, bundleID)
	if err != nil {
		return nil, fmt.Errorf("loading bundle %d: %w", bundleID, err)
	}

	result := make([]domain.BundleConstituent, 0, len(b.Allocations))
	for _, alloc := range b.Allocations {
		c, err := p.resolve(ctx, alloc)
		if err != nil {
			if mode == ModeSettlement {
				return nil, err
			}
			slog.Warn("bundle: constituent unresolved", "bundle_id", bundleID, "asset_id", alloc.AssetID, "error", err)
		}
		result = append(result, c)
	}
	return result, nil
}

// resolve always returns a usable constituent; the error reports why its location is missing.
func (p *Provider) resolve(ctx context.Context, alloc domain.BundleAllocation) (domain.BundleConstituent, error) {
	c := domain.BundleConstituent{AssetID: alloc.AssetID, AllocationBps: alloc.AllocationBps}

	asset, err := p.coord.GetAsset(ctx, alloc.AssetID)
	if err != nil {
		if errors.Is(err, coordinator.ErrNotFound) {
			return c, domain.NewError(domain.KindUnsupportedLedgerLocation, "get_asset", alloc.AssetID, err)
		}
		return c, fmt.Errorf("resolving asset %s: %w", alloc.AssetID, err)
	}
	c.OracleTicker = asset.OracleTicker

	loc := alloc.Location
	if loc == nil {
		loc = asset.Location
	}
	if loc == nil {
		return c, domain.NewError(domain.KindUnsupportedLedgerLocation, "resolve_location", alloc.AssetID, errors.New("asset has no ledger location"))
	}
	if err := loc.Validate(); err != nil {
		return c, domain.NewError(domain.KindUnsupportedLedgerLocation, "resolve_location", alloc.AssetID, err)
	}
	c.Location = loc
	return c, nil
}

// NAV returns the USD value of one bundle token. The coordinator's figure is authoritative; a
// locally computed fallback is used only when enabled and is always flagged.
func (p *Provider) NAV(ctx context.Context, bundleID uint64) (domain.NavQuote, error) {
	nav, err := p.coord.CalculateBundleNAV(ctx, bundleID)
	if err == nil {
		return nav, nil
	}
	if !p.allowFallback {
		return domain.NavQuote{}, fmt.Errorf("coordinator NAV for bundle %d: %w", bundleID, err)
	}

	slog.Warn("bundle: coordinator NAV unavailable, computing fallback", "bundle_id", bundleID, "error", err)
	constituents, cerr := p.Constituents(ctx, bundleID, ModeDisplay)
	if cerr != nil {
		return domain.NavQuote{}, fmt.Errorf("fallback NAV for bundle %d: %w", bundleID, cerr)
	}
	fallback, ferr := p.FallbackNAV(ctx, bundleID, constituents)
	if ferr != nil {
		return domain.NavQuote{}, ferr
	}

	p.metrics.NavFallback()
	slog.Warn("bundle: using fallback NAV", "bundle_id", bundleID, "nav", fallback.PricePerToken.StringFixed(8), "source", fallback.Source)
	return fallback, nil
}

// FallbackNAV computes Σ allocation/10000 × price over the constituents from cached prices.
// Allocations must sum to exactly 10000 bps and every constituent must have a price.
func (p *Provider) FallbackNAV(ctx context.Context, bundleID uint64, constituents []domain.BundleConstituent) (domain.NavQuote, error) {
	if err := domain.ValidateAllocations(constituents); err != nil {
		return domain.NavQuote{}, fmt.Errorf("fallback NAV for bundle %d: %w", bundleID, err)
	}

	tickers := lo.Map(constituents, func(c domain.BundleConstituent, _ int) string { return c.Ticker() })
	quotes, err := p.prices.GetBatch(ctx, tickers)
	if err != nil {
		return domain.NavQuote{}, fmt.Errorf("fallback NAV prices for bundle %d: %w", bundleID, err)
	}

	total := decimal.Zero
	for _, c := range constituents {
		q, ok := quotes[c.Ticker()]
		if !ok {
			return domain.NavQuote{}, domain.NewError(domain.KindPriceUnavailable, "fallback_nav", c.AssetID, fmt.Errorf("no price for ticker %s", c.Ticker()))
		}
		weight := decimal.NewFromInt(int64(c.AllocationBps)).Div(decimal.NewFromInt(domain.BasisPoints))
		total = total.Add(q.PriceUSD.Mul(weight))
	}

	return domain.NavQuote{
		BundleID:      bundleID,
		PricePerToken: total,
		Source:        domain.NavSourceFallback,
		CalculatedAt:  p.now().UTC(),
	}, nil
}
