package main

import (
	"context"
	"fmt"
	"io"
	"io/fs"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mtlprog/resolver/internal/bid"
	"github.com/mtlprog/resolver/internal/bundle"
	"github.com/mtlprog/resolver/internal/config"
	"github.com/mtlprog/resolver/internal/coordinator"
	"github.com/mtlprog/resolver/internal/database"
	"github.com/mtlprog/resolver/internal/journal"
	"github.com/mtlprog/resolver/internal/ledger"
	"github.com/mtlprog/resolver/internal/logging"
	"github.com/mtlprog/resolver/internal/metrics"
	"github.com/mtlprog/resolver/internal/oracle"
	"github.com/mtlprog/resolver/internal/price"
	"github.com/mtlprog/resolver/internal/rpc"
	"github.com/mtlprog/resolver/internal/settlement"
	"github.com/mtlprog/resolver/internal/wallet"
)

// services is the wired application graph shared by every command.
type services struct {
	cfg      config.Config
	metrics  *metrics.Metrics
	logs     io.Closer
	pool     *pgxpool.Pool
	attempts *journal.PgRepository
	prices   *price.Cache
	bundles  *bundle.Provider
	bids     *bid.Engine
	settler  *settlement.Engine
	wallet   *wallet.Reporter
}

// buildServices loads configuration and wires every component. The journal is only connected
// when withJournal is set and DATABASE_URL is present.
func buildServices(ctx context.Context, withJournal bool) (*services, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	s := &services{
		cfg:     cfg,
		metrics: metrics.New(),
		logs:    logging.Setup(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile}),
	}

	if withJournal && cfg.DatabaseURL != "" {
		pool, err := database.Connect(ctx, cfg.DatabaseURL, 0)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.pool = pool

		migrations, err := fs.Sub(migrationsFS, "migrations")
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("opening migrations: %w", err)
		}
		if err := database.RunMigrations(ctx, pool, migrations); err != nil {
			s.Close()
			return nil, err
		}
		s.attempts = journal.NewPgRepository(pool)
	}

	gateway := rpc.NewClient(cfg.GatewayURL, rpc.Options{
		MaxRetries: cfg.GatewayRetryMax,
		BaseDelay:  cfg.GatewayRetryBaseDelay,
		RateLimit:  cfg.GatewayRateLimit,
		Token:      cfg.ResolverAPIToken,
	})
	coord := coordinator.NewClient(gateway, cfg.CoordinatorCanisterID)
	oracleClient := oracle.NewClient(gateway, cfg.OracleCanisterID)

	s.prices = price.NewCache(oracleClient, price.Options{
		DefaultTTL:      cfg.PriceTTL,
		TTLOverrides:    cfg.TTLOverrides,
		RefreshInterval: cfg.PriceRefreshInterval,
		HotAssets:       append([]string{cfg.Settlement.Ticker}, cfg.HotAssets...),
	}, s.metrics)
	s.bundles = bundle.NewProvider(coord, s.prices, cfg.AllowFallbackNAV, s.metrics)

	s.bids = bid.NewEngine(s.bundles, s.prices, bid.Config{
		ResolverID:         cfg.ResolverID,
		FeeBps:             uint32(max(cfg.FeeBps, 0)),
		Network:            cfg.Network,
		BaseGasFee:         uint64(max(cfg.BaseGasFee, 0)),
		LiquidityUSD:       cfg.LiquidityUSD,
		VolatilityPct:      cfg.VolatilityPct,
		SettlementTicker:   cfg.Settlement.Ticker,
		SettlementDecimals: int32(cfg.Settlement.Decimals),
	}, s.metrics)

	watched, singles, err := watchedAssets(cfg)
	if err != nil {
		s.Close()
		return nil, err
	}
	ledgers := ledger.NewRegistry(gateway, singles)

	// A nil *journal.PgRepository must not become a non-nil Recorder.
	var recorder settlement.Recorder
	if s.attempts != nil {
		recorder = s.attempts
	}
	s.settler = settlement.NewEngine(coord, s.bundles, ledgers, recorder, settlement.Config{
		ResolverID:       cfg.ResolverID,
		ResolverAccount:  cfg.ResolverAccount,
		Spender:          cfg.CoordinatorCanisterID,
		SettlementLedger: cfg.SettlementLocation(),
		Timeout:          cfg.SettlementTimeout,
	}, s.metrics)

	s.wallet = wallet.NewReporter(ledgers, wallet.Config{
		Account:    cfg.ResolverAccount,
		Spender:    cfg.CoordinatorCanisterID,
		Network:    cfg.Network,
		Settlement: wallet.WatchedAsset{AssetID: cfg.Settlement.Symbol, Location: cfg.SettlementLocation()},
		Assets:     watched,
	})

	return s, nil
}

// watchedAssets converts the configured inventory into wallet rows and the fixed metadata
// of every single-token ledger, the settlement currency included.
func watchedAssets(cfg config.Config) ([]wallet.WatchedAsset, map[string]ledger.Metadata, error) {
	singles := map[string]ledger.Metadata{
		cfg.Settlement.Ledger: {
			Fee:      cfg.Settlement.Fee,
			Decimals: uint8(cfg.Settlement.Decimals),
			Name:     cfg.Settlement.Symbol,
			Symbol:   cfg.Settlement.Symbol,
		},
	}

	watched := make([]wallet.WatchedAsset, 0, len(cfg.WatchedAssets))
	for _, a := range cfg.WatchedAssets {
		loc, err := a.Location()
		if err != nil {
			return nil, nil, err
		}
		if a.TokenID == "" {
			singles[a.Ledger] = ledger.Metadata{Fee: a.Fee, Decimals: uint8(a.Decimals), Name: a.ID, Symbol: a.ID}
		}
		watched = append(watched, wallet.WatchedAsset{AssetID: a.ID, Location: loc})
	}
	return watched, singles, nil
}

// Close stops background work and releases held resources.
func (s *services) Close() {
	if s.prices != nil {
		s.prices.Stop()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	if s.logs != nil {
		_ = s.logs.Close()
	}
}
