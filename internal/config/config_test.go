package config

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mtlprog/resolver/internal/domain"
)

var configKeys = []string{
	"IC_GATEWAY_URL", "NETWORK", "COORDINATOR_CANISTER_ID", "ORACLE_CANISTER_ID", "RESOLVER_ID",
	"RESOLVER_ACCOUNT", "HTTP_PORT", "DATABASE_URL", "RESOLVER_FEE_BPS", "BASE_GAS_FEE",
	"LIQUIDITY_USD", "VOLATILITY_PCT", "ALLOW_FALLBACK_NAV", "PRICE_TTL", "HOT_ASSETS",
	"SETTLEMENT_LEDGER_ID", "SETTLEMENT_FEE", "SETTLEMENT_DECIMALS", "GATEWAY_RATE_LIMIT", "ASSETS_FILE",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range configKeys {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.GatewayURL != localGatewayURL {
		t.Errorf("GatewayURL = %q, want local gateway", cfg.GatewayURL)
	}
	if cfg.Network != NetworkLocal {
		t.Errorf("Network = %q, want local", cfg.Network)
	}
	if cfg.HTTPPort != "3001" {
		t.Errorf("HTTPPort = %q, want 3001", cfg.HTTPPort)
	}
	if cfg.FeeBps != 30 {
		t.Errorf("FeeBps = %d, want 30", cfg.FeeBps)
	}
	if cfg.BaseGasFee != 10000 {
		t.Errorf("BaseGasFee = %d, want 10000", cfg.BaseGasFee)
	}
	if cfg.AllowFallbackNAV {
		t.Error("AllowFallbackNAV should default to false")
	}
	if cfg.PriceTTL != 10*time.Second {
		t.Errorf("PriceTTL = %v, want 10s", cfg.PriceTTL)
	}
	if cfg.Settlement.Decimals != 6 || cfg.Settlement.Fee != 10 {
		t.Errorf("Settlement = %+v, want 6 decimals and fee 10", cfg.Settlement)
	}
	if len(cfg.HotAssets) != 0 {
		t.Errorf("HotAssets = %v, want empty", cfg.HotAssets)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	clearEnv(t)
	t.Setenv("NETWORK", "ic")
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("RESOLVER_FEE_BPS", "50")
	t.Setenv("LIQUIDITY_USD", "250000.5")
	t.Setenv("ALLOW_FALLBACK_NAV", "true")
	t.Setenv("PRICE_TTL", "3s")
	t.Setenv("HOT_ASSETS", "BTC, ETH,,BTC")
	t.Setenv("GATEWAY_RATE_LIMIT", "5.5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.GatewayURL != mainnetGatewayURL {
		t.Errorf("GatewayURL = %q, want mainnet gateway", cfg.GatewayURL)
	}
	if cfg.HTTPPort != "9090" {
		t.Errorf("HTTPPort = %q, want 9090", cfg.HTTPPort)
	}
	if cfg.FeeBps != 50 {
		t.Errorf("FeeBps = %d, want 50", cfg.FeeBps)
	}
	if !cfg.LiquidityUSD.Equal(decimal.RequireFromString("250000.5")) {
		t.Errorf("LiquidityUSD = %s", cfg.LiquidityUSD)
	}
	if !cfg.AllowFallbackNAV {
		t.Error("AllowFallbackNAV = false, want true")
	}
	if cfg.PriceTTL != 3*time.Second {
		t.Errorf("PriceTTL = %v, want 3s", cfg.PriceTTL)
	}
	if !slices.Equal(cfg.HotAssets, []string{"BTC", "ETH"}) {
		t.Errorf("HotAssets = %v, want [BTC ETH]", cfg.HotAssets)
	}
	if cfg.GatewayRateLimit != 5.5 {
		t.Errorf("GatewayRateLimit = %v, want 5.5", cfg.GatewayRateLimit)
	}
}

func TestLoadInvalidValuesFallBack(t *testing.T) {
	clearEnv(t)
	t.Setenv("RESOLVER_FEE_BPS", "lots")
	t.Setenv("PRICE_TTL", "soon")
	t.Setenv("ALLOW_FALLBACK_NAV", "maybe")
	t.Setenv("VOLATILITY_PCT", "-4")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.FeeBps != 30 {
		t.Errorf("FeeBps = %d, want default 30", cfg.FeeBps)
	}
	if cfg.PriceTTL != 10*time.Second {
		t.Errorf("PriceTTL = %v, want default", cfg.PriceTTL)
	}
	if cfg.AllowFallbackNAV {
		t.Error("AllowFallbackNAV should keep default")
	}
	if !cfg.VolatilityPct.Equal(decimal.NewFromInt(5)) {
		t.Errorf("VolatilityPct = %s, want default 5", cfg.VolatilityPct)
	}
}

const assetYAML = `
settlement:
  ledger: xevnm-gaaaa-aaaar-qafnq-cai
  fee: 20
hot_assets: [ETH, SOL]
ttl_overrides:
  BTC: 5s
assets:
  - id: ckBTC
    ledger: mxzaz-hqaaa-aaaar-qaada-cai
  - id: gldt
    ledger: multi-ledger
    token_id: "0a0b"
`

func TestLoadMergesAssetFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "assets.yaml")
	if err := os.WriteFile(path, []byte(assetYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ASSETS_FILE", path)
	t.Setenv("HOT_ASSETS", "BTC,ETH")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Settlement.Ledger != "xevnm-gaaaa-aaaar-qafnq-cai" {
		t.Errorf("Settlement.Ledger = %q", cfg.Settlement.Ledger)
	}
	if cfg.Settlement.Fee != 20 {
		t.Errorf("Settlement.Fee = %d, want 20", cfg.Settlement.Fee)
	}
	if cfg.Settlement.Decimals != 6 {
		t.Errorf("Settlement.Decimals = %d, want env default 6", cfg.Settlement.Decimals)
	}
	if !slices.Equal(cfg.HotAssets, []string{"BTC", "ETH", "SOL"}) {
		t.Errorf("HotAssets = %v, want [BTC ETH SOL]", cfg.HotAssets)
	}
	if cfg.TTLOverrides["BTC"] != 5*time.Second {
		t.Errorf("TTLOverrides = %v", cfg.TTLOverrides)
	}
	if len(cfg.WatchedAssets) != 2 {
		t.Fatalf("WatchedAssets = %d, want 2", len(cfg.WatchedAssets))
	}

	loc, err := cfg.WatchedAssets[1].Location()
	if err != nil {
		t.Fatalf("Location: %v", err)
	}
	if loc.Kind != domain.LedgerKindMultiToken || loc.String() != "multi-ledger/0a0b" {
		t.Errorf("location = %s (%s)", loc, loc.Kind)
	}
}

func TestLoadBadAssetFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("ASSETS_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := Load(); err == nil {
		t.Error("expected error for missing asset file")
	}
}

func TestParseAssetFileValidation(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"missing ledger", "assets:\n  - id: x\n"},
		{"bad token id", "assets:\n  - id: x\n    ledger: l\n    token_id: zz\n"},
		{"not yaml", "assets: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseAssetFile([]byte(tt.doc)); err == nil {
				t.Error("expected error")
			}
		})
	}
}
