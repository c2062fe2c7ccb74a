package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/mtlprog/resolver/internal/config"
	"github.com/mtlprog/resolver/internal/domain"
)

func TestWatchedAssets(t *testing.T) {
	cfg := config.Config{
		Settlement: config.SettlementCurrency{Ledger: "usdc-ledger", Decimals: 6, Fee: 10, Symbol: "ckUSDC"},
		WatchedAssets: []config.WatchedAsset{
			{ID: "ckBTC", Ledger: "btc-ledger", Fee: 10, Decimals: 8},
			{ID: "gldt", Ledger: "multi-ledger", TokenID: "0a0b"},
		},
	}

	watched, singles, err := watchedAssets(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(watched) != 2 {
		t.Fatalf("watched = %d, want 2", len(watched))
	}
	if watched[1].Location.Kind != domain.LedgerKindMultiToken {
		t.Errorf("gldt kind = %s, want multi-token", watched[1].Location.Kind)
	}

	if md, ok := singles["usdc-ledger"]; !ok || md.Fee != 10 || md.Decimals != 6 {
		t.Errorf("settlement metadata = %+v (present %v)", md, ok)
	}
	if md, ok := singles["btc-ledger"]; !ok || md.Decimals != 8 {
		t.Errorf("ckBTC metadata = %+v (present %v)", md, ok)
	}
	if _, ok := singles["multi-ledger"]; ok {
		t.Error("multi-token ledgers read their own metadata")
	}
}

func TestWatchedAssetsBadTokenID(t *testing.T) {
	cfg := config.Config{WatchedAssets: []config.WatchedAsset{{ID: "x", Ledger: "l", TokenID: "not-hex"}}}
	if _, _, err := watchedAssets(cfg); err == nil {
		t.Error("expected error for invalid token id")
	}
}

func TestPrintJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := printJSON(&buf, map[string]int{"a": 1}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(buf.String(), "\n  \"a\": 1\n") {
		t.Errorf("output = %q", buf.String())
	}
}
