package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceQuote is a USD price observation for a single asset.
// Quotes are immutable: a refresh replaces the whole value.
type PriceQuote struct {
	AssetID    string          `json:"assetId"`
	PriceUSD   decimal.Decimal `json:"priceUsd"`
	Confidence *uint64         `json:"confidence,omitempty"`
	ObservedAt time.Time       `json:"observedAt"`
	Source     string          `json:"source"`
}

// NavSource tells whether a NAV figure came from the coordinator or was derived locally.
type NavSource string

const (
	NavSourceCoordinator NavSource = "coordinator"
	NavSourceFallback    NavSource = "fallback"
)

// NavQuote is the USD value backing one whole bundle token.
type NavQuote struct {
	BundleID      uint64          `json:"bundleId"`
	PricePerToken decimal.Decimal `json:"pricePerToken"`
	Source        NavSource       `json:"source"`
	CalculatedAt  time.Time       `json:"calculatedAt"`
}

// IsFallback reports whether the NAV was computed by the resolver instead of the coordinator.
func (n NavQuote) IsFallback() bool {
	return n.Source == NavSourceFallback
}
