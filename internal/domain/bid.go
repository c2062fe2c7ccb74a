package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// BidValidity bounds the resolver's price exposure between bid and assignment.
const BidValidity = 15 * time.Second

// BidRequest asks the resolver to price a buy or sell of bundle tokens.
// Amount is in bundle-token smallest units (8 decimals).
type BidRequest struct {
	BundleID  uint64    `json:"bundleId"`
	Operation Operation `json:"operation"`
	Amount    uint64    `json:"amount"`
	Requester string    `json:"requester"`
}

// Bid is the resolver's offer for a request. PriceTotal is in settlement-currency smallest units.
// Bids are never persisted.
type Bid struct {
	ResolverID  string          `json:"resolverId"`
	PriceTotal  uint64          `json:"priceTotal"`
	ValidUntil  time.Time       `json:"validUntil"`
	Confidence  decimal.Decimal `json:"confidence"`
	FeeBps      uint32          `json:"feeBps"`
	SlippageBps uint32          `json:"slippageBps"`
	GasFee      uint64          `json:"gasFee"`
	NavSource   NavSource       `json:"navSource"`
}
