package domain

import (
	"encoding/hex"
	"fmt"
)

// LedgerKind discriminates the two ledger families a constituent can live on.
type LedgerKind string

const (
	// LedgerKindSingleToken is a ledger holding exactly one token (ICRC-1/2 style).
	LedgerKindSingleToken LedgerKind = "single"
	// LedgerKindMultiToken is a ledger holding many tokens addressed by a sub-token id (ICRC-151 style).
	LedgerKindMultiToken LedgerKind = "multi"
)

// LedgerLocation identifies where a token is held. It is a closed variant:
// SingleToken carries only Ledger, MultiToken also carries SubTokenID.
type LedgerLocation struct {
	Kind       LedgerKind `json:"kind"`
	Ledger     string     `json:"ledger"`
	SubTokenID []byte     `json:"subTokenId,omitempty"`
}

// SingleToken builds a single-token ledger location.
func SingleToken(ledger string) LedgerLocation {
	return LedgerLocation{Kind: LedgerKindSingleToken, Ledger: ledger}
}

// MultiToken builds a multi-token ledger location.
func MultiToken(ledger string, subTokenID []byte) LedgerLocation {
	return LedgerLocation{Kind: LedgerKindMultiToken, Ledger: ledger, SubTokenID: subTokenID}
}

// Validate checks that the variant fields are consistent.
func (l LedgerLocation) Validate() error {
	if l.Ledger == "" {
		return fmt.Errorf("ledger location has no ledger reference")
	}
	switch l.Kind {
	case LedgerKindSingleToken:
		if len(l.SubTokenID) != 0 {
			return fmt.Errorf("single-token location %s carries a sub-token id", l.Ledger)
		}
	case LedgerKindMultiToken:
		if len(l.SubTokenID) == 0 {
			return fmt.Errorf("multi-token location %s has no sub-token id", l.Ledger)
		}
	default:
		return fmt.Errorf("unknown ledger kind %q", l.Kind)
	}
	return nil
}

// String returns "ledger" for single-token locations and "ledger/hex(subToken)" for multi-token ones.
func (l LedgerLocation) String() string {
	if l.Kind == LedgerKindMultiToken {
		return fmt.Sprintf("%s/%s", l.Ledger, hex.EncodeToString(l.SubTokenID))
	}
	return l.Ledger
}

// BundleConstituent is one asset of a bundle with its allocation and ledger location.
// Location is nil when it could not be resolved (display paths only).
type BundleConstituent struct {
	AssetID       string          `json:"assetId"`
	Location      *LedgerLocation `json:"location,omitempty"`
	AllocationBps uint32          `json:"allocationBps"`
	OracleTicker  string          `json:"oracleTicker"`
}

// Ticker returns the oracle ticker, defaulting to the asset id.
func (c BundleConstituent) Ticker() string {
	if c.OracleTicker != "" {
		return c.OracleTicker
	}
	return c.AssetID
}

// ValidateAllocations checks that constituent allocations sum to exactly 10000 bps.
func ValidateAllocations(constituents []BundleConstituent) error {
	var total uint64
	for _, c := range constituents {
		if c.AllocationBps > BasisPoints {
			return fmt.Errorf("allocation of %s is %d bps, above %d", c.AssetID, c.AllocationBps, BasisPoints)
		}
		total += uint64(c.AllocationBps)
	}
	if total != BasisPoints {
		return fmt.Errorf("allocations sum to %d bps, want %d", total, BasisPoints)
	}
	return nil
}
