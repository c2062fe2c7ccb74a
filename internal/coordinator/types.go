package coordinator

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/mtlprog/resolver/internal/domain"
)

// Wire types as served by the canister gateway. Timestamps are nanoseconds since the Unix epoch,
// USD values are 8-decimal fixed point, sub-token ids are hex strings.

type tokenLocation struct {
	ICRC151 *struct {
		Ledger  string `json:"ledger"`
		TokenID string `json:"token_id"`
	} `json:"ICRC151,omitempty"`
	ICRC2 *struct {
		Ledger string `json:"ledger"`
	} `json:"ICRC2,omitempty"`
}

func (t *tokenLocation) toDomain() (*domain.LedgerLocation, error) {
	if t == nil {
		return nil, nil
	}
	switch {
	case t.ICRC151 != nil:
		id, err := hex.DecodeString(t.ICRC151.TokenID)
		if err != nil {
			return nil, fmt.Errorf("decoding token id %q: %w", t.ICRC151.TokenID, err)
		}
		loc := domain.MultiToken(t.ICRC151.Ledger, id)
		return &loc, nil
	case t.ICRC2 != nil:
		loc := domain.SingleToken(t.ICRC2.Ledger)
		return &loc, nil
	}
	return nil, nil
}

type allocationDTO struct {
	AssetID       string         `json:"asset_id"`
	Percentage    *uint32        `json:"percentage,omitempty"`
	AllocationBps *uint32        `json:"allocation_bps,omitempty"`
	TokenLocation *tokenLocation `json:"token_location,omitempty"`
}

// bps prefers the explicit basis-point field and falls back to whole percentages.
func (a allocationDTO) bps() uint32 {
	if a.AllocationBps != nil {
		return *a.AllocationBps
	}
	if a.Percentage != nil {
		return *a.Percentage * 100
	}
	return 0
}

type bundleDTO struct {
	ID          uint64          `json:"id"`
	Name        string          `json:"name"`
	Allocations []allocationDTO `json:"allocations"`
	IsActive    bool            `json:"is_active"`
}

func (b bundleDTO) toDomain() (domain.Bundle, error) {
	out := domain.Bundle{ID: b.ID, Name: b.Name, IsActive: b.IsActive}
	for _, a := range b.Allocations {
		loc, err := a.TokenLocation.toDomain()
		if err != nil {
			return domain.Bundle{}, fmt.Errorf("allocation %s: %w", a.AssetID, err)
		}
		out.Allocations = append(out.Allocations, domain.BundleAllocation{
			AssetID:       a.AssetID,
			AllocationBps: a.bps(),
			Location:      loc,
		})
	}
	return out, nil
}

type assetDTO struct {
	ID            string         `json:"id"`
	Symbol        string         `json:"symbol"`
	Decimals      uint8          `json:"decimals"`
	OracleTicker  *string        `json:"oracle_ticker,omitempty"`
	TokenLocation *tokenLocation `json:"token_location,omitempty"`
	IsActive      bool           `json:"is_active"`
}

func (a assetDTO) toDomain() (domain.Asset, error) {
	loc, err := a.TokenLocation.toDomain()
	if err != nil {
		return domain.Asset{}, fmt.Errorf("asset %s: %w", a.ID, err)
	}
	out := domain.Asset{ID: a.ID, Symbol: a.Symbol, Decimals: a.Decimals, Location: loc, IsActive: a.IsActive}
	if a.OracleTicker != nil {
		out.OracleTicker = *a.OracleTicker
	}
	return out, nil
}

type assetAmountDTO struct {
	AssetID string `json:"asset_id"`
	Amount  uint64 `json:"amount"`
}

type assignmentDTO struct {
	RequestID    uint64           `json:"request_id"`
	Resolver     string           `json:"resolver"`
	Operation    string           `json:"operation,omitempty"`
	BundleID     uint64           `json:"bundle_id,omitempty"`
	AssetAmounts []assetAmountDTO `json:"asset_amounts"`
	CkusdcAmount uint64           `json:"ckusdc_amount"`
	Fees         uint64           `json:"fees"`
	NavTokens    uint64           `json:"nav_tokens"`
	ValidUntil   uint64           `json:"valid_until"`
}

// toDomain leaves Operation and BundleID zero when the coordinator omits them; the
// transaction record carries both.
func (a assignmentDTO) toDomain() (domain.Assignment, error) {
	op, err := optionalOperation("get_assignment", a.Operation)
	if err != nil {
		return domain.Assignment{}, err
	}
	out := domain.Assignment{
		RequestID:        a.RequestID,
		Operation:        op,
		ResolverID:       a.Resolver,
		BundleID:         a.BundleID,
		SettlementAmount: a.CkusdcAmount,
		Fees:             a.Fees,
		NavTokens:        a.NavTokens,
		ValidUntil:       nanos(a.ValidUntil),
	}
	for _, aa := range a.AssetAmounts {
		out.AssetAmounts = append(out.AssetAmounts, domain.AssetAmount{AssetID: aa.AssetID, Amount: aa.Amount})
	}
	return out, nil
}

type transactionDTO struct {
	ID           uint64 `json:"id"`
	RequestID    uint64 `json:"request_id"`
	User         string `json:"user"`
	Resolver     string `json:"resolver"`
	BundleID     uint64 `json:"bundle_id"`
	Operation    string `json:"operation,omitempty"`
	Status       string `json:"status"`
	NavTokens    uint64 `json:"nav_tokens"`
	CkusdcAmount uint64 `json:"ckusdc_amount"`
	CreatedAt    uint64 `json:"created_at"`
	TimeoutAt    uint64 `json:"timeout_at"`
}

func (t transactionDTO) toDomain() (domain.Transaction, error) {
	op, err := optionalOperation("get_transaction", t.Operation)
	if err != nil {
		return domain.Transaction{}, err
	}
	return domain.Transaction{
		ID:               t.ID,
		RequestID:        t.RequestID,
		User:             t.User,
		Resolver:         t.Resolver,
		BundleID:         t.BundleID,
		Operation:        op,
		Status:           domain.TransactionStatus(t.Status),
		NavTokens:        t.NavTokens,
		SettlementAmount: t.CkusdcAmount,
		CreatedAt:        nanos(t.CreatedAt),
		TimeoutAt:        nanos(t.TimeoutAt),
	}, nil
}

type navReportDTO struct {
	BundleID     uint64 `json:"bundle_id"`
	NavPerToken  uint64 `json:"nav_per_token"`
	CalculatedAt uint64 `json:"calculated_at"`
}

// optionalOperation parses an operation name, returning "" for an absent one.
func optionalOperation(method, s string) (domain.Operation, error) {
	if strings.TrimSpace(s) == "" {
		return "", nil
	}
	op, err := domain.ParseOperation(s)
	if err != nil {
		return "", domain.NewError(domain.KindCoordinatorRejected, method, "", err)
	}
	return op, nil
}

func nanos(ns uint64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(ns)).UTC()
}
