package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/mtlprog/resolver/internal/domain"
	"github.com/mtlprog/resolver/internal/rpc"
)

// Caller performs query and update calls against a canister.
type Caller interface {
	Query(ctx context.Context, canister, method string, arg, dest any) error
	Call(ctx context.Context, canister, method string, arg, dest any) error
}

// Metadata describes a token's transfer fee and precision.
type Metadata struct {
	Fee      uint64 `json:"fee"`
	Decimals uint8  `json:"decimals"`
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
}

// Gateway is the capability every ledger location offers. Mutating methods return the block index.
type Gateway interface {
	Location() domain.LedgerLocation
	Metadata(ctx context.Context) (Metadata, error)
	BalanceOf(ctx context.Context, owner string) (uint64, error)
	Transfer(ctx context.Context, to string, amount uint64, memo string) (uint64, error)
	Approve(ctx context.Context, spender string, amount uint64, memo string) (uint64, error)
}

// Minter is implemented by ledgers on which the resolver may create supply.
type Minter interface {
	Mint(ctx context.Context, to string, amount uint64, memo string) (uint64, error)
}

// AllowanceReader is implemented by ledgers exposing current allowances.
type AllowanceReader interface {
	Allowance(ctx context.Context, owner, spender string) (uint64, error)
}

type account struct {
	Owner      string  `json:"owner"`
	Subaccount *string `json:"subaccount"`
}

// rejected converts a ledger rejection into a LedgerOperationFailed error carrying the ledger's message verbatim.
// Transport failures are only wrapped.
func rejected(op string, loc domain.LedgerLocation, err error) error {
	if re, ok := rpc.AsReject(err); ok {
		return domain.NewError(domain.KindLedgerOperationFailed, op, "", fmt.Errorf("%s: %w", loc, errors.New(re.Message)))
	}
	return fmt.Errorf("%s on %s: %w", op, loc, err)
}
