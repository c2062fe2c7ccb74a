package ledger

import (
	"context"
	"encoding/hex"

	"github.com/mtlprog/resolver/internal/domain"
)

// MultiTokenGateway addresses one sub-token of a multi-token ledger. It supports minting.
type MultiTokenGateway struct {
	rpc     Caller
	ledger  string
	tokenID []byte
}

// NewMultiTokenGateway creates a gateway for a sub-token.
func NewMultiTokenGateway(rpc Caller, ledger string, tokenID []byte) *MultiTokenGateway {
	return &MultiTokenGateway{rpc: rpc, ledger: ledger, tokenID: tokenID}
}

var (
	_ Gateway = (*MultiTokenGateway)(nil)
	_ Minter  = (*MultiTokenGateway)(nil)
)

func (g *MultiTokenGateway) Location() domain.LedgerLocation {
	return domain.MultiToken(g.ledger, g.tokenID)
}

func (g *MultiTokenGateway) token() string {
	return hex.EncodeToString(g.tokenID)
}

type multiTokenArgs struct {
	TokenID string   `json:"token_id"`
	To      *account `json:"to,omitempty"`
	Spender *account `json:"spender,omitempty"`
	Account *account `json:"account,omitempty"`
	Amount  *uint64  `json:"amount,omitempty"`
	Memo    *string  `json:"memo"`
}

func (g *MultiTokenGateway) Metadata(ctx context.Context) (Metadata, error) {
	var md Metadata
	if err := g.rpc.Query(ctx, g.ledger, "get_token_metadata", multiTokenArgs{TokenID: g.token()}, &md); err != nil {
		return Metadata{}, rejected("get_token_metadata", g.Location(), err)
	}
	return md, nil
}

func (g *MultiTokenGateway) BalanceOf(ctx context.Context, owner string) (uint64, error) {
	var balance uint64
	args := multiTokenArgs{TokenID: g.token(), Account: &account{Owner: owner}}
	if err := g.rpc.Query(ctx, g.ledger, "icrc151_balance_of", args, &balance); err != nil {
		return 0, rejected("balance_of", g.Location(), err)
	}
	return balance, nil
}

func (g *MultiTokenGateway) Mint(ctx context.Context, to string, amount uint64, memo string) (uint64, error) {
	return g.update(ctx, "mint_tokens", multiTokenArgs{TokenID: g.token(), To: &account{Owner: to}, Amount: &amount, Memo: memoPtr(memo)})
}

func (g *MultiTokenGateway) Transfer(ctx context.Context, to string, amount uint64, memo string) (uint64, error) {
	return g.update(ctx, "icrc151_transfer", multiTokenArgs{TokenID: g.token(), To: &account{Owner: to}, Amount: &amount, Memo: memoPtr(memo)})
}

func (g *MultiTokenGateway) Approve(ctx context.Context, spender string, amount uint64, memo string) (uint64, error) {
	return g.update(ctx, "icrc151_approve", multiTokenArgs{TokenID: g.token(), Spender: &account{Owner: spender}, Amount: &amount, Memo: memoPtr(memo)})
}

func (g *MultiTokenGateway) update(ctx context.Context, method string, args multiTokenArgs) (uint64, error) {
	var block uint64
	if err := g.rpc.Call(ctx, g.ledger, method, args, &block); err != nil {
		return 0, rejected(method, g.Location(), err)
	}
	return block, nil
}

func memoPtr(memo string) *string {
	if memo == "" {
		return nil
	}
	return &memo
}
