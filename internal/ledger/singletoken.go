package ledger

import (
	"context"

	"github.com/mtlprog/resolver/internal/domain"
)

// SingleTokenGateway talks to a ledger holding exactly one token. Such ledgers have no mint
// entry point for the resolver; fee and decimals are fixed per ledger and come from configuration.
type SingleTokenGateway struct {
	rpc      Caller
	ledger   string
	metadata Metadata
}

// NewSingleTokenGateway creates a gateway for a single-token ledger with its fixed metadata.
func NewSingleTokenGateway(rpc Caller, ledger string, metadata Metadata) *SingleTokenGateway {
	return &SingleTokenGateway{rpc: rpc, ledger: ledger, metadata: metadata}
}

var (
	_ Gateway         = (*SingleTokenGateway)(nil)
	_ AllowanceReader = (*SingleTokenGateway)(nil)
)

func (g *SingleTokenGateway) Location() domain.LedgerLocation {
	return domain.SingleToken(g.ledger)
}

func (g *SingleTokenGateway) Metadata(context.Context) (Metadata, error) {
	return g.metadata, nil
}

func (g *SingleTokenGateway) BalanceOf(ctx context.Context, owner string) (uint64, error) {
	var balance uint64
	if err := g.rpc.Query(ctx, g.ledger, "icrc1_balance_of", account{Owner: owner}, &balance); err != nil {
		return 0, rejected("balance_of", g.Location(), err)
	}
	return balance, nil
}

type allowanceArgs struct {
	Account account `json:"account"`
	Spender account `json:"spender"`
}

type allowanceReply struct {
	Allowance uint64  `json:"allowance"`
	ExpiresAt *uint64 `json:"expires_at"`
}

func (g *SingleTokenGateway) Allowance(ctx context.Context, owner, spender string) (uint64, error) {
	var reply allowanceReply
	args := allowanceArgs{Account: account{Owner: owner}, Spender: account{Owner: spender}}
	if err := g.rpc.Query(ctx, g.ledger, "icrc2_allowance", args, &reply); err != nil {
		return 0, rejected("allowance", g.Location(), err)
	}
	return reply.Allowance, nil
}

type transferArgs struct {
	To     account `json:"to"`
	Amount uint64  `json:"amount"`
	Memo   *string `json:"memo"`
}

func (g *SingleTokenGateway) Transfer(ctx context.Context, to string, amount uint64, memo string) (uint64, error) {
	var block uint64
	args := transferArgs{To: account{Owner: to}, Amount: amount, Memo: memoPtr(memo)}
	if err := g.rpc.Call(ctx, g.ledger, "icrc1_transfer", args, &block); err != nil {
		return 0, rejected("icrc1_transfer", g.Location(), err)
	}
	return block, nil
}

type approveArgs struct {
	Spender account `json:"spender"`
	Amount  uint64  `json:"amount"`
	Memo    *string `json:"memo"`
}

func (g *SingleTokenGateway) Approve(ctx context.Context, spender string, amount uint64, memo string) (uint64, error) {
	var block uint64
	args := approveArgs{Spender: account{Owner: spender}, Amount: amount, Memo: memoPtr(memo)}
	if err := g.rpc.Call(ctx, g.ledger, "icrc2_approve", args, &block); err != nil {
		return 0, rejected("icrc2_approve", g.Location(), err)
	}
	return block, nil
}
