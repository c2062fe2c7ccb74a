package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/samber/lo"

	"github.com/mtlprog/resolver/internal/domain"
	"github.com/mtlprog/resolver/internal/ledger"
)

// DefaultMinSettlementBalance is one whole unit of an 8-decimal settlement currency.
const DefaultMinSettlementBalance = 100000000

// Ledgers resolves a ledger location to a gateway.
type Ledgers interface {
	Gateway(loc domain.LedgerLocation) (ledger.Gateway, error)
}

// WatchedAsset is an asset whose balance is reported.
type WatchedAsset struct {
	AssetID  string
	Location domain.LedgerLocation
}

// Config describes the resolver account and what to report on.
type Config struct {
	Account              string
	Spender              string
	Network              string
	Settlement           WatchedAsset
	Assets               []WatchedAsset
	MinSettlementBalance uint64
}

// Row is the state of one asset. Allowance is nil when the ledger does not expose allowances.
type Row struct {
	AssetID    string  `json:"assetId"`
	Location   string  `json:"location"`
	Settlement bool    `json:"settlement"`
	Balance    uint64  `json:"balance"`
	Formatted  string  `json:"formatted"`
	Decimals   uint8   `json:"decimals"`
	Allowance  *uint64 `json:"allowance,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// Approved reports whether the coordinator may spend from this row's balance.
func (r Row) Approved() bool {
	return r.Error == "" && (r.Allowance == nil || *r.Allowance > 0)
}

// Status is a read-only snapshot of the resolver's wallet.
type Status struct {
	Account            string    `json:"account"`
	Network            string    `json:"network"`
	GeneratedAt        time.Time `json:"generatedAt"`
	Rows               []Row     `json:"rows"`
	HasSettlementFunds bool      `json:"hasSettlementFunds"`
	HasAssets          bool      `json:"hasAssets"`
	AllApproved        bool      `json:"allApproved"`
	Ready              bool      `json:"ready"`
}

// Reporter aggregates balances and approvals across known ledgers.
type Reporter struct {
	ledgers Ledgers
	cfg     Config
	now     func() time.Time
}

// NewReporter creates a wallet reporter.
func NewReporter(ledgers Ledgers, cfg Config) *Reporter {
	if cfg.MinSettlementBalance == 0 {
		cfg.MinSettlementBalance = DefaultMinSettlementBalance
	}
	return &Reporter{ledgers: ledgers, cfg: cfg, now: time.Now}
}

// Status reads every watched balance. Per-asset failures are reported in their row; an error is
// returned only when no ledger could be read at all.
func (r *Reporter) Status(ctx context.Context) (Status, error) {
	st := Status{
		Account:     r.cfg.Account,
		Network:     r.cfg.Network,
		GeneratedAt: r.now().UTC(),
	}

	settlement := r.row(ctx, r.cfg.Settlement)
	settlement.Settlement = true
	st.Rows = append(st.Rows, settlement)
	for _, asset := range r.cfg.Assets {
		st.Rows = append(st.Rows, r.row(ctx, asset))
	}

	if lo.EveryBy(st.Rows, func(row Row) bool { return row.Error != "" }) {
		return st, errors.New("no watched ledger could be read")
	}

	st.HasSettlementFunds = settlement.Error == "" && settlement.Balance > r.cfg.MinSettlementBalance
	st.HasAssets = lo.SomeBy(st.Rows[1:], func(row Row) bool { return row.Error == "" && row.Balance > 0 })
	st.AllApproved = lo.EveryBy(st.Rows, Row.Approved)
	st.Ready = st.HasSettlementFunds && st.HasAssets && st.AllApproved
	return st, nil
}

func (r *Reporter) row(ctx context.Context, asset WatchedAsset) Row {
	row := Row{AssetID: asset.AssetID, Location: asset.Location.String()}

	gw, err := r.ledgers.Gateway(asset.Location)
	if err != nil {
		return r.fail(row, err)
	}
	md, err := gw.Metadata(ctx)
	if err != nil {
		return r.fail(row, fmt.Errorf("metadata: %w", err))
	}
	row.Decimals = md.Decimals

	balance, err := gw.BalanceOf(ctx, r.cfg.Account)
	if err != nil {
		return r.fail(row, fmt.Errorf("balance: %w", err))
	}
	row.Balance = balance
	row.Formatted = domain.FormatUnits(balance, int32(md.Decimals))

	if reader, ok := gw.(ledger.AllowanceReader); ok {
		allowance, err := reader.Allowance(ctx, r.cfg.Account, r.cfg.Spender)
		if err != nil {
			return r.fail(row, fmt.Errorf("allowance: %w", err))
		}
		row.Allowance = &allowance
	}
	return row
}

func (r *Reporter) fail(row Row, err error) Row {
	slog.Warn("wallet: asset unreadable", "asset_id", row.AssetID, "location", row.Location, "error", err)
	row.Error = err.Error()
	return row
}
