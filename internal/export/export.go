// Package export publishes wallet status reports to spreadsheets.
package export

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mtlprog/resolver/internal/domain"
	"github.com/mtlprog/resolver/internal/wallet"
)

// Writer writes a wallet status to a spreadsheet destination.
type Writer interface {
	Write(ctx context.Context, st wallet.Status) error
}

// Fanout writes to every writer in turn and joins their failures.
type Fanout []Writer

func (f Fanout) Write(ctx context.Context, st wallet.Status) error {
	var errs []error
	for _, w := range f {
		if err := w.Write(ctx, st); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	slog.Info("export: wallet status written", "destinations", len(f), "rows", len(st.Rows))
	return nil
}

// statusHeader is the header of the per-asset sheet.
// Columns: Asset | Location | Settlement | Balance | Raw | Decimals | Allowance | Approved | Error
var statusHeader = []any{
	"Asset", "Location", "Settlement", "Balance", "Raw",
	"Decimals", "Allowance", "Approved", "Error",
}

// historyHeader is the header of the append-only summary sheet.
var historyHeader = []any{
	"Time", "Account", "Network", "Assets", "Failed",
	"Settlement Funds", "Has Assets", "All Approved", "Ready",
}

// buildStatusRows builds the per-asset sheet, header included.
func buildStatusRows(st wallet.Status) [][]any {
	data := make([][]any, 0, len(st.Rows)+1)
	data = append(data, statusHeader)

	for _, row := range st.Rows {
		var allowance any
		if row.Allowance != nil {
			allowance = float64(*row.Allowance)
		}
		data = append(data, []any{
			row.AssetID,
			row.Location,
			flag(row.Settlement),
			toFloat(domain.SafeParse(row.Formatted)),
			float64(row.Balance),
			int(row.Decimals),
			allowance,
			flag(row.Approved()),
			row.Error,
		})
	}

	return data
}

// buildHistoryRow builds one summary row for the history sheet.
func buildHistoryRow(st wallet.Status) []any {
	failed := 0
	for _, row := range st.Rows {
		if row.Error != "" {
			failed++
		}
	}
	return []any{
		st.GeneratedAt.UTC().Format(time.DateTime),
		st.Account,
		st.Network,
		len(st.Rows),
		failed,
		flag(st.HasSettlementFunds),
		flag(st.HasAssets),
		flag(st.AllApproved),
		flag(st.Ready),
	}
}

func flag(b bool) int {
	if b {
		return 1
	}
	return 0
}

func toFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
