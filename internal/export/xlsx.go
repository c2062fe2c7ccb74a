package export

import (
	"context"
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"github.com/mtlprog/resolver/internal/wallet"
)

const (
	workbookWalletSheet  = "Wallet"
	workbookSummarySheet = "Summary"
)

// WorkbookWriter implements Writer by saving an .xlsx file.
type WorkbookWriter struct {
	path string
}

// NewWorkbookWriter creates a writer that overwrites path on every export.
func NewWorkbookWriter(path string) *WorkbookWriter {
	return &WorkbookWriter{path: path}
}

func (w *WorkbookWriter) Write(_ context.Context, st wallet.Status) error {
	f, err := buildWorkbook(st)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := f.SaveAs(w.path); err != nil {
		return fmt.Errorf("saving workbook %s: %w", w.path, err)
	}
	return nil
}

// WriteWorkbook streams the wallet status as an .xlsx document.
func WriteWorkbook(out io.Writer, st wallet.Status) error {
	f, err := buildWorkbook(st)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.WriteTo(out); err != nil {
		return fmt.Errorf("writing workbook: %w", err)
	}
	return nil
}

// buildWorkbook lays out a Wallet sheet with one row per asset and a Summary sheet.
func buildWorkbook(st wallet.Status) (*excelize.File, error) {
	f := excelize.NewFile()

	if err := f.SetSheetName("Sheet1", workbookWalletSheet); err != nil {
		f.Close()
		return nil, fmt.Errorf("naming wallet sheet: %w", err)
	}
	if err := writeRows(f, workbookWalletSheet, buildStatusRows(st)); err != nil {
		f.Close()
		return nil, err
	}

	if _, err := f.NewSheet(workbookSummarySheet); err != nil {
		f.Close()
		return nil, fmt.Errorf("creating summary sheet: %w", err)
	}
	summary := [][]any{historyHeader, buildHistoryRow(st)}
	if err := writeRows(f, workbookSummarySheet, summary); err != nil {
		f.Close()
		return nil, err
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("creating header style: %w", err)
	}
	for _, sheet := range []string{workbookWalletSheet, workbookSummarySheet} {
		if err := f.SetRowStyle(sheet, 1, 1, bold); err != nil {
			f.Close()
			return nil, fmt.Errorf("styling %s header: %w", sheet, err)
		}
	}

	return f, nil
}

func writeRows(f *excelize.File, sheet string, rows [][]any) error {
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("writing %s row %d: %w", sheet, i+1, err)
		}
	}
	return nil
}
