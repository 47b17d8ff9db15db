// Package export renders a user's transactions as an XLSX workbook.
package export

import (
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/nugget/suvfin/internal/brl"
	"github.com/nugget/suvfin/internal/finance"
)

// MIME is the content type of the generated workbook.
const MIME = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// Sheet names.
const (
	SheetTransactions = "Lançamentos"
	SheetSummary      = "Resumo"
)

var txHeader = []any{"Data", "Tipo", "Descrição", "Categoria", "Valor (R$)"}

// Filename returns the attachment name for a period.
func Filename(start, end time.Time) string {
	return fmt.Sprintf("suvfin_%s_%s.xlsx", start.Format("20060102"), end.Format("20060102"))
}

// Workbook builds a workbook with one row per transaction and a
// summary sheet with income, expenses, balance and the expense
// breakdown by category.
func Workbook(report *finance.PeriodReport, txs []finance.Transaction) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetTransactions); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}

	header, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Color: "FFFFFF"},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"2E7D32"}, Pattern: 1},
	})
	if err != nil {
		return nil, fmt.Errorf("header style: %w", err)
	}
	money, err := f.NewStyle(&excelize.Style{NumFmt: 4}) // #,##0.00
	if err != nil {
		return nil, fmt.Errorf("money style: %w", err)
	}

	if err := f.SetSheetRow(SheetTransactions, "A1", &txHeader); err != nil {
		return nil, err
	}
	for i, tx := range txs {
		typ := "Gasto"
		value := -brl.FromCents(tx.AmountCents)
		if tx.Type == finance.Income {
			typ = "Entrada"
			value = -value
		}
		category := tx.CategoryName
		if category == "" {
			category = finance.UncategorizedTag
		}
		row := []any{brl.FormatDateShort(tx.Date), typ, tx.Description, category, value}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(SheetTransactions, cell, &row); err != nil {
			return nil, fmt.Errorf("write row %d: %w", i+2, err)
		}
	}
	last := len(txs) + 1
	if err := f.SetCellStyle(SheetTransactions, "A1", "E1", header); err != nil {
		return nil, err
	}
	if last > 1 {
		if err := f.SetCellStyle(SheetTransactions, "E2", fmt.Sprintf("E%d", last), money); err != nil {
			return nil, err
		}
	}
	widths := map[string]float64{"A": 12, "B": 10, "C": 40, "D": 20, "E": 14}
	for col, w := range widths {
		if err := f.SetColWidth(SheetTransactions, col, col, w); err != nil {
			return nil, err
		}
	}

	if report != nil {
		if err := writeSummary(f, report, header, money); err != nil {
			return nil, err
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func writeSummary(f *excelize.File, r *finance.PeriodReport, header, money int) error {
	if _, err := f.NewSheet(SheetSummary); err != nil {
		return fmt.Errorf("new sheet: %w", err)
	}

	rows := [][]any{
		{"Período", fmt.Sprintf("%s a %s", brl.FormatDateShort(r.Start), brl.FormatDateShort(r.End))},
		{"Entradas", brl.FromCents(r.IncomeCents)},
		{"Gastos", brl.FromCents(r.ExpenseCents)},
		{"Saldo", brl.FromCents(r.BalanceCents())},
		{"Lançamentos", r.Count},
		{},
		{"Categoria", "Total (R$)", "Qtd", "%"},
	}
	for _, c := range r.ByCategory {
		rows = append(rows, []any{c.Emoji + " " + c.Name, brl.FromCents(c.TotalCents), c.Count, fmt.Sprintf("%.1f%%", c.Percentage)})
	}
	for i := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow(SheetSummary, cell, &rows[i]); err != nil {
			return fmt.Errorf("write summary row %d: %w", i+1, err)
		}
	}

	if err := f.SetCellStyle(SheetSummary, "A7", "D7", header); err != nil {
		return err
	}
	if err := f.SetCellStyle(SheetSummary, "B2", "B4", money); err != nil {
		return err
	}
	if len(r.ByCategory) > 0 {
		if err := f.SetCellStyle(SheetSummary, "B8", fmt.Sprintf("B%d", 7+len(r.ByCategory)), money); err != nil {
			return err
		}
	}
	return f.SetColWidth(SheetSummary, "A", "A", 24)
}
