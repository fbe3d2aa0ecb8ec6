package ledger

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"

	"backoffice/backend/internal/domain"
)

// StatementColumns is the fixed column order of statement exports.
var StatementColumns = []string{
	"supplier_name",
	"po_number",
	"payment_status",
	"due_status",
	"days_until_due",
	"due_date",
	"received_at",
	"purchase_currency",
	"grand_total_base",
	"total_paid_base",
	"outstanding_base",
	"fx_delta_base",
	"age_days",
	"store_currency",
}

const statementSheet = "AP Statement"

func WriteCSV(w io.Writer, stmt domain.APStatement) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(StatementColumns); err != nil {
		return err
	}
	for _, line := range Lines(stmt) {
		if err := cw.Write(statementRow(line)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func WriteXLSX(w io.Writer, stmt domain.APStatement) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", statementSheet); err != nil {
		return err
	}
	for col, heading := range StatementColumns {
		if err := setCell(f, col, 1, heading); err != nil {
			return err
		}
	}

	for i, line := range Lines(stmt) {
		row := i + 2
		values := []any{
			line.SupplierName,
			line.PONumber,
			string(line.PaymentStatus),
			string(line.DueStatus),
			optionalInt(line.DaysUntilDue),
			optionalDate(line.DueDate),
			optionalDate(line.ReceivedAt),
			line.PurchaseCurrency,
			line.GrandTotalBase.InexactFloat64(),
			line.TotalPaidBase.InexactFloat64(),
			line.OutstandingBase.InexactFloat64(),
			line.FxDeltaBase.InexactFloat64(),
			optionalInt(line.AgeDays),
			line.StoreCurrency,
		}
		for col, value := range values {
			if err := setCell(f, col, row, value); err != nil {
				return err
			}
		}
	}

	return f.Write(w)
}

func setCell(f *excelize.File, col int, row int, value any) error {
	cell, err := excelize.CoordinatesToCellName(col+1, row)
	if err != nil {
		return fmt.Errorf("cell name: %w", err)
	}
	return f.SetCellValue(statementSheet, cell, value)
}

func statementRow(line domain.StatementLine) []string {
	return []string{
		line.SupplierName,
		line.PONumber,
		string(line.PaymentStatus),
		string(line.DueStatus),
		optionalInt(line.DaysUntilDue),
		optionalDate(line.DueDate),
		optionalDate(line.ReceivedAt),
		line.PurchaseCurrency,
		line.GrandTotalBase.StringFixed(moneyPlaces),
		line.TotalPaidBase.StringFixed(moneyPlaces),
		line.OutstandingBase.StringFixed(moneyPlaces),
		line.FxDeltaBase.StringFixed(moneyPlaces),
		optionalInt(line.AgeDays),
		line.StoreCurrency,
	}
}

func optionalInt(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

func optionalDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.DateOnly)
}
