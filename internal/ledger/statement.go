package ledger

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"backoffice/backend/internal/domain"
)

// PayableOrder pairs a purchase order with the payments recorded against it.
type PayableOrder struct {
	Order    domain.PurchaseOrder
	Payments []domain.POPayment
}

type StatementOptions struct {
	StoreID      string
	BaseCurrency string
	AsOf         time.Time
	HorizonDays  int
	Filter       domain.StatementFilter
}

// SupplierKey normalizes a supplier name for grouping: trimmed, inner
// whitespace collapsed, lower-case.
func SupplierKey(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

// Payable reports whether a PO in status s belongs on the AP statement.
func Payable(s domain.POStatus) bool {
	return s != domain.POStatusDraft && s != domain.POStatusCancelled
}

// BuildStatement groups payable orders per supplier and applies the filter.
func BuildStatement(orders []PayableOrder, opts StatementOptions) domain.APStatement {
	stmt := domain.APStatement{
		StoreID:         opts.StoreID,
		StoreCurrency:   opts.BaseCurrency,
		AsOf:            Day(opts.AsOf).Format(time.DateOnly),
		OutstandingBase: decimal.Zero,
		FxDeltaBase:     decimal.Zero,
		Suppliers:       []domain.SupplierStatement{},
	}

	supplierFilter := SupplierKey(opts.Filter.Supplier)
	groups := make(map[string]*domain.SupplierStatement)
	order := make([]string, 0)

	for _, payable := range orders {
		po := payable.Order
		if !Payable(po.Status) {
			continue
		}
		key := SupplierKey(po.SupplierName)
		if supplierFilter != "" && key != supplierFilter {
			continue
		}

		settlement := Settle(po, opts.BaseCurrency, payable.Payments)
		dueStatus, daysUntilDue := ClassifyDue(po.DueDate, opts.AsOf, opts.HorizonDays)
		if opts.Filter.DueStatus != "" && opts.Filter.DueStatus != dueStatus {
			continue
		}
		if opts.Filter.OnlyOutstanding && !settlement.OutstandingBase.IsPositive() {
			continue
		}

		line := domain.StatementLine{
			POID:             po.ID,
			SupplierName:     strings.TrimSpace(po.SupplierName),
			PONumber:         po.PONumber,
			PaymentStatus:    settlement.PaymentStatus,
			DueStatus:        dueStatus,
			DaysUntilDue:     daysUntilDue,
			DueDate:          po.DueDate,
			ReceivedAt:       po.ReceivedAt,
			PurchaseCurrency: po.PurchaseCurrency,
			GrandTotalBase:   settlement.GrandTotalBase,
			TotalPaidBase:    settlement.TotalPaidBase,
			OutstandingBase:  settlement.OutstandingBase,
			FxDeltaBase:      settlement.FxDeltaBase,
			AgeDays:          ageDays(po, opts.AsOf),
			StoreCurrency:    opts.BaseCurrency,
		}

		group, ok := groups[key]
		if !ok {
			group = &domain.SupplierStatement{
				SupplierKey:     key,
				SupplierName:    line.SupplierName,
				GrandTotalBase:  decimal.Zero,
				TotalPaidBase:   decimal.Zero,
				OutstandingBase: decimal.Zero,
				FxDeltaBase:     decimal.Zero,
				ByDueStatus:     make(map[domain.DueStatus]decimal.Decimal),
			}
			groups[key] = group
			order = append(order, key)
		}
		group.POCount++
		group.GrandTotalBase = group.GrandTotalBase.Add(line.GrandTotalBase)
		group.TotalPaidBase = group.TotalPaidBase.Add(line.TotalPaidBase)
		group.OutstandingBase = group.OutstandingBase.Add(line.OutstandingBase)
		group.FxDeltaBase = group.FxDeltaBase.Add(line.FxDeltaBase)
		group.ByDueStatus[dueStatus] = group.ByDueStatus[dueStatus].Add(line.OutstandingBase)
		group.Lines = append(group.Lines, line)

		stmt.OutstandingBase = stmt.OutstandingBase.Add(line.OutstandingBase)
		stmt.FxDeltaBase = stmt.FxDeltaBase.Add(line.FxDeltaBase)
	}

	for _, key := range order {
		group := groups[key]
		sortLines(group.Lines)
		stmt.Suppliers = append(stmt.Suppliers, *group)
	}
	sort.SliceStable(stmt.Suppliers, func(i, j int) bool {
		a, b := stmt.Suppliers[i], stmt.Suppliers[j]
		if !a.OutstandingBase.Equal(b.OutstandingBase) {
			return a.OutstandingBase.GreaterThan(b.OutstandingBase)
		}
		return a.SupplierKey < b.SupplierKey
	})
	return stmt
}

// Lines flattens a statement in supplier order.
func Lines(stmt domain.APStatement) []domain.StatementLine {
	var lines []domain.StatementLine
	for _, s := range stmt.Suppliers {
		lines = append(lines, s.Lines...)
	}
	return lines
}

func sortLines(lines []domain.StatementLine) {
	sort.SliceStable(lines, func(i, j int) bool {
		a, b := lines[i].DueDate, lines[j].DueDate
		switch {
		case a == nil && b == nil:
			return lines[i].PONumber < lines[j].PONumber
		case a == nil:
			return false
		case b == nil:
			return true
		case !a.Equal(*b):
			return a.Before(*b)
		default:
			return lines[i].PONumber < lines[j].PONumber
		}
	})
}

// ageDays counts days since the goods arrived, or since the order was
// raised when it has not been received yet.
func ageDays(po domain.PurchaseOrder, asOf time.Time) *int {
	from := po.CreatedAt
	if po.ReceivedAt != nil {
		from = *po.ReceivedAt
	}
	if from.IsZero() {
		return nil
	}
	days := DaysBetween(from, asOf)
	return &days
}
