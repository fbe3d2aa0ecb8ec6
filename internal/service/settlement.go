package service

import (
	"context"
	"fmt"
	"io"
	"strings"

	"backoffice/backend/internal/audit"
	"backoffice/backend/internal/domain"
	"backoffice/backend/internal/ledger"
	"backoffice/backend/internal/store"
	"backoffice/backend/internal/xid"
)

type ExportFormat string

const (
	ExportCSV  ExportFormat = "csv"
	ExportXLSX ExportFormat = "xlsx"
)

// SettlePayment appends one payment against a PO. The PO row stays locked
// while the outstanding balance is recomputed, so concurrent payments cannot
// overpay.
func (s *Service) SettlePayment(ctx context.Context, poID string, req domain.SettlePaymentRequest) (resp domain.SettlePaymentResponse, err error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return resp, err
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	entry := audit.Entry{
		Actor:      actor,
		StoreID:    actor.StoreID,
		Action:     ActionPOSettle,
		EntityType: "purchase_order",
		EntityID:   poID,
		Metadata:   map[string]any{"amount": req.Amount, "currency": currency},
	}
	defer s.attempt(ctx, &entry)(&err)

	if !req.Amount.IsPositive() {
		return resp, domain.Validation(domain.CodeInvalidAmount, "amount must be positive")
	}
	settings, err := s.storeSettings(ctx, actor.StoreID)
	if err != nil {
		return resp, internal(err)
	}
	if currency == "" {
		currency = settings.BaseCurrency
	}
	if !settings.Supports(currency) {
		return resp, domain.Validation(domain.CodeUnsupportedCcy, fmt.Sprintf("currency %s is not enabled for this store", currency))
	}
	rate, source, err := s.resolveRate(*settings, currency, req.FxRateUsed)
	if err != nil {
		return resp, err
	}

	now := s.now()
	payment := domain.POPayment{
		ID:         xid.New("pay"),
		POID:       poID,
		StoreID:    actor.StoreID,
		Amount:     req.Amount,
		Currency:   currency,
		FxRateUsed: rate,
		RateSource: source,
		AmountBase: ledger.AmountBase(req.Amount, rate),
		Note:       strings.TrimSpace(req.Note),
		PaidAt:     now,
		CreatedBy:  actor.UserID,
		CreatedAt:  now,
	}
	if req.PaidAt != nil {
		payment.PaidAt = req.PaidAt.UTC()
	}

	var settlement domain.Settlement
	err = s.repo.WithTx(ctx, func(tx store.Tx) error {
		po, err := tx.LockPurchaseOrder(ctx, actor.StoreID, poID)
		if err != nil {
			return poErr(err)
		}
		if !ledger.Payable(po.Status) {
			return domain.BusinessRule(domain.CodePONotPayable, fmt.Sprintf("a %s purchase order cannot take payments", po.Status))
		}
		payments, err := tx.ListPayments(ctx, actor.StoreID, po.ID)
		if err != nil {
			return err
		}
		current := ledger.Settle(*po, settings.BaseCurrency, payments)
		entry.Before = current
		if credit := ledger.SettledAmount(*po, settings.BaseCurrency, payment); credit.GreaterThan(current.OutstandingBase) {
			return domain.BusinessRule(domain.CodeOverpayment,
				fmt.Sprintf("payment settling %s %s exceeds outstanding %s %s",
					credit.StringFixed(2), settings.BaseCurrency,
					current.OutstandingBase.StringFixed(2), settings.BaseCurrency))
		}
		if err := tx.InsertPayment(ctx, payment); err != nil {
			return err
		}
		settlement = ledger.Settle(*po, settings.BaseCurrency, append(payments, payment))
		return nil
	})
	if err != nil {
		return resp, internal(err)
	}

	entry.After = settlement
	entry.Metadata["paymentId"] = payment.ID
	entry.Metadata["fxRateUsed"] = payment.FxRateUsed
	entry.Metadata["rateSource"] = payment.RateSource
	return domain.SettlePaymentResponse{Payment: payment, Settlement: settlement}, nil
}

// Statement builds the accounts-payable statement grouped by supplier.
func (s *Service) Statement(ctx context.Context, filter domain.StatementFilter) (domain.APStatement, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.APStatement{}, err
	}
	filter.DueStatus = domain.DueStatus(strings.ToUpper(strings.TrimSpace(string(filter.DueStatus))))
	if filter.DueStatus != "" && !filter.DueStatus.Valid() {
		return domain.APStatement{}, domain.Validation(domain.CodeInvalidRequest, fmt.Sprintf("unknown due status %q", filter.DueStatus))
	}

	settings, err := s.storeSettings(ctx, actor.StoreID)
	if err != nil {
		return domain.APStatement{}, internal(err)
	}
	orders, err := s.repo.ListPayablePurchaseOrders(ctx, actor.StoreID)
	if err != nil {
		return domain.APStatement{}, internal(err)
	}
	payments, err := s.repo.ListStorePayments(ctx, actor.StoreID)
	if err != nil {
		return domain.APStatement{}, internal(err)
	}

	byPO := make(map[string][]domain.POPayment, len(orders))
	for _, p := range payments {
		byPO[p.POID] = append(byPO[p.POID], p)
	}
	payables := make([]ledger.PayableOrder, 0, len(orders))
	for _, po := range orders {
		payables = append(payables, ledger.PayableOrder{Order: po, Payments: byPO[po.ID]})
	}

	return ledger.BuildStatement(payables, ledger.StatementOptions{
		StoreID:      actor.StoreID,
		BaseCurrency: settings.BaseCurrency,
		AsOf:         s.now(),
		HorizonDays:  s.dueSoonDays,
		Filter:       filter,
	}), nil
}

// ExportStatement writes the statement to w as CSV or XLSX.
func (s *Service) ExportStatement(ctx context.Context, filter domain.StatementFilter, format ExportFormat, w io.Writer) error {
	stmt, err := s.Statement(ctx, filter)
	if err != nil {
		return err
	}
	switch format {
	case ExportCSV:
		err = ledger.WriteCSV(w, stmt)
	case ExportXLSX:
		err = ledger.WriteXLSX(w, stmt)
	default:
		return domain.Validation(domain.CodeInvalidRequest, fmt.Sprintf("unsupported export format %q", format))
	}
	if err != nil {
		return internal(fmt.Errorf("write %s statement: %w", format, err))
	}
	return nil
}
