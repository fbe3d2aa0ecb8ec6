package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"backoffice/backend/internal/audit"
	"backoffice/backend/internal/domain"
	"backoffice/backend/internal/ledger"
	"backoffice/backend/internal/store"
	"backoffice/backend/internal/xid"
)

func (s *Service) CreatePurchaseOrder(ctx context.Context, req domain.PurchaseOrderCreateRequest) (resp domain.PurchaseOrderResponse, err error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return resp, err
	}
	entry := audit.Entry{
		Actor:      actor,
		StoreID:    actor.StoreID,
		Action:     ActionPOCreate,
		EntityType: "purchase_order",
		Metadata:   map[string]any{"lines": len(req.Lines)},
	}
	defer s.attempt(ctx, &entry)(&err)

	settings, err := s.storeSettings(ctx, actor.StoreID)
	if err != nil {
		return resp, internal(err)
	}

	supplier := strings.TrimSpace(req.SupplierName)
	if supplier == "" {
		return resp, domain.Validation(domain.CodeInvalidRequest, "supplierName is required")
	}
	currency := strings.ToUpper(strings.TrimSpace(req.PurchaseCurrency))
	if currency == "" {
		currency = settings.BaseCurrency
	}
	if !settings.Supports(currency) {
		return resp, domain.Validation(domain.CodeUnsupportedCcy, fmt.Sprintf("currency %s is not enabled for this store", currency))
	}
	rate, _, err := s.resolveRate(*settings, currency, req.ExchangeRate)
	if err != nil {
		return resp, err
	}
	if err := nonNegative(req.ShippingCost, "shippingCost"); err != nil {
		return resp, err
	}
	if err := nonNegative(req.OtherCost, "otherCost"); err != nil {
		return resp, err
	}

	status := domain.POStatus(strings.ToUpper(strings.TrimSpace(string(req.Status))))
	if status == "" {
		status = domain.POStatusDraft
	}
	if status != domain.POStatusDraft && status != domain.POStatusOrdered {
		return resp, domain.Validation(domain.CodeInvalidStatus, "a purchase order starts as DRAFT or ORDERED")
	}

	now := s.now()
	po := domain.PurchaseOrder{
		ID:               xid.New("po"),
		StoreID:          actor.StoreID,
		PONumber:         strings.TrimSpace(req.PONumber),
		Status:           status,
		SupplierName:     supplier,
		SupplierContact:  strings.TrimSpace(req.SupplierContact),
		SupplierPhone:    strings.TrimSpace(req.SupplierPhone),
		PurchaseCurrency: currency,
		ExchangeRate:     rate,
		ShippingCost:     req.ShippingCost,
		OtherCost:        req.OtherCost,
		Note:             strings.TrimSpace(req.Note),
		CreatedBy:        actor.UserID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if po.PONumber == "" {
		po.PONumber = fmt.Sprintf("PO-%s-%s", now.Format("20060102"), xid.Short(6))
	}
	if status == domain.POStatusOrdered {
		po.OrderedAt = &now
	}
	if po.DueDate, err = parseDueDate(req.DueDate); err != nil {
		return resp, err
	}
	if po.Lines, err = s.buildLines(ctx, actor.StoreID, req.Lines); err != nil {
		return resp, err
	}
	ledger.Totals(&po)

	entry.EntityID = po.ID
	saved, err := s.repo.CreatePurchaseOrder(ctx, po)
	if errors.Is(err, store.ErrDuplicate) {
		return resp, domain.Conflict(domain.CodePONumberTaken, fmt.Sprintf("purchase order number %s already exists", po.PONumber))
	}
	if err != nil {
		return resp, internal(err)
	}
	entry.After = saved
	return domain.PurchaseOrderResponse{PurchaseOrder: *saved}, nil
}

// UpdatePurchaseOrderStatus moves a PO forward. Entering RECEIVED posts one
// IN movement per line and re-weights product cost in the same transaction.
func (s *Service) UpdatePurchaseOrderStatus(ctx context.Context, poID string, target domain.POStatus) (resp domain.PurchaseOrderResponse, err error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return resp, err
	}
	target = domain.POStatus(strings.ToUpper(strings.TrimSpace(string(target))))
	entry := audit.Entry{
		Actor:      actor,
		StoreID:    actor.StoreID,
		Action:     ActionPOStatus,
		EntityType: "purchase_order",
		EntityID:   poID,
		Metadata:   map[string]any{"targetStatus": target},
	}
	defer s.attempt(ctx, &entry)(&err)

	if !target.Valid() {
		return resp, domain.Validation(domain.CodeInvalidStatus, fmt.Sprintf("unknown status %q", target))
	}

	var updated domain.PurchaseOrder
	var received []string
	err = s.repo.WithTx(ctx, func(tx store.Tx) error {
		po, err := tx.LockPurchaseOrder(ctx, actor.StoreID, poID)
		if err != nil {
			return poErr(err)
		}
		entry.Before = statusSnapshot(*po)
		if err := ledger.Transition(po.Status, target); err != nil {
			return err
		}

		now := s.now()
		switch target {
		case domain.POStatusOrdered:
			po.OrderedAt = &now
		case domain.POStatusShipped:
			po.ShippedAt = &now
		case domain.POStatusCancelled:
			po.CancelledAt = &now
		case domain.POStatusReceived:
			po.ReceivedAt = &now
			if received, err = s.receive(ctx, tx, actor, *po); err != nil {
				return err
			}
		}
		po.Status = target
		po.UpdatedAt = now
		if err := tx.UpdatePurchaseOrder(ctx, *po); err != nil {
			return err
		}
		updated = *po
		return nil
	})
	if err != nil {
		return resp, internal(err)
	}

	if len(received) > 0 {
		s.reader.Invalidate(ctx, actor.StoreID, received...)
		entry.Metadata["receivedProducts"] = received
	}
	entry.After = statusSnapshot(updated)
	return domain.PurchaseOrderResponse{PurchaseOrder: updated}, nil
}

// receive posts the IN movements for po and returns the touched product ids.
// Lines for the same product are applied in order so the weighted cost sees
// the stock added by earlier lines.
func (s *Service) receive(ctx context.Context, tx store.Tx, actor domain.Actor, po domain.PurchaseOrder) ([]string, error) {
	type position struct {
		onHand int64
		cost   decimal.Decimal
	}
	positions := make(map[string]*position)
	order := make([]string, 0, len(po.Lines))
	now := s.now()

	for _, line := range po.Lines {
		pos, ok := positions[line.ProductID]
		if !ok {
			product, err := tx.LockProduct(ctx, po.StoreID, line.ProductID)
			if err != nil {
				return nil, productErr(err)
			}
			movements, err := tx.ListMovements(ctx, po.StoreID, line.ProductID)
			if err != nil {
				return nil, err
			}
			pos = &position{onHand: ledger.Fold(movements).OnHand, cost: product.CostBase}
			positions[line.ProductID] = pos
			order = append(order, line.ProductID)
		}

		multiplier := line.MultiplierToBase
		if multiplier < 1 {
			multiplier = 1
		}
		if err := ledger.Check(domain.Balance{OnHand: pos.onHand}, domain.MovementIn, line.QtyBase, ""); err != nil {
			return nil, err
		}
		unitCost := line.UnitCostBase.Div(decimal.NewFromInt(multiplier)).Round(2)
		pos.cost = ledger.WeightedCost(pos.onHand, pos.cost, line.QtyBase, unitCost)
		pos.onHand += line.QtyBase

		if err := tx.AppendMovement(ctx, domain.Movement{
			ID:        xid.New("mv"),
			StoreID:   po.StoreID,
			ProductID: line.ProductID,
			Type:      domain.MovementIn,
			QtyBase:   line.QtyBase,
			RefType:   domain.RefTypePO,
			RefID:     po.ID,
			Note:      fmt.Sprintf("received %s", po.PONumber),
			CreatedBy: actor.UserID,
			CreatedAt: now,
		}); err != nil {
			return nil, err
		}
	}

	for _, productID := range order {
		if err := tx.UpdateProductCost(ctx, po.StoreID, productID, positions[productID].cost); err != nil {
			return nil, err
		}
	}
	return order, nil
}

func (s *Service) UpdatePurchaseOrder(ctx context.Context, poID string, req domain.PurchaseOrderUpdateRequest) (resp domain.PurchaseOrderResponse, err error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return resp, err
	}
	entry := audit.Entry{
		Actor:      actor,
		StoreID:    actor.StoreID,
		Action:     ActionPOUpdate,
		EntityType: "purchase_order",
		EntityID:   poID,
	}
	defer s.attempt(ctx, &entry)(&err)

	edit := ledger.EditSet{
		Costs:      req.Lines != nil || req.ExchangeRate != nil,
		Supplier:   req.SupplierName != nil || req.SupplierContact != nil || req.SupplierPhone != nil,
		ExtraCosts: req.ShippingCost != nil || req.OtherCost != nil,
		DueDate:    req.DueDate != nil,
	}
	if req.Lines != nil && len(req.Lines) == 0 {
		return resp, domain.Validation(domain.CodeInvalidRequest, "a purchase order needs at least one line")
	}
	if req.SupplierName != nil && strings.TrimSpace(*req.SupplierName) == "" {
		return resp, domain.Validation(domain.CodeInvalidRequest, "supplierName cannot be blank")
	}
	if req.ShippingCost != nil {
		if err := nonNegative(*req.ShippingCost, "shippingCost"); err != nil {
			return resp, err
		}
	}
	if req.OtherCost != nil {
		if err := nonNegative(*req.OtherCost, "otherCost"); err != nil {
			return resp, err
		}
	}

	settings, err := s.storeSettings(ctx, actor.StoreID)
	if err != nil {
		return resp, internal(err)
	}
	var lines []domain.PurchaseOrderLine
	if req.Lines != nil {
		if lines, err = s.buildLines(ctx, actor.StoreID, req.Lines); err != nil {
			return resp, err
		}
	}

	var updated domain.PurchaseOrder
	err = s.repo.WithTx(ctx, func(tx store.Tx) error {
		po, err := tx.LockPurchaseOrder(ctx, actor.StoreID, poID)
		if err != nil {
			return poErr(err)
		}
		entry.Before = *po
		if err := ledger.CheckEdit(po.Status, edit); err != nil {
			return err
		}

		if req.SupplierName != nil {
			po.SupplierName = strings.TrimSpace(*req.SupplierName)
		}
		if req.SupplierContact != nil {
			po.SupplierContact = strings.TrimSpace(*req.SupplierContact)
		}
		if req.SupplierPhone != nil {
			po.SupplierPhone = strings.TrimSpace(*req.SupplierPhone)
		}
		if req.Note != nil {
			po.Note = strings.TrimSpace(*req.Note)
		}
		if req.ExchangeRate != nil {
			rate, _, err := s.resolveRate(*settings, po.PurchaseCurrency, req.ExchangeRate)
			if err != nil {
				return err
			}
			po.ExchangeRate = rate
		}
		if req.ShippingCost != nil {
			po.ShippingCost = *req.ShippingCost
		}
		if req.OtherCost != nil {
			po.OtherCost = *req.OtherCost
		}
		if req.DueDate != nil {
			due, err := parseDueDate(*req.DueDate)
			if err != nil {
				return err
			}
			po.DueDate = due
		}
		if lines != nil {
			po.Lines = lines
		}
		// Received orders keep the cost they were booked at.
		if po.Status != domain.POStatusReceived {
			ledger.Totals(po)
			payments, err := tx.ListPayments(ctx, actor.StoreID, po.ID)
			if err != nil {
				return err
			}
			if settled := ledger.Settle(*po, settings.BaseCurrency, payments); settled.OutstandingBase.IsNegative() {
				return domain.BusinessRule(domain.CodeOverpayment,
					fmt.Sprintf("new grand total %s %s is below the %s %s already settled",
						po.GrandTotalBase.StringFixed(2), settings.BaseCurrency,
						settled.SettledBase.StringFixed(2), settings.BaseCurrency))
			}
		}
		po.UpdatedAt = s.now()
		if err := tx.UpdatePurchaseOrder(ctx, *po); err != nil {
			return err
		}
		updated = *po
		return nil
	})
	if err != nil {
		return resp, internal(err)
	}
	entry.After = updated
	return domain.PurchaseOrderResponse{PurchaseOrder: updated}, nil
}

// GetPurchaseOrder returns the order with its payments, settlement and aging.
func (s *Service) GetPurchaseOrder(ctx context.Context, poID string) (domain.PurchaseOrderDetail, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.PurchaseOrderDetail{}, err
	}
	po, err := s.repo.GetPurchaseOrder(ctx, actor.StoreID, poID)
	if err != nil {
		return domain.PurchaseOrderDetail{}, poErr(err)
	}
	settings, err := s.storeSettings(ctx, actor.StoreID)
	if err != nil {
		return domain.PurchaseOrderDetail{}, internal(err)
	}
	payments, err := s.repo.ListPayments(ctx, actor.StoreID, po.ID)
	if err != nil {
		return domain.PurchaseOrderDetail{}, internal(err)
	}
	if payments == nil {
		payments = []domain.POPayment{}
	}

	dueStatus, days := ledger.ClassifyDue(po.DueDate, s.now(), s.dueSoonDays)
	return domain.PurchaseOrderDetail{
		PurchaseOrder: *po,
		Payments:      payments,
		Settlement:    ledger.Settle(*po, settings.BaseCurrency, payments),
		DueStatus:     dueStatus,
		DaysUntilDue:  days,
	}, nil
}

func (s *Service) ListPurchaseOrders(ctx context.Context, filter domain.PurchaseOrderFilter) (domain.PurchaseOrderPage, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.PurchaseOrderPage{}, err
	}
	filter.StoreID = actor.StoreID
	filter.Status = domain.POStatus(strings.ToUpper(strings.TrimSpace(string(filter.Status))))
	if filter.Status != "" && !filter.Status.Valid() {
		return domain.PurchaseOrderPage{}, domain.Validation(domain.CodeInvalidStatus, fmt.Sprintf("unknown status %q", filter.Status))
	}
	filter.Supplier = strings.TrimSpace(filter.Supplier)
	filter.Page, filter.PageSize = pageBounds(filter.Page, filter.PageSize)

	orders, total, err := s.repo.ListPurchaseOrders(ctx, filter)
	if err != nil {
		return domain.PurchaseOrderPage{}, internal(err)
	}
	if orders == nil {
		orders = []domain.PurchaseOrder{}
	}
	return domain.PurchaseOrderPage{Items: orders, Page: filter.Page, PageSize: filter.PageSize, Total: total}, nil
}

func (s *Service) buildLines(ctx context.Context, storeID string, inputs []domain.PurchaseOrderLineInput) ([]domain.PurchaseOrderLine, error) {
	if len(inputs) == 0 {
		return nil, domain.Validation(domain.CodeInvalidRequest, "a purchase order needs at least one line")
	}
	lines := make([]domain.PurchaseOrderLine, 0, len(inputs))
	for i, in := range inputs {
		if in.Qty <= 0 || in.Qty > domain.MaxRequestQty {
			return nil, domain.Validation(domain.CodeInvalidQuantity, fmt.Sprintf("line %d: qty must be between 1 and %d", i+1, domain.MaxRequestQty))
		}
		if in.UnitCost.IsNegative() {
			return nil, domain.Validation(domain.CodeInvalidAmount, fmt.Sprintf("line %d: unitCost cannot be negative", i+1))
		}
		product, err := s.product(ctx, storeID, strings.TrimSpace(in.ProductID))
		if err != nil {
			return nil, err
		}
		if !product.Active {
			return nil, domain.BusinessRule(domain.CodeProductInactive, fmt.Sprintf("line %d: product %s is inactive", i+1, product.ID))
		}
		multiplier, err := s.multiplier(ctx, *product, in.UnitID)
		if err != nil {
			return nil, err
		}
		qtyBase, err := ledger.BaseQty(in.Qty, multiplier)
		if err != nil {
			return nil, domain.Validation(domain.CodeInvalidQuantity, fmt.Sprintf("line %d: %s", i+1, domain.AsError(err).Message))
		}
		unitID := strings.TrimSpace(in.UnitID)
		if unitID == "" {
			unitID = product.BaseUnitID
		}
		lines = append(lines, domain.PurchaseOrderLine{
			ID:               xid.New("pol"),
			ProductID:        product.ID,
			UnitID:           unitID,
			MultiplierToBase: multiplier,
			QtyOrdered:       in.Qty,
			QtyBase:          qtyBase,
			UnitCostPurchase: in.UnitCost,
		})
	}
	return lines, nil
}

// resolveRate returns the booking or payment rate for currency and where it
// came from. The base currency always converts at 1; a foreign currency
// without a client rate falls back to the store reference rate.
func (s *Service) resolveRate(settings domain.StoreSettings, currency string, clientRate *decimal.Decimal) (decimal.Decimal, domain.RateSource, error) {
	if currency == settings.BaseCurrency {
		return decimal.NewFromInt(1), domain.RateSourceBase, nil
	}
	reference, hasReference := settings.ReferenceRates[currency]
	if clientRate == nil {
		if !hasReference || !reference.IsPositive() {
			return decimal.Zero, "", domain.Validation(domain.CodeFxRateRequired, fmt.Sprintf("an exchange rate for %s is required", currency))
		}
		return reference, domain.RateSourceReference, nil
	}
	if !clientRate.IsPositive() {
		return decimal.Zero, "", domain.Validation(domain.CodeInvalidRate, "exchange rate must be positive")
	}
	if hasReference && !ledger.RateWithinTolerance(*clientRate, reference, s.fxTolerance) {
		return decimal.Zero, "", domain.BusinessRule(domain.CodeFxRateOutOfRange,
			fmt.Sprintf("rate %s deviates more than %s%% from the reference rate %s", clientRate, s.fxTolerance, reference))
	}
	return *clientRate, domain.RateSourceClient, nil
}

func parseDueDate(value string) (*time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	due, err := ledger.ParseDate(value)
	if err != nil {
		return nil, domain.Validation(domain.CodeInvalidDueDate, "dueDate must be YYYY-MM-DD")
	}
	return &due, nil
}

func nonNegative(value decimal.Decimal, field string) error {
	if value.IsNegative() {
		return domain.Validation(domain.CodeInvalidAmount, fmt.Sprintf("%s cannot be negative", field))
	}
	return nil
}

func poErr(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return domain.NotFound(domain.CodePONotFound, "purchase order not found")
	}
	return internal(err)
}

func statusSnapshot(po domain.PurchaseOrder) map[string]any {
	return map[string]any{"status": po.Status, "poNumber": po.PONumber, "updatedAt": po.UpdatedAt}
}
