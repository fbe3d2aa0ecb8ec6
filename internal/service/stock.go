package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"backoffice/backend/internal/audit"
	"backoffice/backend/internal/domain"
	"backoffice/backend/internal/ledger"
	"backoffice/backend/internal/store"
	"backoffice/backend/internal/xid"
)

// RecordMovement converts qty to base units and appends one movement after
// checking it against the product's balance under a row lock.
func (s *Service) RecordMovement(ctx context.Context, req domain.StockMovementRequest) (resp domain.StockMovementResponse, err error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return resp, err
	}
	req.ProductID = strings.TrimSpace(req.ProductID)
	req.Type = domain.MovementType(strings.ToUpper(strings.TrimSpace(string(req.Type))))
	req.Note = strings.TrimSpace(req.Note)

	entry := audit.Entry{
		Actor:      actor,
		StoreID:    actor.StoreID,
		Action:     ActionStockMovement,
		EntityType: "product",
		EntityID:   req.ProductID,
		Metadata:   map[string]any{"type": req.Type, "unitId": req.UnitID, "qty": req.Qty},
	}
	defer s.attempt(ctx, &entry)(&err)

	if req.ProductID == "" {
		return resp, domain.Validation(domain.CodeInvalidRequest, "productId is required")
	}
	if !req.Type.Valid() {
		return resp, domain.Validation(domain.CodeInvalidMovementType, fmt.Sprintf("unknown movement type %q", req.Type))
	}

	if req.Qty > domain.MaxRequestQty || req.Qty < -domain.MaxRequestQty {
		return resp, domain.Validation(domain.CodeInvalidQuantity, fmt.Sprintf("qty must be within ±%d", domain.MaxRequestQty))
	}

	product, err := s.product(ctx, actor.StoreID, req.ProductID)
	if err != nil {
		return resp, err
	}
	multiplier, err := s.multiplier(ctx, *product, req.UnitID)
	if err != nil {
		return resp, err
	}
	qtyBase, err := ledger.BaseQty(req.Qty, multiplier)
	if err != nil {
		return resp, err
	}

	var before, after domain.Balance
	movement := domain.Movement{
		ID:        xid.New("mv"),
		StoreID:   actor.StoreID,
		ProductID: product.ID,
		Type:      req.Type,
		QtyBase:   qtyBase,
		RefType:   domain.RefTypeManual,
		Note:      req.Note,
		CreatedBy: actor.UserID,
		CreatedAt: s.now(),
	}

	err = s.repo.WithTx(ctx, func(tx store.Tx) error {
		locked, err := tx.LockProduct(ctx, actor.StoreID, product.ID)
		if err != nil {
			return productErr(err)
		}
		if !locked.Active {
			return domain.BusinessRule(domain.CodeProductInactive, "product is inactive")
		}
		movements, err := tx.ListMovements(ctx, actor.StoreID, product.ID)
		if err != nil {
			return err
		}
		before = ledger.Fold(movements)
		if err := ledger.Check(before, req.Type, qtyBase, req.Note); err != nil {
			return err
		}
		if err := tx.AppendMovement(ctx, movement); err != nil {
			return err
		}
		after = ledger.Apply(before, req.Type, qtyBase)
		return nil
	})
	if err != nil {
		return resp, internal(err)
	}

	s.reader.Invalidate(ctx, actor.StoreID, product.ID)
	entry.Before = before
	entry.After = after
	entry.Metadata["qtyBase"] = qtyBase
	entry.Metadata["movementId"] = movement.ID
	return domain.StockMovementResponse{Movement: movement, Balance: after}, nil
}

// GetBalance folds the product's ledger. allowCached lets a recent cached
// value answer instead.
func (s *Service) GetBalance(ctx context.Context, productID string, allowCached bool) (domain.BalanceResponse, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.BalanceResponse{}, err
	}
	product, err := s.product(ctx, actor.StoreID, strings.TrimSpace(productID))
	if err != nil {
		return domain.BalanceResponse{}, err
	}
	balance, cached, err := s.reader.Balance(ctx, actor.StoreID, product.ID, allowCached)
	if err != nil {
		return domain.BalanceResponse{}, internal(err)
	}
	return domain.BalanceResponse{ProductID: product.ID, Balance: balance, Cached: cached}, nil
}

func (s *Service) ListBalances(ctx context.Context, page int, pageSize int) (domain.BalancePage, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.BalancePage{}, err
	}
	page, pageSize = pageBounds(page, pageSize)
	rows, total, err := s.repo.ListBalances(ctx, actor.StoreID, page, pageSize)
	if err != nil {
		return domain.BalancePage{}, internal(err)
	}

	items := make([]domain.ProductBalance, 0, len(rows))
	for _, row := range rows {
		items = append(items, domain.ProductBalance{
			ProductID:   row.Product.ID,
			SKU:         row.Product.SKU,
			Name:        row.Product.Name,
			BaseUnitID:  row.Product.BaseUnitID,
			OnHand:      row.Balance.OnHand,
			Reserved:    row.Balance.Reserved,
			Available:   row.Balance.Available,
			StockStatus: ledger.Status(row.Product, row.Balance.Available),
		})
	}
	return domain.BalancePage{Items: items, Page: page, PageSize: pageSize, Total: total}, nil
}

func (s *Service) ListMovements(ctx context.Context, productID string, page int, pageSize int) (domain.MovementPage, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.MovementPage{}, err
	}
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return domain.MovementPage{}, domain.Validation(domain.CodeInvalidRequest, "product_id is required")
	}
	if _, err := s.product(ctx, actor.StoreID, productID); err != nil {
		return domain.MovementPage{}, err
	}
	page, pageSize = pageBounds(page, pageSize)
	movements, total, err := s.repo.ListMovementPage(ctx, actor.StoreID, productID, page, pageSize)
	if err != nil {
		return domain.MovementPage{}, internal(err)
	}
	if movements == nil {
		movements = []domain.Movement{}
	}
	return domain.MovementPage{Items: movements, Page: page, PageSize: pageSize, Total: total}, nil
}

func (s *Service) product(ctx context.Context, storeID string, productID string) (*domain.Product, error) {
	if productID == "" {
		return nil, domain.Validation(domain.CodeInvalidRequest, "productId is required")
	}
	product, err := s.repo.GetProduct(ctx, storeID, productID)
	if err != nil {
		return nil, productErr(err)
	}
	return product, nil
}

// multiplier resolves unitID to its base-unit multiplier. An empty unit or
// the product's base unit is 1.
func (s *Service) multiplier(ctx context.Context, product domain.Product, unitID string) (int64, error) {
	unitID = strings.TrimSpace(unitID)
	if unitID == "" || unitID == product.BaseUnitID {
		return 1, nil
	}
	conv, err := s.repo.GetUnitConversion(ctx, product.ID, unitID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, domain.Validation(domain.CodeUnknownUnit, fmt.Sprintf("unit %q is not defined for product %s", unitID, product.ID))
	}
	if err != nil {
		return 0, internal(err)
	}
	if conv.MultiplierToBase < 1 {
		return 0, domain.Validation(domain.CodeUnknownUnit, fmt.Sprintf("unit %q has no usable conversion", unitID))
	}
	return conv.MultiplierToBase, nil
}

func productErr(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return domain.NotFound(domain.CodeProductNotFound, "product not found")
	}
	return internal(err)
}
