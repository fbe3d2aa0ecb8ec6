package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"backoffice/backend/internal/domain"
	"backoffice/backend/internal/store"
)

var _ store.Repository = (*Store)(nil)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fence(ctx, sqlTx); err != nil {
		return err
	}
	if err := fn(&pgTx{tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

func (s *Store) GetStoreSettings(ctx context.Context, storeID string) (*domain.StoreSettings, error) {
	var settings domain.StoreSettings
	var supported, rates []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT store_id, base_currency, supported_currencies, reference_rates
		FROM store_settings
		WHERE store_id = $1
	`, storeID).Scan(&settings.StoreID, &settings.BaseCurrency, &supported, &rates)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(supported, &settings.SupportedCurrencies); err != nil {
		return nil, fmt.Errorf("decode supported currencies: %w", err)
	}
	if len(rates) > 0 {
		if err := json.Unmarshal(rates, &settings.ReferenceRates); err != nil {
			return nil, fmt.Errorf("decode reference rates: %w", err)
		}
	}
	return &settings, nil
}

const productColumns = `id, store_id, sku, name, base_unit_id, active, cost_base, price_base, out_stock_threshold, low_stock_threshold`

func scanProduct(row interface{ Scan(dest ...any) error }, p *domain.Product, extra ...any) error {
	dest := []any{&p.ID, &p.StoreID, &p.SKU, &p.Name, &p.BaseUnitID, &p.Active, &p.CostBase, &p.PriceBase, &p.OutStockThreshold, &p.LowStockThreshold}
	return row.Scan(append(dest, extra...)...)
}

func (s *Store) GetProduct(ctx context.Context, storeID string, productID string) (*domain.Product, error) {
	return getProduct(ctx, s.db, storeID, productID, false)
}

func getProduct(ctx context.Context, q queryer, storeID string, productID string, forUpdate bool) (*domain.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products WHERE store_id = $1 AND id = $2`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var p domain.Product
	if err := scanProduct(q.QueryRowContext(ctx, query, storeID, productID), &p); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) GetUnitConversion(ctx context.Context, productID string, unitID string) (*domain.UnitConversion, error) {
	var conv domain.UnitConversion
	err := s.db.QueryRowContext(ctx, `
		SELECT product_id, unit_id, multiplier_to_base
		FROM unit_conversions
		WHERE product_id = $1 AND unit_id = $2
	`, productID, unitID).Scan(&conv.ProductID, &conv.UnitID, &conv.MultiplierToBase)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &conv, nil
}

const movementColumns = `id, store_id, product_id, type, qty_base, ref_type, ref_id, note, created_by, created_at`

func (s *Store) ListMovements(ctx context.Context, storeID string, productID string) ([]domain.Movement, error) {
	return listMovements(ctx, s.db, storeID, productID)
}

func listMovements(ctx context.Context, q queryer, storeID string, productID string) ([]domain.Movement, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+movementColumns+`
		FROM stock_movements
		WHERE store_id = $1 AND product_id = $2
		ORDER BY created_at, id
	`, storeID, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMovements(rows)
}

func (s *Store) ListMovementPage(ctx context.Context, storeID string, productID string, page int, pageSize int) ([]domain.Movement, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM stock_movements WHERE store_id = $1 AND product_id = $2
	`, storeID, productID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+movementColumns+`
		FROM stock_movements
		WHERE store_id = $1 AND product_id = $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3 OFFSET $4
	`, storeID, productID, pageSize, offset(page, pageSize))
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	movements, err := scanMovements(rows)
	if err != nil {
		return nil, 0, err
	}
	return movements, total, nil
}

func scanMovements(rows *sql.Rows) ([]domain.Movement, error) {
	movements := make([]domain.Movement, 0, 32)
	for rows.Next() {
		var m domain.Movement
		var refID, note sql.NullString
		if err := rows.Scan(&m.ID, &m.StoreID, &m.ProductID, &m.Type, &m.QtyBase, &m.RefType, &refID, &note, &m.CreatedBy, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.RefID = refID.String
		m.Note = note.String
		m.CreatedAt = m.CreatedAt.UTC()
		movements = append(movements, m)
	}
	return movements, rows.Err()
}

func (s *Store) ListBalances(ctx context.Context, storeID string, page int, pageSize int) ([]store.BalanceRow, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM products WHERE store_id = $1 AND active = TRUE
	`, storeID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.store_id, p.sku, p.name, p.base_unit_id, p.active, p.cost_base, p.price_base,
			p.out_stock_threshold, p.low_stock_threshold,
			COALESCE(SUM(CASE
				WHEN m.type IN ('IN', 'RETURN', 'ADJUST') THEN m.qty_base
				WHEN m.type = 'OUT' THEN -m.qty_base
				ELSE 0 END), 0)::BIGINT AS on_hand,
			COALESCE(SUM(CASE
				WHEN m.type = 'RESERVE' THEN m.qty_base
				WHEN m.type = 'RELEASE' THEN -m.qty_base
				ELSE 0 END), 0)::BIGINT AS reserved
		FROM products p
		LEFT JOIN stock_movements m ON m.store_id = p.store_id AND m.product_id = p.id
		WHERE p.store_id = $1 AND p.active = TRUE
		GROUP BY p.store_id, p.id
		ORDER BY p.sku
		LIMIT $2 OFFSET $3
	`, storeID, pageSize, offset(page, pageSize))
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	result := make([]store.BalanceRow, 0, pageSize)
	for rows.Next() {
		var row store.BalanceRow
		if err := scanProduct(rows, &row.Product, &row.Balance.OnHand, &row.Balance.Reserved); err != nil {
			return nil, 0, err
		}
		row.Balance.Available = row.Balance.OnHand - row.Balance.Reserved
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return result, total, nil
}

func (s *Store) CreatePurchaseOrder(ctx context.Context, po domain.PurchaseOrder) (*domain.PurchaseOrder, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fence(ctx, tx); err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO purchase_orders (
			id, store_id, po_number, status, supplier_name, supplier_contact, supplier_phone,
			purchase_currency, exchange_rate, total_cost_purchase, total_cost_base,
			shipping_cost, other_cost, grand_total_base, due_date, note,
			ordered_at, shipped_at, received_at, cancelled_at, created_by, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)
	`, po.ID, po.StoreID, po.PONumber, po.Status, po.SupplierName, nullIfEmpty(po.SupplierContact), nullIfEmpty(po.SupplierPhone),
		po.PurchaseCurrency, po.ExchangeRate, po.TotalCostPurchase, po.TotalCostBase,
		po.ShippingCost, po.OtherCost, po.GrandTotalBase, nullDate(po.DueDate), nullIfEmpty(po.Note),
		nullTime(po.OrderedAt), nullTime(po.ShippedAt), nullTime(po.ReceivedAt), nullTime(po.CancelledAt),
		po.CreatedBy, po.CreatedAt, po.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicate
		}
		return nil, err
	}

	if err := insertLines(ctx, tx, po); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	saved := po
	return &saved, nil
}

func insertLines(ctx context.Context, q queryer, po domain.PurchaseOrder) error {
	for i, line := range po.Lines {
		_, err := q.ExecContext(ctx, `
			INSERT INTO purchase_order_lines (
				id, po_id, line_no, product_id, unit_id, multiplier_to_base,
				qty_ordered, qty_base, unit_cost_purchase, unit_cost_base
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		`, line.ID, po.ID, i+1, line.ProductID, line.UnitID, line.MultiplierToBase,
			line.QtyOrdered, line.QtyBase, line.UnitCostPurchase, line.UnitCostBase)
		if err != nil {
			return fmt.Errorf("insert purchase order line %d: %w", i+1, err)
		}
	}
	return nil
}

const purchaseOrderColumns = `id, store_id, po_number, status, supplier_name, supplier_contact, supplier_phone,
	purchase_currency, exchange_rate, total_cost_purchase, total_cost_base,
	shipping_cost, other_cost, grand_total_base, due_date, note,
	ordered_at, shipped_at, received_at, cancelled_at, created_by, created_at, updated_at`

func scanPurchaseOrder(row interface{ Scan(dest ...any) error }, po *domain.PurchaseOrder) error {
	var contact, phone, note sql.NullString
	var dueDate, orderedAt, shippedAt, receivedAt, cancelledAt sql.NullTime
	err := row.Scan(
		&po.ID, &po.StoreID, &po.PONumber, &po.Status, &po.SupplierName, &contact, &phone,
		&po.PurchaseCurrency, &po.ExchangeRate, &po.TotalCostPurchase, &po.TotalCostBase,
		&po.ShippingCost, &po.OtherCost, &po.GrandTotalBase, &dueDate, &note,
		&orderedAt, &shippedAt, &receivedAt, &cancelledAt, &po.CreatedBy, &po.CreatedAt, &po.UpdatedAt,
	)
	if err != nil {
		return err
	}
	po.SupplierContact = contact.String
	po.SupplierPhone = phone.String
	po.Note = note.String
	po.DueDate = timePtr(dueDate)
	po.OrderedAt = timePtr(orderedAt)
	po.ShippedAt = timePtr(shippedAt)
	po.ReceivedAt = timePtr(receivedAt)
	po.CancelledAt = timePtr(cancelledAt)
	po.CreatedAt = po.CreatedAt.UTC()
	po.UpdatedAt = po.UpdatedAt.UTC()
	return nil
}

func (s *Store) GetPurchaseOrder(ctx context.Context, storeID string, id string) (*domain.PurchaseOrder, error) {
	return getPurchaseOrder(ctx, s.db, storeID, id, false)
}

func getPurchaseOrder(ctx context.Context, q queryer, storeID string, id string, forUpdate bool) (*domain.PurchaseOrder, error) {
	query := `SELECT ` + purchaseOrderColumns + ` FROM purchase_orders WHERE store_id = $1 AND id = $2`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var po domain.PurchaseOrder
	if err := scanPurchaseOrder(q.QueryRowContext(ctx, query, storeID, id), &po); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	lines, err := listLines(ctx, q, po.ID)
	if err != nil {
		return nil, err
	}
	po.Lines = lines
	return &po, nil
}

func listLines(ctx context.Context, q queryer, poID string) ([]domain.PurchaseOrderLine, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, product_id, unit_id, multiplier_to_base, qty_ordered, qty_base, unit_cost_purchase, unit_cost_base
		FROM purchase_order_lines
		WHERE po_id = $1
		ORDER BY line_no
	`, poID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lines := make([]domain.PurchaseOrderLine, 0, 8)
	for rows.Next() {
		var line domain.PurchaseOrderLine
		if err := rows.Scan(&line.ID, &line.ProductID, &line.UnitID, &line.MultiplierToBase,
			&line.QtyOrdered, &line.QtyBase, &line.UnitCostPurchase, &line.UnitCostBase); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

func (s *Store) ListPurchaseOrders(ctx context.Context, filter domain.PurchaseOrderFilter) ([]domain.PurchaseOrder, int, error) {
	where := []string{"store_id = $1"}
	args := []any{filter.StoreID}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if supplier := strings.TrimSpace(filter.Supplier); supplier != "" {
		args = append(args, "%"+strings.ToLower(strings.Join(strings.Fields(supplier), " "))+"%")
		where = append(where, fmt.Sprintf("lower(regexp_replace(btrim(supplier_name), '\\s+', ' ', 'g')) LIKE $%d", len(args)))
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM purchase_orders WHERE `+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, filter.PageSize, offset(filter.Page, filter.PageSize))
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM purchase_orders
		WHERE %s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d OFFSET $%d
	`, purchaseOrderColumns, clause, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	orders, err := collectOrders(rows)
	if err != nil {
		return nil, 0, err
	}
	if err := s.attachLines(ctx, orders); err != nil {
		return nil, 0, err
	}
	return orders, total, nil
}

func (s *Store) ListPayablePurchaseOrders(ctx context.Context, storeID string) ([]domain.PurchaseOrder, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+purchaseOrderColumns+`
		FROM purchase_orders
		WHERE store_id = $1 AND status NOT IN ('DRAFT', 'CANCELLED')
		ORDER BY created_at DESC, id DESC
	`, storeID)
	if err != nil {
		return nil, err
	}
	return collectOrders(rows)
}

func collectOrders(rows *sql.Rows) ([]domain.PurchaseOrder, error) {
	defer rows.Close()
	orders := make([]domain.PurchaseOrder, 0, 32)
	for rows.Next() {
		var po domain.PurchaseOrder
		if err := scanPurchaseOrder(rows, &po); err != nil {
			return nil, err
		}
		orders = append(orders, po)
	}
	return orders, rows.Err()
}

func (s *Store) attachLines(ctx context.Context, orders []domain.PurchaseOrder) error {
	for i := range orders {
		lines, err := listLines(ctx, s.db, orders[i].ID)
		if err != nil {
			return err
		}
		orders[i].Lines = lines
	}
	return nil
}

const paymentColumns = `id, po_id, store_id, amount, currency, fx_rate_used, rate_source, amount_base, note, paid_at, created_by, created_at`

func (s *Store) ListPayments(ctx context.Context, storeID string, poID string) ([]domain.POPayment, error) {
	return listPayments(ctx, s.db, storeID, poID)
}

func listPayments(ctx context.Context, q queryer, storeID string, poID string) ([]domain.POPayment, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+paymentColumns+`
		FROM po_payments
		WHERE store_id = $1 AND po_id = $2
		ORDER BY paid_at, created_at, id
	`, storeID, poID)
	if err != nil {
		return nil, err
	}
	return scanPayments(rows)
}

func (s *Store) ListStorePayments(ctx context.Context, storeID string) ([]domain.POPayment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+paymentColumns+`
		FROM po_payments
		WHERE store_id = $1
		ORDER BY paid_at, created_at, id
	`, storeID)
	if err != nil {
		return nil, err
	}
	return scanPayments(rows)
}

func scanPayments(rows *sql.Rows) ([]domain.POPayment, error) {
	defer rows.Close()
	payments := make([]domain.POPayment, 0, 16)
	for rows.Next() {
		var p domain.POPayment
		var note sql.NullString
		if err := rows.Scan(&p.ID, &p.POID, &p.StoreID, &p.Amount, &p.Currency, &p.FxRateUsed, &p.RateSource,
			&p.AmountBase, &note, &p.PaidAt, &p.CreatedBy, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Note = note.String
		p.PaidAt = p.PaidAt.UTC()
		p.CreatedAt = p.CreatedAt.UTC()
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func (s *Store) CreateIdempotencyRecord(ctx context.Context, rec domain.IdempotencyRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_requests (id, store_id, action, idempotency_key, request_hash, status, created_at, attempt)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, rec.ID, rec.StoreID, rec.Action, rec.IdempotencyKey, rec.RequestHash, rec.Status, rec.CreatedAt, max(rec.Attempt, 1))
	if isUniqueViolation(err) {
		return store.ErrDuplicate
	}
	return err
}

func (s *Store) GetIdempotencyRecord(ctx context.Context, storeID string, action string, key string) (*domain.IdempotencyRecord, error) {
	var rec domain.IdempotencyRecord
	var responseStatus sql.NullInt64
	var completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, store_id, action, idempotency_key, request_hash, status, response_status, response_body,
			created_at, completed_at, attempt, effects_committed
		FROM idempotency_requests
		WHERE store_id = $1 AND action = $2 AND idempotency_key = $3
	`, storeID, action, key).Scan(&rec.ID, &rec.StoreID, &rec.Action, &rec.IdempotencyKey, &rec.RequestHash,
		&rec.Status, &responseStatus, &rec.ResponseBody, &rec.CreatedAt, &completedAt, &rec.Attempt, &rec.EffectsCommitted)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	rec.ResponseStatus = int(responseStatus.Int64)
	rec.CompletedAt = timePtr(completedAt)
	rec.CreatedAt = rec.CreatedAt.UTC()
	return &rec, nil
}

func (s *Store) CompleteIdempotencyRecord(ctx context.Context, id string, attempt int, status domain.IdempotencyStatus, httpStatus int, body []byte, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE idempotency_requests
		SET status = $3, response_status = $4, response_body = $5, completed_at = $6
		WHERE id = $1 AND attempt = $2 AND (status = 'PROCESSING' OR effects_committed)
	`, id, attempt, status, httpStatus, body, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) ReclaimIdempotencyRecord(ctx context.Context, id string, requestHash string, at time.Time) (int, bool, error) {
	var attempt int
	err := s.db.QueryRowContext(ctx, `
		UPDATE idempotency_requests
		SET status = 'PROCESSING', response_status = NULL, response_body = NULL, completed_at = NULL,
			created_at = $3, attempt = attempt + 1
		WHERE id = $1 AND request_hash = $2 AND status = 'FAILED' AND response_status >= 500
			AND NOT effects_committed
		RETURNING attempt
	`, id, requestHash, at).Scan(&attempt)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return attempt, true, nil
}

// fence pins the idempotency attempt carried by ctx to tx. The row lock it
// takes holds a concurrent sweep off until tx ends, and the flag commits or
// rolls back together with the request's writes.
func fence(ctx context.Context, tx *sql.Tx) error {
	claim, ok := store.ClaimFromContext(ctx)
	if !ok {
		return nil
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE idempotency_requests SET effects_committed = TRUE
		WHERE id = $1 AND attempt = $2 AND status = 'PROCESSING'
	`, claim.RecordID, claim.Attempt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrStaleClaim
	}
	return nil
}

func (s *Store) FailStaleIdempotencyRecords(ctx context.Context, startedBefore time.Time, httpStatus int, body []byte, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE idempotency_requests
		SET status = 'FAILED', response_status = $2, response_body = $3, completed_at = $4
		WHERE status = 'PROCESSING' AND created_at < $1
	`, startedBefore, httpStatus, body, at)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) DeleteIdempotencyRecords(ctx context.Context, completedBefore time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM idempotency_requests
		WHERE status IN ('SUCCEEDED', 'FAILED') AND completed_at < $1
	`, completedBefore)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) CreateAuditEvent(ctx context.Context, e domain.AuditEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (
			id, scope, store_id, actor_user_id, actor_role, action, entity_type, entity_id,
			result, reason_code, before, after, metadata, occurred_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, e.ID, e.Scope, nullIfEmpty(e.StoreID), e.ActorUserID, nullIfEmpty(e.ActorRole), e.Action, e.EntityType,
		nullIfEmpty(e.EntityID), e.Result, nullIfEmpty(e.ReasonCode),
		nullJSON(e.Before), nullJSON(e.After), nullJSON(e.Metadata), e.OccurredAt)
	return err
}

func (s *Store) ListAuditEvents(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEvent, error) {
	where := []string{"TRUE"}
	args := []any{}
	add := func(cond string, val any) {
		args = append(args, val)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.StoreID != "" {
		add("store_id = $%d", filter.StoreID)
	}
	if filter.EntityType != "" {
		add("entity_type = $%d", filter.EntityType)
	}
	if filter.EntityID != "" {
		add("entity_id = $%d", filter.EntityID)
	}
	if !filter.From.IsZero() {
		add("occurred_at >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		add("occurred_at < $%d", filter.To)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, scope, store_id, actor_user_id, actor_role, action, entity_type, entity_id,
			result, reason_code, before, after, metadata, occurred_at
		FROM audit_events
		WHERE %s
		ORDER BY occurred_at DESC, id DESC
		LIMIT $%d
	`, strings.Join(where, " AND "), len(args)), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]domain.AuditEvent, 0, limit)
	for rows.Next() {
		var e domain.AuditEvent
		var storeID, role, entityID, reason sql.NullString
		var before, after, metadata []byte
		if err := rows.Scan(&e.ID, &e.Scope, &storeID, &e.ActorUserID, &role, &e.Action, &e.EntityType, &entityID,
			&e.Result, &reason, &before, &after, &metadata, &e.OccurredAt); err != nil {
			return nil, err
		}
		e.StoreID = storeID.String
		e.ActorRole = role.String
		e.EntityID = entityID.String
		e.ReasonCode = reason.String
		e.Before = before
		e.After = after
		e.Metadata = metadata
		e.OccurredAt = e.OccurredAt.UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) LockProduct(ctx context.Context, storeID string, productID string) (*domain.Product, error) {
	return getProduct(ctx, t.tx, storeID, productID, true)
}

func (t *pgTx) ListMovements(ctx context.Context, storeID string, productID string) ([]domain.Movement, error) {
	return listMovements(ctx, t.tx, storeID, productID)
}

func (t *pgTx) AppendMovement(ctx context.Context, m domain.Movement) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO stock_movements (`+movementColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, m.ID, m.StoreID, m.ProductID, m.Type, m.QtyBase, m.RefType, nullIfEmpty(m.RefID), nullIfEmpty(m.Note), m.CreatedBy, m.CreatedAt)
	return err
}

func (t *pgTx) UpdateProductCost(ctx context.Context, storeID string, productID string, costBase decimal.Decimal) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE products SET cost_base = $3 WHERE store_id = $1 AND id = $2
	`, storeID, productID, costBase)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (t *pgTx) LockPurchaseOrder(ctx context.Context, storeID string, id string) (*domain.PurchaseOrder, error) {
	return getPurchaseOrder(ctx, t.tx, storeID, id, true)
}

func (t *pgTx) UpdatePurchaseOrder(ctx context.Context, po domain.PurchaseOrder) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE purchase_orders SET
			status = $3, supplier_name = $4, supplier_contact = $5, supplier_phone = $6,
			exchange_rate = $7, total_cost_purchase = $8, total_cost_base = $9,
			shipping_cost = $10, other_cost = $11, grand_total_base = $12, due_date = $13, note = $14,
			ordered_at = $15, shipped_at = $16, received_at = $17, cancelled_at = $18, updated_at = $19
		WHERE store_id = $1 AND id = $2
	`, po.StoreID, po.ID, po.Status, po.SupplierName, nullIfEmpty(po.SupplierContact), nullIfEmpty(po.SupplierPhone),
		po.ExchangeRate, po.TotalCostPurchase, po.TotalCostBase,
		po.ShippingCost, po.OtherCost, po.GrandTotalBase, nullDate(po.DueDate), nullIfEmpty(po.Note),
		nullTime(po.OrderedAt), nullTime(po.ShippedAt), nullTime(po.ReceivedAt), nullTime(po.CancelledAt), po.UpdatedAt)
	if err != nil {
		return err
	}
	if err := requireAffected(res); err != nil {
		return err
	}

	if _, err := t.tx.ExecContext(ctx, `DELETE FROM purchase_order_lines WHERE po_id = $1`, po.ID); err != nil {
		return err
	}
	return insertLines(ctx, t.tx, po)
}

func (t *pgTx) ListPayments(ctx context.Context, storeID string, poID string) ([]domain.POPayment, error) {
	return listPayments(ctx, t.tx, storeID, poID)
}

func (t *pgTx) InsertPayment(ctx context.Context, p domain.POPayment) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO po_payments (`+paymentColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, p.ID, p.POID, p.StoreID, p.Amount, p.Currency, p.FxRateUsed, p.RateSource, p.AmountBase,
		nullIfEmpty(p.Note), p.PaidAt, p.CreatedBy, p.CreatedAt)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func offset(page int, pageSize int) int {
	if page < 1 {
		return 0
	}
	return (page - 1) * pageSize
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullDate(val *time.Time) any {
	if val == nil {
		return nil
	}
	y, m, d := val.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func timePtr(val sql.NullTime) *time.Time {
	if !val.Valid {
		return nil
	}
	t := val.Time.UTC()
	return &t
}
