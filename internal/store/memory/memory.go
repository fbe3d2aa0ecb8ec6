package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"backoffice/backend/internal/domain"
	"backoffice/backend/internal/ledger"
	"backoffice/backend/internal/store"
)

var _ store.Repository = (*Store)(nil)

// Store keeps everything in process memory. Transactions are serialized by
// txMu and stage their writes until the callback returns without error.
type Store struct {
	txMu sync.Mutex
	mu   sync.RWMutex

	settings  map[string]domain.StoreSettings
	products  map[string]domain.Product
	units     map[string]domain.UnitConversion
	movements []domain.Movement
	orders    map[string]domain.PurchaseOrder
	payments  []domain.POPayment
	idemByID  map[string]domain.IdempotencyRecord
	idemByKey map[string]string
	auditLog  []domain.AuditEvent
}

func New() *Store {
	return &Store{
		settings:  make(map[string]domain.StoreSettings),
		products:  make(map[string]domain.Product),
		units:     make(map[string]domain.UnitConversion),
		orders:    make(map[string]domain.PurchaseOrder),
		idemByID:  make(map[string]domain.IdempotencyRecord),
		idemByKey: make(map[string]string),
	}
}

// NewSeeded returns a store holding one LAK store with a handful of products
// for local development and tests.
func NewSeeded() *Store {
	s := New()
	s.PutStoreSettings(domain.StoreSettings{
		StoreID:             "main-store",
		BaseCurrency:        "LAK",
		SupportedCurrencies: []string{"LAK", "USD", "THB"},
		ReferenceRates: map[string]decimal.Decimal{
			"USD": decimal.NewFromInt(20000),
			"THB": decimal.NewFromInt(600),
		},
	})

	products := []domain.Product{
		{ID: "prod-water", SKU: "SKU-WATER-01", Name: "Drinking Water 600ml", BaseUnitID: "ea", PriceBase: decimal.NewFromInt(5000), CostBase: decimal.NewFromInt(3500), LowStockThreshold: 24},
		{ID: "prod-noodle", SKU: "SKU-NOODLE-01", Name: "Instant Noodles", BaseUnitID: "ea", PriceBase: decimal.NewFromInt(7000), CostBase: decimal.NewFromInt(5000), LowStockThreshold: 30},
		{ID: "prod-coffee", SKU: "SKU-COFFEE-01", Name: "Coffee Sachet", BaseUnitID: "ea", PriceBase: decimal.NewFromInt(3000), CostBase: decimal.NewFromInt(2000), LowStockThreshold: 50},
		{ID: "prod-rice", SKU: "SKU-RICE-01", Name: "Sticky Rice 1kg", BaseUnitID: "kg", PriceBase: decimal.NewFromInt(18000), CostBase: decimal.NewFromInt(14000), LowStockThreshold: 10},
		{ID: "prod-soap", SKU: "SKU-SOAP-01", Name: "Bath Soap", BaseUnitID: "ea", PriceBase: decimal.NewFromInt(9000), CostBase: decimal.NewFromInt(6000), LowStockThreshold: 10},
	}
	for _, p := range products {
		p.StoreID = "main-store"
		p.Active = true
		s.PutProduct(p)
	}
	s.PutProduct(domain.Product{ID: "prod-retired", StoreID: "main-store", SKU: "SKU-OLD-01", Name: "Discontinued Candy", BaseUnitID: "ea"})

	s.PutUnitConversion(domain.UnitConversion{ProductID: "prod-water", UnitID: "pack", MultiplierToBase: 12})
	s.PutUnitConversion(domain.UnitConversion{ProductID: "prod-water", UnitID: "carton", MultiplierToBase: 24})
	s.PutUnitConversion(domain.UnitConversion{ProductID: "prod-noodle", UnitID: "box", MultiplierToBase: 30})
	s.PutUnitConversion(domain.UnitConversion{ProductID: "prod-coffee", UnitID: "bag", MultiplierToBase: 50})
	s.PutUnitConversion(domain.UnitConversion{ProductID: "prod-rice", UnitID: "sack", MultiplierToBase: 25})
	return s
}

func (s *Store) PutStoreSettings(settings domain.StoreSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[settings.StoreID] = settings
}

func (s *Store) PutProduct(product domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[productKey(product.StoreID, product.ID)] = product
}

func (s *Store) PutUnitConversion(conv domain.UnitConversion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.units[unitKey(conv.ProductID, conv.UnitID)] = conv
}

func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memTx{
		store:  s,
		costs:  make(map[string]decimal.Decimal),
		orders: make(map[string]domain.PurchaseOrder),
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit(ctx)
}

func (s *Store) GetStoreSettings(_ context.Context, storeID string) (*domain.StoreSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	settings, ok := s.settings[storeID]
	if !ok {
		return nil, store.ErrNotFound
	}
	settings.SupportedCurrencies = slices.Clone(settings.SupportedCurrencies)
	return &settings, nil
}

func (s *Store) GetProduct(_ context.Context, storeID string, productID string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, ok := s.products[productKey(storeID, productID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &product, nil
}

func (s *Store) GetUnitConversion(_ context.Context, productID string, unitID string) (*domain.UnitConversion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.units[unitKey(productID, unitID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &conv, nil
}

func (s *Store) ListMovements(_ context.Context, storeID string, productID string) ([]domain.Movement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.movementsFor(storeID, productID), nil
}

func (s *Store) ListMovementPage(_ context.Context, storeID string, productID string, page int, pageSize int) ([]domain.Movement, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.movementsFor(storeID, productID)
	slices.Reverse(all)
	return paginate(all, page, pageSize), len(all), nil
}

func (s *Store) ListBalances(_ context.Context, storeID string, page int, pageSize int) ([]store.BalanceRow, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0)
	for _, p := range s.products {
		if p.StoreID == storeID && p.Active {
			products = append(products, p)
		}
	}
	slices.SortFunc(products, func(a, b domain.Product) int { return strings.Compare(a.SKU, b.SKU) })

	rows := make([]store.BalanceRow, 0, len(products))
	for _, p := range paginate(products, page, pageSize) {
		rows = append(rows, store.BalanceRow{Product: p, Balance: ledger.Fold(s.movementsFor(storeID, p.ID))})
	}
	return rows, len(products), nil
}

func (s *Store) CreatePurchaseOrder(ctx context.Context, po domain.PurchaseOrder) (*domain.PurchaseOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.orders {
		if existing.StoreID == po.StoreID && existing.PONumber == po.PONumber {
			return nil, store.ErrDuplicate
		}
	}
	if err := s.fenceLocked(ctx); err != nil {
		return nil, err
	}
	s.orders[po.ID] = clonePurchaseOrder(po)
	saved := clonePurchaseOrder(po)
	return &saved, nil
}

func (s *Store) GetPurchaseOrder(_ context.Context, storeID string, id string) (*domain.PurchaseOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	po, ok := s.orders[id]
	if !ok || po.StoreID != storeID {
		return nil, store.ErrNotFound
	}
	dup := clonePurchaseOrder(po)
	return &dup, nil
}

func (s *Store) ListPurchaseOrders(_ context.Context, filter domain.PurchaseOrderFilter) ([]domain.PurchaseOrder, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	supplier := ledger.SupplierKey(filter.Supplier)
	result := make([]domain.PurchaseOrder, 0)
	for _, po := range s.orders {
		if po.StoreID != filter.StoreID {
			continue
		}
		if filter.Status != "" && po.Status != filter.Status {
			continue
		}
		if supplier != "" && !strings.Contains(ledger.SupplierKey(po.SupplierName), supplier) {
			continue
		}
		result = append(result, clonePurchaseOrder(po))
	}
	sortNewestFirst(result)
	return paginate(result, filter.Page, filter.PageSize), len(result), nil
}

func (s *Store) ListPayablePurchaseOrders(_ context.Context, storeID string) ([]domain.PurchaseOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.PurchaseOrder, 0)
	for _, po := range s.orders {
		if po.StoreID == storeID && ledger.Payable(po.Status) {
			result = append(result, clonePurchaseOrder(po))
		}
	}
	sortNewestFirst(result)
	return result, nil
}

func (s *Store) ListPayments(_ context.Context, storeID string, poID string) ([]domain.POPayment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.paymentsFor(storeID, poID), nil
}

func (s *Store) ListStorePayments(_ context.Context, storeID string) ([]domain.POPayment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.paymentsFor(storeID, ""), nil
}

func (s *Store) CreateIdempotencyRecord(_ context.Context, rec domain.IdempotencyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := idemKey(rec.StoreID, rec.Action, rec.IdempotencyKey)
	if _, exists := s.idemByKey[key]; exists {
		return store.ErrDuplicate
	}
	s.idemByKey[key] = rec.ID
	s.idemByID[rec.ID] = rec
	return nil
}

func (s *Store) GetIdempotencyRecord(_ context.Context, storeID string, action string, key string) (*domain.IdempotencyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.idemByKey[idemKey(storeID, action, key)]
	if !ok {
		return nil, store.ErrNotFound
	}
	rec := s.idemByID[id]
	rec.ResponseBody = slices.Clone(rec.ResponseBody)
	return &rec, nil
}

func (s *Store) CompleteIdempotencyRecord(_ context.Context, id string, attempt int, status domain.IdempotencyStatus, httpStatus int, body []byte, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.idemByID[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if rec.Attempt != attempt || (rec.Status != domain.IdempotencyProcessing && !rec.EffectsCommitted) {
		return false, nil
	}
	rec.Status = status
	rec.ResponseStatus = httpStatus
	rec.ResponseBody = slices.Clone(body)
	rec.CompletedAt = &at
	s.idemByID[id] = rec
	return true, nil
}

func (s *Store) ReclaimIdempotencyRecord(_ context.Context, id string, requestHash string, at time.Time) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.idemByID[id]
	if !ok {
		return 0, false, store.ErrNotFound
	}
	if rec.Status != domain.IdempotencyFailed || rec.ResponseStatus < 500 || rec.RequestHash != requestHash || rec.EffectsCommitted {
		return 0, false, nil
	}
	rec.Attempt++
	rec.Status = domain.IdempotencyProcessing
	rec.ResponseStatus = 0
	rec.ResponseBody = nil
	rec.CompletedAt = nil
	rec.CreatedAt = at
	s.idemByID[id] = rec
	return rec.Attempt, true, nil
}

func (s *Store) FailStaleIdempotencyRecords(_ context.Context, startedBefore time.Time, httpStatus int, body []byte, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for id, rec := range s.idemByID {
		if rec.Status != domain.IdempotencyProcessing || !rec.CreatedAt.Before(startedBefore) {
			continue
		}
		rec.Status = domain.IdempotencyFailed
		rec.ResponseStatus = httpStatus
		rec.ResponseBody = slices.Clone(body)
		completed := at
		rec.CompletedAt = &completed
		s.idemByID[id] = rec
		count++
	}
	return count, nil
}

func (s *Store) DeleteIdempotencyRecords(_ context.Context, completedBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for id, rec := range s.idemByID {
		if !rec.Terminal() || rec.CompletedAt == nil || !rec.CompletedAt.Before(completedBefore) {
			continue
		}
		delete(s.idemByID, id)
		delete(s.idemByKey, idemKey(rec.StoreID, rec.Action, rec.IdempotencyKey))
		count++
	}
	return count, nil
}

func (s *Store) CreateAuditEvent(_ context.Context, event domain.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditLog = append(s.auditLog, event)
	return nil
}

func (s *Store) ListAuditEvents(_ context.Context, filter domain.AuditFilter) ([]domain.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditEvent, 0)
	for i := len(s.auditLog) - 1; i >= 0; i-- {
		e := s.auditLog[i]
		if filter.StoreID != "" && e.StoreID != filter.StoreID {
			continue
		}
		if filter.EntityType != "" && e.EntityType != filter.EntityType {
			continue
		}
		if filter.EntityID != "" && e.EntityID != filter.EntityID {
			continue
		}
		if !filter.From.IsZero() && e.OccurredAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && !e.OccurredAt.Before(filter.To) {
			continue
		}
		result = append(result, e)
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	return result, nil
}

// caller holds s.mu
func (s *Store) movementsFor(storeID string, productID string) []domain.Movement {
	result := make([]domain.Movement, 0)
	for _, m := range s.movements {
		if m.StoreID == storeID && m.ProductID == productID {
			result = append(result, m)
		}
	}
	return result
}

// caller holds s.mu; empty poID lists the whole store
func (s *Store) paymentsFor(storeID string, poID string) []domain.POPayment {
	result := make([]domain.POPayment, 0)
	for _, p := range s.payments {
		if p.StoreID == storeID && (poID == "" || p.POID == poID) {
			result = append(result, p)
		}
	}
	return result
}

type memTx struct {
	store     *Store
	movements []domain.Movement
	costs     map[string]decimal.Decimal
	orders    map[string]domain.PurchaseOrder
	payments  []domain.POPayment
}

func (t *memTx) LockProduct(_ context.Context, storeID string, productID string) (*domain.Product, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()

	key := productKey(storeID, productID)
	product, ok := t.store.products[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	if cost, staged := t.costs[key]; staged {
		product.CostBase = cost
	}
	return &product, nil
}

func (t *memTx) ListMovements(_ context.Context, storeID string, productID string) ([]domain.Movement, error) {
	t.store.mu.RLock()
	result := t.store.movementsFor(storeID, productID)
	t.store.mu.RUnlock()

	for _, m := range t.movements {
		if m.StoreID == storeID && m.ProductID == productID {
			result = append(result, m)
		}
	}
	return result, nil
}

func (t *memTx) AppendMovement(_ context.Context, movement domain.Movement) error {
	t.movements = append(t.movements, movement)
	return nil
}

func (t *memTx) UpdateProductCost(_ context.Context, storeID string, productID string, costBase decimal.Decimal) error {
	key := productKey(storeID, productID)
	t.store.mu.RLock()
	_, ok := t.store.products[key]
	t.store.mu.RUnlock()
	if !ok {
		return store.ErrNotFound
	}
	t.costs[key] = costBase
	return nil
}

func (t *memTx) LockPurchaseOrder(_ context.Context, storeID string, id string) (*domain.PurchaseOrder, error) {
	if staged, ok := t.orders[id]; ok {
		dup := clonePurchaseOrder(staged)
		return &dup, nil
	}

	t.store.mu.RLock()
	defer t.store.mu.RUnlock()

	po, ok := t.store.orders[id]
	if !ok || po.StoreID != storeID {
		return nil, store.ErrNotFound
	}
	dup := clonePurchaseOrder(po)
	return &dup, nil
}

func (t *memTx) UpdatePurchaseOrder(_ context.Context, po domain.PurchaseOrder) error {
	t.store.mu.RLock()
	_, ok := t.store.orders[po.ID]
	t.store.mu.RUnlock()
	if !ok {
		return store.ErrNotFound
	}
	t.orders[po.ID] = clonePurchaseOrder(po)
	return nil
}

func (t *memTx) ListPayments(_ context.Context, storeID string, poID string) ([]domain.POPayment, error) {
	t.store.mu.RLock()
	result := t.store.paymentsFor(storeID, poID)
	t.store.mu.RUnlock()

	for _, p := range t.payments {
		if p.StoreID == storeID && p.POID == poID {
			result = append(result, p)
		}
	}
	return result, nil
}

func (t *memTx) InsertPayment(_ context.Context, payment domain.POPayment) error {
	t.payments = append(t.payments, payment)
	return nil
}

func (t *memTx) commit(ctx context.Context) error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fenceLocked(ctx); err != nil {
		return err
	}

	s.movements = append(s.movements, t.movements...)
	for key, cost := range t.costs {
		product := s.products[key]
		product.CostBase = cost
		s.products[key] = product
	}
	for id, po := range t.orders {
		s.orders[id] = po
	}
	s.payments = append(s.payments, t.payments...)
	return nil
}

// fenceLocked marks the claim carried by ctx as having committed effects, or
// fails when a sweep or a retry has moved past it. The caller holds s.mu.
func (s *Store) fenceLocked(ctx context.Context) error {
	claim, ok := store.ClaimFromContext(ctx)
	if !ok {
		return nil
	}
	rec, found := s.idemByID[claim.RecordID]
	if !found || rec.Attempt != claim.Attempt || rec.Status != domain.IdempotencyProcessing {
		return store.ErrStaleClaim
	}
	rec.EffectsCommitted = true
	s.idemByID[claim.RecordID] = rec
	return nil
}

func productKey(storeID string, productID string) string {
	return storeID + "::" + productID
}

func unitKey(productID string, unitID string) string {
	return productID + "::" + unitID
}

func idemKey(storeID string, action string, key string) string {
	return storeID + "::" + action + "::" + key
}

func paginate[T any](items []T, page int, pageSize int) []T {
	if pageSize <= 0 {
		return items
	}
	if page < 1 {
		page = 1
	}
	start := (page - 1) * pageSize
	if start >= len(items) {
		return []T{}
	}
	end := min(start+pageSize, len(items))
	return items[start:end]
}

func sortNewestFirst(orders []domain.PurchaseOrder) {
	slices.SortFunc(orders, func(a, b domain.PurchaseOrder) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return strings.Compare(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
}

func clonePurchaseOrder(src domain.PurchaseOrder) domain.PurchaseOrder {
	dup := src
	dup.Lines = slices.Clone(src.Lines)
	return dup
}
