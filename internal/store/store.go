package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"backoffice/backend/internal/domain"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate")
	// ErrStaleClaim means the idempotency attempt fencing a write was timed
	// out or taken over by a retry. The write is rolled back.
	ErrStaleClaim = errors.New("stale idempotency claim")
)

// Claim names the idempotency attempt a request runs under. Writes made with
// a Claim in their context commit only while that attempt is still current.
type Claim struct {
	RecordID string
	Attempt  int
}

type claimContextKey struct{}

func WithClaim(ctx context.Context, claim Claim) context.Context {
	return context.WithValue(ctx, claimContextKey{}, claim)
}

func ClaimFromContext(ctx context.Context) (Claim, bool) {
	claim, ok := ctx.Value(claimContextKey{}).(Claim)
	return claim, ok && claim.RecordID != ""
}

// BalanceRow is a product together with its folded balance.
type BalanceRow struct {
	Product domain.Product
	Balance domain.Balance
}

// Repository is the persistence boundary. Methods outside Tx run in their own
// implicit transaction. WithTx and CreatePurchaseOrder honour a Claim carried
// by ctx and fail with ErrStaleClaim once it is no longer current.
type Repository interface {
	// WithTx runs fn inside one transaction. A non-nil error from fn rolls
	// every Tx write back.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	GetStoreSettings(ctx context.Context, storeID string) (*domain.StoreSettings, error)
	GetProduct(ctx context.Context, storeID string, productID string) (*domain.Product, error)
	GetUnitConversion(ctx context.Context, productID string, unitID string) (*domain.UnitConversion, error)

	ListMovements(ctx context.Context, storeID string, productID string) ([]domain.Movement, error)
	ListMovementPage(ctx context.Context, storeID string, productID string, page int, pageSize int) ([]domain.Movement, int, error)
	ListBalances(ctx context.Context, storeID string, page int, pageSize int) ([]BalanceRow, int, error)

	CreatePurchaseOrder(ctx context.Context, po domain.PurchaseOrder) (*domain.PurchaseOrder, error)
	GetPurchaseOrder(ctx context.Context, storeID string, id string) (*domain.PurchaseOrder, error)
	ListPurchaseOrders(ctx context.Context, filter domain.PurchaseOrderFilter) ([]domain.PurchaseOrder, int, error)
	ListPayablePurchaseOrders(ctx context.Context, storeID string) ([]domain.PurchaseOrder, error)
	ListPayments(ctx context.Context, storeID string, poID string) ([]domain.POPayment, error)
	ListStorePayments(ctx context.Context, storeID string) ([]domain.POPayment, error)

	CreateIdempotencyRecord(ctx context.Context, rec domain.IdempotencyRecord) error
	GetIdempotencyRecord(ctx context.Context, storeID string, action string, key string) (*domain.IdempotencyRecord, error)
	// CompleteIdempotencyRecord stores the response for the given attempt. It
	// reports false when the attempt is no longer current.
	CompleteIdempotencyRecord(ctx context.Context, id string, attempt int, status domain.IdempotencyStatus, httpStatus int, body []byte, at time.Time) (bool, error)
	// ReclaimIdempotencyRecord flips a FAILED record with a 5xx response and no
	// committed effects back to PROCESSING under a new attempt. It reports
	// false when another caller got there first.
	ReclaimIdempotencyRecord(ctx context.Context, id string, requestHash string, at time.Time) (int, bool, error)
	FailStaleIdempotencyRecords(ctx context.Context, startedBefore time.Time, httpStatus int, body []byte, at time.Time) (int, error)
	DeleteIdempotencyRecords(ctx context.Context, completedBefore time.Time) (int, error)

	CreateAuditEvent(ctx context.Context, event domain.AuditEvent) error
	ListAuditEvents(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEvent, error)
}

// Tx exposes the reads and writes that must share a transaction. Lock*
// methods hold the row until the transaction ends.
type Tx interface {
	LockProduct(ctx context.Context, storeID string, productID string) (*domain.Product, error)
	ListMovements(ctx context.Context, storeID string, productID string) ([]domain.Movement, error)
	AppendMovement(ctx context.Context, movement domain.Movement) error
	UpdateProductCost(ctx context.Context, storeID string, productID string, costBase decimal.Decimal) error

	LockPurchaseOrder(ctx context.Context, storeID string, id string) (*domain.PurchaseOrder, error)
	// UpdatePurchaseOrder overwrites the header and replaces every line.
	UpdatePurchaseOrder(ctx context.Context, po domain.PurchaseOrder) error
	ListPayments(ctx context.Context, storeID string, poID string) ([]domain.POPayment, error)
	InsertPayment(ctx context.Context, payment domain.POPayment) error
}
