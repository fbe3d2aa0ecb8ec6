package domain

import (
	"encoding/json"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Actor struct {
	UserID  string
	Role    string
	StoreID string
}

type MovementType string

const (
	MovementIn      MovementType = "IN"
	MovementOut     MovementType = "OUT"
	MovementReserve MovementType = "RESERVE"
	MovementRelease MovementType = "RELEASE"
	MovementAdjust  MovementType = "ADJUST"
	MovementReturn  MovementType = "RETURN"
)

func (t MovementType) Valid() bool {
	switch t {
	case MovementIn, MovementOut, MovementReserve, MovementRelease, MovementAdjust, MovementReturn:
		return true
	default:
		return false
	}
}

const (
	RefTypeManual = "MANUAL"
	RefTypePO     = "PO"
)

// Movement is one immutable ledger row. QtyBase is positive for every type
// except ADJUST, which carries its own sign.
type Movement struct {
	ID        string       `json:"id"`
	StoreID   string       `json:"storeId"`
	ProductID string       `json:"productId"`
	Type      MovementType `json:"type"`
	QtyBase   int64        `json:"qtyBase"`
	RefType   string       `json:"refType"`
	RefID     string       `json:"refId,omitempty"`
	Note      string       `json:"note,omitempty"`
	CreatedBy string       `json:"createdBy"`
	CreatedAt time.Time    `json:"createdAt"`
}

type Balance struct {
	OnHand    int64 `json:"onHand"`
	Reserved  int64 `json:"reserved"`
	Available int64 `json:"available"`
}

type StockStatus string

const (
	StockOut     StockStatus = "OUT_OF_STOCK"
	StockLow     StockStatus = "LOW_STOCK"
	StockHealthy StockStatus = "IN_STOCK"
)

type Product struct {
	ID                string          `json:"id"`
	StoreID           string          `json:"storeId"`
	SKU               string          `json:"sku"`
	Name              string          `json:"name"`
	BaseUnitID        string          `json:"baseUnitId"`
	Active            bool            `json:"active"`
	CostBase          decimal.Decimal `json:"costBase"`
	PriceBase         decimal.Decimal `json:"priceBase"`
	OutStockThreshold int64           `json:"outStockThreshold"`
	LowStockThreshold int64           `json:"lowStockThreshold"`
}

type UnitConversion struct {
	ProductID        string `json:"productId"`
	UnitID           string `json:"unitId"`
	MultiplierToBase int64  `json:"multiplierToBase"`
}

type StoreSettings struct {
	StoreID             string                     `json:"storeId"`
	BaseCurrency        string                     `json:"baseCurrency"`
	SupportedCurrencies []string                   `json:"supportedCurrencies"`
	ReferenceRates      map[string]decimal.Decimal `json:"referenceRates,omitempty"`
}

// Supports reports whether currency can be used for purchasing or payment.
// The base currency is always supported.
func (s StoreSettings) Supports(currency string) bool {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		return false
	}
	if currency == s.BaseCurrency {
		return true
	}
	return slices.Contains(s.SupportedCurrencies, currency)
}

type ProductBalance struct {
	ProductID   string      `json:"productId"`
	SKU         string      `json:"sku"`
	Name        string      `json:"name"`
	BaseUnitID  string      `json:"baseUnitId"`
	OnHand      int64       `json:"onHand"`
	Reserved    int64       `json:"reserved"`
	Available   int64       `json:"available"`
	StockStatus StockStatus `json:"stockStatus"`
}

// MaxRequestQty bounds a single request quantity in its own unit. The
// binding tags on request types repeat it.
const MaxRequestQty = 1_000_000_000

type StockMovementRequest struct {
	ProductID string       `json:"productId" binding:"required"`
	UnitID    string       `json:"unitId"`
	Qty       int64        `json:"qty" binding:"required,min=-1000000000,max=1000000000"`
	Type      MovementType `json:"type" binding:"required"`
	Note      string       `json:"note" binding:"max=500"`
}

type StockMovementResponse struct {
	Movement Movement `json:"movement"`
	Balance  Balance  `json:"balance"`
}

type BalanceResponse struct {
	ProductID string  `json:"productId"`
	Balance   Balance `json:"balance"`
	Cached    bool    `json:"cached"`
}

type BalancePage struct {
	Items    []ProductBalance `json:"items"`
	Page     int              `json:"page"`
	PageSize int              `json:"pageSize"`
	Total    int              `json:"total"`
}

type MovementPage struct {
	Items    []Movement `json:"items"`
	Page     int        `json:"page"`
	PageSize int        `json:"pageSize"`
	Total    int        `json:"total"`
}

type POStatus string

const (
	POStatusDraft     POStatus = "DRAFT"
	POStatusOrdered   POStatus = "ORDERED"
	POStatusShipped   POStatus = "SHIPPED"
	POStatusReceived  POStatus = "RECEIVED"
	POStatusCancelled POStatus = "CANCELLED"
)

func (s POStatus) Valid() bool {
	switch s {
	case POStatusDraft, POStatusOrdered, POStatusShipped, POStatusReceived, POStatusCancelled:
		return true
	default:
		return false
	}
}

type PurchaseOrderLine struct {
	ID               string          `json:"id"`
	ProductID        string          `json:"productId"`
	UnitID           string          `json:"unitId"`
	MultiplierToBase int64           `json:"multiplierToBase"`
	QtyOrdered       int64           `json:"qtyOrdered"`
	QtyBase          int64           `json:"qtyBase"`
	UnitCostPurchase decimal.Decimal `json:"unitCostPurchase"`
	UnitCostBase     decimal.Decimal `json:"unitCostBase"`
}

type PurchaseOrder struct {
	ID                string              `json:"id"`
	StoreID           string              `json:"storeId"`
	PONumber          string              `json:"poNumber"`
	Status            POStatus            `json:"status"`
	SupplierName      string              `json:"supplierName"`
	SupplierContact   string              `json:"supplierContact,omitempty"`
	SupplierPhone     string              `json:"supplierPhone,omitempty"`
	PurchaseCurrency  string              `json:"purchaseCurrency"`
	ExchangeRate      decimal.Decimal     `json:"exchangeRate"`
	TotalCostPurchase decimal.Decimal     `json:"totalCostPurchase"`
	TotalCostBase     decimal.Decimal     `json:"totalCostBase"`
	ShippingCost      decimal.Decimal     `json:"shippingCost"`
	OtherCost         decimal.Decimal     `json:"otherCost"`
	GrandTotalBase    decimal.Decimal     `json:"grandTotalBase"`
	DueDate           *time.Time          `json:"dueDate,omitempty"`
	Note              string              `json:"note,omitempty"`
	OrderedAt         *time.Time          `json:"orderedAt,omitempty"`
	ShippedAt         *time.Time          `json:"shippedAt,omitempty"`
	ReceivedAt        *time.Time          `json:"receivedAt,omitempty"`
	CancelledAt       *time.Time          `json:"cancelledAt,omitempty"`
	CreatedBy         string              `json:"createdBy"`
	CreatedAt         time.Time           `json:"createdAt"`
	UpdatedAt         time.Time           `json:"updatedAt"`
	Lines             []PurchaseOrderLine `json:"lines"`
}

type PurchaseOrderLineInput struct {
	ProductID string          `json:"productId" binding:"required"`
	UnitID    string          `json:"unitId"`
	Qty       int64           `json:"qty" binding:"required,gt=0,max=1000000000"`
	UnitCost  decimal.Decimal `json:"unitCost"`
}

type PurchaseOrderCreateRequest struct {
	PONumber         string                   `json:"poNumber" binding:"max=64"`
	Status           POStatus                 `json:"status"`
	SupplierName     string                   `json:"supplierName" binding:"required,max=200"`
	SupplierContact  string                   `json:"supplierContact" binding:"max=200"`
	SupplierPhone    string                   `json:"supplierPhone" binding:"max=50"`
	PurchaseCurrency string                   `json:"purchaseCurrency"`
	ExchangeRate     *decimal.Decimal         `json:"exchangeRate"`
	ShippingCost     decimal.Decimal          `json:"shippingCost"`
	OtherCost        decimal.Decimal          `json:"otherCost"`
	DueDate          string                   `json:"dueDate"`
	Note             string                   `json:"note" binding:"max=1000"`
	Lines            []PurchaseOrderLineInput `json:"lines" binding:"required,min=1,dive"`
}

// PurchaseOrderUpdateRequest edits a PO. Nil fields are left unchanged; a
// non-nil Lines replaces every line.
type PurchaseOrderUpdateRequest struct {
	SupplierName    *string                  `json:"supplierName"`
	SupplierContact *string                  `json:"supplierContact"`
	SupplierPhone   *string                  `json:"supplierPhone"`
	ExchangeRate    *decimal.Decimal         `json:"exchangeRate"`
	ShippingCost    *decimal.Decimal         `json:"shippingCost"`
	OtherCost       *decimal.Decimal         `json:"otherCost"`
	DueDate         *string                  `json:"dueDate"`
	Note            *string                  `json:"note"`
	Lines           []PurchaseOrderLineInput `json:"lines" binding:"omitempty,dive"`
}

type PurchaseOrderStatusRequest struct {
	Status POStatus `json:"status" binding:"required"`
}

type RateSource string

const (
	RateSourceBase      RateSource = "BASE"
	RateSourceReference RateSource = "REFERENCE"
	RateSourceClient    RateSource = "CLIENT"
)

type POPayment struct {
	ID         string          `json:"id"`
	POID       string          `json:"poId"`
	StoreID    string          `json:"storeId"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	FxRateUsed decimal.Decimal `json:"fxRateUsed"`
	RateSource RateSource      `json:"rateSource"`
	AmountBase decimal.Decimal `json:"amountBase"`
	Note       string          `json:"note,omitempty"`
	PaidAt     time.Time       `json:"paidAt"`
	CreatedBy  string          `json:"createdBy"`
	CreatedAt  time.Time       `json:"createdAt"`
}

type SettlePaymentRequest struct {
	Amount     decimal.Decimal  `json:"amount"`
	Currency   string           `json:"currency"`
	FxRateUsed *decimal.Decimal `json:"fxRateUsed"`
	PaidAt     *time.Time       `json:"paidAt"`
	Note       string           `json:"note" binding:"max=500"`
}

type PaymentStatus string

const (
	PaymentUnpaid  PaymentStatus = "UNPAID"
	PaymentPartial PaymentStatus = "PARTIALLY_PAID"
	PaymentPaid    PaymentStatus = "PAID"
)

type DueStatus string

const (
	DueOverdue   DueStatus = "OVERDUE"
	DueSoon      DueStatus = "DUE_SOON"
	DueNotDue    DueStatus = "NOT_DUE"
	DueNoDueDate DueStatus = "NO_DUE_DATE"
)

func (s DueStatus) Valid() bool {
	switch s {
	case DueOverdue, DueSoon, DueNotDue, DueNoDueDate:
		return true
	default:
		return false
	}
}

type Settlement struct {
	GrandTotalBase  decimal.Decimal `json:"grandTotalBase"`
	TotalPaidBase   decimal.Decimal `json:"totalPaidBase"`
	SettledBase     decimal.Decimal `json:"settledBase"`
	OutstandingBase decimal.Decimal `json:"outstandingBase"`
	FxDeltaBase     decimal.Decimal `json:"fxDeltaBase"`
	PaymentStatus   PaymentStatus   `json:"paymentStatus"`
	PaymentCount    int             `json:"paymentCount"`
}

type PurchaseOrderDetail struct {
	PurchaseOrder PurchaseOrder `json:"purchaseOrder"`
	Payments      []POPayment   `json:"payments"`
	Settlement    Settlement    `json:"settlement"`
	DueStatus     DueStatus     `json:"dueStatus"`
	DaysUntilDue  *int          `json:"daysUntilDue,omitempty"`
}

type PurchaseOrderResponse struct {
	PurchaseOrder PurchaseOrder `json:"purchaseOrder"`
}

type PurchaseOrderFilter struct {
	StoreID  string
	Status   POStatus
	Supplier string
	Page     int
	PageSize int
}

type PurchaseOrderPage struct {
	Items    []PurchaseOrder `json:"items"`
	Page     int             `json:"page"`
	PageSize int             `json:"pageSize"`
	Total    int             `json:"total"`
}

type SettlePaymentResponse struct {
	Payment    POPayment  `json:"payment"`
	Settlement Settlement `json:"settlement"`
}

type StatementFilter struct {
	Supplier        string
	DueStatus       DueStatus
	OnlyOutstanding bool
}

type StatementLine struct {
	POID             string          `json:"poId"`
	SupplierName     string          `json:"supplierName"`
	PONumber         string          `json:"poNumber"`
	PaymentStatus    PaymentStatus   `json:"paymentStatus"`
	DueStatus        DueStatus       `json:"dueStatus"`
	DaysUntilDue     *int            `json:"daysUntilDue,omitempty"`
	DueDate          *time.Time      `json:"dueDate,omitempty"`
	ReceivedAt       *time.Time      `json:"receivedAt,omitempty"`
	PurchaseCurrency string          `json:"purchaseCurrency"`
	GrandTotalBase   decimal.Decimal `json:"grandTotalBase"`
	TotalPaidBase    decimal.Decimal `json:"totalPaidBase"`
	OutstandingBase  decimal.Decimal `json:"outstandingBase"`
	FxDeltaBase      decimal.Decimal `json:"fxDeltaBase"`
	AgeDays          *int            `json:"ageDays,omitempty"`
	StoreCurrency    string          `json:"storeCurrency"`
}

type SupplierStatement struct {
	SupplierKey     string                        `json:"supplierKey"`
	SupplierName    string                        `json:"supplierName"`
	POCount         int                           `json:"poCount"`
	GrandTotalBase  decimal.Decimal               `json:"grandTotalBase"`
	TotalPaidBase   decimal.Decimal               `json:"totalPaidBase"`
	OutstandingBase decimal.Decimal               `json:"outstandingBase"`
	FxDeltaBase     decimal.Decimal               `json:"fxDeltaBase"`
	ByDueStatus     map[DueStatus]decimal.Decimal `json:"byDueStatus"`
	Lines           []StatementLine               `json:"lines"`
}

type APStatement struct {
	StoreID         string              `json:"storeId"`
	StoreCurrency   string              `json:"storeCurrency"`
	AsOf            string              `json:"asOf"`
	OutstandingBase decimal.Decimal     `json:"outstandingBase"`
	FxDeltaBase     decimal.Decimal     `json:"fxDeltaBase"`
	Suppliers       []SupplierStatement `json:"suppliers"`
}

type IdempotencyStatus string

const (
	IdempotencyProcessing IdempotencyStatus = "PROCESSING"
	IdempotencySucceeded  IdempotencyStatus = "SUCCEEDED"
	IdempotencyFailed     IdempotencyStatus = "FAILED"
)

type IdempotencyRecord struct {
	ID             string
	StoreID        string
	Action         string
	IdempotencyKey string
	RequestHash    string
	Status         IdempotencyStatus
	ResponseStatus int
	ResponseBody   []byte
	CreatedAt      time.Time
	CompletedAt    *time.Time
	// Attempt is bumped on every reclaim. Only the holder of the current
	// attempt may commit side effects or complete the record.
	Attempt int
	// EffectsCommitted is set in the same transaction as the request's
	// writes. Such a record is never reclaimed.
	EffectsCommitted bool
}

func (r IdempotencyRecord) Terminal() bool {
	return r.Status == IdempotencySucceeded || r.Status == IdempotencyFailed
}

type SweepResult struct {
	TimedOut int `json:"timedOut"`
	Deleted  int `json:"deleted"`
}

type AuditScope string

const (
	AuditScopeStore  AuditScope = "STORE"
	AuditScopeSystem AuditScope = "SYSTEM"
)

type AuditResult string

const (
	AuditSuccess AuditResult = "SUCCESS"
	AuditFail    AuditResult = "FAIL"
)

type AuditEvent struct {
	ID          string          `json:"id"`
	Scope       AuditScope      `json:"scope"`
	StoreID     string          `json:"storeId,omitempty"`
	ActorUserID string          `json:"actorUserId"`
	ActorRole   string          `json:"actorRole,omitempty"`
	Action      string          `json:"action"`
	EntityType  string          `json:"entityType"`
	EntityID    string          `json:"entityId,omitempty"`
	Result      AuditResult     `json:"result"`
	ReasonCode  string          `json:"reasonCode,omitempty"`
	Before      json.RawMessage `json:"before,omitempty"`
	After       json.RawMessage `json:"after,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	OccurredAt  time.Time       `json:"occurredAt"`
}

type AuditFilter struct {
	StoreID    string
	EntityType string
	EntityID   string
	From       time.Time
	To         time.Time
	Limit      int
}

type AuditEventListResponse struct {
	Events []AuditEvent `json:"events"`
}
