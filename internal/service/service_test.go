package service

import (
	"bytes"
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"backoffice/backend/internal/audit"
	"backoffice/backend/internal/cache"
	"backoffice/backend/internal/domain"
	"backoffice/backend/internal/ledger"
	"backoffice/backend/internal/store"
	"backoffice/backend/internal/store/memory"
)

var testNow = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	repo := memory.NewSeeded()
	reader := ledger.NewReader(repo, cache.NewMemory(), time.Minute, nil)
	svc := New(repo, reader, audit.NewRecorder(repo, nil), Options{DueSoonDays: 7}, nil)
	svc.now = func() time.Time { return testNow }
	return svc, repo
}

func managerCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{UserID: "user-1", Role: "manager", StoreID: "main-store"})
}

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func expectCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s, got nil error", code)
	}
	if got := domain.ReasonCode(err); got != code {
		t.Fatalf("expected %s, got %s (%v)", code, got, err)
	}
}

func move(t *testing.T, svc *Service, productID string, typ domain.MovementType, qty int64) (domain.StockMovementResponse, error) {
	t.Helper()
	return svc.RecordMovement(managerCtx(), domain.StockMovementRequest{ProductID: productID, Qty: qty, Type: typ, Note: "test"})
}

func TestReserveAndSellScenario(t *testing.T) {
	svc, repo := newTestService(t)

	if _, err := move(t, svc, "prod-water", domain.MovementIn, 100); err != nil {
		t.Fatalf("IN failed: %v", err)
	}
	if _, err := move(t, svc, "prod-water", domain.MovementReserve, 30); err != nil {
		t.Fatalf("RESERVE failed: %v", err)
	}
	_, err := move(t, svc, "prod-water", domain.MovementOut, 80)
	expectCode(t, err, domain.CodeInsufficientStock)

	movements, _ := repo.ListMovements(context.Background(), "main-store", "prod-water")
	if len(movements) != 2 {
		t.Fatalf("rejected OUT must not append, got %d movements", len(movements))
	}

	resp, err := move(t, svc, "prod-water", domain.MovementOut, 70)
	if err != nil {
		t.Fatalf("OUT 70 failed: %v", err)
	}
	want := domain.Balance{OnHand: 30, Reserved: 30, Available: 0}
	if resp.Balance != want {
		t.Fatalf("expected %+v, got %+v", want, resp.Balance)
	}
}

func TestRecordMovementConvertsUnits(t *testing.T) {
	svc, _ := newTestService(t)

	resp, err := svc.RecordMovement(managerCtx(), domain.StockMovementRequest{
		ProductID: "prod-water", UnitID: "pack", Qty: 2, Type: "in",
	})
	if err != nil {
		t.Fatalf("record movement failed: %v", err)
	}
	if resp.Movement.QtyBase != 24 || resp.Balance.OnHand != 24 {
		t.Fatalf("expected 24 base units, got movement=%d onHand=%d", resp.Movement.QtyBase, resp.Balance.OnHand)
	}
	if resp.Movement.RefType != domain.RefTypeManual || resp.Movement.CreatedBy != "user-1" {
		t.Fatalf("unexpected movement metadata: %+v", resp.Movement)
	}
}

func TestRecordMovementRejections(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := managerCtx()

	cases := []struct {
		name string
		req  domain.StockMovementRequest
		code string
	}{
		{"unknown unit", domain.StockMovementRequest{ProductID: "prod-water", UnitID: "pallet", Qty: 1, Type: domain.MovementIn}, domain.CodeUnknownUnit},
		{"missing product", domain.StockMovementRequest{ProductID: "prod-ghost", Qty: 1, Type: domain.MovementIn}, domain.CodeProductNotFound},
		{"inactive product", domain.StockMovementRequest{ProductID: "prod-retired", Qty: 1, Type: domain.MovementIn}, domain.CodeProductInactive},
		{"bad type", domain.StockMovementRequest{ProductID: "prod-water", Qty: 1, Type: "TELEPORT"}, domain.CodeInvalidMovementType},
		{"adjust without note", domain.StockMovementRequest{ProductID: "prod-water", Qty: 5, Type: domain.MovementAdjust}, domain.CodeNoteRequired},
		{"negative adjust below zero", domain.StockMovementRequest{ProductID: "prod-water", Qty: -5, Type: domain.MovementAdjust, Note: "count"}, domain.CodeInsufficientStock},
		{"release without reservation", domain.StockMovementRequest{ProductID: "prod-water", Qty: 1, Type: domain.MovementRelease}, domain.CodeInsufficientReserved},
		{"zero quantity", domain.StockMovementRequest{ProductID: "prod-water", Qty: 0, Type: domain.MovementIn}, domain.CodeInvalidQuantity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.RecordMovement(ctx, tc.req)
			expectCode(t, err, tc.code)
		})
	}
}

func TestRecordMovementRejectsOutOfRangeQuantity(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := managerCtx()

	cases := []struct {
		name string
		req  domain.StockMovementRequest
	}{
		{"wraps to a tiny base qty", domain.StockMovementRequest{ProductID: "prod-water", UnitID: "pack", Qty: 1537228672809129302, Type: domain.MovementIn}},
		{"max int64", domain.StockMovementRequest{ProductID: "prod-water", Qty: math.MaxInt64, Type: domain.MovementIn}},
		{"huge negative adjust", domain.StockMovementRequest{ProductID: "prod-water", Qty: -domain.MaxRequestQty - 1, Type: domain.MovementAdjust, Note: "count"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.RecordMovement(ctx, tc.req)
			expectCode(t, err, domain.CodeInvalidQuantity)
		})
	}

	movements, _ := repo.ListMovements(context.Background(), "main-store", "prod-water")
	if len(movements) != 0 {
		t.Fatalf("rejected quantities must not append, got %d movements", len(movements))
	}

	_, err := svc.CreatePurchaseOrder(ctx, domain.PurchaseOrderCreateRequest{
		SupplierName: "A",
		Lines:        []domain.PurchaseOrderLineInput{{ProductID: "prod-water", UnitID: "pack", Qty: 1537228672809129302, UnitCost: dec("1")}},
	})
	expectCode(t, err, domain.CodeInvalidQuantity)
}

func TestSupersededRequestWritesNothing(t *testing.T) {
	svc, repo := newTestService(t)
	err := repo.CreateIdempotencyRecord(context.Background(), domain.IdempotencyRecord{
		ID: "idem-1", StoreID: "main-store", Action: ActionStockMovement, IdempotencyKey: "k1",
		RequestHash: "h1", Status: domain.IdempotencyProcessing, CreatedAt: testNow, Attempt: 2,
	})
	if err != nil {
		t.Fatalf("seed record failed: %v", err)
	}

	ctx := store.WithClaim(managerCtx(), store.Claim{RecordID: "idem-1", Attempt: 1})
	_, err = svc.RecordMovement(ctx, domain.StockMovementRequest{ProductID: "prod-water", Qty: 5, Type: domain.MovementIn})
	expectCode(t, err, domain.CodeIdempotencySuperseded)

	movements, _ := repo.ListMovements(context.Background(), "main-store", "prod-water")
	if len(movements) != 0 {
		t.Fatalf("superseded run must not append, got %d movements", len(movements))
	}
}

func TestRecordMovementRequiresActor(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.RecordMovement(context.Background(), domain.StockMovementRequest{ProductID: "prod-water", Qty: 1, Type: domain.MovementIn})
	expectCode(t, err, domain.CodeUnauthorized)
}

func TestEveryAttemptIsAudited(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := WithIdempotencyKey(managerCtx(), "key-42")

	if _, err := svc.RecordMovement(ctx, domain.StockMovementRequest{ProductID: "prod-water", Qty: 5, Type: domain.MovementIn}); err != nil {
		t.Fatalf("IN failed: %v", err)
	}
	_, _ = svc.RecordMovement(ctx, domain.StockMovementRequest{ProductID: "prod-water", Qty: 50, Type: domain.MovementOut})

	resp, err := svc.ListAuditEvents(managerCtx(), domain.AuditFilter{EntityID: "prod-water"})
	if err != nil {
		t.Fatalf("list audit failed: %v", err)
	}
	if len(resp.Events) != 2 {
		t.Fatalf("expected 2 audit events, got %d", len(resp.Events))
	}
	var failed *domain.AuditEvent
	for i := range resp.Events {
		if resp.Events[i].Result == domain.AuditFail {
			failed = &resp.Events[i]
		}
		if !strings.Contains(string(resp.Events[i].Metadata), "key-42") {
			t.Fatalf("expected idempotency key in metadata, got %s", resp.Events[i].Metadata)
		}
	}
	if failed == nil || failed.ReasonCode != domain.CodeInsufficientStock {
		t.Fatalf("expected a failed INSUFFICIENT_STOCK event, got %+v", resp.Events)
	}
}

func TestGetBalanceUsesCacheOnlyWhenAsked(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := managerCtx()
	if _, err := move(t, svc, "prod-coffee", domain.MovementIn, 10); err != nil {
		t.Fatalf("IN failed: %v", err)
	}

	first, err := svc.GetBalance(ctx, "prod-coffee", true)
	if err != nil || first.Cached {
		t.Fatalf("first read should fold the ledger: cached=%v err=%v", first.Cached, err)
	}
	second, _ := svc.GetBalance(ctx, "prod-coffee", true)
	if !second.Cached || second.Balance.OnHand != 10 {
		t.Fatalf("expected cached 10, got %+v", second)
	}
	fresh, _ := svc.GetBalance(ctx, "prod-coffee", false)
	if fresh.Cached {
		t.Fatalf("uncached read must not use the cache")
	}

	if _, err := move(t, svc, "prod-coffee", domain.MovementOut, 4); err != nil {
		t.Fatalf("OUT failed: %v", err)
	}
	after, _ := svc.GetBalance(ctx, "prod-coffee", true)
	if after.Cached || after.Balance.OnHand != 6 {
		t.Fatalf("mutation must invalidate the cached balance, got %+v", after)
	}
}

func TestListBalancesDerivesStockStatus(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := move(t, svc, "prod-water", domain.MovementIn, 10); err != nil {
		t.Fatalf("IN failed: %v", err)
	}
	if _, err := move(t, svc, "prod-soap", domain.MovementIn, 40); err != nil {
		t.Fatalf("IN failed: %v", err)
	}

	page, err := svc.ListBalances(managerCtx(), 0, 500)
	if err != nil {
		t.Fatalf("list balances failed: %v", err)
	}
	if page.Page != 1 || page.PageSize != 200 || page.Total != 5 {
		t.Fatalf("unexpected paging: %+v", page)
	}
	statuses := map[string]domain.StockStatus{}
	for _, item := range page.Items {
		statuses[item.ProductID] = item.StockStatus
	}
	if statuses["prod-water"] != domain.StockLow || statuses["prod-soap"] != domain.StockHealthy || statuses["prod-rice"] != domain.StockOut {
		t.Fatalf("unexpected statuses: %+v", statuses)
	}
}

func TestListMovementsNewestFirst(t *testing.T) {
	svc, _ := newTestService(t)
	for _, qty := range []int64{5, 6, 7} {
		if _, err := move(t, svc, "prod-noodle", domain.MovementIn, qty); err != nil {
			t.Fatalf("IN failed: %v", err)
		}
	}
	page, err := svc.ListMovements(managerCtx(), "prod-noodle", 1, 2)
	if err != nil {
		t.Fatalf("list movements failed: %v", err)
	}
	if page.Total != 3 || len(page.Items) != 2 {
		t.Fatalf("unexpected page: %+v", page)
	}
	_, err = svc.ListMovements(managerCtx(), "", 1, 2)
	expectCode(t, err, domain.CodeInvalidRequest)
}

func createPO(t *testing.T, svc *Service, req domain.PurchaseOrderCreateRequest) domain.PurchaseOrder {
	t.Helper()
	resp, err := svc.CreatePurchaseOrder(managerCtx(), req)
	if err != nil {
		t.Fatalf("create purchase order failed: %v", err)
	}
	return resp.PurchaseOrder
}

func TestCreatePurchaseOrderComputesTotals(t *testing.T) {
	svc, _ := newTestService(t)

	po := createPO(t, svc, domain.PurchaseOrderCreateRequest{
		SupplierName:     "  Mekong   Supply ",
		PurchaseCurrency: "usd",
		ShippingCost:     dec("15000"),
		DueDate:          "2026-03-20",
		Lines: []domain.PurchaseOrderLineInput{
			{ProductID: "prod-water", UnitID: "carton", Qty: 2, UnitCost: dec("4.50")},
			{ProductID: "prod-rice", Qty: 10, UnitCost: dec("0.80")},
		},
	})

	if !strings.HasPrefix(po.PONumber, "PO-20260310-") || len(po.PONumber) != len("PO-20260310-")+6 {
		t.Fatalf("unexpected generated number %q", po.PONumber)
	}
	if po.Status != domain.POStatusDraft || po.SupplierName != "Mekong   Supply" {
		t.Fatalf("unexpected header: %+v", po)
	}
	if !po.ExchangeRate.Equal(dec("20000")) {
		t.Fatalf("expected reference rate, got %s", po.ExchangeRate)
	}
	if po.Lines[0].QtyBase != 48 || !po.Lines[0].UnitCostBase.Equal(dec("90000")) {
		t.Fatalf("unexpected first line: %+v", po.Lines[0])
	}
	// 2*4.50 + 10*0.80 = 17 USD = 340000 LAK, plus 15000 shipping
	if !po.TotalCostPurchase.Equal(dec("17")) || !po.GrandTotalBase.Equal(dec("355000")) {
		t.Fatalf("unexpected totals: purchase=%s grand=%s", po.TotalCostPurchase, po.GrandTotalBase)
	}
}

func TestCreatePurchaseOrderValidation(t *testing.T) {
	svc, _ := newTestService(t)
	line := []domain.PurchaseOrderLineInput{{ProductID: "prod-water", Qty: 1, UnitCost: dec("1000")}}
	zero := dec("0")

	cases := []struct {
		name string
		req  domain.PurchaseOrderCreateRequest
		code string
	}{
		{"blank supplier", domain.PurchaseOrderCreateRequest{SupplierName: " ", Lines: line}, domain.CodeInvalidRequest},
		{"unsupported currency", domain.PurchaseOrderCreateRequest{SupplierName: "A", PurchaseCurrency: "EUR", Lines: line}, domain.CodeUnsupportedCcy},
		{"zero rate", domain.PurchaseOrderCreateRequest{SupplierName: "A", PurchaseCurrency: "USD", ExchangeRate: &zero, Lines: line}, domain.CodeInvalidRate},
		{"no lines", domain.PurchaseOrderCreateRequest{SupplierName: "A"}, domain.CodeInvalidRequest},
		{"bad due date", domain.PurchaseOrderCreateRequest{SupplierName: "A", DueDate: "next week", Lines: line}, domain.CodeInvalidDueDate},
		{"negative shipping", domain.PurchaseOrderCreateRequest{SupplierName: "A", ShippingCost: dec("-1"), Lines: line}, domain.CodeInvalidAmount},
		{"received on create", domain.PurchaseOrderCreateRequest{SupplierName: "A", Status: domain.POStatusReceived, Lines: line}, domain.CodeInvalidStatus},
		{"inactive product", domain.PurchaseOrderCreateRequest{SupplierName: "A", Lines: []domain.PurchaseOrderLineInput{{ProductID: "prod-retired", Qty: 1}}}, domain.CodeProductInactive},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.CreatePurchaseOrder(managerCtx(), tc.req)
			expectCode(t, err, tc.code)
		})
	}
}

func TestCreatePurchaseOrderForcesBaseRate(t *testing.T) {
	svc, _ := newTestService(t)
	rate := dec("3")
	po := createPO(t, svc, domain.PurchaseOrderCreateRequest{
		SupplierName: "A", ExchangeRate: &rate,
		Lines: []domain.PurchaseOrderLineInput{{ProductID: "prod-water", Qty: 1, UnitCost: dec("1000")}},
	})
	if po.PurchaseCurrency != "LAK" || !po.ExchangeRate.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("base currency must book at 1, got %s @ %s", po.PurchaseCurrency, po.ExchangeRate)
	}
}

func TestDuplicatePONumberConflicts(t *testing.T) {
	svc, _ := newTestService(t)
	req := domain.PurchaseOrderCreateRequest{
		PONumber: "PO-FIXED", SupplierName: "A",
		Lines: []domain.PurchaseOrderLineInput{{ProductID: "prod-water", Qty: 1, UnitCost: dec("1000")}},
	}
	createPO(t, svc, req)
	_, err := svc.CreatePurchaseOrder(managerCtx(), req)
	expectCode(t, err, domain.CodePONumberTaken)
	if domain.AsError(err).Status != 409 {
		t.Fatalf("expected 409, got %d", domain.AsError(err).Status)
	}
}

func TestReceiveExactlyOnce(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := managerCtx()
	if _, err := move(t, svc, "prod-water", domain.MovementIn, 10); err != nil {
		t.Fatalf("IN failed: %v", err)
	}

	po := createPO(t, svc, domain.PurchaseOrderCreateRequest{
		SupplierName: "Mekong Supply",
		Status:       domain.POStatusOrdered,
		Lines: []domain.PurchaseOrderLineInput{
			{ProductID: "prod-water", UnitID: "pack", Qty: 2, UnitCost: dec("48000")},
			{ProductID: "prod-noodle", Qty: 30, UnitCost: dec("5500")},
		},
	})
	if po.OrderedAt == nil {
		t.Fatalf("ordered PO should carry orderedAt")
	}

	resp, err := svc.UpdatePurchaseOrderStatus(ctx, po.ID, domain.POStatusReceived)
	if err != nil {
		t.Fatalf("receive failed: %v", err)
	}
	if resp.PurchaseOrder.Status != domain.POStatusReceived || resp.PurchaseOrder.ReceivedAt == nil {
		t.Fatalf("unexpected received PO: %+v", resp.PurchaseOrder)
	}

	_, err = svc.UpdatePurchaseOrderStatus(ctx, po.ID, domain.POStatusReceived)
	expectCode(t, err, domain.CodeAlreadyReceived)

	water, _ := repo.ListMovements(context.Background(), "main-store", "prod-water")
	fromPO := 0
	for _, m := range water {
		if m.RefType == domain.RefTypePO {
			fromPO++
			if m.RefID != po.ID || m.QtyBase != 24 || m.Type != domain.MovementIn {
				t.Fatalf("unexpected receipt movement: %+v", m)
			}
		}
	}
	if fromPO != 1 {
		t.Fatalf("expected exactly one receipt movement, got %d", fromPO)
	}
	if got := ledger.Fold(water).OnHand; got != 34 {
		t.Fatalf("expected on-hand 34, got %d", got)
	}

	// (10 * 3500 + 24 * 4000) / 34
	product, _ := repo.GetProduct(context.Background(), "main-store", "prod-water")
	if !product.CostBase.Equal(dec("3852.94")) {
		t.Fatalf("expected weighted cost 3852.94, got %s", product.CostBase)
	}
	noodle, _ := repo.GetProduct(context.Background(), "main-store", "prod-noodle")
	if !noodle.CostBase.Equal(dec("5500")) {
		t.Fatalf("empty stock should take the incoming cost, got %s", noodle.CostBase)
	}
}

func TestStatusTransitions(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := managerCtx()
	line := []domain.PurchaseOrderLineInput{{ProductID: "prod-soap", Qty: 1, UnitCost: dec("6000")}}

	po := createPO(t, svc, domain.PurchaseOrderCreateRequest{SupplierName: "A", Lines: line})
	if _, err := svc.UpdatePurchaseOrderStatus(ctx, po.ID, domain.POStatusShipped); err != nil {
		t.Fatalf("skip-forward to SHIPPED failed: %v", err)
	}
	_, err := svc.UpdatePurchaseOrderStatus(ctx, po.ID, domain.POStatusOrdered)
	expectCode(t, err, domain.CodeIllegalTransition)
	if _, err := svc.UpdatePurchaseOrderStatus(ctx, po.ID, "cancelled"); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	_, err = svc.UpdatePurchaseOrderStatus(ctx, po.ID, domain.POStatusReceived)
	expectCode(t, err, domain.CodePOAlreadyCancelled)

	_, err = svc.UpdatePurchaseOrderStatus(ctx, "po-missing", domain.POStatusOrdered)
	expectCode(t, err, domain.CodePONotFound)
}

func TestUpdatePurchaseOrderRespectsLocks(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := managerCtx()
	po := createPO(t, svc, domain.PurchaseOrderCreateRequest{
		SupplierName: "A",
		Lines:        []domain.PurchaseOrderLineInput{{ProductID: "prod-soap", Qty: 10, UnitCost: dec("6000")}},
	})

	resp, err := svc.UpdatePurchaseOrder(ctx, po.ID, domain.PurchaseOrderUpdateRequest{
		Lines: []domain.PurchaseOrderLineInput{{ProductID: "prod-soap", Qty: 20, UnitCost: dec("6000")}},
	})
	if err != nil {
		t.Fatalf("draft edit failed: %v", err)
	}
	if !resp.PurchaseOrder.GrandTotalBase.Equal(dec("120000")) {
		t.Fatalf("expected recomputed total 120000, got %s", resp.PurchaseOrder.GrandTotalBase)
	}

	if _, err := svc.UpdatePurchaseOrderStatus(ctx, po.ID, domain.POStatusShipped); err != nil {
		t.Fatalf("ship failed: %v", err)
	}
	_, err = svc.UpdatePurchaseOrder(ctx, po.ID, domain.PurchaseOrderUpdateRequest{
		Lines: []domain.PurchaseOrderLineInput{{ProductID: "prod-soap", Qty: 1, UnitCost: dec("1")}},
	})
	expectCode(t, err, domain.CodePOLockedFields)

	shipping := dec("5000")
	resp, err = svc.UpdatePurchaseOrder(ctx, po.ID, domain.PurchaseOrderUpdateRequest{ShippingCost: &shipping})
	if err != nil {
		t.Fatalf("shipping edit failed: %v", err)
	}
	if !resp.PurchaseOrder.GrandTotalBase.Equal(dec("125000")) {
		t.Fatalf("expected 125000 after shipping, got %s", resp.PurchaseOrder.GrandTotalBase)
	}

	if _, err := svc.UpdatePurchaseOrderStatus(ctx, po.ID, domain.POStatusReceived); err != nil {
		t.Fatalf("receive failed: %v", err)
	}
	_, err = svc.UpdatePurchaseOrder(ctx, po.ID, domain.PurchaseOrderUpdateRequest{ShippingCost: &shipping})
	expectCode(t, err, domain.CodePOLockedFields)
	due := "2026-04-01"
	resp, err = svc.UpdatePurchaseOrder(ctx, po.ID, domain.PurchaseOrderUpdateRequest{DueDate: &due})
	if err != nil || resp.PurchaseOrder.DueDate == nil {
		t.Fatalf("due date edit after receipt failed: %v", err)
	}
}

func TestMixedCurrencySettlementScenario(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := managerCtx()
	po := createPO(t, svc, domain.PurchaseOrderCreateRequest{
		SupplierName: "Vientiane Trading",
		Status:       domain.POStatusOrdered,
		Lines:        []domain.PurchaseOrderLineInput{{ProductID: "prod-water", Qty: 100, UnitCost: dec("10000")}},
	})

	detail, err := svc.GetPurchaseOrder(ctx, po.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !detail.Settlement.OutstandingBase.Equal(dec("1000000")) || detail.Settlement.PaymentStatus != domain.PaymentUnpaid {
		t.Fatalf("unexpected opening settlement: %+v", detail.Settlement)
	}
	if detail.DueStatus != domain.DueNoDueDate {
		t.Fatalf("expected NO_DUE_DATE, got %s", detail.DueStatus)
	}

	first, err := svc.SettlePayment(ctx, po.ID, domain.SettlePaymentRequest{Amount: dec("400000"), Currency: "LAK"})
	if err != nil {
		t.Fatalf("LAK payment failed: %v", err)
	}
	if first.Payment.RateSource != domain.RateSourceBase || first.Settlement.PaymentStatus != domain.PaymentPartial {
		t.Fatalf("unexpected first payment: %+v", first)
	}
	if !first.Settlement.OutstandingBase.Equal(dec("600000")) {
		t.Fatalf("expected 600000 outstanding, got %s", first.Settlement.OutstandingBase)
	}

	second, err := svc.SettlePayment(ctx, po.ID, domain.SettlePaymentRequest{Amount: dec("30"), Currency: "USD"})
	if err != nil {
		t.Fatalf("USD payment failed: %v", err)
	}
	if second.Payment.RateSource != domain.RateSourceReference || !second.Payment.AmountBase.Equal(dec("600000")) {
		t.Fatalf("unexpected USD payment: %+v", second.Payment)
	}
	if !second.Settlement.OutstandingBase.IsZero() || second.Settlement.PaymentStatus != domain.PaymentPaid {
		t.Fatalf("expected PAID, got %+v", second.Settlement)
	}
	if !second.Settlement.FxDeltaBase.IsZero() {
		t.Fatalf("a LAK order has no FX delta, got %s", second.Settlement.FxDeltaBase)
	}

	_, err = svc.SettlePayment(ctx, po.ID, domain.SettlePaymentRequest{Amount: dec("1"), Currency: "LAK"})
	expectCode(t, err, domain.CodeOverpayment)
}

func TestSettlePaymentRules(t *testing.T) {
	svc, _ := newTestService(t)
	svc.fxTolerance = dec("2")
	ctx := managerCtx()
	line := []domain.PurchaseOrderLineInput{{ProductID: "prod-water", Qty: 10, UnitCost: dec("10000")}}

	draft := createPO(t, svc, domain.PurchaseOrderCreateRequest{SupplierName: "A", Lines: line})
	_, err := svc.SettlePayment(ctx, draft.ID, domain.SettlePaymentRequest{Amount: dec("1000")})
	expectCode(t, err, domain.CodePONotPayable)

	ordered := createPO(t, svc, domain.PurchaseOrderCreateRequest{SupplierName: "A", Status: domain.POStatusOrdered, Lines: line})
	_, err = svc.SettlePayment(ctx, ordered.ID, domain.SettlePaymentRequest{Amount: dec("0")})
	expectCode(t, err, domain.CodeInvalidAmount)

	_, err = svc.SettlePayment(ctx, ordered.ID, domain.SettlePaymentRequest{Amount: dec("1"), Currency: "EUR"})
	expectCode(t, err, domain.CodeUnsupportedCcy)

	off := dec("21000")
	_, err = svc.SettlePayment(ctx, ordered.ID, domain.SettlePaymentRequest{Amount: dec("1"), Currency: "USD", FxRateUsed: &off})
	expectCode(t, err, domain.CodeFxRateOutOfRange)

	near := dec("20300")
	resp, err := svc.SettlePayment(ctx, ordered.ID, domain.SettlePaymentRequest{Amount: dec("1"), Currency: "USD", FxRateUsed: &near})
	if err != nil {
		t.Fatalf("in-tolerance payment failed: %v", err)
	}
	if resp.Payment.RateSource != domain.RateSourceClient || !resp.Payment.AmountBase.Equal(dec("20300")) {
		t.Fatalf("unexpected payment: %+v", resp.Payment)
	}
}

func TestForeignOrderFullySettledAtMovedRate(t *testing.T) {
	cases := []struct {
		name  string
		rate  string
		delta string
		paid  string
	}{
		{"rate above booking", "21000", "50000", "1050000"},
		{"rate below booking", "19000", "-50000", "950000"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, _ := newTestService(t)
			svc.fxTolerance = dec("10")
			ctx := managerCtx()
			po := createPO(t, svc, domain.PurchaseOrderCreateRequest{
				SupplierName:     "Vientiane Trading",
				Status:           domain.POStatusOrdered,
				PurchaseCurrency: "USD",
				Lines:            []domain.PurchaseOrderLineInput{{ProductID: "prod-water", Qty: 5, UnitCost: dec("10")}},
			})
			if !po.GrandTotalBase.Equal(dec("1000000")) {
				t.Fatalf("expected grand total 1000000, got %s", po.GrandTotalBase)
			}

			rate := dec(tc.rate)
			resp, err := svc.SettlePayment(ctx, po.ID, domain.SettlePaymentRequest{Amount: dec("50"), Currency: "USD", FxRateUsed: &rate})
			if err != nil {
				t.Fatalf("full USD payment failed: %v", err)
			}
			got := resp.Settlement
			if !got.OutstandingBase.IsZero() || got.PaymentStatus != domain.PaymentPaid {
				t.Fatalf("expected PAID with nothing outstanding, got %+v", got)
			}
			if !got.FxDeltaBase.Equal(dec(tc.delta)) {
				t.Fatalf("expected fx delta %s, got %s", tc.delta, got.FxDeltaBase)
			}
			if !got.TotalPaidBase.Equal(dec(tc.paid)) {
				t.Fatalf("expected %s paid in LAK, got %s", tc.paid, got.TotalPaidBase)
			}

			_, err = svc.SettlePayment(ctx, po.ID, domain.SettlePaymentRequest{Amount: dec("1"), Currency: "LAK"})
			expectCode(t, err, domain.CodeOverpayment)
		})
	}
}

func TestUpdatePurchaseOrderCannotDropBelowSettled(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := managerCtx()
	po := createPO(t, svc, domain.PurchaseOrderCreateRequest{
		SupplierName: "A",
		Status:       domain.POStatusOrdered,
		Lines:        []domain.PurchaseOrderLineInput{{ProductID: "prod-soap", Qty: 10, UnitCost: dec("6000")}},
	})
	if _, err := svc.SettlePayment(ctx, po.ID, domain.SettlePaymentRequest{Amount: dec("50000")}); err != nil {
		t.Fatalf("payment failed: %v", err)
	}

	_, err := svc.UpdatePurchaseOrder(ctx, po.ID, domain.PurchaseOrderUpdateRequest{
		Lines: []domain.PurchaseOrderLineInput{{ProductID: "prod-soap", Qty: 5, UnitCost: dec("6000")}},
	})
	expectCode(t, err, domain.CodeOverpayment)

	detail, err := svc.GetPurchaseOrder(ctx, po.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !detail.PurchaseOrder.GrandTotalBase.Equal(dec("60000")) || !detail.Settlement.OutstandingBase.Equal(dec("10000")) {
		t.Fatalf("rejected edit must leave the order untouched, got total=%s outstanding=%s",
			detail.PurchaseOrder.GrandTotalBase, detail.Settlement.OutstandingBase)
	}

	resp, err := svc.UpdatePurchaseOrder(ctx, po.ID, domain.PurchaseOrderUpdateRequest{
		Lines: []domain.PurchaseOrderLineInput{{ProductID: "prod-soap", Qty: 9, UnitCost: dec("6000")}},
	})
	if err != nil {
		t.Fatalf("edit above the settled amount failed: %v", err)
	}
	if !resp.PurchaseOrder.GrandTotalBase.Equal(dec("54000")) {
		t.Fatalf("expected 54000, got %s", resp.PurchaseOrder.GrandTotalBase)
	}
}

func TestOutstandingNeverIncreases(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := managerCtx()
	po := createPO(t, svc, domain.PurchaseOrderCreateRequest{
		SupplierName: "A", Status: domain.POStatusOrdered, PurchaseCurrency: "THB",
		Lines: []domain.PurchaseOrderLineInput{{ProductID: "prod-rice", Qty: 100, UnitCost: dec("25")}},
	})

	previous := po.GrandTotalBase
	for _, amount := range []string{"100", "250.50", "0.01", "700"} {
		resp, err := svc.SettlePayment(ctx, po.ID, domain.SettlePaymentRequest{Amount: dec(amount), Currency: "THB"})
		if err != nil {
			t.Fatalf("payment %s failed: %v", amount, err)
		}
		if resp.Settlement.OutstandingBase.GreaterThan(previous) {
			t.Fatalf("outstanding increased from %s to %s", previous, resp.Settlement.OutstandingBase)
		}
		previous = resp.Settlement.OutstandingBase
	}
}

func TestStatementAndExport(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := managerCtx()
	line := []domain.PurchaseOrderLineInput{{ProductID: "prod-water", Qty: 10, UnitCost: dec("10000")}}

	overdue := createPO(t, svc, domain.PurchaseOrderCreateRequest{
		PONumber: "PO-A1", SupplierName: "Mekong Supply", Status: domain.POStatusOrdered, DueDate: "2026-03-01", Lines: line,
	})
	createPO(t, svc, domain.PurchaseOrderCreateRequest{
		PONumber: "PO-A2", SupplierName: "mekong  supply", Status: domain.POStatusOrdered, DueDate: "2026-03-15", Lines: line,
	})
	createPO(t, svc, domain.PurchaseOrderCreateRequest{PONumber: "PO-DRAFT", SupplierName: "Other", Lines: line})
	if _, err := svc.SettlePayment(ctx, overdue.ID, domain.SettlePaymentRequest{Amount: dec("40000")}); err != nil {
		t.Fatalf("payment failed: %v", err)
	}

	stmt, err := svc.Statement(ctx, domain.StatementFilter{})
	if err != nil {
		t.Fatalf("statement failed: %v", err)
	}
	if len(stmt.Suppliers) != 1 || stmt.Suppliers[0].POCount != 2 {
		t.Fatalf("expected one supplier with two orders, got %+v", stmt.Suppliers)
	}
	if !stmt.OutstandingBase.Equal(dec("160000")) || stmt.AsOf != "2026-03-10" {
		t.Fatalf("unexpected statement totals: %s as of %s", stmt.OutstandingBase, stmt.AsOf)
	}
	group := stmt.Suppliers[0]
	if !group.ByDueStatus[domain.DueOverdue].Equal(dec("60000")) || !group.ByDueStatus[domain.DueSoon].Equal(dec("100000")) {
		t.Fatalf("unexpected buckets: %+v", group.ByDueStatus)
	}

	overdueOnly, err := svc.Statement(ctx, domain.StatementFilter{DueStatus: "overdue"})
	if err != nil || len(ledger.Lines(overdueOnly)) != 1 {
		t.Fatalf("expected one overdue line, got %v (%v)", ledger.Lines(overdueOnly), err)
	}
	_, err = svc.Statement(ctx, domain.StatementFilter{DueStatus: "LATE"})
	expectCode(t, err, domain.CodeInvalidRequest)

	var buf bytes.Buffer
	if err := svc.ExportStatement(ctx, domain.StatementFilter{}, ExportCSV, &buf); err != nil {
		t.Fatalf("csv export failed: %v", err)
	}
	rows := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(rows) != 3 || !strings.HasPrefix(rows[0], "supplier_name,po_number,payment_status") {
		t.Fatalf("unexpected csv: %q", buf.String())
	}

	buf.Reset()
	if err := svc.ExportStatement(ctx, domain.StatementFilter{}, ExportXLSX, &buf); err != nil {
		t.Fatalf("xlsx export failed: %v", err)
	}
	if !bytes.HasPrefix(buf.Bytes(), []byte("PK")) {
		t.Fatalf("xlsx export is not a zip archive")
	}

	err = svc.ExportStatement(ctx, domain.StatementFilter{}, "pdf", &buf)
	var de *domain.Error
	if !errors.As(err, &de) || de.Kind != domain.KindValidation {
		t.Fatalf("expected validation error for pdf, got %v", err)
	}
}

func TestListPurchaseOrdersFilters(t *testing.T) {
	svc, _ := newTestService(t)
	line := []domain.PurchaseOrderLineInput{{ProductID: "prod-water", Qty: 1, UnitCost: dec("1000")}}
	createPO(t, svc, domain.PurchaseOrderCreateRequest{SupplierName: "Mekong Supply", Lines: line})
	createPO(t, svc, domain.PurchaseOrderCreateRequest{SupplierName: "Lao Foods", Status: domain.POStatusOrdered, Lines: line})

	page, err := svc.ListPurchaseOrders(managerCtx(), domain.PurchaseOrderFilter{Status: "ordered"})
	if err != nil || page.Total != 1 || page.Items[0].SupplierName != "Lao Foods" {
		t.Fatalf("status filter failed: %+v (%v)", page, err)
	}
	page, err = svc.ListPurchaseOrders(managerCtx(), domain.PurchaseOrderFilter{Supplier: "mekong"})
	if err != nil || page.Total != 1 {
		t.Fatalf("supplier filter failed: %+v (%v)", page, err)
	}
	_, err = svc.ListPurchaseOrders(managerCtx(), domain.PurchaseOrderFilter{Status: "LOST"})
	expectCode(t, err, domain.CodeInvalidStatus)
}
