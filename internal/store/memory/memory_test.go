package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backoffice/backend/internal/domain"
	"backoffice/backend/internal/store"
)

func movement(id string, typ domain.MovementType, qty int64) domain.Movement {
	return domain.Movement{
		ID: id, StoreID: "main-store", ProductID: "prod-water", Type: typ, QtyBase: qty,
		RefType: domain.RefTypeManual, CreatedBy: "tester", CreatedAt: time.Now().UTC(),
	}
}

func TestWithTxDiscardsStagedWritesOnError(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	boom := errors.New("rejected")
	err := s.WithTx(ctx, func(tx store.Tx) error {
		require.NoError(t, tx.AppendMovement(ctx, movement("m1", domain.MovementIn, 10)))
		require.NoError(t, tx.UpdateProductCost(ctx, "main-store", "prod-water", decimal.NewFromInt(1)))

		staged, err := tx.ListMovements(ctx, "main-store", "prod-water")
		require.NoError(t, err)
		assert.Len(t, staged, 1)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	movements, err := s.ListMovements(ctx, "main-store", "prod-water")
	require.NoError(t, err)
	assert.Empty(t, movements)
	product, err := s.GetProduct(ctx, "main-store", "prod-water")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(3500).Equal(product.CostBase))
}

func TestWithTxCommits(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.AppendMovement(ctx, movement("m1", domain.MovementIn, 10)); err != nil {
			return err
		}
		return tx.UpdateProductCost(ctx, "main-store", "prod-water", decimal.NewFromInt(4000))
	})
	require.NoError(t, err)

	movements, err := s.ListMovements(ctx, "main-store", "prod-water")
	require.NoError(t, err)
	assert.Len(t, movements, 1)
	product, err := s.GetProduct(ctx, "main-store", "prod-water")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(4000).Equal(product.CostBase))
}

func TestListBalancesPaginatesActiveProducts(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()
	require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error {
		return tx.AppendMovement(ctx, movement("m1", domain.MovementIn, 10))
	}))

	rows, total, err := s.ListBalances(ctx, "main-store", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, rows, 2)
	assert.Equal(t, "SKU-COFFEE-01", rows[0].Product.SKU)

	rows, _, err = s.ListBalances(ctx, "main-store", 3, 2)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "SKU-WATER-01", rows[0].Product.SKU)
	assert.Equal(t, int64(10), rows[0].Balance.Available)

	rows, _, err = s.ListBalances(ctx, "main-store", 9, 2)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestMovementPageIsNewestFirst(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()
	require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error {
		for _, m := range []domain.Movement{
			movement("m1", domain.MovementIn, 10),
			movement("m2", domain.MovementOut, 2),
			movement("m3", domain.MovementOut, 3),
		} {
			if err := tx.AppendMovement(ctx, m); err != nil {
				return err
			}
		}
		return nil
	}))

	page, total, err := s.ListMovementPage(ctx, "main-store", "prod-water", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, page, 2)
	assert.Equal(t, "m3", page[0].ID)
	assert.Equal(t, "m2", page[1].ID)
}

func TestIdempotencyRecordLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	rec := domain.IdempotencyRecord{
		ID: "idem-1", StoreID: "main-store", Action: "po.create", IdempotencyKey: "k1",
		RequestHash: "h1", Status: domain.IdempotencyProcessing, CreatedAt: start, Attempt: 1,
	}
	require.NoError(t, s.CreateIdempotencyRecord(ctx, rec))
	assert.ErrorIs(t, s.CreateIdempotencyRecord(ctx, rec), store.ErrDuplicate)

	n, err := s.FailStaleIdempotencyRecords(ctx, start.Add(5*time.Minute), 504, []byte(`{}`), start.Add(6*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, ok, err := s.ReclaimIdempotencyRecord(ctx, "idem-1", "other-hash", start.Add(7*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	attempt, ok, err := s.ReclaimIdempotencyRecord(ctx, "idem-1", "h1", start.Add(7*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, attempt)

	_, ok, err = s.ReclaimIdempotencyRecord(ctx, "idem-1", "h1", start.Add(7*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.CompleteIdempotencyRecord(ctx, "idem-1", 1, domain.IdempotencySucceeded, 201, []byte(`{"run":"first"}`), start.Add(8*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "a superseded attempt must not complete the record")

	ok, err = s.CompleteIdempotencyRecord(ctx, "idem-1", 2, domain.IdempotencySucceeded, 201, []byte(`{"ok":true}`), start.Add(8*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
	got, err := s.GetIdempotencyRecord(ctx, "main-store", "po.create", "k1")
	require.NoError(t, err)
	assert.Equal(t, domain.IdempotencySucceeded, got.Status)
	assert.Equal(t, 201, got.ResponseStatus)
	assert.JSONEq(t, `{"ok":true}`, string(got.ResponseBody))

	n, err = s.DeleteIdempotencyRecords(ctx, start.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = s.GetIdempotencyRecord(ctx, "main-store", "po.create", "k1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestWithTxRejectsWritesUnderStaleClaim(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, s.CreateIdempotencyRecord(ctx, domain.IdempotencyRecord{
		ID: "idem-1", StoreID: "main-store", Action: "stock.movement.create", IdempotencyKey: "k1",
		RequestHash: "h1", Status: domain.IdempotencyProcessing, CreatedAt: start, Attempt: 1,
	}))
	_, err := s.FailStaleIdempotencyRecords(ctx, start.Add(time.Minute), 504, []byte(`{}`), start.Add(time.Minute))
	require.NoError(t, err)

	stale := store.WithClaim(ctx, store.Claim{RecordID: "idem-1", Attempt: 1})
	err = s.WithTx(stale, func(tx store.Tx) error {
		return tx.AppendMovement(stale, movement("m1", domain.MovementIn, 10))
	})
	require.ErrorIs(t, err, store.ErrStaleClaim)
	movements, err := s.ListMovements(ctx, "main-store", "prod-water")
	require.NoError(t, err)
	assert.Empty(t, movements)

	attempt, ok, err := s.ReclaimIdempotencyRecord(ctx, "idem-1", "h1", start.Add(2*time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	current := store.WithClaim(ctx, store.Claim{RecordID: "idem-1", Attempt: attempt})
	require.NoError(t, s.WithTx(current, func(tx store.Tx) error {
		return tx.AppendMovement(current, movement("m2", domain.MovementIn, 10))
	}))
	got, err := s.GetIdempotencyRecord(ctx, "main-store", "stock.movement.create", "k1")
	require.NoError(t, err)
	assert.True(t, got.EffectsCommitted)

	// Committed effects pin the record: a timeout no longer opens it for a retry.
	_, err = s.FailStaleIdempotencyRecords(ctx, start.Add(time.Hour), 504, []byte(`{}`), start.Add(time.Hour))
	require.NoError(t, err)
	_, ok, err = s.ReclaimIdempotencyRecord(ctx, "idem-1", "h1", start.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAuditEventsNewestFirstWithFilter(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	for i, entity := range []string{"po-1", "po-2", "po-1"} {
		require.NoError(t, s.CreateAuditEvent(ctx, domain.AuditEvent{
			ID: entity + string(rune('a'+i)), StoreID: "main-store", EntityType: "purchase_order", EntityID: entity,
			OccurredAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	events, err := s.ListAuditEvents(ctx, domain.AuditFilter{StoreID: "main-store", EntityID: "po-1"})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "po-1c", events[0].ID)

	events, err = s.ListAuditEvents(ctx, domain.AuditFilter{StoreID: "main-store", Limit: 1})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}
