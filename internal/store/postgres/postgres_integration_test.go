package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backoffice/backend/internal/domain"
	"backoffice/backend/internal/ledger"
	"backoffice/backend/internal/store"
)

func openIntegrationStore(t *testing.T) *Store {
	t.Helper()
	databaseURL := os.Getenv("BACKOFFICE_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set BACKOFFICE_TEST_DATABASE_URL to run postgres integration test")
	}

	migrationDB, err := sql.Open("pgx", databaseURL)
	require.NoError(t, err)
	migrator, err := NewMigrator(migrationDB, nil)
	require.NoError(t, err)
	require.NoError(t, migrator.Up())
	require.NoError(t, migrator.Close())

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestIntegrationMovementsFoldIntoBalance(t *testing.T) {
	s := openIntegrationStore(t)
	ctx := context.Background()
	stamp := time.Now().UnixNano()
	productID := fmt.Sprintf("prod-it-%d", stamp)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, store_id, sku, name, base_unit_id, active, low_stock_threshold)
		VALUES ($1, 'main-store', $2, 'Integration Product', 'ea', TRUE, 5)
	`, productID, "SKU-IT-"+productID)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM stock_movements WHERE product_id = $1`, productID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, productID)
	})

	now := time.Now().UTC().Truncate(time.Microsecond)
	err = s.WithTx(ctx, func(tx store.Tx) error {
		if _, err := tx.LockProduct(ctx, "main-store", productID); err != nil {
			return err
		}
		for i, m := range []struct {
			typ domain.MovementType
			qty int64
		}{{domain.MovementIn, 100}, {domain.MovementReserve, 30}} {
			if err := tx.AppendMovement(ctx, domain.Movement{
				ID: fmt.Sprintf("%s-%d", productID, i), StoreID: "main-store", ProductID: productID,
				Type: m.typ, QtyBase: m.qty, RefType: domain.RefTypeManual, CreatedBy: "it", CreatedAt: now,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	movements, err := s.ListMovements(ctx, "main-store", productID)
	require.NoError(t, err)
	assert.Equal(t, domain.Balance{OnHand: 100, Reserved: 30, Available: 70}, ledger.Fold(movements))
}

func TestIntegrationConcurrentIdempotencyClaimsHaveOneWinner(t *testing.T) {
	s := openIntegrationStore(t)
	ctx := context.Background()
	key := fmt.Sprintf("it-%d", time.Now().UnixNano())
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM idempotency_requests WHERE idempotency_key = $1`, key)
	})

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.CreateIdempotencyRecord(ctx, domain.IdempotencyRecord{
				ID: fmt.Sprintf("%s-%d", key, i), StoreID: "main-store", Action: "po.create",
				IdempotencyKey: key, RequestHash: "h", Status: domain.IdempotencyProcessing, CreatedAt: time.Now().UTC(),
			})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestIntegrationStoreSettingsDecodeRates(t *testing.T) {
	s := openIntegrationStore(t)
	settings, err := s.GetStoreSettings(context.Background(), "main-store")
	require.NoError(t, err)
	assert.Equal(t, "LAK", settings.BaseCurrency)
	assert.True(t, decimal.NewFromInt(20000).Equal(settings.ReferenceRates["USD"]))
}
