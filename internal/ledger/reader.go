package ledger

import (
	"context"
	"time"

	"go.uber.org/zap"

	"backoffice/backend/internal/cache"
	"backoffice/backend/internal/domain"
)

const DefaultCacheTTL = 30 * time.Second

// MovementSource lists every movement recorded for a product.
type MovementSource interface {
	ListMovements(ctx context.Context, storeID string, productID string) ([]domain.Movement, error)
}

// Reader answers balance queries from the ledger, optionally through a short
// lived read cache. Mutation paths must fold movements inside their own
// transaction instead of going through a Reader.
type Reader struct {
	source   MovementSource
	cache    cache.ReadCache
	cacheTTL time.Duration
	log      *zap.Logger
}

func NewReader(source MovementSource, readCache cache.ReadCache, cacheTTL time.Duration, log *zap.Logger) *Reader {
	if readCache == nil {
		readCache = cache.Noop{}
	}
	if cacheTTL <= 0 {
		cacheTTL = DefaultCacheTTL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Reader{source: source, cache: readCache, cacheTTL: cacheTTL, log: log}
}

// Balance folds the product's movements. With allowCached the cache is
// consulted first; the second result reports whether it answered.
func (r *Reader) Balance(ctx context.Context, storeID string, productID string, allowCached bool) (domain.Balance, bool, error) {
	key := cache.BalanceKey(storeID, productID)
	if allowCached {
		var cached domain.Balance
		hit, err := r.cache.Get(ctx, key, &cached)
		if err != nil {
			r.log.Warn("balance cache read failed", zap.String("key", key), zap.Error(err))
		} else if hit {
			return cached, true, nil
		}
	}

	movements, err := r.source.ListMovements(ctx, storeID, productID)
	if err != nil {
		return domain.Balance{}, false, err
	}
	balance := Fold(movements)

	if err := r.cache.Set(ctx, key, balance, r.cacheTTL); err != nil {
		r.log.Warn("balance cache write failed", zap.String("key", key), zap.Error(err))
	}
	return balance, false, nil
}

// Invalidate drops cached balances after a mutation committed.
func (r *Reader) Invalidate(ctx context.Context, storeID string, productIDs ...string) {
	if len(productIDs) == 0 {
		return
	}
	keys := make([]string, len(productIDs))
	for i, id := range productIDs {
		keys[i] = cache.BalanceKey(storeID, id)
	}
	if err := r.cache.Delete(ctx, keys...); err != nil {
		r.log.Warn("balance cache invalidation failed", zap.Strings("keys", keys), zap.Error(err))
	}
}
