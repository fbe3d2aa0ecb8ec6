package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type snapshot struct {
	OnHand int64 `json:"onHand"`
}

func TestMemoryExpiresEntries(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	c := NewMemory()
	c.now = func() time.Time { return now }

	require.NoError(t, c.Set(ctx, "k", snapshot{OnHand: 7}, 30*time.Second))

	var got snapshot
	hit, err := c.Get(ctx, "k", &got)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, int64(7), got.OnHand)

	now = now.Add(31 * time.Second)
	hit, err = c.Get(ctx, "k", &got)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestMemoryDelete(t *testing.T) {
	ctx := context.Background()
	c := NewMemory()
	require.NoError(t, c.Set(ctx, "a", snapshot{OnHand: 1}, time.Minute))
	require.NoError(t, c.Set(ctx, "b", snapshot{OnHand: 2}, time.Minute))
	require.NoError(t, c.Delete(ctx, "a"))

	var got snapshot
	hit, _ := c.Get(ctx, "a", &got)
	assert.False(t, hit)
	hit, _ = c.Get(ctx, "b", &got)
	assert.True(t, hit)
}

func TestMemoryIgnoresNonPositiveTTL(t *testing.T) {
	ctx := context.Background()
	c := NewMemory()
	require.NoError(t, c.Set(ctx, "a", snapshot{OnHand: 1}, 0))
	var got snapshot
	hit, _ := c.Get(ctx, "a", &got)
	assert.False(t, hit)
}

func TestBalanceKeyNormalizesProduct(t *testing.T) {
	assert.Equal(t, "balance:main-store:sku-1", BalanceKey("main-store", "SKU-1"))
}

func TestRedisRoundTrip(t *testing.T) {
	addr := os.Getenv("BACKOFFICE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("BACKOFFICE_TEST_REDIS_ADDR is not set")
	}
	ctx := context.Background()
	client := NewRedisClient(addr, "", 0)
	defer client.Close()
	c := NewRedis(client, "backoffice-test:")
	require.NoError(t, c.Ping(ctx))

	require.NoError(t, c.Set(ctx, "k", snapshot{OnHand: 3}, time.Minute))
	var got snapshot
	hit, err := c.Get(ctx, "k", &got)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, int64(3), got.OnHand)

	require.NoError(t, c.Delete(ctx, "k"))
	hit, err = c.Get(ctx, "k", &got)
	require.NoError(t, err)
	assert.False(t, hit)
}
