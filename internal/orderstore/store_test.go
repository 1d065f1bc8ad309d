package orderstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/dexroute/swapd/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "orders.db")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Order{}))
	return New(db, zap.NewNop())
}

func testOrder(id string) *models.Order {
	return &models.Order{
		OrderID:   id,
		TokenIn:   "SOL",
		TokenOut:  "USDC",
		Amount:    1.5,
		Slippage:  0.5,
		Status:    models.StatusPending,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
}

func TestSaveAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	order := testOrder("ord_test-1")
	require.NoError(t, store.Save(ctx, order))

	got, err := store.Get(ctx, "ord_test-1")
	require.NoError(t, err)
	assert.Equal(t, "SOL", got.TokenIn)
	assert.Equal(t, "USDC", got.TokenOut)
	assert.Equal(t, 1.5, got.Amount)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Empty(t, got.TxHash)
	assert.Nil(t, got.ExecutedPrice)
}

func TestGetUnknownOrder(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get(context.Background(), "ord_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveIsIdempotentUpsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	order := testOrder("ord_test-2")
	require.NoError(t, store.Save(ctx, order))

	price := 151.2
	order.Status = models.StatusConfirmed
	order.SelectedVenue = "raydium"
	order.ExecutedPrice = &price
	order.TxHash = "0xabc"
	order.UpdatedAt = time.Now().UTC()
	require.NoError(t, store.Save(ctx, order))

	got, err := store.Get(ctx, "ord_test-2")
	require.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, got.Status)
	assert.Equal(t, "raydium", got.SelectedVenue)
	require.NotNil(t, got.ExecutedPrice)
	assert.Equal(t, 151.2, *got.ExecutedPrice)
	assert.Equal(t, "0xabc", got.TxHash)

	// still exactly one row
	recent, err := store.ListRecent(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}

func TestListByStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := testOrder("ord_a")
	b := testOrder("ord_b")
	b.Status = models.StatusFailed
	b.Error = "boom"
	require.NoError(t, store.Save(ctx, a))
	require.NoError(t, store.Save(ctx, b))

	failed, err := store.ListByStatus(ctx, models.StatusFailed, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "ord_b", failed[0].OrderID)

	pending, err := store.ListByStatus(ctx, models.StatusPending, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "ord_a", pending[0].OrderID)
}

func TestListRecentOrdering(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	older := testOrder("ord_old")
	older.CreatedAt = time.Now().UTC().Add(-time.Hour)
	newer := testOrder("ord_new")
	require.NoError(t, store.Save(ctx, older))
	require.NoError(t, store.Save(ctx, newer))

	recent, err := store.ListRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "ord_new", recent[0].OrderID)
	assert.Equal(t, "ord_old", recent[1].OrderID)
}
