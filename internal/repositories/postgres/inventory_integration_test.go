package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labvial/api/internal/repositories"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := Open(ctx, dsn, Options{MaxConns: 4, RunMigrations: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(context.Background()) })
	return store
}

// seedStock inserts a product-level stock row and returns the product id.
func seedStock(t *testing.T, store *Store, quantity int, leadTimeDays *int) string {
	t.Helper()
	ctx := context.Background()
	productID := "prod-" + ulid.Make().String()
	_, err := store.pool.Exec(ctx,
		`INSERT INTO products (id, name, base_price, weight_grams) VALUES ($1, 'TB-500 5mg', 4500, 20)`, productID)
	require.NoError(t, err)
	_, err = store.pool.Exec(ctx,
		`INSERT INTO inventory (id, product_id, quantity, low_stock_threshold, lead_time_days) VALUES ($1, $2, $3, 2, $4)`,
		"inv-"+ulid.Make().String(), productID, quantity, leadTimeDays)
	require.NoError(t, err)
	return productID
}

func TestInventoryRepositoryReserveIsConditional(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	productID := seedStock(t, store, 3, nil)
	inventory := store.Inventory()

	require.NoError(t, inventory.Reserve(ctx, repositories.InventoryLine{ProductID: productID, Quantity: 2}))

	err := inventory.Reserve(ctx, repositories.InventoryLine{ProductID: productID, Quantity: 2})
	var invErr *repositories.InventoryError
	require.True(t, errors.As(err, &invErr), "expected inventory error, got %v", err)
	assert.Equal(t, repositories.InventoryErrorInsufficientStock, invErr.Code)
	assert.Equal(t, 1, invErr.Available)

	record, err := inventory.Find(ctx, productID, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, record.ReservedQuantity)

	require.NoError(t, inventory.Commit(ctx, repositories.InventoryLine{ProductID: productID, Quantity: 2}))
	record, err = inventory.Find(ctx, productID, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, record.Quantity)
	assert.Equal(t, 0, record.ReservedQuantity)
}

func TestInventoryRepositoryBackorderableRowAlwaysReserves(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	leadTime := 14
	productID := seedStock(t, store, 0, &leadTime)

	require.NoError(t, store.Inventory().Reserve(ctx, repositories.InventoryLine{ProductID: productID, Quantity: 5}))

	record, err := store.Inventory().Find(ctx, productID, nil)
	require.NoError(t, err)
	assert.Equal(t, -5, record.Available())
}

func TestStoreRunInTxRollsBackReservation(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	productID := seedStock(t, store, 10, nil)
	boom := errors.New("compliance insert failed")

	err := store.RunInTx(ctx, func(ctx context.Context) error {
		if err := store.Inventory().Reserve(ctx, repositories.InventoryLine{ProductID: productID, Quantity: 4}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	record, err := store.Inventory().Find(ctx, productID, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, record.ReservedQuantity)
}

func TestInventoryRepositoryMissingRow(t *testing.T) {
	store := openTestStore(t)

	err := store.Inventory().Reserve(context.Background(), repositories.InventoryLine{ProductID: "prod-missing-" + ulid.Make().String(), Quantity: 1})
	var invErr *repositories.InventoryError
	require.True(t, errors.As(err, &invErr), "expected inventory error, got %v", err)
	assert.Equal(t, repositories.InventoryErrorStockNotFound, invErr.Code)
}
