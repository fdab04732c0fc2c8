package database_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellardevsa/marketplace/services/checkout-service/database"
	"github.com/stellardevsa/marketplace/services/checkout-service/models"
	"github.com/stellardevsa/marketplace/services/checkout-service/services"
	"github.com/stellardevsa/marketplace/services/common/clock"
)

const seller = "GCEZWKCA5VLDNRLN3RPRJMRZOX3Z6G5CHCGSNFHEYVXM3XOJMDS674JZ"

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func item(id string, qty int) models.LineItem {
	return models.LineItem{ProductID: id, Name: "Item " + id, PayeeAddress: seller, UnitPrice: "2.5", Quantity: qty}
}

func TestNewRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := database.NewRedisClient(context.Background(), "redis://"+mr.Addr()+"/0")
	require.NoError(t, err)
	_ = client.Close()

	_, err = database.NewRedisClient(context.Background(), "::not a url")
	assert.Error(t, err)
}

func TestCartRepository_AddMergesQuantity(t *testing.T) {
	_, client := setupRedis(t)
	repo := database.NewCartRepository(client, time.Hour)
	ctx := context.Background()

	_, err := repo.AddItem(ctx, "s1", item("p1", 1))
	require.NoError(t, err)
	_, err = repo.AddItem(ctx, "s1", item("p2", 3))
	require.NoError(t, err)
	cart, err := repo.AddItem(ctx, "s1", item("p1", 2))
	require.NoError(t, err)

	require.Len(t, cart.Items, 2)
	assert.Equal(t, "p1", cart.Items[0].ProductID)
	assert.Equal(t, 3, cart.Items[0].Quantity)

	items, err := repo.Items(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, cart.Items, items)
}

func TestCartRepository_UpdateAndRemove(t *testing.T) {
	mr, client := setupRedis(t)
	repo := database.NewCartRepository(client, time.Hour)
	ctx := context.Background()

	_, err := repo.AddItem(ctx, "s1", item("p1", 1))
	require.NoError(t, err)
	_, err = repo.AddItem(ctx, "s1", item("p2", 1))
	require.NoError(t, err)

	cart, err := repo.UpdateQuantity(ctx, "s1", "p2", 5)
	require.NoError(t, err)
	assert.Equal(t, 5, cart.Items[1].Quantity)

	_, err = repo.UpdateQuantity(ctx, "s1", "missing", 1)
	assert.ErrorIs(t, err, database.ErrItemNotFound)

	cart, err = repo.UpdateQuantity(ctx, "s1", "p1", 0)
	require.NoError(t, err)
	require.Len(t, cart.Items, 1)

	_, err = repo.RemoveItem(ctx, "s1", "p2")
	require.NoError(t, err)
	assert.False(t, mr.Exists("cart:session:s1"), "an emptied cart is deleted")
}

func TestCartRepository_ClearAndTTL(t *testing.T) {
	mr, client := setupRedis(t)
	repo := database.NewCartRepository(client, time.Minute)
	ctx := context.Background()

	_, err := repo.AddItem(ctx, "s1", item("p1", 1))
	require.NoError(t, err)
	assert.Equal(t, time.Minute, mr.TTL("cart:session:s1"))

	require.NoError(t, repo.Clear(ctx, "s1"))
	cart, err := repo.GetCart(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, cart)

	items, err := repo.Items(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestCartRepository_ConcurrentAdds(t *testing.T) {
	_, client := setupRedis(t)
	repo := database.NewCartRepository(client, time.Hour)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.AddItem(ctx, "s1", item("p1", 1))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	items, err := repo.Items(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 4, items[0].Quantity)
}

func TestCartRepository_Idempotency(t *testing.T) {
	_, client := setupRedis(t)
	repo := database.NewCartRepository(client, time.Hour)
	ctx := context.Background()

	got, err := repo.GetIdempotency(ctx, "k1")
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, repo.SetIdempotency(ctx, "k1", "attempt-1", time.Hour))
	got, err = repo.GetIdempotency(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "attempt-1", got)
}

func TestRedisLocker(t *testing.T) {
	mr, client := setupRedis(t)
	locker := database.NewRedisLocker(client)
	ctx := context.Background()

	lock, err := locker.TryLock(ctx, "checkout:account:A", time.Minute)
	require.NoError(t, err)

	_, err = locker.TryLock(ctx, "checkout:account:A", time.Minute)
	assert.ErrorIs(t, err, services.ErrLockHeld)

	other, err := locker.TryLock(ctx, "checkout:account:B", time.Minute)
	require.NoError(t, err)
	require.NoError(t, other.Release(ctx))

	require.NoError(t, lock.Release(ctx))
	assert.False(t, mr.Exists("checkout:account:A"))

	again, err := locker.TryLock(ctx, "checkout:account:A", time.Minute)
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestRedisLocker_Expiry(t *testing.T) {
	mr, client := setupRedis(t)
	locker := database.NewRedisLocker(client)
	ctx := context.Background()

	_, err := locker.TryLock(ctx, "checkout:session:s1", time.Second)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	lock, err := locker.TryLock(ctx, "checkout:session:s1", time.Second)
	require.NoError(t, err)
	require.NoError(t, lock.Release(ctx))
}

func TestMemoryLocker(t *testing.T) {
	clk := clock.NewManual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	locker := database.NewMemoryLocker(clk)
	ctx := context.Background()

	first, err := locker.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)
	_, err = locker.TryLock(ctx, "k", time.Minute)
	assert.ErrorIs(t, err, services.ErrLockHeld)
	assert.Equal(t, 1, locker.Held())

	clk.Advance(2 * time.Minute)
	assert.Equal(t, 0, locker.Held())

	second, err := locker.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)

	// The expired holder must not release the new holder's lock.
	require.NoError(t, first.Release(ctx))
	assert.Equal(t, 1, locker.Held())

	require.NoError(t, second.Release(ctx))
	assert.Equal(t, 0, locker.Held())
}
