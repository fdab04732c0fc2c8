package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stellardevsa/marketplace/services/checkout-service/models"
)

// ErrItemNotFound is returned when a cart has no line for the product.
var ErrItemNotFound = errors.New("item not in cart")

const maxCartRetries = 5

// CartRepository keeps each session's cart as one JSON document in Redis.
// It also implements services.CartStore.
type CartRepository struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

func NewCartRepository(client *redis.Client, ttl time.Duration) *CartRepository {
	return &CartRepository{
		client: client,
		ttl:    ttl,
		now:    time.Now,
	}
}

func (r *CartRepository) getKey(sessionID string) string {
	return fmt.Sprintf("cart:session:%s", sessionID)
}

// GetCart returns the session's cart, or nil when it has none.
func (r *CartRepository) GetCart(ctx context.Context, sessionID string) (*models.Cart, error) {
	return r.read(ctx, r.client, sessionID)
}

func (r *CartRepository) SaveCart(ctx context.Context, cart *models.Cart) error {
	cart.UpdatedAt = r.now()
	data, err := json.Marshal(cart)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.getKey(cart.UserID), data, r.ttl).Err()
}

func (r *CartRepository) DeleteCart(ctx context.Context, sessionID string) error {
	return r.client.Del(ctx, r.getKey(sessionID)).Err()
}

// AddItem adds item to the cart, merging quantities when the product is
// already there. The stored price and seller are refreshed from item.
func (r *CartRepository) AddItem(ctx context.Context, sessionID string, item models.LineItem) (*models.Cart, error) {
	return r.update(ctx, sessionID, func(cart *models.Cart) error {
		for i := range cart.Items {
			if cart.Items[i].ProductID == item.ProductID {
				qty := cart.Items[i].Quantity + item.Quantity
				cart.Items[i] = item
				cart.Items[i].Quantity = qty
				return nil
			}
		}
		cart.Items = append(cart.Items, item)
		return nil
	})
}

// UpdateQuantity sets a line's quantity; zero or less removes the line.
func (r *CartRepository) UpdateQuantity(ctx context.Context, sessionID, productID string, quantity int) (*models.Cart, error) {
	return r.update(ctx, sessionID, func(cart *models.Cart) error {
		for i := range cart.Items {
			if cart.Items[i].ProductID != productID {
				continue
			}
			if quantity <= 0 {
				cart.Items = append(cart.Items[:i], cart.Items[i+1:]...)
			} else {
				cart.Items[i].Quantity = quantity
			}
			return nil
		}
		return ErrItemNotFound
	})
}

func (r *CartRepository) RemoveItem(ctx context.Context, sessionID, productID string) (*models.Cart, error) {
	return r.UpdateQuantity(ctx, sessionID, productID, 0)
}

// Items implements services.CartStore.
func (r *CartRepository) Items(ctx context.Context, sessionID string) ([]models.LineItem, error) {
	cart, err := r.GetCart(ctx, sessionID)
	if err != nil || cart == nil {
		return nil, err
	}
	return cart.Items, nil
}

// Clear implements services.CartStore.
func (r *CartRepository) Clear(ctx context.Context, sessionID string) error {
	return r.DeleteCart(ctx, sessionID)
}

// update applies mutate under WATCH so concurrent edits of one cart do not
// lose writes. An empty result deletes the key.
func (r *CartRepository) update(ctx context.Context, sessionID string, mutate func(*models.Cart) error) (*models.Cart, error) {
	key := r.getKey(sessionID)
	var result *models.Cart

	txf := func(tx *redis.Tx) error {
		cart, err := r.read(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if cart == nil {
			cart = &models.Cart{UserID: sessionID}
		}
		if err := mutate(cart); err != nil {
			return err
		}
		cart.UpdatedAt = r.now()

		data, err := json.Marshal(cart)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if len(cart.Items) == 0 {
				pipe.Del(ctx, key)
				return nil
			}
			pipe.Set(ctx, key, data, r.ttl)
			return nil
		})
		result = cart
		return err
	}

	for i := 0; i < maxCartRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return result, nil
	}
	return nil, fmt.Errorf("cart %s: too much contention", sessionID)
}

func (r *CartRepository) read(ctx context.Context, c getter, sessionID string) (*models.Cart, error) {
	data, err := c.Get(ctx, r.getKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var cart models.Cart
	if err := json.Unmarshal(data, &cart); err != nil {
		return nil, err
	}
	return &cart, nil
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// Idempotency helpers

func (r *CartRepository) getIdemKey(key string) string {
	return "idem:checkout:" + key
}

// GetIdempotency returns the attempt ID stored under key, or "".
func (r *CartRepository) GetIdempotency(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, r.getIdemKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

func (r *CartRepository) SetIdempotency(ctx context.Context, key, attemptID string, ttl time.Duration) error {
	return r.client.Set(ctx, r.getIdemKey(key), attemptID, ttl).Err()
}
