package redisclient

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"pharmacy-service/internal/ledger"
	"pharmacy-service/internal/util"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

var _ ledger.Observer = (*StockCache)(nil)

// StockCache mirrors committed on-hand quantities for fast reads. The database
// stays authoritative; a missing or stale entry only costs a store read.
type StockCache struct {
	client *Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewStockCache(client *Client, ttl time.Duration) *StockCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &StockCache{client: client, ttl: ttl, logger: util.GetLogger()}
}

// LedgerCommitted writes the post-commit on-hand of every changed product
func (c *StockCache) LedgerCommitted(ctx context.Context, changes []ledger.Change) {
	for _, ch := range changes {
		if err := c.SetOnHand(ctx, ch.ProductID, ch.OnHand, ch.Lot.ID); err != nil {
			c.logger.Warn("Failed to update stock cache",
				zap.Int64("product_id", ch.ProductID),
				zap.Error(err))
		}
	}
}

// SetOnHand stores on-hand unless a newer lot already wrote the entry
func (c *StockCache) SetOnHand(ctx context.Context, productID int64, onHand int, lotID int64) error {
	keys := []string{inventoryKey(productID)}
	err := c.client.setStock.Run(ctx, c.client.rdb, keys, onHand, lotID, int(c.ttl.Seconds())).Err()
	if err != nil {
		return fmt.Errorf("set stock script failed: %w", err)
	}
	return nil
}

// GetOnHand returns the cached quantity; ok is false on a cache miss
func (c *StockCache) GetOnHand(ctx context.Context, productID int64) (onHand int, ok bool, err error) {
	val, err := c.client.rdb.HGet(ctx, inventoryKey(productID), "on_hand").Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}

	onHand, err = strconv.Atoi(val)
	if err != nil {
		return 0, false, fmt.Errorf("invalid cached stock for product %d: %w", productID, err)
	}
	return onHand, true, nil
}

// Invalidate drops a product's cache entry
func (c *StockCache) Invalidate(ctx context.Context, productID int64) error {
	return c.client.rdb.Del(ctx, inventoryKey(productID)).Err()
}
