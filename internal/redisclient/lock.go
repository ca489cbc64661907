package redisclient

import (
	"context"
	"fmt"
	"sort"
	"time"

	"pharmacy-service/internal/ledger"
	"pharmacy-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var _ ledger.Locker = (*ProductLocker)(nil)

// ProductLocker takes per-product locks in Redis so several service replicas
// serialize writes to the same product before touching the database.
type ProductLocker struct {
	client  *Client
	ttl     time.Duration
	timeout time.Duration
	retry   time.Duration
	logger  *zap.Logger
}

// NewProductLocker creates a locker. ttl bounds how long a crashed holder can
// keep a product locked; timeout bounds how long Lock waits.
func NewProductLocker(client *Client, ttl, timeout time.Duration) *ProductLocker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &ProductLocker{
		client:  client,
		ttl:     ttl,
		timeout: timeout,
		retry:   25 * time.Millisecond,
		logger:  util.GetLogger(),
	}
}

// Lock acquires every product lock in ascending ID order or none of them
func (l *ProductLocker) Lock(ctx context.Context, productIDs []int64) (func(), error) {
	ids := append([]int64(nil), productIDs...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	token := uuid.NewString()
	deadline := time.Now().Add(l.timeout)
	held := make([]string, 0, len(ids))

	for _, id := range ids {
		key := lockKey(id)
		for {
			ok, err := l.client.rdb.SetNX(ctx, key, token, l.ttl).Result()
			if err != nil {
				l.release(held, token)
				return nil, fmt.Errorf("acquire lock %s: %w", key, err)
			}
			if ok {
				held = append(held, key)
				break
			}

			if time.Now().After(deadline) {
				l.release(held, token)
				util.LockContentionTotal.WithLabelValues("redis_timeout").Inc()
				return nil, fmt.Errorf("product %d locked by another writer: %w", id, ledger.ErrBusy)
			}

			select {
			case <-ctx.Done():
				l.release(held, token)
				return nil, fmt.Errorf("%w: %v", ledger.ErrBusy, ctx.Err())
			case <-time.After(l.retry):
			}
		}
	}

	return func() { l.release(held, token) }, nil
}

// release deletes only the keys still owned by token, so a lock that expired
// and was taken by someone else is left alone.
func (l *ProductLocker) release(keys []string, token string) {
	if len(keys) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := l.client.releaseScript.Run(ctx, l.client.rdb, keys, token).Err(); err != nil {
		l.logger.Warn("Failed to release product locks", zap.Strings("keys", keys), zap.Error(err))
	}
}
