package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/cast"
)

var (
	//go:embed lua/incr.lua
	incrScript string
	//go:embed lua/acquire.lua
	acquireScript string
	//go:embed lua/window.lua
	windowScript string
)

// Redis is a storage on a Redis server, cluster or sentinel-managed
// failover group. Lua scripts keep each operation atomic. Timestamps come
// from the client clock so that windows do not depend on server time.
type Redis struct {
	client  redis.UniversalClient
	prefix  string
	clock   clockwork.Clock
	incr    *redis.Script
	acquire *redis.Script
	window  *redis.Script
	owned   bool
}

var (
	_ Storage      = (*Redis)(nil)
	_ MovingWindow = (*Redis)(nil)
)

// NewRedis creates a Redis storage on client and preloads its scripts.
// The client stays owned by the caller.
func NewRedis(ctx context.Context, client redis.UniversalClient, opts ...Option) (*Redis, error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	o := newOptions(opts)
	if o.keyPrefix == "" {
		return nil, errors.New("key prefix cannot be empty")
	}

	r := &Redis{
		client:  client,
		prefix:  o.keyPrefix,
		clock:   o.clock,
		incr:    redis.NewScript(incrScript),
		acquire: redis.NewScript(acquireScript),
		window:  redis.NewScript(windowScript),
	}
	for _, s := range []*redis.Script{r.incr, r.acquire, r.window} {
		if err := s.Load(ctx, client).Err(); err != nil {
			return nil, primaryDown(err, "load lua script")
		}
	}
	return r, nil
}

func (r *Redis) key(k string) string {
	return fmt.Sprintf("%s:%s", r.prefix, k)
}

func millis(d time.Duration) string {
	return strconv.FormatInt(d.Milliseconds(), 10)
}

// Incr implements Storage.
func (r *Redis) Incr(ctx context.Context, key string, expiry time.Duration, amount int64) (int64, error) {
	now := r.clock.Now()
	res, err := r.incr.Run(ctx, r.client, []string{r.key(key)},
		strconv.FormatInt(now.UnixMilli(), 10),
		millis(expiry),
		strconv.FormatInt(now.Add(expiry).UnixMilli(), 10),
		strconv.FormatInt(amount, 10),
	).Result()
	if err != nil {
		return 0, primaryDown(err, "incr")
	}

	pair, err := int64Pair(res)
	if err != nil {
		return 0, fmt.Errorf("incr: %w", err)
	}
	return pair[0], nil
}

// Get implements Storage.
func (r *Redis) Get(ctx context.Context, key string) (int64, error) {
	count, expires, ok, err := r.counter(ctx, key)
	if err != nil || !ok {
		return 0, err
	}
	if !r.clock.Now().Before(expires) {
		return 0, nil
	}
	return count, nil
}

// GetExpiry implements Storage.
func (r *Redis) GetExpiry(ctx context.Context, key string) (time.Time, error) {
	_, expires, ok, err := r.counter(ctx, key)
	if err != nil {
		return time.Time{}, err
	}
	now := r.clock.Now()
	if !ok || !now.Before(expires) {
		return now, nil
	}
	return expires, nil
}

func (r *Redis) counter(ctx context.Context, key string) (int64, time.Time, bool, error) {
	vals, err := r.client.HMGet(ctx, r.key(key), "count", "exp").Result()
	if err != nil {
		return 0, time.Time{}, false, primaryDown(err, "hmget")
	}
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return 0, time.Time{}, false, nil
	}

	count, err := cast.ToInt64E(vals[0])
	if err != nil {
		return 0, time.Time{}, false, fmt.Errorf("failed to parse 'count': %w", err)
	}
	exp, err := cast.ToInt64E(vals[1])
	if err != nil {
		return 0, time.Time{}, false, fmt.Errorf("failed to parse 'exp': %w", err)
	}
	return count, time.UnixMilli(exp), true, nil
}

// AcquireEntry implements MovingWindow.
func (r *Redis) AcquireEntry(ctx context.Context, key string, limit int64, expiry time.Duration, amount int64) (bool, error) {
	if amount > limit {
		return false, nil
	}

	now := r.clock.Now()
	res, err := r.acquire.Run(ctx, r.client, []string{r.key(key)},
		strconv.FormatInt(now.UnixMilli(), 10),
		millis(expiry),
		strconv.FormatInt(limit-amount, 10),
		strconv.FormatInt(limit-1, 10),
		strconv.FormatInt(amount, 10),
	).Result()
	if err != nil {
		return false, primaryDown(err, "acquire entry")
	}

	acquired, err := cast.ToIntE(res)
	if err != nil {
		return false, fmt.Errorf("failed to parse 'acquired': %w", err)
	}
	return acquired == 1, nil
}

// GetMovingWindow implements MovingWindow.
func (r *Redis) GetMovingWindow(ctx context.Context, key string, limit int64, expiry time.Duration) (time.Time, int64, error) {
	res, err := r.window.Run(ctx, r.client, []string{r.key(key)},
		strconv.FormatInt(r.clock.Now().UnixMilli(), 10),
		millis(expiry),
		strconv.FormatInt(limit-1, 10),
	).Result()
	if err != nil {
		return time.Time{}, 0, primaryDown(err, "get moving window")
	}

	pair, err := int64Pair(res)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("get moving window: %w", err)
	}
	return time.UnixMilli(pair[0]), pair[1], nil
}

// Clear implements Storage.
func (r *Redis) Clear(ctx context.Context, key string) error {
	return primaryDown(r.client.Del(ctx, r.key(key)).Err(), "del")
}

// Reset implements Storage. It removes every key under the storage prefix.
func (r *Redis) Reset(ctx context.Context) error {
	pattern := r.prefix + ":*"
	if cc, ok := r.client.(*redis.ClusterClient); ok {
		err := cc.ForEachMaster(ctx, func(ctx context.Context, c *redis.Client) error {
			return deleteMatching(ctx, c, pattern)
		})
		return primaryDown(err, "reset")
	}
	return primaryDown(deleteMatching(ctx, r.client, pattern), "reset")
}

func deleteMatching(ctx context.Context, c redis.Cmdable, pattern string) error {
	iter := c.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := c.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

// Check implements Storage.
func (r *Redis) Check(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: redis health check failed: %v", ErrPrimaryDown, err)
	}
	return nil
}

// Close releases the client if the storage created it.
func (r *Redis) Close() error {
	if !r.owned {
		return nil
	}
	return r.client.Close()
}

func int64Pair(res any) ([2]int64, error) {
	var out [2]int64
	slice, ok := res.([]interface{})
	if !ok || len(slice) != 2 {
		return out, errors.New("unexpected result from redis script")
	}
	for i, v := range slice {
		n, err := cast.ToInt64E(v)
		if err != nil {
			return out, fmt.Errorf("failed to parse script result %d: %w", i, err)
		}
		out[i] = n
	}
	return out, nil
}
