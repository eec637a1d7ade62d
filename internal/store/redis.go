package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisKeyPrefix = "convoy:"

// Redis stores each bucket as a hash under a prefixed key.
type Redis struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewRedis connects to Redis using a redis:// URL and verifies the
// connection with a ping.
func NewRedis(url string, logger *zap.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	logger.Info("Redis connected")
	return &Redis{rdb: rdb, logger: logger}, nil
}

func (r *Redis) Put(ctx context.Context, bucket, key string, val []byte) error {
	if err := r.rdb.HSet(ctx, redisKeyPrefix+bucket, key, val).Err(); err != nil {
		return fmt.Errorf("redis put %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	val, err := r.rdb.HGet(ctx, redisKeyPrefix+bucket, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s/%s", ErrKeyNotFound, bucket, key)
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s/%s: %w", bucket, key, err)
	}
	return val, nil
}

func (r *Redis) List(ctx context.Context, bucket string) (map[string][]byte, error) {
	all, err := r.rdb.HGetAll(ctx, redisKeyPrefix+bucket).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list %s: %w", bucket, err)
	}
	out := make(map[string][]byte, len(all))
	for k, v := range all {
		out[k] = []byte(v)
	}
	return out, nil
}

func (r *Redis) Delete(ctx context.Context, bucket, key string) error {
	if err := r.rdb.HDel(ctx, redisKeyPrefix+bucket, key).Err(); err != nil {
		return fmt.Errorf("redis delete %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
