package store

import (
	"context"
	"errors"
)

// Buckets used by the orchestrator for snapshot persistence.
const (
	BucketTasks    = "tasks"
	BucketResults  = "results"
	BucketContexts = "contexts"
)

var ErrKeyNotFound = errors.New("key not found")

// KV is the persistence capability the orchestration core requires:
// bucketed read/write/enumerate of opaque values. Implementations decide
// the engine; callers never see engine-specific types.
type KV interface {
	Put(ctx context.Context, bucket, key string, val []byte) error
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	List(ctx context.Context, bucket string) (map[string][]byte, error)
	Delete(ctx context.Context, bucket, key string) error
	Close() error
}
