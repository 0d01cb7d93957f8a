package cache

import "context"

type Cache interface {
	Put(ctx context.Context, key string, value interface{}, ttl int) error
	Get(ctx context.Context, key string, value interface{}) error
	GetDefaultTTL() int
	Shutdown(ctx context.Context)
}
