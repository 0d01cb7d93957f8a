package freecache

import (
	"context"
	"fmt"

	"github.com/coocood/freecache"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/perchlabs/roost/internal/cache"
	"github.com/perchlabs/roost/internal/config"
)

type FreeCacheClient struct {
	client *freecache.Cache
	ttl    int
}

func NewFreeCache() (cache.Cache, error) {
	cfg, err := config.GetFreeCacheConfig()
	if err != nil {
		return nil, err
	}
	return &FreeCacheClient{
		client: freecache.NewCache(cfg.SIZE_BYTES),
		ttl:    cfg.TTL,
	}, nil
}

func (f *FreeCacheClient) Put(_ context.Context, key string, value interface{}, ttl int) error {
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}
	if value == nil {
		return fmt.Errorf("value cannot be nil")
	}
	b, err := msgpack.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value for key %s: %w", key, err)
	}
	return f.client.Set([]byte(key), b, ttl)
}

// value must be non-nil pointer to destination type
func (f *FreeCacheClient) Get(_ context.Context, key string, value interface{}) error {
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}
	b, err := f.client.Get([]byte(key))
	if err != nil {
		return fmt.Errorf("failed to retrieve value for key %s: %w", key, err)
	}
	if err := msgpack.Unmarshal(b, value); err != nil {
		return fmt.Errorf("failed to unmarshal value for key %s: %w", key, err)
	}
	return nil
}

func (f *FreeCacheClient) GetDefaultTTL() int {
	return f.ttl
}

func (f *FreeCacheClient) Shutdown(ctx context.Context) {
	f.client.Clear()
}
