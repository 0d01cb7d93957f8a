//go:build integration
// +build integration

package redis

import (
	"context"
	"flag"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	infra "github.com/perchlabs/roost/tests/integration_test/infra/redis"
)

var (
	redisContainer testcontainers.Container
	REDIS_ENDPOINT string
)

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		fmt.Println("skipping integration tests")
		os.Exit(0)
	}

	ctx := context.Background()
	redisContainer, REDIS_ENDPOINT = infra.SetupContainer(ctx)

	code := m.Run()
	_ = redisContainer.Terminate(ctx)
	os.Exit(code)
}

func setRedisEnv() {
	os.Setenv("REDIS_ENDPOINT", REDIS_ENDPOINT)
	os.Setenv("REDIS_TTL", "2")
}

func TestNewRedisCacheClient(t *testing.T) {
	tests := []struct {
		name      string
		unsetEnv  string
		expectErr bool
	}{
		{"All env set succeeds", "", false},
		{"Missing REDIS_ENDPOINT fails", "REDIS_ENDPOINT", true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			setRedisEnv()
			if tt.unsetEnv != "" {
				os.Unsetenv(tt.unsetEnv)
			}

			client, err := NewRedisCacheClient(context.Background())
			if tt.expectErr {
				require.Error(t, err)
				require.Nil(t, client)
			} else {
				require.NoError(t, err)
				require.NotNil(t, client)
				require.Equal(t, 2, client.GetDefaultTTL())
			}
		})
	}
}

func TestRedisClient_PutGet(t *testing.T) {
	setRedisEnv()

	ctx := context.Background()
	c, err := NewRedisCacheClient(ctx)
	require.NoError(t, err)
	defer c.Shutdown(ctx)

	type record struct {
		Status string
		Detail string
	}

	tests := []struct {
		name      string
		key       string
		value     interface{}
		expectErr bool
	}{
		{"Empty key fails", "", "value", true},
		{"Nil value fails", "nil_val", nil, true},
		{"String roundtrip", "build:echo", "SUCCEEDED", false},
		{"Struct roundtrip", "deployment:echo", record{Status: "RUNNING", Detail: ""}, false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			err := c.Put(ctx, tt.key, tt.value, c.GetDefaultTTL())
			if tt.expectErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)

			switch want := tt.value.(type) {
			case string:
				var got string
				require.NoError(t, c.Get(ctx, tt.key, &got))
				require.Equal(t, want, got)
			case record:
				var got record
				require.NoError(t, c.Get(ctx, tt.key, &got))
				require.Equal(t, want, got)
			}
		})
	}
}

func TestRedisClient_GetMissingKey(t *testing.T) {
	setRedisEnv()

	ctx := context.Background()
	c, err := NewRedisCacheClient(ctx)
	require.NoError(t, err)
	defer c.Shutdown(ctx)

	var out string
	require.Error(t, c.Get(ctx, "missing", &out))
}

func TestRedisClient_TTLExpiry(t *testing.T) {
	setRedisEnv()

	ctx := context.Background()
	c, err := NewRedisCacheClient(ctx)
	require.NoError(t, err)
	defer c.Shutdown(ctx)

	ttl := c.GetDefaultTTL()
	require.Equal(t, 2, ttl)

	require.NoError(t, c.Put(ctx, "temp", "shortlived", ttl))

	var out string
	require.NoError(t, c.Get(ctx, "temp", &out))
	require.Equal(t, "shortlived", out)

	time.Sleep(time.Duration(ttl+1) * time.Second)
	require.Error(t, c.Get(ctx, "temp", &out))
}

func TestRedisClient_Shutdown(t *testing.T) {
	setRedisEnv()

	ctx := context.Background()
	c, err := NewRedisCacheClient(ctx)
	require.NoError(t, err)

	require.NoError(t, c.Put(ctx, "key1", "value1", c.GetDefaultTTL()))

	c.Shutdown(ctx)

	var out string
	require.Error(t, c.Get(ctx, "key1", &out))
}
