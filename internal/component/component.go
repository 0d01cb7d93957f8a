package component

import (
	"context"
	"time"

	"github.com/perchlabs/roost/internal/builder"
	builderdocker "github.com/perchlabs/roost/internal/builder/docker"
	"github.com/perchlabs/roost/internal/cache"
	"github.com/perchlabs/roost/internal/cache/freecache"
	cachejetstream "github.com/perchlabs/roost/internal/cache/jetstream"
	"github.com/perchlabs/roost/internal/cache/redis"
	"github.com/perchlabs/roost/internal/config"
	"github.com/perchlabs/roost/internal/db"
	"github.com/perchlabs/roost/internal/gateway"
	"github.com/perchlabs/roost/internal/gateway/kong"
	"github.com/perchlabs/roost/internal/lock"
	lockmemory "github.com/perchlabs/roost/internal/lock/memory"
	lockpostgres "github.com/perchlabs/roost/internal/lock/postgres"
	"github.com/perchlabs/roost/internal/queue"
	"github.com/perchlabs/roost/internal/queue/jetstream"
	"github.com/perchlabs/roost/internal/scheduler"
	schedulerdocker "github.com/perchlabs/roost/internal/scheduler/docker"
	"github.com/perchlabs/roost/internal/storage"
	"github.com/perchlabs/roost/internal/storage/minio"
)

func GetCache(ctx context.Context, cacheType string) (cache.Cache, error) {
	switch cacheType {
	case "redis":
		return redis.NewRedisCacheClient(ctx)
	case "jetstream":
		cfg, err := config.GetNatsCacheConfig()
		if err != nil {
			return nil, err
		}
		return cachejetstream.NewJetStreamCacheClient(*cfg)
	default:
		return freecache.NewFreeCache()
	}
}

func GetQueue(qType string) (queue.Queue, error) {
	cfg, err := config.GetNatsConfig()
	if err != nil {
		return nil, err
	}
	switch qType {
	default:
		return jetstream.NewJetStreamClient(*cfg)
	}
}

func GetStorage(storageType string) (storage.Storage, error) {
	cfg, err := config.GetMinioConfig()
	if err != nil {
		return nil, err
	}
	switch storageType {
	default:
		return minio.NewMinioClient(*cfg)
	}
}

func GetLocker(lockerType string, dbClient *db.DB) (lock.Locker, error) {
	switch lockerType {
	case "memory":
		return lockmemory.NewLocker(), nil
	default:
		return lockpostgres.NewLocker(dbClient), nil
	}
}

func GetBuilder(builderType string, store storage.Storage, buildTimeout time.Duration) (builder.Builder, error) {
	switch builderType {
	default:
		return builderdocker.NewDockerBuilder(store, buildTimeout)
	}
}

func GetScheduler(schedulerType string) (scheduler.Scheduler, error) {
	switch schedulerType {
	default:
		return schedulerdocker.NewDockerScheduler()
	}
}

func GetGateway(gatewayType string) (gateway.Admin, error) {
	cfg, err := config.GetGatewayConfig()
	if err != nil {
		return nil, err
	}
	switch gatewayType {
	default:
		return kong.NewKongAdmin(cfg.ADMIN_URL), nil
	}
}
