package jetstream

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/vmihailenco/msgpack/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/perchlabs/roost/internal/agent_tracer"
	"github.com/perchlabs/roost/internal/cache"
	"github.com/perchlabs/roost/internal/config"
	"github.com/perchlabs/roost/internal/logger"
	"github.com/perchlabs/roost/internal/util"
)

// JetStreamCacheClient backs the status cache with a NATS object store, for
// deployments that already run NATS and want to skip Redis.
type JetStreamCacheClient struct {
	connection *nats.Conn
	bucket     nats.ObjectStore
	ttl        int
}

func NewJetStreamCacheClient(cfg config.NatsCacheConfig) (cache.Cache, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Name("roost-cache"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get jetstream context: %w", err)
	}

	bucket, err := createOrGetObjectStore(js, cfg.BUCKET_NAME, cfg.TTL, cfg.BUCKET_SIZE_BYTES)
	if err != nil {
		nc.Close()
		return nil, err
	}

	return &JetStreamCacheClient{
		connection: nc,
		bucket:     bucket,
		ttl:        cfg.TTL,
	}, nil
}

func (j *JetStreamCacheClient) Put(ctx context.Context, key string, value interface{}, ttl int) error {
	tracer := agent_tracer.GetTracer()
	_, span := tracer.Start(ctx, "Nats/Put")
	defer span.End()

	if key == "" {
		err := fmt.Errorf("key cannot be empty")
		util.RecordSpanError(span, err)
		return err
	}
	span.AddEvent("nats.context",
		trace.WithAttributes(attribute.String("key", key)),
	)

	if value == nil {
		err := fmt.Errorf("value cannot be nil")
		util.RecordSpanError(span, err)
		return err
	}

	b, err := msgpack.Marshal(value)
	if err != nil {
		err := fmt.Errorf("failed to marshal value for key %s: %w", key, err)
		util.RecordSpanError(span, err)
		return err
	}

	if _, err := j.bucket.PutBytes(key, b); err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	return nil
}

// value must be non-nil pointer to destination type
func (j *JetStreamCacheClient) Get(ctx context.Context, key string, value interface{}) error {
	tracer := agent_tracer.GetTracer()
	_, span := tracer.Start(ctx, "Nats/Get")
	defer span.End()

	if key == "" {
		err := fmt.Errorf("key cannot be empty")
		util.RecordSpanError(span, err)
		return err
	}
	span.AddEvent("nats.context",
		trace.WithAttributes(attribute.String("key", key)),
	)

	b, err := j.bucket.GetBytes(key)
	if err != nil {
		err := fmt.Errorf("failed to retrieve value for key %s: %w", key, err)
		util.RecordSpanError(span, err)
		return err
	}
	if err := msgpack.Unmarshal(b, value); err != nil {
		err := fmt.Errorf("failed to unmarshal value for key %s: %w", key, err)
		util.RecordSpanError(span, err)
		return err
	}
	return nil
}

func (j *JetStreamCacheClient) GetDefaultTTL() int {
	return j.ttl
}

func (j *JetStreamCacheClient) Shutdown(ctx context.Context) {
	done := make(chan struct{})
	j.connection.SetClosedHandler(func(_ *nats.Conn) {
		close(done)
	})

	if err := j.connection.Drain(); err != nil {
		logger.Log.Err(err).Msg("unable to drain nats connection")
	}

	select {
	case <-done:
	case <-ctx.Done():
		j.connection.Close()
	}
}

func createOrGetObjectStore(js nats.JetStreamContext, bucket string, ttlSeconds, bucketSizeBytes int) (nats.ObjectStore, error) {
	os, err := js.ObjectStore(bucket)
	if err == nil {
		return os, nil
	}
	if err != nats.ErrStreamNotFound {
		return nil, fmt.Errorf("error retrieving nats bucket instance: %v", err)
	}

	os, err = js.CreateObjectStore(&nats.ObjectStoreConfig{
		Bucket:      bucket,
		Description: "agent status cache",
		TTL:         time.Duration(ttlSeconds) * time.Second,
		MaxBytes:    int64(bucketSizeBytes),
		Storage:     nats.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create nats bucket: %v", err)
	}
	return os, nil
}
