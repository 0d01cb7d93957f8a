package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type NatsConfig struct {
	URL                string
	VISIBILITY_SECONDS int
	MAX_DELIVER        int
}

type NatsCacheConfig struct {
	URL               string
	BUCKET_NAME       string
	BUCKET_SIZE_BYTES int
	TTL               int
}

type RedisConfig struct {
	TTL            int
	ClientPassword string
	URL            string
}

type FreeCacheConfig struct {
	SIZE_BYTES int
	TTL        int
}

type MinioConfig struct {
	URL         string
	JOBS_BUCKET string
	ACCESS_KEY  string
	SECRET_KEY  string
	USE_SSL     bool
}

type PostgresConfig struct {
	URL string
}

type WorkerConfig struct {
	CONSUMER_NAME          string
	MAX_ATTEMPTS           int
	LEASE_TTL_SECONDS      int
	BUILD_TIMEOUT_SECONDS  int
	HEALTH_TIMEOUT_SECONDS int
	POLL_BASE_MILLIS       int
	DEFAULT_AGENT_PORT     int
	REGISTRY_URL           string
}

type ReconcilerConfig struct {
	INTERVAL_SECONDS     int
	GRACE_WINDOW_SECONDS int
	PROTECTED_ROUTES     []string
}

type GatewayConfig struct {
	ADMIN_URL string
}

type Config struct {
	SERVICE_NAME   string
	TRACE_URL      string
	CACHE_TYPE     string
	QUEUE_TYPE     string
	STORAGE_TYPE   string
	BUILDER_TYPE   string
	SCHEDULER_TYPE string
	LOCKER_TYPE    string
	GATEWAY_TYPE   string
}

func env(key string) string {
	v := os.Getenv(key)
	return v
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func convertStringToInt(s string, key string) (int, error) {
	sInt, err := strconv.Atoi(s)
	if err != nil {
		return -1, fmt.Errorf("error initializing config with key: %s, err: %v", key, err)
	}
	return sInt, nil
}

func GetNatsConfig() (*NatsConfig, error) {
	url := env("JETSTREAM_URL")
	if url == "" {
		return nil, fmt.Errorf("KEY: JETSTREAM_URL is empty")
	}
	vt, err := convertStringToInt(envOrDefault("JETSTREAM_VISIBILITY_SECONDS", "60"), "JETSTREAM_VISIBILITY_SECONDS")
	if err != nil {
		return nil, err
	}
	md, err := convertStringToInt(envOrDefault("JETSTREAM_MAX_DELIVER", "5"), "JETSTREAM_MAX_DELIVER")
	if err != nil {
		return nil, err
	}
	return &NatsConfig{
		URL:                url,
		VISIBILITY_SECONDS: vt,
		MAX_DELIVER:        md,
	}, nil
}

func GetNatsCacheConfig() (*NatsCacheConfig, error) {
	url := env("JETSTREAM_URL")
	if url == "" {
		return nil, fmt.Errorf("KEY: JETSTREAM_URL is empty")
	}
	bn := envOrDefault("JETSTREAM_CACHE_BUCKET", "roost-status")
	bs, err := convertStringToInt(envOrDefault("JETSTREAM_CACHE_SIZE_BYTES", "33554432"), "JETSTREAM_CACHE_SIZE_BYTES")
	if err != nil {
		return nil, err
	}
	ttl, err := convertStringToInt(envOrDefault("JETSTREAM_CACHE_TTL", "86400"), "JETSTREAM_CACHE_TTL")
	if err != nil {
		return nil, err
	}
	return &NatsCacheConfig{
		URL:               url,
		BUCKET_NAME:       bn,
		BUCKET_SIZE_BYTES: bs,
		TTL:               ttl,
	}, nil
}

func GetRedisConfig() (*RedisConfig, error) {
	ttl, err := convertStringToInt(envOrDefault("REDIS_TTL", "86400"), "REDIS_TTL")
	if err != nil {
		return nil, err
	}

	url := env("REDIS_ENDPOINT")
	if url == "" {
		return nil, fmt.Errorf("KEY: REDIS_ENDPOINT is empty")
	}

	return &RedisConfig{
		TTL:            ttl,
		ClientPassword: env("REDIS_CLIENT_PASSWORD"),
		URL:            url,
	}, nil
}

func GetFreeCacheConfig() (*FreeCacheConfig, error) {
	ttl, err := convertStringToInt(envOrDefault("FREECACHE_TTL", "300"), "FREECACHE_TTL")
	if err != nil {
		return nil, err
	}
	fs, err := convertStringToInt(envOrDefault("FREECACHE_SIZE", "33554432"), "FREECACHE_SIZE")
	if err != nil {
		return nil, err
	}
	return &FreeCacheConfig{
		TTL:        ttl,
		SIZE_BYTES: fs,
	}, nil
}

func GetPostgresConfig() (*PostgresConfig, error) {
	url := env("POSTGRES_URL")
	if url == "" {
		return nil, fmt.Errorf("KEY: POSTGRES_URL is empty")
	}
	return &PostgresConfig{
		URL: url,
	}, nil
}

func GetMinioConfig() (*MinioConfig, error) {
	url := env("MINIO_ENDPOINT")
	if url == "" {
		return nil, fmt.Errorf("KEY: MINIO_ENDPOINT is empty")
	}

	jb := env("MINIO_JOBS_BUCKET")
	if jb == "" {
		return nil, fmt.Errorf("KEY: MINIO_JOBS_BUCKET is empty")
	}

	ssl := envOrDefault("MINIO_USE_SSL", "false")
	if ssl != "true" && ssl != "false" {
		return nil, fmt.Errorf("KEY: MINIO_USE_SSL is invalid")
	}

	ak := env("MINIO_ACCESS_KEY")
	if ak == "" {
		return nil, fmt.Errorf("KEY: MINIO_ACCESS_KEY is empty")
	}

	sk := env("MINIO_SECRET_KEY")
	if sk == "" {
		return nil, fmt.Errorf("KEY: MINIO_SECRET_KEY is empty")
	}

	return &MinioConfig{
		URL:         url,
		JOBS_BUCKET: jb,
		USE_SSL:     ssl == "true",
		ACCESS_KEY:  ak,
		SECRET_KEY:  sk,
	}, nil
}

func GetWorkerConfig() (*WorkerConfig, error) {
	cn := env("WORKER_CONSUMER_NAME")
	if cn == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("KEY: WORKER_CONSUMER_NAME is empty and hostname lookup failed: %v", err)
		}
		cn = hostname
	}
	ru := env("REGISTRY_URL")
	if ru == "" {
		return nil, fmt.Errorf("KEY: REGISTRY_URL is empty")
	}
	ma, err := convertStringToInt(envOrDefault("WORKER_MAX_ATTEMPTS", "5"), "WORKER_MAX_ATTEMPTS")
	if err != nil {
		return nil, err
	}
	lt, err := convertStringToInt(envOrDefault("WORKER_LEASE_TTL_SECONDS", "600"), "WORKER_LEASE_TTL_SECONDS")
	if err != nil {
		return nil, err
	}
	bt, err := convertStringToInt(envOrDefault("WORKER_BUILD_TIMEOUT_SECONDS", "600"), "WORKER_BUILD_TIMEOUT_SECONDS")
	if err != nil {
		return nil, err
	}
	ht, err := convertStringToInt(envOrDefault("WORKER_HEALTH_TIMEOUT_SECONDS", "120"), "WORKER_HEALTH_TIMEOUT_SECONDS")
	if err != nil {
		return nil, err
	}
	pb, err := convertStringToInt(envOrDefault("WORKER_POLL_BASE_MILLIS", "5000"), "WORKER_POLL_BASE_MILLIS")
	if err != nil {
		return nil, err
	}
	dp, err := convertStringToInt(envOrDefault("DEFAULT_AGENT_PORT", "5000"), "DEFAULT_AGENT_PORT")
	if err != nil {
		return nil, err
	}
	return &WorkerConfig{
		CONSUMER_NAME:          cn,
		MAX_ATTEMPTS:           ma,
		LEASE_TTL_SECONDS:      lt,
		BUILD_TIMEOUT_SECONDS:  bt,
		HEALTH_TIMEOUT_SECONDS: ht,
		POLL_BASE_MILLIS:       pb,
		DEFAULT_AGENT_PORT:     dp,
		REGISTRY_URL:           ru,
	}, nil
}

func GetReconcilerConfig() (*ReconcilerConfig, error) {
	iv, err := convertStringToInt(envOrDefault("RECONCILE_INTERVAL_SECONDS", "30"), "RECONCILE_INTERVAL_SECONDS")
	if err != nil {
		return nil, err
	}
	gw, err := convertStringToInt(envOrDefault("RECONCILE_GRACE_WINDOW_SECONDS", "60"), "RECONCILE_GRACE_WINDOW_SECONDS")
	if err != nil {
		return nil, err
	}
	var protected []string
	for _, r := range strings.Split(env("RECONCILE_PROTECTED_ROUTES"), ",") {
		if r = strings.TrimSpace(r); r != "" {
			protected = append(protected, r)
		}
	}
	return &ReconcilerConfig{
		INTERVAL_SECONDS:     iv,
		GRACE_WINDOW_SECONDS: gw,
		PROTECTED_ROUTES:     protected,
	}, nil
}

func GetGatewayConfig() (*GatewayConfig, error) {
	au := env("GATEWAY_ADMIN_URL")
	if au == "" {
		return nil, fmt.Errorf("KEY: GATEWAY_ADMIN_URL is empty")
	}
	return &GatewayConfig{
		ADMIN_URL: au,
	}, nil
}

func GetConfig() (*Config, error) {
	sn := env("SERVICE_NAME")
	if sn == "" {
		return nil, fmt.Errorf("KEY: SERVICE_NAME is empty")
	}
	turl := env("TRACE_URL")
	ct := env("CACHE_TYPE")
	if ct == "" {
		return nil, fmt.Errorf("KEY: CACHE_TYPE is empty")
	}
	qt := env("QUEUE_TYPE")
	if qt == "" {
		return nil, fmt.Errorf("KEY: QUEUE_TYPE is empty")
	}
	st := env("STORAGE_TYPE")
	if st == "" {
		return nil, fmt.Errorf("KEY: STORAGE_TYPE is empty")
	}
	bt := env("BUILDER_TYPE")
	if bt == "" {
		return nil, fmt.Errorf("KEY: BUILDER_TYPE is empty")
	}
	sst := env("SCHEDULER_TYPE")
	if sst == "" {
		return nil, fmt.Errorf("KEY: SCHEDULER_TYPE is empty")
	}
	return &Config{
		SERVICE_NAME:   sn,
		TRACE_URL:      turl,
		CACHE_TYPE:     ct,
		QUEUE_TYPE:     qt,
		STORAGE_TYPE:   st,
		BUILDER_TYPE:   bt,
		SCHEDULER_TYPE: sst,
		LOCKER_TYPE:    envOrDefault("LOCKER_TYPE", "postgres"),
		GATEWAY_TYPE:   envOrDefault("GATEWAY_TYPE", "kong"),
	}, nil
}
