package config

import (
	"os"
	"reflect"
	"testing"
)

func withEnv(t *testing.T, envs map[string]string) {
	t.Helper()

	original := make(map[string]string)
	for k := range envs {
		original[k] = os.Getenv(k)
	}

	for k, v := range envs {
		_ = os.Setenv(k, v)
	}

	t.Cleanup(func() {
		for k, v := range original {
			if v == "" {
				_ = os.Unsetenv(k)
			} else {
				_ = os.Setenv(k, v)
			}
		}
	})
}

func TestGetNatsConfig(t *testing.T) {
	tests := []struct {
		name      string
		envs      map[string]string
		expected  *NatsConfig
		shouldErr bool
	}{
		{
			name: "valid nats config with defaults",
			envs: map[string]string{
				"JETSTREAM_URL":                "nats://localhost:4222",
				"JETSTREAM_VISIBILITY_SECONDS": "",
				"JETSTREAM_MAX_DELIVER":        "",
			},
			expected: &NatsConfig{
				URL:                "nats://localhost:4222",
				VISIBILITY_SECONDS: 60,
				MAX_DELIVER:        5,
			},
		},
		{
			name: "overridden delivery settings",
			envs: map[string]string{
				"JETSTREAM_URL":                "nats://localhost:4222",
				"JETSTREAM_VISIBILITY_SECONDS": "30",
				"JETSTREAM_MAX_DELIVER":        "3",
			},
			expected: &NatsConfig{
				URL:                "nats://localhost:4222",
				VISIBILITY_SECONDS: 30,
				MAX_DELIVER:        3,
			},
		},
		{
			name:      "invalid nats config: missing url",
			envs:      map[string]string{"JETSTREAM_URL": ""},
			shouldErr: true,
		},
		{
			name: "invalid nats config: bad visibility",
			envs: map[string]string{
				"JETSTREAM_URL":                "nats://localhost:4222",
				"JETSTREAM_VISIBILITY_SECONDS": "soon",
			},
			shouldErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withEnv(t, tt.envs)

			cfg, err := GetNatsConfig()
			if tt.shouldErr {
				if err == nil {
					t.Fatalf("expected error, got nil")
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if !reflect.DeepEqual(cfg, tt.expected) {
				t.Fatalf("got %+v, want %+v", cfg, tt.expected)
			}
		})
	}
}

func TestGetMinioConfig(t *testing.T) {
	valid := map[string]string{
		"MINIO_ENDPOINT":    "localhost:9000",
		"MINIO_JOBS_BUCKET": "jobs",
		"MINIO_ACCESS_KEY":  "minioadmin",
		"MINIO_SECRET_KEY":  "minioadmin",
		"MINIO_USE_SSL":     "false",
	}

	tests := []struct {
		name      string
		override  map[string]string
		expected  *MinioConfig
		shouldErr bool
	}{
		{
			name: "valid minio config",
			expected: &MinioConfig{
				URL:         "localhost:9000",
				JOBS_BUCKET: "jobs",
				ACCESS_KEY:  "minioadmin",
				SECRET_KEY:  "minioadmin",
				USE_SSL:     false,
			},
		},
		{
			name:      "missing endpoint",
			override:  map[string]string{"MINIO_ENDPOINT": ""},
			shouldErr: true,
		},
		{
			name:      "missing bucket",
			override:  map[string]string{"MINIO_JOBS_BUCKET": ""},
			shouldErr: true,
		},
		{
			name:      "invalid ssl flag",
			override:  map[string]string{"MINIO_USE_SSL": "maybe"},
			shouldErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			envs := make(map[string]string, len(valid))
			for k, v := range valid {
				envs[k] = v
			}
			for k, v := range tt.override {
				envs[k] = v
			}
			withEnv(t, envs)

			cfg, err := GetMinioConfig()
			if tt.shouldErr {
				if err == nil {
					t.Fatalf("expected error, got nil")
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if !reflect.DeepEqual(cfg, tt.expected) {
				t.Fatalf("got %+v, want %+v", cfg, tt.expected)
			}
		})
	}
}

func TestGetWorkerConfig(t *testing.T) {
	tests := []struct {
		name      string
		envs      map[string]string
		expected  *WorkerConfig
		shouldErr bool
	}{
		{
			name: "defaults applied",
			envs: map[string]string{
				"WORKER_CONSUMER_NAME":          "worker-1",
				"REGISTRY_URL":                  "registry.local:5000",
				"WORKER_MAX_ATTEMPTS":           "",
				"WORKER_LEASE_TTL_SECONDS":      "",
				"WORKER_BUILD_TIMEOUT_SECONDS":  "",
				"WORKER_HEALTH_TIMEOUT_SECONDS": "",
				"WORKER_POLL_BASE_MILLIS":       "",
				"DEFAULT_AGENT_PORT":            "",
			},
			expected: &WorkerConfig{
				CONSUMER_NAME:          "worker-1",
				MAX_ATTEMPTS:           5,
				LEASE_TTL_SECONDS:      600,
				BUILD_TIMEOUT_SECONDS:  600,
				HEALTH_TIMEOUT_SECONDS: 120,
				POLL_BASE_MILLIS:       5000,
				DEFAULT_AGENT_PORT:     5000,
				REGISTRY_URL:           "registry.local:5000",
			},
		},
		{
			name: "missing registry url",
			envs: map[string]string{
				"WORKER_CONSUMER_NAME": "worker-1",
				"REGISTRY_URL":         "",
			},
			shouldErr: true,
		},
		{
			name: "invalid max attempts",
			envs: map[string]string{
				"WORKER_CONSUMER_NAME": "worker-1",
				"REGISTRY_URL":         "registry.local:5000",
				"WORKER_MAX_ATTEMPTS":  "lots",
			},
			shouldErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withEnv(t, tt.envs)

			cfg, err := GetWorkerConfig()
			if tt.shouldErr {
				if err == nil {
					t.Fatalf("expected error, got nil")
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if !reflect.DeepEqual(cfg, tt.expected) {
				t.Fatalf("got %+v, want %+v", cfg, tt.expected)
			}
		})
	}
}

func TestGetReconcilerConfig(t *testing.T) {
	tests := []struct {
		name      string
		envs      map[string]string
		expected  *ReconcilerConfig
		shouldErr bool
	}{
		{
			name: "defaults applied",
			envs: map[string]string{
				"RECONCILE_INTERVAL_SECONDS":     "",
				"RECONCILE_GRACE_WINDOW_SECONDS": "",
				"RECONCILE_PROTECTED_ROUTES":     "",
			},
			expected: &ReconcilerConfig{
				INTERVAL_SECONDS:     30,
				GRACE_WINDOW_SECONDS: 60,
			},
		},
		{
			name: "protected routes parsed and trimmed",
			envs: map[string]string{
				"RECONCILE_INTERVAL_SECONDS":     "10",
				"RECONCILE_GRACE_WINDOW_SECONDS": "120",
				"RECONCILE_PROTECTED_ROUTES":     "legacy-proxy, admin-ui,",
			},
			expected: &ReconcilerConfig{
				INTERVAL_SECONDS:     10,
				GRACE_WINDOW_SECONDS: 120,
				PROTECTED_ROUTES:     []string{"legacy-proxy", "admin-ui"},
			},
		},
		{
			name: "invalid interval",
			envs: map[string]string{
				"RECONCILE_INTERVAL_SECONDS": "often",
			},
			shouldErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withEnv(t, tt.envs)

			cfg, err := GetReconcilerConfig()
			if tt.shouldErr {
				if err == nil {
					t.Fatalf("expected error, got nil")
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if !reflect.DeepEqual(cfg, tt.expected) {
				t.Fatalf("got %+v, want %+v", cfg, tt.expected)
			}
		})
	}
}

func TestGetConfig(t *testing.T) {
	valid := map[string]string{
		"SERVICE_NAME":   "roost-server",
		"TRACE_URL":      "",
		"CACHE_TYPE":     "redis",
		"QUEUE_TYPE":     "jetstream",
		"STORAGE_TYPE":   "minio",
		"BUILDER_TYPE":   "docker",
		"SCHEDULER_TYPE": "docker",
		"LOCKER_TYPE":    "",
		"GATEWAY_TYPE":   "",
	}

	t.Run("valid config with defaults", func(t *testing.T) {
		withEnv(t, valid)

		cfg, err := GetConfig()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.LOCKER_TYPE != "postgres" {
			t.Fatalf("got locker type %q, want postgres", cfg.LOCKER_TYPE)
		}
		if cfg.GATEWAY_TYPE != "kong" {
			t.Fatalf("got gateway type %q, want kong", cfg.GATEWAY_TYPE)
		}
	})

	t.Run("missing service name", func(t *testing.T) {
		envs := make(map[string]string, len(valid))
		for k, v := range valid {
			envs[k] = v
		}
		envs["SERVICE_NAME"] = ""
		withEnv(t, envs)

		if _, err := GetConfig(); err == nil {
			t.Fatalf("expected error, got nil")
		}
	})
}
