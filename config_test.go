package main

import (
	"strings"
	"testing"
	"time"

	"prism-sync/cache"
	"prism-sync/domain"
	"prism-sync/storage"
)

func envFrom(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(envFrom(map[string]string{
		"AUTH0_DOMAIN":   "tenant.auth0.com",
		"AUTH0_AUDIENCE": "api://prism",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ListenAddr != ":8080" || cfg.StoreBackend != backendMemory || cfg.CacheBackend != backendMemory {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.CacheTTL != cache.DefaultTTL || cfg.ReplicaTTL != storage.DefaultReplicaTTL {
		t.Fatalf("unexpected ttls: %v %v", cfg.CacheTTL, cfg.ReplicaTTL)
	}
	if cfg.PageSize != domain.DefaultPageSize || cfg.ChangesChannel != storage.DefaultChangesChannel {
		t.Fatalf("unexpected page size or channel: %d %s", cfg.PageSize, cfg.ChangesChannel)
	}
	if cfg.Debug || cfg.TestMode {
		t.Fatal("debug and test mode must be off by default")
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	cfg, err := loadConfig(envFrom(map[string]string{
		"DEBUG":                        "true",
		"FUNCTIONS_CUSTOMHANDLER_PORT": "7071",
		"STORE_BACKEND":                "Azure",
		"STORAGE_CONNECTION_STRING":    "UseDevelopmentStorage=true",
		"TASKS_TABLE":                  "Tasks",
		"TASK_EVENTS_QUEUE":            "task-events",
		"REDIS_CONNECTION_STRING":      "localhost:6379",
		"CACHE_BACKEND":                "redis",
		"CACHE_TTL":                    "90s",
		"TASKS_PAGE_SIZE":              "50",
		"AUTH0_TEST_MODE":              "1",
		"TEST_JWT_SECRET":              "secret",
		"JWKS_CACHE_TTL":               "1m",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.Debug || cfg.ListenAddr != ":7071" {
		t.Fatalf("unexpected debug/addr: %v %s", cfg.Debug, cfg.ListenAddr)
	}
	if cfg.StoreBackend != backendAzure || cfg.CacheBackend != backendRedis {
		t.Fatalf("unexpected backends: %s %s", cfg.StoreBackend, cfg.CacheBackend)
	}
	if cfg.CacheTTL != 90*time.Second || cfg.PageSize != 50 || cfg.JWKSCacheTTL != time.Minute {
		t.Fatalf("unexpected parsed values: %+v", cfg)
	}
	if !cfg.TestMode || cfg.TestSecret != "secret" {
		t.Fatal("expected test mode with secret")
	}
}

func TestListenAddrWinsOverFunctionsPort(t *testing.T) {
	cfg, err := loadConfig(envFrom(map[string]string{
		"LISTEN_ADDR":                  "127.0.0.1:9000",
		"FUNCTIONS_CUSTOMHANDLER_PORT": "7071",
		"AUTH0_TEST_MODE":              "1",
		"TEST_JWT_SECRET":              "s",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:9000" {
		t.Fatalf("unexpected addr %s", cfg.ListenAddr)
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	base := map[string]string{"AUTH0_TEST_MODE": "1", "TEST_JWT_SECRET": "s"}
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{name: "bad debug", env: map[string]string{"DEBUG": "maybe"}, wantErr: "DEBUG"},
		{name: "unknown store", env: map[string]string{"STORE_BACKEND": "cosmos"}, wantErr: "STORE_BACKEND"},
		{name: "unknown cache", env: map[string]string{"CACHE_BACKEND": "disk"}, wantErr: "CACHE_BACKEND"},
		{name: "bad ttl", env: map[string]string{"CACHE_TTL": "soon"}, wantErr: "CACHE_TTL"},
		{name: "negative ttl", env: map[string]string{"REPLICA_TTL": "-1h"}, wantErr: "REPLICA_TTL"},
		{name: "page size zero", env: map[string]string{"TASKS_PAGE_SIZE": "0"}, wantErr: "TASKS_PAGE_SIZE"},
		{name: "page size too big", env: map[string]string{"TASKS_PAGE_SIZE": "501"}, wantErr: "TASKS_PAGE_SIZE"},
		{name: "azure without table", env: map[string]string{"STORE_BACKEND": "azure", "STORAGE_CONNECTION_STRING": "x", "REDIS_CONNECTION_STRING": "r"}, wantErr: "storage"},
		{name: "azure without redis", env: map[string]string{"STORE_BACKEND": "azure", "STORAGE_CONNECTION_STRING": "x", "TASKS_TABLE": "t"}, wantErr: "redis"},
		{name: "redis cache without redis", env: map[string]string{"CACHE_BACKEND": "redis"}, wantErr: "redis"},
		{name: "queue without storage", env: map[string]string{"TASK_EVENTS_QUEUE": "q"}, wantErr: "TASK_EVENTS_QUEUE"},
		{name: "test mode without secret", env: map[string]string{"TEST_JWT_SECRET": ""}, wantErr: "TEST_JWT_SECRET"},
		{name: "missing auth0", env: map[string]string{"AUTH0_TEST_MODE": ""}, wantErr: "Auth0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := map[string]string{}
			for k, v := range base {
				env[k] = v
			}
			for k, v := range tt.env {
				env[k] = v
			}
			_, err := loadConfig(envFrom(env))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error mentioning %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestRedisOptions(t *testing.T) {
	opts := redisOptions("redis://:pw@localhost:6380/2")
	if opts.Addr != "localhost:6380" || opts.Password != "pw" || opts.DB != 2 {
		t.Fatalf("unexpected url options: %+v", opts)
	}

	opts = redisOptions("prism.redis.cache.windows.net:6380,password=secret,ssl=True,abortConnect=False")
	if opts.Addr != "prism.redis.cache.windows.net:6380" || opts.Password != "secret" {
		t.Fatalf("unexpected azure options: %+v", opts)
	}
	if opts.TLSConfig == nil {
		t.Fatal("expected TLS to be enabled")
	}

	opts = redisOptions("localhost:6379")
	if opts.Addr != "localhost:6379" || opts.TLSConfig != nil {
		t.Fatalf("unexpected plain options: %+v", opts)
	}
}
