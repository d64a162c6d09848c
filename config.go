package main

import (
	"crypto/tls"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"prism-sync/cache"
	"prism-sync/domain"
	"prism-sync/storage"
)

const (
	backendMemory = "memory"
	backendAzure  = "azure"
	backendRedis  = "redis"
)

type config struct {
	Debug      bool
	ListenAddr string

	StoreBackend   string
	StorageConn    string
	TasksTable     string
	EventsQueue    string
	RedisConn      string
	ChangesChannel string
	ReplicaTTL     time.Duration

	CacheBackend string
	CacheTTL     time.Duration
	PageSize     int

	Auth0Domain   string
	Auth0Audience string
	TestMode      bool
	TestSecret    string
	JWKSCacheTTL  time.Duration
}

// loadConfig reads the service configuration from getenv.
func loadConfig(getenv func(string) string) (config, error) {
	cfg := config{
		ListenAddr:     ":8080",
		StoreBackend:   backendMemory,
		CacheBackend:   backendMemory,
		ChangesChannel: storage.DefaultChangesChannel,
		ReplicaTTL:     storage.DefaultReplicaTTL,
		CacheTTL:       cache.DefaultTTL,
		PageSize:       domain.DefaultPageSize,
		StorageConn:    getenv("STORAGE_CONNECTION_STRING"),
		TasksTable:     getenv("TASKS_TABLE"),
		EventsQueue:    getenv("TASK_EVENTS_QUEUE"),
		RedisConn:      getenv("REDIS_CONNECTION_STRING"),
		Auth0Domain:    getenv("AUTH0_DOMAIN"),
		Auth0Audience:  getenv("AUTH0_AUDIENCE"),
		TestMode:       getenv("AUTH0_TEST_MODE") == "1",
		TestSecret:     getenv("TEST_JWT_SECRET"),
	}

	if v := getenv("DEBUG"); v != "" {
		dbg, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid DEBUG: %w", err)
		}
		cfg.Debug = dbg
	}
	if v := getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	} else if port := getenv("FUNCTIONS_CUSTOMHANDLER_PORT"); port != "" {
		cfg.ListenAddr = ":" + port
	}
	if v := getenv("TASK_CHANGES_CHANNEL"); v != "" {
		cfg.ChangesChannel = v
	}

	var err error
	if cfg.StoreBackend, err = oneOf(getenv, "STORE_BACKEND", cfg.StoreBackend, backendMemory, backendAzure); err != nil {
		return cfg, err
	}
	if cfg.CacheBackend, err = oneOf(getenv, "CACHE_BACKEND", cfg.CacheBackend, backendMemory, backendRedis); err != nil {
		return cfg, err
	}
	if cfg.CacheTTL, err = positiveDuration(getenv, "CACHE_TTL", cfg.CacheTTL); err != nil {
		return cfg, err
	}
	if cfg.ReplicaTTL, err = positiveDuration(getenv, "REPLICA_TTL", cfg.ReplicaTTL); err != nil {
		return cfg, err
	}
	if cfg.JWKSCacheTTL, err = positiveDuration(getenv, "JWKS_CACHE_TTL", 0); err != nil {
		return cfg, err
	}
	if v := getenv("TASKS_PAGE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid TASKS_PAGE_SIZE: %w", err)
		}
		if n <= 0 || n > domain.MaxPageSize {
			return cfg, fmt.Errorf("invalid TASKS_PAGE_SIZE: must be between 1 and %d", domain.MaxPageSize)
		}
		cfg.PageSize = n
	}

	if cfg.StoreBackend == backendAzure && (cfg.StorageConn == "" || cfg.TasksTable == "") {
		return cfg, errors.New("missing storage config")
	}
	if (cfg.StoreBackend == backendAzure || cfg.CacheBackend == backendRedis) && cfg.RedisConn == "" {
		return cfg, errors.New("missing redis config")
	}
	if cfg.EventsQueue != "" && cfg.StorageConn == "" {
		return cfg, errors.New("TASK_EVENTS_QUEUE requires STORAGE_CONNECTION_STRING")
	}
	if cfg.TestMode {
		if cfg.TestSecret == "" {
			return cfg, errors.New("TEST_JWT_SECRET must be set when AUTH0_TEST_MODE=1")
		}
	} else if cfg.Auth0Domain == "" || cfg.Auth0Audience == "" {
		return cfg, errors.New("missing Auth0 config")
	}
	return cfg, nil
}

func oneOf(getenv func(string) string, key, def string, allowed ...string) (string, error) {
	v := strings.ToLower(strings.TrimSpace(getenv(key)))
	if v == "" {
		return def, nil
	}
	for _, a := range allowed {
		if v == a {
			return v, nil
		}
	}
	return "", fmt.Errorf("invalid %s %q: want one of %s", key, v, strings.Join(allowed, ", "))
}

func positiveDuration(getenv func(string) string, key string, def time.Duration) (time.Duration, error) {
	v := getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return d, nil
}

// redisOptions accepts a redis URL or the "host:port,password=...,ssl=true" form.
func redisOptions(conn string) *redis.Options {
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts
	}
	parts := strings.Split(conn, ",")
	opts := &redis.Options{Addr: parts[0]}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(kv[0]) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.ToLower(kv[1]) == "true" {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts
}
