package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"prism-sync/api"
	"prism-sync/cache"
	"prism-sync/mutation"
	"prism-sync/storage"
	"prism-sync/subscription"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warnf("load .env: %v", err)
	}
	cfg, err := loadConfig(os.Getenv)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	logger := log.StandardLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var rc *redis.Client
	if cfg.RedisConn != "" {
		rc = redis.NewClient(redisOptions(cfg.RedisConn))
		defer rc.Close()
	}

	var transport storage.Transport
	switch cfg.StoreBackend {
	case backendAzure:
		var events storage.EventPublisher
		if cfg.EventsQueue != "" {
			el, err := storage.NewEventLog(cfg.StorageConn, cfg.EventsQueue)
			if err != nil {
				log.Fatalf("event log: %v", err)
			}
			events = el
		}
		st, err := storage.NewAzureStore(cfg.StorageConn, cfg.TasksTable, rc, storage.AzureOptions{
			Channel:    cfg.ChangesChannel,
			ReplicaTTL: cfg.ReplicaTTL,
			Events:     events,
			Logger:     logger,
		})
		if err != nil {
			log.Fatalf("storage: %v", err)
		}
		go st.Run(ctx)
		transport = st
	default:
		log.Warn("using the in-memory task store; data is lost on restart")
		transport = storage.NewMemoryStore(nil, logger)
	}

	var readCache cache.Cache
	if cfg.CacheBackend == backendRedis {
		readCache = cache.NewRedis(rc, cfg.CacheTTL, logger)
	} else {
		readCache = cache.NewMemory(cfg.CacheTTL)
	}

	auth, err := newAuth(cfg)
	if err != nil {
		log.Fatalf("auth: %v", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	opts := subscription.Options{Logger: logger, Metrics: subscription.NewMetrics(reg)}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))
	api.Register(e, api.Deps{
		Subscriptions: subscription.NewManager(transport, readCache, opts),
		Pages:         subscription.NewPaginator(transport, opts),
		Tasks:         mutation.NewGateway(transport, readCache, mutation.Options{Logger: logger}),
		Auth:          auth,
		Logger:        logger,
		PageSize:      cfg.PageSize,
		Registry:      reg,
	})

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("shutdown failed")
		}
	}()

	log.WithFields(log.Fields{"addr": cfg.ListenAddr, "store": cfg.StoreBackend, "cache": cfg.CacheBackend}).Info("prism-sync listening")
	if err := e.Start(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server: %v", err)
	}
}

func newAuth(cfg config) (*api.Auth, error) {
	if cfg.TestMode {
		log.Warn("AUTH0_TEST_MODE enabled; accepting HS256 test tokens")
		return api.NewAuth(nil, api.AuthConfig{TestSecret: []byte(cfg.TestSecret), KeyCacheTTL: cfg.JWKSCacheTTL}), nil
	}
	jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", cfg.Auth0Domain)
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{})
	if err != nil {
		return nil, fmt.Errorf("jwks: %w", err)
	}
	return api.NewAuth(jwks, api.AuthConfig{
		Audience:    cfg.Auth0Audience,
		Issuer:      "https://" + cfg.Auth0Domain + "/",
		KeyCacheTTL: cfg.JWKSCacheTTL,
	}), nil
}
