package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/splax/settingsd/internal/app/migrate"
	"github.com/splax/settingsd/internal/docker"
	httpx "github.com/splax/settingsd/internal/http"
	"github.com/splax/settingsd/internal/repository"
	"github.com/splax/settingsd/internal/repository/memory"
	"github.com/splax/settingsd/internal/repository/postgres"
	"github.com/splax/settingsd/internal/service/auth"
	"github.com/splax/settingsd/internal/service/build"
	"github.com/splax/settingsd/internal/service/deploy"
	"github.com/splax/settingsd/internal/service/events"
	"github.com/splax/settingsd/internal/service/notify"
	"github.com/splax/settingsd/internal/service/settings"
	"github.com/splax/settingsd/internal/ws"
	"github.com/splax/settingsd/pkg/config"
	"github.com/splax/settingsd/pkg/logger"
)

func main() {
	cfg := config.LoadAPIConfig()
	log := logger.New("settingsd", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, dbHealth, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Error("failed to open store", "backend", cfg.StoreBackend, "error", err)
		os.Exit(1)
	}
	defer closeStore()

	targets, err := notify.TargetsFromConfig(cfg)
	if err != nil {
		log.Error("invalid notification targets", "error", err)
		os.Exit(1)
	}
	notifier := notify.NewHTTPNotifier(&http.Client{Timeout: cfg.NotifyTimeout}, cfg.NotifyConcurrency, log)

	provider, closeProvider, err := newProvider(ctx, cfg, log)
	if err != nil {
		log.Error("failed to configure build provider", "provider", cfg.BuildProvider, "error", err)
		os.Exit(1)
	}
	defer closeProvider()

	hub := ws.NewHub()
	defer hub.Stop()

	var redisClient *redis.Client
	if addr := strings.TrimSpace(cfg.RedisAddr); addr != "" {
		redisClient, err = events.NewRedisClient(ctx, addr, cfg.RedisPass, cfg.RedisDB)
		if err != nil {
			log.Warn("redis unavailable, events stay local", "error", err)
			redisClient = nil
		} else {
			defer redisClient.Close()
		}
	}
	eventSvc := events.New(hub, redisClient, cfg.EventsChannel, log)
	go func() {
		if err := eventSvc.Run(ctx); err != nil {
			log.Warn("event relay stopped", "error", err)
		}
	}()

	deploySvc := deploy.New(store, notifier, targets.ForDeployment(), provider, eventSvc, log, cfg)
	settingsSvc := settings.New(store, notifier, targets.ForSettingsUpdate(), eventSvc, log)
	authSvc := auth.New(cfg.JWTSecret, cfg.BuilderAuthToken, log)

	if recovered, err := deploySvc.Recover(ctx); err != nil {
		log.Warn("deployment recovery failed", "error", err)
	} else if recovered > 0 {
		log.Info("recovered in-flight deployments", "count", recovered)
	}

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RedisPass, cfg.RedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter.Close()
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, authSvc, deploySvc, settingsSvc, hub, limiter, dbHealth)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr, "store", cfg.StoreBackend, "provider", cfg.BuildProvider, "targets", len(targets.ForDeployment()))
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		if err := deploySvc.Close(shutdownCtx); err != nil {
			log.Warn("deployment pipelines did not drain", "error", err)
		}
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

func openStore(ctx context.Context, cfg config.APIConfig, log *slog.Logger) (repository.Store, func(context.Context) error, func(), error) {
	switch cfg.StoreBackend {
	case config.StoreMemory:
		log.Warn("using in-memory store, state is lost on restart")
		store := memory.New()
		return store, store.Ping, func() {}, nil
	case config.StorePostgres, "":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connect database: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, fmt.Errorf("ping database: %w", err)
		}
		runner, err := migrate.New(cfg.DatabaseURL, cfg.MigrationsDir, log)
		if err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		if err := runner.Ensure(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		return postgres.New(pool), pool.Ping, pool.Close, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

func newProvider(ctx context.Context, cfg config.APIConfig, log *slog.Logger) (build.Provider, func(), error) {
	switch cfg.BuildProvider {
	case config.BuildProviderNone, "":
		return nil, func() {}, nil
	case config.BuildProviderHTTP:
		provider, err := build.NewHTTPProvider(cfg.BuildProviderURL, cfg.BuildProviderToken, nil, log)
		if err != nil {
			return nil, nil, err
		}
		return provider, func() {}, nil
	case config.BuildProviderDocker:
		client, err := docker.New(cfg.DockerHost)
		if err != nil {
			return nil, nil, err
		}
		if err := client.Ping(ctx); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("docker daemon unreachable: %w", err)
		}
		closeFn := func() {
			if err := client.Close(); err != nil {
				log.Warn("close docker client", "error", err)
			}
		}
		return build.NewDockerProvider(build.DockerClientBuilder{Client: client}, log), closeFn, nil
	default:
		return nil, nil, fmt.Errorf("unknown build provider %q", cfg.BuildProvider)
	}
}
