// Command cacheserver runs the cache service: the webhook ingress that
// keeps the cache in step with the source datastore, the scheduled orphan
// sweep, and health/metrics endpoints.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hackclub/podium-cache/pkg/airtable"
	"github.com/hackclub/podium-cache/pkg/api/middleware"
	"github.com/hackclub/podium-cache/pkg/api/webhooks"
	"github.com/hackclub/podium-cache/pkg/cache"
	"github.com/hackclub/podium-cache/pkg/config"
	"github.com/hackclub/podium-cache/pkg/models"
	"github.com/hackclub/podium-cache/pkg/observability"
)

func main() {
	logger := observability.NewLogger("cacheserver")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load configuration", map[string]interface{}{"error": err.Error()})
	}

	metrics := observability.NewPrometheusMetricsClient("podium_cache")

	store, err := cache.NewRedisStore(cfg.Redis)
	if err != nil {
		logger.Fatal("failed to connect to redis", map[string]interface{}{"address": cfg.Redis.Address, "error": err.Error()})
	}
	defer func() { _ = store.Close() }()

	source := airtable.NewClient(cfg.Airtable, logger)

	registry, err := cache.NewRegistry(
		cache.Entity{Name: "events", Table: cfg.Tables["events"], Shape: models.Event{}},
		cache.Entity{Name: "projects", Table: cfg.Tables["projects"], Shape: models.Project{}},
		cache.Entity{Name: "users", Table: cfg.Tables["users"], Shape: models.User{}},
		cache.Entity{Name: "votes", Table: cfg.Tables["votes"], Shape: models.Vote{}},
		cache.Entity{Name: "referrals", Table: cfg.Tables["referrals"], Shape: models.Referral{}},
	)
	if err != nil {
		// Registry derivation failures are deployment errors; never
		// start with a partial registry.
		logger.Fatal("failed to build entity registry", map[string]interface{}{"error": err.Error()})
	}

	ops := cache.New(registry, store, source, cfg.Cache, logger, metrics)

	sweeper := cache.NewSweeper(ops, cfg.Sweep, logger, metrics)
	if err := sweeper.Start(); err != nil {
		logger.Fatal("failed to schedule orphan sweep", map[string]interface{}{"error": err.Error()})
	}
	defer sweeper.Stop()

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.CacheStats())

	webhooks.NewHandler(ops, source, cfg.Webhook, logger, metrics).Register(router)

	router.GET("/healthz", func(c *gin.Context) {
		if err := store.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "redis": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	server := &http.Server{
		Addr:         cfg.API.ListenAddress,
		Handler:      router,
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
	}

	go func() {
		logger.Info("cache service listening", map[string]interface{}{"address": cfg.API.ListenAddress})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", map[string]interface{}{"error": err.Error()})
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("forced shutdown", map[string]interface{}{"error": err.Error()})
	}
}
