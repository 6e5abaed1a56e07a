package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"classtrack/internal/attendance"
	"classtrack/internal/clock"
	"classtrack/internal/config"
	"classtrack/internal/docstore"
	"classtrack/internal/handler"
	"classtrack/internal/httpmiddleware"
	"classtrack/internal/queue"
	"classtrack/internal/roster"
	"classtrack/internal/session"
	"classtrack/internal/store"
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	ctx := context.Background()

	backend, healthy, cleanup, err := openDocstore(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()
	log.Printf("docstore backend: %s", cfg.DocstoreBackend)

	var redisClient *store.Redis
	if cfg.QueueBackend == "redis" || cfg.RateLimitBackend == "redis" {
		redisClient = store.NewRedis(cfg.RedisAddr)
		defer redisClient.Close()
		if !redisClient.Healthy(ctx) {
			log.Printf("warning: redis not reachable at %s", cfg.RedisAddr)
		}
	}

	var q queue.Queue
	if cfg.QueueBackend == "redis" {
		q = queue.NewRedis(redisClient.Client, "classtrack:verify")
	} else {
		q = queue.NewMemory(64)
	}

	var limiter httpmiddleware.Limiter
	if cfg.RateLimitBackend == "redis" {
		limiter = httpmiddleware.NewRedisFixedWindow(redisClient.Client, cfg.RateLimitPerMin)
	} else {
		limiter = httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin)
	}

	clk := clock.System{}
	directory := roster.NewDirectory(backend, clk)
	sessions := session.NewManager(backend, directory, clk)
	att := attendance.NewService(backend, sessions, directory, q, clk, cfg.VerifyRequestTTL)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(httpmiddleware.CORS())
	r.Use(httpmiddleware.SecurityHeaders())
	r.Use(httpmiddleware.RateLimit(limiter))

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		storeHealthy := healthy(c.Request.Context())
		redisHealthy := true
		if redisClient != nil {
			redisHealthy = redisClient.Healthy(c.Request.Context())
		}
		status := http.StatusOK
		if !storeHealthy || !redisHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "store": storeHealthy, "redis": redisHealthy})
	})

	handler.New(directory, sessions, att).Routes(r, cfg.JWTSigningKey, cfg.JWTIssuer)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}

// openDocstore selects the document store backend from config. The returned
// probe reports backend health for /healthz and the cleanup closes any
// underlying client.
func openDocstore(ctx context.Context, cfg config.App) (docstore.Store, func(context.Context) bool, func(), error) {
	switch cfg.DocstoreBackend {
	case "postgres":
		db, err := store.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("postgres: %w", err)
		}
		pg := docstore.NewPostgres(db.Client)
		if err := pg.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, nil, nil, fmt.Errorf("migrate: %w", err)
		}
		return pg, db.Healthy, func() { _ = db.Close() }, nil
	case "mongo":
		mc, err := store.NewMongo(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("mongo: %w", err)
		}
		return docstore.NewMongo(mc.DB), mc.Healthy, func() { _ = mc.Close(context.Background()) }, nil
	case "memory":
		return docstore.NewMemory(), func(context.Context) bool { return true }, func() {}, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown docstore backend %q", cfg.DocstoreBackend)
	}
}
