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

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"classtrack/internal/attendance"
	"classtrack/internal/clock"
	"classtrack/internal/config"
	"classtrack/internal/docstore"
	"classtrack/internal/metrics"
	"classtrack/internal/notifyclient"
	"classtrack/internal/queue"
	"classtrack/internal/roster"
	"classtrack/internal/session"
	"classtrack/internal/store"
)

// Worker delivers queued verification prompts through the notify service and
// runs the periodic sweep: expiring stale verification requests, republishing
// undelivered ones, and reconciling drifted active sessions.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	backend, cleanup, err := openDocstore(ctx, cfg)
	if err != nil {
		log.Fatalf("docstore init failed: %v", err)
	}
	defer cleanup()
	log.Printf("docstore backend: %s", cfg.DocstoreBackend)

	var q queue.Queue
	if cfg.QueueBackend == "redis" {
		redisClient := store.NewRedis(cfg.RedisAddr)
		defer redisClient.Close()
		if !redisClient.Healthy(ctx) {
			log.Printf("warning: redis not reachable at %s", cfg.RedisAddr)
		}
		q = queue.NewRedis(redisClient.Client, "classtrack:verify")
	} else {
		q = queue.NewMemory(64)
	}

	clk := clock.System{}
	directory := roster.NewDirectory(backend, clk)
	sessions := session.NewManager(backend, directory, clk)
	att := attendance.NewService(backend, sessions, directory, q, clk, cfg.VerifyRequestTTL)
	notify := notifyclient.New(cfg.NotifyServiceURL, cfg.NotifySkip)

	if !cfg.NotifySkip {
		if err := notify.Health(ctx); err != nil {
			log.Printf("WARNING: notify service not available: %v", err)
			log.Println("Worker will retry delivery when messages arrive")
		} else {
			log.Println("notify service connected")
		}
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		log.Printf("worker metrics on :%s", cfg.WorkerMetricsPort)
		if err := http.ListenAndServe(":"+cfg.WorkerMetricsPort, mux); err != nil {
			log.Printf("metrics server: %v", err)
		}
	}()

	go sweepLoop(ctx, att, sessions, cfg.SweepInterval)

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("worker started, waiting for messages...")
	for msg := range messages {
		if msg.Type != queue.TypeVerifyRequest {
			continue
		}
		body, err := queue.DecodeVerifyRequest(msg)
		if err != nil {
			log.Printf("bad verify request payload: %v", err)
			continue
		}
		deliver(ctx, att, notify, body)
	}

	log.Println("worker stopped")
}

func deliver(ctx context.Context, att *attendance.Service, notify *notifyclient.Client, body queue.VerifyRequestBody) {
	push := notifyclient.Push{
		StudentID: body.StudentID,
		Title:     "Verify your attendance",
		Body:      "Your teacher asked you to confirm you are still in class.",
		Data: map[string]string{
			"type":       "verification_request",
			"session_id": body.SessionID,
		},
	}
	if _, err := notify.Send(ctx, push); err != nil {
		log.Printf("push to %s failed: %v", body.StudentID, err)
		return
	}
	if err := att.MarkVerificationDelivered(ctx, body.SessionID, body.StudentID); err != nil {
		log.Printf("mark delivered %s/%s: %v", body.SessionID, body.StudentID, err)
		return
	}
	metrics.VerificationEvents.WithLabelValues("delivered").Inc()
	log.Printf("verification prompt delivered to %s for session %s", body.StudentID, body.SessionID)
}

func sweepLoop(ctx context.Context, att *attendance.Service, sessions *session.Manager, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, redelivered, err := att.SweepVerificationRequests(ctx)
			if err != nil {
				log.Printf("sweep verification requests: %v", err)
			}
			if expired > 0 {
				metrics.VerificationEvents.WithLabelValues("expired").Add(float64(expired))
			}
			if redelivered > 0 {
				metrics.VerificationEvents.WithLabelValues("redelivered").Add(float64(redelivered))
			}
			repaired, err := sessions.ReconcileAllActive(ctx)
			if err != nil {
				log.Printf("reconcile active sessions: %v", err)
			}
			if expired > 0 || redelivered > 0 || repaired > 0 {
				log.Printf("sweep: expired=%d redelivered=%d repaired=%d", expired, redelivered, repaired)
			}
		}
	}
}

func openDocstore(ctx context.Context, cfg config.App) (docstore.Store, func(), error) {
	switch cfg.DocstoreBackend {
	case "postgres":
		db, err := store.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: %w", err)
		}
		return docstore.NewPostgres(db.Client), func() { _ = db.Close() }, nil
	case "mongo":
		mc, err := store.NewMongo(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, nil, fmt.Errorf("mongo: %w", err)
		}
		return docstore.NewMongo(mc.DB), func() { _ = mc.Close(context.Background()) }, nil
	case "memory":
		return docstore.NewMemory(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown docstore backend %q", cfg.DocstoreBackend)
	}
}
