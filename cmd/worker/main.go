// Package main is the entry point for the standalone dispatch worker.
// It runs the pool without the HTTP control plane, exposing only a
// health endpoint, and probes its own health every 30 seconds.
package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/orbitmsg/dispatch/internal/config"
	"github.com/orbitmsg/dispatch/internal/dispatch"
	"github.com/orbitmsg/dispatch/internal/logging"
	sentrypkg "github.com/orbitmsg/dispatch/internal/sentry"
	"github.com/orbitmsg/dispatch/internal/store"

	_ "github.com/lib/pq"
)

func main() {
	_ = godotenv.Load()
	log.Println("starting dispatch worker...")

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("configuration error: %v", err)
	}

	if err := sentrypkg.Init(cfg.Environment); err != nil {
		log.Printf("WARNING: Sentry initialization failed: %v", err)
	}
	defer sentrypkg.Flush(2 * time.Second)

	logger := logging.New(logging.Config{
		Level:  logging.Level(cfg.LogLevel),
		Format: "json",
		Output: "stdout",
	})

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to open db: %v", err)
	}
	defer func() { _ = db.Close() }()
	if err := db.Ping(); err != nil {
		log.Fatalf("database unreachable: %v", err)
	}
	log.Println("database connection established")

	redisOpt := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword}
	queue := dispatch.NewAsynqQueue(redisOpt)
	defer func() { _ = queue.Close() }()

	st := store.NewPostgresStore(db)
	dispatchCfg := dispatch.LoadConfig()
	service := dispatch.NewService(st, st, st, queue, dispatchCfg)
	registerSenders(service, cfg)

	pool := dispatch.NewWorkerPool(redisOpt, service, dispatchCfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	healthServer := startHealthServer(envOr("HEALTH_PORT", "8081"), pool)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		if err := pool.Run(groupCtx); err != nil {
			if groupCtx.Err() != nil {
				return nil
			}
			return err
		}
		return nil
	})

	// Self-health probe: log when the pool or broker looks unhealthy.
	group.Go(func() error {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-ticker.C:
				health := service.SystemHealth(groupCtx, pool.IsRunning())
				if !health.Healthy || !health.WorkerRunning {
					logger.WithContext(groupCtx).WithFields(map[string]interface{}{
						"broker_status":  health.BrokerStatus,
						"worker_running": health.WorkerRunning,
					}).Warn("worker unhealthy")
				}
			}
		}
	})

	<-ctx.Done()
	log.Println("shutting down worker...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("health server shutdown error: %v", err)
	}
	pool.Shutdown()

	if err := group.Wait(); err != nil {
		log.Printf("worker error: %v", err)
		os.Exit(1)
	}
	log.Println("worker stopped")
}

func startHealthServer(port string, pool *dispatch.WorkerPool) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if pool.IsRunning() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"healthy"}`))
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unhealthy"}`))
		}
	})

	server := &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("health server listening on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("health server error: %v", err)
		}
	}()

	return server
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func registerSenders(service *dispatch.Service, cfg config.Config) {
	service.RegisterSender(dispatch.NewEmailSender(dispatch.EmailSenderConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Secure:   cfg.SMTPSecure,
		Username: cfg.SMTPUser,
		Password: cfg.SMTPPass,
		From:     cfg.SMTPFrom,
	}))
	service.RegisterSender(dispatch.NewSMSSender(dispatch.SMSSenderConfig{
		AccountSID:  cfg.SMSAccountSID,
		AuthToken:   cfg.SMSAuthToken,
		PhoneNumber: cfg.SMSPhoneNumber,
	}))
	service.RegisterSender(dispatch.NewPushSender(dispatch.PushSenderConfig{
		ProjectID:         cfg.PushProjectID,
		ServiceAccountKey: cfg.PushServiceAccountKey,
	}))
	service.RegisterSender(dispatch.NewSlackSender())
	service.RegisterSender(dispatch.NewTelegramSender(dispatch.TelegramSenderConfig{
		BotToken: cfg.TelegramBotToken,
	}))
}
