// Package main is the entry point for the dispatch API server. It
// serves the HTTP control plane and runs an in-process worker pool.
package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/orbitmsg/dispatch/internal/config"
	"github.com/orbitmsg/dispatch/internal/dispatch"
	"github.com/orbitmsg/dispatch/internal/httpapi"
	"github.com/orbitmsg/dispatch/internal/logging"
	sentrypkg "github.com/orbitmsg/dispatch/internal/sentry"
	"github.com/orbitmsg/dispatch/internal/store"

	_ "github.com/lib/pq"
)

func main() {
	_ = godotenv.Load()

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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to open db: %v", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	defer func() { _ = db.Close() }()

	waitForDB(db)

	redisOpt := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword}
	queue := dispatch.NewAsynqQueue(redisOpt)
	defer func() { _ = queue.Close() }()

	st := store.NewPostgresStore(db)
	dispatchCfg := dispatch.LoadConfig()
	service := dispatch.NewService(st, st, st, queue, dispatchCfg)
	registerSenders(service, cfg)

	pool := dispatch.NewWorkerPool(redisOpt, service, dispatchCfg, logger)

	app := httpapi.New(httpapi.Deps{
		Service:       service,
		Notifications: st,
		Logs:          st,
		Logger:        logger,
		WorkerRunning: pool.IsRunning,
		CORSOrigin:    cfg.FrontendURL,
	})

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.Printf("http listening on %s", cfg.HTTPAddr)
		if err := app.Listen(cfg.HTTPAddr); err != nil {
			if groupCtx.Err() != nil {
				return nil
			}
			return err
		}
		return nil
	})

	group.Go(func() error {
		log.Println("starting worker pool")
		if err := pool.Run(groupCtx); err != nil {
			if groupCtx.Err() != nil {
				return nil
			}
			return err
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		pool.Shutdown()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			log.Printf("http shutdown error: %v", err)
		}
		log.Println("graceful shutdown completed")
		return nil
	})

	if err := group.Wait(); err != nil {
		log.Printf("server error: %v", err)
		os.Exit(1)
	}
}

func waitForDB(db *sql.DB) {
	const maxRetries = 30
	for i := 0; i < maxRetries; i++ {
		if err := db.Ping(); err == nil {
			log.Println("database connection established")
			return
		}
		if i == maxRetries-1 {
			log.Fatalf("failed to connect to database after %d retries", maxRetries)
		}
		log.Printf("waiting for database... (%d/%d)", i+1, maxRetries)
		time.Sleep(1 * time.Second)
	}
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
