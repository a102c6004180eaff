package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"brs/api/internal/app"
	"brs/api/internal/config"
	"brs/api/internal/mail"
	"brs/api/internal/store"
	"brs/api/internal/tasks"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL, store.PoolOptions{
		MaxOpenConns: cfg.DBMaxConns,
		MaxIdleConns: cfg.DBIdleConns,
		ConnLifetime: cfg.DBConnLifetime,
	})
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	// Background task queue for outbound mail. Redis-backed when REDIS_URL
	// is set, in-process otherwise.
	var dispatcher tasks.Dispatcher
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis task queue")
		redisQueue, err := tasks.NewRedisQueue(cfg.RedisURL, cfg.TaskQueueSize)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		dispatcher = redisQueue
	} else {
		log.Printf("Using in-process task queue")
		dispatcher = tasks.NewInProc(cfg.TaskQueueSize)
	}
	defer dispatcher.Close()

	mailService := mail.NewService(mail.Config{
		Server:     cfg.SMTPServer,
		Encryption: cfg.SMTPEncryption,
		Username:   cfg.SMTPUsername,
		Password:   cfg.SMTPPassword,
	})
	mailService.Register(dispatcher.Handle)

	service := app.New(cfg, dataStore, dispatcher)
	httpServer := app.NewHTTPServer(service, cfg)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("BRS API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
