package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jw6ventures/calsync/internal/api"
	"github.com/jw6ventures/calsync/internal/auth"
	"github.com/jw6ventures/calsync/internal/config"
	"github.com/jw6ventures/calsync/internal/google"
	httpserver "github.com/jw6ventures/calsync/internal/http"
	"github.com/jw6ventures/calsync/internal/store"
	"github.com/jw6ventures/calsync/internal/sync"
	"github.com/jw6ventures/calsync/internal/watch"
	"github.com/jw6ventures/calsync/internal/webhook"
)

func main() {
	log.Println("Starting CalSync server...")
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DB.DSN)
	if err != nil {
		log.Fatalf("failed to create db pool: %v", err)
	}
	defer pool.Close()

	if err := store.ApplyMigrations(ctx, pool); err != nil {
		log.Fatalf("failed to apply migrations: %v", err)
	}

	stor := store.New(pool)
	clients := google.NewFactory(cfg, stor.Credentials)
	synchronizer := sync.New(cfg, stor, clients)
	watchManager := watch.New(cfg, stor, clients)
	dispatcher := webhook.NewDispatcher(stor, synchronizer)

	authService, err := auth.NewService(ctx, cfg, stor)
	if err != nil {
		log.Fatalf("failed to initialize auth service: %v", err)
	}

	apiHandler := api.NewHandler(cfg, stor, clients, synchronizer, watchManager)
	webhookHandler := webhook.NewHandler(dispatcher)

	r := httpserver.NewRouter(cfg, stor, authService, apiHandler, webhookHandler)

	srv := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     r,
		ReadTimeout: 15 * time.Second,
		// Webhook-triggered sync passes block the response until the pass
		// completes or its timeout fires.
		WriteTimeout: cfg.Sync.PassTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("server listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}
