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

	"reddog.dev/internal/approval"
	"reddog.dev/internal/auth"
	"reddog.dev/internal/billing"
	"reddog.dev/internal/bridge"
	"reddog.dev/internal/config"
	"reddog.dev/internal/httpapi"
	"reddog.dev/internal/obs"
	"reddog.dev/internal/store/pg"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// Durable Postgres ledger when a DSN is configured; the in-memory
	// store is an explicit opt-in for local development only.
	var (
		store    billing.Store
		db       *sql.DB
		regOpts  = []approval.Option{approval.WithTTL(cfg.ApprovalTTL)}
		pgClosed = func() {}
	)
	if cfg.PGDSN != "" {
		pgStore, err := pg.Open(cfg.PGDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		store = pgStore
		db = pgStore.DB()
		regOpts = append(regOpts, approval.WithAudit(pgStore))
		pgClosed = func() { _ = pgStore.Close() }
	} else {
		log.Printf("no REDDOG_PG_DSN set, using in-memory ledger")
		store = billing.NewInMemory()
	}

	svc := billing.NewService(store,
		billing.WithFailOpen(cfg.FailOpen),
		billing.WithCacheTTL(cfg.BalanceCacheTTL),
	)
	registry := approval.NewRegistry(regOpts...)
	br := bridge.New()

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// Dataset events published by in-process producers land in the
	// registry through the bridge.
	go func() {
		for evt := range br.SubscribeEvents(rootCtx) {
			_, err := registry.Enqueue(rootCtx, approval.Event{
				Provider:       evt.Provider,
				DataType:       evt.DataType,
				RequestID:      evt.RequestID,
				Payload:        evt.Payload,
				SourceMetadata: evt.SourceMetadata,
			})
			if err != nil {
				obs.LogEvent("approval.enqueue_failed", map[string]any{
					"provider": evt.Provider,
					"error":    err.Error(),
				})
			}
		}
	}()

	// Periodic expiry sweep; Approve/Deny also expire lazily so the
	// interval only bounds how long dead entries linger.
	go func() {
		ticker := time.NewTicker(cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-rootCtx.Done():
				return
			case <-ticker.C:
				if n := registry.SweepExpired(rootCtx); n > 0 {
					obs.LogEvent("approval.swept", map[string]any{"expired": n})
				}
			}
		}
	}()

	api := httpapi.New(httpapi.ReadyProbe{DB: db}, version, svc, registry, br, auth.NewVerifier())
	api.SetRateLimit(cfg.RateBurst, cfg.RatePerSec)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting reddog-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	rootCancel()
	pgClosed()
	log.Println("Stopped")
}
