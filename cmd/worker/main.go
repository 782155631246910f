package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"catalog-curator/internal/config"
	"catalog-curator/internal/reconcile"
	"catalog-curator/internal/store"
	"catalog-curator/internal/telemetry"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	reconciler := reconcile.New(st, cfg.DownloadPath, reconcile.Options{BatchSize: cfg.ReconcileBatchSize})

	log.Printf("worker started root=%s interval=%s on_startup=%v", cfg.DownloadPath, cfg.ReconcileInterval, cfg.ReconcileOnStartup)
	if cfg.ReconcileOnStartup {
		runPass(ctx, reconciler)
	}
	if cfg.ReconcileInterval <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("worker stopped")
			return
		case <-ticker.C:
			runPass(ctx, reconciler)
		}
	}
}

func runPass(ctx context.Context, r *reconcile.Reconciler) {
	if _, err := r.Run(ctx); err != nil {
		if errors.Is(err, reconcile.ErrBusy) || errors.Is(err, context.Canceled) {
			return
		}
		log.Printf("reconcile pass failed: %v", err)
	}
}
