package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	api "catalog-curator/internal/api"
	"catalog-curator/internal/catalog"
	"catalog-curator/internal/config"
	"catalog-curator/internal/credentials"
	"catalog-curator/internal/download"
	"catalog-curator/internal/extractor"
	"catalog-curator/internal/inventory"
	"catalog-curator/internal/queue"
	"catalog-curator/internal/ratelimit"
	"catalog-curator/internal/reconcile"
	"catalog-curator/internal/session"
	"catalog-curator/internal/store"
	"catalog-curator/internal/thumbnail"
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

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	pacer := ratelimit.NewTokenBucket(rdb, cfg.PacerCapacity, cfg.PacerRefill, time.Hour)
	startLimiter := ratelimit.NewTokenBucket(rdb, 3, 0.05, time.Hour)

	ctl := queue.New(queue.Options{
		CapCredential:   cfg.QueueCapCredential,
		CapNoCredential: cfg.QueueCapNoCredential,
		PollInterval:    cfg.QueuePollInterval,
		Classify:        extractor.ClassLabel,
	})
	locks := queue.NewSubscriptionLocks()

	client := extractor.NewClient(extractor.Options{
		Bin:             cfg.ExtractorBin,
		UserAgent:       cfg.ExtractorUserAgent,
		ListTimeout:     cfg.ExtractorListTimeout,
		ProbeTimeout:    cfg.ExtractorProbeTimeout,
		DownloadTimeout: cfg.ExtractorDownloadTimeout,
		KillGrace:       cfg.ExtractorKillGrace,
		Pacer:           pacer,
	})
	pool := credentials.NewPool(st, credentials.Options{
		FailureThreshold: cfg.CredentialFailureThreshold,
		FailureWindow:    cfg.CredentialFailureWindow,
	})

	retriever := catalog.NewRetriever(client, pool, ctl, locks, st, retrieverOptions(cfg))
	resolver := inventory.NewResolver(st, inventory.ResolverOptions{
		BatchSize: cfg.DedupBatchSize,
		Scope:     inventory.ParseScope(cfg.DedupScope),
		FSCheck:   cfg.DedupFSCheck,
	})

	thumbs, err := thumbnail.New(ctx, thumbnail.Options{
		Width:       cfg.ThumbWidth,
		Root:        cfg.DownloadPath,
		S3Bucket:    cfg.ThumbS3Bucket,
		S3Region:    cfg.ThumbS3Region,
		S3Endpoint:  cfg.ThumbS3Endpoint,
		S3PathStyle: cfg.ThumbS3PathStyle,
	})
	if err != nil {
		log.Fatalf("init thumbnails: %v", err)
	}
	downloader := download.New(client, pool, ctl, st, thumbs, download.Options{
		Formats: []string{cfg.ExtractorFormat, download.DefaultFormats[1], download.DefaultFormats[2]},
	})

	sessions := session.NewManager(session.Deps{
		Store:      st,
		Catalog:    retriever,
		Resolver:   resolver,
		Downloader: downloader,
		Locks:      locks,
	}, session.Options{
		Root:      cfg.DownloadPath,
		ItemDelay: cfg.SessionItemDelay,
		Retention: cfg.SessionRetention,
	})
	defer sessions.Close()

	reconciler := reconcile.New(st, cfg.DownloadPath, reconcile.Options{BatchSize: cfg.ReconcileBatchSize})

	go housekeeping(ctx, cfg, ctl, sessions)

	server := api.New(api.Deps{
		Queue:       ctl,
		Sessions:    sessions,
		Reconciler:  reconciler,
		Credentials: pool,
		State:       st,
		DB:          st,
		Limiter:     startLimiter,
		ZombieAfter: cfg.QueueZombieAfter,
	})
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Printf("api listening on :%s root=%s caps=%d/%d", cfg.HTTPPort, cfg.DownloadPath, cfg.QueueCapCredential, cfg.QueueCapNoCredential)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

func retrieverOptions(cfg config.Config) catalog.Options {
	return catalog.Options{
		WindowSize:         cfg.ListWindowSize,
		MaxWindows:         cfg.ListMaxWindows,
		WindowAttempts:     cfg.ListWindowAttempts,
		RetryDelayMin:      cfg.ListRetryDelayMin,
		RetryDelayMax:      cfg.ListRetryDelayMax,
		PageDelayMin:       cfg.ListPageDelayMin,
		PageDelayMax:       cfg.ListPageDelayMax,
		FailureStreakLimit: cfg.ListFailureStreakLimit,
		EarlyStopThreshold: cfg.ListEarlyStopThreshold,
		HeadSnapshotSize:   cfg.ListHeadSnapshotSize,
		SearchPrefix:       cfg.KeywordSearchPrefix,
		Prefetch:           catalog.ParsePrefetchModes(cfg.ListPrefetchModes),
	}
}

// housekeeping reaps stuck list fetches, prunes finished jobs and drops
// expired sessions.
func housekeeping(ctx context.Context, cfg config.Config, ctl *queue.Controller, sessions *session.Manager) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if reaped := ctl.ReapZombies(cfg.QueueZombieAfter); len(reaped) > 0 {
				log.Printf("[api] event=reaped jobs=%d", len(reaped))
			}
			ctl.Prune(cfg.QueueJobRetention)
			sessions.Cleanup(now)
		}
	}
}
