package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"catalog-curator/internal/catalog"
	"catalog-curator/internal/config"
	"catalog-curator/internal/credentials"
	"catalog-curator/internal/extractor"
	"catalog-curator/internal/models"
	"catalog-curator/internal/queue"
	"catalog-curator/internal/store/memstore"
)

type countingLister struct {
	mu                   sync.Mutex
	single, flat, window int
}

func (l *countingLister) Window(ctx context.Context, call extractor.Call, start, end int) ([]models.Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.window++
	return nil, nil
}

func (l *countingLister) FlatList(ctx context.Context, call extractor.Call) (extractor.Catalog, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.flat++
	return extractor.Catalog{Entries: []models.Entry{{ID: "BV1"}, {ID: "BV2"}}, Total: 2}, nil
}

func (l *countingLister) SingleJSON(ctx context.Context, call extractor.Call) (extractor.Catalog, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.single++
	return extractor.Catalog{}, &extractor.Error{Kind: extractor.KindFormat, Op: "single_json"}
}

func TestRetrieverOptionsPrefetchByDefault(t *testing.T) {
	cfg := config.Load()
	st := memstore.New()
	ctx := context.Background()
	sub := models.Subscription{Name: "list", Kind: models.KindCollection, URL: "https://example.test/list", Active: true}
	id, err := st.CreateSubscription(ctx, sub)
	if err != nil {
		t.Fatalf("create subscription: %v", err)
	}
	sub.ID = id

	lister := &countingLister{}
	ctl := queue.New(queue.Options{CapCredential: 1, CapNoCredential: 2, PollInterval: time.Millisecond})
	r := catalog.NewRetriever(lister, credentials.NewPool(st, credentials.Options{}), ctl, queue.NewSubscriptionLocks(), st, retrieverOptions(cfg))

	res, err := r.Fetch(ctx, sub, catalog.FetchOptions{})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if lister.single != 1 || lister.flat != 1 {
		t.Fatalf("expected both prefetch modes tried, single=%d flat=%d", lister.single, lister.flat)
	}
	if lister.window != 0 || res.Prefetched != 2 {
		t.Fatalf("complete prefetch should skip pagination: windows=%d %+v", lister.window, res)
	}
}

func TestRetrieverOptionsPrefetchDisabled(t *testing.T) {
	t.Setenv("LIST_PREFETCH_MODES", "none")
	opts := retrieverOptions(config.Load())
	if opts.Prefetch == nil || len(opts.Prefetch) != 0 {
		t.Fatalf("expected prefetch disabled, got %v", opts.Prefetch)
	}
}
