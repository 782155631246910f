package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"catalog-curator/internal/credentials"
	"catalog-curator/internal/extractor"
	"catalog-curator/internal/models"
	"catalog-curator/internal/queue"
	"catalog-curator/internal/store/memstore"
)

type windowCall struct {
	start      int
	credential int64
	identity   extractor.Identity
}

type fakeLister struct {
	mu      sync.Mutex
	windows func(start int) ([]models.Entry, error)
	calls   []windowCall
	flat    extractor.Catalog
}

func (f *fakeLister) Window(ctx context.Context, call extractor.Call, start, end int) ([]models.Entry, error) {
	f.mu.Lock()
	c := windowCall{start: start, identity: call.Identity}
	if call.Credential != nil {
		c.credential = call.Credential.ID
	}
	f.calls = append(f.calls, c)
	f.mu.Unlock()
	return f.windows(start)
}

func (f *fakeLister) FlatList(ctx context.Context, call extractor.Call) (extractor.Catalog, error) {
	return f.flat, nil
}

func (f *fakeLister) SingleJSON(ctx context.Context, call extractor.Call) (extractor.Catalog, error) {
	return extractor.Catalog{}, &extractor.Error{Kind: extractor.KindFormat, Op: "single_json"}
}

func (f *fakeLister) windowCalls() []windowCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]windowCall(nil), f.calls...)
}

func entries(prefix string, n int) []models.Entry {
	out := make([]models.Entry, n)
	for i := range out {
		out[i] = models.Entry{ID: fmt.Sprintf("%s%03d", prefix, i)}
	}
	return out
}

// bySize serves windows of the given sizes in order, then empty windows.
func bySize(windowSize int, sizes ...int) func(start int) ([]models.Entry, error) {
	return func(start int) ([]models.Entry, error) {
		w := (start - 1) / windowSize
		if w >= len(sizes) {
			return nil, nil
		}
		return entries(fmt.Sprintf("W%d-", w), sizes[w]), nil
	}
}

type fixture struct {
	store      *memstore.Store
	controller *queue.Controller
	retriever  *Retriever
	sub        models.Subscription
}

func newFixture(t *testing.T, lister Lister, opts Options) *fixture {
	t.Helper()
	st := memstore.New()
	ctx := context.Background()
	sub := models.Subscription{Name: "uploads", Kind: models.KindCollection, URL: "https://example.test/list", Active: true}
	id, err := st.CreateSubscription(ctx, sub)
	if err != nil {
		t.Fatalf("create subscription: %v", err)
	}
	sub.ID = id
	ctl := queue.New(queue.Options{CapCredential: 1, CapNoCredential: 2, PollInterval: time.Millisecond})
	pool := credentials.NewPool(st, credentials.Options{})
	if opts.Sleep == nil {
		opts.Sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	}
	if opts.Prefetch == nil {
		opts.Prefetch = []PrefetchMode{}
	}
	r := NewRetriever(lister, pool, ctl, queue.NewSubscriptionLocks(), st, opts)
	return &fixture{store: st, controller: ctl, retriever: r, sub: sub}
}

func TestFetchWalksWindowsUntilShortPage(t *testing.T) {
	lister := &fakeLister{windows: bySize(50, 50, 50, 50, 37)}
	f := newFixture(t, lister, Options{WindowSize: 50})

	res, err := f.retriever.Fetch(context.Background(), f.sub, FetchOptions{})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(res.Entries) != 187 {
		t.Fatalf("expected 187 entries, got %d", len(res.Entries))
	}
	if n := len(lister.windowCalls()); n != 4 {
		t.Fatalf("expected 4 window fetches, got %d", n)
	}
	if res.Windows != 4 || res.FailedWindows != 0 || res.EarlyStopped {
		t.Fatalf("unexpected result counters: %+v", res)
	}

	stats := f.controller.Stats()
	if stats.Counts[models.StatusDone] != 1 {
		t.Fatalf("expected one finished list_fetch job, got %+v", stats.Counts)
	}

	sub, _ := f.store.GetSubscription(context.Background(), f.sub.ID)
	if sub.ExpectedTotal != 187 || sub.ExpectedTotalSyncedAt == nil {
		t.Fatalf("complete walk should record the total: %+v", sub)
	}
	head := HeadSnapshot(context.Background(), f.store, f.sub.ID)
	if len(head) != 187 || head[0] != "W0-000" {
		t.Fatalf("unexpected head snapshot: len=%d", len(head))
	}
	status, ok, err := LoadSyncStatus(context.Background(), f.store, f.sub.ID)
	if err != nil || !ok || status.Status != models.SyncIdle || status.LastSyncTotal != 187 {
		t.Fatalf("unexpected sync status %+v ok=%v err=%v", status, ok, err)
	}
}

func TestFetchSkipsFailedWindows(t *testing.T) {
	boom := &extractor.Error{Kind: extractor.KindTransient, Op: "window", Err: errors.New("connection reset")}
	lister := &fakeLister{windows: func(start int) ([]models.Entry, error) {
		switch (start - 1) / 50 {
		case 0:
			return entries("A", 50), nil
		case 1, 2:
			return nil, boom
		case 3:
			return append(entries("A", 5), entries("D", 20)...), nil
		}
		return nil, nil
	}}
	f := newFixture(t, lister, Options{WindowSize: 50, WindowAttempts: 3, FailureStreakLimit: 3})

	res, err := f.retriever.Fetch(context.Background(), f.sub, FetchOptions{})
	if err != nil {
		t.Fatalf("partial result must not fail: %v", err)
	}
	if len(res.Entries) != 70 {
		t.Fatalf("expected union of windows 1 and 4 (70 ids), got %d", len(res.Entries))
	}
	if res.FailedWindows != 2 {
		t.Fatalf("expected 2 skipped windows, got %d", res.FailedWindows)
	}
	if n := len(lister.windowCalls()); n != 8 {
		t.Fatalf("expected 1+3+3+1 window calls, got %d", n)
	}

	sub, _ := f.store.GetSubscription(context.Background(), f.sub.ID)
	if sub.ExpectedTotalSyncedAt != nil {
		t.Fatalf("a walk with skipped windows must not record a total")
	}
}

func TestFetchStopsAfterFailureStreak(t *testing.T) {
	boom := &extractor.Error{Kind: extractor.KindRateLimited, Op: "window"}
	lister := &fakeLister{windows: func(start int) ([]models.Entry, error) {
		if start == 1 {
			return entries("A", 10), nil
		}
		return nil, boom
	}}
	f := newFixture(t, lister, Options{WindowSize: 10, WindowAttempts: 2, FailureStreakLimit: 3, MaxWindows: 50})

	res, err := f.retriever.Fetch(context.Background(), f.sub, FetchOptions{})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(res.Entries) != 10 || res.Windows != 4 {
		t.Fatalf("expected walk to stop after 3 failed windows: %+v", res)
	}
	if res.LastError == "" {
		t.Fatalf("expected last error to be reported")
	}
}

func TestFetchFailsWithoutEntries(t *testing.T) {
	boom := &extractor.Error{Kind: extractor.KindPermanent, Op: "window", Err: errors.New("404")}
	lister := &fakeLister{windows: func(start int) ([]models.Entry, error) { return nil, boom }}
	f := newFixture(t, lister, Options{WindowSize: 10})

	_, err := f.retriever.Fetch(context.Background(), f.sub, FetchOptions{})
	if !errors.Is(err, ErrNoEntries) {
		t.Fatalf("expected ErrNoEntries, got %v", err)
	}
	if extractor.KindOf(err) != extractor.KindPermanent {
		t.Fatalf("expected last extractor error to surface, got %v", err)
	}
	// Permanent errors are not retried.
	if n := len(lister.windowCalls()); n != 3 {
		t.Fatalf("expected one call per window until the streak limit, got %d", n)
	}
	if got := f.controller.Stats().Counts[models.StatusFailed]; got != 1 {
		t.Fatalf("expected list_fetch job to be failed, got %d", got)
	}
	status, _, _ := LoadSyncStatus(context.Background(), f.store, f.sub.ID)
	if status.Status != models.SyncFailed || status.Error == "" {
		t.Fatalf("unexpected status after failure: %+v", status)
	}
}

func seedHead(t *testing.T, f *fixture, ids ...string) {
	t.Helper()
	raw, _ := json.Marshal(ids)
	if err := f.store.PutSetting(context.Background(), HeadSnapshotKey(f.sub.ID), string(raw)); err != nil {
		t.Fatalf("seed head: %v", err)
	}
}

func TestFetchEarlyStopsOnHeadMatch(t *testing.T) {
	window := func(first ...string) func(int) ([]models.Entry, error) {
		return func(start int) ([]models.Entry, error) {
			out := make([]models.Entry, 0, 10)
			for _, id := range first {
				out = append(out, models.Entry{ID: id})
			}
			for _, e := range entries(fmt.Sprintf("P%d-", start), 10-len(first)) {
				out = append(out, e)
			}
			return out, nil
		}
	}

	lister := &fakeLister{windows: window("A", "B", "C")}
	f := newFixture(t, lister, Options{WindowSize: 10, MaxWindows: 20, EarlyStopThreshold: 3})
	seedHead(t, f, "A", "B", "C")
	res, err := f.retriever.Fetch(context.Background(), f.sub, FetchOptions{})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !res.EarlyStopped || len(lister.windowCalls()) != 1 {
		t.Fatalf("expected early stop after the first window: %+v calls=%d", res, len(lister.windowCalls()))
	}
	sub, _ := f.store.GetSubscription(context.Background(), f.sub.ID)
	if sub.ExpectedTotalSyncedAt != nil {
		t.Fatalf("early-stopped walk must not record a total")
	}

	lister = &fakeLister{windows: window("A", "B", "D")}
	f = newFixture(t, lister, Options{WindowSize: 10, MaxWindows: 20, EarlyStopThreshold: 3})
	seedHead(t, f, "A", "B", "C")
	res, err = f.retriever.Fetch(context.Background(), f.sub, FetchOptions{})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.EarlyStopped || len(lister.windowCalls()) != 20 {
		t.Fatalf("A,B,D must not early stop: %+v calls=%d", res, len(lister.windowCalls()))
	}
}

func TestAuthoritativeFetchIgnoresHead(t *testing.T) {
	lister := &fakeLister{windows: bySize(5, 5, 5, 2)}
	f := newFixture(t, lister, Options{WindowSize: 5, EarlyStopThreshold: 3})
	seedHead(t, f, "W0-000", "W0-001", "W0-002")

	res, err := f.retriever.Fetch(context.Background(), f.sub, FetchOptions{Authoritative: true})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.EarlyStopped || len(res.Entries) != 12 {
		t.Fatalf("authoritative walk must cover the whole catalog: %+v", res)
	}
}

func TestFetchRotatesCredentialAndIdentityOnRetry(t *testing.T) {
	attempts := 0
	lister := &fakeLister{}
	lister.windows = func(start int) ([]models.Entry, error) {
		if start == 1 {
			attempts++
			if attempts == 1 {
				return nil, &extractor.Error{Kind: extractor.KindAuth, Op: "window", Status: 403}
			}
		}
		return entries("R", 3), nil
	}
	f := newFixture(t, lister, Options{WindowSize: 10})
	first := f.store.AddCredential(models.Credential{Name: "one", SessionToken: "a", Active: true})
	second := f.store.AddCredential(models.Credential{Name: "two", SessionToken: "b", Active: true, UsageCount: 5})

	if _, err := f.retriever.Fetch(context.Background(), f.sub, FetchOptions{}); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	calls := lister.windowCalls()
	if len(calls) != 2 {
		t.Fatalf("expected one retry, got %d calls", len(calls))
	}
	if calls[0].credential != first || calls[1].credential != second {
		t.Fatalf("expected rotation %d -> %d, got %+v", first, second, calls)
	}
	if calls[0].identity == calls[1].identity {
		t.Fatalf("identity must toggle on retry")
	}
	c, _ := f.store.GetCredential(context.Background(), first)
	if c.FailureCount != 1 {
		t.Fatalf("auth failure should be recorded against the first credential: %+v", c)
	}
	c, _ = f.store.GetCredential(context.Background(), second)
	if c.UsageCount != 6 {
		t.Fatalf("success should be recorded against the second credential: %+v", c)
	}
}

func TestPrefetchCompleteSkipsPagination(t *testing.T) {
	lister := &fakeLister{
		windows: bySize(10, 10),
		flat:    extractor.Catalog{Entries: entries("F", 4), Total: 4},
	}
	f := newFixture(t, lister, Options{WindowSize: 10, Prefetch: []PrefetchMode{PrefetchSingleJSON, PrefetchFlat}})

	res, err := f.retriever.Fetch(context.Background(), f.sub, FetchOptions{})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.Prefetched != 4 || len(res.Entries) != 4 || len(lister.windowCalls()) != 0 {
		t.Fatalf("complete prefetch should skip pagination: %+v calls=%d", res, len(lister.windowCalls()))
	}
}

func TestPrefetchSeedIsMergedWithWindows(t *testing.T) {
	lister := &fakeLister{
		windows: bySize(10, 10, 3),
		flat:    extractor.Catalog{Entries: entries("W0-", 4)},
	}
	f := newFixture(t, lister, Options{WindowSize: 10, Prefetch: []PrefetchMode{PrefetchFlat}})

	res, err := f.retriever.Fetch(context.Background(), f.sub, FetchOptions{})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(res.Entries) != 13 {
		t.Fatalf("expected seed merged without duplicates, got %d", len(res.Entries))
	}
}

func TestDefaultPrefetchIsAttempted(t *testing.T) {
	lister := &fakeLister{
		windows: bySize(10, 10),
		flat:    extractor.Catalog{Entries: entries("F", 3), Total: 3},
	}
	f := newFixture(t, lister, Options{WindowSize: 10})
	f.retriever = NewRetriever(lister, credentials.NewPool(f.store, credentials.Options{}), f.controller, queue.NewSubscriptionLocks(), f.store, Options{WindowSize: 10})

	res, err := f.retriever.Fetch(context.Background(), f.sub, FetchOptions{})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.Prefetched != 3 || len(lister.windowCalls()) != 0 {
		t.Fatalf("default options should prefetch before paginating: %+v calls=%d", res, len(lister.windowCalls()))
	}
}

func TestParsePrefetchModes(t *testing.T) {
	if got := ParsePrefetchModes(""); got != nil {
		t.Fatalf("empty value should keep the default, got %v", got)
	}
	if got := ParsePrefetchModes("none"); got == nil || len(got) != 0 {
		t.Fatalf("none should disable prefetch, got %v", got)
	}
	got := ParsePrefetchModes(" flat , bogus,single_json")
	if len(got) != 2 || got[0] != PrefetchFlat || got[1] != PrefetchSingleJSON {
		t.Fatalf("unexpected modes %v", got)
	}
}

func TestConcurrentWalksOfDifferentSubscriptions(t *testing.T) {
	lister := &fakeLister{windows: bySize(10, 10, 10, 4)}
	f := newFixture(t, lister, Options{
		WindowSize:    10,
		PageDelayMin:  time.Millisecond,
		PageDelayMax:  5 * time.Millisecond,
		RetryDelayMin: time.Millisecond,
		RetryDelayMax: 5 * time.Millisecond,
	})
	ctx := context.Background()

	subs := []models.Subscription{f.sub}
	for i := 0; i < 3; i++ {
		sub := models.Subscription{Name: fmt.Sprintf("list-%d", i), Kind: models.KindCollection, URL: fmt.Sprintf("https://example.test/%d", i), Active: true}
		id, err := f.store.CreateSubscription(ctx, sub)
		if err != nil {
			t.Fatalf("create subscription: %v", err)
		}
		sub.ID = id
		subs = append(subs, sub)
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(subs))
	for _, sub := range subs {
		wg.Add(1)
		go func(sub models.Subscription) {
			defer wg.Done()
			res, err := f.retriever.Fetch(ctx, sub, FetchOptions{Authoritative: true})
			if err == nil && len(res.Entries) != 34 {
				err = fmt.Errorf("sub %d: expected 34 entries, got %d", sub.ID, len(res.Entries))
			}
			errs <- err
		}(sub)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent fetch: %v", err)
		}
	}
}

func TestLocator(t *testing.T) {
	cases := []struct {
		sub  models.Subscription
		want string
	}{
		{models.Subscription{Kind: models.KindCollection, URL: "https://x/list"}, "https://x/list"},
		{models.Subscription{Kind: models.KindUploader, UploaderID: "42"}, "https://space.bilibili.com/42/video"},
		{models.Subscription{Kind: models.KindKeyword, Keyword: "cats"}, "bilisearchall:cats"},
	}
	for _, tc := range cases {
		if got := Locator(tc.sub, "bilisearch"); got != tc.want {
			t.Fatalf("Locator(%+v) = %q want %q", tc.sub, got, tc.want)
		}
	}
}
