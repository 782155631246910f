package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"catalog-curator/internal/catalog"
	"catalog-curator/internal/inventory"
	"catalog-curator/internal/models"
	"catalog-curator/internal/queue"
	"catalog-curator/internal/store/memstore"
)

type fakeCatalog struct {
	entries []models.Entry
	err     error
	// waiting, when set, is signalled and Fetch blocks until ctx ends.
	waiting chan struct{}
}

func (f *fakeCatalog) Fetch(ctx context.Context, sub models.Subscription, opts catalog.FetchOptions) (catalog.Result, error) {
	if f.waiting != nil {
		close(f.waiting)
		<-ctx.Done()
		return catalog.Result{}, ctx.Err()
	}
	if f.err != nil {
		return catalog.Result{}, f.err
	}
	return catalog.Result{Entries: f.entries, Windows: 1}, nil
}

type fakeDownloader struct {
	mu      sync.Mutex
	got     []string
	fail    map[string]error
	started chan string
	release chan struct{}
}

func (f *fakeDownloader) Download(ctx context.Context, sub models.Subscription, e models.Entry, dir string) (models.Video, error) {
	f.mu.Lock()
	f.got = append(f.got, e.ID)
	f.mu.Unlock()
	if f.started != nil {
		f.started <- e.ID
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return models.Video{}, ctx.Err()
		}
	}
	if err := f.fail[e.ID]; err != nil {
		return models.Video{}, err
	}
	return models.Video{ExternalID: e.ID, Downloaded: true}, nil
}

func (f *fakeDownloader) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.got...)
}

func entryList(ids ...string) []models.Entry {
	out := make([]models.Entry, len(ids))
	for i, id := range ids {
		out[i] = models.Entry{ID: id}
	}
	return out
}

type harness struct {
	mgr   *Manager
	store *memstore.Store
	sid   int64
}

func newHarness(t *testing.T, cat Catalog, dl Downloader, opts Options) *harness {
	t.Helper()
	st := memstore.New()
	sid, err := st.CreateSubscription(context.Background(), models.Subscription{Name: "list", Kind: models.KindCollection})
	if err != nil {
		t.Fatal(err)
	}
	if opts.Root == "" {
		opts.Root = t.TempDir()
	}
	mgr := NewManager(Deps{
		Store:      st,
		Catalog:    cat,
		Resolver:   inventory.NewResolver(st, inventory.ResolverOptions{}),
		Downloader: dl,
		Locks:      queue.NewSubscriptionLocks(),
	}, opts)
	t.Cleanup(mgr.Close)
	return &harness{mgr: mgr, store: st, sid: sid}
}

func waitState(t *testing.T, m *Manager, id string, want State) View {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if v, ok := m.Get(id); ok && v.State == want {
			return v
		}
		time.Sleep(2 * time.Millisecond)
	}
	v, _ := m.Get(id)
	t.Fatalf("timed out waiting for %s, session is %s", want, v.State)
	return View{}
}

func TestSessionDownloadsOnlyNewEntries(t *testing.T) {
	dl := &fakeDownloader{}
	h := newHarness(t, &fakeCatalog{entries: entryList("N1", "E1", "P1", "N2")}, dl, Options{})
	path := "/media/e1.mp4"
	sid := h.sid
	h.store.AddVideo(models.Video{ExternalID: "E1", Downloaded: true, VideoPath: &path, SubscriptionID: &sid})
	_ = h.store.RecordDownloadFailure(context.Background(), models.DownloadFailure{ExternalID: "P1", Permanent: true, At: time.Now()})

	id, err := h.mgr.Start(context.Background(), h.sid)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	v := waitState(t, h.mgr, id, StateCompleted)
	if v.Total != 2 || v.Processed != 2 || v.Downloaded != 2 || v.Existing != 1 || v.Excluded != 1 {
		t.Fatalf("unexpected counters: %+v", v)
	}
	if got := dl.calls(); len(got) != 2 || got[0] != "N1" || got[1] != "N2" {
		t.Fatalf("expected N1,N2 in catalog order, got %v", got)
	}
	if v.FinishedAt == nil || v.StartedAt == nil {
		t.Fatalf("timestamps not set: %+v", v)
	}

	if _, err := h.mgr.Start(context.Background(), h.sid); err != nil {
		t.Fatalf("a finished session must not block a new one: %v", err)
	}
}

func TestSessionCompletesWhenNothingIsNew(t *testing.T) {
	dl := &fakeDownloader{}
	h := newHarness(t, &fakeCatalog{}, dl, Options{})
	id, _ := h.mgr.Start(context.Background(), h.sid)
	v := waitState(t, h.mgr, id, StateCompleted)
	if v.Total != 0 || len(dl.calls()) != 0 {
		t.Fatalf("empty new set should complete without downloads: %+v", v)
	}
}

func TestSessionFailsWhenCatalogFails(t *testing.T) {
	h := newHarness(t, &fakeCatalog{err: catalog.ErrNoEntries}, &fakeDownloader{}, Options{})
	id, _ := h.mgr.Start(context.Background(), h.sid)
	v := waitState(t, h.mgr, id, StateFailed)
	if v.Error == "" {
		t.Fatalf("failed session should carry the error")
	}
}

func TestSessionItemFailureDoesNotStopLoop(t *testing.T) {
	dl := &fakeDownloader{fail: map[string]error{"B": errors.New("boom")}}
	h := newHarness(t, &fakeCatalog{entries: entryList("A", "B", "C")}, dl, Options{})
	id, _ := h.mgr.Start(context.Background(), h.sid)
	v := waitState(t, h.mgr, id, StateCompleted)
	if v.Processed != 3 || v.Failed != 1 || v.Downloaded != 2 {
		t.Fatalf("unexpected counters: %+v", v)
	}
}

func TestOneActiveSessionPerSubscription(t *testing.T) {
	dl := &fakeDownloader{started: make(chan string, 4), release: make(chan struct{})}
	h := newHarness(t, &fakeCatalog{entries: entryList("A")}, dl, Options{})
	id, err := h.mgr.Start(context.Background(), h.sid)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	<-dl.started

	again, err := h.mgr.Start(context.Background(), h.sid)
	if !errors.Is(err, ErrAlreadyRunning) || again != id {
		t.Fatalf("expected ErrAlreadyRunning with the active id, got %q %v", again, err)
	}
	if v, ok := h.mgr.ForSubscription(h.sid); !ok || v.ID != id {
		t.Fatalf("ForSubscription = %+v %v", v, ok)
	}
	if err := h.mgr.Clear(id); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("clearing an active session must fail, got %v", err)
	}
	dl.release <- struct{}{}
	waitState(t, h.mgr, id, StateCompleted)
}

func TestPauseAndResume(t *testing.T) {
	dl := &fakeDownloader{started: make(chan string, 4), release: make(chan struct{})}
	h := newHarness(t, &fakeCatalog{entries: entryList("A", "B", "C")}, dl, Options{})
	id, _ := h.mgr.Start(context.Background(), h.sid)

	if first := <-dl.started; first != "A" {
		t.Fatalf("expected A first, got %s", first)
	}
	if err := h.mgr.Pause(id); err != nil {
		t.Fatalf("pause: %v", err)
	}
	dl.release <- struct{}{}
	waitState(t, h.mgr, id, StatePaused)

	select {
	case next := <-dl.started:
		t.Fatalf("item %s started while paused", next)
	case <-time.After(50 * time.Millisecond):
	}

	if err := h.mgr.Resume(id); err != nil {
		t.Fatalf("resume: %v", err)
	}
	for _, want := range []string{"B", "C"} {
		if got := <-dl.started; got != want {
			t.Fatalf("expected %s, got %s", want, got)
		}
		dl.release <- struct{}{}
	}
	v := waitState(t, h.mgr, id, StateCompleted)
	if v.Downloaded != 3 {
		t.Fatalf("expected all items downloaded, got %+v", v)
	}
	if err := h.mgr.Pause(id); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("pausing a finished session must fail, got %v", err)
	}
}

func TestCancelWhilePaused(t *testing.T) {
	dl := &fakeDownloader{started: make(chan string, 4), release: make(chan struct{})}
	h := newHarness(t, &fakeCatalog{entries: entryList("A", "B", "C")}, dl, Options{})
	id, _ := h.mgr.Start(context.Background(), h.sid)

	<-dl.started
	_ = h.mgr.Pause(id)
	dl.release <- struct{}{}
	waitState(t, h.mgr, id, StatePaused)

	if err := h.mgr.Cancel(id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	v := waitState(t, h.mgr, id, StateCancelled)
	if v.Processed != 1 || len(dl.calls()) != 1 {
		t.Fatalf("no item may run after cancel: %+v calls=%v", v, dl.calls())
	}
}

func TestCancelDuringItemDelay(t *testing.T) {
	dl := &fakeDownloader{started: make(chan string, 4)}
	h := newHarness(t, &fakeCatalog{entries: entryList("A", "B")}, dl, Options{ItemDelay: time.Hour})
	id, _ := h.mgr.Start(context.Background(), h.sid)

	<-dl.started
	waitFor := time.Now().Add(2 * time.Second)
	for time.Now().Before(waitFor) {
		if v, _ := h.mgr.Get(id); v.Processed == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	_ = h.mgr.Cancel(id)
	waitState(t, h.mgr, id, StateCancelled)
}

func TestCancelWhileCatalogFetchIsQueued(t *testing.T) {
	cat := &fakeCatalog{waiting: make(chan struct{})}
	dl := &fakeDownloader{}
	h := newHarness(t, cat, dl, Options{})
	id, _ := h.mgr.Start(context.Background(), h.sid)

	<-cat.waiting
	if err := h.mgr.Cancel(id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	v := waitState(t, h.mgr, id, StateCancelled)
	if v.Error != "" || len(dl.calls()) != 0 {
		t.Fatalf("cancelled fetch should end cleanly: %+v", v)
	}
}

func TestLogIsTrimmed(t *testing.T) {
	ids := make([]string, 30)
	for i := range ids {
		ids[i] = fmt.Sprintf("I%02d", i)
	}
	h := newHarness(t, &fakeCatalog{entries: entryList(ids...)}, &fakeDownloader{}, Options{LogLimit: 20, LogKeep: 10})
	id, _ := h.mgr.Start(context.Background(), h.sid)
	v := waitState(t, h.mgr, id, StateCompleted)
	if len(v.Log) > 20 || len(v.Log) < 10 {
		t.Fatalf("log not trimmed: %d lines", len(v.Log))
	}
	if last := v.Log[len(v.Log)-1].Message; last != "session completed" {
		t.Fatalf("expected newest line last, got %q", last)
	}
}

func TestCleanupAndClear(t *testing.T) {
	h := newHarness(t, &fakeCatalog{}, &fakeDownloader{}, Options{Retention: time.Hour})
	id, _ := h.mgr.Start(context.Background(), h.sid)
	waitState(t, h.mgr, id, StateCompleted)

	if n := h.mgr.Cleanup(time.Now()); n != 0 {
		t.Fatalf("session inside retention removed")
	}
	if n := h.mgr.Cleanup(time.Now().Add(2 * time.Hour)); n != 1 {
		t.Fatalf("expected expired session removed, got %d", n)
	}
	if _, ok := h.mgr.Get(id); ok {
		t.Fatalf("session still present after cleanup")
	}

	id, _ = h.mgr.Start(context.Background(), h.sid)
	waitState(t, h.mgr, id, StateCompleted)
	if err := h.mgr.Clear(id); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if err := h.mgr.Clear(id); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}
}

func TestStartUnknownSubscription(t *testing.T) {
	h := newHarness(t, &fakeCatalog{}, &fakeDownloader{}, Options{})
	if _, err := h.mgr.Start(context.Background(), 999); err == nil {
		t.Fatalf("expected error for unknown subscription")
	}
}
