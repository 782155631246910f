package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"catalog-curator/internal/models"
)

func newTestController(credCap, noCredCap int) *Controller {
	return New(Options{CapCredential: credCap, CapNoCredential: noCredCap, PollInterval: 5 * time.Millisecond})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRunningNeverExceedsCapacity(t *testing.T) {
	c := newTestController(1, 2)
	var current, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := c.Run(context.Background(), JobSpec{Type: models.JobDownload}, func(ctx context.Context, _ string) error {
				n := atomic.AddInt32(&current, 1)
				for {
					p := atomic.LoadInt32(&peak)
					if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
						break
					}
				}
				time.Sleep(15 * time.Millisecond)
				atomic.AddInt32(&current, -1)
				return nil
			})
			if err != nil {
				t.Errorf("run: %v", err)
			}
		}()
	}
	wg.Wait()

	if peak > 2 {
		t.Fatalf("expected at most 2 concurrent jobs, saw %d", peak)
	}
	st := c.Stats()
	if st.Counts[models.StatusDone] != 6 {
		t.Fatalf("expected 6 done jobs, got %d", st.Counts[models.StatusDone])
	}
	if st.NoCredential.Running != 0 || st.NoCredential.Available != 2 {
		t.Fatalf("unexpected channel stats after drain: %+v", st.NoCredential)
	}
}

func TestCapacityIncreaseAdmitsWaiter(t *testing.T) {
	c := newTestController(1, 1)
	first := c.Enqueue(JobSpec{Type: models.JobListFetch, RequiresCredential: true})
	if err := c.MarkRunning(context.Background(), first); err != nil {
		t.Fatalf("mark running: %v", err)
	}

	second := c.Enqueue(JobSpec{Type: models.JobListFetch, RequiresCredential: true})
	admitted := make(chan error, 1)
	go func() { admitted <- c.MarkRunning(context.Background(), second) }()

	waitFor(t, "second job to wait", func() bool {
		j, _ := c.Get(second)
		return j.WaitCycles > 0
	})
	j, _ := c.Get(second)
	if j.LastWaitReason != WaitCapExceeded {
		t.Fatalf("expected cap_exceeded wait reason, got %q", j.LastWaitReason)
	}

	two := 2
	c.SetCapacity(&two, nil)
	select {
	case err := <-admitted:
		if err != nil {
			t.Fatalf("second admission: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("second job not admitted after capacity increase")
	}

	if j, _ := c.Get(first); j.Status != models.StatusRunning {
		t.Fatalf("first job disturbed by capacity change: %s", j.Status)
	}
	if st := c.Stats(); st.Credential.Running != 2 || st.Credential.Available != 0 {
		t.Fatalf("unexpected credential stats: %+v", st.Credential)
	}
}

func TestEnqueueThenCancelNeverRuns(t *testing.T) {
	c := newTestController(1, 2)
	id := c.Enqueue(JobSpec{Type: models.JobDownload})
	if err := c.Cancel(id, "user"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := c.MarkRunning(context.Background(), id); !errors.Is(err, ErrJobCanceled) {
		t.Fatalf("expected ErrJobCanceled, got %v", err)
	}
	j, _ := c.Get(id)
	if j.Status != models.StatusCanceled {
		t.Fatalf("expected canceled, got %s", j.Status)
	}
	if st := c.Stats(); st.NoCredential.Running != 0 {
		t.Fatalf("running count moved: %d", st.NoCredential.Running)
	}
	if err := c.Cancel(id, "again"); err != nil {
		t.Fatalf("cancel of terminal job should succeed: %v", err)
	}
	if err := c.Cancel("missing", ""); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("expected ErrUnknownJob, got %v", err)
	}
}

func TestFinishIsIdempotent(t *testing.T) {
	c := newTestController(1, 2)

	queued := c.Enqueue(JobSpec{Type: models.JobDownload})
	c.MarkDone(queued)
	c.MarkFailed(queued, errors.New("boom"))
	if j, _ := c.Get(queued); j.Status != models.StatusQueued {
		t.Fatalf("finishing a queued job should be a no-op, got %s", j.Status)
	}

	id := c.Enqueue(JobSpec{Type: models.JobDownload})
	if err := c.MarkRunning(context.Background(), id); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	c.MarkDone(id)
	c.MarkDone(id)
	c.MarkFailed(id, errors.New("late"))
	_ = c.Cancel(id, "late")

	st := c.Stats()
	if st.NoCredential.Running != 0 {
		t.Fatalf("expected running 0, got %d", st.NoCredential.Running)
	}
	if j, _ := c.Get(id); j.Status != models.StatusDone {
		t.Fatalf("terminal state changed: %s", j.Status)
	}
}

func TestCancelRunningReleasesSlot(t *testing.T) {
	c := newTestController(1, 1)
	id := c.Enqueue(JobSpec{Type: models.JobListFetch})
	if err := c.MarkRunning(context.Background(), id); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	if err := c.Cancel(id, "stop"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !c.Canceled(id) {
		t.Fatalf("expected job to report canceled")
	}
	c.MarkFailed(id, errors.New("after cancel"))
	if st := c.Stats(); st.NoCredential.Running != 0 {
		t.Fatalf("expected slot released once, running=%d", st.NoCredential.Running)
	}

	next := c.Enqueue(JobSpec{Type: models.JobListFetch})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.MarkRunning(ctx, next); err != nil {
		t.Fatalf("next job should take the freed slot: %v", err)
	}
}

func TestPauseBlocksAdmission(t *testing.T) {
	c := newTestController(1, 2)
	if err := c.Pause(ScopeAll); err != nil {
		t.Fatalf("pause: %v", err)
	}
	id := c.Enqueue(JobSpec{Type: models.JobDownload})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := c.MarkRunning(ctx, id); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	j, _ := c.Get(id)
	if j.LastWaitReason != WaitPausedAll || j.Status != models.StatusCanceled {
		t.Fatalf("unexpected job after paused wait: reason=%s status=%s", j.LastWaitReason, j.Status)
	}

	_ = c.Resume(ScopeAll)
	_ = c.Pause(ScopeNoCredential)
	blocked := c.Enqueue(JobSpec{Type: models.JobDownload})
	done := make(chan error, 1)
	go func() { done <- c.MarkRunning(context.Background(), blocked) }()
	waitFor(t, "channel pause wait", func() bool {
		j, _ := c.Get(blocked)
		return j.LastWaitReason == WaitPausedChannel
	})

	cred := c.Enqueue(JobSpec{Type: models.JobDownload, RequiresCredential: true})
	if err := c.MarkRunning(context.Background(), cred); err != nil {
		t.Fatalf("credential channel should be unaffected: %v", err)
	}

	_ = c.Resume(ScopeNoCredential)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("resume admission: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("job not admitted after resume")
	}

	if err := c.Pause(Scope("bogus")); !errors.Is(err, ErrBadScope) {
		t.Fatalf("expected ErrBadScope, got %v", err)
	}
}

func TestPrioritizeAdmitsFirst(t *testing.T) {
	c := newTestController(1, 1)
	holder := c.Enqueue(JobSpec{Type: models.JobDownload})
	if err := c.MarkRunning(context.Background(), holder); err != nil {
		t.Fatalf("mark running: %v", err)
	}

	b := c.Enqueue(JobSpec{Type: models.JobDownload})
	d := c.Enqueue(JobSpec{Type: models.JobDownload})
	for _, id := range []string{b, d} {
		id := id
		go func() { _ = c.MarkRunning(context.Background(), id) }()
	}
	waitFor(t, "both waiters", func() bool {
		jb, _ := c.Get(b)
		jd, _ := c.Get(d)
		return jb.WaitCycles > 0 && jd.WaitCycles > 0
	})

	five := 5
	if err := c.Prioritize(d, &five); err != nil {
		t.Fatalf("prioritize: %v", err)
	}
	if list := c.List(); list[0].ID != d {
		t.Fatalf("expected prioritized job first in list, got %s", list[0].ID)
	}
	c.MarkDone(holder)

	waitFor(t, "prioritized admission", func() bool {
		j, _ := c.Get(d)
		return j.Status == models.StatusRunning
	})
	if j, _ := c.Get(b); j.Status != models.StatusQueued {
		t.Fatalf("expected earlier job to keep waiting, got %s", j.Status)
	}
	if j, _ := c.Get(d); j.Priority != 5 {
		t.Fatalf("priority not recorded: %d", j.Priority)
	}
	c.MarkDone(d)
	waitFor(t, "remaining admission", func() bool {
		j, _ := c.Get(b)
		return j.Status == models.StatusRunning
	})
}

func TestEnqueueDedupKey(t *testing.T) {
	c := newTestController(1, 2)
	key := DedupKeyFor(models.JobListFetch, 7)
	first := c.Enqueue(JobSpec{Type: models.JobListFetch, DedupKey: key})
	if again := c.Enqueue(JobSpec{Type: models.JobListFetch, DedupKey: key}); again != first {
		t.Fatalf("expected dedup hit to return %s, got %s", first, again)
	}
	_ = c.Cancel(first, "")
	if fresh := c.Enqueue(JobSpec{Type: models.JobListFetch, DedupKey: key}); fresh == first {
		t.Fatalf("expected a new job after the first became terminal")
	}
}

func TestReapZombiesAndPrune(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}
	c := New(Options{CapCredential: 1, CapNoCredential: 2, PollInterval: time.Millisecond, Now: clock})

	listing := c.Enqueue(JobSpec{Type: models.JobListFetch})
	download := c.Enqueue(JobSpec{Type: models.JobDownload})
	for _, id := range []string{listing, download} {
		if err := c.MarkRunning(context.Background(), id); err != nil {
			t.Fatalf("mark running: %v", err)
		}
	}

	advance(21 * time.Minute)
	reaped := c.ReapZombies(20 * time.Minute)
	if len(reaped) != 1 || reaped[0] != listing {
		t.Fatalf("expected only the list job reaped, got %v", reaped)
	}
	if st := c.Stats(); st.NoCredential.Running != 1 {
		t.Fatalf("expected one slot still held, got %d", st.NoCredential.Running)
	}
	if again := c.ReapZombies(20 * time.Minute); len(again) != 0 {
		t.Fatalf("reaper should not touch terminal jobs, got %v", again)
	}

	advance(2 * time.Hour)
	if n := c.Prune(time.Hour); n != 1 {
		t.Fatalf("expected 1 pruned job, got %d", n)
	}
	if _, ok := c.Get(download); !ok {
		t.Fatalf("running job must survive prune")
	}
}

func TestSubscriptionLocks(t *testing.T) {
	locks := NewSubscriptionLocks()
	unlock, err := locks.Lock(context.Background(), 3)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if !locks.Held(3) || locks.Held(4) {
		t.Fatalf("unexpected held state")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := locks.Lock(ctx, 3); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected second lock to time out, got %v", err)
	}

	other, err := locks.Lock(context.Background(), 4)
	if err != nil {
		t.Fatalf("independent subscription should lock: %v", err)
	}
	other()

	unlock()
	unlock()
	again, err := locks.Lock(context.Background(), 3)
	if err != nil {
		t.Fatalf("relock: %v", err)
	}
	again()
}
