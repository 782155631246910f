package catalog

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"time"

	"catalog-curator/internal/credentials"
	"catalog-curator/internal/extractor"
	"catalog-curator/internal/models"
	"catalog-curator/internal/queue"
	"catalog-curator/internal/telemetry"
)

// ErrNoEntries means neither prefetch nor pagination produced a single entry.
var ErrNoEntries = errors.New("no catalog entries obtained")

// Lister is the extractor surface used for catalog walks.
type Lister interface {
	Window(ctx context.Context, call extractor.Call, start, end int) ([]models.Entry, error)
	FlatList(ctx context.Context, call extractor.Call) (extractor.Catalog, error)
	SingleJSON(ctx context.Context, call extractor.Call) (extractor.Catalog, error)
}

// CredentialSource selects credentials and records their outcomes.
type CredentialSource interface {
	Acquire(ctx context.Context) (*models.Credential, error)
	Alternate(ctx context.Context, exclude ...int64) (*models.Credential, error)
	RecordUse(ctx context.Context, id int64) error
	RecordFailure(ctx context.Context, id int64, reason string) (bool, error)
}

// Admission registers the walk as a job and exposes cooperative cancellation.
type Admission interface {
	Run(ctx context.Context, spec queue.JobSpec, fn func(ctx context.Context, jobID string) error) error
	Canceled(id string) bool
}

// Locker serializes work within one subscription.
type Locker interface {
	Lock(ctx context.Context, subscriptionID int64) (func(), error)
}

// PrefetchMode is a single-shot whole-catalog listing strategy.
type PrefetchMode string

const (
	PrefetchSingleJSON PrefetchMode = "single_json"
	PrefetchFlat       PrefetchMode = "flat"
)

// DefaultPrefetch is tried in order before pagination.
var DefaultPrefetch = []PrefetchMode{PrefetchSingleJSON, PrefetchFlat}

// ParsePrefetchModes reads a comma separated mode list. An empty value keeps
// the default; "none" disables prefetch. Unknown modes are dropped.
func ParsePrefetchModes(s string) []PrefetchMode {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	modes := []PrefetchMode{}
	for _, part := range strings.Split(s, ",") {
		switch m := PrefetchMode(strings.TrimSpace(part)); m {
		case PrefetchSingleJSON, PrefetchFlat:
			modes = append(modes, m)
		}
	}
	return modes
}

// Options tunes a Retriever.
type Options struct {
	WindowSize         int
	MaxWindows         int
	WindowAttempts     int
	RetryDelayMin      time.Duration
	RetryDelayMax      time.Duration
	PageDelayMin       time.Duration
	PageDelayMax       time.Duration
	FailureStreakLimit int
	EarlyStopThreshold int
	HeadSnapshotSize   int
	SearchPrefix       string

	// Prefetch defaults to DefaultPrefetch when nil; an empty slice disables it.
	Prefetch []PrefetchMode
	// Sleep waits between attempts and pages; replaced in tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// FetchOptions changes a single walk.
type FetchOptions struct {
	// Authoritative disables early stop for callers that need an exact total.
	Authoritative bool
}

// Result is the outcome of one walk.
type Result struct {
	Entries       []models.Entry `json:"entries"`
	Windows       int            `json:"windows"`
	FailedWindows int            `json:"failed_windows"`
	EarlyStopped  bool           `json:"early_stopped"`
	Prefetched    int            `json:"prefetched"`
	RemoteTotal   int            `json:"remote_total"`
	LastError     string         `json:"last_error,omitempty"`
}

// Retriever produces a subscription's deduplicated, ordered entry list.
type Retriever struct {
	lister    Lister
	creds     CredentialSource
	admission Admission
	locks     Locker
	state     StateStore
	opts      Options
}

func NewRetriever(lister Lister, creds CredentialSource, admission Admission, locks Locker, state StateStore, opts Options) *Retriever {
	if opts.WindowSize <= 0 {
		opts.WindowSize = 50
	}
	if opts.MaxWindows <= 0 {
		opts.MaxWindows = 200
	}
	if opts.WindowAttempts <= 0 {
		opts.WindowAttempts = 3
	}
	if opts.FailureStreakLimit <= 0 {
		opts.FailureStreakLimit = 3
	}
	if opts.EarlyStopThreshold <= 0 {
		opts.EarlyStopThreshold = 30
	}
	if opts.HeadSnapshotSize <= 0 {
		opts.HeadSnapshotSize = 200
	}
	if opts.Prefetch == nil {
		opts.Prefetch = DefaultPrefetch
	}
	if opts.SearchPrefix == "" {
		opts.SearchPrefix = "bilisearch"
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	return &Retriever{
		lister:    lister,
		creds:     creds,
		admission: admission,
		locks:     locks,
		state:     state,
		opts:      opts,
	}
}

// Locator returns the catalog URL or search expression for a subscription.
func Locator(sub models.Subscription, searchPrefix string) string {
	switch sub.Kind {
	case models.KindKeyword:
		return fmt.Sprintf("%sall:%s", searchPrefix, sub.Keyword)
	case models.KindUploader:
		if sub.URL != "" {
			return sub.URL
		}
		return fmt.Sprintf("https://space.bilibili.com/%s/video", sub.UploaderID)
	default:
		return sub.URL
	}
}

// Fetch walks the subscription's catalog under its lock, registered as a
// list_fetch job. A non-empty partial result is a success.
func (r *Retriever) Fetch(ctx context.Context, sub models.Subscription, opts FetchOptions) (Result, error) {
	unlock, err := r.locks.Lock(ctx, sub.ID)
	if err != nil {
		return Result{}, fmt.Errorf("lock subscription %d: %w", sub.ID, err)
	}
	defer unlock()

	cred, err := r.creds.Acquire(ctx)
	if err != nil && !errors.Is(err, credentials.ErrNoCredential) {
		log.Printf("[catalog] event=credential_unavailable sub=%d err=%v", sub.ID, err)
	}
	call := extractor.Call{
		Locator:    Locator(sub, r.opts.SearchPrefix),
		Credential: cred,
		Identity:   extractor.IdentityBrowser,
	}

	saveSyncStatus(ctx, r.state, sub.ID, models.SyncStatus{Status: models.SyncRunning, UpdatedAt: time.Now().UTC()})

	sid := sub.ID
	var res Result
	spec := queue.JobSpec{Type: models.JobListFetch, SubscriptionID: &sid, RequiresCredential: cred != nil}
	runErr := r.admission.Run(ctx, spec, func(ctx context.Context, jobID string) error {
		var werr error
		res, werr = r.walk(ctx, jobID, sub.ID, &call, opts)
		return werr
	})
	if runErr != nil {
		saveSyncStatus(ctx, r.state, sub.ID, models.SyncStatus{
			Status:        models.SyncFailed,
			UpdatedAt:     time.Now().UTC(),
			Windows:       res.Windows,
			FailedWindows: res.FailedWindows,
			Error:         runErr.Error(),
		})
		return res, runErr
	}

	r.persist(ctx, sub.ID, res)
	telemetry.ListEntries.Observe(float64(len(res.Entries)))
	return res, nil
}

func (r *Retriever) walk(ctx context.Context, jobID string, subID int64, call *extractor.Call, opts FetchOptions) (Result, error) {
	var res Result
	var lastErr error
	seen := make(map[string]bool)
	add := func(batch []models.Entry) {
		for _, e := range batch {
			if e.ID == "" || seen[e.ID] {
				continue
			}
			seen[e.ID] = true
			res.Entries = append(res.Entries, e)
		}
	}

	complete := false
	for _, mode := range r.opts.Prefetch {
		cat, err := r.prefetch(ctx, mode, *call)
		if err != nil {
			lastErr = err
			r.noteFailure(ctx, call, err)
			log.Printf("[catalog] event=prefetch_failed sub=%d mode=%s class=%s", subID, mode, extractor.KindOf(err))
			continue
		}
		if len(cat.Entries) == 0 {
			continue
		}
		add(cat.Entries)
		res.Prefetched = len(res.Entries)
		res.RemoteTotal = cat.Total
		complete = cat.Total > 0 && len(res.Entries) >= cat.Total
		log.Printf("[catalog] event=prefetch sub=%d mode=%s entries=%d total=%d complete=%v", subID, mode, res.Prefetched, cat.Total, complete)
		break
	}

	var stopper *earlyStop
	if !opts.Authoritative {
		stopper = newEarlyStop(HeadSnapshot(ctx, r.state, subID), r.opts.EarlyStopThreshold)
	}

	streak := 0
	for w := 0; !complete && w < r.opts.MaxWindows; w++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if r.admission.Canceled(jobID) {
			log.Printf("[catalog] event=canceled sub=%d windows=%d", subID, res.Windows)
			break
		}
		if w > 0 && streak == 0 {
			if err := r.opts.Sleep(ctx, r.jitter(r.opts.PageDelayMin, r.opts.PageDelayMax)); err != nil {
				return res, err
			}
		}

		start := w*r.opts.WindowSize + 1
		end := start + r.opts.WindowSize - 1
		batch, err := r.fetchWindow(ctx, call, start, end)
		res.Windows++
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			lastErr = err
			res.FailedWindows++
			streak++
			log.Printf("[catalog] event=window_skipped sub=%d window=%d start=%d streak=%d class=%s", subID, w+1, start, streak, extractor.KindOf(err))
			if streak >= r.opts.FailureStreakLimit {
				log.Printf("[catalog] event=streak_limit sub=%d windows=%d entries=%d", subID, res.Windows, len(res.Entries))
				break
			}
			continue
		}
		streak = 0

		add(batch)
		if stopper != nil && stopper.observe(batch) {
			res.EarlyStopped = true
			telemetry.ListEarlyStops.Inc()
			log.Printf("[catalog] event=early_stop sub=%d window=%d entries=%d", subID, w+1, len(res.Entries))
			break
		}
		if len(batch) < r.opts.WindowSize {
			break
		}
	}

	if lastErr != nil {
		res.LastError = lastErr.Error()
	}
	if len(res.Entries) == 0 {
		if lastErr != nil {
			return res, fmt.Errorf("%w: %w", ErrNoEntries, lastErr)
		}
		return res, ErrNoEntries
	}
	return res, nil
}

func (r *Retriever) prefetch(ctx context.Context, mode PrefetchMode, call extractor.Call) (extractor.Catalog, error) {
	switch mode {
	case PrefetchSingleJSON:
		return r.lister.SingleJSON(ctx, call)
	case PrefetchFlat:
		return r.lister.FlatList(ctx, call)
	default:
		return extractor.Catalog{}, fmt.Errorf("unknown prefetch mode %q", mode)
	}
}

// fetchWindow retries one window. From the second attempt on it rotates the
// credential and toggles the identity; both changes persist in call.
func (r *Retriever) fetchWindow(ctx context.Context, call *extractor.Call, start, end int) ([]models.Entry, error) {
	var lastErr error
	for attempt := 1; attempt <= r.opts.WindowAttempts; attempt++ {
		if attempt > 1 {
			if err := r.opts.Sleep(ctx, r.jitter(r.opts.RetryDelayMin, r.opts.RetryDelayMax)); err != nil {
				return nil, err
			}
			r.rotate(ctx, call)
		}
		entries, err := r.lister.Window(ctx, *call, start, end)
		if err == nil {
			telemetry.WindowFetches.WithLabelValues("ok").Inc()
			if call.Credential != nil {
				if uerr := r.creds.RecordUse(ctx, call.Credential.ID); uerr != nil {
					log.Printf("[catalog] event=credential_use_failed err=%v", uerr)
				}
			}
			return entries, nil
		}
		lastErr = err
		telemetry.WindowFetches.WithLabelValues("error").Inc()
		r.noteFailure(ctx, call, err)
		if ctx.Err() != nil || !extractor.KindOf(err).Retryable() {
			break
		}
	}
	return nil, lastErr
}

func (r *Retriever) rotate(ctx context.Context, call *extractor.Call) {
	call.Identity = call.Identity.Toggle()
	if call.Credential == nil {
		return
	}
	alt, err := r.creds.Alternate(ctx, call.Credential.ID)
	if err != nil {
		return
	}
	log.Printf("[catalog] event=rotate from=%d to=%d identity=%s", call.Credential.ID, alt.ID, call.Identity)
	call.Credential = alt
}

func (r *Retriever) noteFailure(ctx context.Context, call *extractor.Call, err error) {
	if call.Credential == nil || extractor.KindOf(err) != extractor.KindAuth {
		return
	}
	if _, ferr := r.creds.RecordFailure(ctx, call.Credential.ID, truncate(err.Error(), 200)); ferr != nil {
		log.Printf("[catalog] event=credential_failure_not_saved err=%v", ferr)
	}
}

func (r *Retriever) persist(ctx context.Context, subID int64, res Result) {
	if err := SaveHeadSnapshot(ctx, r.state, subID, res.Entries, r.opts.HeadSnapshotSize); err != nil {
		log.Printf("[catalog] event=head_save_failed sub=%d err=%v", subID, err)
	}
	now := time.Now().UTC()
	head := len(res.Entries)
	if head > r.opts.HeadSnapshotSize {
		head = r.opts.HeadSnapshotSize
	}
	saveSyncStatus(ctx, r.state, subID, models.SyncStatus{
		Status:        models.SyncIdle,
		UpdatedAt:     now,
		LastSyncTotal: len(res.Entries),
		HeadSize:      head,
		Windows:       res.Windows,
		FailedWindows: res.FailedWindows,
		EarlyStopped:  res.EarlyStopped,
		Error:         res.LastError,
	})
	// Only a full walk says anything about the remote total.
	if res.EarlyStopped || res.FailedWindows > 0 {
		return
	}
	total := len(res.Entries)
	if res.RemoteTotal > total {
		total = res.RemoteTotal
	}
	if err := putJSON(ctx, r.state, RemoteTotalKey(subID), RemoteTotal{Total: total, At: now}); err != nil {
		log.Printf("[catalog] event=total_cache_failed sub=%d err=%v", subID, err)
	}
	if err := r.state.RecordListing(ctx, subID, total, now); err != nil {
		log.Printf("[catalog] event=record_listing_failed sub=%d err=%v", subID, err)
	}
}

func (r *Retriever) jitter(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		return s[:n]
	}
	return s
}
