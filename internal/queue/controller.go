package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"catalog-curator/internal/models"
	"catalog-curator/internal/telemetry"
)

var (
	ErrUnknownJob  = errors.New("unknown job")
	ErrJobCanceled = errors.New("job canceled")
	ErrBadScope    = errors.New("unknown pause scope")
)

// Scope selects which channels a pause or resume applies to.
type Scope string

const (
	ScopeAll          Scope = "all"
	ScopeCredential   Scope = "credential"
	ScopeNoCredential Scope = "no_credential"
)

const (
	WaitPausedAll     = "paused_all"
	WaitPausedChannel = "paused_channel"
	WaitCapExceeded   = "cap_exceeded"
)

const (
	maxCapCredential   = 3
	maxCapNoCredential = 5
)

// JobSpec describes an operation to register with the controller.
type JobSpec struct {
	Type               models.JobType
	SubscriptionID     *int64
	VideoID            string
	RequiresCredential bool
	// Priority, when set, places the job at the front of the queue.
	Priority *int
	// DedupKey collapses enqueues while a job with the same key is still live.
	DedupKey string
}

// DedupKeyFor builds the conventional type:subscription key.
func DedupKeyFor(t models.JobType, subscriptionID int64) string {
	return fmt.Sprintf("%s:%d", t, subscriptionID)
}

// Options configures a Controller.
type Options struct {
	CapCredential   int
	CapNoCredential int
	PollInterval    time.Duration
	// Classify labels failures in lifecycle logs. Optional.
	Classify func(error) string
	Now      func() time.Time
}

// Capacity is the configured size of both channels.
type Capacity struct {
	Credential   int `json:"credential"`
	NoCredential int `json:"no_credential"`
}

// ChannelStats summarizes one capacity pool.
type ChannelStats struct {
	Paused    bool `json:"paused"`
	Capacity  int  `json:"capacity"`
	Running   int  `json:"running"`
	Available int  `json:"available"`
	Queued    int  `json:"queued"`
}

// Stats is the aggregate view exposed to the management surface.
type Stats struct {
	PausedAll    bool                     `json:"paused_all"`
	Counts       map[models.JobStatus]int `json:"counts"`
	Total        int                      `json:"total"`
	Credential   ChannelStats             `json:"credential"`
	NoCredential ChannelStats             `json:"no_credential"`
}

type entry struct {
	job     models.Job
	holding bool
}

func (e *entry) scope() models.SlotScope {
	if e.job.RequiresCredential {
		return models.ScopeCredential
	}
	return models.ScopeNoCredential
}

// Controller admits outbound operations across the credentialed and
// uncredentialed channels. All state is guarded by mu.
type Controller struct {
	mu       sync.Mutex
	jobs     map[string]*entry
	order    []string
	dedup    map[string]string
	waiting  map[string]bool
	running  map[models.SlotScope]int
	caps     map[models.SlotScope]int
	paused   map[Scope]bool
	wake     chan struct{}
	poll     time.Duration
	classify func(error) string
	now      func() time.Time
}

// New builds a controller with clamped capacities.
func New(opts Options) *Controller {
	poll := opts.PollInterval
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	c := &Controller{
		jobs:     make(map[string]*entry),
		dedup:    make(map[string]string),
		waiting:  make(map[string]bool),
		running:  map[models.SlotScope]int{models.ScopeCredential: 0, models.ScopeNoCredential: 0},
		caps:     map[models.SlotScope]int{},
		paused:   make(map[Scope]bool),
		wake:     make(chan struct{}),
		poll:     poll,
		classify: opts.Classify,
		now:      now,
	}
	c.caps[models.ScopeCredential] = clamp(opts.CapCredential, 1, maxCapCredential)
	c.caps[models.ScopeNoCredential] = clamp(opts.CapNoCredential, 1, maxCapNoCredential)
	c.publishGauges()
	return c
}

// Enqueue registers a job and returns its id. It never fails.
func (c *Controller) Enqueue(spec JobSpec) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if spec.DedupKey != "" {
		if id, ok := c.dedup[spec.DedupKey]; ok {
			if e, ok := c.jobs[id]; ok && !e.job.Status.Terminal() {
				log.Printf("[queue] event=dedup_hit job=%s key=%s", id, spec.DedupKey)
				return id
			}
		}
	}

	e := &entry{job: models.Job{
		ID:                 uuid.NewString(),
		Type:               spec.Type,
		SubscriptionID:     spec.SubscriptionID,
		VideoID:            spec.VideoID,
		RequiresCredential: spec.RequiresCredential,
		Status:             models.StatusQueued,
		DedupKey:           spec.DedupKey,
		CreatedAt:          c.now(),
	}}
	c.jobs[e.job.ID] = e
	if spec.Priority != nil {
		e.job.Priority = *spec.Priority
		c.order = append([]string{e.job.ID}, c.order...)
	} else {
		c.order = append(c.order, e.job.ID)
	}
	if spec.DedupKey != "" {
		c.dedup[spec.DedupKey] = e.job.ID
	}
	telemetry.JobsEnqueued.WithLabelValues(string(spec.Type)).Inc()
	log.Printf("[queue] event=enqueue job=%s type=%s sub=%s scope=%s", e.job.ID, spec.Type, subLabel(spec.SubscriptionID), e.scope())
	return e.job.ID
}

// MarkRunning blocks until the job may take a slot in its channel. No lock is
// held while waiting. A job canceled while waiting returns ErrJobCanceled
// without acquiring; if ctx ends first the job is canceled and ctx.Err() returned.
func (c *Controller) MarkRunning(ctx context.Context, id string) error {
	for {
		c.mu.Lock()
		e, ok := c.jobs[id]
		if !ok {
			c.mu.Unlock()
			return ErrUnknownJob
		}
		switch e.job.Status {
		case models.StatusRunning:
			c.mu.Unlock()
			return nil
		case models.StatusQueued:
		default:
			delete(c.waiting, id)
			c.mu.Unlock()
			return ErrJobCanceled
		}

		reason := c.blockReason(e)
		if reason == "" {
			c.admit(e)
			c.mu.Unlock()
			return nil
		}
		c.waiting[id] = true
		e.job.WaitCycles++
		e.job.LastWaitReason = reason
		e.job.WaitMS = c.now().Sub(e.job.CreatedAt).Milliseconds()
		wake := c.wake
		c.mu.Unlock()

		timer := time.NewTimer(c.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			_ = c.Cancel(id, "context done while waiting")
			return ctx.Err()
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// blockReason reports why e cannot be admitted right now, or "" if it can.
func (c *Controller) blockReason(e *entry) string {
	scope := e.scope()
	if c.paused[ScopeAll] {
		return WaitPausedAll
	}
	if c.paused[pauseScopeFor(scope)] {
		return WaitPausedChannel
	}
	if c.running[scope] >= c.caps[scope] {
		return WaitCapExceeded
	}
	// A free slot goes to the earliest waiter in queue order.
	for _, id := range c.order {
		if id == e.job.ID {
			break
		}
		other := c.jobs[id]
		if other != nil && c.waiting[id] && other.scope() == scope {
			return WaitCapExceeded
		}
	}
	return ""
}

func (c *Controller) admit(e *entry) {
	now := c.now()
	scope := e.scope()
	e.job.Status = models.StatusRunning
	e.job.StartedAt = &now
	e.job.AcquiredScope = scope
	e.job.WaitMS = now.Sub(e.job.CreatedAt).Milliseconds()
	e.holding = true
	c.running[scope]++
	delete(c.waiting, e.job.ID)
	c.removeFromOrder(e.job.ID)
	c.publishGauges()
	telemetry.JobWaitSeconds.WithLabelValues(string(scope)).Observe(float64(e.job.WaitMS) / 1000)
	log.Printf("[queue] event=start job=%s type=%s scope=%s wait_ms=%d wait_cycles=%d", e.job.ID, e.job.Type, scope, e.job.WaitMS, e.job.WaitCycles)
}

// MarkDone moves a running job to DONE and releases its slot. Calls on jobs
// that are not running are no-ops.
func (c *Controller) MarkDone(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.jobs[id]
	if !ok || e.job.Status != models.StatusRunning {
		return
	}
	c.finish(e, models.StatusDone)
	log.Printf("[queue] event=finish job=%s type=%s run_ms=%d", id, e.job.Type, e.job.RunMS)
}

// MarkFailed moves a running job to FAILED and releases its slot. Calls on
// jobs that are not running are no-ops.
func (c *Controller) MarkFailed(id string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.jobs[id]
	if !ok || e.job.Status != models.StatusRunning {
		return
	}
	if err != nil {
		e.job.LastError = err.Error()
	}
	c.finish(e, models.StatusFailed)
	class := "unknown"
	if c.classify != nil && err != nil {
		class = c.classify(err)
	}
	log.Printf("[queue] event=fail job=%s type=%s class=%s run_ms=%d err=%q", id, e.job.Type, class, e.job.RunMS, e.job.LastError)
}

// Cancel stops a job. Terminal jobs are left untouched; only unknown ids fail.
func (c *Controller) Cancel(id, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.jobs[id]
	if !ok {
		return ErrUnknownJob
	}
	if e.job.Status.Terminal() {
		return nil
	}
	if reason != "" {
		e.job.LastError = reason
	}
	c.removeFromOrder(id)
	delete(c.waiting, id)
	c.finish(e, models.StatusCanceled)
	log.Printf("[queue] event=cancel job=%s type=%s reason=%q", id, e.job.Type, reason)
	return nil
}

// Canceled reports whether a job has been canceled. Long-running work checks
// this at its own checkpoints.
func (c *Controller) Canceled(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.jobs[id]
	return ok && e.job.Status == models.StatusCanceled
}

func (c *Controller) finish(e *entry, status models.JobStatus) {
	now := c.now()
	e.job.Status = status
	e.job.FinishedAt = &now
	if e.job.StartedAt != nil {
		e.job.RunMS = now.Sub(*e.job.StartedAt).Milliseconds()
	}
	c.release(e)
	if e.job.DedupKey != "" && c.dedup[e.job.DedupKey] == e.job.ID {
		delete(c.dedup, e.job.DedupKey)
	}
	telemetry.JobsFinished.WithLabelValues(string(e.job.Type), string(status)).Inc()
	c.signal()
}

// release returns the job's slot at most once.
func (c *Controller) release(e *entry) {
	if !e.holding {
		return
	}
	e.holding = false
	scope := e.job.AcquiredScope
	if c.running[scope] > 0 {
		c.running[scope]--
	}
	c.publishGauges()
}

// Prioritize moves a queued job to the front and optionally sets its priority.
func (c *Controller) Prioritize(id string, priority *int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.jobs[id]
	if !ok {
		return ErrUnknownJob
	}
	if priority != nil {
		e.job.Priority = *priority
	}
	if e.job.Status == models.StatusQueued {
		c.removeFromOrder(id)
		c.order = append([]string{id}, c.order...)
		c.signal()
	}
	return nil
}

// Pause stops new admissions for the scope. Running jobs are unaffected.
func (c *Controller) Pause(scope Scope) error {
	return c.setPaused(scope, true)
}

// Resume re-enables admissions for the scope.
func (c *Controller) Resume(scope Scope) error {
	return c.setPaused(scope, false)
}

func (c *Controller) setPaused(scope Scope, paused bool) error {
	switch scope {
	case ScopeAll, ScopeCredential, ScopeNoCredential:
	default:
		return fmt.Errorf("%w: %q", ErrBadScope, scope)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused[scope] = paused
	c.signal()
	log.Printf("[queue] event=pause scope=%s paused=%v", scope, paused)
	return nil
}

// SetCapacity updates channel caps live. Nil leaves a channel unchanged.
func (c *Controller) SetCapacity(credential, noCredential *int) Capacity {
	c.mu.Lock()
	defer c.mu.Unlock()
	if credential != nil {
		c.caps[models.ScopeCredential] = clamp(*credential, 1, maxCapCredential)
	}
	if noCredential != nil {
		c.caps[models.ScopeNoCredential] = clamp(*noCredential, 1, maxCapNoCredential)
	}
	c.publishGauges()
	c.signal()
	log.Printf("[queue] event=capacity credential=%d no_credential=%d", c.caps[models.ScopeCredential], c.caps[models.ScopeNoCredential])
	return c.capacityLocked()
}

// Capacity returns the configured caps.
func (c *Controller) Capacity() Capacity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capacityLocked()
}

func (c *Controller) capacityLocked() Capacity {
	return Capacity{Credential: c.caps[models.ScopeCredential], NoCredential: c.caps[models.ScopeNoCredential]}
}

// Stats returns pause flags, status counts and per-channel occupancy.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Stats{
		PausedAll: c.paused[ScopeAll],
		Counts: map[models.JobStatus]int{
			models.StatusQueued:   0,
			models.StatusRunning:  0,
			models.StatusDone:     0,
			models.StatusFailed:   0,
			models.StatusCanceled: 0,
		},
		Total: len(c.jobs),
	}
	queued := map[models.SlotScope]int{}
	for _, e := range c.jobs {
		st.Counts[e.job.Status]++
		if e.job.Status == models.StatusQueued {
			queued[e.scope()]++
		}
	}
	st.Credential = c.channelStats(models.ScopeCredential, queued)
	st.NoCredential = c.channelStats(models.ScopeNoCredential, queued)
	return st
}

func (c *Controller) channelStats(scope models.SlotScope, queued map[models.SlotScope]int) ChannelStats {
	available := c.caps[scope] - c.running[scope]
	if available < 0 {
		available = 0
	}
	return ChannelStats{
		Paused:    c.paused[pauseScopeFor(scope)],
		Capacity:  c.caps[scope],
		Running:   c.running[scope],
		Available: available,
		Queued:    queued[scope],
	}
}

// Get returns the projection of one job.
func (c *Controller) Get(id string) (models.Job, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.jobs[id]
	if !ok {
		return models.Job{}, false
	}
	return e.job, true
}

// List returns queued jobs in admission order followed by the rest, newest first.
func (c *Controller) List() []models.Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Job, 0, len(c.jobs))
	for _, id := range c.order {
		if e, ok := c.jobs[id]; ok {
			out = append(out, e.job)
		}
	}
	rest := make([]models.Job, 0, len(c.jobs)-len(out))
	for _, e := range c.jobs {
		if e.job.Status != models.StatusQueued {
			rest = append(rest, e.job)
		}
	}
	sort.Slice(rest, func(i, j int) bool { return rest[i].CreatedAt.After(rest[j].CreatedAt) })
	return append(out, rest...)
}

// Run enqueues spec, waits for admission, runs fn and records the outcome.
func (c *Controller) Run(ctx context.Context, spec JobSpec, fn func(ctx context.Context, jobID string) error) error {
	id := c.Enqueue(spec)
	if err := c.MarkRunning(ctx, id); err != nil {
		return fmt.Errorf("admit %s job: %w", spec.Type, err)
	}
	if err := fn(ctx, id); err != nil {
		c.MarkFailed(id, err)
		return err
	}
	c.MarkDone(id)
	return nil
}

// ReapZombies fails running jobs of the given types that started before the
// threshold. Defaults to list_fetch when no types are given.
func (c *Controller) ReapZombies(threshold time.Duration, types ...models.JobType) []string {
	if len(types) == 0 {
		types = []models.JobType{models.JobListFetch}
	}
	wanted := make(map[models.JobType]bool, len(types))
	for _, t := range types {
		wanted[t] = true
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := c.now().Add(-threshold)
	var reaped []string
	for id, e := range c.jobs {
		if e.job.Status != models.StatusRunning || !wanted[e.job.Type] {
			continue
		}
		if e.job.StartedAt == nil || e.job.StartedAt.After(cutoff) {
			continue
		}
		e.job.LastError = fmt.Sprintf("zombie: running longer than %s", threshold)
		c.finish(e, models.StatusFailed)
		reaped = append(reaped, id)
		telemetry.ZombiesReaped.Inc()
		log.Printf("[queue] event=reap job=%s type=%s", id, e.job.Type)
	}
	sort.Strings(reaped)
	return reaped
}

// Prune drops terminal jobs that finished more than olderThan ago.
func (c *Controller) Prune(olderThan time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := c.now().Add(-olderThan)
	n := 0
	for id, e := range c.jobs {
		if e.job.Status.Terminal() && e.job.FinishedAt != nil && e.job.FinishedAt.Before(cutoff) {
			delete(c.jobs, id)
			n++
		}
	}
	return n
}

// signal wakes every MarkRunning waiter.
func (c *Controller) signal() {
	close(c.wake)
	c.wake = make(chan struct{})
}

func (c *Controller) removeFromOrder(id string) {
	for i, v := range c.order {
		if v == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

func (c *Controller) publishGauges() {
	for _, scope := range []models.SlotScope{models.ScopeCredential, models.ScopeNoCredential} {
		telemetry.RunningGauge.WithLabelValues(string(scope)).Set(float64(c.running[scope]))
		telemetry.CapacityGauge.WithLabelValues(string(scope)).Set(float64(c.caps[scope]))
	}
}

func pauseScopeFor(scope models.SlotScope) Scope {
	if scope == models.ScopeCredential {
		return ScopeCredential
	}
	return ScopeNoCredential
}

func subLabel(id *int64) string {
	if id == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *id)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
