// Package session runs per-subscription download sessions: fetch the
// catalog, work out what is new, then download item by item under
// cooperative pause and cancel.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"catalog-curator/internal/catalog"
	"catalog-curator/internal/inventory"
	"catalog-curator/internal/models"
	"catalog-curator/internal/telemetry"
)

var (
	ErrAlreadyRunning = errors.New("subscription already has an active session")
	ErrUnknownSession = errors.New("unknown session")
	ErrInvalidState   = errors.New("operation not allowed in current session state")
)

// State is a session lifecycle state.
type State string

const (
	StatePending     State = "pending"
	StateChecking    State = "checking"
	StateDownloading State = "downloading"
	StatePaused      State = "paused"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
	StateCancelled   State = "cancelled"
)

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Store is the inventory surface a session needs.
type Store interface {
	GetSubscription(ctx context.Context, id int64) (models.Subscription, error)
	PermanentFailures(ctx context.Context, ids []string) (map[string]bool, error)
	RecomputeSubscriptionCounters(ctx context.Context) error
}

type Catalog interface {
	Fetch(ctx context.Context, sub models.Subscription, opts catalog.FetchOptions) (catalog.Result, error)
}

type Resolver interface {
	Resolve(ctx context.Context, ids []string, scope inventory.Scope) (map[string]string, error)
}

type Downloader interface {
	Download(ctx context.Context, sub models.Subscription, entry models.Entry, dir string) (models.Video, error)
}

type Locker interface {
	Lock(ctx context.Context, subscriptionID int64) (func(), error)
}

// Deps are the collaborators a Manager drives.
type Deps struct {
	Store      Store
	Catalog    Catalog
	Resolver   Resolver
	Downloader Downloader
	Locks      Locker
}

type Options struct {
	Root      string
	ItemDelay time.Duration
	Retention time.Duration
	// LogLimit is the size at which a session log is trimmed to LogKeep lines.
	LogLimit int
	LogKeep  int
	Now      func() time.Time
}

// LogLine is one entry of a session's rolling log.
type LogLine struct {
	At      time.Time `json:"at"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// View is the serializable projection of a session.
type View struct {
	ID             string     `json:"id"`
	SubscriptionID int64      `json:"subscription_id"`
	State          State      `json:"state"`
	Total          int        `json:"total"`
	Processed      int        `json:"processed"`
	Downloaded     int        `json:"downloaded"`
	Failed         int        `json:"failed"`
	Existing       int        `json:"existing"`
	Excluded       int        `json:"excluded"`
	RemoteEntries  int        `json:"remote_entries"`
	CurrentItem    string     `json:"current_item,omitempty"`
	Error          string     `json:"error,omitempty"`
	Log            []LogLine  `json:"log"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

type session struct {
	view      View
	paused    bool
	resume    chan struct{}
	cancelled bool
	cancelCh  chan struct{}
	// checkCtx scopes the catalog and inventory phase; abort ends it on cancel.
	checkCtx context.Context
	abort    context.CancelFunc
}

// Manager owns every session. At most one non-terminal session exists per
// subscription.
type Manager struct {
	deps Deps
	opts Options

	mu       sync.Mutex
	sessions map[string]*session
	active   map[int64]string

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

func NewManager(deps Deps, opts Options) *Manager {
	if opts.Retention <= 0 {
		opts.Retention = 24 * time.Hour
	}
	if opts.LogLimit <= 0 {
		opts.LogLimit = 200
	}
	if opts.LogKeep <= 0 || opts.LogKeep > opts.LogLimit {
		opts.LogKeep = 100
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		deps:     deps,
		opts:     opts,
		sessions: make(map[string]*session),
		active:   make(map[int64]string),
		baseCtx:  ctx,
		stop:     cancel,
	}
}

// Start creates a session for the subscription and runs it in the background.
func (m *Manager) Start(ctx context.Context, subscriptionID int64) (string, error) {
	sub, err := m.deps.Store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return "", fmt.Errorf("load subscription %d: %w", subscriptionID, err)
	}

	m.mu.Lock()
	if id, ok := m.active[sub.ID]; ok {
		m.mu.Unlock()
		return id, ErrAlreadyRunning
	}
	s := &session{
		view: View{
			ID:             uuid.NewString(),
			SubscriptionID: sub.ID,
			State:          StatePending,
			CreatedAt:      m.opts.Now(),
		},
		cancelCh: make(chan struct{}),
	}
	s.checkCtx, s.abort = context.WithCancel(m.baseCtx)
	m.sessions[s.view.ID] = s
	m.active[sub.ID] = s.view.ID
	m.appendLog(s, "info", fmt.Sprintf("session created for %q", sub.Name))
	m.mu.Unlock()

	telemetry.SessionsStarted.Inc()
	log.Printf("[session] event=start id=%s sub=%d", s.view.ID, sub.ID)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(m.baseCtx, s, sub)
	}()
	return s.view.ID, nil
}

func (m *Manager) run(ctx context.Context, s *session, sub models.Subscription) {
	defer func() {
		if r := recover(); r != nil {
			m.finish(s, StateFailed, fmt.Sprintf("internal error: %v", r))
		}
	}()

	if m.stopRequested(ctx, s) {
		m.finish(s, StateCancelled, "")
		return
	}
	m.update(s, func(v *View) {
		v.State = StateChecking
		now := m.opts.Now()
		v.StartedAt = &now
	})
	m.logf(s, "info", "fetching catalog")

	res, err := m.deps.Catalog.Fetch(s.checkCtx, sub, catalog.FetchOptions{})
	if err != nil {
		if m.stopRequested(ctx, s) {
			m.finish(s, StateCancelled, "")
			return
		}
		m.logf(s, "error", "catalog fetch failed: %v", err)
		m.finish(s, StateFailed, err.Error())
		return
	}
	m.update(s, func(v *View) { v.RemoteEntries = len(res.Entries) })
	m.logf(s, "info", "catalog has %d entries (windows=%d failed=%d early_stop=%v)",
		len(res.Entries), res.Windows, res.FailedWindows, res.EarlyStopped)
	if m.stopRequested(ctx, s) {
		m.finish(s, StateCancelled, "")
		return
	}

	dir := inventory.SubscriptionDir(m.opts.Root, sub)
	pending, existing, excluded, err := m.newEntries(s.checkCtx, sub, res.Entries, dir)
	if err != nil {
		if m.stopRequested(ctx, s) {
			m.finish(s, StateCancelled, "")
			return
		}
		m.finish(s, StateFailed, err.Error())
		return
	}
	m.update(s, func(v *View) {
		v.Total = len(pending)
		v.Existing = existing
		v.Excluded = excluded
	})
	m.logf(s, "info", "%d new, %d already local, %d excluded after permanent failures", len(pending), existing, excluded)
	if len(pending) == 0 {
		m.finish(s, StateCompleted, "")
		return
	}

	unlock, err := m.deps.Locks.Lock(s.checkCtx, sub.ID)
	if err != nil {
		m.finish(s, StateCancelled, "")
		return
	}
	defer unlock()

	m.update(s, func(v *View) {
		if v.State == StateChecking {
			v.State = StateDownloading
		}
	})
	for i, entry := range pending {
		if m.stopRequested(ctx, s) {
			m.finish(s, StateCancelled, "")
			return
		}
		if !m.gate(ctx, s) || m.stopRequested(ctx, s) {
			m.finish(s, StateCancelled, "")
			return
		}
		m.update(s, func(v *View) { v.CurrentItem = entry.ID })

		_, err := m.deps.Downloader.Download(ctx, sub, entry, dir)
		m.update(s, func(v *View) {
			v.Processed++
			if err != nil {
				v.Failed++
			} else {
				v.Downloaded++
			}
		})
		if err != nil {
			m.logf(s, "warn", "item %s failed: %v", entry.ID, err)
		} else {
			m.logf(s, "info", "item %s downloaded", entry.ID)
		}

		if i < len(pending)-1 && m.opts.ItemDelay > 0 {
			if !m.pause(ctx, s, m.opts.ItemDelay) {
				m.finish(s, StateCancelled, "")
				return
			}
		}
	}
	m.finish(s, StateCompleted, "")
}

// newEntries filters the catalog down to ids that are neither local nor
// permanently failed, keeping catalog order.
func (m *Manager) newEntries(ctx context.Context, sub models.Subscription, entries []models.Entry, dir string) ([]models.Entry, int, int, error) {
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	sid := sub.ID
	local, err := m.deps.Resolver.Resolve(ctx, ids, inventory.Scope{SubscriptionID: &sid, Dir: dir})
	if err != nil {
		return nil, 0, 0, fmt.Errorf("resolve existing entries: %w", err)
	}
	perm, err := m.deps.Store.PermanentFailures(ctx, ids)
	if err != nil {
		log.Printf("[session] event=permanent_lookup_failed sub=%d err=%v", sub.ID, err)
		perm = nil
	}
	var out []models.Entry
	excluded := 0
	for _, e := range entries {
		if _, ok := local[e.ID]; ok {
			continue
		}
		if perm[e.ID] {
			excluded++
			continue
		}
		out = append(out, e)
	}
	return out, len(local), excluded, nil
}

// gate blocks while the session is paused. It returns false when the
// session was cancelled or the manager is shutting down while waiting.
func (m *Manager) gate(ctx context.Context, s *session) bool {
	for {
		m.mu.Lock()
		if s.cancelled {
			m.mu.Unlock()
			return false
		}
		if !s.paused {
			if s.view.State == StatePaused {
				s.view.State = StateDownloading
			}
			m.mu.Unlock()
			return true
		}
		if s.view.State != StatePaused {
			s.view.State = StatePaused
			m.appendLog(s, "info", "paused")
		}
		resume := s.resume
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return false
		case <-s.cancelCh:
			return false
		case <-resume:
		}
	}
}

// pause sleeps between items, waking early on cancel.
func (m *Manager) pause(ctx context.Context, s *session, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-s.cancelCh:
		return false
	case <-timer.C:
		return true
	}
}

func (m *Manager) stopRequested(ctx context.Context, s *session) bool {
	if ctx.Err() != nil {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return s.cancelled
}

func (m *Manager) finish(s *session, state State, errMsg string) {
	m.mu.Lock()
	if s.view.State.Terminal() {
		m.mu.Unlock()
		return
	}
	s.abort()
	now := m.opts.Now()
	s.view.State = state
	s.view.FinishedAt = &now
	s.view.CurrentItem = ""
	if errMsg != "" {
		s.view.Error = errMsg
	}
	m.appendLog(s, "info", fmt.Sprintf("session %s", state))
	if m.active[s.view.SubscriptionID] == s.view.ID {
		delete(m.active, s.view.SubscriptionID)
	}
	v := s.view
	m.mu.Unlock()

	telemetry.SessionsEnded.WithLabelValues(string(state)).Inc()
	log.Printf("[session] event=finish id=%s sub=%d state=%s processed=%d/%d downloaded=%d failed=%d",
		v.ID, v.SubscriptionID, state, v.Processed, v.Total, v.Downloaded, v.Failed)
	if v.Downloaded > 0 {
		if err := m.deps.Store.RecomputeSubscriptionCounters(context.Background()); err != nil {
			log.Printf("[session] event=recompute_failed sub=%d err=%v", v.SubscriptionID, err)
		}
	}
}

func (m *Manager) update(s *session, fn func(v *View)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&s.view)
}

func (m *Manager) logf(s *session, level, format string, args ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendLog(s, level, fmt.Sprintf(format, args...))
}

// appendLog must be called with m.mu held.
func (m *Manager) appendLog(s *session, level, msg string) {
	s.view.Log = append(s.view.Log, LogLine{At: m.opts.Now(), Level: level, Message: msg})
	if len(s.view.Log) > m.opts.LogLimit {
		keep := make([]LogLine, m.opts.LogKeep)
		copy(keep, s.view.Log[len(s.view.Log)-m.opts.LogKeep:])
		s.view.Log = keep
	}
}

// Pause asks the session to stop before its next item.
func (m *Manager) Pause(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrUnknownSession
	}
	if s.view.State.Terminal() || s.cancelled {
		return ErrInvalidState
	}
	if !s.paused {
		s.paused = true
		s.resume = make(chan struct{})
		m.appendLog(s, "info", "pause requested")
	}
	return nil
}

func (m *Manager) Resume(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrUnknownSession
	}
	if s.view.State.Terminal() || s.cancelled {
		return ErrInvalidState
	}
	if s.paused {
		s.paused = false
		close(s.resume)
		if s.view.State == StatePaused {
			s.view.State = StateDownloading
		}
		m.appendLog(s, "info", "resumed")
	}
	return nil
}

// Cancel flags the session; the runner stops at its next checkpoint, including
// while paused. A catalog fetch still waiting for admission is abandoned. A
// download in flight is allowed to finish.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrUnknownSession
	}
	if s.view.State.Terminal() {
		return ErrInvalidState
	}
	if !s.cancelled {
		s.cancelled = true
		close(s.cancelCh)
		s.abort()
		m.appendLog(s, "info", "cancel requested")
	}
	return nil
}

func (m *Manager) Get(id string) (View, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return View{}, false
	}
	return copyView(s.view), true
}

// List returns all sessions, newest first.
func (m *Manager) List() []View {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]View, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, copyView(s.view))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// ForSubscription returns the active session for a subscription, or its most
// recent one.
func (m *Manager) ForSubscription(subscriptionID int64) (View, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.active[subscriptionID]; ok {
		return copyView(m.sessions[id].view), true
	}
	var latest *session
	for _, s := range m.sessions {
		if s.view.SubscriptionID != subscriptionID {
			continue
		}
		if latest == nil || s.view.CreatedAt.After(latest.view.CreatedAt) {
			latest = s
		}
	}
	if latest == nil {
		return View{}, false
	}
	return copyView(latest.view), true
}

// Clear discards a terminal session immediately.
func (m *Manager) Clear(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrUnknownSession
	}
	if !s.view.State.Terminal() {
		return ErrInvalidState
	}
	delete(m.sessions, id)
	return nil
}

// Cleanup discards terminal sessions that finished more than the retention
// window before now.
func (m *Manager) Cleanup(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, s := range m.sessions {
		if s.view.State.Terminal() && s.view.FinishedAt != nil && now.Sub(*s.view.FinishedAt) > m.opts.Retention {
			delete(m.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		log.Printf("[session] event=cleanup removed=%d", removed)
	}
	return removed
}

// Close stops every running session and waits for the runners to return.
func (m *Manager) Close() {
	m.stop()
	m.wg.Wait()
}

func copyView(v View) View {
	v.Log = append([]LogLine(nil), v.Log...)
	return v
}
