package credentials

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"catalog-curator/internal/models"
	"catalog-curator/internal/telemetry"
)

// ErrNoCredential means no active credential is available for selection.
var ErrNoCredential = errors.New("no active credential available")

// Store persists credential records and their bookkeeping fields.
type Store interface {
	ActiveCredentials(ctx context.Context) ([]models.Credential, error)
	GetCredential(ctx context.Context, id int64) (models.Credential, error)
	RecordCredentialUse(ctx context.Context, id int64, at time.Time) error
	SaveCredentialFailure(ctx context.Context, id int64, failures int, at time.Time, active bool) error
	ReactivateCredential(ctx context.Context, id int64) error
}

// Options tunes selection and deactivation.
type Options struct {
	FailureThreshold int
	FailureWindow    time.Duration
	// SwitchInterval keeps the same credential selected for a while so the
	// upstream sees a stable identity.
	SwitchInterval time.Duration
	Now            func() time.Time
}

// Pool selects credentials and records their usage and failures. Reads run
// concurrently; bookkeeping writes are serialized.
type Pool struct {
	store Store
	opts  Options

	mu         sync.Mutex
	current    int64
	switchedAt time.Time
}

func NewPool(store Store, opts Options) *Pool {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 3
	}
	if opts.FailureWindow <= 0 {
		opts.FailureWindow = 15 * time.Minute
	}
	if opts.SwitchInterval <= 0 {
		opts.SwitchInterval = 5 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Pool{store: store, opts: opts}
}

// Acquire returns the current credential, switching to the least-used active
// one when none is selected, the current one went inactive, or the switch
// interval elapsed.
func (p *Pool) Acquire(ctx context.Context) (*models.Credential, error) {
	active, err := p.store.ActiveCredentials(ctx)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	if len(active) == 0 {
		return nil, ErrNoCredential
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.opts.Now()
	if p.current != 0 && now.Sub(p.switchedAt) < p.opts.SwitchInterval {
		for i := range active {
			if active[i].ID == p.current {
				c := active[i]
				return &c, nil
			}
		}
	}
	c := leastUsed(active, nil)
	p.current = c.ID
	p.switchedAt = now
	log.Printf("[credentials] event=select credential=%d name=%q", c.ID, c.Name)
	return c, nil
}

// Alternate returns the least-used active credential not in exclude.
func (p *Pool) Alternate(ctx context.Context, exclude ...int64) (*models.Credential, error) {
	active, err := p.store.ActiveCredentials(ctx)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	skip := make(map[int64]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}
	c := leastUsed(active, skip)
	if c == nil {
		return nil, ErrNoCredential
	}
	return c, nil
}

func leastUsed(active []models.Credential, skip map[int64]bool) *models.Credential {
	var best *models.Credential
	for i := range active {
		c := active[i]
		if skip[c.ID] {
			continue
		}
		if best == nil || c.UsageCount < best.UsageCount {
			best = &c
		}
	}
	return best
}

// RecordUse bumps usage_count and last_used.
func (p *Pool) RecordUse(ctx context.Context, id int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	telemetry.CredentialEvents.WithLabelValues("use").Inc()
	if err := p.store.RecordCredentialUse(ctx, id, p.opts.Now()); err != nil {
		return fmt.Errorf("record credential use: %w", err)
	}
	return nil
}

// RecordFailure counts an authentication failure. Failures older than the
// window restart the count; reaching the threshold deactivates the credential
// for future selection.
func (p *Pool) RecordFailure(ctx context.Context, id int64, reason string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cred, err := p.store.GetCredential(ctx, id)
	if err != nil {
		return false, fmt.Errorf("load credential: %w", err)
	}
	now := p.opts.Now()
	failures := cred.FailureCount
	if cred.LastFailureAt == nil || now.Sub(*cred.LastFailureAt) > p.opts.FailureWindow {
		failures = 0
	}
	failures++
	deactivate := failures >= p.opts.FailureThreshold
	if err := p.store.SaveCredentialFailure(ctx, id, failures, now, cred.Active && !deactivate); err != nil {
		return false, fmt.Errorf("save credential failure: %w", err)
	}
	telemetry.CredentialEvents.WithLabelValues("failure").Inc()
	log.Printf("[credentials] event=failure credential=%d failures=%d threshold=%d reason=%q", id, failures, p.opts.FailureThreshold, reason)
	if deactivate {
		if p.current == id {
			p.current = 0
		}
		telemetry.CredentialEvents.WithLabelValues("deactivate").Inc()
		log.Printf("[credentials] event=deactivate credential=%d", id)
	}
	return deactivate, nil
}

// Reactivate puts a deactivated credential back into rotation with a clean
// failure count. Deactivation is never undone automatically.
func (p *Pool) Reactivate(ctx context.Context, id int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.store.ReactivateCredential(ctx, id); err != nil {
		return err
	}
	telemetry.CredentialEvents.WithLabelValues("reactivate").Inc()
	log.Printf("[credentials] event=reactivate credential=%d", id)
	return nil
}
