// Package inventory answers which remote ids already exist locally.
package inventory

import (
	"context"
	"log"
	"time"
)

// DedupScope selects which inventory rows count as "already downloaded".
type DedupScope string

const (
	ScopeGlobal       DedupScope = "global"
	ScopeSubscription DedupScope = "subscription"
)

// ParseScope maps a config value to a scope, defaulting to subscription.
func ParseScope(s string) DedupScope {
	if DedupScope(s) == ScopeGlobal {
		return ScopeGlobal
	}
	return ScopeSubscription
}

// LookupStore is the inventory membership surface.
type LookupStore interface {
	DownloadedPaths(ctx context.Context, ids []string, subscriptionID *int64) (map[string]string, error)
	DownloadedPath(ctx context.Context, id string, subscriptionID *int64) (string, bool, error)
}

type ResolverOptions struct {
	BatchSize int
	Scope     DedupScope
	// FSCheck enables the sidecar cross-check of the target directory.
	FSCheck bool
}

// Scope identifies the subscription a resolution runs for.
type Scope struct {
	SubscriptionID *int64
	// Dir is the subscription's download directory, used by the filesystem check.
	Dir string
}

// Resolver maps remote ids to known local paths.
type Resolver struct {
	store LookupStore
	opts  ResolverOptions
}

func NewResolver(store LookupStore, opts ResolverOptions) *Resolver {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	if opts.Scope == "" {
		opts.Scope = ScopeSubscription
	}
	// A row keeps the subscription that first downloaded it, so a scoped
	// lookup alone misses ids shared with another subscription.
	if opts.Scope == ScopeSubscription && !opts.FSCheck {
		log.Printf("[inventory] event=fs_check_forced scope=%s", opts.Scope)
		opts.FSCheck = true
	}
	return &Resolver{store: store, opts: opts}
}

// Resolve returns id -> best-known local path for every id that already
// exists locally. Ids missing from the result are new. Only context
// cancellation is returned as an error; failed lookups count as new.
func (r *Resolver) Resolve(ctx context.Context, ids []string, scope Scope) (map[string]string, error) {
	start := time.Now()
	found := make(map[string]string)
	var subID *int64
	if r.opts.Scope == ScopeSubscription {
		subID = scope.SubscriptionID
	}

	unique := dedupe(ids)
	batches := 0
	for lo := 0; lo < len(unique); lo += r.opts.BatchSize {
		if err := ctx.Err(); err != nil {
			return found, err
		}
		hi := lo + r.opts.BatchSize
		if hi > len(unique) {
			hi = len(unique)
		}
		batch := unique[lo:hi]
		batches++
		paths, err := r.store.DownloadedPaths(ctx, batch, subID)
		if err != nil {
			log.Printf("[inventory] event=batch_failed size=%d err=%v fallback=per_id", len(batch), err)
			paths = r.lookupEach(ctx, batch, subID)
		}
		for id, p := range paths {
			found[id] = p
		}
	}

	recovered := 0
	if r.opts.FSCheck && scope.Dir != "" && scope.SubscriptionID != nil {
		recovered = r.crossCheck(unique, scope.Dir, found)
	}
	log.Printf("[inventory] event=resolved ids=%d existing=%d batches=%d recovered=%d scope=%s elapsed=%s",
		len(unique), len(found), batches, recovered, r.opts.Scope, time.Since(start).Round(time.Millisecond))
	return found, nil
}

func (r *Resolver) lookupEach(ctx context.Context, ids []string, subID *int64) map[string]string {
	out := make(map[string]string)
	for _, id := range ids {
		if ctx.Err() != nil {
			return out
		}
		p, ok, err := r.store.DownloadedPath(ctx, id, subID)
		if err != nil {
			log.Printf("[inventory] event=lookup_failed id=%s err=%v", id, err)
			continue
		}
		if ok {
			out[id] = p
		}
	}
	return out
}

// crossCheck adds ids whose media exists in dir but were not marked downloaded.
func (r *Resolver) crossCheck(ids []string, dir string, found map[string]string) int {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		if _, ok := found[id]; !ok {
			want[id] = true
		}
	}
	if len(want) == 0 {
		return 0
	}
	local, err := ScanSidecars(dir)
	if err != nil {
		log.Printf("[inventory] event=fs_check_failed dir=%s err=%v", dir, err)
		return 0
	}
	n := 0
	for _, v := range local {
		id := v.Metadata.ExternalID()
		if want[id] {
			found[id] = v.MediaPath
			delete(want, id)
			n++
		}
	}
	return n
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
