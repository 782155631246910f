package queue

import (
	"context"
	"sync"
)

// SubscriptionLocks hands out one mutex per subscription id. Catalog walks and
// download runs for the same subscription hold it for their whole duration.
type SubscriptionLocks struct {
	mu    sync.Mutex
	locks map[int64]chan struct{}
}

func NewSubscriptionLocks() *SubscriptionLocks {
	return &SubscriptionLocks{locks: make(map[int64]chan struct{})}
}

func (l *SubscriptionLocks) get(id int64) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.locks[id]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[id] = ch
	}
	return ch
}

// Lock blocks until the subscription's lock is free or ctx ends.
func (l *SubscriptionLocks) Lock(ctx context.Context, id int64) (func(), error) {
	ch := l.get(id)
	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() { once.Do(func() { <-ch }) }, nil
}

// Held reports whether someone currently holds the subscription's lock.
func (l *SubscriptionLocks) Held(id int64) bool {
	return len(l.get(id)) == 1
}
