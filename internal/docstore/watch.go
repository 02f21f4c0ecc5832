package docstore

import (
	"context"
	"sync"
	"sync/atomic"

	"scribe/internal/scribe"
)

type queryFunc func(ctx context.Context, ownerID string) ([]*scribe.Document, error)

// watchers fans owner-query results out to live subscriptions. Each
// delivery re-runs the query, so a subscriber always sees the state at
// delivery time and never an older one.
type watchers struct {
	query queryFunc

	mu   sync.Mutex
	subs map[int]*subscription
	next int
}

type subscription struct {
	owner  string
	fn     func([]*scribe.Document)
	mu     sync.Mutex
	closed atomic.Bool
}

func newWatchers(query queryFunc) *watchers {
	return &watchers{query: query, subs: make(map[int]*subscription)}
}

// add registers fn and delivers the current result set before returning.
func (w *watchers) add(ownerID string, fn func([]*scribe.Document)) (func(), error) {
	sub := &subscription{owner: ownerID, fn: fn}
	sub.mu.Lock()
	defer sub.mu.Unlock()

	docs, err := w.query(context.Background(), ownerID)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	id := w.next
	w.next++
	w.subs[id] = sub
	w.mu.Unlock()

	fn(docs)

	var once sync.Once
	return func() {
		once.Do(func() {
			sub.closed.Store(true)
			w.mu.Lock()
			delete(w.subs, id)
			w.mu.Unlock()
		})
	}, nil
}

// notify re-delivers every subscription.
func (w *watchers) notify() {
	w.mu.Lock()
	subs := make([]*subscription, 0, len(w.subs))
	for _, s := range w.subs {
		subs = append(subs, s)
	}
	w.mu.Unlock()

	for _, s := range subs {
		w.deliver(s)
	}
}

func (w *watchers) deliver(s *subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return
	}
	docs, err := w.query(context.Background(), s.owner)
	if err != nil {
		return
	}
	s.fn(docs)
}

// count returns the number of live subscriptions.
func (w *watchers) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.subs)
}
