package identity

import (
	"context"
	"fmt"
	"sync"

	"scribe/internal/scribe"
)

// Session holds the signed-in owner of a running process and notifies
// subscribers when it changes.
type Session struct {
	mu    sync.Mutex
	owner string
	subs  map[int]func(owner string)
	next  int
}

// NewSession creates a Session signed in as owner. An empty owner means
// signed out.
func NewSession(owner string) *Session {
	return &Session{owner: owner, subs: make(map[int]func(string))}
}

// Current returns the signed-in owner, or "".
func (s *Session) Current(context.Context) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner
}

// SignIn switches to owner and notifies subscribers.
func (s *Session) SignIn(owner string) error {
	if err := scribe.ValidateID(owner); err != nil {
		return fmt.Errorf("signing in: %w", err)
	}
	s.set(owner)
	return nil
}

// SignOut clears the owner and notifies subscribers.
func (s *Session) SignOut() {
	s.set("")
}

func (s *Session) set(owner string) {
	s.mu.Lock()
	if s.owner == owner {
		s.mu.Unlock()
		return
	}
	s.owner = owner
	subs := make([]func(string), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(owner)
	}
}

// Subscribe calls fn with the current owner right away and again after
// every change. The returned function removes the subscription.
func (s *Session) Subscribe(fn func(owner string)) func() {
	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = fn
	owner := s.owner
	s.mu.Unlock()

	fn(owner)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

var _ scribe.Identity = (*Session)(nil)
