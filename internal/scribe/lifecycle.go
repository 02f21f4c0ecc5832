package scribe

import (
	"fmt"
	"sync"
)

// LifecycleState is the persistence state of a project in a session.
type LifecycleState int

const (
	StateUnsaved LifecycleState = iota
	StateSaving
	StateSaved
	StateDeleting
	StateDeleted
)

func (s LifecycleState) String() string {
	switch s {
	case StateUnsaved:
		return "unsaved"
	case StateSaving:
		return "saving"
	case StateSaved:
		return "saved"
	case StateDeleting:
		return "deleting"
	case StateDeleted:
		return "deleted"
	}
	return fmt.Sprintf("LifecycleState(%d)", int(s))
}

// TransitionError is returned for an event that is not allowed in the
// current state.
type TransitionError struct {
	From  LifecycleState
	Event string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s a project that is %s", e.Event, e.From)
}

// Lifecycle tracks Unsaved -> Saving -> Saved <-> Saving and
// Saved -> Deleting -> Deleted. Overlapping saves are counted; the project
// leaves Saving when the last one ends.
type Lifecycle struct {
	mu      sync.Mutex
	state   LifecycleState
	everOK  bool
	running int
}

// NewLifecycle starts in Unsaved, or in Saved for a project loaded from the
// store.
func NewLifecycle(persisted bool) *Lifecycle {
	l := &Lifecycle{state: StateUnsaved}
	if persisted {
		l.state = StateSaved
		l.everOK = true
	}
	return l
}

func (l *Lifecycle) State() LifecycleState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// BeginSave enters Saving.
func (l *Lifecycle) BeginSave() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case StateUnsaved, StateSaved, StateSaving:
		l.state = StateSaving
		l.running++
		return nil
	}
	return &TransitionError{From: l.state, Event: "save"}
}

// EndSave leaves Saving once no save is running. A failed save returns to
// Unsaved if the project was never saved, otherwise to Saved.
func (l *Lifecycle) EndSave(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateSaving {
		return
	}
	if err == nil {
		l.everOK = true
	}
	l.running--
	if l.running > 0 {
		return
	}
	l.running = 0
	if l.everOK {
		l.state = StateSaved
	} else {
		l.state = StateUnsaved
	}
}

// BeginDelete enters Deleting. Only saved projects can be deleted.
func (l *Lifecycle) BeginDelete() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateSaved {
		return &TransitionError{From: l.state, Event: "delete"}
	}
	l.state = StateDeleting
	return nil
}

// EndDelete enters Deleted, or returns to Saved if the delete failed.
func (l *Lifecycle) EndDelete(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateDeleting {
		return
	}
	if err != nil {
		l.state = StateSaved
		return
	}
	l.state = StateDeleted
}
