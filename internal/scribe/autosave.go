package scribe

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"
)

// DefaultDebounce is the quiet period before a scheduled save runs.
const DefaultDebounce = 1500 * time.Millisecond

// Saver persists a whole project.
type Saver interface {
	SaveFull(ctx context.Context, p *Project) (*SaveReport, error)
}

// SaverFunc adapts a function to the Saver interface.
type SaverFunc func(ctx context.Context, p *Project) (*SaveReport, error)

func (f SaverFunc) SaveFull(ctx context.Context, p *Project) (*SaveReport, error) {
	return f(ctx, p)
}

// AutoSaver debounces saves. Each Schedule restarts the quiet period; when it
// elapses the latest scheduled project is saved unless its content matches
// the last successfully saved one. Saves already running are never
// cancelled, so overlapping saves resolve as last write wins.
type AutoSaver struct {
	saver  Saver
	delay  time.Duration
	logger Logger

	mu       sync.Mutex
	timer    *time.Timer
	pending  *Project
	saved    string
	stopped  bool
	inflight sync.WaitGroup
}

// NewAutoSaver creates an AutoSaver. A zero delay uses DefaultDebounce.
func NewAutoSaver(saver Saver, delay time.Duration, logger Logger) *AutoSaver {
	if delay <= 0 {
		delay = DefaultDebounce
	}
	if logger == nil {
		logger = NewNopLogger()
	}
	return &AutoSaver{saver: saver, delay: delay, logger: logger}
}

// Prime records p as already persisted, so scheduling an unchanged copy of
// it does not trigger a save.
func (a *AutoSaver) Prime(p *Project) {
	fp, err := Fingerprint(p)
	if err != nil {
		return
	}
	a.mu.Lock()
	a.saved = fp
	a.mu.Unlock()
}

// Schedule queues p to be saved after the quiet period.
func (a *AutoSaver) Schedule(p *Project) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return
	}
	a.pending = p.Clone()
	if a.timer != nil && a.timer.Stop() {
		// The stopped timer's inflight slot carries over.
		a.timer.Reset(a.delay)
		return
	}
	a.inflight.Add(1)
	a.timer = time.AfterFunc(a.delay, a.fire)
}

func (a *AutoSaver) fire() {
	defer a.inflight.Done()
	a.mu.Lock()
	p := a.pending
	a.pending = nil
	a.mu.Unlock()
	if p == nil {
		return
	}
	if _, err := a.save(context.Background(), p); err != nil {
		a.logger.Error("autosave failed", "project", p.ID, "error", err)
	}
}

// Flush saves the pending project immediately. It returns nil, nil when
// nothing is pending or the pending content is unchanged.
func (a *AutoSaver) Flush(ctx context.Context) (*SaveReport, error) {
	a.mu.Lock()
	p := a.pending
	a.pending = nil
	if a.timer != nil && a.timer.Stop() {
		a.inflight.Done()
	}
	a.mu.Unlock()
	if p == nil {
		return nil, nil
	}
	return a.save(ctx, p)
}

// Discard drops the pending project without saving it.
func (a *AutoSaver) Discard() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending = nil
	if a.timer != nil && a.timer.Stop() {
		a.inflight.Done()
	}
}

// Wait blocks until every scheduled and running save has finished.
func (a *AutoSaver) Wait() {
	a.inflight.Wait()
}

// Stop flushes the pending project, refuses further schedules and waits for
// running saves.
func (a *AutoSaver) Stop(ctx context.Context) error {
	_, err := a.Flush(ctx)
	a.mu.Lock()
	a.stopped = true
	a.mu.Unlock()
	a.inflight.Wait()
	return err
}

func (a *AutoSaver) save(ctx context.Context, p *Project) (*SaveReport, error) {
	fp, err := Fingerprint(p)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	unchanged := fp == a.saved
	a.mu.Unlock()
	if unchanged {
		a.logger.Debug("autosave skipped, no changes", "project", p.ID)
		return nil, nil
	}

	report, err := a.saver.SaveFull(ctx, p)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.saved = fp
	a.mu.Unlock()
	return report, nil
}

// Fingerprint hashes the content of a project, ignoring the fields every save
// rewrites.
func Fingerprint(p *Project) (string, error) {
	c := p.Clone()
	c.OwnerID = ""
	c.LastModified = ""
	data, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
