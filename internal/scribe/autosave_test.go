package scribe_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"scribe/internal/scribe"
)

type countingSaver struct {
	mu     sync.Mutex
	titles []string
	err    error
}

func (c *countingSaver) SaveFull(ctx context.Context, p *scribe.Project) (*scribe.SaveReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.titles = append(c.titles, p.Title)
	if c.err != nil {
		return nil, c.err
	}
	return &scribe.SaveReport{ProjectID: p.ID}, nil
}

func (c *countingSaver) saved() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.titles...)
}

func TestAutoSaver_Debounce(t *testing.T) {
	saver := &countingSaver{}
	a := scribe.NewAutoSaver(saver, 50*time.Millisecond, nil)

	p := &scribe.Project{ID: "p1"}
	for _, title := range []string{"a", "ab", "abc", "abcd"} {
		p.Title = title
		a.Schedule(p)
	}
	a.Wait()

	got := saver.saved()
	if len(got) != 1 || got[0] != "abcd" {
		t.Errorf("saves = %v, want only [abcd]", got)
	}
}

func TestAutoSaver_SkipsUnchanged(t *testing.T) {
	ctx := context.Background()
	saver := &countingSaver{}
	a := scribe.NewAutoSaver(saver, time.Hour, nil)
	p := &scribe.Project{ID: "p1", Title: "same"}

	a.Schedule(p)
	if _, err := a.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	// Only fields every save rewrites differ.
	again := p.Clone()
	again.LastModified = "2024-01-15T10:30:00.000Z"
	again.OwnerID = "someone"
	a.Schedule(again)
	report, err := a.Flush(ctx)
	if err != nil || report != nil {
		t.Errorf("Flush() = %v, %v; want nil, nil", report, err)
	}
	if n := len(saver.saved()); n != 1 {
		t.Errorf("%d saves, want 1", n)
	}
}

func TestAutoSaver_PrimeSuppressesSave(t *testing.T) {
	saver := &countingSaver{}
	a := scribe.NewAutoSaver(saver, time.Hour, nil)
	p := &scribe.Project{ID: "p1", Title: "loaded"}

	a.Prime(p)
	a.Schedule(p)
	a.Flush(context.Background())
	if n := len(saver.saved()); n != 0 {
		t.Errorf("%d saves of an unchanged loaded project, want 0", n)
	}
}

func TestAutoSaver_FailedSaveRetriedNextTime(t *testing.T) {
	ctx := context.Background()
	saver := &countingSaver{err: errors.New("offline")}
	a := scribe.NewAutoSaver(saver, time.Hour, nil)
	p := &scribe.Project{ID: "p1", Title: "draft"}

	a.Schedule(p)
	if _, err := a.Flush(ctx); err == nil {
		t.Fatal("Flush() error = nil, want offline")
	}

	saver.mu.Lock()
	saver.err = nil
	saver.mu.Unlock()
	a.Schedule(p)
	if report, err := a.Flush(ctx); err != nil || report == nil {
		t.Errorf("Flush() = %v, %v; want a report", report, err)
	}
}

func TestAutoSaver_DiscardAndStop(t *testing.T) {
	ctx := context.Background()
	saver := &countingSaver{}
	a := scribe.NewAutoSaver(saver, time.Hour, nil)

	a.Schedule(&scribe.Project{ID: "p1", Title: "dropped"})
	a.Discard()
	a.Wait()

	a.Schedule(&scribe.Project{ID: "p1", Title: "kept"})
	if err := a.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	a.Schedule(&scribe.Project{ID: "p1", Title: "after stop"})
	a.Wait()

	got := saver.saved()
	if len(got) != 1 || got[0] != "kept" {
		t.Errorf("saves = %v, want [kept]", got)
	}
}

func TestFingerprint(t *testing.T) {
	p := sampleProject("p1")
	base, err := scribe.Fingerprint(p)
	if err != nil {
		t.Fatalf("Fingerprint() error = %v", err)
	}

	stamped := p.Clone()
	stamped.OwnerID = "u1"
	stamped.LastModified = "2030-01-01T00:00:00.000Z"
	if fp, _ := scribe.Fingerprint(stamped); fp != base {
		t.Error("owner or lastModified changed the fingerprint")
	}

	edited := p.Clone()
	edited.Memory.Characters[0].Name = "Ada L."
	if fp, _ := scribe.Fingerprint(edited); fp == base {
		t.Error("entity edit did not change the fingerprint")
	}
}
