package scribe_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"scribe/internal/scribe"
	"scribe/internal/testutil"
)

type sessionFixture struct {
	store   scribe.DocumentStore
	ps      *scribe.ProjectStore
	ledger  *scribe.Ledger
	journal scribe.Journal
	sess    *scribe.Session
}

// newSessionFixture builds a session whose autosave never fires on its own;
// tests save explicitly.
func newSessionFixture(t *testing.T, store scribe.DocumentStore) *sessionFixture {
	t.Helper()
	f := &sessionFixture{
		store:   store,
		ps:      testutil.NewTestProjectStore(t, store),
		ledger:  newTestLedger(store),
		journal: testutil.NewTestJournal(t),
	}
	f.sess = scribe.NewSession(f.ps, f.ledger, f.journal, nil, testutil.FixedClock(), time.Hour)
	t.Cleanup(func() { f.sess.Close(context.Background()) })
	return f
}

func (f *sessionFixture) createSaved(t *testing.T, p *scribe.Project) {
	t.Helper()
	ctx := context.Background()
	if err := f.sess.Create(ctx, p); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := f.sess.Save(ctx); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
}

func TestSession_CreateAndSave(t *testing.T) {
	ctx := context.Background()
	f := newSessionFixture(t, testutil.NewTestStore())

	if err := f.sess.Create(ctx, sampleProject("p1")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if st := f.sess.State(); st != scribe.StateUnsaved {
		t.Errorf("State() = %s, want unsaved", st)
	}
	if pending, _ := f.journal.GetPending(ctx, "p1"); pending == nil {
		t.Error("new project was not journaled")
	}

	report, err := f.sess.Save(ctx)
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if report == nil || !report.Clean() {
		t.Fatalf("Save() report = %+v", report)
	}
	if st := f.sess.State(); st != scribe.StateSaved {
		t.Errorf("State() = %s, want saved", st)
	}
	if got := f.sess.Project(); got.OwnerID != testutil.TestOwner || got.LastModified == "" {
		t.Errorf("saved project owner=%q modified=%q", got.OwnerID, got.LastModified)
	}
	if pending, _ := f.journal.GetPending(ctx, "p1"); pending != nil {
		t.Error("journal still holds a pending save after a successful save")
	}

	report, err = f.sess.Save(ctx)
	if err != nil || report != nil {
		t.Errorf("second Save() = %v, %v; want nil, nil", report, err)
	}
}

func TestSession_Apply(t *testing.T) {
	ctx := context.Background()
	store := newFaultyStore(testutil.NewTestStore())
	f := newSessionFixture(t, store)
	f.createSaved(t, sampleProject("p1"))

	for _, title := range []string{"One", "Two", "Three"} {
		err := f.sess.Apply(ctx, func(p *scribe.Project) error {
			p.Title = title
			return nil
		})
		if err != nil {
			t.Fatalf("Apply() error = %v", err)
		}
	}
	if _, err := f.sess.Save(ctx); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if n := store.metadataWrites("p1"); n != 2 {
		t.Errorf("%d metadata writes, want 2 (create + one coalesced edit)", n)
	}
	got, _ := f.ps.LoadFull(ctx, "p1")
	if got.Title != "Three" {
		t.Errorf("stored title = %q, want Three", got.Title)
	}

	t.Run("failed edit is not installed", func(t *testing.T) {
		err := f.sess.Apply(ctx, func(p *scribe.Project) error {
			p.Title = "Broken"
			return errors.New("cancelled")
		})
		if err == nil || f.sess.Project().Title != "Three" {
			t.Errorf("Apply() = %v, title %q", err, f.sess.Project().Title)
		}
	})

	t.Run("invalid result is rejected", func(t *testing.T) {
		err := f.sess.Apply(ctx, func(p *scribe.Project) error {
			p.Memory.Characters = append(p.Memory.Characters, scribe.Character{ID: "c1"})
			return nil
		})
		if !errors.Is(err, scribe.ErrInvalidID) {
			t.Errorf("Apply() error = %v, want ErrInvalidID", err)
		}
		if n := len(f.sess.Project().Memory.Characters); n != 3 {
			t.Errorf("%d characters after rejected edit, want 3", n)
		}
	})
}

func TestSession_NoProject(t *testing.T) {
	ctx := context.Background()
	f := newSessionFixture(t, testutil.NewTestStore())

	if err := f.sess.Apply(ctx, func(*scribe.Project) error { return nil }); !errors.Is(err, scribe.ErrNoProject) {
		t.Errorf("Apply() error = %v, want ErrNoProject", err)
	}
	if err := f.sess.Delete(ctx); !errors.Is(err, scribe.ErrNoProject) {
		t.Errorf("Delete() error = %v, want ErrNoProject", err)
	}
	if _, err := f.sess.SnapshotMetadata(ctx, ""); !errors.Is(err, scribe.ErrNoProject) {
		t.Errorf("SnapshotMetadata() error = %v, want ErrNoProject", err)
	}
}

func TestSession_Open(t *testing.T) {
	ctx := context.Background()

	seed := func(t *testing.T, f *sessionFixture, localTitle string) {
		t.Helper()
		remote := sampleProject("p1")
		remote.Title = "Remote"
		if _, err := f.ps.SaveFull(ctx, remote); err != nil {
			t.Fatalf("SaveFull() error = %v", err)
		}
		if localTitle == "" {
			return
		}
		local := sampleProject("p1")
		local.Title = localTitle
		fp, _ := scribe.Fingerprint(local)
		f.journal.PutPending(ctx, &scribe.PendingSave{
			ProjectID: "p1", OwnerID: testutil.TestOwner, Snapshot: local, Fingerprint: fp, QueuedAt: time.Now(),
		})
	}

	t.Run("remote copy", func(t *testing.T) {
		f := newSessionFixture(t, testutil.NewTestStore())
		seed(t, f, "")

		if err := f.sess.Open(ctx, "p1"); err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		if f.sess.Project().Title != "Remote" || f.sess.State() != scribe.StateSaved {
			t.Errorf("opened %q in state %s", f.sess.Project().Title, f.sess.State())
		}
		if report, _ := f.sess.Save(ctx); report != nil {
			t.Error("opening a project scheduled a save")
		}
	})

	t.Run("pending local edit wins", func(t *testing.T) {
		f := newSessionFixture(t, testutil.NewTestStore())
		seed(t, f, "Local")

		if err := f.sess.Open(ctx, "p1"); err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		if f.sess.Project().Title != "Local" {
			t.Errorf("opened title = %q, want Local", f.sess.Project().Title)
		}
		if _, err := f.sess.Save(ctx); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
		stored, _ := f.ps.LoadFull(ctx, "p1")
		if stored.Title != "Local" {
			t.Errorf("stored title = %q, want Local", stored.Title)
		}
		if pending, _ := f.journal.GetPending(ctx, "p1"); pending != nil {
			t.Error("pending save not cleared")
		}
	})

	t.Run("offline opens local copy", func(t *testing.T) {
		store := newFaultyStore(testutil.NewTestStore())
		f := newSessionFixture(t, store)
		seed(t, f, "Offline edit")
		store.failGet = func(string) error { return errors.New("network down") }

		if err := f.sess.Open(ctx, "p1"); err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		if f.sess.Project().Title != "Offline edit" {
			t.Errorf("opened title = %q", f.sess.Project().Title)
		}
	})

	t.Run("offline without local copy fails", func(t *testing.T) {
		store := newFaultyStore(testutil.NewTestStore())
		f := newSessionFixture(t, store)
		seed(t, f, "")
		store.failGet = func(string) error { return errors.New("network down") }

		if err := f.sess.Open(ctx, "p1"); !scribe.IsTransportError(err) {
			t.Errorf("Open() error = %v, want TransportError", err)
		}
	})

	t.Run("missing everywhere", func(t *testing.T) {
		f := newSessionFixture(t, testutil.NewTestStore())
		if err := f.sess.Open(ctx, "ghost"); !errors.Is(err, scribe.ErrProjectNotFound) {
			t.Errorf("Open() error = %v, want ErrProjectNotFound", err)
		}
	})
}

func TestSession_Delete(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewTestStore()
	f := newSessionFixture(t, store)

	if err := f.sess.Create(ctx, sampleProject("p1")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	var te *scribe.TransitionError
	if err := f.sess.Delete(ctx); !errors.As(err, &te) {
		t.Errorf("Delete() of unsaved project error = %v, want TransitionError", err)
	}

	if _, err := f.sess.Save(ctx); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	f.sess.Apply(ctx, func(p *scribe.Project) error {
		p.Title = "edit that never lands"
		return nil
	})

	if err := f.sess.Delete(ctx); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if st := f.sess.State(); st != scribe.StateDeleted {
		t.Errorf("State() = %s, want deleted", st)
	}
	if store.Len() != 0 {
		t.Errorf("store still holds %v", store.Paths())
	}
	if pending, _ := f.journal.GetPending(ctx, "p1"); pending != nil {
		t.Error("journal still holds the discarded edit")
	}
	if err := f.sess.Apply(ctx, func(*scribe.Project) error { return nil }); !errors.As(err, &te) {
		t.Errorf("Apply() after delete error = %v, want TransitionError", err)
	}
}

func TestSession_RestoreManuscript(t *testing.T) {
	ctx := context.Background()
	f := newSessionFixture(t, testutil.NewTestStore())
	f.createSaved(t, sampleProject("p1"))

	first, err := f.sess.SnapshotManuscript(ctx, "m1", "first")
	if err != nil {
		t.Fatalf("SnapshotManuscript() error = %v", err)
	}
	f.sess.Apply(ctx, func(p *scribe.Project) error {
		p.Manuscript("m1").Content = "The thaw came early."
		return nil
	})

	if err := f.sess.RestoreManuscript(ctx, "m1", first.ID); err != nil {
		t.Fatalf("RestoreManuscript() error = %v", err)
	}
	m := f.sess.Project().Manuscript("m1")
	if m.Content != "It began to snow." {
		t.Errorf("content = %q, want the first draft", m.Content)
	}
	if m.UpdatedAt != testutil.FixedTimestamp {
		t.Errorf("UpdatedAt = %q", m.UpdatedAt)
	}

	versions, _ := f.ledger.ListVersions(ctx, scribe.ManuscriptScope("p1", "m1"))
	if len(versions) != 2 {
		t.Fatalf("%d versions, want 2", len(versions))
	}
	if versions[0].Note != scribe.NoteBeforeRestore || versions[0].Content != "The thaw came early." {
		t.Errorf("newest version = %+v, want pre-restore snapshot", versions[0])
	}

	if err := f.sess.RestoreManuscript(ctx, "m1", "missing"); !errors.Is(err, scribe.ErrVersionNotFound) {
		t.Errorf("RestoreManuscript(missing) error = %v", err)
	}
}

func TestSession_RestoreEntity(t *testing.T) {
	ctx := context.Background()
	f := newSessionFixture(t, testutil.NewTestStore())
	f.createSaved(t, sampleProject("p1"))

	rec, err := f.sess.SnapshotEntity(ctx, scribe.CollectionCharacters, "c2", "")
	if err != nil {
		t.Fatalf("SnapshotEntity() error = %v", err)
	}
	f.sess.Apply(ctx, func(p *scribe.Project) error {
		p.Memory.Characters = p.Memory.Characters[:1]
		return nil
	})

	if err := f.sess.RestoreEntity(ctx, scribe.CollectionCharacters, "c2", rec.ID); err != nil {
		t.Fatalf("RestoreEntity() error = %v", err)
	}
	e, ok := f.sess.Project().Entity(scribe.CollectionCharacters, "c2")
	if !ok || e.(scribe.Character).Name != "Bram" {
		t.Errorf("restored entity = %+v, %v", e, ok)
	}

	scope, _ := scribe.EntityScope("p1", scribe.CollectionCharacters, "c2")
	versions, _ := f.ledger.ListVersions(ctx, scope)
	if len(versions) != 1 {
		t.Errorf("%d versions, want 1 (no snapshot of a missing entity)", len(versions))
	}

	if _, err := f.sess.SnapshotEntity(ctx, scribe.CollectionManuscripts, "m1", ""); err == nil {
		t.Error("SnapshotEntity() accepted a manuscript")
	}
	if err := f.sess.RestoreEntity(ctx, scribe.CollectionCharacters, "c1", rec.ID); err == nil {
		t.Error("RestoreEntity() applied another entity's version")
	}
}

func TestSession_RestoreMetadata(t *testing.T) {
	ctx := context.Background()
	f := newSessionFixture(t, testutil.NewTestStore())
	f.createSaved(t, sampleProject("p1"))

	rec, err := f.sess.SnapshotMetadata(ctx, "")
	if err != nil {
		t.Fatalf("SnapshotMetadata() error = %v", err)
	}
	f.sess.Apply(ctx, func(p *scribe.Project) error {
		p.Title = "Renamed"
		p.Synopsis = ""
		return nil
	})

	if err := f.sess.RestoreMetadata(ctx, rec.ID); err != nil {
		t.Fatalf("RestoreMetadata() error = %v", err)
	}
	p := f.sess.Project()
	if p.Title != "The Long Winter" || p.Synopsis != "A town waits for spring." {
		t.Errorf("restored metadata = %q / %q", p.Title, p.Synopsis)
	}
	if p.ID != "p1" || p.OwnerID != testutil.TestOwner {
		t.Errorf("identity fields changed: id=%q owner=%q", p.ID, p.OwnerID)
	}
}

func TestSession_MergeMemory(t *testing.T) {
	ctx := context.Background()
	f := newSessionFixture(t, testutil.NewTestStore())
	f.createSaved(t, sampleProject("p1"))

	incoming := scribe.MemoryCore{
		Characters: []scribe.Character{
			{ID: "c1", Name: "Ada Lovelace", Role: "lead"},
			{ID: "c2", Name: "Bram", Role: "rival"},
			{ID: "c5", Name: "Eve"},
		},
	}
	result, err := f.sess.MergeMemory(ctx, incoming, "")
	if err != nil {
		t.Fatalf("MergeMemory() error = %v", err)
	}

	c1 := scribe.EntityRef{Kind: scribe.CollectionCharacters, ID: "c1"}
	c5 := scribe.EntityRef{Kind: scribe.CollectionCharacters, ID: "c5"}
	if len(result.Updated) != 1 || result.Updated[0] != c1 {
		t.Errorf("Updated = %v, want [c1]", result.Updated)
	}
	if len(result.Added) != 1 || result.Added[0] != c5 {
		t.Errorf("Added = %v, want [c5]", result.Added)
	}
	if len(result.Snapshots) != 1 || result.Snapshots[0].Note != scribe.NoteBeforeMerge {
		t.Errorf("Snapshots = %+v", result.Snapshots)
	}
	old, _ := scribe.DecodeVersion[scribe.Character](result.Snapshots[0])
	if old.Name != "Ada" {
		t.Errorf("snapshot holds %q, want the pre-merge name", old.Name)
	}

	chars := f.sess.Project().Memory.Characters
	if len(chars) != 4 || chars[0].Name != "Ada Lovelace" || chars[3].ID != "c5" {
		t.Errorf("characters after merge = %+v", chars)
	}

	bad := scribe.MemoryCore{Locations: []scribe.Location{{ID: "x"}, {ID: "x"}}}
	if _, err := f.sess.MergeMemory(ctx, bad, ""); !errors.Is(err, scribe.ErrInvalidID) {
		t.Errorf("MergeMemory(duplicates) error = %v, want ErrInvalidID", err)
	}
}

func TestSession_RejectedImageClearedLocally(t *testing.T) {
	ctx := context.Background()
	f := newSessionFixture(t, testutil.NewTestStore())

	p := sampleProject("p1")
	p.Memory.Characters[1].ImageURL = scribe.EncodeDataURL("image/png", bytes.Repeat([]byte{1}, 900*1024))
	if err := f.sess.Create(ctx, p); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	report, err := f.sess.Save(ctx)
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if len(report.RejectedImages) != 1 {
		t.Fatalf("RejectedImages = %+v", report.RejectedImages)
	}
	if url := f.sess.Project().Memory.Characters[1].ImageURL; url != "" {
		t.Errorf("session still holds the rejected payload (%d bytes)", len(url))
	}
}

func TestSession_TargetDispatch(t *testing.T) {
	ctx := context.Background()
	f := newSessionFixture(t, testutil.NewTestStore())
	f.createSaved(t, sampleProject("p1"))

	targets := []scribe.Target{
		{},
		{Collection: scribe.CollectionManuscripts, EntityID: "m1"},
		{Collection: scribe.CollectionLocations, EntityID: "l1"},
	}
	for _, target := range targets {
		t.Run(target.String(), func(t *testing.T) {
			rec, err := f.sess.Snapshot(ctx, target, "manual")
			if err != nil {
				t.Fatalf("Snapshot() error = %v", err)
			}
			scope, err := target.Scope("p1")
			if err != nil {
				t.Fatalf("Scope() error = %v", err)
			}
			versions, _ := f.ledger.ListVersions(ctx, scope)
			if len(versions) == 0 || versions[0].ID != rec.ID {
				t.Fatalf("snapshot not in %s", scope)
			}
			if err := f.sess.Restore(ctx, target, rec.ID); err != nil {
				t.Errorf("Restore() error = %v", err)
			}
		})
	}

	if _, err := (scribe.Target{Collection: "chapters", EntityID: "x"}).Scope("p1"); err == nil {
		t.Error("Scope() accepted an unknown collection")
	}
}
