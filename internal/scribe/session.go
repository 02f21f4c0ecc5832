package scribe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Notes attached to versions captured automatically before a destructive
// change.
const (
	NoteBeforeRestore = "Auto-save before restore"
	NoteBeforeMerge   = "Auto-save before memory merge"
)

// Session is the single mutation point for one open project. Edits go
// through Apply, which swaps in a new project value, journals it locally and
// schedules a debounced save.
type Session struct {
	store     *ProjectStore
	ledger    *Ledger
	journal   Journal
	autosaver *AutoSaver
	logger    Logger
	clock     Clock

	mu        sync.Mutex
	project   *Project
	lifecycle *Lifecycle
}

// NewSession creates a Session with no open project. journal may be nil.
func NewSession(store *ProjectStore, ledger *Ledger, journal Journal, logger Logger, clock Clock, debounce time.Duration) *Session {
	if logger == nil {
		logger = NewNopLogger()
	}
	if clock == nil {
		clock = RealClock{}
	}
	s := &Session{
		store:     store,
		ledger:    ledger,
		journal:   journal,
		logger:    logger,
		clock:     clock,
		lifecycle: NewLifecycle(false),
	}
	s.autosaver = NewAutoSaver(SaverFunc(s.persist), debounce, logger)
	return s
}

// Open loads a project. A pending local save newer than the last confirmed
// one takes precedence over the remote copy and is queued for saving. If the
// store is unreachable the pending save is opened offline.
func (s *Session) Open(ctx context.Context, id string) error {
	var pending *PendingSave
	if s.journal != nil {
		var err error
		pending, err = s.journal.GetPending(ctx, id)
		if err != nil {
			s.logger.Warn("reading journal failed", "project", id, "error", err)
		}
	}

	remote, err := s.store.LoadFull(ctx, id)
	if err != nil {
		if pending == nil {
			return err
		}
		s.logger.Warn("store unreachable, opening local copy", "project", id, "error", err)
		s.install(pending.Snapshot.Clone(), NewLifecycle(pending.Snapshot.LastModified != ""))
		return nil
	}

	switch {
	case remote == nil && pending == nil:
		return fmt.Errorf("%s: %w", id, ErrProjectNotFound)
	case remote == nil:
		s.install(pending.Snapshot.Clone(), NewLifecycle(false))
		s.autosaver.Schedule(pending.Snapshot)
	case pending != nil:
		s.install(pending.Snapshot.Clone(), NewLifecycle(true))
		s.autosaver.Prime(remote)
		s.autosaver.Schedule(pending.Snapshot)
	default:
		s.install(remote, NewLifecycle(true))
		s.autosaver.Prime(remote)
	}
	return nil
}

// Create starts a new, unsaved project and schedules its first save.
func (s *Session) Create(ctx context.Context, p *Project) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.install(p.Clone(), NewLifecycle(false))
	snapshot := p.Clone()
	s.journalPut(ctx, snapshot)
	s.autosaver.Schedule(snapshot)
	return nil
}

func (s *Session) install(p *Project, lc *Lifecycle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.project = p
	s.lifecycle = lc
}

// Project returns a copy of the current project, or nil.
func (s *Session) Project() *Project {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.project.Clone()
}

// State returns the persistence state of the open project.
func (s *Session) State() LifecycleState {
	s.mu.Lock()
	lc := s.lifecycle
	s.mu.Unlock()
	return lc.State()
}

// Apply runs fn on a copy of the project and installs the result if fn
// succeeds and the result is valid.
func (s *Session) Apply(ctx context.Context, fn func(p *Project) error) error {
	s.mu.Lock()
	if s.project == nil {
		s.mu.Unlock()
		return ErrNoProject
	}
	if st := s.lifecycle.State(); st == StateDeleting || st == StateDeleted {
		s.mu.Unlock()
		return &TransitionError{From: st, Event: "edit"}
	}
	next := s.project.Clone()
	if err := fn(next); err != nil {
		s.mu.Unlock()
		return err
	}
	if err := next.Validate(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.project = next
	snapshot := next.Clone()
	s.mu.Unlock()

	s.journalPut(ctx, snapshot)
	s.autosaver.Schedule(snapshot)
	return nil
}

func (s *Session) journalPut(ctx context.Context, p *Project) {
	if s.journal == nil {
		return
	}
	fp, err := Fingerprint(p)
	if err != nil {
		s.logger.Warn("fingerprinting project failed", "project", p.ID, "error", err)
		return
	}
	err = s.journal.PutPending(ctx, &PendingSave{
		ProjectID:   p.ID,
		OwnerID:     s.store.Owner(ctx),
		Snapshot:    p,
		Fingerprint: fp,
		QueuedAt:    s.clock.Now(),
	})
	if err != nil {
		s.logger.Warn("journaling edit failed", "project", p.ID, "error", err)
	}
}

// Save saves any pending edit now instead of waiting for the quiet period.
// It returns nil, nil when there was nothing to save.
func (s *Session) Save(ctx context.Context) (*SaveReport, error) {
	return s.autosaver.Flush(ctx)
}

// Close saves any pending edit and waits for running saves.
func (s *Session) Close(ctx context.Context) error {
	return s.autosaver.Stop(ctx)
}

// persist is the AutoSaver's save function.
func (s *Session) persist(ctx context.Context, p *Project) (*SaveReport, error) {
	s.mu.Lock()
	lc := s.lifecycle
	s.mu.Unlock()

	if err := lc.BeginSave(); err != nil {
		return nil, err
	}
	report, err := s.store.SaveFull(ctx, p)
	lc.EndSave(err)
	if err != nil {
		return nil, err
	}

	s.applyReport(p, report)

	if s.journal != nil {
		fp, err := Fingerprint(p)
		if err == nil {
			_, err = s.journal.MarkSynced(ctx, p.ID, fp)
		}
		if err != nil {
			s.logger.Warn("clearing journal failed", "project", p.ID, "error", err)
		}
	}
	return report, nil
}

// applyReport copies what the store changed during a save back onto the
// live project, unless the user has edited those fields since.
func (s *Session) applyReport(saved *Project, report *SaveReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.project
	if cur == nil || cur.ID != saved.ID {
		return
	}
	cur.OwnerID = report.OwnerID
	cur.LastModified = report.LastModified
	if len(report.RejectedImages) == 0 {
		return
	}
	curFP, _ := Fingerprint(cur)
	savedFP, _ := Fingerprint(saved)
	unedited := curFP == savedFP

	for _, r := range report.RejectedImages {
		if r.Ref.Kind == CollectionGallery {
			g, was := cur.GalleryImage(r.Ref.ID), saved.GalleryImage(r.Ref.ID)
			if g == nil || was == nil || g.Src != was.Src {
				continue
			}
			g.Src = ""
			if r.Offloaded {
				g.BlobKey = r.BlobKey
				if g.MimeType == "" {
					g.MimeType = r.MIME
				}
			}
			continue
		}
		slot, err := cur.imageSlot(r.Ref)
		if err != nil {
			continue
		}
		if was, err := saved.imageSlot(r.Ref); err == nil && *slot == *was {
			*slot = ""
		}
	}
	if unedited {
		// cur now matches what the store holds.
		s.autosaver.Prime(cur)
	}
}

// Delete removes the project remotely and discards any pending edit.
func (s *Session) Delete(ctx context.Context) error {
	s.mu.Lock()
	p, lc := s.project, s.lifecycle
	s.mu.Unlock()
	if p == nil {
		return ErrNoProject
	}

	if err := lc.BeginDelete(); err != nil {
		return err
	}
	s.autosaver.Discard()
	s.autosaver.Wait()

	err := s.store.DeleteFull(ctx, p.ID)
	lc.EndDelete(err)
	if err != nil {
		return err
	}
	if s.journal != nil {
		if err := s.journal.DropPending(ctx, p.ID); err != nil {
			s.logger.Warn("clearing journal failed", "project", p.ID, "error", err)
		}
	}
	return nil
}

// SnapshotManuscript records the current prose of a manuscript.
func (s *Session) SnapshotManuscript(ctx context.Context, manuscriptID, note string) (*VersionRecord, error) {
	p := s.Project()
	if p == nil {
		return nil, ErrNoProject
	}
	m := p.Manuscript(manuscriptID)
	if m == nil {
		return nil, fmt.Errorf("manuscript %s: %w", manuscriptID, ErrEntityNotFound)
	}
	return s.ledger.AppendVersion(ctx, ManuscriptScope(p.ID, manuscriptID), m.Content, note)
}

// SnapshotEntity records the current state of a non-manuscript entity.
func (s *Session) SnapshotEntity(ctx context.Context, collection, entityID, note string) (*VersionRecord, error) {
	p := s.Project()
	if p == nil {
		return nil, ErrNoProject
	}
	scope, err := EntityScope(p.ID, collection, entityID)
	if err != nil {
		return nil, err
	}
	e, ok := p.Entity(collection, entityID)
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", collection, entityID, ErrEntityNotFound)
	}
	return s.ledger.AppendVersion(ctx, scope, e, note)
}

// SnapshotMetadata records the current project metadata.
func (s *Session) SnapshotMetadata(ctx context.Context, note string) (*VersionRecord, error) {
	p := s.Project()
	if p == nil {
		return nil, ErrNoProject
	}
	return s.ledger.AppendVersion(ctx, MetadataScope(p.ID), p.Meta(), note)
}

// RestoreManuscript replaces a manuscript's prose with a stored version,
// snapshotting the current prose first.
func (s *Session) RestoreManuscript(ctx context.Context, manuscriptID, versionID string) error {
	p := s.Project()
	if p == nil {
		return ErrNoProject
	}
	rec, err := s.ledger.Restore(ctx, ManuscriptScope(p.ID, manuscriptID), versionID)
	if err != nil {
		return err
	}
	if _, err := s.SnapshotManuscript(ctx, manuscriptID, NoteBeforeRestore); err != nil {
		return fmt.Errorf("snapshot before restore: %w", err)
	}
	return s.Apply(ctx, func(p *Project) error {
		m := p.Manuscript(manuscriptID)
		if m == nil {
			return fmt.Errorf("manuscript %s: %w", manuscriptID, ErrEntityNotFound)
		}
		m.Content = rec.Content
		m.UpdatedAt = FormatTimestamp(s.clock.Now())
		return nil
	})
}

// RestoreEntity replaces a character, location, plot point or gallery image
// with a stored version, snapshotting the current state first. An entity
// that no longer exists is re-added.
func (s *Session) RestoreEntity(ctx context.Context, collection, entityID, versionID string) error {
	p := s.Project()
	if p == nil {
		return ErrNoProject
	}
	scope, err := EntityScope(p.ID, collection, entityID)
	if err != nil {
		return err
	}
	rec, err := s.ledger.Restore(ctx, scope, versionID)
	if err != nil {
		return err
	}
	restored, err := decodeEntity(collection, rec)
	if err != nil {
		return err
	}
	if restored.EntityID() != entityID {
		return fmt.Errorf("version %s belongs to %s, not %s", versionID, restored.EntityID(), entityID)
	}

	if _, exists := p.Entity(collection, entityID); exists {
		if _, err := s.SnapshotEntity(ctx, collection, entityID, NoteBeforeRestore); err != nil {
			return fmt.Errorf("snapshot before restore: %w", err)
		}
	}
	return s.Apply(ctx, func(p *Project) error {
		return p.PutEntity(collection, restored)
	})
}

func decodeEntity(collection string, rec *VersionRecord) (Entity, error) {
	switch collection {
	case CollectionCharacters:
		return DecodeVersion[Character](rec)
	case CollectionLocations:
		return DecodeVersion[Location](rec)
	case CollectionPlotPoints:
		return DecodeVersion[PlotPoint](rec)
	case CollectionGallery:
		return DecodeVersion[GalleryImage](rec)
	}
	return nil, fmt.Errorf("unknown collection %q", collection)
}

// RestoreMetadata restores the editable metadata fields from a stored
// version, snapshotting the current metadata first. Identity, owner and
// timestamps are never restored.
func (s *Session) RestoreMetadata(ctx context.Context, versionID string) error {
	p := s.Project()
	if p == nil {
		return ErrNoProject
	}
	rec, err := s.ledger.Restore(ctx, MetadataScope(p.ID), versionID)
	if err != nil {
		return err
	}
	meta, err := DecodeVersion[ProjectMeta](rec)
	if err != nil {
		return err
	}
	if _, err := s.SnapshotMetadata(ctx, NoteBeforeRestore); err != nil {
		return fmt.Errorf("snapshot before restore: %w", err)
	}
	return s.Apply(ctx, func(p *Project) error {
		p.Title = meta.Title
		p.Synopsis = meta.Synopsis
		p.StyleSeed = meta.StyleSeed
		p.WritingStyle = meta.WritingStyle
		if meta.ActiveManuscriptID == "" || p.Manuscript(meta.ActiveManuscriptID) != nil {
			p.ActiveManuscriptID = meta.ActiveManuscriptID
		}
		return nil
	})
}

// Target names a versioned part of a project: its metadata when Collection
// is empty, otherwise one entity.
type Target struct {
	Collection string `json:"collection"`
	EntityID   string `json:"entityId"`
}

// Scope returns the version log of the target.
func (t Target) Scope(projectID string) (Scope, error) {
	switch t.Collection {
	case "":
		return MetadataScope(projectID), nil
	case CollectionManuscripts:
		return ManuscriptScope(projectID, t.EntityID), nil
	}
	return EntityScope(projectID, t.Collection, t.EntityID)
}

func (t Target) String() string {
	if t.Collection == "" {
		return "metadata"
	}
	return t.Collection + "/" + t.EntityID
}

// Snapshot records the current state of the target.
func (s *Session) Snapshot(ctx context.Context, t Target, note string) (*VersionRecord, error) {
	switch t.Collection {
	case "":
		return s.SnapshotMetadata(ctx, note)
	case CollectionManuscripts:
		return s.SnapshotManuscript(ctx, t.EntityID, note)
	}
	return s.SnapshotEntity(ctx, t.Collection, t.EntityID, note)
}

// Restore applies a stored version to the target.
func (s *Session) Restore(ctx context.Context, t Target, versionID string) error {
	switch t.Collection {
	case "":
		return s.RestoreMetadata(ctx, versionID)
	case CollectionManuscripts:
		return s.RestoreManuscript(ctx, t.EntityID, versionID)
	}
	return s.RestoreEntity(ctx, t.Collection, t.EntityID, versionID)
}

// MergeResult lists what a memory merge changed.
type MergeResult struct {
	Added     []EntityRef
	Updated   []EntityRef
	Snapshots []*VersionRecord
}

// MergeMemory merges incoming entities into the project's memory by id.
// Existing entities that would change are snapshotted first; if any snapshot
// fails nothing is merged.
func (s *Session) MergeMemory(ctx context.Context, incoming MemoryCore, note string) (*MergeResult, error) {
	p := s.Project()
	if p == nil {
		return nil, ErrNoProject
	}
	if note == "" {
		note = NoteBeforeMerge
	}
	for _, err := range []error{
		validateEntityIDs(incoming.Characters),
		validateEntityIDs(incoming.Locations),
		validateEntityIDs(incoming.PlotPoints),
	} {
		if err != nil {
			return nil, fmt.Errorf("merging memory: %w", err)
		}
	}

	result := &MergeResult{}
	collect(result, CollectionCharacters, p.Memory.Characters, incoming.Characters)
	collect(result, CollectionLocations, p.Memory.Locations, incoming.Locations)
	collect(result, CollectionPlotPoints, p.Memory.PlotPoints, incoming.PlotPoints)

	var errs []error
	for _, ref := range result.Updated {
		rec, err := s.SnapshotEntity(ctx, ref.Kind, ref.ID, note)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if rec != nil {
			result.Snapshots = append(result.Snapshots, rec)
		}
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("snapshot before merge: %w", errors.Join(errs...))
	}

	err := s.Apply(ctx, func(p *Project) error {
		p.Memory.Characters = mergeEntities(p.Memory.Characters, incoming.Characters)
		p.Memory.Locations = mergeEntities(p.Memory.Locations, incoming.Locations)
		p.Memory.PlotPoints = mergeEntities(p.Memory.PlotPoints, incoming.PlotPoints)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("memory merged", "project", p.ID, "added", len(result.Added), "updated", len(result.Updated))
	return result, nil
}

// collect classifies incoming entities as added or updated. Identical
// entities are neither.
func collect[T interface {
	Entity
	comparable
}](result *MergeResult, collection string, current, incoming []T) {
	existing := make(map[string]T, len(current))
	for _, e := range current {
		existing[e.EntityID()] = e
	}
	for _, e := range incoming {
		ref := EntityRef{Kind: collection, ID: e.EntityID()}
		old, ok := existing[e.EntityID()]
		switch {
		case !ok:
			result.Added = append(result.Added, ref)
		case old != e:
			result.Updated = append(result.Updated, ref)
		}
	}
}

func mergeEntities[T Entity](current, incoming []T) []T {
	index := make(map[string]int, len(current))
	for i, e := range current {
		index[e.EntityID()] = i
	}
	for _, e := range incoming {
		if i, ok := index[e.EntityID()]; ok {
			current[i] = e
			continue
		}
		index[e.EntityID()] = len(current)
		current = append(current, e)
	}
	return current
}
