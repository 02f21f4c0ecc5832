package scribe

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ProjectStore persists whole projects as a metadata record plus one
// subcollection per entity kind.
type ProjectStore struct {
	store    DocumentStore
	sync     *Synchronizer
	identity Identity
	vault    ImageVault
	logger   Logger
	clock    Clock
}

// NewProjectStore creates a ProjectStore. vault may be nil, in which case
// oversized gallery payloads are stripped instead of offloaded.
func NewProjectStore(store DocumentStore, syncer *Synchronizer, identity Identity, vault ImageVault, logger Logger, clock Clock) *ProjectStore {
	if logger == nil {
		logger = NewNopLogger()
	}
	if clock == nil {
		clock = RealClock{}
	}
	if syncer == nil {
		syncer = NewSynchronizer(store, logger, 0)
	}
	return &ProjectStore{
		store:    store,
		sync:     syncer,
		identity: identity,
		vault:    vault,
		logger:   logger,
		clock:    clock,
	}
}

// Owner returns the currently authenticated owner, or "".
func (s *ProjectStore) Owner(ctx context.Context) string {
	if s.identity == nil {
		return ""
	}
	return s.identity.Current(ctx)
}

// RejectedImage is an image payload that was kept out of a save because it
// exceeded MaxInlineImageBytes.
type RejectedImage struct {
	Ref   EntityRef
	Bytes int
	// Offloaded is set when the payload was moved to the image vault
	// under BlobKey instead of being dropped.
	Offloaded bool
	BlobKey   string
	MIME      string
	Err       error
}

// SaveReport describes the outcome of a SaveFull call.
type SaveReport struct {
	ProjectID    string
	OwnerID      string
	LastModified string
	Collections  []*SyncResult
	// CollectionErrors holds collection syncs that failed as a whole,
	// keyed by collection name.
	CollectionErrors map[string]error
	RejectedImages   []RejectedImage
}

// Failures returns every item that was not persisted.
func (r *SaveReport) Failures() []*ItemPersistenceError {
	var out []*ItemPersistenceError
	for _, c := range r.Collections {
		out = append(out, c.Failed...)
	}
	return out
}

// Clean reports whether everything in the project was persisted as is.
func (r *SaveReport) Clean() bool {
	return len(r.CollectionErrors) == 0 && len(r.RejectedImages) == 0 && len(r.Failures()) == 0
}

// SaveFull persists the project. The metadata record is merge-written first
// with a fresh lastModified; the five collections are then synced in
// parallel. A metadata failure is returned; collection failures are reported
// in the SaveReport only. p itself is not modified.
func (s *ProjectStore) SaveFull(ctx context.Context, p *Project) (*SaveReport, error) {
	owner := s.Owner(ctx)
	if owner == "" {
		return nil, ErrNotAuthenticated
	}
	if err := ValidateID(p.ID); err != nil {
		return nil, fmt.Errorf("saving project: %w", err)
	}
	if p.OwnerID != "" && p.OwnerID != owner {
		return nil, fmt.Errorf("saving project %s: %w", p.ID, ErrNotOwner)
	}
	// The caller's OwnerID may be empty; the stored record decides.
	stored, err := s.store.Get(ctx, ProjectPath(p.ID))
	if err != nil {
		return nil, &TransportError{Op: "save metadata", Path: ProjectPath(p.ID), Err: err}
	}
	if stored != nil {
		if existing, _ := stored.Fields[OwnerField].(string); existing != "" && existing != owner {
			return nil, fmt.Errorf("saving project %s: %w", p.ID, ErrNotOwner)
		}
	}

	work := p.Clone()
	rejected := s.guardImages(ctx, work)
	work.OwnerID = owner
	work.LastModified = FormatTimestamp(s.clock.Now())

	metaPath := ProjectPath(work.ID)
	fields, err := EncodeFields(work.Meta())
	if err != nil {
		return nil, fmt.Errorf("saving project %s: %w", work.ID, err)
	}
	if err := s.store.Set(ctx, metaPath, fields); err != nil {
		return nil, &TransportError{Op: "save metadata", Path: metaPath, Err: err}
	}

	report := &SaveReport{
		ProjectID:        work.ID,
		OwnerID:          owner,
		LastModified:     work.LastModified,
		Collections:      make([]*SyncResult, len(Collections)),
		CollectionErrors: make(map[string]error),
		RejectedImages:   rejected,
	}

	var mu sync.Mutex
	record := func(i int, name string, res *SyncResult, err error) error {
		mu.Lock()
		defer mu.Unlock()
		if res == nil {
			res = &SyncResult{Collection: CollectionPath(work.ID, name)}
		}
		report.Collections[i] = res
		if err != nil {
			report.CollectionErrors[name] = err
			s.logger.Warn("collection sync failed", "project", work.ID, "collection", name, "error", err)
		}
		return nil
	}

	var g errgroup.Group
	for i, name := range Collections {
		path := CollectionPath(work.ID, name)
		g.Go(func() error {
			var (
				res *SyncResult
				err error
			)
			switch name {
			case CollectionCharacters:
				res, err = SyncCollection(ctx, s.sync, path, work.Memory.Characters)
			case CollectionLocations:
				res, err = SyncCollection(ctx, s.sync, path, work.Memory.Locations)
			case CollectionPlotPoints:
				res, err = SyncCollection(ctx, s.sync, path, work.Memory.PlotPoints)
			case CollectionManuscripts:
				res, err = SyncCollection(ctx, s.sync, path, work.Manuscripts)
			case CollectionGallery:
				res, err = SyncCollection(ctx, s.sync, path, work.Gallery)
			}
			return record(i, name, res, err)
		})
	}
	_ = g.Wait()

	s.logger.Info("project saved",
		"project", work.ID,
		"failed_items", len(report.Failures()),
		"failed_collections", len(report.CollectionErrors),
		"rejected_images", len(report.RejectedImages))
	return report, nil
}

// guardImages removes inline payloads that are too large to persist.
// Oversized gallery payloads are moved to the vault when one is configured.
func (s *ProjectStore) guardImages(ctx context.Context, p *Project) []RejectedImage {
	var rejected []RejectedImage

	p.imageSlots(func(ref EntityRef, url *string) {
		inline, ok := ParseImageRef(*url).(InlineImage)
		if !ok || !inline.Oversized() {
			return
		}
		rejected = append(rejected, RejectedImage{Ref: ref, Bytes: inline.Size(), MIME: inline.MIME})
		s.logger.Warn("oversized inline image stripped", "entity", ref.String(), "bytes", inline.Size())
		*url = ""
	})

	for i := range p.Gallery {
		g := &p.Gallery[i]
		inline, ok := ParseImageRef(g.Src).(InlineImage)
		if !ok || !inline.Oversized() {
			continue
		}
		r := RejectedImage{
			Ref:   EntityRef{Kind: CollectionGallery, ID: g.ID},
			Bytes: inline.Size(),
			MIME:  inline.MIME,
		}
		if s.vault != nil {
			key := ImageKey(p.ID, g.ID)
			if err := s.offload(ctx, key, inline); err != nil {
				r.Err = err
				s.logger.Warn("image offload failed", "entity", r.Ref.String(), "error", err)
			} else {
				r.Offloaded = true
				r.BlobKey = key
				g.BlobKey = key
				if g.MimeType == "" {
					g.MimeType = inline.MIME
				}
				s.logger.Info("image offloaded to vault", "entity", r.Ref.String(), "key", key)
			}
		}
		g.Src = ""
		rejected = append(rejected, r)
	}
	return rejected
}

func (s *ProjectStore) offload(ctx context.Context, key string, img InlineImage) error {
	data, err := img.Bytes()
	if err != nil {
		return err
	}
	return s.vault.PutImage(ctx, key, bytes.NewReader(data), int64(len(data)))
}

// LoadFull reads a project and all of its collections. It returns nil, nil
// when the project does not exist.
func (s *ProjectStore) LoadFull(ctx context.Context, id string) (*Project, error) {
	if err := ValidateID(id); err != nil {
		return nil, fmt.Errorf("loading project: %w", err)
	}
	metaPath := ProjectPath(id)
	doc, err := s.store.Get(ctx, metaPath)
	if err != nil {
		return nil, &TransportError{Op: "load", Path: metaPath, Err: err}
	}
	if doc == nil {
		return nil, nil
	}
	meta, err := DecodeFields[ProjectMeta](doc.Fields)
	if err != nil {
		return nil, &TransportError{Op: "load", Path: metaPath, Err: err}
	}
	if meta.ID == "" {
		meta.ID = id
	}

	p := &Project{}
	p.ApplyMeta(meta)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		p.Memory.Characters, err = loadCollection[Character](gctx, s, CollectionPath(id, CollectionCharacters))
		return err
	})
	g.Go(func() (err error) {
		p.Memory.Locations, err = loadCollection[Location](gctx, s, CollectionPath(id, CollectionLocations))
		return err
	})
	g.Go(func() (err error) {
		p.Memory.PlotPoints, err = loadCollection[PlotPoint](gctx, s, CollectionPath(id, CollectionPlotPoints))
		return err
	})
	g.Go(func() (err error) {
		p.Manuscripts, err = loadCollection[Manuscript](gctx, s, CollectionPath(id, CollectionManuscripts))
		return err
	})
	g.Go(func() (err error) {
		p.Gallery, err = loadCollection[GalleryImage](gctx, s, CollectionPath(id, CollectionGallery))
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	s.logger.Debug("project loaded", "project", id)
	return p, nil
}

func loadCollection[T Entity](ctx context.Context, s *ProjectStore, path string) ([]T, error) {
	docs, err := s.store.List(ctx, path)
	if err != nil {
		return nil, &TransportError{Op: "load", Path: path, Err: err}
	}
	sortByPosition(docs)

	var out []T
	for _, doc := range docs {
		item, err := DecodeFields[T](doc.Fields)
		if err != nil {
			s.logger.Warn("skipping undecodable entity", "path", doc.Path, "error", err)
			continue
		}
		out = append(out, item)
	}
	return out, nil
}

// sortByPosition orders documents by their stored list position. Documents
// without one sort last, by id.
func sortByPosition(docs []*Document) {
	slices.SortStableFunc(docs, func(a, b *Document) int {
		pa, oka := position(a.Fields)
		pb, okb := position(b.Fields)
		switch {
		case oka && okb && pa != pb:
			return cmp.Compare(pa, pb)
		case oka && !okb:
			return -1
		case !oka && okb:
			return 1
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

func position(f Fields) (float64, bool) {
	switch v := f[PositionField].(type) {
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case float64:
		return v, true
	}
	return 0, false
}

// DeleteFull removes a project, every entity in its collections, their
// history logs and the metadata history. Deletes are batched to the
// backend's batch limit and the metadata record is removed last. Deleting a
// project that does not exist is a no-op.
func (s *ProjectStore) DeleteFull(ctx context.Context, id string) error {
	owner := s.Owner(ctx)
	if owner == "" {
		return ErrNotAuthenticated
	}
	if err := ValidateID(id); err != nil {
		return fmt.Errorf("deleting project: %w", err)
	}

	metaPath := ProjectPath(id)
	doc, err := s.store.Get(ctx, metaPath)
	if err != nil {
		return &TransportError{Op: "delete", Path: metaPath, Err: err}
	}
	if doc == nil {
		return nil
	}
	if existing, _ := doc.Fields[OwnerField].(string); existing != "" && existing != owner {
		return fmt.Errorf("deleting project %s: %w", id, ErrNotOwner)
	}

	paths, blobs, err := s.collectProjectDocuments(ctx, id)
	if err != nil {
		return err
	}

	limit := s.store.BatchLimit()
	if limit <= 0 {
		limit = 1
	}
	for chunk := range slices.Chunk(paths, limit) {
		if err := s.store.BatchDelete(ctx, chunk); err != nil {
			return &TransportError{Op: "delete", Path: metaPath, Err: err}
		}
	}

	if err := s.store.Delete(ctx, metaPath); err != nil {
		return &TransportError{Op: "delete", Path: metaPath, Err: err}
	}

	if s.vault != nil {
		for _, key := range blobs {
			if err := s.vault.DeleteImage(ctx, key); err != nil {
				s.logger.Warn("orphaned vault image", "key", key, "error", err)
			}
		}
	}

	s.logger.Info("project deleted", "project", id, "documents", len(paths)+1)
	return nil
}

// collectProjectDocuments lists every document below a project's metadata
// record, along with the vault keys of its gallery images. History logs of
// entities that were dropped by an earlier save are included.
func (s *ProjectStore) collectProjectDocuments(ctx context.Context, id string) ([]string, []string, error) {
	docs, err := s.store.ListTree(ctx, ProjectPath(id))
	if err != nil {
		return nil, nil, &TransportError{Op: "delete", Path: ProjectPath(id), Err: err}
	}
	gallery := CollectionPath(id, CollectionGallery)
	paths := make([]string, 0, len(docs))
	var blobs []string
	for _, doc := range docs {
		paths = append(paths, doc.Path)
		if parent, _ := SplitPath(doc.Path); parent != gallery {
			continue
		}
		if key, _ := doc.Fields["blobKey"].(string); key != "" {
			blobs = append(blobs, key)
		}
	}

	// History entries go first so a partial delete never leaves a log
	// without its entity.
	slices.SortStableFunc(paths, func(a, b string) int {
		return cmp.Compare(depth(b), depth(a))
	})
	return paths, blobs, nil
}

func depth(path string) int {
	n := 0
	for i := range len(path) {
		if path[i] == '/' {
			n++
		}
	}
	return n
}

// ListSummaries returns the owner's projects with metadata only, most
// recently modified first.
func (s *ProjectStore) ListSummaries(ctx context.Context) ([]*Project, error) {
	owner := s.Owner(ctx)
	if owner == "" {
		return nil, ErrNotAuthenticated
	}
	docs, err := s.store.QueryOwner(ctx, owner)
	if err != nil {
		return nil, &TransportError{Op: "list projects", Path: ProjectsCollection, Err: err}
	}
	return s.summaries(docs), nil
}

// SubscribeList pushes the owner's project summaries to onUpdate now and on
// every change. Without an authenticated owner no query is made and the
// returned unsubscribe function does nothing.
func (s *ProjectStore) SubscribeList(ctx context.Context, onUpdate func([]*Project)) (func(), error) {
	owner := s.Owner(ctx)
	if owner == "" {
		return func() {}, nil
	}
	stop, err := s.store.WatchOwner(owner, func(docs []*Document) {
		onUpdate(s.summaries(docs))
	})
	if err != nil {
		return nil, &TransportError{Op: "subscribe", Path: ProjectsCollection, Err: err}
	}
	return stop, nil
}

func (s *ProjectStore) summaries(docs []*Document) []*Project {
	out := make([]*Project, 0, len(docs))
	for _, doc := range docs {
		meta, err := DecodeFields[ProjectMeta](doc.Fields)
		if err != nil {
			s.logger.Warn("skipping undecodable project", "path", doc.Path, "error", err)
			continue
		}
		if meta.ID == "" {
			meta.ID = doc.ID
		}
		p := &Project{}
		p.ApplyMeta(meta)
		out = append(out, p)
	}
	SortByLastModified(out)
	return out
}

// SortByLastModified orders projects most recently modified first.
func SortByLastModified(projects []*Project) {
	slices.SortStableFunc(projects, func(a, b *Project) int {
		ta, _ := ParseTimestamp(a.LastModified)
		tb, _ := ParseTimestamp(b.LastModified)
		if c := tb.Compare(ta); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// IsTransportError reports whether err came from the backend.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
