package docstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"scribe/internal/scribe"
)

// DefaultMaxDocumentBytes is the per-document size limit of the memory and
// filesystem stores.
const DefaultMaxDocumentBytes = 1 << 20

// DefaultBatchLimit is the batch size of the memory and filesystem stores.
const DefaultBatchLimit = 500

// ErrBatchTooLarge is returned by BatchDelete for more paths than BatchLimit.
var ErrBatchTooLarge = errors.New("batch exceeds store limit")

// MemoryStore is an in-memory DocumentStore. Useful for tests and for the
// local "memory" store type.
type MemoryStore struct {
	mu         sync.RWMutex
	docs       map[string]scribe.Fields
	maxBytes   int
	batchLimit int
	watchers   *watchers
}

// NewMemoryStore creates an empty MemoryStore with default limits.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithLimits(DefaultMaxDocumentBytes, DefaultBatchLimit)
}

// NewMemoryStoreWithLimits creates an empty MemoryStore. Non-positive values
// select the defaults.
func NewMemoryStoreWithLimits(maxBytes, batchLimit int) *MemoryStore {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxDocumentBytes
	}
	if batchLimit <= 0 {
		batchLimit = DefaultBatchLimit
	}
	s := &MemoryStore{
		docs:       make(map[string]scribe.Fields),
		maxBytes:   maxBytes,
		batchLimit: batchLimit,
	}
	s.watchers = newWatchers(s.QueryOwner)
	return s
}

func (s *MemoryStore) Get(ctx context.Context, path string) (*scribe.Document, error) {
	if err := scribe.ValidateDocumentPath(path); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.docs[path]
	if !ok {
		return nil, nil
	}
	return newDocument(path, scribe.CloneFields(f)), nil
}

func (s *MemoryStore) List(ctx context.Context, collection string) ([]*scribe.Document, error) {
	if err := scribe.ValidateCollectionPath(collection); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := collection + "/"
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*scribe.Document
	for path, f := range s.docs {
		rest, ok := strings.CutPrefix(path, prefix)
		if !ok || strings.Contains(rest, "/") {
			continue
		}
		out = append(out, newDocument(path, scribe.CloneFields(f)))
	}
	sortDocuments(out)
	return out, nil
}

func (s *MemoryStore) ListTree(ctx context.Context, path string) ([]*scribe.Document, error) {
	if err := scribe.ValidateDocumentPath(path); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := path + "/"
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*scribe.Document
	for p, f := range s.docs {
		if strings.HasPrefix(p, prefix) {
			out = append(out, newDocument(p, scribe.CloneFields(f)))
		}
	}
	sortDocuments(out)
	return out, nil
}

func (s *MemoryStore) Set(ctx context.Context, path string, fields scribe.Fields) error {
	if err := scribe.ValidateDocumentPath(path); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	merged := scribe.MergeFields(scribe.CloneFields(s.docs[path]), scribe.CloneFields(fields))
	size, err := scribe.FieldsSize(merged)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if size > s.maxBytes {
		s.mu.Unlock()
		return fmt.Errorf("%s: %d bytes: %w", path, size, scribe.ErrDocumentTooLarge)
	}
	s.docs[path] = merged
	s.mu.Unlock()

	if isProjectPath(path) {
		s.watchers.notify()
	}
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, path string) error {
	if err := scribe.ValidateDocumentPath(path); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	_, existed := s.docs[path]
	delete(s.docs, path)
	s.mu.Unlock()

	if existed && isProjectPath(path) {
		s.watchers.notify()
	}
	return nil
}

func (s *MemoryStore) BatchDelete(ctx context.Context, paths []string) error {
	if len(paths) > s.batchLimit {
		return fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(paths), s.batchLimit)
	}
	for _, p := range paths {
		if err := scribe.ValidateDocumentPath(p); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	notify := false
	for _, p := range paths {
		if _, ok := s.docs[p]; ok && isProjectPath(p) {
			notify = true
		}
		delete(s.docs, p)
	}
	s.mu.Unlock()

	if notify {
		s.watchers.notify()
	}
	return nil
}

func (s *MemoryStore) BatchLimit() int { return s.batchLimit }

func (s *MemoryStore) QueryOwner(ctx context.Context, ownerID string) ([]*scribe.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*scribe.Document
	for path, f := range s.docs {
		if !isProjectPath(path) {
			continue
		}
		if owner, _ := f[scribe.OwnerField].(string); owner == ownerID {
			out = append(out, newDocument(path, scribe.CloneFields(f)))
		}
	}
	sortDocuments(out)
	return out, nil
}

func (s *MemoryStore) WatchOwner(ownerID string, fn func([]*scribe.Document)) (func(), error) {
	return s.watchers.add(ownerID, fn)
}

// Len returns the number of stored documents.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

// Paths returns every stored document path, sorted.
func (s *MemoryStore) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.docs))
	for p := range s.docs {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

func newDocument(path string, f scribe.Fields) *scribe.Document {
	_, id := scribe.SplitPath(path)
	return &scribe.Document{Path: path, ID: id, Fields: f}
}

func sortDocuments(docs []*scribe.Document) {
	slices.SortFunc(docs, func(a, b *scribe.Document) int {
		return strings.Compare(a.Path, b.Path)
	})
}

// isProjectPath reports whether path is a project metadata document.
func isProjectPath(path string) bool {
	collection, _ := scribe.SplitPath(path)
	return collection == scribe.ProjectsCollection
}

var _ scribe.DocumentStore = (*MemoryStore)(nil)
