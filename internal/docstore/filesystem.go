package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"scribe/internal/scribe"
)

// FileStore is a filesystem-based DocumentStore. Each document is a JSON
// file and each subcollection a directory next to it:
//
//	<root>/
//	  projects/
//	    <projectId>.json
//	    <projectId>/
//	      characters/
//	        <characterId>.json
//	        <characterId>/history/<versionId>.json
type FileStore struct {
	root     string
	maxBytes int
	logger   scribe.Logger

	mu       sync.Mutex
	watchers *watchers
	watcher  *fsnotify.Watcher
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewFileStore creates a FileStore rooted at root.
func NewFileStore(root string, maxBytes int, logger scribe.Logger) (*FileStore, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxDocumentBytes
	}
	if logger == nil {
		logger = scribe.NewNopLogger()
	}
	if err := os.MkdirAll(filepath.Join(root, scribe.ProjectsCollection), 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	s := &FileStore{root: root, maxBytes: maxBytes, logger: logger}
	s.watchers = newWatchers(s.QueryOwner)
	return s, nil
}

func (s *FileStore) filePath(docPath string) string {
	return filepath.Join(s.root, filepath.FromSlash(docPath)) + ".json"
}

func (s *FileStore) dirPath(collection string) string {
	return filepath.Join(s.root, filepath.FromSlash(collection))
}

func (s *FileStore) Get(ctx context.Context, path string) (*scribe.Document, error) {
	if err := scribe.ValidateDocumentPath(path); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := s.readFields(s.filePath(path))
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, nil
	}
	return newDocument(path, f), nil
}

func (s *FileStore) readFields(file string) (scribe.Fields, error) {
	data, err := os.ReadFile(file)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read document: %w", err)
	}
	var f scribe.Fields
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("corrupt document %s: %w", file, err)
	}
	return f, nil
}

func (s *FileStore) List(ctx context.Context, collection string) ([]*scribe.Document, error) {
	if err := scribe.ValidateCollectionPath(collection); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.dirPath(collection))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", collection, err)
	}

	var out []*scribe.Document
	for _, e := range entries {
		id, ok := strings.CutSuffix(e.Name(), ".json")
		if e.IsDir() || !ok || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		docPath := scribe.JoinPath(collection, id)
		f, err := s.readFields(s.filePath(docPath))
		if err != nil {
			return nil, err
		}
		if f == nil {
			// Removed between ReadDir and read.
			continue
		}
		out = append(out, newDocument(docPath, f))
	}
	sortDocuments(out)
	return out, nil
}

func (s *FileStore) ListTree(ctx context.Context, path string) ([]*scribe.Document, error) {
	if err := scribe.ValidateDocumentPath(path); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	base := s.dirPath(path)
	var out []*scribe.Document
	err := filepath.WalkDir(base, func(file string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		name := d.Name()
		if d.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			return nil
		}
		rel, err := filepath.Rel(base, file)
		if err != nil {
			return err
		}
		docPath := scribe.JoinPath(path, strings.TrimSuffix(filepath.ToSlash(rel), ".json"))
		if scribe.ValidateDocumentPath(docPath) != nil {
			return nil
		}
		f, err := s.readFields(file)
		if err != nil {
			return err
		}
		if f != nil {
			out = append(out, newDocument(docPath, f))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list tree of %s: %w", path, err)
	}
	sortDocuments(out)
	return out, nil
}

func (s *FileStore) Set(ctx context.Context, path string, fields scribe.Fields) error {
	if err := scribe.ValidateDocumentPath(path); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	file := s.filePath(path)
	existing, err := s.readFields(file)
	if err != nil {
		return err
	}
	merged := scribe.MergeFields(existing, scribe.CloneFields(fields))
	data, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}
	if len(data) > s.maxBytes {
		return fmt.Errorf("%s: %d bytes: %w", path, len(data), scribe.ErrDocumentTooLarge)
	}
	return writeFileAtomic(file, data)
}

// writeFileAtomic writes data to a temp file in the same directory and
// renames it into place.
func writeFileAtomic(file string, data []byte) error {
	dir := filepath.Dir(file)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".doc-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write document: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, file); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to move document into place: %w", err)
	}
	return nil
}

func (s *FileStore) Delete(ctx context.Context, path string) error {
	if err := scribe.ValidateDocumentPath(path); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remove(path)
}

func (s *FileStore) remove(path string) error {
	err := os.Remove(s.filePath(path))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete %s: %w", path, err)
	}
	// Drop the document's subcollection directory once it is empty.
	_ = os.Remove(s.dirPath(path))
	return nil
}

func (s *FileStore) BatchDelete(ctx context.Context, paths []string) error {
	if len(paths) > DefaultBatchLimit {
		return fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(paths), DefaultBatchLimit)
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
	defer s.mu.Unlock()
	for _, p := range paths {
		if err := s.remove(p); err != nil {
			return err
		}
	}
	return nil
}

func (s *FileStore) BatchLimit() int { return DefaultBatchLimit }

func (s *FileStore) QueryOwner(ctx context.Context, ownerID string) ([]*scribe.Document, error) {
	docs, err := s.List(ctx, scribe.ProjectsCollection)
	if err != nil {
		return nil, err
	}
	out := docs[:0]
	for _, d := range docs {
		if owner, _ := d.Fields[scribe.OwnerField].(string); owner == ownerID {
			out = append(out, d)
		}
	}
	return out, nil
}

// WatchOwner delivers the owner's projects now and whenever a project file
// changes on disk, including changes made by other processes.
func (s *FileStore) WatchOwner(ownerID string, fn func([]*scribe.Document)) (func(), error) {
	if err := s.startWatcher(); err != nil {
		return nil, err
	}
	return s.watchers.add(ownerID, fn)
}

func (s *FileStore) startWatcher() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher != nil {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	dir := s.dirPath(scribe.ProjectsCollection)
	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	s.watcher = w
	s.done = make(chan struct{})
	s.wg.Add(1)
	go s.processEvents(w, s.done)
	return nil
}

func (s *FileStore) processEvents(w *fsnotify.Watcher, done chan struct{}) {
	defer s.wg.Done()
	for {
		select {
		case <-done:
			return
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			name := filepath.Base(event.Name)
			if !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			s.watchers.notify()
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			s.logger.Warn("store watcher error", "error", err)
		}
	}
}

// Close stops the filesystem watcher, if one was started.
func (s *FileStore) Close() error {
	s.mu.Lock()
	w, done := s.watcher, s.done
	s.watcher, s.done = nil, nil
	s.mu.Unlock()
	if w == nil {
		return nil
	}
	close(done)
	err := w.Close()
	s.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

var _ scribe.DocumentStore = (*FileStore)(nil)
