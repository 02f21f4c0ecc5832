package scribe_test

import (
	"context"
	"sync"

	"scribe/internal/scribe"
)

// faultyStore wraps a DocumentStore, recording writes and injecting errors
// for selected paths.
type faultyStore struct {
	scribe.DocumentStore

	failGet  func(path string) error
	failSet  func(path string) error
	failList func(collection string) error

	mu      sync.Mutex
	sets    []string
	batches [][]string
	deletes []string
}

func newFaultyStore(next scribe.DocumentStore) *faultyStore {
	return &faultyStore{DocumentStore: next}
}

func (f *faultyStore) Get(ctx context.Context, path string) (*scribe.Document, error) {
	if f.failGet != nil {
		if err := f.failGet(path); err != nil {
			return nil, err
		}
	}
	return f.DocumentStore.Get(ctx, path)
}

func (f *faultyStore) List(ctx context.Context, collection string) ([]*scribe.Document, error) {
	if f.failList != nil {
		if err := f.failList(collection); err != nil {
			return nil, err
		}
	}
	return f.DocumentStore.List(ctx, collection)
}

func (f *faultyStore) ListTree(ctx context.Context, path string) ([]*scribe.Document, error) {
	if f.failList != nil {
		if err := f.failList(path); err != nil {
			return nil, err
		}
	}
	return f.DocumentStore.ListTree(ctx, path)
}

func (f *faultyStore) Set(ctx context.Context, path string, fields scribe.Fields) error {
	f.mu.Lock()
	f.sets = append(f.sets, path)
	f.mu.Unlock()
	if f.failSet != nil {
		if err := f.failSet(path); err != nil {
			return err
		}
	}
	return f.DocumentStore.Set(ctx, path, fields)
}

func (f *faultyStore) Delete(ctx context.Context, path string) error {
	f.mu.Lock()
	f.deletes = append(f.deletes, path)
	f.mu.Unlock()
	return f.DocumentStore.Delete(ctx, path)
}

func (f *faultyStore) BatchDelete(ctx context.Context, paths []string) error {
	f.mu.Lock()
	f.batches = append(f.batches, append([]string(nil), paths...))
	f.deletes = append(f.deletes, paths...)
	f.mu.Unlock()
	return f.DocumentStore.BatchDelete(ctx, paths)
}

func (f *faultyStore) setPaths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sets...)
}

func (f *faultyStore) metadataWrites(projectID string) int {
	n := 0
	for _, p := range f.setPaths() {
		if p == scribe.ProjectPath(projectID) {
			n++
		}
	}
	return n
}

// sampleProject returns a project with entities in every collection.
func sampleProject(id string) *scribe.Project {
	return &scribe.Project{
		ID:                 id,
		Title:              "The Long Winter",
		Synopsis:           "A town waits for spring.",
		WritingStyle:       "spare",
		ActiveManuscriptID: "m1",
		Memory: scribe.MemoryCore{
			Characters: []scribe.Character{
				{ID: "c1", Name: "Ada", Role: "lead"},
				{ID: "c2", Name: "Bram", Role: "rival"},
				{ID: "c3", Name: "Cleo", Role: "mentor"},
			},
			Locations:  []scribe.Location{{ID: "l1", Name: "The Mill"}},
			PlotPoints: []scribe.PlotPoint{{ID: "pp1", Title: "First snow", Chapter: 1}},
		},
		Manuscripts: []scribe.Manuscript{{ID: "m1", Title: "Draft", Content: "It began to snow."}},
		Gallery:     []scribe.GalleryImage{{ID: "g1", Src: scribe.EncodeDataURL("image/png", []byte("tiny")), Prompt: "mill at dusk"}},
	}
}

func characterIDs(cs []scribe.Character) []string {
	ids := make([]string, len(cs))
	for i, c := range cs {
		ids[i] = c.ID
	}
	return ids
}
