package scribe_test

import (
	"context"
	"errors"
	"slices"
	"testing"

	"scribe/internal/scribe"
	"scribe/internal/testutil"
)

func TestSyncCollection(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewTestStore()
	s := scribe.NewSynchronizer(store, nil, 2)
	path := scribe.CollectionPath("p1", scribe.CollectionLocations)

	first := []scribe.Location{{ID: "a", Name: "Attic"}, {ID: "b", Name: "Barn"}, {ID: "c", Name: "Cellar"}}
	res, err := scribe.SyncCollection(ctx, s, path, first)
	if err != nil {
		t.Fatalf("SyncCollection() error = %v", err)
	}
	if !slices.Equal(res.Upserted, []string{"a", "b", "c"}) || len(res.Deleted) != 0 || !res.OK() {
		t.Errorf("first sync = %+v", res)
	}

	second := []scribe.Location{{ID: "c", Name: "Cellar (flooded)"}, {ID: "d", Name: "Dock"}}
	res, err = scribe.SyncCollection(ctx, s, path, second)
	if err != nil {
		t.Fatalf("SyncCollection() error = %v", err)
	}
	if !slices.Equal(res.Deleted, []string{"a", "b"}) {
		t.Errorf("Deleted = %v, want [a b]", res.Deleted)
	}

	docs, _ := store.List(ctx, path)
	var ids []string
	for _, d := range docs {
		ids = append(ids, d.ID)
	}
	slices.Sort(ids)
	if !slices.Equal(ids, []string{"c", "d"}) {
		t.Errorf("remote ids = %v, want [c d]", ids)
	}
	doc, _ := store.Get(ctx, path+"/c")
	if doc.Fields["name"] != "Cellar (flooded)" {
		t.Errorf("c name = %v", doc.Fields["name"])
	}
}

func TestSyncCollection_EmptyClearsRemote(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewTestStore()
	s := scribe.NewSynchronizer(store, nil, 0)
	path := scribe.CollectionPath("p1", scribe.CollectionPlotPoints)

	scribe.SyncCollection(ctx, s, path, []scribe.PlotPoint{{ID: "x"}, {ID: "y"}})
	if _, err := scribe.SyncCollection[scribe.PlotPoint](ctx, s, path, nil); err != nil {
		t.Fatalf("SyncCollection() error = %v", err)
	}
	if store.Len() != 0 {
		t.Errorf("store holds %v, want nothing", store.Paths())
	}
}

func TestSyncCollection_RejectsBadIDsBeforeWriting(t *testing.T) {
	ctx := context.Background()
	store := newFaultyStore(testutil.NewTestStore())
	s := scribe.NewSynchronizer(store, nil, 0)
	path := scribe.CollectionPath("p1", scribe.CollectionCharacters)

	tests := []struct {
		name  string
		items []scribe.Character
	}{
		{"duplicate", []scribe.Character{{ID: "c1"}, {ID: "c1"}}},
		{"empty", []scribe.Character{{ID: ""}}},
		{"separator", []scribe.Character{{ID: "a/b"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := scribe.SyncCollection(ctx, s, path, tt.items)
			if !errors.Is(err, scribe.ErrInvalidID) {
				t.Errorf("SyncCollection() error = %v, want ErrInvalidID", err)
			}
		})
	}
	if sets := store.setPaths(); len(sets) != 0 {
		t.Errorf("writes issued: %v", sets)
	}
}

func TestSyncCollection_ListFailure(t *testing.T) {
	store := newFaultyStore(testutil.NewTestStore())
	store.failList = func(string) error { return errors.New("timeout") }
	s := scribe.NewSynchronizer(store, nil, 0)

	_, err := scribe.SyncCollection(context.Background(), s, scribe.CollectionPath("p1", scribe.CollectionGallery), []scribe.GalleryImage{{ID: "g1"}})
	if !scribe.IsTransportError(err) {
		t.Errorf("SyncCollection() error = %v, want TransportError", err)
	}
}
