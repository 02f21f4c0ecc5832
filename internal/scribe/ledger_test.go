package scribe_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"scribe/internal/scribe"
	"scribe/internal/testutil"
)

func newTestLedger(store scribe.DocumentStore) *scribe.Ledger {
	return scribe.NewLedger(store, testutil.FixedClock(), testutil.NewStubIDGenerator(), nil)
}

func TestScope_Path(t *testing.T) {
	entity, err := scribe.EntityScope("p1", scribe.CollectionLocations, "l1")
	if err != nil {
		t.Fatalf("EntityScope() error = %v", err)
	}

	tests := []struct {
		name  string
		scope scribe.Scope
		want  string
	}{
		{"manuscript", scribe.ManuscriptScope("p1", "m1"), "projects/p1/manuscripts/m1/history"},
		{"entity", entity, "projects/p1/locations/l1/history"},
		{"metadata", scribe.MetadataScope("p1"), "projects/p1/metadata_history"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.scope.Path(); got != tt.want {
				t.Errorf("Path() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEntityScope_Rejects(t *testing.T) {
	if _, err := scribe.EntityScope("p1", scribe.CollectionManuscripts, "m1"); err == nil {
		t.Error("EntityScope() accepted a manuscript")
	}
	if _, err := scribe.EntityScope("p1", "weapons", "w1"); err == nil {
		t.Error("EntityScope() accepted an unknown collection")
	}
}

func TestLedger_ListNewestFirst(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(testutil.NewTestStore())
	scope := scribe.ManuscriptScope("p1", "m1")

	// The clock never moves; timestamps must still strictly increase.
	var ids []string
	for i := range 5 {
		rec, err := ledger.AppendVersion(ctx, scope, fmt.Sprintf("draft %d", i), "")
		if err != nil {
			t.Fatalf("AppendVersion() error = %v", err)
		}
		ids = append(ids, rec.ID)
	}

	versions, err := ledger.ListVersions(ctx, scope)
	if err != nil {
		t.Fatalf("ListVersions() error = %v", err)
	}
	if len(versions) != 5 {
		t.Fatalf("ListVersions() returned %d, want 5", len(versions))
	}
	for i, v := range versions {
		wantID := ids[len(ids)-1-i]
		if v.ID != wantID {
			t.Errorf("versions[%d] = %s, want %s", i, v.ID, wantID)
		}
		if i > 0 && v.Timestamp >= versions[i-1].Timestamp {
			t.Errorf("timestamps not strictly decreasing: %s then %s", versions[i-1].Timestamp, v.Timestamp)
		}
	}
	if versions[0].Content != "draft 4" {
		t.Errorf("newest content = %q, want %q", versions[0].Content, "draft 4")
	}
}

func TestLedger_ScopesAreIndependent(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(testutil.NewTestStore())

	ledger.AppendVersion(ctx, scribe.ManuscriptScope("p1", "m1"), "one", "")
	ledger.AppendVersion(ctx, scribe.ManuscriptScope("p1", "m2"), "two", "")

	versions, _ := ledger.ListVersions(ctx, scribe.ManuscriptScope("p1", "m2"))
	if len(versions) != 1 || versions[0].Content != "two" {
		t.Errorf("ListVersions(m2) = %+v", versions)
	}
	empty, err := ledger.ListVersions(ctx, scribe.MetadataScope("p1"))
	if err != nil || len(empty) != 0 {
		t.Errorf("ListVersions(metadata) = %v, %v; want empty", empty, err)
	}
}

func TestLedger_StructuredContent(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(testutil.NewTestStore())
	scope, _ := scribe.EntityScope("p1", scribe.CollectionCharacters, "c1")
	ada := scribe.Character{ID: "c1", Name: "Ada", Traits: "stubborn"}

	rec, err := ledger.AppendVersion(ctx, scope, ada, "before edit")
	if err != nil {
		t.Fatalf("AppendVersion() error = %v", err)
	}

	restored, err := ledger.Restore(ctx, scope, rec.ID)
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if restored.Note != "before edit" {
		t.Errorf("Note = %q", restored.Note)
	}
	got, err := scribe.DecodeVersion[scribe.Character](restored)
	if err != nil {
		t.Fatalf("DecodeVersion() error = %v", err)
	}
	if got != ada {
		t.Errorf("DecodeVersion() = %+v, want %+v", got, ada)
	}
}

func TestLedger_EmptyContentIgnored(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewTestStore()
	ledger := newTestLedger(store)

	var nilCharacter *scribe.Character
	var nilMap map[string]any
	var nilSlice []scribe.Character
	for _, content := range []any{"", nil, []byte{}, nilCharacter, nilMap, nilSlice, map[string]any{}, []string{}} {
		rec, err := ledger.AppendVersion(ctx, scribe.ManuscriptScope("p1", "m1"), content, "")
		if err != nil || rec != nil {
			t.Errorf("AppendVersion(%#v) = %v, %v; want nil, nil", content, rec, err)
		}
	}
	if store.Len() != 0 {
		t.Errorf("store holds %d documents, want 0", store.Len())
	}
}

func TestLedger_TimestampsFollowClock(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewTickingClock(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC), time.Second)
	ledger := scribe.NewLedger(testutil.NewTestStore(), clock, testutil.NewPrefixedIDGenerator("v"), nil)
	scope := scribe.ManuscriptScope("p1", "m1")

	first, err := ledger.AppendVersion(ctx, scope, "It began to snow.", "")
	if err != nil {
		t.Fatalf("AppendVersion() error = %v", err)
	}
	second, err := ledger.AppendVersion(ctx, scope, "It began to rain.", "rewrite")
	if err != nil {
		t.Fatalf("AppendVersion() error = %v", err)
	}
	if first.ID != "v-1" || second.ID != "v-2" {
		t.Errorf("ids = %q, %q; want v-1, v-2", first.ID, second.ID)
	}
	if first.Timestamp != "2024-03-01T09:00:00.000Z" || second.Timestamp != "2024-03-01T09:00:01.000Z" {
		t.Errorf("timestamps = %q, %q", first.Timestamp, second.Timestamp)
	}

	versions, err := ledger.ListVersions(ctx, scope)
	if err != nil {
		t.Fatalf("ListVersions() error = %v", err)
	}
	if len(versions) != 2 || versions[0].ID != "v-2" || versions[1].ID != "v-1" {
		t.Errorf("ListVersions() = %+v, want newest first", versions)
	}
}

func TestLedger_RestoreErrors(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewTestStore()
	ledger := newTestLedger(store)
	scope := scribe.ManuscriptScope("p1", "m1")

	if _, err := ledger.Restore(ctx, scope, "missing"); !errors.Is(err, scribe.ErrVersionNotFound) {
		t.Errorf("Restore(missing) error = %v, want ErrVersionNotFound", err)
	}
	if _, err := ledger.Restore(ctx, scope, "a/b"); !errors.Is(err, scribe.ErrInvalidID) {
		t.Errorf("Restore(a/b) error = %v, want ErrInvalidID", err)
	}

	faulty := newFaultyStore(store)
	faulty.failList = func(string) error { return errors.New("offline") }
	if _, err := newTestLedger(faulty).ListVersions(ctx, scope); !scribe.IsTransportError(err) {
		t.Errorf("ListVersions() error = %v, want TransportError", err)
	}
}

func TestDecodeVersion_SerializationError(t *testing.T) {
	rec := &scribe.VersionRecord{ID: "v1", Content: "{not json"}

	_, err := scribe.DecodeVersion[scribe.Location](rec)
	var se *scribe.SerializationError
	if !errors.As(err, &se) {
		t.Fatalf("DecodeVersion() error = %v, want SerializationError", err)
	}
	if se.VersionID != "v1" {
		t.Errorf("VersionID = %q, want v1", se.VersionID)
	}

	text, err := scribe.DecodeVersion[string](rec)
	if err != nil || text != "{not json" {
		t.Errorf("DecodeVersion[string]() = %q, %v", text, err)
	}
}
