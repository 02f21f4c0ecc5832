package testutil

import (
	"testing"

	"scribe/internal/docstore"
	"scribe/internal/scribe"
)

// TestOwner is the owner ID used by NewTestProjectStore.
const TestOwner = "owner-1"

// NewTestStore creates an in-memory document store with production limits.
func NewTestStore() *docstore.MemoryStore {
	return docstore.NewMemoryStore()
}

// NewTestProjectStore creates a ProjectStore over store, signed in as
// TestOwner, with a fixed clock and no image vault.
func NewTestProjectStore(t *testing.T, store scribe.DocumentStore) *scribe.ProjectStore {
	t.Helper()
	return scribe.NewProjectStore(store, nil, scribe.StaticIdentity(TestOwner), nil, nil, FixedClock())
}
