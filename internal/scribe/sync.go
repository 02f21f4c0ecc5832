package scribe

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Synchronizer reconciles one remote collection with a local list of
// entities. Upserts are best-effort: a failed item is recorded and logged but
// never blocks or cancels its siblings.
type Synchronizer struct {
	store  DocumentStore
	logger Logger
	limit  int
}

// NewSynchronizer creates a Synchronizer. limit bounds the number of
// concurrent writes per collection; zero or less means unbounded.
func NewSynchronizer(store DocumentStore, logger Logger, limit int) *Synchronizer {
	if logger == nil {
		logger = NewNopLogger()
	}
	return &Synchronizer{store: store, logger: logger, limit: limit}
}

// SyncResult describes the outcome of one collection sync.
type SyncResult struct {
	Collection string
	Upserted   []string
	Deleted    []string
	Failed     []*ItemPersistenceError
}

// OK reports whether every item was persisted.
func (r *SyncResult) OK() bool {
	return len(r.Failed) == 0
}

// SyncCollection makes the remote collection at collectionPath contain exactly
// the ids in items. Remote documents whose id is not in items are deleted;
// every local item is merge-written keyed by its id. Delete failures are
// returned. Upsert failures are reported in SyncResult.Failed only.
//
// Items must carry unique, non-empty ids; the whole call is rejected before
// any write otherwise.
func SyncCollection[T Entity](ctx context.Context, s *Synchronizer, collectionPath string, items []T) (*SyncResult, error) {
	if err := ValidateCollectionPath(collectionPath); err != nil {
		return nil, err
	}
	if err := validateEntityIDs(items); err != nil {
		return nil, fmt.Errorf("syncing %s: %w", collectionPath, err)
	}

	remote, err := s.store.List(ctx, collectionPath)
	if err != nil {
		return nil, &TransportError{Op: "list", Path: collectionPath, Err: err}
	}

	local := make(map[string]bool, len(items))
	for _, item := range items {
		local[item.EntityID()] = true
	}
	var stale []string
	for _, doc := range remote {
		if !local[doc.ID] {
			stale = append(stale, doc.ID)
		}
	}

	result := &SyncResult{Collection: collectionPath}
	var (
		mu        sync.Mutex
		deleteErr []error
	)

	var g errgroup.Group
	if s.limit > 0 {
		g.SetLimit(s.limit)
	}

	for _, id := range stale {
		g.Go(func() error {
			path := JoinPath(collectionPath, id)
			if err := s.store.Delete(ctx, path); err != nil {
				mu.Lock()
				deleteErr = append(deleteErr, &TransportError{Op: "delete", Path: path, Err: err})
				mu.Unlock()
				return nil
			}
			mu.Lock()
			result.Deleted = append(result.Deleted, id)
			mu.Unlock()
			return nil
		})
	}

	for i, item := range items {
		g.Go(func() error {
			id := item.EntityID()
			err := s.upsert(ctx, collectionPath, i, item)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failure := &ItemPersistenceError{Collection: collectionPath, ID: id, Err: err}
				result.Failed = append(result.Failed, failure)
				s.logger.Warn("entity not persisted", "collection", collectionPath, "id", id, "error", err)
				return nil
			}
			result.Upserted = append(result.Upserted, id)
			return nil
		})
	}

	// Every goroutine returns nil; failures are collected above.
	_ = g.Wait()

	slices.Sort(result.Upserted)
	slices.Sort(result.Deleted)
	slices.SortFunc(result.Failed, func(a, b *ItemPersistenceError) int {
		return cmp.Compare(a.ID, b.ID)
	})

	s.logger.Debug("collection synced",
		"collection", collectionPath,
		"upserted", len(result.Upserted),
		"deleted", len(result.Deleted),
		"failed", len(result.Failed))

	if len(deleteErr) > 0 {
		return result, errors.Join(deleteErr...)
	}
	return result, nil
}

func (s *Synchronizer) upsert(ctx context.Context, collectionPath string, position int, item Entity) error {
	fields, err := EncodeFields(item)
	if err != nil {
		return err
	}
	fields[PositionField] = position
	return s.store.Set(ctx, JoinPath(collectionPath, item.EntityID()), fields)
}

func validateEntityIDs[T Entity](items []T) error {
	seen := make(map[string]bool, len(items))
	for _, item := range items {
		id := item.EntityID()
		if err := ValidateID(id); err != nil {
			return err
		}
		if seen[id] {
			return fmt.Errorf("%w: duplicate id %q", ErrInvalidID, id)
		}
		seen[id] = true
	}
	return nil
}
