package scribe

import (
	"context"
	"fmt"
)

// Reconciler pushes pending saves left in the journal by earlier sessions,
// for example edits made while offline. Pushes are last write wins: a
// pending snapshot overwrites whatever the store holds.
type Reconciler struct {
	journal Journal
	store   *ProjectStore
	logger  Logger
}

func NewReconciler(journal Journal, store *ProjectStore, logger Logger) *Reconciler {
	if logger == nil {
		logger = NewNopLogger()
	}
	return &Reconciler{journal: journal, store: store, logger: logger}
}

// ReconcileReport lists the outcome per project.
type ReconcileReport struct {
	Pushed  []*SaveReport
	Skipped []string
	Failed  map[string]error
}

// Run pushes every pending save that belongs to the current owner. A failed
// push leaves its pending save in place for the next run.
func (r *Reconciler) Run(ctx context.Context) (*ReconcileReport, error) {
	owner := r.store.Owner(ctx)
	if owner == "" {
		return nil, ErrNotAuthenticated
	}
	pending, err := r.journal.ListPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing pending saves: %w", err)
	}

	report := &ReconcileReport{Failed: make(map[string]error)}
	for _, ps := range pending {
		if ps.OwnerID != "" && ps.OwnerID != owner {
			report.Skipped = append(report.Skipped, ps.ProjectID)
			continue
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}

		saved, err := r.store.SaveFull(ctx, ps.Snapshot)
		if err != nil {
			report.Failed[ps.ProjectID] = err
			r.logger.Warn("pending save not pushed", "project", ps.ProjectID, "error", err)
			continue
		}
		if _, err := r.journal.MarkSynced(ctx, ps.ProjectID, ps.Fingerprint); err != nil {
			r.logger.Warn("clearing journal failed", "project", ps.ProjectID, "error", err)
		}
		report.Pushed = append(report.Pushed, saved)
		r.logger.Info("pending save pushed", "project", ps.ProjectID)
	}
	return report, nil
}
