package attendance

import (
	"context"
	"time"
)

// CleanResult summarises one reconciliation pass.
type CleanResult struct {
	DuplicatesRemoved int64 `json:"duplicates_removed"`
	LateInvalidated   int64 `json:"late_invalidated"`
}

// Reconciler repairs the attendance table after the fact: it enforces the
// one-row-per-(student,session) invariant and reclassifies scans that landed
// outside the valid window. It never touches attendance_count or
// total_valid_attendance; those counters record acceptance decisions, not
// post-hoc validity.
type Reconciler struct {
	store  Store
	window time.Duration
}

// NewReconciler creates a reconciler. window <= 0 selects the default.
func NewReconciler(store Store, window time.Duration) *Reconciler {
	if window <= 0 {
		window = DefaultScanWindow
	}
	return &Reconciler{store: store, window: window}
}

// Clean runs both passes in one transaction so each observes a consistent
// snapshot. Idempotent: a second run over a clean table reports zero changes.
// Safe to run while scans are still arriving.
func (r *Reconciler) Clean(ctx context.Context) (CleanResult, error) {
	var res CleanResult
	err := r.store.InTx(ctx, func(tx Tx) error {
		removed, err := tx.DeleteDuplicateScans(ctx)
		if err != nil {
			return err
		}
		flagged, err := tx.MarkLateScansInvalid(ctx, r.window)
		if err != nil {
			return err
		}
		res = CleanResult{DuplicatesRemoved: removed, LateInvalidated: flagged}
		return nil
	})
	if err != nil {
		return CleanResult{}, storeErr("reconcile", err)
	}
	return res, nil
}
