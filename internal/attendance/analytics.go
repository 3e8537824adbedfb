package attendance

import (
	"context"
	"time"
)

// Aggregator derives per-session report snapshots from reconciled data.
type Aggregator struct {
	store Store
	now   func() time.Time
}

// NewAggregator creates an aggregator stamping reports with the wall clock.
func NewAggregator(store Store) *Aggregator {
	return &Aggregator{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// GenerateAnalytics counts the class roster against Present rows for the
// session and appends a snapshot. Each call writes a new row; history is
// kept, never upserted. AbsenteeCount is an unguarded subtraction and can go
// negative when attendance rows reference students outside the class — that
// inconsistency is recorded as-is rather than clamped away.
func (a *Aggregator) GenerateAnalytics(ctx context.Context, classID string, sessionID int64) (Analytics, error) {
	var rec Analytics
	err := a.store.InTx(ctx, func(tx Tx) error {
		total, err := tx.CountStudents(ctx, classID)
		if err != nil {
			return err
		}
		present, err := tx.CountPresent(ctx, sessionID)
		if err != nil {
			return err
		}
		rec, err = tx.InsertAnalytics(ctx, Analytics{
			ClassID:        classID,
			SessionID:      sessionID,
			ReportDate:     a.now().Truncate(24 * time.Hour),
			TotalAttendees: present,
			AbsenteeCount:  total - present,
		})
		return err
	})
	if err != nil {
		return Analytics{}, storeErr("generate analytics", err)
	}
	return rec, nil
}
