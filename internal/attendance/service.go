package attendance

import (
	"context"
	"errors"
	"time"
)

// Service validates scan events and commits their side effects atomically.
type Service struct {
	store  Store
	window time.Duration
}

// NewService creates a validator over the given store. window <= 0 selects
// the default 15 minute scan window.
func NewService(store Store, window time.Duration) *Service {
	if window <= 0 {
		window = DefaultScanWindow
	}
	return &Service{store: store, window: window}
}

// Window returns the configured scan window.
func (s *Service) Window() time.Duration { return s.window }

// MarkAttendance records one scan event. The checks run cheapest-first and
// the caller learns the rejection reason only from the returned outcome:
//
//  1. no session matches the code with scanTime inside the inclusive window
//     -> OutcomeInvalidOrExpired
//  2. student missing, unassigned, or in another class -> OutcomeNotEnrolled
//  3. a row already exists for (student, session) -> OutcomeDuplicateScan
//  4. otherwise insert Present row and bump both counters -> OutcomeAccepted
//
// The whole sequence is one store transaction: any failure rolls back every
// mutation and surfaces as *StoreError. Two concurrent calls for the same
// (student, session) cannot both be accepted; the loser of the insert race
// gets OutcomeDuplicateScan.
func (s *Service) MarkAttendance(ctx context.Context, studentID, qrCode string, scanTime time.Time) (Outcome, error) {
	var out Outcome
	err := s.store.InTx(ctx, func(tx Tx) error {
		sess, err := tx.SessionByCode(ctx, qrCode)
		if err != nil {
			return err
		}
		if sess == nil || scanTime.Before(sess.StartsAt) || scanTime.After(sess.WindowEnd(s.window)) {
			out = OutcomeInvalidOrExpired
			return nil
		}

		st, err := tx.StudentByID(ctx, studentID)
		if err != nil {
			return err
		}
		if st == nil || st.ClassID == nil || *st.ClassID != sess.ClassID {
			out = OutcomeNotEnrolled
			return nil
		}

		exists, err := tx.AttendanceExists(ctx, studentID, sess.ID)
		if err != nil {
			return err
		}
		if exists {
			out = OutcomeDuplicateScan
			return nil
		}

		if _, err := tx.InsertAttendance(ctx, Attendance{
			StudentID: studentID,
			SessionID: sess.ID,
			ScanTime:  scanTime,
			Status:    StatusPresent,
		}); err != nil {
			return err
		}
		if err := tx.BumpSessionCount(ctx, sess.ID); err != nil {
			return err
		}
		if err := tx.BumpStudentCount(ctx, studentID); err != nil {
			return err
		}
		out = OutcomeAccepted
		return nil
	})
	if err != nil {
		// The unique constraint closing the check-then-insert race is a
		// domain answer, not a failure. The transaction is already rolled
		// back, so no counter moved for the losing call.
		if errors.Is(err, ErrDuplicateAttendance) {
			return OutcomeDuplicateScan, nil
		}
		return "", storeErr("mark attendance", err)
	}
	return out, nil
}
