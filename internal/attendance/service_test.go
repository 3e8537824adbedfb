package attendance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

var sessionStart = time.Date(2025, 9, 17, 10, 0, 0, 0, time.UTC)

func strPtr(s string) *string { return &s }

// seedStore builds a store with class C101 (students S101-S104), a second
// class C202 (student S201), an unassigned student S300, and one C101
// session with qr_code QR123 starting at 10:00.
func seedStore(t *testing.T) (*MemStore, Session) {
	t.Helper()
	ctx := context.Background()
	st := NewMemStore()

	for _, c := range []Class{
		{ID: "C101", CourseName: "Distributed Systems", FacultyID: "F9"},
		{ID: "C202", CourseName: "Databases", FacultyID: "F3"},
	} {
		if err := st.CreateClass(ctx, c); err != nil {
			t.Fatalf("create class %s: %v", c.ID, err)
		}
	}

	students := []Student{
		{ID: "S101", Name: "Asha", Email: "asha@example.edu", ClassID: strPtr("C101")},
		{ID: "S102", Name: "Ben", Email: "ben@example.edu", ClassID: strPtr("C101")},
		{ID: "S103", Name: "Chitra", Email: "chitra@example.edu", ClassID: strPtr("C101")},
		{ID: "S104", Name: "Dev", Email: "dev@example.edu", ClassID: strPtr("C101")},
		{ID: "S201", Name: "Esther", Email: "esther@example.edu", ClassID: strPtr("C202")},
		{ID: "S300", Name: "Farouk", Email: "farouk@example.edu"},
	}
	for _, s := range students {
		if err := st.UpsertStudent(ctx, s); err != nil {
			t.Fatalf("upsert student %s: %v", s.ID, err)
		}
	}

	sess, err := st.CreateSession(ctx, Session{ClassID: "C101", StartsAt: sessionStart, QRCode: "QR123"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return st, sess
}

func getStudent(t *testing.T, st Store, id string) Student {
	t.Helper()
	var out Student
	err := st.InTx(context.Background(), func(tx Tx) error {
		s, err := tx.StudentByID(context.Background(), id)
		if err != nil {
			return err
		}
		if s == nil {
			return fmt.Errorf("student %s not found", id)
		}
		out = *s
		return nil
	})
	if err != nil {
		t.Fatalf("get student: %v", err)
	}
	return out
}

func getSession(t *testing.T, st Store, id int64) Session {
	t.Helper()
	s, err := st.SessionByID(context.Background(), id)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if s == nil {
		t.Fatalf("session %d not found", id)
	}
	return *s
}

func TestMarkAttendanceWindow(t *testing.T) {
	tests := []struct {
		name     string
		qrCode   string
		scanTime time.Time
		want     Outcome
	}{
		{"within window", "QR123", sessionStart.Add(5 * time.Minute), OutcomeAccepted},
		{"exactly at start", "QR123", sessionStart, OutcomeAccepted},
		{"exactly at window end", "QR123", sessionStart.Add(15 * time.Minute), OutcomeAccepted},
		{"one second late", "QR123", sessionStart.Add(15*time.Minute + time.Second), OutcomeInvalidOrExpired},
		{"twenty minutes late", "QR123", sessionStart.Add(20 * time.Minute), OutcomeInvalidOrExpired},
		{"before start", "QR123", sessionStart.Add(-time.Second), OutcomeInvalidOrExpired},
		{"unknown code", "QR999", sessionStart.Add(5 * time.Minute), OutcomeInvalidOrExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, _ := seedStore(t)
			svc := NewService(st, 0)
			got, err := svc.MarkAttendance(context.Background(), "S101", tt.qrCode, tt.scanTime)
			if err != nil {
				t.Fatalf("MarkAttendance: %v", err)
			}
			if got != tt.want {
				t.Fatalf("outcome = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestMarkAttendanceEnrollment(t *testing.T) {
	tests := []struct {
		name      string
		studentID string
	}{
		{"student in another class", "S201"},
		{"unassigned student", "S300"},
		{"unknown student", "S999"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, sess := seedStore(t)
			svc := NewService(st, 0)
			got, err := svc.MarkAttendance(context.Background(), tt.studentID, "QR123", sessionStart.Add(time.Minute))
			if err != nil {
				t.Fatalf("MarkAttendance: %v", err)
			}
			if got != OutcomeNotEnrolled {
				t.Fatalf("outcome = %s, want %s", got, OutcomeNotEnrolled)
			}
			if n := getSession(t, st, sess.ID).AttendanceCount; n != 0 {
				t.Fatalf("attendance_count = %d after rejection, want 0", n)
			}
		})
	}
}

func TestMarkAttendanceAcceptedSideEffects(t *testing.T) {
	st, sess := seedStore(t)
	svc := NewService(st, 0)
	ctx := context.Background()

	out, err := svc.MarkAttendance(ctx, "S101", "QR123", sessionStart.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("MarkAttendance: %v", err)
	}
	if out != OutcomeAccepted {
		t.Fatalf("outcome = %s, want %s", out, OutcomeAccepted)
	}

	if n := getSession(t, st, sess.ID).AttendanceCount; n != 1 {
		t.Fatalf("attendance_count = %d, want 1", n)
	}
	if n := getStudent(t, st, "S101").TotalValidAttendance; n != 1 {
		t.Fatalf("total_valid_attendance = %d, want 1", n)
	}

	rows, err := st.ListAttendance(ctx, sess.ID)
	if err != nil {
		t.Fatalf("list attendance: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("attendance rows = %d, want 1", len(rows))
	}
	if rows[0].Status != StatusPresent {
		t.Fatalf("status = %s, want %s", rows[0].Status, StatusPresent)
	}
	if !rows[0].ScanTime.Equal(sessionStart.Add(2 * time.Minute)) {
		t.Fatalf("scan_time stored as %s", rows[0].ScanTime)
	}
}

func TestMarkAttendanceDuplicate(t *testing.T) {
	st, sess := seedStore(t)
	svc := NewService(st, 0)
	ctx := context.Background()

	if out, _ := svc.MarkAttendance(ctx, "S101", "QR123", sessionStart.Add(time.Minute)); out != OutcomeAccepted {
		t.Fatalf("first scan outcome = %s", out)
	}
	out, err := svc.MarkAttendance(ctx, "S101", "QR123", sessionStart.Add(3*time.Minute))
	if err != nil {
		t.Fatalf("second scan: %v", err)
	}
	if out != OutcomeDuplicateScan {
		t.Fatalf("second scan outcome = %s, want %s", out, OutcomeDuplicateScan)
	}
	if n := getSession(t, st, sess.ID).AttendanceCount; n != 1 {
		t.Fatalf("attendance_count = %d after duplicate, want 1", n)
	}
	if n := getStudent(t, st, "S101").TotalValidAttendance; n != 1 {
		t.Fatalf("total_valid_attendance = %d after duplicate, want 1", n)
	}
}

func TestMarkAttendanceConcurrentSameKey(t *testing.T) {
	st, _ := seedStore(t)
	svc := NewService(st, 0)

	const callers = 16
	outcomes := make([]Outcome, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := svc.MarkAttendance(context.Background(), "S102", "QR123", sessionStart.Add(4*time.Minute))
			if err != nil {
				t.Errorf("caller %d: %v", i, err)
				return
			}
			outcomes[i] = out
		}(i)
	}
	wg.Wait()

	accepted, duplicates := 0, 0
	for _, out := range outcomes {
		switch out {
		case OutcomeAccepted:
			accepted++
		case OutcomeDuplicateScan:
			duplicates++
		}
	}
	if accepted != 1 {
		t.Fatalf("accepted = %d, want exactly 1", accepted)
	}
	if duplicates != callers-1 {
		t.Fatalf("duplicates = %d, want %d", duplicates, callers-1)
	}
	if n := getStudent(t, st, "S102").TotalValidAttendance; n != 1 {
		t.Fatalf("total_valid_attendance = %d, want 1", n)
	}
}

// failingStore injects a failure into BumpStudentCount to prove the whole
// transaction rolls back rather than leaving the row without its counters.
type failingStore struct {
	*MemStore
}

type failingTx struct {
	Tx
}

var errInjected = errors.New("injected store failure")

func (s *failingStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return s.MemStore.InTx(ctx, func(tx Tx) error {
		return fn(&failingTx{Tx: tx})
	})
}

func (t *failingTx) BumpStudentCount(context.Context, string) error {
	return errInjected
}

func TestMarkAttendanceRollsBackOnStoreFailure(t *testing.T) {
	mem, sess := seedStore(t)
	svc := NewService(&failingStore{MemStore: mem}, 0)

	_, err := svc.MarkAttendance(context.Background(), "S101", "QR123", sessionStart.Add(time.Minute))
	var se *StoreError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StoreError", err)
	}
	if !errors.Is(err, errInjected) {
		t.Fatalf("StoreError does not carry the cause: %v", err)
	}

	// No partial state: the insert and the session bump preceded the failure
	// but must not be visible.
	rows, _ := mem.ListAttendance(context.Background(), sess.ID)
	if len(rows) != 0 {
		t.Fatalf("attendance rows = %d after rollback, want 0", len(rows))
	}
	if n := getSession(t, mem, sess.ID).AttendanceCount; n != 0 {
		t.Fatalf("attendance_count = %d after rollback, want 0", n)
	}
	if n := getStudent(t, mem, "S101").TotalValidAttendance; n != 0 {
		t.Fatalf("total_valid_attendance = %d after rollback, want 0", n)
	}
}

// The documented end-to-end scenario: S101 at 10:05, S102 at 10:07, S103 at
// 10:20 (past the window), S104 at 10:10.
func TestScanSessionEndToEnd(t *testing.T) {
	st, sess := seedStore(t)
	svc := NewService(st, 0)
	reconciler := NewReconciler(st, 0)
	aggregator := NewAggregator(st)
	ctx := context.Background()

	scans := []struct {
		student string
		offset  time.Duration
		want    Outcome
	}{
		{"S101", 5 * time.Minute, OutcomeAccepted},
		{"S102", 7 * time.Minute, OutcomeAccepted},
		{"S103", 20 * time.Minute, OutcomeInvalidOrExpired},
		{"S104", 10 * time.Minute, OutcomeAccepted},
	}
	for _, sc := range scans {
		out, err := svc.MarkAttendance(ctx, sc.student, "QR123", sessionStart.Add(sc.offset))
		if err != nil {
			t.Fatalf("%s: %v", sc.student, err)
		}
		if out != sc.want {
			t.Fatalf("%s outcome = %s, want %s", sc.student, out, sc.want)
		}
	}

	if n := getSession(t, st, sess.ID).AttendanceCount; n != 3 {
		t.Fatalf("attendance_count = %d, want 3", n)
	}
	for student, want := range map[string]int{"S101": 1, "S102": 1, "S103": 0, "S104": 1} {
		if n := getStudent(t, st, student).TotalValidAttendance; n != want {
			t.Fatalf("%s total_valid_attendance = %d, want %d", student, n, want)
		}
	}

	// A clean table: reconciliation finds nothing to repair.
	res, err := reconciler.Clean(ctx)
	if err != nil {
		t.Fatalf("clean: %v", err)
	}
	if res.DuplicatesRemoved != 0 || res.LateInvalidated != 0 {
		t.Fatalf("clean changed rows on validator-only data: %+v", res)
	}

	rec, err := aggregator.GenerateAnalytics(ctx, "C101", sess.ID)
	if err != nil {
		t.Fatalf("analytics: %v", err)
	}
	if rec.TotalAttendees != 3 {
		t.Fatalf("total_attendees = %d, want 3", rec.TotalAttendees)
	}
	if rec.AbsenteeCount != 1 {
		t.Fatalf("absentee_count = %d, want 1", rec.AbsenteeCount)
	}
}
