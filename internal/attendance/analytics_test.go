package attendance

import (
	"context"
	"testing"
	"time"
)

func TestGenerateAnalyticsCounts(t *testing.T) {
	st, sess := seedStore(t)
	svc := NewService(st, 0)
	aggregator := NewAggregator(st)
	ctx := context.Background()

	for _, student := range []string{"S101", "S104"} {
		if out, _ := svc.MarkAttendance(ctx, student, "QR123", sessionStart.Add(time.Minute)); out != OutcomeAccepted {
			t.Fatalf("%s outcome = %s", student, out)
		}
	}
	// An Invalid row never counts as an attendee.
	st.AddAttendanceRecord(Attendance{StudentID: "S102", SessionID: sess.ID, ScanTime: sessionStart.Add(30 * time.Minute), Status: StatusInvalid})

	rec, err := aggregator.GenerateAnalytics(ctx, "C101", sess.ID)
	if err != nil {
		t.Fatalf("analytics: %v", err)
	}
	if rec.TotalAttendees != 2 {
		t.Fatalf("total_attendees = %d, want 2", rec.TotalAttendees)
	}
	// Four students enrolled in C101, two present.
	if rec.AbsenteeCount != 2 {
		t.Fatalf("absentee_count = %d, want 2", rec.AbsenteeCount)
	}
	if rec.ClassID != "C101" || rec.SessionID != sess.ID {
		t.Fatalf("snapshot references %s/%d", rec.ClassID, rec.SessionID)
	}
	if rec.ReportDate.IsZero() {
		t.Fatal("report_date not stamped")
	}
}

func TestGenerateAnalyticsAppendsSnapshots(t *testing.T) {
	st, sess := seedStore(t)
	aggregator := NewAggregator(st)
	ctx := context.Background()

	first, err := aggregator.GenerateAnalytics(ctx, "C101", sess.ID)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := aggregator.GenerateAnalytics(ctx, "C101", sess.ID)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if first.ID == second.ID {
		t.Fatalf("snapshots share id %d; each call must append", first.ID)
	}

	recs, err := st.ListAnalytics(ctx, sess.ID, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("snapshots = %d, want 2", len(recs))
	}
	// Newest first.
	if recs[0].ID != second.ID {
		t.Fatalf("list head id = %d, want %d", recs[0].ID, second.ID)
	}
}

// Attendance rows referencing students outside the class push the subtraction
// negative. The inconsistency is recorded, not clamped.
func TestGenerateAnalyticsNegativeAbsentees(t *testing.T) {
	st, sess := seedStore(t)
	aggregator := NewAggregator(st)
	ctx := context.Background()

	outsiders := []string{"S101", "S102", "S103", "S104", "S201", "S300"}
	for _, id := range outsiders {
		st.AddAttendanceRecord(Attendance{StudentID: id, SessionID: sess.ID, ScanTime: sessionStart.Add(time.Minute)})
	}

	rec, err := aggregator.GenerateAnalytics(ctx, "C101", sess.ID)
	if err != nil {
		t.Fatalf("analytics: %v", err)
	}
	if rec.TotalAttendees != 6 {
		t.Fatalf("total_attendees = %d, want 6", rec.TotalAttendees)
	}
	if rec.AbsenteeCount != -2 {
		t.Fatalf("absentee_count = %d, want -2", rec.AbsenteeCount)
	}
}
