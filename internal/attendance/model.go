package attendance

import (
	"fmt"
	"time"
)

// DefaultScanWindow is how long after session start a scan is still accepted.
const DefaultScanWindow = 15 * time.Minute

// Status classifies an attendance row.
type Status string

const (
	StatusPresent Status = "Present"
	StatusInvalid Status = "Invalid"
)

// Outcome is the result of a MarkAttendance call. Domain rejections are
// outcomes, not errors: only store failures surface as *StoreError.
type Outcome string

const (
	OutcomeAccepted         Outcome = "accepted"
	OutcomeDuplicateScan    Outcome = "duplicate_scan"
	OutcomeNotEnrolled      Outcome = "not_enrolled"
	OutcomeInvalidOrExpired Outcome = "invalid_or_expired_code"
)

// Class is a course offering. Immutable after creation.
type Class struct {
	ID         string `json:"class_id"`
	CourseName string `json:"course_name"`
	FacultyID  string `json:"faculty_id"`
}

// Student belongs to at most one class. TotalValidAttendance counts scans
// accepted by the validator and is never decremented by reconciliation.
type Student struct {
	ID                   string    `json:"student_id"`
	Name                 string    `json:"name"`
	Email                string    `json:"email"`
	ClassID              *string   `json:"class_id,omitempty"`
	TotalValidAttendance int       `json:"total_valid_attendance"`
	Photo                []byte    `json:"-"`
	CreatedAt            time.Time `json:"created_at"`
}

// Session is one time-boxed roll call identified by its QR token.
type Session struct {
	ID              int64     `json:"session_id"`
	ClassID         string    `json:"class_id"`
	StartsAt        time.Time `json:"session_start"`
	QRCode          string    `json:"qr_code"`
	AttendanceCount int       `json:"attendance_count"`
}

// WindowEnd returns the inclusive end of the valid scan window.
func (s Session) WindowEnd(window time.Duration) time.Time {
	return s.StartsAt.Add(window)
}

// Attendance is one recorded scan. At most one row exists per
// (student, session) pair once reconciliation has run.
type Attendance struct {
	ID        int64     `json:"attendance_id"`
	StudentID string    `json:"student_id"`
	SessionID int64     `json:"session_id"`
	ScanTime  time.Time `json:"scan_time"`
	Status    Status    `json:"status"`
}

// Analytics is an append-only per-session report snapshot. Repeated
// generation appends new rows rather than updating old ones.
type Analytics struct {
	ID             int64     `json:"analytics_id"`
	ClassID        string    `json:"class_id"`
	SessionID      int64     `json:"session_id"`
	ReportDate     time.Time `json:"report_date"`
	TotalAttendees int       `json:"total_attendees"`
	AbsenteeCount  int       `json:"absentee_count"`
}

// StoreError wraps any storage-level failure. When a MarkAttendance call
// returns one, the whole transaction has been rolled back and no partial
// mutation is visible.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func storeErr(op string, err error) error {
	return &StoreError{Op: op, Err: err}
}
