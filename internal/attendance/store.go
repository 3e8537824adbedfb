package attendance

import (
	"context"
	"errors"
	"time"
)

// ErrDuplicateAttendance is returned by Tx.InsertAttendance when the store's
// uniqueness constraint on (student_id, session_id) rejects the row. It is the
// signal that a concurrent call won the check-then-insert race.
var ErrDuplicateAttendance = errors.New("attendance already recorded for student and session")

// Tx is the set of operations available inside one atomic unit of work.
// Everything invoked through Store.InTx either fully commits or leaves the
// store untouched.
type Tx interface {
	// SessionByCode returns the session owning the QR token, or nil when no
	// such session exists.
	SessionByCode(ctx context.Context, qrCode string) (*Session, error)
	// StudentByID returns the student, or nil when unknown.
	StudentByID(ctx context.Context, studentID string) (*Student, error)
	// AttendanceExists reports whether a row exists for the pair.
	AttendanceExists(ctx context.Context, studentID string, sessionID int64) (bool, error)
	// InsertAttendance writes a row and returns its assigned id. Returns
	// ErrDuplicateAttendance when the unique constraint fires.
	InsertAttendance(ctx context.Context, rec Attendance) (int64, error)
	// BumpSessionCount applies attendance_count = attendance_count + 1.
	BumpSessionCount(ctx context.Context, sessionID int64) error
	// BumpStudentCount applies total_valid_attendance = total_valid_attendance + 1.
	BumpStudentCount(ctx context.Context, studentID string) error

	// DeleteDuplicateScans removes, for every (student, session) pair, all
	// rows except the earliest scan (ties broken by lowest attendance id).
	// Returns the number of rows deleted.
	DeleteDuplicateScans(ctx context.Context) (int64, error)
	// MarkLateScansInvalid flags rows scanned after session_start+window.
	// Returns the number of rows reclassified.
	MarkLateScansInvalid(ctx context.Context, window time.Duration) (int64, error)

	CountStudents(ctx context.Context, classID string) (int, error)
	CountPresent(ctx context.Context, sessionID int64) (int, error)
	// InsertAnalytics appends a snapshot and returns it with its assigned id.
	InsertAnalytics(ctx context.Context, rec Analytics) (Analytics, error)
}

// Store is the persistence contract the core runs against. Implementations:
// *Repository (Postgres) and *MemStore (in-memory, dev/tests).
type Store interface {
	// InTx runs fn atomically. A non-nil error from fn rolls everything back
	// and is returned unchanged.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	// Non-transactional entity management used by the admin surface,
	// roster import, and the worker.
	CreateClass(ctx context.Context, c Class) error
	UpsertStudent(ctx context.Context, s Student) error
	CreateSession(ctx context.Context, s Session) (Session, error)
	SessionByID(ctx context.Context, sessionID int64) (*Session, error)
	ListAttendance(ctx context.Context, sessionID int64) ([]Attendance, error)
	ListAnalytics(ctx context.Context, sessionID int64, limit int) ([]Analytics, error)
}
