package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Repository persists attendance data in Postgres. It implements Store; the
// uniqueness index on attendance(student_id, session_id) is what makes the
// validator safe under concurrent scans.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// InTx runs fn inside one database transaction. Rollback is guaranteed on
// every non-commit path, including panics unwinding through fn.
func (r *Repository) InTx(ctx context.Context, fn func(tx Tx) error) error {
	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		_ = dbTx.Rollback()
	}()
	if err := fn(&pgTx{tx: dbTx}); err != nil {
		return err
	}
	if err := dbTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// pgTx adapts *sql.Tx to the Tx contract.
type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) SessionByCode(ctx context.Context, qrCode string) (*Session, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT session_id, class_id, session_start, qr_code, attendance_count
		FROM sessions WHERE qr_code = $1
	`, qrCode)
	var s Session
	if err := row.Scan(&s.ID, &s.ClassID, &s.StartsAt, &s.QRCode, &s.AttendanceCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

func (t *pgTx) StudentByID(ctx context.Context, studentID string) (*Student, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT student_id, name, email, class_id, total_valid_attendance, created_at
		FROM students WHERE student_id = $1
	`, studentID)
	var st Student
	if err := row.Scan(&st.ID, &st.Name, &st.Email, &st.ClassID, &st.TotalValidAttendance, &st.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &st, nil
}

func (t *pgTx) AttendanceExists(ctx context.Context, studentID string, sessionID int64) (bool, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM attendance WHERE student_id = $1 AND session_id = $2
		)
	`, studentID, sessionID)
	var exists bool
	if err := row.Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func (t *pgTx) InsertAttendance(ctx context.Context, rec Attendance) (int64, error) {
	row := t.tx.QueryRowContext(ctx, `
		INSERT INTO attendance (student_id, session_id, scan_time, status)
		VALUES ($1, $2, $3, $4)
		RETURNING attendance_id
	`, rec.StudentID, rec.SessionID, rec.ScanTime, rec.Status)
	var id int64
	if err := row.Scan(&id); err != nil {
		if isUniqueViolation(err) {
			return 0, ErrDuplicateAttendance
		}
		return 0, err
	}
	return id, nil
}

func (t *pgTx) BumpSessionCount(ctx context.Context, sessionID int64) error {
	// Relative increment; a read-modify-write split across round trips would
	// lose updates under concurrent acceptance.
	_, err := t.tx.ExecContext(ctx, `
		UPDATE sessions SET attendance_count = attendance_count + 1
		WHERE session_id = $1
	`, sessionID)
	return err
}

func (t *pgTx) BumpStudentCount(ctx context.Context, studentID string) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE students SET total_valid_attendance = total_valid_attendance + 1
		WHERE student_id = $1
	`, studentID)
	return err
}

func (t *pgTx) DeleteDuplicateScans(ctx context.Context) (int64, error) {
	// Keep the earliest scan per (student, session); ties go to the lowest
	// attendance_id, i.e. the earliest insertion.
	res, err := t.tx.ExecContext(ctx, `
		DELETE FROM attendance a
		USING attendance b
		WHERE a.student_id = b.student_id
		  AND a.session_id = b.session_id
		  AND (b.scan_time < a.scan_time
		       OR (b.scan_time = a.scan_time AND b.attendance_id < a.attendance_id))
	`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (t *pgTx) MarkLateScansInvalid(ctx context.Context, window time.Duration) (int64, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE attendance a
		SET status = $1
		FROM sessions s
		WHERE a.session_id = s.session_id
		  AND a.scan_time > s.session_start + ($2 * interval '1 second')
		  AND a.status <> $1
	`, StatusInvalid, window.Seconds())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (t *pgTx) CountStudents(ctx context.Context, classID string) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM students WHERE class_id = $1`, classID).Scan(&n)
	return n, err
}

func (t *pgTx) CountPresent(ctx context.Context, sessionID int64) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM attendance WHERE session_id = $1 AND status = $2`,
		sessionID, StatusPresent).Scan(&n)
	return n, err
}

func (t *pgTx) InsertAnalytics(ctx context.Context, rec Analytics) (Analytics, error) {
	row := t.tx.QueryRowContext(ctx, `
		INSERT INTO analytics (class_id, session_id, report_date, total_attendees, absentee_count)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING analytics_id
	`, rec.ClassID, rec.SessionID, rec.ReportDate, rec.TotalAttendees, rec.AbsenteeCount)
	if err := row.Scan(&rec.ID); err != nil {
		return Analytics{}, err
	}
	return rec, nil
}

// CreateClass inserts a class. Classes are immutable for this service, so
// conflicts are left to surface as errors.
func (r *Repository) CreateClass(ctx context.Context, c Class) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO classes (class_id, course_name, faculty_id)
		VALUES ($1, $2, $3)
	`, c.ID, c.CourseName, c.FacultyID)
	return err
}

// UpsertStudent creates or updates a student record. The attendance counter
// is owned by the validator and is never overwritten here.
func (r *Repository) UpsertStudent(ctx context.Context, s Student) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO students (student_id, name, email, class_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (student_id) DO UPDATE SET
			name = EXCLUDED.name,
			email = EXCLUDED.email,
			class_id = EXCLUDED.class_id
	`, s.ID, s.Name, s.Email, s.ClassID)
	return err
}

// CreateSession inserts a session and returns it with the assigned id.
func (r *Repository) CreateSession(ctx context.Context, s Session) (Session, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO sessions (class_id, session_start, qr_code)
		VALUES ($1, $2, $3)
		RETURNING session_id
	`, s.ClassID, s.StartsAt, s.QRCode)
	if err := row.Scan(&s.ID); err != nil {
		return Session{}, err
	}
	return s, nil
}

// SessionByID returns a session, or nil when unknown.
func (r *Repository) SessionByID(ctx context.Context, sessionID int64) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT session_id, class_id, session_start, qr_code, attendance_count
		FROM sessions WHERE session_id = $1
	`, sessionID)
	var s Session
	if err := row.Scan(&s.ID, &s.ClassID, &s.StartsAt, &s.QRCode, &s.AttendanceCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// ListAttendance returns the rows for a session ordered by scan time.
func (r *Repository) ListAttendance(ctx context.Context, sessionID int64) ([]Attendance, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT attendance_id, student_id, session_id, scan_time, status
		FROM attendance WHERE session_id = $1
		ORDER BY scan_time, attendance_id
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Attendance
	for rows.Next() {
		var a Attendance
		if err := rows.Scan(&a.ID, &a.StudentID, &a.SessionID, &a.ScanTime, &a.Status); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// ListAnalytics returns snapshots, newest first. sessionID = 0 lists across
// all sessions.
func (r *Repository) ListAnalytics(ctx context.Context, sessionID int64, limit int) ([]Analytics, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT analytics_id, class_id, session_id, report_date, total_attendees, absentee_count
		FROM analytics`
	args := []any{}
	if sessionID != 0 {
		query += ` WHERE session_id = $1`
		args = append(args, sessionID)
	}
	query += fmt.Sprintf(` ORDER BY analytics_id DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Analytics
	for rows.Next() {
		var a Analytics
		if err := rows.Scan(&a.ID, &a.ClassID, &a.SessionID, &a.ReportDate, &a.TotalAttendees, &a.AbsenteeCount); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
