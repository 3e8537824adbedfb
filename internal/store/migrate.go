package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
)

// schema is applied in order on startup. The unique constraint on
// attendance(student_id, session_id) is load-bearing: it is what serialises
// concurrent check-then-insert sequences in the validator.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS classes (
		class_id    TEXT PRIMARY KEY,
		course_name TEXT NOT NULL,
		faculty_id  TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS students (
		student_id             TEXT PRIMARY KEY,
		name                   TEXT NOT NULL,
		email                  TEXT NOT NULL UNIQUE,
		class_id               TEXT REFERENCES classes(class_id),
		total_valid_attendance INTEGER NOT NULL DEFAULT 0 CHECK (total_valid_attendance >= 0),
		photo                  BYTEA,
		created_at             TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		session_id       BIGSERIAL PRIMARY KEY,
		class_id         TEXT NOT NULL REFERENCES classes(class_id),
		session_start    TIMESTAMPTZ NOT NULL,
		qr_code          TEXT NOT NULL UNIQUE,
		attendance_count INTEGER NOT NULL DEFAULT 0 CHECK (attendance_count >= 0)
	)`,
	`CREATE TABLE IF NOT EXISTS attendance (
		attendance_id BIGSERIAL PRIMARY KEY,
		student_id    TEXT NOT NULL REFERENCES students(student_id),
		session_id    BIGINT NOT NULL REFERENCES sessions(session_id),
		scan_time     TIMESTAMPTZ NOT NULL,
		status        TEXT NOT NULL,
		CONSTRAINT attendance_student_session_key UNIQUE (student_id, session_id)
	)`,
	`CREATE TABLE IF NOT EXISTS analytics (
		analytics_id    BIGSERIAL PRIMARY KEY,
		class_id        TEXT NOT NULL REFERENCES classes(class_id),
		session_id      BIGINT NOT NULL REFERENCES sessions(session_id),
		report_date     DATE NOT NULL,
		total_attendees INTEGER NOT NULL,
		absentee_count  INTEGER NOT NULL
	)`,
}

// Migrate applies the schema. Statements are idempotent, so running this on
// every startup is safe.
func Migrate(ctx context.Context, db *sql.DB) error {
	log.Println("applying database schema...")
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i+1, err)
		}
	}
	return nil
}
