// Package roster imports class rosters from spreadsheets.
package roster

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/xuri/excelize/v2"

	"qrattend/internal/attendance"
)

// StudentUpserter is the slice of the store the importer needs.
type StudentUpserter interface {
	UpsertStudent(ctx context.Context, s attendance.Student) error
}

// ImportStudents reads an .xlsx stream and upserts one student per row into
// the given class. Expected columns: A student_id, B name, C email; the first
// row is treated as a header. Rows missing an id or email are skipped, not
// fatal. Returns the number of students written.
func ImportStudents(ctx context.Context, store StudentUpserter, file io.Reader, classID string) (int, error) {
	f, err := excelize.OpenReader(file)
	if err != nil {
		return 0, fmt.Errorf("open spreadsheet: %w", err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			log.Printf("closing spreadsheet: %v", err)
		}
	}()

	sheet := f.GetSheetName(0)
	if sheet == "" {
		return 0, errors.New("spreadsheet has no sheets")
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return 0, fmt.Errorf("read sheet %s: %w", sheet, err)
	}

	imported := 0
	for i, row := range rows {
		if i == 0 {
			continue // header
		}
		var id, name, email string
		if len(row) > 0 {
			id = row[0]
		}
		if len(row) > 1 {
			name = row[1]
		}
		if len(row) > 2 {
			email = row[2]
		}
		if id == "" || email == "" {
			log.Printf("roster import: skipping row %d (id=%q email=%q)", i+1, id, email)
			continue
		}
		cid := classID
		if err := store.UpsertStudent(ctx, attendance.Student{
			ID:      id,
			Name:    name,
			Email:   email,
			ClassID: &cid,
		}); err != nil {
			return imported, fmt.Errorf("upsert student %s: %w", id, err)
		}
		imported++
	}
	return imported, nil
}
