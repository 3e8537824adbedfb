package attendance

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory Store for dev mode and tests. Transactions stage
// their writes on a copy of the state and swap it in on commit, all under one
// mutex, so the check-then-insert sequence is trivially serialised and a
// failed transaction leaves no trace.
type MemStore struct {
	mu    sync.Mutex
	state memState
}

type memState struct {
	classes    map[string]Class
	students   map[string]Student
	sessions   map[int64]Session
	attendance map[int64]Attendance
	analytics  []Analytics

	sessionSeq    int64
	attendanceSeq int64
	analyticsSeq  int64
}

// NewMemStore creates an empty store.
func NewMemStore() *MemStore {
	return &MemStore{state: memState{
		classes:    map[string]Class{},
		students:   map[string]Student{},
		sessions:   map[int64]Session{},
		attendance: map[int64]Attendance{},
	}}
}

func (s memState) clone() memState {
	out := memState{
		classes:       make(map[string]Class, len(s.classes)),
		students:      make(map[string]Student, len(s.students)),
		sessions:      make(map[int64]Session, len(s.sessions)),
		attendance:    make(map[int64]Attendance, len(s.attendance)),
		analytics:     append([]Analytics(nil), s.analytics...),
		sessionSeq:    s.sessionSeq,
		attendanceSeq: s.attendanceSeq,
		analyticsSeq:  s.analyticsSeq,
	}
	for k, v := range s.classes {
		out.classes[k] = v
	}
	for k, v := range s.students {
		out.students[k] = v
	}
	for k, v := range s.sessions {
		out.sessions[k] = v
	}
	for k, v := range s.attendance {
		out.attendance[k] = v
	}
	return out
}

// InTx stages fn's writes and commits them only when fn returns nil.
func (s *MemStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	staged := s.state.clone()
	if err := fn(&memTx{state: &staged}); err != nil {
		return err
	}
	s.state = staged
	return nil
}

type memTx struct {
	state *memState
}

func (t *memTx) SessionByCode(_ context.Context, qrCode string) (*Session, error) {
	for _, sess := range t.state.sessions {
		if sess.QRCode == qrCode {
			out := sess
			return &out, nil
		}
	}
	return nil, nil
}

func (t *memTx) StudentByID(_ context.Context, studentID string) (*Student, error) {
	st, ok := t.state.students[studentID]
	if !ok {
		return nil, nil
	}
	out := st
	return &out, nil
}

func (t *memTx) AttendanceExists(_ context.Context, studentID string, sessionID int64) (bool, error) {
	for _, rec := range t.state.attendance {
		if rec.StudentID == studentID && rec.SessionID == sessionID {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) InsertAttendance(ctx context.Context, rec Attendance) (int64, error) {
	exists, _ := t.AttendanceExists(ctx, rec.StudentID, rec.SessionID)
	if exists {
		return 0, ErrDuplicateAttendance
	}
	t.state.attendanceSeq++
	rec.ID = t.state.attendanceSeq
	t.state.attendance[rec.ID] = rec
	return rec.ID, nil
}

func (t *memTx) BumpSessionCount(_ context.Context, sessionID int64) error {
	sess, ok := t.state.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %d not found", sessionID)
	}
	sess.AttendanceCount++
	t.state.sessions[sessionID] = sess
	return nil
}

func (t *memTx) BumpStudentCount(_ context.Context, studentID string) error {
	st, ok := t.state.students[studentID]
	if !ok {
		return fmt.Errorf("student %s not found", studentID)
	}
	st.TotalValidAttendance++
	t.state.students[studentID] = st
	return nil
}

func (t *memTx) DeleteDuplicateScans(_ context.Context) (int64, error) {
	type pair struct {
		student string
		session int64
	}
	groups := map[pair][]Attendance{}
	for _, rec := range t.state.attendance {
		k := pair{rec.StudentID, rec.SessionID}
		groups[k] = append(groups[k], rec)
	}
	var removed int64
	for _, recs := range groups {
		if len(recs) < 2 {
			continue
		}
		sort.Slice(recs, func(i, j int) bool {
			if !recs[i].ScanTime.Equal(recs[j].ScanTime) {
				return recs[i].ScanTime.Before(recs[j].ScanTime)
			}
			return recs[i].ID < recs[j].ID
		})
		for _, rec := range recs[1:] {
			delete(t.state.attendance, rec.ID)
			removed++
		}
	}
	return removed, nil
}

func (t *memTx) MarkLateScansInvalid(_ context.Context, window time.Duration) (int64, error) {
	var flagged int64
	for id, rec := range t.state.attendance {
		sess, ok := t.state.sessions[rec.SessionID]
		if !ok {
			continue
		}
		if rec.Status != StatusInvalid && rec.ScanTime.After(sess.WindowEnd(window)) {
			rec.Status = StatusInvalid
			t.state.attendance[id] = rec
			flagged++
		}
	}
	return flagged, nil
}

func (t *memTx) CountStudents(_ context.Context, classID string) (int, error) {
	n := 0
	for _, st := range t.state.students {
		if st.ClassID != nil && *st.ClassID == classID {
			n++
		}
	}
	return n, nil
}

func (t *memTx) CountPresent(_ context.Context, sessionID int64) (int, error) {
	n := 0
	for _, rec := range t.state.attendance {
		if rec.SessionID == sessionID && rec.Status == StatusPresent {
			n++
		}
	}
	return n, nil
}

func (t *memTx) InsertAnalytics(_ context.Context, rec Analytics) (Analytics, error) {
	t.state.analyticsSeq++
	rec.ID = t.state.analyticsSeq
	t.state.analytics = append(t.state.analytics, rec)
	return rec, nil
}

// CreateClass inserts a class; duplicate ids are rejected.
func (s *MemStore) CreateClass(_ context.Context, c Class) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.classes[c.ID]; ok {
		return fmt.Errorf("class %s already exists", c.ID)
	}
	s.state.classes[c.ID] = c
	return nil
}

// UpsertStudent creates or updates a student, preserving the validator-owned
// attendance counter on update.
func (s *MemStore) UpsertStudent(_ context.Context, st Student) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.state.students[st.ID]; ok {
		st.TotalValidAttendance = prev.TotalValidAttendance
		st.CreatedAt = prev.CreatedAt
	} else if st.CreatedAt.IsZero() {
		st.CreatedAt = time.Now().UTC()
	}
	s.state.students[st.ID] = st
	return nil
}

// CreateSession assigns a monotonic id and stores the session.
func (s *MemStore) CreateSession(_ context.Context, sess Session) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, other := range s.state.sessions {
		if other.QRCode == sess.QRCode {
			return Session{}, fmt.Errorf("qr code %s already in use", sess.QRCode)
		}
	}
	s.state.sessionSeq++
	sess.ID = s.state.sessionSeq
	s.state.sessions[sess.ID] = sess
	return sess, nil
}

// SessionByID returns a session, or nil when unknown.
func (s *MemStore) SessionByID(_ context.Context, sessionID int64) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.state.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	out := sess
	return &out, nil
}

// ListAttendance returns the rows for a session ordered by scan time.
func (s *MemStore) ListAttendance(_ context.Context, sessionID int64) ([]Attendance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []Attendance
	for _, rec := range s.state.attendance {
		if rec.SessionID == sessionID {
			res = append(res, rec)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if !res[i].ScanTime.Equal(res[j].ScanTime) {
			return res[i].ScanTime.Before(res[j].ScanTime)
		}
		return res[i].ID < res[j].ID
	})
	return res, nil
}

// ListAnalytics returns snapshots, newest first. sessionID = 0 lists all.
func (s *MemStore) ListAnalytics(_ context.Context, sessionID int64, limit int) ([]Analytics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	var res []Analytics
	for i := len(s.state.analytics) - 1; i >= 0 && len(res) < limit; i-- {
		rec := s.state.analytics[i]
		if sessionID != 0 && rec.SessionID != sessionID {
			continue
		}
		res = append(res, rec)
	}
	return res, nil
}

// AddAttendanceRecord writes a row without the validator's checks or the
// uniqueness constraint. It models data imported from outside the service,
// which is exactly what the reconciler exists to repair.
func (s *MemStore) AddAttendanceRecord(rec Attendance) Attendance {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.attendanceSeq++
	rec.ID = s.state.attendanceSeq
	if rec.Status == "" {
		rec.Status = StatusPresent
	}
	s.state.attendance[rec.ID] = rec
	return rec
}
