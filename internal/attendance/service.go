package attendance

import (
	"context"
	"errors"
	"sort"
	"time"

	"classtrack/internal/apperr"
	"classtrack/internal/clock"
	"classtrack/internal/docstore"
	"classtrack/internal/geo"
	"classtrack/internal/queue"
	"classtrack/internal/roster"
	"classtrack/internal/session"
)

// SessionLookup reads session state. Satisfied by session.Manager.
type SessionLookup interface {
	Get(ctx context.Context, sessionID string) (session.Session, error)
}

// RosterLookup answers enrollment questions. Satisfied by roster.Directory.
type RosterLookup interface {
	IsEnrolled(ctx context.Context, classID, studentID string) (bool, error)
	ListStudents(ctx context.Context, classID string) ([]roster.Enrollment, error)
}

// Service coordinates attendance writes against session state. It holds no
// state between calls; every operation re-reads the store, so many
// instances can run side by side.
type Service struct {
	store      docstore.Store
	sessions   SessionLookup
	roster     RosterLookup
	queue      queue.Queue
	clock      clock.Clock
	requestTTL time.Duration
}

// NewService creates an attendance service. requestTTL bounds how long a
// verification request stays answerable.
func NewService(store docstore.Store, sessions SessionLookup, ros RosterLookup, q queue.Queue, clk clock.Clock, requestTTL time.Duration) *Service {
	if requestTTL <= 0 {
		requestTTL = 15 * time.Minute
	}
	return &Service{
		store:      store,
		sessions:   sessions,
		roster:     ros,
		queue:      q,
		clock:      clk,
		requestTTL: requestTTL,
	}
}

// CheckInResult is a check-in outcome with a display-safe summary line.
type CheckInResult struct {
	Record  Record `json:"record"`
	Message string `json:"message"`
}

// CheckIn records a student's arrival and verifies it against the session
// geofence. A student gets exactly one record per session; checking in
// twice is a conflict no matter where from.
func (s *Service) CheckIn(ctx context.Context, sessionID, studentID string, location geo.Point) (CheckInResult, error) {
	if studentID == "" {
		return CheckInResult{}, apperr.New(apperr.Validation, "student id required")
	}
	if err := location.Validate(); err != nil {
		return CheckInResult{}, apperr.New(apperr.Validation, err.Error())
	}

	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return CheckInResult{}, err
	}
	if !sess.Active() {
		return CheckInResult{}, apperr.New(apperr.InvalidState, "session is not active")
	}

	enrolled, err := s.roster.IsEnrolled(ctx, sess.ClassID, studentID)
	if err != nil {
		return CheckInResult{}, err
	}
	if !enrolled {
		return CheckInResult{}, apperr.New(apperr.Unauthorized, "student is not enrolled in this class")
	}

	id := recordID(sessionID, studentID)
	if _, err := s.store.Get(ctx, recordCollection, id); err == nil {
		return CheckInResult{}, apperr.New(apperr.Conflict, "already checked in to this session")
	} else if !errors.Is(err, docstore.ErrNotFound) {
		return CheckInResult{}, apperr.Wrap(apperr.Store, "load attendance record", err)
	}

	distance := geo.Distance(sess.Location, location)
	verified := distance <= sess.RadiusMeters
	now := s.clock.Now()
	rec := Record{
		SessionID:       sessionID,
		StudentID:       studentID,
		Status:          StatusFailedLocation,
		CheckInTime:     &now,
		CheckInLocation: &location,
		DistanceMeters:  &distance,
		GPSVerified:     verified,
	}
	if verified {
		rec.Status = StatusVerified
	}
	if err := s.store.Create(ctx, recordCollection, id, rec.fields()); err != nil {
		if errors.Is(err, docstore.ErrExists) {
			return CheckInResult{}, apperr.New(apperr.Conflict, "already checked in to this session")
		}
		return CheckInResult{}, apperr.Wrap(apperr.Store, "save attendance record", err)
	}

	msg := "check-in verified inside the session radius"
	if !verified {
		msg = "check-in recorded outside the session radius"
	}
	return CheckInResult{Record: rec, Message: msg}, nil
}

// CheckOut stamps the student's departure. Calling it again after a
// successful checkout returns the stored record unchanged. A record whose
// status never got past pending is downgraded to an early checkout;
// verified and failed_location stand.
func (s *Service) CheckOut(ctx context.Context, sessionID, studentID string, extra map[string]any) (Record, error) {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return Record{}, err
	}
	if !sess.Active() {
		return Record{}, apperr.New(apperr.InvalidState, "cannot check out from an inactive session")
	}

	rec, err := s.getRecord(ctx, sessionID, studentID)
	if err != nil {
		if apperr.IsKind(err, apperr.NotFound) {
			return Record{}, apperr.New(apperr.NotFound, "must check in before checking out")
		}
		return Record{}, err
	}
	if rec.CheckOutTime != nil {
		return rec, nil
	}

	now := s.clock.Now()
	rec.CheckOutTime = &now
	if rec.CheckInTime != nil {
		minutes := now.Sub(*rec.CheckInTime).Minutes()
		rec.DurationMinutes = &minutes
	}
	if rec.Status == StatusPending {
		rec.Status = StatusCheckedOutEarly
	}
	rec.Extension = mergeExtension(rec.Extension, extra)

	fields := docstore.Fields{
		"check_out_time": docstore.EncodeTime(now),
		"status":         string(rec.Status),
	}
	if rec.DurationMinutes != nil {
		fields["duration_minutes"] = *rec.DurationMinutes
	}
	if len(rec.Extension) > 0 {
		fields["extension"] = rec.Extension
	}
	if err := s.store.Update(ctx, recordCollection, recordID(sessionID, studentID), fields); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			// An absent override removed the record since the read.
			return Record{}, apperr.New(apperr.NotFound, "must check in before checking out")
		}
		return Record{}, apperr.Wrap(apperr.Store, "save checkout", err)
	}
	return rec, nil
}

// Override lets the owning teacher set a student's outcome by hand.
// Setting absent removes the record entirely; any other status is written
// with an audit trail of who changed it.
func (s *Service) Override(ctx context.Context, sessionID, studentID string, newStatus Status, teacherID string, extra map[string]any) (Record, error) {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return Record{}, err
	}
	if sess.TeacherID != teacherID {
		return Record{}, apperr.New(apperr.Unauthorized, "only the session teacher can override attendance")
	}
	if !newStatus.Overridable() {
		return Record{}, apperr.Newf(apperr.Validation, "cannot override to status %q", string(newStatus))
	}
	enrolled, err := s.roster.IsEnrolled(ctx, sess.ClassID, studentID)
	if err != nil {
		return Record{}, err
	}
	if !enrolled {
		return Record{}, apperr.New(apperr.NotFound, "student is not enrolled in this class")
	}

	id := recordID(sessionID, studentID)
	if newStatus == StatusAbsent {
		if err := s.store.Delete(ctx, recordCollection, id); err != nil {
			return Record{}, apperr.Wrap(apperr.Store, "remove attendance record", err)
		}
		return Record{SessionID: sessionID, StudentID: studentID, Status: StatusAbsent}, nil
	}

	rec, err := s.getRecord(ctx, sessionID, studentID)
	if err != nil {
		if !apperr.IsKind(err, apperr.NotFound) {
			return Record{}, err
		}
		rec = Record{SessionID: sessionID, StudentID: studentID}
	}
	rec.Status = newStatus
	rec.GPSVerified = newStatus == StatusVerified
	rec.ManuallyUpdated = true
	rec.ManuallyUpdatedBy = teacherID
	rec.Extension = mergeExtension(rec.Extension, extra)

	fields := docstore.Fields{
		"session_id":          sessionID,
		"student_id":          studentID,
		"status":              string(newStatus),
		"gps_verified":        rec.GPSVerified,
		"manually_updated":    true,
		"manually_updated_by": teacherID,
	}
	if len(rec.Extension) > 0 {
		fields["extension"] = rec.Extension
	}
	if err := s.store.Set(ctx, recordCollection, id, fields, true); err != nil {
		return Record{}, apperr.Wrap(apperr.Store, "save override", err)
	}
	return rec, nil
}

// RosterEntry is one line of a session's attendance sheet.
type RosterEntry struct {
	StudentID   string  `json:"student_id"`
	StudentName string  `json:"student_name,omitempty"`
	Status      Status  `json:"status"`
	Record      *Record `json:"record,omitempty"`
}

// SessionAttendance merges the class roster with the session's records.
// Enrolled students with no record show as absent; records for students
// since unenrolled are kept at the end of the sheet.
func (s *Service) SessionAttendance(ctx context.Context, sessionID string) ([]RosterEntry, error) {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	students, err := s.roster.ListStudents(ctx, sess.ClassID)
	if err != nil {
		return nil, err
	}
	docs, err := s.store.Query(ctx, recordCollection, docstore.Where("session_id", sessionID))
	if err != nil {
		return nil, apperr.Wrap(apperr.Store, "list attendance records", err)
	}

	byStudent := make(map[string]Record, len(docs))
	for _, doc := range docs {
		rec := recordFromDoc(doc)
		byStudent[rec.StudentID] = rec
	}

	entries := make([]RosterEntry, 0, len(students))
	for _, st := range students {
		entry := RosterEntry{StudentID: st.StudentID, StudentName: st.StudentName, Status: StatusAbsent}
		if rec, ok := byStudent[st.StudentID]; ok {
			entry.Status = rec.Status
			r := rec
			entry.Record = &r
			delete(byStudent, st.StudentID)
		}
		entries = append(entries, entry)
	}

	var strays []RosterEntry
	for _, rec := range byStudent {
		r := rec
		strays = append(strays, RosterEntry{StudentID: rec.StudentID, Status: rec.Status, Record: &r})
	}
	sort.Slice(strays, func(i, j int) bool { return strays[i].StudentID < strays[j].StudentID })
	return append(entries, strays...), nil
}

func (s *Service) getRecord(ctx context.Context, sessionID, studentID string) (Record, error) {
	doc, err := s.store.Get(ctx, recordCollection, recordID(sessionID, studentID))
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return Record{}, apperr.New(apperr.NotFound, "attendance record not found")
		}
		return Record{}, apperr.Wrap(apperr.Store, "load attendance record", err)
	}
	return recordFromDoc(doc), nil
}
