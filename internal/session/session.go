// Package session owns the session lifecycle: scheduled, active, ended,
// cancelled, and the rule that a class runs at most one active session at
// a time.
package session

import (
	"time"

	"classtrack/internal/docstore"
	"classtrack/internal/geo"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusActive    Status = "active"
	StatusEnded     Status = "ended"
	StatusCancelled Status = "cancelled"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusActive, StatusEnded, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusCancelled
}

// Session is a time-boxed, georeferenced attendance event for one class.
// StartTime is set when the session activates; EndTime is set when it ends
// and is nil for anything still running.
type Session struct {
	ID           string     `json:"id"`
	ClassID      string     `json:"class_id"`
	TeacherID    string     `json:"teacher_id"`
	Status       Status     `json:"status"`
	StartTime    *time.Time `json:"start_time,omitempty"`
	EndTime      *time.Time `json:"end_time,omitempty"`
	Location     geo.Point  `json:"location"`
	RadiusMeters float64    `json:"radius_meters"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Active reports whether the session is truly running: status active and
// no end time. Status alone is not trusted because older writers set
// end_time without flipping status; reconciliation repairs those.
func (s Session) Active() bool {
	return s.Status == StatusActive && s.EndTime == nil
}

func (s Session) fields() docstore.Fields {
	f := docstore.Fields{
		"class_id":   s.ClassID,
		"teacher_id": s.TeacherID,
		"status":     string(s.Status),
		"location":   s.Location.Fields(),
		"radius_m":   s.RadiusMeters,
		"created_at": docstore.EncodeTime(s.CreatedAt),
	}
	if s.StartTime != nil {
		f["start_time"] = docstore.EncodeTime(*s.StartTime)
	}
	if s.EndTime != nil {
		f["end_time"] = docstore.EncodeTime(*s.EndTime)
	}
	return f
}

func fromDoc(doc docstore.Doc) Session {
	s := Session{
		ID:        doc.ID,
		ClassID:   doc.Fields.String("class_id"),
		TeacherID: doc.Fields.String("teacher_id"),
		Status:    Status(doc.Fields.String("status")),
	}
	if p, ok := geo.FromMap(doc.Fields.Map("location")); ok {
		s.Location = p
	}
	if r, ok := doc.Fields.Float("radius_m"); ok {
		s.RadiusMeters = r
	}
	if t, ok := doc.Fields.Time("start_time"); ok {
		s.StartTime = &t
	}
	if t, ok := doc.Fields.Time("end_time"); ok {
		s.EndTime = &t
	}
	if t, ok := doc.Fields.Time("created_at"); ok {
		s.CreatedAt = t
	}
	return s
}
