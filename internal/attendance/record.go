// Package attendance coordinates check-in, check-out, teacher overrides,
// and the re-verification flow for one student in one session. A record
// exists only once the student has checked in or a teacher has marked
// them; no record means absent.
package attendance

import (
	"time"

	"classtrack/internal/docstore"
	"classtrack/internal/geo"
)

const (
	recordCollection  = "attendance_records"
	requestCollection = "verification_requests"
)

// Status is the verification outcome stored on a record. Absent is logical
// only: it is reported for enrolled students with no record and is never
// written to the store.
type Status string

const (
	StatusPending         Status = "pending"
	StatusVerified        Status = "verified"
	StatusFailedLocation  Status = "failed_location"
	StatusCheckedOutEarly Status = "checked_out_early_before_verification"
	StatusAbsent          Status = "absent"
)

// Overridable reports whether a teacher may set this status manually.
func (s Status) Overridable() bool {
	switch s {
	case StatusVerified, StatusFailedLocation, StatusCheckedOutEarly, StatusAbsent:
		return true
	}
	return false
}

// verifiable reports whether a passing verification response may still
// upgrade this status to verified.
func (s Status) verifiable() bool {
	return s == StatusPending || s == StatusFailedLocation
}

// Record is the per (session, student) attendance outcome. Check-in fields
// are nil on records created by a teacher override; checkout fields are
// nil until the student checks out.
type Record struct {
	SessionID         string         `json:"session_id"`
	StudentID         string         `json:"student_id"`
	Status            Status         `json:"status"`
	CheckInTime       *time.Time     `json:"check_in_time,omitempty"`
	CheckInLocation   *geo.Point     `json:"check_in_location,omitempty"`
	CheckOutTime      *time.Time     `json:"check_out_time,omitempty"`
	DistanceMeters    *float64       `json:"distance_meters,omitempty"`
	DurationMinutes   *float64       `json:"duration_minutes,omitempty"`
	GPSVerified       bool           `json:"gps_verified"`
	ManuallyUpdated   bool           `json:"manually_updated,omitempty"`
	ManuallyUpdatedBy string         `json:"manually_updated_by,omitempty"`
	RespondedAt       *time.Time     `json:"verification_responded_at,omitempty"`
	Extension         map[string]any `json:"extension,omitempty"`
}

func recordID(sessionID, studentID string) string { return sessionID + ":" + studentID }

func (r Record) fields() docstore.Fields {
	f := docstore.Fields{
		"session_id":   r.SessionID,
		"student_id":   r.StudentID,
		"status":       string(r.Status),
		"gps_verified": r.GPSVerified,
	}
	if r.CheckInTime != nil {
		f["check_in_time"] = docstore.EncodeTime(*r.CheckInTime)
	}
	if r.CheckInLocation != nil {
		f["check_in_location"] = r.CheckInLocation.Fields()
	}
	if r.CheckOutTime != nil {
		f["check_out_time"] = docstore.EncodeTime(*r.CheckOutTime)
	}
	if r.DistanceMeters != nil {
		f["distance_m"] = *r.DistanceMeters
	}
	if r.DurationMinutes != nil {
		f["duration_minutes"] = *r.DurationMinutes
	}
	if r.ManuallyUpdated {
		f["manually_updated"] = true
		f["manually_updated_by"] = r.ManuallyUpdatedBy
	}
	if r.RespondedAt != nil {
		f["verification_responded_at"] = docstore.EncodeTime(*r.RespondedAt)
	}
	if len(r.Extension) > 0 {
		f["extension"] = r.Extension
	}
	return f
}

func recordFromDoc(doc docstore.Doc) Record {
	r := Record{
		SessionID:         doc.Fields.String("session_id"),
		StudentID:         doc.Fields.String("student_id"),
		Status:            Status(doc.Fields.String("status")),
		GPSVerified:       doc.Fields.Bool("gps_verified"),
		ManuallyUpdated:   doc.Fields.Bool("manually_updated"),
		ManuallyUpdatedBy: doc.Fields.String("manually_updated_by"),
	}
	if t, ok := doc.Fields.Time("check_in_time"); ok {
		r.CheckInTime = &t
	}
	if p, ok := geo.FromMap(doc.Fields.Map("check_in_location")); ok {
		r.CheckInLocation = &p
	}
	if t, ok := doc.Fields.Time("check_out_time"); ok {
		r.CheckOutTime = &t
	}
	if d, ok := doc.Fields.Float("distance_m"); ok {
		r.DistanceMeters = &d
	}
	if d, ok := doc.Fields.Float("duration_minutes"); ok {
		r.DurationMinutes = &d
	}
	if t, ok := doc.Fields.Time("verification_responded_at"); ok {
		r.RespondedAt = &t
	}
	if m := doc.Fields.Map("extension"); len(m) > 0 {
		r.Extension = m
	}
	return r
}

// mergeExtension shallow-merges extra over base; later keys win. Neither
// input map is mutated.
func mergeExtension(base, extra map[string]any) map[string]any {
	if len(base) == 0 && len(extra) == 0 {
		return nil
	}
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
