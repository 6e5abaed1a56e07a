package attendance

import (
	"context"
	"errors"
	"time"

	"classtrack/internal/apperr"
	"classtrack/internal/docstore"
	"classtrack/internal/geo"
	"classtrack/internal/queue"
)

// redeliverAfter is how long an undelivered pending request waits before
// the sweep publishes it again.
const redeliverAfter = time.Minute

// RequestStatus is the lifecycle state of a verification request.
type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestCompleted RequestStatus = "completed"
	RequestExpired   RequestStatus = "expired"
)

// VerifyRequest asks a student to prove their location again. One request
// exists per (session, student); a completed or expired request may be
// replaced by a fresh one.
type VerifyRequest struct {
	SessionID   string        `json:"session_id"`
	StudentID   string        `json:"student_id"`
	RequestedBy string        `json:"requested_by"`
	Status      RequestStatus `json:"status"`
	RequestedAt time.Time     `json:"requested_at"`
	ExpiresAt   time.Time     `json:"expires_at"`
	DeliveredAt *time.Time    `json:"delivered_at,omitempty"`
	RespondedAt *time.Time    `json:"responded_at,omitempty"`
}

func (v VerifyRequest) fields() docstore.Fields {
	f := docstore.Fields{
		"session_id":   v.SessionID,
		"student_id":   v.StudentID,
		"requested_by": v.RequestedBy,
		"status":       string(v.Status),
		"requested_at": docstore.EncodeTime(v.RequestedAt),
		"expires_at":   docstore.EncodeTime(v.ExpiresAt),
	}
	if v.DeliveredAt != nil {
		f["delivered_at"] = docstore.EncodeTime(*v.DeliveredAt)
	}
	if v.RespondedAt != nil {
		f["responded_at"] = docstore.EncodeTime(*v.RespondedAt)
	}
	return f
}

func requestFromDoc(doc docstore.Doc) VerifyRequest {
	v := VerifyRequest{
		SessionID:   doc.Fields.String("session_id"),
		StudentID:   doc.Fields.String("student_id"),
		RequestedBy: doc.Fields.String("requested_by"),
		Status:      RequestStatus(doc.Fields.String("status")),
	}
	if t, ok := doc.Fields.Time("requested_at"); ok {
		v.RequestedAt = t
	}
	if t, ok := doc.Fields.Time("expires_at"); ok {
		v.ExpiresAt = t
	}
	if t, ok := doc.Fields.Time("delivered_at"); ok {
		v.DeliveredAt = &t
	}
	if t, ok := doc.Fields.Time("responded_at"); ok {
		v.RespondedAt = &t
	}
	return v
}

// RequestVerification opens a re-verification request for a student who
// already has a record in the teacher's running session, and queues a
// notification for the worker to deliver. Publish failures are not fatal;
// the sweep republishes requests that were never delivered.
func (s *Service) RequestVerification(ctx context.Context, sessionID, studentID, teacherID string) (VerifyRequest, error) {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return VerifyRequest{}, err
	}
	if sess.TeacherID != teacherID {
		return VerifyRequest{}, apperr.New(apperr.Unauthorized, "only the session teacher can request verification")
	}
	if !sess.Active() {
		return VerifyRequest{}, apperr.New(apperr.InvalidState, "session is not active")
	}
	if _, err := s.getRecord(ctx, sessionID, studentID); err != nil {
		if apperr.IsKind(err, apperr.NotFound) {
			return VerifyRequest{}, apperr.New(apperr.NotFound, "student has no attendance record to verify")
		}
		return VerifyRequest{}, err
	}

	now := s.clock.Now()
	id := recordID(sessionID, studentID)
	if doc, err := s.store.Get(ctx, requestCollection, id); err == nil {
		prior := requestFromDoc(doc)
		if prior.Status == RequestPending && now.Before(prior.ExpiresAt) {
			return VerifyRequest{}, apperr.New(apperr.Conflict, "verification already requested for this student")
		}
	} else if !errors.Is(err, docstore.ErrNotFound) {
		return VerifyRequest{}, apperr.Wrap(apperr.Store, "load verification request", err)
	}

	vr := VerifyRequest{
		SessionID:   sessionID,
		StudentID:   studentID,
		RequestedBy: teacherID,
		Status:      RequestPending,
		RequestedAt: now,
		ExpiresAt:   now.Add(s.requestTTL),
	}
	if err := s.store.Set(ctx, requestCollection, id, vr.fields(), false); err != nil {
		return VerifyRequest{}, apperr.Wrap(apperr.Store, "save verification request", err)
	}

	if msg, err := queue.NewVerifyRequest(queue.VerifyRequestBody{
		SessionID: sessionID,
		StudentID: studentID,
		TeacherID: teacherID,
	}); err == nil {
		_ = s.queue.Publish(ctx, msg) // sweep redelivers if this is lost
	}
	return vr, nil
}

// RespondInput is a student's answer to a verification request.
type RespondInput struct {
	Location *geo.Point `json:"location,omitempty"`
}

// RespondResult reports what the response changed.
type RespondResult struct {
	Request  VerifyRequest `json:"request"`
	Record   *Record       `json:"record,omitempty"`
	Verified bool          `json:"verified"`
}

// RespondToVerification completes a pending request. When the response
// carries a location inside the session geofence, a record still awaiting
// proof (failed_location, or pending from an older client) upgrades to
// verified; any other status stands and only the response timestamp lands.
// The request and record writes go in one batch. A record deleted since
// the request (teacher marked absent) just completes the request.
func (s *Service) RespondToVerification(ctx context.Context, sessionID, studentID string, in RespondInput) (RespondResult, error) {
	id := recordID(sessionID, studentID)
	doc, err := s.store.Get(ctx, requestCollection, id)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return RespondResult{}, apperr.New(apperr.NotFound, "no verification request for this student")
		}
		return RespondResult{}, apperr.Wrap(apperr.Store, "load verification request", err)
	}
	vr := requestFromDoc(doc)
	now := s.clock.Now()
	switch {
	case vr.Status == RequestCompleted:
		return RespondResult{}, apperr.New(apperr.InvalidState, "verification request already answered")
	case vr.Status == RequestExpired:
		return RespondResult{}, apperr.New(apperr.InvalidState, "verification request expired")
	case now.After(vr.ExpiresAt):
		if err := s.store.Update(ctx, requestCollection, id, docstore.Fields{"status": string(RequestExpired)}); err != nil && !errors.Is(err, docstore.ErrNotFound) {
			return RespondResult{}, apperr.Wrap(apperr.Store, "expire verification request", err)
		}
		return RespondResult{}, apperr.New(apperr.InvalidState, "verification request expired")
	}
	if in.Location != nil {
		if err := in.Location.Validate(); err != nil {
			return RespondResult{}, apperr.New(apperr.Validation, err.Error())
		}
	}

	vr.Status = RequestCompleted
	vr.RespondedAt = &now
	writes := []docstore.Write{
		{
			Kind:       docstore.WriteUpdate,
			Collection: requestCollection,
			ID:         id,
			Fields: docstore.Fields{
				"status":       string(RequestCompleted),
				"responded_at": docstore.EncodeTime(now),
			},
		},
	}

	result := RespondResult{Request: vr}
	rec, err := s.getRecord(ctx, sessionID, studentID)
	switch {
	case err == nil:
		recFields := docstore.Fields{"verification_responded_at": docstore.EncodeTime(now)}
		rec.RespondedAt = &now
		if in.Location != nil && rec.Status.verifiable() {
			sess, err := s.sessions.Get(ctx, sessionID)
			if err != nil {
				return RespondResult{}, err
			}
			if geo.WithinRadius(sess.Location, sess.RadiusMeters, *in.Location) {
				rec.Status = StatusVerified
				rec.GPSVerified = true
				recFields["status"] = string(StatusVerified)
				recFields["gps_verified"] = true
				result.Verified = true
			}
		}
		writes = append(writes, docstore.Write{
			Kind:       docstore.WriteUpdate,
			Collection: recordCollection,
			ID:         id,
			Fields:     recFields,
		})
		result.Record = &rec
	case apperr.IsKind(err, apperr.NotFound):
		// Teacher marked the student absent after requesting verification.
	default:
		return RespondResult{}, err
	}

	if err := s.store.BatchCommit(ctx, writes); err != nil {
		return RespondResult{}, apperr.Wrap(apperr.Store, "save verification response", err)
	}
	return result, nil
}

// MarkVerificationDelivered stamps when the worker handed the request to
// the notification service.
func (s *Service) MarkVerificationDelivered(ctx context.Context, sessionID, studentID string) error {
	fields := docstore.Fields{"delivered_at": docstore.EncodeTime(s.clock.Now())}
	if err := s.store.Update(ctx, requestCollection, recordID(sessionID, studentID), fields); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return apperr.New(apperr.NotFound, "verification request not found")
		}
		return apperr.Wrap(apperr.Store, "mark delivery", err)
	}
	return nil
}

// SweepVerificationRequests expires pending requests past their deadline
// and republishes ones the worker never delivered. The worker runs it on a
// timer.
func (s *Service) SweepVerificationRequests(ctx context.Context) (expired, redelivered int, err error) {
	docs, err := s.store.Query(ctx, requestCollection, docstore.Where("status", string(RequestPending)))
	if err != nil {
		return 0, 0, apperr.Wrap(apperr.Store, "scan verification requests", err)
	}
	now := s.clock.Now()
	for _, doc := range docs {
		vr := requestFromDoc(doc)
		if now.After(vr.ExpiresAt) {
			fields := docstore.Fields{"status": string(RequestExpired)}
			if err := s.store.Update(ctx, requestCollection, doc.ID, fields); err != nil && !errors.Is(err, docstore.ErrNotFound) {
				return expired, redelivered, apperr.Wrap(apperr.Store, "expire verification request", err)
			}
			expired++
			continue
		}
		if vr.DeliveredAt == nil && now.Sub(vr.RequestedAt) >= redeliverAfter {
			msg, err := queue.NewVerifyRequest(queue.VerifyRequestBody{
				SessionID: vr.SessionID,
				StudentID: vr.StudentID,
				TeacherID: vr.RequestedBy,
			})
			if err != nil {
				continue
			}
			if s.queue.Publish(ctx, msg) == nil {
				redelivered++
			}
		}
	}
	return expired, redelivered, nil
}
