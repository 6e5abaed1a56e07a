package session

import (
	"context"
	"errors"
	"math"
	"sort"

	"github.com/google/uuid"

	"classtrack/internal/apperr"
	"classtrack/internal/clock"
	"classtrack/internal/docstore"
	"classtrack/internal/geo"
	"classtrack/internal/roster"
)

const (
	sessionCollection = "sessions"
	activeCollection  = "class_active"
)

// ClassLookup resolves class ownership. Satisfied by roster.Directory.
type ClassLookup interface {
	GetClass(ctx context.Context, classID string) (roster.Class, error)
}

// Manager orchestrates session lifecycle writes. The single-active rule is
// enforced two ways: a read-before-write check for a clear error message,
// and a conditional create of a per-class marker document committed in the
// same batch as the session write, which closes the check-then-act window
// on every backend that honors create-if-absent.
type Manager struct {
	store   docstore.Store
	classes ClassLookup
	clock   clock.Clock
}

// NewManager creates a manager over the given store and class directory.
func NewManager(store docstore.Store, classes ClassLookup, clk clock.Clock) *Manager {
	return &Manager{store: store, classes: classes, clock: clk}
}

// CreateInput carries everything needed to create a session.
type CreateInput struct {
	ClassID      string
	TeacherID    string
	Location     geo.Point
	RadiusMeters float64
	Scheduled    bool // create without activating
}

// Create makes a new session for a class the teacher owns. By default the
// session starts active immediately; Scheduled defers activation to Start.
func (m *Manager) Create(ctx context.Context, in CreateInput) (Session, error) {
	if in.ClassID == "" || in.TeacherID == "" {
		return Session{}, apperr.New(apperr.Validation, "class id and teacher id required")
	}
	if err := validateGeofence(in.Location, in.RadiusMeters); err != nil {
		return Session{}, err
	}
	class, err := m.classes.GetClass(ctx, in.ClassID)
	if err != nil {
		return Session{}, err
	}
	if class.TeacherID != in.TeacherID {
		return Session{}, apperr.New(apperr.Unauthorized, "only the class teacher can create sessions")
	}

	now := m.clock.Now()
	s := Session{
		ID:           uuid.NewString(),
		ClassID:      in.ClassID,
		TeacherID:    in.TeacherID,
		Location:     in.Location,
		RadiusMeters: in.RadiusMeters,
		CreatedAt:    now,
	}

	if in.Scheduled {
		s.Status = StatusScheduled
		if err := m.store.Create(ctx, sessionCollection, s.ID, s.fields()); err != nil {
			return Session{}, apperr.Wrap(apperr.Store, "create session", err)
		}
		return s, nil
	}

	s.Status = StatusActive
	s.StartTime = &now
	if err := m.claimActive(ctx, s, docstore.WriteCreate); err != nil {
		return Session{}, err
	}
	return s, nil
}

// Start activates a scheduled session. Starting an already-active session
// is a no-op; ended and cancelled sessions stay down.
func (m *Manager) Start(ctx context.Context, sessionID, requesterID string) (Session, error) {
	s, err := m.authorized(ctx, sessionID, requesterID)
	if err != nil {
		return Session{}, err
	}
	switch s.Status {
	case StatusActive:
		return s, nil
	case StatusEnded:
		return Session{}, apperr.New(apperr.InvalidState, "cannot restart an ended session")
	case StatusCancelled:
		return Session{}, apperr.New(apperr.InvalidState, "cannot restart a cancelled session")
	}

	now := m.clock.Now()
	s.Status = StatusActive
	s.StartTime = &now
	s.EndTime = nil
	if err := m.claimActive(ctx, s, docstore.WriteUpdate); err != nil {
		return Session{}, err
	}
	return s, nil
}

// End closes an active session and releases the class's active slot.
// Ending twice is a no-op that keeps the first end time.
func (m *Manager) End(ctx context.Context, sessionID, requesterID string) (Session, error) {
	s, err := m.authorized(ctx, sessionID, requesterID)
	if err != nil {
		return Session{}, err
	}
	switch s.Status {
	case StatusEnded:
		return s, nil
	case StatusCancelled:
		return Session{}, apperr.New(apperr.InvalidState, "cannot end a cancelled session")
	case StatusScheduled:
		return Session{}, apperr.New(apperr.InvalidState, "session has not started")
	}

	now := m.clock.Now()
	writes := []docstore.Write{
		{
			Kind:       docstore.WriteUpdate,
			Collection: sessionCollection,
			ID:         s.ID,
			Fields: docstore.Fields{
				"status":   string(StatusEnded),
				"end_time": docstore.EncodeTime(now),
			},
		},
		{Kind: docstore.WriteDelete, Collection: activeCollection, ID: s.ClassID},
	}
	if err := m.store.BatchCommit(ctx, writes); err != nil {
		return Session{}, apperr.Wrap(apperr.Store, "end session", err)
	}
	s.Status = StatusEnded
	s.EndTime = &now
	return s, nil
}

// Cancel abandons a session. A scheduled session is simply marked; an
// active one also records when it stopped and releases the active slot.
func (m *Manager) Cancel(ctx context.Context, sessionID, requesterID string) (Session, error) {
	s, err := m.authorized(ctx, sessionID, requesterID)
	if err != nil {
		return Session{}, err
	}
	switch s.Status {
	case StatusCancelled:
		return s, nil
	case StatusEnded:
		return Session{}, apperr.New(apperr.InvalidState, "cannot cancel an ended session")
	}

	fields := docstore.Fields{"status": string(StatusCancelled)}
	writes := []docstore.Write{
		{Kind: docstore.WriteUpdate, Collection: sessionCollection, ID: s.ID, Fields: fields},
	}
	wasActive := s.Status == StatusActive
	now := m.clock.Now()
	if wasActive {
		fields["end_time"] = docstore.EncodeTime(now)
		writes = append(writes, docstore.Write{
			Kind: docstore.WriteDelete, Collection: activeCollection, ID: s.ClassID,
		})
	}
	if err := m.store.BatchCommit(ctx, writes); err != nil {
		return Session{}, apperr.Wrap(apperr.Store, "cancel session", err)
	}
	s.Status = StatusCancelled
	if wasActive {
		s.EndTime = &now
	}
	return s, nil
}

// UpdateLocation moves the geofence of a running session.
func (m *Manager) UpdateLocation(ctx context.Context, sessionID, requesterID string, location geo.Point, radiusMeters float64) (Session, error) {
	if err := validateGeofence(location, radiusMeters); err != nil {
		return Session{}, err
	}
	s, err := m.authorized(ctx, sessionID, requesterID)
	if err != nil {
		return Session{}, err
	}
	if !s.Active() {
		return Session{}, apperr.New(apperr.InvalidState, "geofence can only change while the session is active")
	}
	fields := docstore.Fields{
		"location": location.Fields(),
		"radius_m": radiusMeters,
	}
	if err := m.store.Update(ctx, sessionCollection, s.ID, fields); err != nil {
		return Session{}, apperr.Wrap(apperr.Store, "update session geofence", err)
	}
	s.Location = location
	s.RadiusMeters = radiusMeters
	return s, nil
}

// Get loads a session by id.
func (m *Manager) Get(ctx context.Context, sessionID string) (Session, error) {
	doc, err := m.store.Get(ctx, sessionCollection, sessionID)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return Session{}, apperr.New(apperr.NotFound, "session not found")
		}
		return Session{}, apperr.Wrap(apperr.Store, "load session", err)
	}
	return fromDoc(doc), nil
}

// ListByClass returns a class's sessions, newest first.
func (m *Manager) ListByClass(ctx context.Context, classID string) ([]Session, error) {
	docs, err := m.store.Query(ctx, sessionCollection, docstore.Where("class_id", classID))
	if err != nil {
		return nil, apperr.Wrap(apperr.Store, "list sessions", err)
	}
	out := make([]Session, 0, len(docs))
	for _, doc := range docs {
		out = append(out, fromDoc(doc))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// ReconcileStaleActive repairs drift left by older writers: sessions marked
// active that already carry an end time are corrected to ended, and an
// active-slot marker pointing at a session that is not truly running is
// cleared. Returns how many session documents were corrected.
func (m *Manager) ReconcileStaleActive(ctx context.Context, classID string) (int, error) {
	docs, err := m.store.Query(ctx, sessionCollection,
		docstore.Where("class_id", classID),
		docstore.Where("status", string(StatusActive)),
	)
	if err != nil {
		return 0, apperr.Wrap(apperr.Store, "scan active sessions", err)
	}
	repaired := 0
	for _, doc := range docs {
		s := fromDoc(doc)
		if s.EndTime == nil {
			continue
		}
		fields := docstore.Fields{"status": string(StatusEnded)}
		if err := m.store.Update(ctx, sessionCollection, s.ID, fields); err != nil && !errors.Is(err, docstore.ErrNotFound) {
			return repaired, apperr.Wrap(apperr.Store, "repair stale session", err)
		}
		repaired++
	}

	marker, err := m.store.Get(ctx, activeCollection, classID)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return repaired, nil
		}
		return repaired, apperr.Wrap(apperr.Store, "load active marker", err)
	}
	held, err := m.Get(ctx, marker.Fields.String("session_id"))
	if err != nil && !apperr.IsKind(err, apperr.NotFound) {
		return repaired, err
	}
	if err != nil || !held.Active() {
		if err := m.store.Delete(ctx, activeCollection, classID); err != nil {
			return repaired, apperr.Wrap(apperr.Store, "clear stale marker", err)
		}
	}
	return repaired, nil
}

// ReconcileAllActive runs ReconcileStaleActive for every class currently
// holding an active-slot marker. Returns the total number of repaired
// session documents.
func (m *Manager) ReconcileAllActive(ctx context.Context) (int, error) {
	docs, err := m.store.Query(ctx, activeCollection)
	if err != nil {
		return 0, apperr.Wrap(apperr.Store, "scan active markers", err)
	}
	total := 0
	for _, doc := range docs {
		n, err := m.ReconcileStaleActive(ctx, doc.ID)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// claimActive writes the session and claims the class's active slot in one
// batch. kind selects between creating a fresh session document and
// updating a scheduled one.
func (m *Manager) claimActive(ctx context.Context, s Session, kind docstore.WriteKind) error {
	if _, err := m.ReconcileStaleActive(ctx, s.ClassID); err != nil {
		return err
	}
	running, err := m.activeSessions(ctx, s.ClassID)
	if err != nil {
		return err
	}
	for _, other := range running {
		if other.ID != s.ID {
			return apperr.New(apperr.Conflict, "already an active session for this class")
		}
	}

	fields := s.fields()
	if kind == docstore.WriteUpdate {
		// A scheduled session may carry a stray end time; activation must
		// clear it so status and end_time agree.
		fields["end_time"] = docstore.Delete
	}
	writes := []docstore.Write{
		{Kind: kind, Collection: sessionCollection, ID: s.ID, Fields: fields},
		{
			Kind:       docstore.WriteCreate,
			Collection: activeCollection,
			ID:         s.ClassID,
			Fields: docstore.Fields{
				"session_id": s.ID,
				"teacher_id": s.TeacherID,
				"started_at": docstore.EncodeTime(*s.StartTime),
			},
		},
	}
	if err := m.store.BatchCommit(ctx, writes); err != nil {
		if errors.Is(err, docstore.ErrExists) {
			return apperr.New(apperr.Conflict, "already an active session for this class")
		}
		return apperr.Wrap(apperr.Store, "activate session", err)
	}
	return nil
}

func (m *Manager) authorized(ctx context.Context, sessionID, requesterID string) (Session, error) {
	s, err := m.Get(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if s.TeacherID != requesterID {
		return Session{}, apperr.New(apperr.Unauthorized, "only the session teacher can do this")
	}
	return s, nil
}

func (m *Manager) activeSessions(ctx context.Context, classID string) ([]Session, error) {
	docs, err := m.store.Query(ctx, sessionCollection,
		docstore.Where("class_id", classID),
		docstore.Where("status", string(StatusActive)),
	)
	if err != nil {
		return nil, apperr.Wrap(apperr.Store, "scan active sessions", err)
	}
	var out []Session
	for _, doc := range docs {
		if s := fromDoc(doc); s.Active() {
			out = append(out, s)
		}
	}
	return out, nil
}

func validateGeofence(p geo.Point, radiusMeters float64) error {
	if err := p.Validate(); err != nil {
		return apperr.New(apperr.Validation, err.Error())
	}
	if math.IsNaN(radiusMeters) || radiusMeters <= 0 {
		return apperr.New(apperr.Validation, "radius must be a positive number of meters")
	}
	return nil
}
