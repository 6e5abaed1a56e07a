// Package roster owns classes and enrollments: who teaches a class and
// which students belong to it. Attendance code consumes it through small
// lookup interfaces, so it stays a plain directory with no session logic.
package roster

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"classtrack/internal/apperr"
	"classtrack/internal/clock"
	"classtrack/internal/docstore"
)

const (
	classCollection      = "classes"
	enrollmentCollection = "enrollments"
	byStudentCollection  = "student_enrollments"
)

// Class is a taught class owned by one teacher.
type Class struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	TeacherID string    `json:"teacher_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Enrollment is the student-belongs-to-class relation.
type Enrollment struct {
	ClassID     string    `json:"class_id"`
	StudentID   string    `json:"student_id"`
	StudentName string    `json:"student_name,omitempty"`
	EnrolledAt  time.Time `json:"enrolled_at"`
}

// Directory persists classes and enrollments in the document store.
// Enrollments are written twice, once keyed by class and once by student,
// so both directions query without scanning; the pair is committed
// atomically.
type Directory struct {
	store docstore.Store
	clock clock.Clock
}

// NewDirectory creates a directory over the given store.
func NewDirectory(store docstore.Store, clk clock.Clock) *Directory {
	return &Directory{store: store, clock: clk}
}

// CreateClass registers a class for a teacher.
func (d *Directory) CreateClass(ctx context.Context, teacherID, name string) (Class, error) {
	if teacherID == "" {
		return Class{}, apperr.New(apperr.Validation, "teacher id required")
	}
	if name == "" {
		return Class{}, apperr.New(apperr.Validation, "class name required")
	}
	c := Class{
		ID:        uuid.NewString(),
		Name:      name,
		TeacherID: teacherID,
		CreatedAt: d.clock.Now(),
	}
	fields := docstore.Fields{
		"name":       c.Name,
		"teacher_id": c.TeacherID,
		"created_at": docstore.EncodeTime(c.CreatedAt),
	}
	if err := d.store.Create(ctx, classCollection, c.ID, fields); err != nil {
		return Class{}, apperr.Wrap(apperr.Store, "create class", err)
	}
	return c, nil
}

// GetClass loads a class by id.
func (d *Directory) GetClass(ctx context.Context, classID string) (Class, error) {
	doc, err := d.store.Get(ctx, classCollection, classID)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return Class{}, apperr.New(apperr.NotFound, "class not found")
		}
		return Class{}, apperr.Wrap(apperr.Store, "load class", err)
	}
	return classFromDoc(doc), nil
}

// Enroll adds a student to a class. Both enrollment pointers are created
// in one batch so a failure leaves neither behind.
func (d *Directory) Enroll(ctx context.Context, classID, studentID, studentName string) (Enrollment, error) {
	if studentID == "" {
		return Enrollment{}, apperr.New(apperr.Validation, "student id required")
	}
	if _, err := d.GetClass(ctx, classID); err != nil {
		return Enrollment{}, err
	}

	e := Enrollment{
		ClassID:     classID,
		StudentID:   studentID,
		StudentName: studentName,
		EnrolledAt:  d.clock.Now(),
	}
	enrolledAt := docstore.EncodeTime(e.EnrolledAt)
	writes := []docstore.Write{
		{
			Kind:       docstore.WriteCreate,
			Collection: enrollmentCollection,
			ID:         joinID(classID, studentID),
			Fields: docstore.Fields{
				"class_id":     classID,
				"student_id":   studentID,
				"student_name": studentName,
				"enrolled_at":  enrolledAt,
			},
		},
		{
			Kind:       docstore.WriteCreate,
			Collection: byStudentCollection,
			ID:         joinID(studentID, classID),
			Fields: docstore.Fields{
				"class_id":    classID,
				"student_id":  studentID,
				"enrolled_at": enrolledAt,
			},
		},
	}
	if err := d.store.BatchCommit(ctx, writes); err != nil {
		if errors.Is(err, docstore.ErrExists) {
			return Enrollment{}, apperr.New(apperr.Conflict, "student already enrolled in this class")
		}
		return Enrollment{}, apperr.Wrap(apperr.Store, "enroll student", err)
	}
	return e, nil
}

// Unenroll removes a student from a class. Both pointers go in one batch;
// removing a student who is not enrolled is a no-op.
func (d *Directory) Unenroll(ctx context.Context, classID, studentID string) error {
	writes := []docstore.Write{
		{Kind: docstore.WriteDelete, Collection: enrollmentCollection, ID: joinID(classID, studentID)},
		{Kind: docstore.WriteDelete, Collection: byStudentCollection, ID: joinID(studentID, classID)},
	}
	if err := d.store.BatchCommit(ctx, writes); err != nil {
		return apperr.Wrap(apperr.Store, "unenroll student", err)
	}
	return nil
}

// IsEnrolled reports whether the student belongs to the class.
func (d *Directory) IsEnrolled(ctx context.Context, classID, studentID string) (bool, error) {
	_, err := d.store.Get(ctx, enrollmentCollection, joinID(classID, studentID))
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return false, nil
		}
		return false, apperr.Wrap(apperr.Store, "check enrollment", err)
	}
	return true, nil
}

// ListStudents returns the class roster ordered by student id.
func (d *Directory) ListStudents(ctx context.Context, classID string) ([]Enrollment, error) {
	docs, err := d.store.Query(ctx, enrollmentCollection, docstore.Where("class_id", classID))
	if err != nil {
		return nil, apperr.Wrap(apperr.Store, "list roster", err)
	}
	out := make([]Enrollment, 0, len(docs))
	for _, doc := range docs {
		out = append(out, enrollmentFromDoc(doc))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StudentID < out[j].StudentID })
	return out, nil
}

// ListClassesForStudent returns every class the student is enrolled in.
func (d *Directory) ListClassesForStudent(ctx context.Context, studentID string) ([]Class, error) {
	docs, err := d.store.Query(ctx, byStudentCollection, docstore.Where("student_id", studentID))
	if err != nil {
		return nil, apperr.Wrap(apperr.Store, "list enrollments", err)
	}
	out := make([]Class, 0, len(docs))
	for _, doc := range docs {
		c, err := d.GetClass(ctx, doc.Fields.String("class_id"))
		if err != nil {
			if apperr.IsKind(err, apperr.NotFound) {
				continue // class deleted out from under the pointer
			}
			return nil, err
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func joinID(a, b string) string { return a + ":" + b }

func classFromDoc(doc docstore.Doc) Class {
	c := Class{
		ID:        doc.ID,
		Name:      doc.Fields.String("name"),
		TeacherID: doc.Fields.String("teacher_id"),
	}
	if t, ok := doc.Fields.Time("created_at"); ok {
		c.CreatedAt = t
	}
	return c
}

func enrollmentFromDoc(doc docstore.Doc) Enrollment {
	e := Enrollment{
		ClassID:     doc.Fields.String("class_id"),
		StudentID:   doc.Fields.String("student_id"),
		StudentName: doc.Fields.String("student_name"),
	}
	if t, ok := doc.Fields.Time("enrolled_at"); ok {
		e.EnrolledAt = t
	}
	return e
}
