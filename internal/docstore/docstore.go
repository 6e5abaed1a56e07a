// Package docstore is a small document-store abstraction with three
// backends (memory, postgres, mongo) selected by configuration, the same
// way the queue package switches backends.
//
// Documents live in named collections and are JSON-compatible field maps.
// Single-document operations are atomic; BatchCommit applies a group of
// writes atomically. There are no cross-document transactions beyond that.
//
// Values must survive a JSON round trip: numbers come back as float64 and
// timestamps are stored as fixed-width UTC strings (EncodeTime) so that
// lexicographic comparison matches chronological order on every backend.
package docstore

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Get and Update for a missing document.
	ErrNotFound = errors.New("docstore: document not found")
	// ErrExists is returned by Create when the document already exists.
	ErrExists = errors.New("docstore: document already exists")
)

// Fields is the body of a document.
type Fields map[string]any

// Doc is a stored document.
type Doc struct {
	ID     string
	Fields Fields
}

// Delete is a sentinel field value: assigning it in Set(merge) or Update
// removes that field from the document.
var Delete any = deleteSentinel{}

type deleteSentinel struct{}

// Op is a comparison operator for queries.
type Op string

const (
	OpEqual   Op = "=="
	OpLess    Op = "<"
	OpGreater Op = ">"
)

// Filter restricts a query to documents whose field compares true against
// Value. String values compare lexicographically, numbers numerically.
type Filter struct {
	Field string
	Op    Op
	Value any
}

// Where is shorthand for an equality filter.
func Where(field string, value any) Filter {
	return Filter{Field: field, Op: OpEqual, Value: value}
}

// WriteKind selects the operation a batched Write performs.
type WriteKind int

const (
	// WriteSet creates or replaces a document; with Merge it upserts the
	// given fields into the existing body instead.
	WriteSet WriteKind = iota
	// WriteCreate fails the batch with ErrExists if the document exists.
	WriteCreate
	// WriteUpdate fails the batch with ErrNotFound if the document is absent.
	WriteUpdate
	// WriteDelete removes the document; deleting an absent document is a no-op.
	WriteDelete
)

// Write is one element of a BatchCommit.
type Write struct {
	Kind       WriteKind
	Collection string
	ID         string
	Fields     Fields
	Merge      bool
}

// Store is the persistence contract the services are built against.
type Store interface {
	// Get returns the document or ErrNotFound.
	Get(ctx context.Context, collection, id string) (Doc, error)
	// Set creates or replaces the document. With merge, the given fields
	// are upserted into the existing body (shallow, later keys win).
	Set(ctx context.Context, collection, id string, fields Fields, merge bool) error
	// Create writes a new document, failing with ErrExists if present.
	// This is the conditional-write primitive used for uniqueness markers.
	Create(ctx context.Context, collection, id string, fields Fields) error
	// Update merges fields into an existing document or fails with
	// ErrNotFound. Delete-sentinel values remove fields.
	Update(ctx context.Context, collection, id string, fields Fields) error
	// Delete removes the document. Deleting an absent document is a no-op.
	Delete(ctx context.Context, collection, id string) error
	// Query returns the documents matching every filter, in unspecified order.
	Query(ctx context.Context, collection string, filters ...Filter) ([]Doc, error)
	// BatchCommit applies all writes atomically or none of them.
	BatchCommit(ctx context.Context, writes []Write) error
}

// timeLayout is fixed-width (zero-padded nanoseconds, UTC "Z") so encoded
// strings sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// EncodeTime renders t for storage.
func EncodeTime(t time.Time) string { return t.UTC().Format(timeLayout) }

// DecodeTime parses a stored timestamp value.
func DecodeTime(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Tolerate plain RFC3339 written by other tooling.
		t, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, false
		}
	}
	return t.UTC(), true
}

// String returns the field as a string, or "" when absent or mistyped.
func (f Fields) String(key string) string {
	s, _ := f[key].(string)
	return s
}

// Float returns the field as a float64. Integers written by other tooling
// are accepted.
func (f Fields) Float(key string) (float64, bool) {
	switch v := f[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// Bool returns the field as a bool, false when absent.
func (f Fields) Bool(key string) bool {
	b, _ := f[key].(bool)
	return b
}

// Time returns the field decoded as a timestamp.
func (f Fields) Time(key string) (time.Time, bool) {
	return DecodeTime(f[key])
}

// Map returns the field as a nested object, nil when absent.
func (f Fields) Map(key string) map[string]any {
	switch v := f[key].(type) {
	case map[string]any:
		return v
	case Fields:
		return map[string]any(v)
	}
	return nil
}

// Has reports whether the field is present.
func (f Fields) Has(key string) bool {
	_, ok := f[key]
	return ok
}

// splitDeletes separates delete-sentinel assignments from real values so
// backends can translate them (map delete, jsonb "-", $unset).
func splitDeletes(fields Fields) (set Fields, remove []string) {
	set = make(Fields, len(fields))
	for k, v := range fields {
		if _, isDelete := v.(deleteSentinel); isDelete {
			remove = append(remove, k)
			continue
		}
		set[k] = v
	}
	return set, remove
}
