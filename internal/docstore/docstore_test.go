package docstore

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"
)

func TestMemorySetGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	fields := Fields{
		"name":   "Intro to Go",
		"radius": 75, // ints normalize to float64 like every backend
		"open":   true,
		"center": map[string]any{"lat": 12.9716, "lng": 77.5946},
	}
	if err := s.Set(ctx, "classes", "c1", fields, false); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	doc, err := s.Get(ctx, "classes", "c1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got := doc.Fields.String("name"); got != "Intro to Go" {
		t.Errorf("String(name) = %q, want %q", got, "Intro to Go")
	}
	if got, ok := doc.Fields.Float("radius"); !ok || got != 75 {
		t.Errorf("Float(radius) = %v, %v, want 75", got, ok)
	}
	if !doc.Fields.Bool("open") {
		t.Error("Bool(open) = false, want true")
	}
	center := doc.Fields.Map("center")
	if center == nil || center["lat"] != 12.9716 {
		t.Errorf("Map(center) = %v, want lat 12.9716", center)
	}

	// Mutating the returned fields must not leak into the store.
	doc.Fields["name"] = "changed"
	again, err := s.Get(ctx, "classes", "c1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got := again.Fields.String("name"); got != "Intro to Go" {
		t.Errorf("store aliased caller memory, name = %q", got)
	}
}

func TestMemoryGetMissing(t *testing.T) {
	s := NewMemory()
	if _, err := s.Get(context.Background(), "classes", "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestMemoryCreateConflict(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	if err := s.Create(ctx, "sessions", "s1", Fields{"status": "scheduled"}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := s.Create(ctx, "sessions", "s1", Fields{"status": "active"}); !errors.Is(err, ErrExists) {
		t.Errorf("second Create() error = %v, want ErrExists", err)
	}
	doc, err := s.Get(ctx, "sessions", "s1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got := doc.Fields.String("status"); got != "scheduled" {
		t.Errorf("status = %q, want untouched %q", got, "scheduled")
	}
}

func TestMemoryUpdate(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	if err := s.Update(ctx, "sessions", "missing", Fields{"status": "active"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Update() on missing doc error = %v, want ErrNotFound", err)
	}

	seed := Fields{"status": "active", "end_time": EncodeTime(time.Now()), "radius": 50}
	if err := s.Set(ctx, "sessions", "s1", seed, false); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := s.Update(ctx, "sessions", "s1", Fields{"status": "ended", "end_time": Delete}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	doc, err := s.Get(ctx, "sessions", "s1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got := doc.Fields.String("status"); got != "ended" {
		t.Errorf("status = %q, want %q", got, "ended")
	}
	if doc.Fields.Has("end_time") {
		t.Error("end_time survived a Delete write")
	}
	if got, ok := doc.Fields.Float("radius"); !ok || got != 50 {
		t.Errorf("radius = %v, %v, want other fields preserved", got, ok)
	}
}

func TestMemoryDeleteIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	if err := s.Set(ctx, "classes", "c1", Fields{"name": "x"}, false); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := s.Delete(ctx, "classes", "c1"); err != nil {
			t.Fatalf("Delete() #%d error = %v", i+1, err)
		}
	}
	if _, err := s.Get(ctx, "classes", "c1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrNotFound", err)
	}
}

func TestMemoryQuery(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	base := time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC)
	seed := []struct {
		id     string
		fields Fields
	}{
		{"s1", Fields{"class_id": "c1", "status": "ended", "start_time": EncodeTime(base)}},
		{"s2", Fields{"class_id": "c1", "status": "active", "start_time": EncodeTime(base.Add(time.Hour))}},
		{"s3", Fields{"class_id": "c2", "status": "active", "start_time": EncodeTime(base.Add(2 * time.Hour))}},
	}
	for _, d := range seed {
		if err := s.Set(ctx, "sessions", d.id, d.fields, false); err != nil {
			t.Fatalf("Set(%s) error = %v", d.id, err)
		}
	}

	tests := []struct {
		name    string
		filters []Filter
		want    []string
	}{
		{"by class", []Filter{Where("class_id", "c1")}, []string{"s1", "s2"}},
		{"by class and status", []Filter{Where("class_id", "c1"), Where("status", "active")}, []string{"s2"}},
		{"started after", []Filter{{Field: "start_time", Op: OpGreater, Value: EncodeTime(base)}}, []string{"s2", "s3"}},
		{"started before", []Filter{{Field: "start_time", Op: OpLess, Value: EncodeTime(base.Add(time.Minute))}}, []string{"s1"}},
		{"no match", []Filter{Where("class_id", "c9")}, nil},
		{"missing field", []Filter{Where("teacher_id", "t1")}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			docs, err := s.Query(ctx, "sessions", tt.filters...)
			if err != nil {
				t.Fatalf("Query() error = %v", err)
			}
			var got []string
			for _, d := range docs {
				got = append(got, d.ID)
			}
			sort.Strings(got)
			if len(got) != len(tt.want) {
				t.Fatalf("Query() ids = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("Query() ids = %v, want %v", got, tt.want)
					break
				}
			}
		})
	}
}

func TestMemoryBatchCommitAtomic(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	if err := s.Create(ctx, "class_active", "c1", Fields{"session_id": "other"}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	writes := []Write{
		{Kind: WriteSet, Collection: "sessions", ID: "s1", Fields: Fields{"status": "active"}},
		{Kind: WriteCreate, Collection: "class_active", ID: "c1", Fields: Fields{"session_id": "s1"}},
	}
	if err := s.BatchCommit(ctx, writes); !errors.Is(err, ErrExists) {
		t.Fatalf("BatchCommit() error = %v, want ErrExists", err)
	}

	// The failing create must not leave the first write behind.
	if _, err := s.Get(ctx, "sessions", "s1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(sessions/s1) error = %v, want ErrNotFound after aborted batch", err)
	}
	marker, err := s.Get(ctx, "class_active", "c1")
	if err != nil {
		t.Fatalf("Get(class_active/c1) error = %v", err)
	}
	if got := marker.Fields.String("session_id"); got != "other" {
		t.Errorf("marker session_id = %q, want untouched %q", got, "other")
	}
}

func TestMemoryBatchCommitApplies(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	if err := s.Set(ctx, "sessions", "s1", Fields{"status": "active", "class_id": "c1"}, false); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := s.Create(ctx, "class_active", "c1", Fields{"session_id": "s1"}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	end := EncodeTime(time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC))
	writes := []Write{
		{Kind: WriteUpdate, Collection: "sessions", ID: "s1", Fields: Fields{"status": "ended", "end_time": end}},
		{Kind: WriteDelete, Collection: "class_active", ID: "c1"},
	}
	if err := s.BatchCommit(ctx, writes); err != nil {
		t.Fatalf("BatchCommit() error = %v", err)
	}

	doc, err := s.Get(ctx, "sessions", "s1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got := doc.Fields.String("status"); got != "ended" {
		t.Errorf("status = %q, want %q", got, "ended")
	}
	if _, err := s.Get(ctx, "class_active", "c1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("marker still present after batch delete, err = %v", err)
	}
}

func TestEncodeTimeOrdering(t *testing.T) {
	base := time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC)
	times := []time.Time{
		base,
		base.Add(500 * time.Millisecond),
		base.Add(time.Second),
		base.Add(time.Hour),
		base.AddDate(0, 1, 0),
	}
	for i := 1; i < len(times); i++ {
		a, b := EncodeTime(times[i-1]), EncodeTime(times[i])
		if !(a < b) {
			t.Errorf("EncodeTime not monotonic: %q >= %q", a, b)
		}
	}

	enc := EncodeTime(base.Add(123 * time.Nanosecond))
	dec, ok := DecodeTime(enc)
	if !ok {
		t.Fatalf("DecodeTime(%q) not ok", enc)
	}
	if !dec.Equal(base.Add(123 * time.Nanosecond)) {
		t.Errorf("DecodeTime() = %v, want round trip", dec)
	}
}
