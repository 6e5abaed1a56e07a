package clock

import "time"

// Clock abstracts time.Now so services can run against a deterministic
// clock in tests. All times are UTC.
type Clock interface {
	Now() time.Time
}

// System reads the wall clock.
type System struct{}

func (System) Now() time.Time { return time.Now().UTC() }

// Fixed always reports the same instant until advanced. Not safe for
// concurrent use; it exists for tests.
type Fixed struct {
	T time.Time
}

// NewFixed creates a fixed clock at t.
func NewFixed(t time.Time) *Fixed { return &Fixed{T: t.UTC()} }

func (f *Fixed) Now() time.Time { return f.T }

// Advance moves the clock forward by d.
func (f *Fixed) Advance(d time.Duration) { f.T = f.T.Add(d) }
