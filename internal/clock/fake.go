package clock

import "time"

// FakeClock is a Clock with a controllable current time for tests.
type FakeClock struct {
	now time.Time
}

// NewFakeClock returns a FakeClock pinned at t.
func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{now: t}
}

func (f *FakeClock) Now() time.Time { return f.now }

// Advance moves the clock forward by d.
func (f *FakeClock) Advance(d time.Duration) {
	f.now = f.now.Add(d)
}

// Set pins the clock at t.
func (f *FakeClock) Set(t time.Time) {
	f.now = t
}
