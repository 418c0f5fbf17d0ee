package backfill

import "time"

// Clock supplies the current time and schedules deferred work. Tests use a
// manual clock to drive expiry and quiet-hours deferral deterministically.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Task
}

// Task is a cancellable scheduled callback.
type Task interface {
	Stop() bool
}

type systemClock struct{}

// SystemClock returns a Clock backed by the runtime timer.
func SystemClock() Clock { return systemClock{} }

func (systemClock) Now() time.Time { return time.Now().UTC() }

func (systemClock) AfterFunc(d time.Duration, f func()) Task {
	return time.AfterFunc(d, f)
}
