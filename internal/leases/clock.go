package leases

import (
	"context"
	"time"
)

// Clock supplies "now" for every engine operation.
//
// All application servers sharing a store should use the same clock source; the postgres store
// implements Clock by reading the database time.
type Clock interface {
	Now(ctx context.Context) (time.Time, error)
}

// ClockFunc adapts a plain time function, typically a fake clock in tests.
type ClockFunc func() time.Time

func (f ClockFunc) Now(context.Context) (time.Time, error) { return f(), nil }

// SystemClock is the process wall clock.
var SystemClock Clock = ClockFunc(func() time.Time { return time.Now().UTC() })
