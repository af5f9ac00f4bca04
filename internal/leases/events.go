package leases

import (
	"context"
	"time"
)

type EventKind string

const (
	EventAcquired EventKind = "acquired"
	EventRenewed  EventKind = "renewed"
	EventReleased EventKind = "released"
	EventPurged   EventKind = "purged"
)

// Event describes one lease lifecycle change. Tokens are never carried, only their Fingerprint.
type Event struct {
	Kind             EventKind
	Key              Key
	TokenFingerprint string
	At               time.Time
	// Count is the number of rows removed by a purge.
	Count int64
}

// Observer is notified after a lifecycle change has been committed to the store.
// Implementations must not block for long; they run on the caller's goroutine.
type Observer interface {
	LeaseEvent(ctx context.Context, ev Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, ev Event)

func (f ObserverFunc) LeaseEvent(ctx context.Context, ev Event) { f(ctx, ev) }
