package leases

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidInput    = errors.New("leases: invalid input")
	ErrNotFound        = errors.New("leases: not found")
	ErrAlreadyLocked   = errors.New("leases: already locked")
	ErrUnlockForbidden = errors.New("leases: unlock forbidden")
	ErrLockStolen      = errors.New("leases: lock held by another token")

	// ErrTokenCollision means a freshly minted token is already held on another key. It points at a
	// broken token source, not at contention.
	ErrTokenCollision = errors.New("leases: token collision")
)

const (
	DefaultTTL        = time.Hour
	DefaultDateFormat = "2006-01-02 15:04:05 MST"
)

// Key identifies one lockable resource instance.
type Key struct {
	Type string
	ID   string
}

func (k Key) LockKey() Key { return k }

func (k Key) String() string { return k.Type + "/" + k.ID }

// Lockable is implemented by anything that can be checked out through the engine.
type Lockable interface {
	LockKey() Key
}

// Lease is one active checkout of a resource.
//
// The token is generated on creation and never changes; renewal only moves AcquiredAt.
type Lease struct {
	Key        Key
	Token      string
	AcquiredAt time.Time
}

func (l Lease) ExpiresAt(ttl time.Duration) time.Time {
	return l.AcquiredAt.Add(ttl)
}

// Expired reports whether now - AcquiredAt >= ttl.
func (l Lease) Expired(now time.Time, ttl time.Duration) bool {
	return !now.Before(l.ExpiresAt(ttl))
}

// View is the caller-facing rendering of a lease.
type View struct {
	Token   string `json:"token"`
	Expires string `json:"expires"`
}

func (l Lease) View(ttl time.Duration, dateFormat string) View {
	if dateFormat == "" {
		dateFormat = DefaultDateFormat
	}
	return View{
		Token:   l.Token,
		Expires: l.ExpiresAt(ttl).Format(dateFormat),
	}
}

// Store persists leases.
//
// Semantics:
//   - Create deletes the row for the key whose AcquiredAt <= expiredBefore and inserts l, atomically.
//     A uniqueness violation on the key is reported as ErrAlreadyLocked; a token already held on
//     another key is wrapped in ErrTokenCollision.
//   - Renew sets AcquiredAt = now only if the row carries token and AcquiredAt > validAfter.
//     It returns ErrNotFound when no row was updated.
//   - Delete removes the row only if it carries token and reports whether a row was removed.
//   - DeleteBefore removes every row with AcquiredAt < before.
type Store interface {
	Create(ctx context.Context, l Lease, expiredBefore time.Time) (Lease, error)
	Renew(ctx context.Context, key Key, token string, now, validAfter time.Time) (Lease, error)
	Get(ctx context.Context, key Key) (Lease, error)
	Delete(ctx context.Context, key Key, token string) (bool, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
	List(ctx context.Context) ([]Lease, error)
}

func validateKey(k Key) error {
	if strings.TrimSpace(k.Type) == "" || strings.TrimSpace(k.ID) == "" {
		return fmt.Errorf("%w: resource type and id must be non-empty", ErrInvalidInput)
	}
	return nil
}

func keyOf(obj Lockable) (Key, error) {
	if obj == nil {
		return Key{}, fmt.Errorf("%w: nil lockable", ErrInvalidInput)
	}
	k := obj.LockKey()
	if err := validateKey(k); err != nil {
		return Key{}, err
	}
	return k, nil
}
