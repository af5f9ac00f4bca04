package leases

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var ErrInvalidConfig = errors.New("leases: invalid config")

type Config struct {
	// TTL is how long a lease stays valid after creation or renewal. Defaults to DefaultTTL.
	TTL time.Duration
	// DateFormat is the time layout used by Lease.View. Defaults to DefaultDateFormat.
	DateFormat string

	Clock    Clock
	Logger   *slog.Logger
	Observer Observer
	TokenFn  func() (string, error)
}

// Engine implements acquire/renew/release/query over a Store.
//
// The engine holds no in-process lock. Concurrent creators are arbitrated by the store's uniqueness
// constraint on the resource key, so several engines in several processes may share one store.
type Engine struct {
	store Store
	cfg   Config
	log   *slog.Logger
}

func NewEngine(store Store, cfg Config) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if cfg.TTL < 0 {
		return nil, fmt.Errorf("%w: ttl must be > 0", ErrInvalidConfig)
	}
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.DateFormat == "" {
		cfg.DateFormat = DefaultDateFormat
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock
	}
	if cfg.TokenFn == nil {
		cfg.TokenFn = NewToken
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		store: store,
		cfg:   cfg,
		log:   log,
	}, nil
}

func (e *Engine) TTL() time.Duration { return e.cfg.TTL }

func (e *Engine) DateFormat() string { return e.cfg.DateFormat }

// Now reads the engine clock.
func (e *Engine) Now(ctx context.Context) (time.Time, error) {
	now, err := e.cfg.Clock.Now(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("leases: read clock: %w", err)
	}
	return now, nil
}

// Acquire checks out obj.
//
// A non-empty token that matches a valid lease renews it in place. Anything else attempts to create a
// new lease, reclaiming an expired row for the same key first; ErrAlreadyLocked is returned when another
// token holds a valid lease or wins a concurrent creation.
func (e *Engine) Acquire(ctx context.Context, obj Lockable, token string) (Lease, error) {
	key, err := keyOf(obj)
	if err != nil {
		return Lease{}, err
	}
	now, err := e.Now(ctx)
	if err != nil {
		return Lease{}, err
	}

	if token != "" {
		l, err := e.store.Renew(ctx, key, token, now, now.Add(-e.cfg.TTL))
		if err == nil {
			e.notify(ctx, Event{Kind: EventRenewed, Key: key, TokenFingerprint: Fingerprint(token), At: now})
			return l, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Lease{}, err
		}
		e.log.Debug("presented token does not match a valid lease, creating", "resource", key.String())
	}

	return e.create(ctx, key, now)
}

func (e *Engine) create(ctx context.Context, key Key, now time.Time) (Lease, error) {
	token, err := e.cfg.TokenFn()
	if err != nil {
		return Lease{}, err
	}
	l, err := e.store.Create(ctx, Lease{Key: key, Token: token, AcquiredAt: now}, now.Add(-e.cfg.TTL))
	if err != nil {
		return Lease{}, err
	}
	e.notify(ctx, Event{Kind: EventAcquired, Key: key, TokenFingerprint: Fingerprint(token), At: now})
	return l, nil
}

// Renew extends the valid lease identified by token and never creates a new one.
//
// It returns ErrLockStolen when another token holds the key and ErrNotFound when there is no lease or
// only an expired one.
func (e *Engine) Renew(ctx context.Context, obj Lockable, token string) (Lease, error) {
	key, err := keyOf(obj)
	if err != nil {
		return Lease{}, err
	}
	if token == "" {
		return Lease{}, fmt.Errorf("%w: empty token", ErrInvalidInput)
	}
	now, err := e.Now(ctx)
	if err != nil {
		return Lease{}, err
	}

	l, err := e.store.Renew(ctx, key, token, now, now.Add(-e.cfg.TTL))
	if err == nil {
		e.notify(ctx, Event{Kind: EventRenewed, Key: key, TokenFingerprint: Fingerprint(token), At: now})
		return l, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Lease{}, err
	}

	cur, gerr := e.store.Get(ctx, key)
	if errors.Is(gerr, ErrNotFound) {
		return Lease{}, ErrNotFound
	}
	if gerr != nil {
		return Lease{}, gerr
	}
	if cur.Token != token {
		return Lease{}, ErrLockStolen
	}
	return Lease{}, fmt.Errorf("%w: lease expired", ErrNotFound)
}

// Query returns the current lease row for obj, expired or not.
func (e *Engine) Query(ctx context.Context, obj Lockable) (Lease, error) {
	key, err := keyOf(obj)
	if err != nil {
		return Lease{}, err
	}
	return e.store.Get(ctx, key)
}

// IsLocked reports whether a valid lease exists for obj.
func (e *Engine) IsLocked(ctx context.Context, obj Lockable) (bool, error) {
	key, err := keyOf(obj)
	if err != nil {
		return false, err
	}
	l, err := e.store.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	now, err := e.Now(ctx)
	if err != nil {
		return false, err
	}
	return !l.Expired(now, e.cfg.TTL), nil
}

// CheckToken reports whether token may act on obj's lease.
//
// An absent lease and an expired lease carrying token are both allowed; they are logged as warnings.
func (e *Engine) CheckToken(ctx context.Context, obj Lockable, token string) (TokenStatus, error) {
	key, err := keyOf(obj)
	if err != nil {
		return TokenMismatch, err
	}
	st, _, err := e.checkToken(ctx, key, token)
	return st, err
}

func (e *Engine) checkToken(ctx context.Context, key Key, token string) (TokenStatus, Lease, error) {
	l, err := e.store.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		e.log.Warn("resource is not locked", "resource", key.String())
		return TokenNoLock, Lease{}, nil
	}
	if err != nil {
		return TokenMismatch, Lease{}, err
	}
	if l.Token != token {
		return TokenMismatch, l, nil
	}
	now, err := e.Now(ctx)
	if err != nil {
		return TokenMismatch, Lease{}, err
	}
	if l.Expired(now, e.cfg.TTL) {
		e.log.Warn("lock has expired", "resource", key.String(), "acquiredAt", l.AcquiredAt)
		return TokenExpired, l, nil
	}
	return TokenValid, l, nil
}

// Release deletes obj's lease if token is allowed by CheckToken. Releasing an absent lease succeeds.
func (e *Engine) Release(ctx context.Context, obj Lockable, token string) error {
	key, err := keyOf(obj)
	if err != nil {
		return err
	}
	st, _, err := e.checkToken(ctx, key, token)
	if err != nil {
		return err
	}
	if !st.Allowed() {
		return ErrUnlockForbidden
	}
	if st == TokenNoLock {
		return nil
	}

	deleted, err := e.store.Delete(ctx, key, token)
	if err != nil {
		return err
	}
	if deleted {
		e.notify(ctx, Event{Kind: EventReleased, Key: key, TokenFingerprint: Fingerprint(token), At: e.eventTime(ctx)})
		return nil
	}

	// The row changed between the check and the delete.
	cur, err := e.store.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if cur.Token != token {
		return ErrUnlockForbidden
	}
	return nil
}

// PurgeExpired deletes every lease acquired strictly before before.
func (e *Engine) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	n, err := e.store.DeleteBefore(ctx, before)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.notify(ctx, Event{Kind: EventPurged, At: e.eventTime(ctx), Count: n})
	}
	return n, nil
}

// PurgeStale deletes every lease that is expired at the engine's current time.
func (e *Engine) PurgeStale(ctx context.Context) (int64, error) {
	now, err := e.Now(ctx)
	if err != nil {
		return 0, err
	}
	return e.PurgeExpired(ctx, now.Add(-e.cfg.TTL))
}

// List returns every lease row, including expired ones.
func (e *Engine) List(ctx context.Context) ([]Lease, error) {
	return e.store.List(ctx)
}

func (e *Engine) notify(ctx context.Context, ev Event) {
	if e.cfg.Observer == nil {
		return
	}
	e.cfg.Observer.LeaseEvent(ctx, ev)
}

func (e *Engine) eventTime(ctx context.Context) time.Time {
	if e.cfg.Observer == nil {
		return time.Time{}
	}
	now, err := e.Now(ctx)
	if err != nil {
		return time.Now().UTC()
	}
	return now
}
