package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/juno-intents/lock-tokens/internal/leases"
)

var ErrInvalidConfig = errors.New("sessions: invalid config")

// Session is per-client string storage, such as a cookie-backed session.
type Session interface {
	Get(key string) (string, bool)
	Set(key, value string)
	Delete(key string)
}

// SessionKey is the session entry that remembers the token for key.
func SessionKey(key leases.Key) string {
	return key.Type + "_" + key.ID
}

// Binder ties leases to a client session so a client can keep re-locking the same resource without
// tracking tokens itself.
type Binder struct {
	engine *leases.Engine
	log    *slog.Logger
}

func NewBinder(engine *leases.Engine, log *slog.Logger) (*Binder, error) {
	if engine == nil {
		return nil, fmt.Errorf("%w: nil engine", ErrInvalidConfig)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Binder{engine: engine, log: log}, nil
}

// Lock acquires obj with the token remembered in s, if any, and remembers the resulting token.
func (b *Binder) Lock(ctx context.Context, s Session, obj leases.Lockable) (leases.Lease, error) {
	if s == nil || obj == nil {
		return leases.Lease{}, fmt.Errorf("%w: nil session or resource", leases.ErrInvalidInput)
	}
	sk := SessionKey(obj.LockKey())
	token, _ := s.Get(sk)

	l, err := b.engine.Acquire(ctx, obj, token)
	if err != nil {
		return leases.Lease{}, err
	}
	s.Set(sk, l.Token)
	return l, nil
}

// LockFresh forgets any remembered token before locking, so an existing lease held by this session
// is not silently reused.
func (b *Binder) LockFresh(ctx context.Context, s Session, obj leases.Lockable) (leases.Lease, error) {
	if s != nil && obj != nil {
		s.Delete(SessionKey(obj.LockKey()))
	}
	return b.Lock(ctx, s, obj)
}

// Unlock releases obj with the remembered token and forgets it.
func (b *Binder) Unlock(ctx context.Context, s Session, obj leases.Lockable) error {
	if s == nil || obj == nil {
		return fmt.Errorf("%w: nil session or resource", leases.ErrInvalidInput)
	}
	sk := SessionKey(obj.LockKey())
	token, ok := s.Get(sk)
	if err := b.engine.Release(ctx, obj, token); err != nil {
		return err
	}
	if ok {
		s.Delete(sk)
	}
	return nil
}

// Check reports whether the remembered token may act on obj.
func (b *Binder) Check(ctx context.Context, s Session, obj leases.Lockable) (bool, error) {
	if s == nil || obj == nil {
		return false, fmt.Errorf("%w: nil session or resource", leases.ErrInvalidInput)
	}
	token, _ := s.Get(SessionKey(obj.LockKey()))
	st, err := b.engine.CheckToken(ctx, obj, token)
	if err != nil {
		return false, err
	}
	return st.Allowed(), nil
}

// MapSession is an in-memory Session.
type MapSession struct {
	mu     sync.Mutex
	values map[string]string
}

func NewMapSession() *MapSession {
	return &MapSession{values: make(map[string]string)}
}

func (m *MapSession) Get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok
}

func (m *MapSession) Set(key, value string) {
	m.mu.Lock()
	m.values[key] = value
	m.mu.Unlock()
}

func (m *MapSession) Delete(key string) {
	m.mu.Lock()
	delete(m.values, key)
	m.mu.Unlock()
}
