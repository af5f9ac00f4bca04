package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/juno-intents/lock-tokens/internal/leases"
)

// SessionFunc extracts the caller's session from a request.
type SessionFunc func(r *http.Request) (Session, error)

// ResourceFunc names the resource a request operates on.
type ResourceFunc func(r *http.Request) (leases.Lockable, error)

type leaseCtxKey struct{}

// LeaseFromContext returns the lease a middleware acquired for the request.
func LeaseFromContext(ctx context.Context) (leases.Lease, bool) {
	l, ok := ctx.Value(leaseCtxKey{}).(leases.Lease)
	return l, ok
}

// LocksResource locks the request's resource for the session before calling next. The lease outlives
// the request; a locked resource is answered with 403.
func (b *Binder) LocksResource(sessionFn SessionFunc, resourceFn ResourceFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s, obj, ok := b.resolve(w, r, sessionFn, resourceFn)
			if !ok {
				return
			}
			l, err := b.Lock(r.Context(), s, obj)
			if err != nil {
				b.writeLockError(w, obj, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), leaseCtxKey{}, l)))
		})
	}
}

// HoldsLock locks the request's resource, keeps the lease renewed while next runs and releases it
// when next returns.
func (b *Binder) HoldsLock(sessionFn SessionFunc, resourceFn ResourceFunc, opts ...leases.RenewerOption) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s, obj, ok := b.resolve(w, r, sessionFn, resourceFn)
			if !ok {
				return
			}
			sk := SessionKey(obj.LockKey())
			token, _ := s.Get(sk)

			served := false
			err := b.engine.Hold(r.Context(), obj, token, func(ctx context.Context, l leases.Lease) error {
				s.Set(sk, l.Token)
				served = true
				next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, leaseCtxKey{}, l)))
				return nil
			}, opts...)
			if !served {
				b.writeLockError(w, obj, err)
				return
			}
			s.Delete(sk)
			if err != nil {
				b.log.Warn("release held lock", "resource", obj.LockKey().String(), "err", err)
			}
		})
	}
}

func (b *Binder) resolve(w http.ResponseWriter, r *http.Request, sessionFn SessionFunc, resourceFn ResourceFunc) (Session, leases.Lockable, bool) {
	s, err := sessionFn(r)
	if err != nil || s == nil {
		writeError(w, http.StatusUnauthorized, "no_session")
		return nil, nil, false
	}
	obj, err := resourceFn(r)
	if err != nil || obj == nil {
		writeError(w, http.StatusNotFound, "resource_not_found")
		return nil, nil, false
	}
	return s, obj, true
}

func (b *Binder) writeLockError(w http.ResponseWriter, obj leases.Lockable, err error) {
	switch {
	case errors.Is(err, leases.ErrAlreadyLocked):
		writeError(w, http.StatusForbidden, "locked")
	case errors.Is(err, leases.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_resource")
	default:
		b.log.Error("lock for session", "resource", obj.LockKey().String(), "err", err)
		writeError(w, http.StatusServiceUnavailable, "store_unavailable")
	}
}

func writeError(w http.ResponseWriter, code int, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"version": "v1",
		"error":   reason,
	})
}
