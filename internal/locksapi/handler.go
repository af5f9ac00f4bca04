package locksapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/juno-intents/lock-tokens/internal/leases"
)

var ErrInvalidConfig = errors.New("locksapi: invalid config")

var segmentPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,128}$`)

// ResourceResolver reports whether the resource behind a key exists. Acquiring a lock on a missing
// resource is answered with 404.
type ResourceResolver interface {
	Exists(ctx context.Context, key leases.Key) (bool, error)
}

type ResourceResolverFunc func(ctx context.Context, key leases.Key) (bool, error)

func (f ResourceResolverFunc) Exists(ctx context.Context, key leases.Key) (bool, error) {
	return f(ctx, key)
}

type Config struct {
	Resolver ResourceResolver
	Logger   *slog.Logger

	RateLimitPerIPPerSecond float64
	RateLimitBurst          int
	RateLimitMaxTrackedIPs  int

	Now func() time.Time
}

func NewHandler(cfg Config, engine *leases.Engine) (http.Handler, error) {
	if engine == nil {
		return nil, fmt.Errorf("%w: nil engine", ErrInvalidConfig)
	}
	if cfg.RateLimitPerIPPerSecond <= 0 {
		cfg.RateLimitPerIPPerSecond = 20
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 40
	}
	if cfg.RateLimitMaxTrackedIPs <= 0 {
		cfg.RateLimitMaxTrackedIPs = 10_000
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	h := &handler{
		cfg:      cfg,
		engine:   engine,
		resolver: cfg.Resolver,
		log:      log,
		limiter: newIPRateLimiter(
			cfg.RateLimitPerIPPerSecond,
			float64(cfg.RateLimitBurst),
			cfg.RateLimitMaxTrackedIPs,
		),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("GET /v1/locks", h.handleList)
	mux.HandleFunc("POST /v1/locks/{type}/{id}", h.handleAcquire)
	mux.HandleFunc("GET /v1/locks/{type}/{id}/{token}", h.handleQuery)
	mux.HandleFunc("PATCH /v1/locks/{type}/{id}/{token}", h.handleRenew)
	mux.HandleFunc("DELETE /v1/locks/{type}/{id}/{token}", h.handleRelease)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			mux.ServeHTTP(w, r)
			return
		}

		allowed := h.limiter.Allow(clientIP(r), h.cfg.Now().UTC())
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(h.cfg.RateLimitBurst))
		if !allowed {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate_limited")
			return
		}

		mux.ServeHTTP(w, r)
	}), nil
}

type handler struct {
	cfg Config

	engine   *leases.Engine
	resolver ResourceResolver
	log      *slog.Logger
	limiter  *ipRateLimiter
}

func (h *handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type lockSummary struct {
	ResourceType string `json:"resourceType"`
	ResourceID   string `json:"resourceId"`
	AcquiredAt   string `json:"acquiredAt"`
	Expires      string `json:"expires"`
	Expired      bool   `json:"expired"`
}

func (h *handler) handleList(w http.ResponseWriter, r *http.Request) {
	all, err := h.engine.List(r.Context())
	if err != nil {
		h.storeUnavailable(w, "list", leases.Key{}, err)
		return
	}
	now, err := h.engine.Now(r.Context())
	if err != nil {
		h.storeUnavailable(w, "list", leases.Key{}, err)
		return
	}

	ttl := h.engine.TTL()
	out := make([]lockSummary, 0, len(all))
	for _, l := range all {
		out = append(out, lockSummary{
			ResourceType: l.Key.Type,
			ResourceID:   l.Key.ID,
			AcquiredAt:   l.AcquiredAt.UTC().Format(time.RFC3339),
			Expires:      l.View(ttl, h.engine.DateFormat()).Expires,
			Expired:      l.Expired(now, ttl),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": "v1",
		"locks":   out,
	})
}

func (h *handler) handleAcquire(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(w, r)
	if !ok {
		return
	}

	if h.resolver != nil {
		exists, err := h.resolver.Exists(r.Context(), key)
		if err != nil {
			h.storeUnavailable(w, "resolve", key, err)
			return
		}
		if !exists {
			writeError(w, http.StatusNotFound, "resource_not_found")
			return
		}
	}

	l, err := h.engine.Acquire(r.Context(), key, "")
	switch {
	case err == nil:
	case errors.Is(err, leases.ErrAlreadyLocked):
		writeError(w, http.StatusConflict, "already_locked")
		return
	case errors.Is(err, leases.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_resource")
		return
	default:
		h.storeUnavailable(w, "acquire", key, err)
		return
	}
	h.writeView(w, http.StatusCreated, l)
}

func (h *handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	key, token, ok := pathKeyToken(w, r)
	if !ok {
		return
	}

	l, err := h.engine.Query(r.Context(), key)
	if errors.Is(err, leases.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_locked")
		return
	}
	if err != nil {
		h.storeUnavailable(w, "query", key, err)
		return
	}
	if l.Token != token {
		writeError(w, http.StatusForbidden, "token_mismatch")
		return
	}
	now, err := h.engine.Now(r.Context())
	if err != nil {
		h.storeUnavailable(w, "query", key, err)
		return
	}
	if l.Expired(now, h.engine.TTL()) {
		writeError(w, http.StatusNotFound, "not_locked")
		return
	}
	h.writeView(w, http.StatusOK, l)
}

func (h *handler) handleRenew(w http.ResponseWriter, r *http.Request) {
	key, token, ok := pathKeyToken(w, r)
	if !ok {
		return
	}

	l, err := h.engine.Renew(r.Context(), key, token)
	switch {
	case err == nil:
	case errors.Is(err, leases.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_locked")
		return
	case errors.Is(err, leases.ErrLockStolen):
		writeError(w, http.StatusForbidden, "token_mismatch")
		return
	default:
		h.storeUnavailable(w, "renew", key, err)
		return
	}
	h.writeView(w, http.StatusOK, l)
}

func (h *handler) handleRelease(w http.ResponseWriter, r *http.Request) {
	key, token, ok := pathKeyToken(w, r)
	if !ok {
		return
	}

	st, err := h.engine.CheckToken(r.Context(), key, token)
	if err != nil {
		h.storeUnavailable(w, "release", key, err)
		return
	}
	switch st {
	case leases.TokenNoLock:
		writeError(w, http.StatusNotFound, "not_locked")
		return
	case leases.TokenMismatch:
		writeError(w, http.StatusForbidden, "token_mismatch")
		return
	}

	err = h.engine.Release(r.Context(), key, token)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, leases.ErrUnlockForbidden):
		writeError(w, http.StatusForbidden, "token_mismatch")
	default:
		h.storeUnavailable(w, "release", key, err)
	}
}

func (h *handler) writeView(w http.ResponseWriter, code int, l leases.Lease) {
	v := l.View(h.engine.TTL(), h.engine.DateFormat())
	writeJSON(w, code, map[string]any{
		"version": "v1",
		"token":   v.Token,
		"expires": v.Expires,
	})
}

// storeUnavailable answers infrastructure failures. Clients may retry these, unlike 409.
func (h *handler) storeUnavailable(w http.ResponseWriter, op string, key leases.Key, err error) {
	h.log.Error("lock store request failed", "op", op, "resource", key.String(), "err", err)
	w.Header().Set("Retry-After", "1")
	writeError(w, http.StatusServiceUnavailable, "store_unavailable")
}

func pathKey(w http.ResponseWriter, r *http.Request) (leases.Key, bool) {
	typ, id := r.PathValue("type"), r.PathValue("id")
	if !segmentPattern.MatchString(typ) {
		writeError(w, http.StatusBadRequest, "invalid_resource_type")
		return leases.Key{}, false
	}
	if !segmentPattern.MatchString(id) {
		writeError(w, http.StatusBadRequest, "invalid_resource_id")
		return leases.Key{}, false
	}
	return leases.Key{Type: typ, ID: id}, true
}

func pathKeyToken(w http.ResponseWriter, r *http.Request) (leases.Key, string, bool) {
	key, ok := pathKey(w, r)
	if !ok {
		return leases.Key{}, "", false
	}
	token := r.PathValue("token")
	if !segmentPattern.MatchString(token) {
		writeError(w, http.StatusBadRequest, "invalid_token")
		return leases.Key{}, "", false
	}
	return key, token, true
}

func writeError(w http.ResponseWriter, code int, reason string) {
	writeJSON(w, code, map[string]any{
		"version": "v1",
		"error":   reason,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
