package leases

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var ErrRenewerState = errors.New("leases: renewer is not idle")

type renewerState int

const (
	renewerIdle renewerState = iota
	renewerRunning
	renewerStopped
)

// Renewer keeps one lease alive while a long operation runs.
//
// It renews once on Start and then every interval until Stop is called or a renewal fails. A failed
// renewal is terminal: it is recorded in Err and never retried. Transitions are idle -> running ->
// stopped; a stopped Renewer cannot be restarted.
type Renewer struct {
	engine   *Engine
	key      Key
	token    string
	interval time.Duration
	log      *slog.Logger

	mu    sync.Mutex
	state renewerState
	err   error

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	renewals atomic.Int64
}

type RenewerOption func(*Renewer)

// WithRenewInterval overrides the period derived from the engine TTL.
func WithRenewInterval(d time.Duration) RenewerOption {
	return func(r *Renewer) {
		if d > 0 {
			r.interval = d
		}
	}
}

func WithRenewerLogger(log *slog.Logger) RenewerOption {
	return func(r *Renewer) {
		if log != nil {
			r.log = log
		}
	}
}

// RenewInterval is ttl - 1s, but never less than ttl/2, so short TTLs still renew well before the
// lease expires.
func RenewInterval(ttl time.Duration) time.Duration {
	d := max(ttl-time.Second, ttl/2)
	if d <= 0 {
		d = ttl
	}
	return d
}

func NewRenewer(e *Engine, l Lease, opts ...RenewerOption) (*Renewer, error) {
	if e == nil {
		return nil, fmt.Errorf("%w: nil engine", ErrInvalidConfig)
	}
	if err := validateKey(l.Key); err != nil {
		return nil, err
	}
	if l.Token == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidInput)
	}
	r := &Renewer{
		engine:   e,
		key:      l.Key,
		token:    l.Token,
		interval: RenewInterval(e.TTL()),
		log:      e.log,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Start launches the renewal goroutine. Cancelling ctx stops the schedule like Stop does, but a
// renewal already in flight always runs to completion.
func (r *Renewer) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != renewerIdle {
		return ErrRenewerState
	}
	r.state = renewerRunning
	go r.run(ctx)
	return nil
}

// Stop ends the schedule and waits for the goroutine to exit. No renewal is in flight once it returns.
func (r *Renewer) Stop() {
	r.mu.Lock()
	if r.state == renewerIdle {
		r.state = renewerStopped
		close(r.done)
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.done
}

// Done is closed when the renewer has stopped for any reason.
func (r *Renewer) Done() <-chan struct{} {
	return r.done
}

// Err returns the renewal failure that stopped the renewer, if any.
func (r *Renewer) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Renewals is the number of successful renewals so far.
func (r *Renewer) Renewals() int64 {
	return r.renewals.Load()
}

func (r *Renewer) run(ctx context.Context) {
	defer close(r.done)
	defer func() {
		r.mu.Lock()
		r.state = renewerStopped
		r.mu.Unlock()
	}()

	callCtx := context.WithoutCancel(ctx)
	if !r.renew(callCtx) {
		return
	}

	t := time.NewTicker(r.interval)
	defer t.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case <-t.C:
		}
		select {
		case <-r.stopCh:
			return
		default:
		}
		if !r.renew(callCtx) {
			return
		}
	}
}

func (r *Renewer) renew(ctx context.Context) bool {
	if _, err := r.engine.Renew(ctx, r.key, r.token); err != nil {
		r.mu.Lock()
		r.err = err
		r.mu.Unlock()
		r.log.Warn("lease renewal failed, renewer stopping", "resource", r.key.String(), "err", err)
		return false
	}
	r.renewals.Add(1)
	return true
}
