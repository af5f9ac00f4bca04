package sweeper

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/juno-intents/lock-tokens/internal/blobstore"
	"github.com/juno-intents/lock-tokens/internal/leases"
	"github.com/robfig/cron/v3"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSweeper_PurgesExpiredAndWritesReport(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 2, 9, 12, 0, 0, 0, time.UTC)
	clock := leases.ClockFunc(func() time.Time { return now })
	e, err := leases.NewEngine(leases.NewMemoryStore(), leases.Config{TTL: time.Hour, Clock: clock, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	ctx := context.Background()

	if _, err := e.Acquire(ctx, leases.Key{Type: "doc", ID: "old"}, ""); err != nil {
		t.Fatalf("Acquire old: %v", err)
	}
	now = now.Add(90 * time.Minute)
	if _, err := e.Acquire(ctx, leases.Key{Type: "doc", ID: "fresh"}, ""); err != nil {
		t.Fatalf("Acquire fresh: %v", err)
	}

	blobs, err := blobstore.New(blobstore.Config{Driver: blobstore.DriverMemory})
	if err != nil {
		t.Fatalf("blobstore.New: %v", err)
	}
	s, err := New(e, Config{Reports: blobs, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rep, err := s.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if rep.Purged != 1 || !rep.Cutoff.Equal(now.Add(-time.Hour)) {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if _, err := e.Query(ctx, leases.Key{Type: "doc", ID: "fresh"}); err != nil {
		t.Fatalf("fresh lease must survive: %v", err)
	}

	obj, err := blobs.Get(ctx, s.ReportKey(rep))
	if err != nil {
		t.Fatalf("Get report: %v", err)
	}
	var stored Report
	if err := json.Unmarshal(obj.Data, &stored); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if stored.Version != ReportVersionV1 || stored.Purged != 1 || obj.Metadata["purged"] != "1" {
		t.Fatalf("unexpected stored report: %+v meta=%v", stored, obj.Metadata)
	}

	if rep.PreviousSweptAt != nil {
		t.Fatalf("first sweep has no predecessor, got %v", rep.PreviousSweptAt)
	}
	first := rep

	// Second sweep is a no-op and links to the first.
	now = now.Add(time.Minute)
	rep, err = s.Sweep(ctx)
	if err != nil || rep.Purged != 0 {
		t.Fatalf("second sweep: rep=%+v err=%v", rep, err)
	}
	if rep.PreviousSweptAt == nil || !rep.PreviousSweptAt.Equal(first.SweptAt) {
		t.Fatalf("previousSweptAt: got %v want %v", rep.PreviousSweptAt, first.SweptAt)
	}

	last, found, err := s.LastReport(ctx)
	if err != nil || !found {
		t.Fatalf("LastReport: found=%v err=%v", found, err)
	}
	if !last.SweptAt.Equal(rep.SweptAt) || last.Purged != 0 {
		t.Fatalf("unexpected last report: %+v", last)
	}
}

func TestSweeper_LastReport(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e, err := leases.NewEngine(leases.NewMemoryStore(), leases.Config{TTL: time.Hour, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	// Without a report store there is nothing to read.
	bare, _ := New(e, Config{Logger: quietLogger()})
	if _, found, err := bare.LastReport(ctx); err != nil || found {
		t.Fatalf("no store: found=%v err=%v", found, err)
	}

	blobs, err := blobstore.New(blobstore.Config{Driver: blobstore.DriverMemory, MaxGetSize: 16})
	if err != nil {
		t.Fatalf("blobstore.New: %v", err)
	}
	s, _ := New(e, Config{Reports: blobs, Logger: quietLogger()})
	if _, found, err := s.LastReport(ctx); err != nil || found {
		t.Fatalf("empty store: found=%v err=%v", found, err)
	}

	// An oversized latest report is an error for LastReport but does not block a sweep.
	if err := blobs.Put(ctx, "sweeps/latest.json", []byte(`{"version":"lock.sweep.v1","purged":0}`), blobstore.PutOptions{}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, _, err := s.LastReport(ctx); !errors.Is(err, blobstore.ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
	rep, err := s.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if rep.PreviousSweptAt != nil {
		t.Fatalf("unreadable predecessor must not be linked: %v", rep.PreviousSweptAt)
	}

	// A foreign document under the latest key is rejected.
	other, _ := blobstore.New(blobstore.Config{Driver: blobstore.DriverMemory})
	if err := other.Put(ctx, "sweeps/latest.json", []byte(`{"version":"other"}`), blobstore.PutOptions{}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	s2, _ := New(e, Config{Reports: other, Logger: quietLogger()})
	if _, found, err := s2.LastReport(ctx); err == nil || found {
		t.Fatalf("expected version error, found=%v err=%v", found, err)
	}
}

type failingPurger struct{}

func (failingPurger) Now(context.Context) (time.Time, error) { return time.Now(), nil }
func (failingPurger) TTL() time.Duration                     { return time.Hour }
func (failingPurger) PurgeExpired(context.Context, time.Time) (int64, error) {
	return 0, errors.New("db down")
}

func TestSweeper_PropagatesPurgeError(t *testing.T) {
	t.Parallel()

	s, err := New(failingPurger{}, Config{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := s.Sweep(context.Background()); err == nil {
		t.Fatalf("expected purge error")
	}
	if _, err := New(nil, Config{}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestSweeper_Schedule(t *testing.T) {
	t.Parallel()

	e, err := leases.NewEngine(leases.NewMemoryStore(), leases.Config{TTL: time.Second, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	blobs, _ := blobstore.New(blobstore.Config{Driver: blobstore.DriverMemory})
	s, err := New(e, Config{Reports: blobs, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	c := cron.New()
	if _, err := s.Schedule(context.Background(), c, "not a schedule"); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for bad spec, got %v", err)
	}

	ctx := context.Background()
	if _, err := e.Acquire(ctx, leases.Key{Type: "doc", ID: "1"}, ""); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	if _, err := s.Schedule(ctx, c, "@every 1s"); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	c.Start()
	defer c.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := e.Query(ctx, leases.Key{Type: "doc", ID: "1"}); errors.Is(err, leases.ErrNotFound) {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("scheduled sweep did not purge the expired lease")
}
