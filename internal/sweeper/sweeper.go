package sweeper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/juno-intents/lock-tokens/internal/blobstore"
	"github.com/robfig/cron/v3"
)

const ReportVersionV1 = "lock.sweep.v1"

var ErrInvalidConfig = errors.New("sweeper: invalid config")

// Purger is the slice of the lease engine the sweeper needs.
type Purger interface {
	Now(ctx context.Context) (time.Time, error)
	TTL() time.Duration
	PurgeExpired(ctx context.Context, before time.Time) (int64, error)
}

// Report records one sweep.
type Report struct {
	Version string    `json:"version"`
	SweptAt time.Time `json:"sweptAt"`
	Cutoff  time.Time `json:"cutoff"`
	Purged  int64     `json:"purged"`

	// PreviousSweptAt is when the last recorded sweep ran; nil for the first one.
	PreviousSweptAt *time.Time `json:"previousSweptAt,omitempty"`
}

type Config struct {
	// Reports receives one JSON document per sweep. Optional.
	Reports      blobstore.Store
	ReportPrefix string
	Logger       *slog.Logger
}

// Sweeper removes leases that are past their TTL.
type Sweeper struct {
	purger  Purger
	reports blobstore.Store
	prefix  string
	log     *slog.Logger
}

func New(purger Purger, cfg Config) (*Sweeper, error) {
	if purger == nil {
		return nil, fmt.Errorf("%w: nil purger", ErrInvalidConfig)
	}
	prefix := cfg.ReportPrefix
	if prefix == "" {
		prefix = "sweeps"
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{
		purger:  purger,
		reports: cfg.Reports,
		prefix:  prefix,
		log:     log,
	}, nil
}

// Sweep deletes every lease acquired more than one TTL ago and writes a report.
// The purge is committed even when the report cannot be written.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	now, err := s.purger.Now(ctx)
	if err != nil {
		return Report{}, err
	}
	cutoff := now.Add(-s.purger.TTL())

	n, err := s.purger.PurgeExpired(ctx, cutoff)
	if err != nil {
		return Report{}, fmt.Errorf("sweeper: purge: %w", err)
	}
	rep := Report{
		Version: ReportVersionV1,
		SweptAt: now.UTC(),
		Cutoff:  cutoff.UTC(),
		Purged:  n,
	}
	s.log.Info("removed expired lock tokens", "count", n, "cutoff", rep.Cutoff)

	if s.reports == nil {
		return rep, nil
	}

	prev, found, err := s.LastReport(ctx)
	switch {
	case err != nil:
		s.log.Warn("read previous sweep report", "err", err)
	case found:
		at := prev.SweptAt
		rep.PreviousSweptAt = &at
	}

	body, err := json.Marshal(rep)
	if err != nil {
		return rep, fmt.Errorf("sweeper: encode report: %w", err)
	}
	opts := blobstore.PutOptions{
		ContentType: "application/json",
		Metadata:    map[string]string{"purged": strconv.FormatInt(n, 10)},
	}
	if err := s.reports.Put(ctx, s.ReportKey(rep), body, opts); err != nil {
		return rep, fmt.Errorf("sweeper: write report: %w", err)
	}
	if err := s.reports.Put(ctx, s.latestKey(), body, opts); err != nil {
		return rep, fmt.Errorf("sweeper: write latest report: %w", err)
	}
	return rep, nil
}

// LastReport reads the most recent sweep report. found is false when no sweep has been recorded.
func (s *Sweeper) LastReport(ctx context.Context) (rep Report, found bool, err error) {
	if s.reports == nil {
		return Report{}, false, nil
	}
	obj, err := s.reports.Get(ctx, s.latestKey())
	if errors.Is(err, blobstore.ErrNotFound) {
		return Report{}, false, nil
	}
	if err != nil {
		return Report{}, false, fmt.Errorf("sweeper: read latest report: %w", err)
	}
	if err := json.Unmarshal(obj.Data, &rep); err != nil {
		return Report{}, false, fmt.Errorf("sweeper: decode latest report: %w", err)
	}
	if rep.Version != ReportVersionV1 {
		return Report{}, false, fmt.Errorf("sweeper: latest report has version %q", rep.Version)
	}
	return rep, true, nil
}

func (s *Sweeper) latestKey() string {
	return s.prefix + "/latest.json"
}

// ReportKey is the blob key a report is written under.
func (s *Sweeper) ReportKey(rep Report) string {
	return s.prefix + "/" + strconv.FormatInt(rep.SweptAt.UnixNano(), 10) + ".json"
}

// Schedule registers Sweep on c using a standard five-field cron spec or a descriptor such as
// "@every 10m". Overlapping runs are skipped.
func (s *Sweeper) Schedule(ctx context.Context, c *cron.Cron, spec string) (cron.EntryID, error) {
	if c == nil {
		return 0, fmt.Errorf("%w: nil cron", ErrInvalidConfig)
	}
	job := cron.FuncJob(func() {
		if _, err := s.Sweep(ctx); err != nil {
			s.log.Error("sweep expired lock tokens", "err", err)
		}
	})
	wrapped := cron.NewChain(cron.SkipIfStillRunning(CronLogger(s.log))).Then(job)
	id, err := c.AddJob(spec, wrapped)
	if err != nil {
		return 0, fmt.Errorf("%w: schedule %q: %v", ErrInvalidConfig, spec, err)
	}
	return id, nil
}

type cronLogger struct {
	log *slog.Logger
}

// CronLogger routes cron's own diagnostics through slog.
func CronLogger(log *slog.Logger) cron.Logger {
	return cronLogger{log: log}
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append([]interface{}{"err", err}, keysAndValues...)...)
}
