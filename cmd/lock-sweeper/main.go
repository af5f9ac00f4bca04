package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juno-intents/lock-tokens/internal/blobstore"
	"github.com/juno-intents/lock-tokens/internal/leases"
	leasespg "github.com/juno-intents/lock-tokens/internal/leases/postgres"
	"github.com/juno-intents/lock-tokens/internal/secrets"
	"github.com/juno-intents/lock-tokens/internal/sweeper"
	"github.com/robfig/cron/v3"
)

func main() {
	var (
		postgresDSN       = flag.String("postgres-dsn", "", "Postgres DSN (or use --postgres-dsn-secret)")
		postgresDSNSecret = flag.String("postgres-dsn-secret", "", "secret name holding the Postgres DSN")
		secretsDriver     = flag.String("secrets-driver", secrets.DriverEnv, "secret provider for --postgres-dsn-secret (env|aws)")

		ttl      = flag.Duration("ttl", leases.DefaultTTL, "lease time-to-live; leases older than this are removed")
		schedule = flag.String("schedule", "", "cron schedule (e.g. \"@every 10m\" or \"*/5 * * * *\"); empty runs once and exits")

		reportDriver = flag.String("report-driver", "", "blobstore driver for sweep reports (s3|memory); empty disables reports")
		reportBucket = flag.String("report-bucket", "", "S3 bucket for sweep reports")
		reportPrefix = flag.String("report-prefix", "", "key prefix for sweep reports")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if strings.TrimSpace(*postgresDSN) == "" && strings.TrimSpace(*postgresDSNSecret) == "" {
		fmt.Fprintln(os.Stderr, "error: --postgres-dsn or --postgres-dsn-secret is required")
		os.Exit(2)
	}
	if *ttl <= 0 {
		fmt.Fprintln(os.Stderr, "error: --ttl must be > 0")
		os.Exit(2)
	}
	if strings.EqualFold(strings.TrimSpace(*reportDriver), blobstore.DriverS3) && strings.TrimSpace(*reportBucket) == "" {
		fmt.Fprintln(os.Stderr, "error: --report-bucket is required for the s3 report driver")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	secretProvider, err := secrets.New(ctx, *secretsDriver)
	if err != nil {
		log.Error("init secrets provider", "err", err)
		os.Exit(2)
	}
	dsn, err := secrets.Resolve(ctx, secretProvider, *postgresDSN, *postgresDSNSecret)
	if err != nil {
		log.Error("resolve postgres dsn", "err", err)
		os.Exit(2)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		log.Error("init pgx pool", "err", err)
		os.Exit(2)
	}
	defer pool.Close()

	store, err := leasespg.New(pool)
	if err != nil {
		log.Error("init lock store", "err", err)
		os.Exit(2)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		log.Error("ensure lock schema", "err", err)
		os.Exit(2)
	}

	engine, err := leases.NewEngine(store, leases.Config{TTL: *ttl, Clock: store, Logger: log})
	if err != nil {
		log.Error("init lease engine", "err", err)
		os.Exit(2)
	}

	var reports blobstore.Store
	if strings.TrimSpace(*reportDriver) != "" {
		reports, err = newBlobStore(ctx, *reportDriver, *reportBucket, *reportPrefix)
		if err != nil {
			log.Error("init report store", "err", err)
			os.Exit(2)
		}
	}

	sw, err := sweeper.New(engine, sweeper.Config{Reports: reports, Logger: log})
	if err != nil {
		log.Error("init sweeper", "err", err)
		os.Exit(2)
	}

	if last, found, err := sw.LastReport(ctx); err != nil {
		log.Warn("read last sweep report", "err", err)
	} else if found {
		log.Info("last sweep", "sweptAt", last.SweptAt, "purged", last.Purged)
	}

	if strings.TrimSpace(*schedule) == "" {
		if _, err := sw.Sweep(ctx); err != nil {
			log.Error("sweep expired lock tokens", "err", err)
			os.Exit(1)
		}
		return
	}

	c := cron.New(cron.WithLogger(sweeper.CronLogger(log)))
	if _, err := sw.Schedule(ctx, c, *schedule); err != nil {
		fmt.Fprintf(os.Stderr, "error: --schedule: %v\n", err)
		os.Exit(2)
	}
	c.Start()
	log.Info("lock-sweeper scheduled", "schedule", *schedule, "ttl", ttl.String())

	<-ctx.Done()
	log.Info("shutdown", "reason", ctx.Err())
	<-c.Stop().Done()
}

func newBlobStore(ctx context.Context, driver, bucket, prefix string) (blobstore.Store, error) {
	cfg := blobstore.Config{
		Driver: strings.ToLower(strings.TrimSpace(driver)),
		Bucket: strings.TrimSpace(bucket),
		Prefix: strings.TrimSpace(prefix),
	}
	if cfg.Driver == blobstore.DriverS3 {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		cfg.S3Client = awss3.NewFromConfig(awsCfg)
	}
	return blobstore.New(cfg)
}
