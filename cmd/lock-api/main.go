package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juno-intents/lock-tokens/internal/leases"
	leasespg "github.com/juno-intents/lock-tokens/internal/leases/postgres"
	"github.com/juno-intents/lock-tokens/internal/lockevents"
	"github.com/juno-intents/lock-tokens/internal/locksapi"
	"github.com/juno-intents/lock-tokens/internal/queue"
	"github.com/juno-intents/lock-tokens/internal/secrets"
)

func main() {
	var (
		listenAddr = flag.String("listen", "127.0.0.1:8090", "HTTP listen address")

		postgresDSN       = flag.String("postgres-dsn", "", "Postgres DSN (or use --postgres-dsn-secret)")
		postgresDSNSecret = flag.String("postgres-dsn-secret", "", "secret name holding the Postgres DSN")
		secretsDriver     = flag.String("secrets-driver", secrets.DriverEnv, "secret provider for --postgres-dsn-secret (env|aws)")

		ttl        = flag.Duration("ttl", leases.DefaultTTL, "lease time-to-live")
		dateFormat = flag.String("date-format", leases.DefaultDateFormat, "Go time layout for lease expiry strings")
		clockSrc   = flag.String("clock", "db", "time source for lease timestamps (db|system)")

		queueDriver  = flag.String("queue-driver", queue.DriverKafka, "queue driver for lock events (kafka|stdio)")
		queueBrokers = flag.String("queue-brokers", "", "queue brokers (comma-separated); empty disables kafka lock events")
		queueTLS     = flag.Bool("queue-tls", false, "use TLS for kafka brokers")
		eventsTopic  = flag.String("events-topic", lockevents.DefaultTopic, "queue topic for lock events")

		rateLimitPerSecond = flag.Float64("rate-limit-per-ip-per-second", 20, "per-IP refill rate for API rate limiting")
		rateLimitBurst     = flag.Int("rate-limit-burst", 40, "per-IP burst capacity for API rate limiting")
		rateLimitMaxIPs    = flag.Int("rate-limit-max-tracked-ips", 10000, "maximum tracked client IP entries in rate limiter")

		readHeaderTimeout = flag.Duration("read-header-timeout", 5*time.Second, "http.Server ReadHeaderTimeout")
		readTimeout       = flag.Duration("read-timeout", 10*time.Second, "http.Server ReadTimeout")
		writeTimeout      = flag.Duration("write-timeout", 10*time.Second, "http.Server WriteTimeout")
		idleTimeout       = flag.Duration("idle-timeout", 60*time.Second, "http.Server IdleTimeout")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if strings.TrimSpace(*postgresDSN) == "" && strings.TrimSpace(*postgresDSNSecret) == "" {
		fmt.Fprintln(os.Stderr, "error: --postgres-dsn or --postgres-dsn-secret is required")
		os.Exit(2)
	}
	if *listenAddr == "" {
		fmt.Fprintln(os.Stderr, "error: --listen must be non-empty")
		os.Exit(2)
	}
	if *ttl <= 0 {
		fmt.Fprintln(os.Stderr, "error: --ttl must be > 0")
		os.Exit(2)
	}
	if *clockSrc != "db" && *clockSrc != "system" {
		fmt.Fprintln(os.Stderr, "error: --clock must be db or system")
		os.Exit(2)
	}
	if *readHeaderTimeout <= 0 || *readTimeout <= 0 || *writeTimeout <= 0 || *idleTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: timeouts must be > 0")
		os.Exit(2)
	}
	if *rateLimitPerSecond <= 0 || *rateLimitBurst <= 0 || *rateLimitMaxIPs <= 0 {
		fmt.Fprintln(os.Stderr, "error: rate limit settings must be > 0")
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

	engineCfg := leases.Config{
		TTL:        *ttl,
		DateFormat: *dateFormat,
		Logger:     log,
	}
	if *clockSrc == "db" {
		engineCfg.Clock = store
	}

	if *queueDriver == queue.DriverStdio || strings.TrimSpace(*queueBrokers) != "" {
		producer, err := queue.NewProducer(queue.ProducerConfig{
			Driver:  *queueDriver,
			Brokers: queue.SplitCommaList(*queueBrokers),
			TLS:     *queueTLS,
		})
		if err != nil {
			log.Error("init queue producer", "err", err)
			os.Exit(2)
		}
		defer producer.Close()

		pub, err := lockevents.NewPublisher(producer, lockevents.Config{Topic: *eventsTopic, Logger: log})
		if err != nil {
			log.Error("init lock event publisher", "err", err)
			os.Exit(2)
		}
		engineCfg.Observer = pub
		log.Info("lock events enabled", "queueDriver", *queueDriver, "topic", *eventsTopic)
	}

	engine, err := leases.NewEngine(store, engineCfg)
	if err != nil {
		log.Error("init lease engine", "err", err)
		os.Exit(2)
	}

	handler, err := locksapi.NewHandler(locksapi.Config{
		Logger:                  log,
		RateLimitPerIPPerSecond: *rateLimitPerSecond,
		RateLimitBurst:          *rateLimitBurst,
		RateLimitMaxTrackedIPs:  *rateLimitMaxIPs,
		Now:                     time.Now,
	}, engine)
	if err != nil {
		log.Error("init locks api handler", "err", err)
		os.Exit(2)
	}

	srv := &http.Server{
		Addr:              *listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: *readHeaderTimeout,
		ReadTimeout:       *readTimeout,
		WriteTimeout:      *writeTimeout,
		IdleTimeout:       *idleTimeout,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("lock-api listening", "addr", *listenAddr, "ttl", ttl.String(), "clock", *clockSrc)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown", "reason", ctx.Err())
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Error("server error", "err", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
