package queue

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	DriverKafka = "kafka"
	DriverStdio = "stdio"
)

var ErrInvalidConfig = errors.New("queue: invalid config")

// Producer publishes keyed messages. Messages with the same key keep their order.
type Producer interface {
	Publish(ctx context.Context, topic string, key, payload []byte) error
	Close() error
}

type ProducerConfig struct {
	// Driver is kafka (default) or stdio.
	Driver string

	Brokers []string
	TLS     bool

	// Writer receives stdio output. Defaults to os.Stdout.
	Writer io.Writer
}

func NewProducer(cfg ProducerConfig) (Producer, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverKafka:
		brokers := SplitCommaList(strings.Join(cfg.Brokers, ","))
		if len(brokers) == 0 {
			return nil, fmt.Errorf("%w: kafka needs at least one broker", ErrInvalidConfig)
		}
		w := &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 10 * time.Millisecond,
		}
		if cfg.TLS {
			w.Transport = &kafka.Transport{TLS: &tls.Config{MinVersion: tls.VersionTLS12}}
		}
		return &kafkaProducer{w: w}, nil
	case DriverStdio:
		out := cfg.Writer
		if out == nil {
			out = os.Stdout
		}
		return &lineProducer{out: out}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

// SplitCommaList splits a flag value like "a:9092, b:9092" and drops blanks.
func SplitCommaList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

type kafkaProducer struct {
	w *kafka.Writer
}

func (p *kafkaProducer) Publish(ctx context.Context, topic string, key, payload []byte) error {
	if strings.TrimSpace(topic) == "" {
		return fmt.Errorf("%w: empty topic", ErrInvalidConfig)
	}
	if err := p.w.WriteMessages(ctx, kafka.Message{Topic: topic, Key: key, Value: payload}); err != nil {
		return fmt.Errorf("queue/kafka: publish to %s: %w", topic, err)
	}
	return nil
}

func (p *kafkaProducer) Close() error { return p.w.Close() }

// lineProducer writes one payload per line for local runs; topic and key are dropped.
type lineProducer struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *lineProducer) Publish(_ context.Context, _ string, _, payload []byte) error {
	line := make([]byte, 0, len(payload)+1)
	line = append(append(line, payload...), '\n')

	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.out.Write(line)
	return err
}

func (p *lineProducer) Close() error { return nil }
