package lockevents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/juno-intents/lock-tokens/internal/leases"
	"github.com/juno-intents/lock-tokens/internal/queue"
)

const (
	VersionV1    = "lock.event.v1"
	DefaultTopic = "locks.events.v1"

	defaultPublishTimeout = 5 * time.Second
)

var ErrInvalidConfig = errors.New("lockevents: invalid config")

// PayloadV1 is the wire format of a lock lifecycle event.
type PayloadV1 struct {
	Version          string `json:"version"`
	Kind             string `json:"kind"`
	ResourceType     string `json:"resourceType,omitempty"`
	ResourceID       string `json:"resourceId,omitempty"`
	TokenFingerprint string `json:"tokenFingerprint,omitempty"`
	At               string `json:"at"`
	Count            int64  `json:"count,omitempty"`
}

type Config struct {
	Topic          string
	PublishTimeout time.Duration
	Logger         *slog.Logger
}

// Publisher forwards engine lifecycle events to a queue. It implements leases.Observer; publish
// failures are logged and never returned to the engine caller.
type Publisher struct {
	producer queue.Producer
	topic    string
	timeout  time.Duration
	log      *slog.Logger
}

func NewPublisher(producer queue.Producer, cfg Config) (*Publisher, error) {
	if producer == nil {
		return nil, fmt.Errorf("%w: nil producer", ErrInvalidConfig)
	}
	topic := strings.TrimSpace(cfg.Topic)
	if topic == "" {
		topic = DefaultTopic
	}
	timeout := cfg.PublishTimeout
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{
		producer: producer,
		topic:    topic,
		timeout:  timeout,
		log:      log,
	}, nil
}

var _ leases.Observer = (*Publisher)(nil)

func (p *Publisher) LeaseEvent(ctx context.Context, ev leases.Event) {
	payload, err := Encode(ev)
	if err != nil {
		p.log.Error("encode lock event", "kind", ev.Kind, "err", err)
		return
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	var key []byte
	if ev.Key.Type != "" {
		key = []byte(ev.Key.String())
	}
	if err := p.producer.Publish(pctx, p.topic, key, payload); err != nil {
		p.log.Warn("publish lock event", "kind", ev.Kind, "resource", ev.Key.String(), "topic", p.topic, "err", err)
	}
}

// Encode renders ev as a PayloadV1 JSON document.
func Encode(ev leases.Event) ([]byte, error) {
	if ev.Kind == "" {
		return nil, errors.New("lockevents: missing kind")
	}
	return json.Marshal(PayloadV1{
		Version:          VersionV1,
		Kind:             string(ev.Kind),
		ResourceType:     ev.Key.Type,
		ResourceID:       ev.Key.ID,
		TokenFingerprint: ev.TokenFingerprint,
		At:               ev.At.UTC().Format(time.RFC3339Nano),
		Count:            ev.Count,
	})
}
