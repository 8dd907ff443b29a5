package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/basket/go-fleet/internal/protocol"
)

// RedisRelayConfig configures RedisRelay.
type RedisRelayConfig struct {
	Addr     string
	Password string
	DB       int
	// Channel prefix; topics are published on Prefix+topic.
	Prefix string
}

type relayMessage struct {
	Origin   string            `json:"origin"`
	Topic    string            `json:"topic"`
	Envelope protocol.Envelope `json:"envelope"`
}

// RedisRelay forwards topic publishes over Redis pub/sub. Each instance
// tags its messages with an origin id and ignores its own.
type RedisRelay struct {
	client *redis.Client
	prefix string
	origin string
	logger *slog.Logger
}

func NewRedisRelay(ctx context.Context, cfg RedisRelayConfig, logger *slog.Logger) (*RedisRelay, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis relay: addr is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "gofleet:topic:"
	}
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RedisRelay{
		client: client,
		prefix: cfg.Prefix,
		origin: uuid.NewString(),
		logger: logger,
	}, nil
}

// Origin is this instance's relay id.
func (r *RedisRelay) Origin() string { return r.origin }

func (r *RedisRelay) Publish(ctx context.Context, topic string, env protocol.Envelope) error {
	payload, err := json.Marshal(relayMessage{Origin: r.origin, Topic: topic, Envelope: env})
	if err != nil {
		return fmt.Errorf("marshal relay message: %w", err)
	}
	if err := r.client.Publish(ctx, r.prefix+topic, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", topic, err)
	}
	return nil
}

func (r *RedisRelay) Run(ctx context.Context, deliver func(ctx context.Context, topic string, env protocol.Envelope)) error {
	sub := r.client.PSubscribe(ctx, r.prefix+"*")
	defer sub.Close()
	// Receive blocks until the subscription is confirmed.
	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("redis psubscribe: %w", err)
	}
	r.logger.Info("redis relay subscribed", "pattern", r.prefix+"*", "origin", r.origin)
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var m relayMessage
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				r.logger.Warn("relay message dropped", "channel", msg.Channel, "error", err)
				continue
			}
			if m.Origin == r.origin {
				continue
			}
			topic := m.Topic
			if topic == "" {
				topic = strings.TrimPrefix(msg.Channel, r.prefix)
			}
			deliver(ctx, topic, m.Envelope)
		}
	}
}

func (r *RedisRelay) Close() error {
	return r.client.Close()
}
