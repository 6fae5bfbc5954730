package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisBus implements Publisher and Subscriber on a Redis sorted set per
// topic. The score is the delivery-due time, which gives immediate and
// delayed publishes the same representation; a poll loop promotes due
// messages to handlers.
type RedisBus struct {
	client *redis.Client
	config RedisConfig
	log    logrus.FieldLogger
}

// RedisConfig tunes the Redis bus.
type RedisConfig struct {
	// PollInterval is how often subscribers look for due messages.
	// Default 200ms.
	PollInterval time.Duration
	// BatchSize is the number of messages fetched per poll. Default 10.
	BatchSize int
	// RedeliveryDelay is applied to nacked messages. Default 5s.
	RedeliveryDelay time.Duration
	// KeyPrefix namespaces topic keys. Default "notify:bus:".
	KeyPrefix string
}

func (c RedisConfig) withDefaults() RedisConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 200 * time.Millisecond
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.RedeliveryDelay <= 0 {
		c.RedeliveryDelay = 5 * time.Second
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "notify:bus:"
	}
	return c
}

// NewRedisBus connects to Redis and verifies the connection.
// URL format: redis://[:password@]host:port[/db]
func NewRedisBus(redisURL string, config RedisConfig, log logrus.FieldLogger) (*RedisBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return NewRedisBusFromClient(client, config, log), nil
}

// NewRedisBusFromClient wraps an existing client; used by tests.
func NewRedisBusFromClient(client *redis.Client, config RedisConfig, log logrus.FieldLogger) *RedisBus {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &RedisBus{client: client, config: config.withDefaults(), log: log}
}

// message is the wire form stored in the sorted set. MessageID keeps
// members unique when the same payload is published twice.
type message struct {
	MessageID   string          `json:"message_id"`
	Payload     json.RawMessage `json:"payload"`
	Attributes  Attributes      `json:"attributes,omitempty"`
	PublishedAt time.Time       `json:"published_at"`
}

func (b *RedisBus) topicKey(topic string) string {
	return b.config.KeyPrefix + topic
}

// Publish submits a message for immediate delivery.
func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte, attrs Attributes) error {
	return b.PublishDelayed(ctx, topic, payload, attrs, time.Now())
}

// PublishDelayed submits a message that becomes deliverable at deliverAt.
func (b *RedisBus) PublishDelayed(ctx context.Context, topic string, payload []byte, attrs Attributes, deliverAt time.Time) error {
	member, err := json.Marshal(message{
		MessageID:   uuid.New().String(),
		Payload:     payload,
		Attributes:  attrs,
		PublishedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encoding bus message: %w", err)
	}

	err = b.client.ZAdd(ctx, b.topicKey(topic), redis.Z{
		Score:  float64(deliverAt.UnixMilli()),
		Member: string(member),
	}).Err()
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	return nil
}

// Subscribe polls the topic and delivers due messages to h until ctx is
// cancelled. A member is claimed by removing it from the set: ZREM returns
// 1 for exactly one competing consumer, so each message is handled once
// per delivery.
func (b *RedisBus) Subscribe(ctx context.Context, topic string, h Handler) error {
	key := b.topicKey(topic)
	ticker := time.NewTicker(b.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := b.drainDue(ctx, key, topic, h); err != nil && ctx.Err() == nil {
				b.log.WithError(err).WithField("topic", topic).Warn("bus poll failed")
			}
		}
	}
}

func (b *RedisBus) drainDue(ctx context.Context, key, topic string, h Handler) error {
	now := time.Now().UnixMilli()
	members, err := b.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now, 10),
		Count: int64(b.config.BatchSize),
	}).Result()
	if err != nil {
		return fmt.Errorf("fetching due messages: %w", err)
	}

	for _, raw := range members {
		removed, err := b.client.ZRem(ctx, key, raw).Result()
		if err != nil {
			return fmt.Errorf("claiming message: %w", err)
		}
		if removed == 0 {
			// Another consumer claimed it first.
			continue
		}

		var msg message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			b.log.WithError(err).WithField("topic", topic).Error("dropping undecodable bus message")
			continue
		}

		if h(ctx, msg.Payload, msg.Attributes) == Nack {
			redeliverAt := time.Now().Add(b.config.RedeliveryDelay)
			if err := b.client.ZAdd(ctx, key, redis.Z{
				Score:  float64(redeliverAt.UnixMilli()),
				Member: raw,
			}).Err(); err != nil {
				b.log.WithError(err).WithField("topic", topic).Error("failed to requeue nacked message")
			}
		}
	}
	return nil
}

// Depth returns the number of messages waiting on a topic, due or delayed.
func (b *RedisBus) Depth(ctx context.Context, topic string) (int64, error) {
	n, err := b.client.ZCard(ctx, b.topicKey(topic)).Result()
	if err != nil {
		return 0, fmt.Errorf("reading topic depth: %w", err)
	}
	return n, nil
}

// Ping verifies the Redis connection; used by readiness probes.
func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (b *RedisBus) Close() error {
	return b.client.Close()
}
