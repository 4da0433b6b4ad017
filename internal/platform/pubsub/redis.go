// Package pubsub carries fan-out messages between server instances over
// Redis pub/sub. Every instance publishes what it commits and relays what the
// others committed into its own websocket hub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hospital/patientflow/internal/platform/notification"
)

// DefaultPrefix namespaces the Redis channels.
const DefaultPrefix = "patientflow:"

// Connect parses a redis:// URL and verifies the server answers.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

type redisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisPublisher implements notification.Publisher.
type RedisPublisher struct {
	client redisPublisher
	prefix string
}

func NewRedisPublisher(client redisPublisher, prefix string) *RedisPublisher {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &RedisPublisher{client: client, prefix: prefix}
}

func (p *RedisPublisher) Name() string { return "redis" }

func (p *RedisPublisher) Publish(ctx context.Context, msg notification.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := p.client.Publish(ctx, p.prefix+msg.Channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", msg.Channel, err)
	}
	return nil
}

// Relay forwards messages published by other instances to a local publisher
// (normally the websocket hub).
type Relay struct {
	client *redis.Client
	prefix string
	origin string
	sink   notification.Publisher
	logger zerolog.Logger
}

// NewRelay skips messages whose Origin equals origin, since the local
// dispatcher already delivered them.
func NewRelay(client *redis.Client, prefix, origin string, sink notification.Publisher, logger zerolog.Logger) *Relay {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Relay{
		client: client,
		prefix: prefix,
		origin: origin,
		sink:   sink,
		logger: logger.With().Str("component", "relay").Logger(),
	}
}

// Run subscribes and forwards until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	sub := r.client.PSubscribe(ctx, r.prefix+"*")
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}
	r.logger.Info().Str("pattern", r.prefix+"*").Msg("relay subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			r.handle(ctx, m.Channel, m.Payload)
		}
	}
}

func (r *Relay) handle(ctx context.Context, channel, payload string) {
	var msg notification.Message
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		r.logger.Warn().Err(err).Str("channel", channel).Msg("relay dropped malformed message")
		return
	}
	if r.origin != "" && msg.Origin == r.origin {
		return
	}
	if want := strings.TrimPrefix(channel, r.prefix); msg.Channel != want {
		r.logger.Warn().Str("channel", channel).Str("message_channel", msg.Channel).Msg("relay dropped mismatched message")
		return
	}
	if err := r.sink.Publish(ctx, msg); err != nil {
		r.logger.Warn().Err(err).Str("channel", msg.Channel).Str("kind", msg.Kind).Msg("relay delivery failed")
	}
}
