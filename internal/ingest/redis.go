package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"

	goredis "github.com/redis/go-redis/v9"
)

const sourceRedis = "redis"

// RedisConfig configures the Redis pub/sub source.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// RedisSource consumes JSON alerts published on a Redis channel.
type RedisSource struct {
	rdb     *goredis.Client
	channel string
	pub     Publisher
	verbose bool
}

// NewRedisSource creates a source. The connection is established lazily.
func NewRedisSource(cfg RedisConfig, pub Publisher, verbose bool) (*RedisSource, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if cfg.Channel == "" {
		cfg.Channel = "kycstream:alerts"
	}
	return &RedisSource{
		rdb: goredis.NewClient(&goredis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		channel: cfg.Channel,
		pub:     pub,
		verbose: verbose,
	}, nil
}

// Run subscribes and publishes every received alert until ctx is done.
func (s *RedisSource) Run(ctx context.Context) error {
	sub := s.rdb.Subscribe(ctx, s.channel)
	defer sub.Close()

	// Wait for the subscription to be confirmed so setup errors surface here.
	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe %s: %w", s.channel, err)
	}
	log.Printf("[ingest] subscribed to redis channel %s", s.channel)

	s.consume(ctx, sub.Channel())
	return nil
}

func (s *RedisSource) consume(ctx context.Context, msgs <-chan *goredis.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			if err := deliver(ctx, s.pub, sourceRedis, []byte(msg.Payload)); err == nil && s.verbose {
				log.Printf("[ingest] redis alert from %s delivered", msg.Channel)
			}
		}
	}
}

// Ping checks the Redis connection.
func (s *RedisSource) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close releases the client.
func (s *RedisSource) Close() error {
	return s.rdb.Close()
}
