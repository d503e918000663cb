package sink

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/redis/go-redis/v9"

	"rangebar/internal/model"
)

// defaultStreamMaxLen caps each bar stream via XADD MAXLEN ~.
const defaultStreamMaxLen int64 = 10000

// RedisConfig holds connection and naming parameters for the Redis sink.
type RedisConfig struct {
	Addr       string
	Password   string
	DB         int
	TLSEnabled bool

	// Prefix namespaces channels and streams, e.g. "rangebar".
	Prefix string

	// StreamMaxLen is the approximate length of each stream. Zero selects
	// the default; a negative value disables the stream copy.
	StreamMaxLen int64
}

// redisClient is the subset of *redis.Client the sink needs.
type redisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	Close() error
}

// RedisSink publishes every bar on a Pub/Sub channel and appends it to a
// capped stream of the same name, so late consumers can replay recent bars.
type RedisSink struct {
	rdb       redisClient
	prefix    string
	streamLen int64
}

// NewRedisSink connects to Redis and verifies the connection.
func NewRedisSink(ctx context.Context, cfg RedisConfig) (*RedisSink, error) {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}

	return newRedisSink(rdb, cfg), nil
}

func newRedisSink(rdb redisClient, cfg RedisConfig) *RedisSink {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "rangebar"
	}
	streamLen := cfg.StreamMaxLen
	if streamLen == 0 {
		streamLen = defaultStreamMaxLen
	}
	return &RedisSink{rdb: rdb, prefix: prefix, streamLen: streamLen}
}

// Write publishes a completed bar. Incomplete snapshots are ignored.
func (s *RedisSink) Write(ctx context.Context, ev model.BarEvent) error {
	if ev.Incomplete {
		return nil
	}

	raw, err := encode(ev)
	if err != nil {
		return err
	}

	topic := Topic(s.prefix, ev)
	if err := s.rdb.Publish(ctx, topic, raw).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", topic, err)
	}

	if s.streamLen < 0 {
		return nil
	}
	args := &redis.XAddArgs{
		Stream: topic,
		MaxLen: s.streamLen,
		Approx: true,
		Values: map[string]interface{}{"payload": raw},
	}
	if err := s.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis: stream append %s: %w", topic, err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *RedisSink) Close() error {
	return s.rdb.Close()
}
