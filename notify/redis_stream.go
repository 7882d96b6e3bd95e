package notify

import (
	"context"
	"fmt"

	match "github.com/0x5487/exchange-matcher"
	"github.com/redis/go-redis/v9"
)

// RedisStream appends events to a Redis stream, one entry per event.
type RedisStream struct {
	client *redis.Client
	stream string
	maxLen int64
}

// RedisStreamOption configures a RedisStream.
type RedisStreamOption func(*RedisStream)

// WithMaxLen caps the stream length (approximate trimming). Zero keeps everything.
func WithMaxLen(n int64) RedisStreamOption {
	return func(r *RedisStream) {
		if n >= 0 {
			r.maxLen = n
		}
	}
}

// NewRedisStream creates a notifier writing to stream.
func NewRedisStream(client *redis.Client, stream string, opts ...RedisStreamOption) *RedisStream {
	r := &RedisStream{
		client: client,
		stream: stream,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Name implements match.Notifier.
func (r *RedisStream) Name() string {
	return "redis_stream"
}

// Notify implements match.Notifier.
func (r *RedisStream) Notify(ctx context.Context, log *match.BookLog) error {
	data, err := Encode(log)
	if err != nil {
		return err
	}

	values := map[string]any{
		"data": string(data),
	}
	for k, v := range headers(log) {
		values[k] = v
	}

	args := &redis.XAddArgs{
		Stream: r.stream,
		Values: values,
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}

	if err := r.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", r.stream, err)
	}
	return nil
}
