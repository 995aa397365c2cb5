package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisForwarder republishes bus events as JSON on a Redis pub/sub channel so
// that other processes can follow position changes.
type RedisForwarder struct {
	rdb     *redis.Client
	channel string
}

// NewRedisForwarder connects to addr and verifies the connection with PING.
func NewRedisForwarder(ctx context.Context, addr, channel string) (*RedisForwarder, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", addr, err)
	}
	return &RedisForwarder{rdb: rdb, channel: channel}, nil
}

// Run forwards events until the channel closes or ctx is done.
func (f *RedisForwarder) Run(ctx context.Context, in <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in:
			if !ok {
				return
			}
			if err := f.forward(ctx, ev); err != nil {
				log.Warn().Err(err).Str("event", string(ev.Type)).Msg("redis forward failed")
			}
		}
	}
}

func (f *RedisForwarder) forward(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := f.rdb.Publish(ctx, f.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", f.channel, err)
	}
	return nil
}

func (f *RedisForwarder) Close() error {
	return f.rdb.Close()
}
