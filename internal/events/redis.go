package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// historyLimit caps the replay list kept next to the pub/sub channel.
const historyLimit = 500

// RedisPublisher sends events on a Redis pub/sub channel and keeps the most
// recent ones in a list so late subscribers can catch up.
type RedisPublisher struct {
	rdb     *redis.Client
	channel string
}

// NewRedisPublisher parses url (redis://...) and returns a publisher on channel.
func NewRedisPublisher(url, channel string) (*RedisPublisher, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("events: parse redis url: %w", err)
	}
	return NewRedisPublisherWithClient(redis.NewClient(opt), channel), nil
}

func NewRedisPublisherWithClient(rdb *redis.Client, channel string) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, channel: channel}
}

// HistoryKey is the list holding recent events for channel.
func HistoryKey(channel string) string {
	return channel + ":history"
}

func (p *RedisPublisher) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: encode %s: %w", ev.Type, err)
	}
	pipe := p.rdb.TxPipeline()
	pipe.Publish(ctx, p.channel, payload)
	pipe.LPush(ctx, HistoryKey(p.channel), payload)
	pipe.LTrim(ctx, HistoryKey(p.channel), 0, historyLimit-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("events: publish %s: %w", ev.Type, err)
	}
	return nil
}

// Ping checks the Redis connection.
func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}

func (p *RedisPublisher) Close() error {
	return p.rdb.Close()
}
