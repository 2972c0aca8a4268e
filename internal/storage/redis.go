package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"sigmaSquared/internal/model"
)

// RedisStorage broadcasts events on a pub/sub channel.
type RedisStorage struct {
	client  *redis.Client
	channel string
}

// ConnectRedis dials addr and verifies the connection with PING.
func ConnectRedis(ctx context.Context, addr, channel string) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisStorage(client, channel), nil
}

func NewRedisStorage(client *redis.Client, channel string) *RedisStorage {
	return &RedisStorage{client: client, channel: channel}
}

func (s *RedisStorage) Publish(ctx context.Context, event model.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish redis: %w", err)
	}
	return nil
}

func (s *RedisStorage) Close() error {
	return s.client.Close()
}
