package poller

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisSource reads session streams from Redis. Each (session, kind) pair is
// one Redis stream; reads are strictly non-blocking so the poller's ticker
// stays the only scheduling primitive.
type RedisSource struct {
	client *redis.Client
	// applied as an approximate cap when appending, so streams cannot grow
	// unbounded between consumer restarts.
	maxStreamLen int64
}

func NewRedisSource(client *redis.Client, maxStreamLen int64) *RedisSource {
	return &RedisSource{
		client:       client,
		maxStreamLen: maxStreamLen,
	}
}

// NewRedisClient connects and pings, failing fast on a bad URL or an
// unreachable server.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (s *RedisSource) LatestID(ctx context.Context, key string) (string, error) {
	msgs, err := s.client.XRevRangeN(ctx, key, "+", "-", 1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", err
	}
	if len(msgs) == 0 {
		return "0-0", nil
	}
	return msgs[0].ID, nil
}

func (s *RedisSource) Read(ctx context.Context, cursors map[string]string, count int64) (map[string][]Entry, error) {
	if len(cursors) == 0 {
		return nil, nil
	}
	streams := make([]string, 0, len(cursors)*2)
	ids := make([]string, 0, len(cursors))
	for key, id := range cursors {
		streams = append(streams, key)
		ids = append(ids, id)
	}
	streams = append(streams, ids...)

	res, err := s.client.XRead(ctx, &redis.XReadArgs{
		Streams: streams,
		Count:   count,
		Block:   -1, // -1 disables BLOCK entirely; 0 would block forever
	}).Result()
	if errors.Is(err, redis.Nil) {
		// nothing new on any stream
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	result := make(map[string][]Entry, len(res))
	for _, stream := range res {
		entries := make([]Entry, 0, len(stream.Messages))
		for _, msg := range stream.Messages {
			fields := make(map[string]string, len(msg.Values))
			for k, v := range msg.Values {
				if str, ok := v.(string); ok {
					fields[k] = str
				}
			}
			entries = append(entries, Entry{ID: msg.ID, Fields: fields})
		}
		result[stream.Stream] = entries
	}
	return result, nil
}

// Append adds an entry on behalf of the writer path (tooling, tests), capping
// the stream at the configured approximate length. The relay core itself
// never appends.
func (s *RedisSource) Append(ctx context.Context, key string, fields map[string]interface{}) (string, error) {
	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: s.maxStreamLen,
		Approx: true,
		Values: fields,
	}).Result()
}
