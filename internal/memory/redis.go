package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ent0n29/naturalstream/internal/logx"
)

const (
	redisTranscriptKey = "naturalstream:turns"
	redisMaxRecords    = 1000
)

// RedisStore keeps recent transcripts in one capped Redis list, newest at the
// head.
type RedisStore struct {
	rdb redis.Cmdable
	ttl time.Duration
	own *redis.Client
}

func NewRedisStore(ctx context.Context, redisURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.DialTimeout = 5 * time.Second

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	s := NewRedisStoreWithClient(client, ttl)
	s.own = client
	return s, nil
}

// NewRedisStoreWithClient wraps an existing client. ttl <= 0 keeps the list
// without expiry.
func NewRedisStoreWithClient(rdb redis.Cmdable, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func (s *RedisStore) SaveTurn(ctx context.Context, record TurnRecord) error {
	record = withDefaults(record)
	b, err := json.Marshal(record)
	if err != nil {
		logx.Error().Err(err).Str("turn_id", record.TurnID).Msg("failed to marshal turn record")
		return fmt.Errorf("marshal turn record: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.LPush(ctx, redisTranscriptKey, b)
	pipe.LTrim(ctx, redisTranscriptKey, 0, redisMaxRecords-1)
	if s.ttl > 0 {
		pipe.Expire(ctx, redisTranscriptKey, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		logx.Error().Err(err).Str("key", redisTranscriptKey).Msg("failed to push turn record to redis")
		return fmt.Errorf("save turn: %w", err)
	}
	return nil
}

func (s *RedisStore) RecentTurns(ctx context.Context, limit int) ([]TurnRecord, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}

	rows, err := s.rdb.LRange(ctx, redisTranscriptKey, 0, int64(limit-1)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		logx.Error().Err(err).Str("key", redisTranscriptKey).Msg("failed to load turn records from redis")
		return nil, fmt.Errorf("load recent turns: %w", err)
	}

	items := make([]TurnRecord, 0, len(rows))
	for i, row := range rows {
		var r TurnRecord
		if err := json.Unmarshal([]byte(row), &r); err != nil {
			return nil, fmt.Errorf("unmarshal turn record at index %d: %w", i, err)
		}
		items = append(items, r)
	}
	return items, nil
}

func (s *RedisStore) Close() error {
	if s.own != nil {
		return s.own.Close()
	}
	return nil
}
