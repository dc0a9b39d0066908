package recorder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tiger/voice-orchestrator/api/conversation"
)

const defaultRedisPrefix = "voxd"

// Redis keeps live-session markers and JSON summaries in Redis.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// RedisOption configures a Redis recorder.
type RedisOption func(*Redis)

// WithTTL expires summaries after ttl. Zero keeps them forever.
func WithTTL(ttl time.Duration) RedisOption {
	return func(r *Redis) {
		r.ttl = ttl
	}
}

// WithPrefix sets the key prefix. Empty keeps the default.
func WithPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		if prefix != "" {
			r.prefix = prefix
		}
	}
}

// NewRedis returns a recorder writing through client.
func NewRedis(client *redis.Client, opts ...RedisOption) *Redis {
	r := &Redis{client: client, prefix: defaultRedisPrefix}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Redis) liveKey(id string) string    { return fmt.Sprintf("%s:live:%s", r.prefix, id) }
func (r *Redis) summaryKey(id string) string { return fmt.Sprintf("%s:session:%s", r.prefix, id) }
func (r *Redis) endedIndexKey() string       { return r.prefix + ":sessions:ended" }

func (r *Redis) OnSessionStart(ctx context.Context, s conversation.Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := r.client.Set(ctx, r.liveKey(s.ID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (r *Redis) OnSessionEnd(ctx context.Context, s conversation.SessionSummary) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.summaryKey(s.SessionID), data, r.ttl)
	pipe.Del(ctx, r.liveKey(s.SessionID))
	pipe.ZAdd(ctx, r.endedIndexKey(), redis.Z{Score: float64(s.EndedAt.UnixMilli()), Member: s.SessionID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}
	return nil
}

// Live reports whether a session has started but not yet ended.
func (r *Redis) Live(ctx context.Context, id string) (bool, error) {
	n, err := r.client.Exists(ctx, r.liveKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists failed: %w", err)
	}
	return n == 1, nil
}

// Summary loads a stored summary.
func (r *Redis) Summary(ctx context.Context, id string) (conversation.SessionSummary, error) {
	data, err := r.client.Get(ctx, r.summaryKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return conversation.SessionSummary{}, ErrNotFound
		}
		return conversation.SessionSummary{}, fmt.Errorf("redis get failed: %w", err)
	}
	var s conversation.SessionSummary
	if err := json.Unmarshal(data, &s); err != nil {
		return conversation.SessionSummary{}, fmt.Errorf("unmarshal summary: %w", err)
	}
	return s, nil
}

// RecentEnded returns up to limit session ids, newest first.
func (r *Redis) RecentEnded(ctx context.Context, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = 20
	}
	ids, err := r.client.ZRevRange(ctx, r.endedIndexKey(), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrevrange failed: %w", err)
	}
	return ids, nil
}
