package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStateStore keeps the in-flight state per session in a Redis hash and
// appends every transition to a stream for auditing.
type RedisStateStore struct {
	client    RedisPipelineClient
	stream    string
	keyPrefix string
	ttl       time.Duration
	maxLen    int64
}

// RedisPipelineClient is the minimal client surface used by RedisStateStore.
type RedisPipelineClient interface {
	Pipeline() RedisPipeliner
}

// RedisPipeliner is the subset of commands used within a pipeline.
type RedisPipeliner interface {
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	Exec(ctx context.Context) ([]redis.Cmder, error)
}

// NewRedisStateStore constructs a Redis-backed state store.
func NewRedisStateStore(client RedisPipelineClient, stream string, ttl time.Duration, maxLen int64) *RedisStateStore {
	if stream == "" {
		stream = "checkout_state_events"
	}
	return &RedisStateStore{
		client:    client,
		stream:    stream,
		keyPrefix: "checkout:session:",
		ttl:       ttl,
		maxLen:    maxLen,
	}
}

// Save overwrites the session hash and appends the transition to the stream.
func (r *RedisStateStore) Save(ctx context.Context, state TransactionState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(state)
	if err != nil {
		return err
	}

	key := r.keyPrefix + state.SessionKey
	updatedAt := state.UpdatedAt.UTC().Format(time.RFC3339Nano)

	pipe := r.client.Pipeline()
	pipe.HSet(ctx, key, map[string]any{
		"attempt_id": state.AttemptID,
		"status":     string(state.Status),
		"updated_at": updatedAt,
		"state":      string(body),
	})
	if r.ttl > 0 {
		pipe.Expire(ctx, key, r.ttl)
	}

	args := &redis.XAddArgs{
		Stream: r.stream,
		Values: map[string]any{
			"session_key":  state.SessionKey,
			"attempt_id":   state.AttemptID,
			"status":       string(state.Status),
			"failure_kind": string(state.FailureKind),
			"updated_at":   updatedAt,
		},
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}
	pipe.XAdd(ctx, args)

	_, err = pipe.Exec(ctx)
	return err
}

// Clear deletes the session hash when it still belongs to attemptID. A newer
// attempt for the same session is left alone.
func (r *RedisStateStore) Clear(ctx context.Context, sessionKey, attemptID string) error {
	key := r.keyPrefix + sessionKey

	read := r.client.Pipeline()
	owner := read.HGet(ctx, key, "attempt_id")
	if _, err := read.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	if owner.Val() != attemptID {
		return nil
	}

	pipe := r.client.Pipeline()
	pipe.Del(ctx, key)
	_, err := pipe.Exec(ctx)
	return err
}

// WrapRedisClient adapts a go-redis client to RedisPipelineClient.
func WrapRedisClient(client *redis.Client) RedisPipelineClient {
	return redisClientAdapter{client: client}
}

type redisClientAdapter struct {
	client *redis.Client
}

func (a redisClientAdapter) Pipeline() RedisPipeliner {
	return redisPipelineAdapter{pipe: a.client.Pipeline()}
}

type redisPipelineAdapter struct {
	pipe redis.Pipeliner
}

func (p redisPipelineAdapter) HSet(ctx context.Context, key string, values ...any) *redis.IntCmd {
	return p.pipe.HSet(ctx, key, values...)
}

func (p redisPipelineAdapter) HGet(ctx context.Context, key, field string) *redis.StringCmd {
	return p.pipe.HGet(ctx, key, field)
}

func (p redisPipelineAdapter) Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	return p.pipe.Expire(ctx, key, expiration)
}

func (p redisPipelineAdapter) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	return p.pipe.Del(ctx, keys...)
}

func (p redisPipelineAdapter) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	return p.pipe.XAdd(ctx, a)
}

func (p redisPipelineAdapter) Exec(ctx context.Context) ([]redis.Cmder, error) {
	return p.pipe.Exec(ctx)
}
