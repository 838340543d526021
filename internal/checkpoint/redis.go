package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sreenathmmenon/EngineIQ/internal/session"
)

const (
	sessionKeyPrefix = "engineiq:session:"
	deadlineIndexKey = "engineiq:approval_deadlines"
)

// RedisStore is the durable checkpoint store. Sessions are stored as JSON
// under a per-id key; pending approval deadlines live in a sorted set scored
// by unix time so the sweeper can pop due sessions cheaply.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore wraps an existing redis client. A zero ttl keeps snapshots
// until deleted.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func (r *RedisStore) Save(ctx context.Context, s *session.Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", s.ID, err)
	}
	if err := r.client.Set(ctx, sessionKeyPrefix+s.ID, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("save session %s: %w", s.ID, err)
	}
	return nil
}

func (r *RedisStore) Load(ctx context.Context, id string) (*session.Session, error) {
	val, err := r.client.Get(ctx, sessionKeyPrefix+id).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, session.ErrNotFound
		}
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	var s session.Session
	if err := json.Unmarshal([]byte(val), &s); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &s, nil
}

func (r *RedisStore) Delete(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, sessionKeyPrefix+id).Err(); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

func (r *RedisStore) SetDeadline(ctx context.Context, id string, deadline time.Time) error {
	member := redis.Z{Score: float64(deadline.Unix()), Member: id}
	if err := r.client.ZAdd(ctx, deadlineIndexKey, member).Err(); err != nil {
		return fmt.Errorf("index deadline for %s: %w", id, err)
	}
	return nil
}

func (r *RedisStore) ClearDeadline(ctx context.Context, id string) error {
	if err := r.client.ZRem(ctx, deadlineIndexKey, id).Err(); err != nil {
		return fmt.Errorf("clear deadline for %s: %w", id, err)
	}
	return nil
}

func (r *RedisStore) Due(ctx context.Context, now time.Time, limit int) ([]string, error) {
	ids, err := r.client.ZRangeByScore(ctx, deadlineIndexKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.Unix(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list due deadlines: %w", err)
	}
	return ids, nil
}
