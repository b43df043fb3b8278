package session

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "duavoice:sessions:"

// admitScript checks membership and cardinality and adds in one step.
// KEYS[1] user set, ARGV[1] session id, ARGV[2] limit, ARGV[3] ttl ms.
var admitScript = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 1 then
  return 1
end
if redis.call('SCARD', KEYS[1]) >= tonumber(ARGV[2]) then
  return 0
end
redis.call('SADD', KEYS[1], ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

var releaseScript = redis.NewScript(`
redis.call('SREM', KEYS[1], ARGV[1])
if redis.call('SCARD', KEYS[1]) == 0 then
  redis.call('DEL', KEYS[1])
end
return 1
`)

// RedisRegistry shares the session limit across gateway replicas.
// Keys expire after ttl so slots held by a crashed replica heal on their own.
type RedisRegistry struct {
	client *redis.Client
	limit  int
	ttl    time.Duration
}

func NewRedisRegistry(ctx context.Context, redisURL string, limit int, ttl time.Duration) (*RedisRegistry, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	if limit <= 0 {
		limit = 3
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisRegistry{client: client, limit: limit, ttl: ttl}, nil
}

func (r *RedisRegistry) Admit(ctx context.Context, userID, sessionID string) (bool, error) {
	n, err := admitScript.Run(ctx, r.client, []string{redisKeyPrefix + userID}, sessionID, r.limit, r.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("admit session: %w", err)
	}
	return n == 1, nil
}

func (r *RedisRegistry) Release(ctx context.Context, userID, sessionID string) error {
	if err := releaseScript.Run(ctx, r.client, []string{redisKeyPrefix + userID}, sessionID).Err(); err != nil {
		return fmt.Errorf("release session: %w", err)
	}
	return nil
}

func (r *RedisRegistry) UserSessions(ctx context.Context, userID string) ([]string, error) {
	ids, err := r.client.SMembers(ctx, redisKeyPrefix+userID).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *RedisRegistry) HasUser(ctx context.Context, userID string) (bool, error) {
	n, err := r.client.Exists(ctx, redisKeyPrefix+userID).Result()
	if err != nil {
		return false, fmt.Errorf("check user key: %w", err)
	}
	return n == 1, nil
}

func (r *RedisRegistry) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisRegistry) Close() error {
	return r.client.Close()
}
