package ratelimit

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// Scores are unix milliseconds supplied by the caller so every replica
// evaluates windows against the limiter clock, not Redis TIME.
const slidingWindowCountScript = `
local cutoff = tonumber(ARGV[1])
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", cutoff)
local count = redis.call("ZCARD", KEYS[1])
local oldest = 0
if count > 0 then
  local first = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
  oldest = tonumber(first[2])
end

-- Return: count, oldest score (milliseconds)
return {count, oldest}
`

const slidingWindowAddScript = `
redis.call("ZADD", KEYS[1], ARGV[1], ARGV[2])
redis.call("PEXPIRE", KEYS[1], ARGV[3])
return 1
`

// RedisStore shares windows and penalties across replicas. Keys carry a TTL
// so Sweep has nothing to do.
type RedisStore struct {
	client      *redis.Client
	prefix      string
	countScript *redis.Script
	addScript   *redis.Script
}

func NewRedisStore(client *redis.Client, prefix string) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("rate limit redis client not configured")
	}
	return &RedisStore{
		client:      client,
		prefix:      strings.TrimSuffix(strings.TrimSpace(prefix), ":"),
		countScript: redis.NewScript(slidingWindowCountScript),
		addScript:   redis.NewScript(slidingWindowAddScript),
	}, nil
}

func (s *RedisStore) key(parts ...string) string {
	if s.prefix == "" {
		return strings.Join(parts, ":")
	}
	return s.prefix + ":" + strings.Join(parts, ":")
}

func (s *RedisStore) Count(ctx context.Context, key string, now time.Time, window time.Duration) (int, time.Time, error) {
	if key == "" {
		return 0, time.Time{}, errors.New("rate limiter key is empty")
	}
	cutoff := now.Add(-window).UnixMilli()
	res, err := s.countScript.Run(ctx, s.client, []string{s.key("w", key)}, cutoff).Slice()
	if err != nil {
		return 0, time.Time{}, err
	}
	if len(res) < 2 {
		return 0, time.Time{}, errors.New("invalid sliding window script result")
	}
	count := castToInt(res[0])
	oldestMs := castToInt(res[1])
	if count == 0 || oldestMs == 0 {
		return int(count), time.Time{}, nil
	}
	return int(count), time.UnixMilli(oldestMs).UTC(), nil
}

func (s *RedisStore) Add(ctx context.Context, key string, now time.Time, window time.Duration) error {
	if key == "" {
		return errors.New("rate limiter key is empty")
	}
	ttl := window.Milliseconds()
	if ttl < 1000 {
		ttl = 1000
	}
	return s.addScript.Run(
		ctx,
		s.client,
		[]string{s.key("w", key)},
		now.UnixMilli(),
		uuid.NewString(),
		ttl,
	).Err()
}

func (s *RedisStore) PenaltyUntil(ctx context.Context, key string) (time.Time, error) {
	raw, err := s.client.Get(ctx, s.key("p", key)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

func (s *RedisStore) SetPenalty(ctx context.Context, key string, until time.Time, ttl time.Duration) error {
	if ttl < time.Second {
		ttl = time.Second
	}
	return s.client.Set(ctx, s.key("p", key), strconv.FormatInt(until.UnixMilli(), 10), ttl).Err()
}

func (s *RedisStore) Sweep(context.Context, time.Time) (int, error) {
	return 0, nil
}

func castToInt(v interface{}) int64 {
	switch val := v.(type) {
	case int64:
		return val
	case int:
		return int64(val)
	case float64:
		return int64(val)
	case string:
		// redis sometimes returns strings
		parsed, _ := strconv.ParseInt(val, 10, 64)
		return parsed
	default:
		return 0
	}
}
