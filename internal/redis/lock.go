package redis

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const lockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

var ErrLockHeld = errors.New("lock_held")

// Locker hands out single-owner leases backed by SET NX. A nil Locker grants
// every lease, which keeps single-replica deployments lock free.
type Locker struct {
	client *redis.Client
	prefix string
	script *redis.Script
}

type Lease struct {
	locker *Locker
	key    string
	token  string
}

func NewLocker(client *redis.Client, prefix string) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{
		client: client,
		prefix: strings.TrimSuffix(strings.TrimSpace(prefix), ":"),
		script: redis.NewScript(lockReleaseScript),
	}
}

// Acquire returns ErrLockHeld when another owner holds key.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if l == nil || l.client == nil {
		return &Lease{}, nil
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, errors.New("lock key is empty")
	}
	if ttl <= 0 {
		return nil, errors.New("lock ttl must be positive")
	}
	if l.prefix != "" {
		key = l.prefix + ":" + key
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return &Lease{locker: l, key: key, token: token}, nil
}

// Release deletes the key only if this lease still owns it.
func (s *Lease) Release(ctx context.Context) error {
	if s == nil || s.locker == nil || s.key == "" || s.token == "" {
		return nil
	}
	return s.locker.script.Run(ctx, s.locker.client, []string{s.key}, s.token).Err()
}
