package coord

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lock is a TTL-bounded leader lock. Holding it only narrows who sweeps; promotion
// itself stays guarded by the store.
type Lock struct {
	client *redis.Client
	key    string
	owner  string
	ttl    time.Duration
}

func NewLock(client *redis.Client, key, owner string, ttl time.Duration) *Lock {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Lock{client: client, key: key, owner: owner, ttl: ttl}
}

// Acquire takes the lock or renews it when already held by this owner.
func (l *Lock) Acquire(ctx context.Context) (bool, error) {
	res, err := acquireScript.Run(ctx, l.client, []string{l.key}, l.owner, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// Release drops the lock if this owner still holds it.
func (l *Lock) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.client, []string{l.key}, l.owner).Err()
}

var acquireScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current == ARGV[1] then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  return 1
end
if current then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 1
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
