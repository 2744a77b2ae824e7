package repository

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jmehdipour/outbox-relay/internal/model"
	"github.com/redis/go-redis/v9"
)

// acquireScript grants or renews the lease hash at KEYS[1].
// ARGV: owner, ttl ms, now ms. Returns {held, owner, acquired_ms, pttl_ms}.
var acquireScript = redis.NewScript(`
local owner = redis.call('HGET', KEYS[1], 'owner')
if owner == false or owner == ARGV[1] then
	if owner == false then
		redis.call('HSET', KEYS[1], 'owner', ARGV[1], 'acquired_at', ARGV[3])
	end
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
	return {1, ARGV[1], redis.call('HGET', KEYS[1], 'acquired_at'), tonumber(ARGV[2])}
end
return {0, owner, redis.call('HGET', KEYS[1], 'acquired_at'), redis.call('PTTL', KEYS[1])}
`)

var releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'owner') == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisLeaseRepository stores the lease as a hash with a TTL; Redis expiry
// frees the lease when the holder stops renewing.
type RedisLeaseRepository struct {
	rdb       redis.Scripter
	keyPrefix string
	now       func() time.Time
}

func NewRedisLeaseRepository(rdb redis.Scripter, keyPrefix string) *RedisLeaseRepository {
	if keyPrefix == "" {
		keyPrefix = "outbox:lease:"
	}
	return &RedisLeaseRepository{rdb: rdb, keyPrefix: keyPrefix, now: time.Now}
}

func (r *RedisLeaseRepository) TryAcquireOrRenew(ctx context.Context, name, owner string, ttl time.Duration) (model.Lease, bool, error) {
	now := r.now()
	res, err := acquireScript.Run(ctx, r.rdb, []string{r.keyPrefix + name},
		owner, ttl.Milliseconds(), now.UnixMilli()).Slice()
	if err != nil {
		return model.Lease{}, false, storeErr("lease acquire", err)
	}
	if len(res) != 4 {
		return model.Lease{}, false, storeErr("lease acquire", fmt.Errorf("unexpected script reply %v", res))
	}

	held, _ := res[0].(int64)
	cur, _ := res[1].(string)
	acquiredMs, _ := strconv.ParseInt(fmt.Sprint(res[2]), 10, 64)
	pttl, _ := res[3].(int64)

	lease := model.Lease{
		Name:       name,
		Owner:      cur,
		AcquiredAt: time.UnixMilli(acquiredMs),
		ExpiresAt:  now.Add(time.Duration(pttl) * time.Millisecond),
	}
	return lease, held == 1, nil
}

func (r *RedisLeaseRepository) Release(ctx context.Context, name, owner string) error {
	err := releaseScript.Run(ctx, r.rdb, []string{r.keyPrefix + name}, owner).Err()
	return storeErr("lease release", err)
}
