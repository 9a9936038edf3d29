package store

import (
	"context"
	"time"

	"github.com/FleetQ/fleetq-go/internal/keys"
	"github.com/redis/go-redis/v9"
)

// Leased locks coordinate singleton duties (the health sweep) across
// replicas. Acquisition is SET NX PX; release and renewal verify the holder
// token so an expired-and-reacquired lock is never stomped by the old owner.

var releaseLockScript = redis.NewScript(
	// language=Lua
	`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
	`,
)

var renewLockScript = redis.NewScript(
	// language=Lua
	`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('PEXPIRE', KEYS[1], ARGV[2])
	end
	return 0
	`,
)

// AcquireLock attempts to take the named lock for ttl. The holder token must
// be unique per contender.
func AcquireLock(ctx context.Context, rdb redis.UniversalClient, name, holder string, ttl time.Duration) (bool, error) {
	return rdb.SetNX(ctx, keys.Lock(name), holder, ttl).Result()
}

// ReleaseLock drops the lock if this holder still owns it.
func ReleaseLock(ctx context.Context, rdb redis.UniversalClient, name, holder string) error {
	return releaseLockScript.Run(ctx, rdb, []string{keys.Lock(name)}, holder).Err()
}

// RenewLock extends the lease if this holder still owns it. False means the
// lease lapsed and someone else may hold the lock now.
func RenewLock(ctx context.Context, rdb redis.UniversalClient, name, holder string, ttl time.Duration) (bool, error) {
	n, err := renewLockScript.Run(ctx, rdb, []string{keys.Lock(name)}, holder, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
