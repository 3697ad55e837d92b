package lock

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// releaseScript only deletes the key if it still holds this holder's
// token, so a lock refreshed or re-acquired by someone else after
// expiry is never deleted out from under them. Grounded on
// luvjson/crdtstorage/distributed_lock.go's Lua-scripted release.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLock is the server-enforced analogue of Manager, for
// deployments where competing tabs are really OS processes sharing a
// Redis instance rather than browser tabs sharing a broadcast.Channel.
// It satisfies the same DistributedLock interface, so callers can swap
// implementations without touching election or crosssync. Grounded on
// luvjson/crdtstorage/distributed_lock.go's SETNX-acquire +
// Lua-checked-release + refresh-ticker design.
type RedisLock struct {
	client    *redis.Client
	keyPrefix string
	tabID     string
	opts      Options

	refreshMu sync.Mutex
	refreshes map[string]chan struct{}
}

// NewRedisLock constructs a RedisLock scoped under keyPrefix (e.g.
// "reactivedoc:lock:documents:").
func NewRedisLock(client *redis.Client, keyPrefix, tabID string, opts Options) *RedisLock {
	return &RedisLock{
		client:    client,
		keyPrefix: keyPrefix,
		tabID:     tabID,
		opts:      opts.withDefaults(),
		refreshes: make(map[string]chan struct{}),
	}
}

func (r *RedisLock) key(resource string) string {
	return r.keyPrefix + resource
}

// Acquire attempts a single SETNX with the configured expiry and starts
// a background refresh ticker at half the expiry so a held lock never
// lapses while its owner is alive. Unlike Manager, there is no
// broadcast negotiation: a failed SETNX resolves false immediately
// rather than waiting out a grace period, since Redis itself is the
// single source of truth on who holds the key.
func (r *RedisLock) Acquire(ctx context.Context, resource string) bool {
	token := r.tabID + ":" + resource
	ok, err := r.client.SetNX(ctx, r.key(resource), token, r.opts.LockExpiry).Result()
	if err != nil {
		r.opts.Logger.Warn("redislock: acquire failed", zap.String("resource", resource), zap.Error(err))
		return false
	}
	if !ok {
		return false
	}
	r.startRefresh(resource, token)
	return true
}

func (r *RedisLock) startRefresh(resource, token string) {
	stop := make(chan struct{})
	r.refreshMu.Lock()
	r.refreshes[resource] = stop
	r.refreshMu.Unlock()

	go func() {
		ticker := time.NewTicker(r.opts.LockExpiry / 2)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), r.opts.LockExpiry/4)
				r.client.Expire(ctx, r.key(resource), r.opts.LockExpiry)
				cancel()
			}
		}
	}()
}

func (r *RedisLock) stopRefresh(resource string) {
	r.refreshMu.Lock()
	stop, ok := r.refreshes[resource]
	if ok {
		delete(r.refreshes, resource)
	}
	r.refreshMu.Unlock()
	if ok {
		close(stop)
	}
}

// Release runs releaseScript so only the current holder's token can
// delete the key (spec §4.8 "only the holder may release").
func (r *RedisLock) Release(ctx context.Context, resource string) {
	token := r.tabID + ":" + resource
	if err := releaseScript.Run(ctx, r.client, []string{r.key(resource)}, token).Err(); err != nil && err != redis.Nil {
		r.opts.Logger.Warn("redislock: release failed", zap.String("resource", resource), zap.Error(err))
	}
	r.stopRefresh(resource)
}

// WithLock acquires resource, runs fn, then releases, mirroring
// Manager.WithLock.
func (r *RedisLock) WithLock(ctx context.Context, resource string, fn func(ctx context.Context) error) (bool, error) {
	if !r.Acquire(ctx, resource) {
		return false, nil
	}
	defer r.Release(ctx, resource)
	return true, fn(ctx)
}

var (
	_ DistributedLock = (*Manager)(nil)
	_ DistributedLock = (*RedisLock)(nil)
)
