package admission

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// acquireScript admits member into the facility's lease set when fewer than
// max unexpired leases exist. Scores are expiry times in Redis server
// milliseconds so clock skew between processes does not matter.
var acquireScript = redis.NewScript(`
local key = KEYS[1]
local max = tonumber(ARGV[1])
local lease = tonumber(ARGV[2])
local member = ARGV[3]
local t = redis.call('TIME')
local now = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)
redis.call('ZREMRANGEBYSCORE', key, '-inf', now)
if redis.call('ZCARD', key) >= max then
  return {0, now}
end
redis.call('ZADD', key, now + lease, member)
local last = redis.call('ZRANGE', key, -1, -1, 'WITHSCORES')
redis.call('PEXPIREAT', key, tonumber(last[2]))
return {1, now}
`)

// extendScript pushes an existing member's expiry forward. It returns 0 when
// the member is gone or already expired.
var extendScript = redis.NewScript(`
local key = KEYS[1]
local lease = tonumber(ARGV[1])
local member = ARGV[2]
local t = redis.call('TIME')
local now = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)
local score = redis.call('ZSCORE', key, member)
if not score or tonumber(score) <= now then
  return 0
end
redis.call('ZADD', key, 'XX', now + lease, member)
local last = redis.call('ZRANGE', key, -1, -1, 'WITHSCORES')
redis.call('PEXPIREAT', key, tonumber(last[2]))
return 1
`)

// RedisGate shares slot accounting across processes through one sorted set
// per facility.
type RedisGate struct {
	rdb    redis.UniversalClient
	prefix string
	poll   time.Duration
	closed atomic.Bool
}

type RedisGateOption func(*RedisGate)

func WithKeyPrefix(prefix string) RedisGateOption {
	return func(g *RedisGate) { g.prefix = strings.Trim(prefix, ":") }
}

// WithPollInterval sets how often a blocked Acquire retries.
func WithPollInterval(d time.Duration) RedisGateOption {
	return func(g *RedisGate) {
		if d > 0 {
			g.poll = d
		}
	}
}

func NewRedisGate(rdb redis.UniversalClient, opts ...RedisGateOption) *RedisGate {
	g := &RedisGate{rdb: rdb, prefix: "acquisition:gate", poll: DefaultPoll}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *RedisGate) key(facilityID string) string {
	return g.prefix + ":" + facilityID
}

func (g *RedisGate) Acquire(ctx context.Context, facilityID string, maxConcurrent int, lease time.Duration) (*Lease, error) {
	for {
		l, err := g.TryAcquire(ctx, facilityID, maxConcurrent, lease)
		if !errors.Is(err, ErrBusy) {
			return l, err
		}

		jitter := time.Duration(rand.Int64N(int64(g.poll)/2 + 1))
		t := time.NewTimer(g.poll + jitter)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

func (g *RedisGate) TryAcquire(ctx context.Context, facilityID string, maxConcurrent int, lease time.Duration) (*Lease, error) {
	if g.closed.Load() {
		return nil, ErrGateClosed
	}
	maxConcurrent, lease = normalize(maxConcurrent, lease)
	member := uuid.NewString()
	key := g.key(facilityID)

	ok, serverNow, err := g.tryAcquire(ctx, key, maxConcurrent, lease, member)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("admission: acquire %s: %w", facilityID, err)
	}
	if !ok {
		return nil, ErrBusy
	}
	return newLease(member, facilityID, time.UnixMilli(serverNow), lease,
		func(ctx context.Context) error {
			return g.rdb.ZRem(context.WithoutCancel(ctx), key, member).Err()
		},
		func(ctx context.Context, d time.Duration) error {
			return g.extend(ctx, key, member, d)
		}), nil
}

func (g *RedisGate) tryAcquire(ctx context.Context, key string, max int, lease time.Duration, member string) (bool, int64, error) {
	res, err := acquireScript.Run(ctx, g.rdb, []string{key}, max, lease.Milliseconds(), member).Int64Slice()
	if err != nil {
		return false, 0, err
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("unexpected script reply %v", res)
	}
	return res[0] == 1, res[1], nil
}

func (g *RedisGate) extend(ctx context.Context, key, member string, d time.Duration) error {
	ok, err := extendScript.Run(ctx, g.rdb, []string{key}, d.Milliseconds(), member).Int64()
	if err != nil {
		return fmt.Errorf("admission: extend %s: %w", key, err)
	}
	if ok == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Held counts the unexpired leases of a facility across all processes.
func (g *RedisGate) Held(ctx context.Context, facilityID string) (int64, error) {
	now := time.Now().UnixMilli()
	return g.rdb.ZCount(ctx, g.key(facilityID), fmt.Sprintf("(%d", now), "+inf").Result()
}

// Close stops new acquisitions. The Redis client is owned by the caller.
func (g *RedisGate) Close() error {
	g.closed.Store(true)
	return nil
}
