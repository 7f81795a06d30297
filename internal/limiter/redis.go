package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// acquireScript prunes tickets whose holder was not seen within the ttl,
// registers the holder if absent, refreshes its last-seen time and reports
// whether its rank is inside the limit.
//
// KEYS[1] ticket zset scored by enqueue time, KEYS[2] zset of last-seen times
// ARGV[1] holder, ARGV[2] enqueue score (ms), ARGV[3] prune cutoff (ms),
// ARGV[4] limit, ARGV[5] key ttl (ms), ARGV[6] now (ms)
var acquireScript = redis.NewScript(`
if tonumber(ARGV[3]) > 0 then
  local stale = redis.call("ZRANGEBYSCORE", KEYS[2], "-inf", "(" .. ARGV[3])
  for _, h in ipairs(stale) do
    redis.call("ZREM", KEYS[1], h)
    redis.call("ZREM", KEYS[2], h)
  end
end
redis.call("ZADD", KEYS[1], "NX", ARGV[2], ARGV[1])
redis.call("ZADD", KEYS[2], ARGV[6], ARGV[1])
if tonumber(ARGV[5]) > 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[5])
  redis.call("PEXPIRE", KEYS[2], ARGV[5])
end
local rank = redis.call("ZRANK", KEYS[1], ARGV[1])
if rank ~= false and rank < tonumber(ARGV[4]) then
  return 1
end
return 0
`)

// Redis is a distributed Limiter backed by one sorted set per owner
type Redis struct {
	client *redis.Client
	limit  int64
	ttl    time.Duration
	now    func() time.Time
}

// NewRedis creates a Redis limiter. ttl bounds how long a holder that
// stopped calling Acquire can block its owner queue.
func NewRedis(client *redis.Client, limit int64, ttl time.Duration) *Redis {
	if limit < 1 {
		limit = 1
	}
	return &Redis{client: client, limit: limit, ttl: ttl, now: time.Now}
}

// Both keys of an owner share a hash tag so the script runs on one slot.
func ticketKey(key string) string {
	return fmt.Sprintf("owner:{%s}:tickets", key)
}

func seenKey(key string) string {
	return fmt.Sprintf("owner:{%s}:seen", key)
}

func (r *Redis) Acquire(ctx context.Context, key, holder string, enqueuedAt time.Time) error {
	now := r.now()
	var cutoff int64
	if r.ttl > 0 {
		cutoff = now.Add(-r.ttl).UnixMilli()
	}

	ok, err := acquireScript.Run(ctx, r.client,
		[]string{ticketKey(key), seenKey(key)},
		holder,
		enqueuedAt.UnixMilli(),
		cutoff,
		r.limit,
		r.ttl.Milliseconds(),
		now.UnixMilli(),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to acquire owner ticket: %w", err)
	}
	if ok != 1 {
		return ErrBusy
	}
	return nil
}

func (r *Redis) Release(ctx context.Context, key, holder string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, ticketKey(key), holder)
		pipe.ZRem(ctx, seenKey(key), holder)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to release owner ticket: %w", err)
	}
	return nil
}

var _ Limiter = (*Redis)(nil)
