package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter grants at most ratePerSecond call placements per campaign,
// enforced across every worker sharing the backing store.
type RateLimiter interface {
	Allow(ctx context.Context, campaignID string, ratePerSecond int) (bool, error)
}

// Token bucket in a Redis hash: tokens and the last refill timestamp in
// unix milliseconds. Refill and consume happen in one script so concurrent
// workers never over-grant. Burst equals one second of tokens.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local now = tonumber(ARGV[2])
local burst = rate
local bucket = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(bucket[1])
local ts = tonumber(bucket[2])
if tokens == nil then
	tokens = burst
	ts = now
end
local elapsed = now - ts
if elapsed > 0 then
	tokens = math.min(burst, tokens + elapsed * rate / 1000)
	ts = now
end
local allowed = 0
if tokens >= 1 then
	tokens = tokens - 1
	allowed = 1
end
redis.call('HSET', key, 'tokens', tokens, 'ts', ts)
redis.call('PEXPIRE', key, 60000)
return allowed
`)

// RedisRateLimiter is the production RateLimiter.
type RedisRateLimiter struct {
	client *redis.Client
	clock  func() time.Time
}

func NewRedisRateLimiter(client *redis.Client) *RedisRateLimiter {
	return &RedisRateLimiter{client: client, clock: time.Now}
}

func bucketKey(campaignID string) string { return "campaign:bucket:" + campaignID }

func (r *RedisRateLimiter) Allow(ctx context.Context, campaignID string, ratePerSecond int) (bool, error) {
	if ratePerSecond <= 0 {
		// No limit configured for the campaign.
		return true, nil
	}
	allowed, err := tokenBucketScript.Run(ctx, r.client,
		[]string{bucketKey(campaignID)},
		ratePerSecond, r.clock().UnixMilli(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("dispatch: rate token for campaign %s: %w", campaignID, err)
	}
	return allowed == 1, nil
}

var _ RateLimiter = (*RedisRateLimiter)(nil)
