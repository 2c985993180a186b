package queue

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var incrWithTTLScript = redis.NewScript(`
local c = redis.call("INCR", KEYS[1])
if c == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return c
`)

// RateLimiter counts commands per user in fixed per-minute windows.
type RateLimiter struct {
	redis *redis.Client
	limit int64
}

func NewRateLimiter(rdb *redis.Client, limit int64) *RateLimiter {
	return &RateLimiter{redis: rdb, limit: limit}
}

func (r *RateLimiter) Allow(ctx context.Context, groupID, userID int64, now time.Time) (allowed bool, used int64, resetAt time.Time, err error) {
	windowStart := now.UTC().Truncate(time.Minute)
	windowEnd := windowStart.Add(time.Minute)
	ttl := int64(windowEnd.Sub(now.UTC()).Seconds())
	if ttl < 1 {
		ttl = 1
	}

	key := fmt.Sprintf("msmpbot:ratelimit:%d:%d:%s", groupID, userID, windowStart.Format("200601021504"))
	res, err := incrWithTTLScript.Run(ctx, r.redis, []string{key}, ttl).Int64()
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("rate limit script: %w", err)
	}
	return res <= r.limit, res, windowEnd, nil
}

// LineDeduper records log lines and relayed messages so each is handled
// once. Keys are content hashes with a TTL, so restarts within the TTL do
// not replay already processed lines.
type LineDeduper struct {
	redis  *redis.Client
	prefix string
	ttl    time.Duration
}

func NewLineDeduper(rdb *redis.Client, prefix string, ttl time.Duration) *LineDeduper {
	return &LineDeduper{redis: rdb, prefix: prefix, ttl: ttl}
}

func (d *LineDeduper) MarkFirst(ctx context.Context, content string) (bool, error) {
	sum := sha1.Sum([]byte(content))
	key := fmt.Sprintf("msmpbot:dedup:%s:%s", d.prefix, hex.EncodeToString(sum[:]))
	ok, err := d.redis.SetNX(ctx, key, "1", d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup setnx: %w", err)
	}
	return ok, nil
}
