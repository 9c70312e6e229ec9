package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/HanTheDev/legal-research-gateway/internal/models"
	"github.com/redis/go-redis/v9"
)

// admitScript checks both windows and records the request in one round
// trip. KEYS: hour hash, minute hash. ARGV: hour cutoff, hour purge,
// minute cutoff, minute purge, hourly limit, minute limit, hour bucket,
// minute bucket.
var admitScript = redis.NewScript(`
local function window(key, cutoff, purge)
  local sum = 0
  local flat = redis.call('HGETALL', key)
  for i = 1, #flat, 2 do
    local ts = tonumber(flat[i])
    if ts < purge then
      redis.call('HDEL', key, flat[i])
    elseif ts >= cutoff then
      sum = sum + tonumber(flat[i + 1])
    end
  end
  return sum
end

local hour = window(KEYS[1], tonumber(ARGV[1]), tonumber(ARGV[2]))
local minute = window(KEYS[2], tonumber(ARGV[3]), tonumber(ARGV[4]))
if hour >= tonumber(ARGV[5]) or minute >= tonumber(ARGV[6]) then
  return 0
end
redis.call('HINCRBY', KEYS[1], ARGV[7], 1)
redis.call('HINCRBY', KEYS[2], ARGV[8], 1)
redis.call('EXPIRE', KEYS[1], 7200)
redis.call('EXPIRE', KEYS[2], 300)
return 1
`)

// refundScript decrements a bucket without letting it go negative.
var refundScript = redis.NewScript(`
for i = 1, 2 do
  local n = tonumber(redis.call('HGET', KEYS[i], ARGV[i]) or '0')
  if n > 0 then
    redis.call('HINCRBY', KEYS[i], ARGV[i], -1)
  end
end
return 1
`)

// RedisWindows shares rate windows between gateway instances. Each
// (user, mode) owns two hashes whose fields are bucket timestamps.
type RedisWindows struct {
	client *redis.Client
}

func NewRedisWindows(client *redis.Client) *RedisWindows {
	return &RedisWindows{client: client}
}

func hourKey(userID string, mode models.Mode) string {
	return fmt.Sprintf("ratelimit:user:%s:%s:hour", userID, mode)
}

func minuteKey(userID string, mode models.Mode) string {
	return fmt.Sprintf("ratelimit:user:%s:%s:minute", userID, mode)
}

func (rw *RedisWindows) Admit(ctx context.Context, userID string, mode models.Mode, now time.Time, limit Limit) (bool, error) {
	res, err := admitScript.Run(ctx, rw.client,
		[]string{hourKey(userID, mode), minuteKey(userID, mode)},
		hourCutoff(now), hourPurgeBefore(now),
		minuteCutoff(now), minutePurgeBefore(now),
		limit.Hourly, limit.PerMinute,
		hourBucket(now), minuteBucket(now),
	).Int()
	if err != nil {
		return false, fmt.Errorf("admit script: %w", err)
	}
	return res == 1, nil
}

func (rw *RedisWindows) State(ctx context.Context, userID string, mode models.Mode, now time.Time) (WindowState, error) {
	pipe := rw.client.Pipeline()
	hours := pipe.HGetAll(ctx, hourKey(userID, mode))
	minutes := pipe.HGetAll(ctx, minuteKey(userID, mode))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return WindowState{}, err
	}

	var st WindowState
	st.Hour, st.OldestHour = sumBuckets(hours.Val(), hourCutoff(now))
	st.Minute, st.OldestMinute = sumBuckets(minutes.Val(), minuteCutoff(now))
	return st, nil
}

func sumBuckets(fields map[string]string, cutoff int64) (int, time.Time) {
	sum := 0
	oldest := int64(-1)
	for f, v := range fields {
		ts, err := strconv.ParseInt(f, 10, 64)
		if err != nil || ts < cutoff {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			continue
		}
		sum += n
		if oldest < 0 || ts < oldest {
			oldest = ts
		}
	}
	if oldest < 0 {
		return sum, time.Time{}
	}
	return sum, time.Unix(oldest, 0)
}

func (rw *RedisWindows) Refund(ctx context.Context, userID string, mode models.Mode, at time.Time) error {
	return refundScript.Run(ctx, rw.client,
		[]string{hourKey(userID, mode), minuteKey(userID, mode)},
		hourBucket(at), minuteBucket(at),
	).Err()
}

func (rw *RedisWindows) Reset(ctx context.Context, userID string) error {
	keys := make([]string, 0, 4)
	for _, mode := range []models.Mode{models.ModeFast, models.ModeThorough} {
		keys = append(keys, hourKey(userID, mode), minuteKey(userID, mode))
	}
	return rw.client.Del(ctx, keys...).Err()
}
