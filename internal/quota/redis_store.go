package quota

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisStore implements Store with Lua scripts so that check and increment happen in one round trip.
type redisStore struct{ rc redis.UniversalClient }

// NewRedisStore wraps an existing client.
func NewRedisStore(rc redis.UniversalClient) Store {
	return &redisStore{rc: rc}
}

// KEYS: counter keys. ARGV[1]: amount, ARGV[2]: partial flag, then limit and ttl(ms) per key.
// Returns {granted, denied_index (1-based, 0 = none), count_1..count_n}.
var luaReserve = redis.NewScript(`
local amount = tonumber(ARGV[1])
local partial = ARGV[2] == '1'
local n = #KEYS
local counts = {}
local grant = amount
local denied = 0
local tightest = 0
local tightestRoom = -1
for i = 1, n do
  local limit = tonumber(ARGV[1 + (i * 2)])
  local cur = tonumber(redis.call('GET', KEYS[i]) or '0')
  counts[i] = cur
  local room = limit - cur
  if room < 0 then room = 0 end
  if tightest == 0 or room < tightestRoom then
    tightest = i
    tightestRoom = room
  end
  if partial then
    if room < grant then grant = room end
  elseif room < amount and denied == 0 then
    denied = i
  end
end
if partial and grant == 0 then denied = tightest end
if denied ~= 0 then
  local out = {0, denied}
  for i = 1, n do out[i + 2] = counts[i] end
  return out
end
local out = {grant, 0}
for i = 1, n do
  local ttl = tonumber(ARGV[2 + (i * 2)])
  local v = redis.call('INCRBY', KEYS[i], grant)
  if redis.call('PTTL', KEYS[i]) < 0 then redis.call('PEXPIRE', KEYS[i], ttl) end
  out[i + 2] = v
end
return out
`)

var luaRelease = redis.NewScript(`
local amount = tonumber(ARGV[1])
for i = 1, #KEYS do
  local cur = redis.call('GET', KEYS[i])
  if cur then
    local d = math.min(tonumber(cur), amount)
    if d > 0 then redis.call('DECRBY', KEYS[i], d) end
  end
end
return 1
`)

func (s *redisStore) Reserve(ctx context.Context, counters []Counter, amount int64, partial bool) (ReserveResult, error) {
	keys := make([]string, len(counters))
	args := make([]any, 0, 2+2*len(counters))
	flag := "0"
	if partial {
		flag = "1"
	}
	args = append(args, amount, flag)
	for i, c := range counters {
		keys[i] = c.Key
		args = append(args, c.Limit, c.TTL.Milliseconds())
	}
	res, err := luaReserve.Run(ctx, s.rc, keys, args...).Result()
	if err != nil {
		return ReserveResult{}, fmt.Errorf("quota reserve: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 2+len(counters) {
		return ReserveResult{}, errors.New("quota reserve: unexpected script reply")
	}
	out := ReserveResult{
		Granted: toInt64(arr[0]),
		Denied:  int(toInt64(arr[1])) - 1,
		Counts:  make([]int64, len(counters)),
	}
	for i := range counters {
		out.Counts[i] = toInt64(arr[i+2])
	}
	return out, nil
}

func (s *redisStore) Release(ctx context.Context, keys []string, amount int64) error {
	if len(keys) == 0 || amount <= 0 {
		return nil
	}
	if err := luaRelease.Run(ctx, s.rc, keys, amount).Err(); err != nil {
		return fmt.Errorf("quota release: %w", err)
	}
	return nil
}

func (s *redisStore) Peek(ctx context.Context, keys []string) ([]int64, error) {
	out := make([]int64, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	vals, err := s.rc.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("quota peek: %w", err)
	}
	for i, v := range vals {
		if str, ok := v.(string); ok {
			n, _ := strconv.ParseInt(str, 10, 64)
			out[i] = n
		}
	}
	return out, nil
}

func (s *redisStore) SeedIfAbsent(ctx context.Context, key string, value int64, ttl time.Duration) (bool, error) {
	ok, err := s.rc.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("quota seed: %w", err)
	}
	return ok, nil
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case uint64:
		return int64(n)
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	default:
		return 0
	}
}
