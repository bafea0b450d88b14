package queue

import "github.com/redis/go-redis/v9"

// Key layout under <prefix>:<queue>:
//   job:<id>  hash   ref, attempts, max_attempts, created_at, state, token, last_error
//   wait      list   job ids ready for delivery
//   delayed   zset   job ids scored by run-at (ms)
//   active    zset   job ids scored by lease deadline (ms)

// KEYS: job, wait, delayed
// ARGV: id, ref, max_attempts, created_at, run_at (0 = now)
var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
local state = 'waiting'
if tonumber(ARGV[5]) > 0 then
  state = 'delayed'
end
redis.call('HSET', KEYS[1], 'id', ARGV[1], 'ref', ARGV[2], 'attempts', 0,
  'max_attempts', ARGV[3], 'created_at', ARGV[4], 'state', state, 'token', '')
if state == 'delayed' then
  redis.call('ZADD', KEYS[3], ARGV[5], ARGV[1])
else
  redis.call('RPUSH', KEYS[2], ARGV[1])
end
return 1
`)

// KEYS: wait, delayed, active
// ARGV: job key prefix, now (ms), lease deadline (ms), token, retention (s)
var dequeueScript = redis.NewScript(`
local prefix = ARGV[1]
local now = tonumber(ARGV[2])

local stalled = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', now)
for _, id in ipairs(stalled) do
  local key = prefix .. id
  redis.call('ZREM', KEYS[3], id)
  local attempts = redis.call('HINCRBY', key, 'attempts', 1)
  local max = tonumber(redis.call('HGET', key, 'max_attempts') or '1')
  redis.call('HSET', key, 'token', '', 'last_error', 'delivery lease expired')
  if attempts >= max then
    redis.call('HSET', key, 'state', 'failed')
    redis.call('EXPIRE', key, ARGV[5])
  else
    redis.call('HSET', key, 'state', 'waiting')
    redis.call('RPUSH', KEYS[1], id)
  end
end

local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', now)
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[2], id)
  redis.call('HSET', prefix .. id, 'state', 'waiting')
  redis.call('RPUSH', KEYS[1], id)
end

while true do
  local id = redis.call('LPOP', KEYS[1])
  if not id then
    return false
  end
  local key = prefix .. id
  if redis.call('EXISTS', key) == 1 then
    redis.call('HSET', key, 'state', 'active', 'token', ARGV[4])
    redis.call('ZADD', KEYS[3], ARGV[3], id)
    local f = redis.call('HMGET', key, 'ref', 'attempts', 'max_attempts', 'created_at')
    return {id, f[1], f[2], f[3], f[4]}
  end
end
`)

// KEYS: job, active
// ARGV: id, token, retention (s)
var ackScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'token') ~= ARGV[2] or ARGV[2] == '' then
  return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[1], 'state', 'completed', 'token', '')
redis.call('EXPIRE', KEYS[1], ARGV[3])
return 1
`)

// KEYS: job, active, delayed
// ARGV: id, token, now (ms), backoff (ms), reason, retention (s)
var failScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'token') ~= ARGV[2] or ARGV[2] == '' then
  return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
local attempts = redis.call('HINCRBY', KEYS[1], 'attempts', 1)
local max = tonumber(redis.call('HGET', KEYS[1], 'max_attempts') or '1')
redis.call('HSET', KEYS[1], 'token', '', 'last_error', ARGV[5])
if attempts >= max then
  redis.call('HSET', KEYS[1], 'state', 'failed')
  redis.call('EXPIRE', KEYS[1], ARGV[6])
  return 1
end
redis.call('HSET', KEYS[1], 'state', 'delayed')
redis.call('ZADD', KEYS[3], tonumber(ARGV[3]) + tonumber(ARGV[4]) * attempts, ARGV[1])
return 1
`)

// KEYS: job, active, delayed
// ARGV: id, token, run_at (ms)
var delayScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'token') ~= ARGV[2] or ARGV[2] == '' then
  return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[1], 'state', 'delayed', 'token', '')
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
return 1
`)

// KEYS: job, active
// ARGV: id, token, lease deadline (ms)
var extendScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'token') ~= ARGV[2] or ARGV[2] == '' then
  return 0
end
redis.call('ZADD', KEYS[2], 'XX', ARGV[3], ARGV[1])
return 1
`)
