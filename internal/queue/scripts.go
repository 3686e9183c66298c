package queue

import goredis "github.com/redis/go-redis/v9"

// enqueueScript creates a job or coalesces onto an existing one.
// KEYS: 1=job hash, 2=delayed zset, 3=ready zset for the lane, 4=dead zset.
// ARGV: 1=job id, 2=payload, 3=lane, 4=max attempts, 5=now ms, 6=delay ms.
//
// A job id already held in any live state only gets its payload replaced;
// the fire time set at first enqueue stands. A dead or absent id is a fresh
// enqueue; a dead id's parked entry is dropped so the new job cannot show up
// in the dead set.
var enqueueScript = goredis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if state == 'delayed' or state == 'ready' or state == 'active' then
  redis.call('HSET', KEYS[1], 'payload', ARGV[2])
  return 'coalesced'
end
if state == 'dead' then
  redis.call('ZREM', KEYS[4], ARGV[1])
end
local now = tonumber(ARGV[5])
local delay = tonumber(ARGV[6])
local fire = now + delay
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1],
  'payload', ARGV[2],
  'lane', ARGV[3],
  'attempts', '0',
  'max_attempts', ARGV[4],
  'enqueued_at', ARGV[5],
  'fire_at', tostring(fire),
  'last_error', '')
if delay > 0 then
  redis.call('HSET', KEYS[1], 'state', 'delayed')
  redis.call('ZADD', KEYS[2], fire, ARGV[1])
else
  redis.call('HSET', KEYS[1], 'state', 'ready')
  redis.call('ZADD', KEYS[3], now, ARGV[1])
end
return 'queued'
`)

// dequeueScript reclaims jobs whose lease expired, promotes due delayed
// jobs into their lanes, then pops the oldest ready job scanning lanes high
// to low. A popped job is leased: its id goes into the active zset scored by
// the lease deadline, and a worker that never acks loses the job at that
// deadline. Reclaiming counts as a failed attempt, so a job abandoned on its
// final attempt dead-letters instead of cycling forever.
// KEYS: 1=delayed zset, 2=high lane, 3=medium lane, 4=low lane,
// 5=active zset, 6=dead zset.
// ARGV: 1=now ms, 2=job key prefix, 3=lease deadline ms.
// Lane n maps to KEYS[1+n]; promoted jobs keep their fire time as the lane
// score so they sort with jobs enqueued around the same moment.
var dequeueScript = goredis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[5], '-inf', ARGV[1])
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[5], id)
  local jobKey = ARGV[2] .. id
  if redis.call('EXISTS', jobKey) == 1 then
    local attempts = tonumber(redis.call('HGET', jobKey, 'attempts'))
    local max = tonumber(redis.call('HGET', jobKey, 'max_attempts'))
    if attempts >= max then
      redis.call('HSET', jobKey, 'state', 'dead', 'last_error', 'lease expired')
      redis.call('ZADD', KEYS[6], tonumber(ARGV[1]), id)
    else
      local lane = redis.call('HGET', jobKey, 'lane')
      local fire = redis.call('HGET', jobKey, 'fire_at')
      redis.call('HSET', jobKey, 'state', 'ready', 'last_error', 'lease expired')
      redis.call('ZADD', KEYS[1 + tonumber(lane)], tonumber(fire), id)
    end
  end
end
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(due) do
  local jobKey = ARGV[2] .. id
  local lane = redis.call('HGET', jobKey, 'lane')
  if lane then
    local fire = redis.call('HGET', jobKey, 'fire_at')
    redis.call('ZADD', KEYS[1 + tonumber(lane)], tonumber(fire), id)
    redis.call('HSET', jobKey, 'state', 'ready')
  end
  redis.call('ZREM', KEYS[1], id)
end
for lane = 2, 4 do
  local ids = redis.call('ZRANGE', KEYS[lane], 0, 0)
  if ids[1] then
    local id = ids[1]
    redis.call('ZREM', KEYS[lane], id)
    local jobKey = ARGV[2] .. id
    redis.call('HSET', jobKey, 'state', 'active')
    redis.call('HINCRBY', jobKey, 'attempts', 1)
    redis.call('ZADD', KEYS[5], tonumber(ARGV[3]), id)
    return id
  end
end
return false
`)
