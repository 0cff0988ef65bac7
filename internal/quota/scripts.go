package quota

import "github.com/redis/go-redis/v9"

// reserveScript evaluates every tenant window and the phone counters inside
// one script, so the check and the increment cannot interleave with another
// reservation. Nothing is written unless every limit passes.
//
// KEYS[1..3] = tenant window hashes (15m, 1h, 24h)
// KEYS[4]    = phone counter hash
// KEYS[5]    = phone block marker
// KEYS[6]    = reservation hash
// KEYS[7]    = active reservation index (zset)
// ARGV[1]  = now_ms          ARGV[2]  = ttl_ms
// ARGV[3]  = reservation id  ARGV[4]  = tenant id
// ARGV[5]  = phone ('' when none)
// ARGV[6]  = amount          ARGV[7]  = phone max per window (-1 = unlimited)
// ARGV[8]  = phone window_ms ARGV[9]  = min gap ms
// ARGV[10] = retention_ms
// ARGV[11..19] = (limit, window_ms, label) per tenant window
//
// Returns {'allowed'} or {'denied', violation...}.
var reserveScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local res_id = ARGV[3]
local tenant_id = ARGV[4]
local phone = ARGV[5]
local amount = tonumber(ARGV[6])
local phone_max = tonumber(ARGV[7])
local phone_window = tonumber(ARGV[8])
local min_gap = tonumber(ARGV[9])
local retention = tonumber(ARGV[10])

local function denied(violations)
  local out = {'denied'}
  for _, v in ipairs(violations) do
    out[#out + 1] = v
  end
  return out
end

local violations = {}
local plans = {}

for i = 1, 3 do
  local base = 10 + (i - 1) * 3
  local limit = tonumber(ARGV[base + 1])
  local window = tonumber(ARGV[base + 2])
  local label = ARGV[base + 3]
  local key = KEYS[i]
  local start = tonumber(redis.call('HGET', key, 'start') or '0')
  local count = tonumber(redis.call('HGET', key, 'count') or '0')
  if start == 0 or now - start >= window then
    start = now
    count = 0
  end
  count = count + amount
  if limit >= 0 and count > limit then
    violations[#violations + 1] = label .. ' rate limit exceeded'
  end
  plans[#plans + 1] = {key = key, start = start, count = count, window = window}
end

if #violations > 0 then
  return denied(violations)
end

local phone_plan = nil
if phone ~= '' then
  if redis.call('EXISTS', KEYS[5]) == 1 then
    return denied({'phone number blocked'})
  end
  local pkey = KEYS[4]
  local start = tonumber(redis.call('HGET', pkey, 'start') or '0')
  local count = tonumber(redis.call('HGET', pkey, 'count') or '0')
  local last = tonumber(redis.call('HGET', pkey, 'last_call') or '0')
  if start == 0 or now - start >= phone_window then
    start = now
    count = 0
  end
  if min_gap > 0 and last > 0 and now - last < min_gap then
    violations[#violations + 1] = 'contact called too recently'
  end
  count = count + amount
  if phone_max >= 0 and count > phone_max then
    violations[#violations + 1] = 'contact daily call limit exceeded'
  end
  if #violations > 0 then
    return denied(violations)
  end
  phone_plan = {key = pkey, start = start, count = count, last = now, prev_last = last}
end

local counters = {}
for _, p in ipairs(plans) do
  redis.call('HSET', p.key, 'start', p.start, 'count', p.count)
  redis.call('PEXPIRE', p.key, p.window * 2)
  counters[#counters + 1] = {key = p.key, start = p.start, amount = amount}
end
if phone_plan then
  redis.call('HSET', phone_plan.key, 'start', phone_plan.start, 'count', phone_plan.count, 'last_call', phone_plan.last)
  redis.call('PEXPIRE', phone_plan.key, math.max(phone_window, min_gap) * 2)
  counters[#counters + 1] = {
    key = phone_plan.key, start = phone_plan.start, amount = amount,
    last = phone_plan.last, prev_last = phone_plan.prev_last,
  }
end

local expires = now + ttl
redis.call('HSET', KEYS[6],
  'state', 'active',
  'tenant_id', tenant_id,
  'phone', phone,
  'created_ms', now,
  'expires_ms', expires,
  'counters', cjson.encode(counters))
redis.call('PEXPIRE', KEYS[6], ttl + retention)
redis.call('ZADD', KEYS[7], expires, res_id)
return {'allowed'}
`)

// finalizeScript moves an active reservation to released or expired and
// rolls back exactly the counters it incremented. A counter whose window
// rolled over since the reservation is left alone.
//
// KEYS[1] = reservation hash
// KEYS[2] = active reservation index
// ARGV[1] = target state ('released' | 'expired')
// ARGV[2] = now_ms
// ARGV[3] = reservation id
// ARGV[4] = retention_ms
//
// Returns {status, tenant_id, phone} where status is 'finalized', 'missing',
// 'pending' (not yet expired) or the reservation's current final state.
var finalizeScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then
  redis.call('ZREM', KEYS[2], ARGV[3])
  return {'missing', '', ''}
end
local tenant_id = redis.call('HGET', KEYS[1], 'tenant_id') or ''
local phone = redis.call('HGET', KEYS[1], 'phone') or ''
if state ~= 'active' then
  redis.call('ZREM', KEYS[2], ARGV[3])
  return {state, tenant_id, phone}
end

local now = tonumber(ARGV[2])
if ARGV[1] == 'expired' then
  local expires = tonumber(redis.call('HGET', KEYS[1], 'expires_ms') or '0')
  if expires > now then
    return {'pending', tenant_id, phone}
  end
end

local raw = redis.call('HGET', KEYS[1], 'counters')
if raw then
  for _, c in ipairs(cjson.decode(raw)) do
    local start = tonumber(redis.call('HGET', c.key, 'start') or '0')
    if start == c.start then
      local count = tonumber(redis.call('HGET', c.key, 'count') or '0') - c.amount
      if count < 0 then
        count = 0
      end
      redis.call('HSET', c.key, 'count', count)
    end
    if c.last then
      local last = tonumber(redis.call('HGET', c.key, 'last_call') or '0')
      if last == c.last then
        if c.prev_last and c.prev_last > 0 then
          redis.call('HSET', c.key, 'last_call', c.prev_last)
        else
          redis.call('HDEL', c.key, 'last_call')
        end
      end
    end
  end
end

redis.call('HSET', KEYS[1], 'state', ARGV[1], 'finalized_ms', now)
redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[4]))
redis.call('ZREM', KEYS[2], ARGV[3])
return {'finalized', tenant_id, phone}
`)

// confirmScript marks an active reservation confirmed. Confirming twice is
// a no-op; confirming a released or expired reservation is refused.
//
// KEYS[1] = reservation hash
// KEYS[2] = active reservation index
// ARGV[1] = now_ms
// ARGV[2] = reservation id
// ARGV[3] = retention_ms
var confirmScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then
  return 'missing'
end
if state == 'confirmed' then
  return 'confirmed'
end
if state ~= 'active' then
  return state
end
redis.call('HSET', KEYS[1], 'state', 'confirmed', 'finalized_ms', ARGV[1])
redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[3]))
redis.call('ZREM', KEYS[2], ARGV[2])
return 'confirmed'
`)
