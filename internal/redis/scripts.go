package redis

import redis "github.com/redis/go-redis/v9"

// Every queue mutation is one script so no intermediate state is visible to other clients.
// Lists hold task ids, the tasks hash holds the state record of each id.

const listForStatus = `
local function list_for(status)
	if status == 'pending' then return KEYS[1] end
	if status == 'processing' then return KEYS[2] end
	if status == 'completed' then return KEYS[3] end
	return KEYS[4]
end
`

// KEYS: meta, stats. ARGV: name, now, max retries
var createQueueScript = redis.NewScript(`
local created = redis.call('HSETNX', KEYS[1], 'name', ARGV[1])
if created == 1 then
	redis.call('HSET', KEYS[1], 'created_at', ARGV[2], 'max_retries', ARGV[3])
end
for _, field in ipairs({'total', 'pending', 'processing', 'completed', 'failed', 'error'}) do
	redis.call('HSETNX', KEYS[2], field, 0)
end
return created
`)

// KEYS: pending, tasks, payloads, stats, meta, history. ARGV: id, state, payload, now
var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[5]) == 0 then
	return 0
end
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
redis.call('HSET', KEYS[3], ARGV[1], ARGV[3])
redis.call('RPUSH', KEYS[1], ARGV[1])
redis.call('HINCRBY', KEYS[4], 'total', 1)
redis.call('HINCRBY', KEYS[4], 'pending', 1)
redis.call('RPUSH', KEYS[6], cjson.encode({task_id = ARGV[1], old_status = '', new_status = 'pending', created_at = tonumber(ARGV[4])}))
return 1
`)

// KEYS: pending, processing, tasks, payloads, stats. ARGV: count, now, history prefix.
// Returns state/payload pairs in pending order.
var dequeueScript = redis.NewScript(`
local out = {}
local count = tonumber(ARGV[1])
local now = tonumber(ARGV[2])
local taken = 0
while taken < count do
	local id = redis.call('LPOP', KEYS[1])
	if not id then
		break
	end
	redis.call('HINCRBY', KEYS[5], 'pending', -1)
	local raw = redis.call('HGET', KEYS[3], id)
	if raw then
		local task = cjson.decode(raw)
		task['status'] = 'processing'
		task['started_at'] = now
		raw = cjson.encode(task)
		redis.call('HSET', KEYS[3], id, raw)
		redis.call('RPUSH', KEYS[2], id)
		redis.call('HINCRBY', KEYS[5], 'processing', 1)
		redis.call('RPUSH', ARGV[3] .. id, cjson.encode({task_id = id, old_status = 'pending', new_status = 'processing', created_at = now}))
		table.insert(out, raw)
		table.insert(out, redis.call('HGET', KEYS[4], id) or '')
		taken = taken + 1
	else
		redis.call('HINCRBY', KEYS[5], 'total', -1)
	end
end
return out
`)

// KEYS: pending, processing, completed, failed, tasks, results, stats, history.
// ARGV: id, status, now, error, error kind, result, thread id
var updateStatusScript = redis.NewScript(listForStatus + `
local raw = redis.call('HGET', KEYS[5], ARGV[1])
if not raw then
	return 0
end
local task = cjson.decode(raw)
local prev = task['status']
local nxt = ARGV[2]
local now = tonumber(ARGV[3])
if prev ~= nxt then
	redis.call('LREM', list_for(prev), 0, ARGV[1])
	redis.call('HINCRBY', KEYS[7], prev, -1)
	redis.call('RPUSH', list_for(nxt), ARGV[1])
	redis.call('HINCRBY', KEYS[7], nxt, 1)
end
task['status'] = nxt
if nxt == 'completed' then
	task['error'] = nil
	task['error_kind'] = nil
end
if nxt == 'completed' or nxt == 'failed' or nxt == 'error' then
	task['completed_at'] = now
end
if nxt == 'pending' then
	task['started_at'] = nil
end
if ARGV[4] ~= '' then
	task['error'] = ARGV[4]
end
if ARGV[5] ~= '' then
	task['error_kind'] = ARGV[5]
end
if ARGV[7] ~= '' then
	task['thread_id'] = ARGV[7]
end
redis.call('HSET', KEYS[5], ARGV[1], cjson.encode(task))
if ARGV[6] ~= '' then
	redis.call('HSET', KEYS[6], ARGV[1], ARGV[6])
end
redis.call('RPUSH', KEYS[8], cjson.encode({task_id = ARGV[1], old_status = prev, new_status = nxt, error = ARGV[4], created_at = now}))
return 1
`)

// KEYS: pending, processing, completed, failed, tasks, results, stats, history.
// ARGV: id, error, max retries, now, error kind.
// Returns 1 when a retry was scheduled, 0 when retries ran out, -1 when the task is not in processing.
var requeueScript = redis.NewScript(listForStatus + `
local raw = redis.call('HGET', KEYS[5], ARGV[1])
if not raw then
	return -1
end
local task = cjson.decode(raw)
local prev = task['status']
if prev ~= 'processing' then
	return -1
end
local retries = tonumber(task['retry_count']) or 0
local now = tonumber(ARGV[4])
redis.call('LREM', KEYS[2], 0, ARGV[1])
redis.call('HINCRBY', KEYS[7], 'processing', -1)
if ARGV[2] ~= '' then
	task['error'] = ARGV[2]
end
if ARGV[5] ~= '' then
	task['error_kind'] = ARGV[5]
end
local nxt = 'failed'
if retries < tonumber(ARGV[3]) then
	nxt = 'pending'
	task['retry_count'] = retries + 1
	task['started_at'] = nil
else
	task['completed_at'] = now
end
task['status'] = nxt
redis.call('RPUSH', list_for(nxt), ARGV[1])
redis.call('HINCRBY', KEYS[7], nxt, 1)
redis.call('HSET', KEYS[5], ARGV[1], cjson.encode(task))
redis.call('RPUSH', KEYS[8], cjson.encode({task_id = ARGV[1], old_status = prev, new_status = nxt, error = ARGV[2], created_at = now}))
if nxt == 'pending' then
	return 1
end
return 0
`)

// KEYS: pending, processing, tasks, stats. ARGV: started-before cutoff, now, history prefix, note.
// Moves processing tasks abandoned by a dead process back to pending without spending a retry.
var recoverStaleScript = redis.NewScript(`
local ids = redis.call('LRANGE', KEYS[2], 0, -1)
local cutoff = tonumber(ARGV[1])
local now = tonumber(ARGV[2])
local moved = 0
for _, id in ipairs(ids) do
	local raw = redis.call('HGET', KEYS[3], id)
	if not raw then
		redis.call('LREM', KEYS[2], 0, id)
		redis.call('HINCRBY', KEYS[4], 'processing', -1)
		redis.call('HINCRBY', KEYS[4], 'total', -1)
	else
		local task = cjson.decode(raw)
		local started = tonumber(task['started_at']) or 0
		if task['status'] == 'processing' and started < cutoff then
			redis.call('LREM', KEYS[2], 0, id)
			redis.call('RPUSH', KEYS[1], id)
			redis.call('HINCRBY', KEYS[4], 'processing', -1)
			redis.call('HINCRBY', KEYS[4], 'pending', 1)
			task['status'] = 'pending'
			task['started_at'] = nil
			task['error'] = ARGV[4]
			redis.call('HSET', KEYS[3], id, cjson.encode(task))
			redis.call('RPUSH', ARGV[3] .. id, cjson.encode({task_id = id, old_status = 'processing', new_status = 'pending', error = ARGV[4], created_at = now}))
			moved = moved + 1
		end
	end
end
return moved
`)
