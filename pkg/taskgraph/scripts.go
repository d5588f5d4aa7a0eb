package taskgraph

import "github.com/redis/go-redis/v9"

// Transition scripts
//
// Every status change runs as a single Lua script so the check and the write
// are atomic with respect to every other client. Scripts return a table whose
// first element is the outcome:
//
//	-1  task does not exist
//	 0  compare-and-swap failed; remaining elements describe the observed state
//	 1  applied
//	 2  (claim only) a predecessor is not complete
//
// Keys of other entities (predecessor tasks, hub indexes) are derived from
// the namespace prefix passed in ARGV.

// createHubScript reserves a hub's (scope, name), allocates its sequence
// number and writes it in one step. A name pointing at a hub that no longer
// exists is taken over.
// KEYS[1] name index, KEYS[2] sequence counter, KEYS[3] hub hash, KEYS[4] hubs zset
// ARGV[1] hub id, ARGV[2] key prefix, ARGV[3..] hub field/value pairs
// Returns {0, existing id} or {1, seq}.
var createHubScript = redis.NewScript(`
local existing = redis.call('GET', KEYS[1])
if existing and redis.call('EXISTS', ARGV[2] .. 'hub:' .. existing) == 1 then
  return {0, existing}
end
local seq = redis.call('INCR', KEYS[2])
redis.call('SET', KEYS[1], ARGV[1])
redis.call('HSET', KEYS[3], 'seq', seq, unpack(ARGV, 3))
redis.call('ZADD', KEYS[4], seq, ARGV[1])
return {1, seq}
`)

// tryClaimScript moves a waiting task with all predecessors complete to running.
// KEYS[1] task hash, KEYS[2] running zset
// ARGV[1] task id, ARGV[2] claimant, ARGV[3] now ms, ARGV[4] key prefix
var tryClaimScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
  return {-1, ''}
end
if status ~= 'waiting' then
  return {0, status}
end
local preds = redis.call('SMEMBERS', KEYS[1] .. ':preds')
for _, pred in ipairs(preds) do
  local ps = redis.call('HGET', ARGV[4] .. 'task:' .. pred, 'status')
  if ps ~= 'complete' then
    return {2, pred, ps or 'deleted'}
  end
end
local hub = redis.call('HGET', KEYS[1], 'hub')
redis.call('HSET', KEYS[1], 'status', 'running', 'claimant', ARGV[2],
  'lease_acquired_ms', ARGV[3], 'last_heartbeat_ms', ARGV[3])
redis.call('ZREM', ARGV[4] .. 'hub:' .. hub .. ':waiting', ARGV[1])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return {1, 'running'}
`)

// heartbeatScript refreshes the claim of a running task held by claimant.
// KEYS[1] task hash, KEYS[2] running zset
// ARGV[1] task id, ARGV[2] claimant, ARGV[3] now ms
var heartbeatScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
  return {-1, ''}
end
local claimant = redis.call('HGET', KEYS[1], 'claimant') or ''
if status ~= 'running' or claimant ~= ARGV[2] then
  return {0, status, claimant}
end
redis.call('HSET', KEYS[1], 'last_heartbeat_ms', ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return {1, status}
`)

// reportScript moves a running task held by claimant to complete or error.
// KEYS[1] task hash, KEYS[2] running zset
// ARGV[1] task id, ARGV[2] claimant, ARGV[3] new status, ARGV[4] result ref, ARGV[5] reason
var reportScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
  return {-1, ''}
end
local claimant = redis.call('HGET', KEYS[1], 'claimant') or ''
if status ~= 'running' or claimant ~= ARGV[2] then
  return {0, status, claimant}
end
redis.call('HSET', KEYS[1], 'status', ARGV[3], 'result_ref', ARGV[4], 'reason', ARGV[5])
redis.call('HDEL', KEYS[1], 'claimant', 'lease_acquired_ms', 'last_heartbeat_ms')
redis.call('ZREM', KEYS[2], ARGV[1])
return {1, status}
`)

// reclaimScript returns an expired claim to waiting, or to error once the
// retry budget is spent. The claimant and heartbeat must be unchanged since
// the caller observed them, so each expiry is applied exactly once.
// KEYS[1] task hash, KEYS[2] running zset
// ARGV[1] task id, ARGV[2] claimant, ARGV[3] observed last heartbeat ms, ARGV[4] key prefix
var reclaimScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
  return {-1, ''}
end
local claimant = redis.call('HGET', KEYS[1], 'claimant') or ''
local heartbeat = redis.call('HGET', KEYS[1], 'last_heartbeat_ms') or ''
if status ~= 'running' or claimant ~= ARGV[2] or heartbeat ~= ARGV[3] then
  return {0, status, claimant}
end
local retries = redis.call('HINCRBY', KEYS[1], 'retry_count', 1)
local maxRetries = tonumber(redis.call('HGET', KEYS[1], 'max_retries'))
redis.call('HDEL', KEYS[1], 'claimant', 'lease_acquired_ms', 'last_heartbeat_ms')
redis.call('ZREM', KEYS[2], ARGV[1])
if retries >= maxRetries then
  redis.call('HSET', KEYS[1], 'status', 'error', 'reason', 'RetriesExhausted')
  return {1, 'error', retries}
end
local hub = redis.call('HGET', KEYS[1], 'hub')
local seq = redis.call('HGET', KEYS[1], 'seq')
redis.call('HSET', KEYS[1], 'status', 'waiting', 'reason', '')
redis.call('ZADD', ARGV[4] .. 'hub:' .. hub .. ':waiting', seq, ARGV[1])
return {1, 'waiting', retries}
`)

// setStatusScript is the generic compare-and-swap on status. It keeps the
// running and waiting indexes consistent and drops any claim.
// KEYS[1] task hash, KEYS[2] running zset
// ARGV[1] task id, ARGV[2] expected status, ARGV[3] new status, ARGV[4] reason, ARGV[5] key prefix
var setStatusScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
  return {-1, ''}
end
if status ~= ARGV[2] then
  return {0, status}
end
local hub = redis.call('HGET', KEYS[1], 'hub')
local waiting = ARGV[5] .. 'hub:' .. hub .. ':waiting'
if status == 'running' then
  redis.call('HDEL', KEYS[1], 'claimant', 'lease_acquired_ms', 'last_heartbeat_ms')
  redis.call('ZREM', KEYS[2], ARGV[1])
elseif status == 'waiting' then
  redis.call('ZREM', waiting, ARGV[1])
end
if ARGV[3] == 'waiting' then
  redis.call('ZADD', waiting, redis.call('HGET', KEYS[1], 'seq'), ARGV[1])
end
redis.call('HSET', KEYS[1], 'status', ARGV[3], 'reason', ARGV[4])
return {1, status}
`)

// serviceHeartbeatScript refreshes a registration only if it still exists.
// KEYS[1] service hash, KEYS[2] services zset
// ARGV[1] identity, ARGV[2] now ms
var serviceHeartbeatScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], 'last_heartbeat_ms', ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
return 1
`)

// deregisterStaleScript removes a registration whose heartbeat is unchanged
// since the caller observed it.
// KEYS[1] service hash, KEYS[2] services zset
// ARGV[1] identity, ARGV[2] observed last heartbeat ms
var deregisterStaleScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'last_heartbeat_ms') ~= ARGV[2] then
  return 0
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
return 1
`)

// scriptResult decodes the table returned by a transition script.
type scriptResult struct {
	outcome int64
	fields  []string
	count   int64
}

func parseScriptResult(raw interface{}) scriptResult {
	var res scriptResult
	vals, ok := raw.([]interface{})
	if !ok || len(vals) == 0 {
		return res
	}
	res.outcome, _ = vals[0].(int64)
	for _, v := range vals[1:] {
		switch tv := v.(type) {
		case string:
			res.fields = append(res.fields, tv)
		case int64:
			res.count = tv
		}
	}
	return res
}

func (r scriptResult) field(i int) string {
	if i < len(r.fields) {
		return r.fields[i]
	}
	return ""
}
