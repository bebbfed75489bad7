package queue

import "github.com/redis/go-redis/v9"

// The ordered queue and the metadata blobs live in the shared store and must
// move together. These scripts are the only code path allowed to touch both
// sides of that boundary; any client-side multi-step sequence would break the
// invariant that metadata exists iff the player is queued.

// enqueueScript adds a player to the mode's sorted set iff not already
// present, storing the metadata blob alongside.
//
// KEYS[1] = queue:<mode>
// ARGV[1] = player_id, ARGV[2] = score, ARGV[3] = metadata JSON
// Returns {added 0|1, queue size}.
var enqueueScript = redis.NewScript(`
local queue = KEYS[1]
local player_id = ARGV[1]
local score = tonumber(ARGV[2])
local metadata = ARGV[3]

if metadata == nil or metadata == '' then
  return redis.error_reply('enqueue requires non-empty metadata')
end

if redis.call('ZSCORE', queue, player_id) then
  return {0, redis.call('ZCARD', queue)}
end

redis.call('ZADD', queue, score, player_id)
redis.call('SET', 'metadata:' .. player_id, metadata)
return {1, redis.call('ZCARD', queue)}
`)

// dequeueScript removes a player from the queue and deletes its metadata.
// Idempotent: removing an absent player reports removed=0.
//
// KEYS[1] = queue:<mode>
// ARGV[1] = player_id
// Returns {removed 0|1, queue size}.
var dequeueScript = redis.NewScript(`
local queue = KEYS[1]
local player_id = ARGV[1]

local removed = redis.call('ZREM', queue, player_id)
redis.call('DEL', 'metadata:' .. player_id)
return {removed, redis.call('ZCARD', queue)}
`)

// popBatchScript pops the lowest-scored entries, attaching and deleting each
// player's metadata blob in the same step. A successful pop is the last
// moment the metadata exists in the store; ownership of the candidate passes
// to the caller.
//
// KEYS[1] = queue:<mode>
// ARGV[1] = batch size
// Returns a flat stream of (player_id, score, metadata-or-"{}") triples.
var popBatchScript = redis.NewScript(`
local queue = KEYS[1]
local batch = tonumber(ARGV[1])
local out = {}

if batch == nil or batch <= 0 then
  return out
end

local popped = redis.call('ZRANGE', queue, 0, batch - 1, 'WITHSCORES')
for i = 1, #popped, 2 do
  local player_id = popped[i]
  local score = popped[i + 1]
  redis.call('ZREM', queue, player_id)
  local metadata_key = 'metadata:' .. player_id
  local metadata = redis.call('GET', metadata_key)
  redis.call('DEL', metadata_key)
  out[#out + 1] = player_id
  out[#out + 1] = score
  out[#out + 1] = metadata or '{}'
end

return out
`)
