// Package reclaim implements the server-side atomic transformation of a
// single queue's seven Redis keys (spec §4.3): it recycles expired
// claims, abandons jobs exceeding attempt limits, prunes long-dead jobs,
// promotes ready delayed jobs, and republishes queue liveness into the
// cluster-wide queues-with-jobs set.
package reclaim

import (
	"fmt"

	"github.com/gomodule/redigo/redis"

	"github.com/weirdgloop/mediawiki-jobrunner/internal/queue"
)

// script is the single atomic Lua transformation described in spec §4.3.
//
// KEYS[1] = unclaimed list        (l-unclaimed)
// KEYS[2] = claimed sorted set    (z-claimed, score = claim timestamp)
// KEYS[3] = attempts hash         (h-attempts, jobID -> attempt count)
// KEYS[4] = data hash             (h-data, jobID -> payload)
// KEYS[5] = abandoned sorted set  (z-abandoned, score = claim timestamp at death)
// KEYS[6] = delayed sorted set    (z-delayed, score = ready-at timestamp)
// KEYS[7] = queues-with-jobs set  (global:jobqueue:s-queuesWithJobs)
// ARGV[1] = claim cutoff timestamp (claims with score <= this are expired)
// ARGV[2] = prune cutoff timestamp (abandoned entries with score <= this are pruned)
// ARGV[3] = attempts limit
// ARGV[4] = current time (now)
// ARGV[5] = encoded queue name (this queue's member in KEYS[7])
// ARGV[6] = per-pass item limit L
//
// Returns {released, abandoned, pruned, undelayed, ready}.
//
// Step ordering note (spec §9 Open Question, preserved as-is): released
// jobs are RPUSHed (appended) onto the unclaimed list in step 2, while
// undelayed jobs are LPUSHed (prepended) in step 4. This asymmetry is not
// a documented contract but is observable by workers pulling from the
// head of the list; it is mirrored exactly rather than "fixed".
var script = redis.NewScript(7, `
local unclaimed  = KEYS[1]
local claimed     = KEYS[2]
local attempts    = KEYS[3]
local data        = KEYS[4]
local abandoned   = KEYS[5]
local delayed     = KEYS[6]
local withJobs    = KEYS[7]

local claimCutoff   = tonumber(ARGV[1])
local pruneCutoff   = tonumber(ARGV[2])
local attemptsLimit = tonumber(ARGV[3])
local now           = tonumber(ARGV[4])
local queueName     = ARGV[5]
local limit         = tonumber(ARGV[6])

-- Step 1: no data mapping means this queue has never held a job (or was
-- already fully reclaimed); stop advertising it and bail out.
if redis.call('exists', data) == 0 then
  redis.call('srem', withJobs, queueName)
  return {0, 0, 0, 0, 0}
end

local released = 0
local abandonedCount = 0
local pruned = 0
local undelayed = 0

-- Step 2: expired claims -> unclaimed (if attempts remain) or abandoned.
local expiredClaims = redis.call('zrangebyscore', claimed, '-inf', claimCutoff, 'LIMIT', 0, limit)
for i = 1, #expiredClaims do
  local jobID = expiredClaims[i]
  local claimScore = redis.call('zscore', claimed, jobID)
  local attemptCount = tonumber(redis.call('hget', attempts, jobID)) or 0

  if attemptCount < attemptsLimit then
    redis.call('rpush', unclaimed, jobID)
    released = released + 1
  else
    redis.call('zadd', abandoned, claimScore, jobID)
    abandonedCount = abandonedCount + 1
  end
  redis.call('zrem', claimed, jobID)
end

-- Step 3: long-dead abandoned jobs -> pruned (fully removed).
local deadJobs = redis.call('zrangebyscore', abandoned, '-inf', pruneCutoff, 'LIMIT', 0, limit)
for i = 1, #deadJobs do
  local jobID = deadJobs[i]
  redis.call('zrem', abandoned, jobID)
  redis.call('hdel', attempts, jobID)
  redis.call('hdel', data, jobID)
  pruned = pruned + 1
end

-- Step 4: ready delayed jobs -> prepended onto unclaimed.
local readyDelayed = redis.call('zrangebyscore', delayed, '-inf', now, 'LIMIT', 0, limit)
for i = 1, #readyDelayed do
  local jobID = readyDelayed[i]
  redis.call('lpush', unclaimed, jobID)
  redis.call('zrem', delayed, jobID)
  undelayed = undelayed + 1
end

-- Step 5: current readiness.
local ready = redis.call('llen', unclaimed)

-- Step 6: republish liveness.
local claimedCount = redis.call('zcard', claimed)
local delayedCount = redis.call('zcard', delayed)
if (ready + claimedCount + delayedCount) > 0 then
  redis.call('sadd', withJobs, queueName)
else
  redis.call('srem', withJobs, queueName)
end

return {released, abandonedCount, pruned, undelayed, ready}
`)

// Result is the typed form of the five counters the reclaim script
// returns.
type Result struct {
	Released  int64
	Abandoned int64
	Pruned    int64
	Undelayed int64
	Ready     int64
}

// Params bundles the scalar arguments a single reclaim invocation needs,
// beyond the queue identity itself.
type Params struct {
	ClaimCutoff   int64
	PruneCutoff   int64
	AttemptsLimit int64
	Now           int64
	Limit         int64
}

// Conn is a narrow Do/Close view of a redigo connection. Run itself takes
// a full redis.Conn, as redis.Script.Do does.
type Conn interface {
	Do(cmd string, args ...interface{}) (interface{}, error)
	Close() error
}

// Run executes the reclaim script for one queue against conn.
func Run(conn redis.Conn, id queue.Identity, p Params) (Result, error) {
	keys := queue.KeysFor(id)
	reply, err := script.Do(conn,
		keys.Unclaimed, keys.Claimed, keys.Attempts, keys.Data, keys.Abandoned, keys.Delayed, keys.QueuesWithJobs,
		p.ClaimCutoff, p.PruneCutoff, p.AttemptsLimit, p.Now, id.Encode(), p.Limit,
	)
	if err != nil {
		return Result{}, fmt.Errorf("reclaim: script error for %s: %w", id, err)
	}

	values, err := redis.Int64s(reply, nil)
	if err != nil {
		return Result{}, fmt.Errorf("reclaim: unexpected script reply for %s: %w", id, err)
	}
	if len(values) != 5 {
		return Result{}, fmt.Errorf("reclaim: expected 5 values back for %s, got %d", id, len(values))
	}

	return Result{
		Released:  values[0],
		Abandoned: values[1],
		Pruned:    values[2],
		Undelayed: values[3],
		Ready:     values[4],
	}, nil
}
