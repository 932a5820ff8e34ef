// Package poollock implements a cooperative N-slot distributed lock over
// aggregator keys (spec §4.2). At most N callers hold a lock with the same
// name concurrently; stale holders self-evict via TTL.
package poollock

import (
	"context"
	"errors"
	"fmt"
	"time"

	retry "github.com/avast/retry-go/v5"
	"github.com/gomodule/redigo/redis"
)

// LockUnavailable is returned by Acquire when every one of the N slots is
// currently held by a live (non-stale) holder.
var LockUnavailable = errors.New("poollock: unavailable")

// compareAndSetScript implements the get-and-set-if-stale step from
// §4.2: if the slot is absent or older than now-ttl, set it to now and
// return 1 once the slot reads back as now. The script runs atomically,
// so no other caller can interleave between the GET and the SET.
//
// KEYS[1] = slot key, "<name>:lock:<i>"
// ARGV[1] = now (unix seconds)
// ARGV[2] = ttl (seconds)
// Returns: 1 if acquired, 0 if another holder is live or won the race.
var compareAndSetScript = redis.NewScript(1, `
local observed = redis.call('get', KEYS[1])
local now = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])

if observed ~= false and tonumber(observed) > (now - ttl) then
  return 0
end

redis.call('set', KEYS[1], now)
local after = redis.call('get', KEYS[1])
if after == tostring(now) then
  return 1
end
return 0
`)

// releaseScript deletes the held slot key.
//
// KEYS[1] = slot key
var releaseScript = redis.NewScript(1, `
return redis.call('del', KEYS[1])
`)

// refreshScript overwrites the held slot's timestamp with now.
//
// KEYS[1] = slot key
// ARGV[1] = now (unix seconds)
var refreshScript = redis.NewScript(1, `
return redis.call('set', KEYS[1], ARGV[1])
`)

// Conn is a narrow Do/Close view of a redigo connection. Acquire,
// Refresh and Release themselves use the full redis.Conn that Pool
// returns.
type Conn interface {
	Do(cmd string, args ...interface{}) (interface{}, error)
	Close() error
}

// Pool supplies a Conn per call, matching how the rest of this module
// borrows redigo connections from a pool.
type Pool interface {
	Get() redis.Conn
}

// Lock is a held slot of an N-slot pool lock.
type Lock struct {
	name    string
	slotKey string
	ttl     time.Duration
	pool    Pool
}

// Acquire tries slots [0, n) in order and holds the first one that is
// either absent or stale (its timestamp older than now-ttl). It returns
// LockUnavailable if all n slots are currently held by a live holder.
func Acquire(pool Pool, name string, n int, ttl time.Duration) (*Lock, error) {
	conn := pool.Get()
	defer conn.Close()

	now := time.Now().Unix()
	for i := 0; i < n; i++ {
		slotKey := fmt.Sprintf("%s:lock:%d", name, i)
		reply, err := compareAndSetScript.Do(conn, slotKey, now, int64(ttl.Seconds()))
		if err != nil {
			return nil, fmt.Errorf("poollock: acquire slot %d: %w", i, err)
		}
		if acquired, _ := redis.Int(reply, nil); acquired == 1 {
			return &Lock{name: name, slotKey: slotKey, ttl: ttl, pool: pool}, nil
		}
	}
	return nil, LockUnavailable
}

// Refresh overwrites the held slot's timestamp with now, extending its
// lease. It retries transient failures a couple of times via retry-go
// before giving up — a failed refresh is non-fatal, it just risks losing
// the slot to TTL expiry, which is the documented self-eviction behavior.
func (l *Lock) Refresh() error {
	return retry.Do(
		func() error {
			conn := l.pool.Get()
			defer conn.Close()
			_, err := refreshScript.Do(conn, l.slotKey, time.Now().Unix())
			return err
		},
		retry.Attempts(2),
		retry.Delay(20*time.Millisecond),
		retry.Context(context.Background()),
	)
}

// Release deletes the held slot key.
func (l *Lock) Release() error {
	conn := l.pool.Get()
	defer conn.Close()
	_, err := releaseScript.Do(conn, l.slotKey)
	if err != nil {
		return fmt.Errorf("poollock: release: %w", err)
	}
	return nil
}

// SlotKey returns the Redis key backing this held slot, for logging.
func (l *Lock) SlotKey() string { return l.slotKey }
