// Package chron implements the periodic driver that scans every partition
// and applies the reclaim script across every live queue (spec §4.4).
package chron

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/gomodule/redigo/redis"
	retry "github.com/avast/retry-go/v5"
	"github.com/google/uuid"

	"github.com/weirdgloop/mediawiki-jobrunner/internal/logging"
	"github.com/weirdgloop/mediawiki-jobrunner/internal/poollock"
	"github.com/weirdgloop/mediawiki-jobrunner/internal/queue"
	"github.com/weirdgloop/mediawiki-jobrunner/internal/reclaim"
	"github.com/weirdgloop/mediawiki-jobrunner/internal/stats"
)

const (
	lockName           = "jobqueue-chron"
	lockTTL            = 300 * time.Second
	period             = 1 * time.Second
	interInvokeSleep   = 5 * time.Millisecond
	refreshEveryQueues = 100
)

// Partition is one Redis endpoint holding a subset of queues, as seen by
// the chron daemon.
type Partition struct {
	Name string
	Pool poollock.Pool // narrow Get()-only view, reused for reclaim connections too
}

// Config bundles the per-cycle parameters §4.3 and §4.4 need.
type Config struct {
	ClaimTTL      func(queueType string) time.Duration
	AttemptsLimit func(queueType string) int64
	PruneAfter    time.Duration
	ItemLimit     int64
}

// Broadcaster is where the ready-map is published, separate from the
// partition pools. Publishing fans out to every configured aggregator
// endpoint (spec §4.1/§4.4's "best-effort aggregator replication") rather
// than writing to a single pinned one.
type Broadcaster interface {
	Broadcast(cmd string, args ...interface{}) int
}

// Daemon is one chron daemon instance. Multiple instances may run
// concurrently; the pool lock bounds how many actually execute a cycle at
// once.
type Daemon struct {
	partitions []Partition
	aggregator Broadcaster
	aggrPool   poollock.Pool
	cfg        Config
	logger     logging.StructuredLogger
	stats      *stats.Counters

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a chron Daemon.
func New(partitions []Partition, aggregator Broadcaster, aggrPool poollock.Pool, cfg Config, logger logging.StructuredLogger, st *stats.Counters) *Daemon {
	if logger == nil {
		logger = logging.Noop()
	}
	if st == nil {
		st = stats.New()
	}
	return &Daemon{
		partitions: partitions,
		aggregator: aggregator,
		aggrPool:   aggrPool,
		cfg:        cfg,
		logger:     logger,
		stats:      st,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Run blocks, running one cycle every period until Stop is called.
func (d *Daemon) Run() {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			close(d.doneCh)
			return
		case <-ticker.C:
			d.runCycle()
		}
	}
}

// Stop requests graceful shutdown and waits for the current tick to
// finish. Chron's shutdown is immediate per spec §5 — it does not drain
// in-flight work the way the runner daemon does, since a cycle is already
// a bounded sequence of quick Redis round trips.
func (d *Daemon) Stop() {
	close(d.stopCh)
	<-d.doneCh
}

func (d *Daemon) runCycle() {
	roundID := uuid.NewString()

	lock, err := poollock.Acquire(d.aggrPool, lockName, len(d.partitions), lockTTL)
	if err != nil {
		d.stats.Raced.Add(1)
		d.logger.Debug("chron.cycle.raced", "round", roundID)
		return
	}
	defer func() {
		if err := lock.Release(); err != nil {
			d.logger.Warn("chron.cycle.release", logging.ErrAttr(err), "round", roundID)
		}
	}()

	partitions := make([]Partition, len(d.partitions))
	copy(partitions, d.partitions)
	rand.Shuffle(len(partitions), func(i, j int) { partitions[i], partitions[j] = partitions[j], partitions[i] })

	readyMap := make(map[string]int64)
	cycleFailed := false
	queuesProcessed := 0
	now := time.Now().Unix()

	for _, p := range partitions {
		ids, err := d.liveQueues(p)
		if err != nil {
			d.logger.Warn("chron.cycle.partition_failed", logging.ErrAttr(err), "partition", p.Name, "round", roundID)
			cycleFailed = true
			continue
		}
		rand.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })

		conn := p.Pool.Get()
		for _, id := range ids {
			params := reclaim.Params{
				ClaimCutoff:   now - int64(d.cfg.ClaimTTL(id.Type).Seconds()),
				PruneCutoff:   now - int64(d.cfg.PruneAfter.Seconds()),
				AttemptsLimit: d.cfg.AttemptsLimit(id.Type),
				Now:           now,
				Limit:         d.cfg.ItemLimit,
			}

			result, err := reclaim.Run(conn, id, params)
			if err != nil {
				d.stats.ScriptErrors.Add(1)
				d.logger.Warn("chron.cycle.script_error", logging.ErrAttr(err), "queue", id.String(), "round", roundID)
			} else {
				d.stats.Released.Add(uint64(result.Released))
				d.stats.Abandoned.Add(uint64(result.Abandoned))
				d.stats.Pruned.Add(uint64(result.Pruned))
				d.stats.Undelayed.Add(uint64(result.Undelayed))
				if result.Ready > 0 {
					readyMap[id.Encode()] = now
				}
			}

			queuesProcessed++
			if queuesProcessed%refreshEveryQueues == 0 {
				if err := lock.Refresh(); err != nil {
					d.logger.Warn("chron.cycle.refresh", logging.ErrAttr(err), "round", roundID)
				}
			}
			time.Sleep(interInvokeSleep)
		}
		conn.Close()
	}

	if err := d.publish(readyMap); err != nil {
		cycleFailed = true
		d.logger.Warn("chron.cycle.publish_failed", logging.ErrAttr(err), "round", roundID)
	}

	if cycleFailed {
		d.stats.CyclesFailed.Add(1)
	} else {
		d.stats.CyclesOK.Add(1)
	}
}

// liveQueues returns the queue identities with live jobs on p. Queue
// names are read from Redis in pages via SSCAN (not a single SMEMBERS),
// so no single reply carries the whole set. The decoded result is a
// slice holding every live queue of the partition (spec §4.4 step 3
// shuffles the whole per-partition set); runCycle holds only one
// partition's queue list at a time.
func (d *Daemon) liveQueues(p Partition) ([]queue.Identity, error) {
	conn := p.Pool.Get()
	defer conn.Close()

	var (
		cursor int64
		ids    []queue.Identity
	)
	for {
		reply, err := redis.Values(conn.Do("SSCAN", "global:jobqueue:s-queuesWithJobs", cursor, "COUNT", 200))
		if err != nil {
			return nil, fmt.Errorf("chron: sscan %s: %w", p.Name, err)
		}
		if len(reply) != 2 {
			return nil, fmt.Errorf("chron: malformed sscan reply from %s", p.Name)
		}
		cursor, err = redis.Int64(reply[0], nil)
		if err != nil {
			return nil, fmt.Errorf("chron: sscan cursor from %s: %w", p.Name, err)
		}
		members, err := redis.Strings(reply[1], nil)
		if err != nil {
			return nil, fmt.Errorf("chron: sscan members from %s: %w", p.Name, err)
		}
		for _, m := range members {
			id, err := queue.Decode(m)
			if err != nil {
				d.logger.Warn("chron.live_queues.decode", logging.ErrAttr(err), "partition", p.Name)
				continue
			}
			ids = append(ids, id)
		}
		if cursor == 0 {
			break
		}
	}
	return ids, nil
}

// publish writes the accumulated ready-map to a temporary aggregator key
// and atomically renames it over the live key, per spec §4.4 step 7,
// broadcasting each step to every configured aggregator endpoint rather
// than a single pinned one (spec §4.1: aggrSrvs is a list of equivalent
// endpoints precisely so a write can replicate across them). Each step
// is retried a couple of times through retry-go, and only fails the
// publish (and thus the cycle) once it could not reach a single
// endpoint — a transient hiccup on one replica should not discard an
// entire round's reclaim work.
func (d *Daemon) publish(readyMap map[string]int64) error {
	tempKey := queue.ReadyMapTempKey()

	broadcast := func(cmd string, args ...interface{}) error {
		return retry.Do(func() error {
			if ok := d.aggregator.Broadcast(cmd, args...); ok == 0 {
				return fmt.Errorf("chron: publish: %s: no aggregator endpoint reachable", cmd)
			}
			return nil
		}, retry.Attempts(2), retry.Delay(10*time.Millisecond))
	}

	if len(readyMap) == 0 {
		// Nothing is ready anywhere: the live map should end up empty
		// too. There is no temp key to rename over it, so just clear
		// it directly.
		return broadcast("DEL", queue.ReadyMapKey)
	}

	if err := broadcast("DEL", tempKey); err != nil {
		return err
	}
	args := make([]interface{}, 0, 1+len(readyMap)*2)
	args = append(args, tempKey)
	for name, ts := range readyMap {
		args = append(args, name, ts)
	}
	if err := broadcast("HSET", args...); err != nil {
		return err
	}
	return broadcast("RENAME", tempKey, queue.ReadyMapKey)
}
