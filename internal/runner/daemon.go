// Package runner implements the runner daemon's main loop (spec §4.8): a
// single-threaded control loop that rotates loop priority, refills slot
// pools, and backs off when idle or saturated.
package runner

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/weirdgloop/mediawiki-jobrunner/internal/logging"
	"github.com/weirdgloop/mediawiki-jobrunner/internal/readycache"
	"github.com/weirdgloop/mediawiki-jobrunner/internal/selector"
	"github.com/weirdgloop/mediawiki-jobrunner/internal/slotpool"
	"github.com/weirdgloop/mediawiki-jobrunner/internal/stats"
)

const idleSleep = 100 * time.Millisecond

// priorityState is the per-loop mutable (priority, since) pair from
// spec §3, mutated only by the main loop.
type priorityState struct {
	priority selector.Priority
	since    time.Time
}

// Loop bundles one loop's immutable descriptor, its slot pool, and
// its mutable priority state.
type Loop struct {
	descriptor selector.LoopDescriptor
	pool       *slotpool.Pool
	priority   priorityState
}

// Daemon is the runner daemon.
type Daemon struct {
	loops  []*Loop
	cache  *readycache.Cache
	logger logging.StructuredLogger
	stats  *stats.Counters
	emit   stats.Emitter

	now func() time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a runner Daemon over the given loops, sharing one ready-map
// cache across all of them (spec §4.8 step 2 reads it once per
// iteration, not once per loop).
func New(loops []*Loop, cache *readycache.Cache, logger logging.StructuredLogger, st *stats.Counters, emit stats.Emitter) *Daemon {
	if logger == nil {
		logger = logging.Noop()
	}
	if st == nil {
		st = stats.New()
	}
	if emit == nil {
		emit = stats.LogEmitter{Logger: logger}
	}
	d := &Daemon{
		loops:  loops,
		cache:  cache,
		logger: logger,
		stats:  st,
		emit:   emit,
		now:    time.Now,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	for _, l := range d.loops {
		l.priority = priorityState{priority: selector.High, since: d.now()}
	}
	return d
}

// NewLoop wraps a loop descriptor and its slot pool for Daemon
// construction.
func NewLoop(descriptor selector.LoopDescriptor, pool *slotpool.Pool) *Loop {
	return &Loop{descriptor: descriptor, pool: pool}
}

// Run installs signal handling and blocks, running the main loop until a
// graceful shutdown signal arrives or Stop is called.
func (d *Daemon) Run() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	lastMemStats := readMemAlloc()

	for {
		select {
		case <-d.stopCh:
			d.shutdown()
			close(d.doneCh)
			return
		case sig := <-sigCh:
			d.logger.Info("runner.signal", "signal", sig.String())
			d.shutdown()
			close(d.doneCh)
			return
		default:
		}

		ready := d.cache.Get()
		if len(ready) == 0 {
			time.Sleep(idleSleep)
			continue
		}

		anyDispatched := false
		for _, l := range d.loops {
			flipped := d.updatePriority(l)

			free, newlyFilled := l.pool.RefillSlots(l.descriptor, l.priority.priority, ready, l.descriptor.HPMaxTimeSec)
			if newlyFilled > 0 {
				anyDispatched = true
			}
			if !flipped && free > 0 && newlyFilled == 0 {
				// Empty at this priority class: let the other class take
				// a turn immediately (spec §4.8's third flip rule) --
				// skipped when updatePriority already flipped this loop
				// above, since a loop flips at most once per iteration
				// (spec §8 property 3).
				d.flip(l)
			}
		}

		if !anyDispatched {
			time.Sleep(idleSleep)
		}

		mem := readMemAlloc()
		memDelta := int64(mem) - int64(lastMemStats)
		lastMemStats = mem
		d.logger.Debug("runner.iteration", "mem_delta_bytes", memDelta)
		d.emit.Emit(d.stats.Snapshot())
	}
}

// updatePriority applies the time-sharing rule from spec §4.8: flip high
// to low after lpMaxDelay in flight, or low to high after hpMaxDelay. It
// reports whether it flipped the loop this call, so Run can skip the
// third flip rule in the same iteration (spec §8 property 3: a loop
// flips at most once per iteration).
func (d *Daemon) updatePriority(l *Loop) bool {
	elapsed := d.now().Sub(l.priority.since)
	switch l.priority.priority {
	case selector.High:
		if elapsed > time.Duration(l.descriptor.LPMaxDelaySec)*time.Second {
			d.setPriority(l, selector.Low)
			return true
		}
	case selector.Low:
		if elapsed > time.Duration(l.descriptor.HPMaxDelaySec)*time.Second {
			d.setPriority(l, selector.High)
			return true
		}
	}
	return false
}

func (d *Daemon) flip(l *Loop) {
	if l.priority.priority == selector.High {
		d.setPriority(l, selector.Low)
	} else {
		d.setPriority(l, selector.High)
	}
}

func (d *Daemon) setPriority(l *Loop, p selector.Priority) {
	l.priority = priorityState{priority: p, since: d.now()}
}

// Stop requests graceful shutdown and waits for the loop to exit.
func (d *Daemon) Stop() {
	close(d.stopCh)
	<-d.doneCh
}

func (d *Daemon) shutdown() {
	var wg sync.WaitGroup
	for _, l := range d.loops {
		wg.Add(1)
		go func(l *Loop) {
			defer wg.Done()
			l.pool.Terminate()
		}(l)
	}
	wg.Wait()
}
