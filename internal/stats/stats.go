// Package stats implements the ambient stat counters both daemons
// accumulate and periodically flush (spec §4.8 step 5, §4.4). Emission of
// these counters onto a statsd wire (the external collaborator named in
// spec §1) is deliberately left to a pluggable Emitter; the counters
// themselves are plain atomics in the style of
// blueberrycongee-llmux/internal/plugin/builtin/metrics.go.
package stats

import (
	"sync/atomic"

	"github.com/weirdgloop/mediawiki-jobrunner/internal/logging"
)

// Counters holds every counter either daemon touches. Both daemons share
// the same struct shape; each only increments the fields relevant to it.
type Counters struct {
	// Chron-side.
	Raced        atomic.Uint64
	ScriptErrors atomic.Uint64
	Released     atomic.Uint64
	Abandoned    atomic.Uint64
	Pruned       atomic.Uint64
	Undelayed    atomic.Uint64
	CyclesOK     atomic.Uint64
	CyclesFailed atomic.Uint64

	// Runner-side.
	OK            atomic.Uint64
	Failed        atomic.Uint64
	Errors        atomic.Uint64
	MalformedResp atomic.Uint64
}

// New returns a zeroed Counters.
func New() *Counters { return &Counters{} }

// Snapshot is a point-in-time copy of every counter, suitable for an
// Emitter to serialize.
type Snapshot struct {
	Raced, ScriptErrors                    uint64
	Released, Abandoned, Pruned, Undelayed uint64
	CyclesOK, CyclesFailed                 uint64
	OK, Failed, Errors, MalformedResp      uint64
}

// Snapshot reads every counter without resetting them.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		Raced:         c.Raced.Load(),
		ScriptErrors:  c.ScriptErrors.Load(),
		Released:      c.Released.Load(),
		Abandoned:     c.Abandoned.Load(),
		Pruned:        c.Pruned.Load(),
		Undelayed:     c.Undelayed.Load(),
		CyclesOK:      c.CyclesOK.Load(),
		CyclesFailed:  c.CyclesFailed.Load(),
		OK:            c.OK.Load(),
		Failed:        c.Failed.Load(),
		Errors:        c.Errors.Load(),
		MalformedResp: c.MalformedResp.Load(),
	}
}

// Emitter is the pluggable sink stat snapshots are flushed to. A real
// deployment would plug in a statsd client here (spec §1's external
// collaborator); this module ships a logging default (LogEmitter) and a
// Prometheus gauge emitter (PrometheusEmitter).
type Emitter interface {
	Emit(Snapshot)
}

// LogEmitter emits each snapshot as a single structured log line.
type LogEmitter struct {
	Logger logging.StructuredLogger
}

func (e LogEmitter) Emit(s Snapshot) {
	e.Logger.Info("stats.flush",
		"ok", s.OK, "failed", s.Failed, "errors", s.Errors, "malformed", s.MalformedResp,
		"released", s.Released, "abandoned", s.Abandoned, "pruned", s.Pruned, "undelayed", s.Undelayed,
		"cycles_ok", s.CyclesOK, "cycles_failed", s.CyclesFailed, "raced", s.Raced,
	)
}
