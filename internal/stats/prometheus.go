package stats

import "github.com/prometheus/client_golang/prometheus"

// PrometheusEmitter republishes a Snapshot onto a set of Prometheus
// gauges each time it is flushed. This is the ambient observability
// surface referenced in SPEC_FULL.md §1.NEW — distinct from the statsd
// wire format spec.md names as an external collaborator.
type PrometheusEmitter struct {
	released, abandoned, pruned, undelayed     prometheus.Gauge
	cyclesOK, cyclesFailed, raced, scriptErrors prometheus.Gauge
	ok, failed, errs, malformed                prometheus.Gauge
}

// NewPrometheusEmitter registers one gauge per counter with reg and
// returns an Emitter that keeps them current.
func NewPrometheusEmitter(reg prometheus.Registerer, namespace string) *PrometheusEmitter {
	g := func(name, help string) prometheus.Gauge {
		gauge := prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		})
		reg.MustRegister(gauge)
		return gauge
	}

	return &PrometheusEmitter{
		released:     g("queue_released_total", "jobs released back to unclaimed by the reclaim script"),
		abandoned:    g("queue_abandoned_total", "jobs moved to the abandoned set by the reclaim script"),
		pruned:       g("queue_pruned_total", "jobs fully removed by the reclaim script"),
		undelayed:    g("queue_undelayed_total", "delayed jobs promoted to unclaimed"),
		cyclesOK:     g("chron_cycles_ok_total", "chron cycles that completed without a partition or publish failure"),
		cyclesFailed: g("chron_cycles_failed_total", "chron cycles that hit a partition or publish failure"),
		raced:        g("chron_cycles_raced_total", "chron cycles skipped because the pool lock was unavailable"),
		scriptErrors: g("reclaim_script_errors_total", "reclaim script invocations that returned an error"),
		ok:           g("runner_requests_ok_total", "runner HTTP dispatches that completed successfully"),
		failed:       g("runner_requests_failed_total", "runner HTTP dispatches the endpoint reported as failed"),
		errs:         g("runner_requests_errored_total", "runner HTTP dispatches that errored in transport"),
		malformed:    g("runner_responses_malformed_total", "runner HTTP responses that failed to parse"),
	}
}

func (p *PrometheusEmitter) Emit(s Snapshot) {
	p.released.Set(float64(s.Released))
	p.abandoned.Set(float64(s.Abandoned))
	p.pruned.Set(float64(s.Pruned))
	p.undelayed.Set(float64(s.Undelayed))
	p.cyclesOK.Set(float64(s.CyclesOK))
	p.cyclesFailed.Set(float64(s.CyclesFailed))
	p.raced.Set(float64(s.Raced))
	p.scriptErrors.Set(float64(s.ScriptErrors))
	p.ok.Set(float64(s.OK))
	p.failed.Set(float64(s.Failed))
	p.errs.Set(float64(s.Errors))
	p.malformed.Set(float64(s.MalformedResp))
}
