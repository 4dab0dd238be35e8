// Package metrics aids in defining Prometheus metrics and holds the metrics
// exported by a bootstrapping run.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry encapsulates metrics creation and registration
type Registry struct {
	R prometheus.Registerer
}

// NewCounterVec returns a new created and registered Prometheus CounterVec
func (mr Registry) NewCounterVec(c prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	pm := prometheus.NewCounterVec(c, labels)
	mr.R.MustRegister(pm)
	return pm
}

// NewGauge returns a new created and registered Prometheus Gauge
func (mr Registry) NewGauge(g prometheus.GaugeOpts) prometheus.Gauge {
	pm := prometheus.NewGauge(g)
	mr.R.MustRegister(pm)
	return pm
}

// NewGaugeVec returns a new created and registered Prometheus GaugeVec
func (mr Registry) NewGaugeVec(g prometheus.GaugeOpts, labels []string) *prometheus.GaugeVec {
	pm := prometheus.NewGaugeVec(g, labels)
	mr.R.MustRegister(pm)
	return pm
}

// NewHistogramVec returns a new and registered Prometheus HistogramVec
func (mr Registry) NewHistogramVec(h prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	pm := prometheus.NewHistogramVec(h, labels)
	mr.R.MustRegister(pm)
	return pm
}

// Kind label values.
const (
	KindInstance = "instance"
	KindPattern  = "pattern"
)

// Bootstrap holds the metrics updated by the bootstrap controller.
type Bootstrap struct {
	// Promoted counts records persisted, by relation and kind.
	Promoted *prometheus.CounterVec
	// Candidates counts candidates ranked, by relation and kind.
	Candidates *prometheus.CounterVec
	// Iteration is the last iteration completed, by relation.
	Iteration *prometheus.GaugeVec
	// Reliability observes every computed reliability score, by kind.
	Reliability *prometheus.HistogramVec
	// PMICache reports dpmi cache hits and misses.
	PMICache *prometheus.GaugeVec
}

// NewBootstrap creates and registers the bootstrap metrics with r.
func NewBootstrap(r prometheus.Registerer) *Bootstrap {
	mr := Registry{R: r}
	return &Bootstrap{
		Promoted: mr.NewCounterVec(prometheus.CounterOpts{
			Namespace: "espresso",
			Subsystem: "bootstrap",
			Name:      "promoted_total",
			Help:      `The number of scoring records written to the candidate store.`,
		}, []string{"relation", "kind"}),
		Candidates: mr.NewCounterVec(prometheus.CounterOpts{
			Namespace: "espresso",
			Subsystem: "bootstrap",
			Name:      "candidates_ranked_total",
			Help:      `The number of candidates scored and ranked before truncation.`,
		}, []string{"relation", "kind"}),
		Iteration: mr.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "espresso",
			Subsystem: "bootstrap",
			Name:      "iteration",
			Help:      `The last bootstrapping iteration that completed.`,
		}, []string{"relation"}),
		Reliability: mr.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "espresso",
			Subsystem: "scorer",
			Name:      "reliability",
			Help:      `Distribution of computed reliability scores.`,
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		}, []string{"kind"}),
		PMICache: mr.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "espresso",
			Subsystem: "pmi_cache",
			Name:      "lookups",
			Help:      `dpmi cache lookups by result (hit or miss).`,
		}, []string{"result"}),
	}
}

// Discard returns bootstrap metrics registered with a private registry,
// for callers that do not export metrics.
func Discard() *Bootstrap {
	return NewBootstrap(prometheus.NewRegistry())
}
