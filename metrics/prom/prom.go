package prom

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/IvanBrykalov/diskrank/rankings"
)

// Adapter implements rankings.Metrics and exports Prometheus counters/gauges.
// Safe for concurrent use; several engines may share one Adapter when their
// lists should be reported together, or use constLabels to tell them apart.
type Adapter struct {
	ops        *prometheus.CounterVec
	recoveries *prometheus.CounterVec
	entries    *prometheus.GaugeVec
	failures   *prometheus.CounterVec
}

// New constructs a Prometheus metrics adapter.
//   - reg:          registry to register metrics with (nil => prometheus.DefaultRegisterer)
//   - ns, sub:      Prometheus namespace and subsystem
//   - constLabels:  static labels applied to all metrics (may be nil)
func New(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *Adapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	a := &Adapter{
		ops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        "ops_total",
				Help:        "Structural list operations by kind",
				ConstLabels: constLabels,
			},
			[]string{"op"},
		),
		recoveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        "recoveries_total",
				Help:        "Initializations by transaction log outcome",
				ConstLabels: constLabels,
			},
			[]string{"outcome"},
		),
		entries: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        "list_entries",
				Help:        "Records on each ranking list (list counting only)",
				ConstLabels: constLabels,
			},
			[]string{"list"},
		),
		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        "check_failures_total",
				Help:        "List checks that found a structural defect, by code",
				ConstLabels: constLabels,
			},
			[]string{"code"},
		),
	}
	reg.MustRegister(a.ops, a.recoveries, a.entries, a.failures)
	return a
}

// Op increments the operation counter.
func (a *Adapter) Op(k rankings.OpKind) { a.ops.WithLabelValues(k.String()).Inc() }

// Recovery counts one Init by what it did with the transaction log.
func (a *Adapter) Recovery(o rankings.RecoveryOutcome) {
	a.recoveries.WithLabelValues(o.String()).Inc()
}

// ListSize sets the gauge of one list.
func (a *Adapter) ListSize(l rankings.List, entries int) {
	a.entries.WithLabelValues(l.String()).Set(float64(entries))
}

// CheckFailure counts a defect found by SelfCheck or CheckList.
func (a *Adapter) CheckFailure(c rankings.ErrCode) {
	a.failures.WithLabelValues(c.String()).Inc()
}

// Compile-time check: ensure Adapter implements rankings.Metrics.
var _ rankings.Metrics = (*Adapter)(nil)
