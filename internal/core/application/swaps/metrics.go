package swaps

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tdex-network/swapd/internal/core/domain"
)

type metrics struct {
	started   *prometheus.CounterVec
	completed *prometheus.CounterVec
	failed    *prometheus.CounterVec
	active    prometheus.Gauge
}

func newMetrics(registerer prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swapd",
			Name:      "deals_started_total",
			Help:      "Number of swap deals created, by role.",
		}, []string{"role"}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swapd",
			Name:      "deals_completed_total",
			Help:      "Number of swap deals completed, by role.",
		}, []string{"role"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swapd",
			Name:      "deals_failed_total",
			Help:      "Number of swap deals failed, by reason.",
		}, []string{"reason"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "swapd",
			Name:      "deals_active",
			Help:      "Number of swap deals in progress.",
		}),
	}

	if registerer == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.started, m.completed, m.failed, m.active,
	} {
		if err := registerer.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *metrics) dealStarted(d domain.SwapDeal) {
	m.started.WithLabelValues(d.Role.String()).Inc()
	m.active.Inc()
}

func (m *metrics) dealCompleted(d domain.SwapDeal) {
	m.completed.WithLabelValues(d.Role.String()).Inc()
	m.active.Dec()
}

func (m *metrics) dealFailed(d domain.SwapDeal) {
	reason, _ := d.Reason()
	m.failed.WithLabelValues(reason.String()).Inc()
	m.active.Dec()
}
