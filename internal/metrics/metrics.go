// Package metrics exposes engine counters to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rewired-gh/noisegate/internal/models"
)

// Recorder implements the engine metrics sink.
type Recorder struct {
	delivered     *prometheus.CounterVec
	suppressed    *prometheus.CounterVec
	pushes        prometheus.Counter
	budgetRejects prometheus.Counter
	checkDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "noisegate_alerts_delivered_total",
			Help: "Alerts handed to the notifier, by delivery reason",
		}, []string{"reason"}),
		suppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "noisegate_alerts_suppressed_total",
			Help: "Checks that recorded a suppression, by reason",
		}, []string{"reason"}),
		pushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "noisegate_pushes_total",
			Help: "Notifications pushed",
		}),
		budgetRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "noisegate_budget_rejects_total",
			Help: "Deliveries refused because the daily budget was used up",
		}),
		checkDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "noisegate_check_duration_seconds",
			Help:    "Time spent evaluating one subject",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"kind"}),
	}
	reg.MustRegister(r.delivered, r.suppressed, r.pushes, r.budgetRejects, r.checkDuration)
	return r
}

func (r *Recorder) Delivered(reason string) {
	r.pushes.Inc()
	r.delivered.WithLabelValues(reason).Inc()
}

func (r *Recorder) Suppressed(reason string) {
	r.suppressed.WithLabelValues(reason).Inc()
}

func (r *Recorder) BudgetRejected() {
	r.budgetRejects.Inc()
}

func (r *Recorder) CheckObserved(kind models.SubjectKind, d time.Duration) {
	r.checkDuration.WithLabelValues(string(kind)).Observe(d.Seconds())
}
