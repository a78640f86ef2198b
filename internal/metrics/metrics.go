// Package metrics records allocation run statistics as Prometheus metrics.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "scranton_puts"

// Margin query outcomes.
const (
	OutcomeConfirmed   = "confirmed"
	OutcomeBelowFloor  = "below_floor"
	OutcomeUnavailable = "unavailable"
	OutcomeError       = "error"
	OutcomeUnqualified = "unqualified"
)

// Recorder holds the metrics for allocation runs. A nil *Recorder is valid
// and records nothing.
type Recorder struct {
	registry *prometheus.Registry

	Runs            *prometheus.CounterVec
	Candidates      prometheus.Counter
	Selected        *prometheus.CounterVec
	Skipped         *prometheus.CounterVec
	MarginSources   *prometheus.CounterVec
	MarginQueries   *prometheus.CounterVec
	MarginLatency   prometheus.Histogram
	BudgetAvailable prometheus.Gauge
	MarginUsed      prometheus.Gauge
	Utilization     prometheus.Gauge
	CommittedMargin prometheus.Gauge
}

// NewRecorder creates a recorder with its own registry.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),

		Runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Portfolio build runs by result",
			},
			[]string{"result"},
		),
		Candidates: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "candidates_total",
				Help:      "Strike candidates evaluated by the portfolio builder",
			},
		),
		Selected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "trades_selected_total",
				Help:      "Trades selected by sector",
			},
			[]string{"sector"},
		),
		Skipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "trades_skipped_total",
				Help:      "Trades skipped by reason",
			},
			[]string{"reason"},
		),
		MarginSources: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "margin_source_total",
				Help:      "Resolved margin figures by source",
			},
			[]string{"source"},
		),
		MarginQueries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "margin_queries_total",
				Help:      "Broker margin queries by outcome",
			},
			[]string{"outcome"},
		),
		MarginLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "margin_query_duration_seconds",
				Help:      "Latency of broker margin queries",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
		),
		BudgetAvailable: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "margin_budget_available_dollars",
				Help:      "Margin budget available for new trades in the last run",
			},
		),
		MarginUsed: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "margin_used_dollars",
				Help:      "Margin used by selected trades in the last run",
			},
		),
		Utilization: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "budget_utilization_ratio",
				Help:      "Used over available margin budget in the last run (0.0 to 1.0)",
			},
		),
		CommittedMargin: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "committed_margin_dollars",
				Help:      "Margin already committed to staged trades",
			},
		),
	}

	r.registry.MustRegister(
		r.Runs,
		r.Candidates,
		r.Selected,
		r.Skipped,
		r.MarginSources,
		r.MarginQueries,
		r.MarginLatency,
		r.BudgetAvailable,
		r.MarginUsed,
		r.Utilization,
		r.CommittedMargin,
	)
	return r
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// ObserveMarginQuery records one broker margin query.
func (r *Recorder) ObserveMarginQuery(outcome string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.MarginQueries.WithLabelValues(outcome).Inc()
	r.MarginLatency.Observe(elapsed.Seconds())
}

// RecordCandidates adds n evaluated candidates.
func (r *Recorder) RecordCandidates(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.Candidates.Add(float64(n))
}

// RecordMarginSource counts one resolved margin figure.
func (r *Recorder) RecordMarginSource(source string) {
	if r == nil {
		return
	}
	r.MarginSources.WithLabelValues(source).Inc()
}

// RecordSelected counts one selected trade.
func (r *Recorder) RecordSelected(sector string) {
	if r == nil {
		return
	}
	r.Selected.WithLabelValues(sector).Inc()
}

// RecordSkipped counts one skipped trade under a short reason kind.
func (r *Recorder) RecordSkipped(kind string) {
	if r == nil {
		return
	}
	r.Skipped.WithLabelValues(kind).Inc()
}

// RecordRun records the outcome and budget figures of a finished run.
func (r *Recorder) RecordRun(result string, available, used, committed float64) {
	if r == nil {
		return
	}
	r.Runs.WithLabelValues(result).Inc()
	r.BudgetAvailable.Set(available)
	r.MarginUsed.Set(used)
	r.CommittedMargin.Set(committed)
	utilization := 0.0
	if available > 0 {
		utilization = used / available
	}
	r.Utilization.Set(utilization)
}

// WriteTextfile writes all metrics in the text exposition format, for the
// node_exporter textfile collector.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("writing metrics textfile: %w", err)
	}
	return nil
}
