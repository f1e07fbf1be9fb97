package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks pipeline throughput. A nil-safe nop instance is used when
// no registry is wired.
type Metrics struct {
	runsTotal   *prometheus.CounterVec
	runDuration prometheus.Histogram
	discovered  prometheus.Counter
	duplicates  prometheus.Counter
	scraped     prometheus.Counter
	analyzed    prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		runsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scout_runs_total",
			Help: "Discovery runs by terminal status.",
		}, []string{"status"}),
		runDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "scout_run_duration_seconds",
			Help:    "Wall-clock duration of discovery runs.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		discovered: factory.NewCounter(prometheus.CounterOpts{
			Name: "scout_articles_discovered_total",
			Help: "Candidate articles returned by discovery.",
		}),
		duplicates: factory.NewCounter(prometheus.CounterOpts{
			Name: "scout_articles_duplicate_total",
			Help: "Discoveries skipped as already seen.",
		}),
		scraped: factory.NewCounter(prometheus.CounterOpts{
			Name: "scout_articles_scraped_total",
			Help: "Articles scraped successfully.",
		}),
		analyzed: factory.NewCounter(prometheus.CounterOpts{
			Name: "scout_articles_analyzed_total",
			Help: "Articles analyzed and persisted.",
		}),
	}
}

// NopMetrics returns a Metrics that records nothing.
func NopMetrics() *Metrics { return &Metrics{} }

func (m *Metrics) RunFinished(status string, d time.Duration) {
	if m.runsTotal == nil {
		return
	}
	m.runsTotal.WithLabelValues(status).Inc()
	m.runDuration.Observe(d.Seconds())
}

func (m *Metrics) Discovered(n int) { add(m.discovered, n) }
func (m *Metrics) Duplicates(n int) { add(m.duplicates, n) }
func (m *Metrics) Scraped(n int)    { add(m.scraped, n) }
func (m *Metrics) Analyzed(n int)   { add(m.analyzed, n) }

func add(c prometheus.Counter, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.Add(float64(n))
}
