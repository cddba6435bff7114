package database

import "github.com/prometheus/client_golang/prometheus"

// StatsCollector publishes Pool.Stats on every scrape.
type StatsCollector struct {
	pool *Pool

	conns          *prometheus.Desc
	maxConns       *prometheus.Desc
	acquires       *prometheus.Desc
	emptyAcquires  *prometheus.Desc
	canceled       *prometheus.Desc
	acquireSeconds *prometheus.Desc
}

var _ prometheus.Collector = (*StatsCollector)(nil)

// NewStatsCollector creates a collector for p.
func NewStatsCollector(p *Pool) *StatsCollector {
	return &StatsCollector{
		pool: p,
		conns: prometheus.NewDesc("db_pool_connections",
			"Database connections by state.", []string{"state"}, nil),
		maxConns: prometheus.NewDesc("db_pool_max_connections",
			"Maximum number of database connections.", nil, nil),
		acquires: prometheus.NewDesc("db_pool_acquires_total",
			"Successful connection acquisitions.", nil, nil),
		emptyAcquires: prometheus.NewDesc("db_pool_empty_acquires_total",
			"Acquisitions that had to wait for or open a connection.", nil, nil),
		canceled: prometheus.NewDesc("db_pool_canceled_acquires_total",
			"Acquisitions abandoned because of a timeout or cancellation.", nil, nil),
		acquireSeconds: prometheus.NewDesc("db_pool_acquire_seconds_total",
			"Cumulative time spent acquiring connections.", nil, nil),
	}
}

func (c *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.conns
	ch <- c.maxConns
	ch <- c.acquires
	ch <- c.emptyAcquires
	ch <- c.canceled
	ch <- c.acquireSeconds
}

func (c *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.pool.Stats()

	ch <- prometheus.MustNewConstMetric(c.conns, prometheus.GaugeValue, float64(s.IdleConns), "idle")
	ch <- prometheus.MustNewConstMetric(c.conns, prometheus.GaugeValue, float64(s.AcquiredConns), "acquired")
	ch <- prometheus.MustNewConstMetric(c.conns, prometheus.GaugeValue, float64(s.ConstructingConns), "constructing")
	ch <- prometheus.MustNewConstMetric(c.maxConns, prometheus.GaugeValue, float64(s.MaxConns))
	ch <- prometheus.MustNewConstMetric(c.acquires, prometheus.CounterValue, float64(s.AcquireCount))
	ch <- prometheus.MustNewConstMetric(c.emptyAcquires, prometheus.CounterValue, float64(s.EmptyAcquireCount))
	ch <- prometheus.MustNewConstMetric(c.canceled, prometheus.CounterValue, float64(s.CanceledAcquireCount))
	ch <- prometheus.MustNewConstMetric(c.acquireSeconds, prometheus.CounterValue, s.AcquireDuration.Seconds())
}
