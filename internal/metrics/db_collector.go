package metrics

import "github.com/prometheus/client_golang/prometheus"

// PoolStats is a snapshot of the database pool, copied out of pgxpool.Stat
// by the caller so this package stays free of the driver.
type PoolStats struct {
	Total    int32
	Idle     int32
	Acquired int32
	Max      int32
	Waits    int64 // acquires that had to wait for a connection
}

// DBPoolStatFunc returns the current pool snapshot.
type DBPoolStatFunc func() PoolStats

type dbPoolCollector struct {
	statFunc DBPoolStatFunc

	totalDesc    *prometheus.Desc
	idleDesc     *prometheus.Desc
	acquiredDesc *prometheus.Desc
	maxDesc      *prometheus.Desc
	waitsDesc    *prometheus.Desc
}

// NewDBPoolCollector creates a collector that exposes the pool gauges at
// scrape time.
func NewDBPoolCollector(statFunc DBPoolStatFunc) prometheus.Collector {
	return &dbPoolCollector{
		statFunc:     statFunc,
		totalDesc:    prometheus.NewDesc("broker_db_pool_total_conns", "Total number of connections in the DB pool.", nil, nil),
		idleDesc:     prometheus.NewDesc("broker_db_pool_idle_conns", "Number of idle connections in the DB pool.", nil, nil),
		acquiredDesc: prometheus.NewDesc("broker_db_pool_acquired_conns", "Number of acquired connections in the DB pool.", nil, nil),
		maxDesc:      prometheus.NewDesc("broker_db_pool_max_conns", "Configured maximum size of the DB pool.", nil, nil),
		waitsDesc:    prometheus.NewDesc("broker_db_pool_empty_acquire_total", "Acquires that waited because the pool was empty.", nil, nil),
	}
}

func (c *dbPoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.totalDesc
	ch <- c.idleDesc
	ch <- c.acquiredDesc
	ch <- c.maxDesc
	ch <- c.waitsDesc
}

func (c *dbPoolCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.statFunc()
	ch <- prometheus.MustNewConstMetric(c.totalDesc, prometheus.GaugeValue, float64(s.Total))
	ch <- prometheus.MustNewConstMetric(c.idleDesc, prometheus.GaugeValue, float64(s.Idle))
	ch <- prometheus.MustNewConstMetric(c.acquiredDesc, prometheus.GaugeValue, float64(s.Acquired))
	ch <- prometheus.MustNewConstMetric(c.maxDesc, prometheus.GaugeValue, float64(s.Max))
	ch <- prometheus.MustNewConstMetric(c.waitsDesc, prometheus.CounterValue, float64(s.Waits))
}
